package bitcoin

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	zmq "github.com/pebbe/zmq4"

	"github.com/bardlex/gompcore/pkg/log"
)

// pollInterval bounds how long Listen blocks before rechecking ctx.
const pollInterval = 250 * time.Millisecond

// TopicHashBlock is the node's new-tip notification.
const TopicHashBlock = "hashblock"

// ZMQNotifier is a SUB socket on the node's notification endpoint. Every
// message the node publishes is [topic, body, sequence], the sequence being a
// little-endian uint32 counted per topic.
type ZMQNotifier struct {
	socket   *zmq.Socket
	poller   *zmq.Poller
	endpoint string
	logger   *log.Logger

	sequences map[string]uint32
	missed    atomic.Uint64
}

func NewZMQNotifier(endpoint string, logger *log.Logger) (*ZMQNotifier, error) {
	socket, err := zmq.NewSocket(zmq.SUB)
	if err != nil {
		return nil, fmt.Errorf("failed to create ZMQ socket: %w", err)
	}

	poller := zmq.NewPoller()
	poller.Add(socket, zmq.POLLIN)

	return &ZMQNotifier{
		socket:    socket,
		poller:    poller,
		endpoint:  endpoint,
		logger:    logger.WithComponent("zmq"),
		sequences: make(map[string]uint32),
	}, nil
}

// Dial creates a notifier subscribed to topics and connected to endpoint.
func Dial(endpoint string, logger *log.Logger, topics ...string) (*ZMQNotifier, error) {
	z, err := NewZMQNotifier(endpoint, logger)
	if err != nil {
		return nil, err
	}
	for _, topic := range topics {
		if err := z.Subscribe(topic); err != nil {
			z.Close()
			return nil, err
		}
	}
	if err := z.Connect(); err != nil {
		z.Close()
		return nil, err
	}
	return z, nil
}

func (z *ZMQNotifier) Subscribe(topic string) error {
	if err := z.socket.SetSubscribe(topic); err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", topic, err)
	}
	z.logger.Info("subscribed to ZMQ topic", "topic", topic)
	return nil
}

func (z *ZMQNotifier) Connect() error {
	if err := z.socket.Connect(z.endpoint); err != nil {
		return fmt.Errorf("failed to connect to ZMQ endpoint %s: %w", z.endpoint, err)
	}
	z.logger.Info("connected to ZMQ endpoint", "endpoint", z.endpoint)
	return nil
}

// Missed is the number of notifications lost to sequence gaps. The template
// poll still picks up a missed tip; this only tells how often ZMQ fell
// behind.
func (z *ZMQNotifier) Missed() uint64 {
	return z.missed.Load()
}

// Listen delivers messages to handler until ctx is done or the ZMQ context
// is terminated. Handler errors are logged and do not stop the loop.
func (z *ZMQNotifier) Listen(ctx context.Context, handler func(topic string, data []byte) error) error {
	z.logger.Info("starting ZMQ listener")

	for {
		select {
		case <-ctx.Done():
			z.logger.Info("ZMQ listener stopping", "missed", z.Missed())
			return ctx.Err()
		default:
		}

		polled, err := z.poller.Poll(pollInterval)
		if err != nil {
			if zmq.AsErrno(err) == zmq.ETERM {
				return err
			}
			z.logger.WithError(err).Warn("ZMQ poll failed")
			continue
		}
		if len(polled) == 0 {
			continue
		}

		msg, err := z.socket.RecvMessageBytes(0)
		if err != nil {
			z.logger.WithError(err).Error("failed to receive ZMQ message")
			continue
		}
		if len(msg) < 2 {
			z.logger.Warn("received malformed ZMQ message", "parts", len(msg))
			continue
		}

		topic := string(msg[0])
		if len(msg) > 2 && len(msg[2]) == 4 {
			z.trackSequence(topic, binary.LittleEndian.Uint32(msg[2]))
		}

		if err := handler(topic, msg[1]); err != nil {
			z.logger.WithError(err).Error("failed to handle ZMQ message", "topic", topic)
		}
	}
}

// trackSequence records seq for topic and counts any gap since the last one.
// The first message of a topic only sets the baseline.
func (z *ZMQNotifier) trackSequence(topic string, seq uint32) {
	last, seen := z.sequences[topic]
	z.sequences[topic] = seq
	if !seen || seq == last+1 {
		return
	}
	if seq <= last {
		// Node restart resets the counter.
		z.logger.Info("ZMQ sequence reset", "topic", topic, "last", last, "sequence", seq)
		return
	}
	gap := uint64(seq - last - 1)
	total := z.missed.Add(gap)
	z.logger.Warn("missed ZMQ notifications", "topic", topic, "missed", gap, "missed_total", total)
}

func (z *ZMQNotifier) Close() error {
	if z.socket != nil {
		return z.socket.Close()
	}
	return nil
}

// BlockNotificationHandler turns hashblock bodies into block hash callbacks.
type BlockNotificationHandler struct {
	logger     *log.Logger
	onNewBlock func(blockHash string) error
}

func NewBlockNotificationHandler(logger *log.Logger, onNewBlock func(blockHash string) error) *BlockNotificationHandler {
	return &BlockNotificationHandler{
		logger:     logger.WithComponent("zmq"),
		onNewBlock: onNewBlock,
	}
}

// HandleMessage passes hashblock notifications on in display byte order and
// ignores every other topic.
func (h *BlockNotificationHandler) HandleMessage(topic string, data []byte) error {
	if topic != TopicHashBlock {
		h.logger.Debug("ignoring ZMQ topic", "topic", topic)
		return nil
	}

	hash, err := chainhash.NewHash(data)
	if err != nil {
		return fmt.Errorf("invalid block hash length: %d", len(data))
	}
	blockHash := hash.String()
	h.logger.Info("new block notification", "hash", blockHash)

	if h.onNewBlock == nil {
		return nil
	}
	return h.onNewBlock(blockHash)
}
