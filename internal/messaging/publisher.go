package messaging

import (
	"context"
	"sync/atomic"
	"time"

	"google.golang.org/protobuf/proto"

	"github.com/bardlex/gompcore/internal/jobs"
	"github.com/bardlex/gompcore/pkg/log"
)

const drainTimeout = 5 * time.Second

type envelope struct {
	topic string
	key   string
	json  any
	proto proto.Message
}

// Publisher forwards manager signals to Kafka. Callbacks only enqueue; Run
// does the network I/O. When the queue is full, events are dropped and
// counted rather than stalling share validation.
type Publisher struct {
	client  *KafkaClient
	logger  *log.Logger
	queue   chan envelope
	now     func() time.Time
	dropped atomic.Uint64
}

var _ jobs.Listener = (*Publisher)(nil)

func NewPublisher(client *KafkaClient, queueSize int, logger *log.Logger) *Publisher {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Publisher{
		client: client,
		logger: logger.WithComponent("publisher"),
		queue:  make(chan envelope, queueSize),
		now:    time.Now,
	}
}

// Dropped is the number of events discarded on a full queue.
func (p *Publisher) Dropped() uint64 {
	return p.dropped.Load()
}

func (p *Publisher) OnUpdatedBlock(job jobs.Job, isNewBlock bool) {
	p.enqueue(envelope{topic: TopicJobs, key: job.ID(), json: NewJobMessage(job, isNewBlock, p.now())})
}

func (p *Publisher) OnNewBlock(job jobs.Job) {
	p.enqueue(envelope{topic: TopicJobs, key: job.ID(), json: NewJobMessage(job, true, p.now())})
}

func (p *Publisher) OnShare(ev *jobs.ShareEvent, blockHex string) {
	msg, err := ShareStruct(ev)
	if err != nil {
		p.logger.WithError(err).Warn("failed to encode share event", "job_id", ev.JobID)
	} else {
		p.enqueue(envelope{topic: TopicShares, key: ev.Worker, proto: msg})
	}
	if blockHex != "" {
		p.enqueue(envelope{topic: TopicBlockCandidates, key: ev.BlockHash, json: NewBlockCandidateMessage(ev, blockHex)})
	}
}

func (p *Publisher) enqueue(env envelope) {
	select {
	case p.queue <- env:
	default:
		n := p.dropped.Add(1)
		p.logger.Warn("publish queue full, dropping event", "topic", env.topic, "dropped_total", n)
	}
}

// Run publishes queued events until ctx is done, then drains what is left
// within a short grace period.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case env := <-p.queue:
			p.send(ctx, env)
		case <-ctx.Done():
			p.drain()
			return ctx.Err()
		}
	}
}

func (p *Publisher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case env := <-p.queue:
			p.send(ctx, env)
		default:
			return
		}
	}
}

func (p *Publisher) send(ctx context.Context, env envelope) {
	var err error
	if env.proto != nil {
		err = p.client.PublishProto(ctx, env.topic, env.key, env.proto)
	} else {
		err = p.client.PublishJSON(ctx, env.topic, env.key, env.json)
	}
	if err != nil {
		p.logger.WithError(err).Error("failed to publish event", "topic", env.topic, "key", env.key)
	}
}
