// Package messaging publishes job lifecycle and share telemetry to Kafka.
package messaging

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/sasha-s/go-deadlock"
	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"

	"github.com/bardlex/gompcore/pkg/circuit"
	"github.com/bardlex/gompcore/pkg/errors"
	"github.com/bardlex/gompcore/pkg/log"
	"github.com/bardlex/gompcore/pkg/retry"
)

// Producer is the subset of *kafka.Writer the client needs.
type Producer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaClient pools one producer per topic and guards writes with a circuit
// breaker and retries.
type KafkaClient struct {
	brokers        []string
	logger         *log.Logger
	newProducer    func(topic string) Producer
	writers        map[string]Producer
	writersMu      deadlock.RWMutex
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewKafkaClient creates a new Kafka client
func NewKafkaClient(brokers []string, logger *log.Logger) *KafkaClient {
	k := &KafkaClient{
		brokers: brokers,
		logger:  logger.WithComponent("kafka"),
		writers: make(map[string]Producer),
		circuitBreaker: circuit.New(&circuit.Config{
			Name:            "kafka",
			MaxFailures:     5,
			SuccessRequired: 3,
			Timeout:         15 * time.Second,
			ResetTimeout:    60 * time.Second,
		}),
		retryConfig: retry.DefaultConfig(),
	}
	k.newProducer = k.kafkaWriter
	return k
}

func (k *KafkaClient) kafkaWriter(topic string) Producer {
	return &kafka.Writer{
		Addr:         kafka.TCP(k.brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Compression:  kafka.Snappy,
	}
}

// producer gets or creates the producer for a topic.
func (k *KafkaClient) producer(topic string) Producer {
	k.writersMu.RLock()
	if w, ok := k.writers[topic]; ok {
		k.writersMu.RUnlock()
		return w
	}
	k.writersMu.RUnlock()

	k.writersMu.Lock()
	defer k.writersMu.Unlock()
	if w, ok := k.writers[topic]; ok {
		return w
	}
	w := k.newProducer(topic)
	k.writers[topic] = w
	k.logger.Info("created Kafka producer", "topic", topic)
	return w
}

// PublishProto publishes a protobuf message.
func (k *KafkaClient) PublishProto(ctx context.Context, topic, key string, msg proto.Message) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "protobuf_marshal", "failed to marshal protobuf message").
			WithContext("topic", topic).
			WithContext("key", key)
	}
	return k.publish(ctx, topic, key, data)
}

// PublishJSON encodes v with sonic and publishes it.
func (k *KafkaClient) PublishJSON(ctx context.Context, topic, key string, v any) error {
	data, err := sonic.Marshal(v)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "json_marshal", "failed to marshal JSON message").
			WithContext("topic", topic).
			WithContext("key", key)
	}
	return k.publish(ctx, topic, key, data)
}

func (k *KafkaClient) publish(ctx context.Context, topic, key string, data []byte) error {
	return k.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, k.retryConfig, func() error {
			msg := kafka.Message{Key: []byte(key), Value: data, Time: time.Now()}
			if err := k.producer(topic).WriteMessages(ctx, msg); err != nil {
				return errors.Wrap(err, errors.ErrorTypeKafka, "publish_message", "failed to publish message to Kafka").
					WithContext("topic", topic).
					WithContext("key", key).
					WithContext("message_size", len(data))
			}
			k.logger.Debug("published message", "topic", topic, "key", key, "size", len(data))
			return nil
		})
	})
}

// Close closes all producers
func (k *KafkaClient) Close() error {
	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	var lastErr error
	for topic, w := range k.writers {
		if err := w.Close(); err != nil {
			k.logger.Error("failed to close producer", "topic", topic, "error", err)
			lastErr = err
		}
	}
	k.writers = make(map[string]Producer)
	return lastErr
}
