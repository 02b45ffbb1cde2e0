package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/maxpert/burrow/cfg"
	"github.com/maxpert/burrow/publisher"
	"github.com/segmentio/kafka-go"
)

const (
	DefaultKafkaBatchSize    = 16
	DefaultKafkaBatchBytes   = 1 << 20
	DefaultKafkaBatchTimeout = 10 * time.Millisecond

	publishTimeout = 10 * time.Second

	headerRunID = "run_id"
	headerKind  = "kind"
)

func init() {
	publisher.RegisterSink("kafka", func(config cfg.SinkConfiguration) (publisher.Sink, error) {
		return NewKafkaSink(DefaultKafkaConfig(config.Brokers))
	})
}

// KafkaSink publishes migration events to Kafka. Events are keyed by run id
// and hashed to partitions, so one run's progress, result and failure events
// keep their order.
type KafkaSink struct {
	writer *kafka.Writer
}

// KafkaConfig holds configuration for KafkaSink.
type KafkaConfig struct {
	Brokers      []string
	BatchSize    int
	BatchBytes   int64
	BatchTimeout time.Duration
	RequiredAcks kafka.RequiredAcks
	// AutoCreateTopics lets the first event of a kind create its topic.
	AutoCreateTopics bool
}

// DefaultKafkaConfig returns the configuration used for configured sinks.
// Event volume is low, so batches are small and flushed quickly.
func DefaultKafkaConfig(brokers []string) KafkaConfig {
	return KafkaConfig{
		Brokers:          brokers,
		BatchSize:        DefaultKafkaBatchSize,
		BatchBytes:       DefaultKafkaBatchBytes,
		BatchTimeout:     DefaultKafkaBatchTimeout,
		RequiredAcks:     kafka.RequireAll,
		AutoCreateTopics: true,
	}
}

func NewKafkaSink(config KafkaConfig) (*KafkaSink, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker address")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultKafkaBatchSize
	}
	if config.BatchBytes <= 0 {
		config.BatchBytes = DefaultKafkaBatchBytes
	}
	if config.BatchTimeout <= 0 {
		config.BatchTimeout = DefaultKafkaBatchTimeout
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.Hash{},
		BatchSize:              config.BatchSize,
		BatchBytes:             config.BatchBytes,
		BatchTimeout:           config.BatchTimeout,
		RequiredAcks:           config.RequiredAcks,
		AllowAutoTopicCreation: config.AutoCreateTopics,
	}
	return &KafkaSink{writer: writer}, nil
}

// Publish writes one event synchronously; it returns once the brokers
// acknowledged it or publishTimeout passed.
func (k *KafkaSink) Publish(topic, key string, value []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := k.writer.WriteMessages(ctx, eventMessage(topic, key, value)); err != nil {
		return fmt.Errorf("kafka publish to %s: %w", topic, err)
	}
	return nil
}

// eventMessage builds the Kafka record for an event published on topic
// "{prefix}.{kind}" for run runID.
func eventMessage(topic, runID string, value []byte) kafka.Message {
	return kafka.Message{
		Topic: topic,
		Key:   []byte(runID),
		Value: value,
		Headers: []kafka.Header{
			{Key: headerRunID, Value: []byte(runID)},
			{Key: headerKind, Value: []byte(publisher.KindOf(topic))},
		},
	}
}

func (k *KafkaSink) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
