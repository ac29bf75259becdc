package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cnc-twin/internal/telemetry"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
)

// KafkaPublisher publishes payloads to a topic, keyed by machine id so each
// machine's readings stay ordered within a partition.
type KafkaPublisher struct {
	w       *kafka.Writer
	metrics MetricsInterface
}

// NewKafkaPublisher creates a publisher for the given brokers and topic.
func NewKafkaPublisher(brokers []string, topic string, metrics MetricsInterface) *KafkaPublisher {
	return &KafkaPublisher{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 10 * time.Millisecond,
		},
		metrics: metrics,
	}
}

// EncodeMessage renders a payload as a Kafka message.
func EncodeMessage(p telemetry.Payload) (kafka.Message, error) {
	value, err := json.Marshal(p)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal payload: %w", err)
	}
	return kafka.Message{
		Key:   []byte(p.MachineID),
		Value: value,
		Time:  p.Time(),
	}, nil
}

// DecodeMessage parses a Kafka message value into a payload.
func DecodeMessage(m kafka.Message) (telemetry.Payload, error) {
	var p telemetry.Payload
	if err := json.Unmarshal(m.Value, &p); err != nil {
		return telemetry.Payload{}, fmt.Errorf("decode payload at offset %d: %w", m.Offset, err)
	}
	if p.MachineID == "" {
		p.MachineID = string(m.Key)
	}
	return p, nil
}

func (k *KafkaPublisher) Publish(ctx context.Context, p telemetry.Payload) error {
	msg, err := EncodeMessage(p)
	if err != nil {
		return err
	}
	if err := k.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	if k.metrics != nil {
		k.metrics.TelemetryCollectedInc(SinkKafka)
	}
	return nil
}

func (k *KafkaPublisher) Close() error {
	return k.w.Close()
}

// KafkaCollector consumes payloads from a topic as part of a consumer group
// and forwards them to a sink.
type KafkaCollector struct {
	r       *kafka.Reader
	sink    Sink
	metrics MetricsInterface
}

// NewKafkaCollector creates a consumer group reader.
func NewKafkaCollector(brokers []string, topic, group string, sink Sink, metrics MetricsInterface) *KafkaCollector {
	return &KafkaCollector{
		r: kafka.NewReader(kafka.ReaderConfig{
			Brokers:  brokers,
			GroupID:  group,
			Topic:    topic,
			MinBytes: 1,
			MaxBytes: 10e6,
			MaxWait:  500 * time.Millisecond,
		}),
		sink:    sink,
		metrics: metrics,
	}
}

// Run consumes until ctx is cancelled. Undecodable messages are skipped and
// committed; a sink failure leaves the message uncommitted and stops the run.
func (c *KafkaCollector) Run(ctx context.Context) error {
	log.Info().Str("topic", c.r.Config().Topic).Str("group", c.r.Config().GroupID).Msg("Kafka collector started")
	for {
		msg, err := c.r.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}

		if err := c.handle(ctx, msg); err != nil {
			return err
		}
		if err := c.r.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			return fmt.Errorf("kafka commit: %w", err)
		}
	}
}

func (c *KafkaCollector) handle(ctx context.Context, msg kafka.Message) error {
	p, err := DecodeMessage(msg)
	if err != nil {
		log.Warn().Err(err).Int("partition", msg.Partition).Msg("Skipping malformed telemetry message")
		if c.metrics != nil {
			c.metrics.ErrorsInc()
		}
		return nil
	}
	if err := c.sink.Publish(ctx, p); err != nil {
		return fmt.Errorf("forward payload: %w", err)
	}
	return nil
}

func (c *KafkaCollector) Close() error {
	return c.r.Close()
}
