// Package stream moves live machine telemetry: a simulated edge publisher, sinks
// that persist payloads (CSV collector, bbolt archive, Kafka), a Kafka consumer
// feeding those sinks, and a websocket client for the server's live feed.
package stream

import (
	"context"
	"errors"

	"cnc-twin/internal/storage"
	"cnc-twin/internal/telemetry"
)

// Sink names
const (
	SinkCSV     = "csv"
	SinkArchive = "archive"
	SinkKafka   = "kafka"
)

// Sink receives edge payloads.
type Sink interface {
	Publish(ctx context.Context, p telemetry.Payload) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, p telemetry.Payload) error

func (f SinkFunc) Publish(ctx context.Context, p telemetry.Payload) error {
	return f(ctx, p)
}

// MetricsInterface defines the metrics the stream components report.
type MetricsInterface interface {
	TelemetryCollectedInc(sink string)
	WSReconnectsInc()
	ErrorsInc()
}

// CollectorSink appends payloads to the collector CSV.
type CollectorSink struct {
	c       *telemetry.Collector
	metrics MetricsInterface
}

func NewCollectorSink(c *telemetry.Collector, metrics MetricsInterface) *CollectorSink {
	return &CollectorSink{c: c, metrics: metrics}
}

func (s *CollectorSink) Publish(_ context.Context, p telemetry.Payload) error {
	if err := s.c.Append(p); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.TelemetryCollectedInc(SinkCSV)
	}
	return nil
}

// ArchiveSink stores payloads in the bbolt archive.
type ArchiveSink struct {
	store   *storage.Store
	metrics MetricsInterface
}

func NewArchiveSink(store *storage.Store, metrics MetricsInterface) *ArchiveSink {
	return &ArchiveSink{store: store, metrics: metrics}
}

func (s *ArchiveSink) Publish(_ context.Context, p telemetry.Payload) error {
	if err := s.store.StorePayload(p); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.TelemetryCollectedInc(SinkArchive)
	}
	return nil
}

// MultiSink publishes to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Publish(ctx context.Context, p telemetry.Payload) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
