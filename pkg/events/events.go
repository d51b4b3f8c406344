// Package events ships task lifecycle events to external consumers.
// The Kafka sink is the shipping implementation; tests and callers that
// want no observability use NopSink or leave the sink unset.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/andrej220/rexec/pkg/lg"
	"github.com/andrej220/rexec/pkg/rexec"
)

// messageWriter is the slice of kafka.Writer the sink needs, so tests can
// substitute a capturing fake.
type messageWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

// KafkaSink publishes one message per task lifecycle event, keyed by the
// task id so all events of one task land in one partition.
type KafkaSink struct {
	writer messageWriter
	logger lg.Logger
}

var _ rexec.Sink = (*KafkaSink)(nil)

// writeTimeout bounds one publish so a dead broker cannot stall a task
// worker indefinitely.
const writeTimeout = 10 * time.Second

// NewKafkaSink builds a sink writing to topic on the given brokers.
func NewKafkaSink(brokers []string, topic string, logger lg.Logger) *KafkaSink {
	if logger == nil {
		logger = lg.Discard
	}
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.LeastBytes{},
			Async:                  false,
			AllowAutoTopicCreation: true,
		},
		logger: logger,
	}
}

// Record publishes ev. The caller treats a failure as observability loss,
// not a task failure.
func (s *KafkaSink) Record(ctx context.Context, ev rexec.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:   ev.Task[:],
		Value: payload,
		Time:  ev.Time,
	})
	if err != nil {
		s.logger.Warn("event publish failed",
			lg.String("session", ev.Session),
			lg.String("kind", string(ev.Kind)),
			lg.Any("err", err))
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

// Close releases the writer. Call it after the sessions using the sink
// are closed.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

// NopSink drops every event.
type NopSink struct{}

var _ rexec.Sink = NopSink{}

func (NopSink) Record(context.Context, rexec.Event) error { return nil }
