package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
)

// MessageReader is the subset of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaReader creates a group reader for topic.
func NewKafkaReader(broker, topic, groupID string) *kafka.Reader {
	if topic == "" {
		topic = DefaultTopic
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        []string{broker},
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
	})
}

// Handler processes one decoded event. Returning an error leaves the
// message uncommitted so it is redelivered after a restart.
type Handler func(ctx context.Context, e Event) error

// Consumer reads events and hands them to a handler.
type Consumer struct {
	reader MessageReader
	logger *logrus.Logger
}

func NewConsumer(reader MessageReader, logger *logrus.Logger) *Consumer {
	return &Consumer{reader: reader, logger: logger}
}

// Run consumes until ctx is cancelled. Undecodable messages are logged and
// committed; handler failures are retried with a short pause.
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	c.logger.Info("starting event consumer")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.WithError(err).Error("error reading event message")
			if !sleep(ctx, time.Second) {
				return nil
			}
			continue
		}

		event, err := Decode(msg)
		if err != nil {
			c.logger.WithError(err).WithField("offset", msg.Offset).Warn("skipping malformed event")
			c.commit(ctx, msg)
			continue
		}

		for {
			err := handle(ctx, event)
			if err == nil {
				break
			}
			c.logger.WithFields(logrus.Fields{
				"event_id":  event.ID,
				"type":      event.Type,
				"tenant_id": event.TenantID,
			}).WithError(err).Warn("event handler failed, retrying")
			if !sleep(ctx, 2*time.Second) {
				return nil
			}
		}
		c.commit(ctx, msg)
	}
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) {
	if err := c.reader.CommitMessages(ctx, msg); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.WithError(err).Error("failed to commit event offset")
	}
}

// Close closes the underlying reader.
func (c *Consumer) Close() error {
	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("failed to close event reader: %w", err)
	}
	return nil
}

// Decode parses a message produced by KafkaPublisher.
func Decode(msg kafka.Message) (Event, error) {
	var e Event
	if err := json.Unmarshal(msg.Value, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if e.Type == "" {
		return Event{}, errors.New("decode event: missing type")
	}
	return e, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
