package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"github.com/pavitra93/go-loyalty-ledger/shared/metrics"
)

// MessageWriter is the subset of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher produces events with a worker pool behind a buffered queue.
type KafkaPublisher struct {
	writer       MessageWriter
	topic        string
	eventChan    chan Event
	workerCount  int
	shutdownChan chan struct{}
	wg           sync.WaitGroup
	closeOnce    sync.Once
	logger       *logrus.Logger
	metrics      *metrics.Metrics
}

// NewKafkaWriter creates the writer used in production.
func NewKafkaWriter(broker string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(broker),
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		BatchSize:    100,
		RequiredAcks: kafka.RequireAll,
	}
}

// NewKafkaPublisher starts workers writing to topic.
func NewKafkaPublisher(writer MessageWriter, topic string, workers int, logger *logrus.Logger, m *metrics.Metrics) *KafkaPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	if workers < 1 {
		workers = 4
	}
	kp := &KafkaPublisher{
		writer:       writer,
		topic:        topic,
		eventChan:    make(chan Event, 1000),
		workerCount:  workers,
		shutdownChan: make(chan struct{}),
		logger:       logger,
		metrics:      m,
	}
	kp.startWorkers()
	return kp
}

func (kp *KafkaPublisher) startWorkers() {
	for i := 0; i < kp.workerCount; i++ {
		kp.wg.Add(1)
		go kp.worker(i)
	}
	kp.logger.WithField("workers", kp.workerCount).Info("event publisher started")
}

func (kp *KafkaPublisher) worker(id int) {
	defer kp.wg.Done()

	for {
		select {
		case event := <-kp.eventChan:
			kp.send(id, event)
		case <-kp.shutdownChan:
			// Flush what is already queued before exiting.
			for {
				select {
				case event := <-kp.eventChan:
					kp.send(id, event)
				default:
					return
				}
			}
		}
	}
}

func (kp *KafkaPublisher) send(worker int, event Event) {
	err := kp.sendSync(event)
	kp.metrics.EventPublished(err == nil)
	if err != nil {
		kp.logger.WithFields(logrus.Fields{
			"worker":    worker,
			"event_id":  event.ID,
			"type":      event.Type,
			"tenant_id": event.TenantID,
		}).WithError(err).Error("failed to publish event")
	}
}

// Publish queues an event without blocking. A full queue drops the event.
func (kp *KafkaPublisher) Publish(_ context.Context, event Event) error {
	select {
	case kp.eventChan <- event:
		return nil
	default:
		kp.metrics.EventPublished(false)
		return fmt.Errorf("event queue full, %s dropped", event.Type)
	}
}

func (kp *KafkaPublisher) sendSync(event Event) error {
	message, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := kafka.Message{
		Topic: kp.topic,
		Key:   []byte(event.TenantID.String()),
		Value: message,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
			{Key: "tenant_id", Value: []byte(event.TenantID.String())},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := kp.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write event to Kafka: %w", err)
	}
	return nil
}

// Close drains the queue, stops the workers and closes the writer.
func (kp *KafkaPublisher) Close() error {
	var err error
	kp.closeOnce.Do(func() {
		close(kp.shutdownChan)
		kp.wg.Wait()
		if cerr := kp.writer.Close(); cerr != nil {
			err = fmt.Errorf("failed to close Kafka writer: %w", cerr)
		}
		kp.logger.Info("event publisher stopped")
	})
	return err
}
