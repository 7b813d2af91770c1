package events

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	failWith error
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failWith != nil {
		return w.failWith
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func TestKafkaPublisherFlushesOnClose(t *testing.T) {
	w := &fakeWriter{}
	p := NewKafkaPublisher(w, "", 2, quietLogger(), nil)

	tenant := uuid.New()
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Publish(context.Background(), New(TypePointsCredited, tenant, uuid.New(), uuid.New(), 5)))
	}
	require.NoError(t, p.Close())
	require.NoError(t, p.Close(), "close is idempotent")

	w.mu.Lock()
	defer w.mu.Unlock()
	assert.True(t, w.closed)
	require.Len(t, w.messages, 10)

	msg := w.messages[0]
	assert.Equal(t, DefaultTopic, msg.Topic)
	assert.Equal(t, tenant.String(), string(msg.Key))

	decoded, err := Decode(msg)
	require.NoError(t, err)
	assert.Equal(t, TypePointsCredited, decoded.Type)
	assert.Equal(t, tenant, decoded.TenantID)
	assert.Equal(t, int64(5), decoded.Amount)
}

func TestKafkaPublisherSurvivesWriteFailures(t *testing.T) {
	w := &fakeWriter{failWith: errors.New("broker down")}
	p := NewKafkaPublisher(w, "custom", 1, quietLogger(), nil)
	require.NoError(t, p.Publish(context.Background(), New(TypePointsDebited, uuid.New(), uuid.New(), uuid.New(), -5)))
	require.NoError(t, p.Close())
	assert.Empty(t, w.messages)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode(kafka.Message{Value: []byte("not json")})
	assert.Error(t, err)
	_, err = Decode(kafka.Message{Value: []byte(`{"id":"` + uuid.NewString() + `"}`)})
	assert.Error(t, err)
}

func TestRecorder(t *testing.T) {
	r := NewRecorder(1)
	require.NoError(t, r.Publish(context.Background(), Event{Type: "a"}))
	require.NoError(t, r.Publish(context.Background(), Event{Type: "b"}))
	got := r.Drain()
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].Type)
	assert.Empty(t, r.Drain())
}
