package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memorySink struct {
	mu    sync.Mutex
	got   []Notification
	err   error
	block chan struct{}
}

func (m *memorySink) Deliver(_ context.Context, n Notification) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.got = append(m.got, n)
	return m.err
}

func (m *memorySink) all() []Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Notification(nil), m.got...)
}

func TestAsync_DeliversToEverySink(t *testing.T) {
	a, b := &memorySink{}, &memorySink{err: errors.New("smtp down")}
	n := NewAsync(4, time.Second, a, b, SlogSink{})

	n.Notify(context.Background(), Notification{FromUserID: 1, ForUserID: 2, Action: "APPROVED", Message: "binding approved"})
	n.Close()

	require.Len(t, a.all(), 1)
	require.Len(t, b.all(), 1)
	got := a.all()[0]
	assert.NotEmpty(t, got.ID)
	assert.False(t, got.CreatedAt.IsZero())
	assert.Equal(t, int64(2), got.ForUserID)
}

func TestAsync_DropsWhenFull(t *testing.T) {
	sink := &memorySink{block: make(chan struct{})}
	n := NewAsync(1, time.Second, sink)

	// one in flight inside the worker, one buffered, the rest dropped
	for i := 0; i < 10; i++ {
		n.Notify(context.Background(), Notification{ForUserID: int64(i)})
	}
	close(sink.block)
	n.Close()

	got := sink.all()
	assert.GreaterOrEqual(t, len(got), 1)
	assert.LessOrEqual(t, len(got), 2)
}

func TestAsync_NotifyAfterCloseIsNoop(t *testing.T) {
	sink := &memorySink{}
	n := NewAsync(1, time.Second, sink)
	n.Close()
	n.Close()

	assert.NotPanics(t, func() {
		n.Notify(context.Background(), Notification{ForUserID: 1})
	})
	assert.Empty(t, sink.all())
}
