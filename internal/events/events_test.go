package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/distributed_lab/logan/v3"

	"atomic-pek/internal/domain"
)

func testLog() *logan.Entry {
	return logan.New().Level(logan.ErrorLevel)
}

func event(swapID string, to domain.Stage) domain.TransitionEvent {
	return domain.TransitionEvent{
		SwapID: swapID,
		From:   domain.StageInitiated,
		To:     to,
		Amount: decimal.RequireFromString("12.5"),
		At:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestHub_DeliversPerSwap(t *testing.T) {
	hub := NewHub()
	a := hub.Subscribe("a")
	b := hub.Subscribe("b")
	defer b.Close()

	require.NoError(t, hub.Publish(context.Background(), event("a", domain.StageAwaitingDeposit)))

	select {
	case ev := <-a.C:
		assert.Equal(t, domain.StageAwaitingDeposit, ev.To)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
	select {
	case ev := <-b.C:
		t.Fatalf("unexpected event for b: %+v", ev)
	default:
	}

	assert.Equal(t, 1, hub.Subscribers("a"))
	a.Close()
	a.Close()
	assert.Equal(t, 0, hub.Subscribers("a"))
	_, open := <-a.C
	assert.False(t, open)
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe("a")
	defer sub.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultSubscriptionBuffer*3; i++ {
			_ = hub.Publish(context.Background(), event("a", domain.StageAwaitingDeposit))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, sub.C, defaultSubscriptionBuffer)
}

func TestFanout_JoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	var got []string
	record := func(name string, err error) Sink {
		return SinkFunc(func(_ context.Context, ev domain.TransitionEvent) error {
			got = append(got, name)
			return err
		})
	}

	f := Fanout{record("first", boom), nil, record("second", nil)}
	err := f.Publish(context.Background(), event("a", domain.StageCompleted))

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"first", "second"}, got)
	assert.NoError(t, Fanout{}.Publish(context.Background(), event("a", domain.StageCompleted)))
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaPublisher_Publish(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w}

	ev := event("swap-1", domain.StageFailed)
	ev.ErrorDetail = "ConversionFailed"
	require.NoError(t, p.Publish(context.Background(), ev))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "swap-1", string(msg.Key))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "initiated", decoded["from"])
	assert.Equal(t, "failed", decoded["to"])
	assert.Equal(t, "12.5", decoded["amount"])
	assert.Equal(t, "ConversionFailed", decoded["error_detail"])
	assert.Equal(t, "2026-03-01T12:00:00Z", decoded["at"])

	w.err = errors.New("broker down")
	assert.Error(t, p.Publish(context.Background(), ev))
}

type fakeLog struct {
	mu      sync.Mutex
	batches [][]domain.TransitionEvent
	fail    int
}

func (l *fakeLog) InsertBulk(_ context.Context, evs []domain.TransitionEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail > 0 {
		l.fail--
		return errors.New("clickhouse unavailable")
	}
	l.batches = append(l.batches, append([]domain.TransitionEvent(nil), evs...))
	return nil
}

func (l *fakeLog) GetBySwapID(context.Context, string) ([]domain.TransitionEvent, error) {
	return nil, nil
}

func (l *fakeLog) total() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, b := range l.batches {
		n += len(b)
	}
	return n
}

func TestBatchSink_FlushesOnSize(t *testing.T) {
	target := &fakeLog{}
	s := NewBatchSink(target, testLog(), WithBatchSize(3), WithFlushInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Publish(ctx, event("a", domain.StageAwaitingDeposit)))
	}
	assert.Eventually(t, func() bool { return target.total() == 3 }, time.Second, 10*time.Millisecond)

	require.NoError(t, s.Publish(ctx, event("a", domain.StageConvertingSource)))
	cancel()
	<-done
	assert.Equal(t, 4, target.total(), "remaining events flushed on shutdown")
}

func TestBatchSink_RetriesFailedBatch(t *testing.T) {
	target := &fakeLog{fail: 1}
	s := NewBatchSink(target, testLog(), WithFlushInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	require.NoError(t, s.Publish(ctx, event("a", domain.StageAwaitingDeposit)))
	require.NoError(t, s.Publish(ctx, event("a", domain.StageConvertingSource)))

	assert.Eventually(t, func() bool { return target.total() == 2 }, time.Second, 10*time.Millisecond)

	target.mu.Lock()
	defer target.mu.Unlock()
	assert.Equal(t, domain.StageAwaitingDeposit, target.batches[0][0].To, "failed batch keeps its place")
}
