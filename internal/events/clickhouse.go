package events

import (
	"context"
	"sync"
	"time"

	"gitlab.com/distributed_lab/logan/v3"

	"atomic-pek/internal/domain"
	"atomic-pek/internal/storage"
)

const (
	defaultBatchSize     = 500
	defaultFlushInterval = 2 * time.Second
	finalFlushTimeout    = 5 * time.Second
)

// BatchSink buffers transitions and writes them to a TransitionLog in bulk.
// Publish only appends to the buffer; Run performs the writes.
type BatchSink struct {
	target   storage.TransitionLog
	log      *logan.Entry
	size     int
	interval time.Duration

	mu      sync.Mutex
	pending []domain.TransitionEvent
	full    chan struct{}
}

// BatchOption configures BatchSink.
type BatchOption func(*BatchSink)

// WithBatchSize flushes as soon as n events are buffered.
func WithBatchSize(n int) BatchOption {
	return func(s *BatchSink) {
		if n > 0 {
			s.size = n
		}
	}
}

// WithFlushInterval sets the periodic flush interval.
func WithFlushInterval(d time.Duration) BatchOption {
	return func(s *BatchSink) {
		if d > 0 {
			s.interval = d
		}
	}
}

// NewBatchSink creates a sink writing to target.
func NewBatchSink(target storage.TransitionLog, log *logan.Entry, opts ...BatchOption) *BatchSink {
	s := &BatchSink{
		target:   target,
		log:      log,
		size:     defaultBatchSize,
		interval: defaultFlushInterval,
		full:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Publish buffers ev.
func (s *BatchSink) Publish(_ context.Context, ev domain.TransitionEvent) error {
	s.mu.Lock()
	s.pending = append(s.pending, ev)
	n := len(s.pending)
	s.mu.Unlock()

	if n >= s.size {
		select {
		case s.full <- struct{}{}:
		default:
		}
	}
	return nil
}

// Run flushes the buffer periodically until ctx is done, then flushes once more.
func (s *BatchSink) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
			s.flush(flushCtx)
			cancel()
			return
		case <-ticker.C:
		case <-s.full:
		}
		s.flush(ctx)
	}
}

// flush writes the buffered events. Failed batches are put back in front
// of newer events and retried on the next flush.
func (s *BatchSink) flush(ctx context.Context) {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	if err := s.target.InsertBulk(ctx, batch); err != nil {
		s.log.WithError(err).WithField("events", len(batch)).Error("failed to write transitions to analytics log")
		s.mu.Lock()
		s.pending = append(batch, s.pending...)
		if len(s.pending) > 10*s.size {
			dropped := len(s.pending) - 10*s.size
			s.pending = s.pending[dropped:]
			s.log.WithField("dropped", dropped).Warn("analytics buffer overflow, dropping oldest transitions")
		}
		s.mu.Unlock()
		return
	}
	s.log.WithField("events", len(batch)).Debug("transitions written to analytics log")
}

var _ Sink = (*BatchSink)(nil)
