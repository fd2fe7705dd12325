package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Config controls buffering and batching for the Hub. Zero values take the
// package defaults.
type Config struct {
	// BufferSize bounds queued events (default 4096). Change and alert events
	// get an overflow area of the same size before they are dropped.
	BufferSize int
	// MaxBatchEvents flushes once this many events are pending (default 1000).
	MaxBatchEvents int
	// MaxBatchWait is how often a partial batch is flushed (default 500ms).
	MaxBatchWait time.Duration
	// SinkTimeout bounds each sink's Consume call (default 10s).
	SinkTimeout time.Duration
	// BaseContext is the parent of every sink call.
	BaseContext context.Context
	Logger      *zap.Logger
}

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 1000
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	dropLogInterval       = 5 * time.Second
)

// Stats is a point-in-time view of Hub throughput.
type Stats struct {
	Accepted int64
	Dropped  int64
	Flushed  int64
	// SinkErrors counts failed Consume calls across all sinks.
	SinkErrors int64
}

// Hub batches events from the worker pool and the alert dispatcher and hands
// each batch to every sink. Emit never blocks: a check must not wait on
// observability. When the buffer is full, check lifecycle events are dropped
// first; change and alert events spill into a bounded overflow area.
type Hub struct {
	cfg    Config
	sinks  []Sink
	events chan Event
	stopCh chan struct{}
	doneCh chan struct{}
	logger *zap.Logger

	overflowMu sync.Mutex
	overflow   []Event

	dropLog    rate.Sometimes
	accepted   atomic.Int64
	dropped    atomic.Int64
	flushed    atomic.Int64
	sinkErrors atomic.Int64
	closed     atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts the batching goroutine and returns a Hub ready for Emit.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	live := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	h := &Hub{
		cfg:     cfg,
		sinks:   live,
		events:  make(chan Event, cfg.BufferSize),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		logger:  logger,
		dropLog: rate.Sometimes{Interval: dropLogInterval},
	}
	go h.run()
	return h
}

// Emit queues evt for the next batch. Invalid events are discarded.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if evt.TS.IsZero() {
		evt.TS = time.Now().UTC()
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
		h.accepted.Add(1)
		return
	default:
	}
	if evt.Stage.retained() && h.spill(evt) {
		h.accepted.Add(1)
		return
	}
	total := h.dropped.Add(1)
	h.dropLog.Do(func() {
		h.logger.Warn("progress events dropped due to backpressure",
			zap.Int64("dropped_total", total),
			zap.String("stage", string(evt.Stage)),
		)
	})
}

func (h *Hub) spill(evt Event) bool {
	h.overflowMu.Lock()
	defer h.overflowMu.Unlock()
	if len(h.overflow) >= h.cfg.BufferSize {
		return false
	}
	h.overflow = append(h.overflow, evt)
	return true
}

func (h *Hub) takeOverflow() []Event {
	h.overflowMu.Lock()
	defer h.overflowMu.Unlock()
	out := h.overflow
	h.overflow = nil
	return out
}

// Stats reports counters accumulated since the Hub started.
func (h *Hub) Stats() Stats {
	return Stats{
		Accepted:   h.accepted.Load(),
		Dropped:    h.dropped.Load(),
		Flushed:    h.flushed.Load(),
		SinkErrors: h.sinkErrors.Load(),
	}
}

// Close stops accepting events, flushes what is queued, closes the sinks and
// waits for the batching goroutine. Repeated calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	ticker := time.NewTicker(h.cfg.MaxBatchWait)
	defer ticker.Stop()

	batch := make([]Event, 0, h.cfg.MaxBatchEvents)
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				batch = h.flush(batch)
			}
		case <-ticker.C:
			batch = append(batch, h.takeOverflow()...)
			batch = h.flush(batch)
		case <-h.stopCh:
			h.drain(batch)
			h.closeSinks()
			return
		}
	}
}

// drain flushes everything still queued once Emit has stopped accepting.
func (h *Hub) drain(batch []Event) {
	for {
		select {
		case evt := <-h.events:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				batch = h.flush(batch)
			}
		default:
			batch = append(batch, h.takeOverflow()...)
			h.flush(batch)
			return
		}
	}
}

// flush hands batch to every sink concurrently and returns batch emptied for
// reuse. A slow sink delays the next batch but not its siblings.
func (h *Hub) flush(batch []Event) []Event {
	if len(batch) == 0 {
		return batch
	}
	out := append([]Event(nil), batch...)
	var g errgroup.Group
	for _, sink := range h.sinks {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
			defer cancel()
			if err := sink.Consume(ctx, out); err != nil {
				h.sinkErrors.Add(1)
				h.logger.Warn("progress sink consume failed",
					zap.String("sink", fmt.Sprintf("%T", sink)),
					zap.Int("events", len(out)),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
	h.flushed.Add(int64(len(out)))
	return batch[:0]
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("progress sink close failed", zap.Error(err))
		}
	}
}
