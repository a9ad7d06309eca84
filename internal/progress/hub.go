package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config tunes how the Hub buffers and batches events. Zero values pick
// the defaults below.
type Config struct {
	// BufferSize bounds events waiting for the batching goroutine.
	BufferSize int
	// MaxBatchEvents flushes a batch as soon as it reaches this size.
	MaxBatchEvents int
	// MaxBatchWait bounds how long the first event of a batch waits.
	MaxBatchWait time.Duration
	// SinkTimeout bounds each Consume call.
	SinkTimeout time.Duration
	// BaseContext parents every sink call.
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

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.MaxBatchEvents <= 0 {
		c.MaxBatchEvents = defaultMaxBatchEvents
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = defaultMaxBatchWait
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = defaultSinkTimeout
	}
	if c.BaseContext == nil {
		c.BaseContext = context.Background()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Stats counts events the Hub has handed to sinks or thrown away.
type Stats struct {
	Delivered int64
	Dropped   int64
}

// Hub batches events from any number of jobs and hands each batch to every
// sink in registration order. Emit never blocks.
type Hub struct {
	cfg   Config
	sinks []Sink
	in    chan Event
	quit  chan struct{}
	done  chan struct{}

	delivered   atomic.Int64
	dropped     atomic.Int64
	unreported  atomic.Int64
	lastDropLog atomic.Int64
	closed      atomic.Bool

	stopOnce sync.Once
	stopCtx  context.Context
}

// NewHub starts the batching goroutine and returns a Hub ready for Emit.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:   cfg,
		in:    make(chan Event, cfg.BufferSize),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
		sinks: make([]Sink, 0, len(sinks)),
	}
	for _, s := range sinks {
		if s != nil {
			h.sinks = append(h.sinks, s)
		}
	}
	go h.loop()
	return h
}

// Emit queues evt for the next batch. Invalid events are discarded and a
// full buffer drops the event.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.cfg.Logger.Debug("discarding invalid progress event",
			zap.String("job", evt.Job),
			zap.String("stage", string(evt.Stage)),
			zap.Error(err),
		)
		return
	}
	select {
	case h.in <- evt:
	default:
		h.dropped.Add(1)
		h.unreported.Add(1)
		h.reportDrops(time.Now())
	}
}

// reportDrops logs the drops seen since the last report, at most once per
// dropLogInterval.
func (h *Hub) reportDrops(now time.Time) {
	last := h.lastDropLog.Load()
	if now.UnixNano()-last < dropLogInterval.Nanoseconds() {
		return
	}
	if !h.lastDropLog.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	h.cfg.Logger.Warn("progress buffer full, events dropped",
		zap.Int64("dropped", h.unreported.Swap(0)),
		zap.Int("buffer_size", h.cfg.BufferSize),
	)
}

// Stats reports delivery totals so far.
func (h *Hub) Stats() Stats {
	if h == nil {
		return Stats{}
	}
	return Stats{Delivered: h.delivered.Load(), Dropped: h.dropped.Load()}
}

// Close stops intake, flushes what is buffered, closes the sinks and waits
// for all of that to finish or for ctx to expire. Repeated calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.stopOnce.Do(func() {
		h.closed.Store(true)
		h.stopCtx = ctx
		close(h.quit)
	})
	select {
	case <-h.done:
		st := h.Stats()
		h.cfg.Logger.Debug("progress hub closed",
			zap.Int64("delivered", st.Delivered),
			zap.Int64("dropped", st.Dropped),
		)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) loop() {
	defer close(h.done)

	pending := make([]Event, 0, h.cfg.MaxBatchEvents)
	deadline := time.NewTimer(h.cfg.MaxBatchWait)
	deadline.Stop()

	flush := func() {
		deadline.Stop()
		if len(pending) == 0 {
			return
		}
		h.deliver(pending)
		pending = pending[:0]
	}

	for {
		select {
		case evt := <-h.in:
			if len(pending) == 0 {
				deadline.Reset(h.cfg.MaxBatchWait)
			}
			pending = append(pending, evt)
			if len(pending) >= h.cfg.MaxBatchEvents {
				flush()
			}
		case <-deadline.C:
			flush()
		case <-h.quit:
			h.drain(pending)
			h.closeSinks()
			return
		}
	}
}

// drain flushes whatever is still buffered once intake has stopped.
func (h *Hub) drain(pending []Event) {
	for {
		select {
		case evt := <-h.in:
			pending = append(pending, evt)
			if len(pending) >= h.cfg.MaxBatchEvents {
				h.deliver(pending)
				pending = pending[:0]
			}
		default:
			if len(pending) > 0 {
				h.deliver(pending)
			}
			return
		}
	}
}

func (h *Hub) deliver(pending []Event) {
	batch := append([]Event(nil), pending...)
	for i, sink := range h.sinks {
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		err := sink.Consume(ctx, batch)
		cancel()
		if err != nil {
			h.cfg.Logger.Warn("progress sink rejected batch",
				zap.Int("sink", i),
				zap.Int("events", len(batch)),
				zap.Error(err),
			)
		}
	}
	h.delivered.Add(int64(len(batch)))
}

func (h *Hub) closeSinks() {
	ctx := h.stopCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for i, sink := range h.sinks {
		if err := sink.Close(ctx); err != nil {
			h.cfg.Logger.Warn("progress sink close failed", zap.Int("sink", i), zap.Error(err))
		}
	}
}
