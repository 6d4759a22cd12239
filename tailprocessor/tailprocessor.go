// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package tailprocessor implements the TailEventProcessor: a bounded
// work queue that batches unified log events by time or count and
// feeds them to the forwarder pipeline, per spec.md §4.11.
package tailprocessor

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dev7a/otlp-stdout-forwarder/livetail"
)

// DefaultQueueSize is the default number of outstanding envelopes the
// work queue holds before blocking or dropping, per spec.md §4.11.
const DefaultQueueSize = 1024

// DefaultBatchWindow is the default time a batch accumulates before
// being flushed, per spec.md §4.11.
const DefaultBatchWindow = 100 * time.Millisecond

// DefaultBatchSize is the default number of envelopes that force an
// immediate flush, per spec.md §4.11.
const DefaultBatchSize = 64

// BatchFunc processes one accumulated batch of raw log lines, wrapping
// a forwarder.Pipeline's Process method.
type BatchFunc func(ctx context.Context, lines [][]byte) error

// Processor batches livetail.Events and invokes Forward for each batch,
// per spec.md §4.11.
type Processor struct {
	QueueSize   int
	BatchWindow time.Duration
	BatchSize   int
	Forward     BatchFunc
	Log         *slog.Logger

	queue   chan livetail.Event
	dropped int64
}

// Start allocates the internal queue. Must be called before Enqueue or
// TryEnqueue.
func (p *Processor) Start() {
	size := p.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	p.queue = make(chan livetail.Event, size)
}

// Enqueue blocks until ev is accepted or ctx is cancelled, matching
// LiveTailSource's backpressure behavior, per spec.md §4.11.
func (p *Processor) Enqueue(ctx context.Context, ev livetail.Event) error {
	select {
	case p.queue <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryEnqueue accepts ev without blocking, incrementing a drop counter
// and returning false when the queue is full, matching PollingSource's
// backpressure behavior, per spec.md §4.11.
func (p *Processor) TryEnqueue(ev livetail.Event) bool {
	select {
	case p.queue <- ev:
		return true
	default:
		atomic.AddInt64(&p.dropped, 1)
		p.logger().Warn("tail processor queue full, dropping event", slog.Int64("dropped_total", atomic.LoadInt64(&p.dropped)))
		return false
	}
}

// Dropped reports the number of events TryEnqueue has discarded.
func (p *Processor) Dropped() int64 {
	return atomic.LoadInt64(&p.dropped)
}

// Run consumes the queue, batching events by BatchWindow or BatchSize
// (whichever is reached first), calling Forward for each batch, until
// ctx is cancelled or the queue is closed. On return the batch gathered
// so far is passed to Forward; events still waiting in the queue are not.
func (p *Processor) Run(ctx context.Context) error {
	window := p.BatchWindow
	if window <= 0 {
		window = DefaultBatchWindow
	}
	size := p.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}

	timer := time.NewTimer(window)
	defer timer.Stop()

	var batch [][]byte
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := p.Forward(ctx, batch); err != nil {
			p.logger().WarnContext(ctx, "batch forward failed", slog.String("error", err.Error()), slog.Int("batch_size", len(batch)))
		}
		batch = nil
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return nil
		case ev, ok := <-p.queue:
			if !ok {
				flush()
				return nil
			}
			batch = append(batch, []byte(ev.Message))
			if len(batch) >= size {
				flush()
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(window)
			}
		case <-timer.C:
			flush()
			timer.Reset(window)
		}
	}
}

func (p *Processor) logger() *slog.Logger {
	if p.Log != nil {
		return p.Log
	}
	return slog.Default()
}
