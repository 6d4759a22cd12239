// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package lambdaspan implements the LambdaSpanProcessor: a
// sdktrace.SpanProcessor decoupling the calling goroutine of an
// instrumented operation from the export path, plus the TelemetryInit
// composition that wires resource detection, propagators and the
// exporter together for a Lambda invocation, per spec.md §4.2/§4.3.
package lambdaspan

import (
	"context"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Mode governs when the processor drains its buffer, per spec.md §4.2.
type Mode int

const (
	// ModeSync drains inline at handler completion.
	ModeSync Mode = iota
	// ModeAsync drains on a host-extension INVOKE-complete signal.
	ModeAsync
	// ModeFinalize delegates draining to a user-supplied batch processor.
	ModeFinalize
)

// DefaultQueueSize is the default buffer capacity, per spec.md §6's
// LAMBDA_SPAN_PROCESSOR_QUEUE_SIZE.
const DefaultQueueSize = 2048

// DefaultBatchSize is the default per-drain export size, per spec.md
// §6's LAMBDA_SPAN_PROCESSOR_BATCH_SIZE.
const DefaultBatchSize = 512

// DroppedSpansAttribute records, on the next successfully enqueued
// span, how many spans were dropped since the last one, per spec.md
// §4.2's queue invariants.
const DroppedSpansAttribute = "lambda_otel_lite.dropped_spans"

// ColdStartAttribute marks a root span produced during the function's
// first invocation since thaw, per spec.md §4.2.
const ColdStartAttribute = "faas.coldstart"

// Processor implements sdktrace.SpanProcessor over a bounded buffer,
// draining via ForceFlush in batches of at most BatchSize, per
// spec.md §4.2.
type Processor struct {
	Exporter  sdktrace.SpanExporter
	Mode      Mode
	Capacity  int
	BatchSize int

	mu        sync.Mutex
	buf       []sdktrace.ReadOnlySpan
	dropped   uint64
	pending   map[trace.SpanID]uint64 // spans carrying an as-yet-unconfirmed drop count
	coldStart atomic.Bool
}

var _ sdktrace.SpanProcessor = (*Processor)(nil)

// NewProcessor constructs a Processor with spec.md §6's defaults
// applied for zero-valued fields. coldStart starts true.
func NewProcessor(exporter sdktrace.SpanExporter, mode Mode) *Processor {
	p := &Processor{
		Exporter:  exporter,
		Mode:      mode,
		Capacity:  DefaultQueueSize,
		BatchSize: DefaultBatchSize,
	}
	p.coldStart.Store(true)
	return p
}

// OnStart implements sdktrace.SpanProcessor. Root spans get
// faas.coldstart attached; any span may get DroppedSpansAttribute
// attached (as a candidate, not yet consumed) if spans were dropped
// since the previous successful enqueue. The span only gets credit for
// carrying that count once OnEnd confirms it was itself enqueued
// rather than dropped, per spec.md §4.2's "attached to the next
// successfully enqueued span".
func (p *Processor) OnStart(_ context.Context, s sdktrace.ReadWriteSpan) {
	if !s.Parent().SpanID().IsValid() {
		s.SetAttributes(attribute.Bool(ColdStartAttribute, p.coldStart.Load()))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dropped == 0 {
		return
	}
	s.SetAttributes(attribute.Int64(DroppedSpansAttribute, int64(p.dropped)))
	if p.pending == nil {
		p.pending = make(map[trace.SpanID]uint64)
	}
	p.pending[s.SpanContext().SpanID()] = p.dropped
}

// OnEnd implements sdktrace.SpanProcessor. The producer side is
// non-blocking: a full buffer drops the span and increments the drop
// counter, per spec.md §4.2. Only once this span is confirmed enqueued
// does the drop count it carried (attached in OnStart) get retired from
// the shared counter; a span that is itself dropped never consumes the
// count it was holding, so a later span still carries it forward.
func (p *Processor) OnEnd(s sdktrace.ReadOnlySpan) {
	id := s.SpanContext().SpanID()

	p.mu.Lock()
	defer p.mu.Unlock()

	carried, hadCarried := p.pending[id]
	delete(p.pending, id)

	capacity := p.Capacity
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	if len(p.buf) >= capacity {
		p.dropped++
		return
	}
	p.buf = append(p.buf, s)
	if hadCarried {
		if carried > p.dropped {
			p.dropped = 0
		} else {
			p.dropped -= carried
		}
	}
}

// ForceFlush implements sdktrace.SpanProcessor: drains the buffer in
// batches of BatchSize, exporting each. If an export call fails, the
// batch is re-enqueued at the front and the error surfaces, per
// spec.md §4.2's drain policy.
func (p *Processor) ForceFlush(ctx context.Context) error {
	batchSize := p.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	for {
		batch, ok := p.takeBatch(batchSize)
		if !ok {
			break
		}
		if err := p.Exporter.ExportSpans(ctx, batch); err != nil {
			p.requeueFront(batch)
			return err
		}
	}
	p.coldStart.Store(false)
	return nil
}

// Shutdown implements sdktrace.SpanProcessor: force-flushes then shuts
// down the exporter.
func (p *Processor) Shutdown(ctx context.Context) error {
	if err := p.ForceFlush(ctx); err != nil {
		return err
	}
	return p.Exporter.Shutdown(ctx)
}

// Dropped reports the number of spans dropped since the last
// successfully enqueued span retired the counter.
func (p *Processor) Dropped() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Len reports the number of spans currently buffered.
func (p *Processor) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf)
}

func (p *Processor) takeBatch(batchSize int) ([]sdktrace.ReadOnlySpan, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buf) == 0 {
		return nil, false
	}
	n := batchSize
	if n > len(p.buf) {
		n = len(p.buf)
	}
	batch := make([]sdktrace.ReadOnlySpan, n)
	copy(batch, p.buf[:n])
	p.buf = p.buf[n:]
	return batch, true
}

func (p *Processor) requeueFront(batch []sdktrace.ReadOnlySpan) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buf = append(batch, p.buf...)
}
