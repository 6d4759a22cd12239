// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package otlpstdout implements the StdoutSpanExporter: a
// sdktrace.SpanExporter that serializes finished spans to OTLP,
// wraps them in the stdout/pipe log-record envelope, and writes one
// envelope line per export call to a configured sink, per spec.md §4.1.
package otlpstdout

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/klauspost/compress/gzip"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"

	"github.com/dev7a/otlp-stdout-forwarder/envelope"
	"github.com/dev7a/otlp-stdout-forwarder/internal/try"
)

// Environment variable names, grounded on
// original_source/packages/rust/otlp-stdout-span-exporter/src/constants.rs.
const (
	EnvCompressionLevel = "OTLP_STDOUT_SPAN_EXPORTER_COMPRESSION_LEVEL"
	EnvServiceName      = "OTEL_SERVICE_NAME"
	EnvOTLPHeaders      = "OTEL_EXPORTER_OTLP_HEADERS"
	EnvOTLPTraceHeaders = "OTEL_EXPORTER_OTLP_TRACES_HEADERS"
)

// DefaultCompressionLevel is applied when no explicit level is given.
const DefaultCompressionLevel = 6

// DefaultPipePath is the well-known named pipe path probed by the pipe
// sink, per spec.md §4.1.
const DefaultPipePath = "/tmp/otlp-stdout-span-exporter.pipe"

// CompressionLevelAttribute is the resource attribute recording the
// configured compression level, grounded on
// original_source/.../constants.rs's resource_attributes::COMPRESSION_LEVEL.
const CompressionLevelAttribute = "lambda_otel_lite.otlp_stdout_span_exporter.compression_level"

// Protocol selects the OTLP wire encoding written into the envelope.
type Protocol int

const (
	ProtocolProtobuf Protocol = iota
	ProtocolJSON
)

// Exporter implements sdktrace.SpanExporter, writing one envelope line
// per ExportSpans call, per spec.md §4.1.
type Exporter struct {
	mu sync.Mutex

	sink     io.WriteCloser
	sinkName string

	protocol         Protocol
	compressionLevel int
	source           string
	headers          map[string]string
	log              *slog.Logger
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithProtocol selects the OTLP wire encoding (default: protobuf).
func WithProtocol(p Protocol) Option { return func(e *Exporter) { e.protocol = p } }

// WithCompressionLevel sets the gzip level, 0-9 (default 6). Level 0
// disables compression entirely.
func WithCompressionLevel(level int) Option {
	return func(e *Exporter) { e.compressionLevel = level }
}

// WithSource sets the envelope's "source" field (default "stdout" or
// "pipe" depending on the selected sink).
func WithSource(source string) Option { return func(e *Exporter) { e.source = source } }

// WithHeaders sets user-supplied headers passed through verbatim into
// the envelope, per spec.md §4.1.
func WithHeaders(h map[string]string) Option { return func(e *Exporter) { e.headers = h } }

// WithLogger overrides the exporter's logger (default slog.Default()).
func WithLogger(log *slog.Logger) Option { return func(e *Exporter) { e.log = log } }

// NewStdout builds an Exporter writing to os.Stdout.
func NewStdout(opts ...Option) *Exporter {
	e := newExporter("stdout", os.Stdout, opts...)
	return e
}

// NewPipe builds an Exporter writing to the named pipe at path,
// falling back to os.Stdout (with a warning) if the pipe cannot be
// opened, per spec.md §4.1's sink-selection fallback.
func NewPipe(path string, opts ...Option) *Exporter {
	e := newExporter("pipe", nil, opts...)
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		e.logger().Warn("failed to open pipe sink, falling back to stdout",
			slog.String("path", path), slog.String("error", err.Error()))
		e.sinkName = "stdout"
		e.sink = os.Stdout
		return e
	}
	e.sink = f
	return e
}

func newExporter(sinkName string, w io.WriteCloser, opts ...Option) *Exporter {
	e := &Exporter{
		sinkName:         sinkName,
		sink:             w,
		compressionLevel: DefaultCompressionLevel,
		source:           sinkName,
	}
	for _, o := range opts {
		o(e)
	}
	if e.source == "" {
		e.source = sinkName
	}
	return e
}

func (e *Exporter) logger() *slog.Logger {
	if e.log != nil {
		return e.log
	}
	return slog.Default()
}

// ExportSpans implements sdktrace.SpanExporter. Serialization failures
// are permanent: the batch is dropped and logged. Sink write failures
// are transient and returned for the caller to retry.
func (e *Exporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if len(spans) == 0 {
		return nil
	}

	resourceSpans := toResourceSpans(spans)
	req := &coltracepb.ExportTraceServiceRequest{ResourceSpans: resourceSpans}

	var (
		raw         []byte
		err         error
		contentType string
	)
	switch e.protocol {
	case ProtocolJSON:
		raw, err = protojson.Marshal(req)
		contentType = envelope.ContentTypeJSON
	default:
		raw, err = proto.Marshal(req)
		contentType = envelope.ContentTypeProtobuf
	}
	if err != nil {
		e.logger().ErrorContext(ctx, "dropping batch: serialization failed", slog.String("error", err.Error()))
		return nil
	}

	contentEncoding := ""
	if e.compressionLevel > 0 {
		var buf bytes.Buffer
		gw, err := gzip.NewWriterLevel(&buf, e.compressionLevel)
		if err != nil {
			e.logger().ErrorContext(ctx, "dropping batch: gzip init failed", slog.String("error", err.Error()))
			return nil
		}
		if _, err := gw.Write(raw); err != nil {
			e.logger().ErrorContext(ctx, "dropping batch: gzip write failed", slog.String("error", err.Error()))
			return nil
		}
		if err := gw.Close(); err != nil {
			e.logger().ErrorContext(ctx, "dropping batch: gzip close failed", slog.String("error", err.Error()))
			return nil
		}
		raw = buf.Bytes()
		contentEncoding = envelope.ContentEncodingGzip
	}

	env := envelope.Encode(e.source, "", raw, contentType, contentEncoding, e.headers)
	line, err := envelope.MarshalLine(env)
	if err != nil {
		e.logger().ErrorContext(ctx, "dropping batch: envelope marshal failed", slog.String("error", err.Error()))
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.sink.Write(line); err != nil {
		return fmt.Errorf("otlpstdout: write to %s sink: %w", e.sinkName, err)
	}
	return nil
}

// Shutdown drains then closes the sink.
func (e *Exporter) Shutdown(ctx context.Context) (err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sink == os.Stdout || e.sink == nil {
		return nil
	}
	defer try.Close(&err, e.sink)
	return nil
}
