package otlpstdout

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"

	"github.com/dev7a/otlp-stdout-forwarder/envelope"
)

type nopCloser struct{ *bytes.Buffer }

func (nopCloser) Close() error { return nil }

func exporterOverBuffer(buf *bytes.Buffer, opts ...Option) *Exporter {
	e := newExporter("test", nopCloser{buf}, opts...)
	return e
}

func emitOneSpan(t *testing.T, exp *Exporter) {
	t.Helper()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	tracer := tp.Tracer("unit-test")
	_, span := tracer.Start(context.Background(), "op")
	span.End()
	require.NoError(t, tp.Shutdown(context.Background()))
}

func TestExportSpansWritesOneEnvelopeLine(t *testing.T) {
	buf := &bytes.Buffer{}
	exp := exporterOverBuffer(buf, WithCompressionLevel(0))

	emitOneSpan(t, exp)

	line := bytes.TrimRight(buf.Bytes(), "\n")
	require.True(t, envelope.HasSentinelPrefix(append(line, '\n')))

	dec, err := envelope.Decode(line)
	require.NoError(t, err)
	assert.Equal(t, envelope.ContentTypeProtobuf, dec.ContentType)
	assert.Empty(t, dec.ContentEncoding)

	var req coltracepb.ExportTraceServiceRequest
	require.NoError(t, proto.Unmarshal(dec.Payload, &req))
	require.Len(t, req.ResourceSpans, 1)
	require.Len(t, req.ResourceSpans[0].ScopeSpans, 1)
	require.Len(t, req.ResourceSpans[0].ScopeSpans[0].Spans, 1)
	assert.Equal(t, "op", req.ResourceSpans[0].ScopeSpans[0].Spans[0].Name)
}

func TestExportSpansCompressesWhenLevelPositive(t *testing.T) {
	buf := &bytes.Buffer{}
	exp := exporterOverBuffer(buf, WithCompressionLevel(6))

	emitOneSpan(t, exp)

	line := bytes.TrimRight(buf.Bytes(), "\n")
	dec, err := envelope.Decode(line)
	require.NoError(t, err)
	assert.Equal(t, envelope.ContentEncodingGzip, dec.ContentEncoding)

	var req coltracepb.ExportTraceServiceRequest
	require.NoError(t, proto.Unmarshal(dec.Payload, &req))
	require.Len(t, req.ResourceSpans, 1)
}

func TestExportSpansJSONProtocol(t *testing.T) {
	buf := &bytes.Buffer{}
	exp := exporterOverBuffer(buf, WithProtocol(ProtocolJSON), WithCompressionLevel(0))

	emitOneSpan(t, exp)

	line := bytes.TrimRight(buf.Bytes(), "\n")
	dec, err := envelope.Decode(line)
	require.NoError(t, err)
	assert.Equal(t, envelope.ContentTypeJSON, dec.ContentType)
	assert.Contains(t, string(dec.Payload), "resourceSpans")
}

func TestExportSpansEmptyBatchIsNoop(t *testing.T) {
	buf := &bytes.Buffer{}
	exp := exporterOverBuffer(buf)

	err := exp.ExportSpans(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, buf.Bytes())
}

func TestNewPipeFallsBackToStdoutOnOpenFailure(t *testing.T) {
	exp := NewPipe("/nonexistent/path/that/cannot/be/opened.pipe")
	assert.Equal(t, "stdout", exp.sinkName)
}
