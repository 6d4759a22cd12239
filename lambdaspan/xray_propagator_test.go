package lambdaspan

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestXRayPropagatorRoundTrip(t *testing.T) {
	traceID, err := trace.TraceIDFromHex("5759e988bd862e3fe1be46a994272793")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("53995c3f42cd8ad8")
	require.NoError(t, err)

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	carrier := propagation.MapCarrier{}
	p := XRayPropagator{}
	p.Inject(ctx, carrier)

	header := carrier.Get(xrayHeader)
	assert.Contains(t, header, "Root=1-5759e988-bd862e3fe1be46a994272793")
	assert.Contains(t, header, "Parent=53995c3f42cd8ad8")
	assert.Contains(t, header, "Sampled=1")

	extracted := p.Extract(context.Background(), carrier)
	got := trace.SpanContextFromContext(extracted)
	assert.Equal(t, traceID, got.TraceID())
	assert.Equal(t, spanID, got.SpanID())
	assert.True(t, got.IsSampled())
}

func TestXRayPropagatorExtractInvalidHeader(t *testing.T) {
	carrier := propagation.MapCarrier{xrayHeader: "garbage"}
	p := XRayPropagator{}
	ctx := p.Extract(context.Background(), carrier)
	assert.False(t, trace.SpanContextFromContext(ctx).IsValid())
}

func TestXRayPropagatorLambdaFallsBackToEnv(t *testing.T) {
	t.Setenv(lambdaTraceIDEnvVar, "Root=1-5759e988-bd862e3fe1be46a994272793;Parent=53995c3f42cd8ad8;Sampled=0")

	p := XRayPropagator{FallbackToEnv: true}
	ctx := p.Extract(context.Background(), propagation.MapCarrier{})
	got := trace.SpanContextFromContext(ctx)
	assert.True(t, got.IsValid())
	assert.False(t, got.IsSampled())
}

func TestXRayPropagatorFieldsReportsHeader(t *testing.T) {
	p := XRayPropagator{}
	assert.Equal(t, []string{xrayHeader}, p.Fields())
}
