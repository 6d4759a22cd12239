package lambdaspan

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/otel/propagation"
)

func TestInitReturnsUsableTelemetry(t *testing.T) {
	t.Setenv(EnvOutputType, "stdout")
	telemetry, err := Init(context.Background(), Config{ServiceName: "test-svc"})
	require.NoError(t, err)
	require.NotNil(t, telemetry.TracerProvider)
	require.NotNil(t, telemetry.Processor)

	tracer := telemetry.TracerProvider.Tracer("test")
	_, span := tracer.Start(context.Background(), "op")
	span.End()

	require.NoError(t, telemetry.ForceFlush(context.Background()))
}

func TestParseModeVariants(t *testing.T) {
	assert.Equal(t, ModeAsync, parseMode("async"))
	assert.Equal(t, ModeFinalize, parseMode("finalize"))
	assert.Equal(t, ModeSync, parseMode("sync"))
	assert.Equal(t, ModeSync, parseMode("bogus"))
}

func TestParsePropagatorList(t *testing.T) {
	assert.Equal(t, []string{"tracecontext"}, parsePropagatorList(""))
	assert.Equal(t, []string{"tracecontext", "xray"}, parsePropagatorList("tracecontext,xray"))
}

func TestBuildPropagatorNoneYieldsEmptyComposite(t *testing.T) {
	p := buildPropagator([]string{"none"})
	assert.Empty(t, p.Fields())
}

func TestBuildPropagatorXRayLambda(t *testing.T) {
	p := buildPropagator([]string{"xray-lambda"})
	assert.Contains(t, p.Fields(), xrayHeader)
}

func TestBuildPropagatorDefaultsToTraceContext(t *testing.T) {
	p := buildPropagator(nil)
	tc := propagation.TraceContext{}
	assert.ElementsMatch(t, tc.Fields(), p.Fields())
}
