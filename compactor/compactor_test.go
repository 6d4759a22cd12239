package compactor

import (
	"testing"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resourcePB(attrs ...*commonpb.KeyValue) *resourcepb.Resource {
	return &resourcepb.Resource{Attributes: attrs}
}

func strAttr(k, v string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   k,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: v}},
	}
}

func TestCompactionAcrossScopes(t *testing.T) {
	// Scenario 2 from spec.md §8: same resource, two scopes, one span each.
	r1 := &tracepb.ResourceSpans{
		Resource: resourcePB(strAttr("service.name", "a")),
		ScopeSpans: []*tracepb.ScopeSpans{
			{
				Scope: &commonpb.InstrumentationScope{Name: "lib", Version: "1.0"},
				Spans: []*tracepb.Span{{Name: "op1"}},
			},
		},
	}
	r2 := &tracepb.ResourceSpans{
		Resource: resourcePB(strAttr("service.name", "a")),
		ScopeSpans: []*tracepb.ScopeSpans{
			{
				Scope: &commonpb.InstrumentationScope{Name: "lib", Version: "2.0"},
				Spans: []*tracepb.Span{{Name: "op2"}},
			},
		},
	}

	result := Compact([]*tracepb.ResourceSpans{r1, r2})
	require.Len(t, result.ResourceSpans, 1)
	require.Len(t, result.ResourceSpans[0].ScopeSpans, 2)
	assert.Equal(t, 1, len(result.ResourceSpans[0].ScopeSpans[0].Spans))
	assert.Equal(t, 1, len(result.ResourceSpans[0].ScopeSpans[1].Spans))
	assert.Equal(t, 2, result.SpanCount)
}

func TestSpanCountConservation(t *testing.T) {
	var reqs []*tracepb.ResourceSpans
	total := 0
	for i := 0; i < 5; i++ {
		n := i + 1
		spans := make([]*tracepb.Span, n)
		for j := range spans {
			spans[j] = &tracepb.Span{Name: "op"}
		}
		total += n
		reqs = append(reqs, &tracepb.ResourceSpans{
			Resource: resourcePB(strAttr("service.name", "svc")),
			ScopeSpans: []*tracepb.ScopeSpans{
				{Scope: &commonpb.InstrumentationScope{Name: "lib"}, Spans: spans},
			},
		})
	}

	result := Compact(reqs)
	assert.Equal(t, total, result.SpanCount)
	require.Len(t, result.ResourceSpans, 1)
}

func TestEmptyInputYieldsEmptyRequest(t *testing.T) {
	result := Compact(nil)
	assert.Empty(t, result.ResourceSpans)
	assert.Equal(t, 0, result.SpanCount)
}

func TestSingleSpan(t *testing.T) {
	reqs := []*tracepb.ResourceSpans{
		{
			Resource: resourcePB(strAttr("service.name", "svc")),
			ScopeSpans: []*tracepb.ScopeSpans{
				{Scope: &commonpb.InstrumentationScope{Name: "lib"}, Spans: []*tracepb.Span{{Name: "op"}}},
			},
		},
	}
	result := Compact(reqs)
	require.Len(t, result.ResourceSpans, 1)
	require.Len(t, result.ResourceSpans[0].ScopeSpans, 1)
	require.Len(t, result.ResourceSpans[0].ScopeSpans[0].Spans, 1)
}

func TestDistinctResourcesStayApart(t *testing.T) {
	reqs := []*tracepb.ResourceSpans{
		{Resource: resourcePB(strAttr("service.name", "a"))},
		{Resource: resourcePB(strAttr("service.name", "b"))},
	}
	result := Compact(reqs)
	assert.Len(t, result.ResourceSpans, 2)
}

func TestMarshalProducesBytes(t *testing.T) {
	reqs := []*tracepb.ResourceSpans{
		{
			Resource: resourcePB(strAttr("service.name", "svc")),
			ScopeSpans: []*tracepb.ScopeSpans{
				{Scope: &commonpb.InstrumentationScope{Name: "lib"}, Spans: []*tracepb.Span{{Name: "op"}}},
			},
		},
	}
	result := Compact(reqs)
	b, err := Marshal(result.ResourceSpans)
	require.NoError(t, err)
	assert.NotEmpty(t, b)
}
