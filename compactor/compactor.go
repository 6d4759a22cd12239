// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package compactor implements the SpanCompactor: merging N OTLP
// export-trace requests into one by unifying resourceSpans with
// identical resource attributes and scopeSpans with identical
// instrumentation scope, per spec.md §4.6.
package compactor

import (
	"hash/fnv"
	"sort"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/proto"
)

// Compact merges reqs' resourceSpans, grouping by a stable fingerprint of
// each resourceSpans' resource attributes, then by (scope.name,
// scope.version) within that group. Span order is preserved both within
// a scopeSpans.spans and across resourceSpans (insertion order of first
// occurrence of each fingerprint), per spec.md §4.6.
//
// An empty input yields a single empty ResourceSpans-less request.
func Compact(reqs []*tracepb.ResourceSpans) *CompactResult {
	type scopeGroup struct {
		scope *commonpb.InstrumentationScope
		spans []*tracepb.Span
	}
	type resourceGroup struct {
		resource        *tracepb.ResourceSpans // carries resource + schema url
		scopeOrder      []string
		scopesByKey     map[string]*scopeGroup
	}

	order := make([]string, 0)
	groups := make(map[string]*resourceGroup)
	var inputSpanCount int

	for _, rs := range reqs {
		rFp := resourceFingerprint(rs.GetResource().GetAttributes())
		g, ok := groups[rFp]
		if !ok {
			g = &resourceGroup{
				resource:    rs,
				scopesByKey: make(map[string]*scopeGroup),
			}
			groups[rFp] = g
			order = append(order, rFp)
		}

		for _, ss := range rs.GetScopeSpans() {
			sFp := scopeFingerprint(ss.GetScope())
			sg, ok := g.scopesByKey[sFp]
			if !ok {
				sg = &scopeGroup{scope: ss.GetScope()}
				g.scopesByKey[sFp] = sg
				g.scopeOrder = append(g.scopeOrder, sFp)
			}
			sg.spans = append(sg.spans, ss.GetSpans()...)
			inputSpanCount += len(ss.GetSpans())
		}
	}

	out := make([]*tracepb.ResourceSpans, 0, len(order))
	for _, rFp := range order {
		g := groups[rFp]
		scopeSpans := make([]*tracepb.ScopeSpans, 0, len(g.scopeOrder))
		for _, sFp := range g.scopeOrder {
			sg := g.scopesByKey[sFp]
			scopeSpans = append(scopeSpans, &tracepb.ScopeSpans{
				Scope:     sg.scope,
				Spans:     sg.spans,
				SchemaUrl: g.resource.GetSchemaUrl(),
			})
		}
		out = append(out, &tracepb.ResourceSpans{
			Resource:   g.resource.GetResource(),
			ScopeSpans: scopeSpans,
			SchemaUrl:  g.resource.GetSchemaUrl(),
		})
	}

	return &CompactResult{
		ResourceSpans: out,
		SpanCount:     inputSpanCount,
	}
}

// CompactResult is the output of Compact plus bookkeeping used by
// callers and tests to verify spec.md §8's span-count conservation
// invariant.
type CompactResult struct {
	ResourceSpans []*tracepb.ResourceSpans
	SpanCount     int
}

// Marshal serializes rs as an ExportTraceServiceRequest via the real
// OTLP collector proto type, matching the wire shape any OTLP/HTTP
// collector expects.
func Marshal(rs []*tracepb.ResourceSpans) ([]byte, error) {
	req := &coltracepb.ExportTraceServiceRequest{ResourceSpans: rs}
	return proto.Marshal(req)
}

func resourceFingerprint(attrs []*commonpb.KeyValue) string {
	h := fnv.New64a()
	for _, kv := range sortedAttrs(attrs) {
		h.Write([]byte(kv.GetKey()))
		h.Write([]byte{0})
		h.Write([]byte(kv.GetValue().String()))
		h.Write([]byte{0})
	}
	return string(h.Sum(nil))
}

func scopeFingerprint(scope *commonpb.InstrumentationScope) string {
	h := fnv.New64a()
	h.Write([]byte(scope.GetName()))
	h.Write([]byte{0})
	h.Write([]byte(scope.GetVersion()))
	return string(h.Sum(nil))
}

func sortedAttrs(attrs []*commonpb.KeyValue) []*commonpb.KeyValue {
	out := make([]*commonpb.KeyValue, len(attrs))
	copy(out, attrs)
	sort.Slice(out, func(i, j int) bool { return out[i].GetKey() < out[j].GetKey() })
	return out
}
