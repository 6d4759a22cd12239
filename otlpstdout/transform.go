// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package otlpstdout

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
)

// toResourceSpans groups spans by instrumentation scope and attaches
// the resource of the first span, since every span exported together
// in one batch shares the TracerProvider's single Resource, per
// original_source/processors/forwarder/src/otlp.rs's equivalent
// grouping.
func toResourceSpans(spans []sdktrace.ReadOnlySpan) []*tracepb.ResourceSpans {
	if len(spans) == 0 {
		return nil
	}

	type scopeKey struct{ name, version string }
	order := make([]scopeKey, 0)
	byScope := make(map[scopeKey][]*tracepb.Span)

	for _, s := range spans {
		scope := s.InstrumentationScope()
		key := scopeKey{name: scope.Name, version: scope.Version}
		if _, ok := byScope[key]; !ok {
			order = append(order, key)
		}
		byScope[key] = append(byScope[key], spanToProto(s))
	}

	scopeSpans := make([]*tracepb.ScopeSpans, 0, len(order))
	for _, key := range order {
		scopeSpans = append(scopeSpans, &tracepb.ScopeSpans{
			Scope: &commonpb.InstrumentationScope{Name: key.name, Version: key.version},
			Spans: byScope[key],
		})
	}

	return []*tracepb.ResourceSpans{
		{
			Resource:   resourceToProto(spans[0].Resource()),
			ScopeSpans: scopeSpans,
		},
	}
}

func resourceToProto(res *resource.Resource) *resourcepb.Resource {
	if res == nil {
		return &resourcepb.Resource{}
	}
	return &resourcepb.Resource{Attributes: attrsToProto(res.Attributes())}
}

func spanToProto(s sdktrace.ReadOnlySpan) *tracepb.Span {
	ctx := s.SpanContext()
	traceID := ctx.TraceID()
	spanID := ctx.SpanID()

	out := &tracepb.Span{
		TraceId:                traceID[:],
		SpanId:                 spanID[:],
		TraceState:             ctx.TraceState().String(),
		Name:                   s.Name(),
		Kind:                   spanKindToProto(s.SpanKind()),
		StartTimeUnixNano:      uint64(s.StartTime().UnixNano()),
		EndTimeUnixNano:        uint64(s.EndTime().UnixNano()),
		Attributes:             attrsToProto(s.Attributes()),
		DroppedAttributesCount: uint32(s.DroppedAttributes()),
		Events:                 eventsToProto(s.Events()),
		DroppedEventsCount:     uint32(s.DroppedEvents()),
		Links:                  linksToProto(s.Links()),
		DroppedLinksCount:      uint32(s.DroppedLinks()),
		Status:                 statusToProto(s.Status()),
	}

	if parent := s.Parent(); parent.IsValid() {
		pid := parent.SpanID()
		out.ParentSpanId = pid[:]
	}

	return out
}

func spanKindToProto(k oteltrace.SpanKind) tracepb.Span_SpanKind {
	switch k {
	case oteltrace.SpanKindInternal:
		return tracepb.Span_SPAN_KIND_INTERNAL
	case oteltrace.SpanKindServer:
		return tracepb.Span_SPAN_KIND_SERVER
	case oteltrace.SpanKindClient:
		return tracepb.Span_SPAN_KIND_CLIENT
	case oteltrace.SpanKindProducer:
		return tracepb.Span_SPAN_KIND_PRODUCER
	case oteltrace.SpanKindConsumer:
		return tracepb.Span_SPAN_KIND_CONSUMER
	default:
		return tracepb.Span_SPAN_KIND_UNSPECIFIED
	}
}

func statusToProto(st sdktrace.Status) *tracepb.Status {
	code := tracepb.Status_STATUS_CODE_UNSET
	switch st.Code {
	case codes.Ok:
		code = tracepb.Status_STATUS_CODE_OK
	case codes.Error:
		code = tracepb.Status_STATUS_CODE_ERROR
	}
	return &tracepb.Status{Message: st.Description, Code: code}
}

func eventsToProto(events []sdktrace.Event) []*tracepb.Span_Event {
	if len(events) == 0 {
		return nil
	}
	out := make([]*tracepb.Span_Event, 0, len(events))
	for _, e := range events {
		out = append(out, &tracepb.Span_Event{
			TimeUnixNano:           uint64(e.Time.UnixNano()),
			Name:                   e.Name,
			Attributes:             attrsToProto(e.Attributes),
			DroppedAttributesCount: uint32(e.DroppedAttributeCount),
		})
	}
	return out
}

func linksToProto(links []sdktrace.Link) []*tracepb.Span_Link {
	if len(links) == 0 {
		return nil
	}
	out := make([]*tracepb.Span_Link, 0, len(links))
	for _, l := range links {
		traceID := l.SpanContext.TraceID()
		spanID := l.SpanContext.SpanID()
		out = append(out, &tracepb.Span_Link{
			TraceId:                traceID[:],
			SpanId:                 spanID[:],
			TraceState:             l.SpanContext.TraceState().String(),
			Attributes:             attrsToProto(l.Attributes),
			DroppedAttributesCount: uint32(l.DroppedAttributeCount),
		})
	}
	return out
}

func attrsToProto(attrs []attribute.KeyValue) []*commonpb.KeyValue {
	if len(attrs) == 0 {
		return nil
	}
	out := make([]*commonpb.KeyValue, 0, len(attrs))
	for _, kv := range attrs {
		out = append(out, &commonpb.KeyValue{
			Key:   string(kv.Key),
			Value: attrValueToProto(kv.Value),
		})
	}
	return out
}

func attrValueToProto(v attribute.Value) *commonpb.AnyValue {
	switch v.Type() {
	case attribute.BOOL:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: v.AsBool()}}
	case attribute.INT64:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: v.AsInt64()}}
	case attribute.FLOAT64:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: v.AsFloat64()}}
	case attribute.STRING:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: v.AsString()}}
	case attribute.BOOLSLICE, attribute.INT64SLICE, attribute.FLOAT64SLICE, attribute.STRINGSLICE:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_ArrayValue{ArrayValue: sliceToProto(v)}}
	default:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: v.Emit()}}
	}
}

func sliceToProto(v attribute.Value) *commonpb.ArrayValue {
	var values []*commonpb.AnyValue
	switch v.Type() {
	case attribute.BOOLSLICE:
		for _, b := range v.AsBoolSlice() {
			values = append(values, &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: b}})
		}
	case attribute.INT64SLICE:
		for _, i := range v.AsInt64Slice() {
			values = append(values, &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: i}})
		}
	case attribute.FLOAT64SLICE:
		for _, f := range v.AsFloat64Slice() {
			values = append(values, &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: f}})
		}
	case attribute.STRINGSLICE:
		for _, s := range v.AsStringSlice() {
			values = append(values, &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: s}})
		}
	}
	return &commonpb.ArrayValue{Values: values}
}
