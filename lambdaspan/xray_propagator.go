// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package lambdaspan

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// xrayHeader is the header AWS X-Ray uses to propagate trace context,
// per spec.md §6's OTEL_PROPAGATORS "xray" variant.
const xrayHeader = "X-Amzn-Trace-Id"

// lambdaTraceIDEnvVar is the environment variable Lambda sets with the
// current invocation's X-Ray trace id, consulted by the "xray-lambda"
// propagator variant when no incoming header carries one.
const lambdaTraceIDEnvVar = "_X_AMZN_TRACE_ID"

// XRayPropagator implements propagation.TextMapPropagator for AWS
// X-Ray's "Root=...;Parent=...;Sampled=..." header format.
type XRayPropagator struct {
	// FallbackToEnv reads lambdaTraceIDEnvVar when the carrier has no
	// X-Amzn-Trace-Id header, matching the "xray-lambda" variant
	// described in spec.md §6.
	FallbackToEnv bool
}

var _ propagation.TextMapPropagator = XRayPropagator{}

// Fields implements propagation.TextMapPropagator.
func (XRayPropagator) Fields() []string { return []string{xrayHeader} }

// Inject implements propagation.TextMapPropagator.
func (p XRayPropagator) Inject(ctx context.Context, carrier propagation.TextMapCarrier) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return
	}

	rootID, err := traceIDToXRay(sc.TraceID())
	if err != nil {
		return
	}

	sampled := "0"
	if sc.IsSampled() {
		sampled = "1"
	}

	carrier.Set(xrayHeader, fmt.Sprintf("Root=%s;Parent=%s;Sampled=%s", rootID, sc.SpanID().String(), sampled))
}

// Extract implements propagation.TextMapPropagator.
func (p XRayPropagator) Extract(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	header := carrier.Get(xrayHeader)
	if header == "" && p.FallbackToEnv {
		header = os.Getenv(lambdaTraceIDEnvVar)
	}
	if header == "" {
		return ctx
	}

	sc, err := parseXRayHeader(header)
	if err != nil || !sc.IsValid() {
		return ctx
	}
	return trace.ContextWithRemoteSpanContext(ctx, sc)
}

func traceIDToXRay(id trace.TraceID) (string, error) {
	hex := id.String()
	if len(hex) != 32 {
		return "", fmt.Errorf("lambdaspan: invalid trace id length")
	}
	return fmt.Sprintf("1-%s-%s", hex[:8], hex[8:]), nil
}

func parseXRayHeader(header string) (trace.SpanContext, error) {
	var root, parent, sampled string
	for _, field := range strings.Split(header, ";") {
		kv := strings.SplitN(strings.TrimSpace(field), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "Root":
			root = kv[1]
		case "Parent":
			parent = kv[1]
		case "Sampled":
			sampled = kv[1]
		}
	}
	if root == "" || parent == "" {
		return trace.SpanContext{}, fmt.Errorf("lambdaspan: incomplete x-ray header")
	}

	parts := strings.Split(root, "-")
	if len(parts) != 3 || len(parts[1]) != 8 || len(parts[2]) != 24 {
		return trace.SpanContext{}, fmt.Errorf("lambdaspan: malformed x-ray root %q", root)
	}

	traceID, err := trace.TraceIDFromHex(parts[1] + parts[2])
	if err != nil {
		return trace.SpanContext{}, err
	}
	spanID, err := trace.SpanIDFromHex(parent)
	if err != nil {
		return trace.SpanContext{}, err
	}

	flags := trace.TraceFlags(0)
	if sampled == "1" {
		flags = trace.FlagsSampled
	}

	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: flags,
		Remote:     true,
	}), nil
}
