// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package forwarder implements the ForwarderPipeline: filtering,
// decoding, grouping, compacting, resolving and dispatching a batch of
// log events to their matching collectors, per spec.md §4.8.
package forwarder

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/dev7a/otlp-stdout-forwarder/collector"
	"github.com/dev7a/otlp-stdout-forwarder/compactor"
	"github.com/dev7a/otlp-stdout-forwarder/envelope"
)

// DefaultConcurrency is the default number of (request, collector)
// dispatch pairs run in parallel, per spec.md §4.8.
const DefaultConcurrency = 16

// maxResponseBody bounds how much of a collector's response body is
// read before it's discarded, per spec.md §5's memory discipline.
const maxResponseBody = 16 << 20

// Signer optionally signs outbound requests, matching sigv4.Signer's
// shape without binding forwarder to that concrete type.
type Signer interface {
	ShouldSign(req *http.Request) bool
	Sign(ctx context.Context, req *http.Request, body []byte) error
}

// Pipeline runs the end-to-end forwarder stages over one batch of log
// lines, per spec.md §4.8.
type Pipeline struct {
	HTTPClient  *http.Client
	Registry    *collector.Registry
	Signer      Signer // nil disables signing entirely
	Concurrency int
	Log         *slog.Logger
}

// Result summarizes one Process call's outcome.
type Result struct {
	Decoded    int
	Dropped    int // decoded records matching no collector
	Dispatched int // compacted requests with at least one success
	Failed     int // compacted requests where every collector failed
}

type groupKey struct {
	endpoint    string
	contentType string
}

type group struct {
	headers       map[string]string
	resourceSpans []*tracepb.ResourceSpans
}

type request struct {
	key        groupKey
	headers    map[string]string
	body       []byte
	collectors []collector.Collector
}

// Process runs the filter, decode, group, compact, resolve and dispatch
// stages over lines and returns once every dispatch attempt settles.
// The returned error is non-nil only when at least one compacted
// request had every matching collector fail, per spec.md §4.8's batch
// failure semantics.
func (p *Pipeline) Process(ctx context.Context, lines [][]byte) (Result, error) {
	var res Result

	batchID := uuid.NewString()
	log := p.logger().With(slog.String("batch_id", batchID))

	grouped := make(map[groupKey]*group)
	records := make(map[groupKey]int)
	var order []groupKey

	for _, line := range lines {
		if !envelope.HasSentinelPrefix(line) {
			continue
		}
		dec, err := envelope.Decode(line)
		if err != nil {
			log.WarnContext(ctx, "dropping undecodable record", slog.String("error", err.Error()))
			continue
		}

		rs, err := parseResourceSpans(dec.ContentType, dec.Payload)
		if err != nil {
			log.WarnContext(ctx, "dropping record with unparseable payload", slog.String("error", err.Error()))
			continue
		}
		res.Decoded++

		key := groupKey{endpoint: dec.Endpoint, contentType: dec.ContentType}
		records[key]++
		g, ok := grouped[key]
		if !ok {
			g = &group{headers: dec.Headers}
			grouped[key] = g
			order = append(order, key)
		}
		g.resourceSpans = append(g.resourceSpans, rs...)
	}

	var requests []request
	for _, key := range order {
		g := grouped[key]
		compacted := compactor.Compact(g.resourceSpans)
		body, err := compactor.Marshal(compacted.ResourceSpans)
		if err != nil {
			return res, fmt.Errorf("forwarder: marshal compacted request: %w", err)
		}

		matches := p.Registry.Match(key.endpoint)
		if len(matches) == 0 {
			for i := 0; i < records[key]; i++ {
				p.Registry.IncrementDropped()
			}
			res.Dropped += records[key]
			continue
		}

		requests = append(requests, request{
			key:        key,
			headers:    g.headers,
			body:       body,
			collectors: matches,
		})
	}

	succeeded := make([]int32, len(requests))
	wp := pool.New().WithMaxGoroutines(p.concurrency())
	for ri, req := range requests {
		ri, req := ri, req
		for _, c := range req.collectors {
			c := c
			wp.Go(func() {
				if err := p.dispatchOne(ctx, c, req); err != nil {
					log.WarnContext(ctx, "dispatch failed",
						slog.String("collector", c.Name),
						slog.String("endpoint", c.ResolvedEndpoint()),
						slog.String("error", err.Error()))
					return
				}
				atomic.AddInt32(&succeeded[ri], 1)
			})
		}
	}
	wp.Wait()

	for i := range requests {
		if succeeded[i] == 0 {
			res.Failed++
		} else {
			res.Dispatched++
		}
	}
	if res.Failed > 0 {
		return res, fmt.Errorf("forwarder: %d of %d requests had no successful delivery", res.Failed, len(requests))
	}
	return res, nil
}

func (p *Pipeline) dispatchOne(ctx context.Context, c collector.Collector, req request) error {
	endpoint := c.ResolvedEndpoint()

	const maxAttempts = 4 // one initial attempt plus three retries
	backoff := 200 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(jitter(backoff)):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(req.body))
		if err != nil {
			return fmt.Errorf("forwarder: build request: %w", err)
		}
		httpReq.Header.Set("Content-Type", req.key.contentType)
		for k, v := range req.headers {
			httpReq.Header.Set(k, v)
		}
		for k, v := range c.Headers {
			httpReq.Header.Set(k, v)
		}
		if c.Auth.Kind == collector.AuthStatic {
			httpReq.Header.Set(c.Auth.Header, c.Auth.Value)
		}
		if c.Auth.Kind == collector.AuthSigV4 && p.Signer != nil && p.Signer.ShouldSign(httpReq) {
			if err := p.Signer.Sign(ctx, httpReq, req.body); err != nil {
				return fmt.Errorf("forwarder: sign request: %w", err)
			}
		}

		resp, err := p.client().Do(httpReq)
		if err != nil {
			lastErr = err
			continue
		}
		n, _ := io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody+1))
		resp.Body.Close()
		if n > maxResponseBody {
			p.logger().WarnContext(ctx, "collector response body truncated",
				slog.String("collector", c.Name), slog.Int64("limit_bytes", maxResponseBody))
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = fmt.Errorf("forwarder: %s returned %s", endpoint, resp.Status)
			continue
		default:
			return fmt.Errorf("forwarder: %s returned permanent status %s", endpoint, resp.Status)
		}
	}
	return lastErr
}

func (p *Pipeline) client() *http.Client {
	if p.HTTPClient != nil {
		return p.HTTPClient
	}
	return http.DefaultClient
}

func (p *Pipeline) concurrency() int {
	if p.Concurrency > 0 {
		return p.Concurrency
	}
	return DefaultConcurrency
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Log != nil {
		return p.Log
	}
	return slog.Default()
}

// jitter applies +/-50% random jitter to d, per spec.md §4.8.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * 0.5
	offset := (rand.Float64()*2 - 1) * delta
	return d + time.Duration(offset)
}

func parseResourceSpans(contentType string, payload []byte) ([]*tracepb.ResourceSpans, error) {
	var req coltracepb.ExportTraceServiceRequest
	if strings.Contains(contentType, "json") {
		if err := protojson.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("forwarder: unmarshal json payload: %w", err)
		}
		return req.ResourceSpans, nil
	}
	if err := proto.Unmarshal(payload, &req); err != nil {
		return nil, fmt.Errorf("forwarder: unmarshal protobuf payload: %w", err)
	}
	return req.ResourceSpans, nil
}
