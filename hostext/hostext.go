// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package hostext implements HostExtension: the bridge between the
// LambdaSpanProcessor and the managed FaaS lifecycle, using the Lambda
// Extensions API (a plain local HTTP API with no official SDK client),
// per spec.md §4.3.
package hostext

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"
)

const (
	extensionNameHeader = "Lambda-Extension-Name"
	extensionIDHeader   = "Lambda-Extension-Identifier"
	runtimeAPIEnvVar    = "AWS_LAMBDA_RUNTIME_API"
)

// EventType is an Extensions API event kind.
type EventType string

const (
	EventInvoke   EventType = "INVOKE"
	EventShutdown EventType = "SHUTDOWN"
)

// Event is one /event/next response, per the Lambda Extensions API.
type Event struct {
	EventType          EventType `json:"eventType"`
	DeadlineMs         int64     `json:"deadlineMs"`
	RequestID          string    `json:"requestId,omitempty"`
	InvokedFunctionArn string    `json:"invokedFunctionArn,omitempty"`
	ShutdownReason     string    `json:"shutdownReason,omitempty"`
}

// Telemetry is the subset of lambdaspan.Telemetry's behavior the
// extension drives. Callers adapt lambdaspan.Telemetry's ForceFlush
// and Shutdown function fields to this interface.
type Telemetry interface {
	ForceFlush(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// DefaultInvokeWait bounds how long the extension waits for the
// handler-completion signal on an INVOKE event, per spec.md §4.3.
const DefaultInvokeWait = 2 * time.Second

// DefaultShutdownDeadline bounds the SHUTDOWN handling's force-flush
// plus exporter shutdown, per spec.md §4.3.
const DefaultShutdownDeadline = 2 * time.Second

// Client talks to the Lambda Extensions API.
type Client struct {
	baseURL string
	name    string
	http    *http.Client
	id      string
}

// NewClient builds a Client against the ambient runtime API endpoint.
func NewClient(name string) (*Client, error) {
	api := os.Getenv(runtimeAPIEnvVar)
	if api == "" {
		return nil, fmt.Errorf("hostext: %s is not set; not running under the Lambda Extensions API", runtimeAPIEnvVar)
	}
	return &Client{
		baseURL: "http://" + api + "/2020-01-01/extension",
		name:    name,
		http:    &http.Client{Timeout: 0}, // /event/next long-polls; no client timeout
	}, nil
}

// Register registers this process as an internal extension subscribed
// to events, per spec.md §4.3.
func (c *Client) Register(ctx context.Context, events []EventType) error {
	body, err := json.Marshal(struct {
		Events []EventType `json:"events"`
	}{Events: events})
	if err != nil {
		return fmt.Errorf("hostext: marshal register body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/register", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("hostext: build register request: %w", err)
	}
	req.Header.Set(extensionNameHeader, c.name)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("hostext: register: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("hostext: register returned %s", resp.Status)
	}
	c.id = resp.Header.Get(extensionIDHeader)
	return nil
}

// NextEvent long-polls for the next event, per spec.md §4.3.
func (c *Client) NextEvent(ctx context.Context) (Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/event/next", nil)
	if err != nil {
		return Event{}, fmt.Errorf("hostext: build next-event request: %w", err)
	}
	req.Header.Set(extensionIDHeader, c.id)

	resp, err := c.http.Do(req)
	if err != nil {
		return Event{}, fmt.Errorf("hostext: next event: %w", err)
	}
	defer resp.Body.Close()

	var ev Event
	if err := json.NewDecoder(resp.Body).Decode(&ev); err != nil {
		return Event{}, fmt.Errorf("hostext: decode next-event body: %w", err)
	}
	return ev, nil
}

// Runner drives the extension's event loop for ModeAsync, per
// spec.md §4.3.
type Runner struct {
	Client           *Client
	Telemetry        Telemetry
	InvokeWait       time.Duration
	ShutdownDeadline time.Duration
	Log              *slog.Logger

	// completions is signaled once per invocation by the handler
	// completion wrapper; refilled on each invocation per spec.md §4.3.
	completions chan struct{}
}

// NewRunner constructs a Runner with a ready completions channel.
func NewRunner(client *Client, telemetry Telemetry) *Runner {
	return &Runner{
		Client:           client,
		Telemetry:        telemetry,
		InvokeWait:       DefaultInvokeWait,
		ShutdownDeadline: DefaultShutdownDeadline,
		completions:      make(chan struct{}, 1),
	}
}

// SignalHandlerComplete is called by the handler-completion wrapper
// after the handler has produced its response, per spec.md §4.3.
func (r *Runner) SignalHandlerComplete() {
	select {
	case r.completions <- struct{}{}:
	default:
	}
}

// Run loops NextEvent/handle until a SHUTDOWN event is processed or
// ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	for {
		ev, err := r.Client.NextEvent(ctx)
		if err != nil {
			return err
		}

		switch ev.EventType {
		case EventInvoke:
			r.handleInvoke(ctx)
		case EventShutdown:
			r.handleShutdown(ctx)
			return nil
		}
	}
}

func (r *Runner) handleInvoke(ctx context.Context) {
	wait := r.InvokeWait
	if wait == 0 {
		wait = DefaultInvokeWait
	}

	select {
	case <-r.completions:
	case <-time.After(wait):
		r.logger().Warn("invoke-complete signal timed out; flushing anyway")
	case <-ctx.Done():
	}

	if err := r.Telemetry.ForceFlush(ctx); err != nil {
		r.logger().Warn("force flush failed", slog.String("error", err.Error()))
	}
}

func (r *Runner) handleShutdown(ctx context.Context) {
	deadline := r.ShutdownDeadline
	if deadline == 0 {
		deadline = DefaultShutdownDeadline
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	if err := r.Telemetry.ForceFlush(ctx); err != nil {
		r.logger().Warn("shutdown force flush failed", slog.String("error", err.Error()))
	}
	if err := r.Telemetry.Shutdown(ctx); err != nil {
		r.logger().Warn("exporter shutdown failed", slog.String("error", err.Error()))
	}
}

func (r *Runner) logger() *slog.Logger {
	if r.Log != nil {
		return r.Log
	}
	return slog.Default()
}
