// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package livetail implements LiveTailSource and PollingSource: two
// interchangeable producers of a unified log-event stream, per
// spec.md §4.10.
package livetail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
)

// FilterPattern prefilters for envelope records so non-telemetry log
// lines never reach the unified channel, per spec.md §4.10.
const FilterPattern = `{ $.__otel_otlp_stdout = * }`

// DefaultPollInterval is PollingSource's default tick interval.
const DefaultPollInterval = 5 * time.Second

// DefaultSessionTimeout bounds a single LiveTailSource session.
const DefaultSessionTimeout = 30 * time.Minute

// Event is one log record delivered on the unified channel.
type Event struct {
	Timestamp time.Time
	LogGroup  string
	Message   string
}

// liveTailClient is the subset of *cloudwatchlogs.Client
// LiveTailSource needs.
type liveTailClient interface {
	StartLiveTail(ctx context.Context, params *cloudwatchlogs.StartLiveTailInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.StartLiveTailOutput, error)
}

// LiveTailSource streams events from a StartLiveTail session into a
// bounded channel, per spec.md §4.10.
type LiveTailSource struct {
	Client          liveTailClient
	LogGroups       []string
	SessionTimeout  time.Duration
	Log             *slog.Logger
}

// Run opens the session and forwards events to out until the session
// ends, SessionTimeout elapses, or ctx is cancelled. Run always closes
// out before returning.
func (s *LiveTailSource) Run(ctx context.Context, out chan<- Event) error {
	defer close(out)

	timeout := s.SessionTimeout
	if timeout == 0 {
		timeout = DefaultSessionTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := s.Client.StartLiveTail(ctx, &cloudwatchlogs.StartLiveTailInput{
		LogGroupIdentifiers: s.LogGroups,
		LogEventFilterPattern: aws.String(FilterPattern),
	})
	if err != nil {
		return fmt.Errorf("livetail: start live tail: %w", err)
	}

	stream := resp.GetStream()
	defer stream.Close()

	s.logger().InfoContext(ctx, "live tail session started", slog.Int("log_groups", len(s.LogGroups)))

	events := stream.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			switch v := ev.(type) {
			case *types.StartLiveTailResponseStreamMemberSessionStart:
				s.logger().InfoContext(ctx, "live tail session acknowledged",
					slog.String("session_id", aws.ToString(v.Value.SessionId)))
			case *types.StartLiveTailResponseStreamMemberSessionUpdate:
				for _, e := range v.Value.SessionResults {
					emit(ctx, out, s.LogGroups, e.Timestamp, aws.ToString(e.Message))
				}
			default:
				s.logger().WarnContext(ctx, "live tail session error")
				return errors.New("livetail: session terminated with an error event")
			}
		}
	}
}

func (s *LiveTailSource) logger() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

// pollingClient is the subset of *cloudwatchlogs.Client PollingSource
// needs.
type pollingClient interface {
	FilterLogEvents(ctx context.Context, params *cloudwatchlogs.FilterLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.FilterLogEventsOutput, error)
}

// PollingSource periodically calls FilterLogEvents per log group,
// tracking the latest-seen timestamp per group to avoid re-delivering
// events across ticks, per spec.md §4.10.
type PollingSource struct {
	Client    pollingClient
	LogGroups []string
	Interval  time.Duration
	Log       *slog.Logger

	lastSeen map[string]int64
}

// Run ticks until ctx is cancelled, forwarding events to out. Run
// always closes out before returning.
func (p *PollingSource) Run(ctx context.Context, out chan<- Event) error {
	defer close(out)

	interval := p.Interval
	if interval == 0 {
		interval = DefaultPollInterval
	}
	if p.lastSeen == nil {
		p.lastSeen = make(map[string]int64, len(p.LogGroups))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, group := range p.LogGroups {
				if err := p.pollGroup(ctx, group, out); err != nil {
					p.logger().WarnContext(ctx, "polling tick failed",
						slog.String("log_group", group), slog.String("error", err.Error()))
				}
			}
		}
	}
}

func (p *PollingSource) pollGroup(ctx context.Context, group string, out chan<- Event) error {
	if p.lastSeen == nil {
		p.lastSeen = make(map[string]int64)
	}
	startTime := p.lastSeen[group] + 1
	latest := p.lastSeen[group]

	var nextToken *string
	for {
		in := &cloudwatchlogs.FilterLogEventsInput{
			LogGroupName:  aws.String(group),
			FilterPattern: aws.String(FilterPattern),
			NextToken:     nextToken,
		}
		if startTime > 1 {
			in.StartTime = aws.Int64(startTime)
		}

		resp, err := p.Client.FilterLogEvents(ctx, in)
		if err != nil {
			return fmt.Errorf("livetail: filter log events for %q: %w", group, err)
		}

		for _, e := range resp.Events {
			ts := aws.ToInt64(e.Timestamp)
			emit(ctx, out, []string{group}, aws.Int64(ts), aws.ToString(e.Message))
			if ts > latest {
				latest = ts
			}
		}

		if resp.NextToken == nil {
			break
		}
		nextToken = resp.NextToken
	}

	// Only commit the watermark after every page is consumed, per
	// spec.md §4.10.
	p.lastSeen[group] = latest
	return nil
}

func (p *PollingSource) logger() *slog.Logger {
	if p.Log != nil {
		return p.Log
	}
	return slog.Default()
}

func emit(ctx context.Context, out chan<- Event, groups []string, epochMillis *int64, message string) {
	group := ""
	if len(groups) == 1 {
		group = groups[0]
	}
	ts := time.UnixMilli(aws.ToInt64(epochMillis))
	select {
	case out <- Event{Timestamp: ts, LogGroup: group, Message: message}:
	case <-ctx.Done():
	}
}
