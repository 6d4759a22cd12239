// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Command livetrace is the CLI entry point for the live-tail core
// described in spec.md §4.9–§4.11: it resolves log groups, tails or
// polls them for OTLP-over-log records, and forwards decoded spans to a
// local (or remote) OTLP collector. Flag parsing is intentionally thin
// (plain `flag`, no validation framework) per SPEC_FULL.md §1: argument
// parsing and config-file loading are out of scope, this binary is "a
// thin wiring binary around a programmatic discovery/livetail/
// tailprocessor/forwarder core."
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/sourcegraph/conc/pool"

	"github.com/dev7a/otlp-stdout-forwarder/app"
	"github.com/dev7a/otlp-stdout-forwarder/collector"
	"github.com/dev7a/otlp-stdout-forwarder/discovery"
	"github.com/dev7a/otlp-stdout-forwarder/forwarder"
	"github.com/dev7a/otlp-stdout-forwarder/livetail"
	"github.com/dev7a/otlp-stdout-forwarder/sigv4"
	"github.com/dev7a/otlp-stdout-forwarder/tailprocessor"

	otlpforwarder "github.com/dev7a/otlp-stdout-forwarder"
)

// defaultEndpoint is the local OTLP/HTTP collector livetrace forwards to
// absent an explicit "-e", matching spec.md §6's "forwards them to a
// local collector."
const defaultEndpoint = "http://localhost:4318/v1/traces"

// headerList accumulates repeated "-H Key=Value" flags.
type headerList map[string]string

func (h headerList) String() string {
	pairs := make([]string, 0, len(h))
	for k, v := range h {
		pairs = append(pairs, k+"="+v)
	}
	return strings.Join(pairs, ",")
}

func (h headerList) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return fmt.Errorf("livetrace: invalid -H value %q, want Key=Value", s)
	}
	h[k] = v
	return nil
}

type flags struct {
	pattern        string
	stackName      string
	endpoint       string
	headers        headerList
	region         string
	pollInterval   time.Duration
	sessionTimeout time.Duration
	forwardOnly    bool
	eventAttrs     string
}

func parseFlags(args []string) (*flags, error) {
	fs := flag.NewFlagSet("livetrace", flag.ContinueOnError)
	f := &flags{headers: headerList{}, endpoint: defaultEndpoint}
	fs.StringVar(&f.pattern, "pattern", "", "case-sensitive substring of log group names to tail (glob matching is not applied)")
	fs.StringVar(&f.stackName, "stack-name", "", "deployment stack whose log groups should be tailed")
	fs.StringVar(&f.endpoint, "e", defaultEndpoint, "OTLP/HTTP endpoint events are forwarded to")
	fs.Var(f.headers, "H", "header assignment (Key=Value), repeatable")
	fs.StringVar(&f.region, "r", "", "AWS region (default: ambient configuration)")
	fs.DurationVar(&f.pollInterval, "poll-interval", 0, "use polling instead of live-tail, at this interval")
	fs.DurationVar(&f.sessionTimeout, "session-timeout", livetail.DefaultSessionTimeout, "live-tail session timeout")
	fs.BoolVar(&f.forwardOnly, "forward-only", false, "forward events without logging a per-batch summary")
	fs.StringVar(&f.eventAttrs, "event-attrs", "", "comma-separated list of event attributes; accepted but not used by this command")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if f.pattern == "" && f.stackName == "" {
		return nil, errors.New("livetrace: exactly one of -pattern or -stack-name is required")
	}
	if f.pattern != "" && f.stackName != "" {
		return nil, errors.New("livetrace: -pattern and -stack-name are mutually exclusive")
	}
	return f, nil
}

func main() {
	log := otlpforwarder.Logger("livetrace")

	f, err := parseFlags(os.Args[1:])
	if err != nil {
		log.Error("invalid flags", slog.String("error", err.Error()))
		os.Exit(1)
	}

	builder := app.WithHooks(func(ctx context.Context, hooks *app.HookRegistry) (app.Runtime, error) {
		return build(ctx, f, log, hooks)
	})

	if err := app.Run(context.Background(), builder); err != nil {
		log.Error("livetrace exited with an error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// cliRuntime runs the selected source, the backpressure queue that feeds
// it into the forwarder pipeline, and the pipeline's batch processor,
// per spec.md §4.11.
type cliRuntime struct {
	runSource func(ctx context.Context, out chan<- livetail.Event) error
	processor *tailprocessor.Processor
	blocking  bool // true for LiveTailSource (blocking Enqueue), false for PollingSource (TryEnqueue)
	log       *slog.Logger
}

func (rt cliRuntime) Run(ctx context.Context) error {
	events := make(chan livetail.Event, 64)
	rt.processor.Start()

	// procCtx is cancelled as soon as the pump loop ends, whether that's
	// because the outer ctx was cancelled or because the source's own
	// session (e.g. LiveTailSource's bounded timeout) ended on its own;
	// otherwise processor.Run would block forever on an outer ctx that
	// never fires, per spec.md §4.10's "bounded session timeout...applies
	// to live-tail."
	procCtx, cancelProc := context.WithCancel(ctx)
	defer cancelProc()

	p := pool.New().WithContext(ctx).WithCancelOnError()
	p.Go(func(ctx context.Context) error {
		return rt.runSource(ctx, events)
	})
	p.Go(func(ctx context.Context) error {
		defer cancelProc()
		for ev := range events {
			if rt.blocking {
				if err := rt.processor.Enqueue(ctx, ev); err != nil {
					return err
				}
			} else {
				rt.processor.TryEnqueue(ev)
			}
		}
		return nil
	})
	p.Go(func(context.Context) error {
		return rt.processor.Run(procCtx)
	})

	err := p.Wait()
	rt.log.Info("livetrace stopped", slog.Int64("dropped", rt.processor.Dropped()))
	return err
}

func build(ctx context.Context, f *flags, log *slog.Logger, hooks *app.HookRegistry) (app.Runtime, error) {
	var optFns []func(*config.LoadOptions) error
	if f.region != "" {
		optFns = append(optFns, config.WithRegion(f.region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("livetrace: load aws config: %w", err)
	}

	logsClient := cloudwatchlogs.NewFromConfig(awsCfg)
	resolver := &discovery.Resolver{
		CloudFormation: cloudformation.NewFromConfig(awsCfg),
		Logs:           logsClient,
	}

	var groups []string
	if f.stackName != "" {
		groups, err = resolver.FromStack(ctx, f.stackName)
	} else {
		groups, err = resolver.FromPattern(ctx, f.pattern, false)
	}
	if err != nil {
		var tooMany *discovery.TooManyLogGroupsError
		if errors.As(err, &tooMany) {
			return nil, err
		}
		return nil, fmt.Errorf("livetrace: resolve log groups: %w", err)
	}
	if len(groups) == 0 {
		return nil, errors.New("livetrace: resolved 0 log groups; refine -pattern or -stack-name")
	}
	log.Info("resolved log groups", slog.Int("count", len(groups)), slog.Any("groups", groups))

	registry := collector.NewStatic("livetrace", f.endpoint, map[string]string(f.headers))

	var signerOpts []sigv4.Option
	if f.region != "" {
		signerOpts = append(signerOpts, sigv4.WithRegion(f.region))
	}
	var signer forwarder.Signer
	if s, err := sigv4.New(ctx, signerOpts...); err == nil {
		signer = s
	} else {
		log.Warn("sigv4 signer unavailable; AWS-hosted endpoints will be dispatched unsigned", slog.String("error", err.Error()))
	}

	pipeline := &forwarder.Pipeline{
		Registry: registry,
		Signer:   signer,
		Log:      log,
	}

	processor := &tailprocessor.Processor{
		Forward: func(ctx context.Context, lines [][]byte) error {
			result, err := pipeline.Process(ctx, lines)
			if !f.forwardOnly {
				log.Info("forwarded batch",
					slog.Int("decoded", result.Decoded),
					slog.Int("dispatched", result.Dispatched),
					slog.Int("dropped", result.Dropped),
					slog.Int("failed", result.Failed))
			}
			return err
		},
		Log: log,
	}

	hooks.OnPostRun(func(context.Context) error {
		log.Info("livetrace shutting down", slog.Int64("queue_dropped", processor.Dropped()))
		return nil
	})

	if f.pollInterval > 0 {
		source := &livetail.PollingSource{
			Client:    logsClient,
			LogGroups: groups,
			Interval:  f.pollInterval,
			Log:       log,
		}
		return cliRuntime{
			runSource: source.Run,
			processor: processor,
			blocking:  false,
			log:       log,
		}, nil
	}

	source := &livetail.LiveTailSource{
		Client:         logsClient,
		LogGroups:      groups,
		SessionTimeout: f.sessionTimeout,
		Log:            log,
	}
	return cliRuntime{
		runSource: source.Run,
		processor: processor,
		blocking:  true,
		log:       log,
	}, nil
}
