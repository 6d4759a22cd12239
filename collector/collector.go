// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package collector implements the CollectorRegistry: the set of
// collectors a decoded record is dispatched to, loaded once per process
// from a secrets-store entry and matched by longest endpoint prefix.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/smithy-go"
)

// AuthKind tags the dynamic-dispatch authentication strategy for a
// Collector, per spec.md §9's "tagged variants" design note.
type AuthKind int

const (
	// AuthSigV4 signs the request with AWS Signature v4 (the default).
	AuthSigV4 AuthKind = iota
	// AuthNone sends the request unsigned.
	AuthNone
	// AuthStatic attaches a single static header.
	AuthStatic
)

// Auth is the tagged union Collector.Auth described in spec.md §3.
type Auth struct {
	Kind   AuthKind
	Header string // only set when Kind == AuthStatic
	Value  string // only set when Kind == AuthStatic
}

// ParseAuth interprets the collector record's "auth" field: absent
// (nil s) or "sigv4"/"iam" means AuthSigV4; "none" means AuthNone; any
// other "<Header>=<value>" string means AuthStatic.
func ParseAuth(s *string) (Auth, error) {
	if s == nil {
		return Auth{Kind: AuthSigV4}, nil
	}
	switch strings.ToLower(*s) {
	case "sigv4", "iam":
		return Auth{Kind: AuthSigV4}, nil
	case "none":
		return Auth{Kind: AuthNone}, nil
	}
	parts := strings.SplitN(*s, "=", 2)
	if len(parts) != 2 || parts[0] == "" {
		return Auth{}, fmt.Errorf("collector: invalid auth literal %q", *s)
	}
	return Auth{Kind: AuthStatic, Header: parts[0], Value: parts[1]}, nil
}

// Collector is the collector record described in spec.md §3.
type Collector struct {
	Name     string
	Endpoint string
	Signal   string // optional signal subpath, e.g. "/v1/traces"
	Auth     Auth
	Exclude  []string

	// Target, when set, overrides Endpoint+Signal as the literal dispatch
	// URL. Used by NewStatic for a CLI-supplied collector whose matching
	// endpoint ("*") and its actual POST target are different strings.
	Target string

	// Headers are static headers sent on every dispatch to this
	// collector, independent of Auth. Used by NewStatic for the
	// livetrace CLI's repeatable "-H" flag (spec.md §6).
	Headers map[string]string
}

// ResolvedEndpoint returns Target if set, else Endpoint with Signal
// appended when the collector record specifies a signal subpath, per
// spec.md §4.5.
func (c Collector) ResolvedEndpoint() string {
	if c.Target != "" {
		return c.Target
	}
	if c.Signal == "" {
		return c.Endpoint
	}
	return strings.TrimRight(c.Endpoint, "/") + "/" + strings.TrimLeft(c.Signal, "/")
}

// NewStatic builds a Registry with a single wildcard collector whose
// dispatch target is target and whose static headers are headers, for
// the livetrace CLI's "-e"/"-H" forwarding mode (spec.md §6), where
// collectors aren't loaded from a secrets-store entry at all. Auth
// defaults to SigV4 so AWS-hosted targets (e.g. an X-Ray OTLP endpoint)
// are still signed, consistent with spec.md §4.7's signing predicate.
func NewStatic(name, target string, headers map[string]string) *Registry {
	return &Registry{collectors: []Collector{{
		Name:     name,
		Endpoint: "*",
		Target:   target,
		Auth:     Auth{Kind: AuthSigV4},
		Headers:  headers,
	}}}
}

type collectorJSON struct {
	Name     string   `json:"name"`
	Endpoint string   `json:"endpoint"`
	Signal   string   `json:"signal,omitempty"`
	Auth     *string  `json:"auth,omitempty"`
	Exclude  []string `json:"exclude,omitempty"`
}

type registryJSON struct {
	Collectors []collectorJSON `json:"collectors"`
}

// ErrConfigMalformed is a ConfigError per spec.md §7: the secrets-store
// entry exists but cannot be parsed as the expected JSON shape.
var ErrConfigMalformed = errors.New("collector: malformed registry entry")

// Registry is the process-wide set of configured collectors. Safe for
// concurrent use: the collector list never changes after construction,
// and mu guards the dropped counter.
type Registry struct {
	mu         sync.Mutex // guards dropped
	collectors []Collector
	dropped    int
}

// secretsClient is the subset of *secretsmanager.Client Load needs,
// narrowed for testability.
type secretsClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Load reads the registry once from the secrets-store entry identified
// by secretARN. A missing entry yields an empty registry (the pipeline
// becomes a no-op dispatcher, logged at warn); a malformed entry is a
// fatal ConfigError, per spec.md §4.5.
func Load(ctx context.Context, client secretsClient, secretARN string, log *slog.Logger) (*Registry, error) {
	if secretARN == "" {
		log.WarnContext(ctx, "no collectors secret configured; registry is empty")
		return &Registry{}, nil
	}

	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretARN),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "ResourceNotFoundException" {
			log.WarnContext(ctx, "collectors secret not found; registry is empty", slog.String("secret_arn", secretARN))
			return &Registry{}, nil
		}
		return nil, fmt.Errorf("collector: read secret: %w", err)
	}
	if out.SecretString == nil {
		log.WarnContext(ctx, "collectors secret empty; registry is empty", slog.String("secret_arn", secretARN))
		return &Registry{}, nil
	}

	var parsed registryJSON
	if err := json.Unmarshal([]byte(*out.SecretString), &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigMalformed, err)
	}

	collectors := make([]Collector, 0, len(parsed.Collectors))
	for _, c := range parsed.Collectors {
		auth, err := ParseAuth(c.Auth)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfigMalformed, err)
		}
		collectors = append(collectors, Collector{
			Name:     c.Name,
			Endpoint: c.Endpoint,
			Signal:   c.Signal,
			Auth:     auth,
			Exclude:  c.Exclude,
		})
	}

	// Longest endpoint first so Match's linear scan returns the
	// longest-prefix collector, correcting
	// original_source/forwarder/src/collectors.rs's first-match behavior.
	sort.SliceStable(collectors, func(i, j int) bool {
		return len(collectors[i].Endpoint) > len(collectors[j].Endpoint)
	})

	return &Registry{collectors: collectors}, nil
}

// Match returns every collector whose endpoint is a prefix of endpoint,
// longest prefix first, per spec.md §4.5. A collector whose Endpoint is
// exactly "*" matches everything and is returned last regardless of
// string length.
func (r *Registry) Match(endpoint string) []Collector {
	var wildcard []Collector
	var matched []Collector
	for _, c := range r.collectors {
		if c.Endpoint == "*" {
			wildcard = append(wildcard, c)
			continue
		}
		if strings.HasPrefix(endpoint, c.Endpoint) {
			matched = append(matched, c)
		}
	}
	if len(matched) == 0 {
		return wildcard
	}
	return append(matched, wildcard...)
}

// Len reports the number of loaded collectors.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.collectors)
}

// IncrementDropped records that a record matched no collector.
func (r *Registry) IncrementDropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped++
	return r.dropped
}

// Dropped reports the monotonically non-decreasing count of records
// dropped for lacking a matching collector, per spec.md §8.
func (r *Registry) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
