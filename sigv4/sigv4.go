// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package sigv4 signs outbound HTTP requests with AWS Signature v4 when
// the target collector is hosted on AWS, per spec.md §4.7.
package sigv4

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/smithy-go"
)

// Predicate decides whether a given outbound request should be signed.
type Predicate func(req *http.Request) bool

// DefaultPredicate signs any request whose host ends with
// ".amazonaws.com", per spec.md §4.7.
func DefaultPredicate(req *http.Request) bool {
	return strings.HasSuffix(req.URL.Hostname(), ".amazonaws.com")
}

// Signer signs HTTP requests, caching the ambient credentials it
// resolved at construction: spec.md §4.7 requires credentials be
// "refreshed only on process restart," which for a short-lived FaaS
// process means "resolved once, reused for the process lifetime."
type Signer struct {
	signer       *v4.Signer
	credentials  aws.Credentials
	credProvider aws.CredentialsProvider
	region       string
	service      string
	predicate    Predicate
}

// Option configures a Signer.
type Option func(*Signer)

// WithRegion overrides the signing region (default: ambient AWS_REGION).
func WithRegion(region string) Option {
	return func(s *Signer) { s.region = region }
}

// WithService overrides the signed service name (default: "xray", per
// spec.md §4.7).
func WithService(service string) Option {
	return func(s *Signer) { s.service = service }
}

// WithPredicate overrides DefaultPredicate.
func WithPredicate(p Predicate) Option {
	return func(s *Signer) { s.predicate = p }
}

// WithCredentialsProvider overrides ambient credential resolution,
// primarily for testing.
func WithCredentialsProvider(p aws.CredentialsProvider) Option {
	return func(s *Signer) { s.credProvider = p }
}

// New resolves ambient AWS credentials once and returns a ready Signer.
func New(ctx context.Context, opts ...Option) (*Signer, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("sigv4: load aws config: %w", err)
	}

	s := &Signer{
		signer:       v4.NewSigner(),
		region:       cfg.Region,
		service:      "xray",
		predicate:    DefaultPredicate,
		credProvider: cfg.Credentials,
	}
	for _, o := range opts {
		o(s)
	}
	if s.region == "" {
		s.region = "us-east-1"
	}

	creds, err := s.credProvider.Retrieve(ctx)
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("sigv4: retrieve credentials: %s: %w", apiErr.ErrorCode(), err)
		}
		return nil, fmt.Errorf("sigv4: retrieve credentials: %w", err)
	}
	s.credentials = creds

	return s, nil
}

// ShouldSign reports whether req passes the configured predicate.
func (s *Signer) ShouldSign(req *http.Request) bool {
	return s.predicate(req)
}

// Sign computes the canonical request, signing key and signature for
// req and inserts Authorization, X-Amz-Date and X-Amz-Content-Sha256
// headers, preserving any existing headers. body is the exact request
// body bytes (the request's GetBody is not consulted). Signing failure
// is a permanent error for this request only, per spec.md §4.7.
func (s *Signer) Sign(ctx context.Context, req *http.Request, body []byte) error {
	if !s.predicate(req) {
		return nil
	}

	hash := sha256.Sum256(body)
	payloadHash := hex.EncodeToString(hash[:])

	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))
	req.Header.Set("X-Amz-Content-Sha256", payloadHash)

	return s.signer.SignHTTP(ctx, s.credentials, req, payloadHash, s.service, s.region, time.Now())
}
