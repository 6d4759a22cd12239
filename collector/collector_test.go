package collector

import (
	"context"
	"errors"
	"log/slog"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubSecretsClient struct {
	out *secretsmanager.GetSecretValueOutput
	err error
}

func (s stubSecretsClient) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	return s.out, s.err
}

func TestLoadEmptyWhenNoSecretARN(t *testing.T) {
	r, err := Load(context.Background(), stubSecretsClient{}, "", discardLogger())
	require.NoError(t, err)
	assert.Equal(t, 0, r.Len())
}

func TestLoadMissingSecretYieldsEmptyRegistry(t *testing.T) {
	client := stubSecretsClient{err: &smithy.GenericAPIError{Code: "ResourceNotFoundException"}}
	r, err := Load(context.Background(), client, "arn:aws:secretsmanager:x", discardLogger())
	require.NoError(t, err)
	assert.Equal(t, 0, r.Len())
}

func TestLoadMalformedIsConfigError(t *testing.T) {
	client := stubSecretsClient{out: &secretsmanager.GetSecretValueOutput{
		SecretString: aws.String(`not json`),
	}}
	_, err := Load(context.Background(), client, "arn:aws:secretsmanager:x", discardLogger())
	assert.True(t, errors.Is(err, ErrConfigMalformed))
}

func TestLoadAndLongestPrefixMatch(t *testing.T) {
	body := `{"collectors":[
		{"name":"generic","endpoint":"https://example.com"},
		{"name":"specific","endpoint":"https://example.com/v1","auth":"none"},
		{"name":"default","endpoint":"*","auth":"none"}
	]}`
	client := stubSecretsClient{out: &secretsmanager.GetSecretValueOutput{SecretString: aws.String(body)}}

	r, err := Load(context.Background(), client, "arn:aws:secretsmanager:x", discardLogger())
	require.NoError(t, err)
	require.Equal(t, 3, r.Len())

	matches := r.Match("https://example.com/v1/traces")
	require.Len(t, matches, 3)
	assert.Equal(t, "specific", matches[0].Name)
	assert.Equal(t, "generic", matches[1].Name)
	assert.Equal(t, "default", matches[2].Name)
}

func TestMatchFallsBackToWildcard(t *testing.T) {
	body := `{"collectors":[{"name":"default","endpoint":"*"}]}`
	client := stubSecretsClient{out: &secretsmanager.GetSecretValueOutput{SecretString: aws.String(body)}}
	r, err := Load(context.Background(), client, "arn:x", discardLogger())
	require.NoError(t, err)

	matches := r.Match("https://anything.example/v1/traces")
	require.Len(t, matches, 1)
	assert.Equal(t, "default", matches[0].Name)
}

func TestParseAuth(t *testing.T) {
	a, err := ParseAuth(nil)
	require.NoError(t, err)
	assert.Equal(t, AuthSigV4, a.Kind)

	none := "none"
	a, err = ParseAuth(&none)
	require.NoError(t, err)
	assert.Equal(t, AuthNone, a.Kind)

	static := "Authorization=Bearer abc"
	a, err = ParseAuth(&static)
	require.NoError(t, err)
	assert.Equal(t, AuthStatic, a.Kind)
	assert.Equal(t, "Authorization", a.Header)
	assert.Equal(t, "Bearer abc", a.Value)

	bad := "=novalue"
	_, err = ParseAuth(&bad)
	assert.Error(t, err)
}

func TestResolvedEndpointAppendsSignal(t *testing.T) {
	c := Collector{Endpoint: "https://example.com/", Signal: "/v1/traces"}
	assert.Equal(t, "https://example.com/v1/traces", c.ResolvedEndpoint())

	c2 := Collector{Endpoint: "https://example.com"}
	assert.Equal(t, "https://example.com", c2.ResolvedEndpoint())
}

func TestDroppedCounterMonotonic(t *testing.T) {
	r := &Registry{}
	assert.Equal(t, 1, r.IncrementDropped())
	assert.Equal(t, 2, r.IncrementDropped())
	assert.Equal(t, 2, r.Dropped())
}

func TestNewStaticMatchesEverythingAndTargetsLiterally(t *testing.T) {
	r := NewStatic("cli", "http://localhost:4318/v1/traces", map[string]string{"X-Api-Key": "secret"})
	require.Equal(t, 1, r.Len())

	matches := r.Match("https://anything.example/v1/traces")
	require.Len(t, matches, 1)
	c := matches[0]
	assert.Equal(t, "http://localhost:4318/v1/traces", c.ResolvedEndpoint())
	assert.Equal(t, "secret", c.Headers["X-Api-Key"])
	assert.Equal(t, AuthSigV4, c.Auth.Kind)
}
