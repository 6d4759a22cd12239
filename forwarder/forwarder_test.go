package forwarder

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/dev7a/otlp-stdout-forwarder/collector"
	"github.com/dev7a/otlp-stdout-forwarder/envelope"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleLine(t *testing.T, endpoint string) []byte {
	t.Helper()
	req := &coltracepb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{
			{
				Resource: &resourcepb.Resource{
					Attributes: []*commonpb.KeyValue{
						{Key: "service.name", Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: "svc"}}},
					},
				},
				ScopeSpans: []*tracepb.ScopeSpans{
					{
						Scope: &commonpb.InstrumentationScope{Name: "lib"},
						Spans: []*tracepb.Span{{Name: "op"}},
					},
				},
			},
		},
	}
	b, err := proto.Marshal(req)
	require.NoError(t, err)

	e := envelope.Encode("test", endpoint, b, envelope.ContentTypeProtobuf, "", nil)
	line, err := envelope.MarshalLine(e)
	require.NoError(t, err)
	return line
}

func registryWith(t *testing.T, endpoint string) *collector.Registry {
	t.Helper()
	body := `{"collectors":[{"name":"c1","endpoint":"` + endpoint + `","auth":"none"}]}`
	r, err := collector.Load(context.Background(), stubSecrets{body: body}, "arn:x", discardLogger())
	require.NoError(t, err)
	return r
}

type stubSecrets struct{ body string }

func (s stubSecrets) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(s.body)}, nil
}

func TestProcessDispatchesSuccessfully(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	registry := registryWith(t, srv.URL)
	p := &Pipeline{Registry: registry, Log: discardLogger()}

	line := sampleLine(t, srv.URL)
	res, err := p.Process(context.Background(), [][]byte{line})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Decoded)
	assert.Equal(t, 1, res.Dispatched)
	assert.Equal(t, 0, res.Failed)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestProcessSkipsNonEnvelopeLines(t *testing.T) {
	registry := registryWith(t, "https://example.com")
	p := &Pipeline{Registry: registry, Log: discardLogger()}

	res, err := p.Process(context.Background(), [][]byte{[]byte("plain log line, not an envelope")})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Decoded)
}

func TestProcessDropsWhenNoCollectorMatches(t *testing.T) {
	registry := &collector.Registry{}
	p := &Pipeline{Registry: registry, Log: discardLogger()}

	line := sampleLine(t, "https://unmatched.example.com")
	res, err := p.Process(context.Background(), [][]byte{line})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Decoded)
	assert.Equal(t, 1, res.Dropped)
	assert.Equal(t, 1, registry.Dropped())
}

func TestProcessSendsCollectorStaticHeaders(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Api-Key")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	registry := collector.NewStatic("cli", srv.URL, map[string]string{"X-Api-Key": "secret"})
	p := &Pipeline{Registry: registry, Log: discardLogger()}

	line := sampleLine(t, "https://anything.example/v1/traces")
	res, err := p.Process(context.Background(), [][]byte{line})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dispatched)
	assert.Equal(t, "secret", gotHeader)
}

func TestProcessFailsBatchWhenEveryCollectorFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	registry := registryWith(t, srv.URL)
	p := &Pipeline{Registry: registry, Log: discardLogger()}

	line := sampleLine(t, srv.URL)
	res, err := p.Process(context.Background(), [][]byte{line})
	require.Error(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 0, res.Dispatched)
}
