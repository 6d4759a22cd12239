package envelope

import (
	"bytes"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gzipBytes(t *testing.T, b []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	require.NoError(t, err)
	_, err = w.Write(b)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// TestRoundTrip mirrors original_source/packages/rust/otlp-stdout-client's
// four-case JSON/protobuf x plain/gzip matrix, and is the Go expression
// of spec.md §8's round-trip law: decode(encode(b, ct, ce)) == (b, ct, ce).
func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name            string
		contentType     string
		contentEncoding string
		wantBase64      bool
	}{
		{"json-plain", ContentTypeJSON, "", false},
		{"json-gzip", ContentTypeJSON, ContentEncodingGzip, true},
		{"protobuf-plain", ContentTypeProtobuf, "", true},
		{"protobuf-gzip", ContentTypeProtobuf, ContentEncodingGzip, true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			raw := []byte(`{"resourceSpans":[]}`)
			toEncode := raw
			if c.contentEncoding == ContentEncodingGzip {
				toEncode = gzipBytes(t, raw)
			}

			e := Encode("my-service", "http://localhost:4318/v1/traces", toEncode, c.contentType, c.contentEncoding, map[string]string{"x-custom": "1"})
			assert.Equal(t, ExporterVersionTag, e.Sentinel)
			assert.Equal(t, "POST", e.Method)
			assert.Equal(t, c.wantBase64, e.Base64)
			assert.Equal(t, c.contentType, e.ContentType)
			assert.Equal(t, c.contentEncoding, e.ContentEncoding)
			assert.NotEmpty(t, e.Payload)
			if !c.wantBase64 {
				assert.True(t, bytes.HasPrefix(bytes.TrimSpace(e.Payload), []byte("{")), "uncompressed JSON payload must be embedded as a literal object")
			}

			line, err := MarshalLine(e)
			require.NoError(t, err)
			assert.True(t, bytes.HasSuffix(line, []byte("\n")))
			assert.True(t, HasSentinelPrefix(line))

			decoded, err := Decode(line)
			require.NoError(t, err)
			assert.Equal(t, raw, decoded.Payload)
			assert.Equal(t, c.contentType, decoded.ContentType)
			assert.Equal(t, c.contentEncoding, decoded.ContentEncoding)
			assert.Equal(t, "my-service", decoded.Source)
			assert.Equal(t, "1", decoded.Headers["x-custom"])
		})
	}
}

func TestDecodeRejectsNonEnvelope(t *testing.T) {
	_, err := Decode([]byte(`{"message":"plain log line"}`))
	assert.ErrorIs(t, err, ErrNotOurRecord)
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{"__otel_otlp_stdout":`))
	assert.Error(t, err)
}

func TestHasSentinelPrefix(t *testing.T) {
	assert.True(t, HasSentinelPrefix([]byte(`{"__otel_otlp_stdout":"1","source":"a"}`)))
	assert.False(t, HasSentinelPrefix([]byte(`{"source":"a","__otel_otlp_stdout":"1"}`)))
	assert.False(t, HasSentinelPrefix([]byte(`plain text log line`)))
}
