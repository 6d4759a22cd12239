// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package envelope implements the bidirectional codec for the
// stdout/pipe log-record envelope: the sole wire format between the
// in-function span exporter and the forwarder pipeline.
package envelope

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Sentinel is the envelope field that identifies a log line as one of
// ours. Any line whose JSON does not carry this key is not our record.
const Sentinel = "__otel_otlp_stdout"

// ExporterVersionTag identifies the implementation and protocol version
// that produced the envelope, written verbatim into the Sentinel field.
const ExporterVersionTag = "otlp-stdout-forwarder@go/0.1.0"

// ContentType values used in the envelope.
const (
	ContentTypeProtobuf = "application/x-protobuf"
	ContentTypeJSON     = "application/json"
)

// ContentEncodingGzip is the only supported content-encoding value.
const ContentEncodingGzip = "gzip"

// Envelope is the JSON wire format described in spec.md §3. Payload is
// `json.RawMessage` because the field is typed `<string | object>`: a
// base64 string for compressed or non-JSON payloads, or a literal JSON
// object for uncompressed JSON payloads (see Encode).
type Envelope struct {
	Sentinel        string            `json:"__otel_otlp_stdout"`
	Source          string            `json:"source"`
	Endpoint        string            `json:"endpoint"`
	Method          string            `json:"method"`
	Payload         json.RawMessage   `json:"payload"`
	Headers         map[string]string `json:"headers,omitempty"`
	ContentType     string            `json:"content-type"`
	ContentEncoding string            `json:"content-encoding,omitempty"`
	Base64          bool              `json:"base64"`
}

// Decoded is the forwarder-internal representation produced by Decode,
// mirroring spec.md §3's TelemetryData.
type Decoded struct {
	Source          string
	Endpoint        string
	Payload         []byte
	ContentType     string
	ContentEncoding string
	Headers         map[string]string
}

// ErrNotOurRecord is returned by Decode when the input does not carry
// the Sentinel field.
var ErrNotOurRecord = errors.New("envelope: not an otlp-stdout record")

// Encode produces the envelope for raw bytes b already serialized as
// contentType. If contentEncoding is ContentEncodingGzip, b is assumed
// already gzip-compressed; it is base64-encoded and Base64 is set true.
// Uncompressed protobuf payloads are also base64-encoded, since they are
// not valid JSON text. The one case embedded as a literal JSON object
// with Base64 false is uncompressed JSON, matching the original
// otlp-stdout-client's behavior (its tests.rs asserts
// `payload.is_object()` with no `base64` key for plain JSON output).
func Encode(source, endpoint string, b []byte, contentType, contentEncoding string, headers map[string]string) Envelope {
	if contentEncoding != ContentEncodingGzip && contentType == ContentTypeJSON {
		return Envelope{
			Sentinel:    ExporterVersionTag,
			Source:      source,
			Endpoint:    endpoint,
			Method:      "POST",
			Payload:     json.RawMessage(b),
			Headers:     headers,
			ContentType: contentType,
			Base64:      false,
		}
	}

	encoded, _ := json.Marshal(base64.StdEncoding.EncodeToString(b))
	return Envelope{
		Sentinel:        ExporterVersionTag,
		Source:          source,
		Endpoint:        endpoint,
		Method:          "POST",
		Payload:         json.RawMessage(encoded),
		Headers:         headers,
		ContentType:     contentType,
		ContentEncoding: contentEncoding,
		Base64:          true,
	}
}

// MarshalLine renders e as a single newline-terminated JSON line,
// suitable for writing directly to stdout or a named pipe.
func MarshalLine(e Envelope) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// Decode parses a single envelope line and reconstitutes the raw,
// decompressed payload bytes. Returns ErrNotOurRecord if line does not
// carry the Sentinel field at all (as opposed to carrying it with an
// unexpected value, which is still accepted: only presence is checked
// per spec.md §4.4).
func Decode(line []byte) (Decoded, error) {
	if !bytes.Contains(line, []byte(`"`+Sentinel+`"`)) {
		return Decoded{}, ErrNotOurRecord
	}

	var e Envelope
	if err := json.Unmarshal(line, &e); err != nil {
		return Decoded{}, err
	}
	if e.Sentinel == "" {
		return Decoded{}, ErrNotOurRecord
	}

	var raw []byte
	if e.Base64 {
		var encoded string
		if err := json.Unmarshal(e.Payload, &encoded); err != nil {
			return Decoded{}, err
		}
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return Decoded{}, err
		}
		raw = decoded
	} else {
		// Uncompressed JSON payload embedded as a literal object.
		raw = []byte(e.Payload)
	}

	if e.ContentEncoding == ContentEncodingGzip {
		gz, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return Decoded{}, err
		}
		defer gz.Close()
		decompressed, err := io.ReadAll(gz)
		if err != nil {
			return Decoded{}, err
		}
		raw = decompressed
	}

	return Decoded{
		Source:          e.Source,
		Endpoint:        e.Endpoint,
		Payload:         raw,
		ContentType:     e.ContentType,
		ContentEncoding: e.ContentEncoding,
		Headers:         e.Headers,
	}, nil
}

// HasSentinelPrefix reports whether raw looks like the start of an
// envelope JSON object, used by ForwarderPipeline's filter stage
// (spec.md §4.8 step 1) to cheaply discard non-envelope log lines
// before attempting a full JSON decode.
func HasSentinelPrefix(raw []byte) bool {
	trimmed := bytes.TrimLeft(raw, " \t")
	return bytes.HasPrefix(trimmed, []byte(`{"`+Sentinel+`":`))
}
