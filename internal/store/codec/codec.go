// Package codec abstracts the byte-mode vs JSON-mode semantics a stream's
// Content-Type selects (spec §3, §5): how a request body is split into one
// or more stored messages, and how stored messages are rendered back as a
// response body.
package codec

import (
	"bytes"
	"encoding/json"

	"github.com/cloudpipe/durable-streams/internal/protocol"
)

// Message is one stored unit within a stream, tagged with the stream offset
// immediately after it (the offset a reader resumes from).
type Message struct {
	Data   []byte
	Offset protocol.Offset
}

// Codec turns a request body into zero or more Messages and turns a slice of
// Messages back into a response body. Byte-mode and JSON-mode streams pick a
// Codec once, at creation time, from the stream's Content-Type, and use it
// for the stream's lifetime.
type Codec interface {
	// Split decodes body into the messages it represents. allowEmpty permits
	// a JSON array with zero elements — true on create (spec §3: "an empty
	// array creates the stream with no initial messages"), false on append
	// (spec §5: "an empty top-level array is rejected").
	Split(body []byte, allowEmpty bool) ([][]byte, error)

	// Render concatenates messages into a single response body as this
	// codec's wire format expects (spec §4.4, §4.5).
	Render(messages []Message) []byte
}

// ForContentType selects the Codec a stream's Content-Type implies.
func ForContentType(contentType string) Codec {
	if protocol.IsJSONContentType(contentType) {
		return JSONCodec{}
	}
	return ByteCodec{}
}

// ByteCodec treats the body as a single opaque message (spec §3: default
// behavior for any non-JSON Content-Type).
type ByteCodec struct{}

func (ByteCodec) Split(body []byte, allowEmpty bool) ([][]byte, error) {
	if len(body) == 0 && !allowEmpty {
		return nil, protocol.ErrEmptyBody
	}
	return [][]byte{body}, nil
}

func (ByteCodec) Render(messages []Message) []byte {
	var buf bytes.Buffer
	for _, m := range messages {
		buf.Write(m.Data)
	}
	return buf.Bytes()
}

// JSONCodec implements application/json stream semantics: a top-level JSON
// array is flattened into one message per element; any other JSON value is
// stored as a single message (spec §3).
type JSONCodec struct{}

func (JSONCodec) Split(body []byte, allowEmpty bool) ([][]byte, error) {
	if !json.Valid(body) {
		return nil, protocol.ErrInvalidJSON
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(trimmed, &arr); err != nil {
			return nil, protocol.Wrap(protocol.KindBadRequest, "invalid JSON array", err)
		}
		if len(arr) == 0 {
			if !allowEmpty {
				return nil, protocol.ErrEmptyJSONArray
			}
			return [][]byte{}, nil
		}
		result := make([][]byte, len(arr))
		for i, elem := range arr {
			result[i] = []byte(elem)
		}
		return result, nil
	}

	return [][]byte{trimmed}, nil
}

func (JSONCodec) Render(messages []Message) []byte {
	if len(messages) == 0 {
		return []byte("[]")
	}

	total := 2
	for i, m := range messages {
		if i > 0 {
			total++
		}
		total += len(m.Data)
	}

	out := make([]byte, 0, total)
	out = append(out, '[')
	for i, m := range messages {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, m.Data...)
	}
	out = append(out, ']')
	return out
}
