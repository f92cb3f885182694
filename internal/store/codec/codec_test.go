package codec

import (
	"testing"

	"github.com/cloudpipe/durable-streams/internal/protocol"
)

func TestByteCodecSplit(t *testing.T) {
	c := ByteCodec{}

	msgs, err := c.Split([]byte("hello"), false)
	if err != nil || len(msgs) != 1 || string(msgs[0]) != "hello" {
		t.Fatalf("unexpected result: %v %v", msgs, err)
	}

	if _, err := c.Split(nil, false); err != protocol.ErrEmptyBody {
		t.Fatalf("expected ErrEmptyBody, got %v", err)
	}

	msgs, err = c.Split(nil, true)
	if err != nil || len(msgs) != 1 || len(msgs[0]) != 0 {
		t.Fatalf("expected single empty message when allowEmpty, got %v %v", msgs, err)
	}
}

func TestByteCodecRender(t *testing.T) {
	c := ByteCodec{}
	out := c.Render([]Message{{Data: []byte("a")}, {Data: []byte("b")}})
	if string(out) != "ab" {
		t.Fatalf("expected concatenation, got %q", out)
	}
}

func TestJSONCodecSplitSingleValue(t *testing.T) {
	c := JSONCodec{}
	msgs, err := c.Split([]byte(`{"a":1}`), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 1 || string(msgs[0]) != `{"a":1}` {
		t.Fatalf("expected single message, got %v", msgs)
	}
}

func TestJSONCodecSplitArrayFlattens(t *testing.T) {
	c := JSONCodec{}
	msgs, err := c.Split([]byte(`[1,2,3]`), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 3 || string(msgs[0]) != "1" || string(msgs[2]) != "3" {
		t.Fatalf("expected 3 flattened messages, got %v", msgs)
	}
}

func TestJSONCodecEmptyArray(t *testing.T) {
	c := JSONCodec{}

	msgs, err := c.Split([]byte(`[]`), true)
	if err != nil || len(msgs) != 0 {
		t.Fatalf("expected empty slice with no error on create, got %v %v", msgs, err)
	}

	if _, err := c.Split([]byte(`[]`), false); err != protocol.ErrEmptyJSONArray {
		t.Fatalf("expected ErrEmptyJSONArray on append, got %v", err)
	}
}

func TestJSONCodecInvalidJSON(t *testing.T) {
	c := JSONCodec{}
	if _, err := c.Split([]byte(`not json`), false); err != protocol.ErrInvalidJSON {
		t.Fatalf("expected ErrInvalidJSON, got %v", err)
	}
}

func TestJSONCodecRender(t *testing.T) {
	c := JSONCodec{}
	if got := c.Render(nil); string(got) != "[]" {
		t.Fatalf("expected [] for no messages, got %q", got)
	}
	out := c.Render([]Message{{Data: []byte("1")}, {Data: []byte(`"two"`)}})
	if string(out) != `[1,"two"]` {
		t.Fatalf("expected joined array, got %q", out)
	}
}

func TestForContentType(t *testing.T) {
	if _, ok := ForContentType("application/json").(JSONCodec); !ok {
		t.Fatal("expected JSONCodec for application/json")
	}
	if _, ok := ForContentType("application/json; charset=utf-8").(JSONCodec); !ok {
		t.Fatal("expected JSONCodec regardless of parameters")
	}
	if _, ok := ForContentType("text/plain").(ByteCodec); !ok {
		t.Fatal("expected ByteCodec for text/plain")
	}
	if _, ok := ForContentType("").(ByteCodec); !ok {
		t.Fatal("expected ByteCodec for default empty content type")
	}
}
