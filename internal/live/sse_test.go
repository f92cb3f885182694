package live

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/cloudpipe/durable-streams/internal/cursor"
	"github.com/cloudpipe/durable-streams/internal/protocol"
	"github.com/cloudpipe/durable-streams/internal/store"
)

func TestSSESendsInitialControlFrameThenData(t *testing.T) {
	st := store.NewMemoryStore()
	if _, _, err := st.Create("/s1", store.CreateOptions{ContentType: "text/plain"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	policy := cursor.NewPolicy(0, 0)
	src := NewSSE(st, policy, "/s1", protocol.ZeroOffset, "", time.Second)
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	frame, ok, err := src.Next(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected an initial control frame")
	}
	if frame.Event != "control" {
		t.Fatalf("expected a control frame first, got %q", frame.Event)
	}
	if !strings.Contains(string(frame.Data), "streamCursor") {
		t.Fatalf("expected control frame to carry a streamCursor, got %q", frame.Data)
	}

	if _, err := st.Append("/s1", []byte("hello"), store.AppendOptions{}); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	frame, ok, err = src.Next(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected a data frame after append")
	}
	if frame.Event != "data" {
		t.Fatalf("expected a data frame, got %q", frame.Event)
	}
	if !strings.Contains(string(frame.Data), "hello") {
		t.Fatalf("expected frame to carry the appended payload, got %q", frame.Data)
	}
	if !strings.Contains(string(frame.Data), `"streamNextOffset":"`+protocol.NewOffset(5).String()+`"`) {
		t.Fatalf("expected the control portion to report the post-append offset, got %q", frame.Data)
	}
	if !strings.Contains(string(frame.Data), `"upToDate":true`) {
		t.Fatalf("expected upToDate to be true once the chunk reaches the tail, got %q", frame.Data)
	}
}

func TestSSEEndsWhenReconnectIntervalElapses(t *testing.T) {
	st := store.NewMemoryStore()
	if _, _, err := st.Create("/s1", store.CreateOptions{ContentType: "text/plain"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	policy := cursor.NewPolicy(0, 0)
	src := NewSSE(st, policy, "/s1", protocol.ZeroOffset, "", 10*time.Millisecond)
	defer src.Close()

	ctx := context.Background()

	// Drain the initial control frame.
	if _, ok, err := src.Next(ctx); err != nil || !ok {
		t.Fatalf("expected an initial frame, got ok=%v err=%v", ok, err)
	}

	_, ok, err := src.Next(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected the source to signal done once the reconnect window passes")
	}
}

func TestSSEEndsWhenContextCanceled(t *testing.T) {
	st := store.NewMemoryStore()
	if _, _, err := st.Create("/s1", store.CreateOptions{ContentType: "text/plain"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	policy := cursor.NewPolicy(0, 0)
	src := NewSSE(st, policy, "/s1", protocol.ZeroOffset, "", time.Minute)
	defer src.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok, err := src.Next(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected the source to signal done on a canceled context")
	}
}
