package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/cloudpipe/durable-streams/internal/cursor"
	"github.com/cloudpipe/durable-streams/internal/protocol"
	"github.com/cloudpipe/durable-streams/internal/store"
)

func newTestDeps() Dependencies {
	return Dependencies{
		Store:                store.NewMemoryStore(),
		CursorPolicy:         cursor.NewPolicy(0, 0),
		LongPollTimeout:      200 * time.Millisecond,
		SSEReconnectInterval: time.Second,
	}
}

func TestDispatchCreateThenHead(t *testing.T) {
	deps := newTestDeps()

	req := Request{Method: "PUT", Path: "/s1", Header: Header{}}
	req.Header.Set(protocol.HeaderContentType, "text/plain")

	resp, src, err := Dispatch(context.Background(), deps, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if src != nil {
		t.Fatal("expected no FrameSource for PUT")
	}
	if resp.Status != StatusCreated {
		t.Fatalf("expected 201, got %d", resp.Status)
	}
	if resp.Header.Get(protocol.HeaderLocation) == "" {
		t.Fatal("expected a Location header on creation")
	}

	headReq := Request{Method: "HEAD", Path: "/s1", Header: Header{}}
	resp, _, err = Dispatch(context.Background(), deps, headReq)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Header.Get(protocol.HeaderContentType) != "text/plain" {
		t.Fatalf("unexpected content type: %q", resp.Header.Get(protocol.HeaderContentType))
	}
}

func TestDispatchAppendThenRead(t *testing.T) {
	deps := newTestDeps()
	createReq := Request{Method: "PUT", Path: "/s1", Header: Header{}}
	createReq.Header.Set(protocol.HeaderContentType, "text/plain")
	if _, _, err := Dispatch(context.Background(), deps, createReq); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	appendReq := Request{Method: "POST", Path: "/s1", Header: Header{}, Body: []byte("hello")}
	appendReq.Header.Set(protocol.HeaderContentType, "text/plain")
	resp, _, err := Dispatch(context.Background(), deps, appendReq)
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if resp.Header.Get(protocol.HeaderStreamNextOffset) == "" {
		t.Fatal("expected Stream-Next-Offset on append response")
	}

	readReq := Request{Method: "GET", Path: "/s1", Header: Header{}, Query: map[string][]string{
		protocol.QueryOffset: {protocol.ZeroOffset.String()},
	}}
	resp, src, err := Dispatch(context.Background(), deps, readReq)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if src != nil {
		t.Fatal("expected no FrameSource for a catch-up read")
	}
	if string(resp.Body) != "hello" {
		t.Fatalf("expected body %q, got %q", "hello", resp.Body)
	}
	if resp.Header.Get(protocol.HeaderStreamUpToDate) != protocol.StreamUpToDateTrue {
		t.Fatal("expected Stream-Up-To-Date after reading the whole tail")
	}
}

func TestDispatchReadLongPollTimesOutWith204(t *testing.T) {
	deps := newTestDeps()
	createReq := Request{Method: "PUT", Path: "/s1", Header: Header{}}
	createReq.Header.Set(protocol.HeaderContentType, "text/plain")
	if _, _, err := Dispatch(context.Background(), deps, createReq); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	readReq := Request{Method: "GET", Path: "/s1", Header: Header{}, Query: map[string][]string{
		protocol.QueryOffset: {protocol.ZeroOffset.String()},
		protocol.QueryLive:   {protocol.LiveLongPoll},
	}}
	start := time.Now()
	resp, src, err := Dispatch(context.Background(), deps, readReq)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if src != nil {
		t.Fatal("expected no FrameSource for long-poll")
	}
	if resp.Status != StatusNoContent {
		t.Fatalf("expected 204 on long-poll timeout, got %d", resp.Status)
	}
	if time.Since(start) < deps.LongPollTimeout/2 {
		t.Fatal("expected the handler to actually wait before timing out")
	}
}

func TestDispatchReadLongPollWakesOnAppend(t *testing.T) {
	deps := newTestDeps()
	createReq := Request{Method: "PUT", Path: "/s1", Header: Header{}}
	createReq.Header.Set(protocol.HeaderContentType, "text/plain")
	if _, _, err := Dispatch(context.Background(), deps, createReq); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	done := make(chan *Response, 1)
	go func() {
		readReq := Request{Method: "GET", Path: "/s1", Header: Header{}, Query: map[string][]string{
			protocol.QueryOffset: {protocol.ZeroOffset.String()},
			protocol.QueryLive:   {protocol.LiveLongPoll},
		}}
		resp, _, err := Dispatch(context.Background(), deps, readReq)
		if err != nil {
			t.Errorf("unexpected error: %v", err)
			return
		}
		done <- resp
	}()

	time.Sleep(20 * time.Millisecond)
	appendReq := Request{Method: "POST", Path: "/s1", Header: Header{}, Body: []byte("woke")}
	appendReq.Header.Set(protocol.HeaderContentType, "text/plain")
	if _, _, err := Dispatch(context.Background(), deps, appendReq); err != nil {
		t.Fatalf("append failed: %v", err)
	}

	select {
	case resp := <-done:
		if resp.Status != StatusOK {
			t.Fatalf("expected 200 after wake, got %d", resp.Status)
		}
		if string(resp.Body) != "woke" {
			t.Fatalf("expected body %q, got %q", "woke", resp.Body)
		}
	case <-time.After(time.Second):
		t.Fatal("long-poll never woke up after append")
	}
}

func TestDispatchReadSSERequiresOffset(t *testing.T) {
	deps := newTestDeps()
	createReq := Request{Method: "PUT", Path: "/s1", Header: Header{}}
	createReq.Header.Set(protocol.HeaderContentType, "text/plain")
	if _, _, err := Dispatch(context.Background(), deps, createReq); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	readReq := Request{Method: "GET", Path: "/s1", Header: Header{}, Query: map[string][]string{
		protocol.QueryLive: {protocol.LiveSSE},
	}}
	_, _, err := Dispatch(context.Background(), deps, readReq)
	if err == nil {
		t.Fatal("expected an error when SSE is requested without an offset")
	}
}

func TestDispatchReadSSEReturnsFrameSource(t *testing.T) {
	deps := newTestDeps()
	createReq := Request{Method: "PUT", Path: "/s1", Header: Header{}}
	createReq.Header.Set(protocol.HeaderContentType, "text/plain")
	if _, _, err := Dispatch(context.Background(), deps, createReq); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	readReq := Request{Method: "GET", Path: "/s1", Header: Header{}, Query: map[string][]string{
		protocol.QueryOffset: {protocol.ZeroOffset.String()},
		protocol.QueryLive:   {protocol.LiveSSE},
	}}
	resp, src, err := Dispatch(context.Background(), deps, readReq)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if src == nil {
		t.Fatal("expected a FrameSource for live=sse")
	}
	if resp.Header.Get(protocol.HeaderContentType) != "text/event-stream" {
		t.Fatalf("unexpected content type: %q", resp.Header.Get(protocol.HeaderContentType))
	}
	src.Close()
}

func TestDispatchUnknownMethodRejected(t *testing.T) {
	deps := newTestDeps()
	req := Request{Method: "PATCH", Path: "/s1", Header: Header{}}
	_, _, err := Dispatch(context.Background(), deps, req)
	if protocol.KindOf(err) != protocol.KindMethodNotAllowed {
		t.Fatalf("expected KindMethodNotAllowed, got %v", err)
	}
}

func TestDispatchDelete(t *testing.T) {
	deps := newTestDeps()
	createReq := Request{Method: "PUT", Path: "/s1", Header: Header{}}
	createReq.Header.Set(protocol.HeaderContentType, "text/plain")
	if _, _, err := Dispatch(context.Background(), deps, createReq); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	delReq := Request{Method: "DELETE", Path: "/s1", Header: Header{}}
	resp, _, err := Dispatch(context.Background(), deps, delReq)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Status != StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Status)
	}

	headReq := Request{Method: "HEAD", Path: "/s1", Header: Header{}}
	if _, _, err := Dispatch(context.Background(), deps, headReq); err != protocol.ErrStreamNotFound {
		t.Fatalf("expected ErrStreamNotFound after delete, got %v", err)
	}
}
