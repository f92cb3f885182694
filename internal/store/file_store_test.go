package store

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/cloudpipe/durable-streams/internal/protocol"
)

func newTestFileStore(t *testing.T) (*FileStore, func()) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "filestore-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}

	metaStore, err := NewBboltMetadataStore(tmpDir)
	if err != nil {
		t.Fatalf("failed to create metadata store: %v", err)
	}

	fileStore, err := NewFileStore(FileStoreConfig{DataDir: tmpDir, MetadataStore: metaStore})
	if err != nil {
		t.Fatalf("failed to create file store: %v", err)
	}

	return fileStore, func() {
		fileStore.Close()
		os.RemoveAll(tmpDir)
	}
}

func TestFileStore_CreateAndGet(t *testing.T) {
	store, cleanup := newTestFileStore(t)
	defer cleanup()

	meta, created, err := store.Create("/test/stream", CreateOptions{ContentType: "application/json"})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if !created {
		t.Error("expected created=true for new stream")
	}
	if meta.Path != "/test/stream" {
		t.Errorf("path mismatch: %q", meta.Path)
	}
	if meta.ContentType != "application/json" {
		t.Errorf("content type mismatch: %q", meta.ContentType)
	}
	if meta.StreamId == "" {
		t.Error("expected a minted stream id")
	}

	gotMeta, err := store.Get("/test/stream")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if gotMeta.Path != meta.Path {
		t.Errorf("path mismatch on get")
	}

	if !store.Has("/test/stream") {
		t.Error("Has returned false for existing stream")
	}

	if _, err := store.Get("/nonexistent"); err != protocol.ErrStreamNotFound {
		t.Errorf("expected ErrStreamNotFound, got %v", err)
	}
}

func TestFileStore_CreateIdempotent(t *testing.T) {
	store, cleanup := newTestFileStore(t)
	defer cleanup()

	opts := CreateOptions{ContentType: "text/plain"}

	_, created1, err := store.Create("/test", opts)
	if err != nil {
		t.Fatalf("first Create failed: %v", err)
	}
	if !created1 {
		t.Error("first create should return created=true")
	}

	_, created2, err := store.Create("/test", opts)
	if err != nil {
		t.Fatalf("second Create failed: %v", err)
	}
	if created2 {
		t.Error("idempotent create should return created=false")
	}

	opts.ContentType = "application/json"
	if _, _, err := store.Create("/test", opts); err != protocol.ErrConfigMismatch {
		t.Errorf("expected ErrConfigMismatch, got %v", err)
	}
}

func TestFileStore_AppendAndRead(t *testing.T) {
	store, cleanup := newTestFileStore(t)
	defer cleanup()

	if _, _, err := store.Create("/test", CreateOptions{ContentType: "text/plain"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	data := []byte("hello world")
	result, err := store.Append("/test", data, AppendOptions{})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if result.Offset.Equal(protocol.ZeroOffset) {
		t.Error("offset should be non-zero after append")
	}

	messages, upToDate, err := store.Read("/test", protocol.ZeroOffset)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(messages) != 1 {
		t.Errorf("expected 1 message, got %d", len(messages))
	}
	if !bytes.Equal(messages[0].Data, data) {
		t.Error("data mismatch")
	}
	if !upToDate {
		t.Error("should be up to date")
	}

	messages, upToDate, err = store.Read("/test", result.Offset)
	if err != nil {
		t.Fatalf("Read from tail failed: %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("expected 0 messages at tail, got %d", len(messages))
	}
	if !upToDate {
		t.Error("should be up to date at tail")
	}
}

func TestFileStore_AppendJSON(t *testing.T) {
	store, cleanup := newTestFileStore(t)
	defer cleanup()

	if _, _, err := store.Create("/json", CreateOptions{ContentType: "application/json"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := store.Append("/json", []byte(`[{"id":1},{"id":2}]`), AppendOptions{}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	messages, _, err := store.Read("/json", protocol.ZeroOffset)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(messages) != 2 {
		t.Errorf("expected 2 messages (flattened array), got %d", len(messages))
	}

	resp, err := store.FormatResponse("/json", messages)
	if err != nil {
		t.Fatalf("FormatResponse failed: %v", err)
	}
	if string(resp) != `[{"id":1},{"id":2}]` {
		t.Errorf("formatted response mismatch: %s", resp)
	}
}

func TestFileStore_Delete(t *testing.T) {
	store, cleanup := newTestFileStore(t)
	defer cleanup()

	if _, _, err := store.Create("/test", CreateOptions{ContentType: "text/plain"}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := store.Delete("/test"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if store.Has("/test") {
		t.Error("stream still exists after delete")
	}

	if err := store.Delete("/nonexistent"); err != protocol.ErrStreamNotFound {
		t.Errorf("expected ErrStreamNotFound, got %v", err)
	}
}

func TestFileStore_SequenceConflict(t *testing.T) {
	store, cleanup := newTestFileStore(t)
	defer cleanup()

	store.Create("/test", CreateOptions{ContentType: "text/plain"})

	if _, err := store.Append("/test", []byte("a"), AppendOptions{Seq: "seq1"}); err != nil {
		t.Fatalf("first append failed: %v", err)
	}

	if _, err := store.Append("/test", []byte("b"), AppendOptions{Seq: "seq1"}); err != protocol.ErrSequenceConflict {
		t.Errorf("expected ErrSequenceConflict, got %v", err)
	}

	if _, err := store.Append("/test", []byte("c"), AppendOptions{Seq: "seq2"}); err != nil {
		t.Fatalf("third append failed: %v", err)
	}
}

func TestFileStore_ContentTypeMismatch(t *testing.T) {
	store, cleanup := newTestFileStore(t)
	defer cleanup()

	store.Create("/test", CreateOptions{ContentType: "text/plain"})

	_, err := store.Append("/test", []byte("data"), AppendOptions{ContentType: "application/json"})
	if err != protocol.ErrContentTypeMismatch {
		t.Errorf("expected ErrContentTypeMismatch, got %v", err)
	}
}

func TestFileStore_Persistence(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "filestore-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	{
		metaStore, err := NewBboltMetadataStore(tmpDir)
		if err != nil {
			t.Fatalf("failed to create metadata store: %v", err)
		}
		store, err := NewFileStore(FileStoreConfig{DataDir: tmpDir, MetadataStore: metaStore})
		if err != nil {
			t.Fatalf("failed to create store: %v", err)
		}

		store.Create("/test", CreateOptions{ContentType: "text/plain"})
		store.Append("/test", []byte("hello"), AppendOptions{})
		store.Close()
	}

	{
		metaStore, err := NewBboltMetadataStore(tmpDir)
		if err != nil {
			t.Fatalf("failed to reopen metadata store: %v", err)
		}
		store, err := NewFileStore(FileStoreConfig{DataDir: tmpDir, MetadataStore: metaStore})
		if err != nil {
			t.Fatalf("failed to reopen store: %v", err)
		}
		defer store.Close()

		if !store.Has("/test") {
			t.Error("stream should exist after reopen")
		}

		messages, _, err := store.Read("/test", protocol.ZeroOffset)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if len(messages) != 1 {
			t.Errorf("expected 1 message, got %d", len(messages))
		}
		if !bytes.Equal(messages[0].Data, []byte("hello")) {
			t.Error("data mismatch after reopen")
		}
	}
}

func TestFileStore_LongPoll(t *testing.T) {
	store, cleanup := newTestFileStore(t)
	defer cleanup()

	store.Create("/test", CreateOptions{ContentType: "text/plain"})

	done := make(chan struct{})
	var messages []Message
	var timedOut bool
	go func() {
		messages, timedOut, _, _ = store.WaitForMessages(context.Background(), "/test", protocol.ZeroOffset, 5*time.Second)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	store.Append("/test", []byte("wakeup"), AppendOptions{})

	select {
	case <-done:
		if timedOut {
			t.Error("long-poll should not have timed out")
		}
		if len(messages) != 1 {
			t.Errorf("expected 1 message, got %d", len(messages))
		}
	case <-time.After(2 * time.Second):
		t.Error("long-poll did not complete in time")
	}
}

func TestFileStore_LongPollTimeout(t *testing.T) {
	store, cleanup := newTestFileStore(t)
	defer cleanup()

	store.Create("/test", CreateOptions{ContentType: "text/plain"})
	store.Append("/test", []byte("initial"), AppendOptions{})
	offset, _ := store.GetCurrentOffset("/test")

	messages, timedOut, streamClosed, err := store.WaitForMessages(context.Background(), "/test", offset, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitForMessages failed: %v", err)
	}
	if !timedOut {
		t.Error("expected timeout")
	}
	if streamClosed {
		t.Error("stream should not report closed")
	}
	if len(messages) != 0 {
		t.Errorf("expected 0 messages on timeout, got %d", len(messages))
	}
}

func TestFileStore_LongPollWakesOnClose(t *testing.T) {
	store, cleanup := newTestFileStore(t)
	defer cleanup()

	store.Create("/test", CreateOptions{ContentType: "text/plain"})
	offset, _ := store.GetCurrentOffset("/test")

	done := make(chan struct{})
	var streamClosed bool
	go func() {
		_, _, streamClosed, _ = store.WaitForMessages(context.Background(), "/test", offset, 5*time.Second)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	if _, err := store.CloseStream("/test"); err != nil {
		t.Fatalf("CloseStream failed: %v", err)
	}

	select {
	case <-done:
		if !streamClosed {
			t.Error("expected streamClosed=true after CloseStream wakes the waiter")
		}
	case <-time.After(2 * time.Second):
		t.Error("long-poll did not wake on close")
	}
}

func TestFileStore_InitialData(t *testing.T) {
	store, cleanup := newTestFileStore(t)
	defer cleanup()

	meta, _, err := store.Create("/test", CreateOptions{
		ContentType: "text/plain",
		InitialData: []byte("initial content"),
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if meta.CurrentOffset.Equal(protocol.ZeroOffset) {
		t.Error("offset should be non-zero with initial data")
	}

	messages, _, err := store.Read("/test", protocol.ZeroOffset)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(messages) != 1 {
		t.Errorf("expected 1 message, got %d", len(messages))
	}
	if !bytes.Equal(messages[0].Data, []byte("initial content")) {
		t.Error("initial data mismatch")
	}
}

func TestFileStore_CloseStreamRejectsFurtherAppends(t *testing.T) {
	store, cleanup := newTestFileStore(t)
	defer cleanup()

	store.Create("/test", CreateOptions{ContentType: "text/plain"})

	result, err := store.CloseStream("/test")
	if err != nil {
		t.Fatalf("CloseStream failed: %v", err)
	}
	if result.AlreadyClosed {
		t.Error("first close should not report AlreadyClosed")
	}

	result2, err := store.CloseStream("/test")
	if err != nil {
		t.Fatalf("second CloseStream failed: %v", err)
	}
	if !result2.AlreadyClosed {
		t.Error("second close should report AlreadyClosed")
	}

	if _, err := store.Append("/test", []byte("x"), AppendOptions{}); err != protocol.ErrStreamClosed {
		t.Errorf("expected ErrStreamClosed, got %v", err)
	}
}

func TestFileStore_IdempotentProducerDuplicate(t *testing.T) {
	store, cleanup := newTestFileStore(t)
	defer cleanup()

	store.Create("/test", CreateOptions{ContentType: "text/plain"})

	epoch, seq := int64(1), int64(0)
	opts := AppendOptions{ProducerId: "p1", ProducerEpoch: &epoch, ProducerSeq: &seq}

	first, err := store.Append("/test", []byte("a"), opts)
	if err != nil {
		t.Fatalf("first append failed: %v", err)
	}
	if first.ProducerResult != ProducerResultAccepted {
		t.Errorf("expected ProducerResultAccepted, got %v", first.ProducerResult)
	}

	second, err := store.Append("/test", []byte("a"), opts)
	if err != nil {
		t.Fatalf("duplicate append should not error: %v", err)
	}
	if second.ProducerResult != ProducerResultDuplicate {
		t.Errorf("expected ProducerResultDuplicate, got %v", second.ProducerResult)
	}
	if !second.Offset.Equal(first.Offset) {
		t.Error("duplicate append should not advance the offset")
	}
}

func TestFileStore_RecoverStoreReconcilesOffset(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "filestore-recover-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	metaStore, err := NewBboltMetadataStore(tmpDir)
	if err != nil {
		t.Fatalf("failed to create metadata store: %v", err)
	}
	store, err := NewFileStore(FileStoreConfig{DataDir: tmpDir, MetadataStore: metaStore})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	store.Create("/test", CreateOptions{ContentType: "text/plain"})
	store.Append("/test", []byte("hello"), AppendOptions{})
	store.Close()

	metaStore2, err := NewBboltMetadataStore(tmpDir)
	if err != nil {
		t.Fatalf("failed to reopen metadata store: %v", err)
	}
	defer metaStore2.Close()

	if err := RecoverStore(tmpDir, metaStore2); err != nil {
		t.Fatalf("RecoverStore failed: %v", err)
	}

	meta, _, err := metaStore2.Get("/test")
	if err != nil {
		t.Fatalf("Get after recovery failed: %v", err)
	}
	if meta.CurrentOffset.Equal(protocol.ZeroOffset) {
		t.Error("expected recovered offset to reflect the written message")
	}
}
