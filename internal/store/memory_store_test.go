package store

import (
	"context"
	"testing"
	"time"

	"github.com/cloudpipe/durable-streams/internal/protocol"
)

func TestMemoryStoreCreateThenGet(t *testing.T) {
	s := NewMemoryStore()

	meta, created, err := s.Create("/s1", CreateOptions{ContentType: "text/plain"})
	if err != nil || !created {
		t.Fatalf("unexpected: %v %v", created, err)
	}
	if meta.StreamId == "" {
		t.Fatal("expected a minted StreamId")
	}

	got, err := s.Get("/s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ContentType != "text/plain" {
		t.Fatalf("expected content type to round-trip, got %q", got.ContentType)
	}
}

func TestMemoryStoreCreateIsIdempotentForMatchingConfig(t *testing.T) {
	s := NewMemoryStore()
	s.Create("/s1", CreateOptions{ContentType: "text/plain"})

	_, created, err := s.Create("/s1", CreateOptions{ContentType: "text/plain"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created {
		t.Fatal("expected created=false for a matching repeat create")
	}
}

func TestMemoryStoreCreateConflictsOnMismatch(t *testing.T) {
	s := NewMemoryStore()
	s.Create("/s1", CreateOptions{ContentType: "text/plain"})

	_, _, err := s.Create("/s1", CreateOptions{ContentType: "application/json"})
	if err != protocol.ErrConfigMismatch {
		t.Fatalf("expected ErrConfigMismatch, got %v", err)
	}
}

func TestMemoryStoreAppendAdvancesOffsetAndNotifies(t *testing.T) {
	s := NewMemoryStore()
	s.Create("/s1", CreateOptions{ContentType: "text/plain"})

	result, err := s.Append("/s1", []byte("hello"), AppendOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Offset.Bytes() != 5 {
		t.Fatalf("expected offset 5, got %d", result.Offset.Bytes())
	}

	messages, upToDate, err := s.Read("/s1", protocol.ZeroOffset)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !upToDate || len(messages) != 1 || string(messages[0].Data) != "hello" {
		t.Fatalf("unexpected read result: %+v upToDate=%v", messages, upToDate)
	}
}

func TestMemoryStoreAppendToMissingStream(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Append("/missing", []byte("x"), AppendOptions{}); err != protocol.ErrStreamNotFound {
		t.Fatalf("expected ErrStreamNotFound, got %v", err)
	}
}

func TestMemoryStoreContentTypeMismatchOnAppend(t *testing.T) {
	s := NewMemoryStore()
	s.Create("/s1", CreateOptions{ContentType: "text/plain"})

	_, err := s.Append("/s1", []byte("x"), AppendOptions{ContentType: "application/json"})
	if err != protocol.ErrContentTypeMismatch {
		t.Fatalf("expected ErrContentTypeMismatch, got %v", err)
	}
}

func TestMemoryStoreJSONArrayFlattensOnAppend(t *testing.T) {
	s := NewMemoryStore()
	s.Create("/s1", CreateOptions{ContentType: "application/json"})

	_, err := s.Append("/s1", []byte(`[1,2,3]`), AppendOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	messages, _, err := s.Read("/s1", protocol.ZeroOffset)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("expected 3 flattened messages, got %d", len(messages))
	}
}

func TestMemoryStoreEmptyJSONArrayRejectedOnAppend(t *testing.T) {
	s := NewMemoryStore()
	s.Create("/s1", CreateOptions{ContentType: "application/json"})

	_, err := s.Append("/s1", []byte(`[]`), AppendOptions{})
	if err != protocol.ErrEmptyJSONArray {
		t.Fatalf("expected ErrEmptyJSONArray, got %v", err)
	}
}

func TestMemoryStoreEmptyJSONArrayAllowedOnCreate(t *testing.T) {
	s := NewMemoryStore()
	meta, _, err := s.Create("/s1", CreateOptions{ContentType: "application/json", InitialData: []byte(`[]`)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.CurrentOffset.Bytes() != 0 {
		t.Fatalf("expected zero offset for an empty initial array, got %d", meta.CurrentOffset.Bytes())
	}
}

func TestMemoryStoreSequenceConflict(t *testing.T) {
	s := NewMemoryStore()
	s.Create("/s1", CreateOptions{ContentType: "text/plain"})

	if _, err := s.Append("/s1", []byte("a"), AppendOptions{Seq: "5"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := s.Append("/s1", []byte("b"), AppendOptions{Seq: "5"}); err != protocol.ErrSequenceConflict {
		t.Fatalf("expected ErrSequenceConflict, got %v", err)
	}
}

func TestMemoryStoreDeleteWakesWaiters(t *testing.T) {
	s := NewMemoryStore()
	s.Create("/s1", CreateOptions{ContentType: "text/plain"})

	done := make(chan bool, 1)
	go func() {
		_, _, closed, _ := s.WaitForMessages(context.Background(), "/s1", protocol.ZeroOffset, time.Second)
		done <- closed
	}()

	time.Sleep(20 * time.Millisecond)
	if err := s.Delete("/s1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case closed := <-done:
		if !closed {
			t.Fatal("expected WaitForMessages to report streamClosed after delete")
		}
	case <-time.After(time.Second):
		t.Fatal("WaitForMessages did not return after delete")
	}
}

func TestMemoryStoreWaitForMessagesReturnsImmediatelyWhenDataAlreadyPresent(t *testing.T) {
	s := NewMemoryStore()
	s.Create("/s1", CreateOptions{ContentType: "text/plain"})
	s.Append("/s1", []byte("hello"), AppendOptions{})

	messages, timedOut, closed, err := s.WaitForMessages(context.Background(), "/s1", protocol.ZeroOffset, time.Second)
	if err != nil || timedOut || closed || len(messages) != 1 {
		t.Fatalf("unexpected result: %+v timedOut=%v closed=%v err=%v", messages, timedOut, closed, err)
	}
}

func TestMemoryStoreWaitForMessagesTimesOut(t *testing.T) {
	s := NewMemoryStore()
	s.Create("/s1", CreateOptions{ContentType: "text/plain"})

	_, timedOut, _, err := s.WaitForMessages(context.Background(), "/s1", protocol.ZeroOffset, 20*time.Millisecond)
	if err != nil || !timedOut {
		t.Fatalf("expected timeout, got timedOut=%v err=%v", timedOut, err)
	}
}

func TestMemoryStoreCloseStreamIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	s.Create("/s1", CreateOptions{ContentType: "text/plain"})

	first, err := s.CloseStream("/s1")
	if err != nil || first.AlreadyClosed {
		t.Fatalf("unexpected first close: %+v %v", first, err)
	}

	second, err := s.CloseStream("/s1")
	if err != nil || !second.AlreadyClosed {
		t.Fatalf("expected AlreadyClosed on second close: %+v %v", second, err)
	}

	if _, err := s.Append("/s1", []byte("x"), AppendOptions{}); err != protocol.ErrStreamClosed {
		t.Fatalf("expected ErrStreamClosed, got %v", err)
	}
}

func TestMemoryStoreIdempotentProducerDuplicateDetection(t *testing.T) {
	s := NewMemoryStore()
	s.Create("/s1", CreateOptions{ContentType: "text/plain"})

	epoch := int64(1)
	seq0 := int64(0)
	opts := AppendOptions{ProducerId: "p1", ProducerEpoch: &epoch, ProducerSeq: &seq0}

	result, err := s.Append("/s1", []byte("a"), opts)
	if err != nil || result.ProducerResult != ProducerResultAccepted {
		t.Fatalf("expected accepted, got %+v %v", result, err)
	}

	dup, err := s.Append("/s1", []byte("a-retry"), opts)
	if err != nil || dup.ProducerResult != ProducerResultDuplicate {
		t.Fatalf("expected duplicate, got %+v %v", dup, err)
	}
	if dup.Offset.Bytes() != result.Offset.Bytes() {
		t.Fatal("expected duplicate to report the original offset, not append again")
	}
}

func TestMemoryStoreIdempotentProducerStaleEpochRejected(t *testing.T) {
	s := NewMemoryStore()
	s.Create("/s1", CreateOptions{ContentType: "text/plain"})

	epoch2 := int64(2)
	seq0 := int64(0)
	s.Append("/s1", []byte("a"), AppendOptions{ProducerId: "p1", ProducerEpoch: &epoch2, ProducerSeq: &seq0})

	epoch1 := int64(1)
	seq1 := int64(1)
	_, err := s.Append("/s1", []byte("b"), AppendOptions{ProducerId: "p1", ProducerEpoch: &epoch1, ProducerSeq: &seq1})
	if err != protocol.ErrStaleEpoch {
		t.Fatalf("expected ErrStaleEpoch, got %v", err)
	}
}

func TestMemoryStoreIdempotentProducerSeqGapRejected(t *testing.T) {
	s := NewMemoryStore()
	s.Create("/s1", CreateOptions{ContentType: "text/plain"})

	epoch := int64(1)
	seq2 := int64(2)
	_, err := s.Append("/s1", []byte("a"), AppendOptions{ProducerId: "p1", ProducerEpoch: &epoch, ProducerSeq: &seq2})
	if err != protocol.ErrProducerSeqGap {
		t.Fatalf("expected ErrProducerSeqGap for a first message with seq != 0, got %v", err)
	}
}

func TestMemoryStorePartialProducerHeadersRejected(t *testing.T) {
	s := NewMemoryStore()
	s.Create("/s1", CreateOptions{ContentType: "text/plain"})

	_, err := s.Append("/s1", []byte("a"), AppendOptions{ProducerId: "p1"})
	if err != protocol.ErrPartialProducer {
		t.Fatalf("expected ErrPartialProducer, got %v", err)
	}
}

func TestMemoryStoreReadBeyondTailRejected(t *testing.T) {
	s := NewMemoryStore()
	s.Create("/s1", CreateOptions{ContentType: "text/plain"})
	s.Append("/s1", []byte("abc"), AppendOptions{})

	_, _, err := s.Read("/s1", protocol.NewOffset(100))
	if err != protocol.ErrOffsetBeyondTail {
		t.Fatalf("expected ErrOffsetBeyondTail, got %v", err)
	}
}

func TestMemoryStoreTTLExpiry(t *testing.T) {
	s := NewMemoryStore()
	ttl := int64(0)
	s.Create("/s1", CreateOptions{ContentType: "text/plain", TTLSeconds: &ttl})

	time.Sleep(5 * time.Millisecond)

	if s.Has("/s1") {
		t.Fatal("expected expired stream to report Has=false")
	}
	if _, err := s.Get("/s1"); err != protocol.ErrStreamNotFound {
		t.Fatalf("expected ErrStreamNotFound for expired stream, got %v", err)
	}
}

func TestMemoryStoreFormatResponseJSON(t *testing.T) {
	s := NewMemoryStore()
	s.Create("/s1", CreateOptions{ContentType: "application/json"})
	s.Append("/s1", []byte(`[1,2]`), AppendOptions{})

	messages, _, _ := s.Read("/s1", protocol.ZeroOffset)
	body, err := s.FormatResponse("/s1", messages)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(body) != "[1,2]" {
		t.Fatalf("expected [1,2], got %q", body)
	}
}
