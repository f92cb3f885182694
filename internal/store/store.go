// Package store implements the durable stream storage engine (spec §4.4):
// an in-memory backend for tests and a file-backed backend for production,
// both satisfying the same Store interface so the request pipeline never
// knows which one it's talking to.
package store

import (
	"context"
	"time"

	"github.com/cloudpipe/durable-streams/internal/protocol"
)

// ProducerState tracks one idempotent producer's fencing state (SPEC_FULL
// §12): the epoch it's currently operating under and the last sequence
// number it successfully appended.
type ProducerState struct {
	Epoch       int64
	LastSeq     int64
	LastUpdated time.Time
}

// ProducerResult reports what an idempotent-producer append actually did.
type ProducerResult int

const (
	// ProducerResultNone means no producer headers were supplied.
	ProducerResultNone ProducerResult = iota
	// ProducerResultAccepted means new data was appended.
	ProducerResultAccepted
	// ProducerResultDuplicate means this exact (epoch, seq) was already
	// applied; the append is a no-op and the prior offset is returned.
	ProducerResultDuplicate
)

// ClosedByProducer records which idempotent producer closed a stream, so a
// retried close-append from the same producer is recognized as a duplicate
// rather than rejected with ErrStreamClosed.
type ClosedByProducer struct {
	ProducerId string
	Epoch      int64
	Seq        int64
}

// StreamMetadata describes a stream's configuration and current tail.
type StreamMetadata struct {
	StreamId      string
	Path          string
	ContentType   string
	CurrentOffset protocol.Offset
	LastSeq       string
	TTLSeconds    *int64
	ExpiresAt     *time.Time
	CreatedAt     time.Time
	Producers     map[string]*ProducerState
	Closed        bool
	ClosedBy      *ClosedByProducer
}

// IsExpired reports whether m's TTL or explicit ExpiresAt has elapsed.
func (m *StreamMetadata) IsExpired() bool {
	now := time.Now()
	if m.ExpiresAt != nil && now.After(*m.ExpiresAt) {
		return true
	}
	if m.TTLSeconds != nil && now.After(m.CreatedAt.Add(time.Duration(*m.TTLSeconds)*time.Second)) {
		return true
	}
	return false
}

// ConfigMatches reports whether opts describes the same stream
// configuration as m, for PUT idempotency (spec §4.1).
func (m *StreamMetadata) ConfigMatches(opts CreateOptions) bool {
	if !protocol.ContentTypeMatches(m.ContentType, opts.ContentType) {
		return false
	}
	if (m.TTLSeconds == nil) != (opts.TTLSeconds == nil) {
		return false
	}
	if m.TTLSeconds != nil && opts.TTLSeconds != nil && *m.TTLSeconds != *opts.TTLSeconds {
		return false
	}
	if (m.ExpiresAt == nil) != (opts.ExpiresAt == nil) {
		return false
	}
	if m.ExpiresAt != nil && opts.ExpiresAt != nil && !m.ExpiresAt.Equal(*opts.ExpiresAt) {
		return false
	}
	return m.Closed == opts.Closed
}

// CreateOptions configures a PUT-created stream.
type CreateOptions struct {
	ContentType string
	TTLSeconds  *int64
	ExpiresAt   *time.Time
	InitialData []byte
	Closed      bool
}

// AppendOptions configures a POST append.
type AppendOptions struct {
	Seq         string
	ContentType string
	Close       bool

	ProducerId    string
	ProducerEpoch *int64
	ProducerSeq   *int64
}

// HasProducerHeaders reports whether any idempotent-producer header was set.
func (o AppendOptions) HasProducerHeaders() bool {
	return o.ProducerId != "" || o.ProducerEpoch != nil || o.ProducerSeq != nil
}

// HasAllProducerHeaders reports whether every idempotent-producer header
// was set (spec requires all-or-none, SPEC_FULL §12).
func (o AppendOptions) HasAllProducerHeaders() bool {
	return o.ProducerId != "" && o.ProducerEpoch != nil && o.ProducerSeq != nil
}

// Message is one stored entry in a stream.
type Message struct {
	Data   []byte
	Offset protocol.Offset
}

// AppendResult reports the outcome of a successful Append.
type AppendResult struct {
	Offset         protocol.Offset
	ProducerResult ProducerResult
	CurrentEpoch   int64
	ExpectedSeq    int64
	ReceivedSeq    int64
	LastSeq        int64
	StreamClosed   bool
}

// CloseResult reports the outcome of a CloseStream call.
type CloseResult struct {
	FinalOffset   protocol.Offset
	AlreadyClosed bool
}

// Store is the durable stream storage SPI (spec §4.4). Every method
// signature here is internally consistent across backends — MemoryStore
// and FileStore both return the same types for the same method, unlike a
// design that lets one backend's concrete Append diverge from the
// interface it's meant to implement.
type Store interface {
	// Create creates a stream, or recognizes an existing one with matching
	// config as an idempotent no-op. created reports whether this call
	// actually created it.
	Create(path string, opts CreateOptions) (meta *StreamMetadata, created bool, err error)

	// Get returns a stream's metadata, or ErrStreamNotFound.
	Get(path string) (*StreamMetadata, error)

	// Has reports whether path names a live (non-expired) stream.
	Has(path string) bool

	// Delete removes a stream, releasing any waiters with protocol.ErrStreamNotFound semantics.
	Delete(path string) error

	// Append appends data to a stream and returns its new tail.
	Append(path string, data []byte, opts AppendOptions) (AppendResult, error)

	// CloseStream closes a stream without appending data. Idempotent.
	CloseStream(path string) (*CloseResult, error)

	// Read returns messages at or after offset, and whether the read
	// reached the current tail.
	Read(path string, offset protocol.Offset) (messages []Message, upToDate bool, err error)

	// WaitForMessages blocks until data is available past offset, the
	// stream is closed/deleted, ctx is done, or timeout elapses.
	WaitForMessages(ctx context.Context, path string, offset protocol.Offset, timeout time.Duration) (messages []Message, timedOut bool, streamClosed bool, err error)

	// GetCurrentOffset returns a stream's current tail offset.
	GetCurrentOffset(path string) (protocol.Offset, error)

	// FormatResponse renders messages per the stream's codec (byte
	// concatenation or JSON array), so callers never need to know which
	// codec a stream uses.
	FormatResponse(path string, messages []Message) ([]byte, error)

	// Close releases resources held by the store.
	Close() error
}
