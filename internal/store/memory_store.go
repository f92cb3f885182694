package store

import (
	"context"
	"sync"
	"time"

	"github.com/cloudpipe/durable-streams/internal/protocol"
	"github.com/cloudpipe/durable-streams/internal/store/codec"
	"github.com/cloudpipe/durable-streams/internal/waitwake"
	"github.com/google/uuid"
)

// MemoryStore is an in-process Store, used for testing and for small
// deployments that don't need durability across restarts.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[string]*memoryStream
	waiters *waitwake.Registry

	producerLocksMu sync.Mutex
	producerLocks   map[string]*sync.Mutex
}

type memoryStream struct {
	metadata StreamMetadata
	messages []Message
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams:       make(map[string]*memoryStream),
		waiters:       waitwake.New(),
		producerLocks: make(map[string]*sync.Mutex),
	}
}

func (s *MemoryStore) getProducerLock(path, producerId string) *sync.Mutex {
	key := path + ":" + producerId
	s.producerLocksMu.Lock()
	defer s.producerLocksMu.Unlock()

	if mu, ok := s.producerLocks[key]; ok {
		return mu
	}
	mu := &sync.Mutex{}
	s.producerLocks[key] = mu
	return mu
}

// validateProducer fences an idempotent-producer append against the
// stream's recorded producer state (SPEC_FULL §12), returning the state to
// persist on acceptance (nil on duplicate/rejection).
func validateProducer(meta *StreamMetadata, opts AppendOptions) (AppendResult, *ProducerState, error) {
	epoch := *opts.ProducerEpoch
	seq := *opts.ProducerSeq

	var state *ProducerState
	if meta.Producers != nil {
		state = meta.Producers[opts.ProducerId]
	}

	if state == nil {
		if seq != 0 {
			return AppendResult{ExpectedSeq: 0, ReceivedSeq: seq}, nil, protocol.ErrProducerSeqGap
		}
		return AppendResult{ProducerResult: ProducerResultAccepted, LastSeq: 0},
			&ProducerState{Epoch: epoch, LastSeq: 0, LastUpdated: time.Now()}, nil
	}

	if epoch < state.Epoch {
		return AppendResult{CurrentEpoch: state.Epoch}, nil, protocol.ErrStaleEpoch
	}

	if epoch > state.Epoch {
		if seq != 0 {
			return AppendResult{}, nil, protocol.ErrInvalidEpochSeq
		}
		return AppendResult{ProducerResult: ProducerResultAccepted, LastSeq: 0},
			&ProducerState{Epoch: epoch, LastSeq: 0, LastUpdated: time.Now()}, nil
	}

	switch {
	case seq <= state.LastSeq:
		return AppendResult{ProducerResult: ProducerResultDuplicate, LastSeq: state.LastSeq}, nil, nil
	case seq == state.LastSeq+1:
		return AppendResult{ProducerResult: ProducerResultAccepted, LastSeq: seq},
			&ProducerState{Epoch: epoch, LastSeq: seq, LastUpdated: time.Now()}, nil
	default:
		return AppendResult{ExpectedSeq: state.LastSeq + 1, ReceivedSeq: seq}, nil, protocol.ErrProducerSeqGap
	}
}

func (s *MemoryStore) Create(path string, opts CreateOptions) (*StreamMetadata, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.streams[path]; ok {
		if existing.metadata.IsExpired() {
			delete(s.streams, path)
			s.waiters.Forget(path)
		} else if existing.metadata.ConfigMatches(opts) {
			return &existing.metadata, false, nil
		} else {
			return nil, false, protocol.ErrConfigMismatch
		}
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = protocol.DefaultContentType
	}

	stream := &memoryStream{
		metadata: StreamMetadata{
			StreamId:      uuid.NewString(),
			Path:          path,
			ContentType:   contentType,
			CurrentOffset: protocol.ZeroOffset,
			TTLSeconds:    opts.TTLSeconds,
			ExpiresAt:     opts.ExpiresAt,
			CreatedAt:     time.Now(),
			Closed:        opts.Closed,
		},
	}

	if len(opts.InitialData) > 0 {
		newOffset, err := appendToStream(stream, opts.InitialData, true)
		if err != nil {
			return nil, false, err
		}
		stream.metadata.CurrentOffset = newOffset
	}

	s.streams[path] = stream
	return &stream.metadata, true, nil
}

func (s *MemoryStore) Get(path string) (*StreamMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream, ok := s.streams[path]
	if !ok || stream.metadata.IsExpired() {
		return nil, protocol.ErrStreamNotFound
	}
	meta := stream.metadata
	return &meta, nil
}

func (s *MemoryStore) Has(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stream, ok := s.streams[path]
	return ok && !stream.metadata.IsExpired()
}

func (s *MemoryStore) Delete(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.streams[path]; !ok {
		return protocol.ErrStreamNotFound
	}
	delete(s.streams, path)
	s.waiters.Close(path)
	s.waiters.Forget(path)
	return nil
}

func (s *MemoryStore) Append(path string, data []byte, opts AppendOptions) (AppendResult, error) {
	if opts.HasProducerHeaders() && !opts.HasAllProducerHeaders() {
		return AppendResult{}, protocol.ErrPartialProducer
	}

	if opts.HasAllProducerHeaders() {
		lock := s.getProducerLock(path, opts.ProducerId)
		lock.Lock()
		defer lock.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stream, ok := s.streams[path]
	if !ok || stream.metadata.IsExpired() {
		return AppendResult{}, protocol.ErrStreamNotFound
	}

	if stream.metadata.Closed {
		if dup, result := matchesClosedByProducer(stream.metadata, opts); dup {
			return result, nil
		}
		return AppendResult{}, protocol.ErrStreamClosed
	}

	if opts.ContentType != "" && !protocol.ContentTypeMatches(stream.metadata.ContentType, opts.ContentType) {
		return AppendResult{}, protocol.ErrContentTypeMismatch
	}

	var producerState *ProducerState
	producerResult := ProducerResultNone
	var producerLastSeq int64
	if opts.HasAllProducerHeaders() {
		result, newState, err := validateProducer(&stream.metadata, opts)
		if err != nil {
			result.Offset = stream.metadata.CurrentOffset
			return result, err
		}
		if result.ProducerResult == ProducerResultDuplicate {
			return AppendResult{
				Offset:         stream.metadata.CurrentOffset,
				ProducerResult: ProducerResultDuplicate,
				LastSeq:        result.LastSeq,
			}, nil
		}
		producerState = newState
		producerResult = result.ProducerResult
		producerLastSeq = result.LastSeq
	}

	if opts.Seq != "" && stream.metadata.LastSeq != "" && opts.Seq <= stream.metadata.LastSeq {
		return AppendResult{}, protocol.ErrSequenceConflict
	}

	newOffset, err := appendToStream(stream, data, false)
	if err != nil {
		return AppendResult{}, err
	}

	stream.metadata.CurrentOffset = newOffset
	if opts.Seq != "" {
		stream.metadata.LastSeq = opts.Seq
	}
	if producerState != nil {
		if stream.metadata.Producers == nil {
			stream.metadata.Producers = make(map[string]*ProducerState)
		}
		stream.metadata.Producers[opts.ProducerId] = producerState
	}

	if opts.Close {
		stream.metadata.Closed = true
		if opts.HasAllProducerHeaders() {
			stream.metadata.ClosedBy = &ClosedByProducer{
				ProducerId: opts.ProducerId,
				Epoch:      *opts.ProducerEpoch,
				Seq:        *opts.ProducerSeq,
			}
		}
	}

	s.waiters.Notify(path)
	if stream.metadata.Closed {
		s.waiters.Close(path)
	}

	return AppendResult{
		Offset:         newOffset,
		ProducerResult: producerResult,
		LastSeq:        producerLastSeq,
		StreamClosed:   stream.metadata.Closed,
	}, nil
}

// matchesClosedByProducer recognizes a retried close-append from the
// producer that already closed the stream as an idempotent duplicate
// rather than an ErrStreamClosed rejection.
func matchesClosedByProducer(meta StreamMetadata, opts AppendOptions) (bool, AppendResult) {
	if !opts.HasAllProducerHeaders() || meta.ClosedBy == nil {
		return false, AppendResult{}
	}
	if meta.ClosedBy.ProducerId != opts.ProducerId || meta.ClosedBy.Epoch != *opts.ProducerEpoch || meta.ClosedBy.Seq != *opts.ProducerSeq {
		return false, AppendResult{}
	}
	return true, AppendResult{
		Offset:         meta.CurrentOffset,
		ProducerResult: ProducerResultDuplicate,
		LastSeq:        meta.ClosedBy.Seq,
		StreamClosed:   true,
	}
}

func (s *MemoryStore) CloseStream(path string) (*CloseResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream, ok := s.streams[path]
	if !ok || stream.metadata.IsExpired() {
		return nil, protocol.ErrStreamNotFound
	}

	if stream.metadata.Closed {
		return &CloseResult{FinalOffset: stream.metadata.CurrentOffset, AlreadyClosed: true}, nil
	}

	stream.metadata.Closed = true
	s.waiters.Close(path)
	return &CloseResult{FinalOffset: stream.metadata.CurrentOffset, AlreadyClosed: false}, nil
}

// appendToStream splits data via the stream's codec and appends the
// resulting messages, advancing CurrentOffset.
func appendToStream(stream *memoryStream, data []byte, allowEmpty bool) (protocol.Offset, error) {
	c := codec.ForContentType(stream.metadata.ContentType)
	parts, err := c.Split(data, allowEmpty)
	if err != nil {
		return protocol.Offset{}, err
	}

	current := stream.metadata.CurrentOffset
	for _, part := range parts {
		current = current.Add(uint64(len(part)))
		stream.messages = append(stream.messages, Message{Data: part, Offset: current})
	}
	return current, nil
}

func (s *MemoryStore) Read(path string, offset protocol.Offset) ([]Message, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream, ok := s.streams[path]
	if !ok || stream.metadata.IsExpired() {
		return nil, false, protocol.ErrStreamNotFound
	}

	tail := stream.metadata.CurrentOffset
	if tail.LessThan(offset) {
		return nil, false, protocol.ErrOffsetBeyondTail
	}

	var result []Message
	for _, m := range stream.messages {
		if offset.LessThan(m.Offset) {
			result = append(result, m)
		}
	}
	return result, len(result) == 0 || result[len(result)-1].Offset.Equal(tail), nil
}

func (s *MemoryStore) WaitForMessages(ctx context.Context, path string, offset protocol.Offset, timeout time.Duration) ([]Message, bool, bool, error) {
	// Register before the first Read, not after, so an Append+Notify that
	// lands between the check and the blocking wait below is still
	// buffered on this ticket instead of being missed (spec §4.5).
	t := s.waiters.Register(path)
	defer s.waiters.Unregister(t)

	messages, _, err := s.Read(path, offset)
	if err != nil {
		return nil, false, false, err
	}
	if len(messages) > 0 {
		return messages, false, false, nil
	}

	if s.waiters.IsClosed(path) {
		messages, _, err := s.Read(path, offset)
		return messages, false, true, err
	}

	switch s.waiters.WaitTicket(ctx, t, timeout) {
	case waitwake.Woken:
		messages, _, err := s.Read(path, offset)
		closed := s.waiters.IsClosed(path) || err == protocol.ErrStreamNotFound
		return messages, false, closed, err
	case waitwake.ContextDone:
		return nil, false, false, ctx.Err()
	default: // TimedOut
		return nil, true, false, nil
	}
}

func (s *MemoryStore) GetCurrentOffset(path string) (protocol.Offset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stream, ok := s.streams[path]
	if !ok || stream.metadata.IsExpired() {
		return protocol.Offset{}, protocol.ErrStreamNotFound
	}
	return stream.metadata.CurrentOffset, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// FormatResponse renders messages per the stream's codec.
func (s *MemoryStore) FormatResponse(path string, messages []Message) ([]byte, error) {
	s.mu.RLock()
	stream, ok := s.streams[path]
	s.mu.RUnlock()
	if !ok {
		return nil, protocol.ErrStreamNotFound
	}

	c := codec.ForContentType(stream.metadata.ContentType)
	codecMessages := make([]codec.Message, len(messages))
	for i, m := range messages {
		codecMessages[i] = codec.Message{Data: m.Data, Offset: m.Offset}
	}
	return c.Render(codecMessages), nil
}
