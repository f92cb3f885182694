package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cloudpipe/durable-streams/internal/protocol"
	"github.com/cloudpipe/durable-streams/internal/store/codec"
	"github.com/cloudpipe/durable-streams/internal/waitwake"
)

// FileStore is the durable, file-backed Store implementation: message
// bytes live in a length-prefixed segment file per stream (spec §4.4
// "File-backed reference store"), metadata lives in a pluggable
// MetadataStore (bbolt by default, LMDB as an alternate backend), and a
// bounded pool of writer handles keeps the number of concurrently open
// segment files capped regardless of how many streams exist.
type FileStore struct {
	dataDir    string
	metaStore  MetadataStore
	writerPool *FilePool
	waiters    *waitwake.Registry

	metaCache   map[string]*StreamMetadata
	dirCache    map[string]string
	metaCacheMu sync.RWMutex

	producerLocksMu sync.Mutex
	producerLocks   map[string]*sync.Mutex

	cleanupStop chan struct{}
	cleanupDone chan struct{}
}

// FileStoreConfig configures a FileStore. MetadataStore must be supplied
// by the caller so bbolt/LMDB selection happens once, at startup, per
// SPEC_FULL §11's `metadata_backend` directive.
type FileStoreConfig struct {
	DataDir         string
	MetadataStore   MetadataStore
	MaxFileHandles  int
	CleanupInterval time.Duration
}

// NewFileStore opens a file-backed store under cfg.DataDir, loading any
// existing streams from cfg.MetadataStore into its in-memory cache.
func NewFileStore(cfg FileStoreConfig) (*FileStore, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if cfg.MetadataStore == nil {
		return nil, fmt.Errorf("metadata store is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	maxHandles := cfg.MaxFileHandles
	if maxHandles <= 0 {
		maxHandles = 100
	}

	fs := &FileStore{
		dataDir:       cfg.DataDir,
		metaStore:     cfg.MetadataStore,
		writerPool:    NewFilePool(maxHandles),
		waiters:       waitwake.New(),
		metaCache:     make(map[string]*StreamMetadata),
		dirCache:      make(map[string]string),
		producerLocks: make(map[string]*sync.Mutex),
		cleanupStop:   make(chan struct{}),
		cleanupDone:   make(chan struct{}),
	}

	if err := fs.loadCache(); err != nil {
		return nil, fmt.Errorf("load metadata cache: %w", err)
	}

	if cfg.CleanupInterval > 0 {
		go fs.backgroundCleanup(cfg.CleanupInterval)
	} else {
		close(fs.cleanupDone)
	}

	return fs, nil
}

func (s *FileStore) loadCache() error {
	return s.metaStore.ForEach(func(meta *StreamMetadata, dirName string) error {
		s.metaCache[meta.Path] = meta
		s.dirCache[meta.Path] = dirName
		return nil
	})
}

func (s *FileStore) segmentPath(dirName string) string {
	return filepath.Join(s.dataDir, "streams", dirName, SegmentFileName)
}

func (s *FileStore) getProducerLock(path, producerId string) *sync.Mutex {
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

func (s *FileStore) Create(path string, opts CreateOptions) (*StreamMetadata, bool, error) {
	s.metaCacheMu.Lock()
	defer s.metaCacheMu.Unlock()

	if existing, ok := s.metaCache[path]; ok {
		if existing.IsExpired() {
			s.removeLocked(path)
		} else if existing.ConfigMatches(opts) {
			return existing, false, nil
		} else {
			return nil, false, protocol.ErrConfigMismatch
		}
	}

	dirName, err := generateDirectoryName(path)
	if err != nil {
		return nil, false, fmt.Errorf("generate stream directory name: %w", err)
	}

	streamDir := filepath.Join(s.dataDir, "streams", dirName)
	if err := os.MkdirAll(streamDir, 0755); err != nil {
		return nil, false, fmt.Errorf("create stream directory: %w", err)
	}

	segPath := s.segmentPath(dirName)
	if err := CreateSegmentFile(segPath); err != nil {
		os.RemoveAll(streamDir)
		return nil, false, err
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = protocol.DefaultContentType
	}

	meta := &StreamMetadata{
		StreamId:      uuid.NewString(),
		Path:          path,
		ContentType:   contentType,
		CurrentOffset: protocol.ZeroOffset,
		TTLSeconds:    opts.TTLSeconds,
		ExpiresAt:     opts.ExpiresAt,
		CreatedAt:     time.Now(),
		Closed:        opts.Closed,
	}

	if len(opts.InitialData) > 0 {
		newOffset, err := s.writeToSegment(meta, segPath, opts.InitialData, true)
		if err != nil {
			os.RemoveAll(streamDir)
			return nil, false, err
		}
		meta.CurrentOffset = newOffset
	}

	if err := s.metaStore.Put(meta, dirName); err != nil {
		os.RemoveAll(streamDir)
		return nil, false, fmt.Errorf("store metadata: %w", err)
	}

	s.metaCache[path] = meta
	s.dirCache[path] = dirName
	return meta, true, nil
}

func (s *FileStore) Get(path string) (*StreamMetadata, error) {
	s.metaCacheMu.RLock()
	meta, ok := s.metaCache[path]
	s.metaCacheMu.RUnlock()

	if !ok || meta.IsExpired() {
		return nil, protocol.ErrStreamNotFound
	}
	metaCopy := *meta
	return &metaCopy, nil
}

func (s *FileStore) Has(path string) bool {
	s.metaCacheMu.RLock()
	meta, ok := s.metaCache[path]
	s.metaCacheMu.RUnlock()
	return ok && !meta.IsExpired()
}

func (s *FileStore) Delete(path string) error {
	s.metaCacheMu.Lock()
	defer s.metaCacheMu.Unlock()

	if _, ok := s.dirCache[path]; !ok {
		return protocol.ErrStreamNotFound
	}
	s.removeLocked(path)
	s.waiters.Close(path)
	s.waiters.Forget(path)
	return nil
}

// removeLocked tears down a stream's on-disk and cache state. Caller must
// hold metaCacheMu.
func (s *FileStore) removeLocked(path string) {
	dirName := s.dirCache[path]
	segPath := s.segmentPath(dirName)
	s.writerPool.Remove(segPath)
	s.metaStore.Delete(path)
	delete(s.metaCache, path)
	delete(s.dirCache, path)

	streamDir := filepath.Join(s.dataDir, "streams", dirName)
	deletedDir := filepath.Join(s.dataDir, "streams", ".deleted~"+dirName+"~"+fmt.Sprintf("%d", time.Now().UnixNano()))
	if err := os.Rename(streamDir, deletedDir); err == nil {
		go os.RemoveAll(deletedDir)
	}
}

func (s *FileStore) Append(path string, data []byte, opts AppendOptions) (AppendResult, error) {
	if opts.HasProducerHeaders() && !opts.HasAllProducerHeaders() {
		return AppendResult{}, protocol.ErrPartialProducer
	}

	if opts.HasAllProducerHeaders() {
		lock := s.getProducerLock(path, opts.ProducerId)
		lock.Lock()
		defer lock.Unlock()
	}

	s.metaCacheMu.Lock()
	defer s.metaCacheMu.Unlock()

	meta, ok := s.metaCache[path]
	if !ok || meta.IsExpired() {
		return AppendResult{}, protocol.ErrStreamNotFound
	}

	if meta.Closed {
		if dup, result := matchesClosedByProducer(*meta, opts); dup {
			return result, nil
		}
		return AppendResult{}, protocol.ErrStreamClosed
	}

	if opts.ContentType != "" && !protocol.ContentTypeMatches(meta.ContentType, opts.ContentType) {
		return AppendResult{}, protocol.ErrContentTypeMismatch
	}

	var producerState *ProducerState
	producerResult := ProducerResultNone
	var producerLastSeq int64
	if opts.HasAllProducerHeaders() {
		result, newState, err := validateProducer(meta, opts)
		if err != nil {
			result.Offset = meta.CurrentOffset
			return result, err
		}
		if result.ProducerResult == ProducerResultDuplicate {
			return AppendResult{Offset: meta.CurrentOffset, ProducerResult: ProducerResultDuplicate, LastSeq: result.LastSeq}, nil
		}
		producerState = newState
		producerResult = result.ProducerResult
		producerLastSeq = result.LastSeq
	}

	if opts.Seq != "" && meta.LastSeq != "" && opts.Seq <= meta.LastSeq {
		return AppendResult{}, protocol.ErrSequenceConflict
	}

	dirName := s.dirCache[path]
	newOffset, err := s.writeToSegment(meta, s.segmentPath(dirName), data, false)
	if err != nil {
		return AppendResult{}, err
	}

	meta.CurrentOffset = newOffset
	if opts.Seq != "" {
		meta.LastSeq = opts.Seq
	}
	if producerState != nil {
		if meta.Producers == nil {
			meta.Producers = make(map[string]*ProducerState)
		}
		meta.Producers[opts.ProducerId] = producerState
	}

	var closedBy *ClosedByProducer
	if opts.Close {
		meta.Closed = true
		if opts.HasAllProducerHeaders() {
			closedBy = &ClosedByProducer{ProducerId: opts.ProducerId, Epoch: *opts.ProducerEpoch, Seq: *opts.ProducerSeq}
			meta.ClosedBy = closedBy
		}
	}

	if err := s.metaStore.UpdateAppendState(path, newOffset, opts.Seq, opts.ProducerId, producerState, meta.Closed, closedBy); err != nil {
		// The segment file is the source of truth for message bytes;
		// RecoverStore reconciles the metadata offset against it on the
		// next startup if this persist is lost to a crash.
	}

	s.waiters.Notify(path)
	if meta.Closed {
		s.waiters.Close(path)
	}

	return AppendResult{Offset: newOffset, ProducerResult: producerResult, LastSeq: producerLastSeq, StreamClosed: meta.Closed}, nil
}

func (s *FileStore) CloseStream(path string) (*CloseResult, error) {
	s.metaCacheMu.Lock()
	defer s.metaCacheMu.Unlock()

	meta, ok := s.metaCache[path]
	if !ok || meta.IsExpired() {
		return nil, protocol.ErrStreamNotFound
	}
	if meta.Closed {
		return &CloseResult{FinalOffset: meta.CurrentOffset, AlreadyClosed: true}, nil
	}

	meta.Closed = true
	if err := s.metaStore.SetClosed(path, true, nil); err != nil {
		return nil, fmt.Errorf("persist close: %w", err)
	}
	s.waiters.Close(path)
	return &CloseResult{FinalOffset: meta.CurrentOffset, AlreadyClosed: false}, nil
}

// writeToSegment splits data via the stream's codec and appends the
// resulting messages to its segment file, syncing before returning so a
// successful Append is durable.
func (s *FileStore) writeToSegment(meta *StreamMetadata, segPath string, data []byte, allowEmpty bool) (protocol.Offset, error) {
	file, err := s.writerPool.GetWriter(segPath)
	if err != nil {
		return protocol.Offset{}, fmt.Errorf("open segment writer: %w", err)
	}

	c := codec.ForContentType(meta.ContentType)
	parts, err := c.Split(data, allowEmpty)
	if err != nil {
		return protocol.Offset{}, err
	}

	current := meta.CurrentOffset
	for _, part := range parts {
		n, err := WriteMessage(file, part)
		if err != nil {
			return protocol.Offset{}, err
		}
		current = current.Add(uint64(n))
	}

	if err := s.writerPool.Sync(segPath); err != nil {
		return protocol.Offset{}, err
	}
	return current, nil
}

func (s *FileStore) Read(path string, offset protocol.Offset) ([]Message, bool, error) {
	s.metaCacheMu.RLock()
	meta, ok := s.metaCache[path]
	dirName := s.dirCache[path]
	s.metaCacheMu.RUnlock()

	if !ok || meta.IsExpired() {
		return nil, false, protocol.ErrStreamNotFound
	}
	if meta.CurrentOffset.LessThan(offset) {
		return nil, false, protocol.ErrOffsetBeyondTail
	}
	if offset.Equal(meta.CurrentOffset) {
		return nil, true, nil
	}

	reader, err := NewSegmentReader(s.segmentPath(dirName))
	if err != nil {
		return nil, false, fmt.Errorf("open segment: %w", err)
	}
	defer reader.Close()

	codecMessages, _, err := reader.ReadMessages(offset)
	if err != nil {
		return nil, false, err
	}

	messages := make([]Message, len(codecMessages))
	for i, m := range codecMessages {
		messages[i] = Message{Data: m.Data, Offset: m.Offset}
	}

	upToDate := len(messages) == 0 || messages[len(messages)-1].Offset.Equal(meta.CurrentOffset)
	return messages, upToDate, nil
}

func (s *FileStore) WaitForMessages(ctx context.Context, path string, offset protocol.Offset, timeout time.Duration) ([]Message, bool, bool, error) {
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
		return messages, false, s.waiters.IsClosed(path) || err == protocol.ErrStreamNotFound, err
	case waitwake.ContextDone:
		return nil, false, false, ctx.Err()
	default:
		return nil, true, false, nil
	}
}

func (s *FileStore) GetCurrentOffset(path string) (protocol.Offset, error) {
	s.metaCacheMu.RLock()
	meta, ok := s.metaCache[path]
	s.metaCacheMu.RUnlock()
	if !ok || meta.IsExpired() {
		return protocol.Offset{}, protocol.ErrStreamNotFound
	}
	return meta.CurrentOffset, nil
}

func (s *FileStore) Close() error {
	close(s.cleanupStop)
	<-s.cleanupDone

	var lastErr error
	if err := s.writerPool.Close(); err != nil {
		lastErr = err
	}
	if err := s.metaStore.Close(); err != nil {
		lastErr = err
	}
	return lastErr
}

func (s *FileStore) backgroundCleanup(interval time.Duration) {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.cleanupStop:
			return
		case <-ticker.C:
			s.cleanupExpiredStreams()
		}
	}
}

// cleanupExpiredStreams sweeps TTL/ExpiresAt-expired streams, releasing any
// readers currently parked in a long-poll/SSE wait on them (spec §4.4:
// "The sweeper MUST release any waiting live readers").
func (s *FileStore) cleanupExpiredStreams() {
	s.metaCacheMu.Lock()
	var expired []string
	for path, meta := range s.metaCache {
		if meta.IsExpired() {
			expired = append(expired, path)
		}
	}
	for _, path := range expired {
		s.removeLocked(path)
	}
	s.metaCacheMu.Unlock()

	for _, path := range expired {
		s.waiters.Close(path)
		s.waiters.Forget(path)
	}
}

// FormatResponse renders messages per the stream's codec.
func (s *FileStore) FormatResponse(path string, messages []Message) ([]byte, error) {
	s.metaCacheMu.RLock()
	meta, ok := s.metaCache[path]
	s.metaCacheMu.RUnlock()
	if !ok {
		return nil, protocol.ErrStreamNotFound
	}

	c := codec.ForContentType(meta.ContentType)
	codecMessages := make([]codec.Message, len(messages))
	for i, m := range messages {
		codecMessages[i] = codec.Message{Data: m.Data, Offset: m.Offset}
	}
	return c.Render(codecMessages), nil
}

// generateDirectoryName builds a collision-resistant directory name for a
// stream's on-disk files: URL-escaped path, creation timestamp, and a
// random suffix.
func generateDirectoryName(path string) (string, error) {
	encoded := url.PathEscape(path)
	timestamp := time.Now().UnixNano()

	randomBytes := make([]byte, 4)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s~%d~%s", encoded, timestamp, hex.EncodeToString(randomBytes)), nil
}

// RecoverStore reconciles a metadata store against its segment files after
// an unclean shutdown: any metadata offset that disagrees with the
// segment's true scanned length is corrected, and metadata with no
// corresponding segment file is dropped as orphaned.
func RecoverStore(dataDir string, metaStore MetadataStore) error {
	streamsDir := filepath.Join(dataDir, "streams")

	return metaStore.ForEach(func(meta *StreamMetadata, dirName string) error {
		segPath := filepath.Join(streamsDir, dirName, SegmentFileName)

		if _, err := os.Stat(segPath); os.IsNotExist(err) {
			return metaStore.Delete(meta.Path)
		}

		trueOffset, err := ScanSegment(segPath)
		if err != nil {
			return fmt.Errorf("scan segment for %s: %w", meta.Path, err)
		}

		if !meta.CurrentOffset.Equal(trueOffset) {
			if err := metaStore.UpdateAppendState(meta.Path, trueOffset, "", "", nil, meta.Closed, meta.ClosedBy); err != nil {
				return fmt.Errorf("reconcile offset for %s: %w", meta.Path, err)
			}
		}
		return nil
	})
}
