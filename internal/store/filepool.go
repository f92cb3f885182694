package store

import (
	"container/list"
	"os"
	"sync"
)

// handlePool is an LRU cache of open *os.File handles, keyed by path. The
// teacher carries two near-identical copies of this (FilePool for writers,
// ReaderPool for readers); this repo collapses them into one generic pool
// parameterized by how a handle is opened, since the LRU bookkeeping is
// identical either way.
type handlePool struct {
	mu      sync.Mutex
	maxSize int
	open    func(path string) (*os.File, error)
	files   map[string]*poolEntry
	lru     *list.List
}

type poolEntry struct {
	path    string
	file    *os.File
	element *list.Element
}

func newHandlePool(maxSize int, open func(path string) (*os.File, error)) *handlePool {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &handlePool{maxSize: maxSize, open: open, files: make(map[string]*poolEntry), lru: list.New()}
}

// Get returns the pooled handle for path, opening and evicting an LRU
// victim if necessary. The returned *os.File must not be closed by the
// caller; the pool owns its lifetime.
func (p *handlePool) Get(path string) (*os.File, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.files[path]; ok {
		p.lru.MoveToFront(entry.element)
		return entry.file, nil
	}

	file, err := p.open(path)
	if err != nil {
		return nil, err
	}

	p.evictIfNeeded()

	entry := &poolEntry{path: path, file: file}
	entry.element = p.lru.PushFront(entry)
	p.files[path] = entry
	return file, nil
}

// Sync syncs path's handle to disk if currently pooled; a no-op otherwise.
func (p *handlePool) Sync(path string) error {
	p.mu.Lock()
	entry, ok := p.files[path]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return entry.file.Sync()
}

// SyncAll syncs every pooled handle, returning the last error encountered.
func (p *handlePool) SyncAll() error {
	p.mu.Lock()
	entries := make([]*poolEntry, 0, len(p.files))
	for _, e := range p.files {
		entries = append(entries, e)
	}
	p.mu.Unlock()

	var lastErr error
	for _, e := range entries {
		if err := e.file.Sync(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Remove closes and evicts path's handle, if pooled.
func (p *handlePool) Remove(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.files[path]
	if !ok {
		return nil
	}
	p.lru.Remove(entry.element)
	delete(p.files, path)
	return entry.file.Close()
}

// Close closes every pooled handle.
func (p *handlePool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var lastErr error
	for path, entry := range p.files {
		if err := entry.file.Close(); err != nil {
			lastErr = err
		}
		delete(p.files, path)
	}
	p.lru.Init()
	return lastErr
}

// Size returns the number of currently pooled handles.
func (p *handlePool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.files)
}

func (p *handlePool) evictIfNeeded() {
	if len(p.files) < p.maxSize {
		return
	}
	elem := p.lru.Back()
	if elem == nil {
		return
	}
	entry := elem.Value.(*poolEntry)
	p.lru.Remove(elem)
	delete(p.files, entry.path)
	entry.file.Close()
}

// FilePool hands out append-mode write handles for segment files.
type FilePool struct{ *handlePool }

// NewFilePool returns a FilePool that keeps at most maxSize write handles
// open at once.
func NewFilePool(maxSize int) *FilePool {
	return &FilePool{handlePool: newHandlePool(maxSize, func(path string) (*os.File, error) {
		return os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	})}
}

// GetWriter returns the pooled append-mode handle for path.
func (p *FilePool) GetWriter(path string) (*os.File, error) { return p.Get(path) }

// ReaderPool hands out read-only handles for segment files.
type ReaderPool struct{ *handlePool }

// NewReaderPool returns a ReaderPool that keeps at most maxSize read
// handles open at once.
func NewReaderPool(maxSize int) *ReaderPool {
	return &ReaderPool{handlePool: newHandlePool(maxSize, os.Open)}
}

// GetReader returns the pooled read-only handle for path.
func (p *ReaderPool) GetReader(path string) (*os.File, error) { return p.Get(path) }
