package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/cloudpipe/durable-streams/internal/protocol"
)

var metadataBucket = []byte("metadata")

// BboltMetadataStore is the default MetadataStore, backed by a single
// go.etcd.io/bbolt database file.
type BboltMetadataStore struct {
	db     *bbolt.DB
	mu     sync.RWMutex
	path   string
	closed bool
}

// NewBboltMetadataStore opens (creating if necessary) a bbolt database
// under dataDir.
func NewBboltMetadataStore(dataDir string) (*BboltMetadataStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "metadata.db")
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt database: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(metadataBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create metadata bucket: %w", err)
	}

	return &BboltMetadataStore{db: db, path: dataDir}, nil
}

func (s *BboltMetadataStore) Put(meta *StreamMetadata, directoryName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("metadata store is closed")
	}

	data, err := marshalRecord(meta, directoryName)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(metadataBucket).Put([]byte(meta.Path), data)
	})
}

func (s *BboltMetadataStore) Get(path string) (*StreamMetadata, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, "", fmt.Errorf("metadata store is closed")
	}

	var meta *StreamMetadata
	var directoryName string
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(metadataBucket).Get([]byte(path))
		if data == nil {
			return protocol.ErrStreamNotFound
		}
		var err error
		meta, directoryName, err = unmarshalRecord(append([]byte(nil), data...))
		return err
	})
	if err != nil {
		return nil, "", err
	}
	return meta, directoryName, nil
}

func (s *BboltMetadataStore) Has(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	exists := false
	s.db.View(func(tx *bbolt.Tx) error {
		exists = tx.Bucket(metadataBucket).Get([]byte(path)) != nil
		return nil
	})
	return exists
}

func (s *BboltMetadataStore) Delete(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("metadata store is closed")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(metadataBucket)
		if b.Get([]byte(path)) == nil {
			return protocol.ErrStreamNotFound
		}
		return b.Delete([]byte(path))
	})
}

func (s *BboltMetadataStore) mutate(path string, fn func(*record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("metadata store is closed")
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(metadataBucket)
		data := b.Get([]byte(path))
		if data == nil {
			return protocol.ErrStreamNotFound
		}

		var r record
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		fn(&r)

		newData, err := json.Marshal(&r)
		if err != nil {
			return err
		}
		return b.Put([]byte(path), newData)
	})
}

func (s *BboltMetadataStore) UpdateAppendState(path string, offset protocol.Offset, lastSeq string, producerId string, producerState *ProducerState, closed bool, closedBy *ClosedByProducer) error {
	return s.mutate(path, func(r *record) {
		r.CurrentOffset = offset.String()
		if lastSeq != "" {
			r.LastSeq = lastSeq
		}
		if producerId != "" && producerState != nil {
			if r.Producers == nil {
				r.Producers = make(map[string]*recordProducer)
			}
			r.Producers[producerId] = &recordProducer{Epoch: producerState.Epoch, LastSeq: producerState.LastSeq, LastUpdated: producerState.LastUpdated.Unix()}
		}
		if closed {
			r.Closed = true
			if closedBy != nil {
				r.ClosedBy = &recordClosedBy{ProducerId: closedBy.ProducerId, Epoch: closedBy.Epoch, Seq: closedBy.Seq}
			}
		}
	})
}

func (s *BboltMetadataStore) SetClosed(path string, closed bool, closedBy *ClosedByProducer) error {
	return s.mutate(path, func(r *record) {
		r.Closed = closed
		if closedBy != nil {
			r.ClosedBy = &recordClosedBy{ProducerId: closedBy.ProducerId, Epoch: closedBy.Epoch, Seq: closedBy.Seq}
		}
	})
}

func (s *BboltMetadataStore) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, fmt.Errorf("metadata store is closed")
	}

	var paths []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(metadataBucket).ForEach(func(k, v []byte) error {
			paths = append(paths, string(append([]byte(nil), k...)))
			return nil
		})
	})
	return paths, err
}

func (s *BboltMetadataStore) ForEach(fn func(meta *StreamMetadata, directoryName string) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("metadata store is closed")
	}

	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(metadataBucket).ForEach(func(k, v []byte) error {
			meta, directoryName, err := unmarshalRecord(append([]byte(nil), v...))
			if err != nil {
				return err
			}
			return fn(meta, directoryName)
		})
	})
}

func (s *BboltMetadataStore) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("metadata store is closed")
	}
	return s.db.Sync()
}

func (s *BboltMetadataStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *BboltMetadataStore) Path() string { return s.path }
