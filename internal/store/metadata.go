package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cloudpipe/durable-streams/internal/protocol"
)

// MetadataStore persists StreamMetadata by path, independent of where
// message bytes themselves live. FileStore is generic over this interface
// so bbolt and LMDB are interchangeable backends selected at startup
// (SPEC_FULL §11's `metadata_backend` directive) instead of FileStore being
// hard-coded to one concrete type.
type MetadataStore interface {
	Put(meta *StreamMetadata, directoryName string) error
	Get(path string) (meta *StreamMetadata, directoryName string, err error)
	Has(path string) bool
	Delete(path string) error
	UpdateAppendState(path string, offset protocol.Offset, lastSeq string, producerId string, producerState *ProducerState, closed bool, closedBy *ClosedByProducer) error
	SetClosed(path string, closed bool, closedBy *ClosedByProducer) error
	List() ([]string, error)
	ForEach(fn func(meta *StreamMetadata, directoryName string) error) error
	Sync() error
	Close() error
	Path() string
}

// record is the on-disk serialized form of StreamMetadata, shared by both
// the bbolt and LMDB backends so they store bit-identical bytes and the
// two implementations differ only in their transaction API, not their
// schema.
type record struct {
	StreamId      string                     `json:"stream_id"`
	Path          string                     `json:"path"`
	ContentType   string                     `json:"content_type"`
	CurrentOffset string                     `json:"current_offset"`
	LastSeq       string                     `json:"last_seq"`
	TTLSeconds    *int64                     `json:"ttl_seconds,omitempty"`
	ExpiresAt     *int64                     `json:"expires_at,omitempty"`
	CreatedAt     int64                      `json:"created_at"`
	DirectoryName string                     `json:"directory_name"`
	Producers     map[string]*recordProducer `json:"producers,omitempty"`
	Closed        bool                       `json:"closed,omitempty"`
	ClosedBy      *recordClosedBy            `json:"closed_by,omitempty"`
}

type recordProducer struct {
	Epoch       int64 `json:"epoch"`
	LastSeq     int64 `json:"last_seq"`
	LastUpdated int64 `json:"last_updated"`
}

type recordClosedBy struct {
	ProducerId string `json:"producer_id"`
	Epoch      int64  `json:"epoch"`
	Seq        int64  `json:"seq"`
}

func toRecord(meta *StreamMetadata, directoryName string) (*record, error) {
	r := &record{
		StreamId:      meta.StreamId,
		Path:          meta.Path,
		ContentType:   meta.ContentType,
		CurrentOffset: meta.CurrentOffset.String(),
		LastSeq:       meta.LastSeq,
		TTLSeconds:    meta.TTLSeconds,
		CreatedAt:     meta.CreatedAt.Unix(),
		DirectoryName: directoryName,
		Closed:        meta.Closed,
	}
	if meta.ExpiresAt != nil {
		ts := meta.ExpiresAt.Unix()
		r.ExpiresAt = &ts
	}
	if len(meta.Producers) > 0 {
		r.Producers = make(map[string]*recordProducer, len(meta.Producers))
		for id, state := range meta.Producers {
			r.Producers[id] = &recordProducer{Epoch: state.Epoch, LastSeq: state.LastSeq, LastUpdated: state.LastUpdated.Unix()}
		}
	}
	if meta.ClosedBy != nil {
		r.ClosedBy = &recordClosedBy{ProducerId: meta.ClosedBy.ProducerId, Epoch: meta.ClosedBy.Epoch, Seq: meta.ClosedBy.Seq}
	}
	return r, nil
}

func (r *record) toMetadata() (*StreamMetadata, error) {
	offset, err := protocol.ParseOffset(r.CurrentOffset)
	if err != nil {
		return nil, fmt.Errorf("parse stored offset: %w", err)
	}

	meta := &StreamMetadata{
		StreamId:      r.StreamId,
		Path:          r.Path,
		ContentType:   r.ContentType,
		CurrentOffset: offset,
		LastSeq:       r.LastSeq,
		TTLSeconds:    r.TTLSeconds,
		CreatedAt:     time.Unix(r.CreatedAt, 0),
		Closed:        r.Closed,
	}
	if r.ExpiresAt != nil {
		t := time.Unix(*r.ExpiresAt, 0)
		meta.ExpiresAt = &t
	}
	if len(r.Producers) > 0 {
		meta.Producers = make(map[string]*ProducerState, len(r.Producers))
		for id, p := range r.Producers {
			meta.Producers[id] = &ProducerState{Epoch: p.Epoch, LastSeq: p.LastSeq, LastUpdated: time.Unix(p.LastUpdated, 0)}
		}
	}
	if r.ClosedBy != nil {
		meta.ClosedBy = &ClosedByProducer{ProducerId: r.ClosedBy.ProducerId, Epoch: r.ClosedBy.Epoch, Seq: r.ClosedBy.Seq}
	}
	return meta, nil
}

func marshalRecord(meta *StreamMetadata, directoryName string) ([]byte, error) {
	r, err := toRecord(meta, directoryName)
	if err != nil {
		return nil, err
	}
	return json.Marshal(r)
}

func unmarshalRecord(data []byte) (*StreamMetadata, string, error) {
	var r record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, "", fmt.Errorf("unmarshal metadata record: %w", err)
	}
	meta, err := r.toMetadata()
	if err != nil {
		return nil, "", err
	}
	return meta, r.DirectoryName, nil
}
