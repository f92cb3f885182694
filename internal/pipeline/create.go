package pipeline

import (
	"time"

	"github.com/cloudpipe/durable-streams/internal/protocol"
	"github.com/cloudpipe/durable-streams/internal/store"
)

// handleCreate handles PUT: create a stream, or recognize an existing one
// with matching config as an idempotent no-op (spec §4.1).
func handleCreate(deps Dependencies, req Request) (*Response, error) {
	contentType := req.Header.Get(protocol.HeaderContentType)
	ttlStr := req.Header.Get(protocol.HeaderStreamTTL)
	expiresAtStr := req.Header.Get(protocol.HeaderStreamExpiresAt)

	if ttlStr != "" && expiresAtStr != "" {
		return nil, protocol.NewError(protocol.KindBadRequest, "cannot specify both Stream-TTL and Stream-Expires-At")
	}

	var ttlSeconds *int64
	if ttlStr != "" {
		ttl, err := protocol.ParseTTLSeconds(ttlStr)
		if err != nil {
			return nil, err
		}
		ttlSeconds = &ttl
	}

	var expiresAt *time.Time
	if expiresAtStr != "" {
		t, err := protocol.ParseExpiresAt(expiresAtStr)
		if err != nil {
			return nil, err
		}
		expiresAt = &t
	}

	opts := store.CreateOptions{
		ContentType: contentType,
		TTLSeconds:  ttlSeconds,
		ExpiresAt:   expiresAt,
		InitialData: req.Body,
		Closed:      req.Header.Get(protocol.HeaderStreamClosed) == "true",
	}

	meta, created, err := deps.Store.Create(req.Path, opts)
	if err != nil {
		return nil, err
	}

	resp := NewResponse(StatusOK)
	resp.Header.Set(protocol.HeaderContentType, meta.ContentType)
	resp.Header.Set(protocol.HeaderStreamNextOffset, meta.CurrentOffset.String())
	if meta.Closed {
		resp.Header.Set(protocol.HeaderStreamClosed, "true")
	}

	if created {
		scheme := req.Scheme
		if scheme == "" {
			scheme = "http"
		}
		resp.Header.Set(protocol.HeaderLocation, scheme+"://"+req.Host+req.Path)
		resp.Status = StatusCreated
	}

	return resp, nil
}
