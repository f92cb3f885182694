package pipeline

import (
	"strconv"
	"time"

	"github.com/cloudpipe/durable-streams/internal/cursor"
	"github.com/cloudpipe/durable-streams/internal/protocol"
)

// handleHead handles HEAD: return stream metadata without a body (spec §4.1).
func handleHead(deps Dependencies, req Request) (*Response, error) {
	meta, err := deps.Store.Get(req.Path)
	if err != nil {
		return nil, err
	}

	resp := NewResponse(StatusOK)
	resp.Header.Set(protocol.HeaderContentType, meta.ContentType)
	resp.Header.Set(protocol.HeaderStreamNextOffset, meta.CurrentOffset.String())
	resp.Header.Set(protocol.HeaderCacheControl, cursor.CacheControl(cursor.NoStore))

	if meta.TTLSeconds != nil {
		resp.Header.Set(protocol.HeaderStreamTTL, strconv.FormatInt(*meta.TTLSeconds, 10))
	}
	if meta.ExpiresAt != nil {
		resp.Header.Set(protocol.HeaderStreamExpiresAt, meta.ExpiresAt.Format(time.RFC3339))
	}
	if meta.Closed {
		resp.Header.Set(protocol.HeaderStreamClosed, "true")
	}

	return resp, nil
}
