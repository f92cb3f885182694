package pipeline

import (
	"context"
	"time"

	"github.com/cloudpipe/durable-streams/internal/cursor"
	"github.com/cloudpipe/durable-streams/internal/live"
	"github.com/cloudpipe/durable-streams/internal/protocol"
	"github.com/cloudpipe/durable-streams/internal/store"
)

// handleRead handles GET: catch-up read, long-poll, SSE, and the additive
// analytics query mode (spec §4.1/§4.2/§4.6, SPEC_FULL §11).
func handleRead(ctx context.Context, deps Dependencies, req Request) (*Response, live.FrameSource, error) {
	meta, err := deps.Store.Get(req.Path)
	if err != nil {
		return nil, nil, err
	}

	offsetStr, offsetProvided, err := protocol.SingleQueryValue(req.Query, protocol.QueryOffset, true)
	if err != nil {
		return nil, nil, err
	}
	offset, err := protocol.ParseOffset(offsetStr)
	if err != nil {
		return nil, nil, protocol.ErrInvalidOffset
	}

	liveMode, _, err := protocol.SingleQueryValue(req.Query, protocol.QueryLive, false)
	if err != nil {
		return nil, nil, err
	}
	cursorParam, _, err := protocol.SingleQueryValue(req.Query, protocol.QueryCursor, false)
	if err != nil {
		return nil, nil, err
	}

	if liveMode != "" && liveMode != protocol.LiveLongPoll && liveMode != protocol.LiveSSE {
		return nil, nil, protocol.NewError(protocol.KindBadRequest, "invalid live mode")
	}

	if liveMode == protocol.LiveLongPoll && !offsetProvided {
		return nil, nil, protocol.NewError(protocol.KindBadRequest, "offset required for long-poll mode")
	}
	if liveMode == protocol.LiveSSE && !offsetProvided {
		return nil, nil, protocol.NewError(protocol.KindBadRequest, "offset required for SSE mode")
	}

	if liveMode == protocol.LiveSSE {
		if !protocol.IsTextOrJSON(meta.ContentType) {
			return nil, nil, protocol.NewError(protocol.KindBadRequest, "SSE mode requires text/* or application/json content type")
		}
		source := live.NewSSE(deps.Store, deps.CursorPolicy, req.Path, offset, cursorParam, deps.SSEReconnectInterval)
		resp := NewResponse(StatusOK)
		resp.Header.Set(protocol.HeaderContentType, "text/event-stream")
		resp.Header.Set(protocol.HeaderCacheControl, "no-cache")
		return resp, source, nil
	}

	if analyticsFlag, present, err := protocol.SingleQueryValue(req.Query, protocol.QueryAnalytics, false); err != nil {
		return nil, nil, err
	} else if present && analyticsFlag != "" {
		return handleAnalytics(ctx, deps, req)
	}

	messages, _, err := deps.Store.Read(req.Path, offset)
	if err != nil {
		return nil, nil, err
	}

	nextOffset := offset
	if len(messages) > 0 {
		nextOffset = messages[len(messages)-1].Offset
	} else {
		nextOffset = meta.CurrentOffset
	}

	if liveMode == protocol.LiveLongPoll && len(messages) == 0 {
		timeout := deps.LongPollTimeout
		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		waited, timedOut, _, err := deps.Store.WaitForMessages(waitCtx, req.Path, offset, timeout)
		if err != nil {
			if waitCtx.Err() != nil {
				return caughtUpNoContent(deps, meta, offset, cursorParam), nil, nil
			}
			return nil, nil, err
		}
		if timedOut {
			return caughtUpNoContent(deps, meta, offset, cursorParam), nil, nil
		}
		messages = waited
		if len(messages) > 0 {
			nextOffset = messages[len(messages)-1].Offset
		}
	}

	currentMeta, err := deps.Store.Get(req.Path)
	if err != nil {
		return nil, nil, err
	}
	upToDate := nextOffset.Equal(currentMeta.CurrentOffset)

	resp := NewResponse(StatusOK)
	resp.Header.Set(protocol.HeaderContentType, meta.ContentType)
	resp.Header.Set(protocol.HeaderStreamNextOffset, nextOffset.String())
	if upToDate {
		resp.Header.Set(protocol.HeaderStreamUpToDate, protocol.StreamUpToDateTrue)
	}
	if currentMeta.Closed {
		resp.Header.Set(protocol.HeaderStreamClosed, "true")
	}
	if liveMode == protocol.LiveLongPoll {
		resp.Header.Set(protocol.HeaderStreamCursor, deps.CursorPolicy.Issue(time.Now(), cursorParam))
	}

	etag := cursor.ETag(currentMeta.StreamId, offset.String(), nextOffset.String())
	resp.Header.Set(protocol.HeaderETag, etag)

	if !upToDate && len(messages) > 0 {
		resp.Header.Set(protocol.HeaderCacheControl, cursor.CacheControl(cursor.Public))
	} else {
		resp.Header.Set(protocol.HeaderCacheControl, cursor.CacheControl(cursor.Private))
	}

	if inm := req.Header.Get(protocol.HeaderIfNoneMatch); inm != "" && inm == etag {
		return &Response{Status: StatusNotModified, Header: resp.Header}, nil, nil
	}

	body, err := deps.Store.FormatResponse(req.Path, messages)
	if err != nil {
		return nil, nil, err
	}
	resp.Body = body
	return resp, nil, nil
}

func caughtUpNoContent(deps Dependencies, meta *store.StreamMetadata, offset protocol.Offset, cursorParam string) *Response {
	resp := NewResponse(StatusNoContent)
	resp.Header.Set(protocol.HeaderContentType, meta.ContentType)
	resp.Header.Set(protocol.HeaderStreamNextOffset, offset.String())
	resp.Header.Set(protocol.HeaderStreamUpToDate, protocol.StreamUpToDateTrue)
	resp.Header.Set(protocol.HeaderStreamCursor, deps.CursorPolicy.Issue(time.Now(), cursorParam))
	return resp
}

// handleAnalytics serves the ?analytics=1&sql=... query mode (SPEC_FULL
// §11): additive, never reached unless the client opts in with a query key
// absent from spec.md's own grammar.
func handleAnalytics(ctx context.Context, deps Dependencies, req Request) (*Response, live.FrameSource, error) {
	if deps.Analytics == nil {
		return nil, nil, protocol.NewError(protocol.KindBadRequest, "analytics is not enabled")
	}

	sqlText, _, err := protocol.SingleQueryValue(req.Query, protocol.QuerySQL, true)
	if err != nil {
		return nil, nil, err
	}

	result, err := deps.Analytics.Query(ctx, req.Path, sqlText)
	if err != nil {
		return nil, nil, err
	}

	resp := NewResponse(StatusOK)
	resp.Header.Set(protocol.HeaderContentType, protocol.ContentTypeJSON)
	resp.Header.Set(protocol.HeaderCacheControl, cursor.CacheControl(cursor.NoStore))
	resp.Body = result
	return resp, nil, nil
}
