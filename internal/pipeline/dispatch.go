package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/cloudpipe/durable-streams/internal/live"
	"github.com/cloudpipe/durable-streams/internal/protocol"
)

// Dispatch routes req to the operation its method names (spec §4.1's
// method+query dispatch table) and returns a Response and, for a GET with
// live=sse, also a live.FrameSource the adapter drives frame by frame. In
// the SSE case the Response carries only the headers to send before the
// frames; otherwise the FrameSource is nil.
func Dispatch(ctx context.Context, deps Dependencies, req Request) (*Response, live.FrameSource, error) {
	if deps.Logger != nil {
		deps.Logger.Debug("dispatching request",
			zap.String("method", req.Method),
			zap.String("path", req.Path))
	}

	switch req.Method {
	case "PUT":
		resp, err := handleCreate(deps, req)
		return resp, nil, err
	case "HEAD":
		resp, err := handleHead(deps, req)
		return resp, nil, err
	case "POST":
		resp, err := handleAppend(deps, req)
		return resp, nil, err
	case "DELETE":
		resp, err := handleDelete(deps, req)
		return resp, nil, err
	case "GET":
		return handleRead(ctx, deps, req)
	default:
		return nil, nil, protocol.NewError(protocol.KindMethodNotAllowed, "method not allowed")
	}
}
