package pipeline

import (
	"strconv"

	"github.com/cloudpipe/durable-streams/internal/protocol"
	"github.com/cloudpipe/durable-streams/internal/store"
)

// handleAppend handles POST: append data to a stream (spec §4.1/§4.2), with
// the idempotent-producer and stream-close extensions from SPEC_FULL §12.
func handleAppend(deps Dependencies, req Request) (*Response, error) {
	meta, err := deps.Store.Get(req.Path)
	if err != nil {
		return nil, err
	}

	contentType := req.Header.Get(protocol.HeaderContentType)
	if contentType == "" {
		return nil, protocol.NewError(protocol.KindBadRequest, "Content-Type header is required")
	}
	if !protocol.ContentTypeMatches(meta.ContentType, contentType) {
		return nil, protocol.ErrContentTypeMismatch
	}

	if len(req.Body) == 0 {
		return nil, protocol.ErrEmptyBody
	}

	opts := store.AppendOptions{
		Seq:         req.Header.Get(protocol.HeaderStreamSeq),
		ContentType: contentType,
		Close:       req.Header.Get(protocol.HeaderStreamClosed) == "true",
		ProducerId:  req.Header.Get(protocol.HeaderProducerId),
	}

	if epochStr := req.Header.Get(protocol.HeaderProducerEpoch); epochStr != "" {
		epoch, err := strconv.ParseInt(epochStr, 10, 64)
		if err != nil {
			return nil, protocol.NewError(protocol.KindBadRequest, "invalid Producer-Epoch")
		}
		opts.ProducerEpoch = &epoch
	}
	if seqStr := req.Header.Get(protocol.HeaderProducerSeq); seqStr != "" {
		seq, err := strconv.ParseInt(seqStr, 10, 64)
		if err != nil {
			return nil, protocol.NewError(protocol.KindBadRequest, "invalid Producer-Seq")
		}
		opts.ProducerSeq = &seq
	}

	result, err := deps.Store.Append(req.Path, req.Body, opts)
	if err != nil {
		return nil, err
	}

	resp := NewResponse(StatusNoContent)
	resp.Header.Set(protocol.HeaderStreamNextOffset, result.Offset.String())
	if result.StreamClosed {
		resp.Header.Set(protocol.HeaderStreamClosed, "true")
	}
	return resp, nil
}
