package durablestreams

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/caddyserver/caddy/v2/modules/caddyhttp"

	"github.com/cloudpipe/durable-streams/internal/live"
	"github.com/cloudpipe/durable-streams/internal/pipeline"
	"github.com/cloudpipe/durable-streams/internal/protocol"
)

// ServeHTTP implements caddyhttp.MiddlewareHandler. It is a thin translator
// between net/http and the framework-neutral request pipeline (SPEC_FULL
// §13): build a pipeline.Request, call pipeline.Dispatch, and copy the
// neutral Response or live.FrameSource back onto the ResponseWriter.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, HEAD, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Stream-Seq, Stream-TTL, Stream-Expires-At, If-None-Match, "+
		protocol.HeaderProducerId+", "+protocol.HeaderProducerEpoch+", "+protocol.HeaderProducerSeq+", "+protocol.HeaderStreamClosed)
	w.Header().Set("Access-Control-Expose-Headers", "Stream-Next-Offset, Stream-Cursor, Stream-Up-To-Date, Stream-Closed, ETag, Location")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}

	if h.webhookRoutes != nil && h.webhookRoutes.HandleRequest(w, r) {
		return nil
	}

	req, err := h.buildRequest(r)
	if err != nil {
		writeError(w, err)
		return nil
	}

	if h.logger != nil {
		h.logger.Debug("handling request")
	}

	resp, frames, err := pipeline.Dispatch(r.Context(), h.dependencies(), *req)
	if err != nil {
		writeError(w, err)
		return nil
	}

	if frames != nil {
		h.streamFrames(w, r, resp, frames)
		return nil
	}

	h.notifyWebhooks(r.Method, req.Path)
	writeResponse(w, resp)
	return nil
}

func (h *Handler) dependencies() pipeline.Dependencies {
	return pipeline.Dependencies{
		Store:                h.store,
		CursorPolicy:         h.cursorPolicy,
		Analytics:            h.analyticsEng,
		Logger:               h.logger,
		LongPollTimeout:      time.Duration(h.LongPollTimeout),
		SSEReconnectInterval: time.Duration(h.SSEReconnectInterval),
	}
}

func (h *Handler) buildRequest(r *http.Request) (*pipeline.Request, error) {
	var body []byte
	if r.ContentLength != 0 {
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil {
			return nil, protocol.NewError(protocol.KindBadRequest, "failed to read body")
		}
	}

	header := pipeline.Header{}
	for key, values := range r.Header {
		header[key] = values
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	return &pipeline.Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.Query(),
		Header: header,
		Body:   body,
		Scheme: scheme,
		Host:   r.Host,
	}, nil
}

func (h *Handler) streamFrames(w http.ResponseWriter, r *http.Request, resp *pipeline.Response, frames live.FrameSource) {
	defer frames.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, protocol.NewError(protocol.KindInternal, "streaming not supported"))
		return
	}

	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		frame, ok, err := frames.Next(ctx)
		if err != nil || !ok {
			return
		}
		if _, err := w.Write(frame.Data); err != nil {
			return
		}
		flusher.Flush()
	}
}

// notifyWebhooks tells the webhook manager about a successful mutation, so
// matching subscriptions wake (SPEC_FULL §12). The core pipeline never
// imports the webhook package; this keeps that wiring at the adapter boundary,
// same as the teacher kept webhook provisioning in module.go.
func (h *Handler) notifyWebhooks(method, path string) {
	if h.webhookManager == nil {
		return
	}
	switch method {
	case http.MethodPut:
		h.webhookManager.OnStreamCreated(path)
	case http.MethodPost:
		h.webhookManager.OnStreamAppend(path)
	case http.MethodDelete:
		h.webhookManager.OnStreamDeleted(path)
	}
}

func copyHeader(dst http.Header, src pipeline.Header) {
	for key, values := range src {
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func writeResponse(w http.ResponseWriter, resp *pipeline.Response) {
	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.Status)
	if len(resp.Body) > 0 {
		w.Write(resp.Body)
	}
}

func writeError(w http.ResponseWriter, err error) {
	var perr *protocol.Error
	if !errors.As(err, &perr) {
		perr = protocol.NewError(protocol.KindInternal, "internal error")
	}
	w.Header().Set(protocol.HeaderXError, perr.Hint)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set(protocol.HeaderCacheControl, "no-store")
	w.WriteHeader(perr.Kind.HTTPStatus())
	fmt.Fprintln(w, perr.Hint)
}
