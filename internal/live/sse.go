// Package live implements component F (live orchestration, spec §4.6): the
// long-poll wait is just one blocking Store call, but SSE is a genuinely
// stateful per-connection sequence, so it gets its own lazy frame source
// instead of writing straight to a socket (spec §9, "pluggable transport
// adapters" — only the Caddy adapter may touch net/http).
package live

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cloudpipe/durable-streams/internal/cursor"
	"github.com/cloudpipe/durable-streams/internal/protocol"
	"github.com/cloudpipe/durable-streams/internal/store"
)

// Frame is one SSE frame ready to write to the wire verbatim.
type Frame struct {
	Event string
	Data  []byte
}

// FrameSource produces a lazy sequence of SSE frames for one GET
// ?live=sse connection. Next blocks until a frame is ready, the connection
// should close (ok=false, err=nil), or an error occurs.
type FrameSource interface {
	Next(ctx context.Context) (frame Frame, ok bool, err error)
	Close() error
}

type sseSource struct {
	st           store.Store
	cursorPolicy *cursor.Policy
	path         string
	offset       protocol.Offset
	clientCursor string
	reconnectAt  time.Time
	sentInitial  bool
	waitTimeout  time.Duration
}

// NewSSE builds a FrameSource for path starting at offset, matching the
// teacher's handleSSE loop: send a data+control frame pair as messages
// arrive, poll WaitForMessages in short slices between sends, and signal
// done once the reconnect interval elapses so a CDN can collapse
// concurrent connections onto a single upstream request (spec §4.6).
func NewSSE(st store.Store, cursorPolicy *cursor.Policy, path string, offset protocol.Offset, clientCursor string, reconnectInterval time.Duration) FrameSource {
	return &sseSource{
		st:           st,
		cursorPolicy: cursorPolicy,
		path:         path,
		offset:       offset,
		clientCursor: clientCursor,
		reconnectAt:  time.Now().Add(reconnectInterval),
		waitTimeout:  100 * time.Millisecond,
	}
}

func (s *sseSource) Next(ctx context.Context) (Frame, bool, error) {
	for {
		if ctx.Err() != nil {
			return Frame{}, false, nil
		}
		if time.Now().After(s.reconnectAt) {
			return Frame{}, false, nil
		}

		messages, _, err := s.st.Read(s.path, s.offset)
		if err != nil {
			return Frame{}, false, err
		}

		if len(messages) > 0 {
			frame, newOffset, err := s.dataFrame(messages)
			if err != nil {
				return Frame{}, false, err
			}
			s.offset = newOffset
			s.sentInitial = true
			return frame, true, nil
		}

		if !s.sentInitial {
			frame, err := s.initialControlFrame()
			if err != nil {
				return Frame{}, false, err
			}
			s.sentInitial = true
			return frame, true, nil
		}

		waitCtx, cancel := context.WithTimeout(ctx, s.waitTimeout)
		s.st.WaitForMessages(waitCtx, s.path, s.offset, s.waitTimeout)
		cancel()
	}
}

func (s *sseSource) dataFrame(messages []store.Message) (Frame, protocol.Offset, error) {
	body, err := s.st.FormatResponse(s.path, messages)
	if err != nil {
		return Frame{}, protocol.Offset{}, err
	}

	var buf strings.Builder
	buf.WriteString("event: data\n")
	for _, line := range strings.Split(string(body), "\n") {
		buf.WriteString("data: ")
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')

	newOffset := messages[len(messages)-1].Offset

	responseCursor := s.cursorPolicy.Issue(time.Now(), s.clientCursor)
	tail, err := s.st.GetCurrentOffset(s.path)
	if err != nil {
		return Frame{}, protocol.Offset{}, err
	}
	controlJSON, err := json.Marshal(map[string]any{
		"streamNextOffset": newOffset.String(),
		"streamCursor":     responseCursor,
		"upToDate":         newOffset.Equal(tail),
	})
	if err != nil {
		return Frame{}, protocol.Offset{}, err
	}
	buf.WriteString("event: control\ndata: ")
	buf.Write(controlJSON)
	buf.WriteString("\n\n")

	return Frame{Event: "data", Data: []byte(buf.String())}, newOffset, nil
}

func (s *sseSource) initialControlFrame() (Frame, error) {
	currentOffset, err := s.st.GetCurrentOffset(s.path)
	if err != nil {
		return Frame{}, err
	}
	responseCursor := s.cursorPolicy.Issue(time.Now(), s.clientCursor)
	controlJSON, err := json.Marshal(map[string]any{
		"streamNextOffset": currentOffset.String(),
		"streamCursor":     responseCursor,
		"upToDate":         true,
	})
	if err != nil {
		return Frame{}, err
	}
	data := "event: control\ndata: " + string(controlJSON) + "\n\n"
	return Frame{Event: "control", Data: []byte(data)}, nil
}

func (s *sseSource) Close() error { return nil }
