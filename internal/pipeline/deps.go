package pipeline

import (
	"time"

	"go.uber.org/zap"

	"github.com/cloudpipe/durable-streams/internal/analytics"
	"github.com/cloudpipe/durable-streams/internal/cursor"
	"github.com/cloudpipe/durable-streams/internal/store"
)

// Dependencies bundles everything Dispatch needs, built once by the
// adapter's Provision step and passed through on every call.
type Dependencies struct {
	Store        store.Store
	CursorPolicy *cursor.Policy

	// Analytics is nil unless the analytics_dsn config knob is set
	// (SPEC_FULL §11); a nil Analytics makes the ?analytics=1 query mode
	// return a 400 instead of panicking.
	Analytics analytics.Queryer

	Logger *zap.Logger

	LongPollTimeout      time.Duration
	SSEReconnectInterval time.Duration
}
