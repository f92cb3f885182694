// Package durablestreams wires the request pipeline, stream store, cursor
// policy, analytics engine, and webhook manager into a Caddy HTTP handler
// module (SPEC_FULL §13), adapted from the teacher's own Handler.
package durablestreams

import (
	"fmt"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"

	"github.com/cloudpipe/durable-streams/internal/analytics"
	"github.com/cloudpipe/durable-streams/internal/cursor"
	"github.com/cloudpipe/durable-streams/internal/protocol"
	"github.com/cloudpipe/durable-streams/internal/store"
	"github.com/cloudpipe/durable-streams/webhook"
)

func init() {
	caddy.RegisterModule(Handler{})
	httpcaddyfile.RegisterHandlerDirective("durable_streams", parseCaddyfile)
}

// Handler implements the Durable Streams protocol as a Caddy HTTP handler.
type Handler struct {
	// DataDir is the directory for storing stream data. If empty, uses
	// in-memory storage (for testing).
	DataDir string `json:"data_dir,omitempty"`

	// MaxFileHandles is the maximum number of open file handles to cache.
	MaxFileHandles int `json:"max_file_handles,omitempty"`

	// LongPollTimeout is the default timeout for long-poll requests.
	LongPollTimeout caddy.Duration `json:"long_poll_timeout,omitempty"`

	// SSEReconnectInterval is how often SSE connections should reconnect.
	SSEReconnectInterval caddy.Duration `json:"sse_reconnect_interval,omitempty"`

	// MetadataBackend selects the FileStore's MetadataStore implementation:
	// "bbolt" (default) or "lmdb".
	MetadataBackend string `json:"metadata_backend,omitempty"`

	// AnalyticsDSN enables the ?analytics=1 query mode when non-empty. The
	// value itself is currently unused beyond a feature flag — analytics
	// queries run against an in-process DuckDB instance per request.
	AnalyticsDSN string `json:"analytics_dsn,omitempty"`

	// WebhookCallbackURL is the base URL for webhook callback endpoints. If
	// set, enables the webhook subscription system.
	WebhookCallbackURL string `json:"webhook_callback_url,omitempty"`

	store          store.Store
	logger         *zap.Logger
	cursorPolicy   *cursor.Policy
	analyticsEng   analytics.Queryer
	webhookManager *webhook.Manager
	webhookRoutes  *webhook.Routes
}

// CaddyModule returns the Caddy module information.
func (Handler) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.durable_streams",
		New: func() caddy.Module { return new(Handler) },
	}
}

// Provision sets up the handler's store, cursor policy, analytics engine,
// and webhook manager.
func (h *Handler) Provision(ctx caddy.Context) error {
	h.logger = ctx.Logger()

	if h.MaxFileHandles == 0 {
		h.MaxFileHandles = 100
	}
	if h.LongPollTimeout == 0 {
		h.LongPollTimeout = caddy.Duration(30 * time.Second)
	}
	if h.SSEReconnectInterval == 0 {
		h.SSEReconnectInterval = caddy.Duration(60 * time.Second)
	}
	if h.MetadataBackend == "" {
		h.MetadataBackend = "bbolt"
	}

	h.cursorPolicy = cursor.NewPolicy(0, 0)

	if h.DataDir == "" {
		h.store = store.NewMemoryStore()
		h.logger.Info("using in-memory store (no data_dir configured)")
	} else {
		metaStore, err := h.newMetadataStore()
		if err != nil {
			return fmt.Errorf("failed to initialize metadata store: %w", err)
		}
		fileStore, err := store.NewFileStore(store.FileStoreConfig{
			DataDir:        h.DataDir,
			MetadataStore:  metaStore,
			MaxFileHandles: h.MaxFileHandles,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize file store: %w", err)
		}
		h.store = fileStore
		h.logger.Info("using file-backed store",
			zap.String("data_dir", h.DataDir),
			zap.String("metadata_backend", h.MetadataBackend))
	}

	if h.AnalyticsDSN != "" {
		h.analyticsEng = analytics.New(h.store)
		h.logger.Info("stream analytics enabled")
	}

	if h.WebhookCallbackURL != "" {
		getTailOffset := func(path string) protocol.Offset {
			meta, err := h.store.Get(path)
			if err != nil {
				return protocol.ZeroOffset
			}
			return meta.CurrentOffset
		}
		h.webhookManager = webhook.NewManager(h.WebhookCallbackURL, getTailOffset, h.logger)
		h.webhookRoutes = webhook.NewRoutes(h.webhookManager)
		h.logger.Info("webhook subscriptions enabled", zap.String("callback_url", h.WebhookCallbackURL))
	}

	return nil
}

func (h *Handler) newMetadataStore() (store.MetadataStore, error) {
	metaPath := h.DataDir + "/metadata"
	switch h.MetadataBackend {
	case "lmdb":
		return store.NewLMDBMetadataStore(metaPath)
	case "bbolt", "":
		return store.NewBboltMetadataStore(metaPath)
	default:
		return nil, fmt.Errorf("unknown metadata_backend: %q", h.MetadataBackend)
	}
}

// Validate ensures the handler configuration is valid.
func (h *Handler) Validate() error {
	if h.MetadataBackend != "" && h.MetadataBackend != "bbolt" && h.MetadataBackend != "lmdb" {
		return fmt.Errorf("unknown metadata_backend: %q", h.MetadataBackend)
	}
	return nil
}

// Cleanup releases resources held by the handler.
func (h *Handler) Cleanup() error {
	if h.webhookManager != nil {
		h.webhookManager.Shutdown()
	}
	if h.store != nil {
		return h.store.Close()
	}
	return nil
}

// UnmarshalCaddyfile parses the Caddyfile syntax for durable_streams:
//
//	durable_streams {
//	    data_dir /var/lib/durable-streams
//	    max_file_handles 100
//	    long_poll_timeout 30s
//	    sse_reconnect_interval 60s
//	    metadata_backend bbolt
//	    analytics_dsn duckdb
//	    webhook_callback_url https://example.com/webhooks
//	}
func (h *Handler) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		for d.NextBlock(0) {
			switch d.Val() {
			case "data_dir":
				if !d.Args(&h.DataDir) {
					return d.ArgErr()
				}
			case "max_file_handles":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				var err error
				h.MaxFileHandles, err = parseIntArg(val)
				if err != nil {
					return d.Errf("invalid max_file_handles: %v", err)
				}
			case "long_poll_timeout":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				dur, err := caddy.ParseDuration(val)
				if err != nil {
					return d.Errf("invalid duration: %v", err)
				}
				h.LongPollTimeout = caddy.Duration(dur)
			case "sse_reconnect_interval":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				dur, err := caddy.ParseDuration(val)
				if err != nil {
					return d.Errf("invalid duration: %v", err)
				}
				h.SSEReconnectInterval = caddy.Duration(dur)
			case "metadata_backend":
				if !d.Args(&h.MetadataBackend) {
					return d.ArgErr()
				}
			case "analytics_dsn":
				if !d.Args(&h.AnalyticsDSN) {
					return d.ArgErr()
				}
			case "webhook_callback_url":
				if !d.Args(&h.WebhookCallbackURL) {
					return d.ArgErr()
				}
			default:
				return d.Errf("unknown subdirective: %s", d.Val())
			}
		}
	}
	return nil
}

func parseCaddyfile(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	var handler Handler
	err := handler.UnmarshalCaddyfile(h.Dispenser)
	return &handler, err
}

func parseIntArg(s string) (int, error) {
	var val int
	_, err := fmt.Sscanf(s, "%d", &val)
	return val, err
}

// Interface guards
var (
	_ caddy.Provisioner           = (*Handler)(nil)
	_ caddy.Validator             = (*Handler)(nil)
	_ caddy.CleanerUpper          = (*Handler)(nil)
	_ caddyhttp.MiddlewareHandler = (*Handler)(nil)
	_ caddyfile.Unmarshaler       = (*Handler)(nil)
)
