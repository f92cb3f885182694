package protocol

// Canonical header names (bit-exact per spec §6). Framework adapters must
// use these literal strings on the wire; Go's net/textproto canonicalizes
// casing for us on both read and write.
const (
	HeaderStreamNextOffset = "Stream-Next-Offset"
	HeaderStreamUpToDate   = "Stream-Up-To-Date"
	HeaderStreamCursor     = "Stream-Cursor"
	HeaderStreamTTL        = "Stream-TTL"
	HeaderStreamExpiresAt  = "Stream-Expires-At"
	HeaderStreamSeq        = "Stream-Seq"
	HeaderStreamClosed     = "Stream-Closed"
	HeaderETag             = "ETag"
	HeaderIfNoneMatch      = "If-None-Match"
	HeaderContentType      = "Content-Type"
	HeaderAccept           = "Accept"
	HeaderLocation         = "Location"
	HeaderCacheControl     = "Cache-Control"
	HeaderRetryAfter       = "Retry-After"
	HeaderXError           = "X-Error"

	// Idempotent-producer headers (supplemented feature, SPEC_FULL §12).
	HeaderProducerId    = "Producer-Id"
	HeaderProducerEpoch = "Producer-Epoch"
	HeaderProducerSeq   = "Producer-Seq"
)

// Canonical query parameter names (spec §6).
const (
	QueryOffset = "offset"
	QueryLive   = "live"
	QueryCursor = "cursor"

	// QueryAnalytics and QuerySQL are additive (SPEC_FULL §11); absent from
	// spec.md's own grammar, so they never conflict with a bare catch-up GET.
	QueryAnalytics = "analytics"
	QuerySQL       = "sql"
)

// Canonical `live` mode values.
const (
	LiveLongPoll = "long-poll"
	LiveSSE      = "sse"
)

// StreamUpToDateTrue is the canonical boolean-true value for
// Stream-Up-To-Date (spec §6: "Canonical boolean true value").
const StreamUpToDateTrue = "true"

// DefaultContentType is substituted when a client omits Content-Type on PUT.
const DefaultContentType = "application/octet-stream"

// ContentTypeJSON is the media type that selects JSON-mode codec semantics.
const ContentTypeJSON = "application/json"
