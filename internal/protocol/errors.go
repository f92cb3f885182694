package protocol

import (
	"errors"
	"net/http"
)

// Kind tags a protocol-level failure with the HTTP status the pipeline must
// map it to (spec §7). Store and pipeline code never returns a raw status
// code directly; it returns a *Error wrapping one of these kinds, and the
// boundary (internal/pipeline) performs the single translation to HTTP.
type Kind int

const (
	KindNone Kind = iota
	KindBadRequest
	KindNotFound
	KindMethodNotAllowed
	KindConflict
	KindGone
	KindPayloadTooLarge
	KindTooManyRequests
	KindNotModified
	KindInternal
)

// HTTPStatus returns the status code spec.md §7 assigns to k.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case KindConflict:
		return http.StatusConflict
	case KindGone:
		return http.StatusGone
	case KindPayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindTooManyRequests:
		return http.StatusTooManyRequests
	case KindNotModified:
		return http.StatusNotModified
	default:
		return http.StatusInternalServerError
	}
}

// Error is a tagged protocol failure with a short, client-facing hint
// (carried in X-Error, spec §7) and the underlying cause for logging.
type Error struct {
	Kind  Kind
	Hint  string
	Cause error
}

func (e *Error) Error() string {
	if e.Hint != "" {
		return e.Hint
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds a tagged Error with a client-facing hint.
func NewError(kind Kind, hint string) *Error {
	return &Error{Kind: kind, Hint: hint}
}

// Wrap tags an underlying error with a Kind, keeping it in the Unwrap chain.
func Wrap(kind Kind, hint string, cause error) *Error {
	return &Error{Kind: kind, Hint: hint, Cause: cause}
}

func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "bad request"
	case KindNotFound:
		return "not found"
	case KindMethodNotAllowed:
		return "method not allowed"
	case KindConflict:
		return "conflict"
	case KindGone:
		return "gone"
	case KindPayloadTooLarge:
		return "payload too large"
	case KindTooManyRequests:
		return "too many requests"
	case KindNotModified:
		return "not modified"
	case KindInternal:
		return "internal error"
	default:
		return "unknown"
	}
}

// KindOf extracts the Kind from err, defaulting to KindInternal when err
// doesn't carry one (an invariant violation the pipeline should 500 on).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Store-level sentinels. Store implementations return these (optionally
// wrapped via Wrap) and callers compare with errors.Is.
var (
	ErrStreamNotFound      = NewError(KindNotFound, "stream not found")
	ErrConfigMismatch      = NewError(KindConflict, "stream exists with different configuration")
	ErrContentTypeMismatch = NewError(KindConflict, "content type mismatch")
	ErrSequenceConflict    = NewError(KindConflict, "sequence number conflict")
	ErrStreamClosed        = NewError(KindConflict, "stream is closed")
	ErrEmptyBody           = NewError(KindBadRequest, "empty body not allowed")
	ErrInvalidOffset       = NewError(KindBadRequest, "invalid offset")
	ErrOffsetBeyondTail    = NewError(KindBadRequest, "offset beyond stream tail")
	ErrBelowRetentionFloor = NewError(KindGone, "offset below retention floor")
	ErrEmptyJSONArray      = NewError(KindBadRequest, "empty JSON array not allowed")
	ErrInvalidJSON         = NewError(KindBadRequest, "invalid JSON")

	// Idempotent-producer sentinels (SPEC_FULL §12).
	ErrStaleEpoch      = NewError(KindConflict, "producer epoch is stale")
	ErrInvalidEpochSeq = NewError(KindConflict, "new epoch must start at sequence 0")
	ErrProducerSeqGap  = NewError(KindConflict, "producer sequence gap detected")
	ErrPartialProducer = NewError(KindBadRequest, "all producer headers must be provided together")
)
