// Package webhook implements the change-notification subscription system
// (SPEC_FULL §11/§12): a push-based complement to the pull-based long-poll
// and SSE modes of spec.md §4.6. A subscription maps a glob pattern over
// stream paths to a callback URL; creating a matching stream spawns a
// per-(subscription, stream) consumer, an append wakes an idle consumer that
// has unacknowledged data through a signed, epoch-fenced webhook, and a
// delete drops the stream from its consumers.
package webhook

import (
	"time"

	"github.com/cloudpipe/durable-streams/internal/protocol"
)

// ConsumerState is the state machine for one consumer instance.
type ConsumerState string

const (
	StateIDLE   ConsumerState = "IDLE"
	StateWAKING ConsumerState = "WAKING"
	StateLIVE   ConsumerState = "LIVE"
)

// Subscription maps a glob pattern over stream paths to a callback URL.
type Subscription struct {
	SubscriptionID string `json:"subscription_id"`
	Pattern        string `json:"pattern"`
	Webhook        string `json:"webhook"`
	WebhookSecret  string `json:"webhook_secret,omitempty"`
	Description    string `json:"description,omitempty"`
}

// ConsumerInstance tracks the state of one (subscription, stream) pair.
type ConsumerInstance struct {
	ConsumerID     string
	SubscriptionID string
	PrimaryStream  string
	State          ConsumerState
	Epoch          int
	WakeID         string
	WakeIDClaimed  bool
	Streams        map[string]protocol.Offset // path -> last acked offset
	LastCallbackAt time.Time

	LastWebhookFailureAt  *time.Time
	FirstWebhookFailureAt *time.Time
	RetryCount            int

	retryCancel    chan struct{}
	livenessCancel chan struct{}
}

// CancelRetry cancels any pending retry timer.
func (c *ConsumerInstance) CancelRetry() {
	if c.retryCancel != nil {
		close(c.retryCancel)
		c.retryCancel = nil
	}
}

// CancelLiveness cancels any pending liveness timer.
func (c *ConsumerInstance) CancelLiveness() {
	if c.livenessCancel != nil {
		close(c.livenessCancel)
		c.livenessCancel = nil
	}
}

// CallbackRequest is the JSON body a consumer posts to its callback URL.
type CallbackRequest struct {
	Epoch       int        `json:"epoch"`
	WakeID      string     `json:"wake_id,omitempty"`
	Acks        []AckEntry `json:"acks,omitempty"`
	Subscribe   []string   `json:"subscribe,omitempty"`
	Unsubscribe []string   `json:"unsubscribe,omitempty"`
	Done        *bool      `json:"done,omitempty"`
}

// AckEntry acknowledges a stream offset.
type AckEntry struct {
	Path   string `json:"path"`
	Offset string `json:"offset"`
}

// StreamEntry reports a stream and its last-acked offset.
type StreamEntry struct {
	Path   string `json:"path"`
	Offset string `json:"offset"`
}

// CallbackSuccess is returned on a successful callback.
type CallbackSuccess struct {
	OK      bool          `json:"ok"`
	Token   string        `json:"token"`
	Streams []StreamEntry `json:"streams"`
}

// CallbackErrorResponse is returned on a failed callback.
type CallbackErrorResponse struct {
	OK    bool           `json:"ok"`
	Error CallbackErrObj `json:"error"`
	Token string         `json:"token,omitempty"`
}

// CallbackErrObj carries an error code and message.
type CallbackErrObj struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

const (
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeTokenExpired   = "TOKEN_EXPIRED"
	ErrCodeTokenInvalid   = "TOKEN_INVALID"
	ErrCodeAlreadyClaimed = "ALREADY_CLAIMED"
	ErrCodeInvalidOffset  = "INVALID_OFFSET"
	ErrCodeStaleEpoch     = "STALE_EPOCH"
	ErrCodeConsumerGone   = "CONSUMER_GONE"
)

// ErrorCodeToHTTPStatus maps callback error codes to HTTP status codes.
var ErrorCodeToHTTPStatus = map[string]int{
	ErrCodeInvalidRequest: 400,
	ErrCodeTokenExpired:   401,
	ErrCodeTokenInvalid:   401,
	ErrCodeAlreadyClaimed: 409,
	ErrCodeInvalidOffset:  409,
	ErrCodeStaleEpoch:     409,
	ErrCodeConsumerGone:   410,
}
