package waitwake

import (
	"context"
	"time"
)

// Outcome reports why Wait returned.
type Outcome int

const (
	// Woken means Notify or Close fired before timeout/ctx.
	Woken Outcome = iota
	// TimedOut means the timeout elapsed with no Notify/Close.
	TimedOut
	// ContextDone means ctx was cancelled or deadline-exceeded.
	ContextDone
)

// Wait blocks on key until Notify(key)/Close(key) fires, timeout elapses,
// or ctx is done, whichever comes first. It registers and unregisters its
// own ticket, so callers never touch Register/Unregister directly.
//
// Callers that need to re-check some other state (e.g. whether data already
// arrived) between registering and blocking should call Register and
// WaitTicket directly instead — see WaitTicket.
func (r *Registry) Wait(ctx context.Context, key string, timeout time.Duration) Outcome {
	t := r.Register(key)
	defer r.Unregister(t)
	return r.WaitTicket(ctx, t, timeout)
}

// WaitTicket blocks on a ticket obtained from an earlier Register call until
// it fires, timeout elapses, or ctx is done. Splitting Register out of Wait
// lets a caller register its waiter, re-check whatever condition it's
// waiting on, and only then block — so a Notify that lands in the window
// between the initial check and the blocking wait is still observed,
// instead of being missed and waiting out the full timeout (spec §4.5:
// registration must re-check state after enqueueing). The caller still owns
// Unregister(t).
func (r *Registry) WaitTicket(ctx context.Context, t *ticket, timeout time.Duration) Outcome {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-t.Chan():
		return Woken
	case <-timer.C:
		return TimedOut
	case <-ctx.Done():
		return ContextDone
	}
}
