// Package facade exposes broker data operations over managed sessions. It
// hides session restoration and token recovery from the HTTP layer: callers
// ask for orders, positions, or trades and the facade guarantees the call
// runs against a valid session or fails with an actionable error.
package facade

import (
	"context"
	"encoding/json"
	"log"

	"trade_gateway/internal/broker"
	"trade_gateway/internal/session"
)

// Facade runs broker data calls with transparent session recovery.
type Facade struct {
	mgr *session.Manager
}

// New creates a facade over the session manager.
func New(mgr *session.Manager) *Facade {
	return &Facade{mgr: mgr}
}

// Orders fetches the order book for an account.
func (f *Facade) Orders(ctx context.Context, brokerName, externalUserID string) (json.RawMessage, error) {
	return f.call(ctx, brokerName, externalUserID, func(h broker.Handle) (json.RawMessage, error) {
		return h.Orders(ctx)
	})
}

// Positions fetches current positions for an account.
func (f *Facade) Positions(ctx context.Context, brokerName, externalUserID string) (json.RawMessage, error) {
	return f.call(ctx, brokerName, externalUserID, func(h broker.Handle) (json.RawMessage, error) {
		return h.Positions(ctx)
	})
}

// Trades fetches the trade book for an account.
func (f *Facade) Trades(ctx context.Context, brokerName, externalUserID string) (json.RawMessage, error) {
	return f.call(ctx, brokerName, externalUserID, func(h broker.Handle) (json.RawMessage, error) {
		return h.Trades(ctx)
	})
}

// call runs one data operation against a valid session. If the broker
// rejects the session mid-call, the session is invalidated and the call
// retried exactly once against a re-established session. A second rejection
// is returned as-is; the retry never loops.
func (f *Facade) call(ctx context.Context, brokerName, externalUserID string,
	op func(broker.Handle) (json.RawMessage, error)) (json.RawMessage, error) {

	sess, err := f.mgr.EnsureValid(ctx, brokerName, externalUserID)
	if err != nil {
		return nil, err
	}

	out, err := op(sess.Handle)
	if err == nil {
		return out, nil
	}

	drv, derr := f.mgr.Driver(brokerName)
	if derr != nil || !drv.IsAuthError(err) {
		return nil, err
	}

	// The upstream rejected a session we believed valid. Retire it and
	// let EnsureValid heal or demand reauth.
	log.Printf("[Facade] %s/%s session rejected upstream, recovering", brokerName, externalUserID)
	f.mgr.Invalidate(brokerName, externalUserID)

	sess, err = f.mgr.EnsureValid(ctx, brokerName, externalUserID)
	if err != nil {
		return nil, err
	}
	return op(sess.Handle)
}
