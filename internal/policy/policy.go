// Package policy answers "may A call B". The realtime core does not own
// social-graph data; deployments plug their block/privacy checks in here.
package policy

import "context"

// Checker decides whether a caller may ring a set of receivers. A denial
// surfaces to the caller as a forbidden error before any session exists.
type Checker interface {
	// CanCall returns nil when callerID may call every receiver, or an
	// error naming the first refusal.
	CanCall(ctx context.Context, callerID string, receiverIDs []string) error
}

// AllowAll permits every call. The default when no social-graph service is
// wired in.
type AllowAll struct{}

func (AllowAll) CanCall(context.Context, string, []string) error { return nil }

// Func adapts a function to Checker.
type Func func(ctx context.Context, callerID string, receiverIDs []string) error

func (f Func) CanCall(ctx context.Context, callerID string, receiverIDs []string) error {
	return f(ctx, callerID, receiverIDs)
}
