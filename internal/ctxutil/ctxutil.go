// Package ctxutil provides shared context key accessors.
//
// It exists so call-site annotations reach the audit recorder without
// threading through every service signature: hosts attach values to the
// context, and the recorder reads them when it builds the entry.
package ctxutil

import "context"

type contextKey string

const keyReason contextKey = "reason"

// WithReason returns a context carrying a free-form explanation for the
// mutations made under it. The audit recorder stores it on every entry
// recorded from this context that does not set its own reason.
func WithReason(ctx context.Context, reason string) context.Context {
	return context.WithValue(ctx, keyReason, reason)
}

// Reason extracts the mutation reason, or nil when none was attached.
func Reason(ctx context.Context) *string {
	if v, ok := ctx.Value(keyReason).(string); ok && v != "" {
		return &v
	}
	return nil
}
