// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Tollgate Contributors

package resolve

import "context"

// Session identity is threaded through context.Context values set at launch
// time of a delegated execution. This replaces the historical globally-shared
// "current session" singleton: absence of a context token means "treat as
// independent", never "fall back to shared state".

type ctxKey int

const (
	sessionKey ctxKey = iota
	delegatedKey
)

// WithSession returns a context carrying an explicit session identity.
// Callers launching delegated work attach the token at launch time.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey, sessionID)
}

// SessionFrom extracts the session identity carried on the context, if any.
func SessionFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sessionKey).(string)
	return id, ok && id != ""
}

// WithDelegated marks the context as a delegated/exempt execution.
func WithDelegated(ctx context.Context) context.Context {
	return context.WithValue(ctx, delegatedKey, true)
}

// DelegatedFrom reports whether the context is marked delegated.
func DelegatedFrom(ctx context.Context) bool {
	delegated, ok := ctx.Value(delegatedKey).(bool)
	return ok && delegated
}
