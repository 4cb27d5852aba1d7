package main

import (
	"context"
	"net/http"
	"time"

	"github.com/ainp-broker/broker/pkg/api"
)

// didContextKey is the context key carrying the caller's DID, as set by
// requireDID after reading the X-Agent-DID header. The broker trusts this
// header behind the assumption that whatever sits in front of it (a
// gateway terminating mutual TLS, or a future DID-bound token exchange)
// has already authenticated the caller; envelope endpoints never rely on
// it since envelopes carry their own Ed25519 signatures.
type didContextKey struct{}

// requireDID enforces spec §6's "All require DID header set by auth
// middleware" for the mailbox surface: callers identify themselves via
// X-Agent-DID, and a missing header is rejected before the handler runs.
func requireDID(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		did := r.Header.Get("X-Agent-DID")
		if did == "" {
			api.WriteError(w, http.StatusUnauthorized, "MISSING_DID", "X-Agent-DID header is required")
			return
		}
		ctx := context.WithValue(r.Context(), didContextKey{}, did)
		next(w, r.WithContext(ctx))
	}
}

// callerDID reads the DID requireDID stored on the request context.
func callerDID(r *http.Request) string {
	did, _ := r.Context().Value(didContextKey{}).(string)
	return did
}

// msToTime converts a millisecond Unix timestamp to UTC, treating zero as
// "unset" rather than the Unix epoch.
func msToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
