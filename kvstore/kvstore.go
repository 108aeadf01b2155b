// Package kvstore provides the shared, TTL-bearing key/value store used to
// pass short-lived protocol artifacts between requests that may land on
// different server processes or origins.
package kvstore

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Key prefixes shared by all processes of a deployment.
const (
	AuthStatePrefix       = "auth_state:"
	SessionTransferPrefix = "session_transfer:"
	SessionPrefix         = "session:"
)

// StateTTL bounds the lifetime of login-handshake artifacts. An attempt not
// completed within this window simply becomes unclaimable.
const StateTTL = 5 * time.Minute

// ErrNotFound reports a missing, expired, or already-consumed key. Callers
// cannot distinguish the three cases.
var ErrNotFound = errors.New("kvstore: key not found")

// redactKey trims a key to its prefix for error messages. Key suffixes are
// state and session identifiers; an error string carrying one would put a
// claimable value into logs.
func redactKey(key string) string {
	if i := strings.Index(key, ":"); i >= 0 {
		return key[:i+1] + "[redacted]"
	}
	return "[redacted]"
}

// Store is the minimal contract the auth subsystem needs from an ephemeral
// coordination store. GetDel must be atomic per key: a race between two
// callers yields exactly one value and one ErrNotFound.
type Store interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	GetDel(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, key string) error
}
