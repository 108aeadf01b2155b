package server

import (
	"errors"
	"log/slog"
	"time"

	"authgate/directory"
)

// SessionUser is the identity projection embedded in a session.
type SessionUser struct {
	ID          string         `json:"id"`
	Email       string         `json:"email"`
	DisplayName string         `json:"displayName"`
	Role        directory.Role `json:"role"`
	Groups      []string       `json:"groups,omitempty"`
}

// Tokens holds the provider-issued tokens for a session. The strings are
// opaque to this service and must never appear in logs.
type Tokens struct {
	AccessToken string `json:"access_token"`
	IDToken     string `json:"id_token"`
}

// LogValue keeps token material out of structured logs.
func (Tokens) LogValue() slog.Value {
	return slog.StringValue("[redacted]")
}

// AuthorizationAttempt is the transient per-login-attempt state. State
// doubles as the CSRF binder and the coordination-store key. Verifier,
// nonce, and state must never appear in logs.
type AuthorizationAttempt struct {
	State         string    `json:"state"`
	Nonce         string    `json:"nonce"`
	CodeVerifier  string    `json:"code_verifier"`
	CodeChallenge string    `json:"code_challenge"`
	ReturnTo      string    `json:"return_to"`
	CreatedAt     time.Time `json:"created_at"`
}

// LogValue redacts the attempt's secrets while keeping the timestamp.
func (a AuthorizationAttempt) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("state", "[redacted]"),
		slog.Time("created_at", a.CreatedAt),
	)
}

// Stage enumerates the session's lifecycle states. Transitions are guarded
// so a session can never hold tokens without having passed through an
// attempt or an explicit adoption.
type Stage int

const (
	StageAnonymous Stage = iota
	StageAttemptInFlight
	StageAuthenticated
)

func (s Stage) String() string {
	switch s {
	case StageAnonymous:
		return "anonymous"
	case StageAttemptInFlight:
		return "attempt_in_flight"
	case StageAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

var errBadTransition = errors.New("invalid session transition")

// Session is the server-side record bound to a browser via the session
// cookie. It is serialized as JSON into the session store.
type Session struct {
	ID        string                `json:"id"`
	Stage     Stage                 `json:"stage"`
	Attempt   *AuthorizationAttempt `json:"attempt,omitempty"`
	User      *SessionUser          `json:"user,omitempty"`
	Tokens    *Tokens               `json:"tokens,omitempty"`
	CreatedAt time.Time             `json:"created_at"`
	ExpiresAt time.Time             `json:"expires_at"`
}

// BeginAttempt records a new login attempt. Restarting a login while one is
// already in flight replaces the previous attempt; an authenticated session
// must log out first.
func (s *Session) BeginAttempt(att AuthorizationAttempt) error {
	if s.Stage == StageAuthenticated {
		return errBadTransition
	}
	s.Stage = StageAttemptInFlight
	s.Attempt = &att
	s.User = nil
	s.Tokens = nil
	return nil
}

// Authenticate completes the in-flight attempt, installing the user and
// tokens and discarding the attempt state.
func (s *Session) Authenticate(user SessionUser, tokens Tokens) error {
	if s.Stage != StageAttemptInFlight {
		return errBadTransition
	}
	s.Stage = StageAuthenticated
	s.Attempt = nil
	s.User = &user
	s.Tokens = &tokens
	return nil
}

// Adopt installs an identity delivered out-of-band (session claim, fixture
// rehydration) into a session that never ran the local attempt.
func (s *Session) Adopt(user SessionUser, tokens Tokens) error {
	if s.Stage == StageAuthenticated {
		return errBadTransition
	}
	s.Stage = StageAuthenticated
	s.Attempt = nil
	s.User = &user
	s.Tokens = &tokens
	return nil
}

// SessionSnapshot is the short-lived copy handed across origins during the
// claim handshake.
type SessionSnapshot struct {
	SessionID string      `json:"session_id"`
	User      SessionUser `json:"user"`
	Tokens    Tokens      `json:"tokens"`
}

// IdentityClaims is the normalized claim set extracted from a validated
// identity token.
type IdentityClaims struct {
	Subject     string
	Email       string
	DisplayName string
	Groups      []string
	Nonce       string
}
