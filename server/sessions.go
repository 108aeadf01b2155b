package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"authgate/kvstore"
)

// timeNow is stubbed in tests that pin the clock.
var timeNow = time.Now

// SessionManager handles cookie-backed sessions persisted in the shared
// coordination store, so any process of a deployment can serve any request.
type SessionManager struct {
	store      kvstore.Store
	logger     *slog.Logger
	cookieName string
	domain     string
	maxAge     time.Duration
	secure     bool
	sameSite   http.SameSite
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, store kvstore.Store, logger *slog.Logger) *SessionManager {
	sameSite, _ := sameSiteMode(cfg.Session.SameSite)
	secure := cfg.Session.Secure || !cfg.Server.DevMode

	return &SessionManager{
		store:      store,
		logger:     logger,
		cookieName: cfg.Session.CookieName,
		domain:     cfg.Session.CookieDomain,
		maxAge:     cfg.Session.MaxAge,
		secure:     secure,
		sameSite:   sameSite,
	}
}

// MaxAge is the configured default cookie lifetime.
func (sm *SessionManager) MaxAge() time.Duration { return sm.maxAge }

// Fetch returns the session bound to the request cookie, or nil when the
// cookie is absent, unknown, or expired.
func (sm *SessionManager) Fetch(ctx context.Context, r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(sm.cookieName)
	if err != nil {
		return nil, nil
	}

	raw, err := sm.store.Get(ctx, kvstore.SessionPrefix+cookie.Value)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		// Treat a corrupt record the same as a missing one. The cookie value
		// is the session identifier and stays out of logs.
		sm.logger.Warn("dropping undecodable session record", "record_bytes", len(raw))
		_ = sm.store.Del(ctx, kvstore.SessionPrefix+cookie.Value)
		return nil, nil
	}

	if time.Now().After(sess.ExpiresAt) {
		_ = sm.store.Del(ctx, kvstore.SessionPrefix+sess.ID)
		return nil, nil
	}
	return &sess, nil
}

// Create establishes a fresh anonymous session and sets the cookie.
func (sm *SessionManager) Create(ctx context.Context, w http.ResponseWriter) (*Session, error) {
	id, err := randomToken(16)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sess := &Session{
		ID:        id,
		Stage:     StageAnonymous,
		CreatedAt: now,
		ExpiresAt: now.Add(sm.maxAge),
	}
	if err := sm.Save(ctx, sess); err != nil {
		return nil, err
	}
	sm.setCookie(w, id, int(sm.maxAge.Seconds()))
	return sess, nil
}

// Save persists the session with a TTL matching its remaining lifetime.
func (sm *SessionManager) Save(ctx context.Context, sess *Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		ttl = time.Second
	}
	if err := sm.store.Set(ctx, kvstore.SessionPrefix+sess.ID, string(raw), ttl); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Extend renews the session to the configured default max-age and refreshes
// the cookie.
func (sm *SessionManager) Extend(ctx context.Context, w http.ResponseWriter, sess *Session) error {
	sess.ExpiresAt = time.Now().Add(sm.maxAge)
	if err := sm.Save(ctx, sess); err != nil {
		return err
	}
	sm.setCookie(w, sess.ID, int(sm.maxAge.Seconds()))
	return nil
}

// Destroy removes the server-side record and instructs the client to clear
// its cookie. Destroying an already-destroyed session is a no-op.
func (sm *SessionManager) Destroy(ctx context.Context, w http.ResponseWriter, sess *Session) error {
	if sess != nil {
		if err := sm.store.Del(ctx, kvstore.SessionPrefix+sess.ID); err != nil {
			return fmt.Errorf("destroy session: %w", err)
		}
	}
	sm.setCookie(w, "", -1)
	return nil
}

func (sm *SessionManager) setCookie(w http.ResponseWriter, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     sm.cookieName,
		Value:    value,
		Path:     "/",
		Domain:   sm.domain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: sm.sameSite,
		MaxAge:   maxAge,
	})
}

// Health reports the session's age and remaining lifetime. Pure computation
// over the record; isNearExpiry uses a strict less-than against the warning
// threshold.
type Health struct {
	IsValid          bool      `json:"isValid"`
	SessionAge       int64     `json:"sessionAge"`
	TimeRemaining    int64     `json:"timeRemaining"`
	ExpiresAt        time.Time `json:"expiresAt"`
	IsNearExpiry     bool      `json:"isNearExpiry"`
	WarningThreshold int64     `json:"warningThreshold"`
}

// CheckHealth computes the health report for an authenticated session.
func CheckHealth(sess *Session, now time.Time) Health {
	remaining := sess.ExpiresAt.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return Health{
		IsValid:          now.Before(sess.ExpiresAt),
		SessionAge:       int64(now.Sub(sess.CreatedAt).Seconds()),
		TimeRemaining:    int64(remaining.Seconds()),
		ExpiresAt:        sess.ExpiresAt,
		IsNearExpiry:     remaining < NearExpiryThreshold,
		WarningThreshold: int64(NearExpiryThreshold.Seconds()),
	}
}
