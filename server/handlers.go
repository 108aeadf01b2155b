package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"

	"authgate/directory"
	"authgate/kvstore"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Store    kvstore.Store
	Dir      directory.Store
	Sessions *SessionManager
	Identity IdentityStrategy
	Vault    *TokenVault
	Hub      *Hub
}

// NewApp wires together the application state. The identity strategy is
// constructed by the caller so startup can fail fast on discovery errors.
func NewApp(cfg Config, logger *slog.Logger, store kvstore.Store, dir directory.Store, identity IdentityStrategy) *App {
	return &App{
		Config:   cfg,
		Logger:   logger,
		Store:    store,
		Dir:      dir,
		Sessions: NewSessionManager(cfg, store, logger),
		Identity: identity,
		Vault:    NewTokenVault(dir, logger),
		Hub:      NewHub(logger),
	}
}

// handleLogin starts a login attempt and returns the authorization URL for
// the browser to follow.
func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if a.Identity == nil {
		writeError(w, errProviderUnavailable("identity provider not configured", nil))
		return
	}

	returnTo := r.URL.Query().Get("returnTo")
	if returnTo == "" {
		returnTo = "/"
	}

	attempt, authURL, err := a.Identity.BeginLogin(returnTo)
	if err != nil {
		a.Logger.Error("begin login", "error", err)
		writeError(w, errInternal("failed to start login", err))
		return
	}

	sess, err := a.Sessions.Fetch(ctx, r)
	if err != nil {
		a.Logger.Warn("session fetch during login", "error", err)
	}
	if sess == nil || sess.Stage == StageAuthenticated {
		sess, err = a.Sessions.Create(ctx, w)
		if err != nil {
			writeError(w, errInternal("failed to create session", err))
			return
		}
	}
	if err := sess.BeginAttempt(attempt); err != nil {
		writeError(w, errInternal("failed to record attempt", err))
		return
	}
	if err := a.Sessions.Save(ctx, sess); err != nil {
		writeError(w, errInternal("failed to persist session", err))
		return
	}

	// The attempt also goes to the shared store so the callback may land on
	// a different process.
	raw, err := json.Marshal(attempt)
	if err != nil {
		writeError(w, errInternal("failed to encode attempt", err))
		return
	}
	if err := a.Store.Set(ctx, kvstore.AuthStatePrefix+attempt.State, string(raw), kvstore.StateTTL); err != nil {
		writeError(w, errInternal("failed to stage attempt", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"authUrl": authURL})
}

// handleCallback is the HTTP adapter over completeCallback: failures become
// a redirect to the configured client error route, never a raw error page.
func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	target, cbErr := a.completeCallback(r)
	if cbErr != nil {
		a.Logger.Error("callback failed", "code", cbErr.Code, "error", cbErr)
		http.Redirect(w, r, a.errorRedirect(cbErr), http.StatusFound)
		return
	}

	// The session cookie must be minted on this response. A session still
	// bound to an older identity is replaced, not mutated.
	ctx := r.Context()
	sess, err := a.Sessions.Fetch(ctx, r)
	if err != nil || sess == nil || sess.Stage == StageAuthenticated {
		sess, err = a.Sessions.Create(ctx, w)
		if err != nil {
			http.Redirect(w, r, a.errorRedirect(errInternal("session create failed", err)), http.StatusFound)
			return
		}
	}

	if sess.Stage == StageAttemptInFlight {
		err = sess.Authenticate(target.user, target.tokens)
	} else {
		err = sess.Adopt(target.user, target.tokens)
	}
	if err != nil {
		http.Redirect(w, r, a.errorRedirect(errInternal("session transition failed", err)), http.StatusFound)
		return
	}
	if err := a.Sessions.Save(ctx, sess); err != nil {
		http.Redirect(w, r, a.errorRedirect(errInternal("session persist failed", err)), http.StatusFound)
		return
	}

	// Stage the snapshot for the cross-domain claim. It carries this
	// session's id so the record is traceable to its origin.
	snapshot := SessionSnapshot{SessionID: sess.ID, User: target.user, Tokens: target.tokens}
	rawSnap, err := json.Marshal(snapshot)
	if err != nil {
		http.Redirect(w, r, a.errorRedirect(errInternal("encode snapshot", err)), http.StatusFound)
		return
	}
	if err := a.Store.Set(ctx, kvstore.SessionTransferPrefix+target.state, string(rawSnap), kvstore.StateTTL); err != nil {
		http.Redirect(w, r, a.errorRedirect(errInternal("stage snapshot", err)), http.StatusFound)
		return
	}

	http.Redirect(w, r, target.redirect, http.StatusFound)
}

// callbackResult carries the outcome of a successful callback back to the
// HTTP adapter.
type callbackResult struct {
	redirect string
	state    string
	user     SessionUser
	tokens   Tokens
}

// completeCallback runs the state machine: state validation, code exchange,
// claim mapping, and user resolution. It never writes to the ResponseWriter;
// snapshot staging happens in the adapter once the callback session exists.
func (a *App) completeCallback(r *http.Request) (callbackResult, *Error) {
	ctx := r.Context()

	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" || state == "" {
		return callbackResult{}, errValidation("missing code or state")
	}

	attempt, aerr := a.consumeAttempt(ctx, r, state)
	if aerr != nil {
		return callbackResult{}, aerr
	}

	// State is validated; only now may the exchange round trip run.
	claims, tokens, err := a.Identity.CompleteCallback(ctx, code, attempt)
	if err != nil {
		return callbackResult{}, asAuthError(err)
	}

	role := mapRole(claims.Groups, a.Config.Provider.AdminGroup, a.Config.Provider.UserGroup)
	user, err := resolveOrCreateUser(ctx, a.Dir, claims, role)
	if err != nil {
		return callbackResult{}, asAuthError(err)
	}

	sessUser := SessionUser{
		ID:          user.ID,
		Email:       user.Email,
		DisplayName: claims.DisplayName,
		Role:        role,
		Groups:      claims.Groups,
	}

	redirect := a.resolveReturnTo(attempt.ReturnTo)
	if crossOrigin(redirect, a.Config.Server.PublicURL) {
		redirect = appendQuery(redirect, "state", state)
	}

	return callbackResult{redirect: redirect, state: state, user: sessUser, tokens: tokens}, nil
}

// consumeAttempt locates the authorization attempt for the received state,
// preferring the caller's session, and destroys the shared copy. Mismatch
// or absence is rejected before any network I/O.
func (a *App) consumeAttempt(ctx context.Context, r *http.Request, state string) (AuthorizationAttempt, *Error) {
	sess, err := a.Sessions.Fetch(ctx, r)
	if err != nil {
		a.Logger.Warn("session fetch during callback", "error", err)
	}

	if sess != nil && sess.Stage == StageAttemptInFlight && sess.Attempt != nil {
		attempt := *sess.Attempt
		if attempt.State != state {
			return AuthorizationAttempt{}, errInvalidState()
		}
		// Consume the shared copy as well; the attempt is single-use.
		_, _ = a.Store.GetDel(ctx, kvstore.AuthStatePrefix+state)
		return attempt, nil
	}

	raw, err := a.Store.GetDel(ctx, kvstore.AuthStatePrefix+state)
	if errors.Is(err, kvstore.ErrNotFound) {
		return AuthorizationAttempt{}, errInvalidState()
	}
	if err != nil {
		return AuthorizationAttempt{}, errInternal("load attempt", err)
	}

	var attempt AuthorizationAttempt
	if err := json.Unmarshal([]byte(raw), &attempt); err != nil {
		return AuthorizationAttempt{}, errInternal("decode attempt", err)
	}
	if attempt.State != state {
		return AuthorizationAttempt{}, errInvalidState()
	}
	return attempt, nil
}

// handleClaimSession exchanges a one-time state value for a fresh session
// on the application origin.
func (a *App) handleClaimSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.State == "" {
		writeError(w, errValidation("state is required"))
		return
	}

	raw, err := a.Store.GetDel(ctx, kvstore.SessionTransferPrefix+body.State)
	if errors.Is(err, kvstore.ErrNotFound) {
		// Already claimed, expired, or never created: indistinguishable.
		writeError(w, errInvalidState())
		return
	}
	if err != nil {
		writeError(w, errInternal("load snapshot", err))
		return
	}

	var snapshot SessionSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		writeError(w, errInternal("decode snapshot", err))
		return
	}

	sess, err := a.Sessions.Create(ctx, w)
	if err != nil {
		writeError(w, errInternal("create session", err))
		return
	}
	if err := sess.Adopt(snapshot.User, snapshot.Tokens); err != nil {
		writeError(w, errInternal("adopt identity", err))
		return
	}
	if err := a.Sessions.Save(ctx, sess); err != nil {
		writeError(w, errInternal("persist session", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"user":    snapshot.User,
	})
}

// handleCurrentUser returns the session's user projection.
func (a *App) handleCurrentUser(w http.ResponseWriter, r *http.Request) {
	sess, aerr := a.requireUser(r)
	if aerr != nil {
		writeError(w, aerr)
		return
	}
	writeJSON(w, http.StatusOK, sess.User)
}

// handleLogout tears down duplex connections, drops staged credentials,
// and destroys the session. Always succeeds, including on repeat calls.
func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sess, err := a.Sessions.Fetch(ctx, r)
	if err != nil {
		a.Logger.Warn("session fetch during logout", "error", err)
	}
	if sess != nil {
		if sess.User != nil {
			a.Hub.CloseUser(sess.User.ID)
		}
		a.Vault.DropSession(sess.ID)
	}
	if err := a.Sessions.Destroy(ctx, w, sess); err != nil {
		a.Logger.Warn("session destroy", "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleSessionHealth reports age and remaining lifetime for the session.
func (a *App) handleSessionHealth(w http.ResponseWriter, r *http.Request) {
	sess, aerr := a.requireUser(r)
	if aerr != nil {
		writeError(w, aerr)
		return
	}

	health := CheckHealth(sess, timeNow())
	writeJSON(w, http.StatusOK, map[string]any{
		"isValid":          health.IsValid,
		"user":             sess.User,
		"sessionAge":       health.SessionAge,
		"timeRemaining":    health.TimeRemaining,
		"expiresAt":        health.ExpiresAt,
		"isNearExpiry":     health.IsNearExpiry,
		"warningThreshold": health.WarningThreshold,
	})
}

// handleSessionExtend renews the session lifetime. In fixture mode a
// missing session is rehydrated from the fixture user; with a live
// provider that path does not exist.
func (a *App) handleSessionExtend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sess, err := a.Sessions.Fetch(ctx, r)
	if err != nil {
		a.Logger.Warn("session fetch during extend", "error", err)
	}

	if sess == nil || sess.Stage != StageAuthenticated {
		fixture, ok := a.Identity.(*Fixture)
		if !ok {
			writeError(w, errNotAuthenticated())
			return
		}

		claims := fixture.Claims()
		role := mapRole(claims.Groups, a.Config.Provider.AdminGroup, a.Config.Provider.UserGroup)
		user, uerr := resolveOrCreateUser(ctx, a.Dir, claims, role)
		if uerr != nil {
			writeError(w, uerr)
			return
		}

		sess, err = a.Sessions.Create(ctx, w)
		if err != nil {
			writeError(w, errInternal("create session", err))
			return
		}
		if err := sess.Adopt(SessionUser{
			ID:          user.ID,
			Email:       user.Email,
			DisplayName: user.DisplayName,
			Role:        role,
			Groups:      claims.Groups,
		}, fixture.Tokens()); err != nil {
			writeError(w, errInternal("adopt fixture identity", err))
			return
		}
		if err := a.Sessions.Save(ctx, sess); err != nil {
			writeError(w, errInternal("persist session", err))
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"user":    sess.User,
			"message": "fixture session created",
		})
		return
	}

	if err := a.Sessions.Extend(ctx, w, sess); err != nil {
		writeError(w, errInternal("extend session", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"user":    sess.User,
		"message": "session extended",
	})
}

// handleSaveToken encrypts and stores the caller's API credential.
func (a *App) handleSaveToken(w http.ResponseWriter, r *http.Request) {
	sess, aerr := a.requireUser(r)
	if aerr != nil {
		writeError(w, aerr)
		return
	}

	var body struct {
		APIToken string `json:"apiToken"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, errValidation("invalid request body"))
		return
	}

	if err := a.Vault.SaveCredential(r.Context(), sess.User.ID, sess.ID, body.APIToken, body.Password); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "credential saved",
	})
}

// handleTokenStatus reports the stored/decrypted booleans.
func (a *App) handleTokenStatus(w http.ResponseWriter, r *http.Request) {
	sess, aerr := a.requireUser(r)
	if aerr != nil {
		writeError(w, aerr)
		return
	}

	status, err := a.Vault.CredentialStatus(r.Context(), sess.User.ID, sess.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleDecryptToken decrypts the stored credential into the session.
func (a *App) handleDecryptToken(w http.ResponseWriter, r *http.Request) {
	sess, aerr := a.requireUser(r)
	if aerr != nil {
		writeError(w, aerr)
		return
	}

	var body struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, errValidation("invalid request body"))
		return
	}

	if _, err := a.Vault.RetrieveCredential(r.Context(), sess.User.ID, sess.ID, body.Password); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "credential decrypted",
	})
}

// handleRevokeToken clears the stored credential.
func (a *App) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	sess, aerr := a.requireUser(r)
	if aerr != nil {
		writeError(w, aerr)
		return
	}

	if err := a.Vault.RevokeCredential(r.Context(), sess.User.ID, sess.ID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "credential revoked",
	})
}

// handleStream upgrades to a websocket registered with the hub so logout
// can terminate it.
func (a *App) handleStream(w http.ResponseWriter, r *http.Request) {
	sess, aerr := a.requireUser(r)
	if aerr != nil {
		writeError(w, aerr)
		return
	}

	opts := &websocket.AcceptOptions{}
	if origin := originHost(a.Config.Server.AppOrigin); origin != "" {
		opts.OriginPatterns = []string{origin}
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		a.Logger.Warn("websocket accept", "error", err)
		return
	}

	a.Hub.serveStream(r.Context(), conn, sess.User.ID)
}

// requireUser resolves the request's authenticated session.
func (a *App) requireUser(r *http.Request) (*Session, *Error) {
	sess, err := a.Sessions.Fetch(r.Context(), r)
	if err != nil {
		return nil, errInternal("session lookup", err)
	}
	if sess == nil || sess.Stage != StageAuthenticated || sess.User == nil {
		return nil, errNotAuthenticated()
	}
	return sess, nil
}

// resolveReturnTo keeps redirects on known origins: relative paths resolve
// against the application origin, absolute URLs must already live there.
func (a *App) resolveReturnTo(returnTo string) string {
	appOrigin := strings.TrimSuffix(a.Config.Server.AppOrigin, "/")
	if returnTo == "" {
		return appOrigin + "/"
	}
	if strings.HasPrefix(returnTo, "/") && !strings.HasPrefix(returnTo, "//") {
		return appOrigin + returnTo
	}

	u, err := url.Parse(returnTo)
	if err == nil && u.IsAbs() && sameOrigin(returnTo, appOrigin) {
		return returnTo
	}
	return appOrigin + "/"
}

func (a *App) errorRedirect(aerr *Error) string {
	base := strings.TrimSuffix(a.Config.Server.AppOrigin, "/") + a.Config.Server.ErrorPath
	return appendQuery(base, "message", aerr.Message)
}

func crossOrigin(target, publicURL string) bool {
	return !sameOrigin(target, publicURL)
}

func sameOrigin(a, b string) bool {
	ua, errA := url.Parse(a)
	ub, errB := url.Parse(b)
	if errA != nil || errB != nil {
		return false
	}
	return ua.Scheme == ub.Scheme && ua.Host == ub.Host
}

func originHost(origin string) string {
	u, err := url.Parse(origin)
	if err != nil {
		return ""
	}
	return u.Host
}

func appendQuery(target, key, value string) string {
	u, err := url.Parse(target)
	if err != nil {
		return target
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}
