package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"authgate/directory"
	"authgate/vault"
)

// FixtureCode is the authorization code the fixture strategy accepts.
const FixtureCode = "fixture-code"

// IdentityStrategy abstracts where identities come from. Exactly one
// implementation is selected at process start; business logic never
// branches on the mode again.
type IdentityStrategy interface {
	Name() string

	// BeginLogin generates a fresh authorization attempt and the URL the
	// browser should visit. Pure local generation, no network I/O.
	BeginLogin(returnTo string) (AuthorizationAttempt, string, error)

	// CompleteCallback exchanges the code for tokens and returns the
	// validated identity claims. Callers must have verified the state
	// parameter against the attempt before calling.
	CompleteCallback(ctx context.Context, code string, attempt AuthorizationAttempt) (IdentityClaims, Tokens, error)
}

// LiveOIDC talks to a real identity provider: discovery at construction,
// code exchange with PKCE, and introspection-based liveness validation.
type LiveOIDC struct {
	oauth        *oauth2.Config
	verifier     *oidc.IDTokenVerifier
	introspect   string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	timeout      time.Duration
	logger       *slog.Logger
}

// NewLiveOIDC runs discovery against the issuer and wires the relying-party
// client. Construction fails if discovery fails; there is no lazy retry.
func NewLiveOIDC(ctx context.Context, cfg ProviderConfig, logger *slog.Logger) (*LiveOIDC, error) {
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("discover provider: %w", err)
	}

	var disc struct {
		IntrospectionEndpoint string `json:"introspection_endpoint"`
	}
	if err := provider.Claims(&disc); err != nil {
		return nil, fmt.Errorf("parse discovery document: %w", err)
	}

	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Endpoint:     provider.Endpoint(),
		Scopes:       []string{oidc.ScopeOpenID, "profile", "email", "groups"},
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &LiveOIDC{
		oauth:        oauthCfg,
		verifier:     provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		introspect:   disc.IntrospectionEndpoint,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		httpClient:   &http.Client{Timeout: timeout},
		timeout:      timeout,
		logger:       logger,
	}, nil
}

func (p *LiveOIDC) Name() string { return ModeLive }

// BeginLogin generates state, nonce, and the PKCE pair, and builds the
// authorization URL requesting an identity token plus group claims.
func (p *LiveOIDC) BeginLogin(returnTo string) (AuthorizationAttempt, string, error) {
	state, err := randomToken(16)
	if err != nil {
		return AuthorizationAttempt{}, "", err
	}
	nonce, err := randomToken(16)
	if err != nil {
		return AuthorizationAttempt{}, "", err
	}

	verifier := oauth2.GenerateVerifier()
	attempt := AuthorizationAttempt{
		State:         state,
		Nonce:         nonce,
		CodeVerifier:  verifier,
		CodeChallenge: oauth2.S256ChallengeFromVerifier(verifier),
		ReturnTo:      returnTo,
		CreatedAt:     time.Now(),
	}

	authURL := p.oauth.AuthCodeURL(state,
		oauth2.S256ChallengeOption(verifier),
		oauth2.SetAuthURLParam("nonce", nonce),
	)
	return attempt, authURL, nil
}

// CompleteCallback redeems the code with the attempt's verifier, validates
// token liveness against the provider, and decodes the identity claims.
func (p *LiveOIDC) CompleteCallback(ctx context.Context, code string, attempt AuthorizationAttempt) (IdentityClaims, Tokens, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	tok, err := p.oauth.Exchange(ctx, code, oauth2.VerifierOption(attempt.CodeVerifier))
	if err != nil {
		return IdentityClaims{}, Tokens{}, errProviderUnavailable("token exchange failed", err)
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return IdentityClaims{}, Tokens{}, errProviderUnavailable("id_token missing in token response", nil)
	}
	tokens := Tokens{AccessToken: tok.AccessToken, IDToken: rawIDToken}

	if p.introspect != "" {
		active, err := p.introspectToken(ctx, tok.AccessToken)
		if err != nil {
			return IdentityClaims{}, Tokens{}, errProviderUnavailable("token introspection failed", err)
		}
		if !active {
			return IdentityClaims{}, Tokens{}, errAuthorizationDenied("token not active")
		}
		// Provider asserted validity; decode claims without a second local
		// signature check.
	} else {
		// No introspection endpoint published: verify the signature locally
		// instead. Either path fails closed.
		if _, err := p.verifier.Verify(ctx, rawIDToken); err != nil {
			return IdentityClaims{}, Tokens{}, errAuthorizationDenied("id_token verification failed")
		}
	}

	claims, err := decodeIDTokenClaims(rawIDToken)
	if err != nil {
		return IdentityClaims{}, Tokens{}, errInternal("decode id_token claims", err)
	}
	if attempt.Nonce != "" && claims.Nonce != attempt.Nonce {
		return IdentityClaims{}, Tokens{}, errAuthorizationDenied("nonce mismatch")
	}

	return claims, tokens, nil
}

// introspectToken asks the provider whether the token is active. Any
// transport or decode failure is an error; callers treat both errors and
// inactive responses as login failure.
func (p *LiveOIDC) introspectToken(ctx context.Context, token string) (bool, error) {
	form := url.Values{
		"token":           {token},
		"token_type_hint": {"access_token"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.introspect, strings.NewReader(form.Encode()))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(p.clientID, p.clientSecret)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("introspection status %d", resp.StatusCode)
	}

	var body struct {
		Active bool `json:"active"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, err
	}
	return body.Active, nil
}

// decodeIDTokenClaims parses the identity token without signature
// verification. Only called after the provider has asserted validity.
func decodeIDTokenClaims(rawIDToken string) (IdentityClaims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(rawIDToken, claims); err != nil {
		return IdentityClaims{}, fmt.Errorf("parse id_token: %w", err)
	}

	out := IdentityClaims{}
	if sub, ok := claims["sub"].(string); ok {
		out.Subject = sub
	}
	if email, ok := claims["email"].(string); ok {
		out.Email = email
	}
	if name, ok := claims["name"].(string); ok {
		out.DisplayName = name
	} else if preferred, ok := claims["preferred_username"].(string); ok {
		out.DisplayName = preferred
	}
	if nonce, ok := claims["nonce"].(string); ok {
		out.Nonce = nonce
	}
	if raw, ok := claims["groups"].([]any); ok {
		for _, g := range raw {
			if s, ok := g.(string); ok {
				out.Groups = append(out.Groups, s)
			}
		}
	}
	return out, nil
}

// Fixture serves a documented fixture identity for deployments without a
// live provider. Never available when provider.mode is live.
type Fixture struct {
	publicURL string
	cfg       FixtureConfig
}

// NewFixture builds the fixture strategy. The authorization URL points back
// at the local callback so the browser exercises the same flow.
func NewFixture(publicURL string, cfg FixtureConfig) *Fixture {
	return &Fixture{publicURL: strings.TrimSuffix(publicURL, "/"), cfg: cfg}
}

func (f *Fixture) Name() string { return ModeFixture }

func (f *Fixture) BeginLogin(returnTo string) (AuthorizationAttempt, string, error) {
	state, err := randomToken(16)
	if err != nil {
		return AuthorizationAttempt{}, "", err
	}
	nonce, err := randomToken(16)
	if err != nil {
		return AuthorizationAttempt{}, "", err
	}

	verifier := oauth2.GenerateVerifier()
	attempt := AuthorizationAttempt{
		State:         state,
		Nonce:         nonce,
		CodeVerifier:  verifier,
		CodeChallenge: oauth2.S256ChallengeFromVerifier(verifier),
		ReturnTo:      returnTo,
		CreatedAt:     time.Now(),
	}

	authURL := fmt.Sprintf("%s/auth/callback?code=%s&state=%s", f.publicURL, FixtureCode, url.QueryEscape(state))
	return attempt, authURL, nil
}

func (f *Fixture) CompleteCallback(_ context.Context, code string, attempt AuthorizationAttempt) (IdentityClaims, Tokens, error) {
	if code != FixtureCode {
		return IdentityClaims{}, Tokens{}, errAuthorizationDenied("unknown code")
	}
	claims := f.Claims()
	claims.Nonce = attempt.Nonce
	return claims, f.Tokens(), nil
}

// Claims returns the fixture identity.
func (f *Fixture) Claims() IdentityClaims {
	return IdentityClaims{
		Subject:     "fixture-user",
		Email:       f.cfg.Email,
		DisplayName: f.cfg.DisplayName,
		Groups:      f.cfg.Groups,
	}
}

// Tokens returns placeholder tokens for the fixture session.
func (f *Fixture) Tokens() Tokens {
	return Tokens{AccessToken: "fixture-access-token", IDToken: "fixture-id-token"}
}

// mapRole derives the role from group membership. Total: every claim set
// yields a role, admin membership winning over user membership.
func mapRole(groups []string, adminGroup, userGroup string) directory.Role {
	role := directory.RoleGuest
	for _, g := range groups {
		switch g {
		case adminGroup:
			return directory.RoleAdmin
		case userGroup:
			role = directory.RoleUser
		}
	}
	return role
}

// resolveOrCreateUser looks the identity up by email, creating the record
// with a fresh salt on first login. This is the only place users are
// created.
func resolveOrCreateUser(ctx context.Context, dir directory.Store, claims IdentityClaims, role directory.Role) (*directory.User, error) {
	if claims.Email == "" {
		return nil, errValidation("identity claims missing email")
	}

	user, err := dir.GetByEmail(ctx, claims.Email)
	if err == nil {
		if user.Salt == "" {
			salt, err := vault.GenerateSalt()
			if err != nil {
				return nil, errInternal("generate salt", err)
			}
			if err := dir.UpdateSalt(ctx, user.ID, salt); err != nil {
				return nil, errInternal("backfill salt", err)
			}
			user.Salt = salt
		}
		return user, nil
	}
	if !errors.Is(err, directory.ErrNotFound) {
		return nil, errInternal("directory lookup", err)
	}

	salt, err := vault.GenerateSalt()
	if err != nil {
		return nil, errInternal("generate salt", err)
	}
	user = &directory.User{
		Email:       claims.Email,
		DisplayName: claims.DisplayName,
		Role:        role,
		Salt:        salt,
	}
	if err := dir.Create(ctx, user); err != nil {
		if errors.Is(err, directory.ErrDuplicateEmail) {
			// Lost a concurrent first-login race; the other writer's record
			// wins.
			return dir.GetByEmail(ctx, claims.Email)
		}
		return nil, errInternal("create user", err)
	}
	return user, nil
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("random token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
