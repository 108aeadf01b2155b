package server

import (
	"context"
	"strings"
	"testing"

	"authgate/directory"
)

func TestMapRole(t *testing.T) {
	cases := []struct {
		name   string
		groups []string
		want   directory.Role
	}{
		{"no groups", nil, directory.RoleGuest},
		{"unrelated groups", []string{"engineering", "random"}, directory.RoleGuest},
		{"user group", []string{"support-users"}, directory.RoleUser},
		{"admin group", []string{"support-admins"}, directory.RoleAdmin},
		{"admin wins over user", []string{"support-users", "support-admins"}, directory.RoleAdmin},
		{"admin wins regardless of order", []string{"support-admins", "support-users"}, directory.RoleAdmin},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := mapRole(tc.groups, "support-admins", "support-users")
			if got != tc.want {
				t.Fatalf("mapRole(%v) = %v, want %v", tc.groups, got, tc.want)
			}
		})
	}
}

func TestFixtureBeginLogin(t *testing.T) {
	fixture := NewFixture("http://127.0.0.1:8080", FixtureConfig{
		Email:       "fixture@example.com",
		DisplayName: "Fixture User",
		Groups:      []string{"support-admins"},
	})

	attempt, authURL, err := fixture.BeginLogin("/dashboard")
	if err != nil {
		t.Fatalf("BeginLogin returned error: %v", err)
	}
	if attempt.State == "" || attempt.Nonce == "" || attempt.CodeVerifier == "" {
		t.Fatalf("attempt is missing generated parameters: %+v", attempt)
	}
	if attempt.CodeChallenge == attempt.CodeVerifier {
		t.Fatalf("challenge must be derived, not the raw verifier")
	}
	if attempt.ReturnTo != "/dashboard" {
		t.Fatalf("unexpected returnTo %q", attempt.ReturnTo)
	}
	if !strings.Contains(authURL, "state="+attempt.State) {
		t.Fatalf("auth URL must carry the state: %s", authURL)
	}

	second, _, err := fixture.BeginLogin("/")
	if err != nil {
		t.Fatalf("BeginLogin returned error: %v", err)
	}
	if second.State == attempt.State {
		t.Fatalf("state must be unique per attempt")
	}
}

func TestFixtureCompleteCallback(t *testing.T) {
	fixture := NewFixture("http://127.0.0.1:8080", FixtureConfig{
		Email:  "fixture@example.com",
		Groups: []string{"support-users"},
	})

	attempt, _, err := fixture.BeginLogin("/")
	if err != nil {
		t.Fatalf("BeginLogin returned error: %v", err)
	}

	claims, tokens, err := fixture.CompleteCallback(context.Background(), FixtureCode, attempt)
	if err != nil {
		t.Fatalf("CompleteCallback returned error: %v", err)
	}
	if claims.Email != "fixture@example.com" {
		t.Fatalf("unexpected claims email %q", claims.Email)
	}
	if tokens.AccessToken == "" || tokens.IDToken == "" {
		t.Fatalf("fixture tokens missing")
	}

	if _, _, err := fixture.CompleteCallback(context.Background(), "bogus", attempt); err == nil {
		t.Fatalf("unknown code must be rejected")
	}
}

func TestResolveOrCreateUser(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemoryStore()

	claims := IdentityClaims{Email: "jo@example.com", DisplayName: "Jo"}
	user, err := resolveOrCreateUser(ctx, dir, claims, directory.RoleUser)
	if err != nil {
		t.Fatalf("resolveOrCreateUser returned error: %v", err)
	}
	if user.ID == "" || user.Salt == "" {
		t.Fatalf("created user must have id and salt: %+v", user)
	}

	// Second login resolves the same record and keeps the original salt.
	again, err := resolveOrCreateUser(ctx, dir, claims, directory.RoleAdmin)
	if err != nil {
		t.Fatalf("resolveOrCreateUser returned error: %v", err)
	}
	if again.ID != user.ID {
		t.Fatalf("expected same user, got %q vs %q", again.ID, user.ID)
	}
	if again.Salt != user.Salt {
		t.Fatalf("salt must stay stable across logins")
	}
}

func TestResolveOrCreateUserRequiresEmail(t *testing.T) {
	_, err := resolveOrCreateUser(context.Background(), directory.NewMemoryStore(), IdentityClaims{}, directory.RoleGuest)
	if err == nil {
		t.Fatalf("missing email must be rejected")
	}
}

func TestDecodeIDTokenClaims(t *testing.T) {
	// Unsigned token with alg none-style header and the claims this service
	// consumes. Signature is not verified by decodeIDTokenClaims.
	const raw = "eyJhbGciOiJSUzI1NiIsInR5cCI6IkpXVCJ9." +
		"eyJzdWIiOiJ1LTEiLCJlbWFpbCI6ImpvQGV4YW1wbGUuY29tIiwibmFtZSI6IkpvIiwibm9uY2UiOiJuLTEiLCJncm91cHMiOlsic3VwcG9ydC1hZG1pbnMiXX0." +
		"c2ln"

	claims, err := decodeIDTokenClaims(raw)
	if err != nil {
		t.Fatalf("decodeIDTokenClaims returned error: %v", err)
	}
	if claims.Subject != "u-1" || claims.Email != "jo@example.com" || claims.DisplayName != "Jo" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.Nonce != "n-1" {
		t.Fatalf("unexpected nonce %q", claims.Nonce)
	}
	if len(claims.Groups) != 1 || claims.Groups[0] != "support-admins" {
		t.Fatalf("unexpected groups: %v", claims.Groups)
	}
}
