package server

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"authgate/directory"
)

func newVaultFixture(t *testing.T) (*TokenVault, *directory.User) {
	t.Helper()
	dir := directory.NewMemoryStore()
	user := &directory.User{
		Email:       "jo@example.com",
		DisplayName: "Jo",
		Role:        directory.RoleUser,
	}
	if err := dir.Create(context.Background(), user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewTokenVault(dir, logger), user
}

func TestSaveAndRetrieveCredential(t *testing.T) {
	tv, user := newVaultFixture(t)
	ctx := context.Background()

	if err := tv.SaveCredential(ctx, user.ID, "sess-1", "tok-123", "pw"); err != nil {
		t.Fatalf("save: %v", err)
	}

	status, err := tv.CredentialStatus(ctx, user.ID, "sess-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.HasToken || !status.IsDecrypted {
		t.Fatalf("after save status = %+v, want both true", status)
	}

	plain, err := tv.RetrieveCredential(ctx, user.ID, "sess-1", "pw")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if plain != "tok-123" {
		t.Fatalf("retrieved %q, want tok-123", plain)
	}
}

func TestRetrieveCredentialWrongPassword(t *testing.T) {
	tv, user := newVaultFixture(t)
	ctx := context.Background()

	if err := tv.SaveCredential(ctx, user.ID, "sess-1", "tok-123", "pw"); err != nil {
		t.Fatalf("save: %v", err)
	}

	_, err := tv.RetrieveCredential(ctx, user.ID, "sess-2", "wrong")
	ae := asAuthError(err)
	if ae.Code != CodeAuthorizationDenied {
		t.Fatalf("wrong password code = %s, want %s", ae.Code, CodeAuthorizationDenied)
	}

	// The failed attempt must not have staged anything.
	status, serr := tv.CredentialStatus(ctx, user.ID, "sess-2")
	if serr != nil {
		t.Fatalf("status: %v", serr)
	}
	if status.IsDecrypted {
		t.Fatalf("failed decrypt must not stage plaintext")
	}
}

func TestRevokeCredential(t *testing.T) {
	tv, user := newVaultFixture(t)
	ctx := context.Background()

	if err := tv.SaveCredential(ctx, user.ID, "sess-1", "tok-123", "pw"); err != nil {
		t.Fatalf("save: %v", err)
	}
	// Revocation needs no password.
	if err := tv.RevokeCredential(ctx, user.ID, "sess-1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	status, err := tv.CredentialStatus(ctx, user.ID, "sess-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.HasToken || status.IsDecrypted {
		t.Fatalf("after revoke status = %+v, want both false", status)
	}

	_, rerr := tv.RetrieveCredential(ctx, user.ID, "sess-1", "pw")
	if asAuthError(rerr).Code != CodeNotFound {
		t.Fatalf("retrieve after revoke code = %s, want %s", asAuthError(rerr).Code, CodeNotFound)
	}
}

func TestSaveCredentialValidation(t *testing.T) {
	tv, user := newVaultFixture(t)
	ctx := context.Background()

	for _, tc := range []struct{ name, secret, password string }{
		{"missing token", "", "pw"},
		{"missing password", "tok-123", ""},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := tv.SaveCredential(ctx, user.ID, "sess-1", tc.secret, tc.password)
			if asAuthError(err).Code != CodeValidation {
				t.Fatalf("code = %s, want %s", asAuthError(err).Code, CodeValidation)
			}
		})
	}

	if _, err := tv.RetrieveCredential(ctx, user.ID, "sess-1", ""); asAuthError(err).Code != CodeValidation {
		t.Fatalf("empty password retrieve must be a validation error")
	}
}

func TestRetrieveCredentialNoneStored(t *testing.T) {
	tv, user := newVaultFixture(t)

	_, err := tv.RetrieveCredential(context.Background(), user.ID, "sess-1", "pw")
	if asAuthError(err).Code != CodeNotFound {
		t.Fatalf("code = %s, want %s", asAuthError(err).Code, CodeNotFound)
	}
}

func TestDropSessionDiscardsPlaintext(t *testing.T) {
	tv, user := newVaultFixture(t)
	ctx := context.Background()

	if err := tv.SaveCredential(ctx, user.ID, "sess-1", "tok-123", "pw"); err != nil {
		t.Fatalf("save: %v", err)
	}
	tv.DropSession("sess-1")

	status, err := tv.CredentialStatus(ctx, user.ID, "sess-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.HasToken || status.IsDecrypted {
		t.Fatalf("after drop status = %+v, want stored but not decrypted", status)
	}
}
