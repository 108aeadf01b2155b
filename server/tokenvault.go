package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"authgate/directory"
	"authgate/vault"
)

// TokenVault orchestrates the encryption vault and the user directory to
// save, decrypt, and revoke a user's stored third-party API credential.
// Decrypted plaintext lives only in the per-process session map, never in
// any store.
type TokenVault struct {
	dir    directory.Store
	logger *slog.Logger

	mu        sync.Mutex
	decrypted map[string]string // session id -> plaintext credential
}

// NewTokenVault constructs the controller.
func NewTokenVault(dir directory.Store, logger *slog.Logger) *TokenVault {
	return &TokenVault{
		dir:       dir,
		logger:    logger,
		decrypted: make(map[string]string),
	}
}

// Status reports whether a credential is stored and whether it is currently
// decrypted for the given session. Never the credential or its length.
type Status struct {
	HasToken    bool `json:"hasToken"`
	IsDecrypted bool `json:"isDecrypted"`
}

// SaveCredential encrypts and stores the credential, then stages the
// plaintext for the caller's session. Neither the plaintext nor the
// password ever reaches the directory.
func (tv *TokenVault) SaveCredential(ctx context.Context, userID, sessionID, rawSecret, password string) error {
	if rawSecret == "" || password == "" {
		return errValidation("apiToken and password are required")
	}

	user, err := tv.dir.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return errNotFound("user not found")
		}
		return errInternal("directory lookup", err)
	}

	salt := user.Salt
	if salt == "" {
		// First-time save for an account predating salt backfill.
		salt, err = vault.GenerateSalt()
		if err != nil {
			return errInternal("generate salt", err)
		}
		if err := tv.dir.UpdateSalt(ctx, userID, salt); err != nil {
			return errInternal("store salt", err)
		}
	}

	sealed, err := vault.Encrypt(rawSecret, password, salt)
	if err != nil {
		return errInternal("encrypt credential", err)
	}
	if err := tv.dir.StoreCiphertext(ctx, userID, &sealed); err != nil {
		return errInternal("store credential", err)
	}

	// Round-trip through the vault rather than trusting the input: if this
	// fails the stored ciphertext is unusable and the caller must know now.
	plain, err := vault.Decrypt(sealed, password, "")
	if err != nil {
		return errInternal("verify stored credential", err)
	}
	tv.stage(sessionID, plain)

	tv.logger.Info("credential saved", "user_id", userID, "ciphertext_bytes", len(sealed))
	return nil
}

// RetrieveCredential decrypts the stored credential into the caller's
// session. A wrong password surfaces as authorization denied, never as an
// internal error.
func (tv *TokenVault) RetrieveCredential(ctx context.Context, userID, sessionID, password string) (string, error) {
	if password == "" {
		return "", errValidation("password is required")
	}

	user, err := tv.dir.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return "", errNotFound("user not found")
		}
		return "", errInternal("directory lookup", err)
	}
	if user.EncryptedSecret == nil {
		return "", errNotFound("no stored credential")
	}

	plain, err := vault.Decrypt(*user.EncryptedSecret, password, user.Salt)
	if err != nil {
		if errors.Is(err, vault.ErrInvalidFormat) {
			return "", errInternal("stored credential is malformed", err)
		}
		// The cryptographic detail stays server-side; log a redacted marker
		// only.
		tv.logger.Warn("credential decrypt failed", "user_id", userID, "ciphertext_bytes", len(*user.EncryptedSecret))
		return "", errAuthorizationDenied("invalid password")
	}

	tv.stage(sessionID, plain)
	return plain, nil
}

// RevokeCredential clears the stored ciphertext and any staged plaintext.
// Revocation does not require the password.
func (tv *TokenVault) RevokeCredential(ctx context.Context, userID, sessionID string) error {
	if err := tv.dir.StoreCiphertext(ctx, userID, nil); err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return errNotFound("user not found")
		}
		return errInternal("clear credential", err)
	}
	tv.DropSession(sessionID)
	tv.logger.Info("credential revoked", "user_id", userID)
	return nil
}

// CredentialStatus reports the two booleans and nothing else.
func (tv *TokenVault) CredentialStatus(ctx context.Context, userID, sessionID string) (Status, error) {
	user, err := tv.dir.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return Status{}, errNotFound("user not found")
		}
		return Status{}, errInternal("directory lookup", err)
	}

	tv.mu.Lock()
	_, staged := tv.decrypted[sessionID]
	tv.mu.Unlock()

	return Status{
		HasToken:    user.EncryptedSecret != nil,
		IsDecrypted: staged,
	}, nil
}

// DropSession discards any plaintext staged for the session. Called on
// logout and revoke.
func (tv *TokenVault) DropSession(sessionID string) {
	tv.mu.Lock()
	delete(tv.decrypted, sessionID)
	tv.mu.Unlock()
}

func (tv *TokenVault) stage(sessionID, plain string) {
	if sessionID == "" {
		return
	}
	tv.mu.Lock()
	tv.decrypted[sessionID] = plain
	tv.mu.Unlock()
}
