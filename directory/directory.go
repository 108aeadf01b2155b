// Package directory is the durable user record store. It is the single
// source of truth for identity; only login resolution and the token vault
// controller write to it.
package directory

import (
	"context"
	"errors"
	"time"
)

// Role is the two-tier role derived from identity-provider group
// membership. It is never settable by the user directly.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
	RoleGuest Role = "guest"
)

// User is an identity record. Email is the external lookup key and unique
// per record. Salt is generated once at creation and stays stable for the
// account's lifetime; EncryptedSecret holds the at-rest credential
// serialization or nil when no credential is stored.
type User struct {
	ID              string     `db:"id"`
	Email           string     `db:"email"`
	DisplayName     string     `db:"display_name"`
	Role            Role       `db:"role"`
	Salt            string     `db:"salt"`
	EncryptedSecret *string    `db:"encrypted_secret"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

// ErrNotFound reports an unknown user id or email.
var ErrNotFound = errors.New("directory: user not found")

// ErrDuplicateEmail reports a create that would violate the one-record-per-
// email invariant.
var ErrDuplicateEmail = errors.New("directory: email already registered")

// Store defines the operations the auth subsystem performs against the
// user directory.
type Store interface {
	GetByID(ctx context.Context, id string) (*User, error)
	GetByEmail(ctx context.Context, email string) (*User, error)
	Create(ctx context.Context, u *User) error
	UpdateSalt(ctx context.Context, id, salt string) error
	// StoreCiphertext replaces the at-rest credential. A nil ciphertext
	// clears it.
	StoreCiphertext(ctx context.Context, id string, ciphertext *string) error
}
