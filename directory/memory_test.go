package directory

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStoreCreateAndLookup(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	u := &User{Email: "jo@example.com", DisplayName: "Jo", Role: RoleUser, Salt: "abc"}
	if err := store.Create(ctx, u); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if u.ID == "" {
		t.Fatalf("expected generated id")
	}

	byID, err := store.GetByID(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetByID returned error: %v", err)
	}
	if byID.Email != "jo@example.com" {
		t.Fatalf("unexpected email: %q", byID.Email)
	}

	// Email lookup is case-insensitive, matching the citext column.
	byEmail, err := store.GetByEmail(ctx, "JO@example.com")
	if err != nil {
		t.Fatalf("GetByEmail returned error: %v", err)
	}
	if byEmail.ID != u.ID {
		t.Fatalf("lookup mismatch: %q vs %q", byEmail.ID, u.ID)
	}
}

func TestMemoryStoreDuplicateEmail(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if err := store.Create(ctx, &User{Email: "jo@example.com"}); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	err := store.Create(ctx, &User{Email: "Jo@Example.com"})
	if !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestMemoryStoreCiphertextLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	u := &User{Email: "jo@example.com"}
	if err := store.Create(ctx, u); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	ct := "salt:iv:cipher"
	if err := store.StoreCiphertext(ctx, u.ID, &ct); err != nil {
		t.Fatalf("StoreCiphertext returned error: %v", err)
	}
	got, _ := store.GetByID(ctx, u.ID)
	if got.EncryptedSecret == nil || *got.EncryptedSecret != ct {
		t.Fatalf("ciphertext not stored")
	}

	if err := store.StoreCiphertext(ctx, u.ID, nil); err != nil {
		t.Fatalf("clear ciphertext returned error: %v", err)
	}
	got, _ = store.GetByID(ctx, u.ID)
	if got.EncryptedSecret != nil {
		t.Fatalf("ciphertext not cleared")
	}

	if err := store.StoreCiphertext(ctx, "missing", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown user, got %v", err)
	}
}
