package kvstore

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestRedactKey(t *testing.T) {
	for _, tc := range []struct{ in, want string }{
		{AuthStatePrefix + "abc123", "auth_state:[redacted]"},
		{SessionTransferPrefix + "abc123", "session_transfer:[redacted]"},
		{SessionPrefix + "abc123", "session:[redacted]"},
		{"noprefix", "[redacted]"},
	} {
		if got := redactKey(tc.in); got != tc.want {
			t.Errorf("redactKey(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

// Transport failures wrap the key into the error; the suffix is a state or
// session value and must not survive into the error string.
func TestRedisErrorsOmitKeySuffix(t *testing.T) {
	// Port 1 is never listening; every call fails at dial time.
	store := NewRedisStore(redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: time.Second,
	}))
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	const secret = "secret-state-value"

	calls := []struct {
		name string
		fn   func() error
	}{
		{"set", func() error { return store.Set(ctx, AuthStatePrefix+secret, "v", time.Minute) }},
		{"get", func() error { _, err := store.Get(ctx, AuthStatePrefix+secret); return err }},
		{"getdel", func() error { _, err := store.GetDel(ctx, SessionTransferPrefix+secret); return err }},
		{"del", func() error { return store.Del(ctx, SessionPrefix+secret) }},
	}
	for _, call := range calls {
		err := call.fn()
		if err == nil {
			t.Fatalf("%s against unreachable redis must fail", call.name)
		}
		if strings.Contains(err.Error(), secret) {
			t.Errorf("%s error leaks key suffix: %v", call.name, err)
		}
	}
}
