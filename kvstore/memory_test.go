package kvstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMemoryStoreSetGet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if err := store.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}

	val, err := store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if val != "v" {
		t.Fatalf("unexpected value: %q", val)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	now := time.Now()
	store.now = func() time.Time { return now }

	if err := store.Set(ctx, "k", "v", StateTTL); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}

	now = now.Add(StateTTL + time.Second)
	if _, err := store.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for expired key, got %v", err)
	}
}

func TestMemoryStoreGetDelConsumesOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if err := store.Set(ctx, "k", "v", time.Minute); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}

	val, err := store.GetDel(ctx, "k")
	if err != nil || val != "v" {
		t.Fatalf("first GetDel = (%q, %v), want (v, nil)", val, err)
	}

	if _, err := store.GetDel(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second GetDel should report ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreGetDelConcurrent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if err := store.Set(ctx, "state", "snapshot", time.Minute); err != nil {
		t.Fatalf("Set returned error: %v", err)
	}

	const racers = 16
	var wg sync.WaitGroup
	wins := make(chan string, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if val, err := store.GetDel(ctx, "state"); err == nil {
				wins <- val
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	if count != 1 {
		t.Fatalf("expected exactly one successful claim, got %d", count)
	}
}
