package job

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestFingerprint(t *testing.T) {
	a := Fingerprint("contract A {}")
	b := Fingerprint("  contract A {}  \n")
	c := Fingerprint("contract B {}")

	if a != b {
		t.Error("fingerprint should ignore surrounding whitespace")
	}
	if a == c {
		t.Error("different sources should not collide")
	}
	if len(a) != 64 {
		t.Errorf("fingerprint length = %d, want 64 hex chars", len(a))
	}
}

func TestInMemoryDedupeMap(t *testing.T) {
	ctx := context.Background()
	m := NewInMemoryDedupeMap(50 * time.Millisecond)

	if _, ok := m.Lookup(ctx, "fp"); ok {
		t.Error("empty map should miss")
	}

	m.Store(ctx, "fp", "job-1")
	if id, ok := m.Lookup(ctx, "fp"); !ok || id != "job-1" {
		t.Errorf("Lookup = (%q, %v), want (job-1, true)", id, ok)
	}

	m.Invalidate(ctx, "fp")
	if _, ok := m.Lookup(ctx, "fp"); ok {
		t.Error("invalidated mapping should miss")
	}

	m.Store(ctx, "fp", "job-2")
	time.Sleep(80 * time.Millisecond)
	if _, ok := m.Lookup(ctx, "fp"); ok {
		t.Error("expired mapping should miss")
	}
}

func TestRedisDedupeMap(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	ctx := context.Background()

	m := NewRedisDedupeMap(client, time.Minute)

	m.Store(ctx, "fp", "job-1")
	if id, ok := m.Lookup(ctx, "fp"); !ok || id != "job-1" {
		t.Errorf("Lookup = (%q, %v), want (job-1, true)", id, ok)
	}

	// TTL expiry: miniredis advances time manually.
	srv.FastForward(2 * time.Minute)
	if _, ok := m.Lookup(ctx, "fp"); ok {
		t.Error("expired redis mapping should miss")
	}

	m.Store(ctx, "fp", "job-2")
	m.Invalidate(ctx, "fp")
	if _, ok := m.Lookup(ctx, "fp"); ok {
		t.Error("invalidated redis mapping should miss")
	}
}
