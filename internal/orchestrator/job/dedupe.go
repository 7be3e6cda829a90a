package job

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Fingerprint returns the code fingerprint used for dedup: SHA-256 of
// the trimmed source, hex-encoded.
func Fingerprint(source string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(source)))
	return hex.EncodeToString(sum[:])
}

// DedupeMap maps a code fingerprint to a job id within a TTL window.
// The Redis-backed implementation stores each mapping as an expiring
// key; an in-process fallback satisfies the same interface when no
// Redis endpoint is configured.
type DedupeMap interface {
	// Lookup returns the job id for fingerprint, and whether it is
	// still present (i.e. within TTL and not explicitly invalidated).
	Lookup(ctx context.Context, fingerprint string) (jobID string, ok bool)
	// Store associates fingerprint with jobID for the configured TTL.
	Store(ctx context.Context, fingerprint, jobID string)
	// Invalidate removes any mapping for fingerprint.
	Invalidate(ctx context.Context, fingerprint string)
}

// RedisDedupeMap stores the fingerprint->jobId mapping as a Redis string
// key with a TTL, via SET ... EX.
type RedisDedupeMap struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisDedupeMap constructs a DedupeMap backed by the given client.
func NewRedisDedupeMap(client *redis.Client, ttl time.Duration) *RedisDedupeMap {
	return &RedisDedupeMap{client: client, ttl: ttl, prefix: "gweizero:dedupe:"}
}

func (m *RedisDedupeMap) key(fingerprint string) string {
	return m.prefix + fingerprint
}

func (m *RedisDedupeMap) Lookup(ctx context.Context, fingerprint string) (string, bool) {
	val, err := m.client.Get(ctx, m.key(fingerprint)).Result()
	if err != nil {
		return "", false
	}
	return val, true
}

func (m *RedisDedupeMap) Store(ctx context.Context, fingerprint, jobID string) {
	m.client.Set(ctx, m.key(fingerprint), jobID, m.ttl)
}

func (m *RedisDedupeMap) Invalidate(ctx context.Context, fingerprint string) {
	m.client.Del(ctx, m.key(fingerprint))
}

// InMemoryDedupeMap is the fallback used when REDIS_URL is unset. It
// implements the same TTL-expiry semantics with a guarded map.
type InMemoryDedupeMap struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]inMemoryEntry
}

type inMemoryEntry struct {
	jobID     string
	expiresAt time.Time
}

// NewInMemoryDedupeMap constructs the fallback DedupeMap.
func NewInMemoryDedupeMap(ttl time.Duration) *InMemoryDedupeMap {
	return &InMemoryDedupeMap{ttl: ttl, entries: make(map[string]inMemoryEntry)}
}

func (m *InMemoryDedupeMap) Lookup(_ context.Context, fingerprint string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[fingerprint]
	if !ok {
		return "", false
	}
	if time.Now().After(e.expiresAt) {
		delete(m.entries, fingerprint)
		return "", false
	}
	return e.jobID, true
}

func (m *InMemoryDedupeMap) Store(_ context.Context, fingerprint, jobID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[fingerprint] = inMemoryEntry{jobID: jobID, expiresAt: time.Now().Add(m.ttl)}
}

func (m *InMemoryDedupeMap) Invalidate(_ context.Context, fingerprint string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, fingerprint)
}
