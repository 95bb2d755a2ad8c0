package auth

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RevocationList remembers, per user, the instant after which outstanding
// access tokens stop admitting.
type RevocationList interface {
	Revoke(ctx context.Context, userID string, at time.Time) error
	RevokedAt(ctx context.Context, userID string) (time.Time, bool, error)
}

// RevokedPrefix is the Redis key prefix for revocation records.
//
//	Key:   revoked:<userID>
//	Value: unix seconds of the logout
//	TTL:   access token lifetime
const RevokedPrefix = "revoked:"

// RedisRevocations stores revocations as TTL'd keys. After the TTL every
// token issued before the logout has expired on its own.
type RedisRevocations struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisRevocations creates a revocation list whose records live for ttl.
func NewRedisRevocations(client *redis.Client, ttl time.Duration) *RedisRevocations {
	return &RedisRevocations{client: client, ttl: ttl}
}

func (r *RedisRevocations) Revoke(ctx context.Context, userID string, at time.Time) error {
	err := r.client.Set(ctx, RevokedPrefix+userID, at.Unix(), r.ttl).Err()
	if err != nil {
		return fmt.Errorf("auth: revoke %s: %w", userID, err)
	}
	return nil
}

func (r *RedisRevocations) RevokedAt(ctx context.Context, userID string) (time.Time, bool, error) {
	val, err := r.client.Get(ctx, RevokedPrefix+userID).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	sec, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("auth: bad revocation record %q: %w", val, err)
	}
	return time.Unix(sec, 0), true, nil
}

// MemoryRevocations is the in-process RevocationList.
type MemoryRevocations struct {
	mu      sync.Mutex
	revoked map[string]time.Time
}

// NewMemoryRevocations returns an empty list.
func NewMemoryRevocations() *MemoryRevocations {
	return &MemoryRevocations{revoked: make(map[string]time.Time)}
}

func (m *MemoryRevocations) Revoke(_ context.Context, userID string, at time.Time) error {
	m.mu.Lock()
	m.revoked[userID] = at.Truncate(time.Second)
	m.mu.Unlock()
	return nil
}

func (m *MemoryRevocations) RevokedAt(_ context.Context, userID string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.revoked[userID]
	return at, ok, nil
}
