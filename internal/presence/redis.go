package presence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// UserPrefix is the Redis key prefix for per-user connection sets.
	UserPrefix = "presence:user:"

	// LeasePrefix is the Redis key prefix for per-connection leases. A lease
	// is refreshed while the owning router process is alive; an expired lease
	// marks a connection leaked by a crashed process.
	LeasePrefix = "presence:lease:"

	// DefaultLeaseTTL is how long a connection survives without a Touch.
	DefaultLeaseTTL = 90 * time.Second
)

// RedisRegistry is a Registry shared by every router process through Redis.
type RedisRegistry struct {
	rdb            *redis.Client
	leaseTTL       time.Duration
	registerScript *redis.Script
	removeScript   *redis.Script
}

// NewRedisRegistry creates a registry on the given Redis client. A
// non-positive leaseTTL selects DefaultLeaseTTL.
func NewRedisRegistry(rdb *redis.Client, leaseTTL time.Duration) *RedisRegistry {
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	return &RedisRegistry{
		rdb:            rdb,
		leaseTTL:       leaseTTL,
		registerScript: redis.NewScript(registerLua),
		removeScript:   redis.NewScript(unregisterLua),
	}
}

// Register atomically adds the connection and its lease.
func (r *RedisRegistry) Register(ctx context.Context, userID, connID string) (bool, error) {
	keys := []string{UserPrefix + userID, LeasePrefix + connID}
	res, err := r.registerScript.Run(ctx, r.rdb, keys, connID, userID, r.leaseTTL.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("presence: register: %w", err)
	}
	return res == 1, nil
}

// Unregister atomically removes the connection and its lease.
func (r *RedisRegistry) Unregister(ctx context.Context, userID, connID string) (bool, error) {
	keys := []string{UserPrefix + userID, LeasePrefix + connID}
	res, err := r.removeScript.Run(ctx, r.rdb, keys, connID).Int()
	if err != nil {
		return false, fmt.Errorf("presence: unregister: %w", err)
	}
	return res == 1, nil
}

// Connections returns the members of the user's set.
func (r *RedisRegistry) Connections(ctx context.Context, userID string) ([]string, error) {
	ids, err := r.rdb.SMembers(ctx, UserPrefix+userID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("presence: connections: %w", err)
	}
	return ids, nil
}

// IsOnline reports whether the user's set is non-empty.
func (r *RedisRegistry) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := r.rdb.SCard(ctx, UserPrefix+userID).Result()
	if err != nil {
		return false, fmt.Errorf("presence: is online: %w", err)
	}
	return n > 0, nil
}

// Touch extends the leases of connections owned by the calling process.
// A connection whose lease already expired, and which a sweep may have
// removed, is registered again. Touch returns the users that went from
// offline to online through such a re-registration.
func (r *RedisRegistry) Touch(ctx context.Context, leases []Lease) ([]string, error) {
	if len(leases) == 0 {
		return nil, nil
	}
	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.BoolCmd, len(leases))
	for i, l := range leases {
		cmds[i] = pipe.PExpire(ctx, LeasePrefix+l.ConnID, r.leaseTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("presence: touch: %w", err)
	}

	var back []string
	for i, cmd := range cmds {
		if cmd.Val() {
			continue
		}
		online, err := r.Register(ctx, leases[i].UserID, leases[i].ConnID)
		if err != nil {
			return back, fmt.Errorf("presence: touch re-register %s: %w", leases[i].ConnID, err)
		}
		if online {
			back = append(back, leases[i].UserID)
		}
	}
	return back, nil
}

// Sweep scans every user set and unregisters connections whose lease has
// expired. Each removal goes through the same atomic script as Unregister,
// so a sweep racing a live disconnect never reports offline twice.
func (r *RedisRegistry) Sweep(ctx context.Context) ([]Reaped, error) {
	var reaped []Reaped

	iter := r.rdb.Scan(ctx, 0, UserPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		userID := strings.TrimPrefix(key, UserPrefix)

		members, err := r.rdb.SMembers(ctx, key).Result()
		if err != nil {
			continue
		}
		for _, connID := range members {
			alive, err := r.rdb.Exists(ctx, LeasePrefix+connID).Result()
			if err != nil || alive == 1 {
				continue
			}
			offline, err := r.Unregister(ctx, userID, connID)
			if err != nil {
				return reaped, err
			}
			reaped = append(reaped, Reaped{UserID: userID, ConnID: connID, WentOffline: offline})
		}
	}
	if err := iter.Err(); err != nil {
		return reaped, fmt.Errorf("presence: sweep scan: %w", err)
	}
	return reaped, nil
}

// registerLua adds ARGV[1] to the user set and writes the lease. It returns
// 1 only when the set went from empty to one member.
const registerLua = `
local set_key = KEYS[1]
local lease_key = KEYS[2]
local conn_id = ARGV[1]

local added = redis.call('SADD', set_key, conn_id)
redis.call('SET', lease_key, ARGV[2], 'PX', ARGV[3])

if added == 1 and redis.call('SCARD', set_key) == 1 then
    return 1
end
return 0
`

// unregisterLua removes ARGV[1] and its lease. It returns 1 only when the
// member was present and the set is now empty (the key is deleted).
const unregisterLua = `
local set_key = KEYS[1]
local lease_key = KEYS[2]
local conn_id = ARGV[1]

local removed = redis.call('SREM', set_key, conn_id)
redis.call('DEL', lease_key)

local remaining = redis.call('SCARD', set_key)
if remaining == 0 then
    redis.call('DEL', set_key)
end

if removed == 1 and remaining == 0 then
    return 1
end
return 0
`
