package presence

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestRedisRegistry connects to a local Redis on DB 15 and flushes it.
// Tests that call this helper are skipped when Redis is not running.
func newTestRedisRegistry(t *testing.T, leaseTTL time.Duration) *RedisRegistry {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping: Redis not available: %v", err)
	}
	rdb.FlushDB(ctx)
	t.Cleanup(func() {
		rdb.FlushDB(ctx)
		rdb.Close()
	})
	return NewRedisRegistry(rdb, leaseTTL)
}

// registries returns every implementation available in this environment.
func registries(t *testing.T) map[string]Registry {
	t.Helper()
	out := map[string]Registry{"memory": NewMemoryRegistry()}
	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	if err := rdb.Ping(context.Background()).Err(); err == nil {
		rdb.Close()
		out["redis"] = newTestRedisRegistry(t, time.Minute)
	} else {
		rdb.Close()
	}
	return out
}

// ---------------------------------------------------------------------------
// Transition semantics
// ---------------------------------------------------------------------------

func TestRegisterUnregisterTransitions(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			online, err := reg.Register(ctx, "alice", "c1")
			if err != nil {
				t.Fatalf("Register: %v", err)
			}
			if !online {
				t.Error("first connection should report offline->online")
			}
			online, _ = reg.Register(ctx, "alice", "c2")
			if online {
				t.Error("second connection must not report a transition")
			}
			online, _ = reg.Register(ctx, "alice", "c2")
			if online {
				t.Error("re-registering a live connection must not report a transition")
			}

			offline, _ := reg.Unregister(ctx, "alice", "c1")
			if offline {
				t.Error("alice still has c2")
			}
			offline, _ = reg.Unregister(ctx, "alice", "unknown")
			if offline {
				t.Error("removing an unknown connection must not report a transition")
			}
			offline, _ = reg.Unregister(ctx, "alice", "c2")
			if !offline {
				t.Error("removing the last connection should report online->offline")
			}
			offline, _ = reg.Unregister(ctx, "alice", "c2")
			if offline {
				t.Error("double unregister must not report a second transition")
			}

			isOnline, _ := reg.IsOnline(ctx, "alice")
			if isOnline {
				t.Error("alice should be offline")
			}
		})
	}
}

func TestIsOnlineTracksLiveSet(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			live := map[string]bool{}
			rng := rand.New(rand.NewSource(7))

			for i := 0; i < 200; i++ {
				id := fmt.Sprintf("c%d", rng.Intn(5))
				if rng.Intn(2) == 0 {
					reg.Register(ctx, "bob", id)
					live[id] = true
				} else {
					reg.Unregister(ctx, "bob", id)
					delete(live, id)
				}

				online, err := reg.IsOnline(ctx, "bob")
				if err != nil {
					t.Fatalf("IsOnline: %v", err)
				}
				if online != (len(live) > 0) {
					t.Fatalf("step %d: online=%v but live set has %d members", i, online, len(live))
				}
				conns, _ := reg.Connections(ctx, "bob")
				if len(conns) != len(live) {
					t.Fatalf("step %d: expected %d connections, got %d", i, len(live), len(conns))
				}
			}
		})
	}
}

func TestConcurrentRegisterReportsOneTransition(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const n = 50

			for round := 0; round < 5; round++ {
				var onlines, offlines int32
				var wg sync.WaitGroup

				for i := 0; i < n; i++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						if ok, _ := reg.Register(ctx, "carol", fmt.Sprintf("r%d-c%d", round, i)); ok {
							atomic.AddInt32(&onlines, 1)
						}
					}(i)
				}
				wg.Wait()

				for i := 0; i < n; i++ {
					wg.Add(1)
					go func(i int) {
						defer wg.Done()
						if ok, _ := reg.Unregister(ctx, "carol", fmt.Sprintf("r%d-c%d", round, i)); ok {
							atomic.AddInt32(&offlines, 1)
						}
					}(i)
				}
				wg.Wait()

				if onlines != 1 {
					t.Errorf("round %d: expected exactly 1 online transition, got %d", round, onlines)
				}
				if offlines != 1 {
					t.Errorf("round %d: expected exactly 1 offline transition, got %d", round, offlines)
				}
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Lease sweeping (Redis only)
// ---------------------------------------------------------------------------

func TestSweepReapsExpiredLeases(t *testing.T) {
	reg := newTestRedisRegistry(t, 200*time.Millisecond)
	ctx := context.Background()

	reg.Register(ctx, "dave", "ws-1:a")
	reg.Register(ctx, "dave", "ws-2:b")

	time.Sleep(100 * time.Millisecond)
	if _, err := reg.Touch(ctx, []Lease{{UserID: "dave", ConnID: "ws-1:a"}}); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	time.Sleep(150 * time.Millisecond)

	reaped, err := reg.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(reaped) != 1 || reaped[0].ConnID != "ws-2:b" {
		t.Fatalf("expected ws-2:b to be reaped, got %+v", reaped)
	}
	if reaped[0].WentOffline {
		t.Error("dave still holds ws-1:a")
	}

	time.Sleep(250 * time.Millisecond)
	reaped, _ = reg.Sweep(ctx)
	if len(reaped) != 1 || !reaped[0].WentOffline {
		t.Fatalf("expected the last lease to reap dave offline, got %+v", reaped)
	}
	if online, _ := reg.IsOnline(ctx, "dave"); online {
		t.Error("dave should be offline after sweep")
	}
}

func TestTouchRestoresReapedLiveConnection(t *testing.T) {
	reg := newTestRedisRegistry(t, 100*time.Millisecond)
	ctx := context.Background()

	reg.Register(ctx, "erin", "ws-1:a")

	// The owner stalls past the lease, and a sweep reaps the live connection.
	time.Sleep(150 * time.Millisecond)
	reaped, err := reg.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(reaped) != 1 || !reaped[0].WentOffline {
		t.Fatalf("expected erin reaped offline, got %+v", reaped)
	}

	back, err := reg.Touch(ctx, []Lease{{UserID: "erin", ConnID: "ws-1:a"}})
	if err != nil {
		t.Fatalf("Touch: %v", err)
	}
	if len(back) != 1 || back[0] != "erin" {
		t.Errorf("Touch restored %v, want [erin]", back)
	}
	if online, _ := reg.IsOnline(ctx, "erin"); !online {
		t.Error("erin should be online again after Touch")
	}
	conns, _ := reg.Connections(ctx, "erin")
	if len(conns) != 1 || conns[0] != "ws-1:a" {
		t.Errorf("connections = %v", conns)
	}

	// A live lease is only extended.
	back, _ = reg.Touch(ctx, []Lease{{UserID: "erin", ConnID: "ws-1:a"}})
	if len(back) != 0 {
		t.Errorf("second Touch reported %v", back)
	}
	if reaped, _ := reg.Sweep(ctx); len(reaped) != 0 {
		t.Errorf("restored lease was reaped: %+v", reaped)
	}
}
