package delivery

import (
	"context"
	"log"
	"time"

	"github.com/skillswap/chat-app/internal/metrics"
	"github.com/skillswap/chat-app/internal/presence"
)

// LeaseKeeper is implemented by registries that expire connections whose
// owner stopped renewing them.
type LeaseKeeper interface {
	Touch(ctx context.Context, leases []presence.Lease) ([]string, error)
	Sweep(ctx context.Context) ([]presence.Reaped, error)
}

// Touch renews the leases of every local connection. Users whose
// connections had been reaped while still live are announced online again.
func (r *Router) Touch(ctx context.Context) error {
	lk, ok := r.registry.(LeaseKeeper)
	if !ok {
		return nil
	}
	leases := r.localLeases()
	if len(leases) == 0 {
		return nil
	}
	back, err := lk.Touch(ctx, leases)
	for _, userID := range back {
		log.Printf("delivery: restored reaped presence user=%s", userID)
		r.announce(ctx, userID, true)
	}
	return err
}

// Sweep removes connections whose lease expired and announces users that
// went offline as a result.
func (r *Router) Sweep(ctx context.Context) (int, error) {
	lk, ok := r.registry.(LeaseKeeper)
	if !ok {
		return 0, nil
	}
	reaped, err := lk.Sweep(ctx)
	if err != nil {
		return 0, err
	}
	for _, rp := range reaped {
		metrics.ReapedConnections.Inc()
		log.Printf("delivery: reaped conn=%s user=%s", rp.ConnID, rp.UserID)
		if rp.WentOffline {
			r.announce(ctx, rp.UserID, false)
		}
	}
	return len(reaped), nil
}

// StartMaintenance renews leases and reaps expired ones until ctx is done.
// It returns immediately when the registry has no leases.
func (r *Router) StartMaintenance(ctx context.Context) {
	if _, ok := r.registry.(LeaseKeeper); !ok {
		return
	}

	go func() {
		touch := time.NewTicker(r.cfg.LeaseRefresh)
		sweep := time.NewTicker(r.cfg.SweepInterval)
		defer touch.Stop()
		defer sweep.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-touch.C:
				if err := r.Touch(ctx); err != nil {
					log.Printf("delivery: lease refresh failed: %v", err)
				}
			case <-sweep.C:
				if _, err := r.Sweep(ctx); err != nil {
					log.Printf("delivery: sweep failed: %v", err)
				}
			}
		}
	}()
}
