package presence

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const defaultSweepInterval = 15 * time.Second

// Reaper is the server side of the disconnect contract: it finds connections
// whose lease lapsed and commits their staged writes.
type Reaper struct {
	store    *Store
	interval time.Duration
}

// NewReaper constructs a Reaper sweeping at the given interval.
func NewReaper(store *Store, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Reaper{store: store, interval: interval}
}

// Sweep commits the staged writes of every expired connection and returns
// how many records were written.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	store := r.store
	connectionIDs, err := store.client.SMembers(ctx, store.activeConnectionsKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("presence: list connections: %w", err)
	}

	committed := 0
	for _, connectionID := range connectionIDs {
		alive, err := store.client.Exists(ctx, store.leaseKey(connectionID)).Result()
		if err != nil {
			return committed, fmt.Errorf("presence: check lease %s: %w", connectionID, err)
		}
		if alive > 0 {
			continue
		}
		store.forgetByID(connectionID)
		written, err := store.commitStaged(ctx, connectionID)
		committed += written
		if err != nil {
			store.logger.Warn("reaping connection failed", zap.String("connection_id", connectionID), zap.Error(err))
			continue
		}
		store.logger.Info("connection lease expired",
			zap.String("connection_id", connectionID), zap.Int("records", written))
	}
	return committed, nil
}

// Run sweeps on every tick until ctx is done. Sweep failures are logged.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.store.logger.Warn("presence sweep failed", zap.Error(err))
			}
		}
	}
}
