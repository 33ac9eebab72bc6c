package session

import (
	"context"
	"log/slog"
	"time"
)

// SweepCallback is told how many windows a sweep released.
type SweepCallback func(evicted int)

// StartSweeper runs a background goroutine that periodically releases
// elapsed windows from an Expirer. It returns immediately and stops when ctx
// is cancelled. A non-positive interval disables the sweep.
func StartSweeper(ctx context.Context, store Expirer, window, interval time.Duration, now func() time.Time, onSweep SweepCallback) {
	if interval <= 0 {
		slog.Info("Session sweeper disabled")
		return
	}
	if now == nil {
		now = time.Now
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Session sweeper started", "interval", interval, "window", window)

		for {
			select {
			case <-ticker.C:
				sweepOnce(ctx, store, window, now, onSweep)
			case <-ctx.Done():
				slog.Info("Session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func sweepOnce(ctx context.Context, store Expirer, window time.Duration, now func() time.Time, onSweep SweepCallback) {
	evicted, err := store.EvictExpired(ctx, now(), window)
	if err != nil {
		slog.Error("Session sweep failed", "error", err)
		return
	}
	if evicted == 0 {
		return
	}
	slog.Info("Session sweep released expired windows", "count", evicted)
	if onSweep != nil {
		onSweep(evicted)
	}
}
