package session

import (
	"context"
	"log/slog"
	"time"
)

func startJanitor(ctx context.Context, interval time.Duration, sweep func(context.Context) (int64, error)) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := sweep(ctx)
				if err != nil {
					slog.Warn("session: expiry sweep failed", "error", err)
					continue
				}
				if n > 0 {
					slog.Debug("session: expired sessions pruned", "count", n)
				}
			}
		}
	}()
}
