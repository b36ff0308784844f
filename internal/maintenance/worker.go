package maintenance

import (
	"context"
	"time"
)

// Worker runs the cleaner on a fixed interval until ctx is cancelled. It is
// the long-running counterpart of the cron endpoint.
type Worker struct {
	cleaner  *Cleaner
	interval time.Duration
}

func NewWorker(cleaner *Cleaner, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Worker{cleaner: cleaner, interval: interval}
}

func (w *Worker) Start(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			// Failures are already logged by the cleaner; the next tick retries.
			_, _ = w.cleaner.RunOnce(ctx)
		}
	}
}
