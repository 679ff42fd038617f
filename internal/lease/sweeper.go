package lease

import (
	"context"
	"time"
)

// DefaultSweepInterval is how often abandoned leases are swept
const DefaultSweepInterval = 30 * time.Second

// Sweeper periodically removes stale leases so an abandoned lease blocks
// nobody for long, even when no one is waiting on it.
type Sweeper struct {
	locker   *Locker
	interval time.Duration
}

func NewSweeper(l *Locker, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{locker: l, interval: interval}
}

// Run sweeps once immediately and then every interval until ctx is done
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if n, err := s.locker.ReleaseStale(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.locker.logger.Warn("Lease sweep failed", "error", err)
		} else if n > 0 {
			s.locker.logger.Debug("Lease sweep finished", "released", n)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
