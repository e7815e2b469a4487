package replay

import (
	"context"
	"time"

	"typerace/broker/internal/ids"
	"typerace/broker/internal/logging"
)

// Sweeper periodically removes replays whose retention deadline has
// passed. Retention is evaluated at sweep granularity rather than with a
// timer per session, trading a little eviction latency for a single
// goroutine regardless of session count.
type Sweeper struct {
	store *Store
	clock ids.Clock
	log   *logging.Logger
}

// NewSweeper constructs a Sweeper over store.
func NewSweeper(store *Store, clock ids.Clock, log *logging.Logger) *Sweeper {
	if clock == nil {
		clock = ids.SystemClock
	}
	if log == nil {
		log = logging.L()
	}
	return &Sweeper{store: store, clock: clock, log: log}
}

// Run executes retention sweeps on interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	if s == nil || ctx == nil {
		return
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	//1.- Sweep eagerly so retention applies immediately on startup.
	s.RunOnce()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce()
		}
	}
}

// RunOnce performs a single retention sweep, primarily used by tests and by
// Run's eager first pass.
func (s *Sweeper) RunOnce() {
	if s == nil || s.store == nil {
		return
	}
	now := ids.NowMillis(s.clock)
	removed := s.store.Sweep(now)
	if removed > 0 {
		s.log.Info("replay retention swept expired sessions", logging.Int("removed", removed))
	}
}
