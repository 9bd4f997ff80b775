// Package sweep runs the background deadline loop: overdue mint
// requests are expired and overdue escrows are auto-disputed or
// refunded on the schedule the burn service defines.
package sweep

import (
	"context"
	"log"
	"time"

	"github.com/exonet/tokenvault/internal/burn"
	"github.com/exonet/tokenvault/internal/mint"
)

// Sweeper drives time-based transitions that no client request would
// otherwise trigger.
type Sweeper struct {
	mints    *mint.Service
	burns    *burn.Service
	interval time.Duration
}

// New returns a sweeper ticking at the given interval.
func New(mints *mint.Service, burns *burn.Service, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{mints: mints, burns: burns, interval: interval}
}

// Run blocks until ctx is cancelled, sweeping once per tick. Errors are
// logged and the loop keeps going; a failed pass is retried next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			s.Sweep(ctx, now.UTC())
		}
	}
}

// Sweep runs one pass over everything due at now.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) {
	if n, err := s.mints.ExpireDue(ctx, now); err != nil {
		log.Printf("sweep: mint expiry: %v", err)
	} else if n > 0 {
		log.Printf("sweep: expired %d mint requests", n)
	}

	disputed, expired, err := s.burns.SweepDue(ctx, now)
	if err != nil {
		log.Printf("sweep: escrow sweep: %v", err)
		return
	}
	if disputed > 0 || expired > 0 {
		log.Printf("sweep: auto-disputed %d escrows, expired %d", disputed, expired)
	}
}
