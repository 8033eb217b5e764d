package metadatastore

import (
	"context"
	"log"
	"time"
)

// Janitor periodically reclaims leases that outlived a crashed or hung
// Worker, the same ticker-loop shape as the teacher's health.Scheduler.Run:
// a single select on ctx.Done()/ticker.C, one piece of work per tick, no
// separate goroutine pool.
type Janitor struct {
	Store        *Store
	LeaseTimeout time.Duration
	Tick         time.Duration
}

func (j *Janitor) Run(ctx context.Context) {
	if j.Store == nil {
		return
	}
	if j.Tick <= 0 {
		j.Tick = 60 * time.Second
	}
	if j.LeaseTimeout <= 0 {
		j.LeaseTimeout = 10 * time.Minute
	}
	t := time.NewTicker(j.Tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := j.Store.ReclaimExpiredLeases(ctx, j.LeaseTimeout)
			if err != nil {
				log.Printf("metadatastore: janitor sweep failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("metadatastore: janitor reclaimed %d expired lease(s)", n)
			}
		}
	}
}
