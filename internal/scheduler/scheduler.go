// Package scheduler hands out time-bounded exclusive leases on accounts.
//
// A lease is recorded as a timestamp, not an owner id: whoever claimed last
// owns the account until it releases or the lease ages past the timeout.
// Expiry is lazy, checked during selection, so a crashed worker blocks an
// account for at most the lease timeout without any cleanup process.
package scheduler

import (
	"context"
	"time"

	"github.com/matthewnbrown/roc-massrecruit/internal/storage"
)

type Scheduler struct {
	store        storage.Store
	leaseTimeout time.Duration

	// now is swappable for tests.
	now func() time.Time
}

func New(store storage.Store, leaseTimeout time.Duration) *Scheduler {
	if leaseTimeout <= 0 {
		leaseTimeout = 10 * time.Minute
	}
	return &Scheduler{store: store, leaseTimeout: leaseTimeout, now: time.Now}
}

// Claim returns the eligible account with the earliest next-eligible time,
// leased as of now, or nil when nothing is claimable. No two callers can
// obtain the same account while its lease is unexpired.
func (s *Scheduler) Claim(ctx context.Context) (*storage.Credential, error) {
	return s.store.ClaimNext(ctx, s.now(), s.leaseTimeout)
}

// Release clears the account's lease, advancing its schedule when the
// outcome carries a next-eligible time. Must be called exactly once per
// successful Claim, whatever the workflow outcome was.
func (s *Scheduler) Release(ctx context.Context, username string, out storage.Outcome) error {
	return s.store.Release(ctx, username, out)
}

// NextAvailable reports when the earliest currently-ineligible account
// unlocks. For status reporting only.
func (s *Scheduler) NextAvailable(ctx context.Context) (time.Time, bool, error) {
	return s.store.NextAvailable(ctx, s.now())
}
