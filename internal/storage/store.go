package storage

import (
	"context"
	"time"
)

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Credential is one imported account.
type Credential struct {
	Username string
	Password string
	Email    string
}

// Outcome is the result of one workflow run, applied on release.
// The zero value leaves the schedule unchanged.
type Outcome struct {
	// NextEligibleAt, when non-zero, advances the account's schedule so the
	// account is not claimed again before that instant.
	NextEligibleAt time.Time
}

// Unchanged reports whether releasing with this outcome leaves the schedule
// untouched.
func (o Outcome) Unchanged() bool { return o.NextEligibleAt.IsZero() }

// Store is the persistence API shared by all workers.
//
// ClaimNext and Release are the only operations requiring mutual exclusion;
// both are atomic: a failed call leaves state untouched.
type Store interface {
	// ReplaceCredentials atomically overwrites the credential set. Schedule
	// rows for usernames no longer present are deleted; new usernames start
	// without a schedule row (immediately eligible). Returns the number of
	// credentials stored.
	ReplaceCredentials(ctx context.Context, creds []Credential) (int, error)

	GetSession(ctx context.Context, username string) ([]byte, bool, error)
	PutSession(ctx context.Context, username string, blob []byte) error

	// ClaimNext selects the eligible account with the smallest
	// next_eligible_at (ties broken by username), marks it leased as of now,
	// and returns it. Accounts whose lease is older than leaseTimeout are
	// treated as unleased. Returns (nil, nil) when no account qualifies.
	ClaimNext(ctx context.Context, now time.Time, leaseTimeout time.Duration) (*Credential, error)

	// Release clears the account's lease and, when the outcome carries a
	// next-eligible time, advances the schedule. Never regresses it.
	Release(ctx context.Context, username string, out Outcome) error

	// NextAvailable returns the earliest next_eligible_at strictly after
	// now. Observability only.
	NextAvailable(ctx context.Context, now time.Time) (time.Time, bool, error)

	// Counts returns the number of credentials and schedule rows.
	Counts(ctx context.Context) (accounts, scheduled int, err error)

	Close() error
}
