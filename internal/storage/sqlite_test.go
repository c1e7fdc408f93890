package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "github.com/matthewnbrown/roc-massrecruit/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seed(t *testing.T, st Store, usernames ...string) {
	t.Helper()
	creds := make([]Credential, 0, len(usernames))
	for _, u := range usernames {
		creds = append(creds, Credential{Username: u, Password: "pw", Email: u + "@example.com"})
	}
	if _, err := st.ReplaceCredentials(context.Background(), creds); err != nil {
		t.Fatalf("ReplaceCredentials: %v", err)
	}
}

const lease = 10 * time.Minute

func TestClaimNextPicksEarliestThenUsername(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	seed(t, st, "bravo", "alpha", "charlie")

	now := time.Unix(1_000_000, 0)

	// All three have no schedule row, so the tie breaks on username.
	c, err := st.ClaimNext(ctx, now, lease)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if c == nil || c.Username != "alpha" {
		t.Fatalf("expected alpha, got %+v", c)
	}
	if c.Password != "pw" || c.Email != "alpha@example.com" {
		t.Fatalf("credential fields not returned: %+v", c)
	}

	// alpha is leased now; next claim must skip it.
	c, err = st.ClaimNext(ctx, now, lease)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if c == nil || c.Username != "bravo" {
		t.Fatalf("expected bravo, got %+v", c)
	}
}

func TestClaimNextHonorsNextEligibleAt(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	seed(t, st, "only")

	now := time.Unix(1_000_000, 0)
	unlock := now.Add(5 * time.Minute)

	c, err := st.ClaimNext(ctx, now, lease)
	if err != nil || c == nil {
		t.Fatalf("ClaimNext: %v %v", c, err)
	}
	if err := st.Release(ctx, "only", Outcome{NextEligibleAt: unlock}); err != nil {
		t.Fatalf("Release: %v", err)
	}

	// Before the unlock instant: not claimable, even a second early.
	if c, _ := st.ClaimNext(ctx, unlock.Add(-time.Second), lease); c != nil {
		t.Fatalf("claimed before next_eligible_at: %+v", c)
	}
	// At the unlock instant: claimable.
	c, err = st.ClaimNext(ctx, unlock, lease)
	if err != nil || c == nil {
		t.Fatalf("expected claim at unlock instant, got %v %v", c, err)
	}
}

func TestConcurrentClaimsAreExclusive(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	seed(t, st, "only")

	now := time.Unix(1_000_000, 0)
	const callers = 8

	results := make(chan *Credential, callers)
	errs := make(chan error, callers)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		go func() {
			<-start
			c, err := st.ClaimNext(ctx, now, lease)
			results <- c
			errs <- err
		}()
	}
	close(start)

	won := 0
	for i := 0; i < callers; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("ClaimNext: %v", err)
		}
		if c := <-results; c != nil {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("exactly one caller must win the claim, got %d", won)
	}
}

func TestLeaseExpiryBoundary(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	seed(t, st, "only")

	t0 := time.Unix(1_000_000, 0)
	if c, err := st.ClaimNext(ctx, t0, lease); err != nil || c == nil {
		t.Fatalf("initial claim: %v %v", c, err)
	}

	// Exactly at t0+lease the lease is still held.
	if c, _ := st.ClaimNext(ctx, t0.Add(lease), lease); c != nil {
		t.Fatalf("lease honored only up to timeout, got %+v", c)
	}
	// Strictly past the timeout the account is reclaimable.
	c, err := st.ClaimNext(ctx, t0.Add(lease+time.Second), lease)
	if err != nil || c == nil {
		t.Fatalf("expected reclaim past lease timeout, got %v %v", c, err)
	}
}

func TestReleaseUnchangedKeepsAccountEligible(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	seed(t, st, "only")

	now := time.Unix(1_000_000, 0)
	if c, err := st.ClaimNext(ctx, now, lease); err != nil || c == nil {
		t.Fatalf("claim: %v %v", c, err)
	}
	if err := st.Release(ctx, "only", Outcome{}); err != nil {
		t.Fatalf("Release: %v", err)
	}

	// Schedule untouched, lease cleared: immediately claimable again.
	c, err := st.ClaimNext(ctx, now, lease)
	if err != nil || c == nil {
		t.Fatalf("expected re-claim after unchanged release, got %v %v", c, err)
	}
}

func TestClaimPreservesSchedule(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	seed(t, st, "only")

	now := time.Unix(1_000_000, 0)
	unlock := now.Add(time.Hour)

	if c, err := st.ClaimNext(ctx, now, lease); err != nil || c == nil {
		t.Fatalf("claim: %v %v", c, err)
	}
	if err := st.Release(ctx, "only", Outcome{NextEligibleAt: unlock}); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if c, err := st.ClaimNext(ctx, unlock, lease); err != nil || c == nil {
		t.Fatalf("claim at unlock: %v %v", c, err)
	}

	// The claim only set the lease; next_eligible_at must still be there.
	next, ok, err := st.NextAvailable(ctx, unlock.Add(-time.Minute))
	if err != nil {
		t.Fatalf("NextAvailable: %v", err)
	}
	if !ok || !next.Equal(unlock) {
		t.Fatalf("next_eligible_at clobbered by claim: ok=%v next=%v want %v", ok, next, unlock)
	}
}

func TestReleaseNeverRegressesSchedule(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	seed(t, st, "only")

	now := time.Unix(1_000_000, 0)
	far := now.Add(2 * time.Hour)
	near := now.Add(time.Hour)

	if c, err := st.ClaimNext(ctx, now, lease); err != nil || c == nil {
		t.Fatalf("claim: %v %v", c, err)
	}
	if err := st.Release(ctx, "only", Outcome{NextEligibleAt: far}); err != nil {
		t.Fatalf("Release: %v", err)
	}
	// A stale outcome with an earlier unlock must not pull the schedule back.
	if err := st.Release(ctx, "only", Outcome{NextEligibleAt: near}); err != nil {
		t.Fatalf("Release: %v", err)
	}

	next, ok, err := st.NextAvailable(ctx, now)
	if err != nil || !ok {
		t.Fatalf("NextAvailable: ok=%v err=%v", ok, err)
	}
	if !next.Equal(far) {
		t.Fatalf("schedule regressed: got %v want %v", next, far)
	}
}

func TestReplaceCredentialsPrunesSchedule(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	seed(t, st, "keep", "drop")

	now := time.Unix(1_000_000, 0)
	for i := 0; i < 2; i++ {
		if c, err := st.ClaimNext(ctx, now, lease); err != nil || c == nil {
			t.Fatalf("claim %d: %v %v", i, c, err)
		}
	}
	_ = st.Release(ctx, "keep", Outcome{NextEligibleAt: now.Add(time.Hour)})
	_ = st.Release(ctx, "drop", Outcome{NextEligibleAt: now.Add(time.Hour)})

	n, err := st.ReplaceCredentials(ctx, []Credential{{Username: "keep", Password: "pw2"}})
	if err != nil {
		t.Fatalf("ReplaceCredentials: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 credential, got %d", n)
	}

	accounts, scheduled, err := st.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if accounts != 1 || scheduled != 1 {
		t.Fatalf("expected 1 account / 1 schedule row, got %d / %d", accounts, scheduled)
	}

	// Blank rows are skipped, not stored.
	n, err = st.ReplaceCredentials(ctx, []Credential{{Username: "", Password: "pw"}, {Username: "x", Password: ""}})
	if err != nil {
		t.Fatalf("ReplaceCredentials: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected blank rows skipped, got %d", n)
	}
}

func TestSessionsRoundTripAndSurviveResync(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	seed(t, st, "only")

	if _, ok, err := st.GetSession(ctx, "only"); err != nil || ok {
		t.Fatalf("expected no session, got ok=%v err=%v", ok, err)
	}

	blob := []byte(`[{"name":"sid","value":"abc"}]`)
	if err := st.PutSession(ctx, "only", blob); err != nil {
		t.Fatalf("PutSession: %v", err)
	}
	got, ok, err := st.GetSession(ctx, "only")
	if err != nil || !ok || string(got) != string(blob) {
		t.Fatalf("GetSession: got %q ok=%v err=%v", got, ok, err)
	}

	seed(t, st, "only")
	if _, ok, _ := st.GetSession(ctx, "only"); !ok {
		t.Fatal("session lost across credential resync")
	}
}

func TestNextAvailableIgnoresPastAndPrunedAccounts(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	seed(t, st, "only")

	now := time.Unix(1_000_000, 0)
	if _, ok, err := st.NextAvailable(ctx, now); err != nil || ok {
		t.Fatalf("expected no future schedule, got ok=%v err=%v", ok, err)
	}

	if c, err := st.ClaimNext(ctx, now, lease); err != nil || c == nil {
		t.Fatalf("claim: %v %v", c, err)
	}
	unlock := now.Add(time.Hour)
	_ = st.Release(ctx, "only", Outcome{NextEligibleAt: unlock})

	next, ok, err := st.NextAvailable(ctx, now)
	if err != nil || !ok || !next.Equal(unlock) {
		t.Fatalf("NextAvailable: next=%v ok=%v err=%v", next, ok, err)
	}

	// Once the instant has passed it is no longer "future".
	if _, ok, _ := st.NextAvailable(ctx, unlock); ok {
		t.Fatal("NextAvailable reported a non-future instant")
	}
}
