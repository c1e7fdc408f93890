package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/matthewnbrown/roc-massrecruit/internal/storage"
)

type recordingStore struct {
	storage.Store

	claimNow   time.Time
	claimLease time.Duration

	released    string
	releasedOut storage.Outcome
}

func (r *recordingStore) ClaimNext(_ context.Context, now time.Time, leaseTimeout time.Duration) (*storage.Credential, error) {
	r.claimNow = now
	r.claimLease = leaseTimeout
	return &storage.Credential{Username: "u"}, nil
}

func (r *recordingStore) Release(_ context.Context, username string, out storage.Outcome) error {
	r.released = username
	r.releasedOut = out
	return nil
}

func TestClaimUsesConfiguredLeaseTimeout(t *testing.T) {
	st := &recordingStore{}
	s := New(st, 3*time.Minute)

	fixed := time.Unix(42, 0)
	s.now = func() time.Time { return fixed }

	c, err := s.Claim(context.Background())
	if err != nil || c == nil {
		t.Fatalf("Claim: %v %v", c, err)
	}
	if !st.claimNow.Equal(fixed) {
		t.Fatalf("now not threaded through: %v", st.claimNow)
	}
	if st.claimLease != 3*time.Minute {
		t.Fatalf("lease timeout: %v", st.claimLease)
	}
}

func TestZeroLeaseTimeoutGetsDefault(t *testing.T) {
	st := &recordingStore{}
	s := New(st, 0)
	if _, err := s.Claim(context.Background()); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if st.claimLease != 10*time.Minute {
		t.Fatalf("expected default lease timeout, got %v", st.claimLease)
	}
}

func TestReleaseForwardsOutcome(t *testing.T) {
	st := &recordingStore{}
	s := New(st, time.Minute)

	out := storage.Outcome{NextEligibleAt: time.Unix(99, 0)}
	if err := s.Release(context.Background(), "u", out); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if st.released != "u" || !st.releasedOut.NextEligibleAt.Equal(out.NextEligibleAt) {
		t.Fatalf("release not forwarded: %q %+v", st.released, st.releasedOut)
	}
}
