// Package workflow runs the per-claim account state machine: ensure an
// authenticated session, then attempt the recruit action up to a bound,
// solving the captcha gate when one is up, and report the outcome the
// scheduler should apply on release.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/matthewnbrown/roc-massrecruit/internal/captcha"
	"github.com/matthewnbrown/roc-massrecruit/internal/metrics"
	"github.com/matthewnbrown/roc-massrecruit/internal/roc"
	"github.com/matthewnbrown/roc-massrecruit/internal/storage"
	logx "github.com/matthewnbrown/roc-massrecruit/pkg/logx"
)

// ErrAttemptsExhausted means every attempt in one run failed to get the
// recruit through.
var ErrAttemptsExhausted = errors.New("all recruit attempts failed")

// Session is one account's connection to the remote site.
type Session interface {
	Authenticated(ctx context.Context) (bool, error)
	Login(ctx context.Context, cred storage.Credential) error
	RecruitPage(ctx context.Context) (roc.Page, error)
	Submit(ctx context.Context, form url.Values) (roc.Page, error)
	Image(ctx context.Context, src string) ([]byte, error)
	Export() ([]byte, error)
}

// Dialer opens a Session, restoring serialized cookies when available.
type Dialer interface {
	NewSession(blob []byte) (Session, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(blob []byte) (Session, error)

func (f DialerFunc) NewSession(blob []byte) (Session, error) { return f(blob) }

// Keypad maps an answer label to submit coordinates for a named zone.
type Keypad interface {
	Coordinate(label, zone string) (x, y int, err error)
}

// SessionStore is the slice of storage the workflow needs.
type SessionStore interface {
	GetSession(ctx context.Context, username string) ([]byte, bool, error)
	PutSession(ctx context.Context, username string, blob []byte) error
}

type Config struct {
	// CaptchaEnabled gates the solve path; when false the recruit form is
	// submitted directly each attempt.
	CaptchaEnabled bool

	ConfidenceThreshold float64 // default 0.8
	MaxAttempts         int     // default 2
	Zone                string  // default "roc_recruit"

	// FailureCooldown, when positive, defers a failed account instead of
	// leaving it immediately re-eligible.
	FailureCooldown time.Duration
}

type Deps struct {
	Dial     Dialer
	Solver   captcha.Solver
	Keypad   Keypad
	Sorter   *captcha.Sorter
	Sessions SessionStore
	Metrics  *metrics.Metrics
}

type Runner struct {
	deps Deps
	cfg  Config
	log  logx.Logger

	now func() time.Time
}

func New(deps Deps, cfg Config, log logx.Logger) *Runner {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 0.8
	}
	if cfg.Zone == "" {
		cfg.Zone = "roc_recruit"
	}
	return &Runner{deps: deps, cfg: cfg, log: log, now: time.Now}
}

// Run executes the state machine once for a claimed account. The returned
// outcome is what the caller must release the claim with; it is valid even
// when err is non-nil (failed runs may carry a cooldown).
func (r *Runner) Run(ctx context.Context, acct storage.Credential) (storage.Outcome, error) {
	log := r.log.With(logx.String("account", acct.Username))

	sess, err := r.ensureSession(ctx, log, acct)
	if err != nil {
		return r.failedOutcome(), err
	}

	out, err := r.recruit(ctx, log, sess, acct)
	if err != nil {
		return r.failedOutcome(), err
	}
	return out, nil
}

// ensureSession restores the stored session and probes it, logging in again
// when the probe fails. A rejected login is terminal for this run.
func (r *Runner) ensureSession(ctx context.Context, log logx.Logger, acct storage.Credential) (Session, error) {
	blob, _, err := r.deps.Sessions.GetSession(ctx, acct.Username)
	if err != nil {
		// A broken session read only costs a re-login.
		log.Warn("session load failed", logx.Err(err))
		blob = nil
	}

	sess, err := r.deps.Dial.NewSession(blob)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}

	authed := false
	if len(blob) > 0 {
		authed, err = sess.Authenticated(ctx)
		if err != nil {
			log.Debug("session probe failed", logx.Err(err))
			authed = false
		}
	}
	if authed {
		return sess, nil
	}

	if err := sess.Login(ctx, acct); err != nil {
		r.deps.Metrics.LoginFailure()
		return nil, fmt.Errorf("login: %w", err)
	}
	log.Info("logged in")
	r.persistSession(ctx, log, sess, acct.Username)
	return sess, nil
}

func (r *Runner) recruit(ctx context.Context, log logx.Logger, sess Session, acct storage.Credential) (storage.Outcome, error) {
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return storage.Outcome{}, ctx.Err()
		}
		alog := log.With(logx.Int("attempt", attempt))

		out, done, err := r.attempt(ctx, alog, sess, acct)
		if err != nil {
			// Transient step failures consume the attempt and continue.
			alog.Warn("recruit attempt failed", logx.Err(err))
			continue
		}
		if done {
			return out, nil
		}
	}
	return storage.Outcome{}, ErrAttemptsExhausted
}

// attempt runs one pass of the loop. done=true means terminal success; a
// false return without error means the attempt concluded (wrong answer, low
// confidence, indeterminate response) and the loop should continue.
func (r *Runner) attempt(ctx context.Context, log logx.Logger, sess Session, acct storage.Credential) (storage.Outcome, bool, error) {
	if !r.cfg.CaptchaEnabled {
		page, err := sess.Submit(ctx, url.Values{"submit": {"Recruit"}})
		if err != nil {
			return storage.Outcome{}, false, err
		}
		return r.interpret(ctx, log, sess, acct, page, nil, "", "")
	}

	page, err := sess.RecruitPage(ctx)
	if err != nil {
		return storage.Outcome{}, false, err
	}

	if !page.Challenge {
		// Gate already satisfied; the page itself carries the cooldown.
		out := storage.Outcome{NextEligibleAt: page.NextRecruit}
		if !page.NextRecruit.IsZero() {
			log.Info("no captcha needed", logx.Time("next_recruit", page.NextRecruit))
		} else {
			log.Info("no captcha needed")
		}
		return out, true, nil
	}

	if page.CaptchaSrc == "" {
		r.deps.Sorter.SavePage("no_captcha_"+acct.Username, page.Raw)
		return storage.Outcome{}, false, errors.New("challenge present but no captcha image")
	}

	img, err := sess.Image(ctx, page.CaptchaSrc)
	if err != nil {
		return storage.Outcome{}, false, err
	}

	ans, err := r.deps.Solver.Solve(ctx, img, page.CaptchaHash)
	if err != nil {
		return storage.Outcome{}, false, err
	}

	if ans.Confidence < r.cfg.ConfidenceThreshold {
		r.deps.Metrics.Captcha("low_confidence")
		r.deps.Sorter.SaveImage(captcha.BucketLowConfidence, ans.Label, page.CaptchaHash, img)
		log.Debug("confidence too low, skipping guess",
			logx.String("answer", ans.Label), logx.Float64("confidence", ans.Confidence))
		return storage.Outcome{}, false, nil
	}

	x, y, err := r.deps.Keypad.Coordinate(ans.Label, r.cfg.Zone)
	if err != nil {
		return storage.Outcome{}, false, err
	}

	form := url.Values{
		"num":            {ans.Label},
		"captcha":        {page.CaptchaHash},
		"coordinates[x]": {strconv.Itoa(x)},
		"coordinates[y]": {strconv.Itoa(y)},
	}
	resp, err := sess.Submit(ctx, form)
	if err != nil {
		return storage.Outcome{}, false, err
	}
	return r.interpret(ctx, log, sess, acct, resp, img, page.CaptchaHash, ans.Label)
}

// interpret classifies a submit response. img/hash are nil/empty on the
// direct-submit path.
func (r *Runner) interpret(ctx context.Context, log logx.Logger, sess Session, acct storage.Credential, page roc.Page, img []byte, hash, label string) (storage.Outcome, bool, error) {
	switch {
	case page.Challenge:
		// Unsolved marker still up: the answer was wrong.
		r.deps.Metrics.Captcha("wrong")
		r.deps.Sorter.SaveImage(captcha.BucketFailed, label, hash, img)
		log.Debug("captcha rejected")
		return storage.Outcome{}, false, nil

	case page.Success:
		r.deps.Metrics.Captcha("correct")
		r.deps.Sorter.SaveImage(captcha.BucketCorrect, label, hash, img)
		r.persistSession(ctx, log, sess, acct.Username)

		out := storage.Outcome{NextEligibleAt: page.NextRecruit}
		if !page.NextRecruit.IsZero() {
			log.Info("recruit succeeded", logx.Time("next_recruit", page.NextRecruit))
		} else {
			log.Info("recruit succeeded")
		}
		return out, true, nil

	default:
		r.deps.Metrics.Captcha("indeterminate")
		log.Debug("recruit response indeterminate")
		return storage.Outcome{}, false, nil
	}
}

func (r *Runner) persistSession(ctx context.Context, log logx.Logger, sess Session, username string) {
	blob, err := sess.Export()
	if err != nil {
		log.Warn("session export failed", logx.Err(err))
		return
	}
	if err := r.deps.Sessions.PutSession(ctx, username, blob); err != nil {
		log.Warn("session save failed", logx.Err(err))
	}
}

// failedOutcome defers the account by the configured cooldown so failing
// accounts don't hot-loop against the remote. Zero cooldown reproduces the
// immediate-retry behavior.
func (r *Runner) failedOutcome() storage.Outcome {
	if r.cfg.FailureCooldown <= 0 {
		return storage.Outcome{}
	}
	return storage.Outcome{NextEligibleAt: r.now().Add(r.cfg.FailureCooldown)}
}
