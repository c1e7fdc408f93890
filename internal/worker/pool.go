// Package worker runs the fixed-size pool that drives the system: each
// worker loops claim, run workflow, release until stopped.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/matthewnbrown/roc-massrecruit/internal/metrics"
	supv "github.com/matthewnbrown/roc-massrecruit/internal/runtime/supervisor"
	"github.com/matthewnbrown/roc-massrecruit/internal/scheduler"
	"github.com/matthewnbrown/roc-massrecruit/internal/storage"
	logx "github.com/matthewnbrown/roc-massrecruit/pkg/logx"
)

// Workflow processes one claimed account and reports the outcome to release
// the claim with.
type Workflow interface {
	Run(ctx context.Context, acct storage.Credential) (storage.Outcome, error)
}

type Config struct {
	Workers      int           // default 8
	IdlePoll     time.Duration // default 2s, sleep when nothing is claimable
	ErrorBackoff time.Duration // default 5s, sleep after a store error
	JoinTimeout  time.Duration // default 10s, bound on Stop()
}

type Pool struct {
	sched   *scheduler.Scheduler
	wf      Workflow
	cfg     Config
	log     logx.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	sup    *supv.Supervisor
	stopCh chan struct{}
}

func New(sched *scheduler.Scheduler, wf Workflow, cfg Config, m *metrics.Metrics, log logx.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.IdlePoll <= 0 {
		cfg.IdlePoll = 2 * time.Second
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 5 * time.Second
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 10 * time.Second
	}
	return &Pool{sched: sched, wf: wf, cfg: cfg, metrics: m, log: log}
}

// Start launches the workers. Idempotent while running.
//
// Workers are supervised on a background context on purpose: shutdown is
// cooperative (the stop channel is checked between iterations) so an
// in-flight workflow always finishes and releases its lease rather than
// being canceled mid-task.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopCh != nil {
		return
	}
	p.stopCh = make(chan struct{})
	stopCh := p.stopCh

	p.sup = supv.New(context.Background(),
		supv.WithLogger(p.log.With(logx.String("comp", "pool"))),
	)
	for i := 0; i < p.cfg.Workers; i++ {
		idx := i
		p.sup.GoRestart(fmt.Sprintf("worker.%d", idx), func(ctx context.Context) error {
			return p.runWorker(ctx, stopCh, idx)
		})
	}
	p.metrics.SetWorkersAlive(p.cfg.Workers)
	p.log.Info("worker pool started", logx.Int("workers", p.cfg.Workers))
}

// Stop signals the workers and waits up to the join timeout. Workers still
// busy after that are abandoned; their current workflow will finish and
// release its lease before the goroutine exits.
func (p *Pool) Stop() {
	p.mu.Lock()
	stopCh := p.stopCh
	sup := p.sup
	p.stopCh = nil
	p.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.JoinTimeout)
	defer cancel()
	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		p.log.Warn("worker pool stop timed out; abandoning busy workers",
			logx.Int64("still_active", sup.Active()))
	} else {
		p.log.Info("worker pool stopped")
	}
	p.metrics.SetWorkersAlive(int(sup.Active()))
}

// Alive reports whether any worker is still running.
func (p *Pool) Alive() bool {
	p.mu.Lock()
	sup := p.sup
	p.mu.Unlock()
	return sup != nil && sup.Active() > 0
}

func (p *Pool) runWorker(ctx context.Context, stopCh <-chan struct{}, idx int) error {
	log := p.log.With(logx.Int("worker", idx))

	for {
		select {
		case <-stopCh:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		acct, err := p.sched.Claim(ctx)
		if err != nil {
			// Store trouble must not kill the pool; back off and retry.
			p.metrics.StoreError()
			log.Warn("claim failed", logx.Err(err))
			if !sleep(stopCh, ctx, p.cfg.ErrorBackoff) {
				return nil
			}
			continue
		}
		if acct == nil {
			p.metrics.ClaimEmpty()
			if !sleep(stopCh, ctx, p.cfg.IdlePoll) {
				return nil
			}
			continue
		}

		p.metrics.Claim()
		p.processOne(ctx, log, *acct)
	}
}

// processOne runs the workflow for a claimed account and releases the lease
// exactly once, whatever happens, including a workflow panic. An unreleased
// lease would freeze the account for the whole lease timeout.
func (p *Pool) processOne(ctx context.Context, log logx.Logger, acct storage.Credential) {
	var out storage.Outcome

	defer func() {
		if r := recover(); r != nil {
			p.metrics.Run("error")
			log.Error("workflow panicked",
				logx.String("account", acct.Username),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
			out = storage.Outcome{}
		}
		// Release on a fresh context so a canceled worker context can't
		// strand the lease.
		rctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.sched.Release(rctx, acct.Username, out); err != nil {
			p.metrics.StoreError()
			log.Error("release failed", logx.String("account", acct.Username), logx.Err(err))
		}
	}()

	res, err := p.wf.Run(ctx, acct)
	out = res
	if err != nil {
		p.metrics.Run("failed")
		log.Warn("account run failed", logx.String("account", acct.Username), logx.Err(err))
		return
	}
	p.metrics.Run("success")
}

// sleep waits for d, returning false when stop/cancel interrupted it.
func sleep(stopCh <-chan struct{}, ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-stopCh:
		return false
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
