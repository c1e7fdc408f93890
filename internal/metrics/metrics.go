// Package metrics exposes Prometheus counters for the recruit pipeline.
// All methods are nil-receiver safe so wiring is optional.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	logx "github.com/matthewnbrown/roc-massrecruit/pkg/logx"
)

type Metrics struct {
	registry *prometheus.Registry

	claims        prometheus.Counter
	claimEmpty    prometheus.Counter
	runs          *prometheus.CounterVec
	captcha       *prometheus.CounterVec
	loginFailures prometheus.Counter
	storeErrors   prometheus.Counter
	workersAlive  prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.claims = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "massrecruit_claims_total",
		Help: "Accounts claimed from the schedule.",
	})
	m.claimEmpty = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "massrecruit_claim_empty_total",
		Help: "Claim attempts that found no eligible account.",
	})
	m.runs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "massrecruit_runs_total",
		Help: "Workflow runs by terminal result.",
	}, []string{"result"})
	m.captcha = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "massrecruit_captcha_attempts_total",
		Help: "Captcha attempts by outcome.",
	}, []string{"outcome"})
	m.loginFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "massrecruit_login_failures_total",
		Help: "Rejected logins.",
	})
	m.storeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "massrecruit_store_errors_total",
		Help: "Storage errors observed by workers.",
	})
	m.workersAlive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "massrecruit_workers_alive",
		Help: "Worker goroutines currently running.",
	})

	m.registry.MustRegister(
		m.claims, m.claimEmpty, m.runs, m.captcha,
		m.loginFailures, m.storeErrors, m.workersAlive,
	)
	return m
}

func (m *Metrics) Claim() {
	if m != nil {
		m.claims.Inc()
	}
}

func (m *Metrics) ClaimEmpty() {
	if m != nil {
		m.claimEmpty.Inc()
	}
}

// Run records a terminal workflow result: "success", "failed", or "error".
func (m *Metrics) Run(result string) {
	if m != nil {
		m.runs.WithLabelValues(result).Inc()
	}
}

// Captcha records one attempt outcome: "correct", "wrong", "low_confidence",
// or "indeterminate".
func (m *Metrics) Captcha(outcome string) {
	if m != nil {
		m.captcha.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) LoginFailure() {
	if m != nil {
		m.loginFailures.Inc()
	}
}

func (m *Metrics) StoreError() {
	if m != nil {
		m.storeErrors.Inc()
	}
}

func (m *Metrics) SetWorkersAlive(n int) {
	if m != nil {
		m.workersAlive.Set(float64(n))
	}
}

// Serve runs a /metrics listener until ctx is canceled.
func (m *Metrics) Serve(ctx context.Context, addr string, log logx.Logger) error {
	if m == nil {
		return nil
	}
	if addr == "" {
		addr = "127.0.0.1:9190"
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info("metrics listener started", logx.String("addr", addr))

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
