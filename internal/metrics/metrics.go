// File: internal/metrics/metrics.go

// Package metrics exposes scan progress as Prometheus collectors.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/scalpel-audit/api/schemas"
	"github.com/xkilldash9x/scalpel-audit/internal/httpclient"
)

const namespace = "scalpel_audit"

// Request outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeTimedOut = "timed_out"
	OutcomeError    = "error"
)

// Metrics holds the scan collectors.
type Metrics struct {
	PagesAudited      prometheus.Counter
	PageFailures      prometheus.Counter
	URLQueue          prometheus.Gauge
	PageQueue         prometheus.Gauge
	BrowserJobs       prometheus.Gauge
	TimeoutCandidates *prometheus.GaugeVec
	Requests          *prometheus.CounterVec
	ResponseTime      prometheus.Histogram
	Issues            *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		PagesAudited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_audited_total",
			Help:      "Pages audited by the checks.",
		}),
		PageFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "page_failures_total",
			Help:      "URLs given up on after exhausting their retries.",
		}),
		URLQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "url_queue_size",
			Help:      "URLs waiting to be fetched.",
		}),
		PageQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "page_queue_size",
			Help:      "Pages waiting to be audited.",
		}),
		BrowserJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "browser_jobs_pending",
			Help:      "DOM exploration jobs queued or running.",
		}),
		TimeoutCandidates: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "timeout_candidates",
			Help:      "Timing attack candidates waiting for each verification phase.",
		}, []string{"phase"}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "HTTP requests performed, by outcome.",
		}, []string{"outcome"}),
		ResponseTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "response_time_seconds",
			Help:      "Response time distribution.",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		Issues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "issues_total",
			Help:      "Issues logged, by check and severity.",
		}, []string{"check", "severity"}),
	}

	collectors := []prometheus.Collector{
		m.PagesAudited, m.PageFailures, m.URLQueue, m.PageQueue, m.BrowserJobs,
		m.TimeoutCandidates, m.Requests, m.ResponseTime, m.Issues,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("metrics: failed to register collector: %w", err)
		}
	}
	return m, nil
}

// ObserveResponse records a completed request. It is meant to be registered
// with httpclient.Client.OnComplete.
func (m *Metrics) ObserveResponse(resp *httpclient.Response) {
	switch {
	case resp.TimedOut:
		m.Requests.WithLabelValues(OutcomeTimedOut).Inc()
	case resp.Err != nil:
		m.Requests.WithLabelValues(OutcomeError).Inc()
	default:
		m.Requests.WithLabelValues(OutcomeOK).Inc()
		m.ResponseTime.Observe(resp.Time.Seconds())
	}
}

// ObserveIssue records a logged issue.
func (m *Metrics) ObserveIssue(issue *schemas.Issue) {
	m.Issues.WithLabelValues(issue.Check, string(issue.Severity)).Inc()
}

// SetTimeoutCandidates publishes the pending candidates per phase.
func (m *Metrics) SetTimeoutCandidates(pending []int) {
	for phase, n := range pending {
		m.TimeoutCandidates.WithLabelValues(strconv.Itoa(phase + 1)).Set(float64(n))
	}
}

// Serve exposes gatherer on addr under /metrics until ctx is done.
func Serve(ctx context.Context, addr string, gatherer prometheus.Gatherer, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Metrics endpoint listening", zap.String("address", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics: server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics: shutdown failed: %w", err)
		}
		return nil
	}
}
