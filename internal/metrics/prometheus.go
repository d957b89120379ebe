// Package metrics provides Prometheus metrics for the ad selection service
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stage labels
const (
	StageFilter         = "filter"
	StageFetchLogic     = "fetch_logic"
	StageTrustedSignals = "trusted_signals"
	StageBidding        = "bidding"
	StageScoring        = "scoring"
	StageSelection      = "selection"
	StageAuction        = "auction"
)

// Recorder is the metrics surface used by the orchestration packages
type Recorder interface {
	RecordStage(stage string, d time.Duration)
	RecordTimeout(stage string)
	RecordBiddingOutcome(outcome string)
	RecordSelectionOutcome(outcome string)
	RecordFilteredAds(reason string, count int)
	RecordScriptFetch(source, status string)
}

// NoOp discards all metrics
type NoOp struct{}

func (NoOp) RecordStage(string, time.Duration) {}
func (NoOp) RecordTimeout(string)              {}
func (NoOp) RecordBiddingOutcome(string)       {}
func (NoOp) RecordSelectionOutcome(string)     {}
func (NoOp) RecordFilteredAds(string, int)     {}
func (NoOp) RecordScriptFetch(string, string)  {}

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Pipeline metrics
	StageDuration     *prometheus.HistogramVec
	Timeouts          *prometheus.CounterVec
	BiddingOutcomes   *prometheus.CounterVec
	SelectionOutcomes *prometheus.CounterVec
	FilteredAds       *prometheus.CounterVec
	ScriptFetches     *prometheus.CounterVec

	registry prometheus.Gatherer
}

// NewMetrics creates all metrics and registers them with the default registry
func NewMetrics(namespace string) *Metrics {
	return NewMetricsWithRegistry(namespace, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewMetricsWithRegistry creates all metrics and registers them with reg
func NewMetricsWithRegistry(namespace string, reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	if namespace == "" {
		namespace = "adselection"
	}

	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being served",
			},
		),

		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of each pipeline stage in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"stage"},
		),
		Timeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "timeouts_total",
				Help:      "Rounds aborted by their deadline",
			},
			[]string{"stage"},
		),
		BiddingOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bidding_outcomes_total",
				Help:      "Per-audience bidding results by outcome",
			},
			[]string{"outcome"},
		),
		SelectionOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "selection_outcomes_total",
				Help:      "Outcome selection results by outcome",
			},
			[]string{"outcome"},
		),
		FilteredAds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "filtered_ads_total",
				Help:      "Ads removed by eligibility filtering",
			},
			[]string{"reason"},
		),
		ScriptFetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "script_fetches_total",
				Help:      "Decision logic resolutions by source and status",
			},
			[]string{"source", "status"},
		),
		registry: gatherer,
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.StageDuration,
		m.Timeouts,
		m.BiddingOutcomes,
		m.SelectionOutcomes,
		m.FilteredAds,
		m.ScriptFetches,
	)

	return m
}

// Handler returns the Prometheus HTTP handler for the registry the metrics
// were registered with
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware returns HTTP middleware that records request metrics
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.RequestsInFlight.Inc()
		defer m.RequestsInFlight.Dec()

		// Wrap response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(wrapped.statusCode)

		m.RequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		m.RequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// RecordStage records how long a pipeline stage took
func (m *Metrics) RecordStage(stage string, d time.Duration) {
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordTimeout records a round aborted by its deadline
func (m *Metrics) RecordTimeout(stage string) {
	m.Timeouts.WithLabelValues(stage).Inc()
}

// RecordBiddingOutcome records a per-audience bidding result
// (win, no_bid or an error kind)
func (m *Metrics) RecordBiddingOutcome(outcome string) {
	m.BiddingOutcomes.WithLabelValues(outcome).Inc()
}

// RecordSelectionOutcome records an outcome selection result
func (m *Metrics) RecordSelectionOutcome(outcome string) {
	m.SelectionOutcomes.WithLabelValues(outcome).Inc()
}

// RecordFilteredAds records ads removed by eligibility filtering
func (m *Metrics) RecordFilteredAds(reason string, count int) {
	if count <= 0 {
		return
	}
	m.FilteredAds.WithLabelValues(reason).Add(float64(count))
}

// RecordScriptFetch records where decision logic came from
func (m *Metrics) RecordScriptFetch(source, status string) {
	m.ScriptFetches.WithLabelValues(source, status).Inc()
}
