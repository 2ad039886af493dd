package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "trialsense"

// Metrics holds the pipeline collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	OracleCalls   *prometheus.CounterVec
	OracleLatency *prometheus.HistogramVec

	RegistryRequests *prometheus.CounterVec
	TrialCache       *prometheus.CounterVec

	Evaluations        *prometheus.CounterVec
	CategoryMismatches prometheus.Counter
	MatchRuns          *prometheus.CounterVec
	StageLatency       *prometheus.HistogramVec

	RadarScans   *prometheus.CounterVec
	AlertsStored prometheus.Counter

	GeocodeLookups *prometheus.CounterVec
}

// New registers all collectors on a fresh registry, plus the Go runtime and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		OracleCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oracle_calls_total",
			Help:      "Oracle invocations by operation and outcome",
		}, []string{"operation", "outcome"}),
		OracleLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "oracle_call_duration_seconds",
			Help:      "Oracle call latency including retries",
			Buckets:   []float64{.25, .5, 1, 2.5, 5, 10, 20, 40, 90},
		}, []string{"operation"}),
		RegistryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_requests_total",
			Help:      "ClinicalTrials.gov requests by outcome",
		}, []string{"outcome"}),
		TrialCache: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trial_cache_lookups_total",
			Help:      "Trial cache lookups by result",
		}, []string{"result"}),
		Evaluations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Eligibility evaluations by mode and outcome",
		}, []string{"mode", "outcome"}),
		CategoryMismatches: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluation_category_mismatches_total",
			Help:      "Oracle fit categories that disagreed with the score band",
		}),
		MatchRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "match_runs_total",
			Help:      "Matching pipeline runs by outcome",
		}, []string{"outcome"}),
		StageLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_stage_duration_seconds",
			Help:      "Matching pipeline stage latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		RadarScans: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "radar_scans_total",
			Help:      "Treatment scans by outcome",
		}, []string{"outcome"}),
		AlertsStored: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "radar_alerts_stored_total",
			Help:      "New alerts persisted after deduplication",
		}),
		GeocodeLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "geocode_locations_total",
			Help:      "Ingestion geocoding results",
		}, []string{"result"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveOracle(operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.OracleCalls.WithLabelValues(operation, outcome).Inc()
	m.OracleLatency.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func (m *Metrics) RegistryRequest(outcome string) {
	if m == nil {
		return
	}
	m.RegistryRequests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.TrialCache.WithLabelValues(result).Inc()
}

func (m *Metrics) Evaluation(mode, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Evaluations.WithLabelValues(mode, outcome).Add(float64(n))
}

func (m *Metrics) CategoryMismatch() {
	if m == nil {
		return
	}
	m.CategoryMismatches.Inc()
}

func (m *Metrics) MatchRun(outcome string) {
	if m == nil {
		return
	}
	m.MatchRuns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveStage(stage string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.StageLatency.WithLabelValues(stage).Observe(elapsed.Seconds())
}

func (m *Metrics) RadarScan(outcome string) {
	if m == nil {
		return
	}
	m.RadarScans.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AlertsSaved(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.AlertsStored.Add(float64(n))
}

func (m *Metrics) Geocoded(result string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.GeocodeLookups.WithLabelValues(result).Add(float64(n))
}
