package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pharmatrace/backend/pkg/circuitbreaker"
)

var (
	BatchFilesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pharmatrace_batch_files_processed_total",
			Help: "Total batch files processed by outcome",
		},
		[]string{"outcome"},
	)

	BatchFilesInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pharmatrace_batch_files_in_flight",
			Help: "Documents currently in the validate/extract stage",
		},
	)

	BatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pharmatrace_batch_duration_seconds",
			Help:    "Wall time from batch start to finalize",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	BatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pharmatrace_batches_total",
			Help: "Total batches by final state",
		},
		[]string{"state"},
	)

	ScorerBatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pharmatrace_scorer_batch_duration_seconds",
			Help:    "Latency of one scorer evaluation batch",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40},
		},
		[]string{"status"},
	)

	EvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pharmatrace_evaluations_total",
			Help: "Patient evaluations by eligibility status",
		},
		[]string{"eligibility_status"},
	)

	PoolSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pharmatrace_candidate_pool_size",
			Help:    "Candidates returned per selection or ranking run",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100},
		},
		[]string{"strategy"},
	)

	ExtractionConfidence = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pharmatrace_extraction_confidence",
			Help:    "Confidence reported for successful extractions",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pharmatrace_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pharmatrace_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pharmatrace_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	LLMBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pharmatrace_llm_breaker_state",
			Help: "LLM circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"breaker"},
	)

	TrialsRegistered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pharmatrace_trials_registered_total",
			Help: "Total clinical trials registered",
		},
	)
)

func Init() {
	prometheus.MustRegister(BatchFilesProcessed)
	prometheus.MustRegister(BatchFilesInFlight)
	prometheus.MustRegister(BatchDuration)
	prometheus.MustRegister(BatchesTotal)
	prometheus.MustRegister(ScorerBatchDuration)
	prometheus.MustRegister(EvaluationsTotal)
	prometheus.MustRegister(PoolSize)
	prometheus.MustRegister(ExtractionConfidence)
	prometheus.MustRegister(LLMTokensUsed)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(LLMBreakerState)
	prometheus.MustRegister(TrialsRegistered)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}

// ObserveBreakerState records a breaker transition. It matches
// circuitbreaker.Config.OnStateChange.
func ObserveBreakerState(name string, _, to circuitbreaker.State) {
	LLMBreakerState.WithLabelValues(name).Set(float64(to))
}
