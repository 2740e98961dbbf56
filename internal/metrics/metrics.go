package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Generation metrics
	GenerationsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfyflow_generations_started_total",
			Help: "Total number of generation requests started",
		},
		[]string{"mode"},
	)

	GenerationsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfyflow_generations_completed_total",
			Help: "Total number of generation requests completed",
		},
		[]string{"mode", "status"},
	)

	GenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "comfyflow_generation_duration_seconds",
			Help:    "End to end generation duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"mode"},
	)

	// Fallback metrics
	FallbackAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfyflow_fallback_attempts_total",
			Help: "Workflow candidate attempts by outcome",
		},
		[]string{"candidate", "status"},
	)

	// Template processing metrics
	ProcessingCacheEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfyflow_processing_cache_events_total",
			Help: "Template processing cache hits, misses and evictions",
		},
		[]string{"event"},
	)

	TemplateChanges = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "comfyflow_template_changes",
			Help:    "Inputs rewritten per processed template",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		},
	)

	TemplatesLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "comfyflow_templates_loaded",
			Help: "Number of templates currently loaded from the workflow directory",
		},
	)

	TemplateReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfyflow_template_reloads_total",
			Help: "Template directory reloads by outcome",
		},
		[]string{"status"},
	)

	TemplateValidationIssues = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfyflow_template_validation_issues_total",
			Help: "Workflow validation issues by code and severity",
		},
		[]string{"code", "severity"},
	)

	// Complexity metrics
	ComplexityScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "comfyflow_complexity_score",
			Help:    "Template complexity scores",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
		},
	)

	ModeSelections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfyflow_mode_selections_total",
			Help: "Processing modes chosen by the selector",
		},
		[]string{"mode"},
	)

	// Patcher metrics
	PatchModifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfyflow_patch_modifications_total",
			Help: "Node inputs modified by the dynamic patcher",
		},
		[]string{"kind"},
	)

	// Resource matching metrics
	ResourceMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfyflow_resource_matches_total",
			Help: "Resource name resolutions by kind and result",
		},
		[]string{"kind", "result"},
	)

	// Catalog metrics
	CatalogFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfyflow_catalog_fetches_total",
			Help: "Backend object_info fetches by outcome",
		},
		[]string{"status"},
	)

	CatalogCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfyflow_catalog_cache_hits_total",
			Help: "Catalog cache hits by layer",
		},
		[]string{"layer"},
	)

	CatalogCacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfyflow_catalog_cache_misses_total",
			Help: "Catalog cache misses by layer",
		},
		[]string{"layer"},
	)

	// Backend client metrics
	BackendRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfyflow_backend_requests_total",
			Help: "Requests sent to the generation backend",
		},
		[]string{"endpoint", "status"},
	)

	BackendRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "comfyflow_backend_request_duration_seconds",
			Help:    "Backend request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	BackendEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfyflow_backend_events_total",
			Help: "Progress events received over the backend websocket",
		},
		[]string{"type"},
	)

	// HTTP API metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "comfyflow_http_requests_total",
			Help: "HTTP API requests",
		},
		[]string{"route", "code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "comfyflow_http_request_duration_seconds",
			Help:    "HTTP API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "comfyflow_stream_subscribers",
			Help: "Active execution event subscribers",
		},
	)
)

// RecordGeneration records metrics for a finished generation request
func RecordGeneration(mode, status string, durationSeconds float64) {
	GenerationsCompleted.WithLabelValues(mode, status).Inc()
	if durationSeconds > 0 {
		GenerationDuration.WithLabelValues(mode).Observe(durationSeconds)
	}
}

// RecordBackendRequest records metrics for a backend call
func RecordBackendRequest(endpoint, status string, durationSeconds float64) {
	BackendRequests.WithLabelValues(endpoint, status).Inc()
	if durationSeconds > 0 {
		BackendRequestDuration.WithLabelValues(endpoint).Observe(durationSeconds)
	}
}

// RecordHTTPRequest records metrics for an API request
func RecordHTTPRequest(route, code string, durationSeconds float64) {
	HTTPRequests.WithLabelValues(route, code).Inc()
	HTTPRequestDuration.WithLabelValues(route).Observe(durationSeconds)
}
