package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry *prometheus.Registry

	// Inbound platform messages handled. Watch for: traffic volume, error ratio.
	MessagesTotal *prometheus.CounterVec

	// End-to-end message handling latency. Watch for: p95 creep from LLM fallback depth.
	MessageDuration prometheus.Histogram

	// LLM completion attempts by model and outcome. Watch for: error ratio per tier.
	LLMCallsTotal *prometheus.CounterVec

	// LLM attempt latency per model call.
	LLMCallDuration *prometheus.HistogramVec

	// Fallback ladder depth at which a response succeeded (0 = primary model).
	LLMFallbackDepth prometheus.Histogram

	// All model tiers failed for a response cycle. Watch for: any nonzero rate.
	LLMExhaustedTotal prometheus.Counter

	// Weather provider call rate. Watch for: error vs success ratio.
	WeatherAPICallsTotal *prometheus.CounterVec

	// Weather provider latency per request.
	WeatherAPIDuration *prometheus.HistogramVec

	// Retry attempts on the weather fetch path. High retries = unstable upstream.
	WeatherAPIRetriesTotal prometheus.Counter

	// Snapshot served from the in-memory cache without an upstream fetch.
	WeatherCacheHitsTotal prometheus.Counter

	// KV store writes that failed and were swallowed. Watch for: persistence loss.
	StoreErrorsTotal *prometheus.CounterVec

	// Daily broadcast cycles by outcome (delivered, skipped).
	BroadcastCyclesTotal *prometheus.CounterVec

	// Per-subscriber broadcast deliveries by outcome.
	BroadcastDeliveriesTotal *prometheus.CounterVec

	// Ops HTTP endpoints.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayMessagesTotal",
			Help: "Total inbound messages handled, by outcome",
		},
		[]string{"outcome"},
	)
	MessageDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relayMessageDurationSeconds",
			Help:    "End-to-end message handling latency in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)
	LLMCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmCallsTotal",
			Help: "Total LLM completion attempts by model and status",
		},
		[]string{"model", "status"},
	)
	LLMCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmCallDurationSeconds",
			Help:    "LLM completion attempt latency in seconds",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"model"},
	)
	LLMFallbackDepth = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "llmFallbackDepth",
			Help:    "Fallback level at which a completion succeeded (0 = primary)",
			Buckets: []float64{0, 1, 2, 3},
		},
	)
	LLMExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "llmExhaustedTotal",
			Help: "Response cycles where every model tier failed",
		},
	)
	WeatherAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "weatherApiCallsTotal",
			Help: "Total weather provider API calls",
		},
		[]string{"status"},
	)
	WeatherAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "weatherApiDurationSeconds",
			Help:    "Weather provider API latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)
	WeatherAPIRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weatherApiRetriesTotal",
			Help: "Total retry attempts for weather API calls",
		},
	)
	WeatherCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "weatherCacheHitsTotal",
			Help: "Weather lookups served from the in-memory snapshot",
		},
	)
	StoreErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storeErrorsTotal",
			Help: "KV store operations that failed, by operation",
		},
		[]string{"op"},
	)
	BroadcastCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcastCyclesTotal",
			Help: "Daily broadcast cycles by outcome",
		},
		[]string{"outcome"},
	)
	BroadcastDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcastDeliveriesTotal",
			Help: "Per-subscriber broadcast deliveries by outcome",
		},
		[]string{"outcome"},
	)
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	registry.MustRegister(
		MessagesTotal, MessageDuration,
		LLMCallsTotal, LLMCallDuration, LLMFallbackDepth, LLMExhaustedTotal,
		WeatherAPICallsTotal, WeatherAPIDuration, WeatherAPIRetriesTotal,
		WeatherCacheHitsTotal,
		StoreErrorsTotal,
		BroadcastCyclesTotal, BroadcastDeliveriesTotal,
		HTTPRequestsTotal, HTTPRequestDuration,
	)
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
