// Package metrics exposes Prometheus instrumentation for the chat pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds exporter configuration.
type Config struct {
	// Registry to register collectors with. A private registry is
	// created when nil.
	Registry *prometheus.Registry

	// LatencyBuckets for the chat latency histogram, in seconds.
	LatencyBuckets []float64
}

// DefaultConfig returns the default exporter configuration.
func DefaultConfig() *Config {
	return &Config{
		LatencyBuckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}
}

// Exporter collects chat pipeline metrics.
type Exporter struct {
	registry *prometheus.Registry

	chatLatency   *prometheus.HistogramVec
	chatRequests  *prometheus.CounterVec
	cacheHits     prometheus.Counter
	cacheMisses   prometheus.Counter
	batchFlushes  *prometheus.CounterVec
	batchSize     prometheus.Histogram
	activeConvs   prometheus.Gauge
	llmTokens     *prometheus.CounterVec
	mediaRequests *prometheus.CounterVec
}

// NewExporter creates an exporter and registers its collectors.
func NewExporter(config *Config) *Exporter {
	if config == nil {
		config = DefaultConfig()
	}
	if len(config.LatencyBuckets) == 0 {
		config.LatencyBuckets = DefaultConfig().LatencyBuckets
	}

	registry := config.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	e := &Exporter{
		registry: registry,
		chatLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "converse",
			Subsystem: "chat",
			Name:      "request_duration_seconds",
			Help:      "End-to-end latency of chat requests.",
			Buckets:   config.LatencyBuckets,
		}, []string{"platform"}),
		chatRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "converse",
			Subsystem: "chat",
			Name:      "requests_total",
			Help:      "Chat requests by outcome status.",
		}, []string{"platform", "status"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "converse",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Response cache hits.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "converse",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Response cache misses.",
		}),
		batchFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "converse",
			Subsystem: "batcher",
			Name:      "flushes_total",
			Help:      "Batch flushes by trigger (timer or size).",
		}, []string{"trigger"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "converse",
			Subsystem: "batcher",
			Name:      "batch_size",
			Help:      "Number of messages merged per flush.",
			Buckets:   []float64{1, 2, 3, 5, 8, 13},
		}),
		activeConvs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "converse",
			Subsystem: "chat",
			Name:      "active_conversations",
			Help:      "Conversations with at least one stored message.",
		}),
		llmTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "converse",
			Subsystem: "llm",
			Name:      "tokens_total",
			Help:      "Tokens consumed by LLM calls.",
		}, []string{"kind"}),
		mediaRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "converse",
			Subsystem: "media",
			Name:      "requests_total",
			Help:      "Speech transcription and synthesis calls by outcome.",
		}, []string{"operation", "status"}),
	}

	registry.MustRegister(
		e.chatLatency,
		e.chatRequests,
		e.cacheHits,
		e.cacheMisses,
		e.batchFlushes,
		e.batchSize,
		e.activeConvs,
		e.llmTokens,
		e.mediaRequests,
	)

	return e
}

// ObserveChat records one finished chat request.
func (e *Exporter) ObserveChat(platform, status string, duration time.Duration) {
	e.chatLatency.WithLabelValues(platform).Observe(duration.Seconds())
	e.chatRequests.WithLabelValues(platform, status).Inc()
}

// CacheHit records a response cache hit.
func (e *Exporter) CacheHit() { e.cacheHits.Inc() }

// CacheMiss records a response cache miss.
func (e *Exporter) CacheMiss() { e.cacheMisses.Inc() }

// ObserveBatchFlush records one batch flush and its size.
func (e *Exporter) ObserveBatchFlush(trigger string, size int) {
	e.batchFlushes.WithLabelValues(trigger).Inc()
	e.batchSize.Observe(float64(size))
}

// SetActiveConversations updates the active conversation gauge.
func (e *Exporter) SetActiveConversations(n int) {
	e.activeConvs.Set(float64(n))
}

// AddTokens records token usage from an LLM call.
func (e *Exporter) AddTokens(prompt, completion int) {
	e.llmTokens.WithLabelValues("prompt").Add(float64(prompt))
	e.llmTokens.WithLabelValues("completion").Add(float64(completion))
}

// ObserveMedia records a speech transcription or synthesis call.
func (e *Exporter) ObserveMedia(operation, status string) {
	e.mediaRequests.WithLabelValues(operation, status).Inc()
}

// Handler returns an HTTP handler serving the exporter's registry.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}
