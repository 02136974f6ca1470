package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewExporter_NilConfig(t *testing.T) {
	e := NewExporter(nil)
	require.NotNil(t, e)
	assert.NotNil(t, e.registry)
}

func TestExporter_Counters(t *testing.T) {
	e := NewExporter(&Config{Registry: prometheus.NewRegistry()})

	e.CacheHit()
	e.CacheHit()
	e.CacheMiss()

	assert.Equal(t, 2.0, testutil.ToFloat64(e.cacheHits))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.cacheMisses))
}

func TestExporter_ObserveChat(t *testing.T) {
	e := NewExporter(&Config{Registry: prometheus.NewRegistry()})

	e.ObserveChat("telegram", "ok", 150*time.Millisecond)
	e.ObserveChat("telegram", "error", 2*time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(e.chatRequests.WithLabelValues("telegram", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.chatRequests.WithLabelValues("telegram", "error")))
}

func TestExporter_Tokens(t *testing.T) {
	e := NewExporter(&Config{Registry: prometheus.NewRegistry()})

	e.AddTokens(120, 45)
	e.AddTokens(30, 15)

	assert.Equal(t, 150.0, testutil.ToFloat64(e.llmTokens.WithLabelValues("prompt")))
	assert.Equal(t, 60.0, testutil.ToFloat64(e.llmTokens.WithLabelValues("completion")))
}

func TestExporter_Gauge(t *testing.T) {
	e := NewExporter(&Config{Registry: prometheus.NewRegistry()})

	e.SetActiveConversations(7)
	assert.Equal(t, 7.0, testutil.ToFloat64(e.activeConvs))

	e.SetActiveConversations(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(e.activeConvs))
}

func TestExporter_Handler(t *testing.T) {
	e := NewExporter(&Config{Registry: prometheus.NewRegistry()})
	e.ObserveBatchFlush("timer", 3)

	rec := httptest.NewRecorder()
	e.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "converse_batcher_flushes_total")
}
