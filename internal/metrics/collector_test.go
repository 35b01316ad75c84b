package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func TestNewCollector(t *testing.T) {
	collector := NewCollector("claudette", zap.NewNop())

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.callsTotal)
	assert.NotNil(t, collector.callDuration)
	assert.NotNil(t, collector.tokensUsed)
	assert.NotNil(t, collector.costTotal)
	assert.NotNil(t, collector.breakerState)
	assert.NotNil(t, collector.Registry())
}

func TestNewCollector_IndependentRegistries(t *testing.T) {
	// 两个 Collector 使用相同 namespace 也不应相互冲突。
	a := NewCollector("claudette", nil)
	b := NewCollector("claudette", nil)
	assert.NotSame(t, a.Registry(), b.Registry())
}

func TestCollector_RecordCall(t *testing.T) {
	c := NewCollector("claudette", zap.NewNop())

	c.RecordCall("b1", "success", 250*time.Millisecond, 100, 40, 0.0042)
	c.RecordCall("b1", "success", 100*time.Millisecond, 50, 10, 0.0010)
	c.RecordCall("b1", "failure", time.Second, 0, 0, 0)

	assert.Equal(t, float64(2), testutil.ToFloat64(c.callsTotal.WithLabelValues("b1", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.callsTotal.WithLabelValues("b1", "failure")))
	assert.Equal(t, float64(150), testutil.ToFloat64(c.tokensUsed.WithLabelValues("b1", "prompt")))
	assert.Equal(t, float64(50), testutil.ToFloat64(c.tokensUsed.WithLabelValues("b1", "completion")))
	assert.InDelta(t, 0.0052, testutil.ToFloat64(c.costTotal.WithLabelValues("b1")), 1e-9)
}

func TestCollector_CacheCounters(t *testing.T) {
	c := NewCollector("claudette", zap.NewNop())

	c.RecordCacheHit()
	c.RecordCacheHit()
	c.RecordCacheMiss()

	assert.Equal(t, float64(2), testutil.ToFloat64(c.cacheHits))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.cacheMisses))
}

func TestCollector_SetBreakerState(t *testing.T) {
	c := NewCollector("claudette", zap.NewNop())

	c.SetBreakerState("b1", "closed")
	assert.Equal(t, float64(0), testutil.ToFloat64(c.breakerState.WithLabelValues("b1")))

	c.SetBreakerState("b1", "half_open")
	assert.Equal(t, float64(1), testutil.ToFloat64(c.breakerState.WithLabelValues("b1")))

	c.SetBreakerState("b1", "open")
	assert.Equal(t, float64(2), testutil.ToFloat64(c.breakerState.WithLabelValues("b1")))
}

func TestCollector_RAGMetrics(t *testing.T) {
	c := NewCollector("claudette", zap.NewNop())

	c.SetRAGQueueDepth(7)
	assert.Equal(t, float64(7), testutil.ToFloat64(c.ragQueueDepth))

	c.RecordEnrich("w1", true)
	c.RecordEnrich("w1", false)
	assert.Equal(t, float64(1), testutil.ToFloat64(c.ragEnrichTotal.WithLabelValues("w1", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.ragEnrichTotal.WithLabelValues("w1", "error")))
}

func TestCollector_MetricsGatherableUnderNamespace(t *testing.T) {
	c := NewCollector("claudette", zap.NewNop())
	c.RecordCall("b1", "success", time.Millisecond, 1, 1, 0)
	c.RecordCacheHit()

	families, err := c.Registry().Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
	for _, mf := range families {
		assert.True(t, strings.HasPrefix(mf.GetName(), "claudette_"), mf.GetName())
	}
}
