package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 用可控时钟创建收集器
func newTestCollector(windowSize time.Duration) (*Collector, *time.Time) {
	c := NewCollector(windowSize)
	current := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return current }
	return c, &current
}

// TestObserveAggregatesWindow 测试窗口内的请求计数与延迟聚合
func TestObserveAggregatesWindow(t *testing.T) {
	c, _ := newTestCollector(time.Minute)

	c.Observe("gateway", "user-service", "", 100*time.Millisecond, false)
	c.Observe("gateway", "user-service", "", 300*time.Millisecond, false)
	c.Observe("gateway", "user-service", "", 200*time.Millisecond, true)

	snap := c.Snapshot()
	require.Len(t, snap, 1)
	m := snap[0]
	assert.Equal(t, uint64(3), m.RequestCount)
	assert.Equal(t, uint64(1), m.ErrorCount)
	assert.Equal(t, 100*time.Millisecond, m.MinLatency)
	assert.Equal(t, 300*time.Millisecond, m.MaxLatency)
	assert.Equal(t, 200*time.Millisecond, m.AvgLatency)
}

// TestPercentiles 测试百分位计算
func TestPercentiles(t *testing.T) {
	c, _ := newTestCollector(time.Minute)

	// 1ms到100ms共100个样本
	for i := 1; i <= 100; i++ {
		c.Observe("gateway", "user-service", "", time.Duration(i)*time.Millisecond, false)
	}

	snap := c.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 95*time.Millisecond, snap[0].P95Latency)
	assert.Equal(t, 99*time.Millisecond, snap[0].P99Latency)
}

// TestWindowRotation 测试时间推进后窗口关闭并归档
func TestWindowRotation(t *testing.T) {
	c, clock := newTestCollector(time.Minute)

	c.Observe("gateway", "user-service", "", 10*time.Millisecond, true)

	// 推进时间越过窗口边界
	*clock = clock.Add(2 * time.Minute)
	c.Observe("gateway", "user-service", "", 20*time.Millisecond, false)

	// 新窗口只含第二次观察
	snap := c.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, uint64(1), snap[0].RequestCount)
	assert.Equal(t, uint64(0), snap[0].ErrorCount)

	// 错误率覆盖历史窗口：2次请求1次失败
	assert.InDelta(t, 0.5, c.ErrorRate("user-service", ""), 1e-9)
}

// TestErrorRatePerVariant 测试按变体过滤的错误率
func TestErrorRatePerVariant(t *testing.T) {
	c, _ := newTestCollector(time.Minute)

	for i := 0; i < 8; i++ {
		c.Observe("gateway", "user-service", "v1", time.Millisecond, false)
	}
	c.Observe("gateway", "user-service", "v2", time.Millisecond, true)
	c.Observe("gateway", "user-service", "v2", time.Millisecond, false)

	assert.InDelta(t, 0.0, c.ErrorRate("user-service", "v1"), 1e-9)
	assert.InDelta(t, 0.5, c.ErrorRate("user-service", "v2"), 1e-9)
	assert.InDelta(t, 0.1, c.ErrorRate("user-service", ""), 1e-9)
}

// TestErrorRateNoTraffic 测试无流量时错误率为0
func TestErrorRateNoTraffic(t *testing.T) {
	c, _ := newTestCollector(time.Minute)
	assert.Zero(t, c.ErrorRate("ghost-service", ""))
}

// TestTotalsAccumulateAcrossWindows 测试累计计数跨窗口保留
func TestTotalsAccumulateAcrossWindows(t *testing.T) {
	c, clock := newTestCollector(time.Minute)

	c.Observe("gateway", "user-service", "", time.Millisecond, true)
	*clock = clock.Add(5 * time.Minute)
	c.Observe("gateway", "user-service", "", time.Millisecond, false)
	c.Observe("billing", "user-service", "", time.Millisecond, false)

	requests, errors := c.Totals("user-service")
	assert.Equal(t, uint64(3), requests)
	assert.Equal(t, uint64(1), errors)
}

// TestSampleCapBounded 测试延迟样本数量有上界
func TestSampleCapBounded(t *testing.T) {
	c, _ := newTestCollector(time.Hour)

	for i := 0; i < maxLatencySamples*2; i++ {
		c.Observe("gateway", "user-service", "", time.Millisecond, false)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range c.current {
		assert.LessOrEqual(t, len(w.samples), maxLatencySamples)
		assert.Equal(t, uint64(maxLatencySamples*2), w.requests)
	}
}
