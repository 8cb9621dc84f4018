package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/hewenyu/mesh-pilot/internal/core/model"
)

// 每个窗口保留的最大延迟样本数，超出后丢弃最旧样本以限制内存
const maxLatencySamples = 1024

// 每个流量对保留的已关闭窗口数
const maxClosedWindows = 5

// trafficKey 唯一标识一个调用方→被调方（含变体）的流量对
type trafficKey struct {
	source  string
	target  string
	variant string
}

// window 表示一个进行中的统计窗口
type window struct {
	start    time.Time
	end      time.Time
	requests uint64
	errors   uint64
	samples  []time.Duration
}

// lifetime 表示一个目标服务的累计计数
type lifetime struct {
	requests uint64
	errors   uint64
}

// Collector 按固定时间窗口聚合调用方到被调方的流量指标
// 由调用器持续写入，供仪表盘与部署健康门读取
type Collector struct {
	mu         sync.Mutex
	windowSize time.Duration
	current    map[trafficKey]*window
	closed     map[trafficKey][]*model.TrafficMetrics
	totals     map[string]*lifetime
	now        func() time.Time
}

// NewCollector 创建流量指标收集器
func NewCollector(windowSize time.Duration) *Collector {
	if windowSize <= 0 {
		windowSize = time.Minute
	}
	return &Collector{
		windowSize: windowSize,
		current:    make(map[trafficKey]*window),
		closed:     make(map[trafficKey][]*model.TrafficMetrics),
		totals:     make(map[string]*lifetime),
		now:        time.Now,
	}
}

// Observe 记录一次调用结果
func (c *Collector) Observe(source, target, variant string, latency time.Duration, failed bool) {
	key := trafficKey{source: source, target: target, variant: variant}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.current[key]
	if !ok || !now.Before(w.end) {
		if ok {
			c.rotateLocked(key, w)
		}
		w = &window{
			start: now,
			end:   now.Add(c.windowSize),
		}
		c.current[key] = w
	}

	w.requests++
	if failed {
		w.errors++
	}
	if len(w.samples) >= maxLatencySamples {
		copy(w.samples, w.samples[1:])
		w.samples = w.samples[:maxLatencySamples-1]
	}
	w.samples = append(w.samples, latency)

	lt, ok := c.totals[target]
	if !ok {
		lt = &lifetime{}
		c.totals[target] = lt
	}
	lt.requests++
	if failed {
		lt.errors++
	}
}

// rotateLocked 关闭一个窗口并归档，调用方必须持有锁
func (c *Collector) rotateLocked(key trafficKey, w *window) {
	m := summarize(key, w)
	history := append(c.closed[key], m)
	if len(history) > maxClosedWindows {
		history = history[len(history)-maxClosedWindows:]
	}
	c.closed[key] = history
}

// summarize 把窗口计数折算成聚合指标
func summarize(key trafficKey, w *window) *model.TrafficMetrics {
	m := &model.TrafficMetrics{
		Source:       key.source,
		Target:       key.target,
		Variant:      key.variant,
		WindowStart:  w.start,
		WindowEnd:    w.end,
		RequestCount: w.requests,
		ErrorCount:   w.errors,
	}
	if len(w.samples) == 0 {
		return m
	}

	sorted := append([]time.Duration(nil), w.samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, s := range sorted {
		sum += s
	}
	m.MinLatency = sorted[0]
	m.MaxLatency = sorted[len(sorted)-1]
	m.AvgLatency = sum / time.Duration(len(sorted))
	m.P95Latency = percentile(sorted, 95)
	m.P99Latency = percentile(sorted, 99)
	return m
}

// percentile 在已排序样本上取百分位
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	index := int((p / 100.0) * float64(len(sorted)-1))
	if index < 0 {
		index = 0
	}
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}

// ErrorRate 返回目标服务指定变体在观察期内的错误率
// 统计进行中的窗口加上已关闭的历史窗口，没有样本时返回0
func (c *Collector) ErrorRate(target, variant string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var requests, errors uint64
	for key, w := range c.current {
		if key.target == target && (variant == "" || key.variant == variant) {
			requests += w.requests
			errors += w.errors
		}
	}
	for key, history := range c.closed {
		if key.target == target && (variant == "" || key.variant == variant) {
			for _, m := range history {
				requests += m.RequestCount
				errors += m.ErrorCount
			}
		}
	}

	if requests == 0 {
		return 0
	}
	return float64(errors) / float64(requests)
}

// Totals 返回目标服务的累计请求数与错误数
func (c *Collector) Totals(target string) (uint64, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lt, ok := c.totals[target]
	if !ok {
		return 0, 0
	}
	return lt.requests, lt.errors
}

// Snapshot 返回所有进行中窗口的聚合指标
func (c *Collector) Snapshot() []*model.TrafficMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*model.TrafficMetrics, 0, len(c.current))
	for key, w := range c.current {
		out = append(out, summarize(key, w))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Target != out[j].Target {
			return out[i].Target < out[j].Target
		}
		return out[i].Source < out[j].Source
	})
	return out
}
