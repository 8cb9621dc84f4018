package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hewenyu/mesh-pilot/internal/core/model"
)

// 调用结果标签值
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mesh_pilot",
			Name:      "requests_total",
			Help:      "Total number of mesh calls, partitioned by service and outcome.",
		},
		[]string{"service", "outcome"},
	)

	requestSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mesh_pilot",
			Name:      "request_seconds",
			Help:      "Mesh call latency in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"service"},
	)

	breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mesh_pilot",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per service (0=closed, 1=half_open, 2=open).",
		},
		[]string{"service"},
	)

	instanceCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "mesh_pilot",
			Name:      "instances",
			Help:      "Registered instances per service and health status.",
		},
		[]string{"service", "status"},
	)
)

// Register 将所有采集器注册到指定的Prometheus注册表
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		requestsTotal,
		requestSeconds,
		breakerState,
		instanceCount,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveCall 记录一次网格调用的耗时与结果
func ObserveCall(service string, duration time.Duration, failed bool) {
	outcome := OutcomeSuccess
	if failed {
		outcome = OutcomeError
	}
	requestsTotal.WithLabelValues(service, outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	requestSeconds.WithLabelValues(service).Observe(duration.Seconds())
}

// SetBreakerState 上报服务的熔断器状态
func SetBreakerState(service string, state model.BreakerState) {
	var v float64
	switch state {
	case model.BreakerHalfOpen:
		v = 1
	case model.BreakerOpen:
		v = 2
	}
	breakerState.WithLabelValues(service).Set(v)
}

// SetInstanceCount 上报服务某个健康状态下的实例数
func SetInstanceCount(service string, status model.HealthStatus, count int) {
	instanceCount.WithLabelValues(service, string(status)).Set(float64(count))
}

// SetInstanceCounts 按健康状态聚合上报服务的实例数
func SetInstanceCounts(service string, instances []*model.ServiceInstance) {
	counts := make(map[model.HealthStatus]int)
	for _, inst := range instances {
		counts[inst.Status]++
	}
	for status, count := range counts {
		SetInstanceCount(service, status, count)
	}
}
