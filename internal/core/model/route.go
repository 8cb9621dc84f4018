package model

import "time"

// BalanceStrategy 表示负载均衡策略
type BalanceStrategy string

const (
	StrategyRoundRobin         BalanceStrategy = "round_robin"
	StrategyWeightedRoundRobin BalanceStrategy = "weighted_round_robin"
	StrategyLeastConnections   BalanceStrategy = "least_connections"
	StrategyLeastResponseTime  BalanceStrategy = "least_response_time"
	StrategyRandom             BalanceStrategy = "random"
)

// BreakerState 表示熔断器状态
type BreakerState string

const (
	// BreakerClosed 正常状态，所有调用放行
	BreakerClosed BreakerState = "closed"
	// BreakerOpen 熔断状态，所有调用直接拒绝
	BreakerOpen BreakerState = "open"
	// BreakerHalfOpen 试探状态，允许有限的试探调用
	BreakerHalfOpen BreakerState = "half_open"
)

// RateLimit 表示路由级别的限流配置（令牌桶）
type RateLimit struct {
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
}

// ServiceRoute 表示一个服务名的路由策略
type ServiceRoute struct {
	ServiceName string          `json:"service_name"`
	PathPattern string          `json:"path_pattern"`
	Methods     []string        `json:"methods,omitempty"`
	Strategy    BalanceStrategy `json:"strategy"`
	Timeout     time.Duration   `json:"timeout"`

	// 重试预算，0表示不重试
	RetryCount   int           `json:"retry_count"`
	RetryBackoff time.Duration `json:"retry_backoff"`

	// 是否启用熔断保护
	CircuitBreaker bool `json:"circuit_breaker"`

	// 可选限流
	RateLimit *RateLimit `json:"rate_limit,omitempty"`

	// 可选流量切分：版本/变体 → 百分比，总和必须为100
	TrafficSplit map[string]float64 `json:"traffic_split,omitempty"`
}

// DefaultRoute 返回服务的默认路由策略
func DefaultRoute(serviceName string) *ServiceRoute {
	return &ServiceRoute{
		ServiceName:    serviceName,
		PathPattern:    "/*",
		Strategy:       StrategyRoundRobin,
		Timeout:        5 * time.Second,
		RetryCount:     0,
		RetryBackoff:   100 * time.Millisecond,
		CircuitBreaker: true,
	}
}

// AllowsMethod 判断路由是否允许指定的HTTP方法
// 方法列表为空表示允许所有方法
func (r *ServiceRoute) AllowsMethod(method string) bool {
	if len(r.Methods) == 0 {
		return true
	}
	for _, m := range r.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// TrafficMetrics 表示一个时间窗口内逻辑调用方到被调方的聚合指标
type TrafficMetrics struct {
	Source       string        `json:"source"`
	Target       string        `json:"target"`
	Variant      string        `json:"variant,omitempty"`
	WindowStart  time.Time     `json:"window_start"`
	WindowEnd    time.Time     `json:"window_end"`
	RequestCount uint64        `json:"request_count"`
	ErrorCount   uint64        `json:"error_count"`
	MinLatency   time.Duration `json:"min_latency"`
	MaxLatency   time.Duration `json:"max_latency"`
	AvgLatency   time.Duration `json:"avg_latency"`
	P95Latency   time.Duration `json:"p95_latency"`
	P99Latency   time.Duration `json:"p99_latency"`
}

// ErrorRate 返回窗口内的错误率，没有请求时返回0
func (m *TrafficMetrics) ErrorRate() float64 {
	if m.RequestCount == 0 {
		return 0
	}
	return float64(m.ErrorCount) / float64(m.RequestCount)
}

// DeployStrategy 表示部署策略
type DeployStrategy string

const (
	// DeployRolling 滚动替换，分批上新下旧
	DeployRolling DeployStrategy = "rolling"
	// DeployBlueGreen 蓝绿部署，整体切换
	DeployBlueGreen DeployStrategy = "blue_green"
	// DeployCanary 金丝雀部署，小比例试运行后决定推进或回滚
	DeployCanary DeployStrategy = "canary"
)
