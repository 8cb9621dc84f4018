// Package breaker 实现按服务名隔离的熔断器状态机。
//
// 熔断器以服务名为粒度，同一服务所有实例的失败共同计数：
// 单个坏实例可以打开整个服务的熔断器，这是有意的快速失败取舍。
package breaker

import (
	"sync"
	"time"

	"github.com/hewenyu/mesh-pilot/internal/core/model"
)

// Settings 表示熔断器参数
type Settings struct {
	// FailureThreshold 连续失败达到该次数后closed→open
	FailureThreshold int
	// RecoveryTimeout open状态持续该时长后，下一次调用触发open→half_open
	RecoveryTimeout time.Duration
	// HalfOpenMaxCalls 半开状态允许的试探调用数，连续成功该次数后half_open→closed
	HalfOpenMaxCalls int
}

// DefaultSettings 返回默认熔断参数
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// Snapshot 表示熔断器的状态快照
type Snapshot struct {
	Service             string             `json:"service"`
	State               model.BreakerState `json:"state"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
	TotalRequests       uint64             `json:"total_requests"`
	TotalFailures       uint64             `json:"total_failures"`
	LastFailure         time.Time          `json:"last_failure"`
	LastSuccess         time.Time          `json:"last_success"`
}

// CircuitBreaker 表示单个服务名的熔断器状态机
//
// 状态变迁：
//
//	closed    → open:      连续失败达到FailureThreshold
//	open      → half_open: 距最后一次失败超过RecoveryTimeout（下一次调用时惰性判定）
//	half_open → closed:    试探窗口内连续成功HalfOpenMaxCalls次
//	half_open → open:      试探窗口内任何一次失败
type CircuitBreaker struct {
	mu       sync.Mutex
	service  string
	settings Settings

	state               model.BreakerState
	consecutiveFailures int
	halfOpenCalls       int
	halfOpenSuccesses   int
	lastFailure         time.Time
	lastSuccess         time.Time
	totalRequests       uint64
	totalFailures       uint64
}

// New 创建一个新的熔断器，初始状态为closed
func New(service string, settings Settings) *CircuitBreaker {
	if settings.FailureThreshold <= 0 {
		settings.FailureThreshold = DefaultSettings().FailureThreshold
	}
	if settings.RecoveryTimeout <= 0 {
		settings.RecoveryTimeout = DefaultSettings().RecoveryTimeout
	}
	if settings.HalfOpenMaxCalls <= 0 {
		settings.HalfOpenMaxCalls = DefaultSettings().HalfOpenMaxCalls
	}
	return &CircuitBreaker{
		service:  service,
		settings: settings,
		state:    model.BreakerClosed,
	}
}

// Allow 判断本次调用是否放行
// open状态下到达恢复时间则转入half_open，否则返回ErrCircuitOpen，
// 不发起任何网络请求
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case model.BreakerOpen:
		// 惰性检查恢复时间，不依赖后台定时器
		if time.Since(b.lastFailure) < b.settings.RecoveryTimeout {
			return model.ErrCircuitOpen
		}
		b.toHalfOpen()
		fallthrough
	case model.BreakerHalfOpen:
		// 试探预算用尽后继续拒绝
		if b.halfOpenCalls >= b.settings.HalfOpenMaxCalls {
			return model.ErrCircuitOpen
		}
		b.halfOpenCalls++
	}

	b.totalRequests++
	return nil
}

// RecordSuccess 记录一次成功调用
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastSuccess = time.Now()

	switch b.state {
	case model.BreakerClosed:
		b.consecutiveFailures = 0
	case model.BreakerHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.settings.HalfOpenMaxCalls {
			// 试探通过，恢复正常并清零失败计数
			b.state = model.BreakerClosed
			b.consecutiveFailures = 0
			b.halfOpenCalls = 0
			b.halfOpenSuccesses = 0
		}
	}
}

// RecordFailure 记录一次失败调用
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = time.Now()
	b.totalFailures++
	b.halfOpenSuccesses = 0

	switch b.state {
	case model.BreakerClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.settings.FailureThreshold {
			b.state = model.BreakerOpen
		}
	case model.BreakerHalfOpen:
		// 试探期任何一次失败都立即回到open
		b.state = model.BreakerOpen
		b.halfOpenCalls = 0
	}
}

// Cancel 撤销一次已放行但最终没有发起的调用
// 用于放行后才发现没有可用实例的场景，避免白白消耗半开试探预算
func (b *CircuitBreaker) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.totalRequests > 0 {
		b.totalRequests--
	}
	if b.state == model.BreakerHalfOpen && b.halfOpenCalls > 0 {
		b.halfOpenCalls--
	}
}

// State 返回当前状态（含惰性的open→half_open判定）
func (b *CircuitBreaker) State() model.BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == model.BreakerOpen && time.Since(b.lastFailure) >= b.settings.RecoveryTimeout {
		b.toHalfOpen()
	}
	return b.state
}

// Snapshot 返回状态快照
func (b *CircuitBreaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Service:             b.service,
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		TotalRequests:       b.totalRequests,
		TotalFailures:       b.totalFailures,
		LastFailure:         b.lastFailure,
		LastSuccess:         b.lastSuccess,
	}
}

// toHalfOpen 进入半开试探状态，调用方必须持有锁
func (b *CircuitBreaker) toHalfOpen() {
	b.state = model.BreakerHalfOpen
	b.halfOpenCalls = 0
	b.halfOpenSuccesses = 0
}
