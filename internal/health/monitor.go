package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/mesh-pilot/internal/config"
	"github.com/hewenyu/mesh-pilot/internal/core/model"
	"github.com/hewenyu/mesh-pilot/internal/registry"
)

// Options 表示健康监控器配置
type Options struct {
	// Interval 探测周期
	Interval time.Duration
	// Timeout 单次探测超时
	Timeout time.Duration
	// HealthyThreshold unhealthy→healthy需要的连续成功次数
	HealthyThreshold int
	// UnhealthyThreshold healthy→unhealthy需要的连续失败次数
	UnhealthyThreshold int
}

// DefaultOptions 返回默认的监控配置
func DefaultOptions() Options {
	return Options{
		Interval:           30 * time.Second,
		Timeout:            10 * time.Second,
		HealthyThreshold:   2,
		UnhealthyThreshold: 3,
	}
}

// probeState 表示单个实例的探测状态
type probeState struct {
	consecutiveSuccesses int
	consecutiveFailures  int
}

// Monitor 周期性探测注册中心内的所有实例并驱动状态变迁
// 连续成功/失败阈值用于抑制瞬时抖动导致的状态翻转
type Monitor struct {
	registry *registry.Registry
	prober   Prober
	opts     Options
	logger   config.Logger

	mu     sync.Mutex
	states map[string]*probeState

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMonitor 创建健康监控器
func NewMonitor(reg *registry.Registry, prober Prober, opts Options, logger config.Logger) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultOptions().Interval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultOptions().Timeout
	}
	if opts.HealthyThreshold <= 0 {
		opts.HealthyThreshold = DefaultOptions().HealthyThreshold
	}
	if opts.UnhealthyThreshold <= 0 {
		opts.UnhealthyThreshold = DefaultOptions().UnhealthyThreshold
	}
	return &Monitor{
		registry: reg,
		prober:   prober,
		opts:     opts,
		logger:   logger,
		states:   make(map[string]*probeState),
		stopCh:   make(chan struct{}),
	}
}

// Start 启动后台探测循环
func (m *Monitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.opts.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.sweep(context.Background())
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop 停止监控器并等待在途探测结束
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// sweep 对所有实例并发执行一轮探测
// 每次探测都有独立的超时，互不阻塞
func (m *Monitor) sweep(ctx context.Context) {
	var wg sync.WaitGroup
	alive := make(map[string]struct{})
	var aliveMu sync.Mutex

	for _, name := range m.registry.ServiceNames() {
		for _, inst := range m.registry.Instances(name) {
			aliveMu.Lock()
			alive[inst.ID] = struct{}{}
			aliveMu.Unlock()

			// 维护与排空中的实例不参与探测
			if inst.Status == model.HealthStatusMaintenance || inst.Status == model.HealthStatusStopping {
				continue
			}

			wg.Add(1)
			go func(inst *model.ServiceInstance) {
				defer wg.Done()
				m.ProbeOnce(ctx, inst)
			}(inst)
		}
	}
	wg.Wait()

	// 清理已注销实例的探测状态
	m.mu.Lock()
	for id := range m.states {
		if _, ok := alive[id]; !ok {
			delete(m.states, id)
		}
	}
	m.mu.Unlock()
}

// ProbeOnce 对单个实例执行一次探测并应用状态变迁
// 注册时的立即探测也走这条路径
func (m *Monitor) ProbeOnce(ctx context.Context, inst *model.ServiceInstance) {
	probeCtx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()

	err := m.prober.Probe(probeCtx, inst)
	success := err == nil

	next := m.transition(inst, success)
	m.registry.ApplyProbe(ctx, inst.ID, success, next)

	if next != "" && next != inst.Status {
		m.logger.Info("实例健康状态变迁",
			zap.String("service", inst.Name),
			zap.String("instance_id", inst.ID),
			zap.String("from", string(inst.Status)),
			zap.String("to", string(next)))
	} else if err != nil {
		m.logger.Debug("健康探测失败",
			zap.String("service", inst.Name),
			zap.String("instance_id", inst.ID),
			zap.Error(err))
	}
}

// transition 根据探测结果与连续计数决定下一个状态
// 返回空字符串表示保持现状
func (m *Monitor) transition(inst *model.ServiceInstance, success bool) model.HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.states[inst.ID]
	if !ok {
		state = &probeState{}
		m.states[inst.ID] = state
	}

	if success {
		state.consecutiveSuccesses++
		state.consecutiveFailures = 0
	} else {
		state.consecutiveFailures++
		state.consecutiveSuccesses = 0
	}

	switch inst.Status {
	case model.HealthStatusStarting, model.HealthStatusUnknown:
		// 新实例首次探测成功即就绪，连续失败到阈值则判定不健康
		if success {
			return model.HealthStatusHealthy
		}
		if state.consecutiveFailures >= m.opts.UnhealthyThreshold {
			return model.HealthStatusUnhealthy
		}
	case model.HealthStatusHealthy, model.HealthStatusDegraded:
		if !success && state.consecutiveFailures >= m.opts.UnhealthyThreshold {
			return model.HealthStatusUnhealthy
		}
	case model.HealthStatusUnhealthy:
		if success && state.consecutiveSuccesses >= m.opts.HealthyThreshold {
			return model.HealthStatusHealthy
		}
	}

	return ""
}
