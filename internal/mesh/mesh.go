// Package mesh 是控制平面的门面，把注册表、健康监控、熔断、
// 调用器、流量路由和部署编排组装为一个对外的服务对象。
// HTTP、DNS与SDK入口都只依赖本包，不直接触碰内部组件。
package mesh

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/mesh-pilot/internal/breaker"
	"github.com/hewenyu/mesh-pilot/internal/config"
	"github.com/hewenyu/mesh-pilot/internal/core/model"
	"github.com/hewenyu/mesh-pilot/internal/deploy"
	"github.com/hewenyu/mesh-pilot/internal/health"
	"github.com/hewenyu/mesh-pilot/internal/invoker"
	"github.com/hewenyu/mesh-pilot/internal/metrics"
	"github.com/hewenyu/mesh-pilot/internal/registry"
	"github.com/hewenyu/mesh-pilot/internal/router"
)

// Mesh 表示服务网格控制平面
type Mesh struct {
	registry *registry.Registry
	monitor  *health.Monitor
	breakers *breaker.Table
	router   *router.Router
	invoker  *invoker.Invoker
	deployer *deploy.Deployer
	traffic  *metrics.Collector
	logger   config.Logger
}

// Options 表示控制平面的组装参数
type Options struct {
	HealthOptions   health.Options
	BreakerSettings breaker.Settings
	MetricsWindow   time.Duration
	DefaultTimeout  time.Duration
	Prober          health.Prober
}

// New 组装控制平面
func New(reg *registry.Registry, opts Options, logger config.Logger) *Mesh {
	prober := opts.Prober
	if prober == nil {
		prober = health.NewHTTPProber()
	}

	monitor := health.NewMonitor(reg, prober, opts.HealthOptions, logger)
	breakers := breaker.NewTable(opts.BreakerSettings)
	rt := router.New()
	traffic := metrics.NewCollector(opts.MetricsWindow)
	inv := invoker.New(reg, breakers, rt, traffic, opts.DefaultTimeout, logger)
	deployer := deploy.New(reg, rt, monitor, traffic, logger)

	return &Mesh{
		registry: reg,
		monitor:  monitor,
		breakers: breakers,
		router:   rt,
		invoker:  inv,
		deployer: deployer,
		traffic:  traffic,
		logger:   logger,
	}
}

// Start 启动后台健康监控
func (m *Mesh) Start() {
	m.monitor.Start()
}

// Stop 停止后台任务
func (m *Mesh) Stop() {
	m.monitor.Stop()
}

// Registry 暴露注册表供发现源与DNS入口使用
func (m *Mesh) Registry() *registry.Registry {
	return m.registry
}

// Register 注册服务实例并异步触发首次健康探测
// 新实例为starting状态，首次探测成功前不会被负载均衡选中
func (m *Mesh) Register(ctx context.Context, req *model.RegisterRequest) (*model.ServiceInstance, error) {
	inst, err := m.registry.Register(ctx, req)
	if err != nil {
		return nil, err
	}

	// 首次探测不阻塞注册响应
	probe := inst.Clone()
	go func() {
		probeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		m.monitor.ProbeOnce(probeCtx, probe)
	}()

	m.logger.Info("服务实例已注册",
		zap.String("service", inst.Name),
		zap.String("instance_id", inst.ID),
		zap.String("address", inst.Address()))
	return inst, nil
}

// Deregister 注销服务实例
func (m *Mesh) Deregister(ctx context.Context, instanceID string) error {
	return m.registry.Deregister(ctx, instanceID)
}

// Heartbeat 处理实例心跳，维护态实例不受影响
func (m *Mesh) Heartbeat(ctx context.Context, instanceID string) error {
	inst, ok := m.registry.GetInstance(instanceID)
	if !ok {
		return model.ErrNoInstancesAvailable
	}
	if inst.Status == model.HealthStatusMaintenance || inst.Status == model.HealthStatusStopping {
		return nil
	}
	m.registry.ApplyProbe(ctx, instanceID, true, model.HealthStatusHealthy)
	return nil
}

// Call 经由弹性调用管道调用逻辑服务
func (m *Mesh) Call(ctx context.Context, opts invoker.CallOptions) (*invoker.Response, error) {
	return m.invoker.Call(ctx, opts)
}

// SetRoute 配置服务的路由规则
func (m *Mesh) SetRoute(route *model.ServiceRoute) error {
	return m.router.SetRoute(route)
}

// Route 返回服务当前生效的路由规则
func (m *Mesh) Route(service string) *model.ServiceRoute {
	return m.router.Route(service)
}

// ConfigureTrafficSplit 配置按版本的流量切分
func (m *Mesh) ConfigureTrafficSplit(service string, split map[string]float64) error {
	if err := m.router.ConfigureSplit(service, split); err != nil {
		return err
	}
	m.logger.Info("流量切分已更新",
		zap.String("service", service),
		zap.Any("split", split))
	return nil
}

// ClearTrafficSplit 清除服务的流量切分
func (m *Mesh) ClearTrafficSplit(service string) {
	m.router.ClearSplit(service)
}

// ValidateDeploy 校验部署请求，不触发部署
func (m *Mesh) ValidateDeploy(service string, req *model.DeployRequest) error {
	return m.deployer.Validate(service, req)
}

// Deploy 执行部署，阻塞直到收敛或失败
func (m *Mesh) Deploy(ctx context.Context, service string, req *model.DeployRequest) error {
	return m.deployer.Deploy(ctx, service, req)
}

// Rollouts 返回所有服务的部署进度
func (m *Mesh) Rollouts() []*model.RolloutProgress {
	return m.deployer.Rollouts()
}

// ServiceStatus 返回单个服务的运行状态
func (m *Mesh) ServiceStatus(service string) *model.ServiceStatus {
	instances := m.registry.Instances(service)
	healthy := 0
	for _, inst := range instances {
		if inst.Status == model.HealthStatusHealthy {
			healthy++
		}
	}

	status := &model.ServiceStatus{
		Name:             service,
		TotalInstances:   len(instances),
		HealthyInstances: healthy,
		PoolSize:         len(instances),
		TrafficSplit:     m.router.Split(service),
	}

	snap := m.breakers.Get(service).Snapshot()
	status.BreakerState = snap.State
	status.BreakerFailures = snap.ConsecutiveFailures
	status.TotalRequests, status.TotalErrors = m.traffic.Totals(service)

	if progress, ok := m.deployer.Progress(service); ok {
		status.Rollout = progress
	}

	metrics.SetInstanceCounts(service, instances)
	return status
}

// Status 返回整个控制平面的状态汇总
func (m *Mesh) Status() *model.StatusReport {
	report := &model.StatusReport{GeneratedAt: time.Now()}
	for _, name := range m.registry.ServiceNames() {
		status := m.ServiceStatus(name)
		report.Services = append(report.Services, status)
		report.TotalRequests += status.TotalRequests
		report.TotalErrors += status.TotalErrors
	}
	return report
}

// TrafficSnapshot 返回当前窗口的流量指标
func (m *Mesh) TrafficSnapshot() []*model.TrafficMetrics {
	return m.traffic.Snapshot()
}

// Instances 返回服务的全部实例快照
func (m *Mesh) Instances(service string) []*model.ServiceInstance {
	return m.registry.Instances(service)
}

// HealthyInstances 返回服务的健康实例快照
func (m *Mesh) HealthyInstances(service string) []*model.ServiceInstance {
	return m.registry.HealthyInstances(service)
}

// ServiceNames 返回全部已知服务名
func (m *Mesh) ServiceNames() []string {
	return m.registry.ServiceNames()
}

// SetInstanceMaintenance 切换实例的维护状态
func (m *Mesh) SetInstanceMaintenance(ctx context.Context, instanceID string, on bool) error {
	if on {
		return m.registry.UpdateStatus(ctx, instanceID, model.HealthStatusMaintenance)
	}
	return m.registry.UpdateStatus(ctx, instanceID, model.HealthStatusUnknown)
}
