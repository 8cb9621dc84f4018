// Package deploy 实现服务版本的部署编排。
//
// 支持三种策略：滚动（逐实例替换）、蓝绿（整批切换）和金丝雀
// （小比例放量观察后全量）。编排器只操作注册表、流量路由和
// 探测器，不负责真正拉起进程，实例规格由调用方给出。
package deploy

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/mesh-pilot/internal/config"
	"github.com/hewenyu/mesh-pilot/internal/core/model"
	"github.com/hewenyu/mesh-pilot/internal/health"
	"github.com/hewenyu/mesh-pilot/internal/metrics"
	"github.com/hewenyu/mesh-pilot/internal/registry"
	"github.com/hewenyu/mesh-pilot/internal/router"
)

// 部署阶段
const (
	PhasePending   = "pending"
	PhaseRolling   = "rolling"
	PhaseWaiting   = "waiting_healthy"
	PhaseShifting  = "shifting_traffic"
	PhaseSoaking   = "soaking"
	PhaseDraining  = "draining"
	PhaseCompleted = "completed"
	PhaseFailed    = "failed"
)

// 部署默认参数
const (
	defaultHealthTimeout = 2 * time.Minute
	defaultGracePeriod   = 10 * time.Second
	defaultSoakPeriod    = 1 * time.Minute
	defaultErrorGate     = 0.05
	healthPollInterval   = 500 * time.Millisecond
)

// Deployer 表示部署编排器
// 同一服务同时只允许一个部署在执行
type Deployer struct {
	registry *registry.Registry
	router   *router.Router
	monitor  *health.Monitor
	traffic  *metrics.Collector
	logger   config.Logger

	mu       sync.RWMutex
	active   map[string]bool
	progress map[string]*model.RolloutProgress
}

// New 创建部署编排器
func New(reg *registry.Registry, rt *router.Router, monitor *health.Monitor,
	traffic *metrics.Collector, logger config.Logger) *Deployer {
	return &Deployer{
		registry: reg,
		router:   rt,
		monitor:  monitor,
		traffic:  traffic,
		logger:   logger,
		active:   make(map[string]bool),
		progress: make(map[string]*model.RolloutProgress),
	}
}

// plan 是解析校验后的部署计划
type plan struct {
	service        string
	version        string
	strategy       model.DeployStrategy
	specs          []model.InstanceSpec
	maxUnavailable int
	maxSurge       int
	canaryPercent  float64
	errorThreshold float64
	soakPeriod     time.Duration
	gracePeriod    time.Duration
	healthTimeout  time.Duration
}

// Deploy 执行一次部署，阻塞直到完成或失败
// 失败时回滚到稳定版本：本次注册的新实例全部注销，流量切分清除
func (d *Deployer) Deploy(ctx context.Context, service string, req *model.DeployRequest) error {
	p, err := d.buildPlan(service, req)
	if err != nil {
		return err
	}

	if err := d.begin(p); err != nil {
		return err
	}
	defer d.finish(service)

	d.logger.Info("开始部署",
		zap.String("service", service),
		zap.String("version", p.version),
		zap.String("strategy", string(p.strategy)),
		zap.Int("instances", len(p.specs)))

	switch p.strategy {
	case model.DeployRolling:
		err = d.rolling(ctx, p)
	case model.DeployBlueGreen:
		err = d.blueGreen(ctx, p)
	case model.DeployCanary:
		err = d.canary(ctx, p)
	default:
		err = model.NewValidationError("strategy", fmt.Sprintf("未知的部署策略: %s", p.strategy))
	}

	if err != nil {
		d.setPhase(service, PhaseFailed, err)
		d.logger.Error("部署失败",
			zap.String("service", service),
			zap.String("version", p.version),
			zap.Error(err))
		return err
	}

	d.setPhase(service, PhaseCompleted, nil)
	d.logger.Info("部署完成",
		zap.String("service", service),
		zap.String("version", p.version))
	return nil
}

// Validate 校验部署请求的合法性，不触发部署
// 入口层在异步启动部署前先同步校验，非法请求直接拒绝
func (d *Deployer) Validate(service string, req *model.DeployRequest) error {
	_, err := d.buildPlan(service, req)
	return err
}

// Progress 返回服务最近一次部署的进度
func (d *Deployer) Progress(service string) (*model.RolloutProgress, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.progress[service]
	if !ok {
		return nil, false
	}
	cp := *p
	return &cp, true
}

// Rollouts 返回所有服务的部署进度
func (d *Deployer) Rollouts() []*model.RolloutProgress {
	d.mu.RLock()
	defer d.mu.RUnlock()
	result := make([]*model.RolloutProgress, 0, len(d.progress))
	for _, p := range d.progress {
		cp := *p
		result = append(result, &cp)
	}
	return result
}

// buildPlan 校验请求并填充默认参数
func (d *Deployer) buildPlan(service string, req *model.DeployRequest) (*plan, error) {
	if service == "" {
		return nil, model.NewValidationError("service", "服务名称不能为空")
	}
	if req.Version == "" {
		return nil, model.NewValidationError("version", "部署版本不能为空")
	}
	if len(req.Instances) == 0 {
		return nil, model.NewValidationError("instances", "部署实例规格不能为空")
	}
	for idx, spec := range req.Instances {
		if spec.Host == "" || spec.Port <= 0 || spec.Port > 65535 {
			return nil, model.NewValidationError("instances",
				fmt.Sprintf("第%d个实例规格的地址或端口无效", idx+1))
		}
	}

	p := &plan{
		service:        service,
		version:        req.Version,
		strategy:       req.Strategy,
		specs:          req.Instances,
		maxUnavailable: req.MaxUnavailable,
		maxSurge:       req.MaxSurge,
		canaryPercent:  req.CanaryPercent,
		errorThreshold: req.ErrorThreshold,
		soakPeriod:     defaultSoakPeriod,
		gracePeriod:    defaultGracePeriod,
		healthTimeout:  defaultHealthTimeout,
	}
	if p.strategy == "" {
		p.strategy = model.DeployRolling
	}
	if p.maxUnavailable <= 0 {
		p.maxUnavailable = 1
	}
	if p.maxSurge <= 0 {
		p.maxSurge = 1
	}
	if p.canaryPercent <= 0 || p.canaryPercent >= 100 {
		p.canaryPercent = 10
	}
	if p.errorThreshold <= 0 {
		p.errorThreshold = defaultErrorGate
	}

	var err error
	if p.soakPeriod, err = parsePeriod(req.SoakPeriod, defaultSoakPeriod); err != nil {
		return nil, model.NewValidationError("soak_period", err.Error())
	}
	if p.gracePeriod, err = parsePeriod(req.GracePeriod, defaultGracePeriod); err != nil {
		return nil, model.NewValidationError("grace_period", err.Error())
	}
	if p.healthTimeout, err = parsePeriod(req.HealthTimeout, defaultHealthTimeout); err != nil {
		return nil, model.NewValidationError("health_timeout", err.Error())
	}
	return p, nil
}

func parsePeriod(raw string, fallback time.Duration) (time.Duration, error) {
	if raw == "" {
		return fallback, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("时长格式无效: %s", raw)
	}
	if dur <= 0 {
		return fallback, nil
	}
	return dur, nil
}

// begin 占用服务的部署锁并初始化进度
func (d *Deployer) begin(p *plan) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active[p.service] {
		return fmt.Errorf("服务[%s]已有部署正在执行", p.service)
	}
	d.active[p.service] = true
	d.progress[p.service] = &model.RolloutProgress{
		Service:   p.service,
		Version:   p.version,
		Strategy:  p.strategy,
		Phase:     PhasePending,
		Total:     len(p.specs),
		StartedAt: time.Now(),
	}
	return nil
}

func (d *Deployer) finish(service string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.active, service)
}

func (d *Deployer) setPhase(service, phase string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.progress[service]
	if !ok {
		return
	}
	p.Phase = phase
	if err != nil {
		p.Error = err.Error()
	}
}

func (d *Deployer) markCompleted(service string, completed int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.progress[service]; ok {
		p.Completed = completed
	}
}

// rolling 滚动部署：每批最多注册maxSurge个新实例，整批就绪后再退役旧实例，
// 累计退役数不超过 已就绪新实例数+maxUnavailable-1，
// 保证健康实例数始终不低于 原实例数-maxUnavailable
// 中途失败时只清理未就绪的新实例，已就绪的保留为部分进度，不会回退到稳定版本以下
// 重复执行是幂等的：已存在的 host:port:version 实例直接跳过
func (d *Deployer) rolling(ctx context.Context, p *plan) error {
	d.setPhase(p.service, PhaseRolling, nil)

	oldInstances := d.instancesNotAt(p.service, p.version)
	promoted := 0
	retired := 0

	for start := 0; start < len(p.specs); start += p.maxSurge {
		end := start + p.maxSurge
		if end > len(p.specs) {
			end = len(p.specs)
		}

		var fresh []*model.ServiceInstance
		for _, spec := range p.specs[start:end] {
			if existing := d.findInstance(p.service, spec.Host, spec.Port, p.version); existing != nil {
				// 上次中断的部署留下的实例，收敛而不是重复注册
				promoted++
				d.markCompleted(p.service, promoted)
				continue
			}

			inst, err := d.registerSpec(ctx, p, spec)
			if err != nil {
				d.discardUnready(ctx, p.service, fresh)
				return fmt.Errorf("注册新实例失败: %w", err)
			}
			fresh = append(fresh, inst)
		}

		for _, inst := range fresh {
			if err := d.waitHealthy(ctx, p, inst.ID); err != nil {
				d.discardUnready(ctx, p.service, fresh)
				return err
			}
			promoted++
			d.markCompleted(p.service, promoted)
		}

		// 本批新实例全部就绪后退役旧实例
		for len(oldInstances) > 0 && retired < promoted+p.maxUnavailable-1 {
			old := oldInstances[0]
			oldInstances = oldInstances[1:]
			if err := d.retire(ctx, p.service, old, p.gracePeriod); err != nil {
				d.logger.Warn("退役旧实例失败",
					zap.String("service", p.service),
					zap.String("instance_id", old.ID),
					zap.Error(err))
			}
			retired++
		}
	}

	// 新实例数少于旧实例数时，清理多出来的旧版本
	d.setPhase(p.service, PhaseDraining, nil)
	for _, old := range oldInstances {
		if err := d.retire(ctx, p.service, old, p.gracePeriod); err != nil {
			d.logger.Warn("退役旧实例失败",
				zap.String("service", p.service),
				zap.String("instance_id", old.ID),
				zap.Error(err))
		}
	}
	return nil
}

// blueGreen 蓝绿部署：整批注册新版本，全部健康后一次性切换流量，
// 宽限期结束再退役全部旧实例；任何新实例不健康则整体放弃
func (d *Deployer) blueGreen(ctx context.Context, p *plan) error {
	d.setPhase(p.service, PhaseWaiting, nil)

	oldInstances := d.instancesNotAt(p.service, p.version)

	var registered []string
	for _, spec := range p.specs {
		if existing := d.findInstance(p.service, spec.Host, spec.Port, p.version); existing != nil {
			continue
		}
		inst, err := d.registerSpec(ctx, p, spec)
		if err != nil {
			d.abort(ctx, p.service, registered)
			return fmt.Errorf("注册新实例失败: %w", err)
		}
		registered = append(registered, inst.ID)
	}

	// 绿色一侧必须整体就绪才允许切换
	for idx, id := range registered {
		if err := d.waitHealthy(ctx, p, id); err != nil {
			d.abort(ctx, p.service, registered)
			return err
		}
		d.markCompleted(p.service, idx+1)
	}

	d.setPhase(p.service, PhaseShifting, nil)
	if err := d.router.ConfigureSplit(p.service, map[string]float64{p.version: 100}); err != nil {
		d.abort(ctx, p.service, registered)
		return fmt.Errorf("切换流量失败: %w", err)
	}

	// 宽限期让在途请求自然结束
	d.setPhase(p.service, PhaseDraining, nil)
	if err := sleepCtx(ctx, p.gracePeriod); err != nil {
		return err
	}

	for _, old := range oldInstances {
		if err := d.retire(ctx, p.service, old, 0); err != nil {
			d.logger.Warn("退役旧实例失败",
				zap.String("service", p.service),
				zap.String("instance_id", old.ID),
				zap.Error(err))
		}
	}

	// 旧版本清空后切分不再有意义
	d.router.ClearSplit(p.service)
	d.markCompleted(p.service, len(p.specs))
	return nil
}

// canary 金丝雀部署：先注册小比例新版本实例并配置流量切分，
// 浸泡期内持续比较金丝雀错误率与阈值，超标则撤回，
// 达标则按滚动方式完成剩余替换
func (d *Deployer) canary(ctx context.Context, p *plan) error {
	d.setPhase(p.service, PhaseWaiting, nil)

	canaryCount := int(math.Ceil(float64(len(p.specs)) * p.canaryPercent / 100))
	if canaryCount < 1 {
		canaryCount = 1
	}
	if canaryCount > len(p.specs) {
		canaryCount = len(p.specs)
	}

	var canaries []string
	for _, spec := range p.specs[:canaryCount] {
		if existing := d.findInstance(p.service, spec.Host, spec.Port, p.version); existing != nil {
			canaries = append(canaries, existing.ID)
			continue
		}
		inst, err := d.registerSpec(ctx, p, spec)
		if err != nil {
			d.abort(ctx, p.service, canaries)
			return fmt.Errorf("注册金丝雀实例失败: %w", err)
		}
		canaries = append(canaries, inst.ID)
	}

	for _, id := range canaries {
		if err := d.waitHealthy(ctx, p, id); err != nil {
			d.abort(ctx, p.service, canaries)
			return err
		}
	}

	// 找到当前稳定版本，把剩余流量留给它
	stable := d.stableVersion(p.service, p.version)
	split := map[string]float64{p.version: p.canaryPercent}
	if stable != "" {
		split[stable] = 100 - p.canaryPercent
	} else {
		split[p.version] = 100
	}

	d.setPhase(p.service, PhaseShifting, nil)
	if err := d.router.ConfigureSplit(p.service, split); err != nil {
		d.abort(ctx, p.service, canaries)
		return fmt.Errorf("配置金丝雀流量失败: %w", err)
	}

	// 浸泡观察：错误率持续超过阈值即撤回金丝雀
	d.setPhase(p.service, PhaseSoaking, nil)
	deadline := time.Now().Add(p.soakPeriod)
	for time.Now().Before(deadline) {
		if err := sleepCtx(ctx, healthPollInterval); err != nil {
			d.abort(ctx, p.service, canaries)
			d.router.ClearSplit(p.service)
			return err
		}
		rate := d.traffic.ErrorRate(p.service, p.version)
		if rate > p.errorThreshold {
			d.abort(ctx, p.service, canaries)
			d.router.ClearSplit(p.service)
			return fmt.Errorf("金丝雀错误率[%.4f]超过阈值[%.4f]，部署已撤回", rate, p.errorThreshold)
		}
	}

	d.markCompleted(p.service, canaryCount)

	// 浸泡通过，剩余实例按滚动方式替换
	if err := d.rolling(ctx, p); err != nil {
		d.router.ClearSplit(p.service)
		return err
	}
	d.router.ClearSplit(p.service)
	return nil
}

// registerSpec 把实例规格注册为starting状态的新实例，并立即触发一次探测
func (d *Deployer) registerSpec(ctx context.Context, p *plan, spec model.InstanceSpec) (*model.ServiceInstance, error) {
	inst, err := d.registry.Register(ctx, &model.RegisterRequest{
		Name:            p.service,
		Host:            spec.Host,
		Port:            spec.Port,
		Protocol:        spec.Protocol,
		HealthCheckPath: spec.HealthCheckPath,
		Version:         p.version,
		Weight:          spec.Weight,
		Metadata:        spec.Metadata,
	})
	if err != nil {
		return nil, err
	}
	if d.monitor != nil {
		d.monitor.ProbeOnce(ctx, inst)
	}
	return inst, nil
}

// waitHealthy 轮询等待实例变为healthy，超时返回错误
func (d *Deployer) waitHealthy(ctx context.Context, p *plan, instanceID string) error {
	deadline := time.Now().Add(p.healthTimeout)
	for {
		inst, ok := d.registry.GetInstance(instanceID)
		if !ok {
			return fmt.Errorf("实例[%s]在等待就绪期间被注销", instanceID)
		}
		if inst.Status == model.HealthStatusHealthy {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: 实例[%s]在%s内未就绪", model.ErrTimeout, inst.Address(), p.healthTimeout)
		}
		if err := sleepCtx(ctx, healthPollInterval); err != nil {
			return err
		}
		if d.monitor != nil {
			d.monitor.ProbeOnce(ctx, inst)
		}
	}
}

// retire 退役一个实例：先标记stopping摘除流量，宽限期后注销
func (d *Deployer) retire(ctx context.Context, service string, inst *model.ServiceInstance, grace time.Duration) error {
	if err := d.registry.UpdateStatus(ctx, inst.ID, model.HealthStatusStopping); err != nil {
		return err
	}
	if grace > 0 {
		if err := sleepCtx(ctx, grace); err != nil {
			return err
		}
	}
	return d.registry.Deregister(ctx, inst.ID)
}

// discardUnready 注销一批新实例中未就绪的那些，已就绪的保留
// 滚动部署失败时走这条路径：退役过的旧实例不会复活，
// 留下已就绪的替代实例才能守住健康实例数的下限
func (d *Deployer) discardUnready(ctx context.Context, service string, batch []*model.ServiceInstance) {
	for _, inst := range batch {
		got, ok := d.registry.GetInstance(inst.ID)
		if !ok || got.Status == model.HealthStatusHealthy {
			continue
		}
		if err := d.registry.Deregister(ctx, inst.ID); err != nil {
			d.logger.Warn("清理未就绪实例失败",
				zap.String("service", service),
				zap.String("instance_id", inst.ID),
				zap.Error(err))
		}
	}
}

// abort 回滚：注销本次部署已注册的所有新实例
func (d *Deployer) abort(ctx context.Context, service string, instanceIDs []string) {
	for _, id := range instanceIDs {
		if err := d.registry.Deregister(ctx, id); err != nil {
			d.logger.Warn("回滚时注销实例失败",
				zap.String("service", service),
				zap.String("instance_id", id),
				zap.Error(err))
		}
	}
}

// instancesNotAt 返回服务中版本不等于version的实例
func (d *Deployer) instancesNotAt(service, version string) []*model.ServiceInstance {
	var result []*model.ServiceInstance
	for _, inst := range d.registry.Instances(service) {
		if inst.Version != version {
			result = append(result, inst)
		}
	}
	return result
}

// findInstance 按host:port:version查找已存在的实例
func (d *Deployer) findInstance(service, host string, port int, version string) *model.ServiceInstance {
	for _, inst := range d.registry.Instances(service) {
		if inst.Host == host && inst.Port == port && inst.Version == version {
			return inst
		}
	}
	return nil
}

// stableVersion 返回服务当前占多数的旧版本
func (d *Deployer) stableVersion(service, newVersion string) string {
	counts := make(map[string]int)
	for _, inst := range d.registry.Instances(service) {
		if inst.Version != newVersion && inst.Version != "" {
			counts[inst.Version]++
		}
	}
	best := ""
	bestCount := 0
	for version, count := range counts {
		if count > bestCount {
			best = version
			bestCount = count
		}
	}
	return best
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
