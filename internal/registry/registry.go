package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hewenyu/mesh-pilot/internal/config"
	"github.com/hewenyu/mesh-pilot/internal/core/model"
	"github.com/hewenyu/mesh-pilot/internal/store/instance"
)

// Entry 表示一个服务名的发现条目，按首次注册顺序保存实例
type Entry struct {
	mu        sync.RWMutex
	name      string
	source    model.DiscoverySource
	instances []*model.ServiceInstance
	updatedAt time.Time
}

// Registry 表示服务注册中心
// 外层读写锁只保护服务名到条目的映射，条目内部有自己的锁，
// 同一服务名的变更串行化，不同服务名互不竞争
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	byID    map[string]string // 实例ID → 服务名
	store   instance.Store
	logger  config.Logger
}

// Option 配置Registry的可选项
type Option func(*Registry)

// WithStore 为注册中心附加持久化存储
func WithStore(store instance.Store) Option {
	return func(r *Registry) {
		r.store = store
	}
}

// New 创建一个新的服务注册中心
func New(logger config.Logger, opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*Entry),
		byID:    make(map[string]string),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// entryFor 获取或惰性创建服务条目
func (r *Registry) entryFor(name string, source model.DiscoverySource) *Entry {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.entries[name]; ok {
		return e
	}
	e = &Entry{
		name:      name,
		source:    source,
		updatedAt: time.Now(),
	}
	r.entries[name] = e
	return e
}

// Register 注册一个新的服务实例，初始状态为starting
func (r *Registry) Register(ctx context.Context, req *model.RegisterRequest) (*model.ServiceInstance, error) {
	// 校验必填字段
	if req.Name == "" {
		return nil, model.NewValidationError("name", "服务名称不能为空")
	}
	if req.Host == "" {
		return nil, model.NewValidationError("host", "服务地址不能为空")
	}
	if req.Port <= 0 || req.Port > 65535 {
		return nil, model.NewValidationError("port", "服务端口无效")
	}

	now := time.Now()
	inst := &model.ServiceInstance{
		ID:              uuid.New().String(),
		Name:            req.Name,
		Type:            req.Type,
		Host:            req.Host,
		Port:            req.Port,
		Protocol:        req.Protocol,
		HealthCheckPath: req.HealthCheckPath,
		Status:          model.HealthStatusStarting,
		Version:         req.Version,
		Weight:          req.Weight,
		Metadata:        req.Metadata,
		RegisteredAt:    now,
	}

	// 填充默认值
	if inst.Type == "" {
		inst.Type = model.ServiceTypeCore
	}
	if inst.Protocol == "" {
		inst.Protocol = "http"
	}
	if inst.HealthCheckPath == "" {
		inst.HealthCheckPath = "/health"
	}
	if inst.Weight <= 0 {
		inst.Weight = 100
	}

	if err := r.AddInstance(ctx, inst, model.DiscoverySourceMesh); err != nil {
		return nil, err
	}
	return inst.Clone(), nil
}

// AddInstance 将已构建的实例加入注册中心
// 发现源同步与部署编排也通过本方法写入
func (r *Registry) AddInstance(ctx context.Context, inst *model.ServiceInstance, source model.DiscoverySource) error {
	if inst.ID == "" {
		inst.ID = uuid.New().String()
	}
	if inst.Status == "" {
		inst.Status = model.HealthStatusStarting
	}

	e := r.entryFor(inst.Name, source)

	e.mu.Lock()
	e.instances = append(e.instances, inst)
	e.updatedAt = time.Now()
	e.mu.Unlock()

	r.mu.Lock()
	r.byID[inst.ID] = inst.Name
	r.mu.Unlock()

	r.persist(ctx, inst)
	r.logger.Info("服务实例已注册",
		zap.String("service", inst.Name),
		zap.String("instance_id", inst.ID),
		zap.String("address", inst.Address()),
		zap.String("version", inst.Version))
	return nil
}

// Deregister 注销服务实例
// 最后一个实例被移除后条目保留，调用方会得到"没有可用实例"
func (r *Registry) Deregister(ctx context.Context, instanceID string) error {
	r.mu.Lock()
	name, ok := r.byID[instanceID]
	if ok {
		delete(r.byID, instanceID)
	}
	r.mu.Unlock()
	if !ok {
		return model.NewValidationError("instance_id", "实例不存在: "+instanceID)
	}

	e := r.entryFor(name, model.DiscoverySourceMesh)
	e.mu.Lock()
	kept := e.instances[:0]
	for _, inst := range e.instances {
		if inst.ID != instanceID {
			kept = append(kept, inst)
		}
	}
	e.instances = kept
	e.updatedAt = time.Now()
	e.mu.Unlock()

	if r.store != nil {
		if err := r.store.Delete(ctx, instanceID); err != nil {
			r.logger.Warn("删除持久化实例失败", zap.String("instance_id", instanceID), zap.Error(err))
		}
	}
	r.logger.Info("服务实例已注销", zap.String("service", name), zap.String("instance_id", instanceID))
	return nil
}

// Instances 返回服务的全部实例快照，按首次注册顺序
func (r *Registry) Instances(name string) []*model.ServiceInstance {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*model.ServiceInstance, 0, len(e.instances))
	for _, inst := range e.instances {
		out = append(out, inst.Clone())
	}
	return out
}

// HealthyInstances 返回服务的健康实例快照
// 只有healthy状态的实例可以被负载均衡器选中
func (r *Registry) HealthyInstances(name string) []*model.ServiceInstance {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []*model.ServiceInstance
	for _, inst := range e.instances {
		if inst.Selectable() {
			out = append(out, inst.Clone())
		}
	}
	return out
}

// GetInstance 获取单个实例快照
func (r *Registry) GetInstance(instanceID string) (*model.ServiceInstance, bool) {
	e := r.entryOf(instanceID)
	if e == nil {
		return nil, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, inst := range e.instances {
		if inst.ID == instanceID {
			return inst.Clone(), true
		}
	}
	return nil, false
}

// ServiceNames 返回所有已知服务名，按字典序
func (r *Registry) ServiceNames() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// entryOf 根据实例ID定位条目
func (r *Registry) entryOf(instanceID string) *Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.byID[instanceID]
	if !ok {
		return nil
	}
	return r.entries[name]
}

// UpdateStatus 更新实例健康状态
func (r *Registry) UpdateStatus(ctx context.Context, instanceID string, status model.HealthStatus) error {
	e := r.entryOf(instanceID)
	if e == nil {
		return model.NewValidationError("instance_id", "实例不存在: "+instanceID)
	}

	var snapshot *model.ServiceInstance
	e.mu.Lock()
	for _, inst := range e.instances {
		if inst.ID == instanceID {
			inst.Status = status
			inst.LastCheck = time.Now()
			snapshot = inst.Clone()
			break
		}
	}
	e.updatedAt = time.Now()
	e.mu.Unlock()

	if snapshot == nil {
		return model.NewValidationError("instance_id", "实例不存在: "+instanceID)
	}
	r.persist(ctx, snapshot)
	return nil
}

// ApplyProbe 应用一次健康探测结果
// 错误率按指数滑动平均更新: new = (old + sample) / 2，sample ∈ {0,1}
// status为空字符串表示本次探测不改变状态
func (r *Registry) ApplyProbe(ctx context.Context, instanceID string, success bool, status model.HealthStatus) {
	e := r.entryOf(instanceID)
	if e == nil {
		return
	}

	sample := 1.0
	if success {
		sample = 0.0
	}

	var snapshot *model.ServiceInstance
	var changed bool
	e.mu.Lock()
	for _, inst := range e.instances {
		if inst.ID == instanceID {
			inst.LastCheck = time.Now()
			inst.ErrorRate = (inst.ErrorRate + sample) / 2
			if status != "" && inst.Status != status {
				inst.Status = status
				changed = true
				snapshot = inst.Clone()
			}
			break
		}
	}
	e.updatedAt = time.Now()
	e.mu.Unlock()

	// 仅在状态变化时写穿持久化，避免探测风暴打满存储
	if changed {
		r.persist(ctx, snapshot)
	}
}

// AcquireConnection 增加实例的在途连接计数
func (r *Registry) AcquireConnection(instanceID string) {
	r.addConnections(instanceID, 1)
}

// ReleaseConnection 释放实例的在途连接计数
// 调用被取消时也必须释放，否则计数泄漏
func (r *Registry) ReleaseConnection(instanceID string) {
	r.addConnections(instanceID, -1)
}

func (r *Registry) addConnections(instanceID string, delta int64) {
	e := r.entryOf(instanceID)
	if e == nil {
		return
	}
	e.mu.Lock()
	for _, inst := range e.instances {
		if inst.ID == instanceID {
			inst.CurrentConnections += delta
			if inst.CurrentConnections < 0 {
				inst.CurrentConnections = 0
			}
			break
		}
	}
	e.mu.Unlock()
}

// RecordCallResult 回报一次调用结果，更新实例的滚动延迟与错误率
func (r *Registry) RecordCallResult(instanceID string, latency time.Duration, success bool) {
	e := r.entryOf(instanceID)
	if e == nil {
		return
	}

	sample := 1.0
	if success {
		sample = 0.0
	}

	e.mu.Lock()
	for _, inst := range e.instances {
		if inst.ID == instanceID {
			if inst.AvgResponseTime == 0 {
				inst.AvgResponseTime = latency
			} else {
				inst.AvgResponseTime = (inst.AvgResponseTime + latency) / 2
			}
			inst.ErrorRate = (inst.ErrorRate + sample) / 2
			break
		}
	}
	e.mu.Unlock()
}

// EntryInfo 表示服务条目的统计信息
type EntryInfo struct {
	Name      string
	Source    model.DiscoverySource
	Total     int
	Healthy   int
	UpdatedAt time.Time
}

// EntryInfos 返回所有服务条目的统计快照
func (r *Registry) EntryInfos() []EntryInfo {
	names := r.ServiceNames()
	infos := make([]EntryInfo, 0, len(names))
	for _, name := range names {
		r.mu.RLock()
		e := r.entries[name]
		r.mu.RUnlock()
		if e == nil {
			continue
		}
		e.mu.RLock()
		info := EntryInfo{
			Name:      name,
			Source:    e.source,
			Total:     len(e.instances),
			UpdatedAt: e.updatedAt,
		}
		for _, inst := range e.instances {
			if inst.Selectable() {
				info.Healthy++
			}
		}
		e.mu.RUnlock()
		infos = append(infos, info)
	}
	return infos
}

// Restore 从持久化存储恢复实例，控制平面重启后调用
// 恢复的实例状态置为unknown，等健康检查重新确认
func (r *Registry) Restore(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	instances, err := r.store.Load(ctx)
	if err != nil {
		return err
	}
	for _, inst := range instances {
		inst.Status = model.HealthStatusUnknown
		inst.CurrentConnections = 0
		if err := r.AddInstance(ctx, inst, model.DiscoverySourceEtcd); err != nil {
			r.logger.Warn("恢复实例失败", zap.String("instance_id", inst.ID), zap.Error(err))
		}
	}
	r.logger.Info("已从存储恢复服务实例", zap.Int("count", len(instances)))
	return nil
}

// persist 尽力写穿持久化存储，失败只记录日志
func (r *Registry) persist(ctx context.Context, inst *model.ServiceInstance) {
	if r.store == nil || inst == nil {
		return
	}
	if err := r.store.Save(ctx, inst); err != nil {
		r.logger.Warn("持久化实例失败", zap.String("instance_id", inst.ID), zap.Error(err))
	}
}
