// Package consul 把Consul目录中的健康服务实例同步进网格注册表。
//
// 同步是单向的：Consul是外部事实源，本地注册表是消费方。
// 使用阻塞查询监听目录变化，只同步Consul判定为passing的实例，
// 从目录消失的实例会被注销。同步进来的实例和原生实例一样
// 参与本地健康探测，发现来源只影响成员变更从哪里发起。
package consul

import (
	"context"
	"fmt"
	"sync"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"go.uber.org/zap"

	"github.com/hewenyu/mesh-pilot/internal/config"
	"github.com/hewenyu/mesh-pilot/internal/core/model"
	"github.com/hewenyu/mesh-pilot/internal/registry"
)

// Options 表示Consul同步配置
type Options struct {
	// Address Consul agent地址
	Address string
	// Services 需要同步的服务名，为空表示不同步
	Services []string
	// WaitTime 阻塞查询的最长等待时间
	WaitTime time.Duration
}

// Source 表示Consul发现源
type Source struct {
	client   *consulapi.Client
	registry *registry.Registry
	opts     Options
	logger   config.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	known map[string]string // consul实例键 → 注册表实例ID
}

// NewSource 创建Consul发现源
func NewSource(reg *registry.Registry, opts Options, logger config.Logger) (*Source, error) {
	cfg := consulapi.DefaultConfig()
	if opts.Address != "" {
		cfg.Address = opts.Address
	}
	if opts.WaitTime <= 0 {
		opts.WaitTime = 30 * time.Second
	}

	client, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("创建Consul客户端失败: %w", err)
	}

	return &Source{
		client:   client,
		registry: reg,
		opts:     opts,
		logger:   logger,
		known:    make(map[string]string),
	}, nil
}

// Start 为每个被同步的服务启动一个阻塞查询监听
func (s *Source) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	for _, service := range s.opts.Services {
		service := service
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.watch(ctx, service)
		}()
	}
}

// Stop 停止同步
func (s *Source) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// watch 阻塞查询单个服务的健康实例列表，变化时同步进注册表
func (s *Source) watch(ctx context.Context, service string) {
	var lastIndex uint64

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		queryOpts := &consulapi.QueryOptions{
			WaitIndex: lastIndex,
			WaitTime:  s.opts.WaitTime,
		}
		queryOpts = queryOpts.WithContext(ctx)

		entries, meta, err := s.client.Health().Service(service, "", true, queryOpts)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("查询Consul服务失败",
				zap.String("service", service),
				zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		if meta.LastIndex == lastIndex {
			continue
		}
		lastIndex = meta.LastIndex

		s.sync(ctx, service, entries)
	}
}

// sync 用Consul的当前视图对齐注册表中该服务的consul来源实例
func (s *Source) sync(ctx context.Context, service string, entries []*consulapi.ServiceEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(entries))
	for _, entry := range entries {
		host := entry.Service.Address
		if host == "" {
			host = entry.Node.Address
		}
		key := fmt.Sprintf("%s/%s:%d", service, host, entry.Service.Port)
		seen[key] = true

		if _, ok := s.known[key]; ok {
			continue
		}

		inst := &model.ServiceInstance{
			ID:              fmt.Sprintf("consul-%s", entry.Service.ID),
			Name:            service,
			Type:            model.ServiceTypeIntegration,
			Host:            host,
			Port:            entry.Service.Port,
			Protocol:        "http",
			HealthCheckPath: healthPathOf(entry),
			Status:          model.HealthStatusHealthy,
			Weight:          weightOf(entry),
			Metadata:        entry.Service.Meta,
			Version:         entry.Service.Meta["version"],
			RegisteredAt:    time.Now(),
			LastCheck:       time.Now(),
		}
		if err := s.registry.AddInstance(ctx, inst, model.DiscoverySourceConsul); err != nil {
			s.logger.Warn("同步Consul实例失败",
				zap.String("service", service),
				zap.String("address", inst.Address()),
				zap.Error(err))
			continue
		}
		s.known[key] = inst.ID
		s.logger.Info("已同步Consul实例",
			zap.String("service", service),
			zap.String("address", inst.Address()))
	}

	// Consul中消失的实例在注册表中注销
	for key, instanceID := range s.known {
		if seen[key] {
			continue
		}
		if !belongsTo(key, service) {
			continue
		}
		if err := s.registry.Deregister(ctx, instanceID); err != nil {
			s.logger.Warn("注销Consul实例失败",
				zap.String("instance_id", instanceID),
				zap.Error(err))
		}
		delete(s.known, key)
	}
}

func belongsTo(key, service string) bool {
	return len(key) > len(service) && key[:len(service)+1] == service+"/"
}

// healthPathOf 取实例元数据声明的健康检查路径，缺省为/health
func healthPathOf(entry *consulapi.ServiceEntry) string {
	if path := entry.Service.Meta["health_check_path"]; path != "" {
		return path
	}
	return "/health"
}

func weightOf(entry *consulapi.ServiceEntry) int {
	if entry.Service.Weights.Passing > 0 {
		return entry.Service.Weights.Passing
	}
	return 100
}
