package model

import (
	"fmt"
	"time"
)

// HealthStatus 表示服务实例的健康状态
type HealthStatus string

const (
	// HealthStatusStarting 实例刚注册，尚未通过健康检查
	HealthStatusStarting HealthStatus = "starting"
	// HealthStatusHealthy 实例健康，可以接收流量
	HealthStatusHealthy HealthStatus = "healthy"
	// HealthStatusDegraded 实例可用但性能下降
	HealthStatusDegraded HealthStatus = "degraded"
	// HealthStatusUnhealthy 实例不健康，不参与负载均衡
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	// HealthStatusUnknown 健康状态未知
	HealthStatusUnknown HealthStatus = "unknown"
	// HealthStatusStopping 实例正在排空流量，准备下线
	HealthStatusStopping HealthStatus = "stopping"
	// HealthStatusMaintenance 实例处于维护模式，暂停健康检查
	HealthStatusMaintenance HealthStatus = "maintenance"
)

// ServiceType 表示服务类别，仅用于默认策略查找
type ServiceType string

const (
	ServiceTypeCore         ServiceType = "core"
	ServiceTypeML           ServiceType = "ml"
	ServiceTypeAI           ServiceType = "ai"
	ServiceTypeIntegration  ServiceType = "integration"
	ServiceTypeData         ServiceType = "data"
	ServiceTypeStreaming    ServiceType = "streaming"
	ServiceTypeSecurity     ServiceType = "security"
	ServiceTypeMonitoring   ServiceType = "monitoring"
	ServiceTypeConfig       ServiceType = "config"
	ServiceTypeNotification ServiceType = "notification"
)

// DiscoverySource 表示服务实例的发现来源
type DiscoverySource string

const (
	// DiscoverySourceMesh 通过注册API注册的原生实例
	DiscoverySourceMesh DiscoverySource = "mesh"
	// DiscoverySourceEtcd 从etcd持久化存储恢复的实例
	DiscoverySourceEtcd DiscoverySource = "etcd"
	// DiscoverySourceConsul 从Consul目录同步的实例
	DiscoverySourceConsul DiscoverySource = "consul"
)

// ServiceInstance 表示一个正在运行的服务实例
type ServiceInstance struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Type            ServiceType       `json:"type"`
	Host            string            `json:"host"`
	Port            int               `json:"port"`
	Protocol        string            `json:"protocol"`
	HealthCheckPath string            `json:"health_check_path"`
	Status          HealthStatus      `json:"status"`
	LastCheck       time.Time         `json:"last_check"`
	Version         string            `json:"version"`
	Weight          int               `json:"weight"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	RegisteredAt    time.Time         `json:"registered_at"`

	// 运行时计数器，由注册中心在调用结果回报时更新
	CurrentConnections int64         `json:"current_connections"`
	AvgResponseTime    time.Duration `json:"avg_response_time"`
	ErrorRate          float64       `json:"error_rate"`
}

// Address 返回实例的网络地址，格式为 host:port
func (s *ServiceInstance) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Selectable 判断实例是否可以被负载均衡器选中
// 健康状态是唯一的判定来源
func (s *ServiceInstance) Selectable() bool {
	return s.Status == HealthStatusHealthy
}

// Clone 返回实例的深拷贝，读取方持有快照，避免与写入方共享可变状态
func (s *ServiceInstance) Clone() *ServiceInstance {
	clone := *s
	if s.Metadata != nil {
		clone.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			clone.Metadata[k] = v
		}
	}
	return &clone
}
