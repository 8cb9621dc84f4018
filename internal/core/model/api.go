package model

import "time"

// ApiResponse 表示通用API响应
type ApiResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// RegisterRequest 表示服务实例注册请求
type RegisterRequest struct {
	Name            string            `json:"name"`
	Type            ServiceType       `json:"type,omitempty"`
	Host            string            `json:"host"`
	Port            int               `json:"port"`
	Protocol        string            `json:"protocol,omitempty"`
	HealthCheckPath string            `json:"health_check_path,omitempty"`
	Version         string            `json:"version,omitempty"`
	Weight          int               `json:"weight,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// RegisterResponse 表示服务实例注册响应
type RegisterResponse struct {
	InstanceID   string    `json:"instance_id"`
	RegisteredAt time.Time `json:"registered_at"`
}

// TrafficSplitRequest 表示流量切分配置请求
type TrafficSplitRequest struct {
	Split map[string]float64 `json:"split"`
}

// DeployRequest 表示部署请求
type DeployRequest struct {
	Version  string         `json:"version"`
	Strategy DeployStrategy `json:"strategy"`

	// 新版本实例规格
	Instances []InstanceSpec `json:"instances"`

	MaxUnavailable int     `json:"max_unavailable,omitempty"`
	MaxSurge       int     `json:"max_surge,omitempty"`
	CanaryPercent  float64 `json:"canary_percent,omitempty"`
	ErrorThreshold float64 `json:"error_threshold,omitempty"`

	SoakPeriod    string `json:"soak_period,omitempty"`
	GracePeriod   string `json:"grace_period,omitempty"`
	HealthTimeout string `json:"health_timeout,omitempty"`
}

// InstanceSpec 表示部署时新实例的规格
type InstanceSpec struct {
	Host            string            `json:"host"`
	Port            int               `json:"port"`
	Protocol        string            `json:"protocol,omitempty"`
	HealthCheckPath string            `json:"health_check_path,omitempty"`
	Weight          int               `json:"weight,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// CallRequest 表示经由网格代呼的调用请求
type CallRequest struct {
	Service  string            `json:"service"`
	Endpoint string            `json:"endpoint"`
	Method   string            `json:"method,omitempty"`
	Body     string            `json:"body,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	Timeout  string            `json:"timeout,omitempty"`
	Caller   string            `json:"caller,omitempty"`
}

// ServiceStatus 表示单个服务的运行状态
type ServiceStatus struct {
	Name             string             `json:"name"`
	TotalInstances   int                `json:"total_instances"`
	HealthyInstances int                `json:"healthy_instances"`
	PoolSize         int                `json:"pool_size"`
	BreakerState     BreakerState       `json:"breaker_state"`
	BreakerFailures  int                `json:"breaker_failures"`
	TotalRequests    uint64             `json:"total_requests"`
	TotalErrors      uint64             `json:"total_errors"`
	TrafficSplit     map[string]float64 `json:"traffic_split,omitempty"`
	Rollout          *RolloutProgress   `json:"rollout,omitempty"`
}

// RolloutProgress 表示部署进度
type RolloutProgress struct {
	Service   string         `json:"service"`
	Version   string         `json:"version"`
	Strategy  DeployStrategy `json:"strategy"`
	Phase     string         `json:"phase"`
	Total     int            `json:"total"`
	Completed int            `json:"completed"`
	StartedAt time.Time      `json:"started_at"`
	Error     string         `json:"error,omitempty"`
}

// StatusReport 表示整个控制平面的状态汇总
type StatusReport struct {
	Services      []*ServiceStatus `json:"services"`
	TotalRequests uint64           `json:"total_requests"`
	TotalErrors   uint64           `json:"total_errors"`
	GeneratedAt   time.Time        `json:"generated_at"`
}
