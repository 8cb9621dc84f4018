package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用程序配置结构
type Config struct {
	// 服务器配置
	Server struct {
		// 管理API端口配置
		Admin struct {
			ListenAddress string `mapstructure:"listen_address"`
			Port          int    `mapstructure:"port"`
		} `mapstructure:"admin"`

		// 服务注册API端口配置
		Registration struct {
			ListenAddress string `mapstructure:"listen_address"`
			Port          int    `mapstructure:"port"`
		} `mapstructure:"registration"`

		// DNS发现服务配置
		DNS struct {
			Enabled       bool   `mapstructure:"enabled"`
			ListenAddress string `mapstructure:"listen_address"`
			Port          int    `mapstructure:"port"`
			Domain        string `mapstructure:"domain"`
			TTL           uint32 `mapstructure:"ttl"`
		} `mapstructure:"dns"`
	} `mapstructure:"server"`

	// etcd持久化配置
	Etcd struct {
		Enabled        bool          `mapstructure:"enabled"`
		Endpoints      []string      `mapstructure:"endpoints"`
		Username       string        `mapstructure:"username"`
		Password       string        `mapstructure:"password"`
		DialTimeout    time.Duration `mapstructure:"dial_timeout"`
		RequestTimeout time.Duration `mapstructure:"request_timeout"`
	} `mapstructure:"etcd"`

	// Consul目录同步配置
	Consul struct {
		Enabled  bool          `mapstructure:"enabled"`
		Address  string        `mapstructure:"address"`
		Services []string      `mapstructure:"services"`
		Interval time.Duration `mapstructure:"interval"`
	} `mapstructure:"consul"`

	// 健康检查配置
	Health struct {
		Interval           time.Duration `mapstructure:"interval"`
		Timeout            time.Duration `mapstructure:"timeout"`
		HealthyThreshold   int           `mapstructure:"healthy_threshold"`
		UnhealthyThreshold int           `mapstructure:"unhealthy_threshold"`
	} `mapstructure:"health"`

	// 熔断器默认配置
	Breaker struct {
		FailureThreshold int           `mapstructure:"failure_threshold"`
		RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
		HalfOpenMaxCalls int           `mapstructure:"half_open_max_calls"`
	} `mapstructure:"breaker"`

	// 调用器配置
	Invoker struct {
		DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	} `mapstructure:"invoker"`

	// 流量指标配置
	Metrics struct {
		Window time.Duration `mapstructure:"window"`
	} `mapstructure:"metrics"`

	// 日志配置
	Log struct {
		Level       string `mapstructure:"level"`
		Development bool   `mapstructure:"development"`
	} `mapstructure:"log"`
}

// LoadConfig 从文件和环境变量加载配置
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// 设置默认值
	setDefaults(v)

	// 如果指定了配置文件路径
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// 设置配置文件名和路径
		v.SetConfigName("config")          // 配置文件名（无扩展名）
		v.AddConfigPath(".")               // 当前目录
		v.AddConfigPath("./configs")       // configs目录
		v.AddConfigPath("/etc/mesh-pilot") // 系统目录
	}

	// 配置文件格式
	v.SetConfigType("yaml")

	// 尝试从配置文件加载
	if err := v.ReadInConfig(); err != nil {
		// 如果找不到配置文件，仅使用默认值；其他错误则返回
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件错误: %w", err)
		}
	}

	// 绑定环境变量
	v.SetEnvPrefix("MESH_PILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置错误: %w", err)
	}

	// 进行配置验证
	if err := validateConfig(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// setDefaults 设置配置默认值
func setDefaults(v *viper.Viper) {
	// API服务默认配置
	v.SetDefault("server.admin.listen_address", "0.0.0.0")
	v.SetDefault("server.admin.port", 8080)
	v.SetDefault("server.registration.listen_address", "0.0.0.0")
	v.SetDefault("server.registration.port", 8081)

	// DNS服务默认配置
	v.SetDefault("server.dns.enabled", false)
	v.SetDefault("server.dns.listen_address", "0.0.0.0")
	v.SetDefault("server.dns.port", 8053)
	v.SetDefault("server.dns.domain", "mesh.local")
	v.SetDefault("server.dns.ttl", 30)

	// etcd默认配置
	v.SetDefault("etcd.enabled", false)
	v.SetDefault("etcd.endpoints", []string{"localhost:2379"})
	v.SetDefault("etcd.dial_timeout", 5*time.Second)
	v.SetDefault("etcd.request_timeout", 10*time.Second)

	// Consul默认配置
	v.SetDefault("consul.enabled", false)
	v.SetDefault("consul.address", "localhost:8500")
	v.SetDefault("consul.interval", 30*time.Second)

	// 健康检查默认配置
	v.SetDefault("health.interval", 30*time.Second)
	v.SetDefault("health.timeout", 10*time.Second)
	v.SetDefault("health.healthy_threshold", 2)
	v.SetDefault("health.unhealthy_threshold", 3)

	// 熔断器默认配置
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.recovery_timeout", 30*time.Second)
	v.SetDefault("breaker.half_open_max_calls", 3)

	// 调用器默认配置
	v.SetDefault("invoker.default_timeout", 5*time.Second)

	// 流量指标默认配置
	v.SetDefault("metrics.window", time.Minute)

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", true)
}

// validateConfig 验证配置有效性
func validateConfig(config *Config) error {
	// 管理API配置验证
	if config.Server.Admin.Port <= 0 || config.Server.Admin.Port > 65535 {
		return fmt.Errorf("管理API端口配置无效: %d", config.Server.Admin.Port)
	}

	// 服务注册API配置验证
	if config.Server.Registration.Port <= 0 || config.Server.Registration.Port > 65535 {
		return fmt.Errorf("服务注册API端口配置无效: %d", config.Server.Registration.Port)
	}

	// DNS服务配置验证
	if config.Server.DNS.Enabled {
		if config.Server.DNS.Port <= 0 || config.Server.DNS.Port > 65535 {
			return fmt.Errorf("DNS端口配置无效: %d", config.Server.DNS.Port)
		}
		if config.Server.DNS.Domain == "" {
			return fmt.Errorf("DNS域名后缀不能为空")
		}
	}

	// etcd配置验证
	if config.Etcd.Enabled && len(config.Etcd.Endpoints) == 0 {
		return fmt.Errorf("etcd端点不能为空")
	}

	// 健康检查配置验证
	if config.Health.Timeout >= config.Health.Interval {
		return fmt.Errorf("健康检查超时时间必须小于检查间隔")
	}
	if config.Health.HealthyThreshold <= 0 || config.Health.UnhealthyThreshold <= 0 {
		return fmt.Errorf("健康检查阈值必须大于0")
	}

	// 熔断器配置验证
	if config.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("熔断器失败阈值必须大于0: %d", config.Breaker.FailureThreshold)
	}
	if config.Breaker.HalfOpenMaxCalls <= 0 {
		return fmt.Errorf("熔断器半开试探次数必须大于0: %d", config.Breaker.HalfOpenMaxCalls)
	}

	return nil
}
