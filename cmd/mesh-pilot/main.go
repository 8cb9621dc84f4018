package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hewenyu/mesh-pilot/internal/admin"
	"github.com/hewenyu/mesh-pilot/internal/breaker"
	"github.com/hewenyu/mesh-pilot/internal/config"
	"github.com/hewenyu/mesh-pilot/internal/discovery/consul"
	"github.com/hewenyu/mesh-pilot/internal/dnsserver"
	"github.com/hewenyu/mesh-pilot/internal/health"
	"github.com/hewenyu/mesh-pilot/internal/mesh"
	"github.com/hewenyu/mesh-pilot/internal/registration"
	"github.com/hewenyu/mesh-pilot/internal/registry"
	"github.com/hewenyu/mesh-pilot/internal/store/etcd"
	instancestore "github.com/hewenyu/mesh-pilot/internal/store/instance"
)

var (
	logger     config.Logger
	configFile string
	appConfig  *config.Config
)

func init() {
	// 解析命令行参数
	flag.StringVar(&configFile, "config", "", "配置文件路径")
}

func main() {
	flag.Parse()

	// 加载配置
	var err error
	appConfig, err = config.LoadConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger, err = config.NewLogger(appConfig.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	// 打印启动信息
	logger.Info("Mesh Pilot Starting...",
		zap.String("version", "0.1.0"),
		zap.Int("admin_api_port", appConfig.Server.Admin.Port),
		zap.Int("registration_api_port", appConfig.Server.Registration.Port),
		zap.Bool("dns_enabled", appConfig.Server.DNS.Enabled),
		zap.Bool("etcd_enabled", appConfig.Etcd.Enabled),
		zap.Bool("consul_enabled", appConfig.Consul.Enabled),
	)

	// 组装注册表，启用etcd时接上持久化存储
	var regOpts []registry.Option
	if appConfig.Etcd.Enabled {
		etcdClient, err := etcd.NewClient(&etcd.Config{
			Endpoints:      appConfig.Etcd.Endpoints,
			Username:       appConfig.Etcd.Username,
			Password:       appConfig.Etcd.Password,
			DialTimeout:    appConfig.Etcd.DialTimeout,
			RequestTimeout: appConfig.Etcd.RequestTimeout,
		})
		if err != nil {
			logger.Error("连接etcd失败", zap.Error(err))
			os.Exit(1)
		}
		defer etcdClient.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := etcdClient.Ping(pingCtx); err != nil {
			cancel()
			logger.Error("etcd健康检查失败", zap.Error(err))
			os.Exit(1)
		}
		cancel()
		logger.Info("etcd连接成功并通过健康检查")

		regOpts = append(regOpts, registry.WithStore(instancestore.NewEtcdStore(etcdClient)))
	}

	reg := registry.New(logger, regOpts...)

	// 从持久化存储恢复上次的实例，状态置为unknown等待探测
	if appConfig.Etcd.Enabled {
		restoreCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := reg.Restore(restoreCtx); err != nil {
			logger.Warn("恢复注册表失败", zap.Error(err))
		}
		cancel()
	}

	// 组装控制平面
	m := mesh.New(reg, mesh.Options{
		HealthOptions: health.Options{
			Interval:           appConfig.Health.Interval,
			Timeout:            appConfig.Health.Timeout,
			HealthyThreshold:   appConfig.Health.HealthyThreshold,
			UnhealthyThreshold: appConfig.Health.UnhealthyThreshold,
		},
		BreakerSettings: breaker.Settings{
			FailureThreshold: appConfig.Breaker.FailureThreshold,
			RecoveryTimeout:  appConfig.Breaker.RecoveryTimeout,
			HalfOpenMaxCalls: appConfig.Breaker.HalfOpenMaxCalls,
		},
		MetricsWindow:  appConfig.Metrics.Window,
		DefaultTimeout: appConfig.Invoker.DefaultTimeout,
	}, logger)

	m.Start()
	defer m.Stop()

	// 启动Consul目录同步
	if appConfig.Consul.Enabled {
		source, err := consul.NewSource(reg, consul.Options{
			Address:  appConfig.Consul.Address,
			Services: appConfig.Consul.Services,
			WaitTime: appConfig.Consul.Interval,
		}, logger)
		if err != nil {
			logger.Error("初始化Consul发现源失败", zap.Error(err))
			os.Exit(1)
		}
		source.Start()
		defer source.Stop()
	}

	// 启动DNS发现服务
	if appConfig.Server.DNS.Enabled {
		dnsSrv := dnsserver.NewServer(reg, dnsserver.Options{
			Addr:   fmt.Sprintf("%s:%d", appConfig.Server.DNS.ListenAddress, appConfig.Server.DNS.Port),
			Domain: appConfig.Server.DNS.Domain,
			TTL:    appConfig.Server.DNS.TTL,
		}, logger)
		if err := dnsSrv.Start(); err != nil {
			logger.Error("启动DNS服务失败", zap.Error(err))
			os.Exit(1)
		}
		defer dnsSrv.Stop()
	}

	// 启动管理API与注册API
	adminSrv := admin.NewServer(m, appConfig, logger)
	if err := adminSrv.Start(); err != nil {
		logger.Error("启动管理API失败", zap.Error(err))
		os.Exit(1)
	}

	regSrv := registration.NewServer(m, appConfig, logger)
	if err := regSrv.Start(); err != nil {
		logger.Error("启动注册API失败", zap.Error(err))
		os.Exit(1)
	}

	// 等待信号以优雅关闭
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("接收到关闭信号，正在优雅关闭...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := regSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("关闭注册API失败", zap.Error(err))
	}
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("关闭管理API失败", zap.Error(err))
	}
}
