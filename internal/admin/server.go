package admin

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hewenyu/mesh-pilot/internal/admin/handler"
	"github.com/hewenyu/mesh-pilot/internal/config"
	"github.com/hewenyu/mesh-pilot/internal/mesh"
	"github.com/hewenyu/mesh-pilot/internal/metrics"
)

// Server 表示管理API服务
type Server struct {
	e           *echo.Echo
	host        string
	port        int
	meshHandler *handler.MeshHandler
	logger      config.Logger
	shutdownCtx context.Context
	cancel      context.CancelFunc
}

// NewServer 创建一个新的管理API服务
func NewServer(m *mesh.Mesh, cfg *config.Config, logger config.Logger) *Server {
	// 创建Echo实例
	e := echo.New()
	e.HideBanner = true

	// 添加中间件
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// 创建网格处理器
	meshHandler := handler.NewMeshHandler(m)

	// 注册路由
	meshHandler.RegisterRoutes(e)

	// 注册Prometheus指标
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Warn("注册Prometheus指标失败", zap.Error(err))
	}
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// 健康检查
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	// 创建上下文
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		e:           e,
		host:        cfg.Server.Admin.ListenAddress,
		port:        cfg.Server.Admin.Port,
		meshHandler: meshHandler,
		logger:      logger,
		shutdownCtx: ctx,
		cancel:      cancel,
	}
}

// Start 启动服务
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	s.logger.Info("管理API服务启动", zap.String("addr", addr))

	// 以非阻塞方式启动服务
	go func() {
		if err := s.e.Start(addr); err != nil && err != http.ErrServerClosed {
			s.logger.Fatal("管理API服务启动失败", zap.Error(err))
		}
	}()

	return nil
}

// Shutdown 关闭服务
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	return s.e.Shutdown(ctx)
}
