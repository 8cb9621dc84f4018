package registration

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/hewenyu/mesh-pilot/internal/config"
	"github.com/hewenyu/mesh-pilot/internal/mesh"
	"github.com/hewenyu/mesh-pilot/internal/registration/handler"
)

// Server 表示服务注册API服务
// 面向业务服务实例本身，与管理API分开监听
type Server struct {
	e               *echo.Echo
	host            string
	port            int
	instanceHandler *handler.InstanceHandler
	logger          config.Logger
	shutdownCtx     context.Context
	cancel          context.CancelFunc
}

// NewServer 创建一个新的服务注册API服务
func NewServer(m *mesh.Mesh, cfg *config.Config, logger config.Logger) *Server {
	// 创建Echo实例
	e := echo.New()
	e.HideBanner = true

	// 添加中间件
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	// 创建实例处理器
	instanceHandler := handler.NewInstanceHandler(m)

	// 注册路由
	instanceHandler.RegisterRoutes(e)

	// 健康检查
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	// 创建上下文
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		e:               e,
		host:            cfg.Server.Registration.ListenAddress,
		port:            cfg.Server.Registration.Port,
		instanceHandler: instanceHandler,
		logger:          logger,
		shutdownCtx:     ctx,
		cancel:          cancel,
	}
}

// Start 启动服务
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	s.logger.Info("服务注册API服务启动", zap.String("addr", addr))

	// 以非阻塞方式启动服务
	go func() {
		if err := s.e.Start(addr); err != nil && err != http.ErrServerClosed {
			s.logger.Fatal("服务注册API服务启动失败", zap.Error(err))
		}
	}()

	return nil
}

// Shutdown 关闭服务
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	return s.e.Shutdown(ctx)
}
