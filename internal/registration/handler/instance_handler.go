package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/hewenyu/mesh-pilot/internal/core/model"
	"github.com/hewenyu/mesh-pilot/internal/mesh"
)

// InstanceHandler 处理服务实例注册相关的HTTP请求
type InstanceHandler struct {
	mesh *mesh.Mesh
}

// NewInstanceHandler 创建一个新的实例注册处理器
func NewInstanceHandler(m *mesh.Mesh) *InstanceHandler {
	return &InstanceHandler{
		mesh: m,
	}
}

// RegisterRoutes 注册API路由
func (h *InstanceHandler) RegisterRoutes(e *echo.Echo) {
	api := e.Group("/api/v1")

	// 实例注册与注销
	api.POST("/services", h.register)
	api.DELETE("/services/:instanceId", h.deregister)

	// 实例心跳
	api.PUT("/services/:instanceId/heartbeat", h.heartbeat)

	// 实例发现（数据面只读入口）
	api.GET("/discovery/:serviceName", h.discover)
}

// 返回成功响应
func successResponse(code int, message string, data interface{}) *model.ApiResponse {
	return &model.ApiResponse{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// 返回错误响应
func errorResponse(code int, message string) *model.ApiResponse {
	return &model.ApiResponse{
		Code:    code,
		Message: message,
	}
}

// register 处理服务实例注册请求
func (h *InstanceHandler) register(c echo.Context) error {
	req := new(model.RegisterRequest)
	if err := c.Bind(req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "请求格式错误: "+err.Error()))
	}

	inst, err := h.mesh.Register(c.Request().Context(), req)
	if err != nil {
		var ve *model.ValidationError
		if errors.As(err, &ve) {
			return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "注册服务实例失败: "+err.Error()))
		}
		return c.JSON(http.StatusInternalServerError, errorResponse(http.StatusInternalServerError, "注册服务实例失败: "+err.Error()))
	}

	resp := &model.RegisterResponse{
		InstanceID:   inst.ID,
		RegisteredAt: inst.RegisteredAt,
	}
	return c.JSON(http.StatusCreated, successResponse(http.StatusCreated, "注册成功", resp))
}

// deregister 处理服务实例注销请求
func (h *InstanceHandler) deregister(c echo.Context) error {
	instanceID := c.Param("instanceId")
	if instanceID == "" {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "实例ID不能为空"))
	}

	if err := h.mesh.Deregister(c.Request().Context(), instanceID); err != nil {
		return c.JSON(http.StatusNotFound, errorResponse(http.StatusNotFound, "注销服务实例失败: "+err.Error()))
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "注销成功", nil))
}

// heartbeat 处理服务实例心跳请求
func (h *InstanceHandler) heartbeat(c echo.Context) error {
	instanceID := c.Param("instanceId")
	if instanceID == "" {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "实例ID不能为空"))
	}

	if err := h.mesh.Heartbeat(c.Request().Context(), instanceID); err != nil {
		return c.JSON(http.StatusNotFound, errorResponse(http.StatusNotFound, "心跳处理失败: "+err.Error()))
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "心跳成功", nil))
}

// discover 处理服务发现请求，只返回健康实例
func (h *InstanceHandler) discover(c echo.Context) error {
	serviceName := c.Param("serviceName")
	if serviceName == "" {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "服务名称不能为空"))
	}

	instances := h.mesh.HealthyInstances(serviceName)
	data := map[string]interface{}{
		"service":   serviceName,
		"instances": instances,
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "查询成功", data))
}
