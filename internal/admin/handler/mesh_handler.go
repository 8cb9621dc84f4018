package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hewenyu/mesh-pilot/internal/core/model"
	"github.com/hewenyu/mesh-pilot/internal/invoker"
	"github.com/hewenyu/mesh-pilot/internal/mesh"
)

// MeshHandler 处理控制平面管理相关的HTTP请求
type MeshHandler struct {
	mesh *mesh.Mesh
}

// NewMeshHandler 创建一个新的控制平面处理器
func NewMeshHandler(m *mesh.Mesh) *MeshHandler {
	return &MeshHandler{
		mesh: m,
	}
}

// RegisterRoutes 注册API路由
func (h *MeshHandler) RegisterRoutes(e *echo.Echo) {
	api := e.Group("/api/v1")

	// 全局状态汇总
	api.GET("/status", h.getStatus)

	// 服务查询
	api.GET("/services", h.listServices)
	api.GET("/services/:serviceName", h.getService)

	// 路由与流量切分
	api.GET("/services/:serviceName/route", h.getRoute)
	api.PUT("/services/:serviceName/route", h.setRoute)
	api.PUT("/services/:serviceName/traffic-split", h.setTrafficSplit)
	api.DELETE("/services/:serviceName/traffic-split", h.clearTrafficSplit)

	// 部署
	api.POST("/services/:serviceName/deploy", h.deploy)
	api.GET("/deployments", h.listDeployments)

	// 代呼调用
	api.POST("/call", h.call)

	// 流量指标
	api.GET("/traffic", h.getTraffic)

	// 实例维护
	api.PUT("/instances/:instanceId/maintenance", h.setMaintenance)
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

// httpStatusOf 把领域错误映射为HTTP状态码
func httpStatusOf(err error) int {
	var ve *model.ValidationError
	var ue *model.UpstreamError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &ue):
		return http.StatusBadGateway
	case errors.Is(err, model.ErrNoInstancesAvailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, model.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// getStatus 处理查询控制平面状态请求
func (h *MeshHandler) getStatus(c echo.Context) error {
	report := h.mesh.Status()
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "查询成功", report))
}

// listServices 处理查询服务列表请求
func (h *MeshHandler) listServices(c echo.Context) error {
	names := h.mesh.ServiceNames()
	services := make([]*model.ServiceStatus, 0, len(names))
	for _, name := range names {
		services = append(services, h.mesh.ServiceStatus(name))
	}

	data := map[string]interface{}{
		"services": services,
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "查询成功", data))
}

// getService 处理查询服务详情请求
func (h *MeshHandler) getService(c echo.Context) error {
	serviceName := c.Param("serviceName")
	if serviceName == "" {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "服务名称不能为空"))
	}

	status := h.mesh.ServiceStatus(serviceName)
	if status.TotalInstances == 0 {
		return c.JSON(http.StatusNotFound, errorResponse(http.StatusNotFound, "服务不存在或没有实例"))
	}

	data := map[string]interface{}{
		"status":    status,
		"instances": h.mesh.Instances(serviceName),
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "查询成功", data))
}

// getRoute 处理查询路由规则请求
func (h *MeshHandler) getRoute(c echo.Context) error {
	serviceName := c.Param("serviceName")
	if serviceName == "" {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "服务名称不能为空"))
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "查询成功", h.mesh.Route(serviceName)))
}

// setRoute 处理更新路由规则请求
func (h *MeshHandler) setRoute(c echo.Context) error {
	serviceName := c.Param("serviceName")
	if serviceName == "" {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "服务名称不能为空"))
	}

	route := new(model.ServiceRoute)
	if err := c.Bind(route); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "请求格式错误: "+err.Error()))
	}
	route.ServiceName = serviceName

	if err := h.mesh.SetRoute(route); err != nil {
		return c.JSON(httpStatusOf(err), errorResponse(httpStatusOf(err), "更新路由规则失败: "+err.Error()))
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "路由规则已更新", route))
}

// setTrafficSplit 处理配置流量切分请求
func (h *MeshHandler) setTrafficSplit(c echo.Context) error {
	serviceName := c.Param("serviceName")
	if serviceName == "" {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "服务名称不能为空"))
	}

	req := new(model.TrafficSplitRequest)
	if err := c.Bind(req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "请求格式错误: "+err.Error()))
	}

	if err := h.mesh.ConfigureTrafficSplit(serviceName, req.Split); err != nil {
		return c.JSON(httpStatusOf(err), errorResponse(httpStatusOf(err), "配置流量切分失败: "+err.Error()))
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "流量切分已更新", req.Split))
}

// clearTrafficSplit 处理清除流量切分请求
func (h *MeshHandler) clearTrafficSplit(c echo.Context) error {
	serviceName := c.Param("serviceName")
	if serviceName == "" {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "服务名称不能为空"))
	}

	h.mesh.ClearTrafficSplit(serviceName)
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "流量切分已清除", nil))
}

// deploy 处理部署请求
// 部署是长时间操作，接口立即返回，进度通过/deployments查询
func (h *MeshHandler) deploy(c echo.Context) error {
	serviceName := c.Param("serviceName")
	if serviceName == "" {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "服务名称不能为空"))
	}

	req := new(model.DeployRequest)
	if err := c.Bind(req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "请求格式错误: "+err.Error()))
	}

	// 先同步校验，非法请求在启动部署前就拒绝
	if err := h.mesh.ValidateDeploy(serviceName, req); err != nil {
		status := httpStatusOf(err)
		return c.JSON(status, errorResponse(status, "部署请求无效: "+err.Error()))
	}

	go func() {
		// 部署生命周期独立于本次HTTP请求
		_ = h.mesh.Deploy(context.Background(), serviceName, req)
	}()

	data := map[string]interface{}{
		"service":  serviceName,
		"version":  req.Version,
		"strategy": req.Strategy,
	}
	return c.JSON(http.StatusAccepted, successResponse(http.StatusAccepted, "部署已启动", data))
}

// listDeployments 处理查询部署进度请求
func (h *MeshHandler) listDeployments(c echo.Context) error {
	data := map[string]interface{}{
		"deployments": h.mesh.Rollouts(),
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "查询成功", data))
}

// call 处理代呼调用请求
func (h *MeshHandler) call(c echo.Context) error {
	req := new(model.CallRequest)
	if err := c.Bind(req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "请求格式错误: "+err.Error()))
	}

	opts := invoker.CallOptions{
		Service:  req.Service,
		Endpoint: req.Endpoint,
		Method:   req.Method,
		Body:     []byte(req.Body),
		Headers:  req.Headers,
		Caller:   req.Caller,
	}
	if req.Timeout != "" {
		timeout, err := time.ParseDuration(req.Timeout)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "超时时长格式无效: "+req.Timeout))
		}
		opts.Timeout = timeout
	}

	resp, err := h.mesh.Call(c.Request().Context(), opts)
	if err != nil {
		status := httpStatusOf(err)
		return c.JSON(status, errorResponse(status, "服务调用失败: "+err.Error()))
	}

	data := map[string]interface{}{
		"status_code": resp.StatusCode,
		"body":        string(resp.Body),
		"instance_id": resp.InstanceID,
		"variant":     resp.Variant,
		"latency_ms":  resp.Latency.Milliseconds(),
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "调用成功", data))
}

// getTraffic 处理查询流量指标请求
func (h *MeshHandler) getTraffic(c echo.Context) error {
	data := map[string]interface{}{
		"windows": h.mesh.TrafficSnapshot(),
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "查询成功", data))
}

// setMaintenance 处理实例维护模式切换请求
func (h *MeshHandler) setMaintenance(c echo.Context) error {
	instanceID := c.Param("instanceId")
	if instanceID == "" {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "实例ID不能为空"))
	}

	req := struct {
		On bool `json:"on"`
	}{}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse(http.StatusBadRequest, "请求格式错误: "+err.Error()))
	}

	if err := h.mesh.SetInstanceMaintenance(c.Request().Context(), instanceID, req.On); err != nil {
		status := httpStatusOf(err)
		return c.JSON(status, errorResponse(status, "切换维护状态失败: "+err.Error()))
	}
	return c.JSON(http.StatusOK, successResponse(http.StatusOK, "维护状态已更新", nil))
}
