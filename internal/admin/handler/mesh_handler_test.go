package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/mesh-pilot/internal/breaker"
	"github.com/hewenyu/mesh-pilot/internal/config"
	"github.com/hewenyu/mesh-pilot/internal/core/model"
	"github.com/hewenyu/mesh-pilot/internal/health"
	"github.com/hewenyu/mesh-pilot/internal/mesh"
	"github.com/hewenyu/mesh-pilot/internal/registry"
)

// okProber 总是探测成功
type okProber struct{}

func (okProber) Probe(context.Context, *model.ServiceInstance) error { return nil }

type testEnv struct {
	e    *echo.Echo
	mesh *mesh.Mesh
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := config.NewNopLogger()
	reg := registry.New(logger)
	m := mesh.New(reg, mesh.Options{
		HealthOptions: health.Options{
			Interval:           time.Hour,
			Timeout:            time.Second,
			HealthyThreshold:   1,
			UnhealthyThreshold: 3,
		},
		BreakerSettings: breaker.DefaultSettings(),
		MetricsWindow:   time.Minute,
		DefaultTimeout:  time.Second,
		Prober:          okProber{},
	}, logger)

	e := echo.New()
	NewMeshHandler(m).RegisterRoutes(e)
	return &testEnv{e: e, mesh: m}
}

// seedHealthy 注册一个实例并等待异步首探收敛
func (env *testEnv) seedHealthy(t *testing.T, service, host string, port int) *model.ServiceInstance {
	t.Helper()
	inst, err := env.mesh.Register(context.Background(), &model.RegisterRequest{
		Name: service,
		Host: host,
		Port: port,
	})
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, ok := env.mesh.Registry().GetInstance(inst.ID); ok && got.Status == model.HealthStatusHealthy {
			return inst
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("实例 %s 未进入健康状态", inst.ID)
	return nil
}

// seedBackend 注册一个指向真实HTTP后端的健康实例
func (env *testEnv) seedBackend(t *testing.T, service string, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	backend := httptest.NewServer(handler)
	t.Cleanup(backend.Close)

	u, err := url.Parse(backend.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	env.seedHealthy(t, service, u.Hostname(), port)
	return backend
}

func (env *testEnv) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, *model.ApiResponse) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)

	resp := new(model.ApiResponse)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), resp))
	return rec, resp
}

// TestGetStatus 测试全局状态接口
func TestGetStatus(t *testing.T) {
	env := newTestEnv(t)
	env.seedHealthy(t, "user-service", "10.0.0.1", 8080)

	rec, resp := env.do(t, http.MethodGet, "/api/v1/status", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	services, ok := data["services"].([]interface{})
	require.True(t, ok)
	assert.Len(t, services, 1)
}

// TestListServices 测试服务列表接口
func TestListServices(t *testing.T) {
	env := newTestEnv(t)
	env.seedHealthy(t, "user-service", "10.0.0.1", 8080)
	env.seedHealthy(t, "order-service", "10.0.0.2", 8080)

	rec, resp := env.do(t, http.MethodGet, "/api/v1/services", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	data := resp.Data.(map[string]interface{})
	services := data["services"].([]interface{})
	assert.Len(t, services, 2)
}

// TestGetServiceNotFound 测试不存在的服务返回404
func TestGetServiceNotFound(t *testing.T) {
	env := newTestEnv(t)

	rec, _ := env.do(t, http.MethodGet, "/api/v1/services/no-such-service", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// TestGetService 测试服务详情包含状态与实例
func TestGetService(t *testing.T) {
	env := newTestEnv(t)
	env.seedHealthy(t, "user-service", "10.0.0.1", 8080)

	rec, resp := env.do(t, http.MethodGet, "/api/v1/services/user-service", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	data := resp.Data.(map[string]interface{})
	status := data["status"].(map[string]interface{})
	assert.Equal(t, "user-service", status["name"])
	instances := data["instances"].([]interface{})
	assert.Len(t, instances, 1)
}

// TestRouteRoundTrip 测试路由规则的读写
func TestRouteRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	rec, _ := env.do(t, http.MethodPut, "/api/v1/services/user-service/route",
		`{"strategy":"least_connections","retry_count":2}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, resp := env.do(t, http.MethodGet, "/api/v1/services/user-service/route", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	route := resp.Data.(map[string]interface{})
	assert.Equal(t, "least_connections", route["strategy"])
	assert.Equal(t, float64(2), route["retry_count"])
}

// TestTrafficSplitValidation 测试流量切分配置的校验
func TestTrafficSplitValidation(t *testing.T) {
	env := newTestEnv(t)

	// 合法配置
	rec, _ := env.do(t, http.MethodPut, "/api/v1/services/user-service/traffic-split",
		`{"split":{"v1":90,"v2":10}}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	// 占比不足100
	rec, _ = env.do(t, http.MethodPut, "/api/v1/services/user-service/traffic-split",
		`{"split":{"v1":50,"v2":10}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// 清除
	rec, _ = env.do(t, http.MethodDelete, "/api/v1/services/user-service/traffic-split", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

// TestDeployAccepted 测试部署接口立即返回202
func TestDeployAccepted(t *testing.T) {
	env := newTestEnv(t)
	env.seedHealthy(t, "user-service", "10.0.0.1", 8080)

	rec, _ := env.do(t, http.MethodPost, "/api/v1/services/user-service/deploy",
		`{"version":"v2","strategy":"rolling","instances":[{"host":"10.0.0.2","port":8080}]}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	// 进度可通过部署列表查询
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, resp := env.do(t, http.MethodGet, "/api/v1/deployments", "")
		data := resp.Data.(map[string]interface{})
		if deployments, ok := data["deployments"].([]interface{}); ok && len(deployments) > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("部署进度未出现在列表中")
}

// TestDeployRejectsInvalidRequest 测试非法部署请求被同步拒绝
func TestDeployRejectsInvalidRequest(t *testing.T) {
	env := newTestEnv(t)
	env.seedHealthy(t, "user-service", "10.0.0.1", 8080)

	rec, _ := env.do(t, http.MethodPost, "/api/v1/services/user-service/deploy", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// 被拒绝的请求不会留下部署记录
	_, resp := env.do(t, http.MethodGet, "/api/v1/deployments", "")
	data := resp.Data.(map[string]interface{})
	deployments, ok := data["deployments"].([]interface{})
	if ok {
		assert.Empty(t, deployments)
	}
}

// TestCallProxiesToBackend 测试代呼接口转发到健康后端
func TestCallProxiesToBackend(t *testing.T) {
	env := newTestEnv(t)
	env.seedBackend(t, "user-service", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"hello":"world"}`)
	})

	rec, resp := env.do(t, http.MethodPost, "/api/v1/call",
		`{"service":"user-service","endpoint":"/api/users","method":"GET"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	data := resp.Data.(map[string]interface{})
	assert.Equal(t, float64(http.StatusOK), data["status_code"])
	assert.Contains(t, data["body"], "world")
	assert.NotEmpty(t, data["instance_id"])
}

// TestCallNoInstances 测试无可用实例时返回503
func TestCallNoInstances(t *testing.T) {
	env := newTestEnv(t)

	rec, _ := env.do(t, http.MethodPost, "/api/v1/call",
		`{"service":"ghost-service","endpoint":"/api"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

// TestCallInvalidTimeout 测试非法超时格式返回400
func TestCallInvalidTimeout(t *testing.T) {
	env := newTestEnv(t)

	rec, _ := env.do(t, http.MethodPost, "/api/v1/call",
		`{"service":"user-service","endpoint":"/api","timeout":"soon"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestSetMaintenance 测试维护开关接口
func TestSetMaintenance(t *testing.T) {
	env := newTestEnv(t)
	inst := env.seedHealthy(t, "user-service", "10.0.0.1", 8080)

	rec, _ := env.do(t, http.MethodPut, "/api/v1/instances/"+inst.ID+"/maintenance", `{"on":true}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	got, ok := env.mesh.Registry().GetInstance(inst.ID)
	require.True(t, ok)
	assert.Equal(t, model.HealthStatusMaintenance, got.Status)

	// 未知实例返回错误
	rec, _ = env.do(t, http.MethodPut, "/api/v1/instances/no-such/maintenance", `{"on":true}`)
	assert.NotEqual(t, http.StatusOK, rec.Code)
}

// TestGetTraffic 测试流量指标接口
func TestGetTraffic(t *testing.T) {
	env := newTestEnv(t)
	env.seedBackend(t, "user-service", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec, _ := env.do(t, http.MethodPost, "/api/v1/call",
		`{"service":"user-service","endpoint":"/api"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, resp := env.do(t, http.MethodGet, "/api/v1/traffic", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	data := resp.Data.(map[string]interface{})
	windows, ok := data["windows"].([]interface{})
	require.True(t, ok)
	assert.NotEmpty(t, windows)
}
