package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
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

// okProber 总是探测成功，让注册的实例快速进入健康状态
type okProber struct{}

func (okProber) Probe(context.Context, *model.ServiceInstance) error { return nil }

func newTestHandler(t *testing.T) (*echo.Echo, *mesh.Mesh) {
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
	NewInstanceHandler(m).RegisterRoutes(e)
	return e, m
}

// waitForStatus 等待实例的异步首探收敛到期望状态
func waitForStatus(t *testing.T, m *mesh.Mesh, instanceID string, want model.HealthStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if inst, ok := m.Registry().GetInstance(instanceID); ok && inst.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("实例 %s 未到达期望状态 %s", instanceID, want)
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) (*httptest.ResponseRecorder, *model.ApiResponse) {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	resp := new(model.ApiResponse)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), resp))
	return rec, resp
}

// TestRegisterInstance 测试实例注册返回201与实例ID
func TestRegisterInstance(t *testing.T) {
	e, _ := newTestHandler(t)

	rec, resp := doJSON(t, e, http.MethodPost, "/api/v1/services",
		`{"name":"user-service","host":"10.0.0.1","port":8080,"version":"v1"}`)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, http.StatusCreated, resp.Code)

	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.NotEmpty(t, data["instance_id"])
}

// TestRegisterInstanceValidation 测试非法注册请求返回400
func TestRegisterInstanceValidation(t *testing.T) {
	e, _ := newTestHandler(t)

	tests := []struct {
		name string
		body string
	}{
		{"缺少服务名", `{"host":"10.0.0.1","port":8080}`},
		{"缺少主机", `{"name":"user-service","port":8080}`},
		{"端口越界", `{"name":"user-service","host":"10.0.0.1","port":70000}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, _ := doJSON(t, e, http.MethodPost, "/api/v1/services", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

// TestDeregisterInstance 测试实例注销与重复注销
func TestDeregisterInstance(t *testing.T) {
	e, m := newTestHandler(t)

	inst, err := m.Register(context.Background(), &model.RegisterRequest{
		Name: "user-service",
		Host: "10.0.0.1",
		Port: 8080,
	})
	require.NoError(t, err)

	rec, _ := doJSON(t, e, http.MethodDelete, "/api/v1/services/"+inst.ID, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	// 再次注销同一实例应返回404
	rec, _ = doJSON(t, e, http.MethodDelete, "/api/v1/services/"+inst.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// TestHeartbeat 测试心跳成功与未知实例
func TestHeartbeat(t *testing.T) {
	e, m := newTestHandler(t)

	inst, err := m.Register(context.Background(), &model.RegisterRequest{
		Name: "user-service",
		Host: "10.0.0.1",
		Port: 8080,
	})
	require.NoError(t, err)

	rec, _ := doJSON(t, e, http.MethodPut, "/api/v1/services/"+inst.ID+"/heartbeat", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = doJSON(t, e, http.MethodPut, "/api/v1/services/no-such-instance/heartbeat", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// TestDiscoverHealthyOnly 测试发现接口只返回健康实例
func TestDiscoverHealthyOnly(t *testing.T) {
	e, m := newTestHandler(t)
	ctx := context.Background()

	healthy, err := m.Register(ctx, &model.RegisterRequest{Name: "user-service", Host: "10.0.0.1", Port: 8080})
	require.NoError(t, err)

	// 等待异步首探完成，避免探测结果覆盖手工设置的状态
	waitForStatus(t, m, healthy.ID, model.HealthStatusHealthy)

	sick, err := m.Register(ctx, &model.RegisterRequest{Name: "user-service", Host: "10.0.0.2", Port: 8080})
	require.NoError(t, err)
	waitForStatus(t, m, sick.ID, model.HealthStatusHealthy)
	require.NoError(t, m.Registry().UpdateStatus(ctx, sick.ID, model.HealthStatusUnhealthy))

	rec, resp := doJSON(t, e, http.MethodGet, "/api/v1/discovery/user-service", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	instances, ok := data["instances"].([]interface{})
	require.True(t, ok)
	require.Len(t, instances, 1)
	first := instances[0].(map[string]interface{})
	assert.Equal(t, "10.0.0.1", first["host"])
}
