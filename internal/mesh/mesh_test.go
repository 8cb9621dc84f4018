package mesh

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/mesh-pilot/internal/breaker"
	"github.com/hewenyu/mesh-pilot/internal/config"
	"github.com/hewenyu/mesh-pilot/internal/core/model"
	"github.com/hewenyu/mesh-pilot/internal/health"
	"github.com/hewenyu/mesh-pilot/internal/registry"
)

// okProber 总是探测成功
type okProber struct{}

func (okProber) Probe(context.Context, *model.ServiceInstance) error { return nil }

// failProber 总是探测失败
type failProber struct{}

func (failProber) Probe(context.Context, *model.ServiceInstance) error {
	return errors.New("探测失败")
}

func newTestMesh(t *testing.T, prober health.Prober) *Mesh {
	t.Helper()
	logger := config.NewNopLogger()
	reg := registry.New(logger)
	m := New(reg, Options{
		HealthOptions: health.Options{
			Interval:           time.Hour, // 测试中不依赖后台巡检
			Timeout:            time.Second,
			HealthyThreshold:   1,
			UnhealthyThreshold: 3,
		},
		BreakerSettings: breaker.Settings{
			FailureThreshold: 3,
			RecoveryTimeout:  50 * time.Millisecond,
			HalfOpenMaxCalls: 2,
		},
		MetricsWindow:  time.Minute,
		DefaultTimeout: time.Second,
		Prober:         prober,
	}, logger)
	return m
}

// waitStatus 等待实例到达期望状态，首次探测是异步的
func waitStatus(t *testing.T, m *Mesh, instanceID string, want model.HealthStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if inst, ok := m.Registry().GetInstance(instanceID); ok && inst.Status == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	inst, _ := m.Registry().GetInstance(instanceID)
	t.Fatalf("实例未到达期望状态 %s，当前: %+v", want, inst)
}

// TestMeshRegisterTriggersProbe 测试注册后异步首探把实例转为健康
func TestMeshRegisterTriggersProbe(t *testing.T) {
	m := newTestMesh(t, okProber{})

	inst, err := m.Register(context.Background(), &model.RegisterRequest{
		Name: "user-service",
		Host: "10.0.0.1",
		Port: 8080,
	})
	require.NoError(t, err)
	assert.Equal(t, model.HealthStatusStarting, inst.Status)

	waitStatus(t, m, inst.ID, model.HealthStatusHealthy)
	assert.Len(t, m.HealthyInstances("user-service"), 1)
}

// TestMeshRegisterProbeFailureKeepsStarting 测试首探失败时实例不进入负载均衡
func TestMeshRegisterProbeFailureKeepsStarting(t *testing.T) {
	m := newTestMesh(t, failProber{})

	inst, err := m.Register(context.Background(), &model.RegisterRequest{
		Name: "user-service",
		Host: "10.0.0.1",
		Port: 8080,
	})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	got, ok := m.Registry().GetInstance(inst.ID)
	require.True(t, ok)
	assert.NotEqual(t, model.HealthStatusHealthy, got.Status)
	assert.Empty(t, m.HealthyInstances("user-service"))
}

// TestMeshHeartbeat 测试心跳把实例标记为健康
func TestMeshHeartbeat(t *testing.T) {
	m := newTestMesh(t, failProber{})
	ctx := context.Background()

	inst, err := m.Register(ctx, &model.RegisterRequest{
		Name: "user-service",
		Host: "10.0.0.1",
		Port: 8080,
	})
	require.NoError(t, err)

	require.NoError(t, m.Heartbeat(ctx, inst.ID))
	got, ok := m.Registry().GetInstance(inst.ID)
	require.True(t, ok)
	assert.Equal(t, model.HealthStatusHealthy, got.Status)
}

// TestMeshHeartbeatUnknownInstance 测试未知实例的心跳返回错误
func TestMeshHeartbeatUnknownInstance(t *testing.T) {
	m := newTestMesh(t, okProber{})
	err := m.Heartbeat(context.Background(), "no-such-instance")
	assert.Error(t, err)
}

// TestMeshHeartbeatSkipsMaintenance 测试维护态实例不被心跳拉回健康
func TestMeshHeartbeatSkipsMaintenance(t *testing.T) {
	m := newTestMesh(t, okProber{})
	ctx := context.Background()

	inst, err := m.Register(ctx, &model.RegisterRequest{
		Name: "user-service",
		Host: "10.0.0.1",
		Port: 8080,
	})
	require.NoError(t, err)
	require.NoError(t, m.SetInstanceMaintenance(ctx, inst.ID, true))

	require.NoError(t, m.Heartbeat(ctx, inst.ID))
	got, _ := m.Registry().GetInstance(inst.ID)
	assert.Equal(t, model.HealthStatusMaintenance, got.Status)
}

// TestMeshServiceStatus 测试单服务状态汇总
func TestMeshServiceStatus(t *testing.T) {
	m := newTestMesh(t, okProber{})
	ctx := context.Background()

	a, err := m.Register(ctx, &model.RegisterRequest{Name: "user-service", Host: "10.0.0.1", Port: 8080})
	require.NoError(t, err)
	waitStatus(t, m, a.ID, model.HealthStatusHealthy)

	b, err := m.Register(ctx, &model.RegisterRequest{Name: "user-service", Host: "10.0.0.2", Port: 8080})
	require.NoError(t, err)
	waitStatus(t, m, b.ID, model.HealthStatusHealthy)
	require.NoError(t, m.SetInstanceMaintenance(ctx, b.ID, true))

	require.NoError(t, m.ConfigureTrafficSplit("user-service", map[string]float64{"v1": 100}))

	status := m.ServiceStatus("user-service")
	require.NotNil(t, status)
	assert.Equal(t, "user-service", status.Name)
	assert.Equal(t, 2, status.TotalInstances)
	assert.Equal(t, 1, status.HealthyInstances)
	assert.Equal(t, model.BreakerClosed, status.BreakerState)
	assert.Equal(t, map[string]float64{"v1": 100}, status.TrafficSplit)
}

// TestMeshStatusReport 测试全局状态汇总覆盖所有服务
func TestMeshStatusReport(t *testing.T) {
	m := newTestMesh(t, okProber{})
	ctx := context.Background()

	_, err := m.Register(ctx, &model.RegisterRequest{Name: "user-service", Host: "10.0.0.1", Port: 8080})
	require.NoError(t, err)
	_, err = m.Register(ctx, &model.RegisterRequest{Name: "order-service", Host: "10.0.0.2", Port: 8080})
	require.NoError(t, err)

	report := m.Status()
	require.NotNil(t, report)
	assert.Len(t, report.Services, 2)
	assert.False(t, report.GeneratedAt.IsZero())
}

// TestMeshMaintenanceToggle 测试维护开关的往返
func TestMeshMaintenanceToggle(t *testing.T) {
	m := newTestMesh(t, okProber{})
	ctx := context.Background()

	inst, err := m.Register(ctx, &model.RegisterRequest{Name: "user-service", Host: "10.0.0.1", Port: 8080})
	require.NoError(t, err)
	waitStatus(t, m, inst.ID, model.HealthStatusHealthy)

	require.NoError(t, m.SetInstanceMaintenance(ctx, inst.ID, true))
	got, _ := m.Registry().GetInstance(inst.ID)
	assert.Equal(t, model.HealthStatusMaintenance, got.Status)
	assert.Empty(t, m.HealthyInstances("user-service"))

	// 解除维护后回到unknown，由下一次探测决定去向
	require.NoError(t, m.SetInstanceMaintenance(ctx, inst.ID, false))
	got, _ = m.Registry().GetInstance(inst.ID)
	assert.Equal(t, model.HealthStatusUnknown, got.Status)
}

// TestMeshRouteRoundTrip 测试路由配置的读写
func TestMeshRouteRoundTrip(t *testing.T) {
	m := newTestMesh(t, okProber{})

	route := model.DefaultRoute("user-service")
	route.Timeout = 3 * time.Second
	require.NoError(t, m.SetRoute(route))

	got := m.Route("user-service")
	require.NotNil(t, got)
	assert.Equal(t, 3*time.Second, got.Timeout)
}
