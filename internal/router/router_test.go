package router

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/mesh-pilot/internal/core/model"
)

// TestDefaultRoute 测试未配置的服务返回默认路由
func TestDefaultRoute(t *testing.T) {
	r := New()

	route := r.Route("unknown-service")
	assert.Equal(t, "unknown-service", route.ServiceName)
	assert.Equal(t, model.StrategyRoundRobin, route.Strategy)
	assert.Equal(t, 5*time.Second, route.Timeout)
	assert.True(t, route.CircuitBreaker)
}

// TestSetRouteRoundTrip 测试路由配置的写入与读取
func TestSetRouteRoundTrip(t *testing.T) {
	r := New()

	err := r.SetRoute(&model.ServiceRoute{
		ServiceName: "user-service",
		PathPattern: "/api/*",
		Methods:     []string{http.MethodGet, http.MethodPost},
		Strategy:    model.StrategyLeastConnections,
		Timeout:     2 * time.Second,
	})
	require.NoError(t, err)

	route := r.Route("user-service")
	assert.Equal(t, model.StrategyLeastConnections, route.Strategy)
	assert.Equal(t, "/api/*", route.PathPattern)

	// 返回的是副本，修改不影响内部配置
	route.Timeout = time.Hour
	assert.Equal(t, 2*time.Second, r.Route("user-service").Timeout)
}

// TestSplitValidation 测试流量切分的比例校验
func TestSplitValidation(t *testing.T) {
	r := New()

	cases := []struct {
		name  string
		split map[string]float64
		valid bool
	}{
		{"恰好100", map[string]float64{"v1": 90, "v2": 10}, true},
		{"容差内", map[string]float64{"v1": 33.33, "v2": 33.33, "v3": 33.335}, true},
		{"总和不足", map[string]float64{"v1": 50, "v2": 49.9}, false},
		{"总和超出", map[string]float64{"v1": 50, "v2": 50.5}, false},
		{"空切分", map[string]float64{}, false},
		{"非正比例", map[string]float64{"v1": 100, "v2": 0}, false},
		{"负比例", map[string]float64{"v1": 110, "v2": -10}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := r.ConfigureSplit("user-service", tc.split)
			if tc.valid {
				assert.NoError(t, err)
			} else {
				var ve *model.ValidationError
				assert.ErrorAs(t, err, &ve)
			}
		})
	}
}

// TestInvalidSplitKeepsPrevious 测试非法配置不破坏已生效的切分
func TestInvalidSplitKeepsPrevious(t *testing.T) {
	r := New()

	require.NoError(t, r.ConfigureSplit("user-service", map[string]float64{"v1": 80, "v2": 20}))
	require.Error(t, r.ConfigureSplit("user-service", map[string]float64{"v1": 80, "v2": 30}))

	split := r.Split("user-service")
	assert.InDelta(t, 80.0, split["v1"], 1e-9)
	assert.InDelta(t, 20.0, split["v2"], 1e-9)
}

// TestPickVariantSticky 测试同一会话键的变体选择是确定的
func TestPickVariantSticky(t *testing.T) {
	r := New()
	require.NoError(t, r.ConfigureSplit("user-service", map[string]float64{"v1": 50, "v2": 50}))

	first, ok := r.PickVariant("user-service", "session-42")
	require.True(t, ok)
	for i := 0; i < 20; i++ {
		v, ok := r.PickVariant("user-service", "session-42")
		require.True(t, ok)
		assert.Equal(t, first, v)
	}
}

// TestPickVariantDistribution 测试变体选择的分布接近配置比例
func TestPickVariantDistribution(t *testing.T) {
	r := New()
	require.NoError(t, r.ConfigureSplit("user-service", map[string]float64{"v1": 90, "v2": 10}))

	counts := make(map[string]int)
	const total = 5000
	for i := 0; i < total; i++ {
		v, ok := r.PickVariant("user-service", fmt.Sprintf("session-%d", i))
		require.True(t, ok)
		counts[v]++
	}

	ratio := float64(counts["v1"]) / float64(total)
	assert.InDelta(t, 0.9, ratio, 0.03)
}

// TestPickVariantWithoutSplit 测试未配置切分时没有变体
func TestPickVariantWithoutSplit(t *testing.T) {
	r := New()

	v, ok := r.PickVariant("user-service", "session-1")
	assert.False(t, ok)
	assert.Empty(t, v)
}

// TestClearSplit 测试清除切分后恢复无变体
func TestClearSplit(t *testing.T) {
	r := New()
	require.NoError(t, r.ConfigureSplit("user-service", map[string]float64{"v1": 100}))

	r.ClearSplit("user-service")
	_, ok := r.PickVariant("user-service", "session-1")
	assert.False(t, ok)
	assert.Nil(t, r.Split("user-service"))
}

// TestMatchRoute 测试路径与方法规则
func TestMatchRoute(t *testing.T) {
	r := New()
	require.NoError(t, r.SetRoute(&model.ServiceRoute{
		ServiceName: "user-service",
		PathPattern: "/api/*",
		Methods:     []string{http.MethodGet},
	}))

	// 前缀匹配的路径与允许的方法通过
	assert.NoError(t, r.MatchRoute("user-service", "/api/users", http.MethodGet))

	// 路径不匹配
	var ve *model.ValidationError
	assert.ErrorAs(t, r.MatchRoute("user-service", "/internal/debug", http.MethodGet), &ve)

	// 方法不允许
	assert.ErrorAs(t, r.MatchRoute("user-service", "/api/users", http.MethodDelete), &ve)
}

// TestMatchRouteDefaults 测试默认路由放行所有路径与方法
func TestMatchRouteDefaults(t *testing.T) {
	r := New()
	assert.NoError(t, r.MatchRoute("unconfigured", "/anything", http.MethodPatch))
}
