// Package router 实现路由规则与流量切分。
//
// 变体选择对同一会话键是确定的：实验期间同一调用方的重复请求
// 总是落在同一个变体上。
package router

import (
	"hash/crc32"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/hewenyu/mesh-pilot/internal/core/model"
)

// 百分比总和允许的误差
const splitTolerance = 0.01

// Router 维护服务名到路由策略的映射
type Router struct {
	mu     sync.RWMutex
	routes map[string]*model.ServiceRoute
}

// New 创建路由器
func New() *Router {
	return &Router{
		routes: make(map[string]*model.ServiceRoute),
	}
}

// Route 返回服务的路由策略，未配置时返回默认策略
func (r *Router) Route(service string) *model.ServiceRoute {
	r.mu.RLock()
	route, ok := r.routes[service]
	r.mu.RUnlock()
	if !ok {
		return model.DefaultRoute(service)
	}
	clone := *route
	if route.TrafficSplit != nil {
		clone.TrafficSplit = make(map[string]float64, len(route.TrafficSplit))
		for k, v := range route.TrafficSplit {
			clone.TrafficSplit[k] = v
		}
	}
	return &clone
}

// SetRoute 设置服务的路由策略
func (r *Router) SetRoute(route *model.ServiceRoute) error {
	if route.ServiceName == "" {
		return model.NewValidationError("service_name", "服务名称不能为空")
	}
	if route.TrafficSplit != nil {
		if err := validateSplit(route.TrafficSplit); err != nil {
			return err
		}
	}
	if route.Strategy == "" {
		route.Strategy = model.StrategyRoundRobin
	}

	r.mu.Lock()
	r.routes[route.ServiceName] = route
	r.mu.Unlock()
	return nil
}

// ConfigureSplit 配置服务的流量切分
// 百分比总和必须为100（±0.01），校验失败时保留原有配置
func (r *Router) ConfigureSplit(service string, split map[string]float64) error {
	if service == "" {
		return model.NewValidationError("service", "服务名称不能为空")
	}
	if err := validateSplit(split); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	route, ok := r.routes[service]
	if !ok {
		route = model.DefaultRoute(service)
		r.routes[service] = route
	}
	route.TrafficSplit = split
	return nil
}

// ClearSplit 移除服务的流量切分
func (r *Router) ClearSplit(service string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if route, ok := r.routes[service]; ok {
		route.TrafficSplit = nil
	}
}

// Split 返回服务当前的流量切分配置
func (r *Router) Split(service string) map[string]float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	route, ok := r.routes[service]
	if !ok || route.TrafficSplit == nil {
		return nil
	}
	out := make(map[string]float64, len(route.TrafficSplit))
	for k, v := range route.TrafficSplit {
		out[k] = v
	}
	return out
}

// validateSplit 校验流量切分配置
func validateSplit(split map[string]float64) error {
	if len(split) == 0 {
		return model.NewValidationError("split", "流量切分不能为空")
	}

	sum := 0.0
	for variant, percent := range split {
		if variant == "" {
			return model.NewValidationError("split", "变体名称不能为空")
		}
		if percent <= 0 {
			return model.NewValidationError("split", "变体百分比必须大于0: "+variant)
		}
		sum += percent
	}

	if math.Abs(sum-100.0) > splitTolerance {
		return model.NewValidationError("split", "百分比总和必须为100")
	}
	return nil
}

// PickVariant 按会话键为请求选择变体
// 会话键经stable hash映射到[0,100)，沿按名称排序的变体累加百分比，
// 命中哪个区间就选哪个变体；没有切分配置时返回空
func (r *Router) PickVariant(service, sessionKey string) (string, bool) {
	split := r.Split(service)
	if split == nil {
		return "", false
	}

	variants := make([]string, 0, len(split))
	for variant := range split {
		variants = append(variants, variant)
	}
	sort.Strings(variants)

	// crc32映射到[0,100)，粒度0.01个百分点
	hash := crc32.ChecksumIEEE([]byte(sessionKey))
	point := float64(hash%10000) / 100.0

	running := 0.0
	for _, variant := range variants {
		running += split[variant]
		if point < running {
			return variant, true
		}
	}

	// 浮点误差兜底，归入最后一个变体
	return variants[len(variants)-1], true
}

// MatchRoute 校验请求路径与方法是否符合服务的路由规则
func (r *Router) MatchRoute(service, path, method string) error {
	route := r.Route(service)

	if !matchPath(route.PathPattern, path) {
		return model.NewValidationError("path", "路径不匹配路由规则: "+path)
	}
	if !route.AllowsMethod(method) {
		return model.NewValidationError("method", "方法不被路由允许: "+method)
	}
	return nil
}

// matchPath 匹配路径模式
// 空模式或"/*"匹配一切；以"*"结尾做前缀匹配；否则精确匹配
func matchPath(pattern, path string) bool {
	if pattern == "" || pattern == "/*" || pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(path, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == path
}
