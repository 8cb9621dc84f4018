// Package loadbalance 提供在健康实例集合上的负载均衡策略。
//
// 五种策略：
//   - round_robin:          等容量无状态实例的确定性轮换
//   - weighted_round_robin: 按权重概率选择，适合异构容量实例
//   - least_connections:    选择在途连接最少的实例
//   - least_response_time:  选择滚动平均延迟最低的实例
//   - random:               均匀随机
//
// 所有策略只接收健康实例列表；空列表返回nil，表示"服务不可用"，
// 这不是熔断意义上的错误。
package loadbalance

import (
	"sync"

	"github.com/hewenyu/mesh-pilot/internal/core/model"
)

// Balancer 表示负载均衡策略接口
// Select 在每次调用前执行，必须是并发安全的
type Balancer interface {
	// Select 从健康实例列表中选出一个，列表为空时返回nil
	Select(instances []*model.ServiceInstance) *model.ServiceInstance

	// Name 返回策略名称
	Name() model.BalanceStrategy
}

// Selector 按策略分发选择请求，轮询计数器按服务名隔离
type Selector struct {
	mu         sync.Mutex
	roundRobin map[string]*RoundRobinBalancer
	weighted   *WeightedBalancer
	leastConn  *LeastConnectionsBalancer
	leastTime  *LeastResponseTimeBalancer
	random     *RandomBalancer
}

// NewSelector 创建一个策略分发器
func NewSelector() *Selector {
	return &Selector{
		roundRobin: make(map[string]*RoundRobinBalancer),
		weighted:   &WeightedBalancer{},
		leastConn:  &LeastConnectionsBalancer{},
		leastTime:  &LeastResponseTimeBalancer{},
		random:     &RandomBalancer{},
	}
}

// Select 按指定策略从健康实例中选择一个
// 未知策略回退到round_robin
func (s *Selector) Select(service string, strategy model.BalanceStrategy, instances []*model.ServiceInstance) *model.ServiceInstance {
	switch strategy {
	case model.StrategyWeightedRoundRobin:
		return s.weighted.Select(instances)
	case model.StrategyLeastConnections:
		return s.leastConn.Select(instances)
	case model.StrategyLeastResponseTime:
		return s.leastTime.Select(instances)
	case model.StrategyRandom:
		return s.random.Select(instances)
	default:
		return s.balancerFor(service).Select(instances)
	}
}

// balancerFor 获取或创建服务专属的轮询均衡器
// 轮询计数器按服务名隔离，避免服务之间互相扰动轮换次序
func (s *Selector) balancerFor(service string) *RoundRobinBalancer {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.roundRobin[service]
	if !ok {
		b = &RoundRobinBalancer{}
		s.roundRobin[service] = b
	}
	return b
}
