package loadbalance

import "github.com/hewenyu/mesh-pilot/internal/core/model"

// LeastConnectionsBalancer 选择在途连接数最少的实例
// 连接数相同时保持首次注册顺序优先
type LeastConnectionsBalancer struct{}

// Select 选择当前在途连接最少的实例
func (b *LeastConnectionsBalancer) Select(instances []*model.ServiceInstance) *model.ServiceInstance {
	if len(instances) == 0 {
		return nil
	}

	best := instances[0]
	for _, inst := range instances[1:] {
		if inst.CurrentConnections < best.CurrentConnections {
			best = inst
		}
	}
	return best
}

// Name 返回策略名称
func (b *LeastConnectionsBalancer) Name() model.BalanceStrategy {
	return model.StrategyLeastConnections
}
