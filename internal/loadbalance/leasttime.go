package loadbalance

import "github.com/hewenyu/mesh-pilot/internal/core/model"

// LeastResponseTimeBalancer 选择滚动平均响应时间最低的实例
// 尚无延迟样本的实例平均延迟为0，会被优先选中，起到新实例预热的效果
type LeastResponseTimeBalancer struct{}

// Select 选择平均响应时间最低的实例，相同时保持首次注册顺序优先
func (b *LeastResponseTimeBalancer) Select(instances []*model.ServiceInstance) *model.ServiceInstance {
	if len(instances) == 0 {
		return nil
	}

	best := instances[0]
	for _, inst := range instances[1:] {
		if inst.AvgResponseTime < best.AvgResponseTime {
			best = inst
		}
	}
	return best
}

// Name 返回策略名称
func (b *LeastResponseTimeBalancer) Name() model.BalanceStrategy {
	return model.StrategyLeastResponseTime
}
