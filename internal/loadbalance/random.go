package loadbalance

import (
	"math/rand"

	"github.com/hewenyu/mesh-pilot/internal/core/model"
)

// RandomBalancer 在健康实例中均匀随机选择
type RandomBalancer struct{}

// Select 均匀随机选择一个实例
func (b *RandomBalancer) Select(instances []*model.ServiceInstance) *model.ServiceInstance {
	if len(instances) == 0 {
		return nil
	}
	return instances[rand.Intn(len(instances))]
}

// Name 返回策略名称
func (b *RandomBalancer) Name() model.BalanceStrategy {
	return model.StrategyRandom
}
