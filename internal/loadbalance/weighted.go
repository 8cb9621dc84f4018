package loadbalance

import (
	"math/rand"

	"github.com/hewenyu/mesh-pilot/internal/core/model"
)

// WeightedBalancer 按实例权重做概率选择
// 在[1, 总权重]内取均匀随机数，沿实例累加权重，随机数落入
// 哪个实例的区间就选中哪个，选中概率与权重成正比
type WeightedBalancer struct{}

// Select 按权重随机选择一个实例
func (b *WeightedBalancer) Select(instances []*model.ServiceInstance) *model.ServiceInstance {
	if len(instances) == 0 {
		return nil
	}

	// 计算总权重
	totalWeight := 0
	for _, inst := range instances {
		totalWeight += inst.Weight
	}
	if totalWeight <= 0 {
		// 所有权重无效时退化为均匀随机
		return instances[rand.Intn(len(instances))]
	}

	// 在[1, totalWeight]内取随机数并沿累加和行走
	draw := rand.Intn(totalWeight) + 1
	running := 0
	for _, inst := range instances {
		running += inst.Weight
		if draw <= running {
			return inst
		}
	}

	// 不应到达这里，兜底返回最后一个
	return instances[len(instances)-1]
}

// Name 返回策略名称
func (b *WeightedBalancer) Name() model.BalanceStrategy {
	return model.StrategyWeightedRoundRobin
}
