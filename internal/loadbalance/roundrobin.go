package loadbalance

import (
	"sync/atomic"

	"github.com/hewenyu/mesh-pilot/internal/core/model"
)

// RoundRobinBalancer 按单调递增计数器对实例做确定性轮换
// 使用原子计数器实现无锁的并发安全
type RoundRobinBalancer struct {
	counter int64
}

// Select 选择轮换序列中的下一个实例
func (b *RoundRobinBalancer) Select(instances []*model.ServiceInstance) *model.ServiceInstance {
	if len(instances) == 0 {
		return nil
	}
	index := (atomic.AddInt64(&b.counter, 1) - 1) % int64(len(instances))
	return instances[index]
}

// Name 返回策略名称
func (b *RoundRobinBalancer) Name() model.BalanceStrategy {
	return model.StrategyRoundRobin
}
