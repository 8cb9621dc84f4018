package instance

import (
	"context"

	"github.com/hewenyu/mesh-pilot/internal/core/model"
)

// Store 表示服务实例的持久化存储接口
// 注册中心以内存状态为权威，存储仅用于控制平面重启后的恢复
type Store interface {
	// Save 保存服务实例
	Save(ctx context.Context, inst *model.ServiceInstance) error

	// Delete 删除服务实例
	Delete(ctx context.Context, instanceID string) error

	// Load 加载所有服务实例
	Load(ctx context.Context) ([]*model.ServiceInstance, error)

	// Close 关闭存储
	Close() error
}
