package instance

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hewenyu/mesh-pilot/internal/core/model"
	"github.com/hewenyu/mesh-pilot/internal/store/etcd"
)

const (
	// 实例存储的前缀
	instancePrefix = "/mesh/instances/"
)

// EtcdStore 实现基于etcd的实例存储
type EtcdStore struct {
	client *etcd.Client
}

// NewEtcdStore 创建一个新的基于etcd的实例存储
func NewEtcdStore(client *etcd.Client) *EtcdStore {
	return &EtcdStore{
		client: client,
	}
}

// getInstanceKey 获取实例的存储键
func getInstanceKey(instanceID string) string {
	return instancePrefix + instanceID
}

// Save 保存服务实例
func (s *EtcdStore) Save(ctx context.Context, inst *model.ServiceInstance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("序列化实例信息失败: %w", err)
	}

	if err := s.client.Put(ctx, getInstanceKey(inst.ID), data); err != nil {
		return fmt.Errorf("存储实例信息失败: %w", err)
	}

	return nil
}

// Delete 删除服务实例
func (s *EtcdStore) Delete(ctx context.Context, instanceID string) error {
	if err := s.client.Delete(ctx, getInstanceKey(instanceID)); err != nil {
		return fmt.Errorf("删除实例信息失败: %w", err)
	}
	return nil
}

// Load 加载所有服务实例
func (s *EtcdStore) Load(ctx context.Context) ([]*model.ServiceInstance, error) {
	data, err := s.client.GetWithPrefix(ctx, instancePrefix)
	if err != nil {
		return nil, fmt.Errorf("获取实例列表失败: %w", err)
	}

	instances := make([]*model.ServiceInstance, 0, len(data))
	for key, value := range data {
		var inst model.ServiceInstance
		if err := json.Unmarshal(value, &inst); err != nil {
			return nil, fmt.Errorf("解析实例信息失败 [%s]: %w", key, err)
		}
		instances = append(instances, &inst)
	}

	return instances, nil
}

// Close 关闭存储
func (s *EtcdStore) Close() error {
	return s.client.Close()
}
