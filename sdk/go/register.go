package sdk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// registerRequest 注册请求体
type registerRequest struct {
	Name            string            `json:"name"`
	Host            string            `json:"host"`
	Port            int               `json:"port"`
	Protocol        string            `json:"protocol,omitempty"`
	HealthCheckPath string            `json:"health_check_path,omitempty"`
	Version         string            `json:"version,omitempty"`
	Weight          int               `json:"weight,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// RegisterResponse 注册响应数据
type RegisterResponse struct {
	InstanceID   string    `json:"instance_id"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Register 注册当前服务实例
func (c *Client) Register(ctx context.Context) error {
	if c.isRegistered {
		return fmt.Errorf("服务已注册，实例ID: %s", c.instanceID)
	}

	req := &registerRequest{
		Name:            c.config.ServiceName,
		Host:            c.config.ServiceIP,
		Port:            c.config.ServicePort,
		HealthCheckPath: c.config.HealthCheckPath,
		Version:         c.config.Version,
		Weight:          c.config.Weight,
		Metadata:        c.config.Metadata,
	}

	resp, err := c.doRequest(ctx, c.config.ServerAddr, http.MethodPost, "/api/v1/services", req)
	if err != nil {
		return fmt.Errorf("注册服务失败: %w", err)
	}

	result := new(RegisterResponse)
	if err := json.Unmarshal(resp.Data, result); err != nil {
		return fmt.Errorf("解析注册响应失败: %w", err)
	}

	c.instanceID = result.InstanceID
	c.isRegistered = true
	return nil
}

// Deregister 注销当前服务实例
func (c *Client) Deregister(ctx context.Context) error {
	if !c.isRegistered {
		return fmt.Errorf("服务尚未注册")
	}

	path := fmt.Sprintf("/api/v1/services/%s", c.instanceID)
	if _, err := c.doRequest(ctx, c.config.ServerAddr, http.MethodDelete, path, nil); err != nil {
		return fmt.Errorf("注销服务失败: %w", err)
	}

	c.isRegistered = false
	c.instanceID = ""
	return nil
}

// Instance 服务实例信息
type Instance struct {
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Host     string            `json:"host"`
	Port     int               `json:"port"`
	Protocol string            `json:"protocol"`
	Version  string            `json:"version,omitempty"`
	Weight   int               `json:"weight"`
	Status   string            `json:"status"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Discover 查询服务的健康实例列表
func (c *Client) Discover(ctx context.Context, serviceName string) ([]*Instance, error) {
	if serviceName == "" {
		return nil, fmt.Errorf("服务名称不能为空")
	}

	path := fmt.Sprintf("/api/v1/discovery/%s", serviceName)
	resp, err := c.doRequest(ctx, c.config.ServerAddr, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("查询服务实例失败: %w", err)
	}

	result := struct {
		Service   string      `json:"service"`
		Instances []*Instance `json:"instances"`
	}{}
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		return nil, fmt.Errorf("解析发现响应失败: %w", err)
	}
	return result.Instances, nil
}
