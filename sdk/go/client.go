// Package sdk 为业务服务提供接入网格控制平面的Go客户端。
//
// 客户端覆盖实例的完整生命周期：注册、心跳、发现、经由网格
// 代呼其他服务，以及退出时的注销。
package sdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Config SDK客户端配置
type Config struct {
	// 注册API地址，如 "localhost:8180"
	ServerAddr string `json:"server_addr"`
	// 管理API地址，代呼调用使用，为空时复用ServerAddr
	AdminAddr string `json:"admin_addr"`
	// 服务名称
	ServiceName string `json:"service_name"`
	// 服务IP地址
	ServiceIP string `json:"service_ip"`
	// 服务端口
	ServicePort int `json:"service_port"`
	// 服务版本
	Version string `json:"version"`
	// 健康检查路径，默认"/health"
	HealthCheckPath string `json:"health_check_path"`
	// 负载均衡权重
	Weight int `json:"weight"`
	// 元数据
	Metadata map[string]string `json:"metadata"`
	// 心跳间隔
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	// 操作超时时间
	Timeout time.Duration `json:"timeout"`
	// 是否使用HTTPS
	Secure bool `json:"secure"`
}

// Client SDK客户端
type Client struct {
	config       *Config
	httpClient   *http.Client
	instanceID   string
	isRegistered bool
	stopChan     chan struct{}
}

// Response API响应结构
type Response struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// NewClient 创建SDK客户端
func NewClient(config *Config) (*Client, error) {
	// 验证必填配置
	if config.ServerAddr == "" {
		return nil, fmt.Errorf("服务器地址不能为空")
	}
	if config.ServiceName == "" {
		return nil, fmt.Errorf("服务名称不能为空")
	}
	if config.ServiceIP == "" {
		return nil, fmt.Errorf("服务IP不能为空")
	}
	if config.ServicePort <= 0 {
		return nil, fmt.Errorf("服务端口必须大于0")
	}

	// 设置默认值
	if config.AdminAddr == "" {
		config.AdminAddr = config.ServerAddr
	}
	if config.HealthCheckPath == "" {
		config.HealthCheckPath = "/health"
	}
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}

	// 创建HTTP客户端
	httpClient := &http.Client{
		Timeout: config.Timeout,
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		stopChan:   make(chan struct{}),
	}, nil
}

// InstanceID 返回注册获得的实例ID，未注册时为空
func (c *Client) InstanceID() string {
	return c.instanceID
}

// 构建API地址
func (c *Client) buildURL(addr, path string) string {
	protocol := "http"
	if c.config.Secure {
		protocol = "https"
	}
	return fmt.Sprintf("%s://%s%s", protocol, addr, path)
}

// 发送HTTP请求
func (c *Client) doRequest(ctx context.Context, addr, method, path string, body interface{}) (*Response, error) {
	// 构建URL
	url := c.buildURL(addr, path)

	// 准备请求体
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("序列化请求体失败: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	// 创建请求
	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	// 发送请求
	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("发送请求失败: %w", err)
	}
	defer httpResp.Body.Close()

	// 读取响应
	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("读取响应失败: %w", err)
	}

	resp := new(Response)
	if err := json.Unmarshal(data, resp); err != nil {
		return nil, fmt.Errorf("解析响应失败: %w", err)
	}

	if httpResp.StatusCode >= 400 {
		return resp, fmt.Errorf("请求失败[%d]: %s", httpResp.StatusCode, resp.Message)
	}
	return resp, nil
}
