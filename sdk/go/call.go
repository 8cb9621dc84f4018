package sdk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// CallRequest 经由网格代呼的调用请求
type CallRequest struct {
	// Service 目标逻辑服务名
	Service string `json:"service"`
	// Endpoint 目标端点路径
	Endpoint string `json:"endpoint"`
	// Method HTTP方法，默认GET
	Method string `json:"method,omitempty"`
	// Body 请求体
	Body string `json:"body,omitempty"`
	// Headers 附加请求头
	Headers map[string]string `json:"headers,omitempty"`
	// Timeout 单次调用超时
	Timeout time.Duration `json:"-"`
}

// CallResult 代呼调用结果
type CallResult struct {
	StatusCode int    `json:"status_code"`
	Body       string `json:"body"`
	InstanceID string `json:"instance_id"`
	Variant    string `json:"variant,omitempty"`
	LatencyMs  int64  `json:"latency_ms"`
}

// Call 经由网格调用另一个逻辑服务
// 负载均衡、熔断、超时与重试由控制平面执行，
// 调用方身份取自客户端配置的服务名
func (c *Client) Call(ctx context.Context, req *CallRequest) (*CallResult, error) {
	if req.Service == "" {
		return nil, fmt.Errorf("目标服务名称不能为空")
	}
	if req.Endpoint == "" {
		return nil, fmt.Errorf("调用端点不能为空")
	}

	payload := map[string]interface{}{
		"service":  req.Service,
		"endpoint": req.Endpoint,
		"method":   req.Method,
		"body":     req.Body,
		"headers":  req.Headers,
		"caller":   c.config.ServiceName,
	}
	if req.Timeout > 0 {
		payload["timeout"] = req.Timeout.String()
	}

	resp, err := c.doRequest(ctx, c.config.AdminAddr, http.MethodPost, "/api/v1/call", payload)
	if err != nil {
		return nil, fmt.Errorf("服务调用失败: %w", err)
	}

	result := new(CallResult)
	if err := json.Unmarshal(resp.Data, result); err != nil {
		return nil, fmt.Errorf("解析调用响应失败: %w", err)
	}
	return result, nil
}
