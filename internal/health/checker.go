package health

import (
	"context"
	"fmt"
	"net/http"

	"github.com/hewenyu/mesh-pilot/internal/core/model"
)

// Prober 表示对单个实例执行一次健康探测的接口
type Prober interface {
	// Probe 探测实例健康端点，返回nil表示实例就绪
	Probe(ctx context.Context, inst *model.ServiceInstance) error
}

// HTTPProber 通过HTTP健康端点探测实例
// 约定：健康端点只在实例准备好接收流量时返回成功，而不是进程存活
type HTTPProber struct {
	client *http.Client
}

// NewHTTPProber 创建HTTP探测器
// 超时由调用方通过context控制，客户端本身不再设置超时
func NewHTTPProber() *HTTPProber {
	return &HTTPProber{
		client: &http.Client{},
	}
}

// Probe 对实例健康端点发起一次GET请求，2xx/3xx视为健康
func (p *HTTPProber) Probe(ctx context.Context, inst *model.ServiceInstance) error {
	url := fmt.Sprintf("http://%s%s", inst.Address(), inst.HealthCheckPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("创建健康检查请求失败: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("健康检查请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 399 {
		return fmt.Errorf("健康检查返回非预期状态码: %d", resp.StatusCode)
	}

	return nil
}
