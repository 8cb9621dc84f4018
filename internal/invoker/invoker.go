// Package invoker 把发现、负载均衡、熔断、超时与重试组合成
// 单一的"调用逻辑服务"操作，是协作方访问网格的唯一入口。
//
// 调用管道的每一步都是显式的：限流 → 熔断判定 → 发现 →
// 选择实例 → 发起请求 → 回报结果，便于逐步独立测试。
package invoker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/hewenyu/mesh-pilot/internal/breaker"
	"github.com/hewenyu/mesh-pilot/internal/config"
	"github.com/hewenyu/mesh-pilot/internal/core/model"
	"github.com/hewenyu/mesh-pilot/internal/loadbalance"
	"github.com/hewenyu/mesh-pilot/internal/metrics"
	"github.com/hewenyu/mesh-pilot/internal/registry"
	"github.com/hewenyu/mesh-pilot/internal/router"
)

// CallOptions 表示一次逻辑服务调用的参数
type CallOptions struct {
	Service  string
	Endpoint string
	Method   string
	Body     []byte
	Headers  map[string]string

	// Timeout 单次调用超时，0表示使用路由或全局默认值
	Timeout time.Duration

	// Caller 逻辑调用方名称，用于流量指标归属
	Caller string

	// SessionKey 会话键，流量切分按它做确定性变体选择
	// 为空时退化为Caller
	SessionKey string
}

// Response 表示调用结果
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
	InstanceID string
	Variant    string
	Latency    time.Duration
}

// Invoker 表示弹性调用器
type Invoker struct {
	registry *registry.Registry
	breakers *breaker.Table
	router   *router.Router
	selector *loadbalance.Selector
	traffic  *metrics.Collector
	logger   config.Logger

	client         *http.Client
	defaultTimeout time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New 创建弹性调用器
func New(reg *registry.Registry, breakers *breaker.Table, rt *router.Router,
	traffic *metrics.Collector, defaultTimeout time.Duration, logger config.Logger) *Invoker {
	if defaultTimeout <= 0 {
		defaultTimeout = 5 * time.Second
	}
	return &Invoker{
		registry:       reg,
		breakers:       breakers,
		router:         rt,
		selector:       loadbalance.NewSelector(),
		traffic:        traffic,
		logger:         logger,
		client:         &http.Client{},
		defaultTimeout: defaultTimeout,
		limiters:       make(map[string]*rate.Limiter),
	}
}

// Call 调用逻辑服务
// 默认不做隐式重试；路由启用重试预算时按指数退避包装整个管道，
// 每次尝试都独立计入熔断器
func (i *Invoker) Call(ctx context.Context, opts CallOptions) (*Response, error) {
	if opts.Service == "" {
		return nil, model.NewValidationError("service", "服务名称不能为空")
	}
	if opts.Endpoint == "" {
		return nil, model.NewValidationError("endpoint", "调用端点不能为空")
	}
	if opts.Method == "" {
		opts.Method = http.MethodGet
	}

	route := i.router.Route(opts.Service)

	// 路径与方法规则在任何网络动作之前强制执行
	if err := i.router.MatchRoute(opts.Service, opts.Endpoint, opts.Method); err != nil {
		return nil, err
	}

	attempts := 1
	if route.RetryCount > 0 {
		attempts = route.RetryCount + 1
	}

	var resp *Response
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			// 指数退避，同时尊重调用方的截止时间
			backoff := route.RetryBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", model.ErrTimeout, ctx.Err())
			}
			i.logger.Debug("重试服务调用",
				zap.String("service", opts.Service),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
		}

		resp, err = i.callOnce(ctx, opts, route)
		if err == nil {
			return resp, nil
		}
		if !model.IsRetryable(err) {
			return resp, err
		}
	}
	return resp, err
}

// callOnce 执行一次完整的调用管道
func (i *Invoker) callOnce(ctx context.Context, opts CallOptions, route *model.ServiceRoute) (*Response, error) {
	// 步骤1：路由限流
	if route.RateLimit != nil {
		if !i.limiterFor(opts.Service, route.RateLimit).Allow() {
			return nil, model.ErrRateLimited
		}
	}

	// 步骤2：熔断判定，open状态直接快速失败，不发起网络请求
	var cb *breaker.CircuitBreaker
	if route.CircuitBreaker {
		cb = i.breakers.Get(opts.Service)
		if err := cb.Allow(); err != nil {
			metrics.SetBreakerState(opts.Service, cb.State())
			return nil, err
		}
	}

	// 步骤3：发现健康实例，应用流量切分的变体过滤
	variant, _ := i.router.PickVariant(opts.Service, i.sessionKey(opts))
	candidates := i.discover(opts.Service, variant)
	if len(candidates) == 0 {
		// 没有可用实例不是熔断意义上的失败，撤销已放行的调用名额
		if cb != nil {
			cb.Cancel()
		}
		return nil, model.ErrNoInstancesAvailable
	}

	// 步骤4：按路由策略选择实例
	inst := i.selector.Select(opts.Service, route.Strategy, candidates)
	if inst == nil {
		if cb != nil {
			cb.Cancel()
		}
		return nil, model.ErrNoInstancesAvailable
	}

	// 步骤5：发起请求，在途计数在任何路径上都会释放
	i.registry.AcquireConnection(inst.ID)
	defer i.registry.ReleaseConnection(inst.ID)

	resp, callErr := i.doRequest(ctx, opts, route, inst)

	// 步骤6：回报结果
	failed := callErr != nil || (resp != nil && resp.StatusCode >= 500)
	latency := time.Duration(0)
	if resp != nil {
		latency = resp.Latency
		resp.Variant = variant
	}

	if cb != nil {
		if failed {
			cb.RecordFailure()
		} else {
			cb.RecordSuccess()
		}
		metrics.SetBreakerState(opts.Service, cb.State())
	}
	i.registry.RecordCallResult(inst.ID, latency, !failed)
	i.traffic.Observe(i.callerName(opts), opts.Service, variant, latency, failed)
	metrics.ObserveCall(opts.Service, latency, failed)

	if callErr != nil {
		return nil, callErr
	}
	if resp.StatusCode >= 400 {
		return resp, &model.UpstreamError{Service: opts.Service, Status: resp.StatusCode}
	}
	return resp, nil
}

// discover 返回服务的候选实例
// 切分生效时按版本过滤；变体没有匹配实例时回退到全部健康实例，
// 保证实验配置错误不会把流量打空
func (i *Invoker) discover(service, variant string) []*model.ServiceInstance {
	healthy := i.registry.HealthyInstances(service)
	if variant == "" {
		return healthy
	}

	var matched []*model.ServiceInstance
	for _, inst := range healthy {
		if inst.Version == variant {
			matched = append(matched, inst)
		}
	}
	if len(matched) > 0 {
		return matched
	}
	return healthy
}

// doRequest 对选中的实例发起HTTP请求
func (i *Invoker) doRequest(ctx context.Context, opts CallOptions, route *model.ServiceRoute,
	inst *model.ServiceInstance) (*Response, error) {

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = route.Timeout
	}
	if timeout <= 0 {
		timeout = i.defaultTimeout
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := fmt.Sprintf("%s://%s%s", inst.Protocol, inst.Address(), opts.Endpoint)

	var bodyReader io.Reader
	if len(opts.Body) > 0 {
		bodyReader = bytes.NewReader(opts.Body)
	}

	req, err := http.NewRequestWithContext(callCtx, opts.Method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	for key, value := range opts.Headers {
		req.Header.Set(key, value)
	}

	start := time.Now()
	httpResp, err := i.client.Do(req)
	latency := time.Since(start)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			return &Response{Latency: latency, InstanceID: inst.ID},
				fmt.Errorf("%w: 服务[%s]实例[%s]", model.ErrTimeout, opts.Service, inst.Address())
		}
		return &Response{Latency: latency, InstanceID: inst.ID},
			fmt.Errorf("调用服务[%s]实例[%s]失败: %w", opts.Service, inst.Address(), err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return &Response{Latency: latency, InstanceID: inst.ID},
			fmt.Errorf("读取响应体失败: %w", err)
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Body:       body,
		Headers:    httpResp.Header,
		InstanceID: inst.ID,
		Latency:    latency,
	}, nil
}

// limiterFor 获取或创建服务的令牌桶限流器
func (i *Invoker) limiterFor(service string, rl *model.RateLimit) *rate.Limiter {
	i.mu.Lock()
	defer i.mu.Unlock()
	limiter, ok := i.limiters[service]
	if !ok {
		burst := rl.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rl.RequestsPerSecond), burst)
		i.limiters[service] = limiter
	}
	return limiter
}

// sessionKey 返回变体选择使用的会话键
func (i *Invoker) sessionKey(opts CallOptions) string {
	if opts.SessionKey != "" {
		return opts.SessionKey
	}
	return i.callerName(opts)
}

// callerName 返回流量指标归属的调用方名称
func (i *Invoker) callerName(opts CallOptions) string {
	if opts.Caller != "" {
		return opts.Caller
	}
	return "anonymous"
}
