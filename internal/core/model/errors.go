package model

import (
	"errors"
	"fmt"
)

// 调用层错误分类，协作方只会看到这几种结果
var (
	// ErrNoInstancesAvailable 服务没有健康实例，可恢复，调用方应当退避
	ErrNoInstancesAvailable = errors.New("没有可用的服务实例")

	// ErrCircuitOpen 熔断器处于打开状态，调用被直接拒绝
	ErrCircuitOpen = errors.New("熔断器已打开")

	// ErrTimeout 单次调用超过截止时间
	ErrTimeout = errors.New("调用超时")

	// ErrRateLimited 路由限流器拒绝了本次调用
	ErrRateLimited = errors.New("请求被限流")
)

// UpstreamError 表示上游实例返回失败状态
type UpstreamError struct {
	Service string
	Status  int
}

// Error 实现error接口
func (e *UpstreamError) Error() string {
	return fmt.Sprintf("上游服务[%s]返回失败状态: %d", e.Service, e.Status)
}

// ValidationError 表示请求参数校验失败，不可重试
type ValidationError struct {
	Field  string
	Reason string
}

// Error 实现error接口
func (e *ValidationError) Error() string {
	return fmt.Sprintf("参数校验失败[%s]: %s", e.Field, e.Reason)
}

// NewValidationError 创建参数校验错误
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsRetryable 判断错误是否允许按路由策略重试
// 熔断拒绝与参数错误不应立即重试
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrRateLimited) {
		return false
	}
	var ve *ValidationError
	return !errors.As(err, &ve)
}
