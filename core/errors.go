package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind 错误分类枚举（封闭集合）
// 调用方只对 Kind 做匹配，不做错误文本的字符串判断
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindConfig                       // 启动配置错误（无可用密钥），致命
	KindInvalidModel                 // 请求的模型不存在 -> 400
	KindAuth                         // 客户端鉴权失败 -> 401
	KindRateLimited                  // 客户端限流 -> 429
	KindUpstreamQuota                // 上游 429 配额耗尽 -> 拉黑当前 Key 后换下一个
	KindUpstreamPermission           // 上游 403 / Key 无效 -> 拉黑后换下一个
	KindUpstreamTransient            // 上游 5xx / 超时 / 网络错误 -> 不拉黑，换下一个
	KindEmptyResponse                // 上游返回了空内容 -> 独立的小重试预算
	KindContentBlocked               // 内容策略拦截（finishReason / safetyRatings）
	KindClientDisconnected           // 客户端已断开，静默终止
	KindExhausted                    // 所有尝试均失败 -> 500
	KindStorage                      // 媒体存储失败
)

// GatewayError 携带分类信息的错误
type GatewayError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *GatewayError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *GatewayError) Unwrap() error { return e.Err }

// NewGatewayError 创建分类错误
func NewGatewayError(kind ErrorKind, message string, err error) *GatewayError {
	return &GatewayError{Kind: kind, Message: message, Err: err}
}

var (
	ErrNoKeysConfigured = &GatewayError{Kind: KindConfig, Message: "no valid upstream API keys configured"}
	ErrAllKeysTried     = &GatewayError{Kind: KindExhausted, Message: "all upstream keys have been tried"}
)

// ShouldBlacklist 判断该错误是否需要拉黑当前 Key
// 内容策略拦截不拉黑：问题出在内容而不是 Key
func (k ErrorKind) ShouldBlacklist() bool {
	return k == KindUpstreamQuota || k == KindUpstreamPermission
}

// Retryable 判断该错误是否允许换 Key 继续尝试
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindUpstreamQuota, KindUpstreamPermission, KindUpstreamTransient,
		KindEmptyResponse, KindContentBlocked, KindStorage:
		return true
	}
	return false
}

// KindOf 提取错误分类，无法识别时返回 KindUnknown
func KindOf(err error) ErrorKind {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge.Kind
	}
	return KindUnknown
}

// ClassifyUpstreamStatus 按上游 HTTP 状态码归类
func ClassifyUpstreamStatus(statusCode int, body string) *GatewayError {
	if len(body) > 200 {
		body = body[:200]
	}
	switch {
	case statusCode == http.StatusTooManyRequests:
		return NewGatewayError(KindUpstreamQuota, "upstream quota exhausted", fmt.Errorf("status %d: %s", statusCode, body))
	case statusCode == http.StatusForbidden || statusCode == http.StatusUnauthorized:
		return NewGatewayError(KindUpstreamPermission, "upstream permission denied", fmt.Errorf("status %d: %s", statusCode, body))
	case statusCode >= 500:
		return NewGatewayError(KindUpstreamTransient, "upstream server error", fmt.Errorf("status %d: %s", statusCode, body))
	default:
		return NewGatewayError(KindUpstreamTransient, "upstream request failed", fmt.Errorf("status %d: %s", statusCode, body))
	}
}

// ClassifyTransportError 归类网络层错误（超时、连接失败、客户端断开）
func ClassifyTransportError(ctx context.Context, err error) *GatewayError {
	// 先判超时：尝试级 Context 到期也表现为 ctx.Err() 非空，不能和客户端断开混淆
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return NewGatewayError(KindUpstreamTransient, "upstream timeout", err)
	}

	// 请求 Context 被取消意味着客户端已断开
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return NewGatewayError(KindClientDisconnected, "client disconnected", err)
	}

	return NewGatewayError(KindUpstreamTransient, "upstream network error", err)
}

// httpStatusFor 分类到对外 HTTP 状态码的映射
func httpStatusFor(kind ErrorKind) int {
	switch kind {
	case KindInvalidModel:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// errorTypeFor 分类到 OpenAI 错误 type 字段的映射
func errorTypeFor(kind ErrorKind) string {
	switch kind {
	case KindInvalidModel:
		return "invalid_request_error"
	case KindAuth:
		return "authentication_error"
	case KindRateLimited:
		return "rate_limit_error"
	case KindContentBlocked:
		return "content_policy_violation"
	default:
		return "server_error"
	}
}
