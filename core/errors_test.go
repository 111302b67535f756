package core

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyUpstreamStatus(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		wantKind   ErrorKind
	}{
		{"配额耗尽", 429, KindUpstreamQuota},
		{"无权限", 403, KindUpstreamPermission},
		{"Key 无效", 401, KindUpstreamPermission},
		{"服务端错误", 500, KindUpstreamTransient},
		{"网关超时", 504, KindUpstreamTransient},
		{"其他 4xx 归为瞬态", 400, KindUpstreamTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ClassifyUpstreamStatus(tt.statusCode, "boom")
			assert.Equal(t, tt.wantKind, err.Kind)
		})
	}
}

func TestClassifyUpstreamStatusTruncatesBody(t *testing.T) {
	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'x'
	}
	err := ClassifyUpstreamStatus(500, string(long))
	assert.LessOrEqual(t, len(err.Error()), 300)
}

func TestShouldBlacklist(t *testing.T) {
	assert.True(t, KindUpstreamQuota.ShouldBlacklist())
	assert.True(t, KindUpstreamPermission.ShouldBlacklist())

	// 瞬态错误和内容拦截不怪 Key，不拉黑
	assert.False(t, KindUpstreamTransient.ShouldBlacklist())
	assert.False(t, KindContentBlocked.ShouldBlacklist())
	assert.False(t, KindEmptyResponse.ShouldBlacklist())
	assert.False(t, KindClientDisconnected.ShouldBlacklist())
}

func TestRetryable(t *testing.T) {
	assert.True(t, KindUpstreamQuota.Retryable())
	assert.True(t, KindUpstreamTransient.Retryable())
	assert.True(t, KindEmptyResponse.Retryable())
	assert.True(t, KindContentBlocked.Retryable())

	assert.False(t, KindClientDisconnected.Retryable())
	assert.False(t, KindInvalidModel.Retryable())
	assert.False(t, KindExhausted.Retryable())
}

func TestKindOfUnwrapsChain(t *testing.T) {
	inner := NewGatewayError(KindUpstreamQuota, "quota", nil)
	wrapped := fmt.Errorf("attempt failed: %w", inner)
	assert.Equal(t, KindUpstreamQuota, KindOf(wrapped))

	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, KindConfig, KindOf(ErrNoKeysConfigured))
}

func TestClassifyTransportError(t *testing.T) {
	// 尝试级超时归为瞬态，允许换 Key 重试
	expired, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	<-expired.Done()
	err := ClassifyTransportError(expired, context.DeadlineExceeded)
	assert.Equal(t, KindUpstreamTransient, err.Kind)

	// 客户端断开表现为 Context 取消
	canceled, cancelFn := context.WithCancel(context.Background())
	cancelFn()
	err = ClassifyTransportError(canceled, context.Canceled)
	assert.Equal(t, KindClientDisconnected, err.Kind)

	// 普通网络错误
	err = ClassifyTransportError(context.Background(), errors.New("connection refused"))
	assert.Equal(t, KindUpstreamTransient, err.Kind)
}
