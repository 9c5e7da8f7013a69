package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketAllow(t *testing.T) {
	// 60 QPM = 每秒1个令牌，容量2
	tb := NewTokenBucket(60, 2)

	assert.True(t, tb.Allow(), "初始满桶应允许第一个请求")
	assert.True(t, tb.Allow(), "容量为2应允许第二个请求")
	assert.False(t, tb.Allow(), "令牌耗尽后应拒绝请求")
}

func TestTokenBucketRefill(t *testing.T) {
	tb := NewTokenBucket(600, 1) // 每秒10个令牌

	require.True(t, tb.Allow())
	require.False(t, tb.Allow())

	// 等待足够时间补充至少一个令牌
	time.Sleep(150 * time.Millisecond)
	assert.True(t, tb.Allow(), "补充后应再次允许请求")
}

func TestTokenBucketWaitRespectsContext(t *testing.T) {
	tb := NewTokenBucket(1, 1) // 每分钟1个，耗尽后需等待很久

	require.NoError(t, tb.Wait(context.Background()), "首个令牌应立即获得")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := tb.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "令牌不足时应随上下文超时返回")
}

func TestRetryWithBackoffRetryableError(t *testing.T) {
	tb := NewTokenBucket(6000, 10).WithRetryPolicy(2, 10*time.Millisecond)

	calls := 0
	err := tb.RetryWithBackoff(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("429 Too Many Requests")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls, "可重试错误应触发两次重试")
}

func TestRetryWithBackoffNonRetryableError(t *testing.T) {
	tb := NewTokenBucket(6000, 10).WithRetryPolicy(3, 10*time.Millisecond)

	calls := 0
	err := tb.RetryWithBackoff(context.Background(), func() error {
		calls++
		return errors.New("invalid request payload")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls, "不可重试的错误不应重试")
}

func TestIsRetryableError(t *testing.T) {
	assert.False(t, isRetryableError(nil))
	assert.True(t, isRetryableError(errors.New("request timeout")))
	assert.True(t, isRetryableError(errors.New("服务器繁忙，请稍后再试")))
	assert.True(t, isRetryableError(errors.New("503 service unavailable")))
	assert.False(t, isRetryableError(errors.New("模型返回格式错误")))
}
