package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"jobintel-go/internal/logger"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// TokenBucket 实现令牌桶限流算法，按每分钟请求数(QPM)控制对LLM供应商的调用频率
type TokenBucket struct {
	rate           float64 // 每秒填充的令牌数
	capacity       float64 // 桶的容量
	tokens         float64 // 当前令牌数
	lastRefillTime time.Time
	mutex          sync.Mutex

	// 重试相关配置
	maxRetries    int           // 最大重试次数
	retryWaitTime time.Duration // 基础重试等待时间
}

// NewTokenBucket 创建一个新的令牌桶
// qpm: 每分钟允许的请求数
// capacity: 桶容量，为0时默认为qpm的一半
func NewTokenBucket(qpm int, capacity float64) *TokenBucket {
	rate := float64(qpm) / 60.0
	if capacity <= 0 {
		capacity = float64(qpm) / 2
	}

	return &TokenBucket{
		rate:           rate,
		capacity:       capacity,
		tokens:         capacity, // 初始满桶
		lastRefillTime: time.Now(),
		maxRetries:     3,
		retryWaitTime:  time.Second,
	}
}

// WithRetryPolicy 设置重试策略
func (tb *TokenBucket) WithRetryPolicy(maxRetries int, retryWaitTime time.Duration) *TokenBucket {
	tb.maxRetries = maxRetries
	tb.retryWaitTime = retryWaitTime
	return tb
}

// refill 根据经过的时间补充令牌
func (tb *TokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefillTime).Seconds()
	tb.lastRefillTime = now

	newTokens := elapsed * tb.rate
	tb.tokens = min(tb.capacity, tb.tokens+newTokens)
}

// Allow 检查是否允许当前请求通过，不阻塞
func (tb *TokenBucket) Allow() bool {
	tb.mutex.Lock()
	defer tb.mutex.Unlock()

	tb.refill()
	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

// Wait 阻塞直到获得令牌或上下文取消
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mutex.Lock()
		tb.refill()
		if tb.tokens >= 1 {
			tb.tokens--
			tb.mutex.Unlock()
			return nil
		}

		// 计算需要等待的时间
		waitTime := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mutex.Unlock()

		logger.Ctx(ctx).Debug().
			Dur("wait_time", waitTime).
			Msg("限流等待令牌")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(waitTime):
			// 等待后重新尝试获取令牌
		}
	}
}

// RetryWithBackoff 带指数退避的重试执行
func (tb *TokenBucket) RetryWithBackoff(ctx context.Context, operation func() error) error {
	var err error
	for retry := 0; retry <= tb.maxRetries; retry++ {
		if retry > 0 {
			backoff := tb.retryWaitTime * time.Duration(1<<uint(retry-1))
			logger.Ctx(ctx).Warn().
				Int("retry", retry).
				Dur("backoff", backoff).
				Err(err).
				Msg("调用失败，退避后重试")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		if waitErr := tb.Wait(ctx); waitErr != nil {
			return waitErr
		}

		err = operation()
		if err == nil {
			return nil
		}

		if !isRetryableError(err) {
			return err
		}
	}

	return fmt.Errorf("重试 %d 次后仍然失败: %w", tb.maxRetries, err)
}

// isRetryableError 判断错误是否可以通过重试解决
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errMsg := err.Error()
	retryableErrors := []string{
		"timeout",
		"connection reset",
		"connection refused",
		"too many requests",
		"429 Too Many Requests",
		"rate limit",
		"服务器繁忙",
		"请求超过限额",
		"QPS限制",
		"quota exceeded",
		"service unavailable",
		"503",
	}

	for _, retryable := range retryableErrors {
		if strings.Contains(errMsg, retryable) {
			return true
		}
	}
	return false
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// RateLimitedChatModel 包装 eino ChatModel，在调用前通过令牌桶限流，
// 并对可重试错误（限流、超时）做指数退避重试
type RateLimitedChatModel struct {
	model   model.ToolCallingChatModel
	limiter *TokenBucket
	modelID string
}

// NewRateLimitedChatModel 包装一个模型实例
func NewRateLimitedChatModel(m model.ToolCallingChatModel, modelID string, qpmLimits map[string]int) *RateLimitedChatModel {
	qpm := 30 // 未配置时的保守默认值
	if limit, ok := qpmLimits[modelID]; ok && limit > 0 {
		// 按配置上限的90%限流，留出安全余量
		qpm = int(float64(limit) * 0.9)
		if qpm < 1 {
			qpm = 1
		}
	}

	return &RateLimitedChatModel{
		model:   m,
		limiter: NewTokenBucket(qpm, 0),
		modelID: modelID,
	}
}

// WithRetryPolicy 调整底层令牌桶的重试策略
func (r *RateLimitedChatModel) WithRetryPolicy(maxRetries int, retryWaitTime time.Duration) *RateLimitedChatModel {
	r.limiter.WithRetryPolicy(maxRetries, retryWaitTime)
	return r
}

// ModelID 返回被包装模型的标识
func (r *RateLimitedChatModel) ModelID() string {
	return r.modelID
}

// Generate 实现 model.ChatModel 接口
func (r *RateLimitedChatModel) Generate(ctx context.Context, messages []*schema.Message, options ...model.Option) (*schema.Message, error) {
	var result *schema.Message
	err := r.limiter.RetryWithBackoff(ctx, func() error {
		var genErr error
		result, genErr = r.model.Generate(ctx, messages, options...)
		return genErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Stream 实现 model.ChatModel 接口
func (r *RateLimitedChatModel) Stream(ctx context.Context, messages []*schema.Message, options ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.model.Stream(ctx, messages, options...)
}

// WithTools 实现 model.ToolCallingChatModel 接口
func (r *RateLimitedChatModel) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	bound, err := r.model.WithTools(tools)
	if err != nil {
		return nil, err
	}
	return &RateLimitedChatModel{
		model:   bound,
		limiter: r.limiter,
		modelID: r.modelID,
	}, nil
}

var _ model.ToolCallingChatModel = (*RateLimitedChatModel)(nil)
