package types

import (
	"errors"
	"fmt"
)

// 管线统一错误分类。调用方用 errors.Is / errors.As 区分处置策略：
// 校验错误立即返回不重试；瞬时错误按退避重试；响应校验错误换模型重试；
// 配额错误快速失败以便调用方主动退避。
var (
	// ErrValidation 输入不合法，永不重试。
	ErrValidation = errors.New("validation error")

	// ErrTransientProvider 网络/超时/5xx 一类的瞬时提供方错误，可重试。
	ErrTransientProvider = errors.New("transient provider error")

	// ErrResponseValidation 模型有响应但未通过结构或语义校验，换模型重试。
	ErrResponseValidation = errors.New("response validation error")

	// ErrQuotaExceeded 配额已用尽，与瞬时错误区分开，调用方应延后重试。
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrDedupConflict 同日不同来源命中同一哈希，按最早记录为准解决，非致命。
	ErrDedupConflict = errors.New("dedup conflict")
)

// ValidationErrorf 构造一个包裹 ErrValidation 的错误。
func ValidationErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// TransientErrorf 构造一个包裹 ErrTransientProvider 的错误。
func TransientErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTransientProvider, fmt.Sprintf(format, args...))
}

// ResponseInvalidf 构造一个包裹 ErrResponseValidation 的错误。
func ResponseInvalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrResponseValidation, fmt.Sprintf(format, args...))
}

// QuotaError 携带具体 scope 的配额错误。
type QuotaError struct {
	Scope string // 被拒绝的配额范围，例如 "user:42" 或 "process:cost"
	Cost  int64  // 本次请求的成本
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded for scope %s (cost %d)", e.Scope, e.Cost)
}

// Unwrap 使 errors.Is(err, ErrQuotaExceeded) 成立。
func (e *QuotaError) Unwrap() error {
	return ErrQuotaExceeded
}
