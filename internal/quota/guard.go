// Package quota 实现共享的配额守卫。所有调用AI供应商的组件
// (评分、嵌入、欺诈检测) 在发起调用前必须先向守卫预留额度，
// 供应商调用失败时退还，使计数反映实际消耗。
package quota

import (
	"context"
	"fmt"
	"time"

	"jobintel-go/internal/config"
	"jobintel-go/internal/constants"
	"jobintel-go/internal/logger"
	"jobintel-go/internal/types"
)

// ScopeProcessCost 进程级成本上限的固定scope
const ScopeProcessCost = "process:cost"

// CounterStore 配额计数器的存储契约，由Redis适配器实现。
// 注入接口而非具体实现，测试时可替换为内存伪件。
type CounterStore interface {
	IncrQuotaCounter(ctx context.Context, counterKey string, cost int64, limit int64, window time.Duration) (bool, int64, error)
	DecrQuotaCounter(ctx context.Context, counterKey string, cost int64) error
}

// Guard 配额守卫。无本地状态，所有计数都在注入的CounterStore中，
// 多个进程实例共享同一份配额。
type Guard struct {
	store  CounterStore
	cfg    *config.QuotaConfig
	window time.Duration
}

// NewGuard 创建配额守卫
func NewGuard(store CounterStore, cfg *config.QuotaConfig) (*Guard, error) {
	if store == nil {
		return nil, fmt.Errorf("配额守卫需要计数器存储")
	}
	if cfg == nil {
		return nil, fmt.Errorf("配额守卫需要配置")
	}

	window, err := time.ParseDuration(cfg.CounterWindow)
	if err != nil || window <= 0 {
		window = 24 * time.Hour
	}

	return &Guard{
		store:  store,
		cfg:    cfg,
		window: window,
	}, nil
}

// UserScope 构造用户级配额scope
func UserScope(userID string) string {
	return "user:" + userID
}

// limitForScope 返回scope对应的额度上限
func (g *Guard) limitForScope(scope string) int64 {
	if scope == ScopeProcessCost {
		return int64(g.cfg.ProcessCostCap)
	}
	return int64(g.cfg.UserDailyCalls)
}

// CheckAndReserve 原子地检查并预留额度。超限时返回包裹
// types.ErrQuotaExceeded 的 *types.QuotaError，且不产生任何计数变更，
// 调用方据此区分"稍后再试"与"系统故障"。
func (g *Guard) CheckAndReserve(ctx context.Context, scope string, cost int64) error {
	if cost <= 0 {
		return types.ValidationErrorf("配额预留成本必须为正数: %d", cost)
	}

	counterKey := fmt.Sprintf(constants.KeyQuotaCounter, scope)
	limit := g.limitForScope(scope)

	allowed, current, err := g.store.IncrQuotaCounter(ctx, counterKey, cost, limit, g.window)
	if err != nil {
		return fmt.Errorf("配额计数器操作失败: %w", err)
	}

	if !allowed {
		logger.Ctx(ctx).Warn().
			Str("scope", scope).
			Int64("cost", cost).
			Int64("current", current).
			Int64("limit", limit).
			Msg("配额已用尽，拒绝请求")
		return &types.QuotaError{Scope: scope, Cost: cost}
	}

	logger.Ctx(ctx).Debug().
		Str("scope", scope).
		Int64("cost", cost).
		Int64("current", current).
		Int64("limit", limit).
		Msg("配额预留成功")
	return nil
}

// Refund 退还已预留的额度。用于供应商调用失败的场景，
// 避免失败的调用也消耗配额。退还失败只记录日志，不向上传播。
func (g *Guard) Refund(ctx context.Context, scope string, cost int64) {
	if cost <= 0 {
		return
	}

	counterKey := fmt.Sprintf(constants.KeyQuotaCounter, scope)
	if err := g.store.DecrQuotaCounter(ctx, counterKey, cost); err != nil {
		logger.Ctx(ctx).Warn().
			Err(err).
			Str("scope", scope).
			Int64("cost", cost).
			Msg("配额退还失败")
	}
}

// ReserveForUser 同时预留用户级与进程级额度。
// 任一scope拒绝时整体拒绝，且回滚已预留的部分。
func (g *Guard) ReserveForUser(ctx context.Context, userID string, cost int64) error {
	userScope := UserScope(userID)
	if err := g.CheckAndReserve(ctx, userScope, cost); err != nil {
		return err
	}

	if err := g.CheckAndReserve(ctx, ScopeProcessCost, cost); err != nil {
		g.Refund(ctx, userScope, cost)
		return err
	}
	return nil
}

// RefundForUser 退还 ReserveForUser 预留的两份额度
func (g *Guard) RefundForUser(ctx context.Context, userID string, cost int64) {
	g.Refund(ctx, UserScope(userID), cost)
	g.Refund(ctx, ScopeProcessCost, cost)
}
