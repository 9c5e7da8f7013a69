// Package scorer 实现岗位与候选人画像的兼容性评分。
// 评分通过一条固定优先级的模型链完成（便宜/快的在前），每个模型最多
// maxAttempts 次尝试，响应校验失败与网络失败走同一条重试路径；
// 内部链全部耗尽后升级到外部回退模型一次，仍失败则整个评分以
// 终止性错误结束，绝不返回残缺的分数。
package scorer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"jobintel-go/internal/constants"
	"jobintel-go/internal/logger"
	"jobintel-go/internal/storage"
	"jobintel-go/internal/storage/models"
	"jobintel-go/internal/types"

	einoschema "github.com/cloudwego/eino/schema"
)

// 每次模型尝试的结果分类
const (
	OutcomeAccepted        = "accepted"
	OutcomeProviderError   = "provider_error"
	OutcomeInvalidResponse = "invalid_response"
	OutcomeQuotaDenied     = "quota_denied"
)

// fallbackModelIndex 外部回退模型在事件中的固定索引
const fallbackModelIndex = -1

// Provider 一次评分调用的抽象：文本进，原始响应文本或错误出。
// 内部链和外部回退模型都实现这个契约。
type Provider interface {
	ModelID() string
	Invoke(ctx context.Context, messages []*einoschema.Message) (string, error)
}

// AnalysisCache 评分结果的热层缓存契约，由Redis适配器实现
type AnalysisCache interface {
	GetJSON(ctx context.Context, key string, target interface{}) error
	SetJSON(ctx context.Context, key string, value interface{}, expiration time.Duration) error
}

// AnalysisStore 评分结果的持久化契约，由MySQL适配器实现
type AnalysisStore interface {
	UpsertCompatibilityRecord(ctx context.Context, record *models.CompatibilityRecord) error
	GetCompatibilityRecord(ctx context.Context, jobID, userID, fingerprint string) (*models.CompatibilityRecord, error)
}

// QuotaGate 每次模型尝试前的配额预留契约
type QuotaGate interface {
	ReserveForUser(ctx context.Context, userID string, cost int64) error
	RefundForUser(ctx context.Context, userID string, cost int64)
}

// EventSink 接收每次尝试的结构化事件，供离线成本/质量分析
type EventSink interface {
	Emit(ctx context.Context, event types.ScoreAttemptEvent)
}

// logEventSink 默认事件汇，写结构化日志
type logEventSink struct{}

func (logEventSink) Emit(ctx context.Context, event types.ScoreAttemptEvent) {
	logger.Ctx(ctx).Info().
		Str("job_id", event.JobID).
		Str("model_id", event.ModelID).
		Int("model_index", event.ModelIndex).
		Int("attempt", event.Attempt).
		Dur("duration", event.Duration).
		Str("outcome", event.Outcome).
		Msg("评分尝试")
}

// scoreState 回退链状态机的命名状态
type scoreState int

const (
	stateTryModel scoreState = iota
	stateRetrySameModel
	stateNextModel
	stateExhausted
	stateFallback
	stateAccept
	stateFail
)

// Scorer 兼容性评分器
type Scorer struct {
	providers []Provider // 内部模型链，按优先级排列
	fallback  Provider   // 外部回退模型，可为nil

	cache AnalysisCache
	store AnalysisStore
	guard QuotaGate
	sink  EventSink

	weights        map[string]float64
	tolerance      float64
	maxAttempts    int
	attemptTimeout time.Duration
	retryWait      time.Duration
	cacheTTL       time.Duration

	// 注入时钟与等待，状态机测试无需真实计时器
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Option 评分器的可选配置
type Option func(*Scorer)

// WithFallbackProvider 设置外部回退模型
func WithFallbackProvider(p Provider) Option {
	return func(s *Scorer) { s.fallback = p }
}

// WithCache 设置热层缓存
func WithCache(cache AnalysisCache, ttl time.Duration) Option {
	return func(s *Scorer) {
		s.cache = cache
		if ttl > 0 {
			s.cacheTTL = ttl
		}
	}
}

// WithStore 设置持久化存储
func WithStore(store AnalysisStore) Option {
	return func(s *Scorer) { s.store = store }
}

// WithQuotaGate 设置配额守卫
func WithQuotaGate(guard QuotaGate) Option {
	return func(s *Scorer) { s.guard = guard }
}

// WithEventSink 替换尝试事件的接收端
func WithEventSink(sink EventSink) Option {
	return func(s *Scorer) { s.sink = sink }
}

// WithAttemptTimeout 单次模型调用的超时
func WithAttemptTimeout(timeout time.Duration) Option {
	return func(s *Scorer) { s.attemptTimeout = timeout }
}

// WithRetryWait 同模型两次尝试之间的等待
func WithRetryWait(wait time.Duration) Option {
	return func(s *Scorer) { s.retryWait = wait }
}

// withClock 测试专用：注入时钟与等待函数
func withClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Scorer) {
		s.now = now
		s.sleep = sleep
	}
}

// New 创建评分器。providers为内部模型链，不可为空；
// weights为10维度权重，总和必须为100。
func New(providers []Provider, weights map[string]float64, maxAttempts int, tolerance float64, opts ...Option) (*Scorer, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("评分器需要至少一个内部模型")
	}
	if err := validateWeights(weights); err != nil {
		return nil, err
	}
	if maxAttempts <= 0 {
		maxAttempts = 2
	}
	if tolerance <= 0 {
		tolerance = 2.0
	}

	s := &Scorer{
		providers:      providers,
		weights:        weights,
		tolerance:      tolerance,
		maxAttempts:    maxAttempts,
		attemptTimeout: 45 * time.Second,
		retryWait:      time.Second,
		cacheTTL:       constants.ScoreCacheTTL,
		sink:           logEventSink{},
		now:            time.Now,
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Score 评估岗位与候选人画像的兼容性。
// 成功的分析按 (job, user, profile_fingerprint) 缓存，画像未变的重复请求
// 直接命中缓存不重新计算。
func (s *Scorer) Score(ctx context.Context, job *types.CanonicalJobRecord, userID, profileFingerprint, profileText string) (*types.CompatibilityAnalysis, error) {
	if job == nil || job.JobID == "" {
		return nil, types.ValidationErrorf("岗位记录为空")
	}
	if userID == "" {
		return nil, types.ValidationErrorf("userID为空")
	}
	if profileFingerprint == "" {
		return nil, types.ValidationErrorf("画像指纹为空")
	}
	if strings.TrimSpace(profileText) == "" {
		return nil, types.ValidationErrorf("候选人画像为空")
	}

	if cached := s.lookupCached(ctx, job.JobID, userID, profileFingerprint); cached != nil {
		return cached, nil
	}

	jobText := job.Description
	if jobText == "" {
		jobText = job.Title + " " + job.Company
	}
	messages := buildScoreMessages(s.weights, jobText, profileText)

	resp, modelUsed, attemptCount, err := s.runChain(ctx, job.JobID, userID, messages)
	if err != nil {
		return nil, err
	}

	analysis := &types.CompatibilityAnalysis{
		JobID:              job.JobID,
		UserID:             userID,
		ProfileFingerprint: profileFingerprint,
		Dimensions:         resp.Dimensions,
		OverallScore:       resp.OverallScore,
		Tier:               TierForScore(resp.OverallScore),
		Strengths:          resp.Strengths,
		Gaps:               resp.Gaps,
		ModelUsed:          modelUsed,
		AttemptCount:       attemptCount,
		ComputedAt:         s.now(),
	}

	s.persist(ctx, analysis)
	return analysis, nil
}

// runChain 执行回退链状态机，返回通过校验的响应。
// TryModel → ValidateResponse → {Accept | RetrySameModel | NextModel}
// → Exhausted → FallbackExternalModel → {Accept | Fail}
func (s *Scorer) runChain(ctx context.Context, jobID, userID string, messages []*einoschema.Message) (*modelScoreResponse, string, int, error) {
	state := stateTryModel
	modelIdx := 0
	attempt := 1
	totalAttempts := 0
	var lastErr error

	for {
		switch state {
		case stateTryModel, stateFallback:
			var provider Provider
			var eventIdx int
			if state == stateFallback {
				provider = s.fallback
				eventIdx = fallbackModelIndex
			} else {
				provider = s.providers[modelIdx]
				eventIdx = modelIdx
			}

			totalAttempts++
			resp, err := s.tryOnce(ctx, jobID, userID, provider, eventIdx, attempt, messages)
			if err == nil {
				return resp, provider.ModelID(), totalAttempts, nil
			}
			lastErr = err

			// 配额拒绝是全局信号，换模型也无济于事，立即向上传播
			if errors.Is(err, types.ErrQuotaExceeded) {
				return nil, "", totalAttempts, err
			}

			if state == stateFallback {
				state = stateFail
				continue
			}

			if attempt < s.maxAttempts {
				state = stateRetrySameModel
			} else {
				state = stateNextModel
			}

		case stateRetrySameModel:
			if err := s.sleep(ctx, s.retryWait); err != nil {
				return nil, "", totalAttempts, err
			}
			attempt++
			state = stateTryModel

		case stateNextModel:
			modelIdx++
			attempt = 1
			if modelIdx >= len(s.providers) {
				state = stateExhausted
			} else {
				state = stateTryModel
			}

		case stateExhausted:
			if s.fallback == nil {
				state = stateFail
				continue
			}
			logger.Ctx(ctx).Warn().
				Str("job_id", jobID).
				Int("attempts", totalAttempts).
				Msg("内部模型链耗尽，升级到外部回退模型")
			state = stateFallback

		case stateFail:
			return nil, "", totalAttempts, fmt.Errorf("评分在 %d 次尝试后终止失败: %w", totalAttempts, lastErr)

		default:
			return nil, "", totalAttempts, fmt.Errorf("非法状态 %d", state)
		}
	}
}

// tryOnce 单次模型尝试：配额预留、带超时调用、解析、校验，并发出事件
func (s *Scorer) tryOnce(ctx context.Context, jobID, userID string, provider Provider, modelIdx, attempt int, messages []*einoschema.Message) (*modelScoreResponse, error) {
	start := s.now()
	emit := func(outcome string) {
		s.sink.Emit(ctx, types.ScoreAttemptEvent{
			JobID:      jobID,
			ModelID:    provider.ModelID(),
			ModelIndex: modelIdx,
			Attempt:    attempt,
			Duration:   s.now().Sub(start),
			Outcome:    outcome,
		})
	}

	if s.guard != nil {
		if err := s.guard.ReserveForUser(ctx, userID, 1); err != nil {
			emit(OutcomeQuotaDenied)
			return nil, err
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.attemptTimeout)
	content, err := provider.Invoke(callCtx, messages)
	cancel()
	if err != nil {
		if s.guard != nil {
			s.guard.RefundForUser(ctx, userID, 1)
		}
		emit(OutcomeProviderError)
		return nil, types.TransientErrorf("模型 %s 调用失败: %v", provider.ModelID(), err)
	}

	resp, err := parseModelResponse(content)
	if err == nil {
		err = validateResponse(resp, s.weights, s.tolerance)
	}
	if err != nil {
		// 校验失败与网络失败同路：都算该次尝试失败
		emit(OutcomeInvalidResponse)
		return nil, err
	}

	emit(OutcomeAccepted)
	return resp, nil
}

// lookupCached 依次查热层缓存与持久层，命中持久层时回填热层
func (s *Scorer) lookupCached(ctx context.Context, jobID, userID, fingerprint string) *types.CompatibilityAnalysis {
	cacheKey := fmt.Sprintf(constants.KeyCompatScore, jobID, userID, fingerprint)

	if s.cache != nil {
		var cached types.CompatibilityAnalysis
		err := s.cache.GetJSON(ctx, cacheKey, &cached)
		if err == nil && cached.JobID == jobID {
			return &cached
		}
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			logger.Ctx(ctx).Warn().Err(err).Msg("读取评分缓存失败")
		}
	}

	if s.store != nil {
		record, err := s.store.GetCompatibilityRecord(ctx, jobID, userID, fingerprint)
		if err == nil && record != nil {
			analysis := analysisFromRecord(record)
			if s.cache != nil {
				if setErr := s.cache.SetJSON(ctx, cacheKey, analysis, s.cacheTTL); setErr != nil {
					logger.Ctx(ctx).Warn().Err(setErr).Msg("回填评分缓存失败")
				}
			}
			return analysis
		}
		if err != nil && !storage.IsRecordNotFound(err) {
			logger.Ctx(ctx).Warn().Err(err).Msg("读取评分记录失败")
		}
	}

	return nil
}

// persist 写穿缓存与持久层。两者失败都不阻塞评分结果返回。
func (s *Scorer) persist(ctx context.Context, analysis *types.CompatibilityAnalysis) {
	if s.cache != nil {
		cacheKey := fmt.Sprintf(constants.KeyCompatScore, analysis.JobID, analysis.UserID, analysis.ProfileFingerprint)
		if err := s.cache.SetJSON(ctx, cacheKey, analysis, s.cacheTTL); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Msg("写入评分缓存失败")
		}
	}

	if s.store != nil {
		record, err := recordFromAnalysis(analysis)
		if err != nil {
			logger.Ctx(ctx).Warn().Err(err).Msg("序列化评分记录失败")
			return
		}
		if err := s.store.UpsertCompatibilityRecord(ctx, record); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("job_id", analysis.JobID).Msg("写入评分记录失败")
		}
	}
}

// recordFromAnalysis 领域结果转数据库模型
func recordFromAnalysis(analysis *types.CompatibilityAnalysis) (*models.CompatibilityRecord, error) {
	dimensionsJSON, err := models.FloatMapToJSON(analysis.Dimensions)
	if err != nil {
		return nil, err
	}
	strengthsJSON, err := models.SliceToJSON(analysis.Strengths)
	if err != nil {
		return nil, err
	}
	gapsJSON, err := models.SliceToJSON(analysis.Gaps)
	if err != nil {
		return nil, err
	}

	return &models.CompatibilityRecord{
		JobID:              analysis.JobID,
		UserID:             analysis.UserID,
		ProfileFingerprint: analysis.ProfileFingerprint,
		DimensionsJSON:     dimensionsJSON,
		OverallScore:       analysis.OverallScore,
		Tier:               analysis.Tier,
		StrengthsJSON:      strengthsJSON,
		GapsJSON:           gapsJSON,
		ModelUsed:          analysis.ModelUsed,
		AttemptCount:       analysis.AttemptCount,
		ComputedAt:         analysis.ComputedAt,
	}, nil
}

// analysisFromRecord 数据库模型转领域结果
func analysisFromRecord(record *models.CompatibilityRecord) *types.CompatibilityAnalysis {
	analysis := &types.CompatibilityAnalysis{
		JobID:              record.JobID,
		UserID:             record.UserID,
		ProfileFingerprint: record.ProfileFingerprint,
		OverallScore:       record.OverallScore,
		Tier:               record.Tier,
		ModelUsed:          record.ModelUsed,
		AttemptCount:       record.AttemptCount,
		ComputedAt:         record.ComputedAt,
	}
	_ = models.JSONToFloatMap(record.DimensionsJSON, &analysis.Dimensions)
	_ = models.JSONToSlice(record.StrengthsJSON, &analysis.Strengths)
	_ = models.JSONToSlice(record.GapsJSON, &analysis.Gaps)
	return analysis
}
