package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"jobintel-go/internal/logger"
	"jobintel-go/internal/storage"
	"jobintel-go/internal/storage/models"
	"jobintel-go/internal/types"

	"github.com/cloudwego/eino/components/embedding"
	"golang.org/x/sync/singleflight"
)

// VectorCache 热层向量缓存契约，由Redis适配器实现
type VectorCache interface {
	GetEmbeddingVector(ctx context.Context, key string) ([]float64, string, error)
	SetEmbeddingVector(ctx context.Context, key string, vector []float64, modelVersion string) error
}

// VectorStore 冷层向量存储契约，由MySQL适配器实现
type VectorStore interface {
	GetJobEmbeddingByID(ctx context.Context, jobID string) (*models.JobEmbedding, error)
	SaveJobEmbedding(ctx context.Context, embedding *models.JobEmbedding) error
}

// QuotaReserver 嵌入调用前的配额检查契约
type QuotaReserver interface {
	CheckAndReserve(ctx context.Context, scope string, cost int64) error
	Refund(ctx context.Context, scope string, cost int64)
}

// Service 两级cache-aside的嵌入服务：
// Redis热层(TTL约30天) → MySQL冷层(按岗位持久化) → 嵌入模型。
// 同一缓存键的并发生成在进程内通过singleflight去重，
// 避免对同一文本重复付费调用。
type Service struct {
	provider     embedding.Embedder
	hot          VectorCache
	cold         VectorStore
	guard        QuotaReserver
	modelVersion string
	dimensions   int
	callTimeout  time.Duration
	quotaScope   string

	inflight singleflight.Group
}

// ServiceOption 服务的可选配置
type ServiceOption func(*Service)

// WithQuotaGuard 注入配额守卫，每次模型调用前预留额度
func WithQuotaGuard(guard QuotaReserver, scope string) ServiceOption {
	return func(s *Service) {
		s.guard = guard
		s.quotaScope = scope
	}
}

// WithCallTimeout 设置单次模型调用的超时
func WithCallTimeout(timeout time.Duration) ServiceOption {
	return func(s *Service) {
		s.callTimeout = timeout
	}
}

// NewService 创建嵌入服务。热层与冷层均可为nil（降级为直连模型），
// 但生产部署应当两层齐备。
func NewService(provider embedding.Embedder, hot VectorCache, cold VectorStore, modelVersion string, dimensions int, opts ...ServiceOption) (*Service, error) {
	if provider == nil {
		return nil, fmt.Errorf("嵌入服务需要模型客户端")
	}
	if modelVersion == "" {
		return nil, fmt.Errorf("嵌入服务需要模型版本标识")
	}
	if dimensions <= 0 {
		return nil, fmt.Errorf("向量维度必须为正数: %d", dimensions)
	}

	s := &Service{
		provider:     provider,
		hot:          hot,
		cold:         cold,
		modelVersion: modelVersion,
		dimensions:   dimensions,
		callTimeout:  30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CacheKey 计算文本+模型版本的缓存键。
// 键包含模型版本，模型升级后旧向量自然失效，无需显式清理。
func (s *Service) CacheKey(text string) string {
	sum := sha256.Sum256([]byte(s.modelVersion + ":" + text))
	return hex.EncodeToString(sum[:])
}

// EmbedQuery 向量化搜索查询文本。只写热层缓存，不落冷层。
func (s *Service) EmbedQuery(ctx context.Context, text string) ([]float64, error) {
	if text == "" {
		return nil, types.ValidationErrorf("查询文本为空")
	}
	return s.embedWithCache(ctx, s.CacheKey(text), text, "")
}

// EmbedJob 向量化岗位文本并以jobID为主键持久化到冷层。
// 模型版本不一致的冷层记录视为过期，重新生成。
func (s *Service) EmbedJob(ctx context.Context, jobID string, text string) ([]float64, error) {
	if jobID == "" {
		return nil, types.ValidationErrorf("jobID为空")
	}
	if text == "" {
		return nil, types.ValidationErrorf("岗位文本为空")
	}
	return s.embedWithCache(ctx, s.CacheKey(text), text, jobID)
}

// embedWithCache 两级缓存读取，miss时经singleflight调用模型。
// persistJobID非空时将结果写入冷层。
func (s *Service) embedWithCache(ctx context.Context, cacheKey string, text string, persistJobID string) ([]float64, error) {
	// 热层
	if s.hot != nil {
		vector, version, err := s.hot.GetEmbeddingVector(ctx, cacheKey)
		if err == nil && version == s.modelVersion && len(vector) == s.dimensions {
			return vector, nil
		}
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			logger.Ctx(ctx).Warn().Err(err).Msg("读取热层向量缓存失败，继续查冷层")
		}
	}

	// 冷层（仅岗位向量有持久化记录）
	if s.cold != nil && persistJobID != "" {
		record, err := s.cold.GetJobEmbeddingByID(ctx, persistJobID)
		if err == nil && record != nil && record.EmbeddingModelVersion == s.modelVersion {
			var vector []float64
			if jsonErr := json.Unmarshal(record.VectorRepresentation, &vector); jsonErr == nil && len(vector) == s.dimensions {
				// 回填热层
				if s.hot != nil {
					if setErr := s.hot.SetEmbeddingVector(ctx, cacheKey, vector, s.modelVersion); setErr != nil {
						logger.Ctx(ctx).Warn().Err(setErr).Msg("回填热层向量缓存失败")
					}
				}
				return vector, nil
			}
		} else if err != nil && !storage.IsRecordNotFound(err) {
			logger.Ctx(ctx).Warn().Err(err).Str("job_id", persistJobID).Msg("读取冷层向量失败，继续调用模型")
		}
	}

	// 同键并发请求共享一次模型调用
	result, err, shared := s.inflight.Do(cacheKey, func() (interface{}, error) {
		return s.generate(ctx, cacheKey, text, persistJobID)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		logger.Ctx(ctx).Debug().Str("cache_key", cacheKey).Msg("共享了同键的在途嵌入请求")
	}

	vector, ok := result.([]float64)
	if !ok {
		return nil, fmt.Errorf("嵌入结果类型异常: %T", result)
	}
	return vector, nil
}

// generate 调用模型并写穿两级缓存。
// 底层调用使用与首个调用方取消解耦的上下文，单个等待者取消
// 不会中断其他等待者共享的在途请求，只受调用自身超时约束。
func (s *Service) generate(ctx context.Context, cacheKey string, text string, persistJobID string) ([]float64, error) {
	if s.guard != nil && s.quotaScope != "" {
		if err := s.guard.CheckAndReserve(ctx, s.quotaScope, 1); err != nil {
			return nil, err
		}
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.callTimeout)
	defer cancel()

	vectors, err := s.provider.EmbedStrings(callCtx, []string{text})
	if err != nil {
		if s.guard != nil && s.quotaScope != "" {
			s.guard.Refund(ctx, s.quotaScope, 1)
		}
		return nil, types.TransientErrorf("嵌入模型调用失败: %v", err)
	}

	if len(vectors) != 1 {
		return nil, types.ResponseInvalidf("嵌入模型返回 %d 个向量，期望1个", len(vectors))
	}
	vector := vectors[0]

	// 维度不符是硬错误，绝不截断或补齐
	if len(vector) != s.dimensions {
		return nil, types.ResponseInvalidf("向量维度不符: 实际 %d, 期望 %d", len(vector), s.dimensions)
	}

	if s.hot != nil {
		if err := s.hot.SetEmbeddingVector(ctx, cacheKey, vector, s.modelVersion); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Msg("写入热层向量缓存失败")
		}
	}

	if s.cold != nil && persistJobID != "" {
		vectorJSON, err := json.Marshal(vector)
		if err != nil {
			return nil, fmt.Errorf("序列化向量失败: %w", err)
		}
		record := &models.JobEmbedding{
			JobID:                 persistJobID,
			VectorRepresentation:  vectorJSON,
			EmbeddingModelVersion: s.modelVersion,
			Dimensions:            len(vector),
		}
		if err := s.cold.SaveJobEmbedding(ctx, record); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("job_id", persistJobID).Msg("写入冷层向量失败")
		}
	}

	return vector, nil
}
