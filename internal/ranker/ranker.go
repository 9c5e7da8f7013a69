// Package ranker 实现混合检索：关键词索引与向量索引各自召回，
// 分数归一化到[0,1]后按固定权重融合，单边命中的结果缺失分量记0分
// 而不是被排除——部分匹配仍然出现在结果中。
package ranker

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"time"

	"jobintel-go/internal/constants"
	"jobintel-go/internal/logger"
	"jobintel-go/internal/storage"
	"jobintel-go/internal/types"
)

// 归一化方式
const (
	NormalizationMax    = "max"    // 各分量除以本次召回的最大值
	NormalizationMinMax = "minmax" // (x-min)/(max-min)
)

// KeywordIndex 关键词索引契约，由MySQL FULLTEXT实现
type KeywordIndex interface {
	KeywordSearch(ctx context.Context, query string, limit int) ([]types.SearchResult, error)
}

// VectorIndex 向量索引契约，由Qdrant实现
type VectorIndex interface {
	SearchSimilarJobs(ctx context.Context, queryVector []float64, limit int, filter map[string]interface{}) ([]storage.VectorSearchHit, error)
}

// QueryEmbedder 查询文本向量化契约，由嵌入服务实现
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float64, error)
}

// SessionCache 检索会话缓存契约，由Redis ZSET实现
type SessionCache interface {
	CacheSearchResults(ctx context.Context, sessionKey string, results []types.SearchResult, ttl time.Duration) error
	GetCachedSearchResults(ctx context.Context, sessionKey string, cursor, limit int64) ([]string, int64, error)
}

// JobLookup 岗位元数据查询，用于补齐同分排序需要的posted_at
type JobLookup interface {
	GetJobPostedAt(ctx context.Context, jobIDs []string) (map[string]time.Time, error)
}

// Ranker 混合检索排序器
type Ranker struct {
	keyword  KeywordIndex
	vector   VectorIndex
	embedder QueryEmbedder
	session  SessionCache
	lookup   JobLookup

	keywordWeight  float64
	semanticWeight float64
	normalization  string
	recallLimit    int
	sessionTTL     time.Duration
}

// Option 排序器的可选配置
type Option func(*Ranker)

// WithWeights 覆盖融合权重。权重是配置而非魔法数，便于评估时替换。
func WithWeights(keyword, semantic float64) Option {
	return func(r *Ranker) {
		r.keywordWeight = keyword
		r.semanticWeight = semantic
	}
}

// WithNormalization 选择分数归一化方式
func WithNormalization(method string) Option {
	return func(r *Ranker) {
		if method == NormalizationMax || method == NormalizationMinMax {
			r.normalization = method
		}
	}
}

// WithRecallLimit 每个索引的召回上限
func WithRecallLimit(limit int) Option {
	return func(r *Ranker) {
		if limit > 0 {
			r.recallLimit = limit
		}
	}
}

// WithSessionCache 启用检索会话缓存，翻页命中ZSET不重复计算
func WithSessionCache(cache SessionCache, ttl time.Duration) Option {
	return func(r *Ranker) {
		r.session = cache
		if ttl > 0 {
			r.sessionTTL = ttl
		}
	}
}

// WithJobLookup 注入岗位元数据查询，补齐向量命中的posted_at
func WithJobLookup(lookup JobLookup) Option {
	return func(r *Ranker) { r.lookup = lookup }
}

// New 创建混合检索排序器。两个索引都必须提供；嵌入服务缺失时
// 退化为纯关键词检索。
func New(keyword KeywordIndex, vector VectorIndex, embedder QueryEmbedder, opts ...Option) (*Ranker, error) {
	if keyword == nil {
		return nil, fmt.Errorf("ranker需要关键词索引")
	}

	r := &Ranker{
		keyword:        keyword,
		vector:         vector,
		embedder:       embedder,
		keywordWeight:  0.3,
		semanticWeight: 0.7,
		normalization:  NormalizationMax,
		recallLimit:    100,
		sessionTTL:     constants.SearchSessionTTL,
	}
	for _, opt := range opts {
		opt(r)
	}

	if math.Abs(r.keywordWeight+r.semanticWeight-1.0) > 1e-9 {
		return nil, fmt.Errorf("融合权重之和必须为1, 实际 %.4f", r.keywordWeight+r.semanticWeight)
	}
	return r, nil
}

// Search 执行混合检索。结果按combinedScore降序，同分按posted_at较新优先。
func (r *Ranker) Search(ctx context.Context, query, userID string, limit int) ([]types.SearchResult, error) {
	if query == "" {
		return nil, types.ValidationErrorf("查询为空")
	}
	if limit <= 0 {
		limit = 20
	}

	// 关键词召回
	keywordHits, err := r.keyword.KeywordSearch(ctx, query, r.recallLimit)
	if err != nil {
		// 单索引故障降级而非整体失败，缺失分量记0
		logger.Ctx(ctx).Warn().Err(err).Msg("关键词召回失败，仅用语义结果")
		keywordHits = nil
	}

	// 语义召回
	var vectorHits []storage.VectorSearchHit
	if r.vector != nil && r.embedder != nil {
		queryVector, err := r.embedder.EmbedQuery(ctx, query)
		if err != nil {
			logger.Ctx(ctx).Warn().Err(err).Msg("查询向量化失败，仅用关键词结果")
		} else {
			filter := vectorScopeFilter(userID)
			vectorHits, err = r.vector.SearchSimilarJobs(ctx, queryVector, r.recallLimit, filter)
			if err != nil {
				logger.Ctx(ctx).Warn().Err(err).Msg("语义召回失败，仅用关键词结果")
				vectorHits = nil
			}
		}
	}

	if len(keywordHits) == 0 && len(vectorHits) == 0 {
		return []types.SearchResult{}, nil
	}

	results := r.fuse(ctx, keywordHits, vectorHits)

	if r.session != nil {
		sessionKey := SessionKey(userID, query)
		if err := r.session.CacheSearchResults(ctx, sessionKey, results, r.sessionTTL); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Msg("写入检索会话缓存失败")
		}
	}

	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// FetchCachedPage 从会话缓存按游标取一页已排序的jobID。
// 缓存过期时返回空列表和0总数，调用方应重新Search。
func (r *Ranker) FetchCachedPage(ctx context.Context, query, userID string, cursor, limit int64) ([]string, int64, error) {
	if r.session == nil {
		return nil, 0, fmt.Errorf("会话缓存未启用")
	}
	return r.session.GetCachedSearchResults(ctx, SessionKey(userID, query), cursor, limit)
}

// fuse 合并两路召回并计算融合分
func (r *Ranker) fuse(ctx context.Context, keywordHits []types.SearchResult, vectorHits []storage.VectorSearchHit) []types.SearchResult {
	merged := make(map[string]*types.SearchResult)

	for _, hit := range keywordHits {
		entry := hit
		merged[hit.JobID] = &entry
	}

	for _, hit := range vectorHits {
		jobID := jobIDFromHit(hit)
		if jobID == "" {
			continue
		}
		if entry, ok := merged[jobID]; ok {
			entry.SemanticScore = float64(hit.Score)
		} else {
			merged[jobID] = &types.SearchResult{
				JobID:         jobID,
				SemanticScore: float64(hit.Score),
			}
		}
	}

	results := make([]types.SearchResult, 0, len(merged))
	for _, entry := range merged {
		results = append(results, *entry)
	}

	normalizeScores(results, r.normalization)

	for i := range results {
		results[i].CombinedScore = r.keywordWeight*results[i].KeywordScore + r.semanticWeight*results[i].SemanticScore
	}

	r.fillPostedAt(ctx, results)

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].CombinedScore != results[j].CombinedScore {
			return results[i].CombinedScore > results[j].CombinedScore
		}
		// 同分按发布时间较新优先
		return results[i].PostedAt.After(results[j].PostedAt)
	})

	return results
}

// fillPostedAt 为仅语义命中的结果补齐posted_at，供同分排序使用
func (r *Ranker) fillPostedAt(ctx context.Context, results []types.SearchResult) {
	if r.lookup == nil {
		return
	}

	var missing []string
	for i := range results {
		if results[i].PostedAt.IsZero() {
			missing = append(missing, results[i].JobID)
		}
	}
	if len(missing) == 0 {
		return
	}

	postedAt, err := r.lookup.GetJobPostedAt(ctx, missing)
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Msg("补齐posted_at失败")
		return
	}
	for i := range results {
		if results[i].PostedAt.IsZero() {
			if t, ok := postedAt[results[i].JobID]; ok {
				results[i].PostedAt = t
			}
		}
	}
}

// normalizeScores 按选定方式将两路分数各自归一化到[0,1]
func normalizeScores(results []types.SearchResult, method string) {
	if len(results) == 0 {
		return
	}

	var kwMin, kwMax, semMin, semMax float64
	kwMin, semMin = math.Inf(1), math.Inf(1)
	for _, r := range results {
		kwMax = math.Max(kwMax, r.KeywordScore)
		semMax = math.Max(semMax, r.SemanticScore)
		kwMin = math.Min(kwMin, r.KeywordScore)
		semMin = math.Min(semMin, r.SemanticScore)
	}

	normalize := func(value, minVal, maxVal float64) float64 {
		switch method {
		case NormalizationMinMax:
			if maxVal-minVal <= 0 {
				if maxVal > 0 {
					return 1
				}
				return 0
			}
			return (value - minVal) / (maxVal - minVal)
		default: // NormalizationMax
			if maxVal <= 0 {
				return 0
			}
			return value / maxVal
		}
	}

	for i := range results {
		results[i].KeywordScore = clamp01(normalize(results[i].KeywordScore, kwMin, kwMax))
		results[i].SemanticScore = clamp01(normalize(results[i].SemanticScore, semMin, semMax))
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// jobIDFromHit 优先取payload中的job_id，缺失时退回点ID
func jobIDFromHit(hit storage.VectorSearchHit) string {
	if hit.Payload != nil {
		if jobID, ok := hit.Payload["job_id"].(string); ok && jobID != "" {
			return jobID
		}
	}
	return hit.ID
}

// vectorScopeFilter 构造按用户范围过滤的Qdrant filter。
// userID为空时不过滤（全局检索）；有用户时命中该用户自己的记录，
// 以及不带user_id的全局抓取记录。
func vectorScopeFilter(userID string) map[string]interface{} {
	if userID == "" {
		return nil
	}
	return map[string]interface{}{
		"should": []map[string]interface{}{
			{
				"key":   "user_id",
				"match": map[string]interface{}{"value": userID},
			},
			{
				"is_empty": map[string]interface{}{"key": "user_id"},
			},
		},
	}
}

// SessionKey 检索会话的缓存键：用户+查询哈希
func SessionKey(userID, query string) string {
	sum := md5.Sum([]byte(query))
	if userID == "" {
		userID = "global"
	}
	return fmt.Sprintf(constants.KeySearchSession, userID, hex.EncodeToString(sum[:]))
}
