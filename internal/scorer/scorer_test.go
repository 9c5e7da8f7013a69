package scorer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"jobintel-go/internal/config"
	"jobintel-go/internal/storage"
	"jobintel-go/internal/storage/models"
	"jobintel-go/internal/types"

	einoschema "github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// fakeScoreProvider 按脚本依次返回响应或错误
type fakeScoreProvider struct {
	id      string
	replies []func() (string, error)
	calls   int
}

func (f *fakeScoreProvider) ModelID() string { return f.id }

func (f *fakeScoreProvider) Invoke(ctx context.Context, messages []*einoschema.Message) (string, error) {
	idx := f.calls
	f.calls++
	if idx >= len(f.replies) {
		if len(f.replies) == 0 {
			return "", errors.New("没有预设响应")
		}
		idx = len(f.replies) - 1
	}
	return f.replies[idx]()
}

func alwaysFail(id string) *fakeScoreProvider {
	return &fakeScoreProvider{id: id, replies: []func() (string, error){
		func() (string, error) { return "", errors.New("connection reset") },
	}}
}

func alwaysInvalid(id string) *fakeScoreProvider {
	return &fakeScoreProvider{id: id, replies: []func() (string, error){
		func() (string, error) { return `{"overall_score": 50}`, nil },
	}}
}

func alwaysValid(id string, dims map[string]float64) *fakeScoreProvider {
	return &fakeScoreProvider{id: id, replies: []func() (string, error){
		func() (string, error) { return validResponseJSON(dims), nil },
	}}
}

// validResponseJSON 构造总分与加权和严格一致的合法响应
func validResponseJSON(dims map[string]float64) string {
	weights := config.DefaultDimensionWeights()
	var overall float64
	for _, dim := range types.AllDimensions {
		overall += dims[dim] * weights[dim] / 100.0
	}
	payload := map[string]interface{}{
		"dimensions":    dims,
		"overall_score": overall,
		"strengths":     []string{"核心技能高度匹配"},
		"gaps":          []string{"缺少团队管理经验"},
	}
	data, _ := json.Marshal(payload)
	return string(data)
}

func uniformDims(score float64) map[string]float64 {
	dims := make(map[string]float64, len(types.AllDimensions))
	for _, dim := range types.AllDimensions {
		dims[dim] = score
	}
	return dims
}

// collectSink 收集全部尝试事件
type collectSink struct {
	mu     sync.Mutex
	events []types.ScoreAttemptEvent
}

func (c *collectSink) Emit(ctx context.Context, event types.ScoreAttemptEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

// fakeAnalysisCache 内存版 GetJSON/SetJSON
type fakeAnalysisCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeAnalysisCache() *fakeAnalysisCache {
	return &fakeAnalysisCache{data: make(map[string][]byte)}
}

func (f *fakeAnalysisCache) GetJSON(ctx context.Context, key string, target interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.data[key]
	if !ok {
		return storage.ErrNotFound
	}
	return json.Unmarshal(raw, target)
}

func (f *fakeAnalysisCache) SetJSON(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.data[key] = raw
	return nil
}

// fakeAnalysisStore 内存版持久层
type fakeAnalysisStore struct {
	mu   sync.Mutex
	rows map[string]*models.CompatibilityRecord
}

func newFakeAnalysisStore() *fakeAnalysisStore {
	return &fakeAnalysisStore{rows: make(map[string]*models.CompatibilityRecord)}
}

func (f *fakeAnalysisStore) key(jobID, userID, fp string) string {
	return jobID + "|" + userID + "|" + fp
}

func (f *fakeAnalysisStore) UpsertCompatibilityRecord(ctx context.Context, record *models.CompatibilityRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *record
	f.rows[f.key(record.JobID, record.UserID, record.ProfileFingerprint)] = &copied
	return nil
}

func (f *fakeAnalysisStore) GetCompatibilityRecord(ctx context.Context, jobID, userID, fingerprint string) (*models.CompatibilityRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[f.key(jobID, userID, fingerprint)]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *row
	return &copied, nil
}

// deniedQuota 始终拒绝的配额守卫
type deniedQuota struct{}

func (deniedQuota) ReserveForUser(ctx context.Context, userID string, cost int64) error {
	return &types.QuotaError{Scope: "user:" + userID, Cost: cost}
}
func (deniedQuota) RefundForUser(ctx context.Context, userID string, cost int64) {}

func instantClock() Option {
	return withClock(time.Now, func(ctx context.Context, d time.Duration) error { return nil })
}

func sampleJob() *types.CanonicalJobRecord {
	return &types.CanonicalJobRecord{
		JobID:       "job-1",
		Title:       "senior golang engineer",
		Company:     "acme corp",
		Description: "负责高并发后端服务的设计与开发，要求精通Go语言。",
	}
}

func newScorer(t *testing.T, providers []Provider, opts ...Option) *Scorer {
	t.Helper()
	opts = append(opts, instantClock())
	s, err := New(providers, config.DefaultDimensionWeights(), 2, 2.0, opts...)
	require.NoError(t, err)
	return s
}

func TestTierBoundaries(t *testing.T) {
	assert.Equal(t, types.TierStrong, TierForScore(80), "恰好80分应为strong")
	assert.Equal(t, types.TierGood, TierForScore(79.999), "79.999应为good")
	assert.Equal(t, types.TierGood, TierForScore(65))
	assert.Equal(t, types.TierModerate, TierForScore(50))
	assert.Equal(t, types.TierWeak, TierForScore(35))
	assert.Equal(t, types.TierPoor, TierForScore(34.999))
}

func TestValidateResponseMissingDimension(t *testing.T) {
	weights := config.DefaultDimensionWeights()
	dims := uniformDims(75)
	delete(dims, types.DimStability)

	resp := &modelScoreResponse{
		Dimensions:   dims,
		OverallScore: 75,
		Strengths:    []string{"匹配"},
	}
	err := validateResponse(resp, weights, 2.0)
	require.Error(t, err, "缺少任一维度必须被拒绝")
	assert.ErrorIs(t, err, types.ErrResponseValidation)
}

func TestValidateResponseScoreConsistency(t *testing.T) {
	weights := config.DefaultDimensionWeights()

	resp := &modelScoreResponse{
		Dimensions:   uniformDims(70),
		OverallScore: 70, // 各维度相同分数时加权和恰好等于该分数
		Strengths:    []string{"匹配"},
	}
	assert.NoError(t, validateResponse(resp, weights, 2.0))

	resp.OverallScore = 75 // 偏差5超过容差2
	err := validateResponse(resp, weights, 2.0)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrResponseValidation)

	resp.OverallScore = 71.5 // 容差内
	assert.NoError(t, validateResponse(resp, weights, 2.0))
}

func TestValidateResponseRequiresStrength(t *testing.T) {
	resp := &modelScoreResponse{
		Dimensions:   uniformDims(70),
		OverallScore: 70,
	}
	err := validateResponse(resp, config.DefaultDimensionWeights(), 2.0)
	assert.ErrorIs(t, err, types.ErrResponseValidation, "至少需要一条优势")
}

func TestScoreHappyPath(t *testing.T) {
	cache := newFakeAnalysisCache()
	store := newFakeAnalysisStore()
	provider := alwaysValid("qwen-turbo", uniformDims(85))
	sink := &collectSink{}

	s := newScorer(t, []Provider{provider},
		WithCache(cache, time.Hour), WithStore(store), WithEventSink(sink))

	analysis, err := s.Score(context.Background(), sampleJob(), "user-1", "fp-1", "五年Go后端经验")
	require.NoError(t, err)

	assert.InDelta(t, 85, analysis.OverallScore, 0.001)
	assert.Equal(t, types.TierStrong, analysis.Tier)
	assert.Equal(t, "qwen-turbo", analysis.ModelUsed)
	assert.Equal(t, 1, analysis.AttemptCount)
	assert.NotEmpty(t, analysis.Strengths)

	require.Len(t, sink.events, 1)
	assert.Equal(t, OutcomeAccepted, sink.events[0].Outcome)
	assert.Equal(t, 0, sink.events[0].ModelIndex)

	// 结果已持久化
	record, err := store.GetCompatibilityRecord(context.Background(), "job-1", "user-1", "fp-1")
	require.NoError(t, err)
	assert.Equal(t, types.TierStrong, record.Tier)
}

func TestScoreCacheHitSkipsProviders(t *testing.T) {
	cache := newFakeAnalysisCache()
	provider := alwaysValid("qwen-turbo", uniformDims(85))
	s := newScorer(t, []Provider{provider}, WithCache(cache, time.Hour))

	ctx := context.Background()
	_, err := s.Score(ctx, sampleJob(), "user-1", "fp-1", "画像文本")
	require.NoError(t, err)
	require.Equal(t, 1, provider.calls)

	cached, err := s.Score(ctx, sampleJob(), "user-1", "fp-1", "画像文本")
	require.NoError(t, err)
	assert.Equal(t, 1, provider.calls, "缓存命中不应再调用模型")
	assert.InDelta(t, 85, cached.OverallScore, 0.001)
}

func TestScoreRetriesSameModelThenAdvances(t *testing.T) {
	// 第一个模型两次都返回不合法响应，第二个模型第一次就成功
	bad := alwaysInvalid("qwen-turbo")
	good := alwaysValid("qwen-plus", uniformDims(60))
	sink := &collectSink{}

	s := newScorer(t, []Provider{bad, good}, WithEventSink(sink))

	analysis, err := s.Score(context.Background(), sampleJob(), "user-1", "fp-1", "画像文本")
	require.NoError(t, err)

	assert.Equal(t, 2, bad.calls, "第一个模型应尝试两次")
	assert.Equal(t, 1, good.calls)
	assert.Equal(t, "qwen-plus", analysis.ModelUsed)
	assert.Equal(t, 3, analysis.AttemptCount)

	require.Len(t, sink.events, 3)
	assert.Equal(t, OutcomeInvalidResponse, sink.events[0].Outcome)
	assert.Equal(t, 1, sink.events[0].Attempt)
	assert.Equal(t, OutcomeInvalidResponse, sink.events[1].Outcome)
	assert.Equal(t, 2, sink.events[1].Attempt)
	assert.Equal(t, OutcomeAccepted, sink.events[2].Outcome)
	assert.Equal(t, 1, sink.events[2].ModelIndex)
}

func TestScoreChainExhaustionAttemptCounts(t *testing.T) {
	// 3个内部模型 × 2次尝试 = 6次内部尝试，外部回退1次，总计7次后终止失败
	chain := []Provider{alwaysFail("m1"), alwaysInvalid("m2"), alwaysFail("m3")}
	fallback := alwaysFail("gemini-2.5-pro")
	sink := &collectSink{}

	s := newScorer(t, chain, WithFallbackProvider(fallback), WithEventSink(sink))

	_, err := s.Score(context.Background(), sampleJob(), "user-1", "fp-1", "画像文本")
	require.Error(t, err, "回退模型也失败时整个评分必须终止失败")

	require.Len(t, sink.events, 7, "6次内部尝试 + 1次外部回退")
	internal := 0
	for _, event := range sink.events[:6] {
		assert.NotEqual(t, fallbackModelIndex, event.ModelIndex)
		internal++
	}
	assert.Equal(t, 6, internal)
	assert.Equal(t, fallbackModelIndex, sink.events[6].ModelIndex, "最后一次应为外部回退")
}

func TestScoreFallbackRescues(t *testing.T) {
	chain := []Provider{alwaysFail("m1"), alwaysFail("m2"), alwaysFail("m3")}
	fallback := alwaysValid("gemini-2.5-pro", uniformDims(72))

	s := newScorer(t, chain, WithFallbackProvider(fallback))

	analysis, err := s.Score(context.Background(), sampleJob(), "user-1", "fp-1", "画像文本")
	require.NoError(t, err, "外部回退成功应拯救整个评分")
	assert.Equal(t, "gemini-2.5-pro", analysis.ModelUsed)
	assert.Equal(t, 7, analysis.AttemptCount)
	assert.Equal(t, types.TierGood, analysis.Tier)
}

func TestScoreNoFallbackTerminalError(t *testing.T) {
	chain := []Provider{alwaysFail("m1")}
	s := newScorer(t, chain)

	_, err := s.Score(context.Background(), sampleJob(), "user-1", "fp-1", "画像文本")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrTransientProvider)
}

func TestScoreQuotaDenialShortCircuits(t *testing.T) {
	provider := alwaysValid("qwen-turbo", uniformDims(85))
	sink := &collectSink{}
	s := newScorer(t, []Provider{provider}, WithQuotaGate(deniedQuota{}), WithEventSink(sink))

	_, err := s.Score(context.Background(), sampleJob(), "user-1", "fp-1", "画像文本")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrQuotaExceeded, "配额拒绝应作为独立错误类别传播")
	assert.Zero(t, provider.calls, "配额被拒时不应发起模型调用")

	require.Len(t, sink.events, 1)
	assert.Equal(t, OutcomeQuotaDenied, sink.events[0].Outcome)
}

func TestScoreValidation(t *testing.T) {
	s := newScorer(t, []Provider{alwaysValid("m", uniformDims(50))})

	_, err := s.Score(context.Background(), nil, "u", "fp", "text")
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = s.Score(context.Background(), sampleJob(), "", "fp", "text")
	assert.ErrorIs(t, err, types.ErrValidation)

	_, err = s.Score(context.Background(), sampleJob(), "u", "fp", "   ")
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestParseModelResponseRepairsUnescapedQuotes(t *testing.T) {
	dims := uniformDims(70)
	dimsJSON, _ := json.Marshal(dims)
	// strengths里的字符串含未转义引号
	raw := fmt.Sprintf(`前置解释文字 {"dimensions": %s, "overall_score": 70, "strengths": ["精通"高并发"场景"], "gaps": []} 后置文字`, dimsJSON)

	resp, err := parseModelResponse(raw)
	require.NoError(t, err, "未转义引号应能被修复")
	assert.InDelta(t, 70, resp.OverallScore, 0.001)
	require.Len(t, resp.Strengths, 1)
	assert.Contains(t, resp.Strengths[0], "高并发")
}

func TestParseModelResponseNoJSON(t *testing.T) {
	_, err := parseModelResponse("抱歉，我无法完成这个评估。")
	assert.ErrorIs(t, err, types.ErrResponseValidation)
}
