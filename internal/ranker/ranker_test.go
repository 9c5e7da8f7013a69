package ranker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobintel-go/internal/storage"
	"jobintel-go/internal/types"
)

type fakeKeywordIndex struct {
	hits []types.SearchResult
	err  error
}

func (f *fakeKeywordIndex) KeywordSearch(ctx context.Context, query string, limit int) ([]types.SearchResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.hits, nil
}

type fakeVectorIndex struct {
	hits       []storage.VectorSearchHit
	err        error
	lastFilter map[string]interface{}
}

func (f *fakeVectorIndex) SearchSimilarJobs(ctx context.Context, queryVector []float64, limit int, filter map[string]interface{}) ([]storage.VectorSearchHit, error) {
	f.lastFilter = filter
	if f.err != nil {
		return nil, f.err
	}
	return f.hits, nil
}

type fakeEmbedder struct {
	err error
}

func (f *fakeEmbedder) EmbedQuery(ctx context.Context, text string) ([]float64, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float64{0.1, 0.2, 0.3}, nil
}

type fakeSessionCache struct {
	lastKey     string
	lastResults []types.SearchResult
	pages       map[string][]string
}

func (f *fakeSessionCache) CacheSearchResults(ctx context.Context, sessionKey string, results []types.SearchResult, ttl time.Duration) error {
	f.lastKey = sessionKey
	f.lastResults = results
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.JobID
	}
	if f.pages == nil {
		f.pages = make(map[string][]string)
	}
	f.pages[sessionKey] = ids
	return nil
}

func (f *fakeSessionCache) GetCachedSearchResults(ctx context.Context, sessionKey string, cursor, limit int64) ([]string, int64, error) {
	ids, ok := f.pages[sessionKey]
	if !ok {
		return nil, 0, nil
	}
	total := int64(len(ids))
	if cursor >= total {
		return []string{}, total, nil
	}
	end := cursor + limit
	if end > total {
		end = total
	}
	return ids[cursor:end], total, nil
}

type fakeJobLookup struct {
	postedAt map[string]time.Time
	err      error
}

func (f *fakeJobLookup) GetJobPostedAt(ctx context.Context, jobIDs []string) (map[string]time.Time, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.postedAt, nil
}

func vectorHit(jobID string, score float32) storage.VectorSearchHit {
	return storage.VectorSearchHit{
		ID:      "point-" + jobID,
		Score:   score,
		Payload: map[string]interface{}{"job_id": jobID},
	}
}

func TestSearchFusesBothComponents(t *testing.T) {
	// 两路各放一个满分锚点，max归一化退化为恒等，
	// job-x的融合分可以精确验证：0.3*0.8 + 0.7*0.6 = 0.66
	keyword := &fakeKeywordIndex{hits: []types.SearchResult{
		{JobID: "kw-anchor", KeywordScore: 1.0},
		{JobID: "job-x", KeywordScore: 0.8},
	}}
	vector := &fakeVectorIndex{hits: []storage.VectorSearchHit{
		vectorHit("sem-anchor", 1.0),
		vectorHit("job-x", 0.6),
	}}

	r, err := New(keyword, vector, &fakeEmbedder{})
	require.NoError(t, err)

	results, err := r.Search(context.Background(), "golang 后端", "", 10)
	require.NoError(t, err)
	require.Len(t, results, 3)

	byID := make(map[string]types.SearchResult)
	for _, res := range results {
		byID[res.JobID] = res
	}
	assert.InDelta(t, 0.66, byID["job-x"].CombinedScore, 1e-9)
	assert.InDelta(t, 0.3, byID["kw-anchor"].CombinedScore, 1e-9)
	assert.InDelta(t, 0.7, byID["sem-anchor"].CombinedScore, 1e-9)

	// 降序：语义锚点 > 双路命中 > 关键词锚点
	assert.Equal(t, "sem-anchor", results[0].JobID)
	assert.Equal(t, "job-x", results[1].JobID)
	assert.Equal(t, "kw-anchor", results[2].JobID)
}

func TestSearchIncludesPartialMatches(t *testing.T) {
	// 单边命中不被排除，缺失分量记0
	keyword := &fakeKeywordIndex{hits: []types.SearchResult{
		{JobID: "kw-only", KeywordScore: 0.9},
	}}
	vector := &fakeVectorIndex{hits: []storage.VectorSearchHit{
		vectorHit("sem-only", 0.8),
	}}

	r, err := New(keyword, vector, &fakeEmbedder{})
	require.NoError(t, err)

	results, err := r.Search(context.Background(), "数据工程师", "", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)

	byID := make(map[string]types.SearchResult)
	for _, res := range results {
		byID[res.JobID] = res
	}
	assert.Zero(t, byID["kw-only"].SemanticScore)
	assert.Zero(t, byID["sem-only"].KeywordScore)
	assert.InDelta(t, 0.3, byID["kw-only"].CombinedScore, 1e-9)
	assert.InDelta(t, 0.7, byID["sem-only"].CombinedScore, 1e-9)
}

func TestSearchTieBreaksByPostedAt(t *testing.T) {
	older := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	keyword := &fakeKeywordIndex{hits: []types.SearchResult{
		{JobID: "job-old", KeywordScore: 0.5, PostedAt: older},
		{JobID: "job-new", KeywordScore: 0.5, PostedAt: newer},
	}}
	vector := &fakeVectorIndex{}

	r, err := New(keyword, vector, &fakeEmbedder{})
	require.NoError(t, err)

	results, err := r.Search(context.Background(), "产品经理", "", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)

	// 同分时较新的在前
	assert.Equal(t, "job-new", results[0].JobID)
	assert.Equal(t, "job-old", results[1].JobID)
}

func TestSearchFillsPostedAtForSemanticHits(t *testing.T) {
	posted := time.Date(2026, 5, 20, 0, 0, 0, 0, time.UTC)
	keyword := &fakeKeywordIndex{}
	vector := &fakeVectorIndex{hits: []storage.VectorSearchHit{
		vectorHit("sem-a", 0.7),
	}}
	lookup := &fakeJobLookup{postedAt: map[string]time.Time{"sem-a": posted}}

	r, err := New(keyword, vector, &fakeEmbedder{}, WithJobLookup(lookup))
	require.NoError(t, err)

	results, err := r.Search(context.Background(), "运维", "", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, posted, results[0].PostedAt)
}

func TestSearchDegradesWhenKeywordIndexFails(t *testing.T) {
	keyword := &fakeKeywordIndex{err: errors.New("fulltext索引不可用")}
	vector := &fakeVectorIndex{hits: []storage.VectorSearchHit{
		vectorHit("sem-a", 0.9),
	}}

	r, err := New(keyword, vector, &fakeEmbedder{})
	require.NoError(t, err)

	results, err := r.Search(context.Background(), "算法工程师", "", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "sem-a", results[0].JobID)
}

func TestSearchDegradesWhenVectorIndexFails(t *testing.T) {
	keyword := &fakeKeywordIndex{hits: []types.SearchResult{
		{JobID: "kw-a", KeywordScore: 0.6},
	}}
	vector := &fakeVectorIndex{err: errors.New("qdrant超时")}

	r, err := New(keyword, vector, &fakeEmbedder{})
	require.NoError(t, err)

	results, err := r.Search(context.Background(), "前端", "", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "kw-a", results[0].JobID)
}

func TestSearchDegradesWhenEmbeddingFails(t *testing.T) {
	keyword := &fakeKeywordIndex{hits: []types.SearchResult{
		{JobID: "kw-a", KeywordScore: 0.6},
	}}
	vector := &fakeVectorIndex{hits: []storage.VectorSearchHit{
		vectorHit("sem-a", 0.9),
	}}

	r, err := New(keyword, vector, &fakeEmbedder{err: errors.New("嵌入服务不可用")})
	require.NoError(t, err)

	results, err := r.Search(context.Background(), "测试开发", "", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "kw-a", results[0].JobID)
}

func TestSearchEmptyRecallReturnsEmptySlice(t *testing.T) {
	r, err := New(&fakeKeywordIndex{}, &fakeVectorIndex{}, &fakeEmbedder{})
	require.NoError(t, err)

	results, err := r.Search(context.Background(), "冷门职位", "", 10)
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)
}

func TestSearchRejectsEmptyQuery(t *testing.T) {
	r, err := New(&fakeKeywordIndex{}, &fakeVectorIndex{}, &fakeEmbedder{})
	require.NoError(t, err)

	_, err = r.Search(context.Background(), "", "", 10)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestSearchUserScopeFilter(t *testing.T) {
	vector := &fakeVectorIndex{hits: []storage.VectorSearchHit{
		vectorHit("sem-a", 0.9),
	}}
	r, err := New(&fakeKeywordIndex{}, vector, &fakeEmbedder{})
	require.NoError(t, err)

	_, err = r.Search(context.Background(), "golang", "user-1", 10)
	require.NoError(t, err)
	require.NotNil(t, vector.lastFilter)

	// 用户检索命中自己的记录或无主的全局记录
	should, ok := vector.lastFilter["should"].([]map[string]interface{})
	require.True(t, ok)
	require.Len(t, should, 2)
	assert.Equal(t, "user_id", should[0]["key"])
	assert.Equal(t, map[string]interface{}{"value": "user-1"}, should[0]["match"])
	assert.Equal(t, map[string]interface{}{"key": "user_id"}, should[1]["is_empty"])

	// 全局检索不带过滤
	_, err = r.Search(context.Background(), "golang", "", 10)
	require.NoError(t, err)
	assert.Nil(t, vector.lastFilter)
}

func TestSearchWritesSessionCacheAndPages(t *testing.T) {
	keyword := &fakeKeywordIndex{hits: []types.SearchResult{
		{JobID: "job-1", KeywordScore: 1.0},
		{JobID: "job-2", KeywordScore: 0.8},
		{JobID: "job-3", KeywordScore: 0.5},
	}}
	session := &fakeSessionCache{}

	r, err := New(keyword, &fakeVectorIndex{}, &fakeEmbedder{},
		WithSessionCache(session, time.Minute))
	require.NoError(t, err)

	// limit小于结果总数时，缓存保存的是完整排序列表
	results, err := r.Search(context.Background(), "后端开发", "user-1", 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, SessionKey("user-1", "后端开发"), session.lastKey)
	require.Len(t, session.lastResults, 3)

	page, total, err := r.FetchCachedPage(context.Background(), "后端开发", "user-1", 2, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Equal(t, []string{"job-3"}, page)
}

func TestSessionKeyScopes(t *testing.T) {
	userKey := SessionKey("user-1", "golang")
	globalKey := SessionKey("", "golang")

	assert.Contains(t, userKey, "user-1")
	assert.Contains(t, globalKey, "global")
	assert.NotEqual(t, userKey, globalKey)

	// 同一用户不同查询的键不同
	assert.NotEqual(t, userKey, SessionKey("user-1", "python"))
}

func TestNewRejectsBadWeights(t *testing.T) {
	_, err := New(&fakeKeywordIndex{}, &fakeVectorIndex{}, &fakeEmbedder{},
		WithWeights(0.5, 0.6))
	assert.Error(t, err)

	_, err = New(nil, &fakeVectorIndex{}, &fakeEmbedder{})
	assert.Error(t, err)
}

func TestMinMaxNormalization(t *testing.T) {
	results := []types.SearchResult{
		{JobID: "a", KeywordScore: 2.0, SemanticScore: 0.9},
		{JobID: "b", KeywordScore: 6.0, SemanticScore: 0.5},
		{JobID: "c", KeywordScore: 4.0, SemanticScore: 0.7},
	}
	normalizeScores(results, NormalizationMinMax)

	assert.InDelta(t, 0.0, results[0].KeywordScore, 1e-9)
	assert.InDelta(t, 1.0, results[1].KeywordScore, 1e-9)
	assert.InDelta(t, 0.5, results[2].KeywordScore, 1e-9)

	assert.InDelta(t, 1.0, results[0].SemanticScore, 1e-9)
	assert.InDelta(t, 0.0, results[1].SemanticScore, 1e-9)
	assert.InDelta(t, 0.5, results[2].SemanticScore, 1e-9)
}
