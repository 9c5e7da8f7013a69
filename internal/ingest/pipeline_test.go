package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"jobintel-go/internal/canonicalizer"
	"jobintel-go/internal/storage/models"
	"jobintel-go/internal/types"
)

type fakeDedupIndex struct {
	owners map[string]string
}

func (f *fakeDedupIndex) CheckAndSetContentHash(ctx context.Context, contentHash, jobID string) (bool, string, error) {
	if f.owners == nil {
		f.owners = make(map[string]string)
	}
	if owner, ok := f.owners[contentHash]; ok {
		return true, owner, nil
	}
	f.owners[contentHash] = jobID
	return false, "", nil
}

func (f *fakeDedupIndex) RemoveContentHash(ctx context.Context, contentHash string) error {
	delete(f.owners, contentHash)
	return nil
}

type fakeRecordStore struct {
	jobs map[string]*models.CanonicalJob
}

func (f *fakeRecordStore) UpsertCanonicalJob(ctx context.Context, job *models.CanonicalJob) error {
	if f.jobs == nil {
		f.jobs = make(map[string]*models.CanonicalJob)
	}
	copied := *job
	f.jobs[job.JobID] = &copied
	return nil
}

func (f *fakeRecordStore) GetCanonicalJobByID(ctx context.Context, jobID string) (*models.CanonicalJob, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, errors.New("记录不存在")
	}
	return job, nil
}

func (f *fakeRecordStore) GetCanonicalJobByCanonicalHash(ctx context.Context, canonicalHash string) (*models.CanonicalJob, error) {
	for _, job := range f.jobs {
		if job.CanonicalHash == canonicalHash {
			return job, nil
		}
	}
	return nil, errors.New("记录不存在")
}

func (f *fakeRecordStore) UpdateCanonicalJobFields(ctx context.Context, jobID string, updates map[string]interface{}) error {
	job, ok := f.jobs[jobID]
	if !ok {
		return errors.New("记录不存在")
	}
	if v, ok := updates["all_sources_json"]; ok {
		job.AllSourcesJSON = v.(datatypes.JSON)
	}
	if v, ok := updates["last_seen_at"]; ok {
		job.LastSeenAt = v.(time.Time)
	}
	return nil
}

type fakeArchiver struct {
	keys []string
	err  error
}

func (f *fakeArchiver) ArchiveRawPostingJSON(ctx context.Context, jobID, source string, payload interface{}) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	key := "raw/" + jobID + ".json"
	f.keys = append(f.keys, key)
	return key, nil
}

type fakeEmbedder struct {
	calls int
	err   error
}

func (f *fakeEmbedder) EmbedJob(ctx context.Context, jobID, text string) ([]float64, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []float64{0.1, 0.2}, nil
}

type fakeVectorWriter struct {
	payloads map[string]map[string]interface{}
	err      error
}

func (f *fakeVectorWriter) StoreJobVector(ctx context.Context, jobID string, vector []float64, payload map[string]interface{}) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if f.payloads == nil {
		f.payloads = make(map[string]map[string]interface{})
	}
	f.payloads[jobID] = payload
	return jobID, nil
}

type fakeScreener struct {
	calls      int
	batchCalls int
	err        error
}

func (f *fakeScreener) Analyze(ctx context.Context, job *types.CanonicalJobRecord) (*types.SpamAnalysis, error) {
	f.calls++
	if f.err != nil {
		return &types.SpamAnalysis{
			JobID:          job.JobID,
			Recommendation: types.SpamRecommendUnscored,
		}, f.err
	}
	return &types.SpamAnalysis{
		JobID:          job.JobID,
		Probability:    0.1,
		Recommendation: types.SpamRecommendSafe,
	}, nil
}

func (f *fakeScreener) AnalyzeBatch(ctx context.Context, jobs []*types.CanonicalJobRecord) ([]*types.SpamAnalysis, error) {
	f.batchCalls++
	results := make([]*types.SpamAnalysis, 0, len(jobs))
	for _, job := range jobs {
		analysis, _ := f.Analyze(ctx, job)
		results = append(results, analysis)
	}
	return results, nil
}

type fakeLocker struct {
	denied   bool
	acquired int
	released int
}

func (f *fakeLocker) AcquireLock(ctx context.Context, lockKey string, expiration time.Duration) (string, error) {
	f.acquired++
	if f.denied {
		return "", nil
	}
	return "holder-1", nil
}

func (f *fakeLocker) ReleaseLock(ctx context.Context, lockKey, lockValue string) (bool, error) {
	f.released++
	return true, nil
}

type fakeBacklog struct {
	jobs []models.CanonicalJob
}

func (f *fakeBacklog) ListJobsWithoutSpamAnalysis(ctx context.Context, limit int) ([]models.CanonicalJob, error) {
	if limit < len(f.jobs) {
		return f.jobs[:limit], nil
	}
	return f.jobs, nil
}

func samplePosting(source string) *types.RawPosting {
	return &types.RawPosting{
		Source:      source,
		Title:       "Go后端工程师",
		Company:     "字节实验室",
		Location:    "上海",
		Description: "负责检索服务开发，要求熟悉Go与分布式系统。",
		URL:         "https://example.com/jobs/1",
		PostedAt:    time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC),
		ScrapedAt:   time.Now(),
	}
}

func newPipeline(t *testing.T, opts ...Option) (*Pipeline, *fakeRecordStore) {
	t.Helper()
	store := &fakeRecordStore{}
	canonical, err := canonicalizer.New(&fakeDedupIndex{}, store)
	require.NoError(t, err)
	p, err := NewPipeline(canonical, opts...)
	require.NoError(t, err)
	return p, store
}

func TestIngestFullChain(t *testing.T) {
	archiver := &fakeArchiver{}
	embedder := &fakeEmbedder{}
	vectors := &fakeVectorWriter{}
	screener := &fakeScreener{}

	p, store := newPipeline(t,
		WithArchiver(archiver),
		WithEmbedding(embedder, vectors),
		WithSpamScreener(screener),
	)

	result, err := p.Ingest(context.Background(), samplePosting("linkedin"))
	require.NoError(t, err)
	require.NotNil(t, result.Record)

	assert.False(t, result.WasDuplicate)
	assert.NotEmpty(t, result.ArchiveKey)
	assert.Len(t, store.jobs, 1)
	assert.Equal(t, 1, embedder.calls)
	assert.Equal(t, 1, screener.calls)

	payload := vectors.payloads[result.Record.JobID]
	require.NotNil(t, payload)
	assert.Equal(t, result.Record.JobID, payload["job_id"])

	require.NotNil(t, result.Spam)
	assert.Equal(t, types.SpamRecommendSafe, result.Spam.Recommendation)
}

func TestIngestVectorPayloadCarriesOwner(t *testing.T) {
	vectors := &fakeVectorWriter{}
	p, _ := newPipeline(t, WithEmbedding(&fakeEmbedder{}, vectors))

	owned := samplePosting("linkedin")
	owned.UserID = "user-7"
	result, err := p.Ingest(context.Background(), owned)
	require.NoError(t, err)

	payload := vectors.payloads[result.Record.JobID]
	require.NotNil(t, payload)
	assert.Equal(t, "user-7", payload["user_id"])

	// 全局抓取不带user_id键，检索按键缺失识别无主记录
	global := samplePosting("indeed")
	global.Description = "另一份不同内容的岗位描述，用于避开去重。"
	result, err = p.Ingest(context.Background(), global)
	require.NoError(t, err)

	payload = vectors.payloads[result.Record.JobID]
	require.NotNil(t, payload)
	_, hasUser := payload["user_id"]
	assert.False(t, hasUser)
}

func TestIngestDuplicateSkipsEmbedding(t *testing.T) {
	embedder := &fakeEmbedder{}
	vectors := &fakeVectorWriter{}
	screener := &fakeScreener{}

	p, _ := newPipeline(t,
		WithEmbedding(embedder, vectors),
		WithSpamScreener(screener),
	)

	first, err := p.Ingest(context.Background(), samplePosting("linkedin"))
	require.NoError(t, err)
	second, err := p.Ingest(context.Background(), samplePosting("indeed"))
	require.NoError(t, err)

	assert.True(t, second.WasDuplicate)
	assert.Equal(t, first.Record.JobID, second.Record.JobID)
	// 重复岗位不触发第二次向量化和预筛
	assert.Equal(t, 1, embedder.calls)
	assert.Equal(t, 1, screener.calls)
}

func TestIngestArchiveFailureIsNonFatal(t *testing.T) {
	archiver := &fakeArchiver{err: errors.New("minio不可用")}
	p, store := newPipeline(t, WithArchiver(archiver))

	result, err := p.Ingest(context.Background(), samplePosting("boss"))
	require.NoError(t, err)
	assert.Empty(t, result.ArchiveKey)
	assert.Len(t, store.jobs, 1)
}

func TestIngestEmbeddingFailureIsFatal(t *testing.T) {
	embedder := &fakeEmbedder{err: errors.New("嵌入服务超时")}
	p, _ := newPipeline(t, WithEmbedding(embedder, &fakeVectorWriter{}))

	_, err := p.Ingest(context.Background(), samplePosting("boss"))
	assert.Error(t, err)
}

func TestIngestSpamFailureIsNonFatal(t *testing.T) {
	screener := &fakeScreener{err: errors.New("检测模型不可用")}
	p, store := newPipeline(t, WithSpamScreener(screener))

	result, err := p.Ingest(context.Background(), samplePosting("boss"))
	require.NoError(t, err)
	assert.Len(t, store.jobs, 1)
	require.NotNil(t, result.Spam)
	assert.Equal(t, types.SpamRecommendUnscored, result.Spam.Recommendation)
}

func TestIngestValidationError(t *testing.T) {
	p, _ := newPipeline(t)

	raw := samplePosting("boss")
	raw.Title = ""
	_, err := p.Ingest(context.Background(), raw)
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestScanSpamBacklog(t *testing.T) {
	screener := &fakeScreener{}
	p, _ := newPipeline(t, WithSpamScreener(screener))

	backlog := &fakeBacklog{jobs: []models.CanonicalJob{
		{JobID: "job-1", NormalizedTitle: "go工程师", Company: "a公司", Description: "描述一"},
		{JobID: "job-2", NormalizedTitle: "测试工程师", Company: "b公司", Description: "描述二"},
	}}

	scored, err := p.ScanSpamBacklog(context.Background(), backlog, 50)
	require.NoError(t, err)
	assert.Equal(t, 2, scored)
	assert.Equal(t, 1, screener.batchCalls)
}

func TestScanSpamBacklogRetriesFailedJobs(t *testing.T) {
	screener := &fakeScreener{err: errors.New("检测模型不可用")}
	p, _ := newPipeline(t, WithSpamScreener(screener))

	// 查询把unscored岗位持续算作待处理，分析失败的岗位下一轮仍会出现
	backlog := &fakeBacklog{jobs: []models.CanonicalJob{
		{JobID: "job-1", NormalizedTitle: "go工程师", Company: "a公司", Description: "描述一"},
	}}

	scored, err := p.ScanSpamBacklog(context.Background(), backlog, 50)
	require.NoError(t, err)
	assert.Equal(t, 0, scored)

	screener.err = nil
	scored, err = p.ScanSpamBacklog(context.Background(), backlog, 50)
	require.NoError(t, err)
	assert.Equal(t, 1, scored)
	assert.Equal(t, 2, screener.batchCalls)
}

func TestScanSpamBacklogLock(t *testing.T) {
	backlog := &fakeBacklog{jobs: []models.CanonicalJob{
		{JobID: "job-1", NormalizedTitle: "go工程师", Company: "a公司", Description: "描述一"},
	}}

	// 锁被其他实例占用时整轮让出
	screener := &fakeScreener{}
	locker := &fakeLocker{denied: true}
	p, _ := newPipeline(t, WithSpamScreener(screener), WithScanLock(locker))

	scored, err := p.ScanSpamBacklog(context.Background(), backlog, 50)
	require.NoError(t, err)
	assert.Equal(t, 0, scored)
	assert.Equal(t, 0, screener.batchCalls)
	assert.Equal(t, 0, locker.released)

	// 拿到锁时正常补扫并在结束后释放
	locker.denied = false
	scored, err = p.ScanSpamBacklog(context.Background(), backlog, 50)
	require.NoError(t, err)
	assert.Equal(t, 1, scored)
	assert.Equal(t, 1, screener.batchCalls)
	assert.Equal(t, 1, locker.released)
}
