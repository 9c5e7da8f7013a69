package canonicalizer

import (
	"context"
	"sync"
	"testing"
	"time"

	"jobintel-go/internal/storage/models"
	"jobintel-go/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// fakeDedupIndex 复刻Redis脚本的先到先得语义
type fakeDedupIndex struct {
	mu     sync.Mutex
	owners map[string]string // contentHash -> ownerJobID
}

func newFakeDedupIndex() *fakeDedupIndex {
	return &fakeDedupIndex{owners: make(map[string]string)}
}

func (f *fakeDedupIndex) CheckAndSetContentHash(ctx context.Context, contentHash string, jobID string) (bool, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if owner, ok := f.owners[contentHash]; ok {
		return true, owner, nil
	}
	f.owners[contentHash] = jobID
	return false, "", nil
}

func (f *fakeDedupIndex) RemoveContentHash(ctx context.Context, contentHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.owners, contentHash)
	return nil
}

// fakeRecordStore 内存版规范记录存储
type fakeRecordStore struct {
	mu   sync.Mutex
	rows map[string]*models.CanonicalJob
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{rows: make(map[string]*models.CanonicalJob)}
}

func (f *fakeRecordStore) UpsertCanonicalJob(ctx context.Context, job *models.CanonicalJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *job
	f.rows[job.JobID] = &copied
	return nil
}

func (f *fakeRecordStore) GetCanonicalJobByID(ctx context.Context, jobID string) (*models.CanonicalJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[jobID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	copied := *row
	return &copied, nil
}

func (f *fakeRecordStore) GetCanonicalJobByCanonicalHash(ctx context.Context, canonicalHash string) (*models.CanonicalJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.CanonicalHash == canonicalHash {
			copied := *row
			return &copied, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (f *fakeRecordStore) UpdateCanonicalJobFields(ctx context.Context, jobID string, updates map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[jobID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	for field, value := range updates {
		switch field {
		case "all_sources_json":
			row.AllSourcesJSON = value.(datatypes.JSON)
		case "last_seen_at":
			row.LastSeenAt = value.(time.Time)
		}
	}
	return nil
}

func samplePosting(source string) *types.RawPosting {
	return &types.RawPosting{
		Source:      source,
		Title:       "Senior Golang Engineer",
		Company:     "Acme Corp",
		Location:    "Shanghai",
		Description: "Build and operate high-throughput backend services in Go. Requires 5+ years of experience.",
		URL:         "https://example.com/jobs/1",
		PostedAt:    time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		ScrapedAt:   time.Now(),
	}
}

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "senior golang engineer", NormalizeText("  Senior   Golang\tEngineer! "))
	assert.Equal(t, "sr engineer", NormalizeText("Sr. Engineer"))
	assert.Equal(t, "后端开发工程师golang", NormalizeText("后端开发工程师（Golang）"))
	assert.Equal(t, "", NormalizeText("  ...  "))
}

func TestContentHashToleratesWhitespaceAndCase(t *testing.T) {
	h1 := ContentHash("Build services in Go.  Requires experience.")
	h2 := ContentHash("build Services   in go. requires EXPERIENCE.")
	assert.Equal(t, h1, h2, "大小写和空白差异不应改变内容哈希")

	h3 := ContentHash("Completely different description text.")
	assert.NotEqual(t, h1, h3)
}

func TestCanonicalizeCreatesRecord(t *testing.T) {
	c, err := New(newFakeDedupIndex(), newFakeRecordStore())
	require.NoError(t, err)

	result, err := c.Canonicalize(context.Background(), samplePosting("linkedin"))
	require.NoError(t, err)
	require.NotNil(t, result.Record)

	assert.False(t, result.WasDuplicate)
	assert.Equal(t, types.DedupStatusUnique, result.Record.DedupStatus)
	assert.Equal(t, "senior golang engineer", result.Record.Title)
	assert.Equal(t, []string{"linkedin"}, result.Record.AllSources)
	assert.NotEmpty(t, result.Record.JobID)
	assert.Len(t, result.Record.ContentHash, 32)
}

func TestCanonicalizeKeepsOwningUser(t *testing.T) {
	c, err := New(newFakeDedupIndex(), newFakeRecordStore())
	require.NoError(t, err)

	raw := samplePosting("linkedin")
	raw.UserID = "user-3"
	result, err := c.Canonicalize(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "user-3", result.Record.UserID)
}

func TestCanonicalizeValidation(t *testing.T) {
	c, err := New(newFakeDedupIndex(), newFakeRecordStore())
	require.NoError(t, err)

	noTitle := samplePosting("boss")
	noTitle.Title = "   "
	_, err = c.Canonicalize(context.Background(), noTitle)
	assert.ErrorIs(t, err, types.ErrValidation, "缺标题应返回校验错误")

	noCompany := samplePosting("boss")
	noCompany.Company = ""
	_, err = c.Canonicalize(context.Background(), noCompany)
	assert.ErrorIs(t, err, types.ErrValidation, "缺公司应返回校验错误")
}

func TestCanonicalizeIdempotence(t *testing.T) {
	store := newFakeRecordStore()
	c, err := New(newFakeDedupIndex(), store)
	require.NoError(t, err)

	ctx := context.Background()
	first, err := c.Canonicalize(ctx, samplePosting("linkedin"))
	require.NoError(t, err)

	second, err := c.Canonicalize(ctx, samplePosting("linkedin"))
	require.NoError(t, err)

	assert.True(t, second.WasDuplicate)
	assert.Equal(t, first.Record.JobID, second.Record.JobID, "同一岗位两次摄入应落到同一条记录")
	assert.Equal(t, first.Record.ContentHash, second.Record.ContentHash)
	assert.Len(t, store.rows, 1, "不应创建第二条记录")
	assert.Equal(t, []string{"linkedin"}, second.Record.AllSources, "相同来源不重复追加")
}

func TestCanonicalizeMergesSecondSource(t *testing.T) {
	store := newFakeRecordStore()
	c, err := New(newFakeDedupIndex(), store)
	require.NoError(t, err)

	ctx := context.Background()
	first, err := c.Canonicalize(ctx, samplePosting("linkedin"))
	require.NoError(t, err)

	// 另一渠道抓到同一岗位，描述只有空白和大小写差异
	other := samplePosting("indeed")
	other.Description = "  build and operate HIGH-THROUGHPUT backend services in Go.   Requires 5+ years of experience. "
	other.URL = "https://example.com/jobs/other"

	second, err := c.Canonicalize(ctx, other)
	require.NoError(t, err)

	assert.True(t, second.WasDuplicate)
	assert.Equal(t, first.Record.JobID, second.Record.JobID)
	assert.ElementsMatch(t, []string{"linkedin", "indeed"}, second.Record.AllSources)
	assert.Equal(t, types.DedupStatusUnique, second.Record.DedupStatus, "规范记录自身保持unique")
	assert.Len(t, store.rows, 1)
}

func TestCanonicalizeEarliestRecordWins(t *testing.T) {
	dedup := newFakeDedupIndex()
	store := newFakeRecordStore()
	c, err := New(dedup, store)
	require.NoError(t, err)

	ctx := context.Background()
	first, err := c.Canonicalize(ctx, samplePosting("boss"))
	require.NoError(t, err)

	// 同日不同来源命中同一哈希，规范身份归最早记录
	for _, source := range []string{"linkedin", "indeed", "lagou"} {
		result, err := c.Canonicalize(ctx, samplePosting(source))
		require.NoError(t, err)
		assert.Equal(t, first.Record.JobID, result.Record.JobID)
	}

	final, err := store.GetCanonicalJobByID(ctx, first.Record.JobID)
	require.NoError(t, err)
	sources, err := sourcesFromJSON(final.AllSourcesJSON)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"boss", "linkedin", "indeed", "lagou"}, sources)
}
