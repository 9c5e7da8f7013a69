package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"jobintel-go/internal/api/handler"
	"jobintel-go/internal/api/router"
	"jobintel-go/internal/canonicalizer"
	"jobintel-go/internal/config"
	"jobintel-go/internal/ingest"
	"jobintel-go/internal/ranker"
	"jobintel-go/internal/storage"
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
		return nil, storage.ErrNotFound
	}
	return job, nil
}

func (f *fakeRecordStore) GetCanonicalJobByCanonicalHash(ctx context.Context, canonicalHash string) (*models.CanonicalJob, error) {
	for _, job := range f.jobs {
		if job.CanonicalHash == canonicalHash {
			return job, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (f *fakeRecordStore) UpdateCanonicalJobFields(ctx context.Context, jobID string, updates map[string]interface{}) error {
	job, ok := f.jobs[jobID]
	if !ok {
		return storage.ErrNotFound
	}
	if v, ok := updates["all_sources_json"]; ok {
		job.AllSourcesJSON = v.(datatypes.JSON)
	}
	if v, ok := updates["last_seen_at"]; ok {
		job.LastSeenAt = v.(time.Time)
	}
	return nil
}

type fakeKeywordIndex struct {
	hits []types.SearchResult
}

func (f *fakeKeywordIndex) KeywordSearch(ctx context.Context, query string, limit int) ([]types.SearchResult, error) {
	return f.hits, nil
}

func newTestServer(t *testing.T, apiKeys []string) (*server.Hertz, *fakeRecordStore) {
	t.Helper()

	store := &fakeRecordStore{}
	canonical, err := canonicalizer.New(&fakeDedupIndex{}, store)
	require.NoError(t, err)
	pipeline, err := ingest.NewPipeline(canonical)
	require.NoError(t, err)

	hybridRanker, err := ranker.New(&fakeKeywordIndex{hits: []types.SearchResult{
		{JobID: "job-1", KeywordScore: 1.0},
		{JobID: "job-2", KeywordScore: 0.5},
	}}, nil, nil)
	require.NoError(t, err)

	cfg := &config.Config{}
	postings := handler.NewPostingHandler(cfg, &storage.Storage{}, pipeline)
	jobs := handler.NewJobHandler(cfg, &storage.Storage{}, nil, hybridRanker, nil)

	h := server.New()
	router.RegisterRoutes(h, postings, jobs, apiKeys)
	return h, store
}

func postJSON(h *server.Hertz, path string, payload interface{}, headers ...ut.Header) *ut.ResponseRecorder {
	body, _ := json.Marshal(payload)
	headers = append(headers, ut.Header{Key: "Content-Type", Value: "application/json"})
	return ut.PerformRequest(h.Engine, "POST", path,
		&ut.Body{Body: bytes.NewBuffer(body), Len: len(body)},
		headers...,
	)
}

func samplePosting(source string) types.RawPosting {
	return types.RawPosting{
		Source:      source,
		Title:       "资深Go工程师",
		Company:     "极光科技",
		Location:    "北京",
		Description: "负责岗位检索与推荐系统的后端开发。",
		URL:         "https://example.com/jobs/42",
	}
}

func TestIngestPostingCreatesRecord(t *testing.T) {
	h, store := newTestServer(t, nil)

	resp := postJSON(h, "/api/v1/postings", samplePosting("linkedin"))
	require.Equal(t, http.StatusCreated, resp.Code)

	var body struct {
		JobID        string `json:"job_id"`
		WasDuplicate bool   `json:"was_duplicate"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.NotEmpty(t, body.JobID)
	assert.False(t, body.WasDuplicate)
	assert.Len(t, store.jobs, 1)
}

func TestIngestPostingDuplicateReturnsOK(t *testing.T) {
	h, store := newTestServer(t, nil)

	first := postJSON(h, "/api/v1/postings", samplePosting("linkedin"))
	require.Equal(t, http.StatusCreated, first.Code)

	second := postJSON(h, "/api/v1/postings", samplePosting("indeed"))
	require.Equal(t, http.StatusOK, second.Code)

	var body struct {
		JobID        string   `json:"job_id"`
		WasDuplicate bool     `json:"was_duplicate"`
		DedupStatus  string   `json:"dedup_status"`
		AllSources   []string `json:"all_sources"`
	}
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &body))
	assert.True(t, body.WasDuplicate)
	assert.ElementsMatch(t, []string{"linkedin", "indeed"}, body.AllSources)
	assert.Len(t, store.jobs, 1)

	// 重复摄入的响应指向归并目标
	owner := store.jobs[body.JobID]
	require.NotNil(t, owner)
	assert.Equal(t, types.DedupStatusDuplicatePrefix+owner.CanonicalHash, body.DedupStatus)
}

func TestIngestPostingAttributesRequestUser(t *testing.T) {
	h, store := newTestServer(t, nil)

	resp := postJSON(h, "/api/v1/postings", samplePosting("linkedin"),
		ut.Header{Key: "X-User-ID", Value: "user-9"})
	require.Equal(t, http.StatusCreated, resp.Code)

	var body struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	job := store.jobs[body.JobID]
	require.NotNil(t, job)
	assert.Equal(t, "user-9", job.UserID)
}

func TestIngestPostingWithoutUserStaysGlobal(t *testing.T) {
	h, store := newTestServer(t, nil)

	resp := postJSON(h, "/api/v1/postings", samplePosting("linkedin"))
	require.Equal(t, http.StatusCreated, resp.Code)

	var body struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	job := store.jobs[body.JobID]
	require.NotNil(t, job)
	assert.Empty(t, job.UserID)
}

func TestIngestPostingValidation(t *testing.T) {
	h, _ := newTestServer(t, nil)

	raw := samplePosting("boss")
	raw.Title = ""
	resp := postJSON(h, "/api/v1/postings", raw)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestIngestPostingMalformedBody(t *testing.T) {
	h, _ := newTestServer(t, nil)

	body := []byte("{不是json")
	resp := ut.PerformRequest(h.Engine, "POST", "/api/v1/postings",
		&ut.Body{Body: bytes.NewBuffer(body), Len: len(body)},
		ut.Header{Key: "Content-Type", Value: "application/json"},
	)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestIngestPostingAsyncWithoutQueue(t *testing.T) {
	h, _ := newTestServer(t, nil)

	resp := postJSON(h, "/api/v1/postings?mode=async", samplePosting("boss"))
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)
}

func TestSearchJobs(t *testing.T) {
	h, _ := newTestServer(t, nil)

	resp := ut.PerformRequest(h.Engine, "GET", "/api/v1/jobs/search?q=golang&limit=10", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var body struct {
		Results []types.SearchResult `json:"results"`
		Total   int                  `json:"total"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Total)
	assert.Equal(t, "job-1", body.Results[0].JobID)
}

func TestSearchJobsRequiresQuery(t *testing.T) {
	h, _ := newTestServer(t, nil)

	resp := ut.PerformRequest(h.Engine, "GET", "/api/v1/jobs/search", nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestKeyAuthRejectsMissingKey(t *testing.T) {
	h, _ := newTestServer(t, []string{"secret-key"})

	resp := ut.PerformRequest(h.Engine, "GET", "/api/v1/jobs/search?q=golang", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestKeyAuthAcceptsValidKey(t *testing.T) {
	h, _ := newTestServer(t, []string{"secret-key"})

	resp := ut.PerformRequest(h.Engine, "GET", "/api/v1/jobs/search?q=golang", nil,
		ut.Header{Key: "Authorization", Value: "Bearer secret-key"})
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestHealthBypassesAuth(t *testing.T) {
	h, _ := newTestServer(t, []string{"secret-key"})

	resp := ut.PerformRequest(h.Engine, "GET", "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, resp.Code)
}
