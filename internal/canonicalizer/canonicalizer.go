// Package canonicalizer 将爬虫产出的原始岗位转换为去重合并后的规范记录。
// 去重以描述内容哈希为准，通过Redis原子脚本保证并发摄入时
// 只有最早的记录成为规范记录，后到者并入其来源列表。
package canonicalizer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"jobintel-go/internal/logger"
	"jobintel-go/internal/storage/models"
	"jobintel-go/internal/types"

	"github.com/gofrs/uuid/v5"
)

// DedupIndex 内容哈希去重索引的契约，由Redis适配器实现。
// CheckAndSetContentHash 必须原子：哈希已存在时返回持有者jobID且不写入。
type DedupIndex interface {
	CheckAndSetContentHash(ctx context.Context, contentHash string, jobID string) (bool, string, error)
	RemoveContentHash(ctx context.Context, contentHash string) error
}

// RecordStore 规范记录的持久化契约，由MySQL适配器实现
type RecordStore interface {
	UpsertCanonicalJob(ctx context.Context, job *models.CanonicalJob) error
	GetCanonicalJobByID(ctx context.Context, jobID string) (*models.CanonicalJob, error)
	GetCanonicalJobByCanonicalHash(ctx context.Context, canonicalHash string) (*models.CanonicalJob, error)
	UpdateCanonicalJobFields(ctx context.Context, jobID string, updates map[string]interface{}) error
}

// Canonicalizer 摄入原始岗位、产出规范记录
type Canonicalizer struct {
	dedup DedupIndex
	store RecordStore
}

// New 创建Canonicalizer
func New(dedup DedupIndex, store RecordStore) (*Canonicalizer, error) {
	if dedup == nil {
		return nil, fmt.Errorf("canonicalizer需要去重索引")
	}
	if store == nil {
		return nil, fmt.Errorf("canonicalizer需要记录存储")
	}
	return &Canonicalizer{dedup: dedup, store: store}, nil
}

// Result 单次摄入的结果
type Result struct {
	Record       *types.CanonicalJobRecord
	WasDuplicate bool // 本次输入被并入了已有规范记录
}

// Canonicalize 规范化一条原始岗位。
// 缺少标题或公司时返回校验错误，由调用方决定跳过还是告警，永不静默丢弃。
// 同一内容哈希的后续输入被合并进最早出现的规范记录（来源列表去重追加），
// 返回合并后的规范记录。
func (c *Canonicalizer) Canonicalize(ctx context.Context, raw *types.RawPosting) (*Result, error) {
	if raw == nil {
		return nil, types.ValidationErrorf("原始岗位为空")
	}
	if strings.TrimSpace(raw.Title) == "" {
		return nil, types.ValidationErrorf("岗位缺少标题, source=%s, url=%s", raw.Source, raw.URL)
	}
	if strings.TrimSpace(raw.Company) == "" {
		return nil, types.ValidationErrorf("岗位缺少公司, source=%s, url=%s", raw.Source, raw.URL)
	}

	canonicalHash := CanonicalHash(raw.Title, raw.Company, raw.Location)
	contentHash := ContentHash(raw.Description)

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("生成jobID失败: %w", err)
	}
	jobID := id.String()

	// 原子判重：先到者注册为持有者，后到者拿到持有者jobID
	exists, ownerJobID, err := c.dedup.CheckAndSetContentHash(ctx, contentHash, jobID)
	if err != nil {
		return nil, fmt.Errorf("内容哈希判重失败: %w", err)
	}

	if exists {
		return c.mergeDuplicate(ctx, raw, ownerJobID, contentHash)
	}

	record, err := c.createRecord(ctx, raw, jobID, canonicalHash, contentHash)
	if err != nil {
		// 落库失败时回收哈希占位，避免后续同样的岗位被误判为重复
		if cleanupErr := c.dedup.RemoveContentHash(ctx, contentHash); cleanupErr != nil {
			logger.Ctx(ctx).Warn().Err(cleanupErr).Str("content_hash", contentHash).Msg("回收去重占位失败")
		}
		return nil, err
	}

	return &Result{Record: record, WasDuplicate: false}, nil
}

// createRecord 创建新的规范记录
func (c *Canonicalizer) createRecord(ctx context.Context, raw *types.RawPosting, jobID, canonicalHash, contentHash string) (*types.CanonicalJobRecord, error) {
	now := time.Now()

	sourcesJSON, err := models.SliceToJSON([]string{raw.Source})
	if err != nil {
		return nil, fmt.Errorf("序列化来源列表失败: %w", err)
	}

	job := &models.CanonicalJob{
		JobID:           jobID,
		UserID:          raw.UserID,
		CanonicalHash:   canonicalHash,
		ContentHash:     contentHash,
		NormalizedTitle: NormalizeText(raw.Title),
		Company:         NormalizeText(raw.Company),
		Location:        NormalizeText(raw.Location),
		Description:     raw.Description,
		SearchText:      BuildSearchText(raw.Title, raw.Company, raw.Location, raw.Description),
		URL:             raw.URL,
		SalaryText:      raw.SalaryText,
		DedupStatus:     types.DedupStatusUnique,
		Confidence:      1.0,
		AllSourcesJSON:  sourcesJSON,
		FirstSeenAt:     now,
		LastSeenAt:      now,
	}
	if !raw.PostedAt.IsZero() {
		postedAt := raw.PostedAt
		job.PostedAt = &postedAt
	}

	if err := c.store.UpsertCanonicalJob(ctx, job); err != nil {
		return nil, fmt.Errorf("写入规范记录失败: %w", err)
	}

	logger.Ctx(ctx).Info().
		Str("job_id", jobID).
		Str("source", raw.Source).
		Str("content_hash", contentHash).
		Msg("创建规范岗位记录")

	return RecordFromModel(job), nil
}

// mergeDuplicate 将重复输入并入持有该内容哈希的规范记录。
// 最早出现的记录保持规范身份不变，本次输入只贡献来源和最近可见时间。
func (c *Canonicalizer) mergeDuplicate(ctx context.Context, raw *types.RawPosting, ownerJobID, contentHash string) (*Result, error) {
	owner, err := c.store.GetCanonicalJobByID(ctx, ownerJobID)
	if err != nil {
		return nil, fmt.Errorf("加载规范记录失败, owner=%s: %w", ownerJobID, err)
	}

	sources, err := sourcesFromJSON(owner.AllSourcesJSON)
	if err != nil {
		return nil, fmt.Errorf("解析来源列表失败: %w", err)
	}

	changed := false
	if !containsString(sources, raw.Source) {
		sources = append(sources, raw.Source)
		changed = true
	}

	now := time.Now()
	updates := map[string]interface{}{
		"last_seen_at": now,
	}
	if changed {
		sourcesJSON, err := models.SliceToJSON(sources)
		if err != nil {
			return nil, fmt.Errorf("序列化来源列表失败: %w", err)
		}
		updates["all_sources_json"] = sourcesJSON
		owner.AllSourcesJSON = sourcesJSON
	}

	if err := c.store.UpdateCanonicalJobFields(ctx, ownerJobID, updates); err != nil {
		return nil, fmt.Errorf("合并重复岗位失败: %w", err)
	}
	owner.LastSeenAt = now

	logger.Ctx(ctx).Info().
		Str("owner_job_id", ownerJobID).
		Str("source", raw.Source).
		Str("content_hash", contentHash).
		Bool("new_source", changed).
		Msg("重复岗位并入规范记录")

	return &Result{Record: RecordFromModel(owner), WasDuplicate: true}, nil
}

// RecordFromModel 数据库模型转领域记录，供摄入管道与API层复用
func RecordFromModel(job *models.CanonicalJob) *types.CanonicalJobRecord {
	record := &types.CanonicalJobRecord{
		JobID:         job.JobID,
		UserID:        job.UserID,
		CanonicalHash: job.CanonicalHash,
		ContentHash:   job.ContentHash,
		Title:         job.NormalizedTitle,
		Company:       job.Company,
		Location:      job.Location,
		Description:   job.Description,
		URL:           job.URL,
		SalaryText:    job.SalaryText,
		DedupStatus:   job.DedupStatus,
		Confidence:    job.Confidence,
		FirstSeenAt:   job.FirstSeenAt,
		LastSeenAt:    job.LastSeenAt,
	}
	if job.PostedAt != nil {
		record.PostedAt = *job.PostedAt
	}
	if sources, err := sourcesFromJSON(job.AllSourcesJSON); err == nil {
		record.AllSources = sources
	}
	return record
}

func sourcesFromJSON(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return []string{}, nil
	}
	var sources []string
	if err := json.Unmarshal(raw, &sources); err != nil {
		return nil, err
	}
	return sources, nil
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
