// Package ingest 串起岗位摄入链路：原始报文归档、规范化去重、
// 向量化写入索引、欺诈预筛。链路中只有规范化是硬依赖，
// 归档与欺诈预筛失败降级为告警，不阻塞岗位入库。
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"jobintel-go/internal/canonicalizer"
	"jobintel-go/internal/constants"
	"jobintel-go/internal/logger"
	"jobintel-go/internal/storage"
	"jobintel-go/internal/storage/models"
	"jobintel-go/internal/types"
)

// RawArchiver 原始报文归档契约，由MinIO适配器实现
type RawArchiver interface {
	ArchiveRawPostingJSON(ctx context.Context, jobID string, source string, payload interface{}) (string, error)
}

// VectorWriter 向量索引写入契约，由Qdrant适配器实现
type VectorWriter interface {
	StoreJobVector(ctx context.Context, jobID string, vector []float64, payload map[string]interface{}) (string, error)
}

// JobEmbedder 岗位向量化契约，由嵌入服务实现
type JobEmbedder interface {
	EmbedJob(ctx context.Context, jobID string, text string) ([]float64, error)
}

// SpamScreener 欺诈预筛契约，由检测器实现
type SpamScreener interface {
	Analyze(ctx context.Context, job *types.CanonicalJobRecord) (*types.SpamAnalysis, error)
	AnalyzeBatch(ctx context.Context, jobs []*types.CanonicalJobRecord) ([]*types.SpamAnalysis, error)
}

// BacklogLister 欺诈补扫的待处理岗位查询
type BacklogLister interface {
	ListJobsWithoutSpamAnalysis(ctx context.Context, limit int) ([]models.CanonicalJob, error)
}

// ScanLocker 补扫互斥锁契约，由Redis适配器实现。
// AcquireLock 拿不到锁时返回空持有者标识且不报错。
type ScanLocker interface {
	AcquireLock(ctx context.Context, lockKey string, expiration time.Duration) (string, error)
	ReleaseLock(ctx context.Context, lockKey string, lockValue string) (bool, error)
}

// backlogScanLockTTL 补扫锁的过期时间，覆盖单轮补扫的最长耗时
const backlogScanLockTTL = 10 * time.Minute

// Pipeline 单条岗位的摄入处理器
type Pipeline struct {
	canonical *canonicalizer.Canonicalizer
	archiver  RawArchiver
	embedder  JobEmbedder
	vectors   VectorWriter
	screener  SpamScreener
	scanLock  ScanLocker
}

// Option 管道的可选配置
type Option func(*Pipeline)

// WithArchiver 启用原始报文归档
func WithArchiver(archiver RawArchiver) Option {
	return func(p *Pipeline) { p.archiver = archiver }
}

// WithEmbedding 启用向量化与向量索引写入
func WithEmbedding(embedder JobEmbedder, vectors VectorWriter) Option {
	return func(p *Pipeline) {
		p.embedder = embedder
		p.vectors = vectors
	}
}

// WithSpamScreener 启用入库时的欺诈预筛
func WithSpamScreener(screener SpamScreener) Option {
	return func(p *Pipeline) { p.screener = screener }
}

// WithScanLock 启用补扫分布式锁，多实例部署时同一时刻只有一个实例补扫
func WithScanLock(locker ScanLocker) Option {
	return func(p *Pipeline) { p.scanLock = locker }
}

// NewPipeline 创建摄入管道。规范化器是唯一必需组件，
// 其余环节按部署形态可选。
func NewPipeline(canonical *canonicalizer.Canonicalizer, opts ...Option) (*Pipeline, error) {
	if canonical == nil {
		return nil, fmt.Errorf("摄入管道需要规范化器")
	}
	p := &Pipeline{canonical: canonical}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// IngestResult 单条摄入的处理结果
type IngestResult struct {
	Record       *types.CanonicalJobRecord `json:"record"`
	WasDuplicate bool                      `json:"was_duplicate"`
	ArchiveKey   string                    `json:"archive_key,omitempty"`
	Spam         *types.SpamAnalysis       `json:"spam,omitempty"`
}

// Ingest 处理一条原始岗位。
// 校验失败的输入原样返回错误，由调用方决定跳过还是告警；
// 重复岗位并入已有记录后直接返回，不重复向量化。
func (p *Pipeline) Ingest(ctx context.Context, raw *types.RawPosting) (*IngestResult, error) {
	result, err := p.canonical.Canonicalize(ctx, raw)
	if err != nil {
		return nil, err
	}
	record := result.Record

	out := &IngestResult{Record: record, WasDuplicate: result.WasDuplicate}

	// 归档原始报文，失败只告警。归档是审计留痕而非链路依赖。
	if p.archiver != nil {
		key, err := p.archiver.ArchiveRawPostingJSON(ctx, record.JobID, raw.Source, raw)
		if err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("job_id", record.JobID).Msg("归档原始报文失败")
		} else {
			out.ArchiveKey = key
		}
	}

	// 重复岗位已在首次摄入时向量化与预筛过
	if result.WasDuplicate {
		return out, nil
	}

	if p.embedder != nil && p.vectors != nil {
		if err := p.indexVector(ctx, record); err != nil {
			// 向量缺失会让该岗位丢掉语义召回，必须让消息重试
			return nil, fmt.Errorf("岗位向量化失败, job=%s: %w", record.JobID, err)
		}
	}

	if p.screener != nil {
		analysis, err := p.screener.Analyze(ctx, record)
		if err != nil {
			// 预筛失败不阻塞入库，岗位保持unscored等待补扫
			logger.Ctx(ctx).Warn().Err(err).Str("job_id", record.JobID).Msg("入库欺诈预筛失败")
		}
		out.Spam = analysis
	}

	return out, nil
}

// indexVector 生成岗位向量并写入向量索引
func (p *Pipeline) indexVector(ctx context.Context, record *types.CanonicalJobRecord) error {
	text := embeddingText(record)
	vector, err := p.embedder.EmbedJob(ctx, record.JobID, text)
	if err != nil {
		return err
	}

	payload := map[string]interface{}{
		"job_id":  record.JobID,
		"title":   record.Title,
		"company": record.Company,
	}
	// 全局抓取的岗位不带user_id，检索过滤依赖该键缺失判定无主记录
	if record.UserID != "" {
		payload["user_id"] = record.UserID
	}
	if !record.PostedAt.IsZero() {
		payload["posted_at"] = record.PostedAt.Format(time.RFC3339)
	}

	if _, err := p.vectors.StoreJobVector(ctx, record.JobID, vector, payload); err != nil {
		return fmt.Errorf("写入向量索引失败: %w", err)
	}
	return nil
}

// embeddingText 拼接岗位的向量化输入文本
func embeddingText(record *types.CanonicalJobRecord) string {
	return canonicalizer.BuildSearchText(record.Title, record.Company, record.Location, record.Description)
}

// ScanSpamBacklog 补扫缺失欺诈分析的岗位。入库预筛失败或历史数据
// 留下的unscored岗位由定时补扫兜底，单次最多处理limit条。
func (p *Pipeline) ScanSpamBacklog(ctx context.Context, lister BacklogLister, limit int) (int, error) {
	if p.screener == nil {
		return 0, fmt.Errorf("欺诈预筛未启用")
	}
	if limit <= 0 {
		limit = 100
	}

	if p.scanLock != nil {
		holder, err := p.scanLock.AcquireLock(ctx, constants.KeySpamBacklogScanLock, backlogScanLockTTL)
		if err != nil {
			return 0, fmt.Errorf("获取补扫锁失败: %w", err)
		}
		if holder == "" {
			// 其他实例正在补扫，本轮让出
			logger.Ctx(ctx).Debug().Msg("补扫锁被占用，跳过本轮")
			return 0, nil
		}
		defer func() {
			if _, err := p.scanLock.ReleaseLock(ctx, constants.KeySpamBacklogScanLock, holder); err != nil {
				logger.Ctx(ctx).Warn().Err(err).Msg("释放补扫锁失败")
			}
		}()
	}

	jobs, err := lister.ListJobsWithoutSpamAnalysis(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("查询待预筛岗位失败: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	records := make([]*types.CanonicalJobRecord, 0, len(jobs))
	for i := range jobs {
		records = append(records, canonicalizer.RecordFromModel(&jobs[i]))
	}

	analyses, err := p.screener.AnalyzeBatch(ctx, records)
	if err != nil {
		return 0, err
	}

	scored := 0
	for _, analysis := range analyses {
		if analysis != nil && analysis.Recommendation != types.SpamRecommendUnscored {
			scored++
		}
	}
	logger.Ctx(ctx).Info().
		Int("total", len(records)).
		Int("scored", scored).
		Msg("欺诈补扫完成")
	return scored, nil
}

// Consumer 消费RabbitMQ原始岗位队列并驱动摄入管道
type Consumer struct {
	mq       *storage.RabbitMQ
	pipeline *Pipeline
	queue    string
	prefetch int

	stopCh <-chan struct{}
}

// NewConsumer 创建原始岗位消费者
func NewConsumer(mq *storage.RabbitMQ, pipeline *Pipeline, queue string, prefetch int) (*Consumer, error) {
	if mq == nil {
		return nil, fmt.Errorf("消费者需要RabbitMQ客户端")
	}
	if pipeline == nil {
		return nil, fmt.Errorf("消费者需要摄入管道")
	}
	if queue == "" {
		return nil, fmt.Errorf("消费者需要队列名")
	}
	if prefetch <= 0 {
		prefetch = 10
	}
	return &Consumer{mq: mq, pipeline: pipeline, queue: queue, prefetch: prefetch}, nil
}

// Start 声明拓扑并开始消费。消息处理失败时拒绝并重新入队，
// 无法解析或校验失败的消息直接确认丢弃，避免毒消息循环。
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.mq.SetupPostingTopology(); err != nil {
		return err
	}

	stopCh, err := c.mq.StartConsumer(c.queue, c.prefetch, func(body []byte) bool {
		return c.handleMessage(ctx, body)
	})
	if err != nil {
		return fmt.Errorf("启动原始岗位消费者失败: %w", err)
	}
	c.stopCh = stopCh
	return nil
}

func (c *Consumer) handleMessage(ctx context.Context, body []byte) bool {
	var raw types.RawPosting
	if err := json.Unmarshal(body, &raw); err != nil {
		logger.Ctx(ctx).Error().Err(err).Msg("原始岗位消息解析失败，丢弃")
		return true
	}

	result, err := c.pipeline.Ingest(ctx, &raw)
	if err != nil {
		if errors.Is(err, types.ErrValidation) {
			// 缺字段的消息重试也不会变好，确认丢弃并留下告警
			logger.Ctx(ctx).Warn().Err(err).Str("source", raw.Source).Msg("原始岗位校验失败，丢弃")
			return true
		}
		logger.Ctx(ctx).Error().Err(err).Str("source", raw.Source).Msg("岗位摄入失败，消息重新入队")
		return false
	}

	logger.Ctx(ctx).Debug().
		Str("job_id", result.Record.JobID).
		Bool("duplicate", result.WasDuplicate).
		Msg("岗位摄入完成")
	return true
}
