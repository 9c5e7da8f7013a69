package storage

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"jobintel-go/internal/config"
	"jobintel-go/internal/storage/models"
	"jobintel-go/internal/tracing"
	"jobintel-go/internal/types"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

var mysqlTracer = otel.Tracer("jobintel-go/storage/mysql")

// GormTracingPlugin 是一个GORM插件，用于向OpenTelemetry中添加数据库操作的追踪点
type GormTracingPlugin struct {
	tracer         trace.Tracer
	dbName         string
	dbSystem       string
	disableErrSkip bool
}

// Name 返回插件名称
func (p *GormTracingPlugin) Name() string {
	return "GormOpenTelemetryPlugin"
}

// Initialize 注册GORM回调以启用追踪
func (p *GormTracingPlugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()

	if err := cb.Create().Before("gorm:create").Register("otel:before_create", p.before("CREATE")); err != nil {
		return err
	}
	if err := cb.Create().After("gorm:create").Register("otel:after_create", p.after()); err != nil {
		return err
	}

	if err := cb.Query().Before("gorm:query").Register("otel:before_query", p.before("SELECT")); err != nil {
		return err
	}
	if err := cb.Query().After("gorm:query").Register("otel:after_query", p.after()); err != nil {
		return err
	}

	if err := cb.Update().Before("gorm:update").Register("otel:before_update", p.before("UPDATE")); err != nil {
		return err
	}
	if err := cb.Update().After("gorm:update").Register("otel:after_update", p.after()); err != nil {
		return err
	}

	if err := cb.Delete().Before("gorm:delete").Register("otel:before_delete", p.before("DELETE")); err != nil {
		return err
	}
	if err := cb.Delete().After("gorm:delete").Register("otel:after_delete", p.after()); err != nil {
		return err
	}

	if err := cb.Row().Before("gorm:row").Register("otel:before_row", p.before("ROW")); err != nil {
		return err
	}
	if err := cb.Row().After("gorm:row").Register("otel:after_row", p.after()); err != nil {
		return err
	}

	if err := cb.Raw().Before("gorm:raw").Register("otel:before_raw", p.before("RAW")); err != nil {
		return err
	}
	if err := cb.Raw().After("gorm:raw").Register("otel:after_raw", p.after()); err != nil {
		return err
	}

	return nil
}

// before 返回在GORM操作之前执行的回调函数
func (p *GormTracingPlugin) before(operation string) func(db *gorm.DB) {
	return func(db *gorm.DB) {
		if p.disableErrSkip && db.Statement.SkipHooks {
			return
		}

		ctx := db.Statement.Context
		if ctx == nil {
			ctx = context.Background()
		}

		tableName := db.Statement.Table
		if tableName == "" {
			tableName = "unknown"
		}

		spanName := fmt.Sprintf("%s %s", operation, tableName)
		opts := []trace.SpanStartOption{
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				semconv.DBSystemMySQL,
				attribute.String("db.name", p.dbName),
				attribute.String("db.operation", operation),
				attribute.String("db.sql.table", tableName),
			),
		}

		sqlStatement := db.Statement.SQL.String()
		if sqlStatement != "" {
			opts = append(opts, trace.WithAttributes(
				attribute.String("db.statement", tracing.SafeSQL(sqlStatement)),
			))
		}

		newCtx, span := p.tracer.Start(ctx, spanName, opts...)

		db.Statement.Context = context.WithValue(newCtx, "otel-span", span)
	}
}

// after 返回在GORM操作之后执行的回调函数
func (p *GormTracingPlugin) after() func(db *gorm.DB) {
	return func(db *gorm.DB) {
		span, ok := db.Statement.Context.Value("otel-span").(trace.Span)
		if !ok {
			return
		}
		defer span.End()

		if db.Statement.RowsAffected > 0 {
			span.SetAttributes(attribute.Int64("db.rows_affected", db.Statement.RowsAffected))
		} else {
			span.SetAttributes(attribute.Int64("db.rows_affected", 0))
		}

		// 记录错误（如果有），但正确处理ErrRecordNotFound
		if db.Error != nil {
			if db.Error == gorm.ErrRecordNotFound {
				// ErrRecordNotFound 是业务逻辑正常情况的一部分，不应作为错误处理
				span.SetAttributes(attribute.String("error.type", "record_not_found"))
				span.SetStatus(codes.Ok, "record not found")
			} else {
				span.SetAttributes(attribute.String("error.type", "database_error"))
				span.SetAttributes(attribute.String("error.message", db.Error.Error()))
				span.RecordError(db.Error)
				span.SetStatus(codes.Error, db.Error.Error())
			}
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
}

// NewGormTracingPlugin 创建一个新的GORM追踪插件
func NewGormTracingPlugin(dbName string) *GormTracingPlugin {
	return &GormTracingPlugin{
		tracer:         mysqlTracer,
		dbName:         dbName,
		dbSystem:       "mysql",
		disableErrSkip: true,
	}
}

// WithDisableErrSkip 设置是否禁用错误跳过
func (p *GormTracingPlugin) WithDisableErrSkip(disable bool) *GormTracingPlugin {
	p.disableErrSkip = disable
	return p
}

// MySQL 提供关系数据库功能
type MySQL struct {
	db  *gorm.DB
	cfg *config.MySQLConfig
}

// NewMySQL 创建MySQL客户端
func NewMySQL(cfg *config.MySQLConfig) (*MySQL, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MySQL配置不能为空")
	}

	// 构建DSN，添加超时设置
	dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local&timeout=%ds&readTimeout=%ds&writeTimeout=%ds",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database,
		cfg.ConnectTimeoutSeconds, cfg.ReadTimeoutSeconds, cfg.WriteTimeoutSeconds)

	var logLevel logger.LogLevel
	switch cfg.LogLevel {
	case 1:
		logLevel = logger.Silent
	case 2:
		logLevel = logger.Error
	case 3:
		logLevel = logger.Warn
	case 4:
		logLevel = logger.Info
	default:
		logLevel = logger.Info
	}

	gormConfig := &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		Logger:                                   logger.Default.LogMode(logLevel),
		PrepareStmt:                              true, // 开启预编译语句缓存
		NowFunc: func() time.Time {
			return time.Now().Local()
		},
	}

	db, err := gorm.Open(mysql.Open(dsn), gormConfig)
	if err != nil {
		return nil, fmt.Errorf("连接MySQL失败: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("获取底层 sql.DB 失败: %w", err)
	}

	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute)
	sqlDB.SetConnMaxIdleTime(time.Duration(cfg.ConnMaxIdleTimeMinutes) * time.Minute)

	m := &MySQL{
		db:  db,
		cfg: cfg,
	}

	// 注册OpenTelemetry追踪插件
	tracingPlugin := NewGormTracingPlugin(cfg.Database).WithDisableErrSkip(true)
	if err := db.Use(tracingPlugin); err != nil {
		return nil, fmt.Errorf("注册追踪插件失败: %w", err)
	}

	if err := m.autoMigrateSchema(); err != nil {
		sqlDB, _ := db.DB()
		if sqlDB != nil {
			sqlDB.Close()
		}
		return nil, fmt.Errorf("自动迁移数据库结构失败: %w", err)
	}

	log.Println("成功连接到MySQL并自动迁移数据库结构")
	return m, nil
}

// autoMigrateSchema 使用GORM自动迁移数据库表结构
func (m *MySQL) autoMigrateSchema() error {
	currentLogger := m.db.Logger

	// 创建一个静默的logger以关闭SQL日志打印
	silentLogger := logger.New(
		log.New(log.Writer(), "", log.LstdFlags),
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Silent,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	silentDB := m.db.Session(&gorm.Session{Logger: silentLogger})

	err := silentDB.AutoMigrate(
		&models.CanonicalJob{},
		&models.JobEmbedding{},
		&models.CompatibilityRecord{},
		&models.SpamRecord{},
	)

	m.db = m.db.Session(&gorm.Session{Logger: currentLogger})

	if err != nil {
		return fmt.Errorf("GORM自动迁移失败: %w", err)
	}

	// AutoMigrate不支持FULLTEXT索引，单独创建（ngram解析器支持中文分词）
	if err := m.ensureFulltextIndex(silentDB); err != nil {
		return err
	}

	log.Println("GORM数据库结构迁移成功")
	return nil
}

// ensureFulltextIndex 确保canonical_jobs.search_text上存在FULLTEXT索引
func (m *MySQL) ensureFulltextIndex(db *gorm.DB) error {
	var count int64
	err := db.Raw(
		"SELECT COUNT(1) FROM information_schema.statistics WHERE table_schema = ? AND table_name = 'canonical_jobs' AND index_name = 'ft_cj_search_text'",
		m.cfg.Database,
	).Scan(&count).Error
	if err != nil {
		return fmt.Errorf("检查FULLTEXT索引失败: %w", err)
	}
	if count > 0 {
		return nil
	}

	if err := db.Exec("CREATE FULLTEXT INDEX ft_cj_search_text ON canonical_jobs(search_text) WITH PARSER ngram").Error; err != nil {
		return fmt.Errorf("创建FULLTEXT索引失败: %w", err)
	}
	return nil
}

// DB 返回GORM数据库连接实例
func (m *MySQL) DB() *gorm.DB {
	return m.db
}

// Close 关闭数据库连接
func (m *MySQL) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return fmt.Errorf("获取底层 sql.DB 失败: %w", err)
	}
	return sqlDB.Close()
}

// UpsertCanonicalJob 写入规范化岗位记录，主键冲突时更新可变字段
func (m *MySQL) UpsertCanonicalJob(ctx context.Context, job *models.CanonicalJob) error {
	ctx, span := mysqlTracer.Start(ctx, "MySQL.UpsertCanonicalJob",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		semconv.DBSystemMySQL,
		attribute.String("db.name", m.cfg.Database),
		attribute.String("db.operation", "INSERT_ON_DUPLICATE"),
		attribute.String("db.sql.table", "canonical_jobs"),
		attribute.String("job.id", job.JobID),
	)

	err := m.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns: []clause.Column{{Name: "job_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"content_hash", "description", "search_text", "url", "salary_text",
				"dedup_status", "confidence", "all_sources_json", "posted_at", "last_seen_at",
			}),
		}).Create(job).Error

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

// GetCanonicalJobByID 通过岗位ID获取规范化岗位记录
func (m *MySQL) GetCanonicalJobByID(ctx context.Context, jobID string) (*models.CanonicalJob, error) {
	var job models.CanonicalJob
	if err := m.db.WithContext(ctx).Where("job_id = ?", jobID).First(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// GetCanonicalJobByCanonicalHash 通过规范化哈希获取岗位记录
func (m *MySQL) GetCanonicalJobByCanonicalHash(ctx context.Context, canonicalHash string) (*models.CanonicalJob, error) {
	var job models.CanonicalJob
	if err := m.db.WithContext(ctx).Where("canonical_hash = ?", canonicalHash).First(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// GetJobPostedAt 批量查询岗位的发布时间，供检索排序补齐元数据
func (m *MySQL) GetJobPostedAt(ctx context.Context, jobIDs []string) (map[string]time.Time, error) {
	if len(jobIDs) == 0 {
		return map[string]time.Time{}, nil
	}

	type row struct {
		JobID    string
		PostedAt *time.Time
	}
	var rows []row
	err := m.db.WithContext(ctx).Model(&models.CanonicalJob{}).
		Select("job_id", "posted_at").
		Where("job_id IN ?", jobIDs).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("批量查询posted_at失败: %w", err)
	}

	result := make(map[string]time.Time, len(rows))
	for _, r := range rows {
		if r.PostedAt != nil {
			result[r.JobID] = *r.PostedAt
		}
	}
	return result, nil
}

// UpdateCanonicalJobFields 更新岗位记录的多个字段
func (m *MySQL) UpdateCanonicalJobFields(ctx context.Context, jobID string, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}
	return m.db.WithContext(ctx).Model(&models.CanonicalJob{}).Where("job_id = ?", jobID).Updates(updates).Error
}

// KeywordSearch 使用FULLTEXT索引做关键词检索，返回带相关性分数的岗位列表。
// MATCH...AGAINST 的自然语言模式分数即作为关键词分数，归一化在上层处理。
func (m *MySQL) KeywordSearch(ctx context.Context, query string, limit int) ([]types.SearchResult, error) {
	ctx, span := mysqlTracer.Start(ctx, "MySQL.KeywordSearch",
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	span.SetAttributes(
		semconv.DBSystemMySQL,
		attribute.String("db.name", m.cfg.Database),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "canonical_jobs"),
		attribute.String("search.query", tracing.SafeAttributeValue("search.query", query, tracing.DefaultMaxLength)),
		attribute.Int("search.limit", limit),
	)

	if limit <= 0 {
		limit = 20
	}

	type row struct {
		JobID     string
		Relevance float64
		PostedAt  *time.Time
	}

	var rows []row
	err := m.db.WithContext(ctx).Raw(`
		SELECT job_id,
		       MATCH(search_text) AGAINST(? IN NATURAL LANGUAGE MODE) AS relevance,
		       posted_at
		FROM canonical_jobs
		WHERE MATCH(search_text) AGAINST(? IN NATURAL LANGUAGE MODE)
		  AND dedup_status = 'unique'
		ORDER BY relevance DESC
		LIMIT ?`, query, query, limit).Scan(&rows).Error
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("关键词检索失败: %w", err)
	}

	results := make([]types.SearchResult, len(rows))
	for i, r := range rows {
		results[i] = types.SearchResult{
			JobID:        r.JobID,
			KeywordScore: r.Relevance,
		}
		if r.PostedAt != nil {
			results[i].PostedAt = *r.PostedAt
		}
	}

	span.SetAttributes(attribute.Int("search.result_count", len(results)))
	span.SetStatus(codes.Ok, "")
	return results, nil
}

// SaveJobEmbedding 写入岗位向量冷层记录，已存在时更新
func (m *MySQL) SaveJobEmbedding(ctx context.Context, embedding *models.JobEmbedding) error {
	return m.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns: []clause.Column{{Name: "job_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"vector_representation", "embedding_model_version", "dimensions",
			}),
		}).Create(embedding).Error
}

// GetJobEmbeddingByID 通过岗位ID获取冷层向量记录
func (m *MySQL) GetJobEmbeddingByID(ctx context.Context, jobID string) (*models.JobEmbedding, error) {
	var embedding models.JobEmbedding
	if err := m.db.WithContext(ctx).Where("job_id = ?", jobID).First(&embedding).Error; err != nil {
		return nil, err
	}
	return &embedding, nil
}

// UpsertCompatibilityRecord 写入兼容性评分记录，(job,user,fingerprint)冲突时更新
func (m *MySQL) UpsertCompatibilityRecord(ctx context.Context, record *models.CompatibilityRecord) error {
	return m.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns: []clause.Column{
				{Name: "job_id"}, {Name: "user_id"}, {Name: "profile_fingerprint"},
			},
			DoUpdates: clause.AssignmentColumns([]string{
				"dimensions_json", "overall_score", "tier", "strengths_json",
				"gaps_json", "model_used", "attempt_count", "computed_at",
			}),
		}).Create(record).Error
}

// GetCompatibilityRecord 获取指定用户画像版本下的评分记录
func (m *MySQL) GetCompatibilityRecord(ctx context.Context, jobID, userID, fingerprint string) (*models.CompatibilityRecord, error) {
	var record models.CompatibilityRecord
	err := m.db.WithContext(ctx).
		Where("job_id = ? AND user_id = ? AND profile_fingerprint = ?", jobID, userID, fingerprint).
		First(&record).Error
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// UpsertSpamRecord 写入欺诈分析记录，岗位ID冲突时更新
func (m *MySQL) UpsertSpamRecord(ctx context.Context, record *models.SpamRecord) error {
	return m.db.WithContext(ctx).Clauses(
		clause.OnConflict{
			Columns: []clause.Column{{Name: "job_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"content_hash", "probability", "confidence", "categories_json",
				"flags_json", "reasoning", "recommendation", "model_used", "analyzed_at",
			}),
		}).Create(record).Error
}

// GetSpamRecordByJobID 获取岗位的欺诈分析记录
func (m *MySQL) GetSpamRecordByJobID(ctx context.Context, jobID string) (*models.SpamRecord, error) {
	var record models.SpamRecord
	if err := m.db.WithContext(ctx).Where("job_id = ?", jobID).First(&record).Error; err != nil {
		return nil, err
	}
	return &record, nil
}

// ListJobsWithoutSpamAnalysis 列出尚无有效欺诈分析的岗位，供批量扫描使用。
// 分析失败留下的unscored记录同样要补扫，否则这些岗位会被永久漏掉。
func (m *MySQL) ListJobsWithoutSpamAnalysis(ctx context.Context, limit int) ([]models.CanonicalJob, error) {
	if limit <= 0 {
		limit = 100
	}
	var jobs []models.CanonicalJob
	err := m.db.WithContext(ctx).Raw(`
		SELECT cj.* FROM canonical_jobs cj
		LEFT JOIN spam_records sr ON sr.job_id = cj.job_id
		WHERE (sr.record_id IS NULL OR sr.recommendation = 'unscored') AND cj.dedup_status = 'unique'
		ORDER BY cj.first_seen_at ASC
		LIMIT ?`, limit).Scan(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("查询待分析岗位失败: %w", err)
	}
	return jobs, nil
}

// IsRecordNotFound 判断错误是否为记录不存在
func IsRecordNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
