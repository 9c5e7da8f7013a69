package handler

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"jobintel-go/internal/canonicalizer"
	"jobintel-go/internal/config"
	"jobintel-go/internal/logger"
	"jobintel-go/internal/ranker"
	"jobintel-go/internal/scorer"
	"jobintel-go/internal/spam"
	"jobintel-go/internal/storage"
	"jobintel-go/internal/types"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
)

// UserIDContextKey 认证中间件写入的用户ID键
const UserIDContextKey = "user_id"

// JobHandler 处理岗位的评分、检索与欺诈分析请求
type JobHandler struct {
	cfg      *config.Config
	storage  *storage.Storage
	scorer   *scorer.Scorer
	ranker   *ranker.Ranker
	detector *spam.Detector
}

// NewJobHandler 创建岗位处理器
func NewJobHandler(cfg *config.Config, storage *storage.Storage, sc *scorer.Scorer, rk *ranker.Ranker, det *spam.Detector) *JobHandler {
	return &JobHandler{
		cfg:      cfg,
		storage:  storage,
		scorer:   sc,
		ranker:   rk,
		detector: det,
	}
}

// ScoreRequest 评分请求体
type ScoreRequest struct {
	ProfileText        string `json:"profile_text"`
	ProfileFingerprint string `json:"profile_fingerprint,omitempty"` // 缺省时由profile_text派生
}

// HandleScoreJob 评估岗位与当前用户的兼容性。
// POST /api/v1/jobs/:job_id/score
func (h *JobHandler) HandleScoreJob(ctx context.Context, c *app.RequestContext) {
	jobID := c.Param("job_id")
	if jobID == "" {
		c.JSON(consts.StatusBadRequest, utils.H{"error": "job_id 不能为空"})
		return
	}

	userID := userIDFrom(c)
	if userID == "" {
		c.JSON(consts.StatusUnauthorized, utils.H{"error": "缺少用户身份"})
		return
	}

	var req ScoreRequest
	if err := json.Unmarshal(c.GetRawData(), &req); err != nil {
		c.JSON(consts.StatusBadRequest, utils.H{"error": "请求体解析失败"})
		return
	}
	if strings.TrimSpace(req.ProfileText) == "" {
		c.JSON(consts.StatusBadRequest, utils.H{"error": "profile_text 不能为空"})
		return
	}

	fingerprint := req.ProfileFingerprint
	if fingerprint == "" {
		sum := md5.Sum([]byte(req.ProfileText))
		fingerprint = hex.EncodeToString(sum[:])
	}

	job, err := h.loadJob(ctx, jobID)
	if err != nil {
		if storage.IsRecordNotFound(err) {
			c.JSON(consts.StatusNotFound, utils.H{"error": "岗位不存在"})
			return
		}
		logger.Ctx(ctx).Error().Err(err).Str("job_id", jobID).Msg("加载岗位失败")
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "加载岗位失败"})
		return
	}

	analysis, err := h.scorer.Score(ctx, job, userID, fingerprint, req.ProfileText)
	if err != nil {
		writeScoreError(ctx, c, err)
		return
	}

	c.JSON(consts.StatusOK, analysis)
}

// writeScoreError 按错误分类映射HTTP状态码
func writeScoreError(ctx context.Context, c *app.RequestContext, err error) {
	switch {
	case errors.Is(err, types.ErrValidation):
		c.JSON(consts.StatusBadRequest, utils.H{"error": err.Error()})
	case errors.Is(err, types.ErrQuotaExceeded):
		c.JSON(consts.StatusTooManyRequests, utils.H{"error": "配额已用尽，请稍后重试"})
	case errors.Is(err, types.ErrResponseValidation):
		c.JSON(consts.StatusBadGateway, utils.H{"error": "模型响应校验失败"})
	default:
		logger.Ctx(ctx).Error().Err(err).Msg("兼容性评分失败")
		c.JSON(consts.StatusServiceUnavailable, utils.H{"error": "评分服务暂不可用"})
	}
}

// HandleSearchJobs 混合检索岗位。
// GET /api/v1/jobs/search?q=&limit=&cursor=
// cursor>0 时走检索会话缓存翻页，缓存过期返回空页由客户端重新检索。
func (h *JobHandler) HandleSearchJobs(ctx context.Context, c *app.RequestContext) {
	query := c.Query("q")
	if query == "" {
		c.JSON(consts.StatusBadRequest, utils.H{"error": "q 不能为空"})
		return
	}

	userID := userIDFrom(c)

	limit, err := strconv.Atoi(c.Query("limit"))
	if err != nil || limit <= 0 {
		limit = 20
	}

	cursor, _ := strconv.ParseInt(c.Query("cursor"), 10, 64)
	if cursor > 0 {
		jobIDs, total, err := h.ranker.FetchCachedPage(ctx, query, userID, cursor, int64(limit))
		if err != nil {
			logger.Ctx(ctx).Error().Err(err).Msg("检索翻页失败")
			c.JSON(consts.StatusInternalServerError, utils.H{"error": "检索翻页失败"})
			return
		}
		c.JSON(consts.StatusOK, utils.H{
			"job_ids": jobIDs,
			"total":   total,
			"cursor":  cursor,
		})
		return
	}

	results, err := h.ranker.Search(ctx, query, userID, limit)
	if err != nil {
		if errors.Is(err, types.ErrValidation) {
			c.JSON(consts.StatusBadRequest, utils.H{"error": err.Error()})
			return
		}
		logger.Ctx(ctx).Error().Err(err).Str("query", query).Msg("混合检索失败")
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "检索失败"})
		return
	}

	c.JSON(consts.StatusOK, utils.H{
		"results": results,
		"total":   len(results),
	})
}

// HandleGetSpamAnalysis 查询岗位的欺诈分析结果。
// GET /api/v1/jobs/:job_id/spam
// 无持久化结果且带 analyze=true 时现场分析一次。
func (h *JobHandler) HandleGetSpamAnalysis(ctx context.Context, c *app.RequestContext) {
	jobID := c.Param("job_id")
	if jobID == "" {
		c.JSON(consts.StatusBadRequest, utils.H{"error": "job_id 不能为空"})
		return
	}

	record, err := h.storage.MySQL.GetSpamRecordByJobID(ctx, jobID)
	if err == nil {
		resp := utils.H{
			"job_id":         record.JobID,
			"recommendation": record.Recommendation,
			"model_used":     record.ModelUsed,
			"analyzed_at":    record.AnalyzedAt,
		}
		if record.Probability != nil {
			resp["probability"] = *record.Probability
		}
		if record.Confidence != nil {
			resp["confidence"] = *record.Confidence
		}
		if len(record.FlagsJSON) > 0 {
			var flags []string
			if err := json.Unmarshal(record.FlagsJSON, &flags); err == nil {
				resp["flags"] = flags
			}
		}
		c.JSON(consts.StatusOK, resp)
		return
	}
	if !storage.IsRecordNotFound(err) {
		logger.Ctx(ctx).Error().Err(err).Str("job_id", jobID).Msg("查询欺诈记录失败")
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "查询欺诈记录失败"})
		return
	}

	if c.Query("analyze") != "true" || h.detector == nil {
		c.JSON(consts.StatusNotFound, utils.H{"error": "该岗位尚无欺诈分析"})
		return
	}

	job, err := h.loadJob(ctx, jobID)
	if err != nil {
		if storage.IsRecordNotFound(err) {
			c.JSON(consts.StatusNotFound, utils.H{"error": "岗位不存在"})
			return
		}
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "加载岗位失败"})
		return
	}

	analysis, err := h.detector.Analyze(ctx, job)
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("job_id", jobID).Msg("现场欺诈分析失败")
	}
	if analysis == nil {
		c.JSON(consts.StatusServiceUnavailable, utils.H{"error": "欺诈分析暂不可用"})
		return
	}
	c.JSON(consts.StatusOK, analysis)
}

// loadJob 按ID加载规范记录
func (h *JobHandler) loadJob(ctx context.Context, jobID string) (*types.CanonicalJobRecord, error) {
	model, err := h.storage.MySQL.GetCanonicalJobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return canonicalizer.RecordFromModel(model), nil
}

// userIDFrom 取认证中间件写入的用户ID
func userIDFrom(c *app.RequestContext) string {
	if v, ok := c.Get(UserIDContextKey); ok {
		if userID, ok := v.(string); ok {
			return userID
		}
	}
	return ""
}
