package handler

import (
	"context"
	"encoding/json"
	"errors"

	"jobintel-go/internal/config"
	"jobintel-go/internal/ingest"
	"jobintel-go/internal/logger"
	"jobintel-go/internal/storage"
	"jobintel-go/internal/types"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
)

// PostingHandler 处理原始岗位的摄入请求
type PostingHandler struct {
	cfg      *config.Config
	storage  *storage.Storage
	pipeline *ingest.Pipeline
}

// NewPostingHandler 创建岗位摄入处理器
func NewPostingHandler(cfg *config.Config, storage *storage.Storage, pipeline *ingest.Pipeline) *PostingHandler {
	return &PostingHandler{
		cfg:      cfg,
		storage:  storage,
		pipeline: pipeline,
	}
}

// HandleIngestPosting 处理单条岗位摄入。
// POST /api/v1/postings
// 默认同步走摄入管道并返回规范记录；mode=async 时投递到抓取队列，
// 与爬虫走同一条消费路径。
func (h *PostingHandler) HandleIngestPosting(ctx context.Context, c *app.RequestContext) {
	var raw types.RawPosting
	if err := json.Unmarshal(c.GetRawData(), &raw); err != nil {
		c.JSON(consts.StatusBadRequest, utils.H{"error": "请求体解析失败"})
		return
	}

	// 报文未声明归属用户时，归到发起请求的用户名下。
	// 爬虫的全局抓取不带请求用户头，记录保持无主。
	if raw.UserID == "" {
		raw.UserID = userIDFrom(c)
	}

	if c.Query("mode") == "async" {
		if h.storage.RabbitMQ == nil {
			c.JSON(consts.StatusServiceUnavailable, utils.H{"error": "消息队列未启用"})
			return
		}
		err := h.storage.RabbitMQ.PublishJSON(
			ctx,
			h.cfg.RabbitMQ.PostingExchange,
			h.cfg.RabbitMQ.PostingRoutingKey,
			raw,
			true,
		)
		if err != nil {
			logger.Ctx(ctx).Error().Err(err).Str("source", raw.Source).Msg("投递岗位消息失败")
			c.JSON(consts.StatusInternalServerError, utils.H{"error": "投递岗位消息失败"})
			return
		}
		c.JSON(consts.StatusAccepted, utils.H{"status": "queued"})
		return
	}

	result, err := h.pipeline.Ingest(ctx, &raw)
	if err != nil {
		if errors.Is(err, types.ErrValidation) {
			c.JSON(consts.StatusBadRequest, utils.H{"error": err.Error()})
			return
		}
		logger.Ctx(ctx).Error().Err(err).Str("source", raw.Source).Msg("岗位摄入失败")
		c.JSON(consts.StatusInternalServerError, utils.H{"error": "岗位摄入失败"})
		return
	}

	status := consts.StatusCreated
	dedupStatus := result.Record.DedupStatus
	if result.WasDuplicate {
		status = consts.StatusOK
		// 重复输入并入了既有规范记录，响应中标明归并目标
		dedupStatus = types.DedupStatusDuplicatePrefix + result.Record.CanonicalHash
	}
	c.JSON(status, utils.H{
		"job_id":        result.Record.JobID,
		"was_duplicate": result.WasDuplicate,
		"dedup_status":  dedupStatus,
		"all_sources":   result.Record.AllSources,
	})
}
