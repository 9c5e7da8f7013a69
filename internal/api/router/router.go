package router

import (
	"context"

	"jobintel-go/internal/api/handler"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/hertz-contrib/keyauth"
)

// RegisterRoutes 注册 API 路由。
// apiKeys 非空时启用keyauth鉴权，用户身份从 X-User-ID 请求头进入上下文。
func RegisterRoutes(h *server.Hertz, postings *handler.PostingHandler, jobs *handler.JobHandler, apiKeys []string) {
	api := h.Group("/api/v1")

	if len(apiKeys) > 0 {
		allowed := make(map[string]bool, len(apiKeys))
		for _, key := range apiKeys {
			allowed[key] = true
		}
		api.Use(keyauth.New(
			keyauth.WithKeyLookUp("header:Authorization", "Bearer"),
			keyauth.WithValidator(func(ctx context.Context, c *app.RequestContext, key string) (bool, error) {
				return allowed[key], nil
			}),
			keyauth.WithErrorHandler(func(ctx context.Context, c *app.RequestContext, err error) {
				c.JSON(consts.StatusUnauthorized, utils.H{"error": "无效的API密钥"})
				c.Abort()
			}),
		))
	}

	// 用户身份透传。上游网关完成用户鉴权后以 X-User-ID 传入。
	api.Use(func(ctx context.Context, c *app.RequestContext) {
		if userID := c.GetHeader("X-User-ID"); len(userID) > 0 {
			c.Set(handler.UserIDContextKey, string(userID))
		}
		c.Next(ctx)
	})

	api.POST("/postings", postings.HandleIngestPosting)
	api.POST("/jobs/:job_id/score", jobs.HandleScoreJob)
	api.GET("/jobs/search", jobs.HandleSearchJobs)
	api.GET("/jobs/:job_id/spam", jobs.HandleGetSpamAnalysis)

	h.GET("/api/v1/health", func(ctx context.Context, c *app.RequestContext) {
		c.JSON(consts.StatusOK, utils.H{"status": "ok"})
	})
}
