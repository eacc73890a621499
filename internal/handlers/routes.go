package handlers

import (
	"github.com/gin-gonic/gin"

	"mailsync/internal/middleware"
)

// RegisterRoutes 注册状态API路由
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.GET("/health", h.HealthCheck)

	api := router.Group("/api/v1")

	// 状态流由EventSource连接，token可以放在查询参数中
	api.GET("/status/stream", middleware.AuthRequired(h.Tokens, true), h.StreamStatus)

	authed := api.Group("", middleware.AuthRequired(h.Tokens, false))
	{
		authed.GET("/status", h.GetStatus)
		authed.GET("/status/:account_id", h.GetAccountStatus)
		authed.GET("/accounts", h.ListAccounts)
	}

	admin := authed.Group("", middleware.AdminRequired())
	{
		admin.POST("/accounts", h.CreateAccount)
		admin.POST("/accounts/:account_id/start", h.StartAccountSync)
		admin.POST("/accounts/:account_id/stop", h.StopAccountSync)
		admin.PUT("/accounts/:account_id/throttle", h.SetThrottled)

		admin.PUT("/messages/:message_id/flags", h.UpdateMessageFlags)
		admin.PUT("/messages/:message_id/labels", h.ChangeMessageLabels)
	}
}
