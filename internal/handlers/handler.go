package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"mailsync/internal/config"
	"mailsync/internal/heartbeat"
	"mailsync/internal/mailsync"
	"mailsync/internal/middleware"
	"mailsync/internal/models"
	"mailsync/internal/secret"
)

// AccountStore 账户和同步状态存储
type AccountStore interface {
	CreateAccount(ctx context.Context, account *models.Account) error
	GetAccount(ctx context.Context, id uint) (*models.Account, error)
	ListAccounts(ctx context.Context) ([]models.Account, error)
	SetSyncEnabled(ctx context.Context, accountID uint, enabled bool) error
	SetThrottled(ctx context.Context, accountID uint, throttled bool) error
	FolderStatuses(ctx context.Context, accountID uint) ([]models.FolderSyncStatus, error)
	AccountForMessage(ctx context.Context, messageID uint) (*models.Account, error)
}

// SyncManager 账户同步的启停
type SyncManager interface {
	Start(account *models.Account) (*mailsync.Handle, error)
	Stop(ctx context.Context, accountID uint) error
	Running(accountID uint) (*mailsync.Handle, bool)
}

// Syncback 远端写回
type Syncback interface {
	SetStarred(ctx context.Context, messageID uint, starred bool) error
	SetUnread(ctx context.Context, messageID uint, unread bool) error
	ChangeLabels(ctx context.Context, account *models.Account, messageID uint, added, removed []string) error
}

// TokenValidator 验证API token
type TokenValidator = middleware.TokenValidator

// Deps 处理器依赖
type Deps struct {
	Config   *config.Config
	Store    AccountStore
	Manager  SyncManager
	Syncback Syncback
	Reporter *heartbeat.Reporter
	Box      *secret.Box
	Tokens   TokenValidator
}

// Handler HTTP处理器
type Handler struct {
	Deps
	keepAlive   time.Duration
	stopTimeout time.Duration
	startedAt   time.Time
}

// New 创建处理器实例
func New(deps Deps) *Handler {
	return &Handler{
		Deps:        deps,
		keepAlive:   15 * time.Second,
		stopTimeout: 30 * time.Second,
		startedAt:   time.Now(),
	}
}

// HealthCheck 健康检查
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "mailsync",
		"uptime":  time.Since(h.startedAt).Round(time.Second).String(),
	})
}

// SuccessResponse 成功响应结构
type SuccessResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// respondWithSuccess 返回成功响应
func (h *Handler) respondWithSuccess(c *gin.Context, data interface{}, message ...string) {
	h.respond(c, http.StatusOK, data, message...)
}

// respondWithCreated 返回创建成功响应
func (h *Handler) respondWithCreated(c *gin.Context, data interface{}, message ...string) {
	h.respond(c, http.StatusCreated, data, message...)
}

func (h *Handler) respond(c *gin.Context, status int, data interface{}, message ...string) {
	response := SuccessResponse{Success: true, Data: data}
	if len(message) > 0 {
		response.Message = message[0]
	}
	c.JSON(status, response)
}

// bindJSON 绑定JSON请求体
func (h *Handler) bindJSON(c *gin.Context, obj interface{}) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		middleware.HandleValidationError(c, "body", err.Error())
		return false
	}
	return true
}

// parseUintParam 解析uint路径参数
func (h *Handler) parseUintParam(c *gin.Context, paramName string) (uint, bool) {
	v, err := strconv.ParseUint(c.Param(paramName), 10, 64)
	if err != nil || v == 0 {
		middleware.HandleValidationError(c, paramName, "must be a positive integer")
		return 0, false
	}
	return uint(v), true
}
