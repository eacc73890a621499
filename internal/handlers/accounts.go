package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"mailsync/internal/config"
	"mailsync/internal/middleware"
	"mailsync/internal/models"
	"mailsync/internal/store"
)

// CreateAccountRequest 添加账户请求
type CreateAccountRequest struct {
	Email        string `json:"email" binding:"required,email"`
	Provider     string `json:"provider" binding:"omitempty,oneof=gmail imap"`
	AuthMethod   string `json:"auth_method" binding:"omitempty,oneof=password oauth2"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	RefreshToken string `json:"refresh_token"`
	IMAPHost     string `json:"imap_host"`
	IMAPPort     int    `json:"imap_port" binding:"omitempty,min=1,max=65535"`
	IMAPSecurity string `json:"imap_security" binding:"omitempty,oneof=SSL TLS STARTTLS NONE"`
	ProxyURL     string `json:"proxy_url"`
	StartSync    bool   `json:"start_sync"`
}

// AccountView 账户及其运行状态
type AccountView struct {
	*models.Account
	Running bool `json:"running"`
}

// ThrottleRequest 限流设置请求
type ThrottleRequest struct {
	Throttled *bool `json:"throttled" binding:"required"`
}

// ListAccounts 所有账户
func (h *Handler) ListAccounts(c *gin.Context) {
	accounts, err := h.Store.ListAccounts(c.Request.Context())
	if err != nil {
		middleware.HandleError(c, err, http.StatusInternalServerError)
		return
	}
	views := make([]AccountView, len(accounts))
	for i := range accounts {
		_, running := h.Manager.Running(accounts[i].ID)
		views[i] = AccountView{Account: &accounts[i], Running: running}
	}
	h.respondWithSuccess(c, views)
}

// CreateAccount 添加账户，凭据加密后保存
func (h *Handler) CreateAccount(c *gin.Context) {
	var req CreateAccountRequest
	if !h.bindJSON(c, &req) {
		return
	}
	if h.Box == nil {
		middleware.HandleServiceUnavailableError(c, "accounts", "SECRET_KEY is not configured")
		return
	}

	account, field, err := h.buildAccount(&req)
	if err != nil {
		middleware.HandleValidationError(c, field, err.Error())
		return
	}

	ctx := c.Request.Context()
	if err := h.Store.CreateAccount(ctx, account); err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			middleware.HandleError(c, fmt.Errorf("account %s already exists", account.Email), http.StatusConflict)
			return
		}
		middleware.HandleError(c, err, http.StatusInternalServerError)
		return
	}
	logrus.WithFields(logrus.Fields{
		"account_id": account.ID,
		"provider":   account.Provider,
	}).Info("Account created")

	running := false
	if req.StartSync {
		if _, err := h.Manager.Start(account); err != nil {
			logrus.WithField("account_id", account.ID).WithError(err).Warn("Failed to start account sync")
		} else {
			running = true
		}
	}
	h.respondWithCreated(c, AccountView{Account: account, Running: running}, "Account created successfully")
}

// buildAccount 根据请求和内置服务器配置生成账户，出错时返回字段名
func (h *Handler) buildAccount(req *CreateAccountRequest) (*models.Account, string, error) {
	preset := config.GetPresetByEmail(req.Email)

	account := &models.Account{
		Email:        strings.ToLower(strings.TrimSpace(req.Email)),
		Provider:     req.Provider,
		AuthMethod:   req.AuthMethod,
		Username:     req.Username,
		IMAPHost:     req.IMAPHost,
		IMAPPort:     req.IMAPPort,
		IMAPSecurity: req.IMAPSecurity,
		ProxyURL:     req.ProxyURL,
		SyncEnabled:  true,
	}
	if account.Provider == "" {
		account.Provider = models.ProviderIMAP
		if preset != nil && preset.Gmail {
			account.Provider = models.ProviderGmail
		}
	}
	if account.AuthMethod == "" {
		account.AuthMethod = models.AuthMethodPassword
	}
	if account.IMAPHost == "" {
		if preset == nil {
			return nil, "imap_host", errors.New("no built-in server for this domain, imap_host is required")
		}
		account.IMAPHost = preset.IMAPHost
		account.IMAPPort = preset.IMAPPort
		account.IMAPSecurity = preset.IMAPSecurity
	}
	if account.IMAPPort == 0 {
		account.IMAPPort = 993
	}
	if account.IMAPSecurity == "" {
		account.IMAPSecurity = "SSL"
	}

	var err error
	switch account.AuthMethod {
	case models.AuthMethodOAuth2:
		if account.Provider != models.ProviderGmail {
			return nil, "auth_method", errors.New("oauth2 is only supported for gmail accounts")
		}
		if req.RefreshToken == "" {
			return nil, "refresh_token", errors.New("refresh_token is required for oauth2")
		}
		account.RefreshTokenCipher, err = h.Box.Seal(req.RefreshToken)
	default:
		if req.Password == "" {
			return nil, "password", errors.New("password is required")
		}
		account.PasswordCipher, err = h.Box.Seal(req.Password)
	}
	if err != nil {
		return nil, "credentials", err
	}
	return account, "", nil
}

// StartAccountSync 启用并启动账户同步，同时清除invalid状态
func (h *Handler) StartAccountSync(c *gin.Context) {
	accountID, ok := h.parseUintParam(c, "account_id")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if err := h.Store.SetSyncEnabled(ctx, accountID, true); err != nil {
		h.handleStoreError(c, "account", accountID, err)
		return
	}
	account, err := h.Store.GetAccount(ctx, accountID)
	if err != nil {
		h.handleStoreError(c, "account", accountID, err)
		return
	}
	if _, err := h.Manager.Start(account); err != nil {
		middleware.HandleError(c, err, http.StatusInternalServerError)
		return
	}
	h.respondWithSuccess(c, AccountView{Account: account, Running: true}, "Account sync started")
}

// StopAccountSync 停止账户同步并禁用
func (h *Handler) StopAccountSync(c *gin.Context) {
	accountID, ok := h.parseUintParam(c, "account_id")
	if !ok {
		return
	}

	if err := h.Store.SetSyncEnabled(c.Request.Context(), accountID, false); err != nil {
		h.handleStoreError(c, "account", accountID, err)
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.stopTimeout)
	defer cancel()
	if err := h.Manager.Stop(ctx, accountID); err != nil {
		middleware.HandleError(c, err, http.StatusInternalServerError)
		return
	}
	if h.Reporter != nil {
		h.Reporter.ClearAccount(accountID)
	}
	h.respondWithSuccess(c, gin.H{"account_id": accountID, "running": false}, "Account sync stopped")
}

// SetThrottled 设置账户限流
func (h *Handler) SetThrottled(c *gin.Context) {
	accountID, ok := h.parseUintParam(c, "account_id")
	if !ok {
		return
	}
	var req ThrottleRequest
	if !h.bindJSON(c, &req) {
		return
	}
	ctx := c.Request.Context()
	if _, err := h.Store.GetAccount(ctx, accountID); err != nil {
		h.handleStoreError(c, "account", accountID, err)
		return
	}
	if err := h.Store.SetThrottled(ctx, accountID, *req.Throttled); err != nil {
		middleware.HandleError(c, err, http.StatusInternalServerError)
		return
	}
	h.respondWithSuccess(c, gin.H{"account_id": accountID, "throttled": *req.Throttled})
}

func (h *Handler) handleStoreError(c *gin.Context, resource string, id uint, err error) {
	if errors.Is(err, store.ErrNotFound) {
		middleware.HandleNotFoundError(c, resource, id)
		return
	}
	middleware.HandleError(c, err, http.StatusInternalServerError)
}
