package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"mailsync/internal/heartbeat"
	"mailsync/internal/middleware"
	"mailsync/internal/models"
)

// FolderStatusView 文件夹持久化状态和最近一次心跳
type FolderStatusView struct {
	FolderID         uint                       `json:"folder_id"`
	Folder           string                     `json:"folder"`
	CanonicalName    string                     `json:"canonical_name,omitempty"`
	State            string                     `json:"state"`
	PreviousState    string                     `json:"previous_state,omitempty"`
	RemoteUIDCount   int                        `json:"remote_uid_count"`
	DownloadUIDCount int                        `json:"download_uid_count"`
	UIDCheckedAt     *time.Time                 `json:"uid_checked_at,omitempty"`
	Heartbeat        *heartbeat.FolderHeartbeat `json:"heartbeat,omitempty"`
}

// AccountStatusView 账户同步状态
type AccountStatusView struct {
	AccountID  uint               `json:"account_id"`
	Email      string             `json:"email"`
	Provider   string             `json:"provider"`
	SyncState  string             `json:"sync_state"`
	SyncError  string             `json:"sync_error,omitempty"`
	Throttled  bool               `json:"throttled"`
	LastSyncAt *time.Time         `json:"last_sync_at,omitempty"`
	Running    bool               `json:"running"`
	Health     heartbeat.Health   `json:"health,omitempty"`
	Folders    []FolderStatusView `json:"folders,omitempty"`
}

func (h *Handler) accountStatus(account *models.Account) AccountStatusView {
	_, running := h.Manager.Running(account.ID)
	view := AccountStatusView{
		AccountID:  account.ID,
		Email:      account.Email,
		Provider:   account.Provider,
		SyncState:  account.SyncState,
		SyncError:  account.SyncError,
		Throttled:  account.Throttled,
		LastSyncAt: account.LastSyncAt,
		Running:    running,
	}
	if h.Reporter != nil {
		if hb, ok := h.Reporter.Account(account.ID); ok {
			view.Health = hb.Health
		}
	}
	return view
}

// GetStatus 所有账户的同步状态
func (h *Handler) GetStatus(c *gin.Context) {
	accounts, err := h.Store.ListAccounts(c.Request.Context())
	if err != nil {
		middleware.HandleError(c, err, http.StatusInternalServerError)
		return
	}
	views := make([]AccountStatusView, len(accounts))
	for i := range accounts {
		views[i] = h.accountStatus(&accounts[i])
	}
	h.respondWithSuccess(c, views)
}

// GetAccountStatus 账户每个文件夹的同步状态
func (h *Handler) GetAccountStatus(c *gin.Context) {
	accountID, ok := h.parseUintParam(c, "account_id")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	account, err := h.Store.GetAccount(ctx, accountID)
	if err != nil {
		h.handleStoreError(c, "account", accountID, err)
		return
	}
	statuses, err := h.Store.FolderStatuses(ctx, accountID)
	if err != nil {
		middleware.HandleError(c, err, http.StatusInternalServerError)
		return
	}

	beats := make(map[uint]heartbeat.FolderHeartbeat)
	if h.Reporter != nil {
		if hb, ok := h.Reporter.Account(accountID); ok {
			for _, f := range hb.Folders {
				beats[f.FolderID] = f
			}
		}
	}

	view := h.accountStatus(account)
	view.Folders = make([]FolderStatusView, 0, len(statuses))
	for _, s := range statuses {
		fv := FolderStatusView{
			FolderID:         s.FolderID,
			State:            s.State,
			PreviousState:    s.PreviousState,
			RemoteUIDCount:   s.RemoteUIDCount,
			DownloadUIDCount: s.DownloadUIDCount,
			UIDCheckedAt:     s.UIDCheckedAt,
		}
		if s.Folder != nil {
			fv.Folder = s.Folder.Name
			fv.CanonicalName = s.Folder.CanonicalName
		}
		if hb, ok := beats[s.FolderID]; ok {
			hb := hb
			fv.Heartbeat = &hb
		}
		view.Folders = append(view.Folders, fv)
	}
	h.respondWithSuccess(c, view)
}

// StreamStatus 以SSE推送心跳事件。account_id查询参数可以限定账户
func (h *Handler) StreamStatus(c *gin.Context) {
	if h.Reporter == nil {
		middleware.HandleServiceUnavailableError(c, "status stream", "heartbeat reporter is not configured")
		return
	}
	var accountID uint
	if q := c.Query("account_id"); q != "" {
		id, err := strconv.ParseUint(q, 10, 64)
		if err != nil {
			middleware.HandleValidationError(c, "account_id", "must be a positive integer")
			return
		}
		accountID = uint(id)
	}

	sub := h.Reporter.Subscribe(accountID, 64)
	defer sub.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	logger := logrus.WithFields(logrus.Fields{
		"subject":    c.GetString(middleware.SubjectKey),
		"account_id": accountID,
	})
	logger.Debug("Status stream opened")
	defer logger.Debug("Status stream closed")

	// 先发送当前快照
	for _, a := range h.Reporter.Accounts() {
		if accountID != 0 && a.AccountID != accountID {
			continue
		}
		for _, f := range a.Folders {
			if !h.writeEvent(c, heartbeat.NewEvent(heartbeat.EventFolderStatus, a.AccountID, f)) {
				return
			}
		}
	}
	if !h.writeEvent(c, heartbeat.NewHeartbeatEvent()) {
		return
	}

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case ev, ok := <-sub.Events():
			if !ok || !h.writeEvent(c, ev) {
				return
			}
		case <-ticker.C:
			if !h.writeEvent(c, heartbeat.NewHeartbeatEvent()) {
				return
			}
		}
	}
}

func (h *Handler) writeEvent(c *gin.Context, ev *heartbeat.Event) bool {
	data, err := ev.ToSSEFormat()
	if err != nil {
		logrus.WithError(err).Warn("Failed to format status event")
		return true
	}
	if _, err := c.Writer.Write(data); err != nil {
		return false
	}
	c.Writer.Flush()
	return true
}
