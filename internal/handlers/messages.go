package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"mailsync/internal/mailsync"
	"mailsync/internal/middleware"
	"mailsync/internal/syncback"
)

// UpdateFlagsRequest 星标和已读修改
type UpdateFlagsRequest struct {
	Starred *bool `json:"starred"`
	Unread  *bool `json:"unread"`
}

// ChangeLabelsRequest 标签修改
type ChangeLabelsRequest struct {
	Add    []string `json:"add"`
	Remove []string `json:"remove"`
}

// UpdateMessageFlags 把星标或已读修改写回远端，本地状态在下一次轮询时更新
func (h *Handler) UpdateMessageFlags(c *gin.Context) {
	messageID, ok := h.parseUintParam(c, "message_id")
	if !ok {
		return
	}
	var req UpdateFlagsRequest
	if !h.bindJSON(c, &req) {
		return
	}
	if req.Starred == nil && req.Unread == nil {
		middleware.HandleValidationError(c, "body", "starred or unread is required")
		return
	}

	ctx := c.Request.Context()
	if _, err := h.Store.AccountForMessage(ctx, messageID); err != nil {
		h.handleStoreError(c, "message", messageID, err)
		return
	}
	if req.Starred != nil {
		if err := h.Syncback.SetStarred(ctx, messageID, *req.Starred); err != nil {
			h.handleSyncbackError(c, err)
			return
		}
	}
	if req.Unread != nil {
		if err := h.Syncback.SetUnread(ctx, messageID, *req.Unread); err != nil {
			h.handleSyncbackError(c, err)
			return
		}
	}
	h.respondWithSuccess(c, gin.H{"message_id": messageID}, "Flags written to remote")
}

// ChangeMessageLabels 修改Gmail标签
func (h *Handler) ChangeMessageLabels(c *gin.Context) {
	messageID, ok := h.parseUintParam(c, "message_id")
	if !ok {
		return
	}
	var req ChangeLabelsRequest
	if !h.bindJSON(c, &req) {
		return
	}
	if len(req.Add) == 0 && len(req.Remove) == 0 {
		middleware.HandleValidationError(c, "body", "add or remove is required")
		return
	}

	ctx := c.Request.Context()
	account, err := h.Store.AccountForMessage(ctx, messageID)
	if err != nil {
		h.handleStoreError(c, "message", messageID, err)
		return
	}
	if err := h.Syncback.ChangeLabels(ctx, account, messageID, req.Add, req.Remove); err != nil {
		h.handleSyncbackError(c, err)
		return
	}
	h.respondWithSuccess(c, gin.H{"message_id": messageID}, "Labels written to remote")
}

func (h *Handler) handleSyncbackError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, syncback.ErrLabelsUnsupported), errors.Is(err, syncback.ErrNoRemoteUID):
		middleware.HandleError(c, err, http.StatusUnprocessableEntity)
	case errors.Is(err, syncback.ErrAccountNotRunning), errors.Is(err, mailsync.ErrUIDInvalid):
		middleware.HandleError(c, err, http.StatusConflict)
	default:
		middleware.HandleError(c, err, http.StatusBadGateway)
	}
}
