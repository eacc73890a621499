// Package gc 回收远端已不存在的消息
package gc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"mailsync/internal/config"
	"mailsync/internal/mailsync"
	"mailsync/internal/models"
)

const defaultBatchSize = 200

// Store 回收使用的存储
type Store interface {
	OrphanMessages(ctx context.Context, namespaceID uint, before time.Time, afterID uint, limit int) ([]models.Message, error)
	SoftDeleteMessages(ctx context.Context, ids []uint) (int, error)
	DeleteEmptyThreads(ctx context.Context, namespaceID uint) (int, error)
}

// Result 一次回收的结果
type Result struct {
	Messages int
	Threads  int
	Skipped  int
}

// DeleteHandler 软删除宽限期后仍没有任何远端UID的消息，并删除空会话
type DeleteHandler struct {
	store     Store
	cfg       config.GCConfig
	batchSize int
	logger    *logrus.Entry
	now       func() time.Time
}

var _ mailsync.DeleteHandler = (*DeleteHandler)(nil)

// NewDeleteHandler 创建删除回收任务
func NewDeleteHandler(store Store, cfg config.GCConfig, logger *logrus.Entry) *DeleteHandler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &DeleteHandler{
		store:     store,
		cfg:       cfg,
		batchSize: defaultBatchSize,
		logger:    logger.WithField("component", "delete_handler"),
		now:       time.Now,
	}
}

// Run 按间隔回收，直到ctx取消
func (h *DeleteHandler) Run(ctx context.Context, accountID, namespaceID uint, uids mailsync.UIDAccessor) error {
	logger := h.logger.WithFields(logrus.Fields{
		"account_id":   accountID,
		"namespace_id": namespaceID,
	})

	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		res, err := h.Collect(ctx, namespaceID, uids)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			logger.WithError(err).Warn("Garbage collection failed")
			continue
		}
		if res.Messages > 0 || res.Threads > 0 {
			logger.WithFields(logrus.Fields{
				"messages": res.Messages,
				"threads":  res.Threads,
				"skipped":  res.Skipped,
			}).Info("Deleted messages no longer on the remote")
		}
	}
}

// Collect 执行一次回收。uid_accessor返回任何映射的消息会被跳过
func (h *DeleteHandler) Collect(ctx context.Context, namespaceID uint, uids mailsync.UIDAccessor) (Result, error) {
	var res Result
	before := h.now().Add(-h.cfg.Grace)
	afterID := uint(0)

	for {
		// 被跳过的消息下一轮仍会被查出，按ID向前推进
		orphans, err := h.store.OrphanMessages(ctx, namespaceID, before, afterID, h.batchSize)
		if err != nil {
			return res, err
		}
		if len(orphans) == 0 {
			break
		}
		afterID = orphans[len(orphans)-1].ID

		var ids []uint
		for _, m := range orphans {
			remote, err := uids(ctx, m.ID)
			if err != nil {
				return res, fmt.Errorf("failed to check message %d: %w", m.ID, err)
			}
			if len(remote) > 0 {
				res.Skipped++
				continue
			}
			ids = append(ids, m.ID)
		}

		n, err := h.store.SoftDeleteMessages(ctx, ids)
		if err != nil {
			return res, err
		}
		res.Messages += n
		res.Skipped += len(ids) - n

		if len(orphans) < h.batchSize {
			break
		}
	}

	threads, err := h.store.DeleteEmptyThreads(ctx, namespaceID)
	if err != nil {
		return res, err
	}
	res.Threads = threads
	return res, nil
}
