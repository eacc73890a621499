package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bradenaw/juniper/xslices"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"mailsync/internal/mailsync"
	"mailsync/internal/models"
	"mailsync/internal/parser"
	"mailsync/internal/providers"
)

// LocalUIDs 文件夹中本地已有的UID，升序
func (s *Store) LocalUIDs(ctx context.Context, accountID, folderID uint) ([]uint32, error) {
	var uids []uint32
	err := s.db.WithContext(ctx).Model(&models.ImapUID{}).
		Where("account_id = ? AND folder_id = ?", accountID, folderID).
		Order("msg_uid").
		Pluck("msg_uid", &uids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list local uids: %w", err)
	}
	return uids, nil
}

// RemoveUIDs 删除UID映射，消息本身保留，由回收任务处理
func (s *Store) RemoveUIDs(ctx context.Context, accountID, folderID uint, uids []uint32) (int, error) {
	removed := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, chunk := range xslices.Chunk(uids, maxInParams) {
			scope := tx.Where("account_id = ? AND folder_id = ? AND msg_uid IN ?", accountID, folderID, chunk)

			var messageIDs []uint
			if err := scope.Model(&models.ImapUID{}).Distinct().Pluck("message_id", &messageIDs).Error; err != nil {
				return err
			}
			res := tx.Where("account_id = ? AND folder_id = ? AND msg_uid IN ?", accountID, folderID, chunk).Delete(&models.ImapUID{})
			if res.Error != nil {
				return res.Error
			}
			removed += int(res.RowsAffected)

			if err := touchMessages(tx, messageIDs); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to remove uids: %w", err)
	}
	return removed, nil
}

// ExistingGMsgIDs 本地已有的g_msgid，包括已软删除的消息
func (s *Store) ExistingGMsgIDs(ctx context.Context, namespaceID uint, ids []uint64) (map[uint64]bool, error) {
	existing := make(map[uint64]bool, len(ids))
	for _, chunk := range xslices.Chunk(ids, maxInParams) {
		var found []uint64
		err := s.db.WithContext(ctx).Unscoped().Model(&models.Message{}).
			Where("namespace_id = ? AND g_msgid IN ?", namespaceID, chunk).
			Pluck("g_msgid", &found).Error
		if err != nil {
			return nil, fmt.Errorf("failed to query g_msgids: %w", err)
		}
		for _, id := range found {
			existing[id] = true
		}
	}
	return existing, nil
}

// LinkUIDs 为已有消息建立当前文件夹的UID映射，不下载正文。
// 返回本地找不到对应消息的UID
func (s *Store) LinkUIDs(ctx context.Context, ref mailsync.FolderRef, metas []providers.MessageMeta) ([]uint32, error) {
	var missing []uint32
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		missing = nil
		for _, meta := range metas {
			msg, err := messageByGMsgID(tx, ref.NamespaceID, meta.GMsgID)
			if err != nil {
				return err
			}
			if msg == nil {
				missing = append(missing, meta.UID)
				continue
			}
			if _, err := addUID(tx, ref, meta, msg); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return missing, nil
}

// CommitMessages 在一个事务中保存新邮件。本地已有的UID跳过；
// 已有g_msgid的邮件只建立UID映射，所以同一批次中重复的g_msgid只产生一条消息
func (s *Store) CommitMessages(ctx context.Context, batch *mailsync.CommitBatch, threads mailsync.ThreadAssigner) (int, error) {
	created := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		created = 0
		for _, cm := range batch.Messages {
			var count int64
			err := tx.Model(&models.ImapUID{}).
				Where("account_id = ? AND folder_id = ? AND msg_uid = ?", batch.AccountID, batch.FolderID, cm.Meta.UID).
				Count(&count).Error
			if err != nil {
				return err
			}
			if count > 0 {
				continue
			}

			var msg *models.Message
			if cm.Meta.GMsgID != 0 {
				if msg, err = messageByGMsgID(tx, batch.NamespaceID, cm.Meta.GMsgID); err != nil {
					return err
				}
			}
			if msg == nil {
				if msg, err = createMessage(tx, batch.NamespaceID, cm, threads); err != nil {
					return fmt.Errorf("uid %d: %w", cm.Meta.UID, err)
				}
			}

			if _, err := addUID(tx, batch.FolderRef, cm.Meta, msg); err != nil {
				return fmt.Errorf("uid %d: %w", cm.Meta.UID, err)
			}
			created++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to commit messages: %w", err)
	}
	return created, nil
}

// UpdateMetadata 更新已有UID的标志和标签，只写入发生变化的行
func (s *Store) UpdateMetadata(ctx context.Context, ref mailsync.FolderRef, metas []providers.MessageMeta) (int, error) {
	changed := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		changed = 0
		byUID := make(map[uint32]providers.MessageMeta, len(metas))
		uids := make([]uint32, 0, len(metas))
		for _, m := range metas {
			byUID[m.UID] = m
			uids = append(uids, m.UID)
		}

		for _, chunk := range xslices.Chunk(uids, maxInParams) {
			var rows []models.ImapUID
			err := tx.Where("account_id = ? AND folder_id = ? AND msg_uid IN ?", ref.AccountID, ref.FolderID, chunk).
				Find(&rows).Error
			if err != nil {
				return err
			}

			for i := range rows {
				row := &rows[i]
				meta := byUID[row.MsgUID]
				oldFlags, oldLabels := row.Flags, row.GLabels
				if err := row.UpdateFlags(meta.Flags, meta.Labels); err != nil {
					return err
				}
				if row.Flags == oldFlags && (meta.Labels == nil || row.GLabels == oldLabels) {
					continue
				}

				err := tx.Model(row).Select("flags", "g_labels", "is_seen", "is_flagged", "is_draft", "is_answered", "updated_at").
					Updates(row).Error
				if err != nil {
					return err
				}
				if meta.Labels != nil {
					if err := syncLabels(tx, ref.AccountID, row.ID, meta.Labels); err != nil {
						return err
					}
				}
				if err := updateMessageFlags(tx, row.MessageID, row); err != nil {
					return err
				}
				changed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to update metadata: %w", err)
	}
	return changed, nil
}

// RemapUIDs UIDVALIDITY变化后按g_msgid把UID映射改写为新UID，远端已没有的映射删除，
// 并保存新的UIDVALIDITY。不下载任何正文
func (s *Store) RemapUIDs(ctx context.Context, ref mailsync.FolderRef, byGMsgID map[uint64]uint32, uidValidity uint32, modseq uint64) (int, int, error) {
	remapped, removed := 0, 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		remapped, removed = 0, 0

		var rows []struct {
			ID        uint
			MessageID uint
			GMsgID    *uint64 `gorm:"column:g_msgid"`
		}
		err := tx.Table("imap_uids").
			Select("imap_uids.id, imap_uids.message_id, messages.g_msgid").
			Joins("JOIN messages ON messages.id = imap_uids.message_id").
			Where("imap_uids.account_id = ? AND imap_uids.folder_id = ?", ref.AccountID, ref.FolderID).
			Order("imap_uids.id").
			Scan(&rows).Error
		if err != nil {
			return err
		}

		// 先把所有UID移到负数区间，避免新旧UID交换时违反唯一索引
		err = tx.Exec("UPDATE imap_uids SET msg_uid = -id WHERE account_id = ? AND folder_id = ?", ref.AccountID, ref.FolderID).Error
		if err != nil {
			return err
		}

		used := make(map[uint32]bool, len(rows))
		var orphaned []uint
		for _, row := range rows {
			uid, ok := uint32(0), false
			if row.GMsgID != nil {
				uid, ok = byGMsgID[*row.GMsgID]
			}
			if !ok || used[uid] {
				orphaned = append(orphaned, row.MessageID)
				continue
			}
			used[uid] = true
			if err := tx.Model(&models.ImapUID{}).Where("id = ?", row.ID).Update("msg_uid", uid).Error; err != nil {
				return err
			}
			remapped++
		}

		res := tx.Where("account_id = ? AND folder_id = ? AND msg_uid < 0", ref.AccountID, ref.FolderID).Delete(&models.ImapUID{})
		if res.Error != nil {
			return res.Error
		}
		removed = int(res.RowsAffected)

		if err := touchMessages(tx, orphaned); err != nil {
			return err
		}
		return saveFolderInfo(tx, ref.AccountID, ref.FolderID, uidValidity, modseq)
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to remap uids: %w", err)
	}
	return remapped, removed, nil
}

// ResetFolderUIDs 丢弃文件夹的全部UID映射并保存新的UIDVALIDITY。
// HIGHESTMODSEQ清零，下次检查时所有UID都视为变更
func (s *Store) ResetFolderUIDs(ctx context.Context, ref mailsync.FolderRef, uidValidity uint32) (int, error) {
	removed := 0
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var messageIDs []uint
		err := tx.Model(&models.ImapUID{}).
			Where("account_id = ? AND folder_id = ?", ref.AccountID, ref.FolderID).
			Distinct().Pluck("message_id", &messageIDs).Error
		if err != nil {
			return err
		}

		res := tx.Where("account_id = ? AND folder_id = ?", ref.AccountID, ref.FolderID).Delete(&models.ImapUID{})
		if res.Error != nil {
			return res.Error
		}
		removed = int(res.RowsAffected)

		if err := touchMessages(tx, messageIDs); err != nil {
			return err
		}
		return saveFolderInfo(tx, ref.AccountID, ref.FolderID, uidValidity, 0)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to reset folder uids: %w", err)
	}
	return removed, nil
}

// MessageUIDs 消息在所有文件夹中的UID映射
func (s *Store) MessageUIDs(ctx context.Context, messageID uint) ([]models.ImapUID, error) {
	var uids []models.ImapUID
	err := s.db.WithContext(ctx).
		Preload("Folder").
		Where("message_id = ?", messageID).
		Order("folder_id, msg_uid").
		Find(&uids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list message uids: %w", err)
	}
	return uids, nil
}

// messageByGMsgID 按g_msgid查找消息，已软删除的消息会被恢复
func messageByGMsgID(tx *gorm.DB, namespaceID uint, gmsgid uint64) (*models.Message, error) {
	var msg models.Message
	err := tx.Unscoped().Where("namespace_id = ? AND g_msgid = ?", namespaceID, gmsgid).First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if msg.DeletedAt.Valid {
		if err := tx.Unscoped().Model(&msg).Update("deleted_at", nil).Error; err != nil {
			return nil, err
		}
		if err := tx.Unscoped().Model(&models.Thread{}).Where("id = ?", msg.ThreadID).Update("deleted_at", nil).Error; err != nil {
			return nil, err
		}
		msg.DeletedAt = gorm.DeletedAt{}
	}
	return &msg, nil
}

func createMessage(tx *gorm.DB, namespaceID uint, cm mailsync.CommitMessage, threads mailsync.ThreadAssigner) (*models.Message, error) {
	parsed := cm.Parsed
	if parsed == nil {
		parsed = &parser.ParsedMessage{}
	}

	msg := &models.Message{
		NamespaceID:     namespaceID,
		PublicID:        uuid.New().String(),
		GMsgID:          optionalID(cm.Meta.GMsgID),
		GThrID:          optionalID(cm.Meta.GThrID),
		MessageIDHeader: truncate(parsed.MessageID, 998),
		Subject:         truncate(parsed.Subject, 500),
		FromAddr:        truncate(parsed.From, 500),
		ReceivedDate:    receivedDate(parsed, cm.Meta),
		Size:            int64(parsed.Size),
		DataSHA256:      parsed.SHA256,
		Snippet:         parsed.Snippet,
	}
	applyFlags(msg, cm.Meta.Flags, cm.Meta.Labels)

	thread, err := threads.Assign(threadTx{tx: tx}, msg)
	if err != nil {
		return nil, err
	}
	var order int64
	if err := tx.Model(&models.Message{}).Where("thread_id = ?", thread.ID).Count(&order).Error; err != nil {
		return nil, err
	}
	msg.ThreadID = thread.ID
	msg.ThreadOrder = int(order)

	if err := tx.Create(msg).Error; err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}
	if msg.ReceivedDate.After(thread.RecentDate) {
		if err := tx.Model(thread).Update("recent_date", msg.ReceivedDate).Error; err != nil {
			return nil, err
		}
	}
	return msg, nil
}

// addUID 为消息创建UID映射，已存在时不重复创建
func addUID(tx *gorm.DB, ref mailsync.FolderRef, meta providers.MessageMeta, msg *models.Message) (bool, error) {
	var count int64
	err := tx.Model(&models.ImapUID{}).
		Where("account_id = ? AND folder_id = ? AND msg_uid = ?", ref.AccountID, ref.FolderID, meta.UID).
		Count(&count).Error
	if err != nil || count > 0 {
		return false, err
	}

	row := &models.ImapUID{
		AccountID: ref.AccountID,
		FolderID:  ref.FolderID,
		MsgUID:    meta.UID,
		MessageID: msg.ID,
	}
	if err := row.UpdateFlags(meta.Flags, meta.Labels); err != nil {
		return false, err
	}
	if err := tx.Create(row).Error; err != nil {
		return false, fmt.Errorf("failed to create uid mapping: %w", err)
	}
	if len(meta.Labels) > 0 {
		if err := syncLabels(tx, ref.AccountID, row.ID, meta.Labels); err != nil {
			return false, err
		}
	}
	if err := updateMessageFlags(tx, msg.ID, row); err != nil {
		return false, err
	}
	return true, nil
}

// updateMessageFlags 用UID映射的标志刷新消息的已读、星标和草稿状态
func updateMessageFlags(tx *gorm.DB, messageID uint, row *models.ImapUID) error {
	msg := models.Message{}
	applyFlags(&msg, row.GetFlags(), row.GetLabels())
	return tx.Model(&models.Message{}).Where("id = ?", messageID).Updates(map[string]interface{}{
		"is_read":    msg.IsRead,
		"is_starred": msg.IsStarred,
		"is_draft":   msg.IsDraft,
		"updated_at": time.Now(),
	}).Error
}

func applyFlags(msg *models.Message, flags, labels []string) {
	msg.IsRead, msg.IsStarred, msg.IsDraft = false, false, false
	for _, f := range flags {
		switch strings.ToLower(f) {
		case `\seen`:
			msg.IsRead = true
		case `\flagged`:
			msg.IsStarred = true
		case `\draft`:
			msg.IsDraft = true
		}
	}
	for _, l := range labels {
		switch strings.ToLower(l) {
		case `\draft`:
			msg.IsDraft = true
		case `\starred`:
			msg.IsStarred = true
		}
	}
}

// touchMessages 更新消息的修改时间，回收任务据此计算宽限期
func touchMessages(tx *gorm.DB, ids []uint) error {
	for _, chunk := range xslices.Chunk(ids, maxInParams) {
		if err := tx.Model(&models.Message{}).Where("id IN ?", chunk).Update("updated_at", time.Now()).Error; err != nil {
			return err
		}
	}
	return nil
}

func receivedDate(parsed *parser.ParsedMessage, meta providers.MessageMeta) time.Time {
	switch {
	case !parsed.Date.IsZero():
		return parsed.Date
	case !meta.InternalDate.IsZero():
		return meta.InternalDate
	}
	return time.Now()
}

func optionalID(v uint64) *uint64 {
	if v == 0 {
		return nil
	}
	return &v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	logrus.WithField("length", len(s)).Debug("Truncating oversized header")
	return strings.ToValidUTF8(s[:n], "")
}
