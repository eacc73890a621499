package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"mailsync/internal/models"
)

// OrphanMessages 命名空间中ID大于afterID、没有任何UID映射且在before之前修改过的消息，按ID升序
func (s *Store) OrphanMessages(ctx context.Context, namespaceID uint, before time.Time, afterID uint, limit int) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.WithContext(ctx).
		Where("namespace_id = ? AND updated_at < ? AND id > ?", namespaceID, before, afterID).
		Where("NOT EXISTS (SELECT 1 FROM imap_uids WHERE imap_uids.message_id = messages.id)").
		Order("id").
		Limit(limit).
		Find(&messages).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list orphan messages: %w", err)
	}
	return messages, nil
}

// SoftDeleteMessages 软删除消息。删除前重新检查UID映射，期间被重新关联的消息不会删除
func (s *Store) SoftDeleteMessages(ctx context.Context, ids []uint) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Where("id IN ?", ids).
		Where("NOT EXISTS (SELECT 1 FROM imap_uids WHERE imap_uids.message_id = messages.id)").
		Delete(&models.Message{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete messages: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

// DeleteEmptyThreads 软删除没有未删除消息的会话
func (s *Store) DeleteEmptyThreads(ctx context.Context, namespaceID uint) (int, error) {
	res := s.db.WithContext(ctx).
		Where("namespace_id = ?", namespaceID).
		Where("NOT EXISTS (SELECT 1 FROM messages WHERE messages.thread_id = threads.id AND messages.deleted_at IS NULL)").
		Delete(&models.Thread{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to delete empty threads: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

// GetMessage 获取消息
func (s *Store) GetMessage(ctx context.Context, id uint) (*models.Message, error) {
	var msg models.Message
	err := s.db.WithContext(ctx).First(&msg, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return &msg, nil
}

// AccountForMessage 消息所属的账户
func (s *Store) AccountForMessage(ctx context.Context, messageID uint) (*models.Account, error) {
	var account models.Account
	err := s.db.WithContext(ctx).
		Preload("Namespace").
		Joins("JOIN namespaces ON namespaces.account_id = accounts.id").
		Joins("JOIN messages ON messages.namespace_id = namespaces.id").
		Where("messages.id = ? AND messages.deleted_at IS NULL", messageID).
		First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message account: %w", err)
	}
	return &account, nil
}
