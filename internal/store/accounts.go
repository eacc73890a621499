package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"mailsync/internal/models"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("record not found")

// CreateAccount 创建账户及其命名空间
func (s *Store) CreateAccount(ctx context.Context, account *models.Account) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if account.SyncState == "" {
			account.SyncState = models.SyncStateStopped
		}
		if err := tx.Create(account).Error; err != nil {
			return fmt.Errorf("failed to create account: %w", err)
		}
		ns := &models.Namespace{PublicID: uuid.New().String(), AccountID: account.ID}
		if err := tx.Create(ns).Error; err != nil {
			return fmt.Errorf("failed to create namespace: %w", err)
		}
		account.Namespace = ns
		return nil
	})
}

// GetAccount 获取账户，带命名空间
func (s *Store) GetAccount(ctx context.Context, id uint) (*models.Account, error) {
	var account models.Account
	err := s.db.WithContext(ctx).Preload("Namespace").First(&account, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &account, nil
}

// ListAccounts 所有账户
func (s *Store) ListAccounts(ctx context.Context) ([]models.Account, error) {
	var accounts []models.Account
	if err := s.db.WithContext(ctx).Preload("Namespace").Order("id").Find(&accounts).Error; err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, nil
}

// SetSyncEnabled 开关账户同步，重新启用时清除invalid状态
func (s *Store) SetSyncEnabled(ctx context.Context, accountID uint, enabled bool) error {
	updates := map[string]interface{}{"sync_enabled": enabled}
	if enabled {
		updates["sync_state"] = gorm.Expr("CASE WHEN sync_state = ? THEN ? ELSE sync_state END", models.SyncStateInvalid, models.SyncStateStopped)
		updates["sync_error"] = ""
	}
	res := s.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", accountID).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("failed to update account: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetThrottled 设置账户限流标志，运行中的同步在下一次下载前读取
func (s *Store) SetThrottled(ctx context.Context, accountID uint, throttled bool) error {
	err := s.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", accountID).Update("throttled", throttled).Error
	if err != nil {
		return fmt.Errorf("failed to update account: %w", err)
	}
	return nil
}
