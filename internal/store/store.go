package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mailsync/internal/mailsync"
	"mailsync/internal/models"
)

// SQLite单条语句的参数上限是999（旧版本），IN查询按此分块
const maxInParams = 500

// Store 基于gorm的同步存储
type Store struct {
	db     *gorm.DB
	logger *logrus.Entry
}

var (
	_ mailsync.Store         = (*Store)(nil)
	_ mailsync.AccountLister = (*Store)(nil)
)

// New 创建存储
func New(db *gorm.DB) *Store {
	return &Store{
		db:     db,
		logger: logrus.WithField("component", "store"),
	}
}

// DB 底层连接
func (s *Store) DB() *gorm.DB {
	return s.db
}

// LoadSyncStatus 获取文件夹同步状态，首次遇到文件夹时创建
func (s *Store) LoadSyncStatus(ctx context.Context, accountID, folderID uint) (*models.FolderSyncStatus, error) {
	var status models.FolderSyncStatus
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND folder_id = ?", accountID, folderID).
		Attrs(models.FolderSyncStatus{AccountID: accountID, FolderID: folderID, State: string(mailsync.StateInitial)}).
		FirstOrCreate(&status).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load sync status: %w", err)
	}
	return &status, nil
}

// SaveSyncState 持久化状态转换
func (s *Store) SaveSyncState(ctx context.Context, accountID, folderID uint, state, previous mailsync.State) error {
	if _, err := s.LoadSyncStatus(ctx, accountID, folderID); err != nil {
		return err
	}

	now := time.Now()
	updates := map[string]interface{}{
		"state":          string(state),
		"previous_state": string(previous),
	}
	switch state {
	case mailsync.StateInitial:
		updates["sync_started_at"] = gorm.Expr("COALESCE(sync_started_at, ?)", now)
	case mailsync.StatePoll:
		updates["sync_ended_at"] = gorm.Expr("COALESCE(sync_ended_at, ?)", now)
	}

	err := s.db.WithContext(ctx).Model(&models.FolderSyncStatus{}).
		Where("account_id = ? AND folder_id = ?", accountID, folderID).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("failed to save sync state: %w", err)
	}
	return nil
}

// UpdateUIDCounts 记录远端和已下载的UID数量
func (s *Store) UpdateUIDCounts(ctx context.Context, accountID, folderID uint, remote, downloaded int) error {
	err := s.db.WithContext(ctx).Model(&models.FolderSyncStatus{}).
		Where("account_id = ? AND folder_id = ?", accountID, folderID).
		Updates(map[string]interface{}{
			"remote_uid_count":   remote,
			"download_uid_count": downloaded,
			"uid_checked_at":     time.Now(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to update uid counts: %w", err)
	}
	return nil
}

// FolderInfo 获取文件夹一致性信息，不存在时返回nil
func (s *Store) FolderInfo(ctx context.Context, accountID, folderID uint) (*models.ImapFolderInfo, error) {
	var info models.ImapFolderInfo
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND folder_id = ?", accountID, folderID).
		First(&info).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get folder info: %w", err)
	}
	return &info, nil
}

// SaveFolderInfo 保存UIDVALIDITY和HIGHESTMODSEQ
func (s *Store) SaveFolderInfo(ctx context.Context, accountID, folderID uint, uidValidity uint32, modseq uint64) error {
	return saveFolderInfo(s.db.WithContext(ctx), accountID, folderID, uidValidity, modseq)
}

func saveFolderInfo(db *gorm.DB, accountID, folderID uint, uidValidity uint32, modseq uint64) error {
	info := models.ImapFolderInfo{
		AccountID:     accountID,
		FolderID:      folderID,
		UIDValidity:   uidValidity,
		HighestModSeq: modseq,
	}
	err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}, {Name: "folder_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"uid_validity", "highest_modseq", "updated_at"}),
	}).Create(&info).Error
	if err != nil {
		return fmt.Errorf("failed to save folder info: %w", err)
	}
	return nil
}

// AccountThrottled 账户是否被限流
func (s *Store) AccountThrottled(ctx context.Context, accountID uint) (bool, error) {
	var account models.Account
	err := s.db.WithContext(ctx).Select("id", "throttled").First(&account, accountID).Error
	if err != nil {
		return false, fmt.Errorf("failed to get account: %w", err)
	}
	return account.Throttled, nil
}

// SetAccountSyncState 保存账户同步状态
func (s *Store) SetAccountSyncState(ctx context.Context, accountID uint, state string, syncErr error) error {
	updates := map[string]interface{}{
		"sync_state": state,
		"sync_error": "",
	}
	if syncErr != nil {
		updates["sync_error"] = syncErr.Error()
	}
	if state != models.SyncStateRunning {
		updates["last_sync_at"] = time.Now()
	}
	err := s.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", accountID).Updates(updates).Error
	if err != nil {
		return fmt.Errorf("failed to save account sync state: %w", err)
	}
	return nil
}

// SyncableAccounts 启用了同步且凭据未失效的账户
func (s *Store) SyncableAccounts(ctx context.Context) ([]models.Account, error) {
	var accounts []models.Account
	err := s.db.WithContext(ctx).
		Preload("Namespace").
		Where("sync_enabled = ? AND sync_state <> ?", true, models.SyncStateInvalid).
		Order("id").
		Find(&accounts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, nil
}

// FolderStatuses 账户所有文件夹的同步状态
func (s *Store) FolderStatuses(ctx context.Context, accountID uint) ([]models.FolderSyncStatus, error) {
	var statuses []models.FolderSyncStatus
	err := s.db.WithContext(ctx).
		Preload("Folder").
		Where("account_id = ?", accountID).
		Order("folder_id").
		Find(&statuses).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list folder statuses: %w", err)
	}
	return statuses, nil
}
