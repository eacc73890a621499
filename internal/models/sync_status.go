package models

import "time"

// FolderSyncStatus 文件夹同步状态，每个(账户, 文件夹)一条，仅由该文件夹的同步任务修改
type FolderSyncStatus struct {
	BaseModel
	AccountID     uint   `gorm:"column:account_id;not null;uniqueIndex:idx_folder_sync_status" json:"account_id"`
	FolderID      uint   `gorm:"column:folder_id;not null;uniqueIndex:idx_folder_sync_status" json:"folder_id"`
	State         string `gorm:"column:state;not null;size:32;default:initial" json:"state"`
	PreviousState string `gorm:"column:previous_state;size:32" json:"previous_state,omitempty"`

	RemoteUIDCount   int        `gorm:"column:remote_uid_count;not null;default:0" json:"remote_uid_count"`
	DownloadUIDCount int        `gorm:"column:download_uid_count;not null;default:0" json:"download_uid_count"`
	UIDCheckedAt     *time.Time `gorm:"column:uid_checked_at" json:"uid_checked_at,omitempty"`
	SyncStartedAt    *time.Time `gorm:"column:sync_started_at" json:"sync_started_at,omitempty"`
	SyncEndedAt      *time.Time `gorm:"column:sync_ended_at" json:"sync_ended_at,omitempty"`

	Folder *Folder `gorm:"foreignKey:FolderID" json:"folder,omitempty"`
}

// TableName 指定表名
func (FolderSyncStatus) TableName() string {
	return "folder_sync_statuses"
}

// ImapFolderInfo 文件夹一致性信息：最后观察到的UIDVALIDITY和HIGHESTMODSEQ
type ImapFolderInfo struct {
	BaseModel
	AccountID     uint   `gorm:"column:account_id;not null;uniqueIndex:idx_imap_folder_info" json:"account_id"`
	FolderID      uint   `gorm:"column:folder_id;not null;uniqueIndex:idx_imap_folder_info" json:"folder_id"`
	UIDValidity   uint32 `gorm:"column:uid_validity;not null" json:"uid_validity"`
	HighestModSeq uint64 `gorm:"column:highest_modseq;not null;default:0" json:"highest_modseq"`
}

// TableName 指定表名
func (ImapFolderInfo) TableName() string {
	return "imap_folder_infos"
}
