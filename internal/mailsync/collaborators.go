package mailsync

import (
	"context"
	"time"

	"mailsync/internal/models"
	"mailsync/internal/parser"
	"mailsync/internal/providers"
)

// SessionPool 账户的IMAP连接池
type SessionPool interface {
	WithSession(ctx context.Context, fn func(providers.Session) error) error
	Close() error
}

// Store 同步引擎使用的本地存储。所有写方法各自在一个事务中完成，
// 调用方负责在写之前持有账户写锁
type Store interface {
	// 文件夹同步状态
	LoadSyncStatus(ctx context.Context, accountID, folderID uint) (*models.FolderSyncStatus, error)
	SaveSyncState(ctx context.Context, accountID, folderID uint, state, previous State) error
	UpdateUIDCounts(ctx context.Context, accountID, folderID uint, remote, downloaded int) error

	// 文件夹一致性信息，不存在时返回nil
	FolderInfo(ctx context.Context, accountID, folderID uint) (*models.ImapFolderInfo, error)
	SaveFolderInfo(ctx context.Context, accountID, folderID uint, uidValidity uint32, modseq uint64) error

	// UID映射
	LocalUIDs(ctx context.Context, accountID, folderID uint) ([]uint32, error)
	RemoveUIDs(ctx context.Context, accountID, folderID uint, uids []uint32) (int, error)
	ExistingGMsgIDs(ctx context.Context, namespaceID uint, ids []uint64) (map[uint64]bool, error)
	LinkUIDs(ctx context.Context, ref FolderRef, metas []providers.MessageMeta) (missing []uint32, err error)
	CommitMessages(ctx context.Context, batch *CommitBatch, threads ThreadAssigner) (int, error)
	UpdateMetadata(ctx context.Context, ref FolderRef, metas []providers.MessageMeta) (int, error)
	RemapUIDs(ctx context.Context, ref FolderRef, byGMsgID map[uint64]uint32, uidValidity uint32, modseq uint64) (remapped, removed int, err error)
	ResetFolderUIDs(ctx context.Context, ref FolderRef, uidValidity uint32) (int, error)

	// 账户
	AccountThrottled(ctx context.Context, accountID uint) (bool, error)
	SaveFolderNames(ctx context.Context, accountID uint, remote []providers.FolderInfo, gmail bool) ([]models.Folder, error)
	SetAccountSyncState(ctx context.Context, accountID uint, state string, syncErr error) error
	MessageUIDs(ctx context.Context, messageID uint) ([]models.ImapUID, error)
}

// ThreadTx 提交事务内的会话查询
type ThreadTx interface {
	// ThreadByGThrID 按g_thrid查找会话，包括已软删除的会话，不存在时返回nil
	ThreadByGThrID(namespaceID uint, gthrid uint64) (*models.Thread, error)
	// ThreadsByCleanSubject 规范化主题相同的会话，最近创建的在前
	ThreadsByCleanSubject(namespaceID uint, cleanSubject string) ([]models.Thread, error)
	CountThreadMessages(threadID uint) (int, error)
	CreateThread(thread *models.Thread) error
}

// FolderRef 同步中的文件夹
type FolderRef struct {
	AccountID   uint
	NamespaceID uint
	FolderID    uint
	Name        string
	Role        string
}

// CommitBatch 一次写锁内提交的新邮件
type CommitBatch struct {
	FolderRef
	Messages []CommitMessage
}

// CommitMessage 待提交的邮件
type CommitMessage struct {
	Meta   providers.MessageMeta
	Parsed *parser.ParsedMessage
}

// UIDs 批次中的UID
func (b *CommitBatch) UIDs() []uint32 {
	uids := make([]uint32, len(b.Messages))
	for i, m := range b.Messages {
		uids[i] = m.Meta.UID
	}
	return uids
}

// FolderStatusReport 发送给心跳模块的文件夹状态
type FolderStatusReport struct {
	AccountID      uint      `json:"account_id"`
	FolderID       uint      `json:"folder_id"`
	Folder         string    `json:"folder"`
	State          State     `json:"state"`
	RemoteUIDs     int       `json:"remote_uids"`
	DownloadedUIDs int       `json:"downloaded_uids"`
	Queued         int       `json:"queued"`
	Err            string    `json:"error,omitempty"`
	At             time.Time `json:"at"`
}

// StatusPublisher 接收同步状态
type StatusPublisher interface {
	PublishStatus(report FolderStatusReport)
	ClearFolder(accountID, folderID uint)
}

// UIDAccessor 返回消息在远端的所有UID映射
type UIDAccessor func(ctx context.Context, messageID uint) ([]models.ImapUID, error)

// DeleteHandler 账户级的删除回收任务，阻塞运行直到ctx取消
type DeleteHandler interface {
	Run(ctx context.Context, accountID, namespaceID uint, uids UIDAccessor) error
}

type nopPublisher struct{}

func (nopPublisher) PublishStatus(FolderStatusReport) {}
func (nopPublisher) ClearFolder(uint, uint)           {}
