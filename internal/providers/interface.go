package providers

import (
	"context"
	"time"

	"mailsync/internal/proxy"
)

// Session 已认证的IMAP会话。同一时刻只由一个任务持有，方法不可并发调用
type Session interface {
	// Capabilities 服务器能力
	Capabilities() Capabilities

	// 文件夹操作
	ListFolders(ctx context.Context) ([]FolderInfo, error)
	SelectFolder(ctx context.Context, name string) (*FolderStatus, error)

	// UID查询，作用于当前选中的文件夹
	AllUIDs(ctx context.Context) ([]uint32, error)
	UIDsChangedSince(ctx context.Context, modseq uint64) ([]uint32, error)
	ExpandThread(ctx context.Context, gthrid uint64) ([]uint32, error)

	// 邮件获取
	FetchMetadata(ctx context.Context, uids []uint32) ([]MessageMeta, error)
	FetchBodies(ctx context.Context, uids []uint32) ([]RawMessage, error)

	// 标志和标签
	StoreFlags(ctx context.Context, uids []uint32, flags []string, add bool) error
	StoreLabels(ctx context.Context, uids []uint32, labels []string, add bool) error

	// Idle 在当前文件夹上IDLE，直到服务器通知变更、超时或ctx取消。
	// 返回值表示是否收到了变更通知
	Idle(ctx context.Context, timeout time.Duration) (bool, error)

	Close() error
}

// Capabilities 服务器能力
type Capabilities struct {
	Condstore bool
	Gmail     bool // X-GM-EXT-1
	Idle      bool
}

// FolderInfo 远端文件夹
type FolderInfo struct {
	Name         string
	Delimiter    string
	Attributes   []string
	Role         string // 规范名称，见models.Canonical*
	IsSelectable bool
}

// FolderStatus SELECT结果
type FolderStatus struct {
	Name          string
	UIDValidity   uint32
	UIDNext       uint32
	HighestModSeq uint64 // 服务器不支持CONDSTORE时为0
	Exists        uint32
}

// MessageMeta 邮件元数据
type MessageMeta struct {
	UID          uint32
	Flags        []string
	Labels       []string // X-GM-LABELS
	GMsgID       uint64   // X-GM-MSGID
	GThrID       uint64   // X-GM-THRID
	ModSeq       uint64
	Size         uint32
	InternalDate time.Time
}

// RawMessage 完整邮件
type RawMessage struct {
	MessageMeta
	Body []byte
}

// IMAPClientConfig IMAP连接配置
type IMAPClientConfig struct {
	Host     string
	Port     int
	Security string // SSL, TLS, STARTTLS, NONE
	Username string
	Password string

	// OAuth2访问令牌来源，非nil时使用XOAUTH2
	TokenSource TokenSource

	// 代理配置
	ProxyConfig *proxy.ProxyConfig

	// 超时
	DialTimeout time.Duration
	IOTimeout   time.Duration
}

// TokenSource 获取OAuth2访问令牌
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}
