package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Thread 会话。Gmail会话按g_thrid唯一，普通IMAP按规范化主题归并
type Thread struct {
	SoftDeleteModel
	NamespaceID  uint      `gorm:"column:namespace_id;not null;index" json:"namespace_id"`
	PublicID     string    `gorm:"column:public_id;not null;size:36;uniqueIndex" json:"public_id"`
	Subject      string    `gorm:"column:subject;size:500" json:"subject"`
	CleanSubject string    `gorm:"column:clean_subject;size:500;index" json:"-"`
	GThrID       *uint64   `gorm:"column:g_thrid" json:"g_thrid,omitempty"`
	RecentDate   time.Time `gorm:"column:recent_date" json:"recent_date"`

	Messages []Message `gorm:"foreignKey:ThreadID" json:"messages,omitempty"`
}

// TableName 指定表名
func (Thread) TableName() string {
	return "threads"
}

// Message 本地消息。Gmail账户中(namespace, g_msgid)至多一条
type Message struct {
	SoftDeleteModel
	NamespaceID uint   `gorm:"column:namespace_id;not null;index" json:"namespace_id"`
	PublicID    string `gorm:"column:public_id;not null;size:36;uniqueIndex" json:"public_id"`
	ThreadID    uint   `gorm:"column:thread_id;not null;index" json:"thread_id"`
	ThreadOrder int    `gorm:"column:thread_order;not null;default:0" json:"thread_order"`

	GMsgID *uint64 `gorm:"column:g_msgid" json:"g_msgid,omitempty"`
	GThrID *uint64 `gorm:"column:g_thrid" json:"g_thrid,omitempty"`

	MessageIDHeader string    `gorm:"column:message_id_header;size:998;index" json:"message_id_header"`
	Subject         string    `gorm:"column:subject;size:500" json:"subject"`
	FromAddr        string    `gorm:"column:from_addr;size:500" json:"from"`
	ReceivedDate    time.Time `gorm:"column:received_date;index" json:"received_date"`
	Size            int64     `gorm:"column:size;not null;default:0" json:"size"`
	DataSHA256      string    `gorm:"column:data_sha256;size:64" json:"data_sha256"`
	Snippet         string    `gorm:"column:snippet;size:191" json:"snippet"`

	IsRead    bool `gorm:"column:is_read;not null;default:false" json:"is_read"`
	IsDraft   bool `gorm:"column:is_draft;not null;default:false" json:"is_draft"`
	IsStarred bool `gorm:"column:is_starred;not null;default:false" json:"is_starred"`

	Thread   *Thread   `gorm:"foreignKey:ThreadID" json:"thread,omitempty"`
	ImapUIDs []ImapUID `gorm:"foreignKey:MessageID" json:"imap_uids,omitempty"`
}

// TableName 指定表名
func (Message) TableName() string {
	return "messages"
}

// ImapUID 远端UID到本地消息的映射，(account, folder, msg_uid)唯一
type ImapUID struct {
	BaseModel
	AccountID uint   `gorm:"column:account_id;not null;uniqueIndex:idx_imap_uids_account_folder_uid" json:"account_id"`
	FolderID  uint   `gorm:"column:folder_id;not null;uniqueIndex:idx_imap_uids_account_folder_uid" json:"folder_id"`
	MsgUID    uint32 `gorm:"column:msg_uid;not null;uniqueIndex:idx_imap_uids_account_folder_uid" json:"msg_uid"`
	MessageID uint   `gorm:"column:message_id;not null;index" json:"message_id"`

	Flags   string `gorm:"column:flags;type:text" json:"flags"`     // JSON数组
	GLabels string `gorm:"column:g_labels;type:text" json:"labels"` // JSON数组

	IsSeen     bool `gorm:"column:is_seen;not null;default:false" json:"is_seen"`
	IsFlagged  bool `gorm:"column:is_flagged;not null;default:false" json:"is_flagged"`
	IsDraft    bool `gorm:"column:is_draft;not null;default:false" json:"is_draft"`
	IsAnswered bool `gorm:"column:is_answered;not null;default:false" json:"is_answered"`

	Message *Message `gorm:"foreignKey:MessageID" json:"message,omitempty"`
	Folder  *Folder  `gorm:"foreignKey:FolderID" json:"folder,omitempty"`
}

// TableName 指定表名
func (ImapUID) TableName() string {
	return "imap_uids"
}

// 系统标志
const (
	FlagSeen     = `\Seen`
	FlagFlagged  = `\Flagged`
	FlagDraft    = `\Draft`
	FlagAnswered = `\Answered`
)

// UpdateFlags 设置IMAP标志和Gmail标签，同时刷新布尔字段
func (u *ImapUID) UpdateFlags(flags []string, labels []string) error {
	if flags == nil {
		flags = []string{}
	}
	data, err := json.Marshal(flags)
	if err != nil {
		return err
	}
	u.Flags = string(data)

	u.IsSeen, u.IsFlagged, u.IsDraft, u.IsAnswered = false, false, false, false
	for _, f := range flags {
		switch strings.ToLower(f) {
		case `\seen`:
			u.IsSeen = true
		case `\flagged`:
			u.IsFlagged = true
		case `\draft`:
			u.IsDraft = true
		case `\answered`:
			u.IsAnswered = true
		}
	}

	if labels != nil {
		data, err := json.Marshal(labels)
		if err != nil {
			return err
		}
		u.GLabels = string(data)
		// Gmail的草稿通过标签标识
		for _, l := range labels {
			if strings.EqualFold(l, `\Draft`) {
				u.IsDraft = true
			}
		}
	}
	return nil
}

// GetFlags 获取IMAP标志
func (u *ImapUID) GetFlags() []string {
	return decodeStringList(u.Flags)
}

// GetLabels 获取Gmail标签
func (u *ImapUID) GetLabels() []string {
	return decodeStringList(u.GLabels)
}

func decodeStringList(s string) []string {
	if s == "" {
		return []string{}
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return []string{}
	}
	return out
}

// ImapUIDLabel UID映射与标签的关联
type ImapUIDLabel struct {
	ImapUIDID uint `gorm:"column:imap_uid_id;primaryKey" json:"imap_uid_id"`
	LabelID   uint `gorm:"column:label_id;primaryKey" json:"label_id"`
}

// TableName 指定表名
func (ImapUIDLabel) TableName() string {
	return "imap_uid_labels"
}
