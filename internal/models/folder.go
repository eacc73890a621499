package models

import "strings"

// 规范文件夹名称
const (
	CanonicalInbox     = "inbox"
	CanonicalArchive   = "archive"
	CanonicalDrafts    = "drafts"
	CanonicalSent      = "sent"
	CanonicalSpam      = "spam"
	CanonicalStarred   = "starred"
	CanonicalTrash     = "trash"
	CanonicalImportant = "important"
	CanonicalAll       = "all"
)

// CanonicalNames 所有规范名称
var CanonicalNames = []string{
	CanonicalInbox, CanonicalArchive, CanonicalDrafts, CanonicalSent, CanonicalSpam,
	CanonicalStarred, CanonicalTrash, CanonicalImportant, CanonicalAll,
}

// MaxFolderNameLength 文件夹和标签名称的最大长度
const MaxFolderNameLength = 191

// Folder 远端文件夹
type Folder struct {
	BaseModel
	AccountID     uint   `gorm:"column:account_id;not null;uniqueIndex:idx_folders_account_name" json:"account_id"`
	Name          string `gorm:"column:name;not null;size:191;uniqueIndex:idx_folders_account_name" json:"name"`
	CanonicalName string `gorm:"column:canonical_name;size:32;index" json:"canonical_name,omitempty"`
	Delimiter     string `gorm:"column:delimiter;size:10" json:"delimiter"`
}

// TableName 指定表名
func (Folder) TableName() string {
	return "folders"
}

// Label Gmail标签
type Label struct {
	BaseModel
	AccountID     uint   `gorm:"column:account_id;not null;uniqueIndex:idx_labels_account_name" json:"account_id"`
	Name          string `gorm:"column:name;not null;size:191;uniqueIndex:idx_labels_account_name" json:"name"`
	CanonicalName string `gorm:"column:canonical_name;size:32" json:"canonical_name,omitempty"`
}

// TableName 指定表名
func (Label) TableName() string {
	return "labels"
}

// IsCanonicalName 判断是否为规范名称
func IsCanonicalName(name string) bool {
	for _, n := range CanonicalNames {
		if n == name {
			return true
		}
	}
	return false
}

// NormalizeLabelName 规范化Gmail标签名称，"\Inbox" 之类的系统标签保存为小写规范形式
func NormalizeLabelName(name string) (normalized string, canonical string) {
	stripped := strings.ToLower(strings.TrimLeft(name, "\\"))
	if IsCanonicalName(stripped) {
		return stripped, stripped
	}
	if strings.HasPrefix(name, "\\") {
		switch stripped {
		case "junk":
			return CanonicalSpam, CanonicalSpam
		case "flagged":
			return CanonicalStarred, CanonicalStarred
		}
	}

	return TruncateFolderName(name), ""
}

// TruncateFolderName 去除尾部空白并截断过长的文件夹名称
func TruncateFolderName(name string) string {
	name = strings.TrimRight(name, " \t")
	if len(name) > MaxFolderNameLength {
		name = name[:MaxFolderNameLength]
	}
	return name
}
