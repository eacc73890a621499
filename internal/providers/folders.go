package providers

import (
	"strings"

	"github.com/emersion/go-imap"

	"mailsync/internal/models"
)

// specialUseRoles RFC 6154特殊用途属性到规范名称的映射
var specialUseRoles = map[string]string{
	imap.AllAttr:     models.CanonicalAll,
	imap.ArchiveAttr: models.CanonicalArchive,
	imap.DraftsAttr:  models.CanonicalDrafts,
	imap.FlaggedAttr: models.CanonicalStarred,
	imap.JunkAttr:    models.CanonicalSpam,
	imap.SentAttr:    models.CanonicalSent,
	imap.TrashAttr:   models.CanonicalTrash,
	`\Important`:     models.CanonicalImportant,
	`\Spam`:          models.CanonicalSpam,
	`\Starred`:       models.CanonicalStarred,
	`\AllMail`:       models.CanonicalAll,
	`\Inbox`:         models.CanonicalInbox,
}

// DetectFolderRole 根据特殊用途属性和名称推断文件夹的规范名称，无法识别时返回空字符串
func DetectFolderRole(name string, attributes []string) string {
	for _, attr := range attributes {
		for special, role := range specialUseRoles {
			if strings.EqualFold(attr, special) {
				return role
			}
		}
	}

	// 属性缺失时按名称猜测
	lower := strings.ToLower(name)
	for _, prefix := range []string{"[gmail]/", "[google mail]/", "inbox.", "inbox/"} {
		lower = strings.TrimPrefix(lower, prefix)
	}
	// 更深层的子文件夹不作为规范文件夹
	if strings.ContainsAny(lower, "/.") {
		return ""
	}

	switch {
	case lower == "inbox" || name == "收件箱":
		return models.CanonicalInbox
	case lower == "all mail" || lower == "所有邮件":
		return models.CanonicalAll
	case strings.Contains(lower, "sent") || name == "已发送" || name == "发件箱":
		return models.CanonicalSent
	case strings.Contains(lower, "draft") || name == "草稿" || name == "草稿箱":
		return models.CanonicalDrafts
	case strings.Contains(lower, "trash") || strings.Contains(lower, "deleted") || lower == "bin" || name == "垃圾箱" || name == "已删除":
		return models.CanonicalTrash
	case strings.Contains(lower, "spam") || strings.Contains(lower, "junk") || name == "垃圾邮件":
		return models.CanonicalSpam
	case lower == "archive" || name == "归档":
		return models.CanonicalArchive
	case lower == "starred":
		return models.CanonicalStarred
	case lower == "important":
		return models.CanonicalImportant
	}

	return ""
}
