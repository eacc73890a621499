package mailsync

import (
	"errors"

	"mailsync/internal/providers"
)

var (
	// ErrUIDInvalid 文件夹UIDVALIDITY与保存的值不一致
	ErrUIDInvalid = errors.New("folder uidvalidity changed")

	// ErrMailsyncDone 连接池无法认证，账户同步必须停止
	ErrMailsyncDone = errors.New("mailsync done: account credentials rejected")

	// ErrGmailSettings Gmail未在IMAP中开放All Mail
	ErrGmailSettings = errors.New("gmail All Mail folder is not enabled for IMAP")

	// ErrFolderGone 文件夹在远端已删除
	ErrFolderGone = errors.New("folder no longer exists on remote")

	// ErrNoInbox 账户没有收件箱
	ErrNoInbox = errors.New("account has no inbox folder")

	errIllegalTransition = errors.New("illegal state transition")
)

// IsFailFast 这些错误重试无意义，直接终止任务
func IsFailFast(err error) bool {
	switch {
	case errors.Is(err, ErrMailsyncDone), errors.Is(err, ErrGmailSettings), errors.Is(err, ErrNoInbox):
		return true
	case errors.Is(err, errIllegalTransition):
		return true
	}
	return providers.IsAuthError(err)
}
