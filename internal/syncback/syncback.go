// Package syncback 把本地的星标、已读和标签修改写回远端
package syncback

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"mailsync/internal/mailsync"
	"mailsync/internal/models"
	"mailsync/internal/providers"
)

var (
	// ErrAccountNotRunning 账户没有在同步，没有可用连接
	ErrAccountNotRunning = errors.New("account sync is not running")
	// ErrNoRemoteUID 消息在远端没有任何UID
	ErrNoRemoteUID = errors.New("message has no remote uid")
	// ErrLabelsUnsupported 只有Gmail账户支持标签
	ErrLabelsUnsupported = errors.New("labels are only supported on gmail accounts")
)

// Store 写回使用的存储
type Store interface {
	// MessageUIDs 消息的所有UID映射，需带Folder
	MessageUIDs(ctx context.Context, messageID uint) ([]models.ImapUID, error)
	FolderInfo(ctx context.Context, accountID, folderID uint) (*models.ImapFolderInfo, error)
}

// PoolLookup 返回正在同步的账户的连接池
type PoolLookup func(accountID uint) (mailsync.SessionPool, bool)

// Service 远端写回
type Service struct {
	store  Store
	pools  PoolLookup
	retry  *providers.RetryHandler
	logger *logrus.Entry
}

// New 创建写回服务
func New(store Store, pools PoolLookup, retry *providers.RetryHandler, logger *logrus.Entry) *Service {
	if retry == nil {
		retry = providers.NewRetryHandler(nil)
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Service{
		store:  store,
		pools:  pools,
		retry:  retry,
		logger: logger.WithField("component", "syncback"),
	}
}

// SetStarred 设置星标（\Flagged）
func (s *Service) SetStarred(ctx context.Context, messageID uint, starred bool) error {
	return s.storeFlag(ctx, messageID, models.FlagFlagged, starred)
}

// SetUnread 设置未读，即移除或添加\Seen
func (s *Service) SetUnread(ctx context.Context, messageID uint, unread bool) error {
	return s.storeFlag(ctx, messageID, models.FlagSeen, !unread)
}

func (s *Service) storeFlag(ctx context.Context, messageID uint, flag string, add bool) error {
	uids, err := s.store.MessageUIDs(ctx, messageID)
	if err != nil {
		return err
	}
	return s.apply(ctx, messageID, uids, func(sess providers.Session, folderUIDs []uint32) error {
		return sess.StoreFlags(ctx, folderUIDs, []string{flag}, add)
	})
}

// ChangeLabels 修改Gmail标签，作用于All Mail中的UID
func (s *Service) ChangeLabels(ctx context.Context, account *models.Account, messageID uint, added, removed []string) error {
	if !account.IsGmail() {
		return ErrLabelsUnsupported
	}
	uids, err := s.store.MessageUIDs(ctx, messageID)
	if err != nil {
		return err
	}
	var all []models.ImapUID
	for _, u := range uids {
		if u.AccountID == account.ID && u.Folder != nil && u.Folder.CanonicalName == models.CanonicalAll {
			all = append(all, u)
		}
	}

	add, remove := remoteLabels(added), remoteLabels(removed)
	return s.apply(ctx, messageID, all, func(sess providers.Session, folderUIDs []uint32) error {
		if len(add) > 0 {
			if err := sess.StoreLabels(ctx, folderUIDs, add, true); err != nil {
				return err
			}
		}
		if len(remove) > 0 {
			return sess.StoreLabels(ctx, folderUIDs, remove, false)
		}
		return nil
	})
}

// apply 按文件夹执行写操作。每个文件夹SELECT后先确认UIDVALIDITY未变化
func (s *Service) apply(ctx context.Context, messageID uint, uids []models.ImapUID, op func(providers.Session, []uint32) error) error {
	if len(uids) == 0 {
		return ErrNoRemoteUID
	}
	accountID := uids[0].AccountID
	pool, ok := s.pools(accountID)
	if !ok {
		return ErrAccountNotRunning
	}

	groups := groupByFolder(uids)
	var errs []error
	for _, g := range groups {
		logger := s.logger.WithFields(logrus.Fields{
			"account_id": accountID,
			"folder":     g.name,
			"folder_id":  g.folderID,
			"message_id": messageID,
			"uids":       g.uids,
		})

		info, err := s.store.FolderInfo(ctx, accountID, g.folderID)
		if err != nil {
			return err
		}
		if info == nil {
			errs = append(errs, fmt.Errorf("folder %s has not been synced", g.name))
			continue
		}

		err = s.retry.ExecuteWithRetry(ctx, func() error {
			return pool.WithSession(ctx, func(sess providers.Session) error {
				status, err := sess.SelectFolder(ctx, g.name)
				if err != nil {
					return err
				}
				if status.UIDValidity != info.UIDValidity {
					return fmt.Errorf("%w: folder %s saved %d, remote %d",
						mailsync.ErrUIDInvalid, g.name, info.UIDValidity, status.UIDValidity)
				}
				return op(sess, g.uids)
			})
		}, "imap")
		if err != nil {
			logger.WithError(err).Warn("Failed to write change back to remote")
			errs = append(errs, err)
			continue
		}
		logger.Debug("Wrote change back to remote")
	}
	return errors.Join(errs...)
}

type folderUIDs struct {
	folderID uint
	name     string
	uids     []uint32
}

func groupByFolder(uids []models.ImapUID) []folderUIDs {
	byFolder := make(map[uint]*folderUIDs)
	for _, u := range uids {
		g, ok := byFolder[u.FolderID]
		if !ok {
			g = &folderUIDs{folderID: u.FolderID}
			if u.Folder != nil {
				g.name = u.Folder.Name
			}
			byFolder[u.FolderID] = g
		}
		g.uids = append(g.uids, u.MsgUID)
	}
	out := make([]folderUIDs, 0, len(byFolder))
	for _, g := range byFolder {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].folderID < out[j].folderID })
	return out
}

// Gmail的系统标签在X-GM-LABELS中以反斜杠开头
var systemLabels = map[string]bool{
	models.CanonicalInbox:     true,
	models.CanonicalImportant: true,
	models.CanonicalStarred:   true,
	models.CanonicalSent:      true,
	models.CanonicalDrafts:    true,
	models.CanonicalTrash:     true,
	models.CanonicalSpam:      true,
}

func remoteLabels(names []string) []string {
	title := cases.Title(language.Und)
	out := make([]string, 0, len(names))
	for _, name := range names {
		lower := strings.ToLower(strings.TrimLeft(name, `\`))
		if systemLabels[lower] {
			out = append(out, `\`+title.String(lower))
			continue
		}
		out = append(out, name)
	}
	return out
}
