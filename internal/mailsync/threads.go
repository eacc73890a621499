package mailsync

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"mailsync/internal/models"
	"mailsync/internal/parser"
	"mailsync/internal/providers"
)

// ThreadAssigner 决定新邮件归入哪个会话，以及下载一个UID时要连带下载哪些UID
type ThreadAssigner interface {
	// Assign 在提交事务内为消息选择或创建会话
	Assign(tx ThreadTx, msg *models.Message) (*models.Thread, error)
	// Expand 返回与uid同一会话、需要一起下载的UID，按UID升序，包含uid本身
	Expand(ctx context.Context, s providers.Session, uid uint32) ([]uint32, error)
}

// DefaultMaxThreadLength 按主题归并时会话的最大消息数
const DefaultMaxThreadLength = 500

// SubjectThreads 按规范化主题归并会话，匹配多个时取最近的会话
type SubjectThreads struct {
	MaxLength int
}

// Assign 实现ThreadAssigner
func (t SubjectThreads) Assign(tx ThreadTx, msg *models.Message) (*models.Thread, error) {
	clean := parser.CleanSubject(msg.Subject)
	if clean != "" {
		threads, err := tx.ThreadsByCleanSubject(msg.NamespaceID, clean)
		if err != nil {
			return nil, err
		}
		if len(threads) > 0 {
			thread := threads[0]
			n, err := tx.CountThreadMessages(thread.ID)
			if err != nil {
				return nil, err
			}
			if n < t.maxLength() {
				return &thread, nil
			}
		}
	}

	thread := newThread(msg, clean)
	if err := tx.CreateThread(thread); err != nil {
		return nil, fmt.Errorf("failed to create thread: %w", err)
	}
	return thread, nil
}

// Expand 普通IMAP没有服务端会话，只下载uid本身
func (SubjectThreads) Expand(_ context.Context, _ providers.Session, uid uint32) ([]uint32, error) {
	return []uint32{uid}, nil
}

func (t SubjectThreads) maxLength() int {
	if t.MaxLength <= 0 {
		return DefaultMaxThreadLength
	}
	return t.MaxLength
}

// GThrIDThreads Gmail会话，完全由g_thrid决定
type GThrIDThreads struct{}

// Assign 实现ThreadAssigner
func (GThrIDThreads) Assign(tx ThreadTx, msg *models.Message) (*models.Thread, error) {
	if msg.GThrID != nil {
		thread, err := tx.ThreadByGThrID(msg.NamespaceID, *msg.GThrID)
		if err != nil {
			return nil, err
		}
		if thread != nil {
			return thread, nil
		}
	}

	thread := newThread(msg, parser.CleanSubject(msg.Subject))
	thread.GThrID = msg.GThrID
	if err := tx.CreateThread(thread); err != nil {
		return nil, fmt.Errorf("failed to create thread: %w", err)
	}
	return thread, nil
}

// Expand 通过X-GM-THRID搜索同一会话在当前文件夹中的所有UID
func (GThrIDThreads) Expand(ctx context.Context, s providers.Session, uid uint32) ([]uint32, error) {
	metas, err := s.FetchMetadata(ctx, []uint32{uid})
	if err != nil {
		return nil, err
	}
	if len(metas) == 0 || metas[0].GThrID == 0 {
		// 邮件已在远端删除，或服务器没有返回g_thrid
		return []uint32{uid}, nil
	}

	uids, err := s.ExpandThread(ctx, metas[0].GThrID)
	if err != nil {
		return nil, fmt.Errorf("failed to expand thread %d: %w", metas[0].GThrID, err)
	}

	found := false
	for _, u := range uids {
		if u == uid {
			found = true
			break
		}
	}
	if !found {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

func newThread(msg *models.Message, clean string) *models.Thread {
	return &models.Thread{
		NamespaceID:  msg.NamespaceID,
		PublicID:     uuid.New().String(),
		Subject:      msg.Subject,
		CleanSubject: clean,
		RecentDate:   msg.ReceivedDate,
	}
}
