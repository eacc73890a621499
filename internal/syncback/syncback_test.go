package syncback

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailsync/internal/mailsync"
	"mailsync/internal/models"
	"mailsync/internal/providers"
)

type fakeStore struct {
	uids  map[uint][]models.ImapUID
	infos map[uint]*models.ImapFolderInfo
}

func (s *fakeStore) MessageUIDs(ctx context.Context, messageID uint) ([]models.ImapUID, error) {
	return s.uids[messageID], nil
}

func (s *fakeStore) FolderInfo(ctx context.Context, accountID, folderID uint) (*models.ImapFolderInfo, error) {
	return s.infos[folderID], nil
}

type storeCall struct {
	folder string
	uids   []uint32
	values []string
	add    bool
	labels bool
}

// recordingSession 记录写操作，其余方法不会被调用
type recordingSession struct {
	providers.Session
	pool     *recordingPool
	selected string
}

func (s *recordingSession) SelectFolder(ctx context.Context, name string) (*providers.FolderStatus, error) {
	s.selected = name
	return &providers.FolderStatus{Name: name, UIDValidity: s.pool.validity[name]}, nil
}

func (s *recordingSession) StoreFlags(ctx context.Context, uids []uint32, flags []string, add bool) error {
	s.pool.record(storeCall{folder: s.selected, uids: uids, values: flags, add: add})
	return nil
}

func (s *recordingSession) StoreLabels(ctx context.Context, uids []uint32, labels []string, add bool) error {
	s.pool.record(storeCall{folder: s.selected, uids: uids, values: labels, add: add, labels: true})
	return nil
}

type recordingPool struct {
	mu       sync.Mutex
	validity map[string]uint32
	calls    []storeCall
}

func (p *recordingPool) record(c storeCall) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, c)
}

func (p *recordingPool) WithSession(ctx context.Context, fn func(providers.Session) error) error {
	return fn(&recordingSession{pool: p})
}

func (p *recordingPool) Close() error { return nil }

func newService(t *testing.T, running bool) (*Service, *recordingPool) {
	t.Helper()
	inbox := &models.Folder{Name: "INBOX", CanonicalName: models.CanonicalInbox}
	inbox.ID = 1
	all := &models.Folder{Name: "[Gmail]/All Mail", CanonicalName: models.CanonicalAll}
	all.ID = 2

	store := &fakeStore{
		uids: map[uint][]models.ImapUID{
			7: {
				{AccountID: 1, FolderID: 1, MsgUID: 40, MessageID: 7, Folder: inbox},
				{AccountID: 1, FolderID: 2, MsgUID: 900, MessageID: 7, Folder: all},
			},
		},
		infos: map[uint]*models.ImapFolderInfo{
			1: {AccountID: 1, FolderID: 1, UIDValidity: 5},
			2: {AccountID: 1, FolderID: 2, UIDValidity: 9},
		},
	}
	pool := &recordingPool{validity: map[string]uint32{"INBOX": 5, "[Gmail]/All Mail": 9}}

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	retry := providers.NewRetryHandler(&providers.RetryConfig{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 2})

	lookup := func(accountID uint) (mailsync.SessionPool, bool) {
		return pool, running && accountID == 1
	}
	return New(store, lookup, retry, logrus.NewEntry(logger)), pool
}

func TestSetStarredAndUnread(t *testing.T) {
	ctx := context.Background()

	t.Run("星标写到每个文件夹", func(t *testing.T) {
		s, pool := newService(t, true)
		require.NoError(t, s.SetStarred(ctx, 7, true))
		assert.Equal(t, []storeCall{
			{folder: "INBOX", uids: []uint32{40}, values: []string{`\Flagged`}, add: true},
			{folder: "[Gmail]/All Mail", uids: []uint32{900}, values: []string{`\Flagged`}, add: true},
		}, pool.calls)
	})

	t.Run("标记未读移除Seen", func(t *testing.T) {
		s, pool := newService(t, true)
		require.NoError(t, s.SetUnread(ctx, 7, true))
		require.Len(t, pool.calls, 2)
		assert.Equal(t, []string{`\Seen`}, pool.calls[0].values)
		assert.False(t, pool.calls[0].add)
	})

	t.Run("UIDVALIDITY变化时不写入", func(t *testing.T) {
		s, pool := newService(t, true)
		pool.validity["INBOX"] = 6
		err := s.SetStarred(ctx, 7, false)
		assert.ErrorIs(t, err, mailsync.ErrUIDInvalid)
		require.Len(t, pool.calls, 1)
		assert.Equal(t, "[Gmail]/All Mail", pool.calls[0].folder)
	})

	t.Run("没有远端UID", func(t *testing.T) {
		s, _ := newService(t, true)
		assert.ErrorIs(t, s.SetStarred(ctx, 8, true), ErrNoRemoteUID)
	})

	t.Run("账户未同步", func(t *testing.T) {
		s, _ := newService(t, false)
		assert.ErrorIs(t, s.SetStarred(ctx, 7, true), ErrAccountNotRunning)
	})
}

func TestChangeLabels(t *testing.T) {
	ctx := context.Background()
	gmail := &models.Account{Provider: models.ProviderGmail}
	gmail.ID = 1

	t.Run("只写All Mail", func(t *testing.T) {
		s, pool := newService(t, true)
		require.NoError(t, s.ChangeLabels(ctx, gmail, 7, []string{"Work", "inbox"}, []string{"important"}))
		assert.Equal(t, []storeCall{
			{folder: "[Gmail]/All Mail", uids: []uint32{900}, values: []string{"Work", `\Inbox`}, add: true, labels: true},
			{folder: "[Gmail]/All Mail", uids: []uint32{900}, values: []string{`\Important`}, add: false, labels: true},
		}, pool.calls)
	})

	t.Run("普通IMAP不支持", func(t *testing.T) {
		s, _ := newService(t, true)
		generic := &models.Account{Provider: models.ProviderIMAP}
		err := s.ChangeLabels(ctx, generic, 7, []string{"Work"}, nil)
		assert.True(t, errors.Is(err, ErrLabelsUnsupported))
	})
}

func TestRemoteLabels(t *testing.T) {
	assert.Equal(t,
		[]string{`\Inbox`, `\Sent`, "Receipts", `\Spam`},
		remoteLabels([]string{"inbox", `\Sent`, "Receipts", "SPAM"}))
}
