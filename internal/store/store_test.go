package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"

	"mailsync/internal/database"
	"mailsync/internal/mailsync"
	"mailsync/internal/models"
	"mailsync/internal/parser"
	"mailsync/internal/providers"
)

type fixture struct {
	store   *Store
	account *models.Account
	folder  *models.Folder
	ref     mailsync.FolderRef
}

func newFixture(t *testing.T, provider string) *fixture {
	t.Helper()
	if testing.Short() {
		t.Skip("跳过数据库测试")
	}

	db, err := database.Open(database.Options{
		Path:      filepath.Join(t.TempDir(), "store.db"),
		UsePureGo: true,
		LogLevel:  logger.Silent,
	})
	require.NoError(t, err)
	t.Cleanup(func() { database.Close(db) })

	s := New(db)
	ctx := context.Background()
	account := &models.Account{Email: "user@example.com", Provider: provider, AuthMethod: models.AuthMethodPassword}
	require.NoError(t, s.CreateAccount(ctx, account))

	folder := &models.Folder{AccountID: account.ID, Name: "INBOX", CanonicalName: models.CanonicalInbox}
	require.NoError(t, db.Create(folder).Error)

	return &fixture{
		store:   s,
		account: account,
		folder:  folder,
		ref: mailsync.FolderRef{
			AccountID:   account.ID,
			NamespaceID: account.Namespace.ID,
			FolderID:    folder.ID,
			Name:        folder.Name,
			Role:        folder.CanonicalName,
		},
	}
}

func (f *fixture) addFolder(t *testing.T, name, role string) mailsync.FolderRef {
	t.Helper()
	folder := &models.Folder{AccountID: f.account.ID, Name: name, CanonicalName: role}
	require.NoError(t, f.store.DB().Create(folder).Error)
	ref := f.ref
	ref.FolderID, ref.Name, ref.Role = folder.ID, name, role
	return ref
}

func commitMsg(uid uint32, gmsgid, gthrid uint64, subject string) mailsync.CommitMessage {
	return mailsync.CommitMessage{
		Meta: providers.MessageMeta{
			UID:    uid,
			GMsgID: gmsgid,
			GThrID: gthrid,
			Flags:  []string{`\Seen`},
		},
		Parsed: &parser.ParsedMessage{
			Subject: subject,
			Date:    time.Date(2025, 1, int(uid), 0, 0, 0, 0, time.UTC),
			SHA256:  "sha",
			Size:    100,
		},
	}
}

func (f *fixture) countMessages(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.store.DB().Model(&models.Message{}).Where("namespace_id = ?", f.ref.NamespaceID).Count(&n).Error)
	return n
}

func (f *fixture) messageIDOf(t *testing.T, ref mailsync.FolderRef, uid uint32) uint {
	return f.uidRow(t, ref, uid).MessageID
}

func (f *fixture) threadOf(t *testing.T, uid uint32) uint {
	t.Helper()
	var msg models.Message
	require.NoError(t, f.store.DB().First(&msg, f.messageIDOf(t, f.ref, uid)).Error)
	return msg.ThreadID
}

func (f *fixture) uidRow(t *testing.T, ref mailsync.FolderRef, uid uint32) models.ImapUID {
	t.Helper()
	var row models.ImapUID
	require.NoError(t, f.store.DB().Where("folder_id = ? AND msg_uid = ?", ref.FolderID, uid).First(&row).Error)
	return row
}

func TestSyncStatus(t *testing.T) {
	f := newFixture(t, models.ProviderIMAP)
	ctx := context.Background()

	status, err := f.store.LoadSyncStatus(ctx, f.ref.AccountID, f.ref.FolderID)
	require.NoError(t, err)
	assert.Equal(t, string(mailsync.StateInitial), status.State)

	require.NoError(t, f.store.SaveSyncState(ctx, f.ref.AccountID, f.ref.FolderID, mailsync.StatePoll, ""))
	require.NoError(t, f.store.SaveSyncState(ctx, f.ref.AccountID, f.ref.FolderID, mailsync.StateFinish, mailsync.StatePoll))
	require.NoError(t, f.store.UpdateUIDCounts(ctx, f.ref.AccountID, f.ref.FolderID, 10, 7))

	status, err = f.store.LoadSyncStatus(ctx, f.ref.AccountID, f.ref.FolderID)
	require.NoError(t, err)
	assert.Equal(t, string(mailsync.StateFinish), status.State)
	assert.Equal(t, string(mailsync.StatePoll), status.PreviousState)
	assert.Equal(t, 10, status.RemoteUIDCount)
	assert.Equal(t, 7, status.DownloadUIDCount)
	assert.NotNil(t, status.SyncEndedAt)
	assert.NotNil(t, status.UIDCheckedAt)
}

func TestFolderInfo(t *testing.T) {
	f := newFixture(t, models.ProviderIMAP)
	ctx := context.Background()

	info, err := f.store.FolderInfo(ctx, f.ref.AccountID, f.ref.FolderID)
	require.NoError(t, err)
	assert.Nil(t, info)

	require.NoError(t, f.store.SaveFolderInfo(ctx, f.ref.AccountID, f.ref.FolderID, 7, 100))
	require.NoError(t, f.store.SaveFolderInfo(ctx, f.ref.AccountID, f.ref.FolderID, 7, 150))

	info, err = f.store.FolderInfo(ctx, f.ref.AccountID, f.ref.FolderID)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, uint32(7), info.UIDValidity)
	assert.Equal(t, uint64(150), info.HighestModSeq)

	var n int64
	require.NoError(t, f.store.DB().Model(&models.ImapFolderInfo{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)
}

func TestCommitMessagesGmailDedup(t *testing.T) {
	f := newFixture(t, models.ProviderGmail)
	ctx := context.Background()

	batch := &mailsync.CommitBatch{FolderRef: f.ref, Messages: []mailsync.CommitMessage{
		commitMsg(1, 0xA, 0xA, "hello"),
		commitMsg(2, 0xA, 0xA, "hello"),
		commitMsg(3, 0xB, 0xA, "Re: hello"),
	}}
	n, err := f.store.CommitMessages(ctx, batch, mailsync.GThrIDThreads{})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.Equal(t, int64(2), f.countMessages(t))
	assert.Equal(t, f.messageIDOf(t, f.ref, 1), f.messageIDOf(t, f.ref, 2))
	assert.NotEqual(t, f.messageIDOf(t, f.ref, 1), f.messageIDOf(t, f.ref, 3))

	var threads int64
	require.NoError(t, f.store.DB().Model(&models.Thread{}).Count(&threads).Error)
	assert.Equal(t, int64(1), threads)

	t.Run("重复提交不产生新记录", func(t *testing.T) {
		n, err := f.store.CommitMessages(ctx, batch, mailsync.GThrIDThreads{})
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Equal(t, int64(2), f.countMessages(t))
	})

	t.Run("其它文件夹中的相同g_msgid关联到已有消息", func(t *testing.T) {
		trash := f.addFolder(t, "[Gmail]/Trash", models.CanonicalTrash)
		other := &mailsync.CommitBatch{FolderRef: trash, Messages: []mailsync.CommitMessage{commitMsg(40, 0xB, 0xA, "Re: hello")}}
		_, err := f.store.CommitMessages(ctx, other, mailsync.GThrIDThreads{})
		require.NoError(t, err)
		assert.Equal(t, int64(2), f.countMessages(t))
		assert.Equal(t, f.messageIDOf(t, f.ref, 3), f.messageIDOf(t, trash, 40))
	})
}

func TestCommitMessagesSubjectThreads(t *testing.T) {
	f := newFixture(t, models.ProviderIMAP)
	ctx := context.Background()

	batch := &mailsync.CommitBatch{FolderRef: f.ref, Messages: []mailsync.CommitMessage{
		commitMsg(1, 0, 0, "Quarterly report"),
		commitMsg(2, 0, 0, "RE: quarterly report"),
		commitMsg(3, 0, 0, "Fwd: Quarterly Report"),
		commitMsg(4, 0, 0, "Something else"),
	}}
	_, err := f.store.CommitMessages(ctx, batch, mailsync.SubjectThreads{MaxLength: 2})
	require.NoError(t, err)

	var msgs []models.Message
	require.NoError(t, f.store.DB().Order("id").Find(&msgs).Error)
	require.Len(t, msgs, 4)

	assert.Equal(t, msgs[0].ThreadID, msgs[1].ThreadID)
	assert.Equal(t, 1, msgs[1].ThreadOrder)
	// 会话已满，新建会话
	assert.NotEqual(t, msgs[0].ThreadID, msgs[2].ThreadID)
	assert.NotEqual(t, msgs[2].ThreadID, msgs[3].ThreadID)
	assert.True(t, msgs[0].IsRead)
}

func TestCommitMessagesSubjectThreadsNewestFirst(t *testing.T) {
	f := newFixture(t, models.ProviderIMAP)
	ctx := context.Background()

	// 回填从最新的UID开始，旧消息应继续归入最近创建的会话
	batch := &mailsync.CommitBatch{FolderRef: f.ref, Messages: []mailsync.CommitMessage{
		commitMsg(5, 0, 0, "Weekly sync"),
		commitMsg(4, 0, 0, "Re: Weekly sync"),
		commitMsg(3, 0, 0, "Re: Weekly sync"),
		commitMsg(2, 0, 0, "Weekly sync"),
	}}
	_, err := f.store.CommitMessages(ctx, batch, mailsync.SubjectThreads{MaxLength: 2})
	require.NoError(t, err)

	var threads int64
	require.NoError(t, f.store.DB().Model(&models.Thread{}).Where("namespace_id = ?", f.ref.NamespaceID).Count(&threads).Error)
	assert.Equal(t, int64(2), threads)
	assert.Equal(t, f.threadOf(t, 3), f.threadOf(t, 2))
	assert.NotEqual(t, f.threadOf(t, 5), f.threadOf(t, 3))
}

func TestLinkUIDs(t *testing.T) {
	f := newFixture(t, models.ProviderGmail)
	ctx := context.Background()

	_, err := f.store.CommitMessages(ctx, &mailsync.CommitBatch{FolderRef: f.ref, Messages: []mailsync.CommitMessage{
		commitMsg(1, 0xA, 0xA, "hello"),
	}}, mailsync.GThrIDThreads{})
	require.NoError(t, err)

	spam := f.addFolder(t, "[Gmail]/Spam", models.CanonicalSpam)
	missing, err := f.store.LinkUIDs(ctx, spam, []providers.MessageMeta{
		{UID: 9, GMsgID: 0xA, Flags: []string{`\Flagged`}, Labels: []string{`\Inbox`, "Work"}},
		{UID: 10, GMsgID: 0xFF},
	})
	require.NoError(t, err)
	assert.Equal(t, []uint32{10}, missing)
	assert.Equal(t, f.messageIDOf(t, f.ref, 1), f.messageIDOf(t, spam, 9))

	var labels []models.Label
	require.NoError(t, f.store.DB().Order("name").Find(&labels).Error)
	require.Len(t, labels, 2)
	assert.Equal(t, "Work", labels[0].Name)
	assert.Equal(t, models.CanonicalInbox, labels[1].Name)
	assert.Equal(t, models.CanonicalInbox, labels[1].CanonicalName)

	msg, err := f.store.GetMessage(ctx, f.messageIDOf(t, spam, 9))
	require.NoError(t, err)
	assert.True(t, msg.IsStarred)
}

func TestExistingGMsgIDs(t *testing.T) {
	f := newFixture(t, models.ProviderGmail)
	ctx := context.Background()

	_, err := f.store.CommitMessages(ctx, &mailsync.CommitBatch{FolderRef: f.ref, Messages: []mailsync.CommitMessage{
		commitMsg(1, 0xA, 0xA, "a"),
		commitMsg(2, 0xB, 0xB, "b"),
	}}, mailsync.GThrIDThreads{})
	require.NoError(t, err)

	// 软删除的消息仍然计入，避免违反唯一索引
	require.NoError(t, f.store.DB().Where("g_msgid = ?", 0xB).Delete(&models.Message{}).Error)

	existing, err := f.store.ExistingGMsgIDs(ctx, f.ref.NamespaceID, []uint64{0xA, 0xB, 0xC})
	require.NoError(t, err)
	assert.Equal(t, map[uint64]bool{0xA: true, 0xB: true}, existing)
}

func TestUpdateMetadata(t *testing.T) {
	f := newFixture(t, models.ProviderIMAP)
	ctx := context.Background()

	_, err := f.store.CommitMessages(ctx, &mailsync.CommitBatch{FolderRef: f.ref, Messages: []mailsync.CommitMessage{
		commitMsg(1, 0, 0, "a"),
		commitMsg(2, 0, 0, "b"),
	}}, mailsync.SubjectThreads{})
	require.NoError(t, err)

	n, err := f.store.UpdateMetadata(ctx, f.ref, []providers.MessageMeta{
		{UID: 1, Flags: []string{`\Seen`}},
		{UID: 2, Flags: []string{`\Flagged`}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var row models.ImapUID
	require.NoError(t, f.store.DB().Where("msg_uid = ?", 2).First(&row).Error)
	assert.True(t, row.IsFlagged)
	assert.False(t, row.IsSeen)

	msg, err := f.store.GetMessage(ctx, row.MessageID)
	require.NoError(t, err)
	assert.True(t, msg.IsStarred)
	assert.False(t, msg.IsRead)
}

func TestRemoveUIDs(t *testing.T) {
	f := newFixture(t, models.ProviderIMAP)
	ctx := context.Background()

	_, err := f.store.CommitMessages(ctx, &mailsync.CommitBatch{FolderRef: f.ref, Messages: []mailsync.CommitMessage{
		commitMsg(1, 0, 0, "a"),
		commitMsg(2, 0, 0, "b"),
		commitMsg(3, 0, 0, "c"),
	}}, mailsync.SubjectThreads{})
	require.NoError(t, err)

	n, err := f.store.RemoveUIDs(ctx, f.ref.AccountID, f.ref.FolderID, []uint32{2, 3, 99})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	uids, err := f.store.LocalUIDs(ctx, f.ref.AccountID, f.ref.FolderID)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1}, uids)
	// 消息由回收任务处理
	assert.Equal(t, int64(3), f.countMessages(t))
}

func TestRemapUIDs(t *testing.T) {
	f := newFixture(t, models.ProviderGmail)
	ctx := context.Background()

	_, err := f.store.CommitMessages(ctx, &mailsync.CommitBatch{FolderRef: f.ref, Messages: []mailsync.CommitMessage{
		commitMsg(1, 0xA, 0xA, "a"),
		commitMsg(2, 0xB, 0xB, "b"),
		commitMsg(3, 0xC, 0xC, "c"),
	}}, mailsync.GThrIDThreads{})
	require.NoError(t, err)
	msgA, msgB := f.messageIDOf(t, f.ref, 1), f.messageIDOf(t, f.ref, 2)
	rowA, rowB := f.uidRow(t, f.ref, 1), f.uidRow(t, f.ref, 2)

	// A和B交换UID，C已在远端删除
	remapped, removed, err := f.store.RemapUIDs(ctx, f.ref, map[uint64]uint32{0xA: 2, 0xB: 1, 0xD: 7}, 99, 500)
	require.NoError(t, err)
	assert.Equal(t, 2, remapped)
	assert.Equal(t, 1, removed)

	uids, err := f.store.LocalUIDs(ctx, f.ref.AccountID, f.ref.FolderID)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2}, uids)
	assert.Equal(t, msgA, f.messageIDOf(t, f.ref, 2))
	assert.Equal(t, msgB, f.messageIDOf(t, f.ref, 1))

	// 改写的是原有映射行，标志随行保留
	afterA, afterB := f.uidRow(t, f.ref, 2), f.uidRow(t, f.ref, 1)
	assert.Equal(t, rowA.ID, afterA.ID)
	assert.Equal(t, rowB.ID, afterB.ID)
	assert.Equal(t, rowA.IsSeen, afterA.IsSeen)
	assert.Equal(t, rowA.Flags, afterA.Flags)

	info, err := f.store.FolderInfo(ctx, f.ref.AccountID, f.ref.FolderID)
	require.NoError(t, err)
	assert.Equal(t, uint32(99), info.UIDValidity)
	assert.Equal(t, uint64(500), info.HighestModSeq)
	assert.Equal(t, int64(3), f.countMessages(t))
}

func TestResetFolderUIDs(t *testing.T) {
	f := newFixture(t, models.ProviderIMAP)
	ctx := context.Background()

	require.NoError(t, f.store.SaveFolderInfo(ctx, f.ref.AccountID, f.ref.FolderID, 1, 300))
	_, err := f.store.CommitMessages(ctx, &mailsync.CommitBatch{FolderRef: f.ref, Messages: []mailsync.CommitMessage{
		commitMsg(1, 0, 0, "a"),
		commitMsg(2, 0, 0, "b"),
	}}, mailsync.SubjectThreads{})
	require.NoError(t, err)

	n, err := f.store.ResetFolderUIDs(ctx, f.ref, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	uids, err := f.store.LocalUIDs(ctx, f.ref.AccountID, f.ref.FolderID)
	require.NoError(t, err)
	assert.Empty(t, uids)

	info, err := f.store.FolderInfo(ctx, f.ref.AccountID, f.ref.FolderID)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), info.UIDValidity)
	assert.Zero(t, info.HighestModSeq)
}

func TestGarbageQueries(t *testing.T) {
	f := newFixture(t, models.ProviderIMAP)
	ctx := context.Background()

	_, err := f.store.CommitMessages(ctx, &mailsync.CommitBatch{FolderRef: f.ref, Messages: []mailsync.CommitMessage{
		commitMsg(1, 0, 0, "keep"),
		commitMsg(2, 0, 0, "drop"),
	}}, mailsync.SubjectThreads{})
	require.NoError(t, err)
	dropID := f.messageIDOf(t, f.ref, 2)
	_, err = f.store.RemoveUIDs(ctx, f.ref.AccountID, f.ref.FolderID, []uint32{2})
	require.NoError(t, err)

	t.Run("宽限期内不回收", func(t *testing.T) {
		orphans, err := f.store.OrphanMessages(ctx, f.ref.NamespaceID, time.Now().Add(-time.Hour), 0, 10)
		require.NoError(t, err)
		assert.Empty(t, orphans)
	})

	orphans, err := f.store.OrphanMessages(ctx, f.ref.NamespaceID, time.Now().Add(time.Minute), 0, 10)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, dropID, orphans[0].ID)

	orphans, err = f.store.OrphanMessages(ctx, f.ref.NamespaceID, time.Now().Add(time.Minute), dropID, 10)
	require.NoError(t, err)
	assert.Empty(t, orphans, "游标之前的消息不再返回")

	n, err := f.store.SoftDeleteMessages(ctx, []uint{dropID, f.messageIDOf(t, f.ref, 1)})
	require.NoError(t, err)
	assert.Equal(t, 1, n, "仍有UID映射的消息不删除")

	threads, err := f.store.DeleteEmptyThreads(ctx, f.ref.NamespaceID)
	require.NoError(t, err)
	assert.Equal(t, 1, threads)
	assert.Equal(t, int64(1), f.countMessages(t))

	t.Run("消息所属账户", func(t *testing.T) {
		account, err := f.store.AccountForMessage(ctx, f.messageIDOf(t, f.ref, 1))
		require.NoError(t, err)
		assert.Equal(t, f.account.ID, account.ID)
		require.NotNil(t, account.Namespace)

		_, err = f.store.AccountForMessage(ctx, dropID)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
