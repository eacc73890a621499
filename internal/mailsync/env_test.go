package mailsync_test

import (
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"gorm.io/gorm/logger"

	"mailsync/internal/config"
	"mailsync/internal/database"
	"mailsync/internal/mailsync"
	"mailsync/internal/models"
	"mailsync/internal/providers"
	"mailsync/internal/store"
)

const waitTimeout = 10 * time.Second

func testConfig() config.SyncConfig {
	return config.SyncConfig{
		PollFrequency:    20 * time.Millisecond,
		RefreshFrequency: 50 * time.Millisecond,
		IdleTimeout:      20 * time.Millisecond,
		ThrottleWait:     10 * time.Millisecond,
		RefreshFlagsMax:  100,
		ChangeQueueSize:  1,
		StatusEvery:      2,
		FetchChunk:       2,
		RetryBaseDelay:   time.Millisecond,
		RetryMaxDelay:    10 * time.Millisecond,
	}
}

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// env 真实的SQLite存储加内存IMAP服务器
type env struct {
	t       *testing.T
	store   *store.Store
	srv     *fakeServer
	pool    *fakePool
	account *models.Account
	cfg     config.SyncConfig
	lock    sync.Mutex
	refs    map[string]mailsync.FolderRef
}

func newEnv(t *testing.T, provider string, caps providers.Capabilities) *env {
	t.Helper()
	if testing.Short() {
		t.Skip("跳过同步集成测试")
	}

	ignore := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, ignore) })

	db, err := database.Open(database.Options{
		Path:      filepath.Join(t.TempDir(), "sync.db"),
		UsePureGo: true,
		LogLevel:  logger.Silent,
	})
	require.NoError(t, err)
	t.Cleanup(func() { database.Close(db) })

	st := store.New(db)
	account := &models.Account{Email: "user@example.com", Provider: provider, AuthMethod: models.AuthMethodPassword}
	require.NoError(t, st.CreateAccount(context.Background(), account))

	srv := newFakeServer(caps)
	return &env{
		t:       t,
		store:   st,
		srv:     srv,
		pool:    &fakePool{srv: srv},
		account: account,
		cfg:     testConfig(),
		refs:    make(map[string]mailsync.FolderRef),
	}
}

// saveFolders 把服务器的文件夹保存到本地
func (e *env) saveFolders() {
	e.t.Helper()
	s := &fakeSession{srv: e.srv}
	remote, err := s.ListFolders(context.Background())
	require.NoError(e.t, err)
	folders, err := e.store.SaveFolderNames(context.Background(), e.account.ID, remote, e.account.IsGmail())
	require.NoError(e.t, err)
	for _, f := range folders {
		e.refs[f.Name] = mailsync.FolderRef{
			AccountID:   e.account.ID,
			NamespaceID: e.account.Namespace.ID,
			FolderID:    f.ID,
			Name:        f.Name,
			Role:        f.CanonicalName,
		}
	}
}

func (e *env) ref(name string) mailsync.FolderRef {
	e.t.Helper()
	if _, ok := e.refs[name]; !ok {
		e.saveFolders()
	}
	ref, ok := e.refs[name]
	require.True(e.t, ok, "folder %s not synced", name)
	return ref
}

func (e *env) strategies() mailsync.Strategies {
	return mailsync.StrategiesFor(e.account, e.srv.caps, e.store, e.cfg, testLogger())
}

// runningFolder 后台运行的文件夹同步
type runningFolder struct {
	fs     *mailsync.FolderSync
	cancel context.CancelFunc
	errc   chan error

	once sync.Once
	err  error
}

func (e *env) startFolder(name string) *runningFolder {
	e.t.Helper()
	fs := mailsync.NewFolderSync(e.ref(name), mailsync.FolderDeps{
		Store:      e.store,
		Pool:       e.pool,
		Strategies: e.strategies(),
		Lock:       &e.lock,
		Config:     e.cfg,
		Logger:     testLogger(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	rf := &runningFolder{fs: fs, cancel: cancel, errc: make(chan error, 1)}
	go func() { rf.errc <- fs.Run(ctx) }()
	e.t.Cleanup(func() { rf.stop() })
	return rf
}

func (r *runningFolder) stop() error {
	r.once.Do(func() {
		r.cancel()
		r.err = <-r.errc
	})
	return r.err
}

// wait 等待任务自行退出
func (r *runningFolder) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.errc:
		r.once.Do(func() { r.err = err })
		return err
	case <-time.After(waitTimeout):
		t.Fatal("folder sync did not exit")
		return nil
	}
}

func (e *env) waitState(rf *runningFolder, state mailsync.State) {
	e.t.Helper()
	require.Eventually(e.t, func() bool { return rf.fs.State() == state }, waitTimeout, 10*time.Millisecond)
}

func (e *env) localUIDs(name string) []uint32 {
	e.t.Helper()
	ref := e.ref(name)
	uids, err := e.store.LocalUIDs(context.Background(), ref.AccountID, ref.FolderID)
	require.NoError(e.t, err)
	return uids
}

// waitConverged 等待本地UID与服务器一致
func (e *env) waitConverged(name string) {
	e.t.Helper()
	require.Eventually(e.t, func() bool {
		return equalUIDs(e.localUIDs(name), e.srv.uids(name))
	}, waitTimeout, 10*time.Millisecond, "folder %s did not converge", name)
}

func (e *env) countMessages() int64 {
	e.t.Helper()
	var n int64
	require.NoError(e.t, e.store.DB().Model(&models.Message{}).Count(&n).Error)
	return n
}

func (e *env) countThreads() int64 {
	e.t.Helper()
	var n int64
	require.NoError(e.t, e.store.DB().Model(&models.Thread{}).Count(&n).Error)
	return n
}

func (e *env) messageOf(name string, uid uint32) models.Message {
	e.t.Helper()
	ref := e.ref(name)
	var row models.ImapUID
	require.NoError(e.t, e.store.DB().Preload("Message").
		Where("folder_id = ? AND msg_uid = ?", ref.FolderID, uid).First(&row).Error)
	return *row.Message
}

// uidRowIDs 文件夹内UID映射行的主键，按UID排序
func (e *env) uidRowIDs(name string) []uint {
	e.t.Helper()
	ref := e.ref(name)
	var ids []uint
	require.NoError(e.t, e.store.DB().Model(&models.ImapUID{}).
		Where("folder_id = ?", ref.FolderID).Order("msg_uid").Pluck("id", &ids).Error)
	return ids
}

func equalUIDs(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
