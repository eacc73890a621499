package mailsync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"mailsync/internal/config"
	"mailsync/internal/models"
)

// PoolFactory 为账户创建连接池
type PoolFactory func(account *models.Account) (SessionPool, error)

// AccountLister 列出需要同步的账户，账户需带Namespace
type AccountLister interface {
	SyncableAccounts(ctx context.Context) ([]models.Account, error)
}

// ManagerDeps 同步管理器的依赖
type ManagerDeps struct {
	Store         Store
	Accounts      AccountLister
	Pools         PoolFactory
	DeleteHandler DeleteHandler
	Publisher     StatusPublisher
	Config        config.SyncConfig
	Logger        *logrus.Entry
}

// Handle 正在运行的账户同步
type Handle struct {
	AccountID  uint
	Supervisor *AccountSyncSupervisor
	Pool       SessionPool

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Done 账户同步退出时关闭
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err 退出原因，Done关闭后有效
func (h *Handle) Err() error {
	return h.err
}

// Manager 管理进程内所有账户的同步
type Manager struct {
	ManagerDeps
	logger *logrus.Entry

	mu      sync.Mutex
	running map[uint]*Handle
	closed  bool
}

// NewManager 创建同步管理器
func NewManager(deps ManagerDeps) *Manager {
	if deps.Publisher == nil {
		deps.Publisher = nopPublisher{}
	}
	if deps.Logger == nil {
		deps.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Manager{
		ManagerDeps: deps,
		logger:      deps.Logger.WithField("component", "sync_manager"),
		running:     make(map[uint]*Handle),
	}
}

// StartAll 启动所有启用了同步的账户
func (m *Manager) StartAll(ctx context.Context) error {
	accounts, err := m.Accounts.SyncableAccounts(ctx)
	if err != nil {
		return fmt.Errorf("failed to list accounts: %w", err)
	}
	var errs []error
	for i := range accounts {
		if _, err := m.Start(&accounts[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Start 启动账户同步，已在运行时返回现有的Handle
func (m *Manager) Start(account *models.Account) (*Handle, error) {
	if account.Namespace == nil {
		return nil, fmt.Errorf("account %d has no namespace", account.ID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, errors.New("sync manager is shut down")
	}
	if h, ok := m.running[account.ID]; ok {
		return h, nil
	}

	pool, err := m.Pools(account)
	if err != nil {
		return nil, fmt.Errorf("failed to create session pool: %w", err)
	}

	logger := m.Logger.WithField("account_id", account.ID)
	sup := NewAccountSyncSupervisor(account, account.Namespace.ID, SupervisorDeps{
		Store:         m.Store,
		Pool:          pool,
		DeleteHandler: m.DeleteHandler,
		Publisher:     m.Publisher,
		Config:        m.Config,
		Logger:        m.Logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{AccountID: account.ID, Supervisor: sup, Pool: pool, cancel: cancel, done: make(chan struct{})}
	m.running[account.ID] = h

	if err := m.Store.SetAccountSyncState(ctx, account.ID, models.SyncStateRunning, nil); err != nil {
		logger.WithError(err).Warn("Failed to mark account running")
	}

	go func() {
		defer close(h.done)
		defer pool.Close()

		err := runTask(ctx, sup.retry, logger, "account sync", sup.Run, IsFailFast)
		h.err = err

		m.mu.Lock()
		delete(m.running, account.ID)
		m.mu.Unlock()

		state, syncErr := models.SyncStateStopped, error(nil)
		if err != nil && IsFailFast(err) {
			state, syncErr = models.SyncStateInvalid, err
			logger.WithError(err).Error("Account sync stopped, marking account invalid")
		}
		pctx, pcancel := context.WithTimeout(context.Background(), persistTimeout)
		defer pcancel()
		if err := m.Store.SetAccountSyncState(pctx, account.ID, state, syncErr); err != nil {
			logger.WithError(err).Warn("Failed to save account sync state")
		}
	}()

	logger.Info("Account sync started")
	return h, nil
}

// Stop 停止账户同步并等待退出
func (m *Manager) Stop(ctx context.Context, accountID uint) error {
	m.mu.Lock()
	h, ok := m.running[accountID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return m.shutdown(ctx, h)
}

func (m *Manager) shutdown(ctx context.Context, h *Handle) error {
	h.cancel()
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("account %d did not stop: %w", h.AccountID, ctx.Err())
	}
}

// Running 账户是否正在同步
func (m *Manager) Running(accountID uint) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.running[accountID]
	return h, ok
}

// Pool 正在同步的账户的连接池
func (m *Manager) Pool(accountID uint) (SessionPool, bool) {
	h, ok := m.Running(accountID)
	if !ok {
		return nil, false
	}
	return h.Pool, true
}

// Shutdown 停止所有账户同步
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	handles := make([]*Handle, 0, len(m.running))
	for _, h := range m.running {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		h.cancel()
	}
	var errs []error
	for _, h := range handles {
		if err := m.shutdown(ctx, h); err != nil {
			errs = append(errs, err)
		}
	}
	m.logger.WithField("accounts", len(handles)).Info("Sync manager stopped")
	return errors.Join(errs...)
}
