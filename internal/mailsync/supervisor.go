package mailsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"mailsync/internal/config"
	"mailsync/internal/models"
	"mailsync/internal/providers"
)

// SupervisorDeps 账户同步的依赖
type SupervisorDeps struct {
	Store         Store
	Pool          SessionPool
	DeleteHandler DeleteHandler
	Publisher     StatusPublisher
	Config        config.SyncConfig
	Logger        *logrus.Entry
}

// AccountSyncSupervisor 发现账户的文件夹，为每个需要同步的文件夹启动一个FolderSync，
// 定期重新发现文件夹，并运行账户唯一的DeleteHandler
type AccountSyncSupervisor struct {
	SupervisorDeps
	account     *models.Account
	namespaceID uint
	runID       string
	logger      *logrus.Entry

	// 同一账户所有文件夹共享的写锁和下载限速
	lock    sync.Mutex
	limiter *rate.Limiter
	retry   *providers.RetryHandler

	mu         sync.Mutex
	folders    map[uint]*FolderSync
	strategies *Strategies
}

// NewAccountSyncSupervisor 创建账户同步
func NewAccountSyncSupervisor(account *models.Account, namespaceID uint, deps SupervisorDeps) *AccountSyncSupervisor {
	if deps.Publisher == nil {
		deps.Publisher = nopPublisher{}
	}
	if deps.Logger == nil {
		deps.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	var limiter *rate.Limiter
	if deps.Config.DownloadRate > 0 {
		burst := deps.Config.DownloadBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(deps.Config.DownloadRate), burst)
	}

	runID := uuid.New().String()
	return &AccountSyncSupervisor{
		SupervisorDeps: deps,
		account:        account,
		namespaceID:    namespaceID,
		runID:          runID,
		logger: deps.Logger.WithFields(logrus.Fields{
			"account_id": account.ID,
			"email":      account.Email,
			"run_id":     runID,
		}),
		limiter: limiter,
		retry:   NewRetryHandler(deps.Config),
		folders: make(map[uint]*FolderSync),
	}
}

// Run 同步账户直到ctx取消或某个文件夹遇到fail-fast错误
func (a *AccountSyncSupervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	folders, err := a.prepareSync(ctx)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	fatal := make(chan error, 1)

	if a.DeleteHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := a.DeleteHandler.Run(ctx, a.account.ID, a.namespaceID, a.Store.MessageUIDs)
			if err != nil && !errors.Is(err, context.Canceled) {
				a.logger.WithError(err).Error("Delete handler stopped")
			}
		}()
	}

	a.logger.WithField("folders", len(folders)).Info("Starting folder syncs")
	a.startFolders(ctx, &wg, folders, fatal)

	refresh := a.Config.RefreshFrequency
	if refresh <= 0 {
		refresh = 30 * time.Second
	}
	ticker := time.NewTicker(refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("Account sync stopping")
			return ctx.Err()
		case err := <-fatal:
			a.logger.WithError(err).Error("Folder sync failed, stopping account")
			return err
		case <-ticker.C:
			folders, err := a.prepareSync(ctx)
			if err != nil {
				if IsFailFast(err) {
					return err
				}
				a.logger.WithError(err).Warn("Folder discovery failed")
				continue
			}
			a.startFolders(ctx, &wg, folders, fatal)
		}
	}
}

// prepareSync 读取服务器能力和文件夹列表，保存文件夹并返回需要同步的文件夹
func (a *AccountSyncSupervisor) prepareSync(ctx context.Context) ([]models.Folder, error) {
	var caps providers.Capabilities
	var remote []providers.FolderInfo
	err := withSession(ctx, a.Pool, func(s providers.Session) error {
		caps = s.Capabilities()
		var err error
		remote, err = s.ListFolders(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}

	a.mu.Lock()
	if a.strategies == nil {
		st := StrategiesFor(a.account, caps, a.Store, a.Config, a.logger)
		a.strategies = &st
		a.logger.WithField("engine", st.Name).Info("Selected sync engine")
	}
	a.mu.Unlock()

	a.lock.Lock()
	folders, err := a.Store.SaveFolderNames(ctx, a.account.ID, remote, a.account.IsGmail())
	a.lock.Unlock()
	if err != nil {
		return nil, err
	}
	return folders, nil
}

// startFolders 依次启动还没有运行的文件夹，每个文件夹进入poll、结束或ctx取消后才启动下一个
func (a *AccountSyncSupervisor) startFolders(ctx context.Context, wg *sync.WaitGroup, folders []models.Folder, fatal chan<- error) {
	for _, folder := range folders {
		a.mu.Lock()
		_, exists := a.folders[folder.ID]
		if exists {
			a.mu.Unlock()
			continue
		}
		ref := FolderRef{
			AccountID:   a.account.ID,
			NamespaceID: a.namespaceID,
			FolderID:    folder.ID,
			Name:        folder.Name,
			Role:        folder.CanonicalName,
		}
		fs := NewFolderSync(ref, FolderDeps{
			Store:      a.Store,
			Pool:       a.Pool,
			Strategies: *a.strategies,
			Lock:       &a.lock,
			Limiter:    a.limiter,
			Publisher:  a.Publisher,
			Config:     a.Config,
			Retry:      a.retry,
			Logger:     a.logger,
		})
		a.folders[folder.ID] = fs
		a.mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			err := fs.Run(ctx)

			a.mu.Lock()
			delete(a.folders, ref.FolderID)
			a.mu.Unlock()

			if err != nil && IsFailFast(err) {
				select {
				case fatal <- err:
				default:
				}
			}
		}()

		select {
		case <-fs.Running():
		case <-fs.Done():
		case <-ctx.Done():
			return
		}
	}
}

// FolderStates 正在运行的文件夹及其状态
func (a *AccountSyncSupervisor) FolderStates() map[string]State {
	a.mu.Lock()
	defer a.mu.Unlock()
	states := make(map[string]State, len(a.folders))
	for _, fs := range a.folders {
		states[fs.ref.Name] = fs.State()
	}
	return states
}
