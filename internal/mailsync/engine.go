package mailsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bradenaw/juniper/xmaps"
	"github.com/bradenaw/juniper/xslices"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"mailsync/internal/config"
	"mailsync/internal/parser"
	"mailsync/internal/providers"
)

// 停止时持久化状态的超时
const persistTimeout = 10 * time.Second

// FolderDeps 文件夹同步任务的依赖，同一账户的任务共享Lock、Limiter和Pool
type FolderDeps struct {
	Store      Store
	Pool       SessionPool
	Strategies Strategies
	Lock       *sync.Mutex
	Limiter    *rate.Limiter
	Publisher  StatusPublisher
	Config     config.SyncConfig
	Retry      *providers.RetryHandler
	Logger     *logrus.Entry
}

// FolderSync 单个文件夹的同步状态机
type FolderSync struct {
	FolderDeps
	ref    FolderRef
	logger *logrus.Entry

	mu         sync.Mutex
	state      State
	remote     int
	downloaded int
	queued     int
	lastErr    error

	running     chan struct{}
	runningOnce sync.Once
	done        chan struct{}
}

// NewFolderSync 创建文件夹同步任务
func NewFolderSync(ref FolderRef, deps FolderDeps) *FolderSync {
	if deps.Lock == nil {
		deps.Lock = &sync.Mutex{}
	}
	if deps.Publisher == nil {
		deps.Publisher = nopPublisher{}
	}
	if deps.Retry == nil {
		deps.Retry = NewRetryHandler(deps.Config)
	}
	if deps.Logger == nil {
		deps.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	return &FolderSync{
		FolderDeps: deps,
		ref:        ref,
		logger: deps.Logger.WithFields(logrus.Fields{
			"account_id": ref.AccountID,
			"folder":     ref.Name,
			"folder_id":  ref.FolderID,
			"engine":     deps.Strategies.Name,
		}),
		running: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Ref 文件夹标识
func (f *FolderSync) Ref() FolderRef {
	return f.ref
}

// State 当前状态
func (f *FolderSync) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Running 文件夹进入poll或任务结束时关闭
func (f *FolderSync) Running() <-chan struct{} {
	return f.running
}

// Done 任务退出时关闭
func (f *FolderSync) Done() <-chan struct{} {
	return f.done
}

// Run 运行同步任务，普通错误按指数退避重启整个状态机，fail-fast错误直接返回
func (f *FolderSync) Run(ctx context.Context) error {
	defer close(f.done)
	defer f.markRunning()

	err := runTask(ctx, f.Retry, f.logger, "folder sync", f.run, IsFailFast)
	if err != nil && !errors.Is(err, context.Canceled) {
		f.setErr(err)
		f.logger.WithError(err).Error("Folder sync stopped")
	}
	return err
}

func (f *FolderSync) run(ctx context.Context) error {
	status, err := f.Store.LoadSyncStatus(ctx, f.ref.AccountID, f.ref.FolderID)
	if err != nil {
		return fmt.Errorf("failed to load sync status: %w", err)
	}
	state, err := ParseState(status.State)
	if err != nil {
		return err
	}
	if state == StateFinish {
		// 上次因停止而结束，从停止前的状态继续
		if state, err = ParseState(status.PreviousState); err != nil {
			return err
		}
		if state == StateFinish {
			state = StateInitial
		}
		if err := f.Store.SaveSyncState(ctx, f.ref.AccountID, f.ref.FolderID, state, ""); err != nil {
			return err
		}
	}
	f.setCounts(status.RemoteUIDCount, status.DownloadUIDCount)
	f.setState(state)

	for {
		if ctx.Err() != nil {
			f.finish(state)
			return ctx.Err()
		}

		var next State
		err := f.Retry.ExecuteWithRetry(ctx, func() error {
			var err error
			next, err = f.step(ctx, state)
			return err
		}, f.ref.Name)

		switch {
		case err == nil:
		case errors.Is(err, ErrUIDInvalid):
			var ok bool
			if next, ok = state.UIDInvalid(); !ok {
				return err
			}
			f.logger.WithError(err).WithField("state", state).Info("Uidvalidity changed")
		case errors.Is(err, ErrFolderGone):
			f.logger.Info("Folder deleted on remote, finishing")
			f.finish("")
			f.Publisher.ClearFolder(f.ref.AccountID, f.ref.FolderID)
			return nil
		case ctx.Err() != nil:
			f.finish(state)
			return ctx.Err()
		default:
			return err
		}

		if !state.CanTransition(next) {
			return fmt.Errorf("%w: %s -> %s", errIllegalTransition, state, next)
		}
		if next != state {
			if err := f.Store.SaveSyncState(ctx, f.ref.AccountID, f.ref.FolderID, next, ""); err != nil {
				return fmt.Errorf("failed to save sync state: %w", err)
			}
			f.logger.WithFields(logrus.Fields{"from": state, "to": next}).Info("Folder sync state changed")
		}
		state = next
		f.setState(state)
	}
}

func (f *FolderSync) step(ctx context.Context, state State) (State, error) {
	switch state {
	case StateInitial:
		if err := f.initial(ctx); err != nil {
			return "", err
		}
		return StatePoll, nil
	case StatePoll:
		if err := f.poll(ctx); err != nil {
			return "", err
		}
		return StatePoll, nil
	case StateInitialUIDInvalid, StatePollUIDInvalid:
		if err := f.resync(ctx, state); err != nil {
			return "", err
		}
		return state.Resume(), nil
	}
	return "", fmt.Errorf("%w: no handler for %s", errIllegalTransition, state)
}

// initial 回填：下载本地没有的UID，期间由ChangePoller并发检测变更
func (f *FolderSync) initial(ctx context.Context) error {
	return withSession(ctx, f.Pool, func(s providers.Session) error {
		if _, err := selectChecked(ctx, s, f.Store, f.ref); err != nil {
			return err
		}
		remote, err := s.AllUIDs(ctx)
		if err != nil {
			return err
		}
		added, err := f.refreshUIDs(ctx, remote)
		if err != nil {
			return err
		}

		stack := newUIDStack(added)
		f.setQueued(stack.Len())
		f.logger.WithField("queued", stack.Len()).Info("Starting backfill")

		pctx, cancel := context.WithCancel(ctx)
		poller := newChangePoller(f)
		go poller.Run(pctx)
		defer func() {
			cancel()
			<-poller.Done()
		}()

		sinceStatus := 0
		for stack.Len() > 0 {
			if err := f.drainChanges(ctx, s, poller, stack); err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if stack.Len() == 0 {
				break
			}

			uid := stack.Pop()
			expanded, err := f.Strategies.Threads.Expand(ctx, s, uid)
			if err != nil {
				return err
			}
			uids := xslices.Filter(expanded, func(u uint32) bool { return u == uid || stack.Has(u) })
			stack.Remove(uids)

			n, err := f.download(ctx, s, uids)
			if err != nil {
				return err
			}
			f.addDownloaded(n)
			f.setQueued(stack.Len())

			if sinceStatus += len(uids); sinceStatus >= f.statusEvery() {
				sinceStatus = 0
				f.publish()
			}
			if err := f.waitIfThrottled(ctx); err != nil {
				return err
			}
			if err := f.pace(ctx, len(uids)); err != nil {
				return err
			}
		}

		if err := f.drainChanges(ctx, s, poller, stack); err != nil {
			return err
		}
		local, err := f.Store.LocalUIDs(ctx, f.ref.AccountID, f.ref.FolderID)
		if err != nil {
			return err
		}
		f.setCounts(len(remote), len(local))
		return f.Store.UpdateUIDCounts(ctx, f.ref.AccountID, f.ref.FolderID, len(remote), len(local))
	})
}

// drainChanges 处理ChangePoller交来的全部变更，并从回填栈中去掉已处理的UID
func (f *FolderSync) drainChanges(ctx context.Context, s providers.Session, p *ChangePoller, stack *uidStack) error {
	for {
		select {
		case req := <-p.Changes():
			affected, err := f.handleChanges(ctx, s, req.changes)
			req.ack <- err
			if err != nil {
				return err
			}
			stack.Remove(affected)
			f.setQueued(stack.Len())
		case err := <-p.Errs():
			return fmt.Errorf("change poller: %w", err)
		default:
			return nil
		}
	}
}

// poll 检查一次变更，然后IDLE或按间隔等待
func (f *FolderSync) poll(ctx context.Context) error {
	idled := false
	err := withSession(ctx, f.Pool, func(s providers.Session) error {
		cs, err := f.Strategies.Detector.Detect(ctx, s, f.ref, false)
		if err != nil {
			return err
		}
		if cs != nil {
			if _, err := f.handleChanges(ctx, s, cs); err != nil {
				return err
			}
			if err := f.Strategies.Detector.Checkpoint(ctx, f.ref, cs); err != nil {
				return err
			}
		}
		f.publish()

		if !f.canIdle(s) {
			return nil
		}
		idled = true
		_, err = s.Idle(ctx, f.Config.IdleTimeout)
		return err
	})
	if err != nil || idled {
		return err
	}
	return sleepContext(ctx, f.Config.PollFrequency)
}

func (f *FolderSync) canIdle(s providers.Session) bool {
	return f.Strategies.IdleRole != "" && f.ref.Role == f.Strategies.IdleRole && s.Capabilities().Idle
}

// handleChanges 按本地是否存在区分新邮件和已有邮件，新邮件下载，已有邮件更新标志和标签，
// 需要时删除远端已不存在的UID。返回处理过的UID
func (f *FolderSync) handleChanges(ctx context.Context, s providers.Session, cs *ChangeSet) ([]uint32, error) {
	local, err := f.Store.LocalUIDs(ctx, f.ref.AccountID, f.ref.FolderID)
	if err != nil {
		return nil, err
	}
	localSet := xmaps.SetFromSlice(local)

	var added, existing []uint32
	for _, uid := range cs.UIDs {
		if localSet.Contains(uid) {
			existing = append(existing, uid)
		} else {
			added = append(added, uid)
		}
	}

	if len(existing) > 0 {
		if err := f.updateMetadata(ctx, s, existing); err != nil {
			return nil, err
		}
	}
	if len(added) > 0 {
		sortUIDs(added)
		n, err := f.download(ctx, s, added)
		if err != nil {
			return nil, err
		}
		f.addDownloaded(n)
	}

	if cs.CheckDeletes {
		remote := cs.Remote
		if remote == nil {
			if remote, err = s.AllUIDs(ctx); err != nil {
				return nil, err
			}
		}
		if _, err := f.refreshUIDs(ctx, remote); err != nil {
			return nil, err
		}
	}

	if len(cs.UIDs) > 0 {
		f.logger.WithFields(logrus.Fields{
			"new":     len(added),
			"updated": len(existing),
		}).Debug("Handled changes")
	}
	return cs.UIDs, nil
}

// refreshUIDs 比较远端和本地UID：删除远端已不存在的映射，返回需要下载的UID。
// 远端为空视为文件夹暂时不可访问，不删除任何映射
func (f *FolderSync) refreshUIDs(ctx context.Context, remote []uint32) ([]uint32, error) {
	local, err := f.Store.LocalUIDs(ctx, f.ref.AccountID, f.ref.FolderID)
	if err != nil {
		return nil, err
	}
	added, deleted := diffUIDs(remote, local)

	if len(remote) == 0 && len(local) > 0 {
		f.logger.WithField("local", len(local)).Warn("Remote folder returned no uids, skipping delete detection")
		deleted = nil
	}

	if len(deleted) > 0 {
		f.Lock.Lock()
		n, err := f.Store.RemoveUIDs(ctx, f.ref.AccountID, f.ref.FolderID, deleted)
		f.Lock.Unlock()
		if err != nil {
			return nil, fmt.Errorf("failed to remove deleted uids: %w", err)
		}
		f.logger.WithField("count", n).Info("Removed uids deleted on remote")
	}

	downloaded := len(local) - len(deleted)
	f.setCounts(len(remote), downloaded)
	if err := f.Store.UpdateUIDCounts(ctx, f.ref.AccountID, f.ref.FolderID, len(remote), downloaded); err != nil {
		return nil, err
	}
	return added, nil
}

// download 下载并提交uids，已存在的g_msgid只建立映射
func (f *FolderSync) download(ctx context.Context, s providers.Session, uids []uint32) (int, error) {
	if len(uids) == 0 {
		return 0, nil
	}
	fetch, link, err := f.Strategies.Dedup.Partition(ctx, s, f.ref, uids)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, chunk := range xslices.Chunk(fetch, chunkSize(f.Config.FetchChunk)) {
		n, err := f.downloadChunk(ctx, s, chunk)
		if err != nil {
			return total, err
		}
		total += n
	}

	if len(link) > 0 {
		f.Lock.Lock()
		missing, err := f.Store.LinkUIDs(ctx, f.ref, link)
		f.Lock.Unlock()
		if err != nil {
			return total, fmt.Errorf("failed to link uids: %w", err)
		}
		total += len(link) - len(missing)

		if len(missing) > 0 {
			// 关联的消息在提交后被回收，重新下载
			f.logger.WithField("uids", missing).Warn("Linked messages missing locally, downloading")
			for _, chunk := range xslices.Chunk(missing, chunkSize(f.Config.FetchChunk)) {
				n, err := f.downloadChunk(ctx, s, chunk)
				if err != nil {
					return total, err
				}
				total += n
			}
		}
	}
	return total, nil
}

func (f *FolderSync) downloadChunk(ctx context.Context, s providers.Session, uids []uint32) (int, error) {
	raws, err := s.FetchBodies(ctx, uids)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch uids %v: %w", uids, err)
	}

	batch := &CommitBatch{FolderRef: f.ref}
	for _, raw := range raws {
		parsed, err := parser.Parse(raw.Body)
		if err != nil {
			f.logger.WithError(err).WithField("uid", raw.UID).Warn("Failed to parse message, storing without headers")
		}
		batch.Messages = append(batch.Messages, CommitMessage{Meta: raw.MessageMeta, Parsed: parsed})
	}
	if len(batch.Messages) == 0 {
		return 0, nil
	}
	return f.commit(ctx, batch)
}

// commit 在写锁内提交一批邮件。整批失败时逐封重试，单封失败记录后跳过
func (f *FolderSync) commit(ctx context.Context, batch *CommitBatch) (int, error) {
	f.Lock.Lock()
	n, err := f.Store.CommitMessages(ctx, batch, f.Strategies.Threads)
	f.Lock.Unlock()
	if err == nil || len(batch.Messages) == 1 || ctx.Err() != nil {
		if err != nil {
			f.logCommitError(err, batch)
		}
		return n, err
	}
	f.logCommitError(err, batch)

	total, failed := 0, 0
	var lastErr error
	for _, m := range batch.Messages {
		single := &CommitBatch{FolderRef: batch.FolderRef, Messages: []CommitMessage{m}}
		f.Lock.Lock()
		n, err := f.Store.CommitMessages(ctx, single, f.Strategies.Threads)
		f.Lock.Unlock()
		if err != nil {
			f.logCommitError(err, single)
			failed++
			lastErr = err
			continue
		}
		total += n
	}
	if failed == len(batch.Messages) {
		return total, lastErr
	}
	return total, nil
}

func (f *FolderSync) logCommitError(err error, batch *CommitBatch) {
	sizes := make([]int, len(batch.Messages))
	for i, m := range batch.Messages {
		if m.Parsed != nil {
			sizes[i] = m.Parsed.Size
		}
	}
	f.logger.WithError(err).WithFields(logrus.Fields{
		"uids":  batch.UIDs(),
		"sizes": sizes,
	}).Error("Failed to commit messages")
}

// updateMetadata 重新获取已有UID的标志和标签
func (f *FolderSync) updateMetadata(ctx context.Context, s providers.Session, uids []uint32) error {
	for _, chunk := range xslices.Chunk(uids, chunkSize(f.Config.FetchChunk)) {
		metas, err := s.FetchMetadata(ctx, chunk)
		if err != nil {
			return err
		}
		f.Lock.Lock()
		n, err := f.Store.UpdateMetadata(ctx, f.ref, metas)
		f.Lock.Unlock()
		if err != nil {
			return fmt.Errorf("failed to update metadata: %w", err)
		}
		if n > 0 {
			f.logger.WithField("count", n).Debug("Updated message metadata")
		}
	}
	return nil
}

// resync 处理UIDVALIDITY变化。Gmail按g_msgid重写UID映射，其它账户丢弃映射后重新下载
func (f *FolderSync) resync(ctx context.Context, state State) error {
	return withSession(ctx, f.Pool, func(s providers.Session) error {
		status, err := s.SelectFolder(ctx, f.ref.Name)
		if err != nil {
			if providers.IsFolderNotFound(err) {
				return fmt.Errorf("%w: %s", ErrFolderGone, f.ref.Name)
			}
			return err
		}

		if !f.Strategies.RemapUIDs {
			f.Lock.Lock()
			n, err := f.Store.ResetFolderUIDs(ctx, f.ref, status.UIDValidity)
			f.Lock.Unlock()
			if err != nil {
				return err
			}
			f.logger.WithFields(logrus.Fields{
				"removed":      n,
				"uid_validity": status.UIDValidity,
			}).Warn("Dropped uid mappings after uidvalidity change")
			return nil
		}

		remote, err := s.AllUIDs(ctx)
		if err != nil {
			return err
		}
		byGMsgID := make(map[uint64]uint32, len(remote))
		for _, chunk := range xslices.Chunk(remote, chunkSize(f.Config.FetchChunk)) {
			metas, err := s.FetchMetadata(ctx, chunk)
			if err != nil {
				return err
			}
			for _, m := range metas {
				if m.GMsgID != 0 {
					byGMsgID[m.GMsgID] = m.UID
				}
			}
		}

		f.Lock.Lock()
		remapped, removed, err := f.Store.RemapUIDs(ctx, f.ref, byGMsgID, status.UIDValidity, status.HighestModSeq)
		f.Lock.Unlock()
		if err != nil {
			return fmt.Errorf("failed to remap uids: %w", err)
		}
		f.logger.WithFields(logrus.Fields{
			"remapped":     remapped,
			"removed":      removed,
			"uid_validity": status.UIDValidity,
		}).Info("Remapped uids after uidvalidity change")

		if state != StatePollUIDInvalid {
			return nil
		}
		// 恢复到poll前补上新出现的UID，poll只看HIGHESTMODSEQ之后的变更
		added, err := f.refreshUIDs(ctx, remote)
		if err != nil {
			return err
		}
		n, err := f.download(ctx, s, added)
		f.addDownloaded(n)
		return err
	})
}

// waitIfThrottled 账户被限流时等待，每次都重新读取限流标志
func (f *FolderSync) waitIfThrottled(ctx context.Context) error {
	throttled, err := f.Store.AccountThrottled(ctx, f.ref.AccountID)
	if err != nil || !throttled {
		return err
	}
	f.logger.WithField("wait", f.Config.ThrottleWait).Info("Account throttled, sleeping")
	return sleepContext(ctx, f.Config.ThrottleWait)
}

// pace 账户级的下载限速
func (f *FolderSync) pace(ctx context.Context, n int) error {
	if f.Limiter == nil || n <= 0 {
		return nil
	}
	if burst := f.Limiter.Burst(); n > burst {
		n = burst
	}
	return f.Limiter.WaitN(ctx, n)
}

// finish 持久化finish状态，previous为下次启动时恢复的状态
func (f *FolderSync) finish(previous State) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := f.Store.SaveSyncState(ctx, f.ref.AccountID, f.ref.FolderID, StateFinish, previous); err != nil {
		f.logger.WithError(err).Error("Failed to persist finish state")
	}
	f.setState(StateFinish)
}

func (f *FolderSync) statusEvery() int {
	if f.Config.StatusEvery <= 0 {
		return 10
	}
	return f.Config.StatusEvery
}

func (f *FolderSync) setState(state State) {
	f.mu.Lock()
	f.state = state
	f.mu.Unlock()
	if state.IsRunning() || state == StateFinish {
		f.markRunning()
	}
	f.publish()
}

func (f *FolderSync) setCounts(remote, downloaded int) {
	f.mu.Lock()
	f.remote, f.downloaded = remote, downloaded
	f.mu.Unlock()
}

func (f *FolderSync) addDownloaded(n int) {
	f.mu.Lock()
	f.downloaded += n
	f.mu.Unlock()
}

func (f *FolderSync) setQueued(n int) {
	f.mu.Lock()
	f.queued = n
	f.mu.Unlock()
}

func (f *FolderSync) setErr(err error) {
	f.mu.Lock()
	f.lastErr = err
	f.mu.Unlock()
	f.publish()
}

func (f *FolderSync) markRunning() {
	f.runningOnce.Do(func() { close(f.running) })
}

// publish 向心跳模块报告状态
func (f *FolderSync) publish() {
	f.mu.Lock()
	report := FolderStatusReport{
		AccountID:      f.ref.AccountID,
		FolderID:       f.ref.FolderID,
		Folder:         f.ref.Name,
		State:          f.state,
		RemoteUIDs:     f.remote,
		DownloadedUIDs: f.downloaded,
		Queued:         f.queued,
		At:             time.Now(),
	}
	if f.lastErr != nil {
		report.Err = f.lastErr.Error()
	}
	f.mu.Unlock()
	f.Publisher.PublishStatus(report)
}
