// Package heartbeat 接收同步引擎上报的文件夹状态，推导健康状况并分发给订阅者
package heartbeat

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"mailsync/internal/cache"
	"mailsync/internal/config"
	"mailsync/internal/mailsync"
)

// Health 文件夹同步健康状况
type Health string

const (
	HealthHealthy Health = "healthy"
	HealthSilent  Health = "silent"
	HealthError   Health = "error"
)

// 未清理的记录最多保留silentAfter的倍数
const recordTTLFactor = 12

// FolderHeartbeat 一个文件夹最近的状态
type FolderHeartbeat struct {
	mailsync.FolderStatusReport
	Health Health `json:"health"`
}

// AccountHeartbeat 账户下所有文件夹的状态
type AccountHeartbeat struct {
	AccountID uint              `json:"account_id"`
	Health    Health            `json:"health"`
	Folders   []FolderHeartbeat `json:"folders"`
}

// Reporter 心跳状态中心，实现mailsync.StatusPublisher
type Reporter struct {
	records     cache.Cache
	silentAfter time.Duration
	logger      *logrus.Entry
	now         func() time.Time

	mu          sync.RWMutex
	subscribers map[string]*Subscription
}

// NewReporter 创建心跳状态中心
func NewReporter(records cache.Cache, cfg config.HeartbeatConfig, logger *logrus.Entry) *Reporter {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Reporter{
		records:     records,
		silentAfter: cfg.SilentAfter,
		logger:      logger.WithField("component", "heartbeat"),
		now:         time.Now,
		subscribers: make(map[string]*Subscription),
	}
}

func recordKey(accountID, folderID uint) string {
	return fmt.Sprintf("%s%d", accountPrefix(accountID), folderID)
}

func accountPrefix(accountID uint) string {
	return fmt.Sprintf("hb:%d:", accountID)
}

// PublishStatus 记录文件夹状态并通知订阅者
func (r *Reporter) PublishStatus(report mailsync.FolderStatusReport) {
	if report.At.IsZero() {
		report.At = r.now()
	}
	r.records.Set(recordKey(report.AccountID, report.FolderID), report, recordTTLFactor*r.silentAfter)
	r.broadcast(NewEvent(EventFolderStatus, report.AccountID, r.derive(report)))
}

// ClearFolder 文件夹停止同步后删除它的记录
func (r *Reporter) ClearFolder(accountID, folderID uint) {
	r.records.Delete(recordKey(accountID, folderID))
	r.broadcast(NewEvent(EventFolderCleared, accountID, FolderClearedData{AccountID: accountID, FolderID: folderID}))
}

// ClearAccount 删除账户的所有记录
func (r *Reporter) ClearAccount(accountID uint) int {
	return r.records.DeletePrefix(accountPrefix(accountID))
}

// Account 账户的状态，没有任何记录时返回false
func (r *Reporter) Account(accountID uint) (AccountHeartbeat, bool) {
	folders := r.folders(accountPrefix(accountID))
	if len(folders) == 0 {
		return AccountHeartbeat{AccountID: accountID}, false
	}
	return summarize(accountID, folders), true
}

// Accounts 所有账户的状态，按账户ID排序
func (r *Reporter) Accounts() []AccountHeartbeat {
	byAccount := make(map[uint][]FolderHeartbeat)
	for _, f := range r.folders("hb:") {
		byAccount[f.AccountID] = append(byAccount[f.AccountID], f)
	}
	out := make([]AccountHeartbeat, 0, len(byAccount))
	for id, folders := range byAccount {
		out = append(out, summarize(id, folders))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

func (r *Reporter) folders(prefix string) []FolderHeartbeat {
	var out []FolderHeartbeat
	for _, key := range r.records.Keys(prefix) {
		v, ok := r.records.Get(key)
		if !ok {
			continue
		}
		if report, ok := v.(mailsync.FolderStatusReport); ok {
			out = append(out, r.derive(report))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Folder < out[j].Folder })
	return out
}

// derive 有错误为error，超过silentAfter没有上报为silent
func (r *Reporter) derive(report mailsync.FolderStatusReport) FolderHeartbeat {
	h := FolderHeartbeat{FolderStatusReport: report, Health: HealthHealthy}
	switch {
	case report.Err != "":
		h.Health = HealthError
	case r.silentAfter > 0 && r.now().Sub(report.At) > r.silentAfter:
		h.Health = HealthSilent
	}
	return h
}

func summarize(accountID uint, folders []FolderHeartbeat) AccountHeartbeat {
	a := AccountHeartbeat{AccountID: accountID, Health: HealthHealthy, Folders: folders}
	for _, f := range folders {
		if severity(f.Health) > severity(a.Health) {
			a.Health = f.Health
		}
	}
	return a
}

func severity(h Health) int {
	switch h {
	case HealthError:
		return 2
	case HealthSilent:
		return 1
	default:
		return 0
	}
}

// Subscription 状态流订阅
type Subscription struct {
	id        string
	accountID uint
	events    chan *Event
	reporter  *Reporter
	once      sync.Once
}

// Events 事件通道，取消订阅后关闭
func (s *Subscription) Events() <-chan *Event {
	return s.events
}

// Close 取消订阅
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.reporter.mu.Lock()
		delete(s.reporter.subscribers, s.id)
		s.reporter.mu.Unlock()
		close(s.events)
	})
}

// Subscribe 订阅状态事件，accountID为0时订阅所有账户
func (r *Reporter) Subscribe(accountID uint, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 16
	}
	s := &Subscription{
		id:        uuid.New().String(),
		accountID: accountID,
		events:    make(chan *Event, buffer),
		reporter:  r,
	}
	r.mu.Lock()
	r.subscribers[s.id] = s
	r.mu.Unlock()
	return s
}

// SubscriberCount 当前订阅者数量
func (r *Reporter) SubscriberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscribers)
}

// broadcast 不阻塞发布者，订阅者缓冲满时丢弃事件
func (r *Reporter) broadcast(event *Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.subscribers {
		if s.accountID != 0 && s.accountID != event.AccountID {
			continue
		}
		select {
		case s.events <- event:
		default:
			r.logger.WithFields(logrus.Fields{
				"subscriber": s.id,
				"event":      event.Type,
			}).Debug("Subscriber buffer full, dropping event")
		}
	}
}
