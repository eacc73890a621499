package providers

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// MinPoolSize 连接池最小容量，保证变更轮询和回填可以同时持有连接
const MinPoolSize = 2

// 空闲超过该时长的连接不再复用，服务器通常会在30分钟后断开空闲连接
const defaultMaxIdle = 10 * time.Minute

// ErrPoolClosed 连接池已关闭
var ErrPoolClosed = errors.New("session pool is closed")

// DialFunc 建立一个新的已认证会话
type DialFunc func(ctx context.Context) (Session, error)

type idleSession struct {
	session Session
	since   time.Time
}

// Pool 单个账户的IMAP会话池
type Pool struct {
	dial    DialFunc
	sem     chan struct{}
	maxIdle time.Duration
	logger  *logrus.Entry

	mu     sync.Mutex
	idle   []idleSession
	closed bool
}

// NewPool 创建会话池，size小于MinPoolSize时按MinPoolSize处理
func NewPool(size int, dial DialFunc, logger *logrus.Entry) *Pool {
	if size < MinPoolSize {
		size = MinPoolSize
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Pool{
		dial:    dial,
		sem:     make(chan struct{}, size),
		maxIdle: defaultMaxIdle,
		logger:  logger,
	}
}

// Size 池容量
func (p *Pool) Size() int {
	return cap(p.sem)
}

// WithSession 借出一个会话执行fn，结束后归还。
// fn返回连接类错误时会话被丢弃而不是归还
func (p *Pool) WithSession(ctx context.Context, fn func(Session) error) error {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-p.sem }()

	session, err := p.get(ctx)
	if err != nil {
		return err
	}

	err = fn(session)
	if err != nil && IsConnectionError(err) {
		p.logger.WithError(err).Debug("Discarding IMAP session after connection error")
		session.Close()
		return err
	}

	p.put(session)
	return err
}

func (p *Pool) get(ctx context.Context) (Session, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	var stale []Session
	var session Session
	for len(p.idle) > 0 {
		last := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if time.Since(last.since) > p.maxIdle {
			stale = append(stale, last.session)
			continue
		}
		session = last.session
		break
	}
	p.mu.Unlock()

	for _, s := range stale {
		s.Close()
	}
	if session != nil {
		return session, nil
	}

	session, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (p *Pool) put(session Session) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		session.Close()
		return
	}
	p.idle = append(p.idle, idleSession{session: session, since: time.Now()})
	p.mu.Unlock()
}

// Close 关闭所有空闲会话，借出中的会话在归还时关闭
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var errs []error
	for _, s := range idle {
		if err := s.session.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
