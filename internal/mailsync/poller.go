package mailsync

import (
	"context"
	"errors"

	"mailsync/internal/providers"
)

// changeRequest ChangePoller交给引擎的一组变更，引擎处理完后通过ack返回结果
type changeRequest struct {
	changes *ChangeSet
	ack     chan error
}

// ChangePoller 回填期间在独立连接上检测变更，通过有界channel交给引擎处理。
// channel满时阻塞，直到引擎取走
type ChangePoller struct {
	f       *FolderSync
	changes chan changeRequest
	errs    chan error
	done    chan struct{}
}

func newChangePoller(f *FolderSync) *ChangePoller {
	size := f.Config.ChangeQueueSize
	if size <= 0 {
		size = 1
	}
	return &ChangePoller{
		f:       f,
		changes: make(chan changeRequest, size),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
	}
}

// Changes 待处理的变更
func (p *ChangePoller) Changes() <-chan changeRequest {
	return p.changes
}

// Errs 轮询因fail-fast错误终止时收到该错误
func (p *ChangePoller) Errs() <-chan error {
	return p.errs
}

// Done 轮询退出时关闭
func (p *ChangePoller) Done() <-chan struct{} {
	return p.done
}

// Run 轮询直到ctx取消
func (p *ChangePoller) Run(ctx context.Context) {
	defer close(p.done)

	err := runTask(ctx, p.f.Retry, p.f.logger.WithField("task", "change poller"), "change poller", p.loop, func(err error) bool {
		return IsFailFast(err) || errors.Is(err, ErrUIDInvalid) || errors.Is(err, ErrFolderGone)
	})
	if err != nil && ctx.Err() == nil {
		p.errs <- err
	}
}

func (p *ChangePoller) loop(ctx context.Context) error {
	for {
		if err := p.pollOnce(ctx); err != nil {
			return err
		}
		if err := sleepContext(ctx, p.f.Config.PollFrequency); err != nil {
			return err
		}
	}
}

func (p *ChangePoller) pollOnce(ctx context.Context) error {
	var cs *ChangeSet
	err := withSession(ctx, p.f.Pool, func(s providers.Session) error {
		var err error
		cs, err = p.f.Strategies.Detector.Detect(ctx, s, p.f.ref, true)
		return err
	})
	if err != nil || cs == nil {
		return err
	}

	req := changeRequest{changes: cs, ack: make(chan error, 1)}
	select {
	case p.changes <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.ack:
		if err != nil {
			// 引擎自己会处理失败，下一轮重新检测
			return nil
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	return p.f.Strategies.Detector.Checkpoint(ctx, p.f.ref, cs)
}
