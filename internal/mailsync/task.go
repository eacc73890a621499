package mailsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"mailsync/internal/config"
	"mailsync/internal/providers"
)

// NewRetryHandler 按同步配置创建重试处理器
func NewRetryHandler(cfg config.SyncConfig) *providers.RetryHandler {
	rc := providers.DefaultRetryConfig()
	if cfg.RetryBaseDelay > 0 {
		rc.BaseDelay = cfg.RetryBaseDelay
	}
	if cfg.RetryMaxDelay > 0 {
		rc.MaxDelay = cfg.RetryMaxDelay
	}
	return providers.NewRetryHandler(rc)
}

// runTask 无限重试整个任务直到成功、取消或遇到fail-fast错误
func runTask(ctx context.Context, rh *providers.RetryHandler, logger *logrus.Entry, name string, fn func(context.Context) error, failFast func(error) bool) error {
	return rh.Run(ctx, func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%s panicked: %v", name, r)
			}
		}()
		return fn(ctx)
	}, failFast, func(err error, attempt int, delay time.Duration) {
		logger.WithError(err).WithFields(logrus.Fields{
			"task":    name,
			"attempt": attempt + 1,
			"delay":   delay,
		}).Warn("Task failed, restarting")
	})
}

// withSession 借用连接，连接池认证失败时返回ErrMailsyncDone
func withSession(ctx context.Context, pool SessionPool, fn func(providers.Session) error) error {
	err := pool.WithSession(ctx, fn)
	if err != nil && !errors.Is(err, ErrMailsyncDone) && providers.IsAuthError(err) {
		return fmt.Errorf("%w: %v", ErrMailsyncDone, err)
	}
	return err
}

// sleepContext 等待d或ctx取消
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
