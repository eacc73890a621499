package providers

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// stubSession 只记录关闭次数的会话
type stubSession struct {
	id     int
	closed int32
}

func (s *stubSession) Capabilities() Capabilities { return Capabilities{} }
func (s *stubSession) ListFolders(ctx context.Context) ([]FolderInfo, error) {
	return nil, nil
}
func (s *stubSession) SelectFolder(ctx context.Context, name string) (*FolderStatus, error) {
	return &FolderStatus{Name: name}, nil
}
func (s *stubSession) AllUIDs(ctx context.Context) ([]uint32, error) { return nil, nil }
func (s *stubSession) UIDsChangedSince(ctx context.Context, modseq uint64) ([]uint32, error) {
	return nil, nil
}
func (s *stubSession) ExpandThread(ctx context.Context, gthrid uint64) ([]uint32, error) {
	return nil, nil
}
func (s *stubSession) FetchMetadata(ctx context.Context, uids []uint32) ([]MessageMeta, error) {
	return nil, nil
}
func (s *stubSession) FetchBodies(ctx context.Context, uids []uint32) ([]RawMessage, error) {
	return nil, nil
}
func (s *stubSession) StoreFlags(ctx context.Context, uids []uint32, flags []string, add bool) error {
	return nil
}
func (s *stubSession) StoreLabels(ctx context.Context, uids []uint32, labels []string, add bool) error {
	return nil
}
func (s *stubSession) Idle(ctx context.Context, timeout time.Duration) (bool, error) {
	return false, nil
}
func (s *stubSession) Close() error {
	atomic.AddInt32(&s.closed, 1)
	return nil
}

type stubDialer struct {
	mu       sync.Mutex
	sessions []*stubSession
	err      error
}

func (d *stubDialer) dial(ctx context.Context) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	s := &stubSession{id: len(d.sessions) + 1}
	d.sessions = append(d.sessions, s)
	return s, nil
}

func (d *stubDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

func TestPoolReusesSession(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := &stubDialer{}
	pool := NewPool(4, d.dial, nil)
	defer pool.Close()

	for i := 0; i < 3; i++ {
		err := pool.WithSession(context.Background(), func(s Session) error {
			assert.Equal(t, 1, s.(*stubSession).id)
			return nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, d.count())
}

func TestPoolMinimumSize(t *testing.T) {
	pool := NewPool(1, (&stubDialer{}).dial, nil)
	assert.Equal(t, MinPoolSize, pool.Size())
}

func TestPoolDiscardsAfterConnectionError(t *testing.T) {
	d := &stubDialer{}
	pool := NewPool(2, d.dial, nil)
	defer pool.Close()

	err := pool.WithSession(context.Background(), func(s Session) error {
		return io.EOF
	})
	assert.ErrorIs(t, err, io.EOF)
	require.Equal(t, 1, d.count())
	assert.Equal(t, int32(1), atomic.LoadInt32(&d.sessions[0].closed))

	// 普通错误不丢弃会话
	appErr := errors.New("message too large")
	err = pool.WithSession(context.Background(), func(s Session) error {
		return appErr
	})
	assert.ErrorIs(t, err, appErr)
	require.Equal(t, 2, d.count())
	assert.Zero(t, atomic.LoadInt32(&d.sessions[1].closed))

	require.NoError(t, pool.WithSession(context.Background(), func(s Session) error { return nil }))
	assert.Equal(t, 2, d.count())
}

func TestPoolDialError(t *testing.T) {
	authErr := NewAuthError("imap.example.com", errors.New("[AUTHENTICATIONFAILED] Invalid credentials"))
	pool := NewPool(2, (&stubDialer{err: authErr}).dial, nil)
	defer pool.Close()

	called := false
	err := pool.WithSession(context.Background(), func(s Session) error {
		called = true
		return nil
	})
	assert.False(t, called)
	assert.True(t, IsAuthError(err))
}

func TestPoolBoundsConcurrency(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := &stubDialer{}
	pool := NewPool(2, d.dial, nil)
	defer pool.Close()

	var active, maxActive int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := pool.WithSession(context.Background(), func(s Session) error {
				n := atomic.AddInt32(&active, 1)
				for {
					m := atomic.LoadInt32(&maxActive)
					if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&maxActive), int32(2))
	assert.LessOrEqual(t, d.count(), 2)
}

func TestPoolWaitHonorsContext(t *testing.T) {
	pool := NewPool(2, (&stubDialer{}).dial, nil)
	defer pool.Close()

	release := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		started := make(chan struct{})
		go func() {
			defer wg.Done()
			pool.WithSession(context.Background(), func(s Session) error {
				close(started)
				<-release
				return nil
			})
		}()
		<-started
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.WithSession(ctx, func(s Session) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	wg.Wait()
}

func TestPoolClose(t *testing.T) {
	d := &stubDialer{}
	pool := NewPool(2, d.dial, nil)

	require.NoError(t, pool.WithSession(context.Background(), func(s Session) error { return nil }))
	require.NoError(t, pool.Close())
	assert.Equal(t, int32(1), atomic.LoadInt32(&d.sessions[0].closed))

	err := pool.WithSession(context.Background(), func(s Session) error { return nil })
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPoolDropsStaleIdleSession(t *testing.T) {
	d := &stubDialer{}
	pool := NewPool(2, d.dial, nil)
	pool.maxIdle = time.Millisecond
	defer pool.Close()

	require.NoError(t, pool.WithSession(context.Background(), func(s Session) error { return nil }))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, pool.WithSession(context.Background(), func(s Session) error {
		assert.Equal(t, 2, s.(*stubSession).id)
		return nil
	}))
	assert.Equal(t, int32(1), atomic.LoadInt32(&d.sessions[0].closed))
}
