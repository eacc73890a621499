package mailsync_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"mailsync/internal/providers"
)

// fakeMessage 内存IMAP服务器中的一封邮件
type fakeMessage struct {
	gmsgid  uint64
	gthrid  uint64
	subject string
	flags   []string
	labels  []string
	modseq  uint64
}

type fakeFolder struct {
	role        string
	uidValidity uint32
	uidNext     uint32
	modseq      uint64
	msgs        map[uint32]*fakeMessage
}

// fakeServer 内存IMAP服务器，所有会话共享
type fakeServer struct {
	mu      sync.Mutex
	caps    providers.Capabilities
	folders map[string]*fakeFolder
	order   []string
	authErr error

	bodyCalls    [][]uint32
	changedCalls int

	// blockAfter 大于0时，获取正文达到该数量后FetchBodies阻塞直到ctx取消
	blockAfter int
	blocked    bool
}

func newFakeServer(caps providers.Capabilities) *fakeServer {
	return &fakeServer{caps: caps, folders: make(map[string]*fakeFolder)}
}

func (s *fakeServer) addFolder(name, role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.folders[name] = &fakeFolder{role: role, uidValidity: 1, uidNext: 1, modseq: 1, msgs: make(map[uint32]*fakeMessage)}
	s.order = append(s.order, name)
}

func (s *fakeServer) deleteFolder(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.folders, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *fakeServer) add(folder string, m fakeMessage) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.folders[folder]
	uid := f.uidNext
	f.uidNext++
	f.modseq++
	m.modseq = f.modseq
	f.msgs[uid] = &m
	return uid
}

func (s *fakeServer) remove(folder string, uid uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.folders[folder]
	delete(f.msgs, uid)
	f.modseq++
}

func (s *fakeServer) setFlags(folder string, uid uint32, flags ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.folders[folder]
	f.modseq++
	f.msgs[uid].flags = flags
	f.msgs[uid].modseq = f.modseq
}

func (s *fakeServer) setModSeq(folder string, modseq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.folders[folder].modseq = modseq
}

// renumber 模拟UIDVALIDITY变化：所有邮件获得新的UID
func (s *fakeServer) renumber(folder string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.folders[folder]
	f.uidValidity++
	f.modseq++
	uids := sortedUIDs(f.msgs)
	msgs := make(map[uint32]*fakeMessage, len(f.msgs))
	for _, uid := range uids {
		msgs[f.uidNext] = f.msgs[uid]
		f.uidNext++
	}
	f.msgs = msgs
}

func (s *fakeServer) currentModSeq(folder string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.folders[folder].modseq
}

func (s *fakeServer) uids(folder string) []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedUIDs(s.folders[folder].msgs)
}

func (s *fakeServer) bodyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.bodyCalls {
		n += len(c)
	}
	return n
}

func (s *fakeServer) fetchCalls() [][]uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]uint32(nil), s.bodyCalls...)
}

func (s *fakeServer) isBlocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.blocked
}

func (s *fakeServer) setAuthErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authErr = err
}

func sortedUIDs(msgs map[uint32]*fakeMessage) []uint32 {
	uids := make([]uint32, 0, len(msgs))
	for uid := range msgs {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids
}

// fakeSession 实现providers.Session
type fakeSession struct {
	srv      *fakeServer
	selected string
}

func (c *fakeSession) Capabilities() providers.Capabilities {
	return c.srv.caps
}

func (c *fakeSession) ListFolders(ctx context.Context) ([]providers.FolderInfo, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	out := make([]providers.FolderInfo, 0, len(c.srv.order))
	for _, name := range c.srv.order {
		out = append(out, providers.FolderInfo{
			Name:         name,
			Delimiter:    "/",
			Role:         c.srv.folders[name].role,
			IsSelectable: true,
		})
	}
	return out, nil
}

func (c *fakeSession) SelectFolder(ctx context.Context, name string) (*providers.FolderStatus, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	f, ok := c.srv.folders[name]
	if !ok {
		return nil, fmt.Errorf("NO [NONEXISTENT] Unknown Mailbox: %s", name)
	}
	c.selected = name
	status := &providers.FolderStatus{
		Name:        name,
		UIDValidity: f.uidValidity,
		UIDNext:     f.uidNext,
		Exists:      uint32(len(f.msgs)),
	}
	if c.srv.caps.Condstore {
		status.HighestModSeq = f.modseq
	}
	return status, nil
}

// folder 调用方持有srv.mu
func (c *fakeSession) folder() (*fakeFolder, error) {
	f, ok := c.srv.folders[c.selected]
	if !ok {
		return nil, errors.New("NO [NONEXISTENT] mailbox does not exist")
	}
	return f, nil
}

func (c *fakeSession) AllUIDs(ctx context.Context) ([]uint32, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	f, err := c.folder()
	if err != nil {
		return nil, err
	}
	return sortedUIDs(f.msgs), nil
}

func (c *fakeSession) UIDsChangedSince(ctx context.Context, modseq uint64) ([]uint32, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	c.srv.changedCalls++
	f, err := c.folder()
	if err != nil {
		return nil, err
	}
	var out []uint32
	for _, uid := range sortedUIDs(f.msgs) {
		if f.msgs[uid].modseq > modseq {
			out = append(out, uid)
		}
	}
	return out, nil
}

func (c *fakeSession) ExpandThread(ctx context.Context, gthrid uint64) ([]uint32, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	f, err := c.folder()
	if err != nil {
		return nil, err
	}
	var out []uint32
	for _, uid := range sortedUIDs(f.msgs) {
		if f.msgs[uid].gthrid == gthrid {
			out = append(out, uid)
		}
	}
	return out, nil
}

func (c *fakeSession) FetchMetadata(ctx context.Context, uids []uint32) ([]providers.MessageMeta, error) {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	f, err := c.folder()
	if err != nil {
		return nil, err
	}
	var out []providers.MessageMeta
	for _, uid := range uids {
		if m, ok := f.msgs[uid]; ok {
			out = append(out, metaOf(uid, m))
		}
	}
	return out, nil
}

func (c *fakeSession) FetchBodies(ctx context.Context, uids []uint32) ([]providers.RawMessage, error) {
	c.srv.mu.Lock()
	if c.srv.blockAfter > 0 && c.srv.bodyCountLocked() >= c.srv.blockAfter {
		c.srv.blocked = true
		c.srv.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	defer c.srv.mu.Unlock()

	f, err := c.folder()
	if err != nil {
		return nil, err
	}
	c.srv.bodyCalls = append(c.srv.bodyCalls, append([]uint32(nil), uids...))
	var out []providers.RawMessage
	for _, uid := range uids {
		if m, ok := f.msgs[uid]; ok {
			out = append(out, providers.RawMessage{MessageMeta: metaOf(uid, m), Body: fakeBody(uid, m)})
		}
	}
	return out, nil
}

func (s *fakeServer) bodyCountLocked() int {
	n := 0
	for _, c := range s.bodyCalls {
		n += len(c)
	}
	return n
}

func (c *fakeSession) StoreFlags(ctx context.Context, uids []uint32, flags []string, add bool) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	f, err := c.folder()
	if err != nil {
		return err
	}
	for _, uid := range uids {
		if m, ok := f.msgs[uid]; ok {
			m.flags = applyList(m.flags, flags, add)
			f.modseq++
			m.modseq = f.modseq
		}
	}
	return nil
}

func (c *fakeSession) StoreLabels(ctx context.Context, uids []uint32, labels []string, add bool) error {
	c.srv.mu.Lock()
	defer c.srv.mu.Unlock()
	f, err := c.folder()
	if err != nil {
		return err
	}
	for _, uid := range uids {
		if m, ok := f.msgs[uid]; ok {
			m.labels = applyList(m.labels, labels, add)
			f.modseq++
			m.modseq = f.modseq
		}
	}
	return nil
}

func (c *fakeSession) Idle(ctx context.Context, timeout time.Duration) (bool, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-t.C:
		return false, nil
	}
}

func (c *fakeSession) Close() error {
	return nil
}

func applyList(list, values []string, add bool) []string {
	out := make([]string, 0, len(list)+len(values))
	drop := make(map[string]bool, len(values))
	for _, v := range values {
		drop[v] = true
	}
	for _, v := range list {
		if !drop[v] {
			out = append(out, v)
		}
	}
	if add {
		out = append(out, values...)
	}
	return out
}

func metaOf(uid uint32, m *fakeMessage) providers.MessageMeta {
	return providers.MessageMeta{
		UID:          uid,
		Flags:        append([]string(nil), m.flags...),
		Labels:       append([]string(nil), m.labels...),
		GMsgID:       m.gmsgid,
		GThrID:       m.gthrid,
		ModSeq:       m.modseq,
		Size:         uint32(len(m.subject)),
		InternalDate: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func fakeBody(uid uint32, m *fakeMessage) []byte {
	return []byte(fmt.Sprintf("Message-ID: <%d.%d@example.com>\r\n"+
		"From: sender@example.com\r\n"+
		"To: user@example.com\r\n"+
		"Subject: %s\r\n"+
		"Date: Mon, 02 Jan 2006 15:04:05 +0000\r\n"+
		"Content-Type: text/plain; charset=utf-8\r\n"+
		"\r\n"+
		"body of %s\r\n", uid, m.gmsgid, m.subject, m.subject))
}

// fakePool 每次借出一个新会话
type fakePool struct {
	srv    *fakeServer
	closed atomic.Bool
}

func (p *fakePool) WithSession(ctx context.Context, fn func(providers.Session) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.srv.mu.Lock()
	authErr := p.srv.authErr
	p.srv.mu.Unlock()
	if authErr != nil {
		return authErr
	}
	return fn(&fakeSession{srv: p.srv})
}

func (p *fakePool) Close() error {
	p.closed.Store(true)
	return nil
}
