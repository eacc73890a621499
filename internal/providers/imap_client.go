package providers

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/commands"
	"github.com/emersion/go-imap/responses"
	"github.com/emersion/go-imap/utf7"
	"github.com/sirupsen/logrus"

	"mailsync/internal/proxy"
)

// Gmail扩展的FETCH项
const (
	fetchGMsgID  imap.FetchItem = "X-GM-MSGID"
	fetchGThrID  imap.FetchItem = "X-GM-THRID"
	fetchGLabels imap.FetchItem = "X-GM-LABELS"
	fetchModSeq  imap.FetchItem = "MODSEQ"

	codeHighestModSeq imap.StatusRespCode = "HIGHESTMODSEQ"
	codeNoModSeq      imap.StatusRespCode = "NOMODSEQ"
)

// imapSession 基于go-imap v1客户端的Session实现
type imapSession struct {
	client   *client.Client
	caps     Capabilities
	provider string
	logger   *logrus.Entry

	updates   chan client.Update
	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Dial 连接并认证IMAP服务器
func Dial(ctx context.Context, config IMAPClientConfig) (Session, error) {
	if config.DialTimeout <= 0 {
		config.DialTimeout = 30 * time.Second
	}
	addr := net.JoinHostPort(config.Host, strconv.Itoa(config.Port))
	logger := logrus.WithFields(logrus.Fields{"host": config.Host, "username": config.Username})

	proxyConfig := config.ProxyConfig
	if proxyConfig != nil {
		copied := *proxyConfig
		copied.Timeout = config.DialTimeout
		proxyConfig = &copied
		logger.WithFields(logrus.Fields{"proxy_type": proxyConfig.Type, "proxy_host": proxyConfig.Host}).Debug("IMAP connecting via proxy")
	}
	dialer, err := proxy.CreateDialer(proxyConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create dialer: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, config.DialTimeout)
	defer cancel()

	var imapClient *client.Client
	tlsConfig := &tls.Config{ServerName: config.Host}

	switch strings.ToUpper(config.Security) {
	case "SSL", "TLS", "":
		conn, err := dialTLS(dialCtx, dialer, addr, tlsConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to IMAP server with TLS: %w", err)
		}
		imapClient, err = client.New(conn)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create IMAP client: %w", err)
		}

	case "STARTTLS":
		conn, err := dialer.DialContext(dialCtx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to IMAP server: %w", err)
		}
		imapClient, err = client.New(conn)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create IMAP client: %w", err)
		}
		if err := imapClient.StartTLS(tlsConfig); err != nil {
			imapClient.Terminate()
			return nil, fmt.Errorf("failed to start TLS: %w", err)
		}

	case "NONE":
		conn, err := dialer.DialContext(dialCtx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to IMAP server: %w", err)
		}
		imapClient, err = client.New(conn)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create IMAP client: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported security type: %s", config.Security)
	}

	if config.IOTimeout > 0 {
		imapClient.Timeout = config.IOTimeout
	}

	s := &imapSession{
		client:  imapClient,
		logger:  logger,
		updates: make(chan client.Update, 64),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	imapClient.Updates = s.updates
	go s.drainUpdates()

	if err := s.authenticate(ctx, config); err != nil {
		s.Close()
		return nil, err
	}

	if err := s.loadCapabilities(); err != nil {
		s.Close()
		return nil, err
	}

	s.provider = "imap"
	if s.caps.Gmail {
		s.provider = "gmail"
	}
	logger.WithFields(logrus.Fields{"condstore": s.caps.Condstore, "gmail": s.caps.Gmail, "idle": s.caps.Idle}).Debug("IMAP session established")
	return s, nil
}

// dialTLS 通过拨号器建立TLS连接
func dialTLS(ctx context.Context, dialer proxy.ContextDialer, addr string, tlsConfig *tls.Config) (net.Conn, error) {
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	tlsConn := tls.Client(conn, tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return tlsConn, nil
}

// authenticate 密码或XOAUTH2认证
func (s *imapSession) authenticate(ctx context.Context, config IMAPClientConfig) error {
	var err error
	if config.TokenSource != nil {
		token, tokenErr := config.TokenSource.AccessToken(ctx)
		if tokenErr != nil {
			return tokenErr
		}
		err = s.client.Authenticate(&OAuth2Auth{Username: config.Username, Token: token})
	} else {
		err = s.client.Login(config.Username, config.Password)
	}
	if err == nil {
		return nil
	}

	// 认证过程中断开连接不是凭据问题
	if IsConnectionError(err) {
		return fmt.Errorf("IMAP authentication interrupted: %w", err)
	}
	return NewAuthError(config.Host, err)
}

func (s *imapSession) loadCapabilities() error {
	caps, err := s.client.Capability()
	if err != nil {
		return fmt.Errorf("failed to load capabilities: %w", err)
	}
	s.caps = Capabilities{
		Condstore: caps["CONDSTORE"],
		Gmail:     caps["X-GM-EXT-1"],
		Idle:      caps["IDLE"],
	}
	return nil
}

// drainUpdates 持续读取服务器的主动推送，避免阻塞go-imap的读循环；
// 邮箱变化合并为一个通知供Idle使用
func (s *imapSession) drainUpdates() {
	for {
		select {
		case <-s.done:
			return
		case u := <-s.updates:
			switch u.(type) {
			case *client.MailboxUpdate, *client.ExpungeUpdate, *client.MessageUpdate:
				select {
				case s.notify <- struct{}{}:
				default:
				}
			}
		}
	}
}

// Capabilities 服务器能力
func (s *imapSession) Capabilities() Capabilities {
	return s.caps
}

// ListFolders 列出文件夹
func (s *imapSession) ListFolders(ctx context.Context) ([]FolderInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mailboxes := make(chan *imap.MailboxInfo, 10)
	done := make(chan error, 1)
	go func() {
		done <- s.client.List("", "*", mailboxes)
	}()

	var folders []FolderInfo
	for m := range mailboxes {
		folders = append(folders, FolderInfo{
			Name:         m.Name,
			Delimiter:    m.Delimiter,
			Attributes:   m.Attributes,
			Role:         DetectFolderRole(m.Name, m.Attributes),
			IsSelectable: !hasAttribute(m.Attributes, imap.NoSelectAttr),
		})
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	return folders, nil
}

// SelectFolder 选择文件夹，支持CONDSTORE时用 SELECT (CONDSTORE) 取得HIGHESTMODSEQ
func (s *imapSession) SelectFolder(ctx context.Context, name string) (*FolderStatus, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		mbox          *imap.MailboxStatus
		highestModSeq uint64
		err           error
	)
	if s.caps.Condstore {
		mbox, highestModSeq, err = s.selectCondstore(name)
	} else {
		mbox, err = s.client.Select(name, false)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select folder %s: %w", name, err)
	}

	return &FolderStatus{
		Name:          name,
		UIDValidity:   mbox.UidValidity,
		UIDNext:       mbox.UidNext,
		Exists:        mbox.Messages,
		HighestModSeq: highestModSeq,
	}, nil
}

// selectCondstore 执行 SELECT <name> (CONDSTORE)，从 [HIGHESTMODSEQ n] 响应码读取modseq
func (s *imapSession) selectCondstore(name string) (*imap.MailboxStatus, uint64, error) {
	mbox := &imap.MailboxStatus{Name: name, Items: make(map[imap.StatusItem]interface{})}
	handler := &condstoreSelectHandler{Select: responses.Select{Mailbox: mbox}}

	// EXISTS由客户端的主动推送处理器写入当前邮箱
	s.client.SetState(s.client.State(), mbox)
	status, err := s.client.Execute(&condstoreSelect{Select: commands.Select{Mailbox: name}}, handler)
	if err == nil {
		err = status.Err()
	}
	if err != nil {
		s.client.SetState(imap.AuthenticatedState, nil)
		return nil, 0, err
	}

	mbox.ReadOnly = status.Code == imap.CodeReadOnly
	s.client.SetState(imap.SelectedState, mbox)
	return mbox, handler.highestModSeq, nil
}

// condstoreSelect 带CONDSTORE参数的SELECT命令
type condstoreSelect struct {
	commands.Select
}

func (cmd *condstoreSelect) Command() *imap.Command {
	c := cmd.Select.Command()
	c.Arguments = append(c.Arguments, []interface{}{imap.RawString("CONDSTORE")})
	return c
}

// condstoreSelectHandler 在标准SELECT响应之外解析 * OK [HIGHESTMODSEQ n] 和 [NOMODSEQ]
type condstoreSelectHandler struct {
	responses.Select
	highestModSeq uint64
}

func (h *condstoreSelectHandler) Handle(resp imap.Resp) error {
	if st, ok := resp.(*imap.StatusResp); ok && st.Tag == "*" {
		switch st.Code {
		case codeHighestModSeq:
			if len(st.Arguments) < 1 {
				return responses.ErrUnhandled
			}
			h.highestModSeq = parseUint64(st.Arguments[0])
			return nil
		case codeNoModSeq:
			h.highestModSeq = 0
			return nil
		}
	}
	return h.Select.Handle(resp)
}

// AllUIDs 当前文件夹的全部UID，升序
func (s *imapSession) AllUIDs(ctx context.Context) ([]uint32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	uids, err := s.client.UidSearch(imap.NewSearchCriteria())
	if err != nil {
		return nil, fmt.Errorf("failed to search uids: %w", err)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

// UIDsChangedSince 返回MODSEQ大于modseq的UID（新增和变更的都包含）
func (s *imapSession) UIDsChangedSince(ctx context.Context, modseq uint64) ([]uint32, error) {
	return s.uidSearchRaw(ctx, "MODSEQ", modseq)
}

// ExpandThread 返回Gmail会话的全部UID
func (s *imapSession) ExpandThread(ctx context.Context, gthrid uint64) ([]uint32, error) {
	if !s.caps.Gmail {
		return nil, fmt.Errorf("server does not support X-GM-EXT-1")
	}
	return s.uidSearchRaw(ctx, "X-GM-THRID", gthrid)
}

// uidSearchRaw 执行go-imap不直接支持的 UID SEARCH <key> <n>
func (s *imapSession) uidSearchRaw(ctx context.Context, key string, n uint64) ([]uint32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := &imap.Command{
		Name: "UID SEARCH",
		Arguments: []interface{}{
			imap.RawString(key),
			imap.RawString(strconv.FormatUint(n, 10)),
		},
	}
	handler := &searchHandler{}
	status, err := s.client.Execute(cmd, handler)
	if err == nil {
		err = status.Err()
	}
	if err != nil {
		return nil, fmt.Errorf("UID SEARCH %s %d failed: %w", key, n, err)
	}

	sort.Slice(handler.uids, func(i, j int) bool { return handler.uids[i] < handler.uids[j] })
	return handler.uids, nil
}

// searchHandler 解析 * SEARCH 响应，忽略CONDSTORE附加的 (MODSEQ n)
type searchHandler struct {
	uids []uint32
}

func (h *searchHandler) Handle(resp imap.Resp) error {
	name, fields, ok := imap.ParseNamedResp(resp)
	if !ok || name != "SEARCH" {
		return responses.ErrUnhandled
	}

	for _, f := range fields {
		if _, isList := f.([]interface{}); isList {
			continue
		}
		uid, err := imap.ParseNumber(f)
		if err != nil {
			return err
		}
		h.uids = append(h.uids, uid)
	}
	return nil
}

// FetchMetadata 获取标志、Gmail标识和标签
func (s *imapSession) FetchMetadata(ctx context.Context, uids []uint32) ([]MessageMeta, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []MessageMeta
	err := s.fetch(uids, s.metadataItems(), func(msg *imap.Message) error {
		out = append(out, s.parseMeta(msg))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FetchBodies 获取完整邮件，不设置\Seen
func (s *imapSession) FetchBodies(ctx context.Context, uids []uint32) ([]RawMessage, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	section := &imap.BodySectionName{Peek: true}
	items := append(s.metadataItems(), section.FetchItem())

	var out []RawMessage
	err := s.fetch(uids, items, func(msg *imap.Message) error {
		raw := RawMessage{MessageMeta: s.parseMeta(msg)}
		if body := msg.GetBody(&imap.BodySectionName{}); body != nil {
			data, err := io.ReadAll(body)
			if err != nil {
				return fmt.Errorf("failed to read body of uid %d: %w", msg.Uid, err)
			}
			raw.Body = data
		}
		out = append(out, raw)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *imapSession) metadataItems() []imap.FetchItem {
	items := []imap.FetchItem{imap.FetchUid, imap.FetchFlags, imap.FetchRFC822Size, imap.FetchInternalDate}
	if s.caps.Condstore {
		items = append(items, fetchModSeq)
	}
	if s.caps.Gmail {
		items = append(items, fetchGMsgID, fetchGThrID, fetchGLabels)
	}
	return items
}

// fetch 执行UID FETCH，消费完所有响应后再返回错误
func (s *imapSession) fetch(uids []uint32, items []imap.FetchItem, fn func(*imap.Message) error) error {
	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- s.client.UidFetch(seqSet, items, messages)
	}()

	var fnErr error
	for msg := range messages {
		if fnErr != nil {
			continue
		}
		fnErr = fn(msg)
	}

	if err := <-done; err != nil {
		return fmt.Errorf("failed to fetch %d uids: %w", len(uids), err)
	}
	return fnErr
}

func (s *imapSession) parseMeta(msg *imap.Message) MessageMeta {
	meta := MessageMeta{
		UID:          msg.Uid,
		Flags:        msg.Flags,
		Size:         msg.Size,
		InternalDate: msg.InternalDate,
	}
	parseExtensionItems(msg.Items, &meta, s.logger)
	return meta
}

// parseExtensionItems 解析X-GM-*和MODSEQ。go-imap把未知FETCH项原样放在Items中
func parseExtensionItems(items map[imap.FetchItem]interface{}, meta *MessageMeta, logger *logrus.Entry) {
	if v, ok := items[fetchGMsgID]; ok {
		meta.GMsgID = parseUint64(v)
	}
	if v, ok := items[fetchGThrID]; ok {
		meta.GThrID = parseUint64(v)
	}
	if v, ok := items[fetchModSeq]; ok {
		if list, ok := v.([]interface{}); ok && len(list) == 1 {
			meta.ModSeq = parseUint64(list[0])
		}
	}
	if v, ok := items[fetchGLabels]; ok {
		list, _ := v.([]interface{})
		meta.Labels = make([]string, 0, len(list))
		for _, l := range list {
			label := fmt.Sprint(l)
			if decoded, err := utf7.Encoding.NewDecoder().String(label); err == nil {
				label = decoded
			} else if logger != nil {
				logger.WithError(err).WithField("label", label).Debug("Label is not modified UTF-7")
			}
			meta.Labels = append(meta.Labels, label)
		}
	}
}

// StoreFlags 添加或移除标志
func (s *imapSession) StoreFlags(ctx context.Context, uids []uint32, flags []string, add bool) error {
	if len(uids) == 0 || len(flags) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	values := make([]interface{}, len(flags))
	for i, f := range flags {
		values[i] = f
	}
	if err := s.client.UidStore(seqSet, flagsStoreItem(add), values, nil); err != nil {
		return fmt.Errorf("failed to store flags: %w", err)
	}
	return nil
}

func flagsStoreItem(add bool) imap.StoreItem {
	op := imap.FlagsOp(imap.RemoveFlags)
	if add {
		op = imap.AddFlags
	}
	return imap.FormatFlagsOp(op, true)
}

// StoreLabels 添加或移除Gmail标签
func (s *imapSession) StoreLabels(ctx context.Context, uids []uint32, labels []string, add bool) error {
	if len(uids) == 0 || len(labels) == 0 {
		return nil
	}
	if !s.caps.Gmail {
		return fmt.Errorf("server does not support X-GM-EXT-1")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uids...)

	item := "-X-GM-LABELS.SILENT"
	if add {
		item = "+X-GM-LABELS.SILENT"
	}

	values := make([]interface{}, len(labels))
	for i, l := range labels {
		encoded, err := utf7.Encoding.NewEncoder().String(l)
		if err != nil {
			return fmt.Errorf("failed to encode label %q: %w", l, err)
		}
		values[i] = encoded
	}

	cmd := &imap.Command{
		Name:      "UID STORE",
		Arguments: []interface{}{seqSet, imap.RawString(item), values},
	}
	status, err := s.client.Execute(cmd, nil)
	if err == nil {
		err = status.Err()
	}
	if err != nil {
		return fmt.Errorf("failed to store labels: %w", err)
	}
	return nil
}

// Idle 有限时长的IDLE。服务器不支持IDLE时退化为等待
func (s *imapSession) Idle(ctx context.Context, timeout time.Duration) (bool, error) {
	// 丢弃之前命令产生的通知
	select {
	case <-s.notify:
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	if !s.caps.Idle {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
			return false, nil
		}
	}

	stop := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.client.Idle(stop, nil)
	}()

	changed := false
	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-s.notify:
		changed = true
	case err := <-errCh:
		return false, fmt.Errorf("IDLE failed: %w", err)
	}

	close(stop)
	err := <-errCh
	if ctx.Err() != nil {
		return changed, ctx.Err()
	}
	if err != nil {
		return changed, fmt.Errorf("IDLE failed: %w", err)
	}
	return changed, nil
}

// Close 登出并关闭连接
func (s *imapSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if logoutErr := s.client.Logout(); logoutErr != nil {
			err = s.client.Terminate()
		}
		close(s.done)
	})
	return err
}

func hasAttribute(attrs []string, attr string) bool {
	for _, a := range attrs {
		if strings.EqualFold(a, attr) {
			return true
		}
	}
	return false
}

func parseUint64(v interface{}) uint64 {
	n, err := strconv.ParseUint(fmt.Sprint(v), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
