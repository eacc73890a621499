package providers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"mailsync/internal/config"
	"mailsync/internal/models"
	"mailsync/internal/proxy"
	"mailsync/internal/secret"
)

// SessionFactory 根据账户创建IMAP会话和会话池
type SessionFactory struct {
	cfg        *config.Config
	box        *secret.Box
	httpClient *http.Client
	dial       func(ctx context.Context, config IMAPClientConfig) (Session, error)

	mu     sync.Mutex
	tokens map[uint]*RefreshTokenSource
}

// NewSessionFactory 创建会话工厂
func NewSessionFactory(cfg *config.Config, box *secret.Box) *SessionFactory {
	return &SessionFactory{
		cfg:    cfg,
		box:    box,
		dial:   Dial,
		tokens: make(map[uint]*RefreshTokenSource),
	}
}

// ClientConfigFor 生成账户的连接配置，凭据在此解密
func (f *SessionFactory) ClientConfigFor(account *models.Account) (IMAPClientConfig, error) {
	clientConfig := IMAPClientConfig{
		Host:        account.IMAPHost,
		Port:        account.IMAPPort,
		Security:    account.IMAPSecurity,
		Username:    account.Username,
		DialTimeout: f.cfg.Sync.DialTimeout,
		IOTimeout:   f.cfg.Sync.IOTimeout,
		ProxyConfig: f.proxyFor(account),
	}
	if clientConfig.Username == "" {
		clientConfig.Username = account.Email
	}

	// 未配置服务器时按邮箱域名使用内置配置
	if clientConfig.Host == "" {
		preset := config.GetPresetByEmail(account.Email)
		if preset == nil {
			return IMAPClientConfig{}, fmt.Errorf("no IMAP server configured for %s", account.Email)
		}
		clientConfig.Host = preset.IMAPHost
		clientConfig.Port = preset.IMAPPort
		clientConfig.Security = preset.IMAPSecurity
	}
	if clientConfig.Port == 0 {
		clientConfig.Port = 993
	}

	switch account.AuthMethod {
	case models.AuthMethodOAuth2:
		src, err := f.tokenSource(account)
		if err != nil {
			return IMAPClientConfig{}, err
		}
		clientConfig.TokenSource = src

	case models.AuthMethodPassword, "":
		password, err := f.box.Open(account.PasswordCipher)
		if err != nil {
			return IMAPClientConfig{}, credentialsError(account, err)
		}
		if password == "" {
			return IMAPClientConfig{}, credentialsError(account, fmt.Errorf("password is empty"))
		}
		clientConfig.Password = password

	default:
		return IMAPClientConfig{}, fmt.Errorf("unsupported auth method: %s", account.AuthMethod)
	}

	return clientConfig, nil
}

// DialerFor 返回账户的拨号函数
func (f *SessionFactory) DialerFor(account *models.Account) (DialFunc, error) {
	clientConfig, err := f.ClientConfigFor(account)
	if err != nil {
		return nil, err
	}

	logger := logrus.WithFields(logrus.Fields{"account_id": account.ID, "host": clientConfig.Host})
	return func(ctx context.Context) (Session, error) {
		start := time.Now()
		session, err := f.dial(ctx, clientConfig)
		if err != nil {
			logger.WithError(err).Warn("Failed to open IMAP session")
			return nil, err
		}
		logger.WithField("duration", time.Since(start)).Debug("Opened IMAP session")
		return session, nil
	}, nil
}

// PoolFor 创建账户的会话池
func (f *SessionFactory) PoolFor(account *models.Account) (*Pool, error) {
	dial, err := f.DialerFor(account)
	if err != nil {
		return nil, err
	}
	return NewPool(f.cfg.Sync.PoolSize, dial, logrus.WithField("account_id", account.ID)), nil
}

// Forget 丢弃缓存的令牌来源，账户凭据变更或删除后调用
func (f *SessionFactory) Forget(accountID uint) {
	f.mu.Lock()
	delete(f.tokens, accountID)
	f.mu.Unlock()
}

func (f *SessionFactory) tokenSource(account *models.Account) (*RefreshTokenSource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if src, ok := f.tokens[account.ID]; ok {
		return src, nil
	}

	if !account.IsGmail() {
		return nil, fmt.Errorf("oauth2 is only supported for gmail accounts")
	}
	if f.cfg.OAuth.Gmail.ClientID == "" {
		return nil, fmt.Errorf("GMAIL_CLIENT_ID is not configured")
	}

	refreshToken, err := f.box.Open(account.RefreshTokenCipher)
	if err != nil {
		return nil, credentialsError(account, err)
	}
	if refreshToken == "" {
		return nil, credentialsError(account, fmt.Errorf("refresh token is empty"))
	}

	src := NewRefreshTokenSource(f.cfg.OAuth.Gmail.ClientID, f.cfg.OAuth.Gmail.ClientSecret, GoogleEndpoint, refreshToken, f.httpClient)
	f.tokens[account.ID] = src
	return src, nil
}

// proxyFor 账户代理优先，其次全局代理
func (f *SessionFactory) proxyFor(account *models.Account) *proxy.ProxyConfig {
	if data := account.GetProxyConfig(); data.Type != "" && data.Type != "none" {
		return &proxy.ProxyConfig{
			Type:     strings.ToLower(data.Type),
			Host:     data.Host,
			Port:     data.Port,
			Username: data.Username,
			Password: data.Password,
		}
	}

	global := f.cfg.Proxy
	if global.Type == "" || global.Type == "none" {
		return nil
	}
	return &proxy.ProxyConfig{
		Type:     global.Type,
		Host:     global.Host,
		Port:     global.Port,
		Username: global.Username,
		Password: global.Password,
	}
}

func credentialsError(account *models.Account, cause error) *ProviderError {
	return &ProviderError{
		Type:      ErrorTypeCredentials,
		Code:      "CREDENTIALS",
		Message:   fmt.Sprintf("failed to load credentials of %s: %v", account.Email, cause),
		Provider:  account.Provider,
		Severity:  SeverityHigh,
		Cause:     cause,
		Timestamp: time.Now(),
	}
}
