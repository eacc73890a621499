package providers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailsync/internal/config"
	"mailsync/internal/models"
	"mailsync/internal/secret"
)

func newTestFactory(t *testing.T) (*SessionFactory, *secret.Box) {
	t.Helper()
	key, err := secret.GenerateKey()
	require.NoError(t, err)
	box, err := secret.NewBox(key)
	require.NoError(t, err)

	cfg := config.Load()
	cfg.OAuth.Gmail.ClientID = "client-id"
	cfg.OAuth.Gmail.ClientSecret = "client-secret"
	cfg.Proxy = config.ProxyConfig{}
	return NewSessionFactory(cfg, box), box
}

func TestClientConfigFor(t *testing.T) {
	f, box := newTestFactory(t)

	t.Run("密码账户", func(t *testing.T) {
		cipher, err := box.Seal("app-password")
		require.NoError(t, err)
		account := &models.Account{
			Email:          "user@example.com",
			Provider:       models.ProviderIMAP,
			AuthMethod:     models.AuthMethodPassword,
			IMAPHost:       "imap.example.com",
			IMAPPort:       143,
			IMAPSecurity:   "STARTTLS",
			PasswordCipher: cipher,
		}

		cc, err := f.ClientConfigFor(account)
		require.NoError(t, err)
		assert.Equal(t, "imap.example.com", cc.Host)
		assert.Equal(t, 143, cc.Port)
		assert.Equal(t, "STARTTLS", cc.Security)
		assert.Equal(t, "user@example.com", cc.Username)
		assert.Equal(t, "app-password", cc.Password)
		assert.Nil(t, cc.TokenSource)
		assert.Nil(t, cc.ProxyConfig)
	})

	t.Run("按域名使用内置服务器", func(t *testing.T) {
		cipher, err := box.Seal("pw")
		require.NoError(t, err)
		account := &models.Account{
			Email:          "someone@qq.com",
			Provider:       models.ProviderIMAP,
			AuthMethod:     models.AuthMethodPassword,
			PasswordCipher: cipher,
		}

		cc, err := f.ClientConfigFor(account)
		require.NoError(t, err)
		assert.Equal(t, "imap.qq.com", cc.Host)
		assert.Equal(t, 993, cc.Port)
	})

	t.Run("未知域名", func(t *testing.T) {
		cipher, err := box.Seal("pw")
		require.NoError(t, err)
		_, err = f.ClientConfigFor(&models.Account{Email: "x@unknown.invalid", PasswordCipher: cipher})
		assert.Error(t, err)
	})

	t.Run("密文损坏是凭据错误", func(t *testing.T) {
		account := &models.Account{
			Email:          "user@example.com",
			IMAPHost:       "imap.example.com",
			AuthMethod:     models.AuthMethodPassword,
			PasswordCipher: []byte("garbage"),
		}
		_, err := f.ClientConfigFor(account)
		require.Error(t, err)
		assert.True(t, IsAuthError(err))
	})

	t.Run("OAuth2令牌来源按账户缓存", func(t *testing.T) {
		cipher, err := box.Seal("refresh-token")
		require.NoError(t, err)
		account := &models.Account{
			BaseModel:          models.BaseModel{ID: 7},
			Email:              "user@gmail.com",
			Provider:           models.ProviderGmail,
			AuthMethod:         models.AuthMethodOAuth2,
			RefreshTokenCipher: cipher,
		}

		first, err := f.ClientConfigFor(account)
		require.NoError(t, err)
		second, err := f.ClientConfigFor(account)
		require.NoError(t, err)
		assert.Equal(t, "imap.gmail.com", first.Host)
		assert.Same(t, first.TokenSource, second.TokenSource)

		f.Forget(7)
		third, err := f.ClientConfigFor(account)
		require.NoError(t, err)
		assert.NotSame(t, first.TokenSource, third.TokenSource)
	})

	t.Run("非Gmail账户不支持OAuth2", func(t *testing.T) {
		_, err := f.ClientConfigFor(&models.Account{
			BaseModel:  models.BaseModel{ID: 8},
			Email:      "user@example.com",
			IMAPHost:   "imap.example.com",
			Provider:   models.ProviderIMAP,
			AuthMethod: models.AuthMethodOAuth2,
		})
		assert.Error(t, err)
	})
}

func TestProxyFor(t *testing.T) {
	f, _ := newTestFactory(t)

	t.Run("账户代理优先", func(t *testing.T) {
		f.cfg.Proxy = config.ProxyConfig{Type: "http", Host: "global", Port: 3128}
		pc := f.proxyFor(&models.Account{ProxyURL: "socks5://u:p@127.0.0.1:1080"})
		require.NotNil(t, pc)
		assert.Equal(t, "socks5", pc.Type)
		assert.Equal(t, "127.0.0.1", pc.Host)
		assert.Equal(t, 1080, pc.Port)
		assert.Equal(t, "u", pc.Username)
		assert.Equal(t, "p", pc.Password)
	})

	t.Run("全局代理", func(t *testing.T) {
		f.cfg.Proxy = config.ProxyConfig{Type: "http", Host: "global", Port: 3128}
		pc := f.proxyFor(&models.Account{})
		require.NotNil(t, pc)
		assert.Equal(t, "global", pc.Host)
	})

	t.Run("无代理", func(t *testing.T) {
		f.cfg.Proxy = config.ProxyConfig{Type: "none"}
		assert.Nil(t, f.proxyFor(&models.Account{}))
	})
}

func TestPoolFor(t *testing.T) {
	f, box := newTestFactory(t)
	f.cfg.Sync.PoolSize = 3

	var dialed []IMAPClientConfig
	f.dial = func(ctx context.Context, cc IMAPClientConfig) (Session, error) {
		dialed = append(dialed, cc)
		return &stubSession{id: len(dialed)}, nil
	}

	cipher, err := box.Seal("pw")
	require.NoError(t, err)
	pool, err := f.PoolFor(&models.Account{
		Email:          "user@example.com",
		IMAPHost:       "imap.example.com",
		AuthMethod:     models.AuthMethodPassword,
		PasswordCipher: cipher,
	})
	require.NoError(t, err)
	defer pool.Close()

	assert.Equal(t, 3, pool.Size())
	require.NoError(t, pool.WithSession(context.Background(), func(s Session) error { return nil }))
	require.Len(t, dialed, 1)
	assert.Equal(t, "pw", dialed[0].Password)
}
