package models

import (
	"net/url"
	"strconv"
	"time"
)

// 账户提供商
const (
	ProviderGmail = "gmail"
	ProviderIMAP  = "imap"
)

// 认证方式
const (
	AuthMethodPassword = "password"
	AuthMethodOAuth2   = "oauth2"
)

// 账户同步状态
const (
	SyncStateRunning = "running"
	SyncStateStopped = "stopped"
	SyncStateInvalid = "invalid"
)

// Account 邮件账户
type Account struct {
	BaseModel
	Email      string `gorm:"column:email;not null;size:255;uniqueIndex" json:"email"`
	Provider   string `gorm:"column:provider;not null;size:20" json:"provider"`
	AuthMethod string `gorm:"column:auth_method;not null;size:20" json:"auth_method"`

	IMAPHost     string `gorm:"column:imap_host;size:255" json:"imap_host"`
	IMAPPort     int    `gorm:"column:imap_port;default:993" json:"imap_port"`
	IMAPSecurity string `gorm:"column:imap_security;size:20;default:SSL" json:"imap_security"` // SSL, TLS, STARTTLS, NONE

	// 凭据以secretbox密文保存
	Username           string `gorm:"column:username;size:255" json:"username"`
	PasswordCipher     []byte `gorm:"column:password_cipher" json:"-"`
	RefreshTokenCipher []byte `gorm:"column:refresh_token_cipher" json:"-"`

	ProxyURL string `gorm:"column:proxy_url;size:500" json:"proxy_url,omitempty"`

	SupportsCondstore bool       `gorm:"column:supports_condstore;not null;default:false" json:"supports_condstore"`
	Throttled         bool       `gorm:"column:throttled;not null;default:false" json:"throttled"`
	SyncEnabled       bool       `gorm:"column:sync_enabled;not null;default:true" json:"sync_enabled"`
	SyncState         string     `gorm:"column:sync_state;size:20;default:stopped" json:"sync_state"`
	SyncError         string     `gorm:"column:sync_error;type:text" json:"sync_error,omitempty"`
	LastSyncAt        *time.Time `gorm:"column:last_sync_at" json:"last_sync_at,omitempty"`

	Namespace *Namespace `gorm:"foreignKey:AccountID" json:"namespace,omitempty"`
	Folders   []Folder   `gorm:"foreignKey:AccountID" json:"folders,omitempty"`
}

// TableName 指定表名
func (Account) TableName() string {
	return "accounts"
}

// IsGmail 是否为Gmail账户
func (a *Account) IsGmail() bool {
	return a.Provider == ProviderGmail
}

// ProxyConfigData 代理配置
type ProxyConfigData struct {
	Type     string `json:"type"` // none, http, socks5
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// GetProxyConfig 解析账户的代理URL
func (a *Account) GetProxyConfig() *ProxyConfigData {
	if a.ProxyURL == "" {
		return &ProxyConfigData{Type: "none"}
	}

	u, err := url.Parse(a.ProxyURL)
	if err != nil {
		return &ProxyConfigData{Type: "none"}
	}

	config := &ProxyConfigData{
		Type: u.Scheme,
		Host: u.Hostname(),
	}
	if port := u.Port(); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Port = p
		}
	}
	if u.User != nil {
		config.Username = u.User.Username()
		if password, ok := u.User.Password(); ok {
			config.Password = password
		}
	}

	return config
}

// Namespace 命名空间，消息和会话按命名空间隔离
type Namespace struct {
	BaseModel
	PublicID  string `gorm:"column:public_id;not null;size:36;uniqueIndex" json:"public_id"`
	AccountID uint   `gorm:"column:account_id;not null;uniqueIndex" json:"account_id"`
}

// TableName 指定表名
func (Namespace) TableName() string {
	return "namespaces"
}
