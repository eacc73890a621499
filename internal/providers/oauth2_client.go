package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/oauth2"
)

// Google OAuth2端点
var GoogleEndpoint = oauth2.Endpoint{
	AuthURL:   "https://accounts.google.com/o/oauth2/auth",
	TokenURL:  "https://oauth2.googleapis.com/token",
	AuthStyle: oauth2.AuthStyleInParams,
}

// GmailScope IMAP访问Gmail所需的scope
const GmailScope = "https://mail.google.com/"

// OAuth2Auth SASL XOAUTH2认证器
type OAuth2Auth struct {
	Username string
	Token    string
}

// Start 开始OAuth2认证
// 格式: "user=" + userName + "^Aauth=Bearer " + accessToken + "^A^A"
func (a *OAuth2Auth) Start() (string, []byte, error) {
	authString := fmt.Sprintf("user=%s\x01auth=Bearer %s\x01\x01", a.Username, a.Token)
	return "XOAUTH2", []byte(authString), nil
}

// Next 服务器返回挑战时（通常是错误详情）回复空响应结束认证
func (a *OAuth2Auth) Next(challenge []byte) ([]byte, error) {
	return nil, nil
}

// RefreshTokenSource 使用refresh token获取访问令牌，令牌在过期前复用
type RefreshTokenSource struct {
	config       *oauth2.Config
	refreshToken string
	httpClient   *http.Client

	mu  sync.Mutex
	src oauth2.TokenSource
}

// NewRefreshTokenSource 创建令牌来源。httpClient可为nil
func NewRefreshTokenSource(clientID, clientSecret string, endpoint oauth2.Endpoint, refreshToken string, httpClient *http.Client) *RefreshTokenSource {
	return &RefreshTokenSource{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     endpoint,
			Scopes:       []string{GmailScope},
		},
		refreshToken: refreshToken,
		httpClient:   httpClient,
	}
}

// AccessToken 获取有效的访问令牌
func (s *RefreshTokenSource) AccessToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.src == nil {
		// oauth2使用context中的HTTP客户端，令牌来源生命周期内一直有效
		base := context.Background()
		if s.httpClient != nil {
			base = context.WithValue(base, oauth2.HTTPClient, s.httpClient)
		}
		s.src = oauth2.ReuseTokenSource(nil, s.config.TokenSource(base, &oauth2.Token{RefreshToken: s.refreshToken}))
	}
	src := s.src
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}

	token, err := src.Token()
	if err != nil {
		// 只有令牌端点明确拒绝才视为认证失败，网络错误按连接错误重试
		var re *oauth2.RetrieveError
		if !errors.As(err, &re) || (re.Response != nil && re.Response.StatusCode >= http.StatusInternalServerError) {
			return "", fmt.Errorf("failed to refresh access token: %w", err)
		}
		return "", &ProviderError{
			Type:     ErrorTypeOAuth2,
			Code:     "OAUTH2",
			Message:  fmt.Sprintf("failed to refresh access token: %v", err),
			Severity: SeverityHigh,
			Cause:    err,
		}
	}
	return token.AccessToken, nil
}

// StaticToken 固定访问令牌
type StaticToken string

// AccessToken 返回固定令牌
func (t StaticToken) AccessToken(ctx context.Context) (string, error) {
	return string(t), nil
}
