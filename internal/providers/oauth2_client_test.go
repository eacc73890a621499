package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func newTokenServer(t *testing.T, status int, body string) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "refresh-1", r.PostForm.Get("refresh_token"))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestRefreshTokenSource(t *testing.T) {
	t.Run("刷新并复用令牌", func(t *testing.T) {
		srv, calls := newTokenServer(t, http.StatusOK, `{"access_token":"ya29.abc","token_type":"Bearer","expires_in":3600}`)
		endpoint := oauth2.Endpoint{TokenURL: srv.URL, AuthStyle: oauth2.AuthStyleInParams}
		src := NewRefreshTokenSource("client", "secret", endpoint, "refresh-1", srv.Client())

		token, err := src.AccessToken(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "ya29.abc", token)

		token, err = src.AccessToken(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "ya29.abc", token)
		assert.Equal(t, int32(1), atomic.LoadInt32(calls))
	})

	t.Run("令牌被拒绝是认证错误", func(t *testing.T) {
		srv, _ := newTokenServer(t, http.StatusBadRequest, `{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`)
		endpoint := oauth2.Endpoint{TokenURL: srv.URL, AuthStyle: oauth2.AuthStyleInParams}
		src := NewRefreshTokenSource("client", "secret", endpoint, "refresh-1", srv.Client())

		_, err := src.AccessToken(context.Background())
		require.Error(t, err)
		assert.True(t, IsAuthError(err))
	})

	t.Run("令牌端点5xx可重试", func(t *testing.T) {
		srv, _ := newTokenServer(t, http.StatusServiceUnavailable, `{"error":"backend_error"}`)
		endpoint := oauth2.Endpoint{TokenURL: srv.URL, AuthStyle: oauth2.AuthStyleInParams}
		src := NewRefreshTokenSource("client", "secret", endpoint, "refresh-1", srv.Client())

		_, err := src.AccessToken(context.Background())
		require.Error(t, err)
		assert.False(t, IsAuthError(err))
	})

	t.Run("context已取消", func(t *testing.T) {
		src := NewRefreshTokenSource("client", "secret", GoogleEndpoint, "refresh-1", nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := src.AccessToken(ctx)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestStaticToken(t *testing.T) {
	token, err := StaticToken("fixed").AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fixed", token)
}
