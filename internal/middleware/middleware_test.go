package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailsync/internal/auth"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(t *testing.T) (*gin.Engine, *auth.JWTManager) {
	t.Helper()
	jwtManager := auth.NewJWTManager("test-secret", time.Hour)

	r := gin.New()
	r.Use(ErrorHandler(true))
	api := r.Group("/api", AuthRequired(jwtManager, false))
	api.GET("/whoami", func(c *gin.Context) {
		claims, ok := GetClaims(c)
		require.True(t, ok)
		c.JSON(http.StatusOK, gin.H{"subject": claims.Subject, "role": c.GetString(RoleKey)})
	})
	api.POST("/admin", AdminRequired(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	r.GET("/stream", AuthRequired(jwtManager, true), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/panic", func(c *gin.Context) {
		panic(errors.New("boom"))
	})
	r.GET("/fail", func(c *gin.Context) {
		HandleError(c, errors.New("no such account"), http.StatusNotFound)
	})
	return r, jwtManager
}

func do(r http.Handler, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestAuthRequired(t *testing.T) {
	r, jwtManager := newRouter(t)
	admin, err := jwtManager.GenerateToken("ops", auth.RoleAdmin)
	require.NoError(t, err)
	viewer, err := jwtManager.GenerateToken("dashboard", auth.RoleViewer)
	require.NoError(t, err)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{name: "缺少token", method: http.MethodGet, path: "/api/whoami", want: http.StatusUnauthorized},
		{name: "无效token", method: http.MethodGet, path: "/api/whoami", token: "garbage", want: http.StatusUnauthorized},
		{name: "查看者", method: http.MethodGet, path: "/api/whoami", token: viewer, want: http.StatusOK},
		{name: "查看者不能操作", method: http.MethodPost, path: "/api/admin", token: viewer, want: http.StatusForbidden},
		{name: "管理员", method: http.MethodPost, path: "/api/admin", token: admin, want: http.StatusNoContent},
		{name: "查询参数token", method: http.MethodGet, path: "/stream?token=" + viewer, want: http.StatusOK},
		{name: "普通接口不接受查询参数", method: http.MethodGet, path: "/api/whoami?token=" + viewer, want: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, tt.method, tt.path, tt.token)
			assert.Equal(t, tt.want, w.Code)
		})
	}

	t.Run("声明写入context", func(t *testing.T) {
		w := do(r, http.MethodGet, "/api/whoami", admin)
		var body map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "ops", body["subject"])
		assert.Equal(t, auth.RoleAdmin, body["role"])
	})
}

func TestErrorHandler(t *testing.T) {
	r, _ := newRouter(t)

	t.Run("panic恢复", func(t *testing.T) {
		w := do(r, http.MethodGet, "/panic", "")
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		resp := decode(t, w)
		assert.Equal(t, "INTERNAL_ERROR", resp.Code)
		assert.Equal(t, "boom", resp.Details)
	})

	t.Run("业务错误", func(t *testing.T) {
		w := do(r, http.MethodGet, "/fail", "")
		assert.Equal(t, http.StatusNotFound, w.Code)
		resp := decode(t, w)
		assert.Equal(t, "NOT_FOUND", resp.Code)
		assert.Equal(t, "no such account", resp.Message)
	})
}
