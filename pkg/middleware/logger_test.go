package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRequestLogger はRequestLoggerミドルウェアを検証する。
func TestRequestLogger(t *testing.T) {
	t.Parallel()

	newRouter := func(buf *bytes.Buffer) *gin.Engine {
		router := gin.New()
		router.Use(RequestLogger(slog.New(slog.NewJSONHandler(buf, nil))))
		router.GET("/users/:id", func(c *gin.Context) {
			c.Set(ginKeyIdentity, Identity{UserID: 9, Roles: DefaultRoles})
			c.Status(http.StatusOK)
		})
		router.GET("/missing", func(c *gin.Context) {
			c.Status(http.StatusNotFound)
		})
		router.GET("/broken", func(c *gin.Context) {
			c.Status(http.StatusBadGateway)
		})
		return router
	}

	tests := []struct {
		name      string
		path      string
		wantLevel string
		wantRoute string
	}{
		{name: "2xxはINFOでルートパターンとともに記録されること", path: "/users/1", wantLevel: "INFO", wantRoute: "/users/:id"},
		{name: "4xxはWARNで記録されること", path: "/missing", wantLevel: "WARN", wantRoute: "/missing"},
		{name: "5xxはERRORで記録されること", path: "/broken", wantLevel: "ERROR", wantRoute: "/broken"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer
			router := newRouter(&buf)
			router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, tt.path, nil))

			var entry map[string]any
			require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
			assert.Equal(t, tt.wantLevel, entry["level"])
			assert.Equal(t, tt.wantRoute, entry["path"])
			assert.Equal(t, "GET", entry["method"])
		})
	}

	t.Run("認証済みリクエストはユーザーIDが記録されること", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		newRouter(&buf).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/users/1", nil))

		var entry map[string]any
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.EqualValues(t, 9, entry["user_id"])
	})
}
