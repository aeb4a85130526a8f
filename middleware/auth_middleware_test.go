package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/moonpointer/xschat/apperr"
	"github.com/moonpointer/xschat/auth"
	"github.com/moonpointer/xschat/model"
	"github.com/moonpointer/xschat/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newAuthority(t *testing.T) *auth.Authority {
	t.Helper()
	c, _ := testutil.SetupTestCache(t)
	return auth.NewAuthority(c, testutil.SetupTestConfig().Security, zap.NewNop())
}

func newProtectedRouter(v TokenValidator) *gin.Engine {
	r := gin.New()
	r.Use(Auth(v, zap.NewNop()))
	r.GET("/protected", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"user_id": GetUserID(ctx), "role": GetRole(ctx)})
	})
	return r
}

func doGet(r *gin.Engine, path, authz string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func errCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Code
}

func TestAuth_MissingAuthHeader(t *testing.T) {
	r := newProtectedRouter(newAuthority(t))
	w := doGet(r, "/protected", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, apperr.CodeUnauthenticated, errCode(t, w))
}

func TestAuth_NoBearer(t *testing.T) {
	r := newProtectedRouter(newAuthority(t))
	w := doGet(r, "/protected", "Token abc123")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_InvalidToken(t *testing.T) {
	r := newProtectedRouter(newAuthority(t))
	w := doGet(r, "/protected", "Bearer notavalidtoken")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_RevokedSession(t *testing.T) {
	a := newAuthority(t)
	r := newProtectedRouter(a)

	token, err := a.Issue(context.Background(), 42, model.RoleUser)
	require.NoError(t, err)
	require.NoError(t, a.Revoke(context.Background(), 42))

	w := doGet(r, "/protected", "Bearer "+token)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_ValidTokenSetsIdentity(t *testing.T) {
	a := newAuthority(t)
	r := newProtectedRouter(a)

	token, err := a.Issue(context.Background(), 42, model.RoleAdmin)
	require.NoError(t, err)

	w := doGet(r, "/protected", "Bearer "+token)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		UserID int64  `json:"user_id"`
		Role   string `json:"role"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, int64(42), body.UserID)
	assert.Equal(t, model.RoleAdmin, body.Role)
}

func TestRequireRole(t *testing.T) {
	a := newAuthority(t)
	r := gin.New()
	r.Use(Auth(a, zap.NewNop()), RequireRole(model.RoleAdmin, zap.NewNop()))
	r.GET("/admin", func(c *gin.Context) { c.Status(http.StatusOK) })

	userTok, err := a.Issue(context.Background(), 1, model.RoleUser)
	require.NoError(t, err)
	adminTok, err := a.Issue(context.Background(), 2, model.RoleAdmin)
	require.NoError(t, err)

	w := doGet(r, "/admin", "Bearer "+userTok)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, apperr.CodeForbidden, errCode(t, w))

	assert.Equal(t, http.StatusOK, doGet(r, "/admin", "Bearer "+adminTok).Code)
}

func TestAdminKey(t *testing.T) {
	newRouter := func(key string) *gin.Engine {
		r := gin.New()
		r.Use(AdminKey(key, zap.NewNop()))
		r.GET("/ops", func(c *gin.Context) { c.Status(http.StatusOK) })
		return r
	}
	get := func(r *gin.Engine, key string) int {
		req := httptest.NewRequest(http.MethodGet, "/ops", nil)
		if key != "" {
			req.Header.Set(AdminKeyHeader, key)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusServiceUnavailable, get(newRouter(""), "anything"))
	r := newRouter("k3y")
	assert.Equal(t, http.StatusUnauthorized, get(r, ""))
	assert.Equal(t, http.StatusUnauthorized, get(r, "wrong"))
	assert.Equal(t, http.StatusOK, get(r, "k3y"))
}

func TestGetUserID_Missing(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.Equal(t, int64(0), GetUserID(c))
	assert.Equal(t, "", GetRole(c))
}

func TestGetUserID_Present(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Set(UserIDKey, int64(99))
	assert.Equal(t, int64(99), GetUserID(c))
}

func TestLogger_RequestLogged(t *testing.T) {
	logger, _ := zap.NewDevelopment()

	r := gin.New()
	r.Use(TraceID())
	r.Use(Logger(logger))
	r.GET("/ping", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	assert.Equal(t, http.StatusOK, doGet(r, "/ping", "").Code)
}

func TestLogger_ErrorResponse(t *testing.T) {
	logger, _ := zap.NewDevelopment()

	r := gin.New()
	r.Use(Logger(logger))
	r.GET("/fail", func(c *gin.Context) {
		c.Status(http.StatusInternalServerError)
	})
	assert.Equal(t, http.StatusInternalServerError, doGet(r, "/fail", "").Code)
}
