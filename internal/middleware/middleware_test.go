package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aura-exam/proctor/internal/auth"
)

func newRouter(svc *auth.JWTService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORS("http://exam.local"), Logger(zap.NewNop()))
	api := r.Group("", JWT(svc))
	api.GET("/me", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(ContextUserID)+"|"+c.GetString(ContextUserRole)+"|"+c.GetString(ContextUserName))
	})
	api.GET("/proctor-only", RequireProctor(), func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func do(r http.Handler, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Origin", "http://exam.local")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestJWTSetsClaims(t *testing.T) {
	svc := auth.NewJWTService("secret", 1)
	r := newRouter(svc)
	tok, err := svc.Generate("s1", "student", "Ada")
	require.NoError(t, err)

	w := do(r, http.MethodGet, "/me", tok)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "s1|student|Ada", w.Body.String())
	require.Equal(t, "http://exam.local", w.Header().Get("Access-Control-Allow-Origin"))

	require.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/me", "").Code)
	require.Equal(t, http.StatusUnauthorized, do(r, http.MethodGet, "/me", "forged").Code)
}

func TestRequireProctor(t *testing.T) {
	svc := auth.NewJWTService("secret", 1)
	r := newRouter(svc)
	for role, want := range map[string]int{
		"student": http.StatusForbidden,
		"proctor": http.StatusOK,
		"admin":   http.StatusOK,
	} {
		tok, err := svc.Generate("u1", role, "")
		require.NoError(t, err)
		require.Equal(t, want, do(r, http.MethodGet, "/proctor-only", tok).Code, role)
	}
}

func TestCORSPreflight(t *testing.T) {
	r := newRouter(auth.NewJWTService("secret", 1))
	w := do(r, http.MethodOptions, "/me", "")
	require.Equal(t, http.StatusNoContent, w.Code)
	require.Equal(t, "GET, POST, OPTIONS", w.Header().Get("Access-Control-Allow-Methods"))
	require.Equal(t, "http://exam.local", w.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "Origin", w.Header().Get("Vary"))
	require.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Authorization")
}

func TestCORSRefusesUnknownOrigin(t *testing.T) {
	r := newRouter(auth.NewJWTService("secret", 1))
	req := httptest.NewRequest(http.MethodOptions, "/me", nil)
	req.Header.Set("Origin", "http://evil.local")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusForbidden, w.Code)
	require.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestOriginsAllows(t *testing.T) {
	list := ParseOrigins(" http://a.local/ , http://b.local")
	require.True(t, list.Allows("http://a.local"))
	require.True(t, list.Allows("http://b.local"))
	require.True(t, list.Allows(""))
	require.False(t, list.Allows("http://c.local"))

	require.True(t, ParseOrigins("*").Allows("http://c.local"))
	require.True(t, ParseOrigins("").Allows("http://c.local"))
}
