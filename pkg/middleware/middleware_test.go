package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/ksred/klear-dex/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type stubValidator map[string]string

func (v stubValidator) ValidateToken(token string) (*auth.Claims, error) {
	clientID, ok := v[token]
	if !ok {
		return nil, errors.New("bad token")
	}
	return &auth.Claims{ClientID: clientID}, nil
}

func newRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	group := router.Group("/api/v1")
	group.Use(handlers...)
	whoami := func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("clientID"))
	}
	group.GET("/orders", whoami)
	group.POST("/orders", whoami)
	group.POST("/auth/token", whoami)
	return router
}

func request(router *gin.Engine, method, path, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	req.RemoteAddr = "10.0.0.1:1234"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestJWTAuth(t *testing.T) {
	router := newRouter(JWTAuth(stubValidator{"good": "maker"}))

	w := request(router, http.MethodGet, "/api/v1/orders", "Bearer good")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "maker", w.Body.String())

	for _, header := range []string{"", "good", "Basic good", "Bearer bad", "Bearer good extra"} {
		w := request(router, http.MethodGet, "/api/v1/orders", header)
		assert.Equal(t, http.StatusUnauthorized, w.Code, "header %q", header)
	}
}

func TestLimitFor(t *testing.T) {
	limit, burst := limitFor(http.MethodPost, "/api/v1/auth/token")
	assert.Equal(t, authLimit, limit)
	assert.Equal(t, 1, burst)

	limit, _ = limitFor(http.MethodGet, "/api/v1/orders/:order_id")
	assert.Equal(t, readLimit, limit)

	limit, _ = limitFor(http.MethodPost, "/api/v1/orders/:order_id/claim")
	assert.Equal(t, tradingLimit, limit)

	limit, _ = limitFor(http.MethodPost, "/api/v1/tokens/:token/approve")
	assert.Equal(t, tokenLimit, limit)

	limit, _ = limitFor(http.MethodGet, "/health")
	assert.Equal(t, readLimit, limit)

	limit, _ = limitFor(http.MethodDelete, "/other")
	assert.Equal(t, rate.Inf, limit)
}

func TestRateLimitPerClient(t *testing.T) {
	router := newRouter(JWTAuth(stubValidator{"a": "rate-client-a", "b": "rate-client-b"}), RateLimit())

	// Trading routes allow a burst of 10
	for i := 0; i < 10; i++ {
		w := request(router, http.MethodPost, "/api/v1/orders", "Bearer a")
		require.Equal(t, http.StatusOK, w.Code, "request %d", i)
	}
	w := request(router, http.MethodPost, "/api/v1/orders", "Bearer a")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// Another client has its own budget
	w = request(router, http.MethodPost, "/api/v1/orders", "Bearer b")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimitAnonymousByIP(t *testing.T) {
	router := newRouter(RateLimit())

	w := request(router, http.MethodPost, "/api/v1/auth/token", "")
	require.Equal(t, http.StatusOK, w.Code)

	w = request(router, http.MethodPost, "/api/v1/auth/token", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}
