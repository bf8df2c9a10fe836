package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowboard/flowboard/internal/v1/auth"
	"github.com/flowboard/flowboard/internal/v1/config"
)

func limiterConfig() *config.Config {
	return &config.Config{
		RateLimitAPIGlobal: "1000-M",
		RateLimitAPIPublic: "100-M",
		RateLimitAPITasks:  "2-M",
		RateLimitWsIP:      "100-M",
		RateLimitWsUser:    "2-M",
	}
}

func TestNewRateLimiterBadRate(t *testing.T) {
	cfg := limiterConfig()
	cfg.RateLimitAPIGlobal = "lots"
	_, err := NewRateLimiter(cfg, nil)
	assert.Error(t, err)
}

func TestGlobalMiddlewareSetsHeaders(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl, err := NewRateLimiter(limiterConfig(), nil)
	require.NoError(t, err)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		claims := &auth.CustomClaims{RegisteredClaims: jwt.RegisteredClaims{Subject: "alice"}}
		c.Set("claims", claims)
	})
	r.Use(rl.GlobalMiddleware())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/ping", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1000", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "999", w.Header().Get("X-RateLimit-Remaining"))
}

func TestTasksMiddlewareRejectsPastLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl, err := NewRateLimiter(limiterConfig(), nil)
	require.NoError(t, err)

	r := gin.New()
	r.Use(rl.TasksMiddleware())
	r.POST("/tasks", func(c *gin.Context) { c.Status(http.StatusOK) })

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest("POST", "/tasks", nil))
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/tasks", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "Too many requests")
}

func TestCheckWebSocketUser(t *testing.T) {
	rl, err := NewRateLimiter(limiterConfig(), nil)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, rl.CheckWebSocketUser(ctx, "alice"))
	require.NoError(t, rl.CheckWebSocketUser(ctx, "alice"))
	assert.Error(t, rl.CheckWebSocketUser(ctx, "alice"))

	// A different user has their own budget.
	assert.NoError(t, rl.CheckWebSocketUser(ctx, "bob"))
}
