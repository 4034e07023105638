package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/example/maplearner/internal/logging"
)

func newRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(handlers...)
	return router
}

func TestRequestIDGeneratesAndPropagates(t *testing.T) {
	router := newRouter(RequestID())
	var fromCtx, fromGin string
	router.GET("/ping", func(c *gin.Context) {
		fromCtx = logging.RequestIDFromContext(c.Request.Context())
		fromGin = GetRequestID(c)
		c.Status(http.StatusNoContent)
	})

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/ping", nil))

	header := resp.Header().Get(RequestIDHeader)
	require.Len(t, header, 36)
	require.Equal(t, header, fromCtx)
	require.Equal(t, header, fromGin)
}

func TestRequestIDKeepsCallerValue(t *testing.T) {
	router := newRouter(RequestID())
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(RequestIDHeader, "trace-abc")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	require.Equal(t, "trace-abc", resp.Header().Get(RequestIDHeader))

	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(RequestIDHeader, strings.Repeat("x", 65))
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	require.Len(t, resp.Header().Get(RequestIDHeader), 36)
}

func TestAccessLogLevelsByStatus(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	router := newRouter(RequestID(), AccessLog(zap.New(core)))
	router.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/bad", func(c *gin.Context) { c.Status(http.StatusBadRequest) })
	router.GET("/boom", func(c *gin.Context) { c.Status(http.StatusBadGateway) })

	for _, path := range []string{"/ok", "/bad", "/boom"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	entries := logs.All()
	require.Len(t, entries, 3)
	require.Equal(t, zapcore.InfoLevel, entries[0].Level)
	require.Equal(t, zapcore.WarnLevel, entries[1].Level)
	require.Equal(t, zapcore.ErrorLevel, entries[2].Level)
	require.Equal(t, "/boom", entries[2].ContextMap()["path"])
	require.NotEmpty(t, entries[2].ContextMap()["request_id"])
}

func TestCORSAllowsConfiguredOrigin(t *testing.T) {
	router := newRouter(CORS([]string{"http://localhost:3000"}))
	router.POST("/evaluate", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/evaluate", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	require.Equal(t, http.StatusNoContent, resp.Code)
	require.Equal(t, "http://localhost:3000", resp.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/evaluate", nil)
	req.Header.Set("Origin", "http://evil.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	require.Empty(t, resp.Header().Get("Access-Control-Allow-Origin"))
}
