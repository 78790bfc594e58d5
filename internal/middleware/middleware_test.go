package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/annel0/blockverse/internal/logging"
)

func newRouter(t *testing.T, buf *bytes.Buffer) (*gin.Engine, *PrometheusMiddleware, *prometheus.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg := prometheus.NewRegistry()
	pm := NewPrometheusMiddleware("test_api", reg)

	r := gin.New()
	r.Use(NewRequestLogger(logging.NewWriterLogger("http", buf, logging.INFO)).Handler())
	r.Use(pm.Handler())
	pm.RegisterMetricsEndpoint(r, reg)
	r.GET("/ok/:id", func(c *gin.Context) {
		_, ok := c.Get("trace_id")
		assert.True(t, ok, "trace_id должен быть в контексте")
		c.Status(http.StatusOK)
	})
	return r, pm, reg
}

func TestMetricsCountRoutesAndErrors(t *testing.T) {
	var buf bytes.Buffer
	r, pm, _ := newRouter(t, &buf)

	for _, path := range []string{"/ok/1", "/ok/2", "/missing"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(pm.failures.WithLabelValues(http.MethodGet, "unmatched", "404")))
	assert.Equal(t, 0.0, testutil.ToFloat64(pm.inflight))
	assert.Equal(t, 2, testutil.CollectAndCount(pm.duration), "два маршрута дают две серии")
	assert.Contains(t, buf.String(), "/ok/:id 200", "лог пишет шаблон маршрута")
}

func TestMetricsEndpointServesRegistry(t *testing.T) {
	var buf bytes.Buffer
	r, _, _ := newRouter(t, &buf)
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok/1", nil))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "blockverse_test_api_http_request_duration_seconds")
}

func TestRequestLoggerQuietProbesAndTraceHeader(t *testing.T) {
	var buf bytes.Buffer
	r, _, _ := newRouter(t, &buf)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(TraceHeader))
	assert.NotContains(t, buf.String(), "/metrics", "опрос метрик не пишется на INFO")

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Contains(t, buf.String(), "unmatched /missing 404")
	assert.Contains(t, buf.String(), "admin=-")
}
