package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sphh12/appium-public/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return New(logger, "test")
}

// TestHTTPMiddleware 测试 HTTP 中间件与 /metrics 端点
func TestHTTPMiddleware(t *testing.T) {
	m := setupTestMetrics(t)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(m.HTTPMiddleware())
	router.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	router.GET("/metrics", m.Handler())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "/healthz", "200")))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "test_http_requests_total")
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

// TestRecordRun 测试运行指标
func TestRecordRun(t *testing.T) {
	m := setupTestMetrics(t)

	m.RecordRunStarted()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsInProgress))

	m.RecordRunFinished(domain.RunStatusCompleted, 90*time.Second)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.runsInProgress))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsTotal.WithLabelValues("completed")))

	m.RecordCrashes(2)
	m.RecordVisited(14)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.crashesTotal))
	assert.Equal(t, 14.0, testutil.ToFloat64(m.visitedTotal))
}

// TestRecordCapture 测试按类别统计写入
func TestRecordCapture(t *testing.T) {
	m := setupTestMetrics(t)

	m.RecordCapture(&domain.CaptureArtifact{ScreenName: "home_main", Size: 5000})
	m.RecordCapture(&domain.CaptureArtifact{ScreenName: "popup_renewal_offer", Size: 5000})
	m.RecordCapture(&domain.CaptureArtifact{ScreenName: "debug_card_main", Failure: true, FailureType: domain.FailureTypeNotAppScreen})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.capturesTotal.WithLabelValues("screen")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.capturesTotal.WithLabelValues("popup")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.capturesTotal.WithLabelValues("diagnostic")))

	m.RecordFailure(domain.FailureTypeNavigation)
	m.RecordFailure(domain.FailureTypeNone)
	assert.Equal(t, 1, testutil.CollectAndCount(m.failuresTotal))
}

func TestCaptureKind(t *testing.T) {
	assert.Equal(t, "screen", CaptureKind(&domain.CaptureArtifact{ScreenName: "popup"}))
	assert.Equal(t, "popup", CaptureKind(&domain.CaptureArtifact{ScreenName: "popup_x"}))
}

// TestWriteTextfile 测试 textfile 输出
func TestWriteTextfile(t *testing.T) {
	m := setupTestMetrics(t)
	m.RecordRetryAttempt("create_session", 1)

	path := filepath.Join(t.TempDir(), "metrics.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `test_retry_attempts_total{attempt="1",operation="create_session"} 1`)
}
