package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/sphh12/appium-public/internal/domain"
	"github.com/sphh12/appium-public/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// MockRunStore Mock 运行记录
type MockRunStore struct {
	mock.Mock
}

func (m *MockRunStore) List(ctx context.Context, limit int) ([]*domain.ExploreRun, error) {
	args := m.Called(limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.ExploreRun), args.Error(1)
}

func (m *MockRunStore) FindByID(ctx context.Context, id string) (*domain.ExploreRun, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ExploreRun), args.Error(1)
}

func (m *MockRunStore) GetStatusCounts(ctx context.Context) (map[string]int64, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]int64), args.Error(1)
}

// MockArtifactStore Mock 快照索引
type MockArtifactStore struct {
	mock.Mock
}

func (m *MockArtifactStore) FindBySequence(ctx context.Context, runID string, seq int) (*domain.CaptureArtifact, error) {
	args := m.Called(runID, seq)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CaptureArtifact), args.Error(1)
}

// MockPublisher Mock 请求队列
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) PublishRequest(ctx context.Context, req *queue.CrawlRequest) error {
	args := m.Called(req.Section)
	return args.Error(0)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// setupTestRouter 设置测试路由
func setupTestRouter(h *RunHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/api/stats", h.GetStats)
	r.GET("/api/runs", h.ListRuns)
	r.POST("/api/runs", h.CreateRun)
	r.GET("/api/runs/:id", h.GetRun)
	r.GET("/api/runs/:id/artifacts/:seq", h.GetArtifact)
	return r
}

func TestListRuns(t *testing.T) {
	runs := new(MockRunStore)
	h := NewRunHandler(runs, new(MockArtifactStore), nil, "", quietLogger())
	router := setupTestRouter(h)

	runs.On("List", 5).Return([]*domain.ExploreRun{
		{ID: "run-1", Status: domain.RunStatusCompleted},
		{ID: "run-2", Status: domain.RunStatusFailed},
	}, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/runs?limit=5", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Runs  []domain.ExploreRun `json:"runs"`
		Count int                 `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
	assert.Equal(t, "run-2", body.Runs[1].ID)
	runs.AssertExpectations(t)
}

func TestListRuns_BadLimit(t *testing.T) {
	runs := new(MockRunStore)
	router := setupTestRouter(NewRunHandler(runs, new(MockArtifactStore), nil, "", quietLogger()))

	for _, q := range []string{"limit=0", "limit=abc", "limit=1000"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/runs?"+q, nil))
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
	runs.AssertNotCalled(t, "List", mock.Anything)
}

func TestGetRun(t *testing.T) {
	runs := new(MockRunStore)
	router := setupTestRouter(NewRunHandler(runs, new(MockArtifactStore), nil, "", quietLogger()))

	runs.On("FindByID", "run-1").Return(&domain.ExploreRun{
		ID:     "run-1",
		Status: domain.RunStatusCompleted,
		Failures: []domain.RunFailure{
			{Destination: "Card", Type: domain.FailureTypeNavigation},
		},
	}, nil)
	runs.On("FindByID", "missing").Return(nil, gorm.ErrRecordNotFound)
	runs.On("FindByID", "broken").Return(nil, errors.New("database is locked"))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/runs/run-1", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "navigation_failed")

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/runs/missing", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/runs/broken", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestGetStats(t *testing.T) {
	runs := new(MockRunStore)
	router := setupTestRouter(NewRunHandler(runs, new(MockArtifactStore), nil, "", quietLogger()))

	runs.On("GetStatusCounts").Return(map[string]int64{"completed": 3, "failed": 1}, nil)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Total int64 `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, int64(4), body.Total)
}

func TestGetArtifact(t *testing.T) {
	root := t.TempDir()
	session := filepath.Join(root, "explore_20260301_1020")
	require.NoError(t, os.MkdirAll(session, 0755))
	xmlPath := filepath.Join(session, "001_home_main.xml")
	require.NoError(t, os.WriteFile(xmlPath, []byte("<hierarchy rotation=\"0\"/>"), 0644))

	artifacts := new(MockArtifactStore)
	router := setupTestRouter(NewRunHandler(new(MockRunStore), artifacts, nil, root, quietLogger()))

	artifacts.On("FindBySequence", "run-1", 1).Return(&domain.CaptureArtifact{
		RunID: "run-1", Sequence: 1, Path: xmlPath, SavedAt: time.Now(),
	}, nil)
	artifacts.On("FindBySequence", "run-1", 2).Return(&domain.CaptureArtifact{
		RunID: "run-1", Sequence: 2, Path: "/etc/passwd",
	}, nil)
	artifacts.On("FindBySequence", "run-1", 3).Return(nil, gorm.ErrRecordNotFound)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/runs/run-1/artifacts/1", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "xml")
	assert.Equal(t, "<hierarchy rotation=\"0\"/>", w.Body.String())

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/runs/run-1/artifacts/2", nil))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/runs/run-1/artifacts/3", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/runs/run-1/artifacts/zero", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateRun(t *testing.T) {
	pub := new(MockPublisher)
	router := setupTestRouter(NewRunHandler(new(MockRunStore), new(MockArtifactStore), pub, "", quietLogger()))

	pub.On("PublishRequest", "Card").Return(nil).Once()
	pub.On("PublishRequest", "").Return(errors.New("channel is nil")).Once()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/runs", strings.NewReader(`{"section":" Card "}`))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusAccepted, w.Code)

	var accepted queue.CrawlRequest
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accepted))
	assert.Equal(t, "Card", accepted.Section)
	assert.NotEmpty(t, accepted.RequestID)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/runs", nil))
	assert.Equal(t, http.StatusBadGateway, w.Code)

	pub.AssertExpectations(t)
}

func TestCreateRun_NoQueue(t *testing.T) {
	router := setupTestRouter(NewRunHandler(new(MockRunStore), new(MockArtifactStore), nil, "", quietLogger()))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/runs", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
