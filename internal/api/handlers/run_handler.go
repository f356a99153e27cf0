package handlers

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/sphh12/appium-public/internal/domain"
	"github.com/sphh12/appium-public/internal/queue"
	"gorm.io/gorm"
)

// RunStore 运行记录查询
type RunStore interface {
	List(ctx context.Context, limit int) ([]*domain.ExploreRun, error)
	FindByID(ctx context.Context, id string) (*domain.ExploreRun, error)
	GetStatusCounts(ctx context.Context) (map[string]int64, error)
}

// ArtifactStore 快照索引查询
type ArtifactStore interface {
	FindBySequence(ctx context.Context, runID string, seq int) (*domain.CaptureArtifact, error)
}

// RequestPublisher 探索请求入队
type RequestPublisher interface {
	PublishRequest(ctx context.Context, req *queue.CrawlRequest) error
}

// RunHandler 运行与快照浏览
type RunHandler struct {
	runs       RunStore
	artifacts  ArtifactStore
	requests   RequestPublisher
	outputRoot string
	logger     *logrus.Logger
}

// NewRunHandler 创建处理器。requests 为 nil 时不接受新的探索请求。
func NewRunHandler(runs RunStore, artifacts ArtifactStore, requests RequestPublisher, outputRoot string, logger *logrus.Logger) *RunHandler {
	return &RunHandler{
		runs:       runs,
		artifacts:  artifacts,
		requests:   requests,
		outputRoot: outputRoot,
		logger:     logger,
	}
}

// ListRuns 最近的运行
// GET /api/runs?limit=20
func (h *RunHandler) ListRuns(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 || limit > 500 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
		return
	}

	runs, err := h.runs.List(c.Request.Context(), limit)
	if err != nil {
		h.logger.WithError(err).Error("Failed to list runs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list runs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}

// GetStats 各状态运行数量
// GET /api/stats
func (h *RunHandler) GetStats(c *gin.Context) {
	counts, err := h.runs.GetStatusCounts(c.Request.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to count runs")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to count runs"})
		return
	}
	var total int64
	for _, n := range counts {
		total += n
	}
	c.JSON(http.StatusOK, gin.H{"status_counts": counts, "total": total})
}

// GetRun 运行详情（含快照与失败记录）
// GET /api/runs/:id
func (h *RunHandler) GetRun(c *gin.Context) {
	run, err := h.runs.FindByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.notFoundOrError(c, err, "run")
		return
	}
	c.JSON(http.StatusOK, run)
}

// GetArtifact 返回快照原始 XML
// GET /api/runs/:id/artifacts/:seq
func (h *RunHandler) GetArtifact(c *gin.Context) {
	seq, err := strconv.Atoi(c.Param("seq"))
	if err != nil || seq <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid sequence"})
		return
	}

	a, err := h.artifacts.FindBySequence(c.Request.Context(), c.Param("id"), seq)
	if err != nil {
		h.notFoundOrError(c, err, "artifact")
		return
	}

	if !h.withinOutput(a.Path) {
		h.logger.WithField("path", a.Path).Warn("Artifact path outside output root")
		c.JSON(http.StatusForbidden, gin.H{"error": "artifact path not allowed"})
		return
	}
	if _, err := os.Stat(a.Path); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "artifact file missing"})
		return
	}

	c.Header("Content-Type", "application/xml; charset=utf-8")
	c.File(a.Path)
}

type createRunRequest struct {
	Section string `json:"section"`
}

// CreateRun 把探索请求放入队列，由 worker 执行
// POST /api/runs
func (h *RunHandler) CreateRun(c *gin.Context) {
	if h.requests == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "request queue is not configured"})
		return
	}

	var body createRunRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	req := queue.NewCrawlRequest(strings.TrimSpace(body.Section))
	if err := h.requests.PublishRequest(c.Request.Context(), req); err != nil {
		h.logger.WithError(err).Error("Failed to enqueue crawl request")
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to enqueue request"})
		return
	}
	c.JSON(http.StatusAccepted, req)
}

func (h *RunHandler) withinOutput(path string) bool {
	if h.outputRoot == "" {
		return true
	}
	root, err := filepath.Abs(h.outputRoot)
	if err != nil {
		return false
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(root, abs)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (h *RunHandler) notFoundOrError(c *gin.Context, err error, what string) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": what + " not found"})
		return
	}
	h.logger.WithError(err).Errorf("Failed to load %s", what)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load " + what})
}
