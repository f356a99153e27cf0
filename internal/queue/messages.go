package queue

import (
	"time"

	"github.com/google/uuid"
	"github.com/sphh12/appium-public/internal/domain"
)

// CrawlRequest worker 消费的探索请求
type CrawlRequest struct {
	RequestID   string    `json:"request_id"`
	Section     string    `json:"section,omitempty"` // 为空时探索全部
	RequestedAt time.Time `json:"requested_at"`
}

// NewCrawlRequest 创建请求
func NewCrawlRequest(section string) *CrawlRequest {
	return &CrawlRequest{
		RequestID:   uuid.NewString(),
		Section:     section,
		RequestedAt: time.Now().UTC(),
	}
}

// EventType 运行事件类型，同时作为 routing key
type EventType string

const (
	EventRunStarted    EventType = "run.started"
	EventArtifactSaved EventType = "artifact.saved"
	EventRunFinished   EventType = "run.finished"
)

// RunSummary 运行结束统计
type RunSummary struct {
	Visited   int `json:"visited"`
	Artifacts int `json:"artifacts"`
	Failures  int `json:"failures"`
	Crashes   int `json:"crashes"`
}

// RunEvent 运行事件
type RunEvent struct {
	ID        string                  `json:"id"`
	Type      EventType               `json:"type"`
	RunID     string                  `json:"run_id"`
	Status    domain.RunStatus        `json:"status,omitempty"`
	OutputDir string                  `json:"output_dir,omitempty"`
	Artifact  *domain.CaptureArtifact `json:"artifact,omitempty"`
	Summary   *RunSummary             `json:"summary,omitempty"`
	Error     string                  `json:"error,omitempty"`
	Timestamp time.Time               `json:"timestamp"`
}

// NewRunEvent 创建事件
func NewRunEvent(t EventType, runID string) *RunEvent {
	return &RunEvent{
		ID:        uuid.NewString(),
		Type:      t,
		RunID:     runID,
		Timestamp: time.Now().UTC(),
	}
}
