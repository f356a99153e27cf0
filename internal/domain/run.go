package domain

import (
	"time"
)

type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// FailureType 失败类型
type FailureType string

const (
	FailureTypeNone         FailureType = ""                  // 无失败
	FailureTypeNavigation   FailureType = "navigation_failed" // 找不到目的地入口（跳过该目的地）
	FailureTypeNotAppScreen FailureType = "not_app_screen"    // 弹窗清理后仍不是应用页面
	FailureTypeDriverCrash  FailureType = "driver_crash"      // 自动化驱动崩溃，会话已重建
	FailureTypeLoginFailed  FailureType = "login_failed"      // 登录失败（致命）
	FailureTypeBootstrap    FailureType = "bootstrap_failed"  // 会话创建失败（致命）
	FailureTypeAppNotReady  FailureType = "app_not_ready"     // 登录后未出现首页（致命）
	FailureTypeUnknown      FailureType = "unknown"
)

// FailureSeverity 失败严重程度
type FailureSeverity string

const (
	FailureSeverityNormal  FailureSeverity = "normal"  // 正常（部分成功是常态）
	FailureSeverityWarning FailureSeverity = "warning" // 警告（需要关注）
	FailureSeverityFatal   FailureSeverity = "fatal"   // 终止本次运行
)

// GetSeverity 获取失败类型对应的严重程度
func (ft FailureType) GetSeverity() FailureSeverity {
	switch ft {
	case FailureTypeNone, FailureTypeNavigation:
		return FailureSeverityNormal
	case FailureTypeNotAppScreen, FailureTypeDriverCrash:
		return FailureSeverityWarning
	case FailureTypeLoginFailed, FailureTypeBootstrap, FailureTypeAppNotReady:
		return FailureSeverityFatal
	default:
		return FailureSeverityWarning
	}
}

// IsFatal 是否终止运行
func (ft FailureType) IsFatal() bool {
	return ft.GetSeverity() == FailureSeverityFatal
}

// ExploreRun 一次探索运行
type ExploreRun struct {
	ID            string      `gorm:"primaryKey;type:varchar(36)" json:"id"`
	AppPackage    string      `gorm:"type:varchar(255);not null" json:"app_package"`
	Section       string      `gorm:"type:varchar(100)" json:"section,omitempty"`
	Status        RunStatus   `gorm:"type:varchar(20);not null;default:'queued'" json:"status"`
	OutputDir     string      `gorm:"type:varchar(500)" json:"output_dir"`
	ArtifactCount int         `gorm:"default:0" json:"artifact_count"`
	FailureCount  int         `gorm:"default:0" json:"failure_count"`
	VisitedCount  int         `gorm:"default:0" json:"visited_count"`
	CrashCount    int         `gorm:"default:0" json:"crash_count"`
	FailureType   FailureType `gorm:"type:varchar(30);default:''" json:"failure_type,omitempty"`
	ErrorMessage  string      `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt     time.Time   `gorm:"not null" json:"created_at"`
	StartedAt     *time.Time  `json:"started_at,omitempty"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`

	Artifacts []CaptureArtifact `gorm:"foreignKey:RunID;references:ID" json:"artifacts,omitempty"`
	Failures  []RunFailure      `gorm:"foreignKey:RunID;references:ID" json:"failures,omitempty"`
}

func (ExploreRun) TableName() string {
	return "explore_runs"
}

// CaptureArtifact 一次保存的 UI 树快照，写入后不再修改
type CaptureArtifact struct {
	ID          uint        `gorm:"primaryKey;autoIncrement" json:"id"`
	RunID       string      `gorm:"type:varchar(36);index:idx_run_seq,priority:1" json:"run_id"`
	Sequence    int         `gorm:"index:idx_run_seq,priority:2" json:"sequence"`
	ScreenName  string      `gorm:"type:varchar(255)" json:"screen_name"`
	Path        string      `gorm:"type:varchar(500)" json:"path"`
	Size        int64       `json:"size"`
	Activity    string      `gorm:"type:varchar(255)" json:"activity,omitempty"`
	Failure     bool        `gorm:"default:false" json:"failure"`
	FailureType FailureType `gorm:"type:varchar(30);default:''" json:"failure_type,omitempty"`
	SavedAt     time.Time   `json:"saved_at"`
}

func (CaptureArtifact) TableName() string {
	return "capture_artifacts"
}

// RunFailure 运行中被跳过的目的地
type RunFailure struct {
	ID          uint        `gorm:"primaryKey;autoIncrement" json:"id"`
	RunID       string      `gorm:"type:varchar(36);index" json:"run_id"`
	Destination string      `gorm:"type:varchar(255)" json:"destination"`
	Type        FailureType `gorm:"type:varchar(30)" json:"type"`
	Message     string      `gorm:"type:text" json:"message"`
	CreatedAt   time.Time   `json:"created_at"`
}

func (RunFailure) TableName() string {
	return "run_failures"
}
