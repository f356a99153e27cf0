// Package service 组织一次完整的探索运行：会话、清理引擎、存储、登录、遍历，以及运行记录、事件和指标
package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sphh12/appium-public/internal/auth"
	"github.com/sphh12/appium-public/internal/capture"
	"github.com/sphh12/appium-public/internal/classifier"
	"github.com/sphh12/appium-public/internal/config"
	"github.com/sphh12/appium-public/internal/dismiss"
	"github.com/sphh12/appium-public/internal/domain"
	"github.com/sphh12/appium-public/internal/driver"
	"github.com/sphh12/appium-public/internal/explore"
	"github.com/sphh12/appium-public/internal/metrics"
	"github.com/sphh12/appium-public/internal/queue"
	"github.com/sphh12/appium-public/internal/repository"
	"github.com/sphh12/appium-public/internal/session"
)

const finalizeTimeout = 30 * time.Second

// EventPublisher 运行事件发布
type EventPublisher interface {
	PublishEvent(ctx context.Context, evt *queue.RunEvent) error
}

// Report 一次运行的结果
type Report struct {
	Run    *domain.ExploreRun
	Result *explore.Result
}

// Runner 运行编排器。同一时刻只执行一次运行（设备只有一个）。
type Runner struct {
	cfg     *config.Config
	plan    *explore.Plan
	factory driver.Factory
	logger  *logrus.Logger

	runs      repository.RunRepository      // 可为 nil
	artifacts repository.ArtifactRepository // 可为 nil
	events    EventPublisher                // 可为 nil
	metrics   *metrics.Metrics              // 可为 nil

	mu sync.Mutex
}

// NewRunner 创建编排器
func NewRunner(cfg *config.Config, plan *explore.Plan, factory driver.Factory, logger *logrus.Logger) *Runner {
	return &Runner{
		cfg:     cfg,
		plan:    plan,
		factory: factory,
		logger:  logger,
	}
}

// SetRepositories 记录运行和快照索引
func (r *Runner) SetRepositories(runs repository.RunRepository, artifacts repository.ArtifactRepository) {
	r.runs = runs
	r.artifacts = artifacts
}

// SetEvents 发布运行事件
func (r *Runner) SetEvents(events EventPublisher) {
	r.events = events
}

// SetMetrics 记录指标
func (r *Runner) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// DriverFactory 根据配置创建会话工厂
func DriverFactory(cfg *config.Config, logger *logrus.Logger) driver.Factory {
	if cfg.Driver.Kind == config.DriverADB {
		return func(ctx context.Context) (driver.Provider, error) {
			return driver.NewADBProvider(cfg.Driver.ADBTarget, cfg.Driver.ADBTimeoutDuration(), logger), nil
		}
	}

	appiumCfg := &driver.AppiumConfig{
		ServerURL:    cfg.Appium.URL(),
		Capabilities: cfg.Capabilities().Map(),
		HTTPTimeout:  cfg.Appium.HTTPTimeoutDuration(),
		ImplicitWait: cfg.Appium.ImplicitWaitDuration(),
	}
	return func(ctx context.Context) (driver.Provider, error) {
		c, err := driver.OpenAppium(ctx, appiumCfg, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// newSession 会话管理器，重试次数计入指标
func (r *Runner) newSession() *session.Manager {
	retryCfg := r.cfg.Retry.Build("create_session", r.logger)
	if r.metrics != nil {
		m := r.metrics
		retryCfg.OnRetry = func(op string, attempt int, err error) {
			m.RecordRetryAttempt(op, attempt)
		}
	}
	return session.NewManager(r.factory, retryCfg, r.logger)
}

func (r *Runner) newEngine(cls *classifier.Classifier) (*dismiss.Engine, error) {
	dcfg := dismiss.DefaultConfig()
	if len(r.plan.DismissRules) > 0 {
		dcfg.Rules = r.plan.DismissRules
	}
	if r.plan.Timing.Settle > 0 {
		dcfg.SettleDelay = r.plan.Timing.Settle
	}
	return dismiss.NewEngine(dcfg, cls, r.logger)
}

// Run 执行一次探索。section 为空时探索全部组。
//
// 返回的错误只表示运行终止（登录失败、首页未出现、会话无法建立或重建、取消）；
// 单个目的地的失败记录在 Report.Result.Failures 中。
func (r *Runner) Run(ctx context.Context, section string) (*Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run := &domain.ExploreRun{
		ID:         uuid.NewString(),
		AppPackage: r.plan.AppID,
		Section:    section,
	}
	log := r.logger.WithFields(logrus.Fields{
		"run_id":  run.ID,
		"section": section,
	})

	dir, err := capture.NewSessionDir(r.cfg.Output.Root, r.cfg.Output.SessionPrefix, "", time.Now())
	if err != nil {
		return nil, err
	}
	if err := r.startRun(ctx, run, dir); err != nil {
		return nil, err
	}
	log.WithField("output_dir", dir).Info("Run started")

	mgr := r.newSession()
	defer r.closeSession(ctx, mgr)

	res, runErr := r.explore(ctx, run, dir, mgr, section)
	report := &Report{Run: run, Result: res}
	r.finishRun(ctx, run, res, mgr.Recreations(), runErr)

	if runErr != nil {
		log.WithError(runErr).WithField("failure_type", run.FailureType).Error("Run terminated")
		return report, runErr
	}
	log.WithFields(logrus.Fields{
		"artifacts": run.ArtifactCount,
		"failures":  run.FailureCount,
		"crashes":   run.CrashCount,
	}).Info("Run completed")
	return report, nil
}

func (r *Runner) explore(ctx context.Context, run *domain.ExploreRun, dir string, mgr *session.Manager, section string) (*explore.Result, error) {
	cls := classifier.New(r.plan.Signatures)
	engine, err := r.newEngine(cls)
	if err != nil {
		return nil, err
	}
	store, err := capture.NewStore(dir, capture.Options{
		RunID:        run.ID,
		WithActivity: r.cfg.Output.WithActivity,
		LogTail:      r.cfg.Output.LogTail,
	}, cls, engine, r.logger)
	if err != nil {
		return nil, err
	}
	engine.SetRecorder(store)
	store.OnArtifact(r.artifactHook(run.ID))

	if err := mgr.Open(ctx); err != nil {
		return nil, err
	}

	ctrl := explore.NewController(r.plan, mgr, cls, engine, store, auth.New(r.plan.Auth, r.logger), r.logger)
	ctrl.SetRecoverer(mgr)
	return ctrl.Explore(ctx, explore.Options{
		Section:     section,
		Credentials: r.cfg.LoginCredentials(),
	})
}

// artifactHook 每个快照写入后：索引入库、发布事件、计数
func (r *Runner) artifactHook(runID string) capture.ArtifactHook {
	return func(ctx context.Context, a *domain.CaptureArtifact) {
		if r.artifacts != nil {
			if err := r.artifacts.Create(context.WithoutCancel(ctx), a); err != nil {
				r.logger.WithError(err).WithField("seq", a.Sequence).Warn("Failed to index artifact")
			}
		}
		if r.metrics != nil {
			r.metrics.RecordCapture(a)
		}
		evt := queue.NewRunEvent(queue.EventArtifactSaved, runID)
		evt.Artifact = a
		r.publish(ctx, evt)
	}
}

func (r *Runner) startRun(ctx context.Context, run *domain.ExploreRun, dir string) error {
	now := time.Now().UTC()
	run.Status = domain.RunStatusRunning
	run.OutputDir = dir
	run.StartedAt = &now

	if r.runs != nil {
		// 已取消的运行同样要留下记录
		dbctx := context.WithoutCancel(ctx)
		if err := r.runs.Create(dbctx, run); err != nil {
			return fmt.Errorf("failed to record run: %w", err)
		}
		if err := r.runs.MarkRunning(dbctx, run.ID, dir); err != nil {
			r.logger.WithError(err).WithField("run_id", run.ID).Warn("Failed to mark run as running")
		}
	}
	if r.metrics != nil {
		r.metrics.RecordRunStarted()
	}

	evt := queue.NewRunEvent(queue.EventRunStarted, run.ID)
	evt.Status = run.Status
	evt.OutputDir = dir
	r.publish(ctx, evt)
	return nil
}

// finishRun 更新运行记录、指标文件并发布结束事件。ctx 可能已取消，收尾使用独立超时。
func (r *Runner) finishRun(ctx context.Context, run *domain.ExploreRun, res *explore.Result, recreations int, runErr error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	completed := time.Now().UTC()
	run.CompletedAt = &completed
	run.Status = RunStatusOf(ctx, runErr)
	if runErr != nil && run.Status == domain.RunStatusFailed {
		run.FailureType = FailureTypeOf(runErr)
		run.ErrorMessage = runErr.Error()
	}

	var failures []domain.RunFailure
	if res != nil {
		run.ArtifactCount = len(res.Artifacts)
		run.VisitedCount = len(res.Visited)
		run.CrashCount = res.Crashes
		for _, f := range res.Failures {
			failures = append(failures, domain.RunFailure{
				Destination: f.Destination,
				Type:        f.Type,
				Message:     f.Message,
			})
		}
	}
	if recreations > run.CrashCount {
		run.CrashCount = recreations
	}
	run.FailureCount = len(failures)

	if r.runs != nil {
		if err := r.runs.Finish(fctx, run, failures); err != nil {
			r.logger.WithError(err).WithField("run_id", run.ID).Error("Failed to finalize run record")
		}
	}

	if r.metrics != nil {
		started := completed
		if run.StartedAt != nil {
			started = *run.StartedAt
		}
		r.metrics.RecordRunFinished(run.Status, completed.Sub(started))
		for _, f := range failures {
			r.metrics.RecordFailure(f.Type)
		}
		r.metrics.RecordFailure(run.FailureType)
		r.metrics.RecordCrashes(run.CrashCount)
		r.metrics.RecordVisited(run.VisitedCount)

		if r.cfg.Metrics.Textfile && run.OutputDir != "" {
			if err := r.metrics.WriteTextfile(filepath.Join(run.OutputDir, "metrics.prom")); err != nil {
				r.logger.WithError(err).Warn("Failed to write metrics textfile")
			}
		}
	}

	evt := queue.NewRunEvent(queue.EventRunFinished, run.ID)
	evt.Status = run.Status
	evt.OutputDir = run.OutputDir
	evt.Error = run.ErrorMessage
	evt.Summary = &queue.RunSummary{
		Visited:   run.VisitedCount,
		Artifacts: run.ArtifactCount,
		Failures:  run.FailureCount,
		Crashes:   run.CrashCount,
	}
	r.publish(fctx, evt)
}

func (r *Runner) publish(ctx context.Context, evt *queue.RunEvent) {
	if r.events == nil {
		return
	}
	if err := r.events.PublishEvent(context.WithoutCancel(ctx), evt); err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"run_id": evt.RunID,
			"type":   evt.Type,
		}).Warn("Failed to publish run event")
	}
}

func (r *Runner) closeSession(ctx context.Context, mgr *session.Manager) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	if err := mgr.Close(cctx); err != nil {
		r.logger.WithError(err).Warn("Failed to release device session")
	}
}

// RunStatusOf 运行结束状态：取消不算失败
func RunStatusOf(ctx context.Context, err error) domain.RunStatus {
	switch {
	case err == nil:
		return domain.RunStatusCompleted
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		return domain.RunStatusCancelled
	default:
		return domain.RunStatusFailed
	}
}

// FailureTypeOf 终止运行的错误对应的失败类型
func FailureTypeOf(err error) domain.FailureType {
	if err == nil {
		return domain.FailureTypeNone
	}

	// 顺序重要：重建失败同时包含会话错误
	switch {
	case errors.Is(err, explore.ErrLoginFailed):
		return domain.FailureTypeLoginFailed
	case errors.Is(err, explore.ErrAppNotReady):
		return domain.FailureTypeAppNotReady
	case errors.Is(err, explore.ErrSessionUnavailable):
		return domain.FailureTypeDriverCrash
	}

	var sessErr *session.Error
	if errors.As(err, &sessErr) {
		return sessErr.FailureType
	}
	if driver.IsSessionLost(err) {
		return domain.FailureTypeDriverCrash
	}
	return domain.FailureTypeUnknown
}
