package service

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/sphh12/appium-public/internal/capture"
	"github.com/sphh12/appium-public/internal/classifier"
	"github.com/sphh12/appium-public/internal/domain"
	"github.com/sphh12/appium-public/internal/explore"
	"github.com/sphh12/appium-public/internal/inspect"
	"github.com/sphh12/appium-public/internal/session"
)

// WatchSection 监视模式运行记录的 section
const WatchSection = "watch"

// WatchReport 监视模式结果
type WatchReport struct {
	Run      *domain.ExploreRun
	Captured []inspect.Captured
}

// Dump 导出当前页面
func (r *Runner) Dump(ctx context.Context, name string) (*inspect.DumpResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	mgr := r.newSession()
	defer r.closeSession(ctx, mgr)
	if err := mgr.Open(ctx); err != nil {
		return nil, err
	}

	res, err := inspect.Dump(ctx, mgr, r.cfg.Output.DumpDir, name, time.Now())
	if err != nil {
		return nil, err
	}
	r.logger.WithFields(logrus.Fields{
		"path":      res.Path,
		"size_kb":   res.Size / 1024,
		"elements":  res.Stats.Elements,
		"clickable": res.Stats.Clickable,
	}).Info("UI dump saved")
	return res, nil
}

// Watch 页面变化时自动保存，直到 ctx 取消。
// 快照先写入临时目录，结束后目录重命名为结束时间戳。
func (r *Runner) Watch(ctx context.Context, interval time.Duration) (*WatchReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	root := r.cfg.Output.WatchRoot
	tmp, err := capture.NewSessionDir(root, "tmp", "20060102_150405", time.Now())
	if err != nil {
		return nil, err
	}

	run := &domain.ExploreRun{
		ID:         uuid.NewString(),
		AppPackage: r.plan.AppID,
		Section:    WatchSection,
	}
	if err := r.startRun(ctx, run, tmp); err != nil {
		return nil, err
	}

	mgr := r.newSession()
	defer r.closeSession(ctx, mgr)

	captured, watchErr := r.watch(ctx, run, tmp, mgr, interval)
	report := &WatchReport{Run: run, Captured: captured}

	final, err := capture.FinalizeDir(tmp, root, "", time.Now())
	if err != nil {
		r.logger.WithError(err).WithField("dir", tmp).Warn("Failed to finalize watch directory")
	} else if final != tmp {
		r.rebase(ctx, run, captured, tmp, final)
	}

	res := &explore.Result{}
	for _, c := range captured {
		res.Artifacts = append(res.Artifacts, c.Artifact)
		res.Visited = append(res.Visited, c.Name)
	}
	r.finishRun(ctx, run, res, mgr.Recreations(), watchErr)

	r.logger.WithFields(logrus.Fields{
		"run_id":   run.ID,
		"dir":      run.OutputDir,
		"captured": len(captured),
	}).Info("Watch finished")
	return report, watchErr
}

func (r *Runner) watch(ctx context.Context, run *domain.ExploreRun, dir string, mgr *session.Manager, interval time.Duration) ([]inspect.Captured, error) {
	store, err := capture.NewStore(dir, capture.Options{
		RunID:        run.ID,
		WithActivity: r.cfg.Output.WithActivity,
		LogTail:      r.cfg.Output.LogTail,
	}, classifier.New(r.plan.Signatures), nil, r.logger)
	if err != nil {
		return nil, err
	}
	store.OnArtifact(r.artifactHook(run.ID))

	if err := mgr.Open(ctx); err != nil {
		return nil, err
	}
	return inspect.NewWatcher(mgr, store, interval, r.logger).Run(ctx)
}

// rebase 目录改名后同步运行记录和快照路径
func (r *Runner) rebase(ctx context.Context, run *domain.ExploreRun, captured []inspect.Captured, oldDir, newDir string) {
	run.OutputDir = newDir
	for _, c := range captured {
		if c.Artifact != nil && strings.HasPrefix(c.Artifact.Path, oldDir) {
			c.Artifact.Path = newDir + strings.TrimPrefix(c.Artifact.Path, oldDir)
		}
	}
	if r.artifacts == nil {
		return
	}
	if err := r.artifacts.RebaseDir(context.WithoutCancel(ctx), run.ID, oldDir, newDir); err != nil {
		r.logger.WithError(err).WithField("run_id", run.ID).Warn("Failed to rebase artifact paths")
	}
}
