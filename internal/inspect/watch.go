package inspect

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sphh12/appium-public/internal/capture"
	"github.com/sphh12/appium-public/internal/domain"
	"github.com/sphh12/appium-public/internal/driver"
	"github.com/sphh12/appium-public/internal/retry"
	"github.com/sphh12/appium-public/internal/screen"
)

// Captured 监视模式保存的一个页面
type Captured struct {
	Name     string                  `json:"name"`
	Hash     string                  `json:"hash"`
	Stats    Stats                   `json:"stats"`
	Artifact *domain.CaptureArtifact `json:"artifact"`
}

// Watcher 定时检查页面结构指纹，变化时保存。同名同指纹的页面只保存一次。
type Watcher struct {
	p        driver.Provider
	store    *capture.Store
	interval time.Duration
	logger   *logrus.Logger

	lastHash string
	seen     map[string]bool
	captured []Captured
}

// NewWatcher 创建监视器
func NewWatcher(p driver.Provider, store *capture.Store, interval time.Duration, logger *logrus.Logger) *Watcher {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	return &Watcher{
		p:        p,
		store:    store,
		interval: interval,
		logger:   logger,
		seen:     make(map[string]bool),
	}
}

// Run 持续监视直到 ctx 取消。取消是正常结束，不返回错误；会话丢失时返回错误。
func (w *Watcher) Run(ctx context.Context) ([]Captured, error) {
	w.logger.WithField("interval", w.interval.String()).Info("Watching for screen changes")
	for {
		if _, err := w.Check(ctx); err != nil && ctx.Err() == nil {
			return w.captured, err
		}
		if err := retry.Sleep(ctx, w.interval); err != nil {
			return w.captured, nil
		}
	}
}

// Check 检查一次。页面未变化或已保存过时返回 nil。
func (w *Watcher) Check(ctx context.Context) (*Captured, error) {
	snap, err := screen.Take(ctx, w.p, screen.TakeOptions{Activity: true})
	if err != nil {
		if driver.IsSessionLost(err) {
			return nil, err
		}
		// 页面切换过程中的瞬时错误
		w.logger.WithError(err).Debug("Snapshot failed while watching")
		return nil, nil
	}

	hash := screen.Hash(snap)
	if hash == w.lastHash {
		return nil, nil
	}
	w.lastHash = hash

	name := capture.Sanitize(screen.Title(snap))
	key := name + "_" + hash[:8]
	if w.seen[key] {
		return nil, nil
	}

	artifact, err := w.store.SaveSnapshot(ctx, snap, name)
	if err != nil {
		w.logger.WithError(err).WithField("screen", name).Warn("Failed to save watched screen")
		return nil, nil
	}
	w.seen[key] = true

	c := Captured{Name: name, Hash: hash, Stats: Count(snap), Artifact: artifact}
	w.captured = append(w.captured, c)
	w.logger.WithFields(logrus.Fields{
		"seq":       artifact.Sequence,
		"screen":    name,
		"elements":  c.Stats.Elements,
		"clickable": c.Stats.Clickable,
	}).Info("Screen change captured")
	return &c, nil
}

// Results 已保存的页面
func (w *Watcher) Results() []Captured {
	out := make([]Captured, len(w.captured))
	copy(out, w.captured)
	return out
}
