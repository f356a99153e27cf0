// Package capture 负责把页面快照写入会话目录
package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sphh12/appium-public/internal/classifier"
	"github.com/sphh12/appium-public/internal/domain"
	"github.com/sphh12/appium-public/internal/driver"
	"github.com/sphh12/appium-public/internal/screen"
)

// maxCollisionSkips 目录中已有同名文件时最多向后跳过的序号数
const maxCollisionSkips = 1000

// Dismisser 弹窗清理
type Dismisser interface {
	Dismiss(ctx context.Context, p driver.Provider, maxAttempts int) bool
}

// ArtifactHook 每写入一个文件后调用
type ArtifactHook func(ctx context.Context, a *domain.CaptureArtifact)

// Options 存储配置
type Options struct {
	RunID           string
	WithActivity    bool // 写入 Activity/Package 注释
	LogTail         int  // 诊断快照保留的日志行数
	DismissAttempts int
}

// Store 会话目录内的序号化写入器。序号仅在写入成功时消耗，因此同一会话内连续无空洞。
type Store struct {
	dir        string
	opts       Options
	classifier *classifier.Classifier
	dismisser  Dismisser
	logger     *logrus.Logger

	mu        sync.Mutex
	next      int
	artifacts []*domain.CaptureArtifact
	hooks     []ArtifactHook
}

// NewStore 创建存储，dir 不存在时创建
func NewStore(dir string, opts Options, c *classifier.Classifier, d Dismisser, logger *logrus.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create capture dir: %w", err)
	}
	if opts.LogTail <= 0 {
		opts.LogTail = 300
	}
	if opts.DismissAttempts <= 0 {
		opts.DismissAttempts = 5
	}
	return &Store{
		dir:        dir,
		opts:       opts,
		classifier: c,
		dismisser:  d,
		logger:     logger,
		next:       1,
	}, nil
}

// Dir 会话目录
func (s *Store) Dir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir
}

// SetDir 会话目录被重命名后更新路径
func (s *Store) SetDir(dir string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dir = dir
}

// SetDismisser 设置弹窗清理器
func (s *Store) SetDismisser(d Dismisser) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dismisser = d
}

// OnArtifact 注册写入回调
func (s *Store) OnArtifact(hook ArtifactHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// Next 下一个将被使用的序号
func (s *Store) Next() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Artifacts 已写入的文件（按序号）
func (s *Store) Artifacts() []*domain.CaptureArtifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.CaptureArtifact, len(s.artifacts))
	copy(out, s.artifacts)
	return out
}

// Save 保存当前页面。返回 nil artifact 表示未保存（非目标应用）。
//
// verify 为 true 时先分类：OVERLAY 先清理弹窗再采集，FOREIGN 不写任何文件。
func (s *Store) Save(ctx context.Context, p driver.Provider, screenName string, verify bool) (*domain.CaptureArtifact, error) {
	snap, err := s.take(ctx, p)
	if err != nil {
		return nil, err
	}

	if verify && s.classifier != nil {
		switch s.classifier.Classify(snap) {
		case domain.ScreenOverlay:
			s.logger.WithField("screen", screenName).Info("Overlay detected before capture, dismissing")
			if d := s.currentDismisser(); d != nil {
				d.Dismiss(ctx, p, s.opts.DismissAttempts)
			}
			if snap, err = s.take(ctx, p); err != nil {
				return nil, err
			}
			if s.classifier.Classify(snap) == domain.ScreenForeign {
				s.logger.WithField("screen", screenName).Warn("Foreign screen after dismiss, capture skipped")
				return nil, nil
			}
		case domain.ScreenForeign:
			s.logger.WithFields(logrus.Fields{
				"screen":     screenName,
				"foreground": snap.ForegroundApp,
			}).Warn("Foreign screen, capture skipped")
			return nil, nil
		}
	}

	return s.write(ctx, snap, screenName, false, "", true)
}

// SavePopup 关闭弹窗前保存快照，失败只记录日志
func (s *Store) SavePopup(ctx context.Context, p driver.Provider, name string) {
	if _, err := s.Save(ctx, p, name, false); err != nil {
		s.logger.WithError(err).WithField("screen", name).Warn("Failed to save popup capture")
	}
}

// SaveSnapshot 写入已采集的快照
func (s *Store) SaveSnapshot(ctx context.Context, snap *domain.Snapshot, screenName string) (*domain.CaptureArtifact, error) {
	return s.write(ctx, snap, screenName, false, "", true)
}

func (s *Store) currentDismisser() Dismisser {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dismisser
}

func (s *Store) take(ctx context.Context, p driver.Provider) (*domain.Snapshot, error) {
	return screen.Take(ctx, p, screen.TakeOptions{Activity: s.opts.WithActivity})
}

// write 以排他方式创建 NNN_name.xml，成功后才推进序号
func (s *Store) write(ctx context.Context, snap *domain.Snapshot, screenName string, failure bool, failureType domain.FailureType, annotate bool) (*domain.CaptureArtifact, error) {
	payload := snap.Raw
	if annotate && s.opts.WithActivity {
		payload = Annotate(payload, snap.Activity, snap.ForegroundApp)
	}
	name := Sanitize(screenName)

	s.mu.Lock()
	seq := s.next
	var (
		path string
		f    *os.File
		err  error
	)
	for skips := 0; skips <= maxCollisionSkips; skips++ {
		path = filepath.Join(s.dir, fmt.Sprintf("%03d_%s.xml", seq, name))
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil || !errors.Is(err, os.ErrExist) {
			break
		}
		seq++
	}
	if err != nil {
		s.mu.Unlock()
		s.logger.WithError(err).WithField("screen", name).Error("Failed to create capture file")
		return nil, fmt.Errorf("failed to create capture file: %w", err)
	}

	_, werr := f.WriteString(payload)
	cerr := f.Close()
	if werr != nil || cerr != nil {
		os.Remove(path)
		s.mu.Unlock()
		return nil, fmt.Errorf("failed to write capture file: %w", errors.Join(werr, cerr))
	}

	artifact := &domain.CaptureArtifact{
		RunID:       s.opts.RunID,
		Sequence:    seq,
		ScreenName:  name,
		Path:        path,
		Size:        int64(len(payload)),
		Activity:    snap.Activity,
		Failure:     failure,
		FailureType: failureType,
		SavedAt:     time.Now(),
	}
	s.next = seq + 1
	s.artifacts = append(s.artifacts, artifact)
	hooks := append([]ArtifactHook(nil), s.hooks...)
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"seq":     seq,
		"file":    filepath.Base(path),
		"size_kb": len(payload) / 1024,
	}).Info("Capture saved")

	for _, hook := range hooks {
		hook(ctx, artifact)
	}
	return artifact, nil
}

// Annotate 在 XML 声明之后插入 Activity/Package 注释，无声明时放在开头
func Annotate(raw, activity, pkg string) string {
	if activity == "" {
		activity = "unknown"
	}
	if pkg == "" {
		pkg = "unknown"
	}
	comment := fmt.Sprintf("<!-- Activity: %s | Package: %s -->\n", activity, pkg)

	if strings.HasPrefix(raw, "<?xml") {
		if end := strings.Index(raw, "?>"); end != -1 {
			end += 2
			return raw[:end] + "\n" + comment + strings.TrimLeft(raw[end:], "\n")
		}
	}
	return comment + raw
}
