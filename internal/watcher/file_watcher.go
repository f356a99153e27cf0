package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Event 输出目录中出现的新快照文件
type Event struct {
	RunDir string `json:"run_dir"` // 相对输出根目录的会话目录
	File   string `json:"file"`
	Event  string `json:"event"`
}

// Handler 文件处理函数
type Handler func(ctx context.Context, evt Event)

// FileWatcher 递归监控输出根目录，新建的会话目录自动加入监控
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	root     string
	pattern  string // 文件匹配模式，如 "*.xml"
	handler  Handler
	logger   *logrus.Logger
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// NewFileWatcher 创建文件监控器，root 不存在时创建
func NewFileWatcher(root, pattern string, handler Handler, logger *logrus.Logger) (*FileWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to create watch directory: %w", err)
	}

	fw := &FileWatcher{
		watcher:  w,
		root:     root,
		pattern:  pattern,
		handler:  handler,
		logger:   logger,
		debounce: 300 * time.Millisecond,
		pending:  make(map[string]*time.Timer),
	}
	if err := fw.addTree(root); err != nil {
		w.Close()
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"root":    root,
		"pattern": pattern,
	}).Info("File watcher created")
	return fw, nil
}

// SetDebounce 设置防抖时间
func (fw *FileWatcher) SetDebounce(d time.Duration) {
	fw.debounce = d
}

// addTree 监控目录及其所有子目录
func (fw *FileWatcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := fw.watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

// Start 启动事件循环，ctx 结束时退出
func (fw *FileWatcher) Start(ctx context.Context) {
	go fw.eventLoop(ctx)
}

func (fw *FileWatcher) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			fw.stopTimers()
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				fw.logger.Warn("Watcher events channel closed")
				return
			}
			fw.handleEvent(ctx, event)
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.WithError(err).Error("Watcher error")
		}
	}
}

func (fw *FileWatcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
		return
	}

	info, err := os.Stat(event.Name)
	if err != nil {
		// Rename 的旧路径
		return
	}
	if info.IsDir() {
		if event.Has(fsnotify.Create) {
			if err := fw.addTree(event.Name); err != nil {
				fw.logger.WithError(err).Warn("Failed to watch new directory")
			}
			// 目录先于监控建立时其中可能已有文件
			fw.scanDir(ctx, event.Name)
		}
		return
	}

	if !fw.match(event.Name) {
		return
	}

	// 同一文件短时间内多次写入只通知一次
	fw.mu.Lock()
	if t, ok := fw.pending[event.Name]; ok {
		t.Stop()
	}
	name := event.Name
	op := event.Op.String()
	fw.pending[name] = time.AfterFunc(fw.debounce, func() {
		fw.mu.Lock()
		delete(fw.pending, name)
		fw.mu.Unlock()
		fw.emit(ctx, name, op)
	})
	fw.mu.Unlock()
}

func (fw *FileWatcher) scanDir(ctx context.Context, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		path := filepath.Join(dir, e.Name())
		if !e.IsDir() && fw.match(path) {
			fw.emit(ctx, path, "SCAN")
		}
	}
}

func (fw *FileWatcher) match(path string) bool {
	if fw.pattern == "" {
		return true
	}
	ok, err := filepath.Match(fw.pattern, filepath.Base(path))
	return err == nil && ok
}

func (fw *FileWatcher) emit(ctx context.Context, path, op string) {
	if ctx.Err() != nil {
		return
	}
	runDir, err := filepath.Rel(fw.root, filepath.Dir(path))
	if err != nil {
		runDir = filepath.Dir(path)
	}
	fw.handler(ctx, Event{
		RunDir: filepath.ToSlash(runDir),
		File:   filepath.Base(path),
		Event:  op,
	})
}

func (fw *FileWatcher) stopTimers() {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	for name, t := range fw.pending {
		t.Stop()
		delete(fw.pending, name)
	}
}

// Close 关闭监控
func (fw *FileWatcher) Close() error {
	fw.stopTimers()
	return fw.watcher.Close()
}
