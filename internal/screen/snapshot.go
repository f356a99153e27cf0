package screen

import (
	"context"
	"crypto/md5"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sphh12/appium-public/internal/domain"
	"github.com/sphh12/appium-public/internal/driver"
)

// TakeOptions 快照采集选项
type TakeOptions struct {
	Screenshot bool
	Activity   bool
}

// Take 采集一份新快照。树和前台包名是必需的，截图/Activity 失败只记为空。
func Take(ctx context.Context, p driver.Provider, opts TakeOptions) (*domain.Snapshot, error) {
	raw, err := p.Tree(ctx)
	if err != nil {
		return nil, err
	}
	nodes, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	pkg, err := p.ForegroundApp(ctx)
	if err != nil {
		return nil, err
	}

	snap := &domain.Snapshot{
		Nodes:         nodes,
		Raw:           raw,
		ForegroundApp: pkg,
		CapturedAt:    time.Now(),
	}
	if opts.Activity {
		if activity, err := p.CurrentActivity(ctx); err == nil {
			snap.Activity = activity
		}
	}
	if opts.Screenshot {
		if png, err := p.Screenshot(ctx); err == nil {
			snap.Screenshot = png
		}
	}
	return snap, nil
}

// FromRaw 用已有页面源码构造快照（测试和离线分析用）
func FromRaw(raw, foregroundApp string) (*domain.Snapshot, error) {
	nodes, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	return &domain.Snapshot{
		Nodes:         nodes,
		Raw:           raw,
		ForegroundApp: foregroundApp,
		CapturedAt:    time.Now(),
	}, nil
}

// Tap 点击节点中心
func Tap(ctx context.Context, p driver.Provider, n *domain.Node) error {
	if n.Bounds.IsEmpty() {
		return driver.NewFault(driver.FaultElementNotFound, "tap", fmt.Errorf("node %q has no bounds", n.ID))
	}
	x, y := n.Bounds.Center()
	return p.Tap(ctx, x, y)
}

var titleIDs = []string{"screenTitle", "toolbar_title", "tv_title", "title"}

// Title 从快照推断页面名：标题 id > 含 title 的 id > Activity 名 > 第一个有意义的 TextView
func Title(s *domain.Snapshot) string {
	for _, id := range titleIDs {
		if n, ok := ID(id).Find(s); ok && strings.TrimSpace(n.Text) != "" {
			return strings.TrimSpace(n.Text)
		}
	}
	if n, ok := AllOf(IDContains("title"), func(n *domain.Node) bool {
		return strings.TrimSpace(n.Text) != ""
	}).Find(s); ok {
		return strings.TrimSpace(n.Text)
	}

	if s.Activity != "" {
		name := s.Activity
		if idx := strings.LastIndex(name, "."); idx != -1 {
			name = name[idx+1:]
		}
		name = strings.TrimSuffix(name, "Activity")
		if name != "" {
			return name
		}
	}

	if n, ok := AllOf(Class("TextView"), func(n *domain.Node) bool {
		text := strings.TrimSpace(n.Text)
		return utf8.RuneCountInString(text) >= 2 && utf8.RuneCountInString(text) <= 30
	}).Find(s); ok {
		return strings.TrimSpace(n.Text)
	}

	return "unknown"
}

// Hash 页面结构指纹：前 50 个带 id 或文本节点的 "id:text" 的 md5
func Hash(s *domain.Snapshot) string {
	var parts []string
	s.Walk(func(n *domain.Node) bool {
		if n.ID == "" && n.Text == "" {
			return true
		}
		text := n.Text
		if utf8.RuneCountInString(text) > 20 {
			text = string([]rune(text)[:20])
		}
		parts = append(parts, n.ID+":"+text)
		return len(parts) < 50
	})
	sum := md5.Sum([]byte(strings.Join(parts, "|")))
	return fmt.Sprintf("%x", sum)
}
