// Package drivertest 提供脚本化的 driver.Provider，用于不连接设备的测试
package drivertest

import (
	"context"
	"encoding/xml"
	"fmt"
	"strings"
	"sync"

	"github.com/sphh12/appium-public/internal/domain"
	"github.com/sphh12/appium-public/internal/driver"
	"github.com/sphh12/appium-public/internal/screen"
)

// Screen 一个脚本化页面
type Screen struct {
	Name     string
	XML      string
	Package  string // 为空时使用 Fake.AppID
	Activity string

	// On 点击命中节点后的跳转：key 为 id 短名、content-desc 或 text
	On map[string]string
	// Back 按返回键后的页面，空表示不变
	Back string
	// 滑动后的页面（按手指移动方向），空表示不变
	SwipeUp    string
	SwipeDown  string
	SwipeLeft  string
	SwipeRight string
}

// Fake 脚本化 Provider，线程安全
type Fake struct {
	mu sync.Mutex

	AppID      string
	Screens    map[string]*Screen
	Current    string
	ActivateTo string // ActivateApp 之后进入的页面，空表示不变
	Width      int
	Height     int
	LogLines   []string

	failures map[string][]error
	calls    []string
	closed   bool
}

// NewFake 创建 Fake，第一个页面为当前页面
func NewFake(appID string, screens ...*Screen) *Fake {
	f := &Fake{
		AppID:    appID,
		Screens:  make(map[string]*Screen),
		Width:    1080,
		Height:   2400,
		failures: make(map[string][]error),
	}
	for i, s := range screens {
		f.Screens[s.Name] = s
		if i == 0 {
			f.Current = s.Name
		}
	}
	return f
}

// Add 添加页面
func (f *Fake) Add(s *Screen) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Screens[s.Name] = s
}

// Goto 直接切换当前页面
func (f *Fake) Goto(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Current = name
}

// At 当前页面名
func (f *Fake) At() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Current
}

// FailNext 让下一次 op 调用返回 err。op: tree/foreground/activity/screenshot/logs/tap/swipe/type/back/activate/window
func (f *Fake) FailNext(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = append(f.failures[op], err)
}

// Calls 已记录的输入操作
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// Count 以 prefix 开头的操作次数
func (f *Fake) Count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// Closed 是否已关闭
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *Fake) fail(op string) error {
	if f.closed {
		return driver.NewFault(driver.FaultConnectionLost, op, fmt.Errorf("session closed"))
	}
	queue := f.failures[op]
	if len(queue) == 0 {
		return nil
	}
	f.failures[op] = queue[1:]
	return queue[0]
}

func (f *Fake) current() *Screen {
	if s, ok := f.Screens[f.Current]; ok {
		return s
	}
	return &Screen{Name: f.Current, XML: Hierarchy()}
}

func (f *Fake) moveTo(name string) {
	if name != "" {
		f.Current = name
	}
}

func (f *Fake) Tree(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("tree"); err != nil {
		return "", err
	}
	return f.current().XML, nil
}

func (f *Fake) Screenshot(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("screenshot"); err != nil {
		return nil, err
	}
	return []byte("\x89PNG-" + f.Current), nil
}

func (f *Fake) ForegroundApp(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("foreground"); err != nil {
		return "", err
	}
	if pkg := f.current().Package; pkg != "" {
		return pkg, nil
	}
	return f.AppID, nil
}

func (f *Fake) CurrentActivity(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("activity"); err != nil {
		return "", err
	}
	return f.current().Activity, nil
}

func (f *Fake) Logs(ctx context.Context, kind string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("logs"); err != nil {
		return nil, err
	}
	return append([]string(nil), f.LogLines...), nil
}

// Tap 命中当前页面中包含坐标的最内层节点，按 On 表跳转
func (f *Fake) Tap(ctx context.Context, x, y int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("tap"); err != nil {
		return err
	}

	cur := f.current()
	nodes, err := screen.Parse(cur.XML)
	if err != nil {
		return err
	}
	var hits []*domain.Node
	var visit func([]*domain.Node)
	visit = func(list []*domain.Node) {
		for _, n := range list {
			b := n.Bounds
			if x >= b.Left && x < b.Right && y >= b.Top && y < b.Bottom {
				hits = append(hits, n)
			}
			visit(n.Children)
		}
	}
	visit(nodes)

	for i := len(hits) - 1; i >= 0; i-- {
		n := hits[i]
		for _, key := range []string{screen.ShortID(n.ID), n.ContentDesc, n.Text} {
			if key == "" {
				continue
			}
			if next, ok := cur.On[key]; ok {
				f.calls = append(f.calls, "tap:"+key)
				f.moveTo(next)
				return nil
			}
		}
	}
	if len(hits) > 0 {
		n := hits[len(hits)-1]
		f.calls = append(f.calls, "tap:"+firstNonEmpty(screen.ShortID(n.ID), n.ContentDesc, n.Text, fmt.Sprintf("%d,%d", x, y)))
		return nil
	}
	f.calls = append(f.calls, fmt.Sprintf("tap:%d,%d", x, y))
	return nil
}

func (f *Fake) Swipe(ctx context.Context, x1, y1, x2, y2, durationMs int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("swipe"); err != nil {
		return err
	}

	dx, dy := x2-x1, y2-y1
	cur := f.current()
	var dir, next string
	switch {
	case abs(dy) >= abs(dx) && dy < 0:
		dir, next = "up", cur.SwipeUp
	case abs(dy) >= abs(dx):
		dir, next = "down", cur.SwipeDown
	case dx < 0:
		dir, next = "left", cur.SwipeLeft
	default:
		dir, next = "right", cur.SwipeRight
	}
	f.calls = append(f.calls, "swipe:"+dir)
	f.moveTo(next)
	return nil
}

func (f *Fake) TypeText(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("type"); err != nil {
		return err
	}
	f.calls = append(f.calls, "type:"+text)
	return nil
}

func (f *Fake) PressBack(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("back"); err != nil {
		return err
	}
	f.calls = append(f.calls, "back")
	f.moveTo(f.current().Back)
	return nil
}

func (f *Fake) ActivateApp(ctx context.Context, appID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("activate"); err != nil {
		return err
	}
	f.calls = append(f.calls, "activate:"+appID)
	f.moveTo(f.ActivateTo)
	return nil
}

func (f *Fake) WindowSize(ctx context.Context) (int, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail("window"); err != nil {
		return 0, 0, err
	}
	return f.Width, f.Height, nil
}

func (f *Fake) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.calls = append(f.calls, "close")
	return nil
}

// Reopen 关闭后重新可用（模拟新会话连到同一设备）
func (f *Fake) Reopen() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = false
}

// N 页面节点描述
type N struct {
	ID         string
	Text       string
	Desc       string
	Class      string
	Package    string
	Bounds     [4]int
	Clickable  bool
	Scrollable bool
	Selected   bool
	Children   []N
}

// Hierarchy 生成 UiAutomator 格式的页面源码
func Hierarchy(nodes ...N) string {
	var b strings.Builder
	b.WriteString(`<?xml version='1.0' encoding='UTF-8' standalone='yes' ?>` + "\n")
	b.WriteString(`<hierarchy index="0" class="hierarchy" rotation="0" width="1080" height="2400">` + "\n")
	for _, n := range nodes {
		writeNode(&b, n, 1)
	}
	b.WriteString("</hierarchy>")
	return b.String()
}

func writeNode(b *strings.Builder, n N, depth int) {
	class := n.Class
	if class == "" {
		class = "android.widget.FrameLayout"
	}
	indent := strings.Repeat("  ", depth)
	fmt.Fprintf(b, `%s<node text="%s" resource-id="%s" class="%s" package="%s" content-desc="%s" checkable="false" checked="false" clickable="%t" enabled="true" focusable="%t" focused="false" scrollable="%t" long-clickable="false" password="false" selected="%t" bounds="[%d,%d][%d,%d]"`,
		indent, esc(n.Text), esc(n.ID), esc(class), esc(n.Package), esc(n.Desc),
		n.Clickable, n.Clickable, n.Scrollable, n.Selected,
		n.Bounds[0], n.Bounds[1], n.Bounds[2], n.Bounds[3])
	if len(n.Children) == 0 {
		b.WriteString(" />\n")
		return
	}
	b.WriteString(">\n")
	for _, c := range n.Children {
		writeNode(b, c, depth+1)
	}
	b.WriteString(indent + "</node>\n")
}

func esc(s string) string {
	var b strings.Builder
	xml.EscapeText(&b, []byte(s))
	return b.String()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
