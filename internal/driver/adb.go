package driver

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ADBProvider 直接通过 adb shell 操作设备，不依赖 Appium 服务
//
// 用于 dump/watch 这类只读场景，或 Appium 不可用时的兜底。
type ADBProvider struct {
	target  string // adb -s 目标，如 emulator-5554 或 192.168.1.10:5555
	timeout time.Duration
	logTail int
	logger  *logrus.Logger
	runner  func(ctx context.Context, args ...string) ([]byte, error)
	screenW int
	screenH int
}

// NewADBProvider 创建 adb 驱动
func NewADBProvider(target string, timeout time.Duration, logger *logrus.Logger) *ADBProvider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	p := &ADBProvider{
		target:  target,
		timeout: timeout,
		logTail: 300,
		logger:  logger,
	}
	p.runner = p.execADB
	return p
}

func (p *ADBProvider) execADB(ctx context.Context, args ...string) ([]byte, error) {
	full := args
	if p.target != "" {
		full = append([]string{"-s", p.target}, args...)
	}
	cmd := exec.CommandContext(ctx, "adb", full...)
	return cmd.CombinedOutput()
}

// shell 执行 shell 命令
func (p *ADBProvider) shell(ctx context.Context, op, command string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	output, err := p.runner(ctx, "shell", command)
	if err != nil {
		return "", p.classify(ctx, op, fmt.Errorf("shell command failed: %w, output: %s", err, strings.TrimSpace(string(output))), string(output))
	}
	return string(output), nil
}

// classify adb 的错误只能从输出判断
func (p *ADBProvider) classify(ctx context.Context, op string, err error, output string) error {
	if ctx.Err() == context.DeadlineExceeded {
		return NewFault(FaultTimeout, op, err)
	}
	lower := strings.ToLower(output)
	switch {
	case strings.Contains(lower, "device offline"),
		strings.Contains(lower, "device not found"),
		strings.Contains(lower, "no devices/emulators found"),
		strings.Contains(lower, "device unauthorized"):
		return NewFault(FaultConnectionLost, op, err)
	case strings.Contains(lower, "uiautomator"), strings.Contains(lower, "killed"):
		return NewFault(FaultInstrumentationCrashed, op, err)
	}
	return NewFault(FaultTimeout, op, err)
}

// Tree 通过 uiautomator dump 到设备再读取
func (p *ADBProvider) Tree(ctx context.Context) (string, error) {
	remotePath := "/sdcard/window_dump.xml"
	if _, err := p.shell(ctx, "source", "uiautomator dump "+remotePath); err != nil {
		return "", err
	}
	out, err := p.shell(ctx, "source", "cat "+remotePath)
	if err != nil {
		return "", err
	}
	p.shell(ctx, "source", "rm "+remotePath)

	if idx := strings.Index(out, "<?xml"); idx > 0 {
		out = out[idx:]
	}
	return out, nil
}

func (p *ADBProvider) Screenshot(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	out, err := p.runner(ctx, "exec-out", "screencap", "-p")
	if err != nil {
		return nil, p.classify(ctx, "screenshot", fmt.Errorf("screencap failed: %w", err), string(out))
	}
	return out, nil
}

// ForegroundApp 从 mCurrentFocus 解析包名
func (p *ADBProvider) ForegroundApp(ctx context.Context) (string, error) {
	pkg, _, err := p.focus(ctx)
	return pkg, err
}

func (p *ADBProvider) CurrentActivity(ctx context.Context) (string, error) {
	_, activity, err := p.focus(ctx)
	return activity, err
}

func (p *ADBProvider) focus(ctx context.Context) (string, string, error) {
	output, err := p.shell(ctx, "current_focus", "dumpsys window | grep mCurrentFocus")
	if err == nil {
		if pkg, activity, ok := parseFocus(output); ok {
			return pkg, activity, nil
		}
	}

	output, err = p.shell(ctx, "current_focus", "dumpsys activity activities | grep mResumedActivity")
	if err != nil {
		return "", "", err
	}
	for _, line := range strings.Split(output, "\n") {
		if pkg, activity, ok := parseFocus(line); ok {
			return pkg, activity, nil
		}
	}
	return "", "", NewFault(FaultElementNotFound, "current_focus", fmt.Errorf("failed to get foreground package"))
}

// parseFocus 解析 "... u0 com.example.app/com.example.app.MainActivity}" 形式
func parseFocus(line string) (string, string, bool) {
	idx := strings.Index(line, " u0 ")
	if idx == -1 {
		return "", "", false
	}
	rest := line[idx+4:]
	if end := strings.IndexAny(rest, "} "); end != -1 {
		rest = rest[:end]
	}
	rest = strings.TrimSpace(rest)
	pkg, activity, _ := strings.Cut(rest, "/")
	if pkg == "" || strings.Contains(pkg, " ") {
		return "", "", false
	}
	if strings.HasPrefix(activity, ".") {
		activity = pkg + activity
	}
	return pkg, activity, true
}

// Logs 只支持 logcat，返回最近 logTail 行
func (p *ADBProvider) Logs(ctx context.Context, kind string) ([]string, error) {
	if kind != LogKindLogcat {
		return nil, fmt.Errorf("unsupported log kind: %s", kind)
	}
	out, err := p.shell(ctx, "logs", fmt.Sprintf("logcat -d -t %d", p.logTail))
	if err != nil {
		return nil, err
	}
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	return lines, nil
}

func (p *ADBProvider) Tap(ctx context.Context, x, y int) error {
	_, err := p.shell(ctx, "tap", fmt.Sprintf("input tap %d %d", x, y))
	return err
}

func (p *ADBProvider) Swipe(ctx context.Context, x1, y1, x2, y2, durationMs int) error {
	_, err := p.shell(ctx, "swipe", fmt.Sprintf("input swipe %d %d %d %d %d", x1, y1, x2, y2, durationMs))
	return err
}

func (p *ADBProvider) TypeText(ctx context.Context, text string) error {
	escaped := strings.ReplaceAll(text, " ", "%s")
	_, err := p.shell(ctx, "type_text", fmt.Sprintf("input text %q", escaped))
	return err
}

func (p *ADBProvider) PressBack(ctx context.Context) error {
	_, err := p.shell(ctx, "press_back", fmt.Sprintf("input keyevent %d", KeycodeBack))
	return err
}

// ActivateApp 用 monkey 启动 launcher activity，已在后台时会切回前台
func (p *ADBProvider) ActivateApp(ctx context.Context, appID string) error {
	output, err := p.shell(ctx, "activate_app", fmt.Sprintf("monkey -p %s -c android.intent.category.LAUNCHER 1", appID))
	if err != nil {
		return err
	}
	if strings.Contains(output, "No activities found") {
		return NewFault(FaultElementNotFound, "activate_app", fmt.Errorf("no launcher activity for %s", appID))
	}
	return nil
}

var wmSizeRe = regexp.MustCompile(`(\d+)x(\d+)`)

// WindowSize 解析 wm size，Override size 优先
func (p *ADBProvider) WindowSize(ctx context.Context) (int, int, error) {
	if p.screenW > 0 && p.screenH > 0 {
		return p.screenW, p.screenH, nil
	}
	out, err := p.shell(ctx, "window_size", "wm size")
	if err != nil {
		return 0, 0, err
	}
	var line string
	for _, l := range strings.Split(out, "\n") {
		if strings.Contains(l, "Override size") {
			line = l
			break
		}
		if strings.Contains(l, "Physical size") {
			line = l
		}
	}
	m := wmSizeRe.FindStringSubmatch(line)
	if m == nil {
		return 0, 0, fmt.Errorf("unexpected wm size output: %s", strings.TrimSpace(out))
	}
	p.screenW, _ = strconv.Atoi(m[1])
	p.screenH, _ = strconv.Atoi(m[2])
	return p.screenW, p.screenH, nil
}

// Close adb 没有远端会话
func (p *ADBProvider) Close(ctx context.Context) error {
	return nil
}
