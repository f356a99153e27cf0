package dismiss

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sphh12/appium-public/internal/classifier"
	"github.com/sphh12/appium-public/internal/domain"
	"github.com/sphh12/appium-public/internal/driver"
	"github.com/sphh12/appium-public/internal/retry"
	"github.com/sphh12/appium-public/internal/screen"
)

// PopupRecorder 在关闭弹窗前保存快照
type PopupRecorder interface {
	SavePopup(ctx context.Context, p driver.Provider, name string)
}

// Config 清理引擎配置
type Config struct {
	Rules           []Rule
	MaxAttempts     int           // 单次 Dismiss 的尝试轮数
	Rounds          int           // DismissAll 的最大轮数
	SettleDelay     time.Duration // 每次动作后的等待
	ReactivateDelay time.Duration // 重新激活应用后的等待（启动页）
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		Rules:           DefaultRules(),
		MaxAttempts:     5,
		Rounds:          3,
		SettleDelay:     1500 * time.Millisecond,
		ReactivateDelay: 3 * time.Second,
	}
}

// Engine 弹窗清理引擎
type Engine struct {
	cfg        Config
	classifier *classifier.Classifier
	recorder   PopupRecorder
	logger     *logrus.Logger
}

// NewEngine 创建清理引擎
func NewEngine(cfg Config, c *classifier.Classifier, logger *logrus.Logger) (*Engine, error) {
	if len(cfg.Rules) == 0 {
		cfg.Rules = DefaultRules()
	}
	if err := ValidateRules(cfg.Rules); err != nil {
		return nil, err
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Rounds <= 0 {
		cfg.Rounds = 3
	}
	return &Engine{cfg: cfg, classifier: c, logger: logger}, nil
}

// SetRecorder 设置弹窗快照保存器，nil 表示不保存
func (e *Engine) SetRecorder(r PopupRecorder) {
	e.recorder = r
}

// Rules 当前生效的规则（只读副本）
func (e *Engine) Rules() []Rule {
	out := make([]Rule, len(e.cfg.Rules))
	copy(out, e.cfg.Rules)
	return out
}

// outcome 单轮规则执行结果
type outcome struct {
	rule  string
	fired bool // 执行了改变 UI 的动作
	done  bool // 可以直接结束（已确认干净或已重新激活应用）
}

// Dismiss 尝试把当前页面恢复为 APP。已是 APP 时不做任何操作直接返回 true。
//
// 达到 maxAttempts 仍未恢复时返回 false，调用方只记录不终止。
// 会话已丢失的错误同样返回 false，由上层决定是否重建会话。
func (e *Engine) Dismiss(ctx context.Context, p driver.Provider, maxAttempts int) bool {
	if maxAttempts <= 0 {
		maxAttempts = e.cfg.MaxAttempts
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return false
		}

		snap, err := screen.Take(ctx, p, screen.TakeOptions{})
		if err != nil {
			e.logger.WithError(err).WithField("attempt", attempt).Warn("Failed to take snapshot during dismiss")
			if driver.IsSessionLost(err) {
				return false
			}
			retry.Sleep(ctx, e.cfg.SettleDelay)
			continue
		}

		class := e.classifier.Classify(snap)
		if class == domain.ScreenApp {
			if attempt > 1 {
				e.logger.WithField("attempts", attempt-1).Info("Overlay dismissed")
			}
			return true
		}

		out, err := e.apply(ctx, p, snap, class)
		e.logger.WithFields(logrus.Fields{
			"attempt": attempt,
			"class":   class.String(),
			"rule":    out.rule,
			"fired":   out.fired,
		}).Debug("Dismiss attempt")

		if err != nil {
			e.logger.WithError(err).WithField("rule", out.rule).Warn("Dismiss action failed")
			if driver.IsSessionLost(err) {
				return false
			}
		}
		if out.done {
			return true
		}
		if out.fired {
			retry.Sleep(ctx, e.cfg.SettleDelay)
		}
	}

	snap, err := screen.Take(ctx, p, screen.TakeOptions{})
	if err == nil && e.classifier.Classify(snap) == domain.ScreenApp {
		return true
	}

	e.logger.WithField("max_attempts", maxAttempts).Warn("Could not return to app screen")
	return false
}

// DismissAll 多轮清理，直到页面为 APP 或轮数用尽
func (e *Engine) DismissAll(ctx context.Context, p driver.Provider) bool {
	for round := 1; round <= e.cfg.Rounds; round++ {
		if e.Dismiss(ctx, p, e.cfg.MaxAttempts) {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		e.logger.WithField("round", round).Info("Screen still not clean, retrying dismiss round")
	}
	return false
}

// apply 按顺序尝试规则，第一条触发的生效
func (e *Engine) apply(ctx context.Context, p driver.Provider, snap *domain.Snapshot, class domain.ScreenClass) (outcome, error) {
	// 已离开应用时只有兜底规则有意义
	if class == domain.ScreenForeign {
		return e.guardedBack(ctx, p, "foreign")
	}

	for _, rule := range e.cfg.Rules {
		switch rule.Action {
		case ActionTap, ActionTapThenBack, ActionBack:
			node, ok := firstVisible(snap, rule.Match)
			if !ok {
				continue
			}
			if rule.Capture && e.recorder != nil {
				e.recorder.SavePopup(ctx, p, "popup_"+rule.Name)
			}
			e.logger.WithFields(logrus.Fields{
				"rule": rule.Name,
				"node": describe(node),
			}).Info("Dismissing overlay")

			if rule.Action == ActionBack {
				return outcome{rule: rule.Name, fired: true}, p.PressBack(ctx)
			}
			if err := screen.Tap(ctx, p, node); err != nil {
				return outcome{rule: rule.Name}, err
			}
			if rule.Action == ActionTapThenBack {
				return outcome{rule: rule.Name, fired: true}, e.backAfterTap(ctx, p, rule)
			}
			return outcome{rule: rule.Name, fired: true}, nil

		case ActionDone:
			if e.classifier.HasHome(snap) && !e.classifier.HasOverlay(snap) {
				return outcome{rule: rule.Name, done: true}, nil
			}

		case ActionGuardedBack:
			return e.guardedBack(ctx, p, rule.Name)
		}
	}
	return outcome{rule: "none"}, nil
}

// backAfterTap 确认按钮之后必须离开该页面
func (e *Engine) backAfterTap(ctx context.Context, p driver.Provider, rule Rule) error {
	retry.Sleep(ctx, e.cfg.SettleDelay)

	snap, err := screen.Take(ctx, p, screen.TakeOptions{})
	if err != nil {
		if ctx.Err() != nil || driver.IsSessionLost(err) {
			return err
		}
		// 取不到页面时仍然要离开
		e.logger.WithError(err).WithField("rule", rule.Name).Debug("Snapshot after tap failed, pressing back")
		return p.PressBack(ctx)
	}
	if node, ok := firstVisible(snap, rule.BackVia); ok {
		if err := screen.Tap(ctx, p, node); err == nil || driver.IsSessionLost(err) || ctx.Err() != nil {
			return err
		}
	}
	return p.PressBack(ctx)
}

// guardedBack 返回前确认前台包名，防止把应用退出；已离开则重新激活
func (e *Engine) guardedBack(ctx context.Context, p driver.Provider, name string) (outcome, error) {
	appID := e.classifier.AppID()

	pkg, err := p.ForegroundApp(ctx)
	if err != nil {
		return outcome{rule: name}, err
	}
	if appID != "" && pkg != appID {
		return e.reactivate(ctx, p, name, pkg)
	}

	if err := p.PressBack(ctx); err != nil {
		return outcome{rule: name}, err
	}
	retry.Sleep(ctx, e.cfg.SettleDelay)

	after, err := p.ForegroundApp(ctx)
	if err != nil {
		return outcome{rule: name, fired: true}, err
	}
	if appID != "" && after != appID {
		return e.reactivate(ctx, p, name, after)
	}
	return outcome{rule: name, fired: true}, nil
}

func (e *Engine) reactivate(ctx context.Context, p driver.Provider, name, foreground string) (outcome, error) {
	appID := e.classifier.AppID()
	e.logger.WithFields(logrus.Fields{
		"foreground": foreground,
		"app_id":     appID,
	}).Warn("App left foreground, reactivating")

	if err := p.ActivateApp(ctx, appID); err != nil {
		return outcome{rule: name}, fmt.Errorf("reactivate app: %w", err)
	}
	retry.Sleep(ctx, e.cfg.ReactivateDelay)
	return outcome{rule: name, fired: true, done: true}, nil
}

// firstVisible 按定位器顺序找第一个可见节点
func firstVisible(snap *domain.Snapshot, locators []domain.Locator) (*domain.Node, bool) {
	for _, l := range locators {
		for _, n := range screen.Locate(l).FindAll(snap) {
			if n.Displayed && !n.Bounds.IsEmpty() {
				return n, true
			}
		}
	}
	return nil, false
}

func describe(n *domain.Node) string {
	switch {
	case n.ID != "":
		return screen.ShortID(n.ID)
	case n.ContentDesc != "":
		return "desc=" + n.ContentDesc
	default:
		return "text=" + n.Text
	}
}

// TryTap 只执行点击类规则（不按硬件返回），用于登录后等待首页期间处理插页。
// tap_then_back 规则只通过应用内返回按钮离开。返回是否执行了动作。
func (e *Engine) TryTap(ctx context.Context, p driver.Provider, snap *domain.Snapshot) (bool, error) {
	for _, rule := range e.cfg.Rules {
		if rule.Action != ActionTap && rule.Action != ActionTapThenBack {
			continue
		}
		node, ok := firstVisible(snap, rule.Match)
		if !ok {
			continue
		}
		if rule.Capture && e.recorder != nil {
			e.recorder.SavePopup(ctx, p, "popup_"+rule.Name)
		}
		e.logger.WithFields(logrus.Fields{
			"rule": rule.Name,
			"node": describe(node),
		}).Info("Dismissing interstitial")

		if err := screen.Tap(ctx, p, node); err != nil {
			return false, err
		}
		if rule.Action == ActionTapThenBack {
			retry.Sleep(ctx, e.cfg.SettleDelay)
			after, err := screen.Take(ctx, p, screen.TakeOptions{})
			if err != nil {
				return true, err
			}
			if back, ok := firstVisible(after, rule.BackVia); ok {
				return true, screen.Tap(ctx, p, back)
			}
		}
		return true, nil
	}
	return false, nil
}
