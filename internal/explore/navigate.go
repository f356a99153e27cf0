package explore

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/sphh12/appium-public/internal/domain"
	"github.com/sphh12/appium-public/internal/driver"
	"github.com/sphh12/appium-public/internal/retry"
	"github.com/sphh12/appium-public/internal/screen"
)

func (c *Controller) take(ctx context.Context) (*domain.Snapshot, error) {
	return screen.Take(ctx, c.p, screen.TakeOptions{})
}

// find 在查找超时内等待节点出现
func (c *Controller) find(ctx context.Context, m screen.Matcher, what string) (*domain.Node, error) {
	var found *domain.Node
	err := retry.Poll(ctx, c.plan.Timing.Poll, c.plan.Timing.Lookup, func(ctx context.Context) (bool, error) {
		snap, err := c.take(ctx)
		if err != nil {
			if driver.IsSessionLost(err) {
				return false, err
			}
			return false, nil
		}
		n, ok := m.Find(snap)
		if ok {
			found = n
		}
		return ok, nil
	})
	if errors.Is(err, retry.ErrPollTimeout) {
		return nil, driver.NewFault(driver.FaultElementNotFound, "find", fmt.Errorf("%s: %w", what, err))
	}
	return found, err
}

// tapLocator 等待定位目标出现后点击
func (c *Controller) tapLocator(ctx context.Context, l domain.Locator) error {
	n, err := c.find(ctx, screen.Locate(l), l.String())
	if err != nil {
		return err
	}
	if err := screen.Tap(ctx, c.p, n); err != nil {
		return err
	}
	retry.Sleep(ctx, c.plan.Timing.Settle)
	return nil
}

// openTab 点击底部 Tab，等待切换完成后清理弹窗
func (c *Controller) openTab(ctx context.Context, tab domain.Locator) error {
	n, err := c.find(ctx, screen.Locate(tab), "tab "+tab.String())
	if err != nil {
		return err
	}
	if err := screen.Tap(ctx, c.p, n); err != nil {
		return err
	}
	retry.Sleep(ctx, c.plan.Timing.TabSwitch)
	c.dismiss.DismissAll(ctx, c.p)
	return ctx.Err()
}

// openDrawer 在所属 Tab 上打开侧边菜单，并确认菜单确实已打开
func (c *Controller) openDrawer(ctx context.Context, sec Section) error {
	snap, err := c.take(ctx)
	if err != nil {
		return err
	}
	if tab, ok := screen.Locate(sec.Tab).Find(snap); !ok || !tab.Selected {
		if err := c.openTab(ctx, sec.Tab); err != nil {
			return err
		}
	}

	if err := c.tapLocator(ctx, sec.Drawer.Opener); err != nil {
		return err
	}

	after, err := c.take(ctx)
	if err != nil {
		return err
	}
	for _, l := range sec.Drawer.OpenMarkers {
		if screen.Locate(l).In(after) {
			c.logger.WithField("section", sec.Name).Debug("Drawer opened")
			return nil
		}
	}
	if len(sec.Drawer.OpenMarkers) == 0 {
		return nil
	}
	return driver.NewFault(driver.FaultElementNotFound, "open_drawer", fmt.Errorf("drawer did not open"))
}

// goBack 优先点击应用内返回按钮，没有时按硬件返回；离开应用后重新激活
func (c *Controller) goBack(ctx context.Context) error {
	snap, err := c.take(ctx)
	if err != nil {
		return err
	}

	tapped := false
	for _, l := range c.plan.BackButtons {
		if n, ok := screen.Locate(l).Find(snap); ok && !n.Bounds.IsEmpty() {
			if err := screen.Tap(ctx, c.p, n); err != nil {
				return err
			}
			tapped = true
			break
		}
	}
	if !tapped {
		if err := c.p.PressBack(ctx); err != nil {
			return err
		}
	}
	retry.Sleep(ctx, c.plan.Timing.Settle)

	pkg, err := c.p.ForegroundApp(ctx)
	if err != nil {
		return err
	}
	if c.plan.AppID != "" && pkg != c.plan.AppID {
		c.logger.WithField("foreground", pkg).Warn("Back left the app")
		return c.EnsureAppRunning(ctx)
	}
	return nil
}

// GoHome 反复清理/返回直到首页导航可见，然后点击首页 Tab。
// 尝试次数用尽返回 false；会话丢失返回错误。
func (c *Controller) GoHome(ctx context.Context) (bool, error) {
	attempts := c.plan.Limits.HomeAttempts
	if attempts <= 0 {
		attempts = 5
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		c.dismiss.Dismiss(ctx, c.p, 3)

		snap, err := c.take(ctx)
		if err != nil {
			if fatal(ctx, err) {
				return false, err
			}
			retry.Sleep(ctx, c.plan.Timing.Settle)
			continue
		}

		if c.classifier.IsForeign(snap) {
			if err := c.EnsureAppRunning(ctx); err != nil && fatal(ctx, err) {
				return false, err
			}
			continue
		}

		if home, ok := c.classifier.HomeNode(snap); ok {
			if err := screen.Tap(ctx, c.p, home); err != nil {
				if fatal(ctx, err) {
					return false, err
				}
				continue
			}
			retry.Sleep(ctx, c.plan.Timing.Settle)
			return true, nil
		}

		if err := c.goBack(ctx); err != nil && fatal(ctx, err) {
			return false, err
		}
		c.logger.WithField("attempt", attempt).Debug("Home not visible yet")
	}
	return false, nil
}

// EnsureAppRunning 确认目标应用在前台，否则激活并等待启动页
func (c *Controller) EnsureAppRunning(ctx context.Context) error {
	appID := c.plan.AppID
	if appID == "" {
		return nil
	}
	retries := c.plan.Limits.AppRetries
	if retries <= 0 {
		retries = 3
	}

	for attempt := 1; attempt <= retries; attempt++ {
		pkg, err := c.p.ForegroundApp(ctx)
		if err != nil {
			if fatal(ctx, err) {
				return err
			}
			retry.Sleep(ctx, c.plan.Timing.Settle)
			continue
		}
		if pkg == appID {
			return nil
		}

		c.logger.WithFields(logrus.Fields{
			"foreground": pkg,
			"attempt":    attempt,
		}).Warn("App not in foreground, activating")
		if err := c.p.ActivateApp(ctx, appID); err != nil && fatal(ctx, err) {
			return err
		}
		retry.Sleep(ctx, c.plan.Timing.SplashWait)
	}

	pkg, err := c.p.ForegroundApp(ctx)
	if err != nil {
		return err
	}
	if pkg == appID {
		return nil
	}
	return fmt.Errorf("%w: %s is not in foreground (got %s)", ErrAppNotReady, appID, pkg)
}

// WaitForHome 轮询直到首页导航出现。期间处理指纹设置、反诈骗确认、续期提示等插页，
// 只使用点击，不按硬件返回（登录后按返回可能退出应用）。
func (c *Controller) WaitForHome(ctx context.Context) bool {
	err := retry.Poll(ctx, c.plan.Timing.Poll, c.plan.Timing.HomeWait, func(ctx context.Context) (bool, error) {
		snap, err := c.take(ctx)
		if err != nil {
			c.logger.WithError(err).Debug("Snapshot failed while waiting for home")
			return false, nil
		}
		if c.classifier.HasHome(snap) {
			return true, nil
		}
		c.handleInterstitial(ctx, snap)
		return false, nil
	})
	if err != nil {
		c.logger.WithError(err).Warn("Home screen did not appear")
		return false
	}
	c.logger.Info("Home screen ready")
	return true
}

func (c *Controller) handleInterstitial(ctx context.Context, snap *domain.Snapshot) {
	switch {
	case c.auth.HandleFingerprintPrompt(ctx, c.p, snap):
	case c.auth.HandlePhishingNotice(ctx, c.p, snap):
	default:
		fired, err := c.dismiss.TryTap(ctx, c.p, snap)
		if err != nil {
			c.logger.WithError(err).Debug("Interstitial tap failed")
		}
		if !fired {
			return
		}
	}
	retry.Sleep(ctx, c.plan.Timing.Settle)
}

// recover 重建会话 -> 应用前台 -> 清理弹窗 -> 首页
func (c *Controller) recover(ctx context.Context) error {
	if c.recoverer == nil {
		return fmt.Errorf("no session recoverer configured")
	}
	if err := c.recoverer.Recreate(ctx); err != nil {
		return err
	}
	retry.Sleep(ctx, c.plan.Timing.Settle)

	if err := c.EnsureAppRunning(ctx); err != nil {
		return err
	}
	c.dismiss.DismissAll(ctx, c.p)

	if err := c.openTab(ctx, c.homeTab()); err != nil {
		if driver.IsSessionLost(err) {
			return err
		}
		c.logger.WithError(err).Warn("Home tab not found after recovery")
	}
	c.logger.Info("Session recovered")
	return nil
}

// resetToHome 组内非致命错误之后回到首页，失败只记录
func (c *Controller) resetToHome(ctx context.Context) {
	if err := c.EnsureAppRunning(ctx); err != nil {
		c.logger.WithError(err).Warn("App not running after section failure")
	}
	if ok, err := c.GoHome(ctx); err != nil || !ok {
		c.logger.WithError(err).Warn("Could not return home after section failure")
	}
}

func (c *Controller) homeTab() domain.Locator {
	if len(c.plan.Signatures.HomeMarkers) > 0 {
		return c.plan.Signatures.HomeMarkers[0]
	}
	return domain.Locator{ContentDesc: "Home"}
}
