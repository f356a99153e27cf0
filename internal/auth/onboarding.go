package auth

import (
	"context"
	"regexp"
	"strings"

	"github.com/sphh12/appium-public/internal/domain"
	"github.com/sphh12/appium-public/internal/driver"
	"github.com/sphh12/appium-public/internal/retry"
	"github.com/sphh12/appium-public/internal/screen"
)

var nextLike = regexp.MustCompile(`(?i)^(next|confirm|continue|done|ok|agree)`)

// HandleOnboarding 处理首次启动页面：权限说明、系统权限弹窗、语言选择、服务条款。
// 只在明确识别出页面时才操作，直到出现首页或登录控件。
func (a *Authenticator) HandleOnboarding(ctx context.Context, p driver.Provider) error {
	steps := a.cfg.OnboardingSteps
	if steps <= 0 {
		steps = 8
	}

	for step := 0; step < steps; step++ {
		snap, err := screen.Take(ctx, p, screen.TakeOptions{})
		if err != nil {
			if driver.IsSessionLost(err) {
				return err
			}
			retry.Sleep(ctx, a.cfg.PollInterval)
			continue
		}
		if a.home.In(snap) || a.NeedsLogin(snap) {
			return nil
		}

		handled := false
		switch {
		case a.handlePermissionGuide(ctx, p, snap):
			handled = true
		case a.handleSystemPermission(ctx, p, snap):
			handled = true
		case a.handleLanguage(ctx, p, snap):
			handled = true
		case a.handleTerms(ctx, p, snap):
			handled = true
		}

		if err := ctx.Err(); err != nil {
			return err
		}
		if !handled {
			a.logger.WithField("step", step+1).Debug("No onboarding screen recognized")
		}
		retry.Sleep(ctx, a.cfg.PollInterval)
	}
	return nil
}

// handlePermissionGuide 权限说明页只能同意，取消会退出应用
func (a *Authenticator) handlePermissionGuide(ctx context.Context, p driver.Provider, snap *domain.Snapshot) bool {
	n, ok := screen.Locate(a.cfg.PermissionGuide).Find(snap)
	if !ok || a.termsVisible(snap) {
		return false
	}
	if err := screen.Tap(ctx, p, n); err != nil {
		return false
	}
	a.logger.Info("Permission guide accepted")
	return true
}

func (a *Authenticator) handleSystemPermission(ctx context.Context, p driver.Provider, snap *domain.Snapshot) bool {
	for _, l := range a.cfg.PermissionButtons {
		if n, ok := screen.Locate(l).Find(snap); ok {
			if err := screen.Tap(ctx, p, n); err != nil {
				return false
			}
			a.logger.WithField("button", screen.ShortID(n.ID)).Info("System permission dialog answered")
			return true
		}
	}
	return false
}

// handleLanguage 语言列表中选择目标语言，找不到时选第一行
func (a *Authenticator) handleLanguage(ctx context.Context, p driver.Provider, snap *domain.Snapshot) bool {
	list, ok := screen.Locate(a.cfg.LanguageList).Find(snap)
	if !ok {
		return false
	}
	row, ok := screen.Text(a.cfg.Language).FindIn(list.Children)
	if !ok {
		if len(list.Children) == 0 {
			return false
		}
		row = list.Children[0]
	}
	if err := screen.Tap(ctx, p, row); err != nil {
		return false
	}
	a.logger.WithField("language", row.Label()).Info("Language selected")
	return true
}

func (a *Authenticator) termsVisible(snap *domain.Snapshot) bool {
	n, ok := screen.Locate(a.cfg.TermsTitle).Find(snap)
	return ok && strings.Contains(n.Text, "Terms")
}

// handleTerms 全部同意，滚动到底部，点击下一步
func (a *Authenticator) handleTerms(ctx context.Context, p driver.Provider, snap *domain.Snapshot) bool {
	if !a.termsVisible(snap) {
		return false
	}

	acted := false
	if n, ok := screen.Locate(a.cfg.TermsAgreeAll).Find(snap); ok {
		if screen.Tap(ctx, p, n) == nil {
			acted = true
		}
		retry.Sleep(ctx, a.cfg.PollInterval/2)
	}

	w, h, err := p.WindowSize(ctx)
	if err == nil {
		p.Swipe(ctx, w/2, h*80/100, w/2, h*30/100, 600)
	}

	after, err := screen.Take(ctx, p, screen.TakeOptions{})
	if err != nil {
		return acted
	}
	for _, l := range a.cfg.TermsNext {
		if n, ok := screen.Locate(l).Find(after); ok {
			if screen.Tap(ctx, p, n) == nil {
				a.logger.WithField("button", screen.ShortID(n.ID)).Info("Terms accepted")
				return true
			}
		}
	}
	next := screen.AllOf(screen.Clickable(), func(n *domain.Node) bool {
		return nextLike.MatchString(strings.TrimSpace(n.Text))
	})
	if n, ok := next.Find(after); ok && screen.Tap(ctx, p, n) == nil {
		a.logger.WithField("button", n.Text).Info("Terms accepted")
		return true
	}
	return acted
}
