// Package explore 按计划依次访问应用的各个目的地，清理弹窗后保存页面快照
package explore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sphh12/appium-public/internal/auth"
	"github.com/sphh12/appium-public/internal/capture"
	"github.com/sphh12/appium-public/internal/classifier"
	"github.com/sphh12/appium-public/internal/dismiss"
	"github.com/sphh12/appium-public/internal/domain"
	"github.com/sphh12/appium-public/internal/driver"
)

var (
	// ErrLoginFailed 登录被拒绝，运行终止
	ErrLoginFailed = auth.ErrLoginFailed
	// ErrAppNotReady 登录后首页始终没有出现
	ErrAppNotReady = errors.New("app home screen did not appear")
	// ErrSessionUnavailable 驱动崩溃后无法重建会话
	ErrSessionUnavailable = errors.New("device session could not be recovered")
)

// Recoverer 驱动崩溃后重建会话
type Recoverer interface {
	Recreate(ctx context.Context) error
}

// Options 单次运行参数
type Options struct {
	Section     string // 为空时探索全部组
	Credentials auth.Credentials
}

// Failure 单个目的地的失败记录
type Failure struct {
	Destination string             `json:"destination"`
	Type        domain.FailureType `json:"type"`
	Message     string             `json:"message"`
}

// Result 运行结果。部分成功是常态，失败逐条记录。
type Result struct {
	Sections   []string                  `json:"sections"`
	Visited    []string                  `json:"visited"`
	Artifacts  []*domain.CaptureArtifact `json:"artifacts"`
	Failures   []Failure                 `json:"failures"`
	Crashes    int                       `json:"crashes"`
	StartedAt  time.Time                 `json:"started_at"`
	FinishedAt time.Time                 `json:"finished_at"`
}

// Controller 遍历控制器
type Controller struct {
	plan       *Plan
	p          driver.Provider
	recoverer  Recoverer
	classifier *classifier.Classifier
	dismiss    *dismiss.Engine
	store      *capture.Store
	auth       *auth.Authenticator
	logger     *logrus.Logger

	visits *domain.VisitRecord
	result *Result
}

// NewController 创建控制器。p 通常是 session.Manager，重建会话后引用不变。
func NewController(plan *Plan, p driver.Provider, c *classifier.Classifier, d *dismiss.Engine, store *capture.Store, a *auth.Authenticator, logger *logrus.Logger) *Controller {
	return &Controller{
		plan:       plan,
		p:          p,
		classifier: c,
		dismiss:    d,
		store:      store,
		auth:       a,
		logger:     logger,
		visits:     domain.NewVisitRecord(),
	}
}

// SetRecoverer 设置会话重建器，未设置时驱动崩溃直接终止运行
func (c *Controller) SetRecoverer(r Recoverer) {
	c.recoverer = r
}

// Visits 访问记录
func (c *Controller) Visits() *domain.VisitRecord {
	return c.visits
}

// Explore 启动应用、登录、等待首页，然后按组访问所有目的地。
//
// 只有登录失败、首页未出现、会话无法重建和取消会返回错误；
// 其余失败记录在 Result.Failures 中，运行继续。
func (c *Controller) Explore(ctx context.Context, opts Options) (*Result, error) {
	sections, err := c.plan.Select(opts.Section)
	if err != nil {
		return nil, err
	}

	c.result = &Result{StartedAt: time.Now()}
	c.logger.WithFields(logrus.Fields{
		"app_id":   c.plan.AppID,
		"sections": len(sections),
	}).Info("Starting exploration")

	if err := c.bootstrap(ctx, opts.Credentials); err != nil {
		return c.finish(), err
	}

	for _, sec := range sections {
		if err := ctx.Err(); err != nil {
			return c.finish(), err
		}

		log := c.logger.WithField("section", sec.Name)
		log.Info("Exploring section")

		err := c.exploreSection(ctx, sec)
		if err == nil {
			c.result.Sections = append(c.result.Sections, sec.Name)
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return c.finish(), ctxErr
		}

		if driver.IsSessionLost(err) {
			c.result.Crashes++
			c.fail(sec.Name, domain.FailureTypeDriverCrash, err)
			log.WithError(err).Error("Driver crashed, recovering and continuing with next section")
			if rerr := c.recover(ctx); rerr != nil {
				log.WithError(rerr).Error("Session recovery failed")
				return c.finish(), fmt.Errorf("%w: %w", ErrSessionUnavailable, rerr)
			}
			continue
		}

		c.fail(sec.Name, domain.FailureTypeUnknown, err)
		log.WithError(err).Error("Section failed, continuing")
		c.resetToHome(ctx)
	}

	res := c.finish()
	c.logger.WithFields(logrus.Fields{
		"visited":   len(res.Visited),
		"artifacts": len(res.Artifacts),
		"failures":  len(res.Failures),
		"crashes":   res.Crashes,
		"duration":  res.FinishedAt.Sub(res.StartedAt).Round(time.Second).String(),
	}).Info("Exploration finished")
	return res, nil
}

func (c *Controller) finish() *Result {
	c.result.FinishedAt = time.Now()
	c.result.Visited = c.visits.Keys()
	c.result.Artifacts = c.store.Artifacts()
	return c.result
}

// bootstrap 应用前台 -> 登录 -> 首页
func (c *Controller) bootstrap(ctx context.Context, creds auth.Credentials) error {
	if err := c.EnsureAppRunning(ctx); err != nil {
		return err
	}

	if err := c.auth.EnsureAuthenticatedSession(ctx, c.p, creds); err != nil {
		if errors.Is(err, auth.ErrLoginFailed) {
			c.store.SaveDiagnostic(ctx, c.p, "error_login_failed", domain.FailureTypeLoginFailed)
		}
		return err
	}

	if !c.WaitForHome(ctx) {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.store.SaveDiagnostic(ctx, c.p, "debug_home_timeout", domain.FailureTypeAppNotReady)
		return ErrAppNotReady
	}
	c.dismiss.DismissAll(ctx, c.p)
	return nil
}

// exploreSection 访问组的主目的地和组内条目
func (c *Controller) exploreSection(ctx context.Context, sec Section) error {
	if sec.Drawer != nil {
		return c.exploreDrawer(ctx, sec)
	}

	entered, err := c.visit(ctx, visitStep{
		dest: sec.destination(),
		name: sec.Prefix + "_main",
		open: func(ctx context.Context) error { return c.openTab(ctx, sec.Tab) },
	})
	if err != nil {
		return err
	}
	if !entered {
		return nil
	}

	for _, item := range sec.Items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.plan.Excluded(item.Name, item.Locator.ID, item.Locator.Text) {
			c.logger.WithField("item", item.Name).Info("Excluded destination skipped")
			continue
		}

		item := item
		entered, err := c.visit(ctx, visitStep{
			dest: item.destination(sec),
			name: item.Name,
			open: func(ctx context.Context) error { return c.tapLocator(ctx, item.Locator) },
		})
		if err != nil {
			return err
		}
		if !entered || item.InPlace {
			continue
		}
		if err := c.goBack(ctx); err != nil {
			return err
		}
		if err := c.openTab(ctx, sec.Tab); err != nil {
			if fatal(ctx, err) {
				return err
			}
			c.logger.WithError(err).WithField("section", sec.Name).Warn("Could not return to section tab")
		}
	}
	return nil
}

// exploreDrawer 侧边菜单：保存菜单本身，然后每个菜单项都从首页重新打开
func (c *Controller) exploreDrawer(ctx context.Context, sec Section) error {
	if _, err := c.visit(ctx, visitStep{
		dest:   sec.destination(),
		name:   sec.Prefix + "_menu",
		open:   func(ctx context.Context) error { return c.openDrawer(ctx, sec) },
		raw:    true,
		scroll: sec.Drawer.Scroll,
	}); err != nil {
		return err
	}

	for _, item := range sec.Items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.plan.Excluded(item.Name, item.Locator.ID, item.Locator.Text) {
			c.logger.WithField("item", item.Name).Info("Excluded destination skipped")
			continue
		}

		ok, err := c.GoHome(ctx)
		if err != nil {
			return err
		}
		if !ok {
			c.logger.WithField("item", item.Name).Error("Could not return home, stopping menu exploration")
			break
		}

		item := item
		if _, err := c.visit(ctx, visitStep{
			dest: item.destination(sec),
			name: item.Name,
			open: func(ctx context.Context) error {
				if err := c.openDrawer(ctx, sec); err != nil {
					return err
				}
				return c.tapLocator(ctx, item.Locator)
			},
		}); err != nil {
			return err
		}
	}

	_, err := c.GoHome(ctx)
	return err
}

// visitStep 一次目的地访问
type visitStep struct {
	dest domain.Destination
	name string
	open func(ctx context.Context) error
	// raw 不做弹窗清理和分类（侧边菜单打开时本身就覆盖页面）
	raw    bool
	scroll bool
}

// visit 导航到目的地并保存。每个目的地每次运行最多访问一次。
//
// 返回是否成功进入。导航失败、非应用页面只记录后跳过；
// 会话丢失和取消作为错误返回。
func (c *Controller) visit(ctx context.Context, step visitStep) (bool, error) {
	dest := step.dest
	log := c.logger.WithFields(logrus.Fields{
		"destination": dest.Key(),
		"screen":      step.name,
	})

	if c.visits.Visited(dest.Key()) {
		log.Debug("Already visited, skipping")
		return false, nil
	}

	if err := step.open(ctx); err != nil {
		if fatal(ctx, err) {
			return false, err
		}
		c.fail(dest.Key(), domain.FailureTypeNavigation, err)
		log.WithError(err).Warn("Navigation failed, skipping destination")
		return false, nil
	}

	verify := !step.raw
	if verify {
		ok, err := c.ensureAppScreen(ctx, step.name)
		if err != nil {
			return true, err
		}
		if !ok {
			c.fail(dest.Key(), domain.FailureTypeNotAppScreen, fmt.Errorf("screen is not an app screen after dismissal"))
			return true, nil
		}
	}

	art, err := c.store.Save(ctx, c.p, step.name, verify)
	if err != nil {
		if fatal(ctx, err) {
			return true, err
		}
		log.WithError(err).Warn("Capture failed")
	}
	// 只有保存成功才算访问过
	if art != nil {
		c.visits.Mark(dest.Key())
	}

	base := strings.TrimSuffix(step.name, "_main")
	if dest.Scroll || step.scroll {
		if err := c.scrollCapture(ctx, base, verify); err != nil {
			return true, err
		}
	}
	if dest.SubTabs {
		if err := c.captureSubTabs(ctx, dest, base); err != nil {
			return true, err
		}
	}
	if dest.Carousel {
		if err := c.captureCarousel(ctx, dest, base); err != nil {
			return true, err
		}
	}
	return true, nil
}

// ensureAppScreen 清理弹窗并确认当前是应用页面，否则保存诊断快照
func (c *Controller) ensureAppScreen(ctx context.Context, name string) (bool, error) {
	c.dismiss.DismissAll(ctx, c.p)

	snap, err := c.take(ctx)
	if err != nil {
		return false, err
	}
	class := c.classifier.Classify(snap)
	if class == domain.ScreenApp {
		return true, nil
	}

	c.logger.WithFields(logrus.Fields{
		"screen": name,
		"class":  class.String(),
	}).Warn("Not an app screen after dismissal, skipping capture")
	c.store.SaveDiagnostic(ctx, c.p, "debug_"+name, domain.FailureTypeNotAppScreen)
	return false, nil
}

func (c *Controller) fail(dest string, ft domain.FailureType, err error) {
	c.result.Failures = append(c.result.Failures, Failure{
		Destination: dest,
		Type:        ft,
		Message:     err.Error(),
	})
}

// fatal 需要中断当前组的错误
func fatal(ctx context.Context, err error) bool {
	return ctx.Err() != nil || driver.IsSessionLost(err)
}
