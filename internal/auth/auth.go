// Package auth 处理首次启动引导和凭据登录
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sphh12/appium-public/internal/domain"
	"github.com/sphh12/appium-public/internal/driver"
	"github.com/sphh12/appium-public/internal/retry"
	"github.com/sphh12/appium-public/internal/screen"
)

var (
	// ErrLoginFailed 提交凭据后出现明确的错误提示，本次运行终止
	ErrLoginFailed = errors.New("login failed")
	// ErrMissingCredentials 需要登录但未配置账号
	ErrMissingCredentials = errors.New("username and pin are required")
)

// Credentials 登录凭据
type Credentials struct {
	Username string
	PIN      string
}

// Validate 检查凭据是否完整
func (c Credentials) Validate() error {
	if c.Username == "" || c.PIN == "" {
		return ErrMissingCredentials
	}
	return nil
}

// Config 登录相关定位配置
type Config struct {
	HomeMarkers      []domain.Locator `yaml:"home_markers"`
	LoginButton      domain.Locator   `yaml:"login_button"`
	UsernameField    domain.Locator   `yaml:"username_field"`
	PINField         domain.Locator   `yaml:"pin_field"`
	CompleteLabels   []string         `yaml:"complete_labels"`
	ErrorMarkers     []domain.Locator `yaml:"error_markers"`
	FingerprintLater []domain.Locator `yaml:"fingerprint_later"`
	PhishingCheck    domain.Locator   `yaml:"phishing_check"`
	ConfirmLabels    []string         `yaml:"confirm_labels"`

	PermissionGuide   domain.Locator   `yaml:"permission_guide"`
	PermissionButtons []domain.Locator `yaml:"permission_buttons"`
	LanguageList      domain.Locator   `yaml:"language_list"`
	Language          string           `yaml:"language"`
	TermsTitle        domain.Locator   `yaml:"terms_title"`
	TermsAgreeAll     domain.Locator   `yaml:"terms_agree_all"`
	TermsNext         []domain.Locator `yaml:"terms_next"`

	LookupTimeout   time.Duration `yaml:"lookup_timeout"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	ReadyTimeout    time.Duration `yaml:"ready_timeout"`
	PostLoginDelay  time.Duration `yaml:"post_login_delay"`
	OnboardingSteps int           `yaml:"onboarding_steps"`
}

// DefaultConfig 默认定位
func DefaultConfig() Config {
	return Config{
		HomeMarkers:    []domain.Locator{{ContentDesc: "Home"}},
		LoginButton:    domain.Locator{ID: "btn_lgn"},
		UsernameField:  domain.Locator{ID: "usernameId"},
		PINField:       domain.Locator{ID: "securityKeyboardEditText"},
		CompleteLabels: []string{"입력완료", "COMPLETE", "Complete", "완료"},
		ErrorMarkers: []domain.Locator{
			{ID: "txt_error_message"},
			{ID: "tv_error_msg"},
			{ID: "android:id/message"},
		},
		FingerprintLater: []domain.Locator{
			{ID: "txt_pennytest_msg"},
			{Text: "나중에"},
			{Text: "Later"},
			{Text: "LATER"},
			{Text: "다음에"},
		},
		PhishingCheck: domain.Locator{ID: "check_customer"},
		ConfirmLabels: []string{"확인", "OK", "ok", "Ok"},

		PermissionGuide: domain.Locator{ID: "btnConfirm"},
		PermissionButtons: []domain.Locator{
			{ID: "com.android.permissioncontroller:id/permission_allow_foreground_only_button"},
			{ID: "com.android.permissioncontroller:id/permission_allow_button"},
			{ID: "com.android.permissioncontroller:id/permission_deny_button"},
		},
		LanguageList:  domain.Locator{ID: "languageRv"},
		Language:      "English",
		TermsTitle:    domain.Locator{ID: "screenTitle"},
		TermsAgreeAll: domain.Locator{ID: "agreeAllContainer"},
		TermsNext: []domain.Locator{
			{ID: "btnNext"}, {ID: "btn_next"}, {ID: "btnConfirm"}, {ID: "btn_confirm"},
			{ID: "btnSubmit"}, {ID: "btnContinue"}, {ID: "btn_done"},
		},

		LookupTimeout:   10 * time.Second,
		PollInterval:    time.Second,
		ReadyTimeout:    30 * time.Second,
		PostLoginDelay:  2 * time.Second,
		OnboardingSteps: 8,
	}
}

// Authenticator 登录与引导流程
type Authenticator struct {
	cfg    Config
	logger *logrus.Logger

	home       screen.Matcher
	loginOnly  screen.Matcher
	errDialog  screen.Matcher
	fingerLate screen.Matcher
}

// New 创建 Authenticator
func New(cfg Config, logger *logrus.Logger) *Authenticator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 10 * time.Second
	}
	return &Authenticator{
		cfg:        cfg,
		logger:     logger,
		home:       anyOf(cfg.HomeMarkers),
		loginOnly:  screen.AnyOf(screen.Locate(cfg.UsernameField), screen.Locate(cfg.LoginButton)),
		errDialog:  anyOf(cfg.ErrorMarkers),
		fingerLate: anyOf(cfg.FingerprintLater),
	}
}

func anyOf(locators []domain.Locator) screen.Matcher {
	ms := make([]screen.Matcher, 0, len(locators))
	for _, l := range locators {
		ms = append(ms, screen.Locate(l))
	}
	return screen.AnyOf(ms...)
}

// NeedsLogin 是否存在仅登录前才有的控件
func (a *Authenticator) NeedsLogin(s *domain.Snapshot) bool {
	return a.loginOnly.In(s)
}

// EnsureAuthenticatedSession 等待应用就绪（首页或登录页），必要时处理引导页，需要时登录
func (a *Authenticator) EnsureAuthenticatedSession(ctx context.Context, p driver.Provider, creds Credentials) error {
	ready, err := a.waitReady(ctx, p, a.cfg.ReadyTimeout)
	if err != nil {
		return err
	}
	if !ready {
		a.logger.Info("App not ready, handling onboarding screens")
		if err := a.HandleOnboarding(ctx, p); err != nil {
			return err
		}
	}

	snap, err := screen.Take(ctx, p, screen.TakeOptions{})
	if err != nil {
		return err
	}
	if !a.NeedsLogin(snap) {
		a.logger.Info("Already logged in")
		return nil
	}
	return a.Login(ctx, p, creds)
}

// waitReady 轮询直到出现首页标记或登录控件
func (a *Authenticator) waitReady(ctx context.Context, p driver.Provider, timeout time.Duration) (bool, error) {
	err := retry.Poll(ctx, a.cfg.PollInterval, timeout, func(ctx context.Context) (bool, error) {
		snap, err := screen.Take(ctx, p, screen.TakeOptions{})
		if err != nil {
			if driver.IsSessionLost(err) {
				// UiAutomator2 重启期间会短暂不可用
				a.logger.WithError(err).Debug("Waiting for automation server")
			}
			return false, nil
		}
		return a.home.In(snap) || a.NeedsLogin(snap), nil
	})
	if errors.Is(err, retry.ErrPollTimeout) {
		return false, nil
	}
	return err == nil, err
}

// Login 输入账号和安全键盘 PIN，检测错误提示，处理登录后的提示页
func (a *Authenticator) Login(ctx context.Context, p driver.Provider, creds Credentials) error {
	if err := creds.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}
	log := a.logger.WithField("username", mask(creds.Username))
	log.Info("Logging in")

	snap, err := screen.Take(ctx, p, screen.TakeOptions{})
	if err != nil {
		return err
	}
	if !screen.Locate(a.cfg.UsernameField).In(snap) {
		if err := a.tap(ctx, p, screen.Locate(a.cfg.LoginButton), "login_button"); err != nil {
			return err
		}
	}

	if err := a.tap(ctx, p, screen.Locate(a.cfg.UsernameField), "username"); err != nil {
		return err
	}
	if err := p.TypeText(ctx, creds.Username); err != nil {
		return fmt.Errorf("failed to type username: %w", err)
	}

	if err := a.tap(ctx, p, screen.Locate(a.cfg.PINField), "pin"); err != nil {
		return err
	}
	for _, digit := range creds.PIN {
		if err := a.tap(ctx, p, screen.ContentDesc(string(digit)), "pin_digit"); err != nil {
			return fmt.Errorf("security keyboard: %w", err)
		}
	}

	complete := make([]screen.Matcher, 0, len(a.cfg.CompleteLabels))
	for _, label := range a.cfg.CompleteLabels {
		complete = append(complete, screen.ContentDesc(label))
	}
	if err := a.tap(ctx, p, screen.AnyOf(complete...), "complete"); err != nil {
		return fmt.Errorf("security keyboard: %w", err)
	}

	retry.Sleep(ctx, a.cfg.PostLoginDelay)

	snap, err = screen.Take(ctx, p, screen.TakeOptions{})
	if err != nil {
		return err
	}
	if n, ok := a.errDialog.Find(snap); ok {
		msg := strings.TrimSpace(n.Label())
		log.WithField("message", msg).Error("Login rejected")
		return fmt.Errorf("%w: %s", ErrLoginFailed, msg)
	}

	a.HandlePostLogin(ctx, p)
	log.Info("Login submitted")
	return nil
}

// HandlePostLogin 处理登录后的指纹设置和反诈骗确认，最多 3 轮
func (a *Authenticator) HandlePostLogin(ctx context.Context, p driver.Provider) {
	for round := 0; round < 3; round++ {
		snap, err := screen.Take(ctx, p, screen.TakeOptions{})
		if err != nil {
			return
		}
		fingerprint := a.HandleFingerprintPrompt(ctx, p, snap)
		if fingerprint {
			if snap, err = screen.Take(ctx, p, screen.TakeOptions{}); err != nil {
				return
			}
		}
		phishing := a.HandlePhishingNotice(ctx, p, snap)
		if !fingerprint && !phishing {
			return
		}
	}
}

// HandleFingerprintPrompt 指纹设置页选择“以后再说”
func (a *Authenticator) HandleFingerprintPrompt(ctx context.Context, p driver.Provider, snap *domain.Snapshot) bool {
	n, ok := a.fingerLate.Find(snap)
	if !ok {
		return false
	}
	if err := screen.Tap(ctx, p, n); err != nil {
		return false
	}
	a.logger.Info("Biometric enrollment skipped")
	retry.Sleep(ctx, a.cfg.PollInterval)
	return true
}

// HandlePhishingNotice 勾选确认框后点击确认按钮
func (a *Authenticator) HandlePhishingNotice(ctx context.Context, p driver.Provider, snap *domain.Snapshot) bool {
	check, ok := screen.Locate(a.cfg.PhishingCheck).Find(snap)
	if !ok {
		return false
	}
	if err := screen.Tap(ctx, p, check); err != nil {
		return false
	}
	retry.Sleep(ctx, a.cfg.PollInterval/2)

	after, err := screen.Take(ctx, p, screen.TakeOptions{})
	if err != nil {
		return true
	}
	buttons := make([]screen.Matcher, 0, len(a.cfg.ConfirmLabels))
	for _, label := range a.cfg.ConfirmLabels {
		buttons = append(buttons, screen.AllOf(screen.Class("Button"), screen.Text(label)))
	}
	btn, ok := screen.AnyOf(buttons...).Find(after)
	if !ok {
		btn, ok = screen.AllOf(screen.Class("Button"), func(n *domain.Node) bool { return n.Enabled }).Find(after)
	}
	if ok {
		screen.Tap(ctx, p, btn)
	}
	a.logger.Info("Compliance notice acknowledged")
	retry.Sleep(ctx, a.cfg.PollInterval)
	return true
}

// tap 在查找超时内等待节点出现并点击
func (a *Authenticator) tap(ctx context.Context, p driver.Provider, m screen.Matcher, what string) error {
	n, err := a.waitFor(ctx, p, m)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return screen.Tap(ctx, p, n)
}

func (a *Authenticator) waitFor(ctx context.Context, p driver.Provider, m screen.Matcher) (*domain.Node, error) {
	var found *domain.Node
	err := retry.Poll(ctx, a.cfg.PollInterval, a.cfg.LookupTimeout, func(ctx context.Context) (bool, error) {
		snap, err := screen.Take(ctx, p, screen.TakeOptions{})
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
		return nil, driver.NewFault(driver.FaultElementNotFound, "find", err)
	}
	return found, err
}

func mask(s string) string {
	r := []rune(s)
	if len(r) <= 2 {
		return strings.Repeat("*", len(r))
	}
	return string(r[:2]) + strings.Repeat("*", len(r)-2)
}
