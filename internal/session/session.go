// Package session 管理唯一的设备会话句柄：创建、崩溃后重建、释放
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/sphh12/appium-public/internal/domain"
	"github.com/sphh12/appium-public/internal/driver"
	"github.com/sphh12/appium-public/internal/retry"
)

// ErrNoSession 会话尚未创建或已释放
var ErrNoSession = errors.New("no active device session")

// Error 会话获取失败（包含失败类型）
type Error struct {
	FailureType domain.FailureType
	Message     string
	Err         error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewError 创建会话错误
func NewError(failureType domain.FailureType, message string, err error) *Error {
	return &Error{FailureType: failureType, Message: message, Err: err}
}

// Manager 持有当前会话。同一时刻只有一个句柄；重建时先释放旧句柄再创建新句柄。
//
// Manager 本身实现 driver.Provider，调用转发给当前句柄，因此重建后
// 控制器、清理引擎和存储无需更换引用。
type Manager struct {
	factory  driver.Factory
	retryCfg *retry.Config
	logger   *logrus.Logger

	mu          sync.Mutex
	current     driver.Provider
	recreations int
}

// NewManager 创建会话管理器
func NewManager(factory driver.Factory, retryCfg *retry.Config, logger *logrus.Logger) *Manager {
	if retryCfg == nil {
		retryCfg = retry.DefaultConfig()
		retryCfg.Logger = logger
	}
	if retryCfg.Op == "" {
		retryCfg.Op = "create_session"
	}
	return &Manager{factory: factory, retryCfg: retryCfg, logger: logger}
}

// Open 创建会话（带重试），已存在时直接返回
func (m *Manager) Open(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		return nil
	}
	return m.openLocked(ctx)
}

func (m *Manager) openLocked(ctx context.Context) error {
	p, err := retry.DoWithResult(ctx, m.retryCfg, func(ctx context.Context) (driver.Provider, error) {
		p, err := m.factory(ctx)
		if err != nil && ctx.Err() == nil {
			// 服务端尚未就绪时的断连同样值得重试
			return nil, retry.NewRetryableError(err)
		}
		return p, err
	})
	if err != nil {
		m.logger.WithError(err).Error("Failed to create device session")
		return NewError(domain.FailureTypeBootstrap, "failed to create device session", err)
	}
	m.current = p
	m.logger.Info("Device session created")
	return nil
}

// Recreate 丢弃旧句柄并创建新会话
func (m *Manager) Recreate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil {
		if err := m.current.Close(ctx); err != nil {
			m.logger.WithError(err).Debug("Closing broken session failed")
		}
		m.current = nil
	}
	m.recreations++
	m.logger.WithField("recreations", m.recreations).Warn("Recreating device session")
	return m.openLocked(ctx)
}

// Close 释放会话，可重复调用
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	err := m.current.Close(ctx)
	m.current = nil
	m.logger.Info("Device session released")
	return err
}

// Recreations 重建次数
func (m *Manager) Recreations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recreations
}

// Active 是否持有会话
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current != nil
}

func (m *Manager) provider(op string) (driver.Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil, driver.NewFault(driver.FaultConnectionLost, op, ErrNoSession)
	}
	return m.current, nil
}

func (m *Manager) Tree(ctx context.Context) (string, error) {
	p, err := m.provider("tree")
	if err != nil {
		return "", err
	}
	return p.Tree(ctx)
}

func (m *Manager) Screenshot(ctx context.Context) ([]byte, error) {
	p, err := m.provider("screenshot")
	if err != nil {
		return nil, err
	}
	return p.Screenshot(ctx)
}

func (m *Manager) ForegroundApp(ctx context.Context) (string, error) {
	p, err := m.provider("current_package")
	if err != nil {
		return "", err
	}
	return p.ForegroundApp(ctx)
}

func (m *Manager) CurrentActivity(ctx context.Context) (string, error) {
	p, err := m.provider("current_activity")
	if err != nil {
		return "", err
	}
	return p.CurrentActivity(ctx)
}

func (m *Manager) Logs(ctx context.Context, kind string) ([]string, error) {
	p, err := m.provider("log")
	if err != nil {
		return nil, err
	}
	return p.Logs(ctx, kind)
}

func (m *Manager) Tap(ctx context.Context, x, y int) error {
	p, err := m.provider("tap")
	if err != nil {
		return err
	}
	return p.Tap(ctx, x, y)
}

func (m *Manager) Swipe(ctx context.Context, x1, y1, x2, y2, durationMs int) error {
	p, err := m.provider("swipe")
	if err != nil {
		return err
	}
	return p.Swipe(ctx, x1, y1, x2, y2, durationMs)
}

func (m *Manager) TypeText(ctx context.Context, text string) error {
	p, err := m.provider("type")
	if err != nil {
		return err
	}
	return p.TypeText(ctx, text)
}

func (m *Manager) PressBack(ctx context.Context) error {
	p, err := m.provider("back")
	if err != nil {
		return err
	}
	return p.PressBack(ctx)
}

func (m *Manager) ActivateApp(ctx context.Context, appID string) error {
	p, err := m.provider("activate_app")
	if err != nil {
		return err
	}
	return p.ActivateApp(ctx, appID)
}

func (m *Manager) WindowSize(ctx context.Context) (int, int, error) {
	p, err := m.provider("window_rect")
	if err != nil {
		return 0, 0, err
	}
	return p.WindowSize(ctx)
}

var _ driver.Provider = (*Manager)(nil)
