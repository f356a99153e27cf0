package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Strategy 重试间隔策略
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"       // 固定间隔
	StrategyLinear      Strategy = "linear"      // 线性递增
	StrategyExponential Strategy = "exponential" // 指数退避
)

// Config 重试配置
type Config struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Strategy        Strategy
	Timeout         time.Duration // 总超时，0 表示不限
	Logger          *logrus.Logger
	Op              string // 日志中的操作名
	// OnRetry 每次失败且即将重试时调用（attempt 为刚失败的次数）
	OnRetry func(op string, attempt int, err error)
}

// DefaultConfig 会话创建等较重操作的默认配置
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:     3,
		InitialInterval: 2 * time.Second,
		MaxInterval:     30 * time.Second,
		Strategy:        StrategyExponential,
		Timeout:         3 * time.Minute,
		Logger:          logrus.StandardLogger(),
	}
}

// RetryableError 自带重试语义的错误（driver.Fault 实现了它）
type RetryableError interface {
	error
	IsRetryable() bool
}

type markedError struct {
	error
	retryable bool
}

func (e *markedError) IsRetryable() bool { return e.retryable }
func (e *markedError) Unwrap() error     { return e.error }

// NewRetryableError 标记为可重试
func NewRetryableError(err error) error {
	return &markedError{error: err, retryable: true}
}

// NewNonRetryableError 标记为不可重试
func NewNonRetryableError(err error) error {
	return &markedError{error: err, retryable: false}
}

// IsRetryable 判断错误是否可重试，未标记的普通错误默认可重试
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var retryableErr RetryableError
	if errors.As(err, &retryableErr) {
		return retryableErr.IsRetryable()
	}

	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	default:
		return true
	}
}

// Func 可重试的函数
type Func func(ctx context.Context) error

// backoff 第 attempt 次失败后的等待时间，不超过 MaxInterval
func (c *Config) backoff(attempt int) time.Duration {
	var d time.Duration
	switch c.Strategy {
	case StrategyLinear:
		d = c.InitialInterval * time.Duration(attempt)
	case StrategyExponential:
		d = c.InitialInterval
		for i := 1; i < attempt && (c.MaxInterval <= 0 || d < c.MaxInterval); i++ {
			d *= 2
		}
	default:
		d = c.InitialInterval
	}
	if c.MaxInterval > 0 && d > c.MaxInterval {
		return c.MaxInterval
	}
	return d
}

func (c *Config) log() *logrus.Entry {
	logger := c.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return logger.WithField("op", c.Op)
}

// Do 执行 fn 直到成功、遇到不可重试的错误或用尽次数。
// 设备命令失败多为瞬时问题，普通错误默认重试；driver.Fault 自带判断。
func Do(ctx context.Context, config *Config, fn Func) error {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
	}
	log := config.log()

	var lastErr error
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry canceled: %w", err)
		}

		started := time.Now()
		lastErr = fn(ctx)
		if lastErr == nil {
			if attempt > 1 {
				log.WithField("attempt", attempt).Info("Operation succeeded after retry")
			}
			return nil
		}

		log.WithFields(logrus.Fields{
			"attempt":  fmt.Sprintf("%d/%d", attempt, config.MaxAttempts),
			"duration": time.Since(started).Round(time.Millisecond),
		}).WithError(lastErr).Warn("Operation failed")

		if !IsRetryable(lastErr) {
			return fmt.Errorf("non-retryable error: %w", lastErr)
		}
		if attempt == config.MaxAttempts {
			break
		}
		if config.OnRetry != nil {
			config.OnRetry(config.Op, attempt, lastErr)
		}
		if err := Sleep(ctx, config.backoff(attempt)); err != nil {
			return fmt.Errorf("retry canceled during wait: %w", err)
		}
	}

	return fmt.Errorf("max attempts (%d) reached: %w", config.MaxAttempts, lastErr)
}

// DoWithResult 执行带重试的操作（返回结果）
func DoWithResult[T any](ctx context.Context, config *Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, config, func(ctx context.Context) error {
		res, err := fn(ctx)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	return result, err
}

// ErrPollTimeout 轮询在截止时间前未满足条件
var ErrPollTimeout = errors.New("poll timed out")

// Poll 以固定间隔轮询 cond，直到返回 true、返回错误或超时
//
// 第一次检查立即执行。cond 返回的错误会直接终止轮询。
func Poll(ctx context.Context, interval, timeout time.Duration, cond func(ctx context.Context) (bool, error)) error {
	deadline := time.Now().Add(timeout)

	for {
		done, err := cond(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if time.Now().Add(interval).After(deadline) {
			return fmt.Errorf("%w after %s", ErrPollTimeout, timeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// Sleep 可取消的固定等待（页面稳定延迟）
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
