package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

// FaultKind 驱动错误类型
type FaultKind int

const (
	FaultElementNotFound FaultKind = iota
	FaultTimeout
	FaultInstrumentationCrashed
	FaultConnectionLost
)

func (k FaultKind) String() string {
	switch k {
	case FaultElementNotFound:
		return "element_not_found"
	case FaultTimeout:
		return "timeout"
	case FaultInstrumentationCrashed:
		return "instrumentation_crashed"
	case FaultConnectionLost:
		return "connection_lost"
	default:
		return "unknown"
	}
}

// Fault 驱动层归类后的错误
type Fault struct {
	Kind FaultKind
	Op   string
	Err  error
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s: %s", f.Op, f.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", f.Op, f.Kind, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// IsRetryable 找不到元素和超时可以原地重试，崩溃/断连需要重建会话
func (f *Fault) IsRetryable() bool {
	return f.Kind == FaultElementNotFound || f.Kind == FaultTimeout
}

// NewFault 创建驱动错误
func NewFault(kind FaultKind, op string, err error) *Fault {
	return &Fault{Kind: kind, Op: op, Err: err}
}

// KindOf 提取错误中的 FaultKind
func KindOf(err error) (FaultKind, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind, true
	}
	return 0, false
}

// IsSessionLost 会话是否已不可用（需要重建）
func IsSessionLost(err error) bool {
	kind, ok := KindOf(err)
	return ok && (kind == FaultInstrumentationCrashed || kind == FaultConnectionLost)
}

// IsNotFound 是否为找不到元素
func IsNotFound(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == FaultElementNotFound
}

// crashMarkers UiAutomator2 服务端崩溃时 Appium 返回的特征文本
var crashMarkers = []string{
	"instrumentation process is not running",
	"uiautomator2 server",
	"socket hang up",
	"could not proxy command",
}

// classifyWebDriverError 把 W3C 错误码和消息映射为 FaultKind
func classifyWebDriverError(op, errType, message string) *Fault {
	err := fmt.Errorf("%s: %s", errType, message)
	lower := strings.ToLower(message)

	switch errType {
	case "no such element", "stale element reference":
		return NewFault(FaultElementNotFound, op, err)
	case "timeout", "script timeout":
		return NewFault(FaultTimeout, op, err)
	case "invalid session id", "session not created":
		return NewFault(FaultConnectionLost, op, err)
	}

	for _, marker := range crashMarkers {
		if strings.Contains(lower, marker) {
			return NewFault(FaultInstrumentationCrashed, op, err)
		}
	}
	return NewFault(FaultTimeout, op, err)
}

// classifyTransportError 把 HTTP/exec 层错误映射为 FaultKind
func classifyTransportError(op string, err error) *Fault {
	var f *Fault
	if errors.As(err, &f) {
		return f
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return NewFault(FaultTimeout, op, err)
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return NewFault(FaultConnectionLost, op, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewFault(FaultTimeout, op, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return NewFault(FaultConnectionLost, op, err)
	}
	return NewFault(FaultConnectionLost, op, err)
}
