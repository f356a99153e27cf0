package driver

import (
	"context"
)

// KeycodeBack Android 返回键
const KeycodeBack = 4

// LogKind 设备日志类型
const (
	LogKindLogcat = "logcat"
)

// Provider 设备会话能力（屏幕快照 + 输入原语）
//
// 所有方法都会阻塞直到服务端返回或超时。错误由实现方归类为 *Fault，
// 调用方只通过 FaultKind 判断，不解析错误文本。
type Provider interface {
	// Tree 当前 UI 树原文
	Tree(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	// ForegroundApp 前台应用包名
	ForegroundApp(ctx context.Context) (string, error)
	CurrentActivity(ctx context.Context) (string, error)
	Logs(ctx context.Context, kind string) ([]string, error)

	Tap(ctx context.Context, x, y int) error
	Swipe(ctx context.Context, x1, y1, x2, y2, durationMs int) error
	TypeText(ctx context.Context, text string) error
	PressBack(ctx context.Context) error
	ActivateApp(ctx context.Context, appID string) error
	WindowSize(ctx context.Context) (width, height int, err error)

	// Close 释放远端会话，之后不可再使用
	Close(ctx context.Context) error
}

// Factory 创建新的设备会话
type Factory func(ctx context.Context) (Provider, error)
