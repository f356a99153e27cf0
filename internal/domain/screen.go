package domain

import (
	"fmt"
	"time"
)

// ScreenClass 屏幕分类
type ScreenClass int

const (
	ScreenUnknown ScreenClass = iota
	ScreenApp                 // 目标应用的正常页面
	ScreenOverlay             // 弹窗/横幅/底部面板
	ScreenForeign             // 系统界面、桌面或其他应用
)

// String 分类字符串表示
func (c ScreenClass) String() string {
	switch c {
	case ScreenApp:
		return "app"
	case ScreenOverlay:
		return "overlay"
	case ScreenForeign:
		return "foreign"
	default:
		return "unknown"
	}
}

// Bounds 节点矩形区域
type Bounds struct {
	Left   int
	Top    int
	Right  int
	Bottom int
}

// Width 宽度
func (b Bounds) Width() int { return b.Right - b.Left }

// Height 高度
func (b Bounds) Height() int { return b.Bottom - b.Top }

// Center 中心点
func (b Bounds) Center() (int, int) {
	return (b.Left + b.Right) / 2, (b.Top + b.Bottom) / 2
}

// IsEmpty 是否为空区域
func (b Bounds) IsEmpty() bool {
	return b.Width() <= 0 || b.Height() <= 0
}

func (b Bounds) String() string {
	return fmt.Sprintf("[%d,%d][%d,%d]", b.Left, b.Top, b.Right, b.Bottom)
}

// Node UI 树中的一个节点
//
// 可选属性（ID/Text/ContentDesc）缺失时为空字符串，用 Has* 方法判断。
// 节点身份是位置性的，任何 UI 操作之后都不应继续持有旧节点。
type Node struct {
	ID          string // resource-id
	Text        string
	ContentDesc string
	Type        string // class
	Package     string
	Clickable   bool
	Checkable   bool
	Checked     bool
	Scrollable  bool
	Selected    bool
	Enabled     bool
	Displayed   bool
	Bounds      Bounds
	Children    []*Node
}

// HasID 是否有 resource-id
func (n *Node) HasID() bool { return n.ID != "" }

// HasText 是否有文本
func (n *Node) HasText() bool { return n.Text != "" }

// HasContentDesc 是否有无障碍描述
func (n *Node) HasContentDesc() bool { return n.ContentDesc != "" }

// Label 可见文本，无文本时退回到无障碍描述
func (n *Node) Label() string {
	if n.Text != "" {
		return n.Text
	}
	return n.ContentDesc
}

// Snapshot 某一时刻的屏幕快照，创建后不再修改
type Snapshot struct {
	Nodes         []*Node
	Raw           string
	Screenshot    []byte
	ForegroundApp string
	Activity      string
	CapturedAt    time.Time
}

// Walk 深度优先遍历所有节点，fn 返回 false 时停止
func (s *Snapshot) Walk(fn func(*Node) bool) {
	var visit func(nodes []*Node) bool
	visit = func(nodes []*Node) bool {
		for _, n := range nodes {
			if !fn(n) {
				return false
			}
			if !visit(n.Children) {
				return false
			}
		}
		return true
	}
	visit(s.Nodes)
}

// Count 节点总数
func (s *Snapshot) Count() int {
	total := 0
	s.Walk(func(*Node) bool {
		total++
		return true
	})
	return total
}
