package screen

import (
	"strings"

	"github.com/sphh12/appium-public/internal/domain"
)

// Matcher 节点谓词。查找是对快照的纯函数，不在操作之间保留节点。
type Matcher func(n *domain.Node) bool

// ID 按 resource-id 匹配，接受完整 id 或 ":id/" 之后的短名
func ID(id string) Matcher {
	return func(n *domain.Node) bool {
		if n.ID == "" || id == "" {
			return false
		}
		if n.ID == id {
			return true
		}
		return strings.HasSuffix(n.ID, ":id/"+id) || strings.HasSuffix(n.ID, "/"+id)
	}
}

// IDContains resource-id 短名包含 sub（忽略大小写）
func IDContains(sub string) Matcher {
	sub = strings.ToLower(sub)
	return func(n *domain.Node) bool {
		return n.ID != "" && strings.Contains(strings.ToLower(ShortID(n.ID)), sub)
	}
}

// ContentDesc 无障碍描述完全匹配（忽略大小写）
func ContentDesc(desc string) Matcher {
	return func(n *domain.Node) bool {
		return n.ContentDesc != "" && strings.EqualFold(n.ContentDesc, desc)
	}
}

// Text 文本完全匹配
func Text(text string) Matcher {
	return func(n *domain.Node) bool {
		return n.Text != "" && n.Text == text
	}
}

// TextContains 文本包含 sub（忽略大小写）
func TextContains(sub string) Matcher {
	sub = strings.ToLower(sub)
	return func(n *domain.Node) bool {
		return n.Text != "" && strings.Contains(strings.ToLower(n.Text), sub)
	}
}

// Class 元素类型匹配，接受全名或最后一段（如 "TextView"）
func Class(class string) Matcher {
	return func(n *domain.Node) bool {
		return n.Type == class || strings.HasSuffix(n.Type, "."+class)
	}
}

// Clickable 可点击节点
func Clickable() Matcher {
	return func(n *domain.Node) bool { return n.Clickable }
}

// Locate 按定位配置匹配：ID 优先，其次 ContentDesc、Text，最后 TextContains
func Locate(l domain.Locator) Matcher {
	switch {
	case l.ID != "":
		return ID(l.ID)
	case l.ContentDesc != "":
		return ContentDesc(l.ContentDesc)
	case l.Text != "":
		return Text(l.Text)
	case l.TextContains != "":
		return TextContains(l.TextContains)
	default:
		return func(*domain.Node) bool { return false }
	}
}

// AnyOf 任一谓词成立
func AnyOf(ms ...Matcher) Matcher {
	return func(n *domain.Node) bool {
		for _, m := range ms {
			if m(n) {
				return true
			}
		}
		return false
	}
}

// AllOf 所有谓词成立
func AllOf(ms ...Matcher) Matcher {
	return func(n *domain.Node) bool {
		for _, m := range ms {
			if !m(n) {
				return false
			}
		}
		return true
	}
}

// Not 取反
func Not(m Matcher) Matcher {
	return func(n *domain.Node) bool { return !m(n) }
}

// Find 深度优先第一个匹配节点
func (m Matcher) Find(s *domain.Snapshot) (*domain.Node, bool) {
	if s == nil {
		return nil, false
	}
	return m.FindIn(s.Nodes)
}

// FindIn 在给定子树中查找
func (m Matcher) FindIn(nodes []*domain.Node) (*domain.Node, bool) {
	for _, n := range nodes {
		if m(n) {
			return n, true
		}
		if found, ok := m.FindIn(n.Children); ok {
			return found, true
		}
	}
	return nil, false
}

// FindAll 所有匹配节点（文档顺序）
func (m Matcher) FindAll(s *domain.Snapshot) []*domain.Node {
	if s == nil {
		return nil
	}
	return m.FindAllIn(s.Nodes)
}

// FindAllIn 在给定子树中查找所有匹配
func (m Matcher) FindAllIn(nodes []*domain.Node) []*domain.Node {
	var out []*domain.Node
	var visit func([]*domain.Node)
	visit = func(list []*domain.Node) {
		for _, n := range list {
			if m(n) {
				out = append(out, n)
			}
			visit(n.Children)
		}
	}
	visit(nodes)
	return out
}

// In 快照中是否存在匹配节点
func (m Matcher) In(s *domain.Snapshot) bool {
	_, ok := m.Find(s)
	return ok
}

// Labels 快照中所有非空可见文本/描述的集合
func Labels(s *domain.Snapshot) map[string]struct{} {
	labels := make(map[string]struct{})
	if s == nil {
		return labels
	}
	s.Walk(func(n *domain.Node) bool {
		if label := strings.TrimSpace(n.Label()); label != "" {
			labels[label] = struct{}{}
		}
		return true
	})
	return labels
}

// ShortID 去掉 "package:id/" 前缀
func ShortID(id string) string {
	if idx := strings.Index(id, ":id/"); idx != -1 {
		return id[idx+4:]
	}
	return id
}
