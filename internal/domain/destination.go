package domain

import "sync"

// DestinationKind 目的地类型
type DestinationKind string

const (
	KindTab          DestinationKind = "tab"
	KindMenu         DestinationKind = "menu"
	KindSubTab       DestinationKind = "subtab"
	KindCarouselPage DestinationKind = "carousel_page"
)

// Locator 定位方式，按 ID > ContentDesc > Text > TextContains 的顺序匹配
type Locator struct {
	ID           string `yaml:"id,omitempty"`            // resource-id 后缀，如 "btn_close"
	ContentDesc  string `yaml:"content_desc,omitempty"`  // 无障碍描述
	Text         string `yaml:"text,omitempty"`          // 可见文本
	TextContains string `yaml:"text_contains,omitempty"` // 文本包含（忽略大小写）
}

// IsZero 是否未配置任何定位条件
func (l Locator) IsZero() bool {
	return l.ID == "" && l.ContentDesc == "" && l.Text == "" && l.TextContains == ""
}

func (l Locator) String() string {
	switch {
	case l.ID != "":
		return "id=" + l.ID
	case l.ContentDesc != "":
		return "desc=" + l.ContentDesc
	case l.Text != "":
		return "text=" + l.Text
	case l.TextContains != "":
		return "text~" + l.TextContains
	default:
		return "<empty>"
	}
}

// Destination 可导航的目的地（底部 Tab、侧边菜单项、子 Tab、轮播页）
type Destination struct {
	Name    string          `yaml:"name"`
	Parent  string          `yaml:"parent,omitempty"`
	Kind    DestinationKind `yaml:"kind"`
	Locator Locator         `yaml:"locator"`
	// Scroll 是否在该页面执行滚动抓取
	Scroll bool `yaml:"scroll"`
	// Carousel 是否尝试抓取轮播页
	Carousel bool `yaml:"carousel"`
	// SubTabs 是否抓取页面内的子 Tab
	SubTabs bool `yaml:"sub_tabs"`
}

// Key 访问记录中的唯一键
func (d Destination) Key() string {
	if d.Parent == "" {
		return string(d.Kind) + ":" + d.Name
	}
	return string(d.Kind) + ":" + d.Parent + "/" + d.Name
}

// VisitRecord 单次运行内已访问的目的地集合，只增不减
type VisitRecord struct {
	mu      sync.Mutex
	visited map[string]struct{}
	order   []string
}

// NewVisitRecord 创建空访问记录
func NewVisitRecord() *VisitRecord {
	return &VisitRecord{visited: make(map[string]struct{})}
}

// Visited 是否已访问
func (v *VisitRecord) Visited(key string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.visited[key]
	return ok
}

// Mark 标记为已访问，已存在时返回 false
func (v *VisitRecord) Mark(key string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.visited[key]; ok {
		return false
	}
	v.visited[key] = struct{}{}
	v.order = append(v.order, key)
	return true
}

// Keys 按访问顺序返回所有键
func (v *VisitRecord) Keys() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, len(v.order))
	copy(out, v.order)
	return out
}

// Len 已访问数量
func (v *VisitRecord) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.order)
}
