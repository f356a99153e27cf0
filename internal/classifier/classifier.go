package classifier

import (
	"github.com/sphh12/appium-public/internal/domain"
	"github.com/sphh12/appium-public/internal/screen"
)

// Signatures 页面结构特征
type Signatures struct {
	AppID          string           `yaml:"app_id"`
	HomeMarkers    []domain.Locator `yaml:"home_markers"`    // 底部导航（首页 Tab）
	OverlayMarkers []domain.Locator `yaml:"overlay_markers"` // 横幅、底部面板、关闭图标等
	BackMarkers    []domain.Locator `yaml:"back_markers"`    // 返回按钮、标题栏
}

// DefaultSignatures 默认特征
func DefaultSignatures(appID string) Signatures {
	return Signatures{
		AppID: appID,
		HomeMarkers: []domain.Locator{
			{ContentDesc: "Home"},
		},
		OverlayMarkers: []domain.Locator{
			{ID: "imgvCross"},
			{ID: "touch_outside"},
			{ID: "design_bottom_sheet"},
			{ID: "bannerImageView"},
			{ID: "inAppBannersViewPager"},
		},
		BackMarkers: []domain.Locator{
			{ID: "iv_back"},
			{ID: "btnBack"},
			{ID: "toolbar_title"},
		},
	}
}

// Classifier 屏幕分类器，无内部状态
type Classifier struct {
	sig     Signatures
	home    screen.Matcher
	overlay screen.Matcher
	back    screen.Matcher
}

// New 创建分类器
func New(sig Signatures) *Classifier {
	return &Classifier{
		sig:     sig,
		home:    anyLocator(sig.HomeMarkers),
		overlay: anyLocator(sig.OverlayMarkers),
		back:    anyLocator(sig.BackMarkers),
	}
}

func anyLocator(locators []domain.Locator) screen.Matcher {
	ms := make([]screen.Matcher, 0, len(locators))
	for _, l := range locators {
		ms = append(ms, screen.Locate(l))
	}
	return screen.AnyOf(ms...)
}

// AppID 目标应用包名
func (c *Classifier) AppID() string {
	return c.sig.AppID
}

// Classify 按优先级分类：前台包名不符 > 弹窗特征（且无首页） > 首页或返回特征 > 未知
//
// 未配置 AppID 时跳过前台包名检查。
func (c *Classifier) Classify(s *domain.Snapshot) domain.ScreenClass {
	if s == nil {
		return domain.ScreenUnknown
	}
	if c.sig.AppID != "" && s.ForegroundApp != c.sig.AppID {
		return domain.ScreenForeign
	}

	hasHome := c.home.In(s)
	if c.overlay.In(s) && !hasHome {
		return domain.ScreenOverlay
	}
	if hasHome || c.back.In(s) {
		return domain.ScreenApp
	}
	return domain.ScreenUnknown
}

// HasHome 是否可见首页导航
func (c *Classifier) HasHome(s *domain.Snapshot) bool {
	return c.home.In(s)
}

// HasOverlay 是否存在弹窗特征
func (c *Classifier) HasOverlay(s *domain.Snapshot) bool {
	return c.overlay.In(s)
}

// HomeNode 首页导航节点
func (c *Classifier) HomeNode(s *domain.Snapshot) (*domain.Node, bool) {
	return c.home.Find(s)
}

// IsForeign 前台是否为其他应用
func (c *Classifier) IsForeign(s *domain.Snapshot) bool {
	return c.sig.AppID != "" && s != nil && s.ForegroundApp != c.sig.AppID
}
