package explore

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sphh12/appium-public/internal/auth"
	"github.com/sphh12/appium-public/internal/classifier"
	"github.com/sphh12/appium-public/internal/dismiss"
	"github.com/sphh12/appium-public/internal/domain"
	"gopkg.in/yaml.v3"
)

// Plan 探索计划：目的地顺序、页面特征、清理规则和登录定位
type Plan struct {
	AppID           string                `yaml:"app_id"`
	Sections        []Section             `yaml:"sections"`
	ExcludeKeywords []string              `yaml:"exclude_keywords"`
	Signatures      classifier.Signatures `yaml:"signatures"`
	DismissRules    []dismiss.Rule        `yaml:"dismiss_rules"`
	Auth            auth.Config           `yaml:"auth"`
	SubTabs         SubTabConfig          `yaml:"sub_tabs"`
	Carousel        CarouselConfig        `yaml:"carousel"`
	BackButtons     []domain.Locator      `yaml:"back_buttons"`
	Timing          Timing                `yaml:"timing"`
	Limits          Limits                `yaml:"limits"`
}

// Section 一组目的地。崩溃恢复后从下一组继续。
type Section struct {
	Name string `yaml:"name"`
	// Prefix 快照文件名前缀
	Prefix string `yaml:"prefix"`
	// Tab 底部 Tab；侧边菜单组为打开菜单前所在的 Tab
	Tab    domain.Locator `yaml:"tab"`
	Drawer *Drawer        `yaml:"drawer,omitempty"`

	Scroll   bool `yaml:"scroll"`
	Carousel bool `yaml:"carousel"`
	SubTabs  bool `yaml:"sub_tabs"`

	Items []Item `yaml:"items"`
}

// Drawer 侧边菜单
type Drawer struct {
	Opener      domain.Locator   `yaml:"opener"`
	OpenMarkers []domain.Locator `yaml:"open_markers"`
	Scroll      bool             `yaml:"scroll"`
}

// Item 组内的子页面或菜单项
type Item struct {
	// Name 同时作为快照名
	Name    string         `yaml:"name"`
	Locator domain.Locator `yaml:"locator"`
	// InPlace 原地切换的分类 Tab，不需要返回
	InPlace bool `yaml:"in_place"`
	Scroll  bool `yaml:"scroll"`
	SubTabs bool `yaml:"sub_tabs"`
}

// SubTabConfig 页面内子 Tab 的识别方式
type SubTabConfig struct {
	Containers []string `yaml:"containers"` // 容器类型
	LabelClass string   `yaml:"label_class"`
	SkipFirst  bool     `yaml:"skip_first"` // 第一个通常是当前页
}

// CarouselConfig 轮播识别
type CarouselConfig struct {
	Pagers       []domain.Locator `yaml:"pagers"`
	Indicators   []domain.Locator `yaml:"indicators"`
	DefaultPages int              `yaml:"default_pages"`
	MaxPages     int              `yaml:"max_pages"`
}

// Timing 各类等待
type Timing struct {
	Settle     time.Duration `yaml:"settle"`      // 点击/滑动后
	TabSwitch  time.Duration `yaml:"tab_switch"`  // 切换底部 Tab 后
	SplashWait time.Duration `yaml:"splash_wait"` // 激活应用后的启动页
	HomeWait   time.Duration `yaml:"home_wait"`   // 登录后等待首页
	Poll       time.Duration `yaml:"poll"`
	Lookup     time.Duration `yaml:"lookup"` // 查找入口控件
}

// Limits 上限
type Limits struct {
	MaxScrolls   int `yaml:"max_scrolls"`
	HomeAttempts int `yaml:"home_attempts"`
	AppRetries   int `yaml:"app_retries"`
}

// DefaultPlan 默认计划：Home、侧边菜单、History、Card、Event、Profile
func DefaultPlan(appID string) *Plan {
	return &Plan{
		AppID: appID,
		Sections: []Section{
			{Name: "Home", Prefix: "home", Tab: domain.Locator{ContentDesc: "Home"}, Scroll: true, Carousel: true},
			{
				Name:   "Hamburger",
				Prefix: "hamburger",
				Tab:    domain.Locator{ContentDesc: "Home"},
				Drawer: &Drawer{
					Opener:      domain.Locator{ID: "iv_nav"},
					OpenMarkers: []domain.Locator{{ID: "iv_close"}, {ID: "nav_drawer"}},
					Scroll:      true,
				},
				Items: []Item{
					{Name: "menu_Link_Bank_Account", Locator: domain.Locator{ID: "manageAccountsViewGroup"}, SubTabs: true},
					{Name: "menu_Inbound_Account", Locator: domain.Locator{ID: "manageInboundAccountsViewGroup"}, SubTabs: true},
					{Name: "menu_History_Menu", Locator: domain.Locator{ID: "manageHistoryViewGroup"}, SubTabs: true},
					{Name: "menu_Branch", Locator: domain.Locator{ID: "view_branch"}, SubTabs: true},
					{Name: "menu_About_GME", Locator: domain.Locator{ID: "view_about_gme"}, SubTabs: true},
					{Name: "menu_Settings", Locator: domain.Locator{ID: "view_setting"}, SubTabs: true},
					{Name: "menu_Privacy_Policy", Locator: domain.Locator{ID: "privacypolicy"}, SubTabs: true},
					{Name: "menu_Terms_and_Conditions", Locator: domain.Locator{ID: "termsconditions"}, SubTabs: true},
				},
			},
			{
				Name:   "History",
				Prefix: "history",
				Tab:    domain.Locator{ContentDesc: "History"},
				Items: []Item{
					{Name: "history_Overseas", Locator: domain.Locator{Text: "Overseas"}, InPlace: true},
					{Name: "history_Schedule_History", Locator: domain.Locator{Text: "Schedule History"}, InPlace: true},
					{Name: "history_Domestic", Locator: domain.Locator{Text: "Domestic"}, InPlace: true},
					{Name: "history_Inbound", Locator: domain.Locator{Text: "Inbound"}, InPlace: true},
					{Name: "history_my_usage", Locator: domain.Locator{ID: "usages"}},
					{Name: "history_cat_Remittance", Locator: domain.Locator{TextContains: "Remittance"}, SubTabs: true},
					{Name: "history_cat_Account", Locator: domain.Locator{TextContains: "Account"}, SubTabs: true},
					{Name: "history_cat_GMEPay", Locator: domain.Locator{TextContains: "GMEPay"}, SubTabs: true},
					{Name: "history_cat_Top_up", Locator: domain.Locator{TextContains: "Top-up"}, SubTabs: true},
					{Name: "history_cat_Coupon_Box", Locator: domain.Locator{TextContains: "Coupon Box"}, SubTabs: true},
				},
			},
			{Name: "Card", Prefix: "card", Tab: domain.Locator{ContentDesc: "Card"}, Scroll: true, SubTabs: true},
			{Name: "Event", Prefix: "event", Tab: domain.Locator{ContentDesc: "Event"}, Scroll: true, SubTabs: true},
			{
				Name:   "Profile",
				Prefix: "profile",
				Tab:    domain.Locator{ContentDesc: "Profile"},
				Scroll: true,
				Items: []Item{
					{Name: "profile_fullname", Locator: domain.Locator{ID: "fullname"}},
					{Name: "profile_phoneLayout", Locator: domain.Locator{ID: "phoneLayout"}},
					{Name: "profile_emailLayout", Locator: domain.Locator{ID: "emailLayout"}},
					{Name: "profile_addressLayout", Locator: domain.Locator{ID: "addressLayout"}},
					{Name: "profile_occupationLayout", Locator: domain.Locator{ID: "occupationLayout"}},
					{Name: "profile_passportLayout", Locator: domain.Locator{ID: "passportLayout"}},
					{Name: "profile_arcLayout", Locator: domain.Locator{ID: "arcLayout"}},
					{Name: "profile_editProfileView", Locator: domain.Locator{ID: "editProfileView"}},
				},
			},
		},
		ExcludeKeywords: []string{
			"password", "비밀번호", "logout", "로그아웃", "탈퇴",
			"delete", "withdraw", "change login", "change simple",
		},
		Signatures:   classifier.DefaultSignatures(appID),
		DismissRules: dismiss.DefaultRules(),
		Auth:         auth.DefaultConfig(),
		SubTabs: SubTabConfig{
			Containers: []string{"HorizontalScrollView", "TabLayout"},
			LabelClass: "TextView",
			SkipFirst:  true,
		},
		Carousel: CarouselConfig{
			Pagers:       []domain.Locator{{ID: "inAppBannersViewPager"}, {ID: "bannerViewPager"}, {ID: "viewPager"}},
			Indicators:   []domain.Locator{{ID: "indicator"}, {ID: "pageIndicator"}, {ID: "tabDots"}},
			DefaultPages: 2,
			MaxPages:     10,
		},
		BackButtons: []domain.Locator{{ID: "iv_back"}, {ID: "btnBack"}},
		Timing: Timing{
			Settle:     1500 * time.Millisecond,
			TabSwitch:  2 * time.Second,
			SplashWait: 5 * time.Second,
			HomeWait:   30 * time.Second,
			Poll:       2 * time.Second,
			Lookup:     10 * time.Second,
		},
		Limits: Limits{
			MaxScrolls:   5,
			HomeAttempts: 5,
			AppRetries:   3,
		},
	}
}

// LoadPlan 读取 YAML 计划，未配置的字段使用默认值
func LoadPlan(path, appID string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}
	return ParsePlan(data, appID)
}

// ParsePlan 解析 YAML 计划
func ParsePlan(data []byte, appID string) (*Plan, error) {
	plan := DefaultPlan(appID)
	if err := yaml.Unmarshal(data, plan); err != nil {
		return nil, fmt.Errorf("failed to parse plan: %w", err)
	}
	if plan.AppID == "" {
		plan.AppID = appID
	}
	if plan.Signatures.AppID == "" {
		plan.Signatures.AppID = plan.AppID
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

// Validate 检查计划
func (p *Plan) Validate() error {
	if len(p.Sections) == 0 {
		return fmt.Errorf("plan has no sections")
	}
	seen := make(map[string]bool)
	for i, s := range p.Sections {
		if s.Name == "" {
			return fmt.Errorf("section %d: name is required", i)
		}
		key := strings.ToLower(s.Name)
		if seen[key] {
			return fmt.Errorf("section %q: duplicate name", s.Name)
		}
		seen[key] = true

		if s.Tab.IsZero() {
			return fmt.Errorf("section %q: tab locator is required", s.Name)
		}
		if s.Drawer != nil && s.Drawer.Opener.IsZero() {
			return fmt.Errorf("section %q: drawer opener is required", s.Name)
		}
		for _, item := range s.Items {
			if item.Name == "" || item.Locator.IsZero() {
				return fmt.Errorf("section %q: item requires name and locator", s.Name)
			}
		}
	}
	return dismiss.ValidateRules(p.DismissRules)
}

// Select 按名称筛选组（忽略大小写），空字符串返回全部
func (p *Plan) Select(name string) ([]Section, error) {
	if name == "" {
		return p.Sections, nil
	}
	for _, s := range p.Sections {
		if strings.EqualFold(s.Name, name) {
			return []Section{s}, nil
		}
	}
	names := make([]string, 0, len(p.Sections))
	for _, s := range p.Sections {
		names = append(names, s.Name)
	}
	return nil, fmt.Errorf("unknown section %q (available: %s)", name, strings.Join(names, ", "))
}

// Excluded 名称或定位是否命中排除关键词
func (p *Plan) Excluded(values ...string) bool {
	for _, v := range values {
		v = strings.ToLower(v)
		if v == "" {
			continue
		}
		for _, kw := range p.ExcludeKeywords {
			if kw != "" && strings.Contains(v, strings.ToLower(kw)) {
				return true
			}
		}
	}
	return false
}

// destination 组的主目的地
func (s Section) destination() domain.Destination {
	kind := domain.KindTab
	if s.Drawer != nil {
		kind = domain.KindMenu
	}
	return domain.Destination{
		Name:     s.Name,
		Kind:     kind,
		Locator:  s.Tab,
		Scroll:   s.Scroll,
		Carousel: s.Carousel,
		SubTabs:  s.SubTabs,
	}
}

// destination 组内条目
func (it Item) destination(section Section) domain.Destination {
	kind := domain.KindSubTab
	if section.Drawer != nil {
		kind = domain.KindMenu
	}
	return domain.Destination{
		Name:    it.Name,
		Parent:  section.Name,
		Kind:    kind,
		Locator: it.Locator,
		Scroll:  it.Scroll,
		SubTabs: it.SubTabs,
	}
}
