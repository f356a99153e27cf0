package dismiss

import (
	"fmt"

	"github.com/sphh12/appium-public/internal/domain"
)

// Action 规则命中后的动作
type Action string

const (
	// ActionTap 点击第一个可见的匹配节点
	ActionTap Action = "tap"
	// ActionTapThenBack 点击后必须返回一次：优先应用内返回按钮，否则硬件返回
	ActionTapThenBack Action = "tap_then_back"
	// ActionBack 匹配时按硬件返回
	ActionBack Action = "back"
	// ActionDone 首页可见且无弹窗特征时视为已清理
	ActionDone Action = "done"
	// ActionGuardedBack 兜底：确认前台仍是目标应用后再返回，已离开应用则重新激活
	ActionGuardedBack Action = "guarded_back"
)

// Rule 一条清理规则。规则按列表顺序尝试，第一条触发的生效。
type Rule struct {
	Name    string           `yaml:"name"`
	Action  Action           `yaml:"action"`
	Match   []domain.Locator `yaml:"match,omitempty"`
	BackVia []domain.Locator `yaml:"back_via,omitempty"`
	// Capture 点击前保存弹窗快照
	Capture bool `yaml:"capture"`
}

// DefaultRules 默认规则：可逆操作在前，硬件返回和重新激活在最后
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:    "renewal_offer",
			Action:  ActionTapThenBack,
			Match:   []domain.Locator{{ID: "btn_okay"}},
			BackVia: []domain.Locator{{ID: "iv_back"}},
			Capture: true,
		},
		{
			Name:   "close_button",
			Action: ActionTap,
			Match: []domain.Locator{
				{ID: "imgvCross"},
				{ID: "btnTwo"},
				{ID: "btn_close"},
				{ID: "android:id/button1"},
			},
			Capture: true,
		},
		{
			Name:    "close_desc",
			Action:  ActionTap,
			Match:   []domain.Locator{{ContentDesc: "close"}},
			Capture: true,
		},
		{
			Name:    "touch_outside",
			Action:  ActionTap,
			Match:   []domain.Locator{{ID: "touch_outside"}},
			Capture: true,
		},
		{
			Name:    "bottom_sheet",
			Action:  ActionBack,
			Match:   []domain.Locator{{ID: "design_bottom_sheet"}},
			Capture: true,
		},
		{
			Name:   "home_visible",
			Action: ActionDone,
		},
		{
			Name:   "fallback_back",
			Action: ActionGuardedBack,
		},
	}
}

// ValidateRules 检查规则配置
func ValidateRules(rules []Rule) error {
	if len(rules) == 0 {
		return fmt.Errorf("no dismiss rules configured")
	}
	seen := make(map[string]bool, len(rules))
	for i, r := range rules {
		if r.Name == "" {
			return fmt.Errorf("dismiss rule %d: name is required", i)
		}
		if seen[r.Name] {
			return fmt.Errorf("dismiss rule %q: duplicate name", r.Name)
		}
		seen[r.Name] = true

		switch r.Action {
		case ActionTap, ActionTapThenBack, ActionBack:
			if len(r.Match) == 0 {
				return fmt.Errorf("dismiss rule %q: action %s requires match", r.Name, r.Action)
			}
			for _, l := range r.Match {
				if l.IsZero() {
					return fmt.Errorf("dismiss rule %q: empty locator", r.Name)
				}
			}
		case ActionDone, ActionGuardedBack:
		default:
			return fmt.Errorf("dismiss rule %q: unknown action %q", r.Name, r.Action)
		}
	}
	return nil
}
