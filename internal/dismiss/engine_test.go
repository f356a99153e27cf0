package dismiss

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sphh12/appium-public/internal/classifier"
	"github.com/sphh12/appium-public/internal/domain"
	"github.com/sphh12/appium-public/internal/driver"
	"github.com/sphh12/appium-public/internal/driver/drivertest"
	"github.com/sphh12/appium-public/internal/screen"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const appID = "com.example.app"

var (
	homeTab  = drivertest.N{Desc: "Home", Clickable: true, Bounds: [4]int{0, 2200, 270, 2400}}
	sheet    = drivertest.N{ID: appID + ":id/design_bottom_sheet", Bounds: [4]int{0, 1400, 1080, 2400}}
	okay     = drivertest.N{ID: appID + ":id/btn_okay", Clickable: true, Bounds: [4]int{300, 1800, 780, 1900}}
	ivBack   = drivertest.N{ID: appID + ":id/iv_back", Clickable: true, Bounds: [4]int{0, 60, 120, 160}}
	crossBtn = drivertest.N{ID: appID + ":id/imgvCross", Clickable: true, Bounds: [4]int{960, 300, 1040, 380}}
	text     = drivertest.N{Text: "Hello", Class: "android.widget.TextView", Bounds: [4]int{0, 300, 500, 400}}
)

func homeScreen() *drivertest.Screen {
	return &drivertest.Screen{Name: "home", XML: drivertest.Hierarchy(homeTab, text)}
}

func newEngine(t *testing.T) *Engine {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	cfg := DefaultConfig()
	cfg.SettleDelay = time.Millisecond
	cfg.ReactivateDelay = time.Millisecond
	e, err := NewEngine(cfg, classifier.New(classifier.DefaultSignatures(appID)), logger)
	require.NoError(t, err)
	return e
}

type recorder struct{ names []string }

func (r *recorder) SavePopup(ctx context.Context, p driver.Provider, name string) {
	r.names = append(r.names, name)
}

// TestDismiss_AppScreenIsNoop 已是 APP 时不产生任何输入操作
func TestDismiss_AppScreenIsNoop(t *testing.T) {
	fake := drivertest.NewFake(appID, homeScreen())
	e := newEngine(t)

	for i := 0; i < 3; i++ {
		assert.True(t, e.Dismiss(context.Background(), fake, 5))
	}
	assert.Empty(t, fake.Calls())
}

// TestDismiss_BottomSheetBack 底部面板按返回后回到首页
func TestDismiss_BottomSheetBack(t *testing.T) {
	fake := drivertest.NewFake(appID,
		&drivertest.Screen{Name: "sheet", XML: drivertest.Hierarchy(text, sheet), Back: "home"},
		homeScreen(),
	)
	e := newEngine(t)
	rec := &recorder{}
	e.SetRecorder(rec)

	assert.True(t, e.Dismiss(context.Background(), fake, 1))
	assert.Equal(t, []string{"back"}, fake.Calls())
	assert.Equal(t, "home", fake.At())
	assert.Equal(t, []string{"popup_bottom_sheet"}, rec.names)
}

// TestDismiss_CloseButton 点击关闭图标
func TestDismiss_CloseButton(t *testing.T) {
	fake := drivertest.NewFake(appID,
		&drivertest.Screen{
			Name: "banner",
			XML:  drivertest.Hierarchy(text, crossBtn),
			On:   map[string]string{"imgvCross": "home"},
		},
		homeScreen(),
	)
	e := newEngine(t)

	assert.True(t, e.Dismiss(context.Background(), fake, 3))
	assert.Equal(t, []string{"tap:imgvCross"}, fake.Calls())
}

// TestDismiss_RenewalConfirmThenBack 确认后必须离开续期页面
func TestDismiss_RenewalConfirmThenBack(t *testing.T) {
	fake := drivertest.NewFake(appID,
		&drivertest.Screen{
			Name: "renewal",
			XML:  drivertest.Hierarchy(text, okay),
			On:   map[string]string{"btn_okay": "renewal_detail"},
		},
		&drivertest.Screen{
			Name: "renewal_detail",
			XML:  drivertest.Hierarchy(ivBack, text),
			On:   map[string]string{"iv_back": "home"},
		},
		homeScreen(),
	)
	e := newEngine(t)

	assert.True(t, e.Dismiss(context.Background(), fake, 3))
	assert.Equal(t, []string{"tap:btn_okay", "tap:iv_back"}, fake.Calls())
	assert.Equal(t, "home", fake.At())
}

// treeFailsAfterTap 点击后的下一次取树失败
type treeFailsAfterTap struct {
	*drivertest.Fake
}

func (p *treeFailsAfterTap) Tap(ctx context.Context, x, y int) error {
	if err := p.Fake.Tap(ctx, x, y); err != nil {
		return err
	}
	p.Fake.FailNext("tree", driver.NewFault(driver.FaultTimeout, "tree", errors.New("timeout")))
	return nil
}

// TestDismiss_RenewalConfirmBackWithoutSnapshot 确认后取不到页面时按硬件返回
func TestDismiss_RenewalConfirmBackWithoutSnapshot(t *testing.T) {
	fake := drivertest.NewFake(appID,
		&drivertest.Screen{
			Name: "renewal",
			XML:  drivertest.Hierarchy(text, okay),
			On:   map[string]string{"btn_okay": "renewal_detail"},
		},
		&drivertest.Screen{
			Name: "renewal_detail",
			XML:  drivertest.Hierarchy(ivBack, text),
			Back: "home",
		},
		homeScreen(),
	)
	e := newEngine(t)

	assert.True(t, e.Dismiss(context.Background(), &treeFailsAfterTap{Fake: fake}, 3))
	assert.Equal(t, []string{"tap:btn_okay", "back"}, fake.Calls())
	assert.Equal(t, "home", fake.At())
}

// TestDismiss_ForeignReactivates 前台为其他应用时重新激活目标应用
func TestDismiss_ForeignReactivates(t *testing.T) {
	fake := drivertest.NewFake(appID,
		&drivertest.Screen{Name: "launcher", XML: drivertest.Hierarchy(homeTab), Package: "com.google.android.apps.nexuslauncher"},
		homeScreen(),
	)
	fake.ActivateTo = "home"
	e := newEngine(t)

	assert.True(t, e.Dismiss(context.Background(), fake, 3))
	assert.Equal(t, []string{"activate:" + appID}, fake.Calls())
}

// TestDismiss_GuardedBackLeavesApp 兜底返回退出了应用时重新激活
func TestDismiss_GuardedBackLeavesApp(t *testing.T) {
	fake := drivertest.NewFake(appID,
		&drivertest.Screen{Name: "blank", XML: drivertest.Hierarchy(text), Back: "launcher"},
		&drivertest.Screen{Name: "launcher", XML: drivertest.Hierarchy(), Package: "com.android.launcher"},
		homeScreen(),
	)
	fake.ActivateTo = "home"
	e := newEngine(t)

	assert.True(t, e.Dismiss(context.Background(), fake, 3))
	assert.Equal(t, []string{"back", "activate:" + appID}, fake.Calls())
}

// TestDismiss_GivesUpAfterMaxAttempts 无法清理时返回 false 且不超过尝试次数
func TestDismiss_GivesUpAfterMaxAttempts(t *testing.T) {
	fake := drivertest.NewFake(appID,
		&drivertest.Screen{Name: "stuck", XML: drivertest.Hierarchy(text, sheet)},
	)
	e := newEngine(t)

	assert.False(t, e.Dismiss(context.Background(), fake, 3))
	assert.Equal(t, 3, fake.Count("back"))
}

// TestDismiss_SessionLost 会话丢失时立即放弃
func TestDismiss_SessionLost(t *testing.T) {
	fake := drivertest.NewFake(appID,
		&drivertest.Screen{Name: "sheet", XML: drivertest.Hierarchy(text, sheet), Back: "home"},
		homeScreen(),
	)
	fake.FailNext("tree", driver.NewFault(driver.FaultInstrumentationCrashed, "tree", errors.New("instrumentation process is not running")))
	e := newEngine(t)

	assert.False(t, e.Dismiss(context.Background(), fake, 5))
	assert.Empty(t, fake.Calls())
}

// TestDismiss_TransientErrorRetries 瞬时错误后继续尝试
func TestDismiss_TransientErrorRetries(t *testing.T) {
	fake := drivertest.NewFake(appID,
		&drivertest.Screen{Name: "sheet", XML: drivertest.Hierarchy(text, sheet), Back: "home"},
		homeScreen(),
	)
	fake.FailNext("tree", driver.NewFault(driver.FaultTimeout, "tree", errors.New("timeout")))
	e := newEngine(t)

	assert.True(t, e.Dismiss(context.Background(), fake, 3))
	assert.Equal(t, []string{"back"}, fake.Calls())
}

// TestDismissAll_MultipleRounds 多层弹窗逐个清理
func TestDismissAll_MultipleRounds(t *testing.T) {
	fake := drivertest.NewFake(appID,
		&drivertest.Screen{
			Name: "banner",
			XML:  drivertest.Hierarchy(text, crossBtn),
			On:   map[string]string{"imgvCross": "sheet"},
		},
		&drivertest.Screen{Name: "sheet", XML: drivertest.Hierarchy(text, sheet), Back: "home"},
		homeScreen(),
	)
	e := newEngine(t)

	assert.True(t, e.DismissAll(context.Background(), fake))
	assert.Equal(t, []string{"tap:imgvCross", "back"}, fake.Calls())
}

// TestDismiss_CustomRuleOrder 规则顺序决定优先级
func TestDismiss_CustomRuleOrder(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	cfg := DefaultConfig()
	cfg.SettleDelay = time.Millisecond
	cfg.Rules = []Rule{
		{Name: "sheet_first", Action: ActionBack, Match: []domain.Locator{{ID: "design_bottom_sheet"}}},
		{Name: "cross", Action: ActionTap, Match: []domain.Locator{{ID: "imgvCross"}}},
	}
	e, err := NewEngine(cfg, classifier.New(classifier.DefaultSignatures(appID)), logger)
	require.NoError(t, err)

	fake := drivertest.NewFake(appID,
		&drivertest.Screen{
			Name: "both",
			XML:  drivertest.Hierarchy(text, sheet, crossBtn),
			On:   map[string]string{"imgvCross": "home"},
			Back: "home",
		},
		homeScreen(),
	)

	assert.True(t, e.Dismiss(context.Background(), fake, 2))
	assert.Equal(t, []string{"back"}, fake.Calls())
}

// TestValidateRules 测试规则校验
func TestValidateRules(t *testing.T) {
	assert.NoError(t, ValidateRules(DefaultRules()))
	assert.Error(t, ValidateRules(nil))
	assert.Error(t, ValidateRules([]Rule{{Action: ActionTap, Match: []domain.Locator{{ID: "x"}}}}))
	assert.Error(t, ValidateRules([]Rule{{Name: "a", Action: ActionTap}}))
	assert.Error(t, ValidateRules([]Rule{{Name: "a", Action: ActionBack, Match: []domain.Locator{{}}}}))
	assert.Error(t, ValidateRules([]Rule{{Name: "a", Action: "explode"}}))
	assert.Error(t, ValidateRules([]Rule{
		{Name: "a", Action: ActionDone},
		{Name: "a", Action: ActionGuardedBack},
	}))
}

// TestTryTap_NeverPressesBack 插页处理只点击，不按硬件返回
func TestTryTap_NeverPressesBack(t *testing.T) {
	fake := drivertest.NewFake(appID,
		&drivertest.Screen{Name: "sheet", XML: drivertest.Hierarchy(text, sheet), Back: "home"},
		&drivertest.Screen{Name: "renewal", XML: drivertest.Hierarchy(okay), On: map[string]string{"btn_okay": "renewal_detail"}},
		&drivertest.Screen{Name: "renewal_detail", XML: drivertest.Hierarchy(ivBack), On: map[string]string{"iv_back": "home"}},
		homeScreen(),
	)
	e := newEngine(t)
	ctx := context.Background()

	snap, err := screen.Take(ctx, fake, screen.TakeOptions{})
	require.NoError(t, err)
	fired, err := e.TryTap(ctx, fake, snap)
	require.NoError(t, err)
	assert.False(t, fired)
	assert.Empty(t, fake.Calls())

	fake.Goto("renewal")
	snap, err = screen.Take(ctx, fake, screen.TakeOptions{})
	require.NoError(t, err)
	fired, err = e.TryTap(ctx, fake, snap)
	require.NoError(t, err)
	assert.True(t, fired)
	assert.Equal(t, []string{"tap:btn_okay", "tap:iv_back"}, fake.Calls())
	assert.Equal(t, "home", fake.At())
}
