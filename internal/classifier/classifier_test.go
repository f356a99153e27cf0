package classifier

import (
	"testing"

	"github.com/sphh12/appium-public/internal/domain"
	"github.com/sphh12/appium-public/internal/driver/drivertest"
	"github.com/sphh12/appium-public/internal/screen"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const appID = "com.example.app"

var (
	homeTab     = drivertest.N{Desc: "Home", Clickable: true, Bounds: [4]int{0, 2200, 270, 2400}}
	bottomSheet = drivertest.N{ID: appID + ":id/design_bottom_sheet", Bounds: [4]int{0, 1400, 1080, 2400}}
	backButton  = drivertest.N{ID: appID + ":id/iv_back", Clickable: true, Bounds: [4]int{0, 60, 120, 160}}
	plainText   = drivertest.N{Text: "Hello", Class: "android.widget.TextView", Bounds: [4]int{0, 300, 500, 400}}
)

func snapshot(t *testing.T, foreground string, nodes ...drivertest.N) *domain.Snapshot {
	snap, err := screen.FromRaw(drivertest.Hierarchy(nodes...), foreground)
	require.NoError(t, err)
	return snap
}

// TestClassify_HomeIsApp 首页标记且无弹窗 -> APP
func TestClassify_HomeIsApp(t *testing.T) {
	c := New(DefaultSignatures(appID))
	assert.Equal(t, domain.ScreenApp, c.Classify(snapshot(t, appID, homeTab, plainText)))
}

// TestClassify_BottomSheetIsOverlay 底部面板且无首页标记 -> OVERLAY
func TestClassify_BottomSheetIsOverlay(t *testing.T) {
	c := New(DefaultSignatures(appID))
	assert.Equal(t, domain.ScreenOverlay, c.Classify(snapshot(t, appID, plainText, bottomSheet)))
}

// TestClassify_SystemUIIsForeign 前台为系统界面时无论树内容都是 FOREIGN
func TestClassify_SystemUIIsForeign(t *testing.T) {
	c := New(DefaultSignatures(appID))
	assert.Equal(t, domain.ScreenForeign, c.Classify(snapshot(t, "com.android.systemui", homeTab)))
	assert.Equal(t, domain.ScreenForeign, c.Classify(snapshot(t, "com.android.systemui", bottomSheet)))
	assert.True(t, c.IsForeign(snapshot(t, "com.google.android.apps.nexuslauncher")))
}

// TestClassify_OverlayWithHomeIsApp 首页标记与弹窗特征共存时按 APP 处理
func TestClassify_OverlayWithHomeIsApp(t *testing.T) {
	c := New(DefaultSignatures(appID))
	assert.Equal(t, domain.ScreenApp, c.Classify(snapshot(t, appID, homeTab, bottomSheet)))
}

// TestClassify_BackAffordanceIsApp 子页面只有返回按钮 -> APP
func TestClassify_BackAffordanceIsApp(t *testing.T) {
	c := New(DefaultSignatures(appID))
	assert.Equal(t, domain.ScreenApp, c.Classify(snapshot(t, appID, backButton, plainText)))
}

// TestClassify_Unknown 无任何特征 -> UNKNOWN
func TestClassify_Unknown(t *testing.T) {
	c := New(DefaultSignatures(appID))
	assert.Equal(t, domain.ScreenUnknown, c.Classify(snapshot(t, appID, plainText)))
	assert.Equal(t, domain.ScreenUnknown, c.Classify(nil))
}

// TestClassify_NoAppIDSkipsForegroundCheck 未配置包名时不判 FOREIGN
func TestClassify_NoAppIDSkipsForegroundCheck(t *testing.T) {
	c := New(DefaultSignatures(""))
	assert.Equal(t, domain.ScreenApp, c.Classify(snapshot(t, "anything", homeTab)))
}

// TestClassify_Pure 相同输入得到相同结果
func TestClassify_Pure(t *testing.T) {
	c := New(DefaultSignatures(appID))
	inputs := []*domain.Snapshot{
		snapshot(t, appID, homeTab),
		snapshot(t, appID, bottomSheet),
		snapshot(t, "com.android.systemui"),
		snapshot(t, appID, plainText),
	}

	first := make([]domain.ScreenClass, len(inputs))
	for i, s := range inputs {
		first[i] = c.Classify(s)
	}
	for round := 0; round < 5; round++ {
		// 交错调用，确认没有跨调用状态
		for i := len(inputs) - 1; i >= 0; i-- {
			assert.Equal(t, first[i], c.Classify(inputs[i]))
		}
	}
}

// TestClassify_CustomSignatures 自定义特征
func TestClassify_CustomSignatures(t *testing.T) {
	sig := Signatures{
		AppID:          appID,
		HomeMarkers:    []domain.Locator{{Text: "Dashboard"}},
		OverlayMarkers: []domain.Locator{{ContentDesc: "Dismiss"}},
	}
	c := New(sig)

	dash := drivertest.N{Text: "Dashboard", Bounds: [4]int{0, 0, 100, 100}}
	dismiss := drivertest.N{Desc: "Dismiss", Bounds: [4]int{0, 0, 100, 100}}

	assert.Equal(t, domain.ScreenApp, c.Classify(snapshot(t, appID, dash)))
	assert.Equal(t, domain.ScreenOverlay, c.Classify(snapshot(t, appID, dismiss)))
	assert.Equal(t, domain.ScreenUnknown, c.Classify(snapshot(t, appID, homeTab)))
}

// TestScreenClass_String 测试字符串表示
func TestScreenClass_String(t *testing.T) {
	assert.Equal(t, "app", domain.ScreenApp.String())
	assert.Equal(t, "overlay", domain.ScreenOverlay.String())
	assert.Equal(t, "foreign", domain.ScreenForeign.String())
	assert.Equal(t, "unknown", domain.ScreenUnknown.String())
}
