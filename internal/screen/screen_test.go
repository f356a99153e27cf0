package screen

import (
	"testing"

	"github.com/sphh12/appium-public/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTree = `<?xml version='1.0' encoding='UTF-8' standalone='yes' ?>
<hierarchy index="0" class="hierarchy" rotation="0" width="1080" height="2400">
  <node index="0" text="" resource-id="" class="android.widget.FrameLayout" package="com.example.app" content-desc="" clickable="false" scrollable="false" bounds="[0,0][1080,2400]">
    <node index="0" text="Transfer" resource-id="com.example.app:id/toolbar_title" class="android.widget.TextView" package="com.example.app" content-desc="" clickable="false" bounds="[200,60][880,160]" />
    <node index="1" text="" resource-id="com.example.app:id/iv_back" class="android.widget.ImageView" package="com.example.app" content-desc="Back" clickable="true" bounds="[0,60][120,160]" />
    <node index="2" text="" resource-id="com.example.app:id/list" class="androidx.recyclerview.widget.RecyclerView" package="com.example.app" content-desc="" clickable="false" scrollable="true" bounds="[0,200][1080,2200]">
      <node index="0" text="Send &amp; Receive" resource-id="com.example.app:id/item" class="android.widget.TextView" package="com.example.app" content-desc="" clickable="true" bounds="[0,200][1080,400]" />
      <node index="1" text="" resource-id="" class="android.widget.ImageView" package="com.example.app" content-desc="Home" clickable="true" selected="true" bounds="[0,2200][270,2400]" />
    </node>
  </node>
</hierarchy>`

func mustSnapshot(t *testing.T, raw string) *domain.Snapshot {
	snap, err := FromRaw(raw, "com.example.app")
	require.NoError(t, err)
	return snap
}

// TestParse 测试解析节点树
func TestParse(t *testing.T) {
	nodes, err := Parse(sampleTree)
	require.NoError(t, err)
	require.Len(t, nodes, 1)

	root := nodes[0]
	assert.Equal(t, "android.widget.FrameLayout", root.Type)
	require.Len(t, root.Children, 3)

	title := root.Children[0]
	assert.Equal(t, "Transfer", title.Text)
	assert.Equal(t, domain.Bounds{Left: 200, Top: 60, Right: 880, Bottom: 160}, title.Bounds)
	assert.False(t, title.HasContentDesc())

	list := root.Children[2]
	assert.True(t, list.Scrollable)
	require.Len(t, list.Children, 2)
	assert.Equal(t, "Send & Receive", list.Children[0].Text)
	assert.True(t, list.Children[1].Selected)
}

// TestParse_Malformed 测试截断的源码
func TestParse_Malformed(t *testing.T) {
	_, err := Parse(`<hierarchy><node text="a"`)
	assert.Error(t, err)
}

// TestParseBounds 测试坐标解析
func TestParseBounds(t *testing.T) {
	assert.Equal(t, domain.Bounds{Left: 0, Top: 60, Right: 120, Bottom: 160}, ParseBounds("[0,60][120,160]"))
	assert.True(t, ParseBounds("garbage").IsEmpty())

	x, y := ParseBounds("[0,0][100,50]").Center()
	assert.Equal(t, 50, x)
	assert.Equal(t, 25, y)
}

// TestMatchers 测试节点查找
func TestMatchers(t *testing.T) {
	snap := mustSnapshot(t, sampleTree)

	n, ok := ID("iv_back").Find(snap)
	require.True(t, ok)
	assert.Equal(t, "Back", n.ContentDesc)

	assert.True(t, ID("com.example.app:id/toolbar_title").In(snap))
	assert.False(t, ID("back").In(snap), "短名必须完整匹配")
	assert.True(t, IDContains("TOOLBAR").In(snap))
	assert.True(t, ContentDesc("home").In(snap))
	assert.True(t, Text("Transfer").In(snap))
	assert.True(t, TextContains("receive").In(snap))
	assert.Len(t, Class("TextView").FindAll(snap), 2)
	assert.Len(t, Clickable().FindAll(snap), 3)

	assert.True(t, Locate(domain.Locator{ContentDesc: "Home"}).In(snap))
	assert.False(t, Locate(domain.Locator{}).In(snap))

	assert.True(t, AnyOf(ID("missing"), ContentDesc("Home")).In(snap))
	assert.False(t, AllOf(ID("iv_back"), Text("Transfer")).In(snap))
	assert.True(t, AllOf(ID("iv_back"), Not(Text("Transfer"))).In(snap))
}

// TestMatchers_Pure 测试查找不修改快照
func TestMatchers_Pure(t *testing.T) {
	snap := mustSnapshot(t, sampleTree)
	before := snap.Count()

	for i := 0; i < 3; i++ {
		ID("item").Find(snap)
		Labels(snap)
	}
	assert.Equal(t, before, snap.Count())
}

// TestLabels 测试可见文本集合
func TestLabels(t *testing.T) {
	snap := mustSnapshot(t, sampleTree)
	labels := Labels(snap)

	assert.Contains(t, labels, "Transfer")
	assert.Contains(t, labels, "Back")
	assert.Contains(t, labels, "Home")
	assert.Contains(t, labels, "Send & Receive")
	assert.Len(t, labels, 4)
}

// TestTitle 测试页面名推断
func TestTitle(t *testing.T) {
	snap := mustSnapshot(t, sampleTree)
	assert.Equal(t, "Transfer", Title(snap))

	bare := mustSnapshot(t, `<hierarchy><node class="android.view.View" bounds="[0,0][10,10]"/></hierarchy>`)
	bare.Activity = "com.example.app.ui.SettingsActivity"
	assert.Equal(t, "Settings", Title(bare))

	bare.Activity = ""
	assert.Equal(t, "unknown", Title(bare))
}

// TestHash 测试页面指纹
func TestHash(t *testing.T) {
	a := mustSnapshot(t, sampleTree)
	b := mustSnapshot(t, sampleTree)
	assert.Equal(t, Hash(a), Hash(b))

	c := mustSnapshot(t, `<hierarchy><node text="Other" resource-id="x" bounds="[0,0][10,10]"/></hierarchy>`)
	assert.NotEqual(t, Hash(a), Hash(c))
}
