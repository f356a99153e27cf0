package inspect

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sphh12/appium-public/internal/capture"
	"github.com/sphh12/appium-public/internal/driver"
	"github.com/sphh12/appium-public/internal/driver/drivertest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const appID = "com.example.app"

func titled(name, title string) *drivertest.Screen {
	return &drivertest.Screen{
		Name: name,
		XML: drivertest.Hierarchy(
			drivertest.N{ID: appID + ":id/screenTitle", Text: title, Bounds: [4]int{0, 100, 1080, 200}},
			drivertest.N{Text: "Continue", Clickable: true, Bounds: [4]int{0, 2000, 1080, 2100}},
		),
	}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

// TestDump 单次导出并统计元素
func TestDump(t *testing.T) {
	dir := t.TempDir()
	fake := drivertest.NewFake(appID, titled("a", "Send Money"))
	now := time.Date(2026, 3, 1, 10, 20, 30, 0, time.Local)

	res, err := Dump(context.Background(), fake, dir, "send money", now)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "20260301_102030_send_money.xml"), res.Path)
	assert.Equal(t, Stats{Elements: 2, Clickable: 1}, res.Stats)

	// 同一秒再次导出不覆盖
	again, err := Dump(context.Background(), fake, dir, "send money", now)
	require.NoError(t, err)
	assert.NotEqual(t, res.Path, again.Path)

	entries, err := List(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

// TestList 文件在前，目录在后并统计 xml 数
func TestList(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.xml"), []byte("<x/>"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("-"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "260301_1020"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "260301_1020", "001_home.xml"), []byte("<x/>"), 0644))

	entries, err := List(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, Entry{Name: "b.xml", Size: 4}, entries[0])
	assert.Equal(t, Entry{Name: "260301_1020", Dir: true, XMLCount: 1}, entries[1])

	missing, err := List(filepath.Join(dir, "nope"))
	require.NoError(t, err)
	assert.Empty(t, missing)
}

// TestWatcher_Check 页面变化时保存，回到已保存的页面不重复保存
func TestWatcher_Check(t *testing.T) {
	fake := drivertest.NewFake(appID, titled("a", "Home"), titled("b", "Send Money"))
	store, err := capture.NewStore(t.TempDir(), capture.Options{}, nil, nil, quietLogger())
	require.NoError(t, err)
	w := NewWatcher(fake, store, time.Millisecond, quietLogger())
	ctx := context.Background()

	c, err := w.Check(ctx)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "Home", c.Name)

	c, err = w.Check(ctx)
	require.NoError(t, err)
	assert.Nil(t, c, "unchanged screen must not be saved again")

	fake.Goto("b")
	c, err = w.Check(ctx)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "Send_Money", c.Name)
	assert.Equal(t, 2, c.Artifact.Sequence)

	fake.Goto("a")
	c, err = w.Check(ctx)
	require.NoError(t, err)
	assert.Nil(t, c)

	assert.Len(t, w.Results(), 2)
	assert.True(t, strings.HasSuffix(store.Artifacts()[1].Path, "002_Send_Money.xml"))
}

// TestWatcher_RunStopsOnCancel 取消是正常结束
func TestWatcher_RunStopsOnCancel(t *testing.T) {
	fake := drivertest.NewFake(appID, titled("a", "Home"))
	store, err := capture.NewStore(t.TempDir(), capture.Options{}, nil, nil, quietLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	captured, err := NewWatcher(fake, store, time.Millisecond, quietLogger()).Run(ctx)
	require.NoError(t, err)
	assert.Len(t, captured, 1)
}

// TestWatcher_SessionLost 会话丢失时停止
func TestWatcher_SessionLost(t *testing.T) {
	fake := drivertest.NewFake(appID, titled("a", "Home"))
	fake.FailNext("tree", driver.NewFault(driver.FaultConnectionLost, "tree", assert.AnError))
	store, err := capture.NewStore(t.TempDir(), capture.Options{}, nil, nil, quietLogger())
	require.NoError(t, err)

	_, err = NewWatcher(fake, store, time.Millisecond, quietLogger()).Run(context.Background())
	assert.True(t, driver.IsSessionLost(err))
}
