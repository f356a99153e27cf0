package watcher

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu     sync.Mutex
	events []Event
}

func (c *collector) handle(ctx context.Context, evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *collector) files() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, e := range c.events {
		out = append(out, e.RunDir+"/"+e.File)
	}
	return out
}

func TestFileWatcher_NewSessionDir(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	root := filepath.Join(t.TempDir(), "explore_results")
	c := &collector{}
	fw, err := NewFileWatcher(root, "*.xml", c.handle, logger)
	require.NoError(t, err)
	defer fw.Close()
	fw.SetDebounce(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fw.Start(ctx)

	session := filepath.Join(root, "explore_20260301_1020")
	require.NoError(t, os.MkdirAll(session, 0755))
	// 等待新目录加入监控
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(session, "001_home_main.xml"), []byte("<hierarchy/>"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(session, "screenshot.png"), []byte("png"), 0644))

	require.Eventually(t, func() bool {
		for _, f := range c.files() {
			if f == "explore_20260301_1020/001_home_main.xml" {
				return true
			}
		}
		return false
	}, 2*time.Second, 20*time.Millisecond)

	for _, f := range c.files() {
		assert.NotContains(t, f, ".png")
	}
}

func TestFileWatcher_Match(t *testing.T) {
	fw := &FileWatcher{pattern: "*.xml"}
	assert.True(t, fw.match("/a/b/001_x.xml"))
	assert.False(t, fw.match("/a/b/001_x.png"))

	fw.pattern = ""
	assert.True(t, fw.match("anything"))
}
