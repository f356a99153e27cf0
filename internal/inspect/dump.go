// Package inspect 提供手动调试用的页面导出：单次导出和变化监视
package inspect

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sphh12/appium-public/internal/capture"
	"github.com/sphh12/appium-public/internal/domain"
	"github.com/sphh12/appium-public/internal/driver"
	"github.com/sphh12/appium-public/internal/screen"
)

// Stats 页面元素统计
type Stats struct {
	Elements  int `json:"elements"`
	Clickable int `json:"clickable"`
}

// Count 统计快照中的元素数和可点击元素数
func Count(snap *domain.Snapshot) Stats {
	var st Stats
	snap.Walk(func(n *domain.Node) bool {
		st.Elements++
		if n.Clickable {
			st.Clickable++
		}
		return true
	})
	return st
}

// DumpResult 单次导出结果
type DumpResult struct {
	Path  string `json:"path"`
	Size  int    `json:"size"`
	Stats Stats  `json:"stats"`
}

// Dump 把当前页面写入 dir/<时间戳>[_name].xml
func Dump(ctx context.Context, p driver.Provider, dir, name string, now time.Time) (*DumpResult, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create dump dir: %w", err)
	}
	snap, err := screen.Take(ctx, p, screen.TakeOptions{})
	if err != nil {
		return nil, err
	}

	filename := now.Format("20060102_150405")
	if name != "" {
		filename += "_" + capture.Sanitize(name)
	}
	path := capture.UniqueFile(filepath.Join(dir, filename+".xml"))
	if err := os.WriteFile(path, []byte(snap.Raw), 0644); err != nil {
		return nil, fmt.Errorf("failed to write dump: %w", err)
	}
	return &DumpResult{Path: path, Size: len(snap.Raw), Stats: Count(snap)}, nil
}

// Entry 导出目录中的一项
type Entry struct {
	Name     string `json:"name"`
	Dir      bool   `json:"dir"`
	Size     int64  `json:"size,omitempty"`
	XMLCount int    `json:"xml_count,omitempty"`
}

// List 列出导出目录中的 XML 文件和会话目录
func List(dir string) ([]Entry, error) {
	items, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var files, dirs []Entry
	for _, it := range items {
		switch {
		case it.IsDir():
			sub, err := os.ReadDir(filepath.Join(dir, it.Name()))
			if err != nil {
				continue
			}
			count := 0
			for _, s := range sub {
				if strings.HasSuffix(s.Name(), ".xml") {
					count++
				}
			}
			dirs = append(dirs, Entry{Name: it.Name(), Dir: true, XMLCount: count})
		case strings.HasSuffix(it.Name(), ".xml"):
			info, err := it.Info()
			if err != nil {
				continue
			}
			files = append(files, Entry{Name: it.Name(), Size: info.Size()})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].Name < dirs[j].Name })
	return append(files, dirs...), nil
}
