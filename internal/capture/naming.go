package capture

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const maxNameRunes = 30

var (
	reservedChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1f]`)
	underscores   = regexp.MustCompile(`_+`)
)

// Sanitize 生成可用于文件名的页面名：空格转下划线，去掉保留字符，合并下划线，最长 30 个字符
func Sanitize(name string) string {
	name = strings.TrimSpace(name)
	name = strings.ReplaceAll(name, " ", "_")
	name = reservedChars.ReplaceAllString(name, "")
	name = underscores.ReplaceAllString(name, "_")
	name = strings.Trim(name, "_.")

	if r := []rune(name); len(r) > maxNameRunes {
		name = strings.TrimRight(string(r[:maxNameRunes]), "_")
	}
	if name == "" {
		return "screen"
	}
	return name
}

// UniqueDir 路径已存在时追加 _N 后缀
func UniqueDir(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d", path, i)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

// UniqueFile 文件已存在时在扩展名前追加 _N
func UniqueFile(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d%s", base, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

// NewSessionDir 创建 <root>/<prefix>_<时间戳> 会话目录
func NewSessionDir(root, prefix, layout string, now time.Time) (string, error) {
	if layout == "" {
		layout = "20060102_1504"
	}
	dir := UniqueDir(filepath.Join(root, prefix+"_"+now.Format(layout)))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create session dir: %w", err)
	}
	return dir, nil
}

// FinalizeDir 把临时会话目录重命名为 <root>/<结束时间戳>，失败时保留原路径
func FinalizeDir(tmpDir, root, layout string, now time.Time) (string, error) {
	info, err := os.Stat(tmpDir)
	if err != nil || !info.IsDir() {
		return tmpDir, fmt.Errorf("session dir not found: %s", tmpDir)
	}
	if layout == "" {
		layout = "060102_1504"
	}
	final := UniqueDir(filepath.Join(root, now.Format(layout)))
	if err := os.Rename(tmpDir, final); err != nil {
		return tmpDir, fmt.Errorf("failed to rename session dir: %w", err)
	}
	return final, nil
}
