package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sphh12/appium-public/internal/domain"
	"github.com/sphh12/appium-public/internal/driver"
	"github.com/sphh12/appium-public/internal/screen"
)

// Diagnostic 诊断快照中实际保存的文件
type Diagnostic struct {
	Artifact   *domain.CaptureArtifact
	Screenshot string
	Logcat     string
}

// SaveDiagnostic 失败现场：截图 + 带 Activity 注释的页面树 + 设备日志尾部，各项独立尽力保存
func (s *Store) SaveDiagnostic(ctx context.Context, p driver.Provider, name string, failureType domain.FailureType) *Diagnostic {
	diag := &Diagnostic{}
	log := s.logger.WithFields(logrus.Fields{
		"screen":       name,
		"failure_type": failureType,
	})

	base := ""
	snap, err := screen.Take(ctx, p, screen.TakeOptions{Screenshot: true, Activity: true})
	if err != nil {
		log.WithError(err).Warn("Diagnostic tree unavailable")
	} else {
		if snap.Activity == "" {
			snap.Activity = "unknown"
		}
		withActivity := *snap
		withActivity.Raw = Annotate(snap.Raw, snap.Activity, snap.ForegroundApp)
		if a, err := s.writeRaw(ctx, &withActivity, name, failureType); err != nil {
			log.WithError(err).Warn("Failed to save diagnostic tree")
		} else {
			diag.Artifact = a
			base = strings.TrimSuffix(a.Path, ".xml")
		}
	}
	if base == "" {
		base = filepath.Join(s.Dir(), fmt.Sprintf("%s_%s", Sanitize(name), time.Now().Format("150405")))
	}

	png := []byte(nil)
	if snap != nil {
		png = snap.Screenshot
	}
	if len(png) == 0 {
		if shot, err := p.Screenshot(ctx); err == nil {
			png = shot
		}
	}
	if len(png) > 0 {
		path := base + ".png"
		if err := os.WriteFile(path, png, 0644); err != nil {
			log.WithError(err).Warn("Failed to save diagnostic screenshot")
		} else {
			diag.Screenshot = path
		}
	}

	if lines, err := p.Logs(ctx, driver.LogKindLogcat); err != nil {
		log.WithError(err).Debug("Device log unavailable")
	} else if len(lines) > 0 {
		if len(lines) > s.opts.LogTail {
			lines = lines[len(lines)-s.opts.LogTail:]
		}
		path := base + ".logcat.txt"
		if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0644); err != nil {
			log.WithError(err).Warn("Failed to save device log")
		} else {
			diag.Logcat = path
		}
	}

	log.WithFields(logrus.Fields{
		"tree":       diag.Artifact != nil,
		"screenshot": diag.Screenshot != "",
		"logcat":     diag.Logcat != "",
	}).Info("Diagnostic snapshot saved")
	return diag
}

// writeRaw 原样写入（注释已加好），并标记为失败记录
func (s *Store) writeRaw(ctx context.Context, snap *domain.Snapshot, name string, failureType domain.FailureType) (*domain.CaptureArtifact, error) {
	if failureType == domain.FailureTypeNone {
		failureType = domain.FailureTypeUnknown
	}
	return s.write(ctx, snap, name, true, failureType, false)
}
