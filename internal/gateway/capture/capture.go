// Package capture 产生交给预言机的状态快照（图表截图）。
package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"estrader/internal/logger"
)

// Snapshot 是一张截图。
type Snapshot struct {
	Image   []byte
	MIME    string
	Source  string
	TakenAt time.Time
}

type Capturer interface {
	Capture(ctx context.Context) (Snapshot, error)
}

// Archive 把截图另存到 dir（留档复盘），失败只记录日志。
func Archive(dir string, snap Snapshot) string {
	if dir == "" || len(snap.Image) == 0 {
		return ""
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		logger.Warnf("[capture] 创建目录失败: %v", err)
		return ""
	}
	ext := ".png"
	if snap.MIME == "image/jpeg" {
		ext = ".jpg"
	}
	path := filepath.Join(dir, fmt.Sprintf("screenshot_%s%s", snap.TakenAt.Format("20060102_150405"), ext))
	if err := os.WriteFile(path, snap.Image, 0o644); err != nil {
		logger.Warnf("[capture] 保存截图失败: %v", err)
		return ""
	}
	return path
}
