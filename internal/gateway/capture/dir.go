package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var imageExts = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
}

// DirCapturer 取目录中最新的一张图片（外部截图工具写入该目录）。
// 最新图片早于 MaxAge 视为没有新快照。
type DirCapturer struct {
	Dir    string
	MaxAge time.Duration
	nowFn  func() time.Time
}

func NewDirCapturer(dir string, maxAge time.Duration) *DirCapturer {
	return &DirCapturer{Dir: dir, MaxAge: maxAge, nowFn: time.Now}
}

func (d *DirCapturer) Capture(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	entries, err := os.ReadDir(d.Dir)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read capture dir: %w", err)
	}
	var (
		latest   string
		latestAt time.Time
		mime     string
	)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m, ok := imageExts[strings.ToLower(filepath.Ext(e.Name()))]
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(latestAt) {
			latest, latestAt, mime = filepath.Join(d.Dir, e.Name()), info.ModTime(), m
		}
	}
	if latest == "" {
		return Snapshot{}, fmt.Errorf("no image in %s", d.Dir)
	}
	if d.MaxAge > 0 && d.nowFn().Sub(latestAt) > d.MaxAge {
		return Snapshot{}, fmt.Errorf("latest image %s is older than %s", filepath.Base(latest), d.MaxAge)
	}
	data, err := os.ReadFile(latest)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read %s: %w", latest, err)
	}
	return Snapshot{Image: data, MIME: mime, Source: latest, TakenAt: latestAt}, nil
}
