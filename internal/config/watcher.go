package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"estrader/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ChangeListener 在配置成功重载后被调用。
type ChangeListener func(*Config)

// Watcher 持有当前生效的配置快照，并监听文件变更热更新。
// 快照不可变：调用方在每轮开始时读取一次 Current()，重载不会影响进行中的周期。
type Watcher struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	current   *Config
	version   int64
	loadedAt  time.Time
	listeners []ChangeListener
}

// NewWatcher 以已加载的配置初始化。
func NewWatcher(path string, initial *Config) *Watcher {
	return &Watcher{path: path, current: initial, version: 1, loadedAt: time.Now()}
}

// Start 开始监听 FS 事件；非法配置被记录并忽略，继续使用旧快照。
func (w *Watcher) Start() error {
	if strings.TrimSpace(w.path) == "" {
		return fmt.Errorf("config watcher requires path")
	}
	v := viper.New()
	v.SetConfigFile(w.path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config failed: %w", err)
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := w.Reload(); err != nil {
			logger.Errorf("[config] 重载失败 (%s)，保留旧配置: %v", evt.Name, err)
		}
	})
	v.WatchConfig()
	w.v = v
	return nil
}

// Reload 重新加载并发布新快照。
func (w *Watcher) Reload() error {
	cfg, err := Load(w.path)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.current = cfg
	w.version++
	w.loadedAt = time.Now()
	version := w.version
	listeners := append([]ChangeListener(nil), w.listeners...)
	w.mu.Unlock()
	logger.Infof("[config] 已重载 %s (version=%d)", filepath.Base(w.path), version)
	for _, fn := range listeners {
		func(cb ChangeListener) {
			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("[config] listener panic: %v", r)
				}
			}()
			cb(cfg)
		}(fn)
	}
	return nil
}

// Current 返回当前快照，调用方不得修改。
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Version 返回快照版本号，每次成功重载加一。
func (w *Watcher) Version() int64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.version
}

// Subscribe 注册变更回调。
func (w *Watcher) Subscribe(fn ChangeListener) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	w.listeners = append(w.listeners, fn)
	w.mu.Unlock()
}
