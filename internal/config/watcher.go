package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"tradeloop/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Snapshot 是一次成功加载后的只读配置。
type Snapshot struct {
	Version  int64
	LoadedAt time.Time
	Config   Config
}

// ChangeListener 在配置变更时被调用。
type ChangeListener func(Snapshot)

// Watcher 监听主配置文件，变更后重新走 Load（含 include 和校验），
// 校验失败时保留旧快照。只有护栏和紧急度阈值会被运行期消费。
type Watcher struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener

	// 单一投递协程，保证监听器按版本顺序收到快照
	kick      chan struct{}
	quit      chan struct{}
	closeOnce sync.Once
	delivered int64
}

// NewWatcher 以已加载的配置作为初始快照并开始监听 FS 事件。
func NewWatcher(path string, initial *Config) (*Watcher, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config watcher requires path")
	}
	if initial == nil {
		return nil, fmt.Errorf("config watcher requires initial config")
	}
	w := &Watcher{
		path:      path,
		snapshot:  Snapshot{Version: 1, LoadedAt: time.Now(), Config: *initial},
		kick:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
		delivered: 1,
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config failed: %w", err)
	}
	v.OnConfigChange(func(evt fsnotify.Event) {
		if err := w.reload(); err != nil {
			logger.Errorf("config reload failed (%s): %v", evt.Name, err)
			return
		}
		w.notify()
	})
	v.WatchConfig()
	w.v = v
	go w.deliverLoop()
	return w, nil
}

// Snapshot 返回当前配置快照。
func (w *Watcher) Snapshot() Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.snapshot
}

// Subscribe 注册监听器，不会立即回调。
func (w *Watcher) Subscribe(fn ChangeListener) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	w.listeners = append(w.listeners, fn)
	w.mu.Unlock()
}

// Close 停止向监听器投递，可重复调用。
func (w *Watcher) Close() {
	w.closeOnce.Do(func() { close(w.quit) })
}

func (w *Watcher) notify() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (w *Watcher) deliverLoop() {
	for {
		select {
		case <-w.quit:
			return
		case <-w.kick:
			w.deliver()
		}
	}
}

// deliver 只投递比上次更新的快照，连续的重载会合并成一次回调。
func (w *Watcher) deliver() {
	w.mu.RLock()
	snap := w.snapshot
	listeners := append([]ChangeListener(nil), w.listeners...)
	w.mu.RUnlock()
	if snap.Version <= w.delivered {
		return
	}
	w.delivered = snap.Version
	for _, fn := range listeners {
		callListener(fn, snap)
	}
}

func callListener(fn ChangeListener, snap Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("config listener panic: %v", r)
		}
	}()
	fn(snap)
}

func (w *Watcher) reload() error {
	cfg, err := Load(w.path)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.snapshot = Snapshot{
		Version:  w.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Config:   *cfg,
	}
	version := w.snapshot.Version
	w.mu.Unlock()
	logger.Infof("config reloaded from %s (version=%d)", filepath.Base(w.path), version)
	return nil
}
