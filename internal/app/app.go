package app

import (
	"context"
	"fmt"
	"time"

	"tradeloop/internal/agent/engine"
	"tradeloop/internal/config"
	"tradeloop/internal/events"
	"tradeloop/internal/gateway/notifier"
	"tradeloop/internal/logger"
	"tradeloop/internal/metrics"
	httpapi "tradeloop/internal/transport/http"

	"golang.org/x/sync/errgroup"
)

const eventBuffer = 256

// App 负责应用级编排：初始化依赖→启动引擎、HTTP 与事件消费者→退出时清理。
type App struct {
	cfg       *config.Config
	engine    *engineControl
	http      *httpapi.Server
	bus       *events.Bus
	recorder  *metrics.Recorder
	forwarder *notifier.Forwarder
	watcher   *config.Watcher
	store     closableStore
	Summary   *StartupSummary
}

// NewApp 根据配置构建应用对象（不启动）。cfgPath 非空时开启配置热更新。
func NewApp(cfg *config.Config, cfgPath string) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg, cfgPath)
}

// Run 启动所有组件并阻塞到 ctx 取消或任一组件出错。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil || a.engine == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.Close()

	if a.Summary != nil {
		a.Summary.Print()
	}

	group, ctx := errgroup.WithContext(ctx)

	metricsCh, cancelMetrics := a.bus.Subscribe(eventBuffer)
	defer cancelMetrics()
	group.Go(func() error {
		a.recorder.Run(ctx, metricsCh)
		return nil
	})

	if a.forwarder != nil {
		notifyCh, cancelNotify := a.bus.Subscribe(eventBuffer)
		defer cancelNotify()
		group.Go(func() error {
			a.forwarder.Run(ctx, notifyCh)
			return nil
		})
	}

	if a.http != nil {
		group.Go(func() error {
			if err := a.http.Start(ctx); err != nil {
				return fmt.Errorf("http server error: %w", err)
			}
			return nil
		})
	}

	group.Go(func() error {
		if err := a.engine.Start(ctx); err != nil {
			return fmt.Errorf("engine start: %w", err)
		}
		<-ctx.Done()
		// 等待在途周期退出，超时后仍会重置状态
		cctx, cancel := context.WithTimeout(context.Background(), a.cfg.Engine.CleanupTimeout()+time.Second)
		defer cancel()
		if err := a.engine.Cleanup(cctx); err != nil {
			logger.Warnf("engine cleanup: %v", err)
		}
		return nil
	})

	return group.Wait()
}

// Close 释放配置监听、事件总线与存储，可重复调用。
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.watcher != nil {
		a.watcher.Close()
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			logger.Warnf("close store: %v", err)
		}
		a.store = nil
	}
}

// Engine exposes the trading engine for operator tooling and tests.
func (a *App) Engine() *engine.Engine {
	if a == nil || a.engine == nil {
		return nil
	}
	return a.engine.Engine
}

// engineControl 在清理后顺带复位 halted 指标。
type engineControl struct {
	*engine.Engine
	recorder *metrics.Recorder
}

func (c *engineControl) Cleanup(ctx context.Context) error {
	err := c.Engine.Cleanup(ctx)
	if c.recorder != nil {
		c.recorder.ResetHalt()
	}
	return err
}
