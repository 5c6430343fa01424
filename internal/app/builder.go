package app

import (
	"context"
	"fmt"
	"strings"

	"tradeloop/internal/agent/engine"
	"tradeloop/internal/agent/interfaces"
	"tradeloop/internal/agent/service/execution"
	"tradeloop/internal/agent/service/market"
	"tradeloop/internal/agent/service/position"
	"tradeloop/internal/agent/service/reconcile"
	"tradeloop/internal/config"
	"tradeloop/internal/contracts"
	"tradeloop/internal/decision"
	"tradeloop/internal/events"
	"tradeloop/internal/gateway/binance"
	"tradeloop/internal/gateway/decisionsvc"
	"tradeloop/internal/gateway/notifier"
	"tradeloop/internal/guardrail"
	"tradeloop/internal/logger"
	"tradeloop/internal/metrics"
	"tradeloop/internal/portfolio"
	"tradeloop/internal/store/gormstore"
	"tradeloop/internal/triage"
	httpapi "tradeloop/internal/transport/http"

	"github.com/prometheus/client_golang/prometheus"
)

// closableStore 是 gorm 存储对外暴露的全部能力。
type closableStore interface {
	interfaces.Store
	Close() error
}

type AppBuilder struct {
	cfg     *config.Config
	cfgPath string

	exchangeFn  func(config.ExchangeConfig, int) (interfaces.Exchange, error)
	storeFn     func(config.StoreConfig) (closableStore, error)
	transportFn func(config.DecisionConfig) decision.Transport
	notifierFn  func(config.NotifyConfig) notifier.TextNotifier

	// nil 时使用 prometheus 默认注册表
	registry *prometheus.Registry
}

type AppBuilderOption func(*AppBuilder)

func NewAppBuilder(cfg *config.Config, cfgPath string, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:         cfg,
		cfgPath:     cfgPath,
		exchangeFn:  buildExchange,
		storeFn:     buildStore,
		transportFn: buildDecisionTransport,
		notifierFn:  buildNotifier,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)

	st, err := b.storeFn(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("初始化 gorm 存储失败: %w", err)
	}
	ex, err := b.exchangeFn(cfg.Exchange, cfg.Trading.DefaultLeverage)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("初始化交易所网关失败: %w", err)
	}

	bus := events.NewBus()
	specCache := contracts.NewCache(ex, cfg.Execution.ContractTTL())
	book := portfolio.NewBook(cfg.Engine.PortfolioID)
	marketSvc := market.NewService(market.ServiceParams{
		Source:            ex,
		Concurrency:       cfg.Engine.MarketConcurrency,
		DriftTolerancePct: cfg.Engine.DriftTolerancePct,
	})
	positionSvc := position.NewService(ex, st, book)
	decider := decision.NewService(b.transportFn(cfg.Decision), decision.ServiceConfig{
		Retries:      cfg.Decision.StageRetries,
		RetryBackoff: cfg.Decision.RetryBackoff(),
		StageTimeout: cfg.Decision.Timeout(),
	})
	guards := guardrail.New(limitsFromConfig(cfg))
	coordinator := execution.NewCoordinator(execution.Config{
		PortfolioID:          cfg.Engine.PortfolioID,
		MaxDataAge:           cfg.Execution.MaxDataAge(),
		DefaultTakeProfitPct: cfg.Execution.DefaultTakeProfitPct,
		DefaultStopLossPct:   cfg.Execution.DefaultStopLossPct,
		DefaultLeverage:      float64(cfg.Trading.DefaultLeverage),
		KeyPrefix:            cfg.Execution.KeyPrefix,
	}, ex, specCache, st, bus)
	reconciler := reconcile.New(reconcile.Config{
		PortfolioID:       cfg.Engine.PortfolioID,
		SnapshotRetention: cfg.Reconcile.SnapshotRetention(),
		PruneInterval:     cfg.Reconcile.PruneInterval(),
	}, ex, st, st, positionSvc, bus)

	eng := engine.New(engine.Params{
		Config: engine.Config{
			Symbols:          cfg.Engine.Symbols,
			CycleInterval:    cfg.Engine.CycleDuration(),
			PositionInterval: cfg.Engine.PositionDuration(),
			FailureThreshold: cfg.Engine.FailureThreshold,
			StartupAttempts:  cfg.Engine.StartupAttempts,
			CleanupTimeout:   cfg.Engine.CleanupTimeout(),
			PortfolioID:      cfg.Engine.PortfolioID,
		},
		Contracts:  specCache,
		Market:     marketSvc,
		Positions:  positionSvc,
		Book:       book,
		Decider:    decider,
		Guardrails: guards,
		Executor:   coordinator,
		Reconciler: reconciler,
		History:    st,
		Cycles:     st,
		Events:     bus,
	})

	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if b.registry != nil {
		registerer, gatherer = b.registry, b.registry
	}
	recorder := metrics.New(registerer)
	control := &engineControl{Engine: eng, recorder: recorder}

	var forwarder *notifier.Forwarder
	if sink := b.notifierFn(cfg.Notify); sink != nil {
		forwarder = notifier.NewForwarder(sink, eventTypes(cfg.Notify.Events))
		logger.Infof("✓ Telegram 通知已启用")
	}

	var server *httpapi.Server
	if cfg.HTTP.Enabled {
		server, err = httpapi.NewServer(httpapi.ServerConfig{
			Addr:      cfg.HTTP.Addr,
			Engine:    control,
			Cycles:    st,
			Portfolio: book,
			Gatherer:  gatherer,
		})
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("初始化 HTTP 失败: %w", err)
		}
		logger.Infof("✓ HTTP 接口监听 %s", server.Addr())
	}

	var watcher *config.Watcher
	if strings.TrimSpace(b.cfgPath) != "" {
		watcher, err = config.NewWatcher(b.cfgPath, cfg)
		if err != nil {
			logger.Warnf("配置热更新未启用: %v", err)
		} else {
			watcher.Subscribe(func(snap config.Snapshot) {
				guards.SetLimits(limitsFromConfig(&snap.Config))
				logger.Infof("护栏阈值已更新 (version=%d)", snap.Version)
			})
		}
	}

	return &App{
		cfg:       cfg,
		engine:    control,
		http:      server,
		bus:       bus,
		recorder:  recorder,
		forwarder: forwarder,
		watcher:   watcher,
		store:     st,
		Summary:   newStartupSummary(cfg),
	}, nil
}

// limitsFromConfig 把可热更新的 risk/urgency/trading 段映射为护栏阈值。
func limitsFromConfig(cfg *config.Config) guardrail.Limits {
	return guardrail.Limits{
		MaxPositions:      cfg.Risk.MaxPositions,
		MaxSameDirection:  cfg.Risk.MaxSameDirection,
		MinBalance:        cfg.Risk.MinBalance,
		WeeklyDrawdownPct: cfg.Risk.WeeklyDrawdownPct,
		FundingExtreme:    cfg.Risk.FundingExtreme,
		SourceCooldown:    cfg.Risk.SourceCooldown(),
		MaxDailyTrades:    cfg.Risk.MaxDailyTrades,
		EmergencyClosePct: cfg.Risk.EmergencyClosePct,
		Allowlist:         append([]string(nil), cfg.Trading.Allowlist...),
		Urgency: triage.Thresholds{
			TakeProfitPct:        cfg.Urgency.TakeProfitPct,
			PartialTakeProfitPct: cfg.Urgency.PartialTakeProfitPct,
			StopLossPct:          cfg.Urgency.StopLossPct,
			MaxHold:              cfg.Urgency.MaxHold(),
		},
		PipelineCost:   cfg.Risk.PipelineCost,
		ManagementCost: cfg.Risk.ManagementCost,
	}
}

func eventTypes(names []string) []events.Type {
	if len(names) == 0 {
		return nil
	}
	out := make([]events.Type, 0, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" {
			out = append(out, events.Type(n))
		}
	}
	return out
}

func buildExchange(cfg config.ExchangeConfig, leverage int) (interfaces.Exchange, error) {
	ex, err := binance.New(binance.Config{
		APIKey:          cfg.APIKey,
		SecretKey:       cfg.SecretKey,
		RESTBaseURL:     cfg.RESTBaseURL,
		HTTPTimeout:     cfg.Timeout(),
		Testnet:         cfg.Testnet,
		HedgeMode:       cfg.HedgeMode,
		DefaultLeverage: leverage,
		QuoteAsset:      cfg.QuoteAsset,
		HistoryLookback: cfg.HistoryLookback(),
		ProxyEnabled:    cfg.Proxy.Enabled,
		RESTProxyURL:    cfg.Proxy.RESTURL,
	})
	if err != nil {
		return nil, err
	}
	return ex, nil
}

func buildStore(cfg config.StoreConfig) (closableStore, error) {
	st, err := gormstore.NewGormStore(cfg.Path)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func buildDecisionTransport(cfg config.DecisionConfig) decision.Transport {
	return decisionsvc.New(decisionsvc.Config{
		BaseURL:      cfg.BaseURL,
		APIKey:       cfg.APIKey,
		Timeout:      cfg.Timeout(),
		ExtraHeaders: cfg.Headers,
		MaxWait:      cfg.MaxWait(),
	})
}

func buildNotifier(cfg config.NotifyConfig) notifier.TextNotifier {
	if !cfg.Telegram.Enabled {
		return nil
	}
	return notifier.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
}

func WithExchange(fn func(config.ExchangeConfig, int) (interfaces.Exchange, error)) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.exchangeFn = fn
		}
	}
}

func WithStore(fn func(config.StoreConfig) (closableStore, error)) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.storeFn = fn
		}
	}
}

func WithDecisionTransport(fn func(config.DecisionConfig) decision.Transport) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.transportFn = fn
		}
	}
}

func WithNotifier(fn func(config.NotifyConfig) notifier.TextNotifier) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.notifierFn = fn
		}
	}
}

func WithRegistry(reg *prometheus.Registry) AppBuilderOption {
	return func(b *AppBuilder) {
		b.registry = reg
	}
}
