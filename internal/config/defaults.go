package config

import (
	"strings"
	"time"

	"tradeloop/internal/scheduler"
)

// 默认值常量
const (
	defaultAppEnv               = "dev"
	defaultAppLogLevel          = "info"
	defaultExchangeName         = "binance"
	defaultExchangeREST         = "https://fapi.binance.com"
	defaultQuoteAsset           = "USDT"
	defaultExchangeTimeout      = 15
	defaultHistoryLookbackHours = 24
	defaultDecisionTimeout      = 120
	defaultDecisionMaxWait      = 10
	defaultStageRetries         = 1
	defaultStageBackoffMs       = 500
	defaultPortfolioID          = "main"
	defaultCycleInterval        = "3m"
	defaultFailureThreshold     = 10
	defaultStartupAttempts      = 4
	defaultCleanupTimeout       = 10
	defaultMarketConcurrency    = 8
	defaultDriftTolerancePct    = 0.5
	defaultTradingLeverage      = 5
	defaultMaxPositions         = 3
	defaultMaxSameDirection     = 2
	defaultMinBalance           = 50
	defaultWeeklyDrawdownPct    = 15
	defaultFundingExtreme       = 0.001
	defaultSourceCooldown       = 1800
	defaultMaxDailyTrades       = 6
	defaultEmergencyClosePct    = 25
	defaultPipelineCost         = 1
	defaultManagementCost       = 0.25
	defaultUrgencyTakeProfit    = 15
	defaultUrgencyPartialTP     = 8
	defaultUrgencyStopLoss      = 10
	defaultUrgencyMaxHoldHours  = 48
	defaultMaxDataAge           = 60
	defaultExecTakeProfitPct    = 3
	defaultExecStopLossPct      = 1.5
	defaultKeyPrefix            = "tl"
	defaultContractTTL          = 30
	defaultSnapshotRetention    = 168
	defaultPruneInterval        = 60
	defaultStorePath            = "/data/db/tradeloop.db"
	defaultHTTPAddr             = ":9991"
)

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Exchange.applyDefaults(keys)
	c.Decision.applyDefaults(keys)
	c.Engine.applyDefaults(keys)
	c.Trading.applyDefaults(keys)
	c.Risk.applyDefaults(keys)
	c.Urgency.applyDefaults(keys)
	c.Execution.applyDefaults(keys)
	c.Reconcile.applyDefaults(keys)
	c.Store.applyDefaults(keys)
	c.HTTP.applyDefaults(keys)
	if len(c.Trading.Allowlist) == 0 {
		c.Trading.Allowlist = append([]string(nil), c.Engine.Symbols...)
	}
}

func (a *AppConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
	)
}

func (e *ExchangeConfig) applyDefaults(keys keySet) {
	e.Proxy.normalize()
	applyFieldDefaults(keys,
		stringFieldDefault("exchange.name", &e.Name, defaultExchangeName),
		stringFieldDefault("exchange.quote_asset", &e.QuoteAsset, defaultQuoteAsset),
		intFieldDefault("exchange.timeout_seconds", &e.TimeoutSeconds, defaultExchangeTimeout),
		intFieldDefault("exchange.history_lookback_hours", &e.HistoryLookbackHours, defaultHistoryLookbackHours),
	)
	// testnet 地址由网关决定
	if !e.Testnet && strings.TrimSpace(e.RESTBaseURL) == "" {
		e.RESTBaseURL = defaultExchangeREST
	}
	e.QuoteAsset = strings.ToUpper(strings.TrimSpace(e.QuoteAsset))
}

func (d *DecisionConfig) applyDefaults(keys keySet) {
	d.BaseURL = strings.TrimRight(strings.TrimSpace(d.BaseURL), "/")
	applyFieldDefaults(keys,
		intFieldDefault("decision.timeout_seconds", &d.TimeoutSeconds, defaultDecisionTimeout),
		intFieldDefault("decision.max_wait_seconds", &d.MaxWaitSeconds, defaultDecisionMaxWait),
		intFieldDefault("decision.stage_retries", &d.StageRetries, defaultStageRetries),
		intFieldDefault("decision.retry_backoff_ms", &d.RetryBackoffMs, defaultStageBackoffMs),
	)
}

func (e *EngineConfig) applyDefaults(keys keySet) {
	e.Symbols = normalizeSymbols(e.Symbols)
	applyFieldDefaults(keys,
		stringFieldDefault("engine.portfolio_id", &e.PortfolioID, defaultPortfolioID),
		stringFieldDefault("engine.cycle_interval", &e.CycleInterval, defaultCycleInterval),
		intFieldDefault("engine.failure_threshold", &e.FailureThreshold, defaultFailureThreshold),
		intFieldDefault("engine.startup_attempts", &e.StartupAttempts, defaultStartupAttempts),
		intFieldDefault("engine.cleanup_timeout_seconds", &e.CleanupTimeoutSeconds, defaultCleanupTimeout),
		intFieldDefault("engine.market_concurrency", &e.MarketConcurrency, defaultMarketConcurrency),
		floatFieldDefault("engine.drift_tolerance_pct", &e.DriftTolerancePct, defaultDriftTolerancePct),
	)
	if strings.TrimSpace(e.PositionInterval) == "" {
		e.PositionInterval = e.CycleInterval
	}
}

func (t *TradingConfig) applyDefaults(keys keySet) {
	t.Allowlist = normalizeSymbols(t.Allowlist)
	applyFieldDefaults(keys,
		intFieldDefault("trading.default_leverage", &t.DefaultLeverage, defaultTradingLeverage),
	)
}

func (r *RiskConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("risk.max_positions", &r.MaxPositions, defaultMaxPositions),
		intFieldDefault("risk.max_same_direction", &r.MaxSameDirection, defaultMaxSameDirection),
		floatFieldDefault("risk.min_balance", &r.MinBalance, defaultMinBalance),
		floatFieldDefault("risk.weekly_drawdown_pct", &r.WeeklyDrawdownPct, defaultWeeklyDrawdownPct),
		floatFieldDefault("risk.funding_extreme", &r.FundingExtreme, defaultFundingExtreme),
		intFieldDefault("risk.source_cooldown_seconds", &r.SourceCooldownSeconds, defaultSourceCooldown),
		intFieldDefault("risk.max_daily_trades", &r.MaxDailyTrades, defaultMaxDailyTrades),
		floatFieldDefault("risk.emergency_close_pct", &r.EmergencyClosePct, defaultEmergencyClosePct),
		floatFieldDefault("risk.pipeline_cost", &r.PipelineCost, defaultPipelineCost),
		floatFieldDefault("risk.management_cost", &r.ManagementCost, defaultManagementCost),
	)
}

func (u *UrgencyConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		floatFieldDefault("urgency.take_profit_pct", &u.TakeProfitPct, defaultUrgencyTakeProfit),
		floatFieldDefault("urgency.partial_take_profit_pct", &u.PartialTakeProfitPct, defaultUrgencyPartialTP),
		floatFieldDefault("urgency.stop_loss_pct", &u.StopLossPct, defaultUrgencyStopLoss),
		floatFieldDefault("urgency.max_hold_hours", &u.MaxHoldHours, defaultUrgencyMaxHoldHours),
	)
}

func (e *ExecutionConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("execution.max_data_age_seconds", &e.MaxDataAgeSeconds, defaultMaxDataAge),
		floatFieldDefault("execution.default_take_profit_pct", &e.DefaultTakeProfitPct, defaultExecTakeProfitPct),
		floatFieldDefault("execution.default_stop_loss_pct", &e.DefaultStopLossPct, defaultExecStopLossPct),
		stringFieldDefault("execution.key_prefix", &e.KeyPrefix, defaultKeyPrefix),
		intFieldDefault("execution.contract_ttl_minutes", &e.ContractTTLMinutes, defaultContractTTL),
	)
}

func (r *ReconcileConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys,
		intFieldDefault("reconcile.snapshot_retention_hours", &r.SnapshotRetentionHours, defaultSnapshotRetention),
		intFieldDefault("reconcile.prune_interval_minutes", &r.PruneIntervalMinutes, defaultPruneInterval),
	)
}

func (s *StoreConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys, stringFieldDefault("store.path", &s.Path, defaultStorePath))
}

func (h *HTTPConfig) applyDefaults(keys keySet) {
	applyFieldDefaults(keys, stringFieldDefault("http.addr", &h.Addr, defaultHTTPAddr))
}

// Durations

func (e EngineConfig) CycleDuration() time.Duration {
	d, _ := scheduler.ParseIntervalDuration(e.CycleInterval)
	return d
}

func (e EngineConfig) PositionDuration() time.Duration {
	d, _ := scheduler.ParseIntervalDuration(e.PositionInterval)
	return d
}

func (e EngineConfig) CleanupTimeout() time.Duration {
	return time.Duration(e.CleanupTimeoutSeconds) * time.Second
}

func (r RiskConfig) SourceCooldown() time.Duration {
	return time.Duration(r.SourceCooldownSeconds) * time.Second
}

func (u UrgencyConfig) MaxHold() time.Duration {
	return time.Duration(u.MaxHoldHours * float64(time.Hour))
}

func (e ExecutionConfig) MaxDataAge() time.Duration {
	return time.Duration(e.MaxDataAgeSeconds) * time.Second
}

func (e ExecutionConfig) ContractTTL() time.Duration {
	return time.Duration(e.ContractTTLMinutes) * time.Minute
}

func (r ReconcileConfig) SnapshotRetention() time.Duration {
	return time.Duration(r.SnapshotRetentionHours) * time.Hour
}

func (r ReconcileConfig) PruneInterval() time.Duration {
	return time.Duration(r.PruneIntervalMinutes) * time.Minute
}

func (d DecisionConfig) Timeout() time.Duration {
	return time.Duration(d.TimeoutSeconds) * time.Second
}

func (d DecisionConfig) MaxWait() time.Duration {
	return time.Duration(d.MaxWaitSeconds) * time.Second
}

func (d DecisionConfig) RetryBackoff() time.Duration {
	return time.Duration(d.RetryBackoffMs) * time.Millisecond
}

func (e ExchangeConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

func (e ExchangeConfig) HistoryLookback() time.Duration {
	return time.Duration(e.HistoryLookbackHours) * time.Hour
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return strings.TrimSpace(*target) == "" },
		apply: func() { *target = def },
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target <= 0 },
		apply: func() { *target = def },
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target <= 0 },
		apply: func() { *target = def },
	}
}

func normalizeSymbols(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
