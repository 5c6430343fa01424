package config

import "strings"

// Config 是 tradeloop 的主配置载体。
type Config struct {
	App       AppConfig       `toml:"app"`
	Exchange  ExchangeConfig  `toml:"exchange"`
	Decision  DecisionConfig  `toml:"decision"`
	Engine    EngineConfig    `toml:"engine"`
	Trading   TradingConfig   `toml:"trading"`
	Risk      RiskConfig      `toml:"risk"`
	Urgency   UrgencyConfig   `toml:"urgency"`
	Execution ExecutionConfig `toml:"execution"`
	Reconcile ReconcileConfig `toml:"reconcile"`
	Store     StoreConfig     `toml:"store"`
	Notify    NotifyConfig    `toml:"notify"`
	HTTP      HTTPConfig      `toml:"http"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	LogPath  string `toml:"log_path"`
}

// ExchangeConfig 描述 Binance U 本位合约的访问方式。
type ExchangeConfig struct {
	Name                 string      `toml:"name"`
	APIKey               string      `toml:"api_key"`
	SecretKey            string      `toml:"secret_key"`
	RESTBaseURL          string      `toml:"rest_base_url"`
	Testnet              bool        `toml:"testnet"`
	HedgeMode            bool        `toml:"hedge_mode"`
	QuoteAsset           string      `toml:"quote_asset"`
	TimeoutSeconds       int         `toml:"timeout_seconds"`
	HistoryLookbackHours int         `toml:"history_lookback_hours"`
	Proxy                ProxyConfig `toml:"proxy"`
}

type ProxyConfig struct {
	Enabled bool   `toml:"enabled"`
	RESTURL string `toml:"rest_url"`
}

func (p *ProxyConfig) normalize() {
	if p == nil {
		return
	}
	p.RESTURL = strings.TrimSpace(p.RESTURL)
}

// DecisionConfig 是外部决策服务（选币/冠军分析/风控委员会/持仓管理）。
type DecisionConfig struct {
	BaseURL        string            `toml:"base_url"`
	APIKey         string            `toml:"api_key"`
	Headers        map[string]string `toml:"headers"`
	TimeoutSeconds int               `toml:"timeout_seconds"`
	// 429/5xx 的 Retry-After 等待上限
	MaxWaitSeconds int `toml:"max_wait_seconds"`
	// 唯一的重试层（传输错误），校验失败从不重试
	StageRetries   int `toml:"stage_retries"`
	RetryBackoffMs int `toml:"retry_backoff_ms"`
}

type EngineConfig struct {
	PortfolioID string   `toml:"portfolio_id"`
	Symbols     []string `toml:"symbols"`
	// 无持仓/有持仓时的循环周期，如 "3m"、"1m"
	CycleInterval         string  `toml:"cycle_interval"`
	PositionInterval      string  `toml:"position_interval"`
	FailureThreshold      int     `toml:"failure_threshold"`
	StartupAttempts       int     `toml:"startup_attempts"`
	CleanupTimeoutSeconds int     `toml:"cleanup_timeout_seconds"`
	MarketConcurrency     int     `toml:"market_concurrency"`
	DriftTolerancePct     float64 `toml:"drift_tolerance_pct"`
}

// TradingConfig 控制允许交易的标的和缺省杠杆。
type TradingConfig struct {
	Allowlist       []string `toml:"allowlist"`
	DefaultLeverage int      `toml:"default_leverage"`
}

// RiskConfig 是护栏参数，支持热更新。
type RiskConfig struct {
	MaxPositions          int     `toml:"max_positions"`
	MaxSameDirection      int     `toml:"max_same_direction"`
	MinBalance            float64 `toml:"min_balance"`
	WeeklyDrawdownPct     float64 `toml:"weekly_drawdown_pct"`
	FundingExtreme        float64 `toml:"funding_extreme"`
	SourceCooldownSeconds int     `toml:"source_cooldown_seconds"`
	MaxDailyTrades        int     `toml:"max_daily_trades"`
	EmergencyClosePct     float64 `toml:"emergency_close_pct"`
	PipelineCost          float64 `toml:"pipeline_cost"`
	ManagementCost        float64 `toml:"management_cost"`
}

// UrgencyConfig 是持仓紧急度分级阈值（百分比为保证金收益率）。
type UrgencyConfig struct {
	TakeProfitPct        float64 `toml:"take_profit_pct"`
	PartialTakeProfitPct float64 `toml:"partial_take_profit_pct"`
	StopLossPct          float64 `toml:"stop_loss_pct"`
	MaxHoldHours         float64 `toml:"max_hold_hours"`
}

type ExecutionConfig struct {
	MaxDataAgeSeconds    int     `toml:"max_data_age_seconds"`
	DefaultTakeProfitPct float64 `toml:"default_take_profit_pct"`
	DefaultStopLossPct   float64 `toml:"default_stop_loss_pct"`
	KeyPrefix            string  `toml:"key_prefix"`
	ContractTTLMinutes   int     `toml:"contract_ttl_minutes"`
}

type ReconcileConfig struct {
	SnapshotRetentionHours int `toml:"snapshot_retention_hours"`
	PruneIntervalMinutes   int `toml:"prune_interval_minutes"`
}

type StoreConfig struct {
	Path string `toml:"path"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
	// 需要推送的事件类型，空则使用默认集合
	Events []string `toml:"events"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

type HTTPConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
