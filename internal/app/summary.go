package app

import (
	"strings"

	"tradeloop/internal/config"
	"tradeloop/internal/logger"

	"gopkg.in/yaml.v3"
)

// StartupSummary 是启动时打印的配置摘要，密钥类字段不会出现在这里。
type StartupSummary struct {
	Env       string          `yaml:"env"`
	Portfolio string          `yaml:"portfolio"`
	Exchange  ExchangeSummary `yaml:"exchange"`
	Engine    EngineSummary   `yaml:"engine"`
	Guards    GuardSummary    `yaml:"guardrails"`
	Urgency   UrgencySummary  `yaml:"urgency"`
	Notify    []string        `yaml:"notify,omitempty"`
	HTTP      string          `yaml:"http,omitempty"`
}

type ExchangeSummary struct {
	Venue     string `yaml:"venue"`
	Endpoint  string `yaml:"endpoint,omitempty"`
	Testnet   bool   `yaml:"testnet"`
	HedgeMode bool   `yaml:"hedge_mode"`
	Quote     string `yaml:"quote"`
	Leverage  int    `yaml:"default_leverage"`
}

type EngineSummary struct {
	Symbols          []string `yaml:"symbols"`
	CycleInterval    string   `yaml:"cycle_interval"`
	PositionInterval string   `yaml:"position_interval"`
	FailureThreshold int      `yaml:"failure_threshold"`
	DecisionService  string   `yaml:"decision_service"`
}

type GuardSummary struct {
	MaxPositions      int      `yaml:"max_positions"`
	MaxSameDirection  int      `yaml:"max_same_direction"`
	MinBalance        float64  `yaml:"min_balance"`
	WeeklyDrawdownPct float64  `yaml:"weekly_drawdown_pct"`
	MaxDailyTrades    int      `yaml:"max_daily_trades"`
	SourceCooldown    string   `yaml:"source_cooldown"`
	EmergencyClosePct float64  `yaml:"emergency_close_pct"`
	Allowlist         []string `yaml:"allowlist"`
}

type UrgencySummary struct {
	TakeProfitPct        float64 `yaml:"take_profit_pct"`
	PartialTakeProfitPct float64 `yaml:"partial_take_profit_pct"`
	StopLossPct          float64 `yaml:"stop_loss_pct"`
	MaxHold              string  `yaml:"max_hold"`
}

func newStartupSummary(cfg *config.Config) *StartupSummary {
	s := &StartupSummary{
		Env:       cfg.App.Env,
		Portfolio: cfg.Engine.PortfolioID,
		Exchange: ExchangeSummary{
			Venue:     cfg.Exchange.Name,
			Endpoint:  cfg.Exchange.RESTBaseURL,
			Testnet:   cfg.Exchange.Testnet,
			HedgeMode: cfg.Exchange.HedgeMode,
			Quote:     cfg.Exchange.QuoteAsset,
			Leverage:  cfg.Trading.DefaultLeverage,
		},
		Engine: EngineSummary{
			Symbols:          cfg.Engine.Symbols,
			CycleInterval:    cfg.Engine.CycleDuration().String(),
			PositionInterval: cfg.Engine.PositionDuration().String(),
			FailureThreshold: cfg.Engine.FailureThreshold,
			DecisionService:  cfg.Decision.BaseURL,
		},
		Guards: GuardSummary{
			MaxPositions:      cfg.Risk.MaxPositions,
			MaxSameDirection:  cfg.Risk.MaxSameDirection,
			MinBalance:        cfg.Risk.MinBalance,
			WeeklyDrawdownPct: cfg.Risk.WeeklyDrawdownPct,
			MaxDailyTrades:    cfg.Risk.MaxDailyTrades,
			SourceCooldown:    cfg.Risk.SourceCooldown().String(),
			EmergencyClosePct: cfg.Risk.EmergencyClosePct,
			Allowlist:         cfg.Trading.Allowlist,
		},
		Urgency: UrgencySummary{
			TakeProfitPct:        cfg.Urgency.TakeProfitPct,
			PartialTakeProfitPct: cfg.Urgency.PartialTakeProfitPct,
			StopLossPct:          cfg.Urgency.StopLossPct,
			MaxHold:              cfg.Urgency.MaxHold().String(),
		},
	}
	if cfg.Notify.Telegram.Enabled {
		s.Notify = append(s.Notify, "telegram")
	}
	if cfg.HTTP.Enabled {
		s.HTTP = cfg.HTTP.Addr
	}
	return s
}

// Render 以 YAML 输出摘要。
func (s *StartupSummary) Render() (string, error) {
	out, err := yaml.Marshal(s)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(out), "\n"), nil
}

func (s *StartupSummary) Print() {
	body, err := s.Render()
	if err != nil {
		logger.Warnf("render startup summary: %v", err)
		return
	}
	bar := strings.Repeat("=", 60)
	logger.InfoBlock(strings.Join([]string{bar, "启动配置摘要 (STARTUP SUMMARY)", bar, body, bar}, "\n"))
}
