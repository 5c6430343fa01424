package config

import (
	"fmt"
	"strings"

	"tradeloop/internal/scheduler"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.Exchange.validate(); err != nil {
		return err
	}
	if err := c.Decision.validate(); err != nil {
		return err
	}
	if err := c.Engine.validate(); err != nil {
		return err
	}
	if err := c.Trading.validate(c.Engine.Symbols); err != nil {
		return err
	}
	if err := c.Risk.validate(); err != nil {
		return err
	}
	if err := c.Urgency.validate(); err != nil {
		return err
	}
	if err := c.Execution.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	return nil
}

func (e *ExchangeConfig) validate() error {
	if !strings.EqualFold(e.Name, defaultExchangeName) {
		return fmt.Errorf("exchange.name only supports 'binance', got %s", e.Name)
	}
	if e.Proxy.Enabled && e.Proxy.RESTURL == "" {
		return fmt.Errorf("exchange.proxy enabled but rest_url is empty")
	}
	return nil
}

func (d *DecisionConfig) validate() error {
	if d.BaseURL == "" {
		return fmt.Errorf("decision.base_url cannot be empty")
	}
	if d.StageRetries < 0 {
		return fmt.Errorf("decision.stage_retries must be >= 0")
	}
	return nil
}

func (e *EngineConfig) validate() error {
	if len(e.Symbols) == 0 {
		return fmt.Errorf("engine.symbols requires at least one symbol")
	}
	if _, ok := scheduler.ParseIntervalDuration(e.CycleInterval); !ok {
		return fmt.Errorf("engine.cycle_interval invalid: %q", e.CycleInterval)
	}
	if _, ok := scheduler.ParseIntervalDuration(e.PositionInterval); !ok {
		return fmt.Errorf("engine.position_interval invalid: %q", e.PositionInterval)
	}
	if e.FailureThreshold < 1 {
		return fmt.Errorf("engine.failure_threshold must be >= 1")
	}
	if e.StartupAttempts < 1 {
		return fmt.Errorf("engine.startup_attempts must be >= 1")
	}
	return nil
}

func (t *TradingConfig) validate(symbols []string) error {
	if t.DefaultLeverage <= 0 || t.DefaultLeverage > 125 {
		return fmt.Errorf("trading.default_leverage must be in [1,125]")
	}
	allowed := make(map[string]bool, len(t.Allowlist))
	for _, s := range t.Allowlist {
		allowed[s] = true
	}
	for _, s := range symbols {
		if !allowed[s] {
			return fmt.Errorf("engine symbol %s is not in trading.allowlist", s)
		}
	}
	return nil
}

func (r *RiskConfig) validate() error {
	if r.MaxPositions < 1 {
		return fmt.Errorf("risk.max_positions must be >= 1")
	}
	if r.MaxSameDirection < 1 || r.MaxSameDirection > r.MaxPositions {
		return fmt.Errorf("risk.max_same_direction must be in [1,max_positions]")
	}
	if r.MinBalance < 0 {
		return fmt.Errorf("risk.min_balance must be >= 0")
	}
	if r.WeeklyDrawdownPct <= 0 || r.WeeklyDrawdownPct > 100 {
		return fmt.Errorf("risk.weekly_drawdown_pct must be in (0,100]")
	}
	if r.FundingExtreme <= 0 {
		return fmt.Errorf("risk.funding_extreme must be > 0")
	}
	if r.MaxDailyTrades < 1 {
		return fmt.Errorf("risk.max_daily_trades must be >= 1")
	}
	if r.EmergencyClosePct <= 0 || r.EmergencyClosePct > 100 {
		return fmt.Errorf("risk.emergency_close_pct must be in (0,100]")
	}
	return nil
}

func (u *UrgencyConfig) validate() error {
	if u.PartialTakeProfitPct >= u.TakeProfitPct {
		return fmt.Errorf("urgency.partial_take_profit_pct must be < take_profit_pct")
	}
	if u.StopLossPct <= 0 {
		return fmt.Errorf("urgency.stop_loss_pct must be > 0")
	}
	if u.MaxHoldHours <= 0 {
		return fmt.Errorf("urgency.max_hold_hours must be > 0")
	}
	return nil
}

func (e *ExecutionConfig) validate() error {
	if e.MaxDataAgeSeconds < 1 {
		return fmt.Errorf("execution.max_data_age_seconds must be >= 1")
	}
	if e.DefaultTakeProfitPct <= 0 || e.DefaultStopLossPct <= 0 {
		return fmt.Errorf("execution default take profit/stop loss must be > 0")
	}
	if strings.ContainsAny(e.KeyPrefix, " -") {
		return fmt.Errorf("execution.key_prefix cannot contain spaces or '-'")
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	if n.Telegram.Enabled {
		if n.Telegram.BotToken == "" || n.Telegram.ChatID == "" {
			return fmt.Errorf("telegram notification enabled but missing bot_token or chat_id")
		}
	}
	return nil
}
