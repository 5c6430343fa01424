// Package execution turns approved decisions into exchange orders. Expected
// aborts (stale data, missing contract specs, undersized orders) are
// returned as Result reasons; only exchange failures are errors.
package execution

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"tradeloop/internal/contracts"
	"tradeloop/internal/events"
	"tradeloop/internal/logger"
	"tradeloop/internal/store"
	"tradeloop/internal/types"
)

const (
	ReasonStaleData        = "stale market data"
	ReasonSpecsUnavailable = "contract specs unavailable"
	ReasonNoTicker         = "no market data for symbol"
)

// OrderGateway is the order side of the exchange.
type OrderGateway interface {
	PlaceOrder(ctx context.Context, order types.ExecutionOrder) (types.OrderResult, error)
	ClosePosition(ctx context.Context, req types.CloseRequest) (types.OrderResult, error)
	UpdateProtection(ctx context.Context, req types.ProtectionRequest) error
	AdjustIsolatedMargin(ctx context.Context, symbol string, side types.Side, amount float64) error
}

type SpecSource interface {
	Get(symbol string) (types.ContractSpec, bool)
	RefreshIfNeeded(ctx context.Context, symbols []string) bool
}

type TradeWriter interface {
	CreateTrade(ctx context.Context, rec *store.TradeRecord) error
	OpenTradeFor(ctx context.Context, portfolioID, symbol string, side types.Side) (store.TradeRecord, error)
	RecordClose(ctx context.Context, rec store.CloseRecord) (bool, error)
}

type Config struct {
	PortfolioID string
	MaxDataAge  time.Duration
	// fallback target distances, percent of price
	DefaultTakeProfitPct float64
	DefaultStopLossPct   float64
	DefaultLeverage      float64
	KeyPrefix            string
}

func (c Config) withDefaults() Config {
	if c.MaxDataAge <= 0 {
		c.MaxDataAge = 60 * time.Second
	}
	if c.DefaultTakeProfitPct <= 0 {
		c.DefaultTakeProfitPct = 3
	}
	if c.DefaultStopLossPct <= 0 {
		c.DefaultStopLossPct = 1.5
	}
	if c.DefaultLeverage <= 0 {
		c.DefaultLeverage = 5
	}
	if strings.TrimSpace(c.KeyPrefix) == "" {
		c.KeyPrefix = "tl"
	}
	return c
}

// Result describes what happened to one requested action.
type Result struct {
	Executed bool
	Reason   string
	Order    *types.ExecutionOrder
	Fill     *types.OrderResult
}

func aborted(format string, args ...any) Result {
	return Result{Reason: fmt.Sprintf(format, args...)}
}

type Coordinator struct {
	cfg       Config
	orders    OrderGateway
	contracts SpecSource
	trades    TradeWriter
	events    events.Publisher
	nowFn     func() time.Time
	log       logger.Component
}

func NewCoordinator(cfg Config, orders OrderGateway, specs SpecSource, trades TradeWriter, pub events.Publisher) *Coordinator {
	if pub == nil {
		pub = events.Discard{}
	}
	return &Coordinator{
		cfg:       cfg.withDefaults(),
		orders:    orders,
		contracts: specs,
		trades:    trades,
		events:    pub,
		nowFn:     time.Now,
		log:       logger.With("execution"),
	}
}

// EntryRequest is an approved new-position decision.
type EntryRequest struct {
	Cycle   int64
	TraceID string
	Source  string
	Symbol  string
	Side    types.Side
	// quote notional
	Notional float64
	// price the targets were expressed against
	AnalysisPrice float64
	Targets       Targets
	Leverage      float64
	Reason        string
	Market        types.MarketData
}

// freshTicker returns the symbol's ticker or an abort reason when the data
// is missing or older than MaxDataAge.
func (c *Coordinator) freshTicker(md types.MarketData, symbol string, now time.Time) (types.Ticker, string) {
	if md.Age(now) > c.cfg.MaxDataAge {
		return types.Ticker{}, ReasonStaleData
	}
	t, ok := md.Ticker(symbol)
	if !ok || t.Price <= 0 {
		return types.Ticker{}, ReasonNoTicker
	}
	if !t.Timestamp.IsZero() && now.Sub(t.Timestamp) > c.cfg.MaxDataAge {
		return types.Ticker{}, ReasonStaleData
	}
	return t, ""
}

// resolveSpec tries the cache, then one refresh.
func (c *Coordinator) resolveSpec(ctx context.Context, symbol string) (types.ContractSpec, bool) {
	if c.contracts == nil {
		return types.ContractSpec{}, false
	}
	if spec, ok := c.contracts.Get(symbol); ok {
		return spec, true
	}
	c.contracts.RefreshIfNeeded(ctx, []string{symbol})
	return c.contracts.Get(symbol)
}

var keyUnsafe = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// IdempotencyKey derives the client order id from decision source and time.
func (c *Coordinator) IdempotencyKey(source string, at time.Time) string {
	src := keyUnsafe.ReplaceAllString(strings.TrimSpace(source), "_")
	if src == "" {
		src = "unknown"
	}
	return fmt.Sprintf("%s-%s-%d", c.cfg.KeyPrefix, src, at.UnixMilli())
}

// Open executes a new position. It never retries a failed placement.
func (c *Coordinator) Open(ctx context.Context, req EntryRequest) (Result, error) {
	now := c.nowFn()
	if !req.Side.Valid() || req.Symbol == "" {
		return aborted("invalid entry request"), nil
	}
	ticker, reason := c.freshTicker(req.Market, req.Symbol, now)
	if reason != "" {
		c.log.Warnf("%s %s aborted: %s (age %s)", req.Symbol, req.Side, reason, req.Market.Age(now).Truncate(time.Millisecond))
		return aborted("%s", reason), nil
	}
	fresh := ticker.Price

	targets, fellBack := Resolve(req.Side, req.Targets, req.AnalysisPrice, fresh,
		c.cfg.DefaultTakeProfitPct, c.cfg.DefaultStopLossPct)
	if fellBack {
		c.log.Warnf("%s %s targets tp=%.6f sl=%.6f failed directional check at %.6f, using defaults",
			req.Symbol, req.Side, req.Targets.TakeProfit, req.Targets.StopLoss, fresh)
	}

	spec, ok := c.resolveSpec(ctx, req.Symbol)
	if !ok {
		return aborted("%s", ReasonSpecsUnavailable), nil
	}
	if req.Notional <= 0 {
		return aborted("position size must be positive"), nil
	}
	qty, ok, why := contracts.NormalizeQuantity(spec, req.Notional/fresh)
	if !ok {
		return aborted("%s", why), nil
	}
	if spec.MinNotional > 0 && qty*fresh < spec.MinNotional {
		return aborted("notional %.4f below minimum %.4f", qty*fresh, spec.MinNotional), nil
	}
	lev := req.Leverage
	if lev <= 0 {
		lev = c.cfg.DefaultLeverage
	}

	order := types.ExecutionOrder{
		Symbol:         req.Symbol,
		Side:           req.Side,
		Quantity:       qty,
		ReferencePrice: fresh,
		TakeProfit:     contracts.RoundPrice(spec, targets.TakeProfit),
		StopLoss:       contracts.RoundPrice(spec, targets.StopLoss),
		Leverage:       lev,
		IdempotencyKey: c.IdempotencyKey(req.Source, now),
		Source:         req.Source,
		Reason:         req.Reason,
	}
	fill, err := c.orders.PlaceOrder(ctx, order)
	if err != nil {
		return Result{Order: &order}, fmt.Errorf("place %s %s: %w", order.Symbol, order.Side, err)
	}

	entry := fill.AvgPrice
	if entry <= 0 {
		entry = fresh
	}
	filled := fill.FilledQty
	if filled <= 0 {
		filled = qty
	}
	if c.trades != nil {
		rec := &store.TradeRecord{
			PortfolioID:    c.cfg.PortfolioID,
			Symbol:         order.Symbol,
			Side:           order.Side,
			Quantity:       filled,
			EntryPrice:     entry,
			TakeProfit:     order.TakeProfit,
			StopLoss:       order.StopLoss,
			Leverage:       order.Leverage,
			Source:         order.Source,
			IdempotencyKey: order.IdempotencyKey,
			EntryOrderID:   fill.OrderID,
			OpenedAt:       now,
		}
		// 订单已成交，落库失败只记录
		if err := c.trades.CreateTrade(ctx, rec); err != nil {
			c.log.Warnf("trade %s placed but not persisted: %v", order.IdempotencyKey, err)
		}
	}
	c.events.Publish(events.Event{
		Type:    events.TradeExecuted,
		Cycle:   req.Cycle,
		TraceID: req.TraceID,
		At:      now,
		Payload: events.TradePayload{Order: order, Result: fill},
	})
	c.log.Infof("opened %s %s qty=%.6f @ %.6f tp=%.6f sl=%.6f key=%s",
		order.Symbol, order.Side, filled, entry, order.TakeProfit, order.StopLoss, order.IdempotencyKey)
	return Result{Executed: true, Order: &order, Fill: &fill}, nil
}

// recordClose books a fill against the newest open trade for the position.
func (c *Coordinator) recordClose(ctx context.Context, pos types.PositionSnapshot, fill types.OrderResult, qty float64, reason string) {
	if c.trades == nil {
		return
	}
	if fill.OrderID == "" {
		c.log.Warnf("close of %s has no order id, not recorded", pos.Key())
		return
	}
	trade, err := c.trades.OpenTradeFor(ctx, c.cfg.PortfolioID, pos.Symbol, pos.Side)
	if err != nil {
		c.log.Warnf("close of %s not matched to a trade: %v", pos.Key(), err)
		return
	}
	if fill.FilledQty > 0 {
		qty = fill.FilledQty
	}
	price := fill.AvgPrice
	if price <= 0 {
		price = pos.CurrentPrice
	}
	closedAt := fill.Timestamp
	if closedAt.IsZero() {
		closedAt = c.nowFn()
	}
	if _, err := c.trades.RecordClose(ctx, store.CloseRecord{
		TradeID:     trade.ID,
		OrderID:     fill.OrderID,
		Quantity:    qty,
		Price:       price,
		RealizedPnL: store.RealizedPnL(pos.Side, trade.EntryPrice, price, qty),
		Reason:      reason,
		ClosedAt:    closedAt,
	}); err != nil {
		c.log.Warnf("close %s order %s not persisted: %v", pos.Key(), fill.OrderID, err)
	}
}
