// Package engine owns the trading loop: lifecycle (start, stop, cleanup),
// the per-iteration cycle and the decision pipeline it drives.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tradeloop/internal/agent/interfaces"
	"tradeloop/internal/agent/service/execution"
	"tradeloop/internal/agent/service/reconcile"
	"tradeloop/internal/events"
	"tradeloop/internal/guardrail"
	"tradeloop/internal/logger"
	"tradeloop/internal/pkg/backoff"
	"tradeloop/internal/pkg/circuit"
	"tradeloop/internal/portfolio"
	"tradeloop/internal/scheduler"
	"tradeloop/internal/store"
	"tradeloop/internal/types"
)

var (
	ErrCircuitOpen = errors.New("circuit breaker open")
	ErrNotRunning  = errors.New("engine not running")
)

type MarketGatherer interface {
	Gather(ctx context.Context, symbols []string) (types.MarketData, error)
	Refresh(ctx context.Context, prev types.MarketData, symbols []string) (types.MarketData, error)
}

type PositionRefresher interface {
	Refresh(ctx context.Context) (portfolio.View, error)
}

type Executor interface {
	Open(ctx context.Context, req execution.EntryRequest) (execution.Result, error)
	Manage(ctx context.Context, req execution.ManageRequest) (execution.Result, error)
	EmergencyClose(ctx context.Context, cycle int64, traceID string, pos types.PositionSnapshot, reason string) error
}

type Reconciler interface {
	Reconcile(ctx context.Context, cycle int64, traceID string) (reconcile.Report, error)
	Reset()
}

// TradeHistory feeds the final gate from persisted trades so restarts
// cannot reset the counters.
type TradeHistory interface {
	CountTradesSince(ctx context.Context, portfolioID string, since time.Time) (int, error)
	LastTradeBySource(ctx context.Context, portfolioID, source string) (store.TradeRecord, error)
}

type Config struct {
	Symbols []string
	// loop interval with no open positions
	CycleInterval time.Duration
	// loop interval while positions are open
	PositionInterval time.Duration
	FailureThreshold int
	StartupAttempts  int
	CleanupTimeout   time.Duration
	PortfolioID      string
}

func (c Config) withDefaults() Config {
	if c.CycleInterval <= 0 {
		c.CycleInterval = 3 * time.Minute
	}
	if c.PositionInterval <= 0 {
		c.PositionInterval = c.CycleInterval
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 10
	}
	if c.StartupAttempts <= 0 {
		// 首次加载 + 1s/2s/4s 三次重试
		c.StartupAttempts = 4
	}
	if c.CleanupTimeout <= 0 {
		c.CleanupTimeout = 10 * time.Second
	}
	if c.PortfolioID == "" {
		c.PortfolioID = portfolio.DefaultID
	}
	return c
}

type Params struct {
	Config     Config
	Contracts  interfaces.ContractCache
	Market     MarketGatherer
	Positions  PositionRefresher
	Book       *portfolio.Book
	Decider    interfaces.Decider
	Guardrails *guardrail.Engine
	Executor   Executor
	Reconciler Reconciler
	History    TradeHistory
	Cycles     interfaces.CycleStore
	Events     events.Publisher
}

// Engine is constructed once by the process entry point and driven through
// Start, Stop and Cleanup.
type Engine struct {
	cfg        Config
	contracts  interfaces.ContractCache
	market     MarketGatherer
	positions  PositionRefresher
	book       *portfolio.Book
	decider    interfaces.Decider
	guardrails *guardrail.Engine
	executor   Executor
	reconciler Reconciler
	history    TradeHistory
	cycles     interfaces.CycleStore
	events     events.Publisher
	breaker    *circuit.Breaker
	startup    backoff.Policy
	nowFn      func() time.Time
	log        logger.Component

	startMu  sync.Mutex
	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	starting bool
	running  atomic.Bool
	cleaning atomic.Bool
	halted   atomic.Bool

	seq           atomic.Int64
	openPositions atomic.Int64

	lastMu     sync.RWMutex
	last       *types.TradingCycle
	haltReason string
}

func New(p Params) *Engine {
	cfg := p.Config.withDefaults()
	pub := p.Events
	if pub == nil {
		pub = events.Discard{}
	}
	return &Engine{
		cfg:        cfg,
		contracts:  p.Contracts,
		market:     p.Market,
		positions:  p.Positions,
		book:       p.Book,
		decider:    p.Decider,
		guardrails: p.Guardrails,
		executor:   p.Executor,
		reconciler: p.Reconciler,
		history:    p.History,
		cycles:     p.Cycles,
		events:     pub,
		breaker:    circuit.NewBreaker("engine", cfg.FailureThreshold),
		startup:    backoff.Startup(),
		nowFn:      time.Now,
		log:        logger.With("engine"),
	}
}

// Start loads contract metadata and launches the loop. It is idempotent:
// concurrent callers serialize on startMu and re-check the running flag.
func (e *Engine) Start(ctx context.Context) error {
	e.startMu.Lock()
	defer e.startMu.Unlock()

	if e.running.Load() {
		return nil
	}
	if e.halted.Load() {
		return fmt.Errorf("%w: call Cleanup before restarting", ErrCircuitOpen)
	}
	// 上一个循环还没退出时等待
	e.mu.Lock()
	prev := e.done
	e.mu.Unlock()
	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	// Stop/Cleanup 在加载合约期间也能取消启动
	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.starting = true
	e.mu.Unlock()

	err := e.startup.Retry(runCtx, e.cfg.StartupAttempts, func(attempt int) error {
		if err := e.contracts.Refresh(runCtx); err != nil {
			e.log.Warnf("contract metadata load attempt %d/%d failed: %v", attempt+1, e.cfg.StartupAttempts, err)
			return err
		}
		return nil
	})

	e.mu.Lock()
	e.starting = false
	stopped := runCtx.Err() != nil && ctx.Err() == nil
	if err != nil || runCtx.Err() != nil {
		e.cancel = nil
		e.mu.Unlock()
		cancel()
		if stopped {
			return fmt.Errorf("%w: stopped during startup", ErrNotRunning)
		}
		if err == nil {
			err = ctx.Err()
		}
		return fmt.Errorf("startup aborted, contract metadata unavailable: %w", err)
	}
	done := make(chan struct{})
	e.done = done
	e.running.Store(true)
	e.mu.Unlock()

	go func() {
		defer close(done)
		defer e.running.Store(false)
		scheduler.NewLoop("cycle").Run(runCtx, e.iterate)
	}()
	e.log.Infof("started symbols=%v interval=%s position_interval=%s",
		e.cfg.Symbols, e.cfg.CycleInterval, e.cfg.PositionInterval)
	return nil
}

// Stop flips the running flag and cancels the pending sleep. An in-flight
// cycle sees a cancelled context. A Start still loading contract metadata
// is aborted.
func (e *Engine) Stop() error {
	e.mu.Lock()
	wasRunning := e.running.Swap(false)
	starting := e.starting
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if !wasRunning && !starting {
		return ErrNotRunning
	}
	return nil
}

// Cleanup stops the loop, waits for it up to CleanupTimeout and then resets
// breaker, counters and caches. The reset runs even when the wait times out.
func (e *Engine) Cleanup(ctx context.Context) error {
	if !e.cleaning.CompareAndSwap(false, true) {
		return nil
	}
	defer e.cleaning.Store(false)

	_ = e.Stop()
	defer e.reset()

	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done == nil {
		return nil
	}
	timer := time.NewTimer(e.cfg.CleanupTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return nil
	case <-timer.C:
		return fmt.Errorf("cycle loop did not exit within %s", e.cfg.CleanupTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) reset() {
	e.breaker.Reset()
	e.halted.Store(false)
	e.seq.Store(0)
	e.openPositions.Store(0)
	if e.contracts != nil {
		e.contracts.Reset()
	}
	if e.reconciler != nil {
		e.reconciler.Reset()
	}
	if e.book != nil {
		e.book.Reset()
	}
	e.mu.Lock()
	e.cancel = nil
	e.mu.Unlock()
	e.lastMu.Lock()
	e.last = nil
	e.haltReason = ""
	e.lastMu.Unlock()
	e.log.Infof("state reset")
}

func (e *Engine) Running() bool {
	return e.running.Load()
}

// Status is a read-only view for the HTTP surface.
type Status struct {
	Running       bool                `json:"running"`
	Halted        bool                `json:"halted"`
	HaltReason    string              `json:"halt_reason,omitempty"`
	Breaker       string              `json:"breaker"`
	Failures      int                 `json:"consecutive_failures"`
	Threshold     int                 `json:"failure_threshold"`
	Cycles        int64               `json:"cycles"`
	Symbols       []string            `json:"symbols"`
	Interval      time.Duration       `json:"interval"`
	LastCycle     *types.TradingCycle `json:"last_cycle,omitempty"`
	PortfolioID   string              `json:"portfolio_id"`
	OpenPositions int64               `json:"open_positions"`
}

func (e *Engine) Status() Status {
	st := Status{
		Running:       e.running.Load(),
		Halted:        e.halted.Load(),
		Breaker:       e.breaker.State().String(),
		Failures:      e.breaker.Failures(),
		Threshold:     e.breaker.Threshold(),
		Cycles:        e.seq.Load(),
		Symbols:       append([]string(nil), e.cfg.Symbols...),
		Interval:      e.interval(),
		PortfolioID:   e.cfg.PortfolioID,
		OpenPositions: e.openPositions.Load(),
	}
	e.lastMu.RLock()
	st.HaltReason = e.haltReason
	if e.last != nil {
		c := e.last.Snapshot()
		st.LastCycle = &c
	}
	e.lastMu.RUnlock()
	return st
}

// LastCycle returns the most recently sealed cycle.
func (e *Engine) LastCycle() (types.TradingCycle, bool) {
	e.lastMu.RLock()
	defer e.lastMu.RUnlock()
	if e.last == nil {
		return types.TradingCycle{}, false
	}
	return e.last.Snapshot(), true
}

// interval picks the base delay: shorter while positions are open.
func (e *Engine) interval() time.Duration {
	if e.openPositions.Load() > 0 {
		return e.cfg.PositionInterval
	}
	return e.cfg.CycleInterval
}

// iterate is the scheduler task: one cycle, then failure accounting and the
// backoff-adjusted delay.
func (e *Engine) iterate(ctx context.Context) (time.Duration, bool) {
	cycle := e.runCycle(ctx)
	if ctx.Err() != nil {
		return 0, true
	}
	if cycle.Outcome == types.OutcomeFailed {
		if e.breaker.RecordFailure() {
			e.halt(cycle)
			return 0, true
		}
		e.log.Warnf("cycle #%d failed (%d/%d consecutive): %s",
			cycle.Number, e.breaker.Failures(), e.breaker.Threshold(), cycle.Reason)
	} else {
		e.breaker.RecordSuccess()
	}
	return backoff.Loop(e.interval()).Delay(e.breaker.Failures()), false
}

func (e *Engine) halt(cycle *types.TradingCycle) {
	reason := fmt.Sprintf("%d consecutive failed cycles, last: %s", e.breaker.Failures(), cycle.Reason)
	e.halted.Store(true)
	e.running.Store(false)
	e.lastMu.Lock()
	e.haltReason = reason
	e.lastMu.Unlock()
	e.log.Errorf("HALTED: %s; restart required", reason)
	e.events.Publish(events.Event{
		Type:    events.EngineHalted,
		Cycle:   cycle.Number,
		TraceID: cycle.TraceID,
		At:      e.nowFn(),
		Payload: events.HaltPayload{Failures: e.breaker.Failures(), Reason: reason},
	})
}
