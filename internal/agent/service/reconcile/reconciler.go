// Package reconcile brings local state back in line with the exchange after
// every cycle: exchange-side closes are booked once per order id, the
// balance mirror is refreshed and a per-minute snapshot is written.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"tradeloop/internal/events"
	"tradeloop/internal/logger"
	"tradeloop/internal/portfolio"
	"tradeloop/internal/store"
	"tradeloop/internal/types"
)

type OrderHistory interface {
	ClosedOrders(ctx context.Context, symbols []string, since time.Time) ([]types.ClosedOrder, error)
}

type Ledger interface {
	OpenTrades(ctx context.Context, portfolioID string) ([]store.TradeRecord, error)
	HasCloseOrder(ctx context.Context, orderID string) (bool, error)
	RecordClose(ctx context.Context, rec store.CloseRecord) (bool, error)
}

type Mirror interface {
	UpsertBalance(ctx context.Context, portfolioID string, bal types.Balance, openPositions int) error
	SaveSnapshot(ctx context.Context, snap store.Snapshot) (bool, error)
	DeleteSnapshotsBefore(ctx context.Context, before time.Time) (int64, error)
}

type PositionRefresher interface {
	Refresh(ctx context.Context) (portfolio.View, error)
}

type Config struct {
	PortfolioID       string
	SnapshotRetention time.Duration
	PruneInterval     time.Duration
}

func (c Config) withDefaults() Config {
	if c.PortfolioID == "" {
		c.PortfolioID = portfolio.DefaultID
	}
	if c.SnapshotRetention <= 0 {
		c.SnapshotRetention = 7 * 24 * time.Hour
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = time.Hour
	}
	return c
}

// Report summarizes one reconcile pass.
type Report struct {
	ClosesRecorded  int
	SnapshotWritten bool
	Pruned          int64
	View            portfolio.View
}

type Reconciler struct {
	cfg       Config
	history   OrderHistory
	ledger    Ledger
	mirror    Mirror
	positions PositionRefresher
	events    events.Publisher
	nowFn     func() time.Time
	log       logger.Component

	mu        sync.Mutex
	lastPrune time.Time
}

func New(cfg Config, history OrderHistory, ledger Ledger, mirror Mirror, positions PositionRefresher, pub events.Publisher) *Reconciler {
	if pub == nil {
		pub = events.Discard{}
	}
	return &Reconciler{
		cfg:       cfg.withDefaults(),
		history:   history,
		ledger:    ledger,
		mirror:    mirror,
		positions: positions,
		events:    pub,
		nowFn:     time.Now,
		log:       logger.With("reconcile"),
	}
}

// Reconcile runs close sync, balance refresh, snapshot and pruning. Each
// step runs even if an earlier one failed; the returned error joins all
// step failures.
func (r *Reconciler) Reconcile(ctx context.Context, cycle int64, traceID string) (Report, error) {
	var (
		rep  Report
		errs []error
	)
	n, err := r.SyncCloses(ctx)
	rep.ClosesRecorded = n
	if err != nil {
		errs = append(errs, fmt.Errorf("sync closes: %w", err))
	}

	now := r.nowFn()
	view, refreshErr := r.positions.Refresh(ctx)
	rep.View = view
	if refreshErr != nil {
		errs = append(errs, fmt.Errorf("refresh positions: %w", refreshErr))
	} else {
		if err := r.mirror.UpsertBalance(ctx, r.cfg.PortfolioID, view.Balance, len(view.Positions)); err != nil {
			errs = append(errs, fmt.Errorf("balance mirror: %w", err))
		}
		// 只用新鲜数据写快照
		rep.SnapshotWritten = r.snapshot(ctx, cycle, traceID, view, now)
	}
	rep.Pruned = r.prune(ctx, now)
	return rep, errors.Join(errs...)
}

// SyncCloses books filled reduce-only orders that the loop did not place
// itself (TP/SL triggers, liquidations, manual closes).
func (r *Reconciler) SyncCloses(ctx context.Context) (int, error) {
	trades, err := r.ledger.OpenTrades(ctx, r.cfg.PortfolioID)
	if err != nil {
		return 0, err
	}
	if len(trades) == 0 {
		return 0, nil
	}
	since := trades[0].OpenedAt
	seen := make(map[string]bool)
	var symbols []string
	for _, t := range trades {
		if t.OpenedAt.Before(since) {
			since = t.OpenedAt
		}
		if !seen[t.Symbol] {
			seen[t.Symbol] = true
			symbols = append(symbols, t.Symbol)
		}
	}
	orders, err := r.history.ClosedOrders(ctx, symbols, since)
	if err != nil {
		return 0, err
	}
	sort.SliceStable(orders, func(i, j int) bool { return orders[i].ClosedAt.Before(orders[j].ClosedAt) })

	recorded := 0
	for _, o := range orders {
		if o.OrderID == "" || o.Quantity <= 0 {
			continue
		}
		done, err := r.ledger.HasCloseOrder(ctx, o.OrderID)
		if err != nil {
			return recorded, err
		}
		if done {
			continue
		}
		idx := MatchTrade(trades, o)
		if idx < 0 {
			r.log.Debugf("closed order %s %s %s has no open trade", o.OrderID, o.Symbol, o.Side)
			continue
		}
		t := &trades[idx]
		qty := math.Min(o.Quantity, t.RemainingQty)
		applied, err := r.ledger.RecordClose(ctx, store.CloseRecord{
			TradeID:     t.ID,
			OrderID:     o.OrderID,
			Quantity:    qty,
			Price:       o.AvgPrice,
			RealizedPnL: store.RealizedPnL(t.Side, t.EntryPrice, o.AvgPrice, qty),
			Reason:      "exchange " + o.Type,
			ClosedAt:    o.ClosedAt,
		})
		if err != nil {
			return recorded, fmt.Errorf("record close %s: %w", o.OrderID, err)
		}
		if !applied {
			continue
		}
		t.RemainingQty -= qty
		recorded++
		r.log.Infof("booked exchange close %s for trade %d %s %s qty=%.6f @ %.6f",
			o.OrderID, t.ID, t.Symbol, t.Side, qty, o.AvgPrice)
	}
	return recorded, nil
}

// MatchTrade picks the open trade a closing order belongs to: same symbol,
// the side the order closes, opened before the fill, remaining size
// closest to the order size. Returns -1 when nothing matches.
func MatchTrade(trades []store.TradeRecord, o types.ClosedOrder) int {
	best, bestDiff := -1, math.Inf(1)
	side := o.ClosesSide()
	for i, t := range trades {
		if t.Symbol != o.Symbol || t.Side != side || t.RemainingQty <= 0 {
			continue
		}
		if !o.ClosedAt.IsZero() && t.OpenedAt.After(o.ClosedAt) {
			continue
		}
		if d := math.Abs(t.RemainingQty - o.Quantity); d < bestDiff {
			best, bestDiff = i, d
		}
	}
	return best
}

func (r *Reconciler) snapshot(ctx context.Context, cycle int64, traceID string, view portfolio.View, now time.Time) bool {
	minute := now.UTC().Truncate(time.Minute)
	written, err := r.mirror.SaveSnapshot(ctx, store.Snapshot{
		PortfolioID:   r.cfg.PortfolioID,
		Minute:        minute,
		Balance:       view.Balance,
		OpenPositions: len(view.Positions),
		Positions:     view.Positions,
	})
	if err != nil {
		r.log.Warnf("snapshot %s not written: %v", minute.Format(time.RFC3339), err)
		r.events.Publish(events.Event{
			Type:    events.SnapshotWriteFailed,
			Cycle:   cycle,
			TraceID: traceID,
			At:      now,
			Payload: events.SnapshotFailurePayload{Minute: minute, Err: err.Error()},
		})
		return false
	}
	return written
}

// prune deletes expired snapshots at most once per PruneInterval.
func (r *Reconciler) prune(ctx context.Context, now time.Time) int64 {
	r.mu.Lock()
	if !r.lastPrune.IsZero() && now.Sub(r.lastPrune) < r.cfg.PruneInterval {
		r.mu.Unlock()
		return 0
	}
	r.lastPrune = now
	r.mu.Unlock()

	n, err := r.mirror.DeleteSnapshotsBefore(ctx, now.Add(-r.cfg.SnapshotRetention))
	if err != nil {
		r.log.Warnf("prune snapshots: %v", err)
		return 0
	}
	if n > 0 {
		r.log.Infof("pruned %d snapshots older than %s", n, r.cfg.SnapshotRetention)
	}
	return n
}

// Reset forgets the prune timer.
func (r *Reconciler) Reset() {
	r.mu.Lock()
	r.lastPrune = time.Time{}
	r.mu.Unlock()
}
