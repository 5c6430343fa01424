package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tradeloop/internal/store"
	storemodel "tradeloop/internal/store/model"
	"tradeloop/internal/types"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type (
	tradeModel    = storemodel.TradeModel
	closeModel    = storemodel.TradeCloseModel
	balanceModel  = storemodel.PortfolioBalanceModel
	snapshotModel = storemodel.PerformanceSnapshotModel
	cycleModel    = storemodel.CycleModel
)

const qtyEpsilon = 1e-12

// GormStore persists trades, balances, snapshots and cycles with Gorm + SQLite.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(path string) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: 数据库路径不能为空")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&tradeModel{}, &closeModel{}, &balanceModel{}, &snapshotModel{}, &cycleModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: the http status reads run next to the engine writes.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &GormStore{db: db}, nil
}

func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) ready() error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store 未初始化")
	}
	return nil
}

// --------------------- Trades -------------------------

func (s *GormStore) CreateTrade(ctx context.Context, rec *store.TradeRecord) error {
	if err := s.ready(); err != nil {
		return err
	}
	if rec == nil || rec.Symbol == "" || !rec.Side.Valid() {
		return fmt.Errorf("trade 记录缺少 symbol/side")
	}
	if rec.OpenedAt.IsZero() {
		rec.OpenedAt = time.Now()
	}
	m := tradeModel{
		PortfolioID:    rec.PortfolioID,
		Symbol:         rec.Symbol,
		Side:           string(rec.Side),
		Quantity:       rec.Quantity,
		RemainingQty:   rec.Quantity,
		EntryPrice:     rec.EntryPrice,
		TakeProfit:     rec.TakeProfit,
		StopLoss:       rec.StopLoss,
		Leverage:       rec.Leverage,
		Source:         rec.Source,
		IdempotencyKey: rec.IdempotencyKey,
		EntryOrderID:   rec.EntryOrderID,
		Status:         storemodel.TradeStatusOpen,
		Meta:           datatypes.JSON([]byte("{}")),
		OpenedAtUnix:   rec.OpenedAt.Unix(),
		UpdatedAtUnix:  time.Now().Unix(),
	}
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("create trade %s: %w", rec.IdempotencyKey, err)
	}
	rec.ID = m.ID
	rec.RemainingQty = m.RemainingQty
	rec.Open = true
	return nil
}

func (s *GormStore) OpenTrades(ctx context.Context, portfolioID string) ([]store.TradeRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var models []tradeModel
	err := s.db.WithContext(ctx).
		Where("portfolio_id = ? AND status = ?", portfolioID, storemodel.TradeStatusOpen).
		Order("opened_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]store.TradeRecord, 0, len(models))
	for _, m := range models {
		out = append(out, tradeModelToRecord(m))
	}
	return out, nil
}

// OpenTradeFor returns the newest open trade for symbol and side.
func (s *GormStore) OpenTradeFor(ctx context.Context, portfolioID, symbol string, side types.Side) (store.TradeRecord, error) {
	if err := s.ready(); err != nil {
		return store.TradeRecord{}, err
	}
	var m tradeModel
	err := s.db.WithContext(ctx).
		Where("portfolio_id = ? AND symbol = ? AND side = ? AND status = ?",
			portfolioID, symbol, string(side), storemodel.TradeStatusOpen).
		Order("opened_at DESC").
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.TradeRecord{}, store.ErrNotFound
	}
	if err != nil {
		return store.TradeRecord{}, err
	}
	return tradeModelToRecord(m), nil
}

// RecordClose applies a reduce fill. It returns false without touching the
// trade when the order id was already recorded.
func (s *GormStore) RecordClose(ctx context.Context, rec store.CloseRecord) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	if strings.TrimSpace(rec.OrderID) == "" {
		return false, fmt.Errorf("close 记录缺少 order_id")
	}
	if rec.ClosedAt.IsZero() {
		rec.ClosedAt = time.Now()
	}
	recorded := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var trade tradeModel
		if err := tx.Where("id = ?", rec.TradeID).First(&trade).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return store.ErrNotFound
			}
			return err
		}
		m := closeModel{
			TradeID:      rec.TradeID,
			OrderID:      rec.OrderID,
			Quantity:     rec.Quantity,
			Price:        rec.Price,
			RealizedPnL:  rec.RealizedPnL,
			Reason:       rec.Reason,
			ClosedAtUnix: rec.ClosedAt.Unix(),
		}
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "order_id"}},
			DoNothing: true,
		}).Create(&m)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		recorded = true

		remaining := trade.RemainingQty - rec.Quantity
		updates := map[string]any{
			"remaining_qty": math.Max(remaining, 0),
			"realized_pnl":  gorm.Expr("realized_pnl + ?", rec.RealizedPnL),
			"updated_at":    time.Now().Unix(),
		}
		if remaining <= qtyEpsilon || rec.Quantity <= 0 {
			updates["remaining_qty"] = 0
			updates["status"] = storemodel.TradeStatusClosed
			updates["closed_at"] = rec.ClosedAt.Unix()
			updates["close_reason"] = rec.Reason
		}
		return tx.Model(&tradeModel{}).Where("id = ?", rec.TradeID).Updates(updates).Error
	})
	if err != nil {
		return false, err
	}
	return recorded, nil
}

func (s *GormStore) HasCloseOrder(ctx context.Context, orderID string) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	var n int64
	if err := s.db.WithContext(ctx).Model(&closeModel{}).Where("order_id = ?", orderID).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

// CountTradesSince counts entries opened at or after since.
func (s *GormStore) CountTradesSince(ctx context.Context, portfolioID string, since time.Time) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	var n int64
	err := s.db.WithContext(ctx).Model(&tradeModel{}).
		Where("portfolio_id = ? AND opened_at >= ?", portfolioID, since.Unix()).
		Count(&n).Error
	return int(n), err
}

func (s *GormStore) LastTradeBySource(ctx context.Context, portfolioID, source string) (store.TradeRecord, error) {
	if err := s.ready(); err != nil {
		return store.TradeRecord{}, err
	}
	var m tradeModel
	err := s.db.WithContext(ctx).
		Where("portfolio_id = ? AND source = ?", portfolioID, source).
		Order("opened_at DESC").
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return store.TradeRecord{}, store.ErrNotFound
	}
	if err != nil {
		return store.TradeRecord{}, err
	}
	return tradeModelToRecord(m), nil
}

// RealizedPnLSince sums closes recorded at or after since.
func (s *GormStore) RealizedPnLSince(ctx context.Context, portfolioID string, since time.Time) (float64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	var total struct{ Sum float64 }
	err := s.db.WithContext(ctx).
		Table("trade_closes").
		Select("COALESCE(SUM(trade_closes.realized_pnl), 0) AS sum").
		Joins("JOIN trades ON trades.id = trade_closes.trade_id").
		Where("trades.portfolio_id = ? AND trade_closes.closed_at >= ?", portfolioID, since.Unix()).
		Scan(&total).Error
	return total.Sum, err
}

// --------------------- Balance mirror -------------------------

func (s *GormStore) UpsertBalance(ctx context.Context, portfolioID string, bal types.Balance, openPositions int) error {
	if err := s.ready(); err != nil {
		return err
	}
	updated := bal.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	m := balanceModel{
		PortfolioID:   portfolioID,
		Asset:         bal.Asset,
		Total:         bal.Total,
		Available:     bal.Available,
		UnrealizedPnL: bal.UnrealizedPnL,
		OpenPositions: openPositions,
		UpdatedAtUnix: updated.Unix(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "portfolio_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"asset", "total", "available", "unrealized_pnl", "open_positions", "updated_at"}),
	}).Create(&m).Error
}

func (s *GormStore) Balance(ctx context.Context, portfolioID string) (types.Balance, int, error) {
	if err := s.ready(); err != nil {
		return types.Balance{}, 0, err
	}
	var m balanceModel
	err := s.db.WithContext(ctx).Where("portfolio_id = ?", portfolioID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.Balance{}, 0, store.ErrNotFound
	}
	if err != nil {
		return types.Balance{}, 0, err
	}
	return types.Balance{
		Asset:         m.Asset,
		Total:         m.Total,
		Available:     m.Available,
		UnrealizedPnL: m.UnrealizedPnL,
		UpdatedAt:     time.Unix(m.UpdatedAtUnix, 0),
	}, m.OpenPositions, nil
}

// --------------------- Snapshots -------------------------

// SaveSnapshot writes one row per portfolio and rounded minute. A second
// write for the same minute is ignored and reports created=false.
func (s *GormStore) SaveSnapshot(ctx context.Context, snap store.Snapshot) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	positions, err := json.Marshal(snap.Positions)
	if err != nil {
		return false, err
	}
	m := snapshotModel{
		PortfolioID:   snap.PortfolioID,
		MinuteUnix:    snap.Minute.Truncate(time.Minute).Unix(),
		Total:         snap.Balance.Total,
		Available:     snap.Balance.Available,
		UnrealizedPnL: snap.Balance.UnrealizedPnL,
		OpenPositions: snap.OpenPositions,
		Positions:     datatypes.JSON(positions),
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "portfolio_id"}, {Name: "minute"}},
		DoNothing: true,
	}).Create(&m)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) DeleteSnapshotsBefore(ctx context.Context, before time.Time) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	res := s.db.WithContext(ctx).Where("minute < ?", before.Unix()).Delete(&snapshotModel{})
	return res.RowsAffected, res.Error
}

func (s *GormStore) CountSnapshots(ctx context.Context, portfolioID string) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	var n int64
	err := s.db.WithContext(ctx).Model(&snapshotModel{}).Where("portfolio_id = ?", portfolioID).Count(&n).Error
	return n, err
}

// --------------------- Cycles -------------------------

func (s *GormStore) SaveCycle(ctx context.Context, c types.TradingCycle) error {
	if err := s.ready(); err != nil {
		return err
	}
	symbols, _ := json.Marshal(c.SymbolsAnalyzed)
	errs, _ := json.Marshal(c.Errors)
	m := cycleModel{
		Number:         c.Number,
		TraceID:        c.TraceID,
		Outcome:        string(c.Outcome),
		Reason:         c.Reason,
		TradesExecuted: c.TradesExecuted,
		DecisionRounds: c.DecisionRounds,
		CostSaved:      c.CostSaved,
		Symbols:        datatypes.JSON(symbols),
		Errors:         datatypes.JSON(errs),
		StartedAtUnix:  c.StartedAt.Unix(),
		EndedAtUnix:    c.EndedAt.Unix(),
		DurationMs:     c.Duration.Milliseconds(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "trace_id"}},
		DoNothing: true,
	}).Create(&m).Error
}

func (s *GormStore) RecentCycles(ctx context.Context, limit int) ([]types.TradingCycle, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	var models []cycleModel
	if err := s.db.WithContext(ctx).Order("started_at DESC, id DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]types.TradingCycle, 0, len(models))
	for _, m := range models {
		c := types.TradingCycle{
			Number:         m.Number,
			TraceID:        m.TraceID,
			Outcome:        types.CycleOutcome(m.Outcome),
			Reason:         m.Reason,
			TradesExecuted: m.TradesExecuted,
			DecisionRounds: m.DecisionRounds,
			CostSaved:      m.CostSaved,
			StartedAt:      time.Unix(m.StartedAtUnix, 0),
			EndedAt:        time.Unix(m.EndedAtUnix, 0),
			Duration:       time.Duration(m.DurationMs) * time.Millisecond,
		}
		_ = json.Unmarshal(m.Symbols, &c.SymbolsAnalyzed)
		_ = json.Unmarshal(m.Errors, &c.Errors)
		out = append(out, c)
	}
	return out, nil
}

func tradeModelToRecord(m tradeModel) store.TradeRecord {
	rec := store.TradeRecord{
		ID:             m.ID,
		PortfolioID:    m.PortfolioID,
		Symbol:         m.Symbol,
		Side:           types.Side(m.Side),
		Quantity:       m.Quantity,
		RemainingQty:   m.RemainingQty,
		EntryPrice:     m.EntryPrice,
		TakeProfit:     m.TakeProfit,
		StopLoss:       m.StopLoss,
		Leverage:       m.Leverage,
		Source:         m.Source,
		IdempotencyKey: m.IdempotencyKey,
		EntryOrderID:   m.EntryOrderID,
		Open:           m.Status == storemodel.TradeStatusOpen,
		RealizedPnL:    m.RealizedPnL,
		CloseReason:    m.CloseReason,
		OpenedAt:       time.Unix(m.OpenedAtUnix, 0),
	}
	if m.ClosedAtUnix > 0 {
		rec.ClosedAt = time.Unix(m.ClosedAtUnix, 0)
	}
	return rec
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
