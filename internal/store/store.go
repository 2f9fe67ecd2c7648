// Package store holds both persistence tiers: the durable gorm-backed
// trade history (sqlite or postgres, switched on the DSN) and the
// ephemeral go-cache KV for position metadata and capital snapshots.
//
// The engine must survive without either tier. A nil *Store degrades to
// exchange-as-truth; a missing metadata entry falls back to the TREND
// bucket on close.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"perpbot/internal/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MODELS
// ═══════════════════════════════════════════════════════════════════════════════

// TradeRow is the append-only record of a closed trade.
type TradeRow struct {
	ID          string `gorm:"primaryKey"`
	Symbol      string `gorm:"index"`
	Direction   string
	SignalType  string
	Strategy    string
	EntryPrice  decimal.Decimal `gorm:"type:decimal(20,8)"`
	ExitPrice   decimal.Decimal `gorm:"type:decimal(20,8)"`
	Quantity    decimal.Decimal `gorm:"type:decimal(20,8)"`
	Leverage    int
	MarginMode  string
	EntryFee    decimal.Decimal `gorm:"type:decimal(20,8)"`
	ExitFee     decimal.Decimal `gorm:"type:decimal(20,8)"`
	FundingCost decimal.Decimal `gorm:"type:decimal(20,8)"`
	RealizedPnL decimal.Decimal `gorm:"type:decimal(20,8)"`
	NetPnL      decimal.Decimal `gorm:"type:decimal(20,8)"`
	ExitReason  string
	Score       float64
	OpenedAt    time.Time
	ClosedAt    time.Time `gorm:"index"`
	CreatedAt   time.Time
}

// PositionRow mirrors an open position for crash recovery.
type PositionRow struct {
	Symbol        string `gorm:"primaryKey"`
	Direction     string
	SignalType    string
	Strategy      string
	EntryPrice    decimal.Decimal `gorm:"type:decimal(20,8)"`
	Quantity      decimal.Decimal `gorm:"type:decimal(20,8)"`
	OriginalQty   decimal.Decimal `gorm:"type:decimal(20,8)"`
	Leverage      int
	MarginMode    string
	StopLoss      decimal.Decimal `gorm:"type:decimal(20,8)"`
	StopOrderID   string
	DCALevelsUsed int
	TPFilled      int
	BreakevenArmed bool
	OpenedAt      time.Time
	UpdatedAt     time.Time
}

// ═══════════════════════════════════════════════════════════════════════════════
// DURABLE STORE
// ═══════════════════════════════════════════════════════════════════════════════

// Store wraps the gorm connection.
type Store struct {
	db *gorm.DB
}

// Open connects using the DSN. postgres:// or postgresql:// prefixes get
// the postgres driver; anything else is treated as a sqlite path.
func Open(dsn string) (*Store, error) {
	var db *gorm.DB
	var err error

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, fmt.Errorf("store: open postgres: %w", err)
		}
		log.Info().Msg("Trade store connected (PostgreSQL)")
	} else {
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("store: create dir: %w", err)
			}
		}
		db, err = gorm.Open(sqlite.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, fmt.Errorf("store: open sqlite: %w", err)
		}
		log.Info().Str("path", dsn).Msg("Trade store initialized (SQLite)")
	}

	if err := db.AutoMigrate(&TradeRow{}, &PositionRow{}); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// SaveTrade appends a closed trade. Records are never updated.
func (s *Store) SaveTrade(rec types.TradeRecord, score float64) error {
	row := TradeRow{
		ID:          rec.ID,
		Symbol:      rec.Symbol,
		Direction:   string(rec.Direction),
		SignalType:  string(rec.SignalType),
		Strategy:    string(rec.Strategy),
		EntryPrice:  rec.EntryPrice,
		ExitPrice:   rec.ExitPrice,
		Quantity:    rec.Quantity,
		Leverage:    rec.Leverage,
		MarginMode:  string(rec.MarginMode),
		EntryFee:    rec.EntryFee,
		ExitFee:     rec.ExitFee,
		FundingCost: rec.FundingCost,
		RealizedPnL: rec.RealizedPnL,
		NetPnL:      rec.NetPnL,
		ExitReason:  string(rec.ExitReason),
		Score:       score,
		OpenedAt:    rec.OpenedAt,
		ClosedAt:    rec.ClosedAt,
	}
	return s.db.Create(&row).Error
}

// TradesBySymbol returns recent trades for one symbol, newest first.
func (s *Store) TradesBySymbol(symbol string, limit int) ([]TradeRow, error) {
	var rows []TradeRow
	err := s.db.Where("symbol = ?", symbol).
		Order("closed_at DESC").Limit(limit).Find(&rows).Error
	return rows, err
}

// TradesBetween returns trades closed inside the window, oldest first.
func (s *Store) TradesBetween(from, to time.Time) ([]TradeRow, error) {
	var rows []TradeRow
	err := s.db.Where("closed_at >= ? AND closed_at < ?", from, to).
		Order("closed_at ASC").Find(&rows).Error
	return rows, err
}

// TopScoredSymbols lists distinct symbols whose entries scored 100 in the
// last day, feeding the scanner's dynamic whitelist.
func (s *Store) TopScoredSymbols(ctx context.Context, limit int) ([]string, error) {
	var symbols []string
	err := s.db.WithContext(ctx).Model(&TradeRow{}).
		Where("score >= ? AND closed_at > ?", 100.0, time.Now().Add(-24*time.Hour)).
		Distinct("symbol").Limit(limit).Pluck("symbol", &symbols).Error
	return symbols, err
}

// SavePosition upserts the crash-recovery row for an open position.
func (s *Store) SavePosition(p *types.Position) error {
	row := PositionRow{
		Symbol:         p.Symbol,
		Direction:      string(p.Direction),
		SignalType:     string(p.SignalType),
		Strategy:       string(p.Strategy),
		EntryPrice:     p.EntryPrice,
		Quantity:       p.Quantity,
		OriginalQty:    p.OriginalQty,
		Leverage:       p.Leverage,
		MarginMode:     string(p.MarginMode),
		StopLoss:       p.StopLoss,
		StopOrderID:    p.StopOrderID,
		DCALevelsUsed:  p.DCALevelsUsed,
		TPFilled:       p.TPFilled,
		BreakevenArmed: p.BreakevenArmed,
		OpenedAt:       p.OpenedAt,
	}
	return s.db.Save(&row).Error
}

// DeletePosition removes the recovery row once the position closes.
func (s *Store) DeletePosition(symbol string) error {
	return s.db.Delete(&PositionRow{}, "symbol = ?", symbol).Error
}

// OpenPositions returns every recovery row, for startup reconciliation.
func (s *Store) OpenPositions() ([]PositionRow, error) {
	var rows []PositionRow
	err := s.db.Find(&rows).Error
	return rows, err
}
