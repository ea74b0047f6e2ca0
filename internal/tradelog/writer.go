// Package tradelog persists confirmed fills to a local sqlite database.
// One row per fill, append-only; the writer consumes the trade-record
// channel so the trading loop never touches the database directly.
package tradelog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"autocoin/pkg/types"
)

// Trade is one trade_log row.
type Trade struct {
	ID        uint      `gorm:"primaryKey"`
	Timestamp time.Time `gorm:"index;not null"`
	Symbol    string    `gorm:"index;not null"`
	Side      string    `gorm:"not null"` // BUY | SELL
	Price     float64   `gorm:"not null"`
	Volume    float64   `gorm:"not null"`
}

// TableName keeps the historical table name.
func (Trade) TableName() string { return "trade_log" }

// Writer appends trade records to sqlite.
type Writer struct {
	db      *gorm.DB
	tradeCh <-chan types.TradeRecord
	logger  *slog.Logger
}

// NewWriter opens (and migrates) the database at path, creating the parent
// directory on first run.
func NewWriter(path string, tradeCh <-chan types.TradeRecord, logger *slog.Logger) (*Writer, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create trade log dir %s: %w", dir, err)
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open trade log %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Trade{}); err != nil {
		return nil, fmt.Errorf("migrate trade log: %w", err)
	}
	return &Writer{
		db:      db,
		tradeCh: tradeCh,
		logger:  logger.With("component", "tradelog"),
	}, nil
}

// Run consumes records until ctx is cancelled.
func (w *Writer) Run(ctx context.Context) {
	w.logger.Info("trade log writer started")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("trade log writer stopped")
			return
		case rec := <-w.tradeCh:
			w.write(rec)
		}
	}
}

func (w *Writer) write(rec types.TradeRecord) {
	row := Trade{
		Timestamp: rec.Timestamp.UTC(),
		Symbol:    rec.Symbol,
		Side:      string(rec.Side),
		Price:     rec.Price,
		Volume:    rec.Volume,
	}
	if err := w.db.Create(&row).Error; err != nil {
		w.logger.Error("trade log insert failed", "symbol", rec.Symbol, "error", err)
		return
	}
	w.logger.Debug("trade logged", "symbol", rec.Symbol, "side", rec.Side)
}

// Recent returns the most recent n trades, newest first. Used by the
// performance command path and tests.
func (w *Writer) Recent(n int) ([]Trade, error) {
	var rows []Trade
	err := w.db.Order("timestamp desc").Limit(n).Find(&rows).Error
	return rows, err
}
