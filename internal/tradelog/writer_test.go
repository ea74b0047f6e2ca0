package tradelog

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"autocoin/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestWriter(t *testing.T) *Writer {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trades.db")
	w, err := NewWriter(path, make(chan types.TradeRecord), discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	return w
}

func TestWriteAndRecent(t *testing.T) {
	t.Parallel()
	w := newTestWriter(t)

	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	w.write(types.TradeRecord{Timestamp: base, Symbol: "KRW-BTC", Side: types.BUY, Price: 50000, Volume: 0.5})
	w.write(types.TradeRecord{Timestamp: base.Add(time.Minute), Symbol: "KRW-BTC", Side: types.SELL, Price: 51000, Volume: 0.5})
	w.write(types.TradeRecord{Timestamp: base.Add(2 * time.Minute), Symbol: "KRW-ETH", Side: types.BUY, Price: 3000, Volume: 2})

	rows, err := w.Recent(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	// Newest first.
	if rows[0].Symbol != "KRW-ETH" || rows[0].Side != "BUY" {
		t.Errorf("rows[0] = %+v", rows[0])
	}
	if rows[1].Symbol != "KRW-BTC" || rows[1].Side != "SELL" || rows[1].Price != 51000 {
		t.Errorf("rows[1] = %+v", rows[1])
	}
}

func TestNewWriterCreatesParentDir(t *testing.T) {
	t.Parallel()
	// Fresh-checkout shape: the configured directory does not exist yet.
	path := filepath.Join(t.TempDir(), "data", "autocoin.db")

	w, err := NewWriter(path, make(chan types.TradeRecord), discardLogger())
	if err != nil {
		t.Fatalf("NewWriter with missing parent dir: %v", err)
	}
	w.write(types.TradeRecord{Timestamp: time.Now().UTC(), Symbol: "KRW-BTC", Side: types.BUY, Price: 1, Volume: 1})
	rows, err := w.Recent(1)
	if err != nil || len(rows) != 1 {
		t.Errorf("Recent = %v, %v", rows, err)
	}
}

func TestRecentOnEmptyLog(t *testing.T) {
	t.Parallel()
	w := newTestWriter(t)

	rows, err := w.Recent(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("got %d rows from empty log", len(rows))
	}
}
