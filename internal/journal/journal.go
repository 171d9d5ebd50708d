// Package journal implements the append-only, line-delimited trade journal.
// Position state itself is not persisted across restarts (Non-goal); after a
// restart it is rebuilt from private-stream events and, while the private
// feed is not connected, from the periodic REST reconciliation. No
// reconciliation is forced at startup.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"perpmm/pkg/types"
)

// EventType is the trade-journal event discriminant.
type EventType string

const (
	EventPlaced   EventType = "Placed"
	EventFilled   EventType = "Filled"
	EventCanceled EventType = "Canceled"
	EventRejected EventType = "Rejected"
)

// Record is one self-contained trade-journal line. Decimals are stored as
// their string form (decimal.Decimal.String()) to preserve precision;
// the API key/secret never appear here.
type Record struct {
	MonotonicNanos   int64     `json:"monotonic_ns"`
	WallClock        time.Time `json:"wall_clock"`
	ExchangeOrderID  string    `json:"exchange_order_id"`
	ClientOrderID    string    `json:"client_order_id"`
	Symbol           string    `json:"symbol"`
	Side             types.Side `json:"side"`
	FillPrice        string    `json:"fill_price"`
	FillQty          string    `json:"fill_qty"`
	RealizedSlippage string    `json:"realized_slippage_fraction"`
	LatencyMs        int64     `json:"latency_ms"`
	Event            EventType `json:"event"`
}

// Journal writes Records as one JSON object per line to an append-only
// file.
type Journal struct {
	dir string

	mu       sync.Mutex
	file     *os.File
	filePath string
}

// Open creates (or resumes) a journal rooted at dir. The line-delimited
// event log lives at dir/trades.jsonl.
func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	path := filepath.Join(dir, "trades.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open trade journal: %w", err)
	}
	return &Journal{dir: dir, file: f, filePath: path}, nil
}

// Close closes the underlying journal file handle.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}

// Append writes one record as a single JSON line. Rotation is external
// (Non-goal); this call only ever appends.
func (j *Journal) Append(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal journal record: %w", err)
	}
	data = append(data, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	_, err = j.file.Write(data)
	return err
}
