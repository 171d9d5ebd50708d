package journal

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"perpmm/pkg/types"
)

func TestAppendWritesOneLinePerRecord(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	j, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer j.Close()

	rec := Record{
		WallClock:       time.Now(),
		ExchangeOrderID: "ex-1",
		ClientOrderID:   "cl-1",
		Symbol:          "BTCUSDT",
		Side:            types.Buy,
		FillPrice:       "50000.1",
		FillQty:         "0.01",
		Event:           EventFilled,
	}
	if err := j.Append(rec); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := j.Append(rec); err != nil {
		t.Fatalf("Append: %v", err)
	}

	f, err := os.Open(filepath.Join(dir, "trades.jsonl"))
	if err != nil {
		t.Fatalf("open journal file: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lines := 0
	for scanner.Scan() {
		lines++
		var got Record
		if err := json.Unmarshal(scanner.Bytes(), &got); err != nil {
			t.Fatalf("unmarshal journal line: %v", err)
		}
		if got.ExchangeOrderID != "ex-1" {
			t.Errorf("ExchangeOrderID = %q, want ex-1", got.ExchangeOrderID)
		}
	}
	if lines != 2 {
		t.Fatalf("expected 2 journal lines, got %d", lines)
	}
}
