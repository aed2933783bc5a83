package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/beaconhq/beacon/internal/model"
	"github.com/beaconhq/beacon/internal/store"
)

// header is the first JSONL record written by ExportJSONL.
type header struct {
	Version   string    `json:"version"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	RowCount  int       `json:"row_count"`
}

// record wraps a single JSONL line with a type discriminator.
type record struct {
	Type string     `json:"type"`
	Data *model.Row `json:"data"`
}

// ExportJSONL writes the full event log from the store as JSONL to w,
// one signed row per line in append (seq) order, preceded by a header.
func ExportJSONL(ctx context.Context, s store.Store, w io.Writer) error {
	rows, err := s.ListRows(ctx)
	if err != nil {
		return fmt.Errorf("list rows: %w", err)
	}

	enc := json.NewEncoder(w)
	if err := enc.Encode(header{
		Version:   "1",
		Type:      "beacon/export",
		Timestamp: time.Now().UTC(),
		RowCount:  len(rows),
	}); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	for _, row := range rows {
		if err := enc.Encode(record{Type: "row", Data: row}); err != nil {
			return fmt.Errorf("write row %s: %w", row.ID, err)
		}
	}
	return nil
}
