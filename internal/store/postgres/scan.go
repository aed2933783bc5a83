package postgres

import (
	"time"

	"github.com/beaconhq/beacon/internal/model"
)

// scanner is the interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// scanRow reads one events row in rowColumns order. Timestamps come
// back as time.Time from the driver and are re-rendered in the wire
// format so a scanned row round-trips byte-identical.
func scanRow(s scanner) (*model.Row, error) {
	var (
		row       model.Row
		ts        time.Time
		createdAt time.Time
	)
	if err := s.Scan(
		&row.ID,
		&row.Event,
		&row.Properties,
		&ts,
		&row.TeamID,
		&row.DistinctID,
		&createdAt,
		&row.ElementsChain,
		&row.PersonUUID,
		&row.Sign,
	); err != nil {
		return nil, err
	}
	row.Timestamp = model.FormatRowTime(ts)
	row.CreatedAt = model.FormatRowTime(createdAt)
	return &row, nil
}
