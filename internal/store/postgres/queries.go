package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/beaconhq/beacon/internal/model"
	"github.com/beaconhq/beacon/internal/store"
)

// rowColumns is the column list used for SELECT statements on the events table.
const rowColumns = `id, event, properties, timestamp, team_id, distinct_id,
	created_at, elements_chain, person_uuid, sign`

// executor is the interface satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func queryInsertRow(ctx context.Context, db executor, row *model.Row) error {
	ts, err := model.ParseRowTime(row.Timestamp)
	if err != nil {
		return err
	}
	createdAt, err := model.ParseRowTime(row.CreatedAt)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO events (
			id, event, properties, timestamp, team_id, distinct_id,
			created_at, elements_chain, person_uuid, sign
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10
		)`,
		row.ID,
		row.Event,
		row.Properties,
		ts,
		row.TeamID,
		row.DistinctID,
		createdAt,
		row.ElementsChain,
		row.PersonUUID,
		row.Sign,
	)
	return err
}

// queryGetEvent resolves the current state of an event id: the highest-seq
// row wins, and a winning retraction means the event no longer exists.
func queryGetEvent(ctx context.Context, db executor, teamID int64, id string) (*model.Event, error) {
	sqlRow := db.QueryRowContext(ctx, `
		SELECT `+rowColumns+`
		FROM events
		WHERE team_id = $1 AND id = $2
		ORDER BY seq DESC
		LIMIT 1`,
		teamID, id,
	)
	row, err := scanRow(sqlRow)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if row.Sign < 0 {
		return nil, store.ErrNotFound
	}
	return model.EventFromRow(row)
}

// queryOccurrences returns live occurrences in [from, to). The
// latest-wins collapse must run over every row for an id, filtered by
// tenant only: a later assertion can move an event's timestamp or name,
// and filtering before the collapse would resurrect the superseded row.
// Event and window predicates therefore apply to the winning rows.
func queryOccurrences(ctx context.Context, db executor, teamID int64, events []string, from, to time.Time) ([]store.Occurrence, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT distinct_id, person_uuid, timestamp FROM (
			SELECT DISTINCT ON (id) distinct_id, person_uuid, timestamp, event, sign
			FROM events
			WHERE team_id = $1
			ORDER BY id, seq DESC
		) live
		WHERE sign > 0 AND event = ANY($2) AND timestamp >= $3 AND timestamp < $4`,
		teamID, pq.Array(events), from, to,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Occurrence
	for rows.Next() {
		var occ store.Occurrence
		if err := rows.Scan(&occ.DistinctID, &occ.PersonUUID, &occ.Timestamp); err != nil {
			return nil, err
		}
		occ.Timestamp = occ.Timestamp.UTC()
		out = append(out, occ)
	}
	return out, rows.Err()
}

func queryFirstActivity(ctx context.Context, db executor, teamID int64, events []string) (map[string]time.Time, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT distinct_id, MIN(first_ts)
		FROM first_activity
		WHERE team_id = $1 AND event = ANY($2)
		GROUP BY distinct_id`,
		teamID, pq.Array(events),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var distinctID string
		var first time.Time
		if err := rows.Scan(&distinctID, &first); err != nil {
			return nil, err
		}
		out[distinctID] = first.UTC()
	}
	return out, rows.Err()
}

func queryUpsertFirstActivity(ctx context.Context, db executor, teamID int64, event, distinctID string, ts time.Time) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO first_activity (team_id, event, distinct_id, first_ts)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (team_id, event, distinct_id)
		DO UPDATE SET first_ts = LEAST(first_activity.first_ts, EXCLUDED.first_ts)`,
		teamID, event, distinctID, ts,
	)
	return err
}

// queryRecomputeFirstActivity rebuilds one index entry from the live log.
// A retraction or correction may have removed or moved the occurrence the
// mark was based on, so the cheap LEAST upsert cannot repair it. As in
// queryOccurrences, the collapse runs over all of the tenant's rows; the
// event and identity predicates then select among the winners, so an id
// whose latest assertion renamed or reattributed it no longer counts
// under its old pair.
func queryRecomputeFirstActivity(ctx context.Context, db executor, teamID int64, event, distinctID string) error {
	var first sql.NullTime
	err := db.QueryRowContext(ctx, `
		SELECT MIN(timestamp) FROM (
			SELECT DISTINCT ON (id) timestamp, event, distinct_id, sign
			FROM events
			WHERE team_id = $1
			ORDER BY id, seq DESC
		) live
		WHERE sign > 0 AND event = $2 AND distinct_id = $3`,
		teamID, event, distinctID,
	).Scan(&first)
	if err != nil {
		return err
	}

	if !first.Valid {
		_, err = db.ExecContext(ctx, `
			DELETE FROM first_activity
			WHERE team_id = $1 AND event = $2 AND distinct_id = $3`,
			teamID, event, distinctID,
		)
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO first_activity (team_id, event, distinct_id, first_ts)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (team_id, event, distinct_id)
		DO UPDATE SET first_ts = EXCLUDED.first_ts`,
		teamID, event, distinctID, first.Time,
	)
	return err
}

// queryEarliestEventTime takes the minimum over live events only: a
// retracted or superseded assertion must not set the default window start.
func queryEarliestEventTime(ctx context.Context, db executor, teamID int64) (time.Time, error) {
	var earliest sql.NullTime
	err := db.QueryRowContext(ctx, `
		SELECT MIN(timestamp) FROM (
			SELECT DISTINCT ON (id) timestamp, sign
			FROM events
			WHERE team_id = $1
			ORDER BY id, seq DESC
		) live
		WHERE sign > 0`,
		teamID,
	).Scan(&earliest)
	if err != nil {
		return time.Time{}, err
	}
	if !earliest.Valid {
		return time.Time{}, store.ErrNotFound
	}
	return earliest.Time.UTC(), nil
}

func queryActionEventNames(ctx context.Context, db executor, teamID int64, action string) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT s.event
		FROM action_steps s
		JOIN actions a ON a.id = s.action_id
		WHERE a.team_id = $1 AND a.name = $2
		ORDER BY s.event`,
		teamID, action,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, store.ErrNotFound
	}
	return names, nil
}

func queryPersonUUID(ctx context.Context, db executor, teamID int64, distinctID string) (string, error) {
	var uuid string
	err := db.QueryRowContext(ctx, `
		SELECT person_uuid FROM person_distinct_ids
		WHERE team_id = $1 AND distinct_id = $2`,
		teamID, distinctID,
	).Scan(&uuid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return uuid, nil
}

func queryListRows(ctx context.Context, db executor) ([]*model.Row, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+rowColumns+` FROM events ORDER BY seq`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Row
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
