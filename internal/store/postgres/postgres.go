// Package postgres implements the store.Store interface backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/beaconhq/beacon/internal/model"
	"github.com/beaconhq/beacon/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements store.Store backed by a PostgreSQL database.
type PostgresStore struct {
	db *sql.DB
}

// Compile-time check that PostgresStore implements store.Store.
var _ store.Store = (*PostgresStore)(nil)

// New opens a connection to the PostgreSQL database at the given URL,
// configures the connection pool, and runs any pending migrations.
func New(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	dbDriver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "postgres", dbDriver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// Close closes the underlying database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) InsertRow(ctx context.Context, row *model.Row) error {
	return queryInsertRow(ctx, s.db, row)
}

func (s *PostgresStore) GetEvent(ctx context.Context, teamID int64, id string) (*model.Event, error) {
	return queryGetEvent(ctx, s.db, teamID, id)
}

func (s *PostgresStore) Occurrences(ctx context.Context, teamID int64, events []string, from, to time.Time) ([]store.Occurrence, error) {
	return queryOccurrences(ctx, s.db, teamID, events, from, to)
}

func (s *PostgresStore) FirstActivity(ctx context.Context, teamID int64, events []string) (map[string]time.Time, error) {
	return queryFirstActivity(ctx, s.db, teamID, events)
}

func (s *PostgresStore) UpsertFirstActivity(ctx context.Context, teamID int64, event, distinctID string, ts time.Time) error {
	return queryUpsertFirstActivity(ctx, s.db, teamID, event, distinctID, ts)
}

func (s *PostgresStore) RecomputeFirstActivity(ctx context.Context, teamID int64, event, distinctID string) error {
	return queryRecomputeFirstActivity(ctx, s.db, teamID, event, distinctID)
}

func (s *PostgresStore) EarliestEventTime(ctx context.Context, teamID int64) (time.Time, error) {
	return queryEarliestEventTime(ctx, s.db, teamID)
}

func (s *PostgresStore) ActionEventNames(ctx context.Context, teamID int64, action string) ([]string, error) {
	return queryActionEventNames(ctx, s.db, teamID, action)
}

func (s *PostgresStore) PersonUUID(ctx context.Context, teamID int64, distinctID string) (string, error) {
	return queryPersonUUID(ctx, s.db, teamID, distinctID)
}

func (s *PostgresStore) ListRows(ctx context.Context) ([]*model.Row, error) {
	return queryListRows(ctx, s.db)
}
