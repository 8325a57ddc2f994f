// internal/adapter/storage/route_store.go

package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"taxistream/internal/domain/trip"
)

const createRouteCountsTable = `
	CREATE TABLE IF NOT EXISTS route_counts (
		edge_meters  DOUBLE PRECISION NOT NULL,
		start_col    INTEGER NOT NULL,
		start_row    INTEGER NOT NULL,
		end_col      INTEGER NOT NULL,
		end_row      INTEGER NOT NULL,
		trip_count   INTEGER NOT NULL,
		last_dropoff TIMESTAMP NOT NULL,
		last_seq     BIGINT NOT NULL,
		updated_at   TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (edge_meters, start_col, start_row, end_col, end_row)
	)
`

const upsertRouteCount = `
	INSERT INTO route_counts (
		edge_meters, start_col, start_row, end_col, end_row,
		trip_count, last_dropoff, last_seq, updated_at
	) VALUES (
		$1, $2, $3, $4, $5,
		$6, $7, $8, $9
	)
	ON CONFLICT (edge_meters, start_col, start_row, end_col, end_row) DO UPDATE
	SET
		trip_count = $6,
		last_dropoff = $7,
		last_seq = $8,
		updated_at = $9
`

const deleteRouteCounts = `DELETE FROM route_counts WHERE edge_meters = $1`

// querier is the part of *pgxpool.Pool the store uses
type querier interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

var _ querier = (*pgxpool.Pool)(nil)

// RouteStore persists the route counts of the last completed run in
// PostgreSQL
type RouteStore struct {
	db querier
}

// NewRouteStore creates a new route store
func NewRouteStore(db *pgxpool.Pool) *RouteStore {
	return &RouteStore{
		db: db,
	}
}

// EnsureSchema creates the route_counts table if it does not exist
func (s *RouteStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, createRouteCountsTable); err != nil {
		return fmt.Errorf("error creating route_counts: %w", err)
	}
	return nil
}

// SaveRouteCounts replaces the stored counts of one grid resolution with
// counts in a single transaction. Routes missing from counts are removed.
func (s *RouteStore) SaveRouteCounts(ctx context.Context, edgeMeters float64, counts []trip.RouteCount) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, deleteRouteCounts, edgeMeters); err != nil {
		return fmt.Errorf("error clearing previous route counts: %w", err)
	}
	if len(counts) == 0 {
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("error committing route counts: %w", err)
		}
		return nil
	}

	now := time.Now()
	batch := &pgx.Batch{}
	for _, c := range counts {
		batch.Queue(upsertRouteCount,
			edgeMeters,
			c.Start.Column, c.Start.Row,
			c.End.Column, c.End.Row,
			c.Count,
			c.LastDropoff,
			int64(c.LastSeq),
			now,
		)
	}

	results := tx.SendBatch(ctx, batch)
	for i := range counts {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("error saving route %d: %w", i, err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("error closing batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("error committing route counts: %w", err)
	}

	return nil
}

// TopRoutes returns the most frequent stored routes of one resolution
func (s *RouteStore) TopRoutes(ctx context.Context, edgeMeters float64, limit int) ([]trip.RouteCount, error) {
	query := `
		SELECT start_col, start_row, end_col, end_row, trip_count, last_dropoff, last_seq
		FROM route_counts
		WHERE edge_meters = $1
		ORDER BY trip_count DESC, last_dropoff DESC, last_seq DESC
		LIMIT $2
	`

	rows, err := s.db.Query(ctx, query, edgeMeters, limit)
	if err != nil {
		return nil, fmt.Errorf("error querying routes: %w", err)
	}
	defer rows.Close()

	var counts []trip.RouteCount
	for rows.Next() {
		var c trip.RouteCount
		var seq int64
		if err := rows.Scan(
			&c.Start.Column, &c.Start.Row,
			&c.End.Column, &c.End.Row,
			&c.Count,
			&c.LastDropoff,
			&seq,
		); err != nil {
			return nil, fmt.Errorf("error scanning route: %w", err)
		}
		c.LastSeq = uint64(seq)
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating routes: %w", err)
	}

	return counts, nil
}
