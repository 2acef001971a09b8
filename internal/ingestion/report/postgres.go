package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/DanteTheCreator/real-estate-deployment/pkg/postgres"
)

// Store persists report snapshots in the ingestion_reports table created by
// the postgres storage migration:
//
//	CREATE TABLE ingestion_reports (
//	    id           BIGSERIAL PRIMARY KEY,
//	    run_id       TEXT NOT NULL,
//	    source       TEXT NOT NULL,
//	    data         JSONB NOT NULL,
//	    generated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
type Store struct {
	db     *postgres.Client
	logger *slog.Logger
}

// NewStore creates a report store.
func NewStore(db *postgres.Client) *Store {
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "report-store"),
	}
}

// Emit implements Sink.
func (s *Store) Emit(ctx context.Context, r *Report) error {
	return s.Save(ctx, r)
}

// Save persists a report.
func (s *Store) Save(ctx context.Context, r *Report) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}
	_, err = s.db.DB.ExecContext(ctx,
		`INSERT INTO ingestion_reports (run_id, source, data, generated_at) VALUES ($1, $2, $3, $4)`,
		r.Metadata.RunID, r.Metadata.Source, data, r.Metadata.GeneratedAt,
	)
	if err != nil {
		return fmt.Errorf("saving report: %w", err)
	}
	s.logger.Info("report saved",
		"run_id", r.Metadata.RunID,
		"source", r.Metadata.Source,
	)
	return nil
}

// Latest loads the most recent report of source. It returns nil, nil when
// none exists yet.
func (s *Store) Latest(ctx context.Context, source string) (*Report, error) {
	var data []byte
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT data FROM ingestion_reports WHERE source = $1 ORDER BY generated_at DESC, id DESC LIMIT 1`,
		source,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying latest report: %w", err)
	}
	var r Report
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshaling report: %w", err)
	}
	return &r, nil
}

// List returns the last limit reports of source, newest first. Rows that no
// longer decode are skipped.
func (s *Store) List(ctx context.Context, source string, limit int) ([]*Report, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT data FROM ingestion_reports WHERE source = $1 ORDER BY generated_at DESC, id DESC LIMIT $2`,
		source, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing reports: %w", err)
	}
	defer rows.Close()

	var out []*Report
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning report row: %w", err)
		}
		var r Report
		if err := json.Unmarshal(data, &r); err != nil {
			s.logger.Warn("skipping corrupt report", "error", err)
			continue
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
