// Package postgres is the production storage backend on PostgreSQL via
// lib/pq. Each batch runs in one transaction; dependent rows are written and
// removed explicitly alongside their listing.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion"
	"github.com/DanteTheCreator/real-estate-deployment/internal/storage"
	apperrors "github.com/DanteTheCreator/real-estate-deployment/pkg/errors"
	pg "github.com/DanteTheCreator/real-estate-deployment/pkg/postgres"
)

const sourcePageSize = 500

const listingColumns = `id, external_id, source, language, title, description,
	address, city, district, urban_area, latitude, longitude,
	property_type, listing_type, bedrooms, bathrooms, square_feet, lot_size,
	amount_primary, amount_secondary, user_type,
	source_created_at, source_updated_at, last_scraped_at, created_at, updated_at`

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store implements storage.Store.
type Store struct {
	db     *pg.Client
	logger *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// New wraps an open client.
func New(db *pg.Client) *Store {
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "listing-store"),
	}
}

// Migrate creates the schema if needed.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrating listing schema: %w", err)
	}
	return nil
}

func (s *Store) FindByExternalID(ctx context.Context, source, externalID string) (*ingestion.Record, error) {
	recs, err := s.query(ctx, s.db.DB,
		`SELECT `+listingColumns+` FROM listings WHERE source = $1 AND external_id = $2`,
		source, externalID,
	)
	if err != nil {
		return nil, fmt.Errorf("finding listing %s/%s: %w", source, externalID, err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return recs[0], nil
}

func (s *Store) FindByExternalIDs(ctx context.Context, source string, externalIDs []string) (map[string]*ingestion.Record, error) {
	out := make(map[string]*ingestion.Record, len(externalIDs))
	if len(externalIDs) == 0 {
		return out, nil
	}
	recs, err := s.query(ctx, s.db.DB,
		`SELECT `+listingColumns+` FROM listings WHERE source = $1 AND external_id = ANY($2)`,
		source, pq.Array(externalIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("bulk existence check for %d ids: %w", len(externalIDs), err)
	}
	for _, rec := range recs {
		out[rec.ExternalID] = rec
	}
	return out, nil
}

func (s *Store) FindByCoordinates(ctx context.Context, lat, lng, tolerance float64) ([]*ingestion.Record, error) {
	recs, err := s.query(ctx, s.db.DB,
		`SELECT `+listingColumns+` FROM listings
		 WHERE latitude > $1 - $3 AND latitude < $1 + $3
		   AND longitude > $2 - $3 AND longitude < $2 + $3
		 ORDER BY id`,
		lat, lng, tolerance,
	)
	if err != nil {
		return nil, fmt.Errorf("finding listings near %.5f,%.5f: %w", lat, lng, err)
	}
	return recs, nil
}

// FindBySource pages through the source's listings in id order.
func (s *Store) FindBySource(ctx context.Context, source string) iter.Seq2[*ingestion.Record, error] {
	return func(yield func(*ingestion.Record, error) bool) {
		var after int64
		for {
			recs, err := s.query(ctx, s.db.DB,
				`SELECT `+listingColumns+` FROM listings
				 WHERE source = $1 AND id > $2 ORDER BY id LIMIT $3`,
				source, after, sourcePageSize,
			)
			if err != nil {
				yield(nil, fmt.Errorf("scanning listings of %s: %w", source, err))
				return
			}
			for _, rec := range recs {
				if !yield(rec, nil) {
					return
				}
			}
			if len(recs) < sourcePageSize {
				return
			}
			after = recs[len(recs)-1].ID
		}
	}
}

// ApplyBatch runs deletes, then updates, then inserts in one transaction.
// Inserts that hit the (source, external_id) constraint are reported as
// conflicts rather than failing the batch. Any other unique violation rolls
// the batch back and is returned as ErrIntegrityConflict.
func (s *Store) ApplyBatch(ctx context.Context, b storage.Batch) (*storage.BatchResult, error) {
	res := &storage.BatchResult{}
	err := s.db.InTx(ctx, func(tx *sql.Tx) error {
		params := make(map[int64]int64)
		for _, rec := range b.Deletes {
			n, err := deleteListing(ctx, tx, rec.ID)
			if err != nil {
				return err
			}
			res.Deleted += int(n)
		}
		for _, rec := range b.Updates {
			stored, err := s.update(ctx, tx, rec, params)
			if err != nil {
				return err
			}
			if stored == nil {
				res.Conflicts = append(res.Conflicts, rec)
				continue
			}
			res.Updated = append(res.Updated, stored)
		}
		for _, rec := range b.Inserts {
			stored, err := s.insert(ctx, tx, rec, params)
			if err != nil {
				return err
			}
			if stored == nil {
				res.Conflicts = append(res.Conflicts, rec)
				continue
			}
			res.Inserted = append(res.Inserted, stored)
		}
		return nil
	})
	if pg.IsUniqueViolation(err) {
		return nil, apperrors.Wrapf(apperrors.ErrIntegrityConflict, err, "applying batch of %d", b.Len())
	}
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrPersistence, err, "applying batch of %d", b.Len())
	}
	return res, nil
}

func (s *Store) insert(ctx context.Context, tx *sql.Tx, rec *ingestion.Record, params map[int64]int64) (*ingestion.Record, error) {
	stored := rec.Clone()
	err := tx.QueryRowContext(ctx,
		`INSERT INTO listings (external_id, source, language, title, description,
			address, city, district, urban_area, latitude, longitude,
			property_type, listing_type, bedrooms, bathrooms, square_feet, lot_size,
			amount_primary, amount_secondary, user_type,
			source_created_at, source_updated_at, last_scraped_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)
		 ON CONFLICT (source, external_id) DO NOTHING
		 RETURNING id, created_at, updated_at`,
		listingArgs(rec)...,
	).Scan(&stored.ID, &stored.CreatedAt, &stored.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		s.logger.Debug("insert lost uniqueness race", "source", rec.Source, "external_id", rec.ExternalID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("inserting %s/%s: %w", rec.Source, rec.ExternalID, err)
	}
	if err := writeChildren(ctx, tx, stored, params); err != nil {
		return nil, err
	}
	if err := upsertTranslations(ctx, tx, stored.ID, stored.Translations); err != nil {
		return nil, err
	}
	return stored, nil
}

// update replaces every column and every related collection. It returns nil
// when the target row no longer exists.
func (s *Store) update(ctx context.Context, tx *sql.Tx, rec *ingestion.Record, params map[int64]int64) (*ingestion.Record, error) {
	stored := rec.Clone()
	args := append([]any{rec.ID}, listingArgs(rec)...)
	err := tx.QueryRowContext(ctx,
		`UPDATE listings SET external_id = $2, source = $3, language = $4, title = $5, description = $6,
			address = $7, city = $8, district = $9, urban_area = $10, latitude = $11, longitude = $12,
			property_type = $13, listing_type = $14, bedrooms = $15, bathrooms = $16,
			square_feet = $17, lot_size = $18, amount_primary = $19, amount_secondary = $20,
			user_type = $21, source_created_at = $22, source_updated_at = $23, last_scraped_at = $24,
			updated_at = NOW()
		 WHERE id = $1
		 RETURNING created_at, updated_at`,
		args...,
	).Scan(&stored.CreatedAt, &stored.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("updating listing %d: %w", rec.ID, err)
	}
	if err := deleteChildren(ctx, tx, rec.ID, false); err != nil {
		return nil, err
	}
	if err := writeChildren(ctx, tx, stored, params); err != nil {
		return nil, err
	}
	if err := upsertTranslations(ctx, tx, rec.ID, rec.Translations); err != nil {
		return nil, err
	}
	return stored, nil
}

func listingArgs(rec *ingestion.Record) []any {
	return []any{
		rec.ExternalID, rec.Source, rec.Language, rec.Title, rec.Description,
		rec.Address, rec.City, rec.District, rec.UrbanArea, nullFloat(rec.Latitude), nullFloat(rec.Longitude),
		rec.PropertyType, rec.ListingType, rec.Bedrooms, rec.Bathrooms, nullFloat(rec.Area), nullFloat(rec.LotSize),
		rec.AmountPrimary, rec.AmountSecondary, string(rec.UserType),
		nullTimePtr(rec.SourceCreatedAt), nullTimePtr(rec.SourceUpdatedAt), nullTime(rec.LastScrapedAt),
	}
}

func (s *Store) StaleIDs(ctx context.Context, source string, cutoff time.Time) ([]int64, error) {
	rows, err := s.db.DB.QueryContext(ctx,
		`SELECT id FROM listings
		 WHERE source = $1 AND (last_scraped_at IS NULL OR last_scraped_at < $2)
		 ORDER BY id`,
		source, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("listing stale ids for %s: %w", source, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning stale id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) DeleteListing(ctx context.Context, id int64) error {
	return s.db.InTx(ctx, func(tx *sql.Tx) error {
		_, err := deleteListing(ctx, tx, id)
		return err
	})
}

func (s *Store) SaveTranslations(ctx context.Context, id int64, translations map[string]ingestion.Localized) error {
	return s.db.InTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE listings SET updated_at = NOW() WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("touching listing %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperrors.Newf(apperrors.ErrNotFound, "listing %d", id)
		}
		return upsertTranslations(ctx, tx, id, translations)
	})
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// query scans listings and loads their related collections.
func (s *Store) query(ctx context.Context, q querier, query string, args ...any) ([]*ingestion.Record, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var recs []*ingestion.Record
	for rows.Next() {
		rec, err := scanListing(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if len(recs) == 0 {
		return nil, nil
	}
	if err := loadChildren(ctx, q, recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func scanListing(rows *sql.Rows) (*ingestion.Record, error) {
	var (
		rec                          ingestion.Record
		lat, lng, area, lot          sql.NullFloat64
		userType                     string
		srcCreated, srcUpdated, seen sql.NullTime
	)
	err := rows.Scan(
		&rec.ID, &rec.ExternalID, &rec.Source, &rec.Language, &rec.Title, &rec.Description,
		&rec.Address, &rec.City, &rec.District, &rec.UrbanArea, &lat, &lng,
		&rec.PropertyType, &rec.ListingType, &rec.Bedrooms, &rec.Bathrooms, &area, &lot,
		&rec.AmountPrimary, &rec.AmountSecondary, &userType,
		&srcCreated, &srcUpdated, &seen, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning listing: %w", err)
	}
	rec.UserType = ingestion.UserType(userType)
	rec.Latitude, rec.Longitude = floatPtr(lat), floatPtr(lng)
	rec.Area, rec.LotSize = floatPtr(area), floatPtr(lot)
	rec.SourceCreatedAt, rec.SourceUpdatedAt = timePtr(srcCreated), timePtr(srcUpdated)
	if seen.Valid {
		rec.LastScrapedAt = seen.Time.UTC()
	}
	rec.CreatedAt, rec.UpdatedAt = rec.CreatedAt.UTC(), rec.UpdatedAt.UTC()
	return &rec, nil
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}
