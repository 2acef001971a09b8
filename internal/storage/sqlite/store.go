// Package sqlite is an embedded single-node storage backend built on GORM.
// It mirrors the PostgreSQL schema and batch semantics and suits local runs
// and small deployments.
package sqlite

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion"
	"github.com/DanteTheCreator/real-estate-deployment/internal/storage"
	apperrors "github.com/DanteTheCreator/real-estate-deployment/pkg/errors"
)

const sourcePageSize = 500

// Store implements storage.Store.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// Open opens (or creates) the database at path and migrates the schema.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sqlite handle: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps in-memory
	// databases alive for the lifetime of the store.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&listingRow{}, &priceRow{}, &imageRow{}, &parameterRow{},
		&listingParameterRow{}, &translationRow{},
	); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrating sqlite schema: %w", err)
	}
	return &Store{
		db:     db,
		logger: slog.Default().With("component", "sqlite-store"),
	}, nil
}

func (s *Store) FindByExternalID(ctx context.Context, source, externalID string) (*ingestion.Record, error) {
	recs, err := s.find(ctx, s.db.WithContext(ctx).Where("source = ? AND external_id = ?", source, externalID))
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
	recs, err := s.find(ctx, s.db.WithContext(ctx).Where("source = ? AND external_id IN ?", source, externalIDs))
	if err != nil {
		return nil, fmt.Errorf("bulk existence check for %d ids: %w", len(externalIDs), err)
	}
	for _, rec := range recs {
		out[rec.ExternalID] = rec
	}
	return out, nil
}

func (s *Store) FindByCoordinates(ctx context.Context, lat, lng, tolerance float64) ([]*ingestion.Record, error) {
	recs, err := s.find(ctx, s.db.WithContext(ctx).
		Where("latitude > ? AND latitude < ?", lat-tolerance, lat+tolerance).
		Where("longitude > ? AND longitude < ?", lng-tolerance, lng+tolerance).
		Order("id"))
	if err != nil {
		return nil, fmt.Errorf("finding listings near %.5f,%.5f: %w", lat, lng, err)
	}
	return recs, nil
}

func (s *Store) FindBySource(ctx context.Context, source string) iter.Seq2[*ingestion.Record, error] {
	return func(yield func(*ingestion.Record, error) bool) {
		var after int64
		for {
			recs, err := s.find(ctx, s.db.WithContext(ctx).
				Where("source = ? AND id > ?", source, after).
				Order("id").Limit(sourcePageSize))
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

func (s *Store) ApplyBatch(ctx context.Context, b storage.Batch) (*storage.BatchResult, error) {
	res := &storage.BatchResult{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		params := make(map[int64]int64)
		for _, rec := range b.Deletes {
			n, err := deleteListing(tx, rec.ID)
			if err != nil {
				return err
			}
			res.Deleted += int(n)
		}
		for _, rec := range b.Updates {
			stored, err := update(tx, rec, params)
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
			stored, err := insert(tx, rec, params)
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
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, apperrors.Wrapf(apperrors.ErrIntegrityConflict, err, "applying batch of %d", b.Len())
	}
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrPersistence, err, "applying batch of %d", b.Len())
	}
	return res, nil
}

func insert(tx *gorm.DB, rec *ingestion.Record, params map[int64]int64) (*ingestion.Record, error) {
	now := time.Now().UTC()
	row := toRow(rec)
	row.ID = 0
	row.CreatedAt, row.UpdatedAt = now, now
	result := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "source"}, {Name: "external_id"}},
		DoNothing: true,
	}).Create(&row)
	if result.Error != nil {
		return nil, fmt.Errorf("inserting %s/%s: %w", rec.Source, rec.ExternalID, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	stored := rec.Clone()
	stored.ID, stored.CreatedAt, stored.UpdatedAt = row.ID, now, now
	if err := writeChildren(tx, stored, params); err != nil {
		return nil, err
	}
	if err := upsertTranslations(tx, stored.ID, stored.Translations); err != nil {
		return nil, err
	}
	return stored, nil
}

func update(tx *gorm.DB, rec *ingestion.Record, params map[int64]int64) (*ingestion.Record, error) {
	now := time.Now().UTC()
	row := toRow(rec)
	row.UpdatedAt = now
	result := tx.Model(&listingRow{}).Where("id = ?", rec.ID).
		Select("*").Omit("id", "created_at").Updates(&row)
	if result.Error != nil {
		return nil, fmt.Errorf("updating listing %d: %w", rec.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}
	stored := rec.Clone()
	stored.UpdatedAt = now
	if err := deleteChildren(tx, rec.ID, false); err != nil {
		return nil, err
	}
	if err := writeChildren(tx, stored, params); err != nil {
		return nil, err
	}
	if err := upsertTranslations(tx, rec.ID, rec.Translations); err != nil {
		return nil, err
	}
	return stored, nil
}

func (s *Store) StaleIDs(ctx context.Context, source string, cutoff time.Time) ([]int64, error) {
	var ids []int64
	err := s.db.WithContext(ctx).Model(&listingRow{}).
		Where("source = ? AND (last_scraped_at IS NULL OR last_scraped_at < ?)", source, cutoff).
		Order("id").Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("listing stale ids for %s: %w", source, err)
	}
	return ids, nil
}

func (s *Store) DeleteListing(ctx context.Context, id int64) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, err := deleteListing(tx, id)
		return err
	})
}

func (s *Store) SaveTranslations(ctx context.Context, id int64, translations map[string]ingestion.Localized) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&listingRow{}).Where("id = ?", id).Update("updated_at", time.Now().UTC())
		if result.Error != nil {
			return fmt.Errorf("touching listing %d: %w", id, result.Error)
		}
		if result.RowsAffected == 0 {
			return apperrors.Newf(apperrors.ErrNotFound, "listing %d", id)
		}
		return upsertTranslations(tx, id, translations)
	})
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) find(ctx context.Context, q *gorm.DB) ([]*ingestion.Record, error) {
	var rows []listingRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	recs := make([]*ingestion.Record, 0, len(rows))
	for _, row := range rows {
		recs = append(recs, fromRow(row))
	}
	if err := loadChildren(s.db.WithContext(ctx), recs); err != nil {
		return nil, err
	}
	return recs, nil
}
