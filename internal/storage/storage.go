// Package storage defines the persistence interface shared by the ingestion
// pipeline and the backends that implement it.
package storage

import (
	"context"
	"iter"
	"time"

	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion"
)

// Batch is one unit of writes. A backend applies all of it in a single
// transaction or none of it.
type Batch struct {
	Inserts []*ingestion.Record
	Updates []*ingestion.Record
	Deletes []*ingestion.Record
}

// Len returns the number of operations in the batch.
func (b Batch) Len() int {
	return len(b.Inserts) + len(b.Updates) + len(b.Deletes)
}

// BatchResult reports what a committed batch did. Inserted and Updated carry
// the stored versions with ids and timestamps assigned.
type BatchResult struct {
	Inserted []*ingestion.Record
	Updated  []*ingestion.Record
	Deleted  int
	// Conflicts are inserts that lost a uniqueness race and updates whose
	// target disappeared. They are not errors.
	Conflicts []*ingestion.Record
}

// Store is the persistence surface. FindBy* methods return copies, and a
// missing record is reported as nil without an error.
type Store interface {
	FindByExternalID(ctx context.Context, source, externalID string) (*ingestion.Record, error)
	// FindByExternalIDs is the bulk existence check. Ids that are absent are
	// missing from the returned map.
	FindByExternalIDs(ctx context.Context, source string, externalIDs []string) (map[string]*ingestion.Record, error)
	// FindByCoordinates returns records whose coordinates differ from the
	// point by less than tolerance in both axes.
	FindByCoordinates(ctx context.Context, lat, lng, tolerance float64) ([]*ingestion.Record, error)
	FindBySource(ctx context.Context, source string) iter.Seq2[*ingestion.Record, error]

	// ApplyBatch writes a batch atomically. Related collections of updated
	// records are replaced, never merged. Stored translations are only
	// replaced for the languages an update carries.
	ApplyBatch(ctx context.Context, b Batch) (*BatchResult, error)

	// StaleIDs lists records of source whose last scrape is before cutoff or
	// unknown.
	StaleIDs(ctx context.Context, source string, cutoff time.Time) ([]int64, error)
	// DeleteListing removes one record and its dependent rows in its own
	// transaction. A missing record is not an error.
	DeleteListing(ctx context.Context, id int64) error

	// SaveTranslations upserts per-language text for a stored record.
	SaveTranslations(ctx context.Context, id int64, translations map[string]ingestion.Localized) error

	Ping(ctx context.Context) error
	Close() error
}
