package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion"
	apperrors "github.com/DanteTheCreator/real-estate-deployment/pkg/errors"
	"github.com/DanteTheCreator/real-estate-deployment/pkg/kafka"
)

// Finder loads the stored version of a listing.
type Finder interface {
	FindByExternalID(ctx context.Context, source, externalID string) (*ingestion.Record, error)
}

// Saver persists translations of a stored listing.
type Saver interface {
	SaveTranslations(ctx context.Context, id int64, translations map[string]ingestion.Localized) error
}

// Store is what the post-persistence pass needs from storage.
type Store interface {
	Finder
	Saver
}

// HandleMessage returns a Kafka MessageHandler for listing.persisted events.
// The listing is re-read from the store so enrichment starts from its
// current translations; listings deleted since the event are skipped.
// Malformed events are dropped. Only a failure to save is returned, which
// leaves the message uncommitted for another attempt.
func HandleMessage(e *Enricher, store Store) kafka.MessageHandler {
	logger := slog.Default().With("component", "enrich-consumer")
	return func(ctx context.Context, msg kafka.Message) error {
		if msg.Type != "" && msg.Type != ingestion.EventListingPersisted {
			return nil
		}
		event, err := kafka.DecodeJSON[ingestion.ListingEvent](msg.Value)
		if err != nil {
			logger.Error("failed to decode listing event",
				"error", err,
				"key", string(msg.Key),
			)
			return nil
		}

		rec, err := store.FindByExternalID(ctx, event.Source, event.ExternalID)
		if err != nil {
			return fmt.Errorf("loading %s/%s: %w", event.Source, event.ExternalID, err)
		}
		if rec == nil {
			logger.Debug("listing gone before enrichment", "external_id", event.ExternalID)
			return nil
		}

		out := e.Enrich(ctx, rec)
		if len(out.Changed) == 0 {
			return nil
		}
		if err := store.SaveTranslations(ctx, rec.ID, out.Changed); err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				return nil
			}
			return fmt.Errorf("saving translations of listing %d: %w", rec.ID, err)
		}
		logger.Info("listing enriched",
			"listing_id", rec.ID,
			"external_id", rec.ExternalID,
			"source", out.Source,
			"languages", len(out.Changed),
		)
		return nil
	}
}
