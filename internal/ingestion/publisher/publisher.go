// Package publisher emits listing.persisted events to Kafka after a batch
// commits so the translation enricher can process new and updated listings
// out of band.
package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion"
	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion/persister"
	"github.com/DanteTheCreator/real-estate-deployment/pkg/kafka"
)

// Producer is the part of kafka.Producer the publisher uses.
type Producer interface {
	PublishBatch(ctx context.Context, events []kafka.Event) error
}

// Publisher turns committed units into listing events.
type Publisher struct {
	producer Producer
	now      func() time.Time
	logger   *slog.Logger
}

// New creates a Publisher writing through producer.
func New(producer Producer) *Publisher {
	return &Publisher{
		producer: producer,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   slog.Default().With("component", "publisher"),
	}
}

// Publish sends one event per committed unit, keyed by listing id so every
// event of a listing lands on the same partition. Events are not
// transactional with the batch: a failed publish is returned to the caller,
// which logs it; the rows stay committed.
func (p *Publisher) Publish(ctx context.Context, runID string, units []*persister.Unit) error {
	events := make([]kafka.Event, 0, len(units))
	at := p.now()
	for _, u := range units {
		if u.Stored == nil {
			continue
		}
		events = append(events, kafka.Event{
			Key:  strconv.FormatInt(u.Stored.ID, 10),
			Type: ingestion.EventListingPersisted,
			Value: ingestion.ListingEvent{
				ListingID:   u.Stored.ID,
				ExternalID:  u.Stored.ExternalID,
				Source:      u.Stored.Source,
				Action:      string(u.Outcome),
				Title:       u.Stored.Title,
				Description: u.Stored.Description,
				RunID:       runID,
				PersistedAt: at,
			},
		})
	}
	if len(events) == 0 {
		return nil
	}
	if err := p.producer.PublishBatch(ctx, events); err != nil {
		return fmt.Errorf("publishing %d listing events: %w", len(events), err)
	}
	p.logger.Debug("listing events published", "count", len(events), "run_id", runID)
	return nil
}
