package publisher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion"
	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion/persister"
	"github.com/DanteTheCreator/real-estate-deployment/pkg/kafka"
)

type fakeProducer struct {
	batches [][]kafka.Event
	err     error
}

func (p *fakeProducer) PublishBatch(ctx context.Context, events []kafka.Event) error {
	if p.err != nil {
		return p.err
	}
	p.batches = append(p.batches, events)
	return nil
}

func stored(id int64, externalID string) *ingestion.Record {
	return &ingestion.Record{ID: id, ExternalID: externalID, Source: "myhome.ge", Title: "Flat " + externalID}
}

func TestPublishOneEventPerCommittedUnit(t *testing.T) {
	p := &fakeProducer{}
	pub := New(p)
	at := time.Date(2026, 10, 16, 0, 0, 0, 0, time.UTC)
	pub.now = func() time.Time { return at }

	units := []*persister.Unit{
		{Outcome: persister.OutcomeNew, Stored: stored(1, "a")},
		{Outcome: persister.OutcomeDuplicate},
		{Outcome: persister.OutcomeReplaced, Stored: stored(7, "b")},
	}
	if err := pub.Publish(context.Background(), "run-1", units); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.batches) != 1 || len(p.batches[0]) != 2 {
		t.Fatalf("expected one batch of 2 events, got %v", p.batches)
	}
	ev := p.batches[0][1]
	if ev.Key != "7" || ev.Type != ingestion.EventListingPersisted {
		t.Errorf("unexpected event key/type %s/%s", ev.Key, ev.Type)
	}
	le, ok := ev.Value.(ingestion.ListingEvent)
	if !ok {
		t.Fatalf("expected ListingEvent value, got %T", ev.Value)
	}
	if le.Action != "replaced" || le.RunID != "run-1" || le.ExternalID != "b" || !le.PersistedAt.Equal(at) {
		t.Errorf("unexpected event %+v", le)
	}
}

func TestPublishNothingToSend(t *testing.T) {
	p := &fakeProducer{}
	if err := New(p).Publish(context.Background(), "run-1", []*persister.Unit{{Outcome: persister.OutcomeDuplicate}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(p.batches) != 0 {
		t.Errorf("expected no batch, got %d", len(p.batches))
	}
}

func TestPublishReturnsProducerError(t *testing.T) {
	p := &fakeProducer{err: errors.New("broker down")}
	err := New(p).Publish(context.Background(), "run-1", []*persister.Unit{{Outcome: persister.OutcomeNew, Stored: stored(1, "a")}})
	if err == nil {
		t.Fatal("expected an error")
	}
}
