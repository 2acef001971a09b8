// Package dedup finds stored listings that describe the same physical unit as
// an incoming record and decides what to do about them.
//
// Matching is tiered: an exact (source, external id) match is authoritative;
// otherwise records within the coordinate tolerance match; otherwise records
// in the same city whose normalized address scores above the similarity
// threshold match. Resolution prefers owners over agencies and otherwise keeps
// the first-seen record.
package dedup

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sort"

	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion"
)

// Key identifies a listing.
type Key struct {
	Source     string
	ExternalID string
}

// KeyOf returns the identity of rec.
func KeyOf(rec *ingestion.Record) Key {
	return Key{Source: rec.Source, ExternalID: rec.ExternalID}
}

func (k Key) String() string {
	return k.Source + "/" + k.ExternalID
}

// Tier names the matching strategy that produced a match.
type Tier string

const (
	TierNone    Tier = ""
	TierExact   Tier = "exact"
	TierGeo     Tier = "geo"
	TierAddress Tier = "address"
)

// Action is the outcome of resolving a candidate.
type Action string

const (
	// ActionInsert keeps the candidate as a new record alongside everything
	// already stored.
	ActionInsert Action = "insert"
	// ActionUpdate replaces every field of the exactly matching record.
	ActionUpdate Action = "update"
	// ActionReplace deletes the lower-priority matches and inserts the
	// candidate.
	ActionReplace Action = "replace"
	// ActionSkip discards the candidate.
	ActionSkip Action = "skip"
)

// Skip reasons.
const (
	ReasonDuplicate     = "duplicate"
	ReasonLowerPriority = "lower_priority"
)

// Match is the result of FindDuplicates.
type Match struct {
	Tier     Tier
	Existing []*ingestion.Record
	// InBatch is set when the exact match is a record pending in the same
	// batch rather than a stored one.
	InBatch bool
}

// Decision is the result of Resolve.
type Decision struct {
	Action     Action
	Tier       Tier
	Target     *ingestion.Record
	Superseded []*ingestion.Record
	Reason     string
}

// Config controls matching and resolution.
type Config struct {
	// Fuzzy enables the geo and address tiers. With it off only exact
	// matches are detected.
	Fuzzy               bool
	CoordinateTolerance float64
	AddressThreshold    float64
	AddressSynonyms     map[string]string
	OwnerPriority       bool
}

// Lookup is the store query surface duplicates are searched in.
type Lookup interface {
	FindByExternalID(ctx context.Context, source, externalID string) (*ingestion.Record, error)
	FindByCoordinates(ctx context.Context, lat, lng, tolerance float64) ([]*ingestion.Record, error)
}

// Engine is scoped to one ingestion run. It owns the run's address index,
// which is seeded once from the store and kept current as batches commit.
type Engine struct {
	cfg       Config
	store     Lookup
	addresses *AddressIndex
	logger    *slog.Logger
}

// NewEngine creates an engine with an empty address index.
func NewEngine(cfg Config, store Lookup) *Engine {
	return &Engine{
		cfg:       cfg,
		store:     store,
		addresses: NewAddressIndex(cfg.AddressSynonyms),
		logger:    slog.Default().With("component", "dedup"),
	}
}

// Seed loads stored records into the address index.
func (e *Engine) Seed(ctx context.Context, records iter.Seq2[*ingestion.Record, error]) (int, error) {
	if !e.cfg.Fuzzy {
		return 0, nil
	}
	n := 0
	for rec, err := range records {
		if err != nil {
			return n, fmt.Errorf("seeding address index: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return n, err
		}
		e.addresses.Add(rec)
		n++
	}
	e.logger.Debug("address index seeded", "records", n, "indexed", e.addresses.Len())
	return n, nil
}

// Committed folds a committed batch into the run's address index.
func (e *Engine) Committed(written, deleted []*ingestion.Record) {
	for _, rec := range deleted {
		e.addresses.Remove(KeyOf(rec))
	}
	for _, rec := range written {
		e.addresses.Add(rec)
	}
}

// FindDuplicates returns the matches for cand from the first tier that finds
// any. b overlays the pending decisions of the current batch and may be nil.
func (e *Engine) FindDuplicates(ctx context.Context, b *Batch, cand *ingestion.Record) (Match, error) {
	if b == nil {
		b = e.NewBatch(nil)
	}
	own := KeyOf(cand)

	if rec, ok := b.pending[own]; ok {
		return Match{Tier: TierExact, Existing: []*ingestion.Record{rec}, InBatch: true}, nil
	}
	if !b.deleted[own] {
		rec, ok := b.known[own]
		if !ok {
			var err error
			rec, err = e.store.FindByExternalID(ctx, cand.Source, cand.ExternalID)
			if err != nil {
				return Match{}, fmt.Errorf("exact lookup %s: %w", own, err)
			}
		}
		if rec != nil {
			return Match{Tier: TierExact, Existing: []*ingestion.Record{rec}}, nil
		}
	}
	if !e.cfg.Fuzzy {
		return Match{}, nil
	}

	overlaid := func(k Key) bool {
		return k == own || b.deleted[k] || b.pending[k] != nil
	}

	if cand.HasCoordinates() {
		lat, lng := *cand.Latitude, *cand.Longitude
		stored, err := e.store.FindByCoordinates(ctx, lat, lng, e.cfg.CoordinateTolerance)
		if err != nil {
			return Match{}, fmt.Errorf("geo lookup %s: %w", own, err)
		}
		var found []*ingestion.Record
		for _, rec := range stored {
			if !overlaid(KeyOf(rec)) && rec.HasCoordinates() &&
				WithinTolerance(lat, lng, *rec.Latitude, *rec.Longitude, e.cfg.CoordinateTolerance) {
				found = append(found, rec)
			}
		}
		for _, rec := range b.geo.Near(lat, lng, e.cfg.CoordinateTolerance) {
			if KeyOf(rec) != own {
				found = append(found, rec)
			}
		}
		if len(found) > 0 {
			return Match{Tier: TierGeo, Existing: sortByKey(found)}, nil
		}
	}

	if cand.Address != "" {
		found := e.addresses.Similar(cand.Address, e.cfg.AddressThreshold, overlaid)
		found = append(found, b.addrs.Similar(cand.Address, e.cfg.AddressThreshold, func(k Key) bool {
			return k == own
		})...)
		if len(found) > 0 {
			return Match{Tier: TierAddress, Existing: sortByKey(found)}, nil
		}
	}
	return Match{}, nil
}

// Resolve applies the conflict policy. It is a pure function of the candidate
// and its matches.
func (e *Engine) Resolve(cand *ingestion.Record, m Match) Decision {
	switch m.Tier {
	case TierNone:
		return Decision{Action: ActionInsert}
	case TierExact:
		if m.InBatch {
			return Decision{Action: ActionSkip, Tier: TierExact, Target: m.Existing[0], Reason: ReasonDuplicate}
		}
		return Decision{Action: ActionUpdate, Tier: TierExact, Target: m.Existing[0]}
	}

	candPriority := cand.UserType.Priority()
	for _, rec := range m.Existing {
		if rec.UserType.Priority() > candPriority {
			return Decision{Action: ActionSkip, Tier: m.Tier, Target: rec, Reason: ReasonLowerPriority}
		}
	}
	for _, rec := range m.Existing {
		if rec.UserType.Priority() == candPriority {
			return Decision{Action: ActionSkip, Tier: m.Tier, Target: rec, Reason: ReasonDuplicate}
		}
	}
	if !e.cfg.OwnerPriority {
		return Decision{Action: ActionSkip, Tier: m.Tier, Target: m.Existing[0], Reason: ReasonDuplicate}
	}
	return Decision{Action: ActionReplace, Tier: m.Tier, Superseded: m.Existing}
}

func sortByKey(recs []*ingestion.Record) []*ingestion.Record {
	seen := make(map[Key]bool, len(recs))
	out := recs[:0]
	for _, rec := range recs {
		k := KeyOf(rec)
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		ki, kj := KeyOf(out[i]), KeyOf(out[j])
		if ki.Source != kj.Source {
			return ki.Source < kj.Source
		}
		return ki.ExternalID < kj.ExternalID
	})
	return out
}
