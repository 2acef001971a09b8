package dedup

import (
	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion"
)

// Batch overlays the decisions already taken for one batch on the stored
// state, so later candidates in the batch see earlier inserts, updates and
// deletes before anything is committed.
type Batch struct {
	known   map[Key]*ingestion.Record
	pending map[Key]*ingestion.Record
	deleted map[Key]bool
	geo     *GeoIndex
	addrs   *AddressIndex

	inserts []Key
	updates []Key
	deletes []*ingestion.Record
}

// NewBatch starts an empty overlay. known holds the result of a bulk
// existence check: a key mapped to nil is known to be absent from the store
// and is not looked up again.
func (e *Engine) NewBatch(known map[Key]*ingestion.Record) *Batch {
	if known == nil {
		known = make(map[Key]*ingestion.Record)
	}
	return &Batch{
		known:   known,
		pending: make(map[Key]*ingestion.Record),
		deleted: make(map[Key]bool),
		geo:     NewGeoIndex(e.cfg.CoordinateTolerance),
		addrs:   NewAddressIndex(e.cfg.AddressSynonyms),
	}
}

// Apply records d for cand. For an update, cand takes over the target's
// storage id, creation time and stored translations, so enrichment of the
// update only fills what the store is missing.
func (b *Batch) Apply(cand *ingestion.Record, d Decision) {
	switch d.Action {
	case ActionInsert:
		b.stage(cand)
		b.inserts = append(b.inserts, KeyOf(cand))
	case ActionUpdate:
		cand.ID = d.Target.ID
		cand.CreatedAt = d.Target.CreatedAt
		cand.Translations = carryTranslations(d.Target.Translations, cand.Translations)
		b.stage(cand)
		b.updates = append(b.updates, KeyOf(cand))
	case ActionReplace:
		for _, old := range d.Superseded {
			b.drop(old)
		}
		b.stage(cand)
		b.inserts = append(b.inserts, KeyOf(cand))
	}
}

func (b *Batch) stage(rec *ingestion.Record) {
	k := KeyOf(rec)
	b.pending[k] = rec
	b.geo.Add(rec)
	b.addrs.Add(rec)
}

// drop removes a superseded record. A record still pending in this batch is
// withdrawn instead of deleted.
func (b *Batch) drop(rec *ingestion.Record) {
	k := KeyOf(rec)
	if _, ok := b.pending[k]; ok {
		delete(b.pending, k)
		b.geo.Remove(k)
		b.addrs.Remove(k)
		b.inserts = removeKey(b.inserts, k)
		b.updates = removeKey(b.updates, k)
		if rec.ID == 0 {
			return
		}
	}
	if b.deleted[k] {
		return
	}
	b.deleted[k] = true
	b.deletes = append(b.deletes, rec)
}

// Inserts returns the records to insert, in decision order.
func (b *Batch) Inserts() []*ingestion.Record {
	return b.collect(b.inserts)
}

// Updates returns the records replacing stored ones, in decision order.
func (b *Batch) Updates() []*ingestion.Record {
	return b.collect(b.updates)
}

// Deletes returns the stored records to delete.
func (b *Batch) Deletes() []*ingestion.Record {
	return b.deletes
}

// Staged reports whether the record with key k is still going to be written.
func (b *Batch) Staged(k Key) bool {
	_, ok := b.pending[k]
	return ok
}

func (b *Batch) collect(keys []Key) []*ingestion.Record {
	out := make([]*ingestion.Record, 0, len(keys))
	for _, k := range keys {
		out = append(out, b.pending[k])
	}
	return out
}

func removeKey(keys []Key, k Key) []Key {
	for i, v := range keys {
		if v == k {
			return append(keys[:i], keys[i+1:]...)
		}
	}
	return keys
}

// carryTranslations overlays the non-empty fields of incoming on a copy of
// stored.
func carryTranslations(stored, incoming map[string]ingestion.Localized) map[string]ingestion.Localized {
	if len(stored) == 0 {
		return incoming
	}
	out := make(map[string]ingestion.Localized, len(stored)+len(incoming))
	for lang, loc := range stored {
		out[lang] = loc
	}
	for lang, loc := range incoming {
		cur := out[lang]
		if loc.Title != "" {
			cur.Title = loc.Title
		}
		if loc.Description != "" {
			cur.Description = loc.Description
		}
		out[lang] = cur
	}
	return out
}
