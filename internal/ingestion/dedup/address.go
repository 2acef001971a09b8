package dedup

import (
	"math"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion"
)

var punctuation = strings.NewReplacer(
	".", " ", ",", " ", ";", " ", ":", " ",
	"!", " ", "?", " ", "-", " ", "'", "", "\"", "",
)

// NormalizeAddress lowercases, strips punctuation, rewrites words through the
// synonym table and collapses whitespace.
func NormalizeAddress(addr string, synonyms map[string]string) string {
	addr = punctuation.Replace(strings.ToLower(addr))
	words := strings.Fields(addr)
	for i, w := range words {
		if s, ok := synonyms[w]; ok {
			words[i] = s
		}
	}
	return strings.Join(words, " ")
}

// Similarity is the Ratcliff/Obershelp ratio of two normalized addresses,
// compared rune by rune. It is 2*M/T where M is the number of matched runes
// and T the total length of both strings.
func Similarity(a, b string) float64 {
	if a == "" && b == "" {
		return 1
	}
	return difflib.NewMatcher(splitRunes(a), splitRunes(b)).Ratio()
}

func splitRunes(s string) []string {
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

// ratioBound is the best ratio two strings of these lengths could reach.
func ratioBound(la, lb int) float64 {
	if la+lb == 0 {
		return 1
	}
	return 2 * float64(min(la, lb)) / float64(la+lb)
}

type addressEntry struct {
	rec   *ingestion.Record
	norm  string
	runes int
}

// AddressIndex holds the normalized addresses of one source, bucketed by
// length so a lookup only scores entries whose length can reach the
// threshold. The engine keeps one per run for committed records and each
// batch keeps one for its pending records.
type AddressIndex struct {
	mu       sync.RWMutex
	synonyms map[string]string
	entries  map[Key]addressEntry
	byLen    map[int]map[Key]struct{}
}

// NewAddressIndex creates an empty index.
func NewAddressIndex(synonyms map[string]string) *AddressIndex {
	return &AddressIndex{
		synonyms: synonyms,
		entries:  make(map[Key]addressEntry),
		byLen:    make(map[int]map[Key]struct{}),
	}
}

// Add indexes rec, replacing any earlier entry for the same key. Records with
// no usable address are ignored.
func (x *AddressIndex) Add(rec *ingestion.Record) {
	norm := NormalizeAddress(rec.Address, x.synonyms)
	k := KeyOf(rec)
	x.mu.Lock()
	defer x.mu.Unlock()
	x.removeLocked(k)
	if norm == "" {
		return
	}
	e := addressEntry{rec: rec, norm: norm, runes: utf8.RuneCountInString(norm)}
	bucket, ok := x.byLen[e.runes]
	if !ok {
		bucket = make(map[Key]struct{})
		x.byLen[e.runes] = bucket
	}
	bucket[k] = struct{}{}
	x.entries[k] = e
}

// Remove drops the entry for k, if any.
func (x *AddressIndex) Remove(k Key) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.removeLocked(k)
}

func (x *AddressIndex) removeLocked(k Key) {
	e, ok := x.entries[k]
	if !ok {
		return
	}
	delete(x.entries, k)
	bucket := x.byLen[e.runes]
	delete(bucket, k)
	if len(bucket) == 0 {
		delete(x.byLen, e.runes)
	}
}

// Len returns the number of indexed records.
func (x *AddressIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// lengthRange returns the entry lengths that can score at least threshold
// against an address of n runes. all is set when no length can be ruled out.
func lengthRange(n int, threshold float64) (lo, hi int, all bool) {
	if threshold <= 0 {
		return 0, 0, true
	}
	if threshold > 2 {
		threshold = 2
	}
	lo = int(math.Ceil(float64(n)*threshold/(2-threshold) - 1e-9))
	if threshold == 2 {
		return lo, lo, false
	}
	hi = int(math.Floor(float64(n)*(2-threshold)/threshold + 1e-9))
	return lo, hi, false
}

// Similar returns indexed records whose address scores at least threshold
// against addr, whatever city they were listed under. skip filters out
// entries the caller already accounts for.
func (x *AddressIndex) Similar(addr string, threshold float64, skip func(Key) bool) []*ingestion.Record {
	norm := NormalizeAddress(addr, x.synonyms)
	if norm == "" {
		return nil
	}
	n := utf8.RuneCountInString(norm)

	x.mu.RLock()
	defer x.mu.RUnlock()
	var out []*ingestion.Record
	consider := func(k Key) {
		if skip != nil && skip(k) {
			return
		}
		e := x.entries[k]
		if ratioBound(n, e.runes) < threshold {
			return
		}
		if e.norm == norm || Similarity(norm, e.norm) >= threshold {
			out = append(out, e.rec)
		}
	}

	lo, hi, all := lengthRange(n, threshold)
	if all || hi-lo+1 > len(x.byLen) {
		for k := range x.entries {
			consider(k)
		}
		return out
	}
	for l := lo; l <= hi; l++ {
		for k := range x.byLen[l] {
			consider(k)
		}
	}
	return out
}
