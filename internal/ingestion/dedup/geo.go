package dedup

import (
	"math"
	"sync"

	"github.com/mmcloughlin/geohash"

	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion"
)

// WithinTolerance reports whether two points differ by less than tol in both
// axes.
func WithinTolerance(lat1, lng1, lat2, lng2, tol float64) bool {
	return math.Abs(lat1-lat2) < tol && math.Abs(lng1-lng2) < tol
}

// PrecisionFor returns the longest geohash whose cells are at least tol wide
// in both axes, so a point's own cell plus its eight neighbours cover every
// point within tol.
func PrecisionFor(tol float64) uint {
	for chars := uint(12); chars > 1; chars-- {
		bits := 5 * chars
		latBits := bits / 2
		lngBits := bits - latBits
		cellLat := 180 / math.Exp2(float64(latBits))
		cellLng := 360 / math.Exp2(float64(lngBits))
		if cellLat >= tol && cellLng >= tol {
			return chars
		}
	}
	return 1
}

// GeoIndex buckets records by geohash cell for tolerance searches.
type GeoIndex struct {
	mu        sync.RWMutex
	tolerance float64
	precision uint
	cells     map[string]map[Key]*ingestion.Record
	cellOf    map[Key]string
}

// NewGeoIndex creates an index sized for the given match tolerance.
func NewGeoIndex(tolerance float64) *GeoIndex {
	return &GeoIndex{
		tolerance: tolerance,
		precision: PrecisionFor(tolerance),
		cells:     make(map[string]map[Key]*ingestion.Record),
		cellOf:    make(map[Key]string),
	}
}

// Add indexes rec under its coordinates, replacing any earlier entry for the
// same key. Records without coordinates are only removed.
func (g *GeoIndex) Add(rec *ingestion.Record) {
	k := KeyOf(rec)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeLocked(k)
	if !rec.HasCoordinates() {
		return
	}
	cell := geohash.EncodeWithPrecision(*rec.Latitude, *rec.Longitude, g.precision)
	bucket, ok := g.cells[cell]
	if !ok {
		bucket = make(map[Key]*ingestion.Record)
		g.cells[cell] = bucket
	}
	bucket[k] = rec
	g.cellOf[k] = cell
}

// Remove drops the entry for k, if any.
func (g *GeoIndex) Remove(k Key) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removeLocked(k)
}

func (g *GeoIndex) removeLocked(k Key) {
	cell, ok := g.cellOf[k]
	if !ok {
		return
	}
	delete(g.cellOf, k)
	bucket := g.cells[cell]
	delete(bucket, k)
	if len(bucket) == 0 {
		delete(g.cells, cell)
	}
}

// Len returns the number of indexed records.
func (g *GeoIndex) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.cellOf)
}

// Near returns records within tol of the point in both axes. A tolerance
// wider than the one the index was sized for falls back to a full scan.
func (g *GeoIndex) Near(lat, lng, tol float64) []*ingestion.Record {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []*ingestion.Record
	collect := func(bucket map[Key]*ingestion.Record) {
		for _, rec := range bucket {
			if WithinTolerance(lat, lng, *rec.Latitude, *rec.Longitude, tol) {
				out = append(out, rec)
			}
		}
	}
	if tol > g.tolerance {
		for _, bucket := range g.cells {
			collect(bucket)
		}
		return out
	}

	center := geohash.EncodeWithPrecision(lat, lng, g.precision)
	visited := make(map[string]bool, 9)
	for _, cell := range append([]string{center}, geohash.Neighbors(center)...) {
		if visited[cell] {
			continue
		}
		visited[cell] = true
		collect(g.cells[cell])
	}
	return out
}
