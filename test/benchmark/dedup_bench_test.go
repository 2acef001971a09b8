package benchmark

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"testing"

	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion"
	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion/dedup"
)

var synonyms = map[string]string{
	"street":    "str",
	"avenue":    "ave",
	"apartment": "apt",
}

var streets = []string{
	"Chavchavadze Avenue", "Rustaveli Avenue", "Pekini Street", "Vazha-Pshavela Avenue",
	"Kazbegi Street", "Tsereteli Avenue", "Paliashvili Street", "Abashidze Street",
}

func syntheticRecords(n int, seed uint64) []*ingestion.Record {
	rng := rand.New(rand.NewPCG(seed, seed))
	out := make([]*ingestion.Record, n)
	for i := range out {
		lat := 41.65 + rng.Float64()*0.15
		lng := 44.70 + rng.Float64()*0.20
		out[i] = &ingestion.Record{
			ExternalID: strconv.Itoa(i + 1),
			Source:     "myhome.ge",
			City:       "Tbilisi",
			Address:    fmt.Sprintf("%s %d, apartment %d", streets[rng.IntN(len(streets))], rng.IntN(120)+1, rng.IntN(80)+1),
			Latitude:   &lat,
			Longitude:  &lng,
		}
	}
	return out
}

func BenchmarkAddressSimilarity(b *testing.B) {
	pairs := [][2]string{
		{"Chavchavadze Avenue 37", "Chavchavadze Ave. 37"},
		{"Pekini Street 12, apartment 4", "Pekini str 12 apt 4"},
		{"Rustaveli Avenue 1", "Kazbegi Street 44"},
	}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		p := pairs[i%len(pairs)]
		_ = dedup.Similarity(dedup.NormalizeAddress(p[0], synonyms), dedup.NormalizeAddress(p[1], synonyms))
	}
}

func BenchmarkGeoIndexNear(b *testing.B) {
	for _, size := range []int{1_000, 10_000, 100_000} {
		b.Run(strconv.Itoa(size), func(b *testing.B) {
			idx := dedup.NewGeoIndex(1e-4)
			for _, rec := range syntheticRecords(size, 1) {
				idx.Add(rec)
			}
			queries := syntheticRecords(256, 2)
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				p := queries[i%len(queries)]
				_ = idx.Near(*p.Latitude, *p.Longitude, 1e-4)
			}
		})
	}
}

func BenchmarkAddressIndexSimilar(b *testing.B) {
	for _, size := range []int{1_000, 10_000} {
		b.Run(strconv.Itoa(size), func(b *testing.B) {
			idx := dedup.NewAddressIndex(synonyms)
			for _, rec := range syntheticRecords(size, 1) {
				idx.Add(rec)
			}
			queries := syntheticRecords(256, 3)
			b.ReportAllocs()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				p := queries[i%len(queries)]
				_ = idx.Similar(p.Address, 0.85, nil)
			}
		})
	}
}

func BenchmarkAddressIndexParallel(b *testing.B) {
	idx := dedup.NewAddressIndex(synonyms)
	for _, rec := range syntheticRecords(5_000, 1) {
		idx.Add(rec)
	}
	queries := syntheticRecords(256, 4)
	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			p := queries[i%len(queries)]
			_ = idx.Similar(p.Address, 0.85, nil)
			i++
		}
	})
}
