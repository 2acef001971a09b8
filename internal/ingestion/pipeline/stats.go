package pipeline

import (
	"time"

	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion"
	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion/enrich"
	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion/persister"
)

// Termination reasons beyond the paginator's own stop reasons.
const (
	TerminationRecordCap    = "record_cap"
	TerminationNetworkError = "network_error"
	TerminationCancelled    = "cancelled"
	TerminationLocked       = "locked"
)

// Stats accumulates the counters of one ingestion run. It is written by the
// orchestrator's single processing goroutine only.
type Stats struct {
	RunID           string    `json:"run_id"`
	Source          string    `json:"source"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	DurationSeconds float64   `json:"duration_seconds"`
	Termination     string    `json:"termination"`

	PagesProcessed int   `json:"pages_processed"`
	PagesFailed    int   `json:"pages_failed"`
	EmptyPages     int   `json:"empty_pages"`
	APICalls       int64 `json:"api_calls"`
	FailedRequests int64 `json:"failed_requests"`

	Fetched   int `json:"fetched"`
	Discarded int `json:"discarded"`
	// Repeated counts listings already seen earlier in this run. They are
	// also included in Duplicates.
	Repeated   int `json:"repeated"`
	New        int `json:"new"`
	Updated    int `json:"updated"`
	Replaced   int `json:"replaced"`
	Duplicates int `json:"duplicates"`
	Errors     int `json:"errors"`
	// Superseded counts stored listings deleted because an owner listing
	// replaced them.
	Superseded int `json:"superseded"`

	Batches       int `json:"batches"`
	FailedBatches int `json:"failed_batches"`

	Enrichment           map[string]int `json:"enrichment,omitempty"`
	EventsPublished      int            `json:"events_published"`
	EventsFailed         int            `json:"events_failed"`
	CacheKeysInvalidated int64          `json:"cache_keys_invalidated"`

	PropertyTypes map[string]int `json:"property_types"`
	DealTypes     map[string]int `json:"deal_types"`

	Cleanup *persister.CleanupResult `json:"cleanup,omitempty"`
}

func newStats(runID, source string, startedAt time.Time) *Stats {
	return &Stats{
		RunID:         runID,
		Source:        source,
		StartedAt:     startedAt,
		PropertyTypes: make(map[string]int),
		DealTypes:     make(map[string]int),
	}
}

// Persisted is the number of listings written by the run.
func (s *Stats) Persisted() int {
	return s.New + s.Updated + s.Replaced
}

// Processed is the number of listings that reached a final outcome.
func (s *Stats) Processed() int {
	return s.Persisted() + s.Duplicates + s.Discarded + s.Errors
}

// SuccessRate is the share of processed listings that were written or
// recognised as duplicates.
func (s *Stats) SuccessRate() float64 {
	n := s.Processed()
	if n == 0 {
		return 0
	}
	return float64(s.Persisted()+s.Duplicates) / float64(n)
}

func (s *Stats) observe(rec *ingestion.Record) {
	s.PropertyTypes[rec.PropertyType]++
	s.DealTypes[rec.ListingType]++
}

func (s *Stats) addResult(res *persister.Result) {
	s.Batches++
	s.New += res.New
	s.Updated += res.Updated
	s.Replaced += res.Replaced
	s.Duplicates += res.Duplicates
	s.Errors += res.Errors
	s.Superseded += res.Deleted
	if res.Err != nil {
		s.FailedBatches++
	}
}

func (s *Stats) addEnrichment(src enrich.Source) {
	if s.Enrichment == nil {
		s.Enrichment = make(map[string]int)
	}
	s.Enrichment[string(src)]++
}

func (s *Stats) finish(at time.Time) {
	s.FinishedAt = at
	s.DurationSeconds = at.Sub(s.StartedAt).Seconds()
}
