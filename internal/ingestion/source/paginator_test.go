package source

import (
	"context"
	"testing"

	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion"
)

type nopFetcher struct{}

func (nopFetcher) FetchPage(ctx context.Context, page int, f Filters) (*Page, error) {
	return &Page{Number: page, Requested: f.PageSize}, nil
}

func pageOf(number, requested, received int) *Page {
	p := &Page{Number: number, Requested: requested}
	for i := 0; i < received; i++ {
		p.Listings = append(p.Listings, ingestion.Raw{Page: number, Position: i})
	}
	return p
}

func TestReserveHandsOutPagesInOrder(t *testing.T) {
	p := NewPaginator(nopFetcher{}, Filters{}, PaginationConfig{StartPage: 3})
	first := p.Reserve(2)
	second := p.Reserve(3)
	want := []int{3, 4, 5, 6, 7}
	got := append(first, second...)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestReserveRespectsPageCap(t *testing.T) {
	p := NewPaginator(nopFetcher{}, Filters{}, PaginationConfig{MaxPages: 3})
	if got := p.Reserve(2); len(got) != 2 {
		t.Fatalf("expected 2 pages, got %v", got)
	}
	if got := p.Reserve(2); len(got) != 1 || got[0] != 3 {
		t.Fatalf("expected only page 3, got %v", got)
	}
	if got := p.Reserve(2); len(got) != 0 {
		t.Fatalf("expected no pages, got %v", got)
	}
	if p.Stopped() != StopPageCap {
		t.Errorf("expected page_cap, got %q", p.Stopped())
	}
}

func TestObserveStopReasons(t *testing.T) {
	tests := []struct {
		name   string
		cfg    PaginationConfig
		pages  []*Page
		fresh  []int
		reason StopReason
		at     int
	}{
		{
			name:   "no records",
			cfg:    PaginationConfig{ShortPageRatio: 0.1},
			pages:  []*Page{pageOf(1, 10, 10), pageOf(2, 10, 0)},
			fresh:  []int{10, 0},
			reason: StopNoRecords,
			at:     1,
		},
		{
			name:   "short page",
			cfg:    PaginationConfig{ShortPageRatio: 0.5},
			pages:  []*Page{pageOf(1, 10, 10), pageOf(2, 10, 4)},
			fresh:  []int{10, 4},
			reason: StopShortPage,
			at:     1,
		},
		{
			name:   "consecutive pages of repeats",
			cfg:    PaginationConfig{MaxConsecutiveEmptyPages: 2},
			pages:  []*Page{pageOf(1, 10, 10), pageOf(2, 10, 10), pageOf(3, 10, 10)},
			fresh:  []int{0, 0, 0},
			reason: StopEmptyPages,
			at:     1,
		},
		{
			name:   "fresh page resets the streak",
			cfg:    PaginationConfig{MaxConsecutiveEmptyPages: 2},
			pages:  []*Page{pageOf(1, 10, 10), pageOf(2, 10, 10), pageOf(3, 10, 10), pageOf(4, 10, 10)},
			fresh:  []int{0, 5, 0, 0},
			reason: StopEmptyPages,
			at:     3,
		},
		{
			name:   "page cap",
			cfg:    PaginationConfig{MaxPages: 2},
			pages:  []*Page{pageOf(1, 10, 10), pageOf(2, 10, 10)},
			fresh:  []int{10, 10},
			reason: StopPageCap,
			at:     1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPaginator(nopFetcher{}, Filters{}, tt.cfg)
			p.Reserve(len(tt.pages))
			for i, page := range tt.pages {
				stop, reason := p.Observe(page, tt.fresh[i])
				if !stop {
					continue
				}
				if i != tt.at || reason != tt.reason {
					t.Fatalf("expected %q at page index %d, got %q at %d", tt.reason, tt.at, reason, i)
				}
				return
			}
			t.Fatalf("expected %q, pagination never stopped", tt.reason)
		})
	}
}

func TestObserveAfterStopKeepsReason(t *testing.T) {
	p := NewPaginator(nopFetcher{}, Filters{}, PaginationConfig{})
	p.Reserve(2)
	p.Observe(pageOf(1, 10, 0), 0)
	stop, reason := p.Observe(pageOf(2, 10, 10), 10)
	if !stop || reason != StopNoRecords {
		t.Errorf("expected the first stop reason to stick, got %v %q", stop, reason)
	}
	if got := p.Reserve(1); got != nil {
		t.Errorf("expected no more pages, got %v", got)
	}
}
