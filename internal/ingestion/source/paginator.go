package source

import (
	"context"
)

// StopReason says why pagination ended.
type StopReason string

const (
	StopNone       StopReason = ""
	StopNoRecords  StopReason = "no_records"
	StopShortPage  StopReason = "short_page"
	StopEmptyPages StopReason = "empty_pages"
	StopPageCap    StopReason = "page_cap"
)

// PageFetcher is the part of Client the paginator needs.
type PageFetcher interface {
	FetchPage(ctx context.Context, page int, f Filters) (*Page, error)
}

// PaginationConfig bounds a walk over the listing pages.
type PaginationConfig struct {
	StartPage                int
	MaxPages                 int
	MaxConsecutiveEmptyPages int
	ShortPageRatio           float64
}

// Paginator hands out page numbers in increasing order and decides, from the
// pages observed in that same order, when the source is exhausted. Fetch may
// be called concurrently; Reserve and Observe must be called from one
// goroutine.
type Paginator struct {
	fetcher PageFetcher
	filters Filters
	cfg     PaginationConfig

	next        int
	issued      int
	emptyStreak int
	stopped     StopReason
}

// NewPaginator creates a cursor starting at cfg.StartPage.
func NewPaginator(fetcher PageFetcher, filters Filters, cfg PaginationConfig) *Paginator {
	if cfg.StartPage <= 0 {
		cfg.StartPage = 1
	}
	if cfg.MaxConsecutiveEmptyPages <= 0 {
		cfg.MaxConsecutiveEmptyPages = 1
	}
	return &Paginator{
		fetcher: fetcher,
		filters: filters,
		cfg:     cfg,
		next:    cfg.StartPage,
	}
}

// Reserve returns up to n next page numbers. It returns none once the
// paginator has stopped or the page cap is reached.
func (p *Paginator) Reserve(n int) []int {
	if p.stopped != StopNone {
		return nil
	}
	pages := make([]int, 0, n)
	for len(pages) < n {
		if p.cfg.MaxPages > 0 && p.issued >= p.cfg.MaxPages {
			if len(pages) == 0 {
				p.stopped = StopPageCap
			}
			break
		}
		pages = append(pages, p.next)
		p.next++
		p.issued++
	}
	return pages
}

// Fetch retrieves one page with the paginator's filters.
func (p *Paginator) Fetch(ctx context.Context, page int) (*Page, error) {
	return p.fetcher.FetchPage(ctx, page, p.filters)
}

// Observe records a processed page. fresh is the number of listings on the
// page that were not already seen in this run. It reports whether pagination
// should stop after this page.
func (p *Paginator) Observe(page *Page, fresh int) (bool, StopReason) {
	if p.stopped != StopNone {
		return true, p.stopped
	}
	received := len(page.Listings)
	switch {
	case received == 0:
		p.stopped = StopNoRecords
	case fresh == 0:
		p.emptyStreak++
		if p.emptyStreak >= p.cfg.MaxConsecutiveEmptyPages {
			p.stopped = StopEmptyPages
		}
	default:
		p.emptyStreak = 0
	}
	if p.stopped == StopNone && received > 0 && page.Requested > 0 &&
		float64(received) < p.cfg.ShortPageRatio*float64(page.Requested) {
		p.stopped = StopShortPage
	}
	if p.stopped == StopNone && p.cfg.MaxPages > 0 && p.issued >= p.cfg.MaxPages && page.Number >= p.next-1 {
		p.stopped = StopPageCap
	}
	return p.stopped != StopNone, p.stopped
}

// Stopped returns the stop reason, or StopNone while pages remain.
func (p *Paginator) Stopped() StopReason {
	return p.stopped
}
