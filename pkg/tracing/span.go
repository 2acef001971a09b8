// Package tracing times the phases of an ingestion run. A root span is keyed
// by the run id and travels in the context; page fetches and batch writes hang
// child spans off it, and the tree is summarised per phase when the run ends.
package tracing

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type contextKey struct{}

// Span is one timed operation. Children may be started from concurrent
// goroutines.
type Span struct {
	Name    string
	TraceID string
	Start   time.Time

	mu       sync.Mutex
	end      time.Time
	children []*Span
	attrs    map[string]any
}

// StartSpan creates a root span and stores it in the returned context.
func StartSpan(ctx context.Context, name, traceID string) (context.Context, *Span) {
	s := &Span{Name: name, TraceID: traceID, Start: time.Now()}
	return context.WithValue(ctx, contextKey{}, s), s
}

// StartChildSpan creates a span under the one in ctx. Without a parent the
// span is detached and only its own timing is kept.
func StartChildSpan(ctx context.Context, name string) (context.Context, *Span) {
	child := &Span{Name: name, Start: time.Now()}
	if parent := SpanFromContext(ctx); parent != nil {
		child.TraceID = parent.TraceID
		parent.mu.Lock()
		parent.children = append(parent.children, child)
		parent.mu.Unlock()
	}
	return context.WithValue(ctx, contextKey{}, child), child
}

// SpanFromContext returns the current span, or nil.
func SpanFromContext(ctx context.Context) *Span {
	s, _ := ctx.Value(contextKey{}).(*Span)
	return s
}

// End marks the span finished. Only the first call counts.
func (s *Span) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.end.IsZero() {
		s.end = time.Now()
	}
}

// Duration is the span's length, or its age while it is still open.
func (s *Span) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.end.IsZero() {
		return time.Since(s.Start)
	}
	return s.end.Sub(s.Start)
}

// SetAttr attaches a key-value attribute.
func (s *Span) SetAttr(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attrs == nil {
		s.attrs = make(map[string]any)
	}
	s.attrs[key] = value
}

// Attr returns an attribute set with SetAttr.
func (s *Span) Attr(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.attrs[key]
	return v, ok
}

// Phase aggregates the direct children of a span that share a name.
type Phase struct {
	Name    string
	Count   int
	Total   time.Duration
	Slowest time.Duration
}

// Mean is the average child duration.
func (p Phase) Mean() time.Duration {
	if p.Count == 0 {
		return 0
	}
	return p.Total / time.Duration(p.Count)
}

// Phases summarises the direct children by name, ordered by total time.
func (s *Span) Phases() []Phase {
	s.mu.Lock()
	children := append([]*Span(nil), s.children...)
	s.mu.Unlock()

	byName := make(map[string]*Phase)
	for _, c := range children {
		d := c.Duration()
		p, ok := byName[c.Name]
		if !ok {
			p = &Phase{Name: c.Name}
			byName[c.Name] = p
		}
		p.Count++
		p.Total += d
		if d > p.Slowest {
			p.Slowest = d
		}
	}
	out := make([]Phase, 0, len(byName))
	for _, p := range byName {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Log writes one line for the span and one per phase.
func (s *Span) Log(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	s.mu.Lock()
	attrs := []any{"trace_id", s.TraceID, "span", s.Name}
	keys := make([]string, 0, len(s.attrs))
	for k := range s.attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, k, s.attrs[k])
	}
	s.mu.Unlock()
	attrs = append(attrs, "duration_ms", s.Duration().Milliseconds())
	logger.Debug("span", attrs...)

	for _, p := range s.Phases() {
		logger.Debug("span phase",
			"trace_id", s.TraceID,
			"span", s.Name,
			"phase", p.Name,
			"count", p.Count,
			"total_ms", p.Total.Milliseconds(),
			"mean_ms", p.Mean().Milliseconds(),
			"slowest_ms", p.Slowest.Milliseconds(),
		)
	}
}
