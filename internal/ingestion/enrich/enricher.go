// Package enrich adds secondary-language titles and descriptions to stored
// or about-to-be-stored listings. Text comes from the source's detail
// endpoint in each language; when that path fails for every language a
// dictionary substitution of common terms is used instead. Enrichment is
// best effort and never fails a listing.
package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion"
	"github.com/DanteTheCreator/real-estate-deployment/internal/ingestion/normalizer"
	"github.com/DanteTheCreator/real-estate-deployment/pkg/config"
	apperrors "github.com/DanteTheCreator/real-estate-deployment/pkg/errors"
	"github.com/DanteTheCreator/real-estate-deployment/pkg/metrics"
	"github.com/DanteTheCreator/real-estate-deployment/pkg/resilience"
)

// DetailFetcher fetches a single listing payload in a locale.
type DetailFetcher interface {
	FetchDetail(ctx context.Context, externalID, locale string) (json.RawMessage, error)
}

// Source says where the applied text came from.
type Source string

const (
	SourceAPI       Source = "api"
	SourceFallback  Source = "fallback"
	SourceUnchanged Source = "unchanged"
)

// Outcome describes one enrichment.
type Outcome struct {
	Source Source
	// Changed holds the languages whose text was modified, with their full
	// new value.
	Changed map[string]ingestion.Localized
}

// Enricher is safe for concurrent use.
type Enricher struct {
	fetcher    DetailFetcher
	languages  []string
	dictionary *Dictionary
	breaker    *resilience.CircuitBreaker
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// New creates an enricher for the configured secondary languages. Detail
// fetches run behind a circuit breaker so a dead endpoint degrades to the
// dictionary without paying the retry budget on every listing.
func New(fetcher DetailFetcher, cfg config.TranslationConfig, m *metrics.Metrics) *Enricher {
	if m == nil {
		m = metrics.NewNop()
	}
	languages := cfg.SecondaryLanguages()
	breaker := resilience.NewCircuitBreaker("detail-endpoint", resilience.CircuitBreakerConfig{
		FailureThreshold: cfg.FailureThreshold,
		ResetTimeout:     cfg.ResetTimeout,
		OnStateChange: func(name string, to resilience.State) {
			m.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
	})
	return &Enricher{
		fetcher:    fetcher,
		languages:  languages,
		dictionary: NewDictionary(languages),
		breaker:    breaker,
		metrics:    m,
		logger:     slog.Default().With("component", "translation-enricher"),
	}
}

// Languages returns the secondary languages being enriched.
func (e *Enricher) Languages() []string {
	return e.languages
}

// Enrich updates rec.Translations in place. Fetched text only replaces a
// field when it is non-empty and different. The dictionary is consulted only
// when no language could be fetched, and then only fills empty fields.
func (e *Enricher) Enrich(ctx context.Context, rec *ingestion.Record) Outcome {
	out := Outcome{Source: SourceUnchanged, Changed: make(map[string]ingestion.Localized)}
	if len(e.languages) == 0 {
		return out
	}

	fetched := false
	for _, lang := range e.languages {
		if ctx.Err() != nil {
			return out
		}
		var raw json.RawMessage
		var fetchErr error
		err := e.breaker.Execute(func() error {
			raw, fetchErr = e.fetcher.FetchDetail(ctx, rec.ExternalID, lang)
			if endpointFailure(ctx, fetchErr) {
				return fetchErr
			}
			return nil
		})
		if err == nil {
			err = fetchErr
		}
		if err != nil {
			e.logger.Debug("detail fetch failed",
				"external_id", rec.ExternalID,
				"language", lang,
				"error", err,
			)
			continue
		}
		fetched = true
		text := normalizer.ExtractText(raw)
		if apply(rec, lang, text, false) {
			out.Changed[lang] = rec.Translations[lang]
			out.Source = SourceAPI
		}
	}

	if !fetched && ctx.Err() == nil {
		for _, lang := range e.languages {
			var text ingestion.Localized
			text.Title, _ = e.dictionary.Translate(rec.Title, lang)
			text.Description, _ = e.dictionary.Translate(rec.Description, lang)
			if apply(rec, lang, text, true) {
				out.Changed[lang] = rec.Translations[lang]
				out.Source = SourceFallback
			}
		}
	}

	e.metrics.EnrichmentsTotal.WithLabelValues(string(out.Source)).Inc()
	return out
}

// endpointFailure reports whether err says the detail endpoint itself is
// unhealthy. A missing statement or another permanent answer concerns one
// listing, and a cancelled fetch says nothing about the endpoint.
func endpointFailure(ctx context.Context, err error) bool {
	switch {
	case err == nil, ctx.Err() != nil:
		return false
	case resilience.IsPermanent(err):
		return false
	case errors.Is(err, apperrors.ErrCancelled), errors.Is(err, context.Canceled):
		return false
	}
	return true
}

// apply merges text into rec's translation for lang and reports whether
// anything changed. With onlyEmpty set, existing text is never replaced.
func apply(rec *ingestion.Record, lang string, text ingestion.Localized, onlyEmpty bool) bool {
	cur := rec.Translations[lang]
	next := cur
	if text.Title != "" && text.Title != cur.Title && (!onlyEmpty || cur.Title == "") {
		next.Title = text.Title
	}
	if text.Description != "" && text.Description != cur.Description && (!onlyEmpty || cur.Description == "") {
		next.Description = text.Description
	}
	if next == cur {
		return false
	}
	if rec.Translations == nil {
		rec.Translations = make(map[string]ingestion.Localized)
	}
	rec.Translations[lang] = next
	return true
}
