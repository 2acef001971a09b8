package config

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// ValidationError holds per-field validation failure messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, msg := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", field, msg))
	}
	sort.Strings(parts)
	return "invalid config: " + strings.Join(parts, "; ")
}

// Validate checks the knobs the pipeline cannot run without and returns a
// ValidationError naming every offending field.
func (c *Config) Validate() error {
	errs := make(map[string]string)

	if c.Source.Name == "" {
		errs["source.name"] = "source name is required"
	}
	if c.Source.ListURL == "" {
		errs["source.listUrl"] = "list URL is required"
	}
	if c.Source.PageSize <= 0 {
		errs["source.pageSize"] = "page size must be positive"
	}
	if c.Source.ShortPageRatio < 0 || c.Source.ShortPageRatio >= 1 {
		errs["source.shortPageRatio"] = "short page ratio must be in [0, 1)"
	}
	if c.Source.UserAgentRotation < 0 || c.Source.UserAgentRotation > 1 {
		errs["source.userAgentRotation"] = "rotation probability must be in [0, 1]"
	}
	if c.Source.StartPage <= 0 {
		errs["source.startPage"] = "start page must be positive"
	}
	if c.Retry.MaxAttempts <= 0 {
		errs["retry.maxAttempts"] = "at least one attempt is required"
	}
	if c.Retry.Multiplier != 0 && c.Retry.Multiplier <= 1 {
		errs["retry.multiplier"] = "multiplier must be greater than 1"
	}
	if last := c.Retry.lastDelay(); c.Retry.MaxDelay > 0 && last > float64(c.Retry.MaxDelay) {
		errs["retry.maxDelay"] = fmt.Sprintf("max delay must be at least %v so backoff delays keep increasing", time.Duration(last))
	}
	if c.RateLimit.RequestsPerMinute <= 0 {
		errs["rateLimit.requestsPerMinute"] = "rate limit must be positive"
	}
	if c.Pipeline.BatchSize <= 0 {
		errs["pipeline.batchSize"] = "batch size must be positive"
	}
	if c.Pipeline.Workers <= 0 {
		errs["pipeline.workers"] = "worker count must be positive"
	}
	switch c.Pipeline.Enrichment {
	case EnrichmentOff, EnrichmentInline, EnrichmentAsync:
	default:
		errs["pipeline.enrichment"] = fmt.Sprintf("unknown enrichment mode %q", c.Pipeline.Enrichment)
	}
	if c.Pipeline.Enrichment == EnrichmentAsync && !c.Kafka.Enabled {
		errs["pipeline.enrichment"] = "async enrichment requires kafka.enabled"
	}
	if c.Dedup.CoordinateTolerance <= 0 {
		errs["dedup.coordinateTolerance"] = "tolerance must be positive"
	}
	if c.Dedup.AddressThreshold <= 0 || c.Dedup.AddressThreshold > 1 {
		errs["dedup.addressThreshold"] = "threshold must be in (0, 1]"
	}
	if len(c.Normalize.Currencies) == 0 {
		errs["normalize.currencies"] = "currency code map is required"
	}
	if c.Normalize.PrimaryCurrency == "" {
		errs["normalize.primaryCurrency"] = "primary currency is required"
	}
	if c.Normalize.SecondaryCurrency != "" && c.Normalize.SecondaryCurrency != c.Normalize.PrimaryCurrency {
		if c.Normalize.ExchangeRates[c.Normalize.SecondaryCurrency] <= 0 {
			errs["normalize.exchangeRates"] = fmt.Sprintf("missing exchange rate for %s", c.Normalize.SecondaryCurrency)
		}
	}
	b := c.Normalize.CoordinateBounds
	if b.MinLat >= b.MaxLat || b.MinLng >= b.MaxLng {
		errs["normalize.coordinateBounds"] = "bounds must be non-empty"
	}
	if c.Translation.DefaultLanguage == "" {
		errs["translation.defaultLanguage"] = "default language is required"
	}
	if c.Retention.Days < 0 {
		errs["retention.days"] = "retention must not be negative"
	}
	switch c.Report.Format {
	case "json", "text", "csv":
	default:
		errs["report.format"] = fmt.Sprintf("unknown report format %q", c.Report.Format)
	}
	if c.Report.Kafka && !c.Kafka.Enabled {
		errs["report.kafka"] = "kafka report sink requires kafka.enabled"
	}
	switch c.Store.Driver {
	case DriverPostgres, DriverSQLite, DriverMemory:
	default:
		errs["store.driver"] = fmt.Sprintf("unknown store driver %q", c.Store.Driver)
	}
	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}

// lastDelay is the uncapped pause before the final attempt, or 0 when fewer
// than two pauses are taken.
func (r RetryConfig) lastDelay() float64 {
	if r.MaxAttempts < 3 || r.BaseDelay <= 0 || r.Multiplier <= 1 {
		return 0
	}
	return float64(r.BaseDelay) * math.Pow(r.Multiplier, float64(r.MaxAttempts-2))
}
