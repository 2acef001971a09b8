package report

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// FileSink writes one report file per run into a directory.
type FileSink struct {
	dir    string
	format string
	logger *slog.Logger
}

// NewFileSink creates a sink writing format ("json", "text" or "csv") files
// into dir.
func NewFileSink(dir, format string) *FileSink {
	return &FileSink{
		dir:    dir,
		format: format,
		logger: slog.Default().With("component", "report-file"),
	}
}

// Emit implements Sink.
func (f *FileSink) Emit(ctx context.Context, r *Report) error {
	_, err := f.Write(r)
	return err
}

// Write stores the report and returns the file path. Files are named
// ingestion_report_<source>_<timestamp>.<ext>.
func (f *FileSink) Write(r *Report) (string, error) {
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return "", fmt.Errorf("creating report dir: %w", err)
	}
	ext := f.format
	if ext == "text" {
		ext = "txt"
	}
	name := fmt.Sprintf("ingestion_report_%s_%s.%s",
		safeName(r.Metadata.Source),
		r.Metadata.GeneratedAt.UTC().Format("20060102_150405"),
		ext,
	)
	path := filepath.Join(f.dir, name)

	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("creating report file: %w", err)
	}
	defer file.Close()

	switch f.format {
	case "text":
		err = writeText(file, r)
	case "csv":
		err = writeCSV(file, r)
	default:
		enc := json.NewEncoder(file)
		enc.SetIndent("", "  ")
		err = enc.Encode(r)
	}
	if err != nil {
		return "", fmt.Errorf("writing %s report: %w", f.format, err)
	}
	f.logger.Info("report written", "path", path, "run_id", r.Metadata.RunID)
	return path, nil
}

func safeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		}
		return '_'
	}, s)
}

// rows flattens the report into ordered metric/value pairs shared by the
// text and csv renderings.
func rows(r *Report) [][2]string {
	s := r.Stats
	out := [][2]string{
		{"run_id", r.Metadata.RunID},
		{"source", r.Metadata.Source},
		{"generated_at", r.Metadata.GeneratedAt.UTC().Format("2006-01-02T15:04:05Z")},
		{"termination", r.Metadata.Termination},
		{"duration_seconds", ftoa(s.DurationSeconds)},
		{"pages_processed", strconv.Itoa(s.PagesProcessed)},
		{"pages_failed", strconv.Itoa(s.PagesFailed)},
		{"api_calls", strconv.FormatInt(s.APICalls, 10)},
		{"failed_requests", strconv.FormatInt(s.FailedRequests, 10)},
		{"fetched", strconv.Itoa(s.Fetched)},
		{"new", strconv.Itoa(s.New)},
		{"updated", strconv.Itoa(s.Updated)},
		{"replaced", strconv.Itoa(s.Replaced)},
		{"duplicates", strconv.Itoa(s.Duplicates)},
		{"discarded", strconv.Itoa(s.Discarded)},
		{"errors", strconv.Itoa(s.Errors)},
		{"superseded", strconv.Itoa(s.Superseded)},
		{"failed_batches", strconv.Itoa(s.FailedBatches)},
		{"success_rate", ftoa(r.Summary.SuccessRate)},
		{"duplicate_rate", ftoa(r.Summary.DuplicateRate)},
		{"requests_per_minute", ftoa(r.Summary.RequestsPerMinute)},
		{"seconds_per_record", ftoa(r.Summary.SecondsPerRecord)},
	}
	out = appendBreakdown(out, "property_type", s.PropertyTypes)
	out = appendBreakdown(out, "deal_type", s.DealTypes)
	out = appendBreakdown(out, "enrichment", s.Enrichment)
	if s.Cleanup != nil {
		out = append(out,
			[2]string{"cleanup_deleted", strconv.Itoa(s.Cleanup.Deleted)},
			[2]string{"cleanup_failed", strconv.Itoa(s.Cleanup.Failed)},
		)
	}
	return out
}

func appendBreakdown(out [][2]string, prefix string, counts map[string]int) [][2]string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, [2]string{prefix + "." + k, strconv.Itoa(counts[k])})
	}
	return out
}

func ftoa(v float64) string {
	return strconv.FormatFloat(v, 'f', 4, 64)
}

func writeText(w io.Writer, r *Report) error {
	if _, err := fmt.Fprintf(w, "Ingestion report\n================\n"); err != nil {
		return err
	}
	for _, row := range rows(r) {
		if _, err := fmt.Fprintf(w, "%-24s %s\n", row[0], row[1]); err != nil {
			return err
		}
	}
	return nil
}

func writeCSV(w io.Writer, r *Report) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"metric", "value"}); err != nil {
		return err
	}
	for _, row := range rows(r) {
		if err := cw.Write(row[:]); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
