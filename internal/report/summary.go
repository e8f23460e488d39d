package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/franz/fpmatch/internal/store"
)

// SummaryReport summarizes one import run
type SummaryReport struct {
	GeneratedAt time.Time
	StartedAt   time.Time
	Duration    time.Duration

	// Outcome counters, keyed by outcome name
	Outcomes map[string]int

	// Skip reasons and errors
	SkipReasons []ReasonCount
	TopErrors   []ErrorSummary

	// Store totals at the end of the run
	TotalTracks        int64
	TotalFingerprints  int64
	PendingSubmissions int64

	// Metadata
	DatabasePath string
	EventLogPath string

	mu     sync.Mutex
	skips  map[string]int
	errors map[string]int
}

// ErrorSummary represents an error with its count
type ErrorSummary struct {
	Error string
	Count int
}

// ReasonCount represents a skip reason with its count
type ReasonCount struct {
	Reason string
	Count  int
}

// NewSummaryReport starts a summary for a run beginning now
func NewSummaryReport() *SummaryReport {
	return &SummaryReport{
		StartedAt: time.Now(),
		Outcomes:  make(map[string]int),
		skips:     make(map[string]int),
		errors:    make(map[string]int),
	}
}

// Record counts one processed submission. reason is only used for skips,
// err for failures.
func (r *SummaryReport) Record(outcome, reason string, err error) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Outcomes[outcome]++
	if reason != "" {
		r.skips[reason]++
	}
	if err != nil {
		r.errors[err.Error()]++
	}
}

// Total returns the number of recorded submissions
func (r *SummaryReport) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := 0
	for _, n := range r.Outcomes {
		total += n
	}
	return total
}

// Finish closes the run and gathers store totals
func (r *SummaryReport) Finish(ctx context.Context, db *store.Store) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.GeneratedAt = time.Now()
	r.Duration = r.GeneratedAt.Sub(r.StartedAt)
	r.SkipReasons = topReasons(r.skips, 10)
	r.TopErrors = topErrors(r.errors, 10)

	if db == nil {
		return nil
	}

	var err error
	if r.TotalTracks, err = db.CountTracks(ctx); err != nil {
		return err
	}
	if r.TotalFingerprints, err = db.CountFingerprints(ctx); err != nil {
		return err
	}
	if r.PendingSubmissions, err = db.CountPendingSubmissions(ctx); err != nil {
		return err
	}
	return nil
}

func topReasons(counts map[string]int, limit int) []ReasonCount {
	out := make([]ReasonCount, 0, len(counts))
	for reason, count := range counts {
		out = append(out, ReasonCount{Reason: reason, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Reason < out[j].Reason
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// topErrors retrieves the most common errors
func topErrors(counts map[string]int, limit int) []ErrorSummary {
	errors := make([]ErrorSummary, 0, len(counts))
	for err, count := range counts {
		errors = append(errors, ErrorSummary{Error: err, Count: count})
	}

	// Sort by count (descending)
	sort.Slice(errors, func(i, j int) bool {
		if errors[i].Count != errors[j].Count {
			return errors[i].Count > errors[j].Count
		}
		return errors[i].Error < errors[j].Error
	})

	if len(errors) > limit {
		errors = errors[:limit]
	}
	return errors
}

// WriteMarkdownReport writes the summary report as Markdown
func WriteMarkdownReport(report *SummaryReport, outputPath string) error {
	// Create output directory
	dir := filepath.Dir(outputPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	var md strings.Builder

	// Header
	md.WriteString("# Submission Import - Summary Report\n\n")
	md.WriteString(fmt.Sprintf("**Generated:** %s\n\n", report.GeneratedAt.Format("2006-01-02 15:04:05")))
	if report.DatabasePath != "" {
		md.WriteString(fmt.Sprintf("**Database:** `%s`\n\n", report.DatabasePath))
	}
	if report.EventLogPath != "" {
		md.WriteString(fmt.Sprintf("**Event Log:** `%s`\n\n", report.EventLogPath))
	}
	md.WriteString("---\n\n")

	// Outcomes
	md.WriteString("## Outcomes\n\n")
	md.WriteString("| Outcome | Submissions |\n")
	md.WriteString("|---------|-------------|\n")
	outcomes := make([]string, 0, len(report.Outcomes))
	total := 0
	for outcome, n := range report.Outcomes {
		outcomes = append(outcomes, outcome)
		total += n
	}
	sort.Strings(outcomes)
	for _, outcome := range outcomes {
		md.WriteString(fmt.Sprintf("| %s | %s |\n", outcome, humanize.Comma(int64(report.Outcomes[outcome]))))
	}
	md.WriteString(fmt.Sprintf("| **total** | %s |\n", humanize.Comma(int64(total))))
	if report.Duration > 0 && total > 0 {
		rate := float64(total) / report.Duration.Seconds()
		md.WriteString(fmt.Sprintf("\nProcessed in %s (%s submissions/s)\n", report.Duration.Round(time.Millisecond), humanize.FtoaWithDigits(rate, 1)))
	}
	md.WriteString("\n")

	// Store totals
	md.WriteString("## Store\n\n")
	md.WriteString("| Metric | Value |\n")
	md.WriteString("|--------|-------|\n")
	md.WriteString(fmt.Sprintf("| Tracks | %s |\n", humanize.Comma(report.TotalTracks)))
	md.WriteString(fmt.Sprintf("| Fingerprints | %s |\n", humanize.Comma(report.TotalFingerprints)))
	md.WriteString(fmt.Sprintf("| Pending Submissions | %s |\n", humanize.Comma(report.PendingSubmissions)))
	md.WriteString("\n")

	if len(report.SkipReasons) > 0 {
		md.WriteString("## Skipped\n\n")
		md.WriteString("| Count | Reason |\n")
		md.WriteString("|-------|--------|\n")
		for _, r := range report.SkipReasons {
			md.WriteString(fmt.Sprintf("| %d | %s |\n", r.Count, r.Reason))
		}
		md.WriteString("\n")
	}

	// Errors
	if len(report.TopErrors) > 0 {
		md.WriteString("## Top Errors\n\n")
		md.WriteString("| Count | Error |\n")
		md.WriteString("|-------|-------|\n")
		for _, err := range report.TopErrors {
			md.WriteString(fmt.Sprintf("| %d | %s |\n", err.Count, truncate(err.Error, 120)))
		}
		md.WriteString("\n")
	}

	if err := os.WriteFile(outputPath, []byte(md.String()), 0644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

// truncate shortens s to maxLen, keeping the start and the end
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	start := maxLen/2 - 2
	end := len(s) - (maxLen/2 - 2)
	return s[:start] + "..." + s[end:]
}
