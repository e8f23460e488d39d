package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/franz/fpmatch/internal/importer"
	"github.com/franz/fpmatch/internal/report"
	"github.com/franz/fpmatch/internal/util"
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import queued submissions into the fingerprint database",
	Long: `Import pending submissions, oldest first.

Each submission is imported in its own transaction:
1. Submissions without any metadata or with too few unique hashes are skipped
2. The fingerprint is matched against existing tracks
3. It joins the best matching track, or creates a new one
4. A nearly identical stored fingerprint is reused instead of stored again
5. MBID, PUID, metadata and foreign ids are linked to the track

Submissions that collide with a concurrent import are left pending and
retried on the next run. With --loop the queue is polled until interrupted.`,
	RunE: runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)

	importCmd.Flags().Int("limit", 100, "maximum submissions per run")
	importCmd.Flags().Bool("loop", false, "keep polling the queue until interrupted")
	importCmd.Flags().Bool("auto-merge", false, "merge matching tracks that are close enough to each other")
	importCmd.Flags().String("report", "", "write a Markdown summary to this file")

	viper.BindPFlag("import.limit", importCmd.Flags().Lookup("limit"))
	viper.BindPFlag("import.auto_merge", importCmd.Flags().Lookup("auto-merge"))
}

func runImport(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	loop, _ := cmd.Flags().GetBool("loop")
	reportPath, _ := cmd.Flags().GetString("report")

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	events := openEvents(cfg)
	defer events.Close()

	summary := report.NewSummaryReport()
	summary.DatabasePath = cfg.Database.DSN
	summary.EventLogPath = events.Path()

	im := importer.New(s, importer.Options{
		AutoMerge: cfg.Import.AutoMerge,
		Index:     indexSearcher(cfg),
		Events:    events,
		Summary:   summary,
	})

	util.InfoLog("=== Import ===")
	util.InfoLog("Batch size: %d", cfg.Import.Limit)
	if cfg.Import.AutoMerge {
		util.InfoLog("Auto merge: enabled")
	}

	err = runService(ctx, cfg, func(ctx context.Context) error {
		return importLoop(ctx, im, cfg.Import.Limit, loop, cfg.Import.PollInterval)
	})
	if err != nil {
		return fmt.Errorf("import failed: %w", err)
	}

	if err := summary.Finish(context.WithoutCancel(ctx), s); err != nil {
		util.WarnLog("Failed to gather database totals: %v", err)
	}
	printImportSummary(summary)

	if reportPath == "" && cfg.Events.Dir != "" {
		reportPath = filepath.Join(cfg.Events.Dir, "reports", time.Now().Format("20060102-150405"), "summary.md")
	}
	if reportPath != "" {
		if err := report.WriteMarkdownReport(summary, reportPath); err != nil {
			util.WarnLog("Failed to write summary report: %v", err)
		} else {
			util.SuccessLog("Summary report saved to: %s", reportPath)
		}
	}
	return nil
}

// importLoop imports batches until the queue is drained, or until ctx is
// cancelled when loop is set. Full batches are followed immediately by the
// next one.
func importLoop(ctx context.Context, im *importer.Importer, limit int, loop bool, poll time.Duration) error {
	for {
		n, err := im.ImportQueued(ctx, limit)
		if errors.Is(err, util.ErrShutdown) {
			util.InfoLog("Import interrupted")
			return nil
		}
		switch {
		case err != nil && !loop:
			return err
		case err != nil:
			util.ErrorLog("Import batch failed, retrying in %v: %v", poll, err)
		case n >= limit:
			continue
		case n > 0:
			util.DebugLog("Imported %d submissions", n)
		}
		if !loop {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(poll):
		}
	}
}

func printImportSummary(r *report.SummaryReport) {
	util.InfoLog("")
	util.SuccessLog("=== Import Summary ===")
	util.InfoLog("Total time: %v", r.Duration.Round(time.Millisecond))
	util.InfoLog("Submissions processed: %s", humanize.Comma(int64(r.Total())))
	for _, outcome := range []importer.Outcome{
		importer.OutcomeNewTrack,
		importer.OutcomeMatched,
		importer.OutcomeReusedFingerprint,
		importer.OutcomeSkipped,
		importer.OutcomeLocked,
	} {
		if n := r.Outcomes[string(outcome)]; n > 0 {
			util.InfoLog("  %s: %s", outcome, humanize.Comma(int64(n)))
		}
	}
	if n := r.Outcomes[string(importer.OutcomeFailed)]; n > 0 {
		util.WarnLog("  failed: %s", humanize.Comma(int64(n)))
	}

	for _, e := range r.TopErrors {
		util.WarnLog("  - %s (%dx)", e.Error, e.Count)
	}

	util.InfoLog("")
	util.InfoLog("Database totals:")
	util.InfoLog("  Tracks: %s", humanize.Comma(r.TotalTracks))
	util.InfoLog("  Fingerprints: %s", humanize.Comma(r.TotalFingerprints))
	util.InfoLog("  Pending submissions: %s", humanize.Comma(r.PendingSubmissions))
}
