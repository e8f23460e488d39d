package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/franz/fpmatch/internal/config"
	"github.com/franz/fpmatch/internal/store"
	"github.com/franz/fpmatch/internal/stream"
	"github.com/franz/fpmatch/internal/util"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks on the configuration and its services",
	Long: `Run diagnostic checks to ensure the workers can operate.

This command checks:
- Configuration validity
- Database accessibility and totals
- Logical replication settings (PostgreSQL only)
- The change stream (embedded directory or NATS server)
- Disk space of the embedded stream
- The fingerprint index service and its indexes`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

type checkResult struct {
	name    string
	message string
	error   bool
	warning bool
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	util.InfoLog("=== fpm doctor ===")
	util.InfoLog("")

	cfg, err := loadConfig()
	if err != nil {
		printResults([]checkResult{{name: "Configuration", error: true, message: err.Error()}})
		return fmt.Errorf("system diagnostics failed")
	}

	results := []checkResult{{name: "Configuration", message: "valid"}}
	results = append(results, checkDatabase(ctx, cfg.Database.DSN))
	if store.DetectDialect(cfg.Database.DSN) == store.Postgres {
		results = append(results, checkWalLevel(ctx, cfg.Database.DSN))
	}

	if cfg.Stream.Embedded() {
		results = append(results, checkStreamDirectory(cfg.Stream.Dir))
		results = append(results, checkDiskSpace(filepath.Dir(filepath.Clean(cfg.Stream.Dir)), "stream"))
	} else {
		results = append(results, checkNATS(ctx, cfg))
	}

	results = append(results, checkIndex(ctx, cfg)...)

	if printResults(results) {
		return fmt.Errorf("system diagnostics failed")
	}
	return nil
}

// printResults logs every result and reports whether any of them failed
func printResults(results []checkResult) bool {
	util.InfoLog("")
	util.InfoLog("=== Diagnostic Results ===")
	util.InfoLog("")

	hasErrors := false
	hasWarnings := false

	for _, r := range results {
		symbol := "✓"
		if r.error {
			symbol = "✗"
			hasErrors = true
		} else if r.warning {
			symbol = "⚠"
			hasWarnings = true
		}

		line := fmt.Sprintf("[%s] %s", symbol, r.name)
		if r.message != "" {
			line += fmt.Sprintf(": %s", r.message)
		}

		if r.error {
			util.ErrorLog("%s", line)
		} else if r.warning {
			util.WarnLog("%s", line)
		} else {
			util.SuccessLog("%s", line)
		}
	}

	util.InfoLog("")
	if hasErrors {
		util.ErrorLog("Some critical checks failed. Please resolve errors before starting the workers.")
	} else if hasWarnings {
		util.WarnLog("Some checks produced warnings. Review them before proceeding.")
	} else {
		util.SuccessLog("All checks passed!")
	}
	return hasErrors
}

// checkDatabase opens the database, which also applies migrations, and
// reports its totals
func checkDatabase(ctx context.Context, dsn string) checkResult {
	dialect := store.DetectDialect(dsn)
	name := fmt.Sprintf("Database (%s)", dialect)

	db, err := store.Open(dsn)
	if err != nil {
		return checkResult{name: name, error: true, message: fmt.Sprintf("cannot open: %v", err)}
	}
	defer db.Close()

	if err := db.Ping(ctx); err != nil {
		return checkResult{name: name, error: true, message: fmt.Sprintf("not reachable: %v", err)}
	}

	tracks, err := db.CountTracks(ctx)
	if err != nil {
		return checkResult{name: name, error: true, message: err.Error()}
	}
	fingerprints, _ := db.CountFingerprints(ctx)
	pending, _ := db.CountPendingSubmissions(ctx)

	msg := fmt.Sprintf("%s tracks, %s fingerprints, %s pending submissions",
		humanize.Comma(tracks), humanize.Comma(fingerprints), humanize.Comma(pending))
	if dialect == store.SQLite {
		if info, err := os.Stat(dsn); err == nil {
			msg = fmt.Sprintf("%s (%s), %s", dsn, humanize.Bytes(uint64(info.Size())), msg)
		}
	}
	return checkResult{name: name, message: msg}
}

// checkWalLevel verifies that logical decoding is enabled
func checkWalLevel(ctx context.Context, dsn string) checkResult {
	name := "Logical replication"

	db, err := store.Open(dsn)
	if err != nil {
		return checkResult{name: name, error: true, message: err.Error()}
	}
	defer db.Close()

	var level string
	if err := db.DB().QueryRowContext(ctx, "SHOW wal_level").Scan(&level); err != nil {
		return checkResult{name: name, warning: true, message: fmt.Sprintf("cannot read wal_level: %v", err)}
	}
	if level != "logical" {
		return checkResult{name: name, error: true, message: fmt.Sprintf("wal_level is %q, replicate needs \"logical\"", level)}
	}
	return checkResult{name: name, message: "wal_level is logical"}
}

// checkStreamDirectory verifies the embedded stream directory is writable
func checkStreamDirectory(path string) checkResult {
	name := "Stream directory"

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return checkResult{name: name, message: fmt.Sprintf("%s (will be created on first run)", path)}
		}
		return checkResult{name: name, error: true, message: fmt.Sprintf("cannot access %s: %v", path, err)}
	}
	if !info.IsDir() {
		return checkResult{name: name, error: true, message: fmt.Sprintf("%s is not a directory", path)}
	}

	testFile := filepath.Join(path, ".fpm_write_test")
	f, err := os.Create(testFile)
	if err != nil {
		return checkResult{name: name, error: true, message: fmt.Sprintf("cannot write to %s: %v", path, err)}
	}
	f.Close()
	os.Remove(testFile)

	return checkResult{name: name, message: fmt.Sprintf("%s (writable)", path)}
}

// checkDiskSpace verifies available disk space
func checkDiskSpace(path string, label string) checkResult {
	name := fmt.Sprintf("Disk space (%s)", label)

	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return checkResult{name: name, warning: true, message: fmt.Sprintf("cannot determine disk space: %v", err)}
	}

	availBytes := stat.Bavail * uint64(stat.Bsize)
	totalBytes := stat.Blocks * uint64(stat.Bsize)
	usedBytes := totalBytes - (stat.Bfree * uint64(stat.Bsize))
	usedPercent := float64(usedBytes) / float64(max(totalBytes, 1)) * 100

	// Warn if less than 1GB available or >90% used
	warning := false
	warningMsg := ""
	if availBytes < 1<<30 {
		warning = true
		warningMsg = " (low space!)"
	} else if usedPercent > 90 {
		warning = true
		warningMsg = " (>90% used)"
	}

	return checkResult{
		name:    name,
		warning: warning,
		message: fmt.Sprintf("%s available%s", humanize.IBytes(availBytes), warningMsg),
	}
}

func checkNATS(ctx context.Context, cfg *config.Config) checkResult {
	name := "Stream (NATS)"

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	js, err := stream.DialJetStream(ctx, cfg.Stream.URL, cfg.Stream.Name, cfg.Stream.Prefix)
	if err != nil {
		return checkResult{name: name, error: true, message: err.Error()}
	}
	js.Close()
	return checkResult{name: name, message: fmt.Sprintf("%s, stream %s", cfg.Stream.URL, cfg.Stream.Name)}
}

func checkIndex(ctx context.Context, cfg *config.Config) []checkResult {
	if !cfg.Index.Enabled() {
		return []checkResult{{name: "Fingerprint index", warning: true, message: "not configured, searches scan the database"}}
	}
	client, err := newIndexClient(cfg)
	if err != nil {
		return []checkResult{{name: "Fingerprint index", error: true, message: err.Error()}}
	}

	if err := client.Healthcheck(ctx, ""); err != nil {
		return []checkResult{{name: "Fingerprint index", error: true, message: fmt.Sprintf("%s is unhealthy: %v", cfg.Index.URL, err)}}
	}
	results := []checkResult{{name: "Fingerprint index", message: cfg.Index.URL}}

	for _, index := range indexNames(cfg) {
		name := fmt.Sprintf("Index %s", index)
		info, err := client.GetIndexInfo(ctx, index)
		if err != nil {
			results = append(results, checkResult{name: name, error: true, message: err.Error()})
			continue
		}
		results = append(results, checkResult{
			name:    name,
			message: fmt.Sprintf("%s documents, max_lsn %d", humanize.Comma(int64(info.Docs)), info.Attributes["max_lsn"]),
		})
	}
	return results
}
