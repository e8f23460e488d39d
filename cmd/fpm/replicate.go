package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/franz/fpmatch/internal/config"
	"github.com/franz/fpmatch/internal/replication"
	"github.com/franz/fpmatch/internal/report"
	"github.com/franz/fpmatch/internal/store"
	"github.com/franz/fpmatch/internal/stream"
	"github.com/franz/fpmatch/internal/util"
)

var replicateCmd = &cobra.Command{
	Use:   "replicate",
	Short: "Publish fingerprint changes from PostgreSQL to the change stream",
	Long: `Replicate the fingerprint table into the change stream.

On first start a temporary logical replication slot (wal2json) is created
and every existing fingerprint is published from a consistent snapshot.
After that, committed inserts, updates and deletes are read from the slot
and published, one subject per fingerprint. The slot only advances after
a batch has been published.

Only one replicate process can own the slot. The slot is temporary, so a
restart after a crash loads the snapshot again.

With --with-updater the index updater runs in the same process, which is
required when the embedded stream is used.`,
	RunE: runReplicate,
}

func init() {
	rootCmd.AddCommand(replicateCmd)

	replicateCmd.Flags().String("slot", "", "replication slot name")
	replicateCmd.Flags().Bool("with-updater", false, "also run the index updater")
	replicateCmd.Flags().String("instance", "", "updater instance name (with --with-updater)")

	viper.BindPFlag("replication.slot", replicateCmd.Flags().Lookup("slot"))
}

func runReplicate(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	withUpdater, _ := cmd.Flags().GetBool("with-updater")
	if err := applyInstanceFlag(cmd, cfg); err != nil {
		return err
	}

	if store.DetectDialect(cfg.Database.DSN) != store.Postgres {
		return fmt.Errorf("%w: replication requires a PostgreSQL database", util.ErrInvalidConfig)
	}
	if cfg.Stream.Embedded() && !withUpdater {
		util.WarnLog("The embedded stream can only be read by this process, consider --with-updater")
	}

	events := openEvents(cfg)
	defer events.Close()

	source, err := replication.OpenPostgresSource(ctx, cfg.Database.DSN, cfg.Replication.Slot)
	if err != nil {
		return err
	}
	defer source.Close()

	st, err := openStream(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	workers := []func(context.Context) error{
		newReplicationPipeline(cfg, source, st, events).Run,
	}
	if withUpdater {
		u, err := newIndexUpdater(ctx, cfg, st, events)
		if err != nil {
			return err
		}
		workers = append(workers, u.Run)
	}

	util.InfoLog("=== Replication ===")
	util.InfoLog("Slot: %s", cfg.Replication.Slot)
	if err := runService(ctx, cfg, workers...); err != nil {
		return fmt.Errorf("replication failed: %w", err)
	}
	util.InfoLog("Replication stopped")
	return nil
}

func newReplicationPipeline(cfg *config.Config, source replication.Source, st stream.Publisher, events *report.EventLogger) *replication.Pipeline {
	publisher := replication.NewStreamPublisher(st)
	publisher.Prefix = cfg.Stream.Prefix

	p := replication.NewPipeline(source, publisher, events)
	p.BatchSize = cfg.Replication.BatchSize
	p.MinDelay = cfg.Replication.MinDelay
	p.MaxDelay = cfg.Replication.MaxDelay
	p.ProgressInterval = cfg.Replication.ProgressInterval
	return p
}
