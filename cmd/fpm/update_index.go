package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/franz/fpmatch/internal/config"
	"github.com/franz/fpmatch/internal/fpindex"
	"github.com/franz/fpmatch/internal/report"
	"github.com/franz/fpmatch/internal/stream"
	"github.com/franz/fpmatch/internal/util"
)

var updateIndexCmd = &cobra.Command{
	Use:   "update-index",
	Short: "Apply fingerprint changes from the change stream to the index",
	Long: `Consume the change stream and apply it to the fingerprint index.

Every instance has its own durable consumer (fpindex-updater-<instance>),
so several index replicas can follow the same stream. Each batch is
written to the main index and the simhash index, and only acknowledged
once both accepted it. Malformed events are dead-lettered.`,
	RunE: runUpdateIndex,
}

func init() {
	rootCmd.AddCommand(updateIndexCmd)

	updateIndexCmd.Flags().String("instance", "", "updater instance name")
	updateIndexCmd.Flags().Bool("create", false, "create the indexes if they do not exist")
}

func runUpdateIndex(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyInstanceFlag(cmd, cfg); err != nil {
		return err
	}

	events := openEvents(cfg)
	defer events.Close()

	st, err := openStream(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if create, _ := cmd.Flags().GetBool("create"); create {
		client, err := newIndexClient(cfg)
		if err != nil {
			return err
		}
		for _, name := range indexNames(cfg) {
			if err := client.CreateIndex(ctx, name); err != nil {
				return fmt.Errorf("failed to create index %s: %w", name, err)
			}
		}
	}

	u, err := newIndexUpdater(ctx, cfg, st, events)
	if err != nil {
		return err
	}

	util.InfoLog("=== Index Update ===")
	util.InfoLog("Instance: %s", cfg.Index.Instance)
	return runService(ctx, cfg, u.Run)
}

func newIndexUpdater(ctx context.Context, cfg *config.Config, st stream.Stream, events *report.EventLogger) (*fpindex.Updater, error) {
	client, err := newIndexClient(cfg)
	if err != nil {
		return nil, err
	}
	consumer, err := st.Consumer(ctx, fpindex.DurableName(cfg.Index.Instance))
	if err != nil {
		return nil, fmt.Errorf("failed to create stream consumer: %w", err)
	}
	return fpindex.NewUpdater(consumer, client, fpindex.UpdaterOptions{
		Index:        cfg.Index.Name,
		SimHashIndex: cfg.Index.SimHashName,
		BatchSize:    cfg.Index.BatchSize,
		FetchWait:    cfg.Index.FetchWait,
		Events:       events,
	}), nil
}

// applyInstanceFlag overrides index.instance with the --instance flag of cmd
func applyInstanceFlag(cmd *cobra.Command, cfg *config.Config) error {
	instance, _ := cmd.Flags().GetString("instance")
	if instance == "" {
		return nil
	}
	cfg.Index.Instance = instance
	return cfg.Validate()
}

// indexNames lists the configured indexes, main index first
func indexNames(cfg *config.Config) []string {
	names := []string{cfg.Index.Name}
	if cfg.Index.SimHashName != "" {
		names = append(names, cfg.Index.SimHashName)
	}
	return names
}
