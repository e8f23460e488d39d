package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/franz/fpmatch/internal/fpindex"
	"github.com/franz/fpmatch/internal/util"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage the external fingerprint index",
	Long: `Create, delete and inspect the indexes of the fingerprint index service.

Without a name, create and delete act on the main and the simhash index.`,
}

func init() {
	rootCmd.AddCommand(indexCmd)

	indexCmd.AddCommand(&cobra.Command{
		Use:   "create [name...]",
		Short: "Create indexes (existing ones are kept)",
		RunE: withIndexClient(func(cmd *cobra.Command, client *fpindex.Client, names []string) error {
			for _, name := range names {
				if err := client.CreateIndex(cmd.Context(), name); err != nil {
					return fmt.Errorf("failed to create index %s: %w", name, err)
				}
				util.SuccessLog("Index %s is ready", name)
			}
			return nil
		}),
	})

	indexCmd.AddCommand(&cobra.Command{
		Use:   "delete [name...]",
		Short: "Delete indexes (missing ones are ignored)",
		RunE: withIndexClient(func(cmd *cobra.Command, client *fpindex.Client, names []string) error {
			for _, name := range names {
				if err := client.DeleteIndex(cmd.Context(), name); err != nil {
					return fmt.Errorf("failed to delete index %s: %w", name, err)
				}
				util.SuccessLog("Deleted index %s", name)
			}
			return nil
		}),
	})

	indexCmd.AddCommand(&cobra.Command{
		Use:   "info [name...]",
		Short: "Show index version, size and attributes",
		RunE: withIndexClient(func(cmd *cobra.Command, client *fpindex.Client, names []string) error {
			for _, name := range names {
				info, err := client.GetIndexInfo(cmd.Context(), name)
				if err != nil {
					return fmt.Errorf("failed to get info of index %s: %w", name, err)
				}
				printIndexInfo(name, info)
			}
			return nil
		}),
	})

	indexCmd.AddCommand(&cobra.Command{
		Use:   "health [name...]",
		Short: "Check the service and index health",
		RunE: withIndexClient(func(cmd *cobra.Command, client *fpindex.Client, names []string) error {
			if err := client.Healthcheck(cmd.Context(), ""); err != nil {
				return fmt.Errorf("index service is unhealthy: %w", err)
			}
			util.SuccessLog("Index service is healthy")
			for _, name := range names {
				if err := client.Healthcheck(cmd.Context(), name); err != nil {
					return fmt.Errorf("index %s is unhealthy: %w", name, err)
				}
				util.SuccessLog("Index %s is healthy", name)
			}
			return nil
		}),
	})

	indexCmd.AddCommand(&cobra.Command{
		Use:   "metrics",
		Short: "Print the index service metrics",
		Args:  cobra.NoArgs,
		RunE: withIndexClient(func(cmd *cobra.Command, client *fpindex.Client, _ []string) error {
			text, err := client.Metrics(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprint(os.Stdout, text)
			return nil
		}),
	})
}

// withIndexClient loads the config and passes a client and the index names
// (the arguments, or the configured indexes) to fn
func withIndexClient(fn func(cmd *cobra.Command, client *fpindex.Client, names []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, err := newIndexClient(cfg)
		if err != nil {
			return err
		}
		names := args
		if len(names) == 0 {
			names = indexNames(cfg)
		}
		return fn(cmd, client, names)
	}
}

func printIndexInfo(name string, info *fpindex.IndexInfo) {
	util.InfoLog("=== Index %s ===", name)
	util.InfoLog("Version: %d", info.Version)
	util.InfoLog("Segments: %d", info.Segments)
	util.InfoLog("Documents: %s", humanize.Comma(int64(info.Docs)))

	keys := make([]string, 0, len(info.Attributes))
	for k := range info.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		util.InfoLog("  %s: %d", k, info.Attributes[k])
	}
}
