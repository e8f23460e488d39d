package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/franz/fpmatch/internal/merge"
	"github.com/franz/fpmatch/internal/util"
)

var mergeMBIDCmd = &cobra.Command{
	Use:   "merge-mbid [mbid...]",
	Short: "Follow MusicBrainz recording merges",
	Long: `Look up MBIDs on MusicBrainz and move the track links of recordings
that were merged into another recording over to the surviving MBID.

Lookups are cached in the database and rate limited. With --all every
MBID known to the database is checked.`,
	RunE: runMergeMBID,
}

var mergeTracksCmd = &cobra.Command{
	Use:   "merge-tracks <target> <source>...",
	Short: "Merge tracks into a target track",
	Long: `Move the fingerprints and external ids of the source tracks to the
target track and redirect the source tracks to it.

The merge is refused unless every fingerprint pair of the tracks is
similar enough, use --force to skip that check.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runMergeTracks,
}

func init() {
	rootCmd.AddCommand(mergeMBIDCmd)
	rootCmd.AddCommand(mergeTracksCmd)

	mergeMBIDCmd.Flags().Bool("all", false, "check every MBID in the database")
	mergeMBIDCmd.Flags().Int("page-size", 1000, "MBIDs read per page with --all")

	mergeTracksCmd.Flags().Bool("force", false, "merge without comparing fingerprints")
}

func runMergeMBID(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	all, _ := cmd.Flags().GetBool("all")
	pageSize, _ := cmd.Flags().GetInt("page-size")
	if !all && len(args) == 0 {
		return fmt.Errorf("pass MBIDs or --all")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	events := openEvents(cfg)
	defer events.Close()

	engine := merge.NewEngine(s, newMusicBrainzCache(cfg, s), events)

	if all {
		merged, err := engine.MergeAllMissingMBIDs(ctx, pageSize)
		if err != nil {
			return err
		}
		util.SuccessLog("Merged %d MBIDs", merged)
		return nil
	}

	failed := 0
	for _, mbid := range args {
		merged, err := engine.MergeMissingMBID(ctx, mbid)
		switch {
		case err != nil:
			util.ErrorLog("Failed to merge MBID %s: %v", mbid, err)
			failed++
		case merged:
			util.SuccessLog("Merged MBID %s", mbid)
		default:
			util.InfoLog("MBID %s is up to date", mbid)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d MBIDs failed", failed, len(args))
	}
	return nil
}

func runMergeTracks(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	force, _ := cmd.Flags().GetBool("force")

	ids := make([]int64, len(args))
	for i, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("invalid track id %q", arg)
		}
		ids[i] = id
	}
	target, sources := ids[0], ids[1:]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	events := openEvents(cfg)
	defer events.Close()

	if !force {
		groups, err := merge.CanMergeTracks(ctx, s, ids)
		if err != nil {
			return err
		}
		if len(groups) != 1 || len(groups[0]) != len(ids) {
			return fmt.Errorf("tracks %v are not similar enough to merge (use --force)", ids)
		}
	}

	if err := merge.NewEngine(s, nil, events).MergeTracks(ctx, target, sources); err != nil {
		return err
	}
	util.SuccessLog("Merged tracks %v into %d", sources, target)
	return nil
}
