package main

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/franz/fpmatch/internal/fingerprint"
	"github.com/franz/fpmatch/internal/matcher"
	"github.com/franz/fpmatch/internal/util"
)

var searchCmd = &cobra.Command{
	Use:   "search",
	Short: "Search the database for a fingerprint (debugging aid)",
	Long: `Search for tracks matching a fingerprint.

The file holds either a compressed fingerprint blob or the output of
"fpcalc -raw" (DURATION= and FINGERPRINT= lines). The external index is
used when configured; --fast trusts it alone.`,
	RunE: runSearch,
}

func init() {
	rootCmd.AddCommand(searchCmd)

	searchCmd.Flags().String("fingerprint", "", "fingerprint file (required)")
	searchCmd.Flags().Int("length", 0, "duration in seconds (overrides DURATION=)")
	searchCmd.Flags().Float64("min-score", 0, "minimum score (default from config)")
	searchCmd.Flags().Bool("fast", false, "search the index only")
	searchCmd.MarkFlagRequired("fingerprint")
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	path, _ := cmd.Flags().GetString("fingerprint")
	length, _ := cmd.Flags().GetInt("length")
	minScore, _ := cmd.Flags().GetFloat64("min-score")
	fast, _ := cmd.Flags().GetBool("fast")

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read fingerprint: %w", err)
	}
	hashes, duration, err := parseFingerprintFile(data)
	if err != nil {
		return err
	}
	if length == 0 {
		length = duration
	}
	if length <= 0 {
		return fmt.Errorf("unknown duration, pass --length")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if minScore == 0 {
		minScore = cfg.Matcher.MinScore
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	opts := []matcher.Option{matcher.WithMinScore(minScore)}
	if index := indexSearcher(cfg); index != nil {
		opts = append(opts, matcher.WithIndex(index, fast || cfg.Matcher.Fast))
	} else if fast {
		util.WarnLog("No index configured, searching the database")
	}

	start := time.Now()
	matches, err := matcher.New(s, opts...).Search(ctx, hashes, length)
	if err != nil {
		return err
	}
	util.InfoLog("Found %d matches in %v", len(matches), time.Since(start).Round(time.Millisecond))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SCORE\tTRACK\tTRACK GID\tFINGERPRINT")
	for _, m := range matches {
		fmt.Fprintf(w, "%.3f\t%d\t%s\t%d\n", m.Score, m.TrackID, m.TrackGID, m.FingerprintID)
	}
	return w.Flush()
}

// parseFingerprintFile decodes fpcalc raw output or a compressed blob. The
// duration is 0 when the input does not carry one.
func parseFingerprintFile(data []byte) ([]int32, int, error) {
	if !bytes.Contains(data, []byte("FINGERPRINT=")) {
		hashes, _, err := fingerprint.Decompress(data)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to decode fingerprint: %w", err)
		}
		return hashes, 0, nil
	}

	var hashes []int32
	duration := 0
	for _, line := range strings.Split(string(data), "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "DURATION":
			d, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return nil, 0, fmt.Errorf("invalid duration %q", value)
			}
			duration = int(d + 0.5)
		case "FINGERPRINT":
			for _, item := range strings.Split(value, ",") {
				v, err := strconv.ParseInt(strings.TrimSpace(item), 10, 64)
				if err != nil || v < -1<<31 || v > 1<<32-1 {
					return nil, 0, fmt.Errorf("invalid fingerprint item %q", item)
				}
				hashes = append(hashes, int32(v))
			}
		}
	}
	if len(hashes) == 0 {
		return nil, 0, fmt.Errorf("empty fingerprint")
	}
	return hashes, duration, nil
}
