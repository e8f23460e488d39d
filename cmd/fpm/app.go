package main

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/franz/fpmatch/internal/config"
	"github.com/franz/fpmatch/internal/fpindex"
	"github.com/franz/fpmatch/internal/matcher"
	"github.com/franz/fpmatch/internal/metrics"
	"github.com/franz/fpmatch/internal/musicbrainz"
	"github.com/franz/fpmatch/internal/report"
	"github.com/franz/fpmatch/internal/store"
	"github.com/franz/fpmatch/internal/stream"
	"github.com/franz/fpmatch/internal/util"
)

func openStore(cfg *config.Config) (*store.Store, error) {
	util.DebugLog("Opening database (%s)", store.DetectDialect(cfg.Database.DSN))
	s, err := store.OpenWithOptions(cfg.Database.DSN, &store.OpenOptions{MaxOpenConns: cfg.Database.MaxOpenConns})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return s, nil
}

// openEvents returns the event logger, or a no-op logger when event logs
// are disabled or cannot be created
func openEvents(cfg *config.Config) *report.EventLogger {
	if cfg.Events.Dir == "" {
		return report.NullLogger()
	}
	logger, err := report.NewEventLogger(cfg.Events.Dir, report.EventLevel(cfg.Events.Level))
	if err != nil {
		util.WarnLog("Failed to create event logger: %v", err)
		return report.NullLogger()
	}
	util.InfoLog("Event log: %s", logger.Path())
	return logger
}

// openStream opens the embedded stream or connects to NATS
func openStream(ctx context.Context, cfg *config.Config) (stream.Stream, error) {
	if cfg.Stream.Embedded() {
		util.InfoLog("Using embedded stream in %s", cfg.Stream.Dir)
		s, err := stream.OpenPebble(cfg.Stream.Dir, nil)
		if err != nil {
			return nil, err
		}
		metrics.Registry.MustRegister(metrics.NewPebbleCollector(s.DB()))
		return s, nil
	}
	util.InfoLog("Connecting to NATS at %s", cfg.Stream.URL)
	return stream.DialJetStream(ctx, cfg.Stream.URL, cfg.Stream.Name, cfg.Stream.Prefix)
}

func newIndexClient(cfg *config.Config) (*fpindex.Client, error) {
	if !cfg.Index.Enabled() {
		return nil, fmt.Errorf("%w: index.url is not set", util.ErrInvalidConfig)
	}
	opts := []fpindex.Option{fpindex.WithTimeout(cfg.Index.Timeout)}
	if cfg.Index.RateLimit > 0 {
		opts = append(opts, fpindex.WithRateLimit(cfg.Index.RateLimit, max(cfg.Index.Burst, 1)))
	}
	return fpindex.NewClient(cfg.Index.URL, opts...), nil
}

// indexSearcher returns nil when no index is configured
func indexSearcher(cfg *config.Config) matcher.IndexSearcher {
	client, err := newIndexClient(cfg)
	if err != nil {
		return nil
	}
	return fpindex.NewIndexSearcher(client, cfg.Index.Name, cfg.Index.SearchTimeout)
}

func newMusicBrainzCache(cfg *config.Config, s *store.Store) *musicbrainz.Cache {
	client := musicbrainz.NewClient(
		musicbrainz.WithBaseURL(cfg.MusicBrainz.URL),
		musicbrainz.WithUserAgent(cfg.MusicBrainz.UserAgent),
		musicbrainz.WithRateLimit(cfg.MusicBrainz.RateLimit),
	)
	return musicbrainz.NewCache(s, client)
}

// runService runs the workers until they all return, serving metrics next
// to them when configured. The first failing worker stops the others.
func runService(ctx context.Context, cfg *config.Config, workers ...func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)

	var running sync.WaitGroup
	for _, w := range workers {
		running.Add(1)
		g.Go(func() error {
			defer running.Done()
			return w(gctx)
		})
	}

	if cfg.Metrics.Addr != "" {
		mctx, stop := context.WithCancel(gctx)
		defer stop()
		go func() {
			running.Wait()
			stop()
		}()
		g.Go(func() error { return metrics.Serve(mctx, cfg.Metrics.Addr) })
	}
	return g.Wait()
}
