// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/franz/fpmatch/internal/util"
)

// Registry holds every collector of this process
var Registry = prometheus.NewRegistry()

var (
	SearchDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fpm_search_duration_seconds",
		Help:    "Latency of fingerprint searches",
		Buckets: prometheus.DefBuckets,
	}, []string{"path"})

	SearchResults = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fpm_search_results",
		Help:    "Number of tracks returned per search",
		Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
	})

	IndexFallbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fpm_search_index_fallbacks_total",
		Help: "Searches that fell back from the external index to the store",
	}, []string{"reason"})

	Imports = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fpm_imports_total",
		Help: "Submission import outcomes",
	}, []string{"outcome"})

	TrackMerges = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fpm_track_merges_total",
		Help: "Tracks merged into another track",
	})

	ReplicationChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fpm_replication_changes_total",
		Help: "Change events published by the replication pipeline",
	}, []string{"op"})

	ReplicationBatches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fpm_replication_batches_total",
		Help: "Change batches read from the replication slot",
	})

	ReplicationLSN = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fpm_replication_lsn",
		Help: "Last LSN the replication slot was advanced to",
	})

	IndexUpdates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fpm_index_updates_total",
		Help: "Index update batches by index and status",
	}, []string{"index", "status"})

	IndexUpdateDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fpm_index_update_duration_seconds",
		Help:    "Latency of applying one batch to the indexes",
		Buckets: prometheus.DefBuckets,
	})

	DeadLetters = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fpm_index_dead_letters_total",
		Help: "Malformed change events that were dead-lettered",
	})
)

func init() {
	Registry.MustRegister(
		SearchDuration,
		SearchResults,
		IndexFallbacks,
		Imports,
		TrackMerges,
		ReplicationChanges,
		ReplicationBatches,
		ReplicationLSN,
		IndexUpdates,
		IndexUpdateDuration,
		DeadLetters,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Since observes the seconds elapsed since start
func Since(o prometheus.Observer, start time.Time) {
	o.Observe(time.Since(start).Seconds())
}

// Handler serves the registry in the Prometheus text format
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	util.InfoLog("Serving metrics on %s/metrics", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
