package fpindex

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/franz/fpmatch/internal/changelog"
	"github.com/franz/fpmatch/internal/fingerprint"
	"github.com/franz/fpmatch/internal/metrics"
	"github.com/franz/fpmatch/internal/report"
	"github.com/franz/fpmatch/internal/stream"
	"github.com/franz/fpmatch/internal/util"
)

const (
	// DefaultBatchSize is the maximum number of messages per pull
	DefaultBatchSize = 1000

	// DefaultFetchWait is how long a pull waits for a full batch
	DefaultFetchWait = 10 * time.Second

	// MaxLSNAttribute records the highest applied LSN with the index
	MaxLSNAttribute = "max_lsn"

	minRetryDelay = time.Second
	maxRetryDelay = 30 * time.Second
)

// BatchUpdater is the part of the client the updater needs
type BatchUpdater interface {
	Update(ctx context.Context, index string, b *Batch) error
}

// UpdaterOptions configures an Updater
type UpdaterOptions struct {
	Index        string // main index, documents are the fingerprint hashes
	SimHashIndex string // documents are [simhash]; empty disables
	BatchSize    int
	FetchWait    time.Duration
	Events       *report.EventLogger
}

// DurableName returns the consumer name of an updater instance
func DurableName(instance string) string {
	return "fpindex-updater-" + instance
}

// Updater applies change events from the stream to the indexes. A batch
// is acknowledged only after every index accepted it, and redelivered
// otherwise.
type Updater struct {
	consumer stream.Consumer
	client   BatchUpdater
	opts     UpdaterOptions
}

// NewUpdater creates an updater reading from consumer
func NewUpdater(consumer stream.Consumer, client BatchUpdater, opts UpdaterOptions) *Updater {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.FetchWait <= 0 {
		opts.FetchWait = DefaultFetchWait
	}
	return &Updater{consumer: consumer, client: client, opts: opts}
}

// Run processes batches until ctx is cancelled. A batch that was already
// fetched is finished before Run returns.
func (u *Updater) Run(ctx context.Context) error {
	util.InfoLog("Updating index %s from the change stream", u.opts.Index)

	delay := minRetryDelay
	for {
		// Shutdown is checked before every pull
		if ctx.Err() != nil {
			util.InfoLog("Index updater stopped")
			return nil
		}

		_, err := u.ProcessBatch(ctx)
		if err == nil {
			delay = minRetryDelay
			continue
		}
		if ctx.Err() != nil {
			continue
		}

		util.ErrorLog("Index update failed, retrying in %v: %v", delay, err)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
		delay = min(2*delay, maxRetryDelay)
	}
}

// ProcessBatch pulls one batch and applies it. It returns the number of
// messages pulled.
func (u *Updater) ProcessBatch(ctx context.Context) (int, error) {
	msgs, err := u.consumer.Fetch(ctx, u.opts.BatchSize, u.opts.FetchWait)
	if err != nil {
		if len(msgs) > 0 {
			if nakErr := stream.NakAll(context.WithoutCancel(ctx), msgs); nakErr != nil {
				util.WarnLog("Failed to request redelivery: %v", nakErr)
			}
		}
		if errors.Is(err, context.Canceled) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to fetch changes: %w", err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	// Once pulled, the batch is applied and settled even during shutdown
	bctx := context.WithoutCancel(ctx)

	main, sim := &Batch{}, &Batch{}
	valid := make([]stream.Message, 0, len(msgs))
	var maxLSN uint64

	for _, m := range msgs {
		e, hashes, err := decodeMessage(m)
		if err != nil {
			util.ErrorLog("Dropping malformed change %s: %v", m.Subject(), err)
			metrics.DeadLetters.Inc()
			if err := m.Term(bctx); err != nil {
				util.WarnLog("Failed to terminate %s: %v", m.Subject(), err)
			}
			continue
		}

		valid = append(valid, m)
		maxLSN = max(maxLSN, e.LSN)

		id := uint32(e.ID)
		switch e.Op {
		case changelog.OpInsert, changelog.OpUpdate:
			main.Insert(id, fingerprint.ToUnsigned(hashes))
			sim.Insert(id, []uint32{e.SimHash})
		case changelog.OpDelete:
			main.Delete(id)
			sim.Delete(id)
		}
	}

	if len(valid) == 0 {
		return len(msgs), nil
	}

	main.SetAttribute(MaxLSNAttribute, maxLSN)
	sim.SetAttribute(MaxLSNAttribute, maxLSN)

	start := time.Now()
	g, gctx := errgroup.WithContext(bctx)
	g.Go(func() error { return u.apply(gctx, u.opts.Index, main) })
	if u.opts.SimHashIndex != "" {
		g.Go(func() error { return u.apply(gctx, u.opts.SimHashIndex, sim) })
	}
	err = g.Wait()
	metrics.Since(metrics.IndexUpdateDuration, start)

	if err != nil {
		if nakErr := stream.NakAll(bctx, valid); nakErr != nil {
			util.WarnLog("Failed to request redelivery: %v", nakErr)
		}
		return len(msgs), err
	}

	if err := stream.AckAll(bctx, valid); err != nil {
		return len(msgs), fmt.Errorf("failed to acknowledge batch: %w", err)
	}

	util.DebugLog("Applied %d changes to the indexes (max LSN %d) in %v",
		len(valid), maxLSN, time.Since(start).Round(time.Millisecond))
	return len(msgs), nil
}

func (u *Updater) apply(ctx context.Context, index string, b *Batch) error {
	start := time.Now()
	err := util.Retry(ctx, util.NetworkRetryConfig(), func() error {
		return u.client.Update(ctx, index, b)
	}, "update index "+index)

	u.opts.Events.LogIndex(index, b.Len(), time.Since(start), err)
	if err != nil {
		metrics.IndexUpdates.WithLabelValues(index, "error").Inc()
		return fmt.Errorf("failed to update index %s: %w", index, err)
	}
	metrics.IndexUpdates.WithLabelValues(index, "ok").Inc()
	return nil
}

func decodeMessage(m stream.Message) (changelog.Event, []int32, error) {
	e, err := changelog.Decode(m.Data())
	if err != nil {
		return e, nil, err
	}
	if e.ID > math.MaxUint32 {
		return e, nil, fmt.Errorf("%w: fingerprint id %d out of range", changelog.ErrMalformed, e.ID)
	}
	if e.Op == changelog.OpDelete {
		return e, nil, nil
	}
	hashes, err := e.Fingerprint()
	if err != nil {
		return e, nil, err
	}
	return e, hashes, nil
}
