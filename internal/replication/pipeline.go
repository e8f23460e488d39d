// Package replication turns logical replication changes of the fingerprint
// table into change events on the stream.
package replication

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/franz/fpmatch/internal/changelog"
	"github.com/franz/fpmatch/internal/metrics"
	"github.com/franz/fpmatch/internal/report"
	"github.com/franz/fpmatch/internal/stream"
	"github.com/franz/fpmatch/internal/util"
)

const (
	DefaultBatchSize        = 1000
	DefaultMinDelay         = 50 * time.Millisecond
	DefaultMaxDelay         = time.Second
	DefaultProgressInterval = 1000
	DefaultSnapshotPageSize = 1000
)

// State of a pipeline run
type State int32

const (
	Uninitialized State = iota
	SnapshotLoading
	Streaming
	ShuttingDown
	Stopped
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case SnapshotLoading:
		return "snapshot_loading"
	case Streaming:
		return "streaming"
	case ShuttingDown:
		return "shutting_down"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// EventPublisher delivers change events
type EventPublisher interface {
	PublishEvent(ctx context.Context, e changelog.Event) error
}

// StreamPublisher publishes msgpack encoded events to a stream, one subject
// per fingerprint
type StreamPublisher struct {
	Stream stream.Publisher
	Prefix string
}

// NewStreamPublisher publishes to s under changelog.SubjectPrefix
func NewStreamPublisher(s stream.Publisher) *StreamPublisher {
	return &StreamPublisher{Stream: s, Prefix: changelog.SubjectPrefix}
}

func (p *StreamPublisher) PublishEvent(ctx context.Context, e changelog.Event) error {
	data, err := changelog.Encode(e)
	if err != nil {
		return err
	}
	if err := p.Stream.Publish(ctx, e.Subject(p.Prefix), data); err != nil {
		return fmt.Errorf("failed to publish %s event for fingerprint %d: %w", e.Op, e.ID, err)
	}
	return nil
}

// Pipeline copies the fingerprint table into the stream: a one-time
// snapshot when the slot is new, then every committed change.
type Pipeline struct {
	source    Source
	publisher EventPublisher
	events    *report.EventLogger

	BatchSize        int
	MinDelay         time.Duration
	MaxDelay         time.Duration
	ProgressInterval int
	SnapshotPageSize int

	state atomic.Int32
}

// NewPipeline creates a pipeline with the default tuning
func NewPipeline(source Source, publisher EventPublisher, events *report.EventLogger) *Pipeline {
	return &Pipeline{
		source:           source,
		publisher:        publisher,
		events:           events,
		BatchSize:        DefaultBatchSize,
		MinDelay:         DefaultMinDelay,
		MaxDelay:         DefaultMaxDelay,
		ProgressInterval: DefaultProgressInterval,
		SnapshotPageSize: DefaultSnapshotPageSize,
	}
}

// State returns the current state
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

func (p *Pipeline) setState(s State) {
	util.DebugLog("Replication %s -> %s", p.State(), s)
	p.state.Store(int32(s))
}

// Run replicates until ctx is cancelled. Cancellation is a clean shutdown
// and returns nil; a batch being streamed is finished first.
func (p *Pipeline) Run(ctx context.Context) error {
	p.setState(Uninitialized)
	defer p.setState(Stopped)

	if err := p.source.Acquire(ctx); err != nil {
		return err
	}

	created, err := p.source.EnsureSlot(ctx)
	if err != nil {
		return err
	}
	if created {
		p.setState(SnapshotLoading)
		if err := p.loadSnapshot(ctx); err != nil {
			p.source.FinishSnapshot(context.WithoutCancel(ctx), false)
			if errors.Is(err, util.ErrShutdown) {
				util.InfoLog("Interrupted initial data load due to shutdown")
				p.setState(ShuttingDown)
				return nil
			}
			return fmt.Errorf("initial data load failed: %w", err)
		}
		if err := p.source.FinishSnapshot(ctx, true); err != nil {
			return err
		}
	}

	p.setState(Streaming)
	err = p.stream(ctx)
	p.setState(ShuttingDown)
	if errors.Is(err, util.ErrShutdown) {
		return nil
	}
	return err
}

// loadSnapshot publishes every fingerprint of the snapshot as an insert.
// Shutdown is checked every ProgressInterval rows.
func (p *Pipeline) loadSnapshot(ctx context.Context) error {
	total, err := p.source.EstimateCount(ctx)
	if err != nil {
		return err
	}
	util.InfoLog("Found approximately %d fingerprints", total)

	work := context.WithoutCancel(ctx)
	progress := newSnapshotProgress(total, p.ProgressInterval)
	var lastID int64
	for {
		page, err := p.source.ScanSnapshot(work, lastID, p.SnapshotPageSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}
		for _, fp := range page {
			if err := p.publish(work, changelog.NewInsert(0, 0, fp.ID, fp.Hashes)); err != nil {
				return err
			}
			lastID = fp.ID
			if progress.add(1) && ctx.Err() != nil {
				return util.ErrShutdown
			}
		}
		p.events.LogReplicate(len(page), 0, true)
	}
	progress.finish()
	return nil
}

// stream polls the slot until shutdown
func (p *Pipeline) stream(ctx context.Context) error {
	work := context.WithoutCancel(ctx)
	delay := p.MinDelay

	for {
		if ctx.Err() != nil {
			return util.ErrShutdown
		}

		changes, err := p.source.Peek(work, p.BatchSize)
		if err != nil {
			return err
		}
		util.DebugLog("Got %d changes", len(changes))

		if len(changes) > 0 {
			if err := p.apply(work, changes); err != nil {
				return err
			}
		}
		delay = p.nextDelay(delay, len(changes))

		if len(changes) < p.BatchSize {
			util.DebugLog("Waiting %s", delay)
			select {
			case <-ctx.Done():
				return util.ErrShutdown
			case <-time.After(delay):
			}
		}
	}
}

// nextDelay resets the poll delay after a batch with changes and doubles
// it, up to MaxDelay, after an empty poll
func (p *Pipeline) nextDelay(delay time.Duration, changes int) time.Duration {
	if changes > 0 {
		return p.MinDelay
	}
	return min(delay*2, p.MaxDelay)
}

// apply publishes a batch and then consumes it from the slot. A crash in
// between republishes the batch on restart.
func (p *Pipeline) apply(ctx context.Context, changes []Change) error {
	published := 0
	for _, c := range changes {
		e, ok := c.Event()
		if !ok {
			continue
		}
		if err := p.publish(ctx, e); err != nil {
			return err
		}
		published++
	}

	last := changes[len(changes)-1].LSN
	if err := p.source.Advance(ctx, last); err != nil {
		return err
	}
	metrics.ReplicationBatches.Inc()
	metrics.ReplicationLSN.Set(float64(last))
	p.events.LogReplicate(published, last, false)
	return nil
}

func (p *Pipeline) publish(ctx context.Context, e changelog.Event) error {
	err := util.Retry(ctx, util.NetworkRetryConfig(), func() error {
		return p.publisher.PublishEvent(ctx, e)
	}, "publish change event")
	if err != nil {
		return err
	}
	metrics.ReplicationChanges.WithLabelValues(string(e.Op)).Inc()
	return nil
}
