package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franz/fpmatch/internal/changelog"
	"github.com/franz/fpmatch/internal/store"
	"github.com/franz/fpmatch/internal/stream"
)

// fakeSource replays scripted peek batches. It cancels the run once the
// script is exhausted, or together with the last batch when cancelOnLast
// is set.
type fakeSource struct {
	created      bool
	snapshot     []*store.Fingerprint
	batches      [][]Change
	cancelOnLast bool
	cancel       context.CancelFunc

	mu       sync.Mutex
	acquired bool
	finished []bool
	advanced []uint64
	peeks    int
}

func (f *fakeSource) Acquire(context.Context) error {
	f.acquired = true
	return nil
}

func (f *fakeSource) EnsureSlot(context.Context) (bool, error) {
	return f.created, nil
}

func (f *fakeSource) EstimateCount(context.Context) (int64, error) {
	return int64(len(f.snapshot)), nil
}

func (f *fakeSource) ScanSnapshot(_ context.Context, afterID int64, limit int) ([]*store.Fingerprint, error) {
	var page []*store.Fingerprint
	for _, fp := range f.snapshot {
		if fp.ID > afterID && len(page) < limit {
			page = append(page, fp)
		}
	}
	return page, nil
}

func (f *fakeSource) FinishSnapshot(_ context.Context, commit bool) error {
	f.finished = append(f.finished, commit)
	return nil
}

func (f *fakeSource) Peek(context.Context, int) ([]Change, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.peeks++
	if len(f.batches) == 0 {
		f.cancel()
		return nil, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	if f.cancelOnLast && len(f.batches) == 0 {
		f.cancel()
	}
	return batch, nil
}

func (f *fakeSource) Advance(_ context.Context, lsn uint64) error {
	f.advanced = append(f.advanced, lsn)
	return nil
}

func (f *fakeSource) Close() error { return nil }

type recordingPublisher struct {
	events []changelog.Event
	err    error
}

func (p *recordingPublisher) PublishEvent(_ context.Context, e changelog.Event) error {
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) ops() []string {
	var out []string
	for _, e := range p.events {
		out = append(out, fmt.Sprintf("%s:%d", e.Op, e.ID))
	}
	return out
}

func newTestPipeline(src *fakeSource, pub EventPublisher) (*Pipeline, context.Context) {
	ctx, cancel := context.WithCancel(context.Background())
	src.cancel = cancel
	p := NewPipeline(src, pub, nil)
	p.MinDelay = time.Millisecond
	p.MaxDelay = 4 * time.Millisecond
	p.SnapshotPageSize = 2
	p.ProgressInterval = 2
	return p, ctx
}

func TestPipelineSnapshotThenStream(t *testing.T) {
	hashes := []int32{1, 2, 3}
	src := &fakeSource{
		created: true,
		snapshot: []*store.Fingerprint{
			{ID: 1, Hashes: hashes},
			{ID: 2, Hashes: hashes},
			{ID: 3, Hashes: hashes},
		},
		batches: [][]Change{
			{
				{LSN: 10, XID: 100},
				{LSN: 11, XID: 100, Op: changelog.OpInsert, ID: 4, Hashes: hashes},
				{LSN: 12, XID: 100, Op: changelog.OpDelete, ID: 1},
				{LSN: 13, XID: 100},
			},
			{},
			{{LSN: 20, XID: 101, Op: changelog.OpUpdate, ID: 2, Hashes: hashes}},
		},
	}
	pub := &recordingPublisher{}
	p, ctx := newTestPipeline(src, pub)

	require.NoError(t, p.Run(ctx))
	assert.Equal(t, Stopped, p.State())
	assert.True(t, src.acquired)
	assert.Equal(t, []bool{true}, src.finished)

	assert.Equal(t, []string{"I:1", "I:2", "I:3", "I:4", "D:1", "U:2"}, pub.ops())
	for _, e := range pub.events[:3] {
		assert.Zero(t, e.XID)
		assert.Zero(t, e.LSN)
	}
	assert.Equal(t, uint64(11), pub.events[3].LSN)
	assert.Equal(t, int64(100), pub.events[3].XID)

	// the slot is advanced to the last entry of each batch, no-ops included
	assert.Equal(t, []uint64{13, 20}, src.advanced)
}

func TestPipelineExistingSlotSkipsSnapshot(t *testing.T) {
	src := &fakeSource{
		snapshot: []*store.Fingerprint{{ID: 1, Hashes: []int32{1}}},
		batches:  [][]Change{{{LSN: 5, Op: changelog.OpDelete, ID: 1}}},
	}
	pub := &recordingPublisher{}
	p, ctx := newTestPipeline(src, pub)

	require.NoError(t, p.Run(ctx))
	assert.Empty(t, src.finished)
	assert.Equal(t, []string{"D:1"}, pub.ops())
	assert.Equal(t, []uint64{5}, src.advanced)
}

func TestPipelineShutdownDuringSnapshot(t *testing.T) {
	var snapshot []*store.Fingerprint
	for i := int64(1); i <= 10; i++ {
		snapshot = append(snapshot, &store.Fingerprint{ID: i, Hashes: []int32{int32(i)}})
	}
	src := &fakeSource{created: true, snapshot: snapshot}
	pub := &recordingPublisher{}
	p, ctx := newTestPipeline(src, pub)
	src.cancel()

	require.NoError(t, p.Run(ctx))
	assert.Equal(t, []bool{false}, src.finished)
	assert.Len(t, pub.events, p.ProgressInterval)
	assert.Zero(t, src.peeks)
}

func TestPipelinePublishFailure(t *testing.T) {
	src := &fakeSource{
		batches: [][]Change{{{LSN: 5, Op: changelog.OpDelete, ID: 1}}},
	}
	pub := &recordingPublisher{err: errors.New("stream rejected message")}
	p, ctx := newTestPipeline(src, pub)

	err := p.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stream rejected message")
	assert.Empty(t, src.advanced)
}

func TestPipelineFullBatchDoesNotWait(t *testing.T) {
	insert := func(lsn uint64, id int64) Change {
		return Change{LSN: lsn, Op: changelog.OpInsert, ID: id, Hashes: []int32{1}}
	}
	src := &fakeSource{
		batches: [][]Change{
			{insert(1, 1), insert(2, 2)},
			{insert(3, 3), insert(4, 4)},
			{insert(5, 5)},
		},
		cancelOnLast: true,
	}
	pub := &recordingPublisher{}
	p, ctx := newTestPipeline(src, pub)
	p.BatchSize = 2
	p.MinDelay = 10 * time.Second
	p.MaxDelay = 10 * time.Second

	start := time.Now()
	require.NoError(t, p.Run(ctx))
	assert.Less(t, time.Since(start), 5*time.Second)

	// the batch read before shutdown is still published and consumed
	assert.Len(t, pub.events, 5)
	assert.Equal(t, []uint64{2, 4, 5}, src.advanced)
	assert.Equal(t, 3, src.peeks)
}

func TestPipelineNextDelay(t *testing.T) {
	p := NewPipeline(nil, nil, nil)

	delay := p.MinDelay
	var seen []time.Duration
	for range 6 {
		delay = p.nextDelay(delay, 0)
		seen = append(seen, delay)
	}
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}, seen)

	assert.Equal(t, DefaultMinDelay, p.nextDelay(time.Second, 3))
}

func TestStreamPublisher(t *testing.T) {
	ctx := context.Background()
	s, err := stream.OpenPebble("stream", &stream.PebbleOptions{InMemory: true})
	require.NoError(t, err)
	defer s.Close()

	pub := NewStreamPublisher(s)
	require.NoError(t, pub.PublishEvent(ctx, changelog.NewInsert(0, 0, 7, []int32{1, 2, 3})))
	require.NoError(t, pub.PublishEvent(ctx, changelog.NewInsert(1, 2, 8, []int32{4, 5})))
	require.NoError(t, pub.PublishEvent(ctx, changelog.NewDelete(3, 4, 7)))

	c, err := s.Consumer(ctx, "test")
	require.NoError(t, err)
	msgs, err := c.Fetch(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, "fingerprints.8", msgs[0].Subject())
	assert.Equal(t, "fingerprints.7", msgs[1].Subject())
	e, err := changelog.Decode(msgs[1].Data())
	require.NoError(t, err)
	assert.Equal(t, changelog.OpDelete, e.Op)
	assert.Equal(t, uint64(4), e.LSN)
}
