package fpindex

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franz/fpmatch/internal/changelog"
	"github.com/franz/fpmatch/internal/fingerprint"
	"github.com/franz/fpmatch/internal/stream"
)

type updaterEnv struct {
	fake    *fakeIndex
	client  *Client
	stream  *stream.Pebble
	updater *Updater
}

func newUpdaterEnv(t *testing.T) *updaterEnv {
	t.Helper()
	ctx := context.Background()

	f, srv := newFakeIndex(t)
	client := NewClient(srv.URL)
	require.NoError(t, client.CreateIndex(ctx, "main"))
	require.NoError(t, client.CreateIndex(ctx, "simhash"))

	s, err := stream.OpenPebble("stream", &stream.PebbleOptions{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	consumer, err := s.Consumer(ctx, DurableName("test"))
	require.NoError(t, err)

	u := NewUpdater(consumer, client, UpdaterOptions{
		Index:        "main",
		SimHashIndex: "simhash",
		BatchSize:    100,
		FetchWait:    10 * time.Millisecond,
	})
	return &updaterEnv{fake: f, client: client, stream: s, updater: u}
}

func (env *updaterEnv) publish(t *testing.T, e changelog.Event) {
	t.Helper()
	data, err := changelog.Encode(e)
	require.NoError(t, err)
	require.NoError(t, env.stream.Publish(context.Background(), e.Subject(changelog.SubjectPrefix), data))
}

func TestUpdaterAppliesInsertsToBothIndexes(t *testing.T) {
	ctx := context.Background()
	env := newUpdaterEnv(t)

	hashes := []int32{-1, 2, 3}
	env.publish(t, changelog.NewInsert(0, 0, 1, hashes))
	env.publish(t, changelog.NewInsert(10, 700, 2, []int32{4, 5}))

	n, err := env.updater.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	main := env.fake.docs("main")
	require.Len(t, main, 2)
	assert.Equal(t, fingerprint.ToUnsigned(hashes), main[1])

	sim := env.fake.docs("simhash")
	require.Len(t, sim, 2)
	assert.Equal(t, []uint32{fingerprint.SimHash(hashes)}, sim[1])

	assert.Equal(t, uint64(700), env.fake.attr("main", MaxLSNAttribute))
	assert.Equal(t, uint64(700), env.fake.attr("simhash", MaxLSNAttribute))

	// acknowledged, nothing left
	n, err = env.updater.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestUpdaterSnapshotBatchSetsNoAttribute(t *testing.T) {
	env := newUpdaterEnv(t)
	env.publish(t, changelog.NewInsert(0, 0, 1, []int32{1}))

	_, err := env.updater.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(0), env.fake.attr("main", MaxLSNAttribute))
}

func TestUpdaterAppliesDeletes(t *testing.T) {
	ctx := context.Background()
	env := newUpdaterEnv(t)

	env.publish(t, changelog.NewInsert(1, 10, 5, []int32{1, 2}))
	_, err := env.updater.ProcessBatch(ctx)
	require.NoError(t, err)
	require.Len(t, env.fake.docs("main"), 1)

	env.publish(t, changelog.NewDelete(2, 20, 5))
	_, err = env.updater.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Empty(t, env.fake.docs("main"))
	assert.Empty(t, env.fake.docs("simhash"))
}

func TestUpdaterDeadLettersMalformed(t *testing.T) {
	ctx := context.Background()
	env := newUpdaterEnv(t)

	require.NoError(t, env.stream.Publish(ctx, "fingerprints.9", []byte("garbage")))
	env.publish(t, changelog.NewInsert(1, 10, 3, []int32{7}))

	n, err := env.updater.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, env.fake.docs("main"), 1)

	dead, err := env.stream.DeadLetters(DurableName("test"))
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "fingerprints.9", dead[0].Subject)
}

func TestUpdaterRedeliversOnFailure(t *testing.T) {
	ctx := context.Background()
	env := newUpdaterEnv(t)
	env.fake.with(func(f *fakeIndex) { f.failUpdates = 1 })

	env.publish(t, changelog.NewInsert(1, 10, 3, []int32{7}))

	_, err := env.updater.ProcessBatch(ctx)
	require.Error(t, err)

	// the batch comes back and is applied once the index accepts it
	n, err := env.updater.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, env.fake.docs("main"), 1)
	assert.Len(t, env.fake.docs("simhash"), 1)

	n, err = env.updater.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestUpdaterRunStopsOnCancel(t *testing.T) {
	env := newUpdaterEnv(t)
	env.publish(t, changelog.NewInsert(1, 10, 3, []int32{7}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.updater.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(env.fake.docs("main")) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("updater did not stop")
	}
}

func TestUpdaterReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newUpdaterEnv(t)
	e := changelog.NewInsert(1, 10, 3, []int32{-7, 8, 9})

	env.publish(t, e)
	_, err := env.updater.ProcessBatch(ctx)
	require.NoError(t, err)
	main, sim := env.fake.docs("main"), env.fake.docs("simhash")
	require.Len(t, main, 1)

	// the same change delivered again, as after a restart from an older position
	env.publish(t, e)
	n, err := env.updater.ProcessBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, main, env.fake.docs("main"))
	assert.Equal(t, sim, env.fake.docs("simhash"))
	assert.Equal(t, uint64(10), env.fake.attr("main", MaxLSNAttribute))
	assert.Equal(t, uint64(10), env.fake.attr("simhash", MaxLSNAttribute))
}

type recordingMessage struct {
	subject string
	naked   bool
}

func (m *recordingMessage) Subject() string               { return m.subject }
func (m *recordingMessage) Data() []byte                  { return nil }
func (m *recordingMessage) Ack(context.Context) error     { return nil }
func (m *recordingMessage) Term(context.Context) error    { return nil }
func (m *recordingMessage) Nak(ctx context.Context) error { m.naked = true; return nil }

type failingConsumer struct {
	msgs []stream.Message
	err  error
}

func (c *failingConsumer) Fetch(context.Context, int, time.Duration) ([]stream.Message, error) {
	return c.msgs, c.err
}

func TestUpdaterNaksPartialFetch(t *testing.T) {
	f, srv := newFakeIndex(t)
	client := NewClient(srv.URL)
	require.NoError(t, client.CreateIndex(context.Background(), "main"))

	m1, m2 := &recordingMessage{subject: "fingerprints.1"}, &recordingMessage{subject: "fingerprints.2"}
	fetchErr := errors.New("connection reset")
	u := NewUpdater(&failingConsumer{msgs: []stream.Message{m1, m2}, err: fetchErr}, client, UpdaterOptions{Index: "main"})

	n, err := u.ProcessBatch(context.Background())
	require.ErrorIs(t, err, fetchErr)
	assert.Zero(t, n)
	assert.True(t, m1.naked)
	assert.True(t, m2.naked)
	assert.Empty(t, f.docs("main"))
}
