package cursor

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/gftdcojp/projection-cache/internal/notify"
	"github.com/gftdcojp/projection-cache/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedReader is an in-memory Reader that counts reads.
type seedReader struct {
	mu    sync.Mutex
	pos   map[types.StreamKey]types.Position
	reads int
	err   error
}

func newSeedReader() *seedReader {
	return &seedReader{pos: make(map[types.StreamKey]types.Position)}
}

func (r *seedReader) set(k types.StreamKey, p types.Position) {
	r.mu.Lock()
	r.pos[k] = p
	r.mu.Unlock()
}

func (r *seedReader) ReadCursorPosition(ctx context.Context, k types.StreamKey) (types.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads++
	if r.err != nil {
		return types.NotSet, r.err
	}
	if err := ctx.Err(); err != nil {
		return types.NotSet, err
	}
	p, ok := r.pos[k]
	if !ok {
		return types.NotSet, nil
	}
	return p, nil
}

func (r *seedReader) readCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reads
}

func streamKey(t *testing.T) types.StreamKey {
	t.Helper()
	k, err := types.NewStreamKey("bank-account", "acct-1")
	require.NoError(t, err)
	return k
}

func TestTrackerApply(t *testing.T) {
	k := streamKey(t)
	tr := NewTracker(k, types.NewPosition(3))

	assert.Equal(t, Applied, tr.Apply(notify.Notification{Key: k, Position: types.NewPosition(5), Token: 2}))
	assert.Equal(t, types.NewPosition(5), tr.Position())

	// Older token is discarded even though its position would be newer.
	assert.Equal(t, StaleToken, tr.Apply(notify.Notification{Key: k, Position: types.NewPosition(9), Token: 1}))
	assert.Equal(t, types.NewPosition(5), tr.Position())

	// Equal token proceeds to the position check.
	assert.Equal(t, NotNewer, tr.Apply(notify.Notification{Key: k, Position: types.NewPosition(4), Token: 2}))
	assert.Equal(t, Applied, tr.Apply(notify.Notification{Key: k, Position: types.NewPosition(6), Token: 2}))
	assert.Equal(t, types.NewPosition(6), tr.Position())

	assert.NoError(t, tr.Close())
}

func TestTrackerMonotonicUnderReordering(t *testing.T) {
	k := streamKey(t)
	var ns []notify.Notification
	for i := 1; i <= 50; i++ {
		n := notify.Notification{Key: k, Position: types.NewPosition(int64(i)), Token: uint64(i)}
		ns = append(ns, n, n)
	}
	rng := rand.New(rand.NewSource(7))
	rng.Shuffle(len(ns), func(i, j int) { ns[i], ns[j] = ns[j], ns[i] })

	tr := NewTracker(k, types.NotSet)
	prev := tr.Position()
	for _, n := range ns {
		tr.Apply(n)
		require.False(t, prev.IsNewerThan(tr.Position()), "position went backwards")
		prev = tr.Position()
	}
}

func TestServiceSeedsFromReader(t *testing.T) {
	k := streamKey(t)
	reader := newSeedReader()
	reader.set(k, types.NewPosition(5))
	bus := notify.NewBus()
	svc := NewService(reader, bus, Config{})
	t.Cleanup(func() { svc.Close() })

	ctx := context.Background()
	pos, err := svc.Position(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, types.NewPosition(5), pos)

	// Served from memory afterwards.
	_, err = svc.Position(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, 1, reader.readCount())
	assert.Equal(t, 1, svc.Active())
	assert.Equal(t, 1, bus.Subscribers(k))
}

func TestServiceUnknownStreamIsNotSet(t *testing.T) {
	svc := NewService(newSeedReader(), notify.NewBus(), Config{})
	t.Cleanup(func() { svc.Close() })

	k, err := types.NewStreamKey("bank-account", "new-entity")
	require.NoError(t, err)
	pos, err := svc.Position(context.Background(), k)
	require.NoError(t, err)
	assert.False(t, pos.IsSet())
}

func TestServiceAppliesNotifications(t *testing.T) {
	k := streamKey(t)
	reader := newSeedReader()
	reader.set(k, types.NewPosition(2))
	bus := notify.NewBus()
	svc := NewService(reader, bus, Config{})
	t.Cleanup(func() { svc.Close() })

	ctx := context.Background()
	_, err := svc.Position(ctx, k)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, notify.Notification{Key: k, Position: types.NewPosition(7), Token: 4}))
	require.NoError(t, bus.Publish(ctx, notify.Notification{Key: k, Position: types.NewPosition(6), Token: 3}))

	// Tell is queued ahead of the Ask, so the next read observes both.
	pos, err := svc.Position(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, types.NewPosition(7), pos)
}

func TestServiceReseedsAfterSubscriptionFailure(t *testing.T) {
	k := streamKey(t)
	reader := newSeedReader()
	reader.set(k, types.NewPosition(5))
	bus := notify.NewBus()
	svc := NewService(reader, bus, Config{})
	t.Cleanup(func() { svc.Close() })

	ctx := context.Background()
	pos, err := svc.Position(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, types.NewPosition(5), pos)

	// The stream advances while the subscription is broken.
	bus.Fail(k, notify.ErrSlowConsumer)
	reader.set(k, types.NewPosition(9))

	require.Eventually(t, func() bool { return svc.Active() == 0 }, 2*time.Second, 5*time.Millisecond)

	pos, err = svc.Position(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, types.NewPosition(9), pos)
	assert.Equal(t, 2, reader.readCount())
	assert.Equal(t, 1, bus.Subscribers(k))
}

func TestServiceActivationFailure(t *testing.T) {
	k := streamKey(t)
	reader := newSeedReader()
	bus := notify.NewBus()
	svc := NewService(reader, bus, Config{})
	t.Cleanup(func() { svc.Close() })

	boom := errors.New("transport down")
	bus.FailSubscribe(boom)
	_, err := svc.Position(context.Background(), k)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, reader.readCount())

	reader.err = errors.New("disk")
	_, err = svc.Position(context.Background(), k)
	require.Error(t, err)
	// A failed seed releases the subscription it took.
	assert.Equal(t, 0, bus.Subscribers(k))

	reader.err = nil
	reader.set(k, types.NewPosition(1))
	pos, err := svc.Position(context.Background(), k)
	require.NoError(t, err)
	assert.Equal(t, types.NewPosition(1), pos)
}

func TestServiceCancelledActivation(t *testing.T) {
	k := streamKey(t)
	reader := newSeedReader()
	bus := notify.NewBus()
	svc := NewService(reader, bus, Config{})
	t.Cleanup(func() { svc.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.Position(ctx, k)
	require.ErrorIs(t, err, context.Canceled)
	require.Eventually(t, func() bool { return svc.Active() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, bus.Subscribers(k))
	assert.Equal(t, 0, reader.readCount())
}

func TestServiceIdleEviction(t *testing.T) {
	k := streamKey(t)
	bus := notify.NewBus()
	svc := NewService(newSeedReader(), bus, Config{IdleTimeout: 20 * time.Millisecond})
	t.Cleanup(func() { svc.Close() })

	_, err := svc.Position(context.Background(), k)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return svc.Active() == 0 && bus.Subscribers(k) == 0 },
		2*time.Second, 5*time.Millisecond)
}

func TestServiceRejectsInvalidKey(t *testing.T) {
	svc := NewService(newSeedReader(), notify.NewBus(), Config{})
	t.Cleanup(func() { svc.Close() })

	_, err := svc.Position(context.Background(), types.StreamKey{Stream: "bank-account"})
	assert.ErrorIs(t, err, types.ErrMissingComponent)
}
