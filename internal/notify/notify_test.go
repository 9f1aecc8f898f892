package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gftdcojp/projection-cache/internal/meta"
	"github.com/gftdcojp/projection-cache/internal/types"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func startEmbeddedNATS(t *testing.T) *nats.Conn {
	t.Helper()
	opts := &server.Options{
		Host:   "127.0.0.1",
		Port:   -1, // random port
		NoLog:  true,
		NoSigs: true,
	}
	ns, err := server.NewServer(opts)
	require.NoError(t, err)
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats-server failed to start")
	}
	t.Cleanup(ns.Shutdown)

	nc, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func key(t *testing.T, stream, entity string) types.StreamKey {
	t.Helper()
	k, err := types.NewStreamKey(stream, entity)
	require.NoError(t, err)
	return k
}

type recorder struct {
	mu     sync.Mutex
	events []Notification
	errs   []error
	got    chan struct{}
}

func newRecorder() *recorder { return &recorder{got: make(chan struct{}, 64)} }

func (r *recorder) onEvent(n Notification) {
	r.mu.Lock()
	r.events = append(r.events, n)
	r.mu.Unlock()
	r.got <- struct{}{}
}

func (r *recorder) onError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
	r.got <- struct{}{}
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.got:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestBusDelivers(t *testing.T) {
	bus := NewBus()
	k := key(t, "bank-account", "acct-1")
	other := key(t, "bank-account", "acct-2")
	rec := newRecorder()

	sub, err := bus.Subscribe(k, rec.onEvent, rec.onError)
	require.NoError(t, err)
	assert.Equal(t, 1, bus.Subscribers(k))

	ctx := context.Background()
	require.NoError(t, bus.Publish(ctx, Notification{Key: other, Position: types.NewPosition(1), Token: 1}))
	require.NoError(t, bus.Publish(ctx, Notification{Key: k, Position: types.NewPosition(5), Token: 3}))

	require.Len(t, rec.events, 1)
	assert.Equal(t, types.NewPosition(5), rec.events[0].Position)
	assert.Equal(t, uint64(3), rec.events[0].Token)

	require.NoError(t, sub.Unsubscribe())
	assert.Equal(t, 0, bus.Subscribers(k))
	require.NoError(t, bus.Publish(ctx, Notification{Key: k, Position: types.NewPosition(6), Token: 4}))
	assert.Len(t, rec.events, 1)
}

func TestBusFaults(t *testing.T) {
	bus := NewBus()
	k := key(t, "bank-account", "acct-1")
	rec := newRecorder()

	boom := errors.New("boom")
	bus.FailSubscribe(boom)
	_, err := bus.Subscribe(k, rec.onEvent, rec.onError)
	require.ErrorIs(t, err, boom)

	_, err = bus.Subscribe(k, rec.onEvent, rec.onError)
	require.NoError(t, err)
	bus.Fail(k, ErrSlowConsumer)
	require.Len(t, rec.errs, 1)
	assert.ErrorIs(t, rec.errs[0], ErrSlowConsumer)
	assert.Equal(t, 0, bus.Subscribers(k))
}

func TestNATSSubjectRoundTrip(t *testing.T) {
	n := NewNATS(nil, "pc", zap.NewNop())
	k := key(t, "bank.account", "acct 1/ü")

	subj := n.Subject(k)
	assert.NotContains(t, subj[len("pc.cursor."):], " ")
	got, err := n.ParseSubject(subj)
	require.NoError(t, err)
	assert.Equal(t, k, got)

	_, err = n.ParseSubject("other.cursor.a.b")
	assert.ErrorIs(t, err, types.ErrMalformedKey)
	_, err = n.ParseSubject("pc.cursor.onlyone")
	assert.ErrorIs(t, err, types.ErrMalformedKey)
}

func TestNATSPublishSubscribe(t *testing.T) {
	nc := startEmbeddedNATS(t)
	n := NewNATS(nc, "pc", zap.NewNop())
	k := key(t, "bank-account", "acct-1")
	rec := newRecorder()

	sub, err := n.Subscribe(k, rec.onEvent, rec.onError)
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	ctx := context.Background()
	require.NoError(t, n.Publish(ctx, Notification{Key: k, Position: types.NewPosition(5), Token: 2}))
	rec.wait(t)

	rec.mu.Lock()
	require.Len(t, rec.events, 1)
	assert.Equal(t, Notification{Key: k, Position: types.NewPosition(5), Token: 2}, rec.events[0])
	rec.mu.Unlock()

	// Malformed payloads are dropped, not surfaced as errors.
	require.NoError(t, nc.Publish(n.Subject(k), []byte("not json")))
	require.NoError(t, n.Publish(ctx, Notification{Key: k, Position: types.NewPosition(6), Token: 3}))
	rec.wait(t)
	rec.mu.Lock()
	assert.Len(t, rec.events, 2)
	assert.Empty(t, rec.errs)
	rec.mu.Unlock()

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe())
}

func TestNATSTransportCloseReportsError(t *testing.T) {
	nc := startEmbeddedNATS(t)
	n := NewNATS(nc, "pc", zap.NewNop())
	k := key(t, "bank-account", "acct-1")
	rec := newRecorder()

	sub, err := n.Subscribe(k, rec.onEvent, rec.onError)
	require.NoError(t, err)

	// Close the underlying subscription behind the owner's back.
	require.NoError(t, sub.(*natsSubscription).sub.Unsubscribe())
	rec.wait(t)

	rec.mu.Lock()
	require.Len(t, rec.errs, 1)
	assert.ErrorIs(t, rec.errs[0], ErrSubscriptionClosed)
	rec.mu.Unlock()

	// The owner's Unsubscribe after a failure is a no-op.
	require.NoError(t, sub.Unsubscribe())
}

func TestAdvancerPublishesToken(t *testing.T) {
	store, err := meta.NewBoltStore(t.TempDir()+"/cursors.db", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := NewBus()
	k := key(t, "bank-account", "acct-1")
	rec := newRecorder()
	_, err = bus.Subscribe(k, rec.onEvent, rec.onError)
	require.NoError(t, err)

	adv := NewAdvancer(store, bus, zap.NewNop())
	ctx := context.Background()

	n, err := adv.Advance(ctx, k, types.NewPosition(3))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n.Token)
	n, err = adv.Advance(ctx, k, types.NewPosition(5))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n.Token)

	_, err = adv.Advance(ctx, k, types.NewPosition(4))
	require.ErrorIs(t, err, meta.ErrStaleCursor)

	require.Len(t, rec.events, 2)
	assert.Equal(t, types.NewPosition(5), rec.events[1].Position)

	pos, err := store.ReadCursorPosition(ctx, k)
	require.NoError(t, err)
	assert.Equal(t, types.NewPosition(5), pos)
}
