package meta

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gftdcojp/projection-cache/internal/types"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	tmpFile, err := os.CreateTemp("", "pc-meta-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpFile.Name()) })

	store, err := NewBoltStore(tmpFile.Name(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func streamKey(t *testing.T, stream, entity string) types.StreamKey {
	t.Helper()
	k, err := types.NewStreamKey(stream, entity)
	if err != nil {
		t.Fatal(err)
	}
	return k
}

func TestReadCursorPositionAbsent(t *testing.T) {
	store := newTestStore(t)
	pos, err := store.ReadCursorPosition(context.Background(), streamKey(t, "bank-account", "acct-1"))
	if err != nil {
		t.Fatal(err)
	}
	if pos.IsSet() {
		t.Fatalf("expected NotSet, got %s", pos)
	}
}

func TestAdvanceCursor(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := streamKey(t, "bank-account", "acct-1")

	e, err := store.AdvanceCursor(ctx, key, types.NewPosition(0))
	if err != nil {
		t.Fatalf("AdvanceCursor failed: %v", err)
	}
	if e.Position != 0 || e.Token != 1 {
		t.Errorf("unexpected entry after first advance: %+v", e)
	}

	e, err = store.AdvanceCursor(ctx, key, types.NewPosition(5))
	if err != nil {
		t.Fatal(err)
	}
	if e.Position != 5 || e.Token != 2 {
		t.Errorf("unexpected entry: %+v", e)
	}

	pos, err := store.ReadCursorPosition(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if pos != types.NewPosition(5) {
		t.Errorf("expected 5, got %s", pos)
	}
}

func TestAdvanceCursorIsMonotonic(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := streamKey(t, "bank-account", "acct-1")

	if _, err := store.AdvanceCursor(ctx, key, types.NewPosition(7)); err != nil {
		t.Fatal(err)
	}
	for _, p := range []int64{7, 3} {
		_, err := store.AdvanceCursor(ctx, key, types.NewPosition(p))
		if !errors.Is(err, ErrStaleCursor) {
			t.Errorf("advance to %d: expected ErrStaleCursor, got %v", p, err)
		}
	}
	if _, err := store.AdvanceCursor(ctx, key, types.NotSet); !errors.Is(err, types.ErrInvalidPosition) {
		t.Errorf("expected ErrInvalidPosition for NotSet, got %v", err)
	}

	e, _ := store.GetCursor(ctx, key)
	if e.Position != 7 || e.Token != 1 {
		t.Errorf("rejected advances must not change the entry: %+v", e)
	}
}

func TestAdvanceCursorConcurrent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := streamKey(t, "bank-account", "acct-1")

	var wg sync.WaitGroup
	for i := int64(1); i <= 50; i++ {
		wg.Add(1)
		go func(p int64) {
			defer wg.Done()
			store.AdvanceCursor(ctx, key, types.NewPosition(p))
		}(i)
	}
	wg.Wait()

	pos, err := store.ReadCursorPosition(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if pos != types.NewPosition(50) {
		t.Errorf("expected 50 after concurrent advances, got %s", pos)
	}
}

func TestReadCursorCancelled(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.ReadCursorPosition(ctx, streamKey(t, "s", "e")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestListStreamsAndCursors(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	store.AdvanceCursor(ctx, streamKey(t, "bank-account", "acct-2"), types.NewPosition(1))
	store.AdvanceCursor(ctx, streamKey(t, "bank-account", "acct-1"), types.NewPosition(4))
	store.AdvanceCursor(ctx, streamKey(t, "ledger", "l-1"), types.NewPosition(9))

	streams, err := store.ListStreams(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(streams) != 2 || streams[0] != "bank-account" || streams[1] != "ledger" {
		t.Fatalf("unexpected streams: %v", streams)
	}

	cursors, err := store.ListCursors(ctx, "bank-account")
	if err != nil {
		t.Fatal(err)
	}
	if len(cursors) != 2 || cursors[0].EntityID != "acct-1" || cursors[0].Position != 4 {
		t.Fatalf("unexpected cursors: %+v", cursors)
	}
}

func TestPruneCycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	at, err := store.LastPruneCycle(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !at.IsZero() {
		t.Fatalf("expected zero time, got %v", at)
	}

	now := time.Now()
	if err := store.RecordPruneCycle(ctx, now); err != nil {
		t.Fatal(err)
	}
	at, _ = store.LastPruneCycle(ctx)
	if !at.Equal(time.Unix(0, now.UnixNano())) {
		t.Errorf("expected %v, got %v", now, at)
	}
}

func TestCursorsSurviveReopen(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "pc-meta-reopen-*.db")
	if err != nil {
		t.Fatal(err)
	}
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpFile.Name()) })

	s1, err := NewBoltStore(tmpFile.Name(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	s1.AdvanceCursor(context.Background(), streamKey(t, "bank-account", "acct-1"), types.NewPosition(12))
	s1.Close()

	s2, err := NewBoltStore(tmpFile.Name(), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	pos, err := s2.ReadCursorPosition(context.Background(), streamKey(t, "bank-account", "acct-1"))
	if err != nil {
		t.Fatal(err)
	}
	if pos != types.NewPosition(12) {
		t.Errorf("expected 12 after reopen, got %s", pos)
	}
	if err := s2.Ping(); err != nil {
		t.Errorf("ping: %v", err)
	}
}
