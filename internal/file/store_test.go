package file

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/gftdcojp/projection-cache/internal/config"
	"github.com/gftdcojp/projection-cache/internal/snapshot"
	"github.com/gftdcojp/projection-cache/internal/types"
	"go.uber.org/zap"
)

func newTestFileStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := NewStore(config.FileConfig{DataDir: dir}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestFileStore_PutGet(t *testing.T) {
	store := newTestFileStore(t)
	ctx := context.Background()

	err := store.Put(ctx, "balances/acct-1/abc/5", []byte(`{"balance":42}`), snapshot.PutOptions{
		ContentType: "application/json",
		Tier:        types.TierCool,
		Metadata:    map[string]string{snapshot.MetaSize: "14"},
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := store.Get(ctx, "balances/acct-1/abc/5")
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Data) != `{"balance":42}` {
		t.Errorf("data = %q", got.Data)
	}
	if got.ContentType != "application/json" {
		t.Errorf("content type = %q", got.ContentType)
	}
	if got.Metadata[snapshot.MetaSize] != "14" {
		t.Errorf("metadata = %v", got.Metadata)
	}
}

func TestFileStore_PutCreatesDirectory(t *testing.T) {
	store := newTestFileStore(t)
	ctx := context.Background()

	if err := store.Put(ctx, "newstore/e/h/1", []byte("x"), snapshot.PutOptions{}); err != nil {
		t.Fatal(err)
	}

	dir := filepath.Join(store.dataDir, "newstore", "e", "h")
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("expected directory %s to be created", dir)
	}
}

func TestFileStore_GetNotFound(t *testing.T) {
	store := newTestFileStore(t)
	_, err := store.Get(context.Background(), "balances/nobody/abc/1")
	if !errors.Is(err, snapshot.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFileStore_RejectsTraversal(t *testing.T) {
	store := newTestFileStore(t)
	ctx := context.Background()
	for _, p := range []string{"../escape", "a/../../b", "a//b", ""} {
		if err := store.Put(ctx, p, []byte("x"), snapshot.PutOptions{}); err == nil {
			t.Errorf("Put(%q) should fail", p)
		}
	}
}

func TestFileStore_ListAndDelete(t *testing.T) {
	store := newTestFileStore(t)
	ctx := context.Background()

	for v := 1; v <= 3; v++ {
		if err := store.Put(ctx, fmt.Sprintf("s/a/h/%d", v), []byte("data"), snapshot.PutOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.Put(ctx, "s/b/h/1", []byte("data"), snapshot.PutOptions{}); err != nil {
		t.Fatal(err)
	}

	paths, err := store.List(ctx, "s/a/h/")
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 3 || paths[0] != "s/a/h/1" || paths[2] != "s/a/h/3" {
		t.Fatalf("unexpected listing: %v", paths)
	}

	all, err := store.List(ctx, "s/")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 {
		t.Fatalf("expected 4 paths, got %v", all)
	}

	if err := store.Delete(ctx, "s/a/h/2"); err != nil {
		t.Fatal(err)
	}
	if err := store.Delete(ctx, "s/a/h/2"); err != nil {
		t.Fatalf("second delete should be a no-op: %v", err)
	}
	if _, err := store.Get(ctx, "s/a/h/2"); !errors.Is(err, snapshot.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	files, bytes := store.Stats()
	if files != 3 || bytes != 12 {
		t.Errorf("stats = (%d, %d), want (3, 12)", files, bytes)
	}
}

func TestFileStore_ListMissingPrefix(t *testing.T) {
	store := newTestFileStore(t)
	paths, err := store.List(context.Background(), "nothing/here/")
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 0 {
		t.Fatalf("expected empty listing, got %v", paths)
	}
}

func TestFileStore_StatsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	s1, err := NewStore(config.FileConfig{DataDir: dir}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	s1.Put(context.Background(), "s/a/h/1", []byte("12345"), snapshot.PutOptions{})

	s2, err := NewStore(config.FileConfig{DataDir: dir}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	files, bytes := s2.Stats()
	if files != 1 || bytes != 5 {
		t.Errorf("stats after reopen = (%d, %d), want (1, 5)", files, bytes)
	}
}

func TestFileStore_ConcurrentPuts(t *testing.T) {
	store := newTestFileStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := store.Put(ctx, fmt.Sprintf("s/e%d/h/1", i), []byte("x"), snapshot.PutOptions{}); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()

	paths, err := store.List(ctx, "s/")
	if err != nil {
		t.Fatal(err)
	}
	if len(paths) != 20 {
		t.Fatalf("expected 20 paths, got %d", len(paths))
	}
}

func TestFileStore_Cancelled(t *testing.T) {
	store := newTestFileStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := store.Get(ctx, "balances/nobody/abc/1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Get: expected context.Canceled, got %v", err)
	}
	if err := store.Put(ctx, "s/a/h/1", []byte("x"), snapshot.PutOptions{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Put: expected context.Canceled, got %v", err)
	}
	if _, err := store.List(ctx, "s/"); !errors.Is(err, context.Canceled) {
		t.Fatalf("List: expected context.Canceled, got %v", err)
	}
	if err := store.Delete(ctx, "s/a/h/1"); !errors.Is(err, context.Canceled) {
		t.Fatalf("Delete: expected context.Canceled, got %v", err)
	}
}

func TestFileStore_CancelledReadIsNotAMiss(t *testing.T) {
	engine, err := snapshot.NewEngine(newTestFileStore(t), snapshot.Options{})
	if err != nil {
		t.Fatal(err)
	}
	family, err := types.NewSnapshotFamilyKey("balances", "acct-1", "9f2c")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok, err := engine.Read(ctx, family.At(types.NewPosition(1)))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got ok=%v err=%v", ok, err)
	}
}

func TestFileStore_PutIfAbsent(t *testing.T) {
	store := newTestFileStore(t)
	ctx := context.Background()
	opts := snapshot.PutOptions{ContentType: "application/json", IfAbsent: true}

	if err := store.Put(ctx, "s/a/h/1", []byte("first"), opts); err != nil {
		t.Fatal(err)
	}
	err := store.Put(ctx, "s/a/h/1", []byte("second!"), opts)
	if !errors.Is(err, snapshot.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	got, err := store.Get(ctx, "s/a/h/1")
	if err != nil {
		t.Fatal(err)
	}
	if string(got.Data) != "first" {
		t.Fatalf("existing snapshot replaced: %q", got.Data)
	}
	if files, bytes := store.Stats(); files != 1 || bytes != 5 {
		t.Errorf("stats = (%d, %d), want (1, 5)", files, bytes)
	}

	// No temp files are left behind by the rejected write.
	entries, err := os.ReadDir(filepath.Join(store.dataDir, "s", "a", "h"))
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.Name() != "1.snap" && e.Name() != "1.meta" {
			t.Errorf("unexpected file %s", e.Name())
		}
	}
}

func TestFileStore_PutIfAbsentConcurrent(t *testing.T) {
	store := newTestFileStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	won := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := store.Put(ctx, "s/a/h/1", []byte(fmt.Sprintf("writer-%d", i)), snapshot.PutOptions{IfAbsent: true})
			if err == nil {
				mu.Lock()
				won++
				mu.Unlock()
			} else if !errors.Is(err, snapshot.ErrExists) {
				t.Errorf("writer %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	if won != 1 {
		t.Fatalf("expected exactly one winner, got %d", won)
	}
}
