package internal_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gftdcojp/projection-cache/internal/config"
	"github.com/gftdcojp/projection-cache/internal/cursor"
	"github.com/gftdcojp/projection-cache/internal/file"
	"github.com/gftdcojp/projection-cache/internal/meta"
	"github.com/gftdcojp/projection-cache/internal/notify"
	"github.com/gftdcojp/projection-cache/internal/projection"
	"github.com/gftdcojp/projection-cache/internal/snapshot"
	"github.com/gftdcojp/projection-cache/internal/types"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

type account struct {
	Balance int64 `json:"balance"`
}

var accounts = projection.Definition{
	Kind:         "bank-account",
	Stream:       "bank-account",
	Storage:      "accounts",
	ReducerHash:  "9f2c4e1d7a3b5c60",
	RetainModuli: []int64{10},
}

// startEmbeddedNATS starts an embedded nats-server.
func startEmbeddedNATS(t *testing.T) *nats.Conn {
	t.Helper()
	opts := &server.Options{
		Host:   "127.0.0.1",
		Port:   -1, // random port
		NoLog:  true,
		NoSigs: true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		t.Fatalf("failed to create nats-server: %v", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats-server failed to start")
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		t.Fatal(err)
	}

	t.Cleanup(func() {
		nc.Close()
		ns.Shutdown()
	})
	return nc
}

// countingProvider counts snapshot fetches per version.
type countingProvider struct {
	inner projection.StateProvider[account]

	mu     sync.Mutex
	counts map[int64]int
}

func newCountingProvider(inner projection.StateProvider[account]) *countingProvider {
	return &countingProvider{inner: inner, counts: make(map[int64]int)}
}

func (p *countingProvider) StateAt(ctx context.Context, key types.SnapshotKey) (account, bool, error) {
	p.mu.Lock()
	p.counts[key.Version.Value()]++
	p.mu.Unlock()
	return p.inner.StateAt(ctx, key)
}

func (p *countingProvider) fetches(version int64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counts[version]
}

// stack is one daemon's worth of components over a data directory.
type stack struct {
	meta     meta.Store
	files    *file.Store
	engine   *snapshot.Engine
	cursors  *cursor.Service
	provider *countingProvider
	svc      *projection.Service[account]
	writer   *projection.Writer

	closeOnce sync.Once
}

func openStack(t *testing.T, dir string, bus interface {
	notify.Subscriber
	notify.Publisher
}) *stack {
	t.Helper()
	metaStore, err := meta.NewBoltStore(filepath.Join(dir, "cursors.db"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	files, err := file.NewStore(config.FileConfig{DataDir: filepath.Join(dir, "snapshots")}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	engine, err := snapshot.NewEngine(files, snapshot.Options{Compression: types.CompressionGzip})
	if err != nil {
		t.Fatal(err)
	}
	cursors := cursor.NewService(metaStore, bus, cursor.Config{})
	codec := projection.JSONCodec[account]{}
	provider := newCountingProvider(projection.NewSnapshotProvider[account](engine, codec))
	svc, err := projection.NewService[account](accounts, cursors, provider, codec, projection.Config{})
	if err != nil {
		t.Fatal(err)
	}
	s := &stack{
		meta:     metaStore,
		files:    files,
		engine:   engine,
		cursors:  cursors,
		provider: provider,
		svc:      svc,
		writer:   projection.NewWriter(engine, metaStore, notify.NewAdvancer(metaStore, bus, zap.NewNop()), zap.NewNop()),
	}
	t.Cleanup(s.close)
	return s
}

func (s *stack) close() {
	s.closeOnce.Do(func() {
		s.svc.Close()
		s.cursors.Close()
		s.files.Close()
		s.meta.Close()
	})
}

func payloadOf(t *testing.T, balance int64) projection.Payload {
	t.Helper()
	data, err := json.Marshal(account{Balance: balance})
	if err != nil {
		t.Fatal(err)
	}
	return projection.Payload{Data: data, ContentType: "application/json"}
}

func (s *stack) publish(t *testing.T, entity string, version, balance int64) {
	t.Helper()
	if _, err := s.writer.Publish(context.Background(), accounts, entity, types.NewPosition(version), payloadOf(t, balance)); err != nil {
		t.Fatalf("publish %s@%d: %v", entity, version, err)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
