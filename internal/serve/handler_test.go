package serve

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gftdcojp/projection-cache/internal/cursor"
	"github.com/gftdcojp/projection-cache/internal/memory"
	"github.com/gftdcojp/projection-cache/internal/meta"
	"github.com/gftdcojp/projection-cache/internal/notify"
	"github.com/gftdcojp/projection-cache/internal/projection"
	"github.com/gftdcojp/projection-cache/internal/snapshot"
	"go.uber.org/zap"
)

var accounts = projection.Definition{
	Kind:         "bank-account",
	Stream:       "bank-account",
	Storage:      "accounts",
	ReducerHash:  "h1",
	RetainModuli: []int64{10},
}

type testEnv struct {
	deps    Deps
	mux     http.Handler
	catalog *projection.Catalog
	meta    meta.Store
}

func newTestMeta(t *testing.T) meta.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	store, err := meta.NewBoltStore(path, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	metaStore := newTestMeta(t)
	engine, err := snapshot.NewEngine(memory.NewStore(zap.NewNop()), snapshot.Options{})
	if err != nil {
		t.Fatal(err)
	}
	bus := notify.NewBus()
	cursors := cursor.NewService(metaStore, bus, cursor.Config{})
	t.Cleanup(func() { cursors.Close() })

	codec := projection.RawCodec{}
	svc, err := projection.NewService[projection.Raw](accounts, cursors, projection.NewSnapshotProvider[projection.Raw](engine, codec), codec, projection.Config{})
	if err != nil {
		t.Fatal(err)
	}
	catalog := projection.NewCatalog()
	if err := catalog.Add(svc); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { catalog.Close() })

	deps := Deps{
		Catalog: catalog,
		Engine:  engine,
		Writer:  projection.NewWriter(engine, metaStore, notify.NewAdvancer(metaStore, bus, zap.NewNop()), zap.NewNop()),
		Meta:    metaStore,
		MaxBody: 1024,
		Logger:  zap.NewNop(),
	}
	return &testEnv{deps: deps, mux: NewHandler(deps), catalog: catalog, meta: metaStore}
}

func (e *testEnv) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, req)
	return w
}

func (e *testEnv) publish(t *testing.T, entity, version, body string) {
	t.Helper()
	w := e.do(t, "POST", "/v1/admin/publish/bank-account/"+entity+"/"+version, []byte(body))
	if w.Code != http.StatusCreated {
		t.Fatalf("publish %s@%s: expected 201, got %d: %s", entity, version, w.Code, w.Body.String())
	}
}

func TestHandler_Status(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "GET", "/v1/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", resp["status"])
	}
	if resp["projections"] != float64(1) {
		t.Fatalf("expected 1 projection, got %v", resp["projections"])
	}
}

func TestHandler_Projections(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "GET", "/v1/projections", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp []map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if len(resp) != 1 || resp[0]["kind"] != "bank-account" || resp[0]["storage"] != "accounts" {
		t.Fatalf("unexpected projections %v", resp)
	}
}

func TestHandler_Latest_NewEntity(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "GET", "/v1/projections/bank-account/acct-1", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}

	w = env.do(t, "GET", "/v1/projections/bank-account/acct-1/version", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["set"] != false || resp["version"] != float64(-1) {
		t.Fatalf("expected unset version, got %v", resp)
	}
}

func TestHandler_PublishAndRead(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, "acct-1", "5", `{"balance":500}`)

	w := env.do(t, "GET", "/v1/projections/bank-account/acct-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Body.String() != `{"balance":500}` {
		t.Fatalf("unexpected body %q", w.Body.String())
	}
	if got := w.Header().Get(VersionHeader); got != "5" {
		t.Fatalf("expected version header 5, got %q", got)
	}
	if got := w.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("unexpected content type %q", got)
	}

	env.publish(t, "acct-1", "6", `{"balance":600}`)

	w = env.do(t, "GET", "/v1/projections/bank-account/acct-1/versions/5", nil)
	if w.Code != http.StatusOK || w.Body.String() != `{"balance":500}` {
		t.Fatalf("version 5: got %d %q", w.Code, w.Body.String())
	}

	w = env.do(t, "GET", "/v1/projections/bank-account/acct-1/version", nil)
	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["version"] != float64(6) {
		t.Fatalf("expected version 6, got %v", resp["version"])
	}

	w = env.do(t, "GET", "/v1/cursors/bank-account", nil)
	var cursors []map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &cursors)
	if len(cursors) != 1 || cursors[0]["position"] != float64(6) || cursors[0]["token"] != float64(2) {
		t.Fatalf("unexpected cursors %v", cursors)
	}
}

func TestHandler_PublishKeepsContentType(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest("POST", "/v1/admin/publish/bank-account/acct-1/1", bytes.NewReader([]byte("plain words")))
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	w := httptest.NewRecorder()
	env.mux.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("publish: expected 201, got %d: %s", w.Code, w.Body.String())
	}

	w = env.do(t, "GET", "/v1/projections/bank-account/acct-1", nil)
	if w.Code != http.StatusOK || w.Body.String() != "plain words" {
		t.Fatalf("unexpected read %d %q", w.Code, w.Body.String())
	}
	if got := w.Header().Get("Content-Type"); got != "text/plain; charset=utf-8" {
		t.Fatalf("expected the published content type, got %q", got)
	}
}

func TestHandler_Publish_Stale(t *testing.T) {
	env := newTestEnv(t)
	env.publish(t, "acct-1", "5", `{}`)

	w := env.do(t, "POST", "/v1/admin/publish/bank-account/acct-1/5", []byte(`{"other":true}`))
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for republish, got %d", w.Code)
	}
}

func TestHandler_Publish_TooLarge(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "POST", "/v1/admin/publish/bank-account/acct-1/1", bytes.Repeat([]byte("x"), 2048))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", w.Code)
	}
}

func TestHandler_AtVersion_Invalid(t *testing.T) {
	env := newTestEnv(t)

	for _, v := range []string{"abc", "-1"} {
		w := env.do(t, "GET", "/v1/projections/bank-account/acct-1/versions/"+v, nil)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("version %q: expected 400, got %d", v, w.Code)
		}
	}

	w := env.do(t, "GET", "/v1/projections/bank-account/acct-1/versions/9", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unwritten version, got %d", w.Code)
	}
}

func TestHandler_UnknownProjection(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{
		"/v1/projections/ledger/l-1",
		"/v1/projections/ledger/l-1/version",
		"/v1/projections/ledger/l-1/versions/1",
	} {
		w := env.do(t, "GET", path, nil)
		if w.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, w.Code)
		}
	}
}

func TestHandler_MalformedEntity(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/v1/projections/bank-account/a%7Cb", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for entity containing separator, got %d", w.Code)
	}
}

func TestHandler_PruneAndDelete(t *testing.T) {
	env := newTestEnv(t)
	for _, v := range []string{"9", "10", "11", "12"} {
		env.publish(t, "acct-1", v, `{}`)
	}

	w := env.do(t, "POST", "/v1/admin/prune/bank-account/acct-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("prune: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["deleted"] != float64(2) {
		t.Fatalf("expected 2 pruned, got %v", resp["deleted"])
	}

	w = env.do(t, "GET", "/v1/projections/bank-account/acct-1/snapshots", nil)
	var snaps struct {
		Versions []int64 `json:"versions"`
	}
	json.Unmarshal(w.Body.Bytes(), &snaps)
	if len(snaps.Versions) != 2 || snaps.Versions[0] != 10 || snaps.Versions[1] != 12 {
		t.Fatalf("unexpected survivors %v", snaps.Versions)
	}

	w = env.do(t, "DELETE", "/v1/admin/snapshots/bank-account/acct-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", w.Code)
	}
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["deleted"] != float64(2) {
		t.Fatalf("expected 2 deleted, got %v", resp["deleted"])
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		projection.ErrUnknownProjection: http.StatusNotFound,
		meta.ErrStaleCursor:             http.StatusConflict,
		snapshot.ErrTooLarge:            http.StatusRequestEntityTooLarge,
		snapshot.ErrInvalidModulus:      http.StatusBadRequest,
		context.DeadlineExceeded:        http.StatusServiceUnavailable,
		snapshot.ErrCorrupt:             http.StatusInternalServerError,
	}
	for err, want := range cases {
		if got := statusFor(err); got != want {
			t.Errorf("statusFor(%v) = %d, want %d", err, got, want)
		}
	}
}
