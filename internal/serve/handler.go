package serve

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gftdcojp/projection-cache/internal/config"
	"github.com/gftdcojp/projection-cache/internal/lifecycle"
	"github.com/gftdcojp/projection-cache/internal/meta"
	"github.com/gftdcojp/projection-cache/internal/projection"
	"github.com/gftdcojp/projection-cache/internal/snapshot"
	"github.com/gftdcojp/projection-cache/internal/types"
	"go.uber.org/zap"
)

// VersionHeader carries the projection version of a payload response.
const VersionHeader = "X-Projection-Version"

// Deps are the services the HTTP API and NATS responder read from.
type Deps struct {
	Catalog *projection.Catalog
	Engine  *snapshot.Engine
	Writer  *projection.Writer
	Meta    meta.Store
	// MaxBody bounds publish request bodies; 0 means 64 MiB.
	MaxBody int64
	Logger  *zap.Logger
}

type handler struct {
	catalog *projection.Catalog
	engine  *snapshot.Engine
	writer  *projection.Writer
	meta    meta.Store
	maxBody int64
	logger  *zap.Logger
}

func newHandler(deps Deps) *handler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxBody := deps.MaxBody
	if maxBody <= 0 {
		maxBody = 64 << 20
	}
	return &handler{
		catalog: deps.Catalog,
		engine:  deps.Engine,
		writer:  deps.Writer,
		meta:    deps.Meta,
		maxBody: maxBody,
		logger:  logger,
	}
}

// NewHandler returns the HTTP API routes.
func NewHandler(deps Deps) http.Handler {
	h := newHandler(deps)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", h.handleStatus)
	mux.HandleFunc("GET /v1/projections", h.handleProjections)
	mux.HandleFunc("GET /v1/projections/{kind}/{entity}", h.handleLatest)
	mux.HandleFunc("GET /v1/projections/{kind}/{entity}/version", h.handleLatestVersion)
	mux.HandleFunc("GET /v1/projections/{kind}/{entity}/versions/{version}", h.handleAtVersion)
	mux.HandleFunc("GET /v1/projections/{kind}/{entity}/snapshots", h.handleListSnapshots)
	mux.HandleFunc("GET /v1/cursors/{stream}", h.handleListCursors)
	mux.HandleFunc("POST /v1/admin/publish/{kind}/{entity}/{version}", h.handlePublish)
	mux.HandleFunc("POST /v1/admin/prune/{kind}/{entity}", h.handlePrune)
	mux.HandleFunc("DELETE /v1/admin/snapshots/{kind}/{entity}", h.handleDeleteSnapshots)
	return mux
}

// RunHTTP starts the HTTP API server.
func RunHTTP(ctx context.Context, cfg config.APIConfig, deps Deps) error {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: NewHandler(deps),
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("HTTP API listening", zap.String("addr", cfg.Listen))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (h *handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	defs := h.catalog.Definitions()
	var entities, versions int
	for _, def := range defs {
		src, err := h.catalog.Get(def.Kind)
		if err != nil {
			continue
		}
		e, v := src.Stats()
		entities += e
		versions += v
	}
	status := map[string]interface{}{
		"status":          "ok",
		"projections":     len(defs),
		"cached_entities": entities,
		"cached_versions": versions,
	}
	if h.meta != nil {
		if last, err := h.meta.LastPruneCycle(r.Context()); err == nil && !last.IsZero() {
			status["last_prune_cycle"] = last
		}
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *handler) handleProjections(w http.ResponseWriter, r *http.Request) {
	result := make([]map[string]interface{}, 0)
	for _, def := range h.catalog.Definitions() {
		src, err := h.catalog.Get(def.Kind)
		if err != nil {
			continue
		}
		entities, versions := src.Stats()
		result = append(result, map[string]interface{}{
			"kind":            def.Kind,
			"stream":          def.Stream,
			"storage":         def.Storage,
			"reducer_hash":    def.ReducerHash,
			"retain_moduli":   def.RetainModuli,
			"cached_entities": entities,
			"cached_versions": versions,
		})
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handler) handleLatest(w http.ResponseWriter, r *http.Request) {
	src, ok := h.source(w, r)
	if !ok {
		return
	}
	entity := r.PathValue("entity")
	p, found, err := src.LatestPayload(r.Context(), entity)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no projection for entity"})
		return
	}
	writePayload(w, p)
}

func (h *handler) handleLatestVersion(w http.ResponseWriter, r *http.Request) {
	src, ok := h.source(w, r)
	if !ok {
		return
	}
	entity := r.PathValue("entity")
	pos, err := src.GetLatestVersion(r.Context(), entity)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"kind":    src.Definition().Kind,
		"entity":  entity,
		"version": pos.Value(),
		"set":     pos.IsSet(),
	})
}

func (h *handler) handleAtVersion(w http.ResponseWriter, r *http.Request) {
	version, err := parseVersion(r.PathValue("version"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid version"})
		return
	}
	src, ok := h.source(w, r)
	if !ok {
		return
	}
	p, found, err := src.PayloadAt(r.Context(), r.PathValue("entity"), version)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "version not found"})
		return
	}
	writePayload(w, p)
}

func (h *handler) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	src, ok := h.source(w, r)
	if !ok {
		return
	}
	family, err := src.Definition().Family(r.PathValue("entity"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	versions, err := h.engine.ListVersions(r.Context(), family)
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]int64, len(versions))
	for i, v := range versions {
		out[i] = v.Value()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"kind":     src.Definition().Kind,
		"entity":   r.PathValue("entity"),
		"path":     family.Prefix(),
		"versions": out,
	})
}

func (h *handler) handleListCursors(w http.ResponseWriter, r *http.Request) {
	cursors, err := h.meta.ListCursors(r.Context(), r.PathValue("stream"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	result := make([]map[string]interface{}, 0, len(cursors))
	for _, c := range cursors {
		result = append(result, map[string]interface{}{
			"entity":     c.EntityID,
			"position":   c.Position,
			"token":      c.Token,
			"updated_at": c.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *handler) handlePublish(w http.ResponseWriter, r *http.Request) {
	version, err := parseVersion(r.PathValue("version"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid version"})
		return
	}
	src, ok := h.source(w, r)
	if !ok {
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	entity := r.PathValue("entity")
	n, err := h.writer.Publish(r.Context(), src.Definition(), entity, version, projection.Payload{
		Data:        data,
		ContentType: contentType,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"kind":    src.Definition().Kind,
		"entity":  entity,
		"version": n.Position.Value(),
		"token":   n.Token,
	})
}

func (h *handler) handlePrune(w http.ResponseWriter, r *http.Request) {
	src, ok := h.source(w, r)
	if !ok {
		return
	}
	n, err := lifecycle.PruneEntity(r.Context(), h.engine, src.Definition(), r.PathValue("entity"), h.logger)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "pruned", "deleted": n})
}

func (h *handler) handleDeleteSnapshots(w http.ResponseWriter, r *http.Request) {
	src, ok := h.source(w, r)
	if !ok {
		return
	}
	n, err := lifecycle.DeleteEntity(r.Context(), h.engine, src.Definition(), r.PathValue("entity"), h.logger)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "deleted", "deleted": n})
}

func (h *handler) source(w http.ResponseWriter, r *http.Request) (projection.Source, bool) {
	src, err := h.catalog.Get(r.PathValue("kind"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "projection not found"})
		return nil, false
	}
	return src, true
}

func (h *handler) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= 500 {
		h.logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, projection.ErrUnknownProjection):
		return http.StatusNotFound
	case errors.Is(err, types.ErrMissingComponent),
		errors.Is(err, types.ErrMalformedKey),
		errors.Is(err, types.ErrInvalidPosition),
		errors.Is(err, snapshot.ErrInvalidModulus):
		return http.StatusBadRequest
	case errors.Is(err, meta.ErrStaleCursor), errors.Is(err, snapshot.ErrExists):
		return http.StatusConflict
	case errors.Is(err, snapshot.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func parseVersion(s string) (types.Position, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return types.NotSet, types.ErrInvalidPosition
	}
	return types.NewPosition(v), nil
}

func writePayload(w http.ResponseWriter, p projection.Payload) {
	w.Header().Set("Content-Type", p.ContentType)
	w.Header().Set(VersionHeader, strconv.FormatInt(p.Version.Value(), 10))
	w.WriteHeader(http.StatusOK)
	w.Write(p.Data)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
