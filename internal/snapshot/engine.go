// Package snapshot persists immutable, versioned projection snapshots under
// {storage}/{entity}/{reducerHash}/{version} paths on a pluggable Backend.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gftdcojp/projection-cache/internal/config"
	"github.com/gftdcojp/projection-cache/internal/metrics"
	"github.com/gftdcojp/projection-cache/internal/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const tracerName = "github.com/gftdcojp/projection-cache/internal/snapshot"

var (
	// ErrArchiveTier is returned by NewEngine for the archive access tier.
	ErrArchiveTier = errors.New("archive access tier cannot serve synchronous reads")
	// ErrCorrupt is returned by Read when a payload cannot be decoded.
	ErrCorrupt = errors.New("corrupt snapshot payload")
	// ErrTooLarge is returned by Write when a payload exceeds MaxPayload.
	ErrTooLarge = errors.New("snapshot payload too large")
	// ErrInvalidModulus is returned by Prune for a retain modulus <= 0.
	ErrInvalidModulus = errors.New("retain modulus must be positive")
)

// Options configures an Engine.
type Options struct {
	Compression types.Compression
	// Level is the codec compression level; 0 selects the codec default.
	Level          int
	Tier           types.AccessTier
	MaxConcurrency int
	// MaxPayload bounds the uncompressed size of a write; 0 disables the check.
	MaxPayload int64
	Logger     *zap.Logger
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

// OptionsFromConfig translates the snapshots config section.
func OptionsFromConfig(cfg config.SnapshotsConfig, logger *zap.Logger) (Options, error) {
	c, err := types.ParseCompression(cfg.Compression)
	if err != nil {
		return Options{}, err
	}
	tier, err := types.ParseAccessTier(cfg.AccessTier)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Compression:    c,
		Level:          cfg.CompressionLevel,
		Tier:           tier,
		MaxConcurrency: cfg.MaxConcurrency,
		MaxPayload:     int64(cfg.MaxPayload),
		Logger:         logger,
	}, nil
}

// Engine reads and writes snapshots. It holds no per-snapshot state and is
// safe for concurrent use.
type Engine struct {
	backend Backend
	opts    Options
	logger  *zap.Logger
	tracer  trace.Tracer
}

// NewEngine validates opts and returns an Engine over backend.
func NewEngine(backend Backend, opts Options) (*Engine, error) {
	if backend == nil {
		return nil, errors.New("snapshot backend is required")
	}
	if opts.Tier == types.TierArchive {
		return nil, ErrArchiveTier
	}
	switch opts.Compression {
	case "":
		opts.Compression = types.CompressionNone
	case types.CompressionNone, types.CompressionGzip, types.CompressionBrotli:
	default:
		return nil, fmt.Errorf("unknown compression %q", opts.Compression)
	}
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 8
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = otel.GetTracerProvider()
	}
	return &Engine{
		backend: backend,
		opts:    opts,
		logger:  opts.Logger,
		tracer:  opts.TracerProvider.Tracer(tracerName),
	}, nil
}

// Compression returns the codec applied on Write.
func (e *Engine) Compression() types.Compression { return e.opts.Compression }

// Tier returns the access tier objects are written to.
func (e *Engine) Tier() types.AccessTier { return e.opts.Tier }

// Backend returns the underlying byte store.
func (e *Engine) Backend() Backend { return e.backend }

// Write compresses env.Data with the configured codec and stores it at key.
// Snapshots are immutable: a key that already holds a snapshot fails with
// ErrExists. Failures are recorded and returned; nothing is retried.
func (e *Engine) Write(ctx context.Context, key types.SnapshotKey, env types.SnapshotEnvelope) (err error) {
	storage := key.Family.Storage
	comp := string(e.opts.Compression)
	tier := e.opts.Tier.String()

	ctx, span := e.tracer.Start(ctx, "snapshot.write", trace.WithAttributes(
		attribute.String("snapshot.key", key.String()),
		attribute.String("snapshot.compression", comp),
		attribute.String("snapshot.tier", tier),
		attribute.Int("snapshot.size", len(env.Data)),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		metrics.SnapshotWriteDuration.WithLabelValues(storage, comp, tier).Observe(time.Since(start).Seconds())
		result := "ok"
		if err != nil {
			result = "error"
			span.SetStatus(codes.Error, err.Error())
		}
		metrics.SnapshotWrites.WithLabelValues(storage, comp, tier, result).Inc()
	}()

	if err := key.Validate(); err != nil {
		return fmt.Errorf("snapshot key %s: %w", key, err)
	}
	if e.opts.MaxPayload > 0 && int64(len(env.Data)) > e.opts.MaxPayload {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, len(env.Data), e.opts.MaxPayload)
	}

	payload, err := compress(env.Data, e.opts.Compression, e.opts.Level)
	if err != nil {
		return fmt.Errorf("compressing snapshot %s: %w", key, err)
	}

	size := env.SizeBytes
	if size == 0 {
		size = int64(len(env.Data))
	}
	contentType := env.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	path := key.Path()
	if err := e.backend.Put(ctx, path, payload, PutOptions{
		ContentType: contentType,
		Tier:        e.opts.Tier,
		Metadata: map[string]string{
			MetaSize:     strconv.FormatInt(size, 10),
			MetaEncoding: comp,
			MetaVersion:  key.Version.String(),
		},
		IfAbsent: true,
	}); err != nil {
		return fmt.Errorf("writing snapshot %s: %w", path, err)
	}

	metrics.SnapshotWriteBytes.WithLabelValues(storage, comp).Observe(float64(len(payload)))
	e.logger.Debug("snapshot written",
		zap.String("path", path),
		zap.Int("size", len(env.Data)),
		zap.Int("stored", len(payload)),
		zap.String("compression", comp),
	)
	return nil
}

// Read returns the decompressed snapshot at key. A missing snapshot reports
// ok == false with a nil error; any other failure, including cancellation, is
// returned as an error.
func (e *Engine) Read(ctx context.Context, key types.SnapshotKey) (env types.SnapshotEnvelope, ok bool, err error) {
	storage := key.Family.Storage

	ctx, span := e.tracer.Start(ctx, "snapshot.read", trace.WithAttributes(
		attribute.String("snapshot.key", key.String()),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		metrics.SnapshotReadDuration.WithLabelValues(storage).Observe(time.Since(start).Seconds())
		result := "found"
		switch {
		case err != nil:
			result = "error"
			span.SetStatus(codes.Error, err.Error())
		case !ok:
			result = "not_found"
		}
		metrics.SnapshotReads.WithLabelValues(storage, result).Inc()
	}()

	if err := key.Validate(); err != nil {
		return types.SnapshotEnvelope{}, false, fmt.Errorf("snapshot key %s: %w", key, err)
	}

	path := key.Path()
	obj, err := e.backend.Get(ctx, path)
	if err != nil {
		// A cancelled read is a failure, never a miss.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return types.SnapshotEnvelope{}, false, fmt.Errorf("reading snapshot %s: %w", path, ctxErr)
		}
		if errors.Is(err, ErrNotFound) {
			return types.SnapshotEnvelope{}, false, nil
		}
		return types.SnapshotEnvelope{}, false, fmt.Errorf("reading snapshot %s: %w", path, err)
	}

	// The encoding recorded at write time wins over the engine's current
	// setting; objects without it are classified from their bytes alone.
	var recorded types.Compression
	if s := obj.Metadata[MetaEncoding]; s != "" {
		if c, err := types.ParseCompression(s); err == nil {
			recorded = c
		}
	}
	data, enc, err := decompress(obj.Data, recorded)
	if err != nil {
		return types.SnapshotEnvelope{}, false, fmt.Errorf("decoding snapshot %s: %w", path, err)
	}

	size := int64(len(data))
	if s, ok := obj.Metadata[MetaSize]; ok {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			size = n
		}
	}
	span.SetAttributes(attribute.String("snapshot.encoding", string(enc)))
	return types.SnapshotEnvelope{
		Data:        data,
		ContentType: obj.ContentType,
		SizeBytes:   size,
		Encoding:    enc,
	}, true, nil
}

// Delete removes the snapshot at key.
func (e *Engine) Delete(ctx context.Context, key types.SnapshotKey) error {
	ctx, span := e.tracer.Start(ctx, "snapshot.delete", trace.WithAttributes(
		attribute.String("snapshot.key", key.String()),
	))
	defer span.End()

	if err := key.Validate(); err != nil {
		return fmt.Errorf("snapshot key %s: %w", key, err)
	}
	if err := e.backend.Delete(ctx, key.Path()); err != nil {
		metrics.SnapshotOpErrors.WithLabelValues(key.Family.Storage, "delete").Inc()
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("deleting snapshot %s: %w", key.Path(), err)
	}
	metrics.SnapshotDeletes.WithLabelValues(key.Family.Storage, "delete").Inc()
	return nil
}

// ListVersions returns the stored versions of family in ascending order.
func (e *Engine) ListVersions(ctx context.Context, family types.SnapshotFamilyKey) ([]types.Position, error) {
	if err := family.Validate(); err != nil {
		return nil, fmt.Errorf("snapshot family %s: %w", family, err)
	}
	paths, err := e.backend.List(ctx, family.Prefix()+"/")
	if err != nil {
		return nil, fmt.Errorf("listing snapshots under %s: %w", family.Prefix(), err)
	}
	versions := make([]types.Position, 0, len(paths))
	for _, p := range paths {
		k, err := types.ParseSnapshotPath(family, p)
		if err != nil {
			e.logger.Debug("skipping foreign object", zap.String("path", p), zap.Error(err))
			continue
		}
		versions = append(versions, k.Version)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[j].IsNewerThan(versions[i]) })
	return versions, nil
}

// ListEntities returns the distinct entity ids stored under storage, sorted.
func (e *Engine) ListEntities(ctx context.Context, storage string) ([]string, error) {
	paths, err := e.backend.List(ctx, types.StoragePrefix(storage))
	if err != nil {
		return nil, fmt.Errorf("listing storage %s: %w", storage, err)
	}
	seen := make(map[string]struct{})
	var out []string
	for _, p := range paths {
		id, err := types.EntityFromPath(storage, p)
		if err != nil {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// DeleteAll removes every version of family and returns how many were removed.
func (e *Engine) DeleteAll(ctx context.Context, family types.SnapshotFamilyKey) (int, error) {
	ctx, span := e.tracer.Start(ctx, "snapshot.delete_all", trace.WithAttributes(
		attribute.String("snapshot.family", family.String()),
	))
	defer span.End()

	versions, err := e.ListVersions(ctx, family)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	n, err := e.deleteVersions(ctx, family, versions, "delete_all")
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.Int("snapshot.deleted", n))
	return n, err
}

// Prune deletes every version of family except the newest and those divisible
// by at least one of retainModuli. With no moduli only the newest survives.
// It returns the number of versions deleted.
func (e *Engine) Prune(ctx context.Context, family types.SnapshotFamilyKey, retainModuli []int64) (int, error) {
	for _, m := range retainModuli {
		if m <= 0 {
			return 0, fmt.Errorf("%w: %d", ErrInvalidModulus, m)
		}
	}

	ctx, span := e.tracer.Start(ctx, "snapshot.prune", trace.WithAttributes(
		attribute.String("snapshot.family", family.String()),
		attribute.Int64Slice("snapshot.retain_moduli", retainModuli),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		metrics.PruneDuration.WithLabelValues(family.Storage).Observe(time.Since(start).Seconds())
	}()

	versions, err := e.ListVersions(ctx, family)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	victims := PruneVictims(versions, retainModuli)
	if len(victims) == 0 {
		return 0, nil
	}

	n, err := e.deleteVersions(ctx, family, victims, "prune")
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.Int("snapshot.deleted", n))
	e.logger.Debug("snapshot family pruned",
		zap.String("family", family.String()),
		zap.Int("versions", len(versions)),
		zap.Int("deleted", n),
	)
	return n, err
}

// PruneVictims returns the versions Prune would delete: all but the maximum
// and those divisible by any modulus.
func PruneVictims(versions []types.Position, retainModuli []int64) []types.Position {
	if len(versions) == 0 {
		return nil
	}
	newest := versions[0]
	for _, v := range versions[1:] {
		if v.IsNewerThan(newest) {
			newest = v
		}
	}
	var victims []types.Position
	for _, v := range versions {
		if v == newest {
			continue
		}
		keep := false
		for _, m := range retainModuli {
			if m > 0 && v.Value()%m == 0 {
				keep = true
				break
			}
		}
		if !keep {
			victims = append(victims, v)
		}
	}
	return victims
}

// deleteVersions removes versions with at most MaxConcurrency deletes in
// flight. It keeps going after a failure and returns the first error.
func (e *Engine) deleteVersions(ctx context.Context, family types.SnapshotFamilyKey, versions []types.Position, op string) (int, error) {
	var deleted atomic.Int64
	var g errgroup.Group
	g.SetLimit(e.opts.MaxConcurrency)
	for _, v := range versions {
		path := family.At(v).Path()
		g.Go(func() error {
			if err := e.backend.Delete(ctx, path); err != nil {
				metrics.SnapshotOpErrors.WithLabelValues(family.Storage, op).Inc()
				e.logger.Warn("snapshot delete failed",
					zap.String("path", path),
					zap.String("operation", op),
					zap.Error(err),
				)
				return fmt.Errorf("deleting %s: %w", path, err)
			}
			deleted.Add(1)
			metrics.SnapshotDeletes.WithLabelValues(family.Storage, op).Inc()
			return nil
		})
	}
	err := g.Wait()
	return int(deleted.Load()), err
}
