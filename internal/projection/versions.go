package projection

import (
	"context"
	"errors"
	"time"

	"github.com/gftdcojp/projection-cache/internal/actor"
	"github.com/gftdcojp/projection-cache/internal/metrics"
	"github.com/gftdcojp/projection-cache/internal/types"
	"go.uber.org/zap"
)

// Config configures the caches of one projection.
type Config struct {
	IdleTimeout time.Duration
	Logger      *zap.Logger
}

type versionEntry[T any] struct {
	value T
	found bool
	h     *actor.Handle[*versionEntry[T]]
}

type versionResult[T any] struct {
	value T
	found bool
}

// Versions caches pinned versions of one projection. Each version is fetched
// from the provider on first access and kept until the entry idles out. A
// version whose snapshot is missing is not retained, so a later read sees the
// snapshot once it is written.
type Versions[T any] struct {
	def      Definition
	provider StateProvider[T]
	logger   *zap.Logger
	reg      *actor.Registry[types.VersionedCacheKey, *versionEntry[T]]
}

func NewVersions[T any](def Definition, provider StateProvider[T], cfg Config) *Versions[T] {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	v := &Versions[T]{def: def, provider: provider, logger: logger}
	v.reg = actor.NewRegistry(actor.Config{
		Kind:        "version",
		IdleTimeout: cfg.IdleTimeout,
		Logger:      logger,
	}, v.activate)
	return v
}

func (v *Versions[T]) activate(ctx context.Context, key types.VersionedCacheKey, h *actor.Handle[*versionEntry[T]]) (*versionEntry[T], error) {
	family, err := v.def.Family(key.EntityID)
	if err != nil {
		return nil, err
	}
	value, found, err := v.provider.StateAt(ctx, family.At(key.Version))
	if err != nil {
		metrics.VersionFetches.WithLabelValues(v.def.Kind, "error").Inc()
		return nil, err
	}
	result := "found"
	if !found {
		result = "not_found"
	}
	metrics.VersionFetches.WithLabelValues(v.def.Kind, result).Inc()
	return &versionEntry[T]{value: value, found: found, h: h}, nil
}

// Get returns entity's value at version. A NotSet version has no content and
// returns none.
func (v *Versions[T]) Get(ctx context.Context, entity string, version types.Position) (T, bool, error) {
	var zero T
	key, err := types.NewVersionedCacheKey(v.def.Kind, v.def.Stream, entity, version)
	if errors.Is(err, types.ErrInvalidPosition) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, err
	}
	r, err := actor.Call(ctx, v.reg, key, func(_ context.Context, e *versionEntry[T]) (versionResult[T], error) {
		if !e.found {
			e.h.Deactivate()
		}
		return versionResult[T]{value: e.value, found: e.found}, nil
	})
	if err != nil {
		return zero, false, err
	}
	return r.value, r.found, nil
}

// Active returns the number of cached versions.
func (v *Versions[T]) Active() int { return v.reg.Len() }

func (v *Versions[T]) Close() error { return v.reg.Close() }
