package projection

import (
	"context"

	"github.com/gftdcojp/projection-cache/internal/actor"
	"github.com/gftdcojp/projection-cache/internal/metrics"
	"github.com/gftdcojp/projection-cache/internal/types"
	"go.uber.org/zap"
)

// PositionSource reports the newest known position of a stream.
// cursor.Service implements it.
type PositionSource interface {
	Position(ctx context.Context, key types.StreamKey) (types.Position, error)
}

// Value is a projection value and the version it was read at.
type Value[T any] struct {
	Data    T
	Version types.Position
}

type latestResult[T any] struct {
	v  Value[T]
	ok bool
}

type orchestrator[T any] struct {
	cachedVersion types.Position
	value         T
	found         bool
}

// Service serves one projection kind. One orchestrator per entity remembers
// the last served value and the version it belongs to.
type Service[T any] struct {
	def      Definition
	cursors  PositionSource
	versions *Versions[T]
	codec    Codec[T]
	logger   *zap.Logger
	reg      *actor.Registry[types.ProjectionCacheKey, *orchestrator[T]]
}

func NewService[T any](def Definition, cursors PositionSource, provider StateProvider[T], codec Codec[T], cfg Config) (*Service[T], error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service[T]{
		def:      def,
		cursors:  cursors,
		versions: NewVersions(def, provider, Config{IdleTimeout: cfg.IdleTimeout, Logger: logger}),
		codec:    codec,
		logger:   logger.With(zap.String("projection", def.Kind)),
	}
	s.reg = actor.NewRegistry(actor.Config{
		Kind:        "projection",
		IdleTimeout: cfg.IdleTimeout,
		Logger:      logger,
	}, func(context.Context, types.ProjectionCacheKey, *actor.Handle[*orchestrator[T]]) (*orchestrator[T], error) {
		return &orchestrator[T]{cachedVersion: types.NotSet}, nil
	})
	return s, nil
}

func (s *Service[T]) Definition() Definition { return s.def }

// Latest returns entity's value at the newest known position. The value is
// refetched only when the cursor has moved past the cached version. If the
// snapshot for the new position is not written yet, the previously cached
// value is served and the next call retries.
func (s *Service[T]) Latest(ctx context.Context, entity string) (Value[T], bool, error) {
	key, err := s.def.CacheKey(entity)
	if err != nil {
		return Value[T]{Version: types.NotSet}, false, err
	}
	r, err := actor.Call(ctx, s.reg, key, func(ctx context.Context, o *orchestrator[T]) (latestResult[T], error) {
		current, err := s.cursors.Position(ctx, key.StreamKey())
		if err != nil {
			return latestResult[T]{}, err
		}
		// Checked before the fast path so a cursor that reads NotSet again
		// drops the cached value instead of serving it.
		if !current.IsSet() {
			metrics.ProjectionReads.WithLabelValues(s.def.Kind, "empty").Inc()
			var zero T
			o.cachedVersion, o.value, o.found = types.NotSet, zero, false
			return latestResult[T]{v: Value[T]{Version: types.NotSet}}, nil
		}
		if !current.IsNewerThan(o.cachedVersion) {
			metrics.ProjectionReads.WithLabelValues(s.def.Kind, "fast").Inc()
			return latestResult[T]{v: Value[T]{Data: o.value, Version: o.cachedVersion}, ok: o.found}, nil
		}

		metrics.ProjectionReads.WithLabelValues(s.def.Kind, "slow").Inc()
		v, found, err := s.versions.Get(ctx, entity, current)
		if err != nil {
			return latestResult[T]{}, err
		}
		if !found {
			s.logger.Debug("snapshot not written yet, serving cached version",
				zap.String("entity", entity),
				zap.Stringer("cursor", current),
				zap.Stringer("cached", o.cachedVersion),
			)
			return latestResult[T]{v: Value[T]{Data: o.value, Version: o.cachedVersion}, ok: o.found}, nil
		}
		o.cachedVersion, o.value, o.found = current, v, true
		return latestResult[T]{v: Value[T]{Data: v, Version: current}, ok: true}, nil
	})
	if err != nil {
		return Value[T]{Version: types.NotSet}, false, err
	}
	return r.v, r.ok, nil
}

// GetLatest returns entity's latest value, or none if it has no events.
func (s *Service[T]) GetLatest(ctx context.Context, entity string) (T, bool, error) {
	v, ok, err := s.Latest(ctx, entity)
	return v.Data, ok, err
}

// GetAtVersion returns entity's value at exactly version, bypassing the
// cursor. NotSet returns none.
func (s *Service[T]) GetAtVersion(ctx context.Context, entity string, version types.Position) (T, bool, error) {
	return s.versions.Get(ctx, entity, version)
}

// GetLatestVersion returns the position a GetLatest call would read at,
// without fetching data.
func (s *Service[T]) GetLatestVersion(ctx context.Context, entity string) (types.Position, error) {
	key, err := s.def.StreamKey(entity)
	if err != nil {
		return types.NotSet, err
	}
	return s.cursors.Position(ctx, key)
}

// Stats reports live orchestrators and cached versions.
func (s *Service[T]) Stats() (entities, versions int) {
	return s.reg.Len(), s.versions.Active()
}

func (s *Service[T]) Close() error {
	s.reg.Close()
	return s.versions.Close()
}
