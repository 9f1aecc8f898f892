package cursor

import (
	"context"
	"fmt"
	"time"

	"github.com/gftdcojp/projection-cache/internal/actor"
	"github.com/gftdcojp/projection-cache/internal/metrics"
	"github.com/gftdcojp/projection-cache/internal/notify"
	"github.com/gftdcojp/projection-cache/internal/types"
	"go.uber.org/zap"
)

// Reader is the durable cursor read used to seed a tracker.
type Reader interface {
	ReadCursorPosition(ctx context.Context, key types.StreamKey) (types.Position, error)
}

// Config configures a Service.
type Config struct {
	IdleTimeout time.Duration
	Logger      *zap.Logger
}

// Service hosts one Tracker per StreamKey. A tracker is activated on the first
// Position call for its key, subscribes to notifications, then seeds from the
// Reader. A subscription failure deactivates the tracker so the next call
// builds a fresh one.
type Service struct {
	reader Reader
	sub    notify.Subscriber
	logger *zap.Logger
	reg    *actor.Registry[types.StreamKey, *Tracker]
}

func NewService(reader Reader, sub notify.Subscriber, cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{reader: reader, sub: sub, logger: logger}
	s.reg = actor.NewRegistry(actor.Config{
		Kind:        "cursor",
		IdleTimeout: cfg.IdleTimeout,
		Logger:      logger,
	}, s.activate)
	return s
}

// activate subscribes before seeding so no advance between the seed read and
// the subscription is missed. Notifications that arrive during activation
// queue behind it on the tracker's worker.
func (s *Service) activate(ctx context.Context, key types.StreamKey, h *actor.Handle[*Tracker]) (*Tracker, error) {
	sub, err := s.sub.Subscribe(key,
		func(n notify.Notification) {
			h.Tell(func(_ context.Context, t *Tracker) error {
				t.Apply(n)
				return nil
			})
		},
		func(err error) {
			metrics.CursorSubscriptionErrors.WithLabelValues(key.Stream).Inc()
			s.logger.Warn("cursor subscription failed, deactivating tracker",
				zap.String("stream", key.Stream),
				zap.String("entity", key.EntityID),
				zap.Error(err),
			)
			h.Deactivate()
		},
	)
	if err != nil {
		return nil, fmt.Errorf("subscribing to cursor %s: %w", key, err)
	}

	seed, err := s.reader.ReadCursorPosition(ctx, key)
	if err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("seeding cursor %s: %w", key, err)
	}

	t := NewTracker(key, seed)
	t.sub = sub
	s.logger.Debug("cursor tracker activated",
		zap.String("stream", key.Stream),
		zap.String("entity", key.EntityID),
		zap.Stringer("seed", seed),
	)
	return t, nil
}

// Position returns the newest known position of key's stream, or NotSet if
// the stream has no events.
func (s *Service) Position(ctx context.Context, key types.StreamKey) (types.Position, error) {
	if err := key.Validate(); err != nil {
		return types.NotSet, err
	}
	return actor.Call(ctx, s.reg, key, func(_ context.Context, t *Tracker) (types.Position, error) {
		return t.Position(), nil
	})
}

// Active returns the number of live trackers.
func (s *Service) Active() int { return s.reg.Len() }

// Close tears down every tracker and releases its subscription.
func (s *Service) Close() error { return s.reg.Close() }
