package notify

import (
	"context"
	"fmt"

	"github.com/gftdcojp/projection-cache/internal/meta"
	"github.com/gftdcojp/projection-cache/internal/types"
	"go.uber.org/zap"
)

// Advancer is the write side of cursors: it advances the durable cursor and
// publishes the resulting notification.
type Advancer struct {
	store  meta.Store
	pub    Publisher
	logger *zap.Logger
}

func NewAdvancer(store meta.Store, pub Publisher, logger *zap.Logger) *Advancer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Advancer{store: store, pub: pub, logger: logger}
}

// Advance moves key's cursor to pos. It returns meta.ErrStaleCursor if pos is
// not newer than the stored position. If publishing fails the durable cursor
// has still advanced; trackers pick it up when they next reseed.
func (a *Advancer) Advance(ctx context.Context, key types.StreamKey, pos types.Position) (Notification, error) {
	entry, err := a.store.AdvanceCursor(ctx, key, pos)
	if err != nil {
		return Notification{}, err
	}
	n := Notification{Key: key, Position: entry.Pos(), Token: entry.Token}
	if err := a.pub.Publish(ctx, n); err != nil {
		a.logger.Warn("cursor advanced but not published",
			zap.String("stream", key.Stream),
			zap.String("entity", key.EntityID),
			zap.Int64("position", pos.Value()),
			zap.Error(err),
		)
		return n, fmt.Errorf("publishing cursor %s: %w", key, err)
	}
	return n, nil
}
