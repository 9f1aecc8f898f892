package projection

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/gftdcojp/projection-cache/internal/meta"
	"github.com/gftdcojp/projection-cache/internal/notify"
	"github.com/gftdcojp/projection-cache/internal/snapshot"
	"github.com/gftdcojp/projection-cache/internal/types"
	"go.uber.org/zap"
)

// CursorAdvancer durably advances a stream cursor and announces it.
// notify.Advancer implements it.
type CursorAdvancer interface {
	Advance(ctx context.Context, key types.StreamKey, pos types.Position) (notify.Notification, error)
}

// CursorReader reads the durable position of a stream.
type CursorReader interface {
	ReadCursorPosition(ctx context.Context, key types.StreamKey) (types.Position, error)
}

// Writer publishes new projection versions: it stores the snapshot first and
// only then advances the cursor, so a reader that observes a position can
// always find its snapshot.
type Writer struct {
	engine   *snapshot.Engine
	cursors  CursorReader
	advancer CursorAdvancer
	logger   *zap.Logger
}

func NewWriter(engine *snapshot.Engine, cursors CursorReader, advancer CursorAdvancer, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{engine: engine, cursors: cursors, advancer: advancer, logger: logger}
}

// Publish writes payload as entity's snapshot at version and advances the
// stream cursor to version. Snapshots are immutable, so a version that is not
// newer than the durable cursor fails with meta.ErrStaleCursor before
// anything is written. A snapshot already stored at version is accepted only
// when it holds the same bytes, which lets a publish whose cursor advance
// failed be retried; different bytes fail with snapshot.ErrExists.
func (w *Writer) Publish(ctx context.Context, def Definition, entity string, version types.Position, payload Payload) (notify.Notification, error) {
	family, err := def.Family(entity)
	if err != nil {
		return notify.Notification{}, err
	}
	stream, err := def.StreamKey(entity)
	if err != nil {
		return notify.Notification{}, err
	}
	key := family.At(version)
	if err := key.Validate(); err != nil {
		return notify.Notification{}, err
	}
	current, err := w.cursors.ReadCursorPosition(ctx, stream)
	if err != nil {
		return notify.Notification{}, err
	}
	if !version.IsNewerThan(current) {
		return notify.Notification{}, fmt.Errorf("%s at %s, cursor at %s: %w", stream, version, current, meta.ErrStaleCursor)
	}
	err = w.engine.Write(ctx, key, types.SnapshotEnvelope{
		Data:        payload.Data,
		ContentType: payload.ContentType,
		SizeBytes:   int64(len(payload.Data)),
	})
	if errors.Is(err, snapshot.ErrExists) {
		err = w.checkRetry(ctx, key, payload)
	}
	if err != nil {
		return notify.Notification{}, fmt.Errorf("writing snapshot %s: %w", key, err)
	}
	n, err := w.advancer.Advance(ctx, stream, version)
	if err != nil {
		return n, err
	}
	w.logger.Debug("projection version published",
		zap.String("projection", def.Kind),
		zap.String("entity", entity),
		zap.Stringer("version", version),
		zap.Uint64("token", n.Token),
	)
	return n, nil
}

// checkRetry accepts an existing snapshot at key if it matches payload.
func (w *Writer) checkRetry(ctx context.Context, key types.SnapshotKey, payload Payload) error {
	env, ok, err := w.engine.Read(ctx, key)
	if err != nil {
		return err
	}
	if !ok || !bytes.Equal(env.Data, payload.Data) {
		return snapshot.ErrExists
	}
	w.logger.Info("snapshot already stored, resuming cursor advance", zap.Stringer("key", key))
	return nil
}
