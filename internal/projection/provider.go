package projection

import (
	"context"
	"fmt"

	"github.com/gftdcojp/projection-cache/internal/snapshot"
	"github.com/gftdcojp/projection-cache/internal/types"
)

// StateProvider returns the projection value stored at one snapshot key.
// A missing snapshot is reported as ok == false, never as an error.
type StateProvider[T any] interface {
	StateAt(ctx context.Context, key types.SnapshotKey) (v T, ok bool, err error)
}

// SnapshotProvider reads values from a snapshot engine.
type SnapshotProvider[T any] struct {
	engine *snapshot.Engine
	codec  Codec[T]
}

func NewSnapshotProvider[T any](engine *snapshot.Engine, codec Codec[T]) *SnapshotProvider[T] {
	return &SnapshotProvider[T]{engine: engine, codec: codec}
}

func (p *SnapshotProvider[T]) StateAt(ctx context.Context, key types.SnapshotKey) (T, bool, error) {
	var zero T
	env, ok, err := p.engine.Read(ctx, key)
	if err != nil || !ok {
		return zero, false, err
	}
	v, err := p.codec.Unmarshal(env.Data, env.ContentType)
	if err != nil {
		return zero, false, fmt.Errorf("snapshot %s: %w", key, err)
	}
	return v, true, nil
}
