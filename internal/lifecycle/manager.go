package lifecycle

import (
	"context"
	"time"

	"github.com/gftdcojp/projection-cache/internal/meta"
	"github.com/gftdcojp/projection-cache/internal/projection"
	"github.com/gftdcojp/projection-cache/internal/snapshot"
	"go.uber.org/zap"
)

// CycleStats summarizes one prune cycle.
type CycleStats struct {
	Families int
	Deleted  int
	Failed   int
}

// Manager periodically prunes the snapshot families of every projection
// that declares retain moduli.
type Manager struct {
	engine *snapshot.Engine
	meta   meta.Store
	defs   []projection.Definition
	logger *zap.Logger
}

// NewManager creates a new lifecycle manager.
func NewManager(engine *snapshot.Engine, metaStore meta.Store, defs []projection.Definition, logger *zap.Logger) *Manager {
	return &Manager{
		engine: engine,
		meta:   metaStore,
		defs:   defs,
		logger: logger,
	}
}

// Run starts the periodic prune loop.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			stats, err := m.pruneCycle(ctx)
			if err != nil {
				m.logger.Error("prune cycle error", zap.Error(err))
				continue
			}
			m.logger.Info("prune cycle complete",
				zap.Int("families", stats.Families),
				zap.Int("deleted", stats.Deleted),
				zap.Int("failed", stats.Failed),
			)
		}
	}
}

// pruneCycle keeps going past a failing family and reports the first error
// after recording the cycle.
func (m *Manager) pruneCycle(ctx context.Context) (CycleStats, error) {
	var stats CycleStats
	var firstErr error
	for _, def := range m.defs {
		if len(def.RetainModuli) == 0 {
			continue
		}
		entities, err := m.engine.ListEntities(ctx, def.Storage)
		if err != nil {
			return stats, err
		}
		for _, entity := range entities {
			if err := ctx.Err(); err != nil {
				return stats, err
			}
			stats.Families++
			n, err := PruneEntity(ctx, m.engine, def, entity, m.logger)
			stats.Deleted += n
			if err != nil {
				stats.Failed++
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}

	if err := m.meta.RecordPruneCycle(ctx, time.Now()); err != nil {
		m.logger.Warn("failed to record prune cycle", zap.Error(err))
	}
	return stats, firstErr
}
