package lifecycle

// Pruning helpers shared by the periodic cycle in manager.go and the admin
// API.

import (
	"context"

	"github.com/gftdcojp/projection-cache/internal/projection"
	"github.com/gftdcojp/projection-cache/internal/snapshot"
	"go.uber.org/zap"
)

// PruneEntity prunes entity's snapshot family under def's current reducer
// using def's retain moduli. A definition without moduli keeps only the
// newest version.
func PruneEntity(ctx context.Context, engine *snapshot.Engine, def projection.Definition, entity string, logger *zap.Logger) (int, error) {
	family, err := def.Family(entity)
	if err != nil {
		return 0, err
	}
	n, err := engine.Prune(ctx, family, def.RetainModuli)
	if err != nil {
		logger.Error("failed to prune snapshot family",
			zap.String("projection", def.Kind),
			zap.String("entity", entity),
			zap.Int("deleted", n),
			zap.Error(err))
		return n, err
	}
	if n > 0 {
		logger.Debug("pruned snapshot family",
			zap.String("projection", def.Kind),
			zap.String("entity", entity),
			zap.Int("deleted", n))
	}
	return n, nil
}

// DeleteEntity removes every snapshot of entity under def's current reducer.
func DeleteEntity(ctx context.Context, engine *snapshot.Engine, def projection.Definition, entity string, logger *zap.Logger) (int, error) {
	family, err := def.Family(entity)
	if err != nil {
		return 0, err
	}
	n, err := engine.DeleteAll(ctx, family)
	if err != nil {
		logger.Error("failed to delete snapshot family",
			zap.String("projection", def.Kind),
			zap.String("entity", entity),
			zap.Int("deleted", n),
			zap.Error(err))
		return n, err
	}
	logger.Info("deleted snapshot family",
		zap.String("projection", def.Kind),
		zap.String("entity", entity),
		zap.Int("deleted", n))
	return n, nil
}
