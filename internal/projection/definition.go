// Package projection serves the latest and pinned versions of projections
// read from the snapshot engine.
//
// Three layers cooperate, each a single-writer worker per key:
//
//	cursor.Service     newest known stream position per entity
//	Versions[T]        one pinned version, fetched at most once
//	Service[T]         latest value, refetched only when the cursor moves
//
// A read of the latest value whose cursor has not moved since the previous
// read performs no I/O.
package projection

import (
	"fmt"
	"strings"

	"github.com/gftdcojp/projection-cache/internal/config"
	"github.com/gftdcojp/projection-cache/internal/reducer"
	"github.com/gftdcojp/projection-cache/internal/types"
)

// Definition binds a projection kind to its event stream and snapshot family.
type Definition struct {
	Kind         string
	Stream       string
	Storage      string
	ReducerHash  string
	RetainModuli []int64
}

// DefinitionFromConfig registers pc's reducer fingerprint with reducers and
// returns the resulting definition.
func DefinitionFromConfig(pc config.ProjectionConfig, reducers *reducer.Registry) (Definition, error) {
	hash, err := reducers.Register(pc.Kind, pc.Reducer)
	if err != nil {
		return Definition{}, err
	}
	def := Definition{
		Kind:         pc.Kind,
		Stream:       pc.Stream,
		Storage:      pc.Storage,
		ReducerHash:  hash,
		RetainModuli: append([]int64(nil), pc.RetainModuli...),
	}
	return def, def.Validate()
}

func (d Definition) Validate() error {
	for name, v := range map[string]string{
		"kind":         d.Kind,
		"stream":       d.Stream,
		"storage":      d.Storage,
		"reducer hash": d.ReducerHash,
	} {
		if v == "" {
			return fmt.Errorf("projection %q: %s: %w", d.Kind, name, types.ErrMissingComponent)
		}
		if strings.Contains(v, types.Separator) {
			return fmt.Errorf("projection %q: %s contains %q: %w", d.Kind, name, types.Separator, types.ErrMalformedKey)
		}
	}
	return nil
}

// StreamKey returns the stream key of entity.
func (d Definition) StreamKey(entity string) (types.StreamKey, error) {
	return types.NewStreamKey(d.Stream, entity)
}

// CacheKey returns the latest-value cache key of entity.
func (d Definition) CacheKey(entity string) (types.ProjectionCacheKey, error) {
	return types.NewProjectionCacheKey(d.Kind, d.Stream, entity)
}

// Family returns entity's snapshot family under this definition's reducer.
func (d Definition) Family(entity string) (types.SnapshotFamilyKey, error) {
	return types.NewSnapshotFamilyKey(d.Storage, entity, d.ReducerHash)
}
