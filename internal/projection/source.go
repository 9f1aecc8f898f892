package projection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/gftdcojp/projection-cache/internal/types"
)

// ErrUnknownProjection is returned by Catalog lookups for unregistered kinds.
var ErrUnknownProjection = errors.New("unknown projection")

// Payload is an encoded projection value as handed to transports.
type Payload struct {
	Data        []byte
	ContentType string
	Version     types.Position
}

// Source is the type-erased read side of a Service used by the HTTP and NATS
// layers.
type Source interface {
	Definition() Definition
	LatestPayload(ctx context.Context, entity string) (Payload, bool, error)
	PayloadAt(ctx context.Context, entity string, version types.Position) (Payload, bool, error)
	GetLatestVersion(ctx context.Context, entity string) (types.Position, error)
	Stats() (entities, versions int)
	Close() error
}

var _ Source = (*Service[Raw])(nil)

func (s *Service[T]) LatestPayload(ctx context.Context, entity string) (Payload, bool, error) {
	v, ok, err := s.Latest(ctx, entity)
	if err != nil || !ok {
		return Payload{Version: v.Version}, false, err
	}
	return s.encode(v.Data, v.Version)
}

func (s *Service[T]) PayloadAt(ctx context.Context, entity string, version types.Position) (Payload, bool, error) {
	v, ok, err := s.GetAtVersion(ctx, entity, version)
	if err != nil || !ok {
		return Payload{Version: version}, false, err
	}
	return s.encode(v, version)
}

func (s *Service[T]) encode(v T, version types.Position) (Payload, bool, error) {
	data, err := s.codec.Marshal(v)
	if err != nil {
		return Payload{}, false, fmt.Errorf("encoding %s: %w", s.def.Kind, err)
	}
	return Payload{Data: data, ContentType: s.codec.ContentType(v), Version: version}, true, nil
}

// Catalog indexes Sources by projection kind.
type Catalog struct {
	mu      sync.RWMutex
	sources map[string]Source
}

func NewCatalog() *Catalog {
	return &Catalog{sources: make(map[string]Source)}
}

func (c *Catalog) Add(src Source) error {
	kind := src.Definition().Kind
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sources[kind]; ok {
		return fmt.Errorf("projection %q registered twice", kind)
	}
	c.sources[kind] = src
	return nil
}

func (c *Catalog) Get(kind string) (Source, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	src, ok := c.sources[kind]
	if !ok {
		return nil, fmt.Errorf("%q: %w", kind, ErrUnknownProjection)
	}
	return src, nil
}

// Definitions returns every registered definition sorted by kind.
func (c *Catalog) Definitions() []Definition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	defs := make([]Definition, 0, len(c.sources))
	for _, src := range c.sources {
		defs = append(defs, src.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Kind < defs[j].Kind })
	return defs
}

// Close closes every Source and returns the first error.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var first error
	for _, src := range c.sources {
		if err := src.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
