package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gftdcojp/projection-cache/internal/snapshot"
	"go.uber.org/zap"
)

// Store is an in-process snapshot.Backend. Contents are lost on restart; it
// backs `snapshots.backend: memory` and tests.
type Store struct {
	mu         sync.RWMutex
	objects    map[string]snapshot.Object
	totalBytes int64
	closed     bool
	logger     *zap.Logger
}

func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		objects: make(map[string]snapshot.Object),
		logger:  logger,
	}
}

func (s *Store) Put(ctx context.Context, path string, data []byte, opts snapshot.PutOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory store closed")
	}
	old, exists := s.objects[path]
	if exists && opts.IfAbsent {
		return fmt.Errorf("%s: %w", path, snapshot.ErrExists)
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	meta := make(map[string]string, len(opts.Metadata))
	for k, v := range opts.Metadata {
		meta[k] = v
	}

	if exists {
		s.totalBytes -= int64(len(old.Data))
	}
	s.objects[path] = snapshot.Object{Data: buf, ContentType: opts.ContentType, Metadata: meta}
	s.totalBytes += int64(len(buf))

	s.logger.Debug("snapshot stored in memory",
		zap.String("path", path),
		zap.Int("size", len(buf)),
		zap.Int64("total_bytes", s.totalBytes),
	)
	return nil
}

func (s *Store) Get(ctx context.Context, path string) (snapshot.Object, error) {
	if err := ctx.Err(); err != nil {
		return snapshot.Object{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	obj, ok := s.objects[path]
	if !ok {
		return snapshot.Object{}, fmt.Errorf("%s: %w", path, snapshot.ErrNotFound)
	}
	data := make([]byte, len(obj.Data))
	copy(data, obj.Data)
	return snapshot.Object{Data: data, ContentType: obj.ContentType, Metadata: obj.Metadata}, nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	obj, ok := s.objects[path]
	if !ok {
		return nil
	}
	s.totalBytes -= int64(len(obj.Data))
	delete(s.objects, path)
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for p := range s.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Stats returns the object count and stored bytes.
func (s *Store) Stats() (objects int, bytes int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects), s.totalBytes
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects = nil
	s.totalBytes = 0
	s.closed = true
	return nil
}
