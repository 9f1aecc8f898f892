package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gftdcojp/projection-cache/internal/config"
	"github.com/gftdcojp/projection-cache/internal/snapshot"
	"go.uber.org/zap"
)

const (
	dataExt = ".snap"
	metaExt = ".meta"
)

// Store is a snapshot.Backend on the local filesystem. Each object is a
// payload file plus a JSON metadata sidecar.
type Store struct {
	mu sync.RWMutex
	// putMu serialises IfAbsent puts so the existence check and the write
	// happen as one step.
	putMu      sync.Mutex
	dataDir    string
	totalBytes int64
	fileCount  int64
	logger     *zap.Logger
}

type sidecar struct {
	ContentType string            `json:"content_type,omitempty"`
	Tier        string            `json:"tier,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

func NewStore(cfg config.FileConfig, logger *zap.Logger) (*Store, error) {
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("file store: data dir is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data dir %s: %w", cfg.DataDir, err)
	}
	s := &Store{dataDir: cfg.DataDir, logger: logger}
	if err := s.scan(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) scan() error {
	return filepath.WalkDir(s.dataDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, dataExt) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		s.totalBytes += info.Size()
		s.fileCount++
		return nil
	})
}

// localPath maps an object path to its payload file, rejecting anything that
// would escape the data dir.
func (s *Store) localPath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty object path")
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", fmt.Errorf("invalid object path %q", path)
		}
	}
	return filepath.Join(s.dataDir, filepath.FromSlash(path)) + dataExt, nil
}

func (s *Store) Put(ctx context.Context, path string, data []byte, opts snapshot.PutOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dataPath, err := s.localPath(path)
	if err != nil {
		return err
	}
	if opts.IfAbsent {
		s.putMu.Lock()
		defer s.putMu.Unlock()
		if _, err := os.Stat(dataPath); err == nil {
			return fmt.Errorf("%s: %w", path, snapshot.ErrExists)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(dataPath), 0755); err != nil {
		return err
	}

	meta, err := json.Marshal(sidecar{
		ContentType: opts.ContentType,
		Tier:        opts.Tier.String(),
		Metadata:    opts.Metadata,
	})
	if err != nil {
		return fmt.Errorf("encoding sidecar: %w", err)
	}

	var prevSize int64 = -1
	if info, err := os.Stat(dataPath); err == nil {
		prevSize = info.Size()
	}

	// Sidecar first so a payload is never visible without its metadata.
	metaPath := strings.TrimSuffix(dataPath, dataExt) + metaExt
	if err := writeFileAtomic(metaPath, meta); err != nil {
		return fmt.Errorf("writing sidecar: %w", err)
	}
	write := writeFileAtomic
	if opts.IfAbsent {
		write = writeFileExclusive
	}
	if err := write(dataPath, data); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%s: %w", path, snapshot.ErrExists)
		}
		os.Remove(metaPath) // cleanup on failure
		return fmt.Errorf("writing snapshot file: %w", err)
	}

	s.mu.Lock()
	if prevSize >= 0 {
		s.totalBytes -= prevSize
	} else {
		s.fileCount++
	}
	s.totalBytes += int64(len(data))
	s.mu.Unlock()

	s.logger.Debug("snapshot stored on disk",
		zap.String("path", dataPath),
		zap.Int("size", len(data)),
	)
	return nil
}

func (s *Store) Get(ctx context.Context, path string) (snapshot.Object, error) {
	if err := ctx.Err(); err != nil {
		return snapshot.Object{}, err
	}
	dataPath, err := s.localPath(path)
	if err != nil {
		return snapshot.Object{}, err
	}
	data, err := os.ReadFile(dataPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return snapshot.Object{}, fmt.Errorf("%s: %w", path, snapshot.ErrNotFound)
		}
		return snapshot.Object{}, fmt.Errorf("reading snapshot file: %w", err)
	}

	obj := snapshot.Object{Data: data}
	raw, err := os.ReadFile(strings.TrimSuffix(dataPath, dataExt) + metaExt)
	switch {
	case err == nil:
		var sc sidecar
		if err := json.Unmarshal(raw, &sc); err != nil {
			s.logger.Warn("ignoring unreadable sidecar", zap.String("path", path), zap.Error(err))
			break
		}
		obj.ContentType = sc.ContentType
		obj.Metadata = sc.Metadata
	case errors.Is(err, fs.ErrNotExist):
	default:
		return snapshot.Object{}, fmt.Errorf("reading sidecar: %w", err)
	}
	return obj, nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dataPath, err := s.localPath(path)
	if err != nil {
		return err
	}
	info, err := os.Stat(dataPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}

	if err := os.Remove(dataPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing snapshot file: %w", err)
	}
	os.Remove(strings.TrimSuffix(dataPath, dataExt) + metaExt)

	s.mu.Lock()
	s.totalBytes -= info.Size()
	s.fileCount--
	s.mu.Unlock()
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// Walk from the deepest directory the prefix names completely.
	root := s.dataDir
	if i := strings.LastIndex(prefix, "/"); i > 0 {
		root = filepath.Join(s.dataDir, filepath.FromSlash(prefix[:i]))
	}

	var out []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && p == root {
				return fs.SkipAll
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(p, dataExt) {
			return nil
		}
		rel, err := filepath.Rel(s.dataDir, p)
		if err != nil {
			return err
		}
		obj := strings.TrimSuffix(filepath.ToSlash(rel), dataExt)
		if strings.HasPrefix(obj, prefix) {
			out = append(out, obj)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", prefix, err)
	}
	sort.Strings(out)
	return out, nil
}

// Stats returns the number of stored snapshots and their total size.
func (s *Store) Stats() (files int64, bytes int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fileCount, s.totalBytes
}

// Ping checks that the data dir is still accessible.
func (s *Store) Ping(_ context.Context) error {
	_, err := os.Stat(s.dataDir)
	return err
}

func (s *Store) Close() error {
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := writeTemp(path, data)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

// writeFileExclusive is writeFileAtomic that fails with fs.ErrExist rather
// than replace an existing file.
func writeFileExclusive(path string, data []byte) error {
	tmp, err := writeTemp(path, data)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)
	return os.Link(tmp, path)
}

func writeTemp(path string, data []byte) (string, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}
