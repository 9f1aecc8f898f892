package snapshot

import (
	"context"
	"errors"

	"github.com/gftdcojp/projection-cache/internal/types"
)

var (
	// ErrNotFound is returned by a Backend when nothing is stored at a path.
	ErrNotFound = errors.New("snapshot not found")
	// ErrExists is returned by Backend.Put with IfAbsent when path is taken.
	ErrExists = errors.New("snapshot already exists")
)

// Object metadata keys. Backends that cannot carry metadata natively store it
// alongside the payload.
const (
	MetaSize     = "pc-size"
	MetaEncoding = "pc-encoding"
	MetaVersion  = "pc-version"
)

// Object is a stored payload with its metadata.
type Object struct {
	Data        []byte
	ContentType string
	Metadata    map[string]string
}

// PutOptions carries per-object settings for Backend.Put.
type PutOptions struct {
	ContentType string
	Tier        types.AccessTier
	Metadata    map[string]string
	// IfAbsent makes the put fail with ErrExists instead of replacing an
	// existing object.
	IfAbsent bool
}

// Backend is the byte store under an Engine. Paths are '/'-separated and
// produced by types.SnapshotKey.Path. Every method returns ctx.Err() once ctx
// is done.
type Backend interface {
	Put(ctx context.Context, path string, data []byte, opts PutOptions) error
	// Get returns ErrNotFound (possibly wrapped) when path holds no object.
	Get(ctx context.Context, path string) (Object, error)
	// Delete removes path. Deleting a missing object is not an error.
	Delete(ctx context.Context, path string) error
	// List returns every object path that starts with prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Pinger is implemented by backends that can check their connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}
