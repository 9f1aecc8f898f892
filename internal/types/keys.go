package types

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// Separator joins the components of a composite key's string form.
const Separator = "|"

// MaxComponentLength bounds every composite key component.
const MaxComponentLength = 1024

var (
	// ErrMissingComponent is returned when a required key component or the
	// whole encoded key is empty.
	ErrMissingComponent = errors.New("missing key component")

	// ErrMalformedKey is returned when an encoded key or component has the
	// wrong shape.
	ErrMalformedKey = errors.New("malformed key")
)

func checkComponent(name, v string) error {
	if v == "" {
		return fmt.Errorf("%s: %w", name, ErrMissingComponent)
	}
	if strings.Contains(v, Separator) {
		return fmt.Errorf("%s contains reserved separator %q: %w", name, Separator, ErrMalformedKey)
	}
	if len(v) > MaxComponentLength {
		return fmt.Errorf("%s exceeds %d bytes: %w", name, MaxComponentLength, ErrMalformedKey)
	}
	return nil
}

func splitKey(kind, s string, n int) ([]string, error) {
	if s == "" {
		return nil, fmt.Errorf("%s: %w", kind, ErrMissingComponent)
	}
	parts := strings.Split(s, Separator)
	if len(parts) != n {
		return nil, fmt.Errorf("%s %q: expected %d components, got %d: %w", kind, s, n, len(parts), ErrMalformedKey)
	}
	return parts, nil
}

// StreamKey identifies one entity's event stream.
type StreamKey struct {
	Stream   string
	EntityID string
}

func NewStreamKey(stream, entityID string) (StreamKey, error) {
	k := StreamKey{Stream: stream, EntityID: entityID}
	return k, k.Validate()
}

func (k StreamKey) Validate() error {
	if err := checkComponent("stream", k.Stream); err != nil {
		return err
	}
	return checkComponent("entity id", k.EntityID)
}

func (k StreamKey) String() string { return k.Stream + Separator + k.EntityID }

func ParseStreamKey(s string) (StreamKey, error) {
	parts, err := splitKey("stream key", s, 2)
	if err != nil {
		return StreamKey{}, err
	}
	return NewStreamKey(parts[0], parts[1])
}

// CursorKey addresses the cursor tracker for one stream as seen by one projection kind.
type CursorKey struct {
	Projection string
	Stream     string
	EntityID   string
}

func NewCursorKey(projection, stream, entityID string) (CursorKey, error) {
	k := CursorKey{Projection: projection, Stream: stream, EntityID: entityID}
	return k, k.Validate()
}

func (k CursorKey) Validate() error {
	if err := checkComponent("projection", k.Projection); err != nil {
		return err
	}
	return k.StreamKey().Validate()
}

func (k CursorKey) StreamKey() StreamKey { return StreamKey{Stream: k.Stream, EntityID: k.EntityID} }

func (k CursorKey) String() string {
	return strings.Join([]string{k.Projection, k.Stream, k.EntityID}, Separator)
}

func ParseCursorKey(s string) (CursorKey, error) {
	parts, err := splitKey("cursor key", s, 3)
	if err != nil {
		return CursorKey{}, err
	}
	return NewCursorKey(parts[0], parts[1], parts[2])
}

// ProjectionCacheKey addresses the latest-value cache for one projection of one entity.
type ProjectionCacheKey struct {
	Projection string
	Stream     string
	EntityID   string
}

func NewProjectionCacheKey(projection, stream, entityID string) (ProjectionCacheKey, error) {
	k := ProjectionCacheKey{Projection: projection, Stream: stream, EntityID: entityID}
	return k, k.Validate()
}

func (k ProjectionCacheKey) Validate() error {
	return CursorKey(k).Validate()
}

func (k ProjectionCacheKey) StreamKey() StreamKey {
	return StreamKey{Stream: k.Stream, EntityID: k.EntityID}
}

// AtVersion pins the key to a specific version.
func (k ProjectionCacheKey) AtVersion(v Position) (VersionedCacheKey, error) {
	return NewVersionedCacheKey(k.Projection, k.Stream, k.EntityID, v)
}

func (k ProjectionCacheKey) String() string { return CursorKey(k).String() }

func ParseProjectionCacheKey(s string) (ProjectionCacheKey, error) {
	parts, err := splitKey("projection cache key", s, 3)
	if err != nil {
		return ProjectionCacheKey{}, err
	}
	return NewProjectionCacheKey(parts[0], parts[1], parts[2])
}

// ErrInvalidPosition is returned when a pinned version is NotSet.
var ErrInvalidPosition = errors.New("version must be set")

// VersionedCacheKey addresses one immutable version of a projection.
type VersionedCacheKey struct {
	Projection string
	Stream     string
	EntityID   string
	Version    Position
}

func NewVersionedCacheKey(projection, stream, entityID string, version Position) (VersionedCacheKey, error) {
	k := VersionedCacheKey{Projection: projection, Stream: stream, EntityID: entityID, Version: version}
	return k, k.Validate()
}

func (k VersionedCacheKey) Validate() error {
	if err := (CursorKey{Projection: k.Projection, Stream: k.Stream, EntityID: k.EntityID}).Validate(); err != nil {
		return err
	}
	if !k.Version.IsSet() {
		return ErrInvalidPosition
	}
	return nil
}

func (k VersionedCacheKey) ProjectionKey() ProjectionCacheKey {
	return ProjectionCacheKey{Projection: k.Projection, Stream: k.Stream, EntityID: k.EntityID}
}

func (k VersionedCacheKey) String() string {
	return strings.Join([]string{k.Projection, k.Stream, k.EntityID, k.Version.String()}, Separator)
}

func ParseVersionedCacheKey(s string) (VersionedCacheKey, error) {
	parts, err := splitKey("versioned cache key", s, 4)
	if err != nil {
		return VersionedCacheKey{}, err
	}
	v, err := ParsePosition(parts[3])
	if err != nil {
		return VersionedCacheKey{}, err
	}
	return NewVersionedCacheKey(parts[0], parts[1], parts[2], v)
}

// SnapshotFamilyKey identifies the versioned snapshots of one entity produced
// by one reducer.
type SnapshotFamilyKey struct {
	Storage     string
	EntityID    string
	ReducerHash string
}

func NewSnapshotFamilyKey(storage, entityID, reducerHash string) (SnapshotFamilyKey, error) {
	k := SnapshotFamilyKey{Storage: storage, EntityID: entityID, ReducerHash: reducerHash}
	return k, k.Validate()
}

func (k SnapshotFamilyKey) Validate() error {
	if err := checkComponent("storage name", k.Storage); err != nil {
		return err
	}
	if err := checkComponent("entity id", k.EntityID); err != nil {
		return err
	}
	return checkComponent("reducer hash", k.ReducerHash)
}

// Prefix is the listing prefix {storage}/{entity}/{hash} without a trailing slash.
func (k SnapshotFamilyKey) Prefix() string {
	return url.PathEscape(k.Storage) + "/" + url.PathEscape(k.EntityID) + "/" + url.PathEscape(k.ReducerHash)
}

// At returns the SnapshotKey for version v.
func (k SnapshotFamilyKey) At(v Position) SnapshotKey {
	return SnapshotKey{Family: k, Version: v}
}

func (k SnapshotFamilyKey) String() string {
	return strings.Join([]string{k.Storage, k.EntityID, k.ReducerHash}, Separator)
}

// SnapshotKey identifies one immutable snapshot.
type SnapshotKey struct {
	Family  SnapshotFamilyKey
	Version Position
}

func (k SnapshotKey) Validate() error {
	if err := k.Family.Validate(); err != nil {
		return err
	}
	if !k.Version.IsSet() {
		return ErrInvalidPosition
	}
	return nil
}

// Path is the blob path {storage}/{entity}/{hash}/{version}.
func (k SnapshotKey) Path() string {
	return k.Family.Prefix() + "/" + strconv.FormatInt(k.Version.Value(), 10)
}

func (k SnapshotKey) String() string {
	return k.Family.String() + Separator + k.Version.String()
}

// ParseSnapshotPath parses the version from the last segment of a snapshot
// path that lives under family's prefix.
func ParseSnapshotPath(family SnapshotFamilyKey, path string) (SnapshotKey, error) {
	prefix := family.Prefix() + "/"
	if !strings.HasPrefix(path, prefix) {
		return SnapshotKey{}, fmt.Errorf("path %q outside family %s: %w", path, family, ErrMalformedKey)
	}
	rest := path[len(prefix):]
	v, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || v < 0 {
		return SnapshotKey{}, fmt.Errorf("path %q: bad version segment: %w", path, ErrMalformedKey)
	}
	return SnapshotKey{Family: family, Version: NewPosition(v)}, nil
}

// StoragePrefix is the listing prefix of every entity under a storage name.
func StoragePrefix(storage string) string {
	return url.PathEscape(storage) + "/"
}

// EntityFromPath returns the entity segment of a path under StoragePrefix(storage).
func EntityFromPath(storage, path string) (string, error) {
	prefix := StoragePrefix(storage)
	if !strings.HasPrefix(path, prefix) {
		return "", fmt.Errorf("path %q outside storage %q: %w", path, storage, ErrMalformedKey)
	}
	seg, _, ok := strings.Cut(path[len(prefix):], "/")
	if !ok || seg == "" {
		return "", fmt.Errorf("path %q: missing entity segment: %w", path, ErrMalformedKey)
	}
	return url.PathUnescape(seg)
}
