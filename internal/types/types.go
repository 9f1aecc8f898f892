package types

import (
	"fmt"
	"strconv"
)

// Position marks progress through an entity's event stream.
// The zero value is a valid position (the first event); use NotSet for
// "no events yet".
type Position struct {
	v int64
}

// NotSet is the position of a stream that has no events.
var NotSet = Position{v: -1}

// NewPosition returns the position for v. Any negative value collapses to NotSet.
func NewPosition(v int64) Position {
	if v < 0 {
		return NotSet
	}
	return Position{v: v}
}

// Value returns the raw position, -1 for NotSet.
func (p Position) Value() int64 { return p.v }

// IsSet reports whether the stream has at least one event at this position.
func (p Position) IsSet() bool { return p.v >= 0 }

// IsNewerThan reports whether p is strictly newer than other.
func (p Position) IsNewerThan(other Position) bool { return p.v > other.v }

func (p Position) String() string {
	if !p.IsSet() {
		return "notset"
	}
	return strconv.FormatInt(p.v, 10)
}

// ParsePosition parses the String form of a Position.
func ParsePosition(s string) (Position, error) {
	if s == "" {
		return NotSet, fmt.Errorf("position: %w", ErrMissingComponent)
	}
	if s == "notset" {
		return NotSet, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return NotSet, fmt.Errorf("position %q: %w", s, ErrMalformedKey)
	}
	return Position{v: v}, nil
}

// AccessTier selects the storage class snapshots are written to.
type AccessTier int

const (
	TierHot AccessTier = iota
	TierCool
	TierCold
	TierArchive
)

func (t AccessTier) String() string {
	switch t {
	case TierHot:
		return "hot"
	case TierCool:
		return "cool"
	case TierCold:
		return "cold"
	case TierArchive:
		return "archive"
	default:
		return "unknown"
	}
}

// ParseAccessTier maps a config string to an AccessTier. Empty means hot.
func ParseAccessTier(s string) (AccessTier, error) {
	switch s {
	case "", "hot":
		return TierHot, nil
	case "cool":
		return TierCool, nil
	case "cold":
		return TierCold, nil
	case "archive":
		return TierArchive, nil
	}
	return TierHot, fmt.Errorf("unknown access tier %q", s)
}

// Compression names the payload encoding applied before a snapshot is stored.
type Compression string

const (
	CompressionNone   Compression = "none"
	CompressionGzip   Compression = "gzip"
	CompressionBrotli Compression = "brotli"
)

// ParseCompression maps a config string to a Compression. Empty means none.
func ParseCompression(s string) (Compression, error) {
	switch Compression(s) {
	case "", CompressionNone:
		return CompressionNone, nil
	case CompressionGzip:
		return CompressionGzip, nil
	case CompressionBrotli:
		return CompressionBrotli, nil
	}
	return CompressionNone, fmt.Errorf("unknown compression %q", s)
}

// SnapshotEnvelope is the stored payload for one SnapshotKey.
type SnapshotEnvelope struct {
	// Data is the uncompressed payload on Write and the decompressed payload on Read.
	Data        []byte
	ContentType string
	// SizeBytes is the declared uncompressed size.
	SizeBytes int64
	// Encoding records the compression detected on read.
	Encoding Compression
}
