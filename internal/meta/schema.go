package meta

import (
	"encoding/binary"
	"time"

	"github.com/gftdcojp/projection-cache/internal/types"
)

// Bucket names in BoltDB.
var (
	bucketSystem      = []byte("system")
	bucketStreams     = []byte("streams")
	keySchemaVersion  = []byte("schema_version")
	keyLastPruneCycle = []byte("last_prune_cycle")
	subBucketCursors  = []byte("cursors")
)

// Schema v1 stored a cursor as a bare 8-byte position. v2 stores a gob
// CursorEntry carrying the ordering token.
const currentSchemaVersion = 2

// CursorEntry is the durable record of one stream's newest position.
type CursorEntry struct {
	Stream   string
	EntityID string
	Position int64
	// Token increases by one every time Position advances and orders the
	// notifications published for this stream.
	Token     uint64
	UpdatedAt time.Time
}

// Key returns the StreamKey of this entry.
func (e *CursorEntry) Key() types.StreamKey {
	return types.StreamKey{Stream: e.Stream, EntityID: e.EntityID}
}

// Pos returns the stored position.
func (e *CursorEntry) Pos() types.Position {
	return types.NewPosition(e.Position)
}

func uint64ToBytes(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func int64ToBytes(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func streamBucketName(stream string) []byte {
	return []byte(stream)
}
