package meta

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/gftdcojp/projection-cache/internal/types"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// ErrStaleCursor is returned by AdvanceCursor when the position is not newer
// than the stored one.
var ErrStaleCursor = errors.New("cursor position is not newer than stored position")

// Store is the durable cursor store. It is the seed source for cursor
// trackers and the write side of cursor publishing.
type Store interface {
	// ReadCursorPosition returns the stored position, or NotSet if the stream
	// has never advanced.
	ReadCursorPosition(ctx context.Context, key types.StreamKey) (types.Position, error)
	GetCursor(ctx context.Context, key types.StreamKey) (*CursorEntry, error)
	// AdvanceCursor stores pos if it is newer than the stored position and
	// bumps the ordering token. Otherwise it returns ErrStaleCursor.
	AdvanceCursor(ctx context.Context, key types.StreamKey, pos types.Position) (*CursorEntry, error)
	ListStreams(ctx context.Context) ([]string, error)
	ListCursors(ctx context.Context, stream string) ([]CursorEntry, error)

	RecordPruneCycle(ctx context.Context, at time.Time) error
	LastPruneCycle(ctx context.Context) (time.Time, error)

	Ping() error
	Close() error
}

// BoltStore implements Store using bbolt (BoltDB).
type BoltStore struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// NewBoltStore opens or creates a BoltDB cursor store.
func NewBoltStore(path string, logger *zap.Logger) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}

	s := &BoltStore{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *BoltStore) initSchema() error {
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		sys, err := tx.CreateBucketIfNotExists(bucketSystem)
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketStreams); err != nil {
			return err
		}
		v := sys.Get(keySchemaVersion)
		if v == nil {
			return sys.Put(keySchemaVersion, uint64ToBytes(currentSchemaVersion))
		}
		return nil
	}); err != nil {
		return err
	}
	return s.Migrate()
}

func (s *BoltStore) ensureStreamBuckets(tx *bbolt.Tx, stream string) (*bbolt.Bucket, error) {
	streams, err := tx.CreateBucketIfNotExists(bucketStreams)
	if err != nil {
		return nil, err
	}
	sb, err := streams.CreateBucketIfNotExists(streamBucketName(stream))
	if err != nil {
		return nil, err
	}
	return sb.CreateBucketIfNotExists(subBucketCursors)
}

// cursorBucket returns the cursors bucket of stream, or nil in a read-only
// transaction when the stream has never been written.
func cursorBucket(tx *bbolt.Tx, stream string) *bbolt.Bucket {
	streams := tx.Bucket(bucketStreams)
	if streams == nil {
		return nil
	}
	sb := streams.Bucket(streamBucketName(stream))
	if sb == nil {
		return nil
	}
	return sb.Bucket(subBucketCursors)
}

func encodeCursorEntry(entry *CursorEntry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entry); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeCursorEntry(data []byte) (*CursorEntry, error) {
	var entry CursorEntry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *BoltStore) ReadCursorPosition(ctx context.Context, key types.StreamKey) (types.Position, error) {
	entry, err := s.GetCursor(ctx, key)
	if err != nil {
		return types.NotSet, err
	}
	if entry == nil {
		return types.NotSet, nil
	}
	return entry.Pos(), nil
}

// GetCursor returns nil, nil when no cursor is stored for key.
func (s *BoltStore) GetCursor(ctx context.Context, key types.StreamKey) (*CursorEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	var entry *CursorEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := cursorBucket(tx, key.Stream)
		if b == nil {
			return nil
		}
		data := b.Get([]byte(key.EntityID))
		if data == nil {
			return nil
		}
		var err error
		entry, err = decodeCursorEntry(data)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reading cursor %s: %w", key, err)
	}
	return entry, nil
}

func (s *BoltStore) AdvanceCursor(ctx context.Context, key types.StreamKey, pos types.Position) (*CursorEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	if !pos.IsSet() {
		return nil, types.ErrInvalidPosition
	}

	var out *CursorEntry
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := s.ensureStreamBuckets(tx, key.Stream)
		if err != nil {
			return err
		}
		entry := &CursorEntry{Stream: key.Stream, EntityID: key.EntityID, Position: types.NotSet.Value()}
		if data := b.Get([]byte(key.EntityID)); data != nil {
			if entry, err = decodeCursorEntry(data); err != nil {
				return err
			}
		}
		if !pos.IsNewerThan(entry.Pos()) {
			return fmt.Errorf("%w: %s <= %s", ErrStaleCursor, pos, entry.Pos())
		}
		entry.Position = pos.Value()
		entry.Token++
		entry.UpdatedAt = time.Now()

		data, err := encodeCursorEntry(entry)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(key.EntityID), data); err != nil {
			return err
		}
		out = entry
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("cursor advanced",
		zap.String("stream", key.Stream),
		zap.String("entity", key.EntityID),
		zap.Int64("position", out.Position),
		zap.Uint64("token", out.Token),
	)
	return out, nil
}

func (s *BoltStore) ListStreams(_ context.Context) ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		streams := tx.Bucket(bucketStreams)
		if streams == nil {
			return nil
		}
		return streams.ForEach(func(k, v []byte) error {
			if v == nil {
				out = append(out, string(k))
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListCursors(_ context.Context, stream string) ([]CursorEntry, error) {
	var out []CursorEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := cursorBucket(tx, stream)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			entry, err := decodeCursorEntry(v)
			if err != nil {
				return fmt.Errorf("cursor %s|%s: %w", stream, k, err)
			}
			out = append(out, *entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out, nil
}

func (s *BoltStore) RecordPruneCycle(_ context.Context, at time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSystem).Put(keyLastPruneCycle, int64ToBytes(at.UnixNano()))
	})
}

// LastPruneCycle returns the zero time if no cycle has been recorded.
func (s *BoltStore) LastPruneCycle(_ context.Context) (time.Time, error) {
	var at time.Time
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketSystem).Get(keyLastPruneCycle)
		if v != nil {
			at = time.Unix(0, int64(bytesToUint64(v)))
		}
		return nil
	})
	return at, err
}

func (s *BoltStore) Ping() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketSystem) == nil {
			return fmt.Errorf("system bucket missing")
		}
		return nil
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
