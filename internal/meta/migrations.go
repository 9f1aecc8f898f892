package meta

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Migrate runs any pending schema migrations.
func (s *BoltStore) Migrate() error {
	var version uint64
	s.db.View(func(tx *bbolt.Tx) error {
		sys := tx.Bucket(bucketSystem)
		if sys == nil {
			return nil
		}
		v := sys.Get(keySchemaVersion)
		if v != nil {
			version = bytesToUint64(v)
		}
		return nil
	})

	if version < 2 {
		if err := s.migrateV1toV2(); err != nil {
			return fmt.Errorf("migration v1→v2: %w", err)
		}
	}

	return nil
}

// migrateV1toV2 rewrites bare 8-byte cursor positions as gob CursorEntry
// records. Migrated cursors start at token 1.
func (s *BoltStore) migrateV1toV2() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		// bbolt forbids mutating a bucket while iterating it, so collect first.
		var names [][]byte
		if streams := tx.Bucket(bucketStreams); streams != nil {
			streams.ForEach(func(k, v []byte) error {
				if v == nil {
					names = append(names, append([]byte(nil), k...))
				}
				return nil
			})
		}

		for _, name := range names {
			cursors := tx.Bucket(bucketStreams).Bucket(name).Bucket(subBucketCursors)
			if cursors == nil {
				continue
			}

			type kv struct{ key, val []byte }
			var rewrites []kv
			err := cursors.ForEach(func(ek, ev []byte) error {
				if len(ev) != 8 {
					return nil
				}
				data, err := encodeCursorEntry(&CursorEntry{
					Stream:    string(name),
					EntityID:  string(ek),
					Position:  int64(bytesToUint64(ev)),
					Token:     1,
					UpdatedAt: time.Now(),
				})
				if err != nil {
					return err
				}
				rewrites = append(rewrites, kv{append([]byte(nil), ek...), data})
				return nil
			})
			if err != nil {
				return err
			}
			for _, r := range rewrites {
				if err := cursors.Put(r.key, r.val); err != nil {
					return err
				}
			}
			if len(rewrites) > 0 {
				s.logger.Info("migrated cursors to schema v2",
					zap.String("stream", string(name)),
					zap.Int("cursors", len(rewrites)),
				)
			}
		}

		sys := tx.Bucket(bucketSystem)
		if sys == nil {
			return fmt.Errorf("system bucket not found")
		}
		return sys.Put(keySchemaVersion, uint64ToBytes(2))
	})
}
