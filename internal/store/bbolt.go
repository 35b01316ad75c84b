package store

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"
)

const metaBucket = "_meta"
const versionKey = "schema_version"

// BboltDB is a local-file-backed Store: bbolt as the embedded ordered-KV
// engine for durable cache/ledger state.
type BboltDB struct {
	db *bbolt.DB
}

// OpenBbolt opens (creating if absent) a bbolt database at path and checks
// its schema version; a mismatch is a startup error rather than a silent
// migration.
func OpenBbolt(path string) (*BboltDB, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open bbolt at %s: %w", path, err)
	}
	s := &BboltDB{db: db}
	if err := s.checkOrWriteVersion(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BboltDB) checkOrWriteVersion() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(metaBucket))
		if err != nil {
			return err
		}
		existing := b.Get([]byte(versionKey))
		if existing == nil {
			buf := make([]byte, 4)
			binary.BigEndian.PutUint32(buf, SchemaVersion)
			return b.Put([]byte(versionKey), buf)
		}
		if binary.BigEndian.Uint32(existing) != SchemaVersion {
			return ErrVersionMismatch
		}
		return nil
	})
}

func (s *BboltDB) Get(bucket string, key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return ErrNotFound
		}
		v := b.Get(key)
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

func (s *BboltDB) Put(bucket string, key, value []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}
		return b.Put(key, value)
	})
}

func (s *BboltDB) Delete(bucket string, key []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		return b.Delete(key)
	})
}

func (s *BboltDB) Scan(bucket string, start, end []byte, reverse bool, fn func(key, value []byte) bool) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		inRange := func(k []byte) bool {
			if k == nil {
				return false
			}
			if end != nil && bytes.Compare(k, end) >= 0 {
				return false
			}
			return true
		}
		if reverse {
			var k, v []byte
			if end != nil {
				k, v = c.Seek(end)
				if k == nil {
					k, v = c.Last()
				} else {
					k, v = c.Prev()
				}
			} else {
				k, v = c.Last()
			}
			for ; k != nil; k, v = c.Prev() {
				if start != nil && bytes.Compare(k, start) < 0 {
					break
				}
				if !fn(k, v) {
					return nil
				}
			}
			return nil
		}
		for k, v := c.Seek(start); k != nil && inRange(k); k, v = c.Next() {
			if !fn(k, v) {
				return nil
			}
		}
		return nil
	})
}

func (s *BboltDB) Close() error { return s.db.Close() }

// EncodeID big-endian encodes an int64 so lexicographic byte order matches
// numeric order, letting ledger.recent use Scan directly.
func EncodeID(id int64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(id))
	return buf
}

// DecodeID reverses EncodeID.
func DecodeID(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}
