package snapshot

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"replog/pkg/types"

	"github.com/boltdb/bolt"
)

const dbFileMode = 0600

var dbSnapshots = []byte("snapshots")

// BoltStore keeps snapshots in a bolt file, keyed by last applied index.
type BoltStore struct {
	conn *bolt.DB
	path string
}

func NewBoltStore(path string) (*BoltStore, error) {
	handle, err := bolt.Open(path, dbFileMode, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot store: %w", err)
	}

	store := &BoltStore{
		conn: handle,
		path: path,
	}
	if err := store.initialize(); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

func (b *BoltStore) initialize() error {
	return b.conn.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(dbSnapshots)
		return err
	})
}

func (b *BoltStore) Path() string { return b.path }

func (b *BoltStore) Close() error {
	return b.conn.Close()
}

// Save stores s, replacing a snapshot taken at the same index.
func (b *BoltStore) Save(s Snapshot) error {
	val, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return b.conn.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(dbSnapshots).Put(indexToBytes(s.LastAppliedIndex), val)
	})
}

// Latest returns the snapshot with the highest last applied index.
func (b *BoltStore) Latest() (Snapshot, error) {
	var s Snapshot
	err := b.conn.View(func(tx *bolt.Tx) error {
		_, val := tx.Bucket(dbSnapshots).Cursor().Last()
		if val == nil {
			return ErrNotFound
		}
		return decodeSnapshot(val, &s)
	})
	return s, err
}

// List returns every stored snapshot, oldest first.
func (b *BoltStore) List() ([]Snapshot, error) {
	var out []Snapshot
	err := b.conn.View(func(tx *bolt.Tx) error {
		return tx.Bucket(dbSnapshots).ForEach(func(_, val []byte) error {
			var s Snapshot
			if err := decodeSnapshot(val, &s); err != nil {
				return err
			}
			out = append(out, s)
			return nil
		})
	})
	return out, err
}

// Prune deletes all but the retain newest snapshots.
func (b *BoltStore) Prune(retain int) error {
	if retain < 1 {
		retain = 1
	}
	return b.conn.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(dbSnapshots)

		var keys [][]byte
		curs := bucket.Cursor()
		for k, _ := curs.First(); k != nil; k, _ = curs.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		if len(keys) <= retain {
			return nil
		}
		for _, k := range keys[:len(keys)-retain] {
			if err := bucket.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func decodeSnapshot(val []byte, s *Snapshot) error {
	if err := json.Unmarshal(val, s); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}
	return nil
}

// indexToBytes keeps keys in index order; NoIndex sorts first.
func indexToBytes(i types.LogIndex) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, i.Wire())
	return buf
}

var _ Store = (*BoltStore)(nil)
