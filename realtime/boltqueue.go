package realtime

import (
	"encoding/binary"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

// BoltQueue is a bbolt-backed Queue: one bucket per document, keys are
// big-endian bucket sequence numbers so iteration order is enqueue order.
// Frames survive process restarts.
type BoltQueue struct {
	db *bolt.DB
}

// OpenBoltQueue opens (creating if needed) the queue database at path.
func OpenBoltQueue(path string) (*BoltQueue, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open offline queue: %w", err)
	}
	return &BoltQueue{db: db}, nil
}

func (q *BoltQueue) Enqueue(docID string, data []byte) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(docID))
		if err != nil {
			return err
		}
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		var key [8]byte
		binary.BigEndian.PutUint64(key[:], seq)
		return b.Put(key[:], data)
	})
}

func (q *BoltQueue) Drain(docID string, fn func(data []byte) error) error {
	// Collect under a read transaction, then delete delivered frames in a
	// write transaction. fn may publish over the network and must not run
	// inside a bolt transaction.
	type frame struct {
		key  []byte
		data []byte
	}
	var frames []frame
	err := q.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(docID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			frames = append(frames, frame{
				key:  append([]byte(nil), k...),
				data: append([]byte(nil), v...),
			})
			return nil
		})
	})
	if err != nil {
		return err
	}

	delivered := 0
	var fnErr error
	for _, f := range frames {
		if fnErr = fn(f.data); fnErr != nil {
			break
		}
		delivered++
	}
	if delivered > 0 {
		if err := q.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket([]byte(docID))
			if b == nil {
				return nil
			}
			for _, f := range frames[:delivered] {
				if err := b.Delete(f.key); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return err
		}
	}
	return fnErr
}

func (q *BoltQueue) Len(docID string) (int, error) {
	n := 0
	err := q.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(docID))
		if b == nil {
			return nil
		}
		n = b.Stats().KeyN
		return nil
	})
	return n, err
}

func (q *BoltQueue) Close() error {
	return q.db.Close()
}
