package realtime

import "sync"

// Queue is the durable buffer for updates produced while the channel is
// degraded. Entries drain strictly in enqueue order.
type Queue interface {
	// Enqueue appends one frame to the document's queue.
	Enqueue(docID string, data []byte) error

	// Drain calls fn for each queued frame in order, removing each frame
	// after fn returns nil. It stops at the first error, leaving that
	// frame and everything after it queued.
	Drain(docID string, fn func(data []byte) error) error

	// Len returns the number of queued frames for the document.
	Len(docID string) (int, error)

	Close() error
}

// MemoryQueue is a process-local Queue. Frames do not survive a restart;
// use BoltQueue where durability matters.
type MemoryQueue struct {
	mu    sync.Mutex
	items map[string][][]byte
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{items: make(map[string][][]byte)}
}

func (q *MemoryQueue) Enqueue(docID string, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items[docID] = append(q.items[docID], append([]byte(nil), data...))
	return nil
}

func (q *MemoryQueue) Drain(docID string, fn func(data []byte) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items[docID]) > 0 {
		if err := fn(q.items[docID][0]); err != nil {
			return err
		}
		q.items[docID] = q.items[docID][1:]
	}
	delete(q.items, docID)
	return nil
}

func (q *MemoryQueue) Len(docID string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items[docID]), nil
}

func (q *MemoryQueue) Close() error { return nil }
