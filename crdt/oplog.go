package crdt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// OpLog is a convergent engine that models a document as a grow-only set of
// opaque payloads. Each payload is tagged with its origin replica and a
// per-replica sequence number; merging is set union with checksum-verified
// dedupe, and materialization replays payloads in a canonical order that is
// identical on every replica. It backs the unit tests and embedders that
// already treat their document as an append log.
type OpLog struct {
	mu      sync.Mutex
	replica string
	nextSeq uint64
	entries map[entryKey]logEntry
	pending []logEntry
}

type entryKey struct {
	replica string
	seq     uint64
}

type logEntry struct {
	Replica string `json:"r"`
	Seq     uint64 `json:"s"`
	Payload []byte `json:"p"`
	Sum     uint64 `json:"x"`
}

// bundle is the wire form shared by updates and full states. A state vector
// is the "v" map alone.
type bundle struct {
	Vector  map[string]uint64 `json:"v,omitempty"`
	Entries []logEntry        `json:"e,omitempty"`
}

// NewOpLog returns an empty log for the given replica id.
func NewOpLog(replica string) *OpLog {
	return &OpLog{
		replica: replica,
		nextSeq: 1,
		entries: make(map[entryKey]logEntry),
	}
}

// Append records a local payload and stages it for TakeLocalUpdate.
func (l *OpLog) Append(payload []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := logEntry{
		Replica: l.replica,
		Seq:     l.nextSeq,
		Payload: append([]byte(nil), payload...),
		Sum:     xxhash.Sum64(payload),
	}
	l.nextSeq++
	l.entries[entryKey{e.Replica, e.Seq}] = e
	l.pending = append(l.pending, e)
}

func (l *OpLog) ApplyUpdate(update []byte) error {
	var b bundle
	if err := json.Unmarshal(update, &b); err != nil {
		return fmt.Errorf("%w: %v", ErrBadUpdate, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range b.Entries {
		if e.Replica == "" || e.Seq == 0 {
			return fmt.Errorf("%w: entry missing origin", ErrBadUpdate)
		}
		if xxhash.Sum64(e.Payload) != e.Sum {
			return fmt.Errorf("%w: checksum mismatch for %s/%d", ErrBadUpdate, e.Replica, e.Seq)
		}
		k := entryKey{e.Replica, e.Seq}
		if _, seen := l.entries[k]; seen {
			continue
		}
		l.entries[k] = e
		if e.Replica == l.replica && e.Seq >= l.nextSeq {
			l.nextSeq = e.Seq + 1
		}
	}
	return nil
}

func (l *OpLog) TakeLocalUpdate() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) == 0 {
		return nil, nil
	}
	u, err := json.Marshal(bundle{Entries: l.pending})
	if err != nil {
		return nil, err
	}
	l.pending = nil
	return u, nil
}

func (l *OpLog) EncodeState() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return json.Marshal(bundle{Vector: l.vectorLocked(), Entries: l.sortedLocked()})
}

func (l *OpLog) EncodeStateVector() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return json.Marshal(bundle{Vector: l.vectorLocked()})
}

func (l *OpLog) DiffSince(vector []byte) ([]byte, error) {
	var b bundle
	if len(vector) > 0 {
		if err := json.Unmarshal(vector, &b); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadVector, err)
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var missing []logEntry
	for _, e := range l.sortedLocked() {
		if e.Seq > b.Vector[e.Replica] {
			missing = append(missing, e)
		}
	}
	if len(missing) == 0 {
		return nil, nil
	}
	return json.Marshal(bundle{Entries: missing})
}

// Render materializes the document by concatenating payloads in canonical
// order. Identical on every replica holding the same entry set.
func (l *OpLog) Render() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	var buf bytes.Buffer
	for _, e := range l.sortedLocked() {
		buf.Write(e.Payload)
	}
	return buf.Bytes()
}

// Len returns the number of distinct entries.
func (l *OpLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// vectorLocked summarizes the highest contiguous-or-not sequence seen per
// replica. Monotonically non-decreasing per replica.
func (l *OpLog) vectorLocked() map[string]uint64 {
	v := make(map[string]uint64)
	for k := range l.entries {
		if k.seq > v[k.replica] {
			v[k.replica] = k.seq
		}
	}
	return v
}

func (l *OpLog) sortedLocked() []logEntry {
	out := make([]logEntry, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Seq != out[j].Seq {
			return out[i].Seq < out[j].Seq
		}
		return out[i].Replica < out[j].Replica
	})
	return out
}
