package crdt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/automerge/automerge-go"
)

// AutomergeDoc adapts an automerge document to the Engine interface.
// Convergence comes from the library; this wrapper only adds locking and the
// byte-level update/vector framing the sync layer expects.
type AutomergeDoc struct {
	mu  sync.Mutex
	doc *automerge.Doc
}

// NewAutomergeDoc returns an engine around an empty document.
func NewAutomergeDoc() *AutomergeDoc {
	return &AutomergeDoc{doc: automerge.New()}
}

// LoadAutomergeDoc returns an engine hydrated from a full serialized state.
func LoadAutomergeDoc(state []byte) (*AutomergeDoc, error) {
	doc, err := automerge.Load(state)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadUpdate, err)
	}
	return &AutomergeDoc{doc: doc}, nil
}

// Doc exposes the underlying document for local edits. Callers that mutate
// it directly should drain TakeLocalUpdate afterwards.
func (d *AutomergeDoc) Doc() *automerge.Doc {
	return d.doc
}

func (d *AutomergeDoc) ApplyUpdate(update []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.doc.LoadIncremental(update); err != nil {
		return fmt.Errorf("%w: %v", ErrBadUpdate, err)
	}
	return nil
}

func (d *AutomergeDoc) TakeLocalUpdate() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u := d.doc.SaveIncremental()
	if len(u) == 0 {
		return nil, nil
	}
	return u, nil
}

func (d *AutomergeDoc) EncodeState() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Save(), nil
}

func (d *AutomergeDoc) EncodeStateVector() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.encodeHeadsLocked()
}

func (d *AutomergeDoc) encodeHeadsLocked() ([]byte, error) {
	heads := d.doc.Heads()
	hs := make([]string, len(heads))
	for i, h := range heads {
		hs[i] = h.String()
	}
	return json.Marshal(hs)
}

// DiffSince returns an update for a peer at the given vector. When the
// peer's heads match ours the diff is empty; otherwise the full serialized
// state is returned, which automerge merges incrementally and idempotently
// on the receiving side.
func (d *AutomergeDoc) DiffSince(vector []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(vector) > 0 {
		var hs []string
		if err := json.Unmarshal(vector, &hs); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadVector, err)
		}
		cur, err := d.encodeHeadsLocked()
		if err != nil {
			return nil, err
		}
		if bytes.Equal(cur, vector) {
			return nil, nil
		}
	}
	return d.doc.Save(), nil
}
