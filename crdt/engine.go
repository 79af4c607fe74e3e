// Package crdt abstracts the replicated-document engine the sync layer is
// built on. The engine guarantees convergence: applying any permutation of a
// set of updates yields the same state on every replica. Two implementations
// are provided — an automerge-backed document and a self-contained update
// log — and anything satisfying Engine can be substituted.
package crdt

import "errors"

var (
	ErrBadUpdate = errors.New("crdt: malformed update")
	ErrBadVector = errors.New("crdt: malformed state vector")
)

// Engine is the replicated-document capability. Updates and state vectors
// are opaque byte sequences; their format belongs to the implementation.
// All methods are safe for concurrent use.
type Engine interface {
	// ApplyUpdate merges an incremental update (or a full serialized
	// state) into the document. Idempotent and order-independent.
	ApplyUpdate(update []byte) error

	// TakeLocalUpdate drains changes made locally since the last call and
	// returns them as one update, or nil when there is nothing pending.
	TakeLocalUpdate() ([]byte, error)

	// EncodeState serializes the full document state.
	EncodeState() ([]byte, error)

	// EncodeStateVector summarizes what this replica has seen.
	EncodeStateVector() ([]byte, error)

	// DiffSince computes an update bringing a peer at the given vector up
	// to date. Returns nil when the peer is already current.
	DiffSince(vector []byte) ([]byte, error)
}
