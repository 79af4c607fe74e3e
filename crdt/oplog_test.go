package crdt

import (
	"bytes"
	"errors"
	"testing"
)

func collect(t *testing.T, l *OpLog) [][]byte {
	t.Helper()
	var updates [][]byte
	for {
		u, err := l.TakeLocalUpdate()
		if err != nil {
			t.Fatal(err)
		}
		if u == nil {
			return updates
		}
		updates = append(updates, u)
	}
}

func TestOpLogConvergesUnderPermutation(t *testing.T) {
	src := NewOpLog("a")
	src.Append([]byte("one"))
	u1 := collect(t, src)[0]
	src.Append([]byte("two"))
	u2 := collect(t, src)[0]
	src.Append([]byte("three"))
	u3 := collect(t, src)[0]

	perms := [][][]byte{
		{u1, u2, u3},
		{u1, u3, u2},
		{u2, u1, u3},
		{u2, u3, u1},
		{u3, u1, u2},
		{u3, u2, u1},
	}
	var want []byte
	for i, p := range perms {
		r := NewOpLog("x")
		for _, u := range p {
			if err := r.ApplyUpdate(u); err != nil {
				t.Fatal(err)
			}
		}
		got := r.Render()
		if i == 0 {
			want = got
			continue
		}
		if !bytes.Equal(got, want) {
			t.Errorf("permutation %d diverged: %q vs %q", i, got, want)
		}
	}
}

func TestOpLogIdempotentApply(t *testing.T) {
	src := NewOpLog("a")
	src.Append([]byte("payload"))
	u := collect(t, src)[0]

	r := NewOpLog("b")
	for i := 0; i < 3; i++ {
		if err := r.ApplyUpdate(u); err != nil {
			t.Fatal(err)
		}
	}
	if r.Len() != 1 {
		t.Errorf("got %d entries after repeated apply, want 1", r.Len())
	}
}

func TestOpLogConcurrentInsertsMerge(t *testing.T) {
	a := NewOpLog("a")
	b := NewOpLog("b")
	a.Append([]byte("from-a"))
	b.Append([]byte("from-b"))
	ua := collect(t, a)[0]
	ub := collect(t, b)[0]

	if err := a.ApplyUpdate(ub); err != nil {
		t.Fatal(err)
	}
	if err := b.ApplyUpdate(ua); err != nil {
		t.Fatal(err)
	}

	ra, rb := a.Render(), b.Render()
	if !bytes.Equal(ra, rb) {
		t.Fatalf("replicas diverged: %q vs %q", ra, rb)
	}
	if !bytes.Contains(ra, []byte("from-a")) || !bytes.Contains(ra, []byte("from-b")) {
		t.Errorf("merged state missing an insertion: %q", ra)
	}
}

func TestOpLogStateRoundTrip(t *testing.T) {
	a := NewOpLog("a")
	a.Append([]byte("x"))
	a.Append([]byte("y"))
	collect(t, a)

	state, err := a.EncodeState()
	if err != nil {
		t.Fatal(err)
	}
	b := NewOpLog("b")
	if err := b.ApplyUpdate(state); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a.Render(), b.Render()) {
		t.Error("state round trip diverged")
	}
}

func TestOpLogDiffSince(t *testing.T) {
	a := NewOpLog("a")
	a.Append([]byte("x"))
	collect(t, a)

	vec, err := a.EncodeStateVector()
	if err != nil {
		t.Fatal(err)
	}

	// Peer at the current vector needs nothing.
	diff, err := a.DiffSince(vec)
	if err != nil {
		t.Fatal(err)
	}
	if diff != nil {
		t.Errorf("expected empty diff, got %q", diff)
	}

	a.Append([]byte("y"))
	collect(t, a)
	diff, err = a.DiffSince(vec)
	if err != nil {
		t.Fatal(err)
	}
	if diff == nil {
		t.Fatal("expected a diff for stale vector")
	}

	b := NewOpLog("b")
	if err := b.ApplyUpdate(diff); err != nil {
		t.Fatal(err)
	}
	if b.Len() != 1 {
		t.Errorf("diff should carry only the missing entry, got %d", b.Len())
	}
}

func TestOpLogSequenceResumesAfterStateLoad(t *testing.T) {
	a := NewOpLog("a")
	a.Append([]byte("x"))
	collect(t, a)
	state, _ := a.EncodeState()

	// Same replica id restarting from persisted state must not reuse
	// sequence numbers.
	restarted := NewOpLog("a")
	if err := restarted.ApplyUpdate(state); err != nil {
		t.Fatal(err)
	}
	restarted.Append([]byte("y"))
	if restarted.Len() != 2 {
		t.Errorf("restart reused a sequence number: %d entries", restarted.Len())
	}
}

func TestOpLogRejectsMalformed(t *testing.T) {
	l := NewOpLog("a")
	if err := l.ApplyUpdate([]byte("not json")); !errors.Is(err, ErrBadUpdate) {
		t.Errorf("got %v, want ErrBadUpdate", err)
	}
	// Tampered payload fails the checksum.
	src := NewOpLog("b")
	src.Append([]byte("payload"))
	u := collect(t, src)[0]
	tampered := bytes.Replace(u, []byte("cGF5bG9hZA"), []byte("dGFtcGVyZWQ"), 1)
	if bytes.Equal(tampered, u) {
		t.Fatal("test setup: payload not found in update")
	}
	if err := l.ApplyUpdate(tampered); !errors.Is(err, ErrBadUpdate) {
		t.Errorf("got %v, want ErrBadUpdate", err)
	}
	if _, err := l.DiffSince([]byte("{{")); !errors.Is(err, ErrBadVector) {
		t.Errorf("got %v, want ErrBadVector", err)
	}
}
