package crdt

import (
	"bytes"
	"testing"
)

func TestAutomergeUpdateExchange(t *testing.T) {
	a := NewAutomergeDoc()
	b := NewAutomergeDoc()

	if err := a.Doc().Path("title").Set("draft"); err != nil {
		t.Fatal(err)
	}
	ua, err := a.TakeLocalUpdate()
	if err != nil {
		t.Fatal(err)
	}
	if ua == nil {
		t.Fatal("expected a pending local update")
	}
	if err := b.ApplyUpdate(ua); err != nil {
		t.Fatal(err)
	}

	sa, _ := a.EncodeState()
	sb, _ := b.EncodeState()
	va, _ := a.EncodeStateVector()
	vb, _ := b.EncodeStateVector()
	if !bytes.Equal(va, vb) {
		t.Errorf("vectors differ after exchange: %s vs %s", va, vb)
	}
	// Hydrating a third replica from either state converges too.
	c, err := LoadAutomergeDoc(sa)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.ApplyUpdate(sb); err != nil {
		t.Fatal(err)
	}
	vc, _ := c.EncodeStateVector()
	if !bytes.Equal(vc, va) {
		t.Errorf("third replica diverged: %s vs %s", vc, va)
	}
}

func TestAutomergeConcurrentEditsMerge(t *testing.T) {
	a := NewAutomergeDoc()
	b := NewAutomergeDoc()

	if err := a.Doc().Path("left").Set("from-a"); err != nil {
		t.Fatal(err)
	}
	if err := b.Doc().Path("right").Set("from-b"); err != nil {
		t.Fatal(err)
	}
	ua, _ := a.TakeLocalUpdate()
	ub, _ := b.TakeLocalUpdate()

	if err := a.ApplyUpdate(ub); err != nil {
		t.Fatal(err)
	}
	if err := b.ApplyUpdate(ua); err != nil {
		t.Fatal(err)
	}

	left, err := a.Doc().Path("left").Get()
	if err != nil {
		t.Fatal(err)
	}
	right, err := a.Doc().Path("right").Get()
	if err != nil {
		t.Fatal(err)
	}
	if left.Str() != "from-a" || right.Str() != "from-b" {
		t.Errorf("merge lost an edit: left=%q right=%q", left.Str(), right.Str())
	}
	va, _ := a.EncodeStateVector()
	vb, _ := b.EncodeStateVector()
	if !bytes.Equal(va, vb) {
		t.Errorf("replicas diverged: %s vs %s", va, vb)
	}
}

func TestAutomergeDiffSince(t *testing.T) {
	a := NewAutomergeDoc()
	if err := a.Doc().Path("k").Set("v"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.TakeLocalUpdate(); err != nil {
		t.Fatal(err)
	}

	vec, _ := a.EncodeStateVector()
	diff, err := a.DiffSince(vec)
	if err != nil {
		t.Fatal(err)
	}
	if diff != nil {
		t.Errorf("current peer should get an empty diff")
	}

	diff, err = a.DiffSince(nil)
	if err != nil {
		t.Fatal(err)
	}
	b := NewAutomergeDoc()
	if err := b.ApplyUpdate(diff); err != nil {
		t.Fatal(err)
	}
	vb, _ := b.EncodeStateVector()
	if !bytes.Equal(vb, vec) {
		t.Errorf("peer not caught up: %s vs %s", vb, vec)
	}
}

func TestAutomergeRejectsGarbage(t *testing.T) {
	a := NewAutomergeDoc()
	if err := a.ApplyUpdate([]byte("garbage bytes")); err == nil {
		t.Error("expected an error for malformed update")
	}
	if _, err := LoadAutomergeDoc([]byte{0x01, 0x02}); err == nil {
		t.Error("expected an error for malformed state")
	}
}
