package heap

import (
	"testing"

	"github.com/kunitoki/etch/internal/value"
)

func TestAllocAndFreeScalar(t *testing.T) {
	h := New(nil)
	id := h.AllocScalar(value.Int(7))
	if h.LiveCount() != 1 {
		t.Fatalf("expected 1 live object, got %d", h.LiveCount())
	}
	v, ok := h.RefGet(id)
	if !ok || v.AsInt() != 7 {
		t.Fatalf("RefGet returned (%v, %v), want (7, true)", v, ok)
	}
	h.DecRef(id)
	if h.LiveCount() != 0 {
		t.Fatalf("expected 0 live objects after dec_ref to zero, got %d", h.LiveCount())
	}
	if _, ok := h.RefGet(id); ok {
		t.Fatal("freed id should no longer resolve")
	}
}

func TestTableFieldRefcounting(t *testing.T) {
	h := New(nil)
	tbl := h.AllocTable(-1)
	child := h.AllocArray(0)

	if err := h.TableSet(tbl, "k", value.Array(child)); err != nil {
		t.Fatalf("TableSet: %v", err)
	}
	if h.StrongCount(child) != 2 {
		t.Fatalf("expected child strong count 2 (creator + table edge), got %d", h.StrongCount(child))
	}

	h.DecRef(tbl)
	if h.LiveCount() != 1 {
		t.Fatalf("expected only the creator's own ref on child to remain, got live=%d", h.LiveCount())
	}
	h.DecRef(child)
	if h.LiveCount() != 0 {
		t.Fatalf("expected 0 live objects, got %d", h.LiveCount())
	}
}

func TestSelfCycleCollected(t *testing.T) {
	h := New(nil)
	tbl := h.AllocTable(-1)
	if err := h.TableSet(tbl, "self", value.Table(tbl)); err != nil {
		t.Fatalf("TableSet: %v", err)
	}
	// The creator's own strong ref is the only thing keeping it from being
	// a pure orphaned cycle; drop it and the self-edge keeps strong==1.
	h.DecRef(tbl)
	if h.StrongCount(tbl) != 1 {
		t.Fatalf("expected strong count 1 (only the self-edge), got %d", h.StrongCount(tbl))
	}
	freed := h.CollectCycles(nil, true)
	if freed != 1 {
		t.Fatalf("expected the self-cycle to be collected, freed=%d", freed)
	}
	if h.LiveCount() != 0 {
		t.Fatalf("expected 0 live objects after collection, got %d", h.LiveCount())
	}
}

func TestTwoNodeCycleNotReachableFromRoots(t *testing.T) {
	h := New(nil)
	a := h.AllocTable(-1)
	b := h.AllocTable(-1)
	_ = h.TableSet(a, "next", value.Table(b))
	_ = h.TableSet(b, "prev", value.Table(a))
	h.DecRef(a)
	h.DecRef(b)

	freed := h.CollectCycles(nil, true)
	if freed != 2 {
		t.Fatalf("expected both cycle members freed, got %d", freed)
	}
}

func TestCycleKeptAliveByRoot(t *testing.T) {
	h := New(nil)
	a := h.AllocTable(-1)
	b := h.AllocTable(-1)
	_ = h.TableSet(a, "next", value.Table(b))
	_ = h.TableSet(b, "prev", value.Table(a))
	h.DecRef(b) // drop the creator's ref to b only; a is still rooted below

	freed := h.CollectCycles([]value.Value{value.Table(a)}, true)
	if freed != 0 {
		t.Fatalf("a cycle reachable from a root must not be collected, freed=%d", freed)
	}
}

func TestWeakReferenceNullifiedOnFree(t *testing.T) {
	h := New(nil)
	target := h.AllocScalar(value.Int(1))
	weak := h.AllocWeak(target)

	h.DecRef(target)
	if got := h.WeakTarget(weak); got != 0 {
		t.Fatalf("weak target should be nullified after the target frees, got %d", got)
	}
	if h.WeakToStrong(weak) != 0 {
		t.Fatal("promoting a nullified weak reference should fail")
	}
}

func TestWeakPromotionKeepsTargetAlive(t *testing.T) {
	h := New(nil)
	target := h.AllocScalar(value.Int(1))
	weak := h.AllocWeak(target)

	promoted := h.WeakToStrong(weak)
	if promoted == 0 {
		t.Fatal("expected promotion to succeed while the target is still live")
	}
	if h.StrongCount(target) != 2 {
		t.Fatalf("promotion should add a strong ref, got count %d", h.StrongCount(target))
	}
	h.DecRef(target) // release the promoted ref
	if h.StrongCount(target) != 1 {
		t.Fatalf("expected the original strong ref to remain, got count %d", h.StrongCount(target))
	}
}

type recordingDestructor struct {
	invoked []int32
}

func (r *recordingDestructor) InvokeDestructor(funcIdx int32, self value.Value) error {
	r.invoked = append(r.invoked, funcIdx)
	return nil
}

func TestDestructorRunsOnFree(t *testing.T) {
	h := New(nil)
	rec := &recordingDestructor{}
	h.SetDestructorInvoker(rec)

	id := h.AllocTable(42)
	h.DecRef(id)

	if len(rec.invoked) != 1 || rec.invoked[0] != 42 {
		t.Fatalf("expected destructor 42 to run once, got %v", rec.invoked)
	}
}

func TestArrayBoundsAndSlice(t *testing.T) {
	h := New(nil)
	id := h.AllocArray(0)
	for i := int64(0); i < 5; i++ {
		_ = h.ArrayAppend(id, value.Int(i))
	}
	if h.ArrayLen(id) != 5 {
		t.Fatalf("expected length 5, got %d", h.ArrayLen(id))
	}
	if _, ok := h.ArrayGet(id, 10); ok {
		t.Fatal("out-of-bounds get should fail")
	}
	sliced := h.ArraySlice(id, 1, 3)
	if len(sliced) != 2 || sliced[0].AsInt() != 1 || sliced[1].AsInt() != 2 {
		t.Fatalf("unexpected slice result: %v", sliced)
	}
}
