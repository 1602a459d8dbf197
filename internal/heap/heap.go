// Package heap implements the reference-counted, cycle-collected managed
// heap described in spec §3.2/§4.B: tables, arrays, closures, boxed
// scalars and weak references, addressed by dense integer ids.
package heap

import (
	"fmt"

	"github.com/kunitoki/etch/internal/diag"
	"github.com/kunitoki/etch/internal/value"
)

// ObjectKind distinguishes the payload a heap object carries.
type ObjectKind uint8

const (
	KindTable ObjectKind = iota
	KindArray
	KindClosure
	KindScalar
	KindRefCell
	KindWeak
)

func (k ObjectKind) String() string {
	switch k {
	case KindTable:
		return "table"
	case KindArray:
		return "array"
	case KindClosure:
		return "closure"
	case KindScalar:
		return "scalar"
	case KindRefCell:
		return "refcell"
	case KindWeak:
		return "weak"
	default:
		return "unknown"
	}
}

// noDestructor marks an object as carrying no destructor function index.
const noDestructor int32 = -1

// object is the heap's per-slot record. Exactly the fields relevant to
// Kind are meaningful; the rest sit at their zero value.
type object struct {
	kind           ObjectKind
	strong         int32
	weak           int32
	dirty          bool
	beingDestroyed bool
	destructorIdx  int32

	fields   map[string]value.Value // Table
	elements []value.Value          // Array
	funcIdx  int32                  // Closure
	captures []value.Value          // Closure
	scalar   value.Value            // Scalar, RefCell target
	weakTo   int32                  // Weak: target id, -1 once freed
	weakTag  string                 // Weak: descriptive type tag of the freed/live target

	edges map[int32]struct{} // cached outgoing heap-id edge set, recomputed lazily
}

// DestructorInvoker runs a destructor function against a freed object's
// value representation. The heap has no notion of bytecode or frames; the
// VM supplies this callback so dec_ref's free path (§4.B: "run destructor
// (if any and not already being destroyed)") can call back into dispatch.
type DestructorInvoker interface {
	InvokeDestructor(funcIdx int32, self value.Value) error
}

// Heap is the reference-counted object table plus cycle collector state.
type Heap struct {
	slots    []*object
	freeList []int32

	dirty  map[int32]struct{}
	weakIDs map[int32]struct{}

	destructor DestructorInvoker
	log        *diag.Logger

	// Adaptive scheduling (§4.B "Adaptive scheduling").
	opCounter      uint64
	threshold      uint64
	nominalInterval uint64
	allocRateEMA   float64
	opsSinceAlloc  uint64

	tj *tarjanState // non-nil only while a frame-budgeted scan is in progress
	fb *frameBudget // non-nil once BeginFrameBudget has been called this frame

	liveCount int
}

const (
	minThreshold     = 100
	defaultThreshold = 2000
	maxThresholdMul  = 10
)

// New constructs an empty heap. Slot 0 is reserved and never allocated
// into, so a zero heap id always means "nil reference" per §3.1.
func New(log *diag.Logger) *Heap {
	if log == nil {
		log = diag.NewDiscard()
	}
	h := &Heap{
		slots:           make([]*object, 1, 64),
		dirty:           make(map[int32]struct{}),
		weakIDs:         make(map[int32]struct{}),
		log:             log,
		threshold:       defaultThreshold,
		nominalInterval: defaultThreshold,
	}
	return h
}

// SetDestructorInvoker wires the VM's destructor-execution callback. Must
// be called before any object carrying a destructor index is freed.
func (h *Heap) SetDestructorInvoker(inv DestructorInvoker) { h.destructor = inv }

// LiveCount returns the number of currently-allocated heap objects — used
// by tests and §8 scenario 2 ("final heap report shows zero live objects").
func (h *Heap) LiveCount() int { return h.liveCount }

func (h *Heap) alloc(o *object) int32 {
	var id int32
	if n := len(h.freeList); n > 0 {
		id = h.freeList[n-1]
		h.freeList = h.freeList[:n-1]
		h.slots[id] = o
	} else {
		id = int32(len(h.slots))
		h.slots = append(h.slots, o)
	}
	h.liveCount++
	h.bumpOpCounter()
	return id
}

func (h *Heap) bumpOpCounter() {
	h.opCounter++
	h.opsSinceAlloc++
}

func (h *Heap) object(id int32) (*object, bool) {
	if id <= 0 || int(id) >= len(h.slots) || h.slots[id] == nil {
		return nil, false
	}
	return h.slots[id], true
}

func (h *Heap) markDirty(id int32) {
	o, ok := h.object(id)
	if !ok {
		return
	}
	o.dirty = true
	o.edges = nil
	h.dirty[id] = struct{}{}
}

// AllocTable allocates a Table object. destructorIdx is noDestructor (-1)
// when the type has no destructor.
func (h *Heap) AllocTable(destructorIdx int32) int32 {
	o := &object{kind: KindTable, strong: 1, destructorIdx: destructorIdx, fields: make(map[string]value.Value), dirty: true}
	id := h.alloc(o)
	h.dirty[id] = struct{}{}
	return id
}

// AllocArray allocates an Array object with the given initial capacity.
func (h *Heap) AllocArray(size int) int32 {
	if size < 0 {
		size = 0
	}
	o := &object{kind: KindArray, strong: 1, destructorIdx: noDestructor, elements: make([]value.Value, 0, size), dirty: true}
	id := h.alloc(o)
	h.dirty[id] = struct{}{}
	return id
}

// AllocScalar boxes v (used for `new(x)` where x is a scalar).
func (h *Heap) AllocScalar(v value.Value) int32 {
	o := &object{kind: KindScalar, strong: 1, destructorIdx: noDestructor, scalar: v, dirty: false}
	return h.alloc(o)
}

// AllocRefCell boxes a reference cell (the heap-allocated reference cell
// kind of §3.2, distinct from Scalar: it is the destination of SetRef and
// may itself be retargeted).
func (h *Heap) AllocRefCell(v value.Value, destructorIdx int32) int32 {
	o := &object{kind: KindRefCell, strong: 1, destructorIdx: destructorIdx, scalar: v, dirty: true}
	id := h.alloc(o)
	h.dirty[id] = struct{}{}
	return id
}

// AllocClosure bundles a function index with its captured values.
func (h *Heap) AllocClosure(funcIdx int32, captures []value.Value) int32 {
	o := &object{kind: KindClosure, strong: 1, destructorIdx: noDestructor, funcIdx: funcIdx, captures: captures, dirty: true}
	id := h.alloc(o)
	h.dirty[id] = struct{}{}
	return id
}

// AllocWeak creates a weak reference to target. Weak objects start
// dirty=false (§4.B) and are tracked in a dedicated id set so target-freed
// nullification never has to scan the whole heap.
func (h *Heap) AllocWeak(target int32) int32 {
	tag := "freed"
	if t, ok := h.object(target); ok {
		tag = "live"
		t.weak++
	} else {
		target = -1
	}
	o := &object{kind: KindWeak, strong: 1, destructorIdx: noDestructor, weakTo: target, weakTag: tag}
	id := h.alloc(o)
	h.weakIDs[id] = struct{}{}
	return id
}

// IncRef increments an object's strong count. Unknown ids are a logged
// no-op per §7.
func (h *Heap) IncRef(id int32) {
	o, ok := h.object(id)
	if !ok {
		h.log.Debugf("heap: inc_ref on unknown id %d", id)
		return
	}
	o.strong++
	h.bumpOpCounter()
}

// DecRef decrements an object's strong count, freeing it when the count
// reaches zero. Unknown ids are a logged no-op.
func (h *Heap) DecRef(id int32) {
	o, ok := h.object(id)
	if !ok {
		h.log.Debugf("heap: dec_ref on unknown id %d", id)
		return
	}
	if o.strong <= 0 {
		h.log.Debugf("heap: dec_ref on id %d with non-positive strong count %d", id, o.strong)
		return
	}
	o.strong--
	h.bumpOpCounter()
	if o.strong == 0 {
		h.free(id, o)
	}
}

// free runs the destructor (if any, guarded against re-entrancy), releases
// every child value (which may itself free transitively), nullifies weak
// references aimed at id, then recycles the slot — invariant (ii)/(iii).
func (h *Heap) free(id int32, o *object) {
	if o.beingDestroyed {
		return
	}
	o.beingDestroyed = true

	if o.destructorIdx != noDestructor && h.destructor != nil {
		self := kindSelfValue(o.kind, id)
		if err := h.destructor.InvokeDestructor(o.destructorIdx, self); err != nil {
			h.log.Errorf("heap: destructor for id %d failed: %v", id, err)
		}
	}

	for _, child := range h.childValues(o) {
		if child.IsHeapValue() || child.Kind() == value.KindArray || child.Kind() == value.KindTable {
			h.DecRef(child.HeapID())
		}
	}

	h.nullifyWeakRefs(id, o.kind)

	if o.kind == KindWeak {
		if t, ok := h.object(o.weakTo); ok && t.weak > 0 {
			t.weak--
		}
		delete(h.weakIDs, id)
	}

	delete(h.dirty, id)
	o.fields = nil
	o.elements = nil
	o.captures = nil
	o.edges = nil
	h.slots[id] = nil
	h.freeList = append(h.freeList, id)
	h.liveCount--
}

func kindSelfValue(k ObjectKind, id int32) value.Value {
	switch k {
	case KindArray:
		return value.Array(id)
	case KindTable:
		return value.Table(id)
	case KindClosure:
		return value.Closure(id)
	default:
		return value.Ref(id)
	}
}

// childValues returns every Value an object directly holds, used both for
// dec_ref cascade release and for edge/root-walking during cycle scans.
func (h *Heap) childValues(o *object) []value.Value {
	switch o.kind {
	case KindTable:
		vals := make([]value.Value, 0, len(o.fields))
		for _, v := range o.fields {
			vals = append(vals, v)
		}
		return vals
	case KindArray:
		return o.elements
	case KindClosure:
		return o.captures
	case KindScalar, KindRefCell:
		return []value.Value{o.scalar}
	default:
		return nil
	}
}

func (h *Heap) nullifyWeakRefs(freedID int32, freedKind ObjectKind) {
	for wid := range h.weakIDs {
		wo, ok := h.object(wid)
		if !ok {
			delete(h.weakIDs, wid)
			continue
		}
		if wo.weakTo == freedID {
			wo.weakTo = -1
			wo.weakTag = freedKind.String() + " (freed)"
		}
	}
}

// SetScalar retains the new value, swaps it in, and releases the old one
// — §4.B "atomic-enough" scalar/refcell mutation.
func (h *Heap) SetScalar(id int32, v value.Value) {
	o, ok := h.object(id)
	if !ok || (o.kind != KindScalar && o.kind != KindRefCell) {
		h.log.Debugf("heap: set_scalar on non-scalar id %d", id)
		return
	}
	if v.IsContainer() {
		h.IncRef(v.HeapID())
	}
	old := o.scalar
	o.scalar = v
	o.dirty = true
	h.dirty[id] = struct{}{}
	if old.IsContainer() {
		h.DecRef(old.HeapID())
	}
}

// WeakToStrong promotes a weak reference, returning 0 if the target was
// already freed.
func (h *Heap) WeakToStrong(weakID int32) int32 {
	o, ok := h.object(weakID)
	if !ok || o.kind != KindWeak {
		return 0
	}
	if o.weakTo <= 0 {
		return 0
	}
	target, ok := h.object(o.weakTo)
	if !ok {
		o.weakTo = -1
		return 0
	}
	target.strong++
	h.bumpOpCounter()
	return o.weakTo
}

// WeakTarget returns the live target id of a weak reference, or 0 if it
// has been nullified.
func (h *Heap) WeakTarget(weakID int32) int32 {
	o, ok := h.object(weakID)
	if !ok || o.kind != KindWeak || o.weakTo <= 0 {
		return 0
	}
	return o.weakTo
}

// TrackEdge marks parentID dirty; the actual edge set is recomputed
// lazily on the next cycle scan (§4.B).
func (h *Heap) TrackEdge(parentID int32, child value.Value) {
	h.markDirty(parentID)
}

// --- typed field/element access used by the dispatch loop's field/index
// opcodes (GetField/SetField/GetIndex/SetIndex/Len/Slice/ConcatArray). ---

// ErrNoSuchObject/ErrWrongKind are sentinel-style error values returned by
// the accessors below. The dispatch loop does not turn them into fatal
// errors: a failed read yields Nil and a failed write (including an
// out-of-bounds array index) is dropped.
var (
	ErrNoSuchObject = fmt.Errorf("heap: no such object")
	ErrWrongKind    = fmt.Errorf("heap: object is not the expected kind")
)

func (h *Heap) TableGet(id int32, key string) (value.Value, bool) {
	o, ok := h.object(id)
	if !ok || o.kind != KindTable {
		return value.Nil, false
	}
	v, found := o.fields[key]
	return v, found
}

func (h *Heap) TableSet(id int32, key string, v value.Value) error {
	o, ok := h.object(id)
	if !ok || o.kind != KindTable {
		return ErrWrongKind
	}
	if old, existed := o.fields[key]; existed && old.IsContainer() {
		h.DecRef(old.HeapID())
	}
	if v.IsContainer() {
		h.IncRef(v.HeapID())
	}
	o.fields[key] = v
	h.markDirty(id)
	return nil
}

func (h *Heap) TableLen(id int32) int {
	o, ok := h.object(id)
	if !ok || o.kind != KindTable {
		return 0
	}
	return len(o.fields)
}

func (h *Heap) TableKeys(id int32) []string {
	o, ok := h.object(id)
	if !ok || o.kind != KindTable {
		return nil
	}
	keys := make([]string, 0, len(o.fields))
	for k := range o.fields {
		keys = append(keys, k)
	}
	return keys
}

func (h *Heap) ArrayGet(id int32, idx int) (value.Value, bool) {
	o, ok := h.object(id)
	if !ok || o.kind != KindArray {
		return value.Nil, false
	}
	if idx < 0 || idx >= len(o.elements) {
		return value.Nil, false
	}
	return o.elements[idx], true
}

func (h *Heap) ArraySet(id int32, idx int, v value.Value) error {
	o, ok := h.object(id)
	if !ok || o.kind != KindArray {
		return ErrWrongKind
	}
	if idx < 0 || idx >= len(o.elements) {
		return fmt.Errorf("heap: array index %d out of bounds (len %d)", idx, len(o.elements))
	}
	old := o.elements[idx]
	if v.IsContainer() {
		h.IncRef(v.HeapID())
	}
	o.elements[idx] = v
	h.markDirty(id)
	if old.IsContainer() {
		h.DecRef(old.HeapID())
	}
	return nil
}

func (h *Heap) ArrayAppend(id int32, v value.Value) error {
	o, ok := h.object(id)
	if !ok || o.kind != KindArray {
		return ErrWrongKind
	}
	if v.IsContainer() {
		h.IncRef(v.HeapID())
	}
	o.elements = append(o.elements, v)
	h.markDirty(id)
	return nil
}

func (h *Heap) ArrayLen(id int32) int {
	o, ok := h.object(id)
	if !ok || o.kind != KindArray {
		return 0
	}
	return len(o.elements)
}

func (h *Heap) ArraySlice(id int32, lo, hi int) []value.Value {
	o, ok := h.object(id)
	if !ok || o.kind != KindArray {
		return nil
	}
	if lo < 0 || hi > len(o.elements) || lo > hi {
		return nil
	}
	out := make([]value.Value, hi-lo)
	copy(out, o.elements[lo:hi])
	for _, v := range out {
		if v.IsContainer() {
			h.IncRef(v.HeapID())
		}
	}
	return out
}

func (h *Heap) ArrayElements(id int32) []value.Value {
	o, ok := h.object(id)
	if !ok || o.kind != KindArray {
		return nil
	}
	return o.elements
}

func (h *Heap) ClosureFuncIdx(id int32) (int32, bool) {
	o, ok := h.object(id)
	if !ok || o.kind != KindClosure {
		return 0, false
	}
	return o.funcIdx, true
}

func (h *Heap) ClosureCaptures(id int32) []value.Value {
	o, ok := h.object(id)
	if !ok || o.kind != KindClosure {
		return nil
	}
	return o.captures
}

func (h *Heap) RefGet(id int32) (value.Value, bool) {
	o, ok := h.object(id)
	if !ok || (o.kind != KindScalar && o.kind != KindRefCell) {
		return value.Nil, false
	}
	return o.scalar, true
}

// Kind reports the object kind stored at id.
func (h *Heap) Kind(id int32) (ObjectKind, bool) {
	o, ok := h.object(id)
	if !ok {
		return 0, false
	}
	return o.kind, true
}

func (h *Heap) StrongCount(id int32) int32 {
	o, ok := h.object(id)
	if !ok {
		return 0
	}
	return o.strong
}

func (h *Heap) WeakCount(id int32) int32 {
	o, ok := h.object(id)
	if !ok {
		return 0
	}
	return o.weak
}

func (h *Heap) IsDirty(id int32) bool {
	o, ok := h.object(id)
	return ok && o.dirty
}
