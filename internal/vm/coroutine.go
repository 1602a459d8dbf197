package vm

import (
	"fmt"

	"github.com/kunitoki/etch/internal/value"
)

// CoroutineState is the four-state machine of §4.I.
type CoroutineState uint8

const (
	Suspended CoroutineState = iota
	Running
	Completed
	Dead
)

func (s CoroutineState) String() string {
	switch s {
	case Suspended:
		return "suspended"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Dead:
		return "dead"
	default:
		return "unknown"
	}
}

// Coroutine is the object a Coroutine-kind Value's HeapID names. It is
// not a heap.Heap object: §4.A calls it out as "a resource handle with
// its own refcount table", which this VM-owned table provides separately
// from the reference-counted heap of tables/arrays/closures.
type Coroutine struct {
	ID          int32
	State       CoroutineState
	Frame       *Frame // saved frame while Suspended; nil while Running (swapped into vm.current)
	FuncIdx     uint16
	ParentID    int32
	LastYielded value.Value
	FinalReturn value.Value
	strong      int32
}

// coroutineTable is a dense, free-list-recycled id table mirroring the
// heap's slot/free-list idiom (§4.B), scoped to coroutine handles only.
type coroutineTable struct {
	slots    []*Coroutine
	freeList []int32
}

func newCoroutineTable() *coroutineTable {
	return &coroutineTable{slots: make([]*Coroutine, 1, 16)} // slot 0 reserved, mirrors heap id 0
}

func (t *coroutineTable) alloc(c *Coroutine) int32 {
	if n := len(t.freeList); n > 0 {
		id := t.freeList[n-1]
		t.freeList = t.freeList[:n-1]
		t.slots[id] = c
		c.ID = id
		return id
	}
	id := int32(len(t.slots))
	t.slots = append(t.slots, c)
	c.ID = id
	return id
}

func (t *coroutineTable) get(id int32) (*Coroutine, bool) {
	if id <= 0 || int(id) >= len(t.slots) || t.slots[id] == nil {
		return nil, false
	}
	return t.slots[id], true
}

func (t *coroutineTable) free(id int32) {
	t.slots[id] = nil
	t.freeList = append(t.freeList, id)
}

// spawnCoroutine allocates a Suspended coroutine with a fresh frame
// seated from the pending-argument queue, per §4.I Spawn.
func (vm *VM) spawnCoroutine(funcIdx uint16, argCount uint8) (int32, error) {
	fn, ok := vm.program.FunctionByIndex(funcIdx)
	if !ok {
		return 0, fmt.Errorf("vm: spawn of unknown function index %d", funcIdx)
	}
	if fn.Kind != 0 { // FuncNative == 0
		return 0, fmt.Errorf("vm: spawn target %q is not a native function (launching spawn blocks is undefined per the open question in the original source)", fn.Name)
	}
	f := vm.framePool.Acquire()
	seatArguments(vm, f, int(argCount))
	f.PC = int(fn.StartPC)
	f.ReturnPC = -1
	f.FuncName = fn.Name
	f.Code = vm.program.Instructions
	f.Consts = vm.program.Constants

	co := &Coroutine{State: Suspended, Frame: f, FuncIdx: funcIdx, ParentID: vm.currentCoroutineID, strong: 1}
	id := vm.coroutines.alloc(co)
	return id, nil
}

// resumeCoroutine runs a coroutine's dispatch loop until it yields,
// returns, or aborts, per §4.I Resume.
func (vm *VM) resumeCoroutine(handleID int32) value.Value {
	co, ok := vm.coroutines.get(handleID)
	if !ok {
		return value.Err(value.String("resume: invalid coroutine handle"))
	}
	switch co.State {
	case Completed:
		return value.Err(value.String("resume: coroutine already completed"))
	case Dead:
		return value.Err(value.String("resume: coroutine is dead"))
	case Running:
		return value.Err(value.String("resume: coroutine is already running"))
	}

	callerFrame := vm.current
	callerCoroutineID := vm.currentCoroutineID

	// Link the coroutine's base frame to the resumer for the duration of
	// the run so roots() walks the resumer's registers too.
	base := co.Frame
	for base.caller != nil {
		base = base.caller
	}
	base.caller = callerFrame

	co.State = Running
	vm.current = co.Frame
	vm.currentCoroutineID = handleID

	suspend, err := vm.dispatchLoop()

	base.caller = nil
	vm.current = callerFrame
	vm.currentCoroutineID = callerCoroutineID

	if err != nil {
		co.State = Dead
		return value.Err(value.String(err.Error()))
	}

	switch suspend {
	case suspendYield:
		co.State = Suspended
		return value.Ok(co.LastYielded)
	case suspendReturn:
		co.State = Completed
		result := co.FinalReturn
		co.Frame = nil
		return value.Ok(result)
	default:
		// Dispatch loop ran out of instructions without an explicit
		// Return — treat as completed with a Nil result.
		co.State = Completed
		co.Frame = nil
		return value.Ok(value.Nil)
	}
}

// yield saves the running coroutine's state and returns control to its
// resumer (§4.I Yield). f.PC has already been advanced past the Yield
// instruction by the dispatch loop's fetch step before this runs.
func (vm *VM) yield(f *Frame, v value.Value) {
	co, ok := vm.coroutines.get(vm.currentCoroutineID)
	if !ok {
		return // fatal per §7; dispatch loop is expected to have checked IsInCoroutine first
	}
	co.LastYielded = v
	co.Frame = f
}

// IsInCoroutine reports whether the current frame belongs to a running
// coroutine rather than the entry call stack — §4.I "Yield outside a
// coroutine context is fatal".
func (vm *VM) IsInCoroutine() bool { return vm.currentCoroutineID != 0 }

// incCoroutineRef / decCoroutineRef implement the coroutine handle's own
// refcount table (§4.A). Dropping the last strong ref to a Suspended
// coroutine abandons it: run its defers, then release it (§4.I, §5
// "Cancellation").
func (vm *VM) incCoroutineRef(id int32) {
	if co, ok := vm.coroutines.get(id); ok {
		co.strong++
	}
}

func (vm *VM) decCoroutineRef(id int32) error {
	co, ok := vm.coroutines.get(id)
	if !ok {
		return nil
	}
	co.strong--
	if co.strong > 0 {
		return nil
	}
	if co.State == Suspended && co.Frame != nil {
		if err := vm.runAbandonmentDefers(co.Frame); err != nil {
			vm.log.Errorf("vm: abandonment defers for coroutine %d failed: %v", id, err)
		}
	}
	co.State = Dead
	co.Frame = nil
	vm.coroutines.free(id)
	return nil
}

// --- Channels (§4.I "Channels are present... send/receive semantics...
// not specified at this level"; SPEC_FULL.md resolves this open question
// as a bounded ring buffer with cooperative blocking modeled on Yield.) ---

// Channel is a fixed-capacity ring buffer. Send/Recv that cannot proceed
// immediately suspend the calling coroutine frame exactly like Yield does
// (the dispatch loop retries the same instruction on the next Resume);
// from the entry frame — which has no resumer — a would-block condition
// is a fatal assertion, since nothing in a single-threaded VM could ever
// unblock it.
type Channel struct {
	buf      []value.Value
	capacity int
	closed   bool
}

type channelTable struct {
	slots    []*Channel
	freeList []int32
}

func newChannelTable() *channelTable {
	return &channelTable{slots: make([]*Channel, 1, 16)}
}

func (t *channelTable) alloc(capacity int) int32 {
	c := &Channel{capacity: capacity}
	if n := len(t.freeList); n > 0 {
		id := t.freeList[n-1]
		t.freeList = t.freeList[:n-1]
		t.slots[id] = c
		return id
	}
	id := int32(len(t.slots))
	t.slots = append(t.slots, c)
	return id
}

func (t *channelTable) get(id int32) (*Channel, bool) {
	if id <= 0 || int(id) >= len(t.slots) || t.slots[id] == nil {
		return nil, false
	}
	return t.slots[id], true
}

// trySend attempts a non-blocking send; ok is false when the buffer is
// full and the caller must suspend or fail.
func (c *Channel) trySend(v value.Value) (ok bool) {
	if c.closed || len(c.buf) >= c.capacity {
		return false
	}
	c.buf = append(c.buf, v)
	return true
}

// tryRecv attempts a non-blocking receive.
func (c *Channel) tryRecv() (v value.Value, ok bool) {
	if len(c.buf) == 0 {
		return value.Nil, false
	}
	v = c.buf[0]
	c.buf = c.buf[1:]
	return v, true
}

func (c *Channel) close() { c.closed = true }
