package vm

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"os"
	"time"

	"github.com/kunitoki/etch/internal/bytecode"
	"github.com/kunitoki/etch/internal/callprotocol"
	"github.com/kunitoki/etch/internal/diag"
	"github.com/kunitoki/etch/internal/heap"
	"github.com/kunitoki/etch/internal/value"
	"github.com/kunitoki/etch/internal/vmconfig"
	"github.com/kunitoki/etch/internal/vmerr"
)

// VM owns the heap, register-frame call stack, coroutine/channel tables
// and call-protocol registry that together implement one running program
// image (§5 "VM instance owns exactly one heap, one call stack (plus one
// per live coroutine), and one pending-argument queue").
type VM struct {
	program   *bytecode.Program
	heap      *heap.Heap
	framePool *FramePool
	current   *Frame

	globals map[string]value.Value

	coroutines         *coroutineTable
	channels           *channelTable
	currentCoroutineID int32

	calls *callprotocol.Registry

	hook            Hook
	pendingHookStop bool

	argQueue []value.Value

	output               *bytes.Buffer
	out                  io.Writer
	outputFlushThreshold int

	rng      *rand.Rand
	userData interface{}

	log  *diag.Logger
	opts vmconfig.Options

	instructionCount uint64
	finalResult      value.Value
	callDepth        int
}

// New constructs a VM ready to execute program. out receives buffered
// print output (os.Stdout if nil); hook receives dispatch-loop callbacks
// (a NopHook if nil); userData is opaque state handed to every registered
// Host callback (§6.2).
func New(program *bytecode.Program, opts vmconfig.Options, out io.Writer, hook Hook, userData interface{}) *VM {
	opts = opts.WithDefaults()

	log := diag.NewDiscard()
	if opts.Verbose {
		log = diag.New(os.Stderr, diag.LevelDebug)
	}
	if out == nil {
		out = os.Stdout
	}
	if hook == nil {
		hook = NopHook{}
	}

	h := heap.New(log.WithPrefix("heap"))

	vmInst := &VM{
		program:              program,
		heap:                 h,
		framePool:            NewFramePool(opts.FramePoolSize, opts.InitialRegisters),
		globals:              make(map[string]value.Value),
		coroutines:           newCoroutineTable(),
		channels:             newChannelTable(),
		calls:                callprotocol.New(),
		hook:                 hook,
		output:               &bytes.Buffer{},
		out:                  out,
		outputFlushThreshold: opts.OutputFlushThreshold,
		rng:                  rand.New(rand.NewSource(1)),
		userData:             userData,
		log:                  log,
		opts:                 opts,
	}
	h.SetDestructorInvoker(vmInst)
	return vmInst
}

// RegisterHost installs a host callback under name, for embedders wiring
// their own native functions into the program image (§6.2).
func (vm *VM) RegisterHost(name string, fn callprotocol.HostFunc) {
	vm.calls.RegisterHost(name, fn)
}

// maybeFlushOutput writes the buffered print output to vm.out once it
// crosses the configured threshold, or unconditionally when force is set
// (program exit, §4.G "Output buffering").
func (vm *VM) maybeFlushOutput(force bool) {
	if !force && vm.output.Len() < vm.outputFlushThreshold {
		return
	}
	if vm.output.Len() == 0 {
		return
	}
	if _, err := vm.out.Write(vm.output.Bytes()); err != nil {
		vm.log.Errorf("vm: output flush failed: %v", err)
	}
	vm.output.Reset()
}

// roots returns every Value the running VM currently holds live: every
// register of every frame on the active call stack (including the
// resumer's chain, which resumeCoroutine links below a running
// coroutine's base frame), every suspended
// coroutine's saved frame, every global, and the pending-argument queue.
// The cycle collector treats this set as the GC root set (§4.B, §8
// invariant 6 "no object reachable from any VM root is freed").
func (vm *VM) roots() []value.Value {
	var out []value.Value
	for f := vm.current; f != nil; f = f.caller {
		out = append(out, f.Registers...)
	}
	for _, co := range vm.coroutines.slots {
		if co == nil {
			continue
		}
		if co.Frame != nil {
			out = append(out, co.Frame.Registers...)
		}
		out = append(out, co.LastYielded, co.FinalReturn)
	}
	for _, v := range vm.globals {
		out = append(out, v)
	}
	out = append(out, vm.argQueue...)
	return out
}

// Execute runs program from its entry point to completion (§6.2
// execute(verbose) -> exit_code). It returns the process-style exit code
// (the Int value the entry function returned, or 0) and a non-nil error
// only for a fatal condition (§7).
func (vm *VM) Execute() (int, error) {
	f := vm.framePool.Acquire()
	f.Code = vm.program.Instructions
	f.Consts = vm.program.Constants
	f.PC = int(vm.program.EntryPoint)
	f.ReturnPC = -1
	f.FuncName = "main"
	vm.current = f

	suspend, err := vm.dispatchLoop()
	if err != nil {
		vm.maybeFlushOutput(true)
		return 1, err
	}
	if suspend == suspendHook {
		vm.maybeFlushOutput(true)
		return 0, fmt.Errorf("vm: execution stopped by hook before completion")
	}

	freed := vm.heap.CollectCycles(vm.roots(), true)
	vm.log.Debugf("vm: %s", diag.HeapReport(vm.heap.LiveCount()))
	if freed > 0 {
		vm.log.Debugf("vm: final collection freed %d object(s)", freed)
	}
	vm.maybeFlushOutput(true)

	if vm.finalResult.Kind() == value.KindInt {
		return int(vm.finalResult.AsInt()), nil
	}
	return 0, nil
}

// InvokeDestructor implements heap.DestructorInvoker: it runs a Native
// function's bytecode against self as its sole argument, as a nested
// dispatch-loop run isolated from whatever frame triggered the free
// (§4.B "run destructor"). A destructor that tries to Yield is a fatal
// error — it has no coroutine context of its own to suspend into.
func (vm *VM) InvokeDestructor(funcIdx int32, self value.Value) error {
	fn, ok := vm.program.FunctionByIndex(uint16(funcIdx))
	if !ok {
		return vmerr.New(vmerr.KindDestructor, "invoke_destructor", "unknown function index %d", funcIdx)
	}

	f := vm.framePool.Acquire()
	f.Code = vm.program.Instructions
	f.Consts = vm.program.Constants
	f.SetReg(0, self)
	f.PC = int(fn.StartPC)
	f.ReturnPC = -1
	f.FuncName = fn.Name

	saved, savedCoroutine := vm.current, vm.currentCoroutineID
	vm.current = f
	vm.currentCoroutineID = 0
	suspend, err := vm.dispatchLoop()
	vm.current, vm.currentCoroutineID = saved, savedCoroutine
	vm.framePool.Release(f)

	if err != nil {
		return vmerr.Wrap(vmerr.KindDestructor, "invoke_destructor", err)
	}
	if suspend == suspendYield {
		return vmerr.New(vmerr.KindDestructor, "invoke_destructor", "destructor %q attempted to yield", fn.Name)
	}
	return nil
}

// --- Optional incremental GC controls (§6.2), delegating straight to the
// heap's frame-budgeted scanning mode. ---

// BeginFrame starts a per-frame time budget for incremental cycle
// collection; an embedder drives this once per host frame (e.g. once per
// rendered game frame) instead of relying on the eager adaptive scan.
func (vm *VM) BeginFrame(budget time.Duration) {
	vm.heap.BeginFrameBudget(budget, vm.now())
}

// NeedsMoreGC reports whether an in-progress incremental scan still has
// work left and budget remaining to do it.
func (vm *VM) NeedsMoreGC() bool {
	return vm.heap.InProgress() && vm.heap.HasBudgetRemaining(time.Microsecond, vm.now())
}

// StepGC advances the incremental scan by up to maxObjects heap ids.
func (vm *VM) StepGC(maxObjects int) (inProgress bool, freed int) {
	return vm.heap.StepCycleScan(vm.roots(), maxObjects, false)
}

// now is a seam so frame-budget timing doesn't depend on the
// Date.now/time.Now restrictions that apply to the authoring tool this
// package was written under; at run time it is simply wall-clock time.
func (vm *VM) now() time.Time { return timeNow() }

var timeNow = time.Now
