package vm

import (
	"math/rand"
	"os"
	"strconv"

	"github.com/kunitoki/etch/internal/bytecode"
	"github.com/kunitoki/etch/internal/callprotocol"
	"github.com/kunitoki/etch/internal/value"
	"github.com/kunitoki/etch/internal/vmerr"
)

// pushArg implements Arg/ArgImm: push one value onto the VM's
// pending-argument queue (§4.F, §5 "owned by the VM and valid only
// between Arg* and the next call instruction").
func (vm *VM) pushArg(v value.Value) {
	vm.argQueue = append(vm.argQueue, v)
}

// seatArguments takes the last n queued values (padding with Nil if
// fewer were queued) into f's registers 0..n-1 and trims the queue
// (§4.F).
func seatArguments(vm *VM, f *Frame, n int) {
	have := len(vm.argQueue)
	start := have - n
	for i := 0; i < n; i++ {
		var v value.Value
		srcIdx := start + i
		if srcIdx >= 0 && srcIdx < have {
			v = vm.argQueue[srcIdx]
		}
		f.SetReg(uint8(i), v)
	}
	if start < 0 {
		start = 0
	}
	vm.argQueue = vm.argQueue[:start]
}

// doNativeCall implements the Native call kind of §4.H: acquire a frame,
// seat arguments, set pc to start_pc, push it as the new current frame.
func (vm *VM) doNativeCall(ins bytecode.Instruction) error {
	fn, ok := vm.program.FunctionByIndex(ins.FuncIdx)
	if !ok {
		vm.current.SetReg(ins.A, value.Nil)
		return nil
	}
	if r := vm.hook.OnCall(vm.current, fn.Name); r.Stop {
		vm.pendingHookStop = true
	}

	vm.callDepth++
	if vm.callDepth > vm.opts.MaxCallDepth {
		vm.callDepth--
		return vmerr.New(vmerr.KindDispatch, "call", "call depth exceeded maximum of %d (function %q)", vm.opts.MaxCallDepth, fn.Name)
	}

	f := vm.framePool.Acquire()
	seatArguments(vm, f, int(ins.NumArgs))
	f.PC = int(fn.StartPC)
	f.ReturnPC = vm.current.PC
	f.ResultReg = ins.A
	f.WantResult = ins.NumResults > 0
	f.FuncName = fn.Name
	f.Code = vm.current.Code
	f.Consts = vm.current.Consts
	f.caller = vm.current

	vm.current = f
	return nil
}

// doInvokeClosure implements __invoke_closure (§4.H): the first queued
// argument is a Closure value; rebind to its captured function and seat
// captures in registers 0..k-1 followed by the user's own arguments.
func (vm *VM) doInvokeClosure(ins bytecode.Instruction) error {
	if len(vm.argQueue) == 0 {
		vm.current.SetReg(ins.A, value.Nil)
		return nil
	}
	closureVal := vm.argQueue[0]
	vm.argQueue = vm.argQueue[1:]

	if closureVal.Kind() != value.KindClosure {
		vm.current.SetReg(ins.A, value.Nil)
		return nil
	}
	funcIdx, ok := vm.heap.ClosureFuncIdx(closureVal.HeapID())
	if !ok {
		vm.current.SetReg(ins.A, value.Nil)
		return nil
	}
	captures := vm.heap.ClosureCaptures(closureVal.HeapID())

	fn, ok := vm.program.FunctionByIndex(uint16(funcIdx))
	if !ok {
		vm.current.SetReg(ins.A, value.Nil)
		return nil
	}

	vm.callDepth++
	if vm.callDepth > vm.opts.MaxCallDepth {
		vm.callDepth--
		return vmerr.New(vmerr.KindDispatch, "invoke_closure", "call depth exceeded maximum of %d (function %q)", vm.opts.MaxCallDepth, fn.Name)
	}

	f := vm.framePool.Acquire()
	userArgs := int(ins.NumArgs) - 1 // the closure itself was one of the queued "arguments"
	if userArgs < 0 {
		userArgs = 0
	}
	seatArguments(vm, f, userArgs)
	// Shift seated user args up by len(captures), then seat captures at 0.
	if len(captures) > 0 {
		shifted := make([]value.Value, len(f.Registers)+len(captures))
		copy(shifted[len(captures):], f.Registers)
		f.Registers = shifted
		for i, c := range captures {
			f.Registers[i] = c
		}
	}
	f.PC = int(fn.StartPC)
	f.ReturnPC = vm.current.PC
	f.ResultReg = ins.A
	f.WantResult = ins.NumResults > 0
	f.FuncName = fn.Name
	f.ClosureID = closureVal.HeapID()
	f.Code = vm.current.Code
	f.Consts = vm.current.Consts
	f.caller = vm.current

	vm.current = f
	return nil
}

// builtinFn is a runtime-provided function dispatched by numeric id, not
// name (GLOSSARY "Builtin").
type builtinFn func(vm *VM, args []value.Value) value.Value

// builtins is the reserved-name table of §6.3. print/new/deref and the
// Option/Result predicates are the core's own responsibility (the
// compiler lowers `?` to tag-test sequences, but is_some/is_ok etc. are
// still exposed as callable builtins); array_new/read_file/parse_* round
// out the reserved list.
var builtins = map[uint16]struct {
	name string
	fn   builtinFn
}{
	0:  {"print", builtinPrint},
	1:  {"new", builtinNew},
	2:  {"deref", builtinDeref},
	3:  {"seed", builtinSeed},
	4:  {"rand", builtinRand},
	5:  {"array_new", builtinArrayNew},
	6:  {"read_file", builtinReadFile},
	7:  {"parse_int", builtinParseInt},
	8:  {"parse_float", builtinParseFloat},
	9:  {"parse_bool", builtinParseBool},
	10: {"is_some", builtinIsSome},
	11: {"is_none", builtinIsNone},
	12: {"is_ok", builtinIsOk},
	13: {"is_err", builtinIsErr},
}

func (vm *VM) doBuiltinCall(ins bytecode.Instruction) {
	entry, ok := builtins[ins.FuncIdx]
	if !ok {
		vm.current.SetReg(ins.A, value.Nil)
		return
	}
	args := vm.popArgs(int(ins.NumArgs))
	result := entry.fn(vm, args)
	if ins.NumResults > 0 {
		vm.current.SetReg(ins.A, result)
	}
}

func (vm *VM) popArgs(n int) []value.Value {
	have := len(vm.argQueue)
	start := have - n
	if start < 0 {
		start = 0
	}
	args := make([]value.Value, n)
	for i := 0; i < n; i++ {
		idx := start + i
		if idx < have {
			args[i] = vm.argQueue[idx]
		} else {
			args[i] = value.Nil
		}
	}
	vm.argQueue = vm.argQueue[:start]
	return args
}

func builtinPrint(vm *VM, args []value.Value) value.Value {
	for i, a := range args {
		if i > 0 {
			vm.output.WriteByte(' ')
		}
		vm.output.WriteString(a.String())
	}
	vm.output.WriteByte('\n')
	vm.maybeFlushOutput(false)
	return value.Nil
}

func builtinNew(vm *VM, args []value.Value) value.Value {
	if len(args) == 0 {
		return value.Ref(vm.heap.AllocScalar(value.Nil))
	}
	return value.Ref(vm.heap.AllocScalar(args[0]))
}

func builtinDeref(vm *VM, args []value.Value) value.Value {
	if len(args) == 0 || !args[0].IsHeapValue() {
		return value.Nil
	}
	v, ok := vm.heap.RefGet(args[0].HeapID())
	if !ok {
		return value.Nil
	}
	return v
}

func builtinSeed(vm *VM, args []value.Value) value.Value {
	if len(args) > 0 && args[0].Kind() == value.KindInt {
		vm.rng = rand.New(rand.NewSource(args[0].AsInt()))
	}
	return value.Nil
}

func builtinRand(vm *VM, args []value.Value) value.Value {
	if vm.rng == nil {
		vm.rng = rand.New(rand.NewSource(1))
	}
	return value.Float(vm.rng.Float64())
}

func builtinArrayNew(vm *VM, args []value.Value) value.Value {
	size := 0
	if len(args) > 0 && args[0].Kind() == value.KindInt {
		size = int(args[0].AsInt())
	}
	return value.Array(vm.heap.AllocArray(size))
}

func builtinReadFile(vm *VM, args []value.Value) value.Value {
	if len(args) == 0 || args[0].Kind() != value.KindString {
		return value.Err(value.String("read_file: expected a string path"))
	}
	data, err := os.ReadFile(args[0].AsString())
	if err != nil {
		return value.Err(value.String(err.Error()))
	}
	return value.Ok(value.String(string(data)))
}

func builtinParseInt(vm *VM, args []value.Value) value.Value {
	if len(args) == 0 || args[0].Kind() != value.KindString {
		return value.Nil
	}
	n, err := strconv.ParseInt(args[0].AsString(), 10, 64)
	if err != nil {
		return value.Nil
	}
	return value.Int(n)
}

func builtinParseFloat(vm *VM, args []value.Value) value.Value {
	if len(args) == 0 || args[0].Kind() != value.KindString {
		return value.Nil
	}
	f, err := strconv.ParseFloat(args[0].AsString(), 64)
	if err != nil {
		return value.Nil
	}
	return value.Float(f)
}

func builtinParseBool(vm *VM, args []value.Value) value.Value {
	if len(args) == 0 || args[0].Kind() != value.KindString {
		return value.Nil
	}
	b, err := strconv.ParseBool(args[0].AsString())
	if err != nil {
		return value.Nil
	}
	return value.Bool(b)
}

func builtinIsSome(vm *VM, args []value.Value) value.Value {
	return value.Bool(len(args) > 0 && args[0].Kind() == value.KindSome)
}
func builtinIsNone(vm *VM, args []value.Value) value.Value {
	return value.Bool(len(args) > 0 && args[0].Kind() == value.KindNone)
}
func builtinIsOk(vm *VM, args []value.Value) value.Value {
	return value.Bool(len(args) > 0 && args[0].Kind() == value.KindOk)
}
func builtinIsErr(vm *VM, args []value.Value) value.Value {
	return value.Bool(len(args) > 0 && args[0].Kind() == value.KindErr)
}

// doHostCall implements the Host call kind of §4.H: look up the callback
// by name (the function table's CFFI-less "host" entries carry the
// lookup name as their FunctionEntry.Name), convert args to the portable
// representation, invoke, convert the result back.
func (vm *VM) doHostCall(ins bytecode.Instruction) {
	fn, ok := vm.program.FunctionByIndex(ins.FuncIdx)
	if !ok {
		vm.current.SetReg(ins.A, value.Nil)
		return
	}
	cb, ok := vm.calls.Host(fn.Name)
	if !ok {
		vm.log.Debugf("vm: host function %q not registered", fn.Name)
		vm.current.SetReg(ins.A, value.Nil)
		return
	}
	args := vm.popArgs(int(ins.NumArgs))
	portable := make([]callprotocol.Portable, len(args))
	for i, a := range args {
		portable[i] = callprotocol.ToPortable(a, vm.heap.ArrayElements)
	}
	result := cb(portable, vm.userData)
	vm.current.SetReg(ins.A, callprotocol.FromPortable(result))
}

// doCFFICall implements the CFFI call kind of §4.H.
func (vm *VM) doCFFICall(ins bytecode.Instruction) {
	fn, ok := vm.program.FunctionByIndex(ins.FuncIdx)
	if !ok {
		vm.current.SetReg(ins.A, value.Nil)
		return
	}
	symFn, ok := vm.calls.ResolveCFFI(fn.LibraryPath, fn.Symbol)
	if !ok {
		vm.log.Debugf("vm: %v", callprotocol.MissingSymbolError(fn.LibraryPath, fn.Symbol))
		vm.current.SetReg(ins.A, value.Nil)
		return
	}
	args := vm.popArgs(int(ins.NumArgs))
	portable := make([]callprotocol.Portable, len(args))
	for i, a := range args {
		portable[i] = callprotocol.ToPortable(a, vm.heap.ArrayElements)
	}
	result := symFn(portable)
	vm.current.SetReg(ins.A, callprotocol.FromPortable(result))
}
