package vm

import (
	"fmt"
	"strconv"

	"github.com/kunitoki/etch/internal/bytecode"
	"github.com/kunitoki/etch/internal/value"
)

type suspendKind uint8

const (
	suspendNone suspendKind = iota
	suspendYield
	suspendReturn
	suspendHook
)

// dispatchLoop is the fetch-decode-execute loop (§4.G): single-threaded,
// cooperative, one frame current at a time. It runs until a suspension
// point (Yield, Return from the entry frame, a would-block channel op
// inside a coroutine, or a hook requesting Stop) or a fatal error; a
// would-block channel op with no resumer is one such fatal error.
func (vm *VM) dispatchLoop() (suspendKind, error) {
	for {
		f := vm.current
		if f.PC < 0 || f.PC >= len(f.Code) {
			return suspendReturn, nil
		}
		ins := f.Code[f.PC]
		f.PC++

		if vm.hook != nil {
			if r := vm.hook.OnInstruction(f, f.PC-1, ins); r.Stop {
				f.PC--
				return suspendHook, nil
			}
		}

		suspend, err := vm.exec(ins)
		if err != nil {
			if vm.hook != nil {
				vm.hook.OnError(f, err)
			}
			return suspendNone, err
		}
		if suspend != suspendNone {
			return suspend, nil
		}
		if vm.pendingHookStop {
			vm.pendingHookStop = false
			return suspendHook, nil
		}

		vm.instructionCount++
		if ran, freed := vm.heap.MaybeCollect(vm.roots()); ran {
			vm.log.Debugf("vm: cycle scan freed %d object(s)", freed)
		}
	}
}

// runUntilDeferEnd drives a nested dispatch of a defer body, stopping the
// instant a DeferEnd with no further pending defers would otherwise
// restore a caller PC that doesn't exist for this synthetic sub-frame
// (abandonment case, called by runAbandonmentDefers). It decides from the
// opcode and the defer stack alone and never reads f.ReturnPC.
func (vm *VM) runUntilDeferEnd(f *Frame) error {
	saved := vm.current
	vm.current = f
	defer func() { vm.current = saved }()

	for {
		if f.PC < 0 || f.PC >= len(f.Code) {
			return nil
		}
		ins := f.Code[f.PC]
		f.PC++
		if ins.Op == bytecode.DeferEnd && len(f.Defers) == 0 {
			return nil
		}
		if _, err := vm.exec(ins); err != nil {
			return err
		}
	}
}

// exec executes one decoded instruction against vm.current, returning a
// suspend signal when the instruction is a suspension point.
func (vm *VM) exec(ins bytecode.Instruction) (suspendKind, error) {
	f := vm.current
	switch ins.Op {

	// --- Moves and loads ---
	case bytecode.Move:
		f.SetReg(ins.A, f.Reg(ins.B))
	case bytecode.LoadK:
		f.SetReg(ins.A, constAt(f, ins.Bx))
	case bytecode.LoadBool:
		f.SetReg(ins.A, value.Bool(ins.B != 0))
	case bytecode.LoadNil:
		f.SetReg(ins.A, value.Nil)
	case bytecode.LoadNone:
		f.SetReg(ins.A, value.None())

	// --- Globals ---
	case bytecode.GetGlobal:
		f.SetReg(ins.A, vm.globals[constName(f, ins.Bx)])
	case bytecode.SetGlobal:
		vm.globals[constName(f, ins.Bx)] = f.Reg(ins.A)
	case bytecode.InitGlobal:
		name := constName(f, ins.Bx)
		if _, exists := vm.globals[name]; !exists {
			vm.globals[name] = f.Reg(ins.A)
		}

	// --- Generic/specialized/immediate arithmetic ---
	case bytecode.Add:
		f.SetReg(ins.A, value.Add(f.Reg(ins.B), f.Reg(ins.C)))
	case bytecode.Sub:
		f.SetReg(ins.A, value.Sub(f.Reg(ins.B), f.Reg(ins.C)))
	case bytecode.Mul:
		f.SetReg(ins.A, value.Mul(f.Reg(ins.B), f.Reg(ins.C)))
	case bytecode.Div:
		f.SetReg(ins.A, value.Div(f.Reg(ins.B), f.Reg(ins.C)))
	case bytecode.Mod:
		f.SetReg(ins.A, value.Mod(f.Reg(ins.B), f.Reg(ins.C)))
	case bytecode.AddInt:
		f.SetReg(ins.A, value.Int(f.Reg(ins.B).AsInt()+f.Reg(ins.C).AsInt()))
	case bytecode.SubInt:
		f.SetReg(ins.A, value.Int(f.Reg(ins.B).AsInt()-f.Reg(ins.C).AsInt()))
	case bytecode.MulInt:
		f.SetReg(ins.A, value.Int(f.Reg(ins.B).AsInt()*f.Reg(ins.C).AsInt()))
	case bytecode.DivInt:
		b, c := f.Reg(ins.B).AsInt(), f.Reg(ins.C).AsInt()
		if c == 0 {
			f.SetReg(ins.A, value.Nil)
		} else {
			f.SetReg(ins.A, value.Int(b/c))
		}
	case bytecode.ModInt:
		f.SetReg(ins.A, value.Mod(value.Int(f.Reg(ins.B).AsInt()), value.Int(f.Reg(ins.C).AsInt())))
	case bytecode.AddFloat:
		f.SetReg(ins.A, value.Float(f.Reg(ins.B).AsFloat()+f.Reg(ins.C).AsFloat()))
	case bytecode.SubFloat:
		f.SetReg(ins.A, value.Float(f.Reg(ins.B).AsFloat()-f.Reg(ins.C).AsFloat()))
	case bytecode.MulFloat:
		f.SetReg(ins.A, value.Float(f.Reg(ins.B).AsFloat()*f.Reg(ins.C).AsFloat()))
	case bytecode.DivFloat:
		f.SetReg(ins.A, value.Float(f.Reg(ins.B).AsFloat()/f.Reg(ins.C).AsFloat()))
	case bytecode.ModFloat:
		f.SetReg(ins.A, value.Mod(value.Float(f.Reg(ins.B).AsFloat()), value.Float(f.Reg(ins.C).AsFloat())))
	case bytecode.AddI:
		f.SetReg(ins.A, value.Int(f.Reg(ins.B).AsInt()+int64(ins.C)))
	case bytecode.SubI:
		f.SetReg(ins.A, value.Int(f.Reg(ins.B).AsInt()-int64(ins.C)))
	case bytecode.Neg:
		f.SetReg(ins.A, value.Neg(f.Reg(ins.B)))

	// --- Fused ternary arithmetic (Ax-encoded: A|B|C|D packed) ---
	case bytecode.MulAdd:
		a, b, c, d := unpackAx4(ins.Ax)
		f.SetReg(a, value.Add(value.Mul(f.Reg(b), f.Reg(c)), f.Reg(d)))
	case bytecode.AddAdd:
		a, b, c, d := unpackAx4(ins.Ax)
		f.SetReg(a, value.Add(value.Add(f.Reg(b), f.Reg(c)), f.Reg(d)))

	// --- Skipping comparisons: skip next instruction per A's polarity ---
	case bytecode.Eq:
		vm.skipOn(f, ins.A, value.Equal(f.Reg(ins.B), f.Reg(ins.C)))
	case bytecode.Lt:
		r, _ := value.Less(f.Reg(ins.B), f.Reg(ins.C))
		vm.skipOn(f, ins.A, r)
	case bytecode.Le:
		lt, _ := value.Less(f.Reg(ins.B), f.Reg(ins.C))
		vm.skipOn(f, ins.A, lt || value.Equal(f.Reg(ins.B), f.Reg(ins.C)))

	// --- Storing comparisons ---
	case bytecode.EqStore:
		f.SetReg(ins.A, value.Bool(value.Equal(f.Reg(ins.B), f.Reg(ins.C))))
	case bytecode.LtStore:
		r, _ := value.Less(f.Reg(ins.B), f.Reg(ins.C))
		f.SetReg(ins.A, value.Bool(r))
	case bytecode.LeStore:
		lt, _ := value.Less(f.Reg(ins.B), f.Reg(ins.C))
		f.SetReg(ins.A, value.Bool(lt || value.Equal(f.Reg(ins.B), f.Reg(ins.C))))

	// --- Immediate/type-specialized comparisons ---
	case bytecode.EqI:
		vm.skipOn(f, ins.A, f.Reg(ins.B).AsInt() == int64(ins.C))
	case bytecode.LtI:
		vm.skipOn(f, ins.A, f.Reg(ins.B).AsInt() < int64(ins.C))
	case bytecode.LeI:
		vm.skipOn(f, ins.A, f.Reg(ins.B).AsInt() <= int64(ins.C))
	case bytecode.EqIntStore:
		f.SetReg(ins.A, value.Bool(f.Reg(ins.B).AsInt() == f.Reg(ins.C).AsInt()))
	case bytecode.LtIntStore:
		f.SetReg(ins.A, value.Bool(f.Reg(ins.B).AsInt() < f.Reg(ins.C).AsInt()))
	case bytecode.LeIntStore:
		f.SetReg(ins.A, value.Bool(f.Reg(ins.B).AsInt() <= f.Reg(ins.C).AsInt()))

	// --- Fused compare-and-jump (Ax-encoded: a|b|c|sbx) ---
	case bytecode.LtJmp:
		a, b, c, sbx := unpackCmpJmp(ins.Ax)
		r, _ := value.Less(f.Reg(a), f.Reg(b))
		if r == (c != 0) {
			f.PC += sbx
		}
	case bytecode.CmpJmp:
		a, b, c, sbx := unpackCmpJmp(ins.Ax)
		if value.Equal(f.Reg(a), f.Reg(b)) == (c != 0) {
			f.PC += sbx
		}

	// --- Logical ---
	case bytecode.Not:
		f.SetReg(ins.A, value.Bool(!value.IsTruthy(f.Reg(ins.B))))
	case bytecode.And:
		f.SetReg(ins.A, value.Bool(value.IsTruthy(f.Reg(ins.B)) && value.IsTruthy(f.Reg(ins.C))))
	case bytecode.Or:
		f.SetReg(ins.A, value.Bool(value.IsTruthy(f.Reg(ins.B)) || value.IsTruthy(f.Reg(ins.C))))
	case bytecode.AndI:
		f.SetReg(ins.A, value.Bool(value.IsTruthy(f.Reg(ins.B)) && ins.C != 0))
	case bytecode.OrI:
		f.SetReg(ins.A, value.Bool(value.IsTruthy(f.Reg(ins.B)) || ins.C != 0))
	case bytecode.In:
		f.SetReg(ins.A, value.Bool(vm.membership(f.Reg(ins.B), f.Reg(ins.C))))
	case bytecode.NotIn:
		f.SetReg(ins.A, value.Bool(!vm.membership(f.Reg(ins.B), f.Reg(ins.C))))

	// --- Option/Result ---
	case bytecode.WrapSome:
		f.SetReg(ins.A, value.Some(f.Reg(ins.B)))
	case bytecode.WrapOk:
		f.SetReg(ins.A, value.Ok(f.Reg(ins.B)))
	case bytecode.WrapErr:
		f.SetReg(ins.A, value.Err(f.Reg(ins.B)))
	case bytecode.TestTag:
		vm.skipOn(f, ins.A, f.Reg(ins.B).Kind() == value.Kind(ins.C))
	case bytecode.UnwrapOption, bytecode.UnwrapResult:
		v := f.Reg(ins.B)
		if v.Kind() == value.KindSome || v.Kind() == value.KindOk || v.Kind() == value.KindErr {
			f.SetReg(ins.A, v.Unbox())
		} else {
			f.SetReg(ins.A, value.Nil)
		}

	// --- Arrays/tables/fields ---
	case bytecode.NewArray:
		f.SetReg(ins.A, value.Array(vm.heap.AllocArray(int(ins.Bx))))
	case bytecode.GetIndex, bytecode.GetIndexInt:
		vm.execGetIndex(f, ins)
	case bytecode.SetIndex, bytecode.SetIndexInt:
		vm.execSetIndex(f, ins)
	case bytecode.GetIndexI:
		arr := f.Reg(ins.B)
		v, ok := vm.heap.ArrayGet(arr.HeapID(), int(ins.C))
		if !ok {
			f.SetReg(ins.A, value.Nil)
		} else {
			f.SetReg(ins.A, v)
		}
	case bytecode.SetIndexI:
		arr := f.Reg(ins.A)
		_ = vm.heap.ArraySet(arr.HeapID(), int(ins.B), f.Reg(ins.C))
	case bytecode.Len:
		f.SetReg(ins.A, value.Int(int64(vm.length(f.Reg(ins.B)))))
	case bytecode.Slice:
		arr := f.Reg(ins.A)
		lo := int(f.Reg(ins.B).AsInt())
		hi := int(f.Reg(ins.C).AsInt())
		elems := vm.heap.ArraySlice(arr.HeapID(), lo, hi)
		id := vm.heap.AllocArray(len(elems))
		for _, e := range elems {
			_ = vm.heap.ArrayAppend(id, e)
		}
		f.SetReg(ins.A, value.Array(id))
	case bytecode.ConcatArray:
		f.SetReg(ins.A, vm.concatArray(f.Reg(ins.B), f.Reg(ins.C)))
	case bytecode.NewTable:
		destructorIdx := int32(-1)
		if ins.Bx != 0xFFFF {
			destructorIdx = int32(ins.Bx)
		}
		f.SetReg(ins.A, value.Table(vm.heap.AllocTable(destructorIdx)))
	case bytecode.GetField:
		dest, tableReg, keyIdx := unpackFieldAx(ins.Ax)
		tbl := f.Reg(tableReg)
		key := constAt(f, keyIdx).AsString()
		v, ok := vm.heap.TableGet(tbl.HeapID(), key)
		if !ok {
			f.SetReg(dest, value.Nil)
		} else {
			f.SetReg(dest, v)
		}
	case bytecode.SetField:
		tableReg, valueReg, keyIdx := unpackFieldAx(ins.Ax)
		tbl := f.Reg(tableReg)
		key := constAt(f, keyIdx).AsString()
		_ = vm.heap.TableSet(tbl.HeapID(), key, f.Reg(valueReg))
	case bytecode.SetRef:
		target := f.Reg(ins.A)
		vm.heap.SetScalar(target.HeapID(), f.Reg(ins.B))

	// --- Reference counting ---
	case bytecode.NewRef:
		f.SetReg(ins.A, vm.execNewRef(f, ins))
	case bytecode.IncRef:
		vm.incRefValue(f.Reg(ins.A))
	case bytecode.DecRef:
		vm.decRefValue(f.Reg(ins.A))
	case bytecode.NewWeak:
		f.SetReg(ins.A, value.Weak(vm.heap.AllocWeak(f.Reg(ins.B).HeapID())))
	case bytecode.WeakToStrong:
		target := vm.heap.WeakToStrong(f.Reg(ins.B).HeapID())
		if target == 0 {
			f.SetReg(ins.A, value.Nil)
		} else {
			f.SetReg(ins.A, value.Ref(target))
		}
	case bytecode.CheckCycles:
		freed := vm.heap.CollectCycles(vm.roots(), false)
		vm.log.Debugf("vm: CheckCycles freed %d object(s)", freed)

	// --- Control flow ---
	case bytecode.Jmp:
		f.PC += int(ins.SBx)
	case bytecode.Test:
		vm.skipOn(f, ins.A, value.IsTruthy(f.Reg(ins.B)))
	case bytecode.TestSet:
		if value.IsTruthy(f.Reg(ins.B)) == (ins.C != 0) {
			f.SetReg(ins.A, f.Reg(ins.B))
		} else {
			f.PC++
		}
	case bytecode.Return:
		return vm.execReturn(f, ins)
	case bytecode.NoOp:
		// deliberate no-op.
	case bytecode.ForPrep, bytecode.ForIntPrep:
		if !vm.forLoopContinues(f, ins) {
			f.PC += int(ins.SBx)
		}
	case bytecode.ForLoop, bytecode.ForIntLoop:
		if vm.forLoopAdvance(f, ins) {
			f.PC += int(ins.SBx)
		}
	case bytecode.IncTest:
		f.SetReg(ins.A, value.Int(f.Reg(ins.A).AsInt()+1))
		vm.skipOn(f, ins.B, f.Reg(ins.A).AsInt() < int64(ins.C))

	// --- Calls ---
	case bytecode.Arg:
		vm.pushArg(f.Reg(ins.A))
	case bytecode.ArgImm:
		vm.pushArg(constAt(f, ins.Bx))
	case bytecode.Call:
		if fn, ok := vm.program.FunctionByIndex(ins.FuncIdx); ok && fn.Name == "__invoke_closure" {
			return suspendNone, vm.doInvokeClosure(ins)
		}
		return suspendNone, vm.doNativeCall(ins)
	case bytecode.CallBuiltin:
		vm.doBuiltinCall(ins)
	case bytecode.CallHost:
		vm.doHostCall(ins)
	case bytecode.CallFFI:
		vm.doCFFICall(ins)
	case bytecode.TailCall:
		return vm.execTailCall(f, ins)

	// --- Defers ---
	case bytecode.PushDefer:
		pushDefer(f, ins.SBx)
	case bytecode.ExecDefers:
		execDefers(f)
	case bytecode.DeferEnd:
		deferEnd(f)

	// --- Coroutines/channels ---
	case bytecode.Yield:
		if !vm.IsInCoroutine() {
			return suspendNone, fmt.Errorf("vm: Yield outside a coroutine context (fatal per spec)")
		}
		vm.yield(f, f.Reg(ins.A))
		return suspendYield, nil
	case bytecode.Spawn:
		id, err := vm.spawnCoroutine(ins.FuncIdx, ins.NumArgs)
		if err != nil {
			f.SetReg(ins.A, value.Nil)
		} else {
			f.SetReg(ins.A, value.Coroutine(id))
		}
	case bytecode.Resume:
		f.SetReg(ins.A, vm.resumeCoroutine(f.Reg(ins.B).HeapID()))
	case bytecode.ChannelNew:
		f.SetReg(ins.A, value.Channel(vm.channels.alloc(int(ins.Bx))))
	case bytecode.ChannelSend:
		return vm.execChannelSend(f, ins)
	case bytecode.ChannelRecv:
		return vm.execChannelRecv(f, ins)
	case bytecode.ChannelClose:
		if ch, ok := vm.channels.get(f.Reg(ins.A).HeapID()); ok {
			ch.close()
		}

	// --- Type conversion ---
	case bytecode.Cast:
		f.SetReg(ins.A, vm.cast(f.Reg(ins.B), value.Kind(ins.C)))

	default:
		return suspendNone, fmt.Errorf("vm: unimplemented opcode %s", ins.Op)
	}
	return suspendNone, nil
}

// skipOn implements the skipping-comparison polarity of §4.D: with A=0,
// skip the next instruction when pred is true; with A=1, skip when false.
func (vm *VM) skipOn(f *Frame, a uint8, pred bool) {
	skip := pred
	if a != 0 {
		skip = !pred
	}
	if skip {
		f.PC++
	}
}

func constAt(f *Frame, idx uint16) value.Value {
	if int(idx) >= len(f.Consts) {
		return value.Nil
	}
	return f.Consts[idx]
}

func constName(f *Frame, idx uint16) string {
	return constAt(f, idx).AsString()
}

// unpackAx4 splits a 32-bit Ax operand into four register indices for the
// fused ternary arithmetic forms (MulAdd/AddAdd): A and B and C use the
// low three bytes, D (the third operand) the high byte.
func unpackAx4(ax uint32) (a, b, c, d uint8) {
	return uint8(ax), uint8(ax >> 8), uint8(ax >> 16), uint8(ax >> 24)
}

// unpackCmpJmp splits a 32-bit Ax operand into the fused compare-and-jump
// form's a/b register indices, c polarity bit, and a 15-bit signed jump
// offset.
func unpackCmpJmp(ax uint32) (a, b uint8, c uint8, sbx int) {
	a = uint8(ax)
	b = uint8(ax >> 8)
	c = uint8(ax>>16) & 1
	raw := int16(ax>>16) >> 1
	return a, b, c, int(raw)
}

// unpackFieldAx splits a 32-bit Ax operand into two register indices plus a
// 16-bit constant-pool index, the shape GetField/SetField need: a table
// handle and a result-or-value register don't fit alongside a field-name
// constant index in an ABx instruction's single register slot, so both
// opcodes pack all three operands into Ax instead (GetField: dest, table,
// key; SetField: table, value, key).
func unpackFieldAx(ax uint32) (x, y uint8, keyIdx uint16) {
	return uint8(ax), uint8(ax >> 8), uint16(ax >> 16)
}

// packFieldAx is unpackFieldAx's inverse, used where a GetField/SetField
// instruction is constructed directly rather than produced by a compiler.
func packFieldAx(x, y uint8, keyIdx uint16) uint32 {
	return uint32(x) | uint32(y)<<8 | uint32(keyIdx)<<16
}

func (vm *VM) membership(needle, haystack value.Value) bool {
	switch haystack.Kind() {
	case value.KindArray:
		for _, e := range vm.heap.ArrayElements(haystack.HeapID()) {
			if value.Equal(needle, e) {
				return true
			}
		}
		return false
	case value.KindTable:
		if needle.Kind() != value.KindString {
			return false
		}
		_, ok := vm.heap.TableGet(haystack.HeapID(), needle.AsString())
		return ok
	case value.KindString:
		if needle.Kind() != value.KindString {
			return false
		}
		return len(needle.AsString()) > 0 && indexOf(haystack.AsString(), needle.AsString()) >= 0
	default:
		return false
	}
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

func (vm *VM) length(v value.Value) int {
	switch v.Kind() {
	case value.KindArray:
		return vm.heap.ArrayLen(v.HeapID())
	case value.KindTable:
		return vm.heap.TableLen(v.HeapID())
	case value.KindString:
		return len(v.AsString())
	default:
		return 0
	}
}

func (vm *VM) concatArray(a, b value.Value) value.Value {
	if a.Kind() == value.KindString && b.Kind() == value.KindString {
		return value.String(a.AsString() + b.AsString())
	}
	if a.Kind() != value.KindArray || b.Kind() != value.KindArray {
		return value.Nil
	}
	elemsA := vm.heap.ArrayElements(a.HeapID())
	elemsB := vm.heap.ArrayElements(b.HeapID())
	id := vm.heap.AllocArray(len(elemsA) + len(elemsB))
	for _, e := range elemsA {
		_ = vm.heap.ArrayAppend(id, e)
	}
	for _, e := range elemsB {
		_ = vm.heap.ArrayAppend(id, e)
	}
	return value.Array(id)
}

func (vm *VM) execGetIndex(f *Frame, ins bytecode.Instruction) {
	container := f.Reg(ins.B)
	switch container.Kind() {
	case value.KindArray:
		idx := int(f.Reg(ins.C).AsInt())
		v, ok := vm.heap.ArrayGet(container.HeapID(), idx)
		if !ok {
			f.SetReg(ins.A, value.Nil)
			return
		}
		f.SetReg(ins.A, v)
	case value.KindTable:
		key := f.Reg(ins.C).AsString()
		v, ok := vm.heap.TableGet(container.HeapID(), key)
		if !ok {
			f.SetReg(ins.A, value.Nil)
			return
		}
		f.SetReg(ins.A, v)
	default:
		f.SetReg(ins.A, value.Nil)
	}
}

func (vm *VM) execSetIndex(f *Frame, ins bytecode.Instruction) {
	container := f.Reg(ins.A)
	switch container.Kind() {
	case value.KindArray:
		idx := int(f.Reg(ins.B).AsInt())
		_ = vm.heap.ArraySet(container.HeapID(), idx, f.Reg(ins.C))
	case value.KindTable:
		key := f.Reg(ins.B).AsString()
		_ = vm.heap.TableSet(container.HeapID(), key, f.Reg(ins.C))
	}
}

func (vm *VM) execNewRef(f *Frame, ins bytecode.Instruction) value.Value {
	destructorIdx := int32(-1)
	if ins.C != 0xFF {
		destructorIdx = int32(ins.C)
	}
	return value.Ref(vm.heap.AllocRefCell(f.Reg(ins.B), destructorIdx))
}

func (vm *VM) incRefValue(v value.Value) {
	if v.Kind() == value.KindCoroutine {
		vm.incCoroutineRef(v.HeapID())
		return
	}
	if v.IsContainer() {
		vm.heap.IncRef(v.HeapID())
	}
}

func (vm *VM) decRefValue(v value.Value) {
	if v.Kind() == value.KindCoroutine {
		if err := vm.decCoroutineRef(v.HeapID()); err != nil {
			vm.log.Errorf("vm: coroutine release failed: %v", err)
		}
		return
	}
	if v.IsContainer() {
		vm.heap.DecRef(v.HeapID())
	}
}

// execReturn implements the Return opcode and the call-protocol's return
// leg of §4.H's state machine (executing -> returning -> pooled|released).
// Returning from the entry frame (ReturnPC == -1) is the suspension point
// that ends execute()/a coroutine's top-level run.
func (vm *VM) execReturn(f *Frame, ins bytecode.Instruction) (suspendKind, error) {
	var result value.Value
	if ins.B != 0 {
		result = f.Reg(ins.A)
	}

	if vm.hook != nil {
		vm.hook.OnReturn(f, result)
	}

	if f.ReturnPC == -1 {
		if vm.IsInCoroutine() {
			if co, ok := vm.coroutines.get(vm.currentCoroutineID); ok {
				co.FinalReturn = result
			}
		} else {
			vm.finalResult = result
		}
		vm.maybeFlushOutput(true)
		return suspendReturn, nil
	}

	caller := f.caller
	if caller != nil {
		if f.WantResult {
			caller.SetReg(f.ResultReg, result)
		}
		caller.PC = f.ReturnPC
		vm.callDepth--
	}
	if f.ClosureID != 0 {
		vm.log.Debugf("vm: returning from closure frame %q (heap id %d)", f.FuncName, f.ClosureID)
	}
	vm.current = caller
	vm.framePool.Release(f)
	return suspendNone, nil
}

// execTailCall reuses the current frame's register vector for the callee
// instead of pushing a new frame, matching the teacher's absence of a
// dedicated tail-call path generalized to the spec's Call format; it
// still honors the same seat-from-queue convention as a normal Call.
func (vm *VM) execTailCall(f *Frame, ins bytecode.Instruction) (suspendKind, error) {
	fn, ok := vm.program.FunctionByIndex(ins.FuncIdx)
	if !ok {
		return suspendNone, fmt.Errorf("vm: tail call to unknown function index %d", ins.FuncIdx)
	}
	have := len(vm.argQueue)
	n := int(ins.NumArgs)
	start := have - n
	if start < 0 {
		start = 0
	}
	args := append([]value.Value(nil), vm.argQueue[start:]...)
	vm.argQueue = vm.argQueue[:start]

	for i := range f.Registers {
		f.Registers[i] = value.Nil
	}
	for i, a := range args {
		f.SetReg(uint8(i), a)
	}
	f.PC = int(fn.StartPC)
	f.FuncName = fn.Name
	f.Defers = f.Defers[:0]
	return suspendNone, nil
}

// cast implements §4.D's Cast rules.
func (vm *VM) cast(v value.Value, to value.Kind) value.Value {
	switch to {
	case value.KindInt:
		switch v.Kind() {
		case value.KindInt:
			return v
		case value.KindFloat:
			return value.Int(int64(v.AsFloat()))
		case value.KindString:
			n, err := strconv.ParseInt(v.AsString(), 10, 64)
			if err != nil {
				return value.Nil
			}
			return value.Int(n)
		case value.KindEnum:
			return value.Int(v.AsEnum().Int)
		case value.KindTypeDesc:
			return value.Int(int64(stringHash(v.AsTypeDesc())))
		case value.KindBool:
			if v.AsBool() {
				return value.Int(1)
			}
			return value.Int(0)
		default:
			return value.Nil
		}
	case value.KindFloat:
		switch v.Kind() {
		case value.KindFloat:
			return v
		case value.KindInt:
			return value.Float(float64(v.AsInt()))
		case value.KindString:
			f, err := strconv.ParseFloat(v.AsString(), 64)
			if err != nil {
				return value.Nil
			}
			return value.Float(f)
		default:
			return value.Nil
		}
	case value.KindString:
		return value.String(v.String())
	default:
		return value.Nil
	}
}

// forLoopContinues implements ForPrep/ForIntPrep: registers A, A+1, A+2
// hold counter/limit/step. A zero step never iterates. Returns whether the
// body should run at all; the caller jumps past the loop (SBx) when it
// doesn't.
func (vm *VM) forLoopContinues(f *Frame, ins bytecode.Instruction) bool {
	counter, limit, step := f.Reg(ins.A), f.Reg(ins.A+1), f.Reg(ins.A+2)
	if ins.Op == bytecode.ForIntPrep {
		s := step.AsInt()
		if s == 0 {
			return false
		}
		if s > 0 {
			return counter.AsInt() <= limit.AsInt()
		}
		return counter.AsInt() >= limit.AsInt()
	}
	s := step.AsFloat()
	if s == 0 {
		return false
	}
	if s > 0 {
		return counter.AsFloat() <= limit.AsFloat()
	}
	return counter.AsFloat() >= limit.AsFloat()
}

// forLoopAdvance implements ForLoop/ForIntLoop: advance the counter by
// step and report whether the loop should jump back for another
// iteration.
func (vm *VM) forLoopAdvance(f *Frame, ins bytecode.Instruction) bool {
	if ins.Op == bytecode.ForIntLoop {
		step := f.Reg(ins.A + 2).AsInt()
		next := f.Reg(ins.A).AsInt() + step
		f.SetReg(ins.A, value.Int(next))
		limit := f.Reg(ins.A + 1).AsInt()
		if step > 0 {
			return next <= limit
		}
		return next >= limit
	}
	step := f.Reg(ins.A + 2).AsFloat()
	next := f.Reg(ins.A).AsFloat() + step
	f.SetReg(ins.A, value.Float(next))
	limit := f.Reg(ins.A + 1).AsFloat()
	if step > 0 {
		return next <= limit
	}
	return next >= limit
}

// execChannelSend/execChannelRecv implement the cooperative-blocking
// Channel semantics SPEC_FULL.md resolves for §4.I's open question: a
// would-block retries the same instruction (PC rewound) and suspends the
// coroutine exactly like Yield; blocking with no resumer (the entry
// frame) is a fatal assertion, since nothing could ever unblock it.
func (vm *VM) execChannelSend(f *Frame, ins bytecode.Instruction) (suspendKind, error) {
	ch, ok := vm.channels.get(f.Reg(ins.A).HeapID())
	if !ok {
		return suspendNone, fmt.Errorf("vm: send on invalid channel handle")
	}
	if ch.closed {
		return suspendNone, fmt.Errorf("vm: send on closed channel")
	}
	if ch.trySend(f.Reg(ins.B)) {
		return suspendNone, nil
	}
	if !vm.IsInCoroutine() {
		return suspendNone, fmt.Errorf("vm: channel send would block on the entry frame (fatal, no resumer)")
	}
	f.PC--
	vm.yield(f, value.Nil)
	return suspendYield, nil
}

func (vm *VM) execChannelRecv(f *Frame, ins bytecode.Instruction) (suspendKind, error) {
	ch, ok := vm.channels.get(f.Reg(ins.B).HeapID())
	if !ok {
		return suspendNone, fmt.Errorf("vm: receive on invalid channel handle")
	}
	if v, ok := ch.tryRecv(); ok {
		f.SetReg(ins.A, v)
		return suspendNone, nil
	}
	if ch.closed {
		f.SetReg(ins.A, value.Err(value.String("channel closed")))
		return suspendNone, nil
	}
	if !vm.IsInCoroutine() {
		return suspendNone, fmt.Errorf("vm: channel receive would block on the entry frame (fatal, no resumer)")
	}
	f.PC--
	vm.yield(f, value.Nil)
	return suspendYield, nil
}

// stringHash implements "typedesc->int uses a string hash of the name"
// (§4.D) with FNV-1a, a cheap deterministic string digest.
func stringHash(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}
