// Package vm implements the register-based dispatch core: frames, the
// fetch-decode-execute loop, the call protocol, coroutines/channels, the
// defer mechanism and the hook interface (§4.F-§4.K).
package vm

import (
	"github.com/kunitoki/etch/internal/bytecode"
	"github.com/kunitoki/etch/internal/value"
)

// Frame is a register-frame/call-stack activation record (§3.5). Each
// frame owns its register vector outright rather than slicing into one
// shared array the way the teacher's `CallFrame.regBase` into
// `RegisterVM.registers` does — the spec describes growth "zero-filled
// with Nil... if an instruction writes past the end" per frame, which a
// per-frame slice expresses directly without the base/top bookkeeping a
// shared array would need.
type Frame struct {
	Registers []value.Value
	PC        int
	ReturnPC  int // caller's PC to resume at; -1 marks the entry frame (§4.I "return address = -1")
	ResultReg uint8
	WantResult bool

	Code   []bytecode.Instruction
	Consts []value.Value

	FuncName string // function-table key, for debug/hook reporting
	ClosureID int32 // 0 if this frame was not entered via __invoke_closure

	// Defers is the LIFO stack of defer-body program counters pushed by
	// PushDefer (§4.J).
	Defers []uint32
	// DeferReturnPC is where ExecDefers/DeferEnd resume once the defer
	// chain at this nesting is exhausted.
	DeferReturnPC int
	inDeferChain  bool

	caller *Frame
}

// Reg returns register i, or Nil if i is past the end of the vector (the
// vector is not grown).
func (f *Frame) Reg(i uint8) value.Value {
	idx := int(i)
	if idx >= len(f.Registers) {
		return value.Nil
	}
	return f.Registers[idx]
}

// SetReg writes register i, growing the vector (zero-filled with Nil) if
// i is past the current end — §4.F's only growth trigger.
func (f *Frame) SetReg(i uint8, v value.Value) {
	idx := int(i)
	if idx >= len(f.Registers) {
		grown := make([]value.Value, idx+1)
		copy(grown, f.Registers)
		for j := len(f.Registers); j < len(grown); j++ {
			grown[j] = value.Nil
		}
		f.Registers = grown
	}
	f.Registers[idx] = v
}

func (f *Frame) reset() {
	f.PC = 0
	f.ReturnPC = 0
	f.ResultReg = 0
	f.WantResult = false
	f.Code = nil
	f.Consts = nil
	f.FuncName = ""
	f.ClosureID = 0
	f.Defers = f.Defers[:0]
	f.DeferReturnPC = 0
	f.inDeferChain = false
	f.caller = nil
	for i := range f.Registers {
		f.Registers[i] = value.Nil
	}
}

// FramePool recycles Frame objects in strict LIFO order, matching the
// single-goroutine, single-threaded-cooperative access pattern of the
// dispatch loop (§5: "exactly one frame is current at any time") — a
// hand-rolled slice-backed pool instead of sync.Pool, since sync.Pool's
// GC-generation-aware eviction buys nothing when every checkout/return is
// already strictly nested.
type FramePool struct {
	free []*Frame
	size int
}

// NewFramePool pre-allocates n frames with an initial register capacity.
func NewFramePool(n, initialRegisters int) *FramePool {
	p := &FramePool{free: make([]*Frame, 0, n), size: initialRegisters}
	for i := 0; i < n; i++ {
		p.free = append(p.free, &Frame{Registers: make([]value.Value, initialRegisters)})
	}
	return p
}

// Acquire returns a zeroed frame from the pool, allocating a fresh one if
// the pool is exhausted.
func (p *FramePool) Acquire() *Frame {
	n := len(p.free)
	if n == 0 {
		return &Frame{Registers: make([]value.Value, p.size)}
	}
	f := p.free[n-1]
	p.free = p.free[:n-1]
	return f
}

// Release resets f and returns it to the pool.
func (p *FramePool) Release(f *Frame) {
	f.reset()
	p.free = append(p.free, f)
}
