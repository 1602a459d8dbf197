package vm

// pushDefer records pc+offset onto the frame's LIFO defer stack (§4.J).
func pushDefer(f *Frame, offset int16) {
	target := uint32(int64(f.PC) + int64(offset))
	f.Defers = append(f.Defers, target)
}

// execDefers pops the top defer body pc and jumps to it, first recording
// where control should resume once the whole defer chain at this frame
// nesting finishes. If the frame has no pending defers this is a no-op
// (falls through to the next instruction), which is what lets the
// compiler emit ExecDefers unconditionally at scope exit.
func execDefers(f *Frame) {
	if f.inDeferChain || len(f.Defers) == 0 {
		return
	}
	f.DeferReturnPC = f.PC
	f.inDeferChain = true
	n := len(f.Defers) - 1
	pc := f.Defers[n]
	f.Defers = f.Defers[:n]
	f.PC = int(pc)
}

// deferEnd pops and jumps to the next pending defer if any (preserving
// LIFO order — invariant 7 of §8), otherwise restores the saved return pc
// and clears the in-chain flag so a later ExecDefers at the same frame
// nesting can run again.
func deferEnd(f *Frame) {
	if len(f.Defers) > 0 {
		n := len(f.Defers) - 1
		pc := f.Defers[n]
		f.Defers = f.Defers[:n]
		f.PC = int(pc)
		return
	}
	f.inDeferChain = false
	f.PC = f.DeferReturnPC
}

// runAbandonmentDefers runs every still-pending defer on f synchronously,
// in LIFO order, without involving the dispatch loop's PC-jump machinery
// — used when a coroutine handle's last strong ref drops while it is
// Suspended (§4.I "abandonment... execute all registered defers"). The
// coroutine has no resumer to observe PC jumps, so defer bodies are
// instead executed as a nested run of the dispatch loop starting at each
// body's pc and ending at its DeferEnd.
func (vm *VM) runAbandonmentDefers(f *Frame) error {
	for len(f.Defers) > 0 {
		n := len(f.Defers) - 1
		bodyPC := f.Defers[n]
		f.Defers = f.Defers[:n]
		sub := &Frame{
			Registers: f.Registers,
			PC:        int(bodyPC),
			ReturnPC:  -2, // marks a synthetic sub-frame; runUntilDeferEnd stops at DeferEnd without reading it
			Code:      f.Code,
			Consts:    f.Consts,
			FuncName:  f.FuncName,
		}
		if err := vm.runUntilDeferEnd(sub); err != nil {
			return err
		}
	}
	return nil
}
