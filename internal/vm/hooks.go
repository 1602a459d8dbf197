package vm

import "github.com/kunitoki/etch/internal/bytecode"

// HookResult is what a Hook callback returns. A Stop from OnInstruction
// suspends the dispatch loop before that instruction runs (the PC is left
// on it); a Stop from OnCall suspends after the call instruction. The
// results of OnReturn and OnError are ignored, and the VM does not read
// Data.
type HookResult struct {
	Stop bool
	Data interface{}
}

var emptyHookResult = HookResult{}

// Hook observes dispatch-loop events. The shape mirrors the teacher's
// debugger hook (same four callbacks, same continue-vs-stop boolean
// convention) generalized to the register VM's Instruction/Frame types.
// Hooks run in-process by default; internal/hooks/stream adapts one to a
// remote websocket transport for out-of-process debuggers/profilers.
type Hook interface {
	OnInstruction(f *Frame, pc int, ins bytecode.Instruction) HookResult
	OnCall(f *Frame, funcName string) HookResult
	OnReturn(f *Frame, result interface{}) HookResult
	OnError(f *Frame, err error) HookResult
}

// NopHook implements Hook with every callback a no-op continue — the
// default when a VM is constructed without an explicit hook.
type NopHook struct{}

func (NopHook) OnInstruction(*Frame, int, bytecode.Instruction) HookResult { return emptyHookResult }
func (NopHook) OnCall(*Frame, string) HookResult                           { return emptyHookResult }
func (NopHook) OnReturn(*Frame, interface{}) HookResult                    { return emptyHookResult }
func (NopHook) OnError(*Frame, error) HookResult                           { return emptyHookResult }

// MultiHook fans a single dispatch-loop event out to several hooks
// (e.g. a debugger and a profiler attached simultaneously); it stops as
// soon as any sub-hook requests Stop.
type MultiHook []Hook

func (m MultiHook) OnInstruction(f *Frame, pc int, ins bytecode.Instruction) HookResult {
	for _, h := range m {
		if r := h.OnInstruction(f, pc, ins); r.Stop {
			return r
		}
	}
	return emptyHookResult
}

func (m MultiHook) OnCall(f *Frame, funcName string) HookResult {
	for _, h := range m {
		if r := h.OnCall(f, funcName); r.Stop {
			return r
		}
	}
	return emptyHookResult
}

func (m MultiHook) OnReturn(f *Frame, result interface{}) HookResult {
	for _, h := range m {
		if r := h.OnReturn(f, result); r.Stop {
			return r
		}
	}
	return emptyHookResult
}

func (m MultiHook) OnError(f *Frame, err error) HookResult {
	for _, h := range m {
		if r := h.OnError(f, err); r.Stop {
			return r
		}
	}
	return emptyHookResult
}
