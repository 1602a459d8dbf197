package vm

import (
	"bytes"
	"testing"

	"github.com/kunitoki/etch/internal/bytecode"
	"github.com/kunitoki/etch/internal/value"
	"github.com/kunitoki/etch/internal/vmconfig"
)

// TestDeferLIFOOrder exercises §4.J: two defers pushed at the same frame
// nesting must run their bodies in reverse (LIFO) order once ExecDefers
// fires, and DeferEnd must chain from one body straight into the next
// before finally restoring the saved return PC.
func TestDeferLIFOOrder(t *testing.T) {
	p := bytecode.New()
	p.Constants = []value.Value{
		value.Int(0), value.Int(1), value.Int(2),
		value.String("seq"), value.String("orderA"), value.String("orderB"),
	}
	p.Instructions = []bytecode.Instruction{
		bytecode.ABx(bytecode.LoadK, 0, 0),         // 0: R0 = 0
		bytecode.ABx(bytecode.InitGlobal, 0, 3),    // 1: seq = 0
		bytecode.AsBx(bytecode.PushDefer, 0, 7),    // 2: pushed first -> bodyA at 10
		bytecode.AsBx(bytecode.PushDefer, 0, 2),    // 3: pushed second -> bodyB at 6
		bytecode.ABC(bytecode.ExecDefers, 0, 0, 0), // 4: runs bodyB first (LIFO)
		bytecode.ABC(bytecode.Return, 0, 0, 0),     // 5: resumed once the chain drains
		bytecode.ABx(bytecode.LoadK, 0, 1),         // 6: bodyB: R0 = 1
		bytecode.ABx(bytecode.SetGlobal, 0, 3),     // 7: seq = 1
		bytecode.ABx(bytecode.SetGlobal, 0, 5),     // 8: orderB = 1
		bytecode.ABC(bytecode.DeferEnd, 0, 0, 0),   // 9: chains into bodyA
		bytecode.ABx(bytecode.LoadK, 0, 2),         // 10: bodyA: R0 = 2
		bytecode.ABx(bytecode.SetGlobal, 0, 3),     // 11: seq = 2
		bytecode.ABx(bytecode.SetGlobal, 0, 4),     // 12: orderA = 2
		bytecode.ABC(bytecode.DeferEnd, 0, 0, 0),   // 13: no defers left, restores PC=5
	}
	p.Debug = make([]bytecode.DebugInfo, len(p.Instructions))
	p.EntryPoint = 0

	var out bytes.Buffer
	machine := New(p, vmconfig.Options{}, &out, nil, nil)
	if _, err := machine.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if got := machine.globals["orderB"]; got.AsInt() != 1 {
		t.Fatalf("expected the second-pushed defer (orderB) to observe seq=1 first, got %v", got)
	}
	if got := machine.globals["orderA"]; got.AsInt() != 2 {
		t.Fatalf("expected the first-pushed defer (orderA) to observe seq=2 last, got %v", got)
	}
}

// TestCoroutineYieldResumeComplete exercises §4.I through the real Spawn/
// Resume/Yield opcodes: each Resume drives the coroutine to its next Yield
// (observed as Ok(yielded)), the Resume past its final Return completes it
// with Ok(final_return), and a Resume past that fails.
func TestCoroutineYieldResumeComplete(t *testing.T) {
	p := bytecode.New()
	p.Constants = []value.Value{
		value.Int(10), value.Int(20), value.Int(30),
		value.String("r1"), value.String("r2"), value.String("r3"), value.String("r4"),
	}
	p.Instructions = []bytecode.Instruction{
		bytecode.CallForm(bytecode.Spawn, 0, 1, 0, 1), // 0: R0 = spawn(counter)
		bytecode.ABC(bytecode.Resume, 1, 0, 0),        // 1: R1 = resume(R0)
		bytecode.ABx(bytecode.SetGlobal, 1, 3),        // 2: r1 = R1
		bytecode.ABC(bytecode.Resume, 2, 0, 0),        // 3
		bytecode.ABx(bytecode.SetGlobal, 2, 4),        // 4: r2 = R2
		bytecode.ABC(bytecode.Resume, 3, 0, 0),        // 5
		bytecode.ABx(bytecode.SetGlobal, 3, 5),        // 6: r3 = R3
		bytecode.ABC(bytecode.Resume, 4, 0, 0),        // 7: past completion
		bytecode.ABx(bytecode.SetGlobal, 4, 6),        // 8: r4 = R4
		bytecode.ABC(bytecode.Return, 0, 0, 0),        // 9
		bytecode.ABx(bytecode.LoadK, 0, 0),            // 10: counter: R0 = 10
		bytecode.ABC(bytecode.Yield, 0, 0, 0),         // 11
		bytecode.ABx(bytecode.LoadK, 0, 1),             // 12: R0 = 20
		bytecode.ABC(bytecode.Yield, 0, 0, 0),          // 13
		bytecode.ABx(bytecode.LoadK, 0, 2),             // 14: R0 = 30
		bytecode.ABC(bytecode.Return, 0, 1, 0),         // 15
	}
	p.Debug = make([]bytecode.DebugInfo, len(p.Instructions))
	p.Functions["main"] = &bytecode.FunctionEntry{Name: "main", Kind: bytecode.FuncNative, StartPC: 0, EndPC: 9}
	p.Functions["counter"] = &bytecode.FunctionEntry{Name: "counter", Kind: bytecode.FuncNative, StartPC: 10, EndPC: 15}
	p.FunctionNames = []string{"main", "counter"}
	p.EntryPoint = 0

	var out bytes.Buffer
	machine := New(p, vmconfig.Options{}, &out, nil, nil)
	if _, err := machine.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	check := func(name string, wantInt int64) {
		got := machine.globals[name]
		if got.Kind() != value.KindOk || got.Unbox().AsInt() != wantInt {
			t.Fatalf("expected %s == Ok(%d), got %v", name, wantInt, got)
		}
	}
	check("r1", 10)
	check("r2", 20)
	check("r3", 30)

	if got := machine.globals["r4"]; got.Kind() != value.KindErr {
		t.Fatalf("expected a Resume past completion to fail, got %v", got)
	}
}

// TestCoroutineAbandonmentRunsDefers exercises §4.I abandonment through the
// real Spawn/Resume/DecRef opcodes: dropping the last strong ref to a
// Suspended coroutine (DecRef on its handle) must run its pending defers
// before the handle is freed, with no resumer driving the dispatch loop.
func TestCoroutineAbandonmentRunsDefers(t *testing.T) {
	p := bytecode.New()
	p.Constants = []value.Value{value.Int(99), value.Int(1), value.String("y1"), value.String("cleaned")}
	p.Instructions = []bytecode.Instruction{
		bytecode.CallForm(bytecode.Spawn, 0, 1, 0, 1), // 0: R0 = spawn(worker)
		bytecode.ABC(bytecode.Resume, 1, 0, 0),        // 1: R1 = resume(R0), drives it to Yield
		bytecode.ABx(bytecode.SetGlobal, 1, 2),        // 2: y1 = R1
		bytecode.ABC(bytecode.DecRef, 0, 0, 0),        // 3: drop the only strong ref to the coroutine
		bytecode.ABC(bytecode.Return, 0, 0, 0),        // 4
		bytecode.AsBx(bytecode.PushDefer, 0, 3),       // 5: worker: executed at PC=6, target = 6+3 = 9
		bytecode.ABx(bytecode.LoadK, 0, 0),            // 6: R0 = 99
		bytecode.ABC(bytecode.Yield, 0, 0, 0),         // 7
		bytecode.ABC(bytecode.Return, 0, 0, 0),        // 8: unreached (abandoned first)
		bytecode.ABx(bytecode.LoadK, 1, 1),            // 9: cleanup: R1 = 1
		bytecode.ABx(bytecode.SetGlobal, 1, 3),        // 10: cleaned = 1
		bytecode.ABC(bytecode.DeferEnd, 0, 0, 0),      // 11
	}
	p.Debug = make([]bytecode.DebugInfo, len(p.Instructions))
	p.Functions["main"] = &bytecode.FunctionEntry{Name: "main", Kind: bytecode.FuncNative, StartPC: 0, EndPC: 4}
	p.Functions["worker"] = &bytecode.FunctionEntry{Name: "worker", Kind: bytecode.FuncNative, StartPC: 5, EndPC: 8}
	p.FunctionNames = []string{"main", "worker"}
	p.EntryPoint = 0

	var out bytes.Buffer
	machine := New(p, vmconfig.Options{}, &out, nil, nil)
	if _, err := machine.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if got := machine.globals["y1"]; got.Kind() != value.KindOk || got.Unbox().AsInt() != 99 {
		t.Fatalf("expected the coroutine to yield Ok(99) before abandonment, got %v", got)
	}
	if got := machine.globals["cleaned"]; got.AsInt() != 1 {
		t.Fatalf("expected abandonment to run the pending defer and set cleaned=1, got %v", got)
	}
}

// TestWeakReferenceNullifiedAtVMLevel exercises the weak-reference half of
// §4.B end to end through the VM's own NewRef/NewWeak/DecRef/WeakToStrong
// opcodes: once the target's last strong ref drops, promoting the weak
// value back to strong must yield Nil rather than a dangling handle.
func TestWeakReferenceNullifiedAtVMLevel(t *testing.T) {
	p := bytecode.New()
	p.Constants = []value.Value{value.Int(7), value.String("weak_result")}
	p.Instructions = []bytecode.Instruction{
		bytecode.ABx(bytecode.LoadK, 0, 0),            // 0: R0 = 7
		bytecode.ABC(bytecode.NewRef, 1, 0, 0xFF),      // 1: R1 = Ref(cell holding 7), no destructor
		bytecode.ABC(bytecode.NewWeak, 2, 1, 0),        // 2: R2 = Weak(target=R1)
		bytecode.ABC(bytecode.DecRef, 1, 0, 0),         // 3: drop the only strong ref to the cell
		bytecode.ABC(bytecode.WeakToStrong, 3, 2, 0),   // 4: R3 = promote(R2)
		bytecode.ABx(bytecode.SetGlobal, 3, 1),         // 5: weak_result = R3
		bytecode.ABC(bytecode.Return, 0, 0, 0),         // 6
	}
	p.Debug = make([]bytecode.DebugInfo, len(p.Instructions))
	p.EntryPoint = 0

	var out bytes.Buffer
	machine := New(p, vmconfig.Options{}, &out, nil, nil)
	if _, err := machine.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if got := machine.globals["weak_result"]; got.Kind() != value.KindNil {
		t.Fatalf("expected a weak reference to its freed target to nullify to Nil, got %v", got)
	}
}

// TestTableFieldCycleCollected exercises §8 scenario 2: a two-table cycle
// built entirely through SetField (new[T]{ next: new[T]{ next: self } }),
// which the cycle collector must reclaim once no root still holds either
// table. A SetField that clobbers its own value operand (storing the
// table into its own field instead of the other table) would collapse
// this into a self-reference and leave the collector with nothing to do.
func TestTableFieldCycleCollected(t *testing.T) {
	p := bytecode.New()
	p.Constants = []value.Value{value.String("next")}
	p.Instructions = []bytecode.Instruction{
		bytecode.ABx(bytecode.NewTable, 0, 0xFFFF),               // 0: R0 = table A
		bytecode.ABx(bytecode.NewTable, 1, 0xFFFF),               // 1: R1 = table B
		bytecode.AxForm(bytecode.SetField, packFieldAx(0, 1, 0)), // 2: A.next = B
		bytecode.AxForm(bytecode.SetField, packFieldAx(1, 0, 0)), // 3: B.next = A
		bytecode.ABC(bytecode.DecRef, 0, 0, 0),                   // 4: drop the creator's ref to A
		bytecode.ABC(bytecode.DecRef, 1, 0, 0),                   // 5: drop the creator's ref to B
		bytecode.ABC(bytecode.LoadNil, 0, 0, 0),                  // 6: clear R0 so it stops rooting A
		bytecode.ABC(bytecode.LoadNil, 1, 0, 0),                  // 7: clear R1 so it stops rooting B
		bytecode.ABC(bytecode.CheckCycles, 0, 0, 0),              // 8
		bytecode.ABC(bytecode.Return, 0, 0, 0),                   // 9
	}
	p.Debug = make([]bytecode.DebugInfo, len(p.Instructions))
	p.EntryPoint = 0

	var out bytes.Buffer
	machine := New(p, vmconfig.Options{}, &out, nil, nil)
	if _, err := machine.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if got := machine.heap.LiveCount(); got != 0 {
		t.Fatalf("expected the unreachable A<->B cycle to be fully collected, %d object(s) still live", got)
	}
}
