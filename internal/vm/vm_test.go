package vm

import (
	"bytes"
	"testing"

	"github.com/kunitoki/etch/internal/bytecode"
	"github.com/kunitoki/etch/internal/value"
	"github.com/kunitoki/etch/internal/vmconfig"
)

func TestExecuteArithmetic(t *testing.T) {
	p := bytecode.New()
	p.Constants = []value.Value{value.Int(6), value.Int(7)}
	p.Instructions = []bytecode.Instruction{
		bytecode.ABx(bytecode.LoadK, 0, 0),
		bytecode.ABx(bytecode.LoadK, 1, 1),
		bytecode.ABC(bytecode.Mul, 2, 0, 1),
		bytecode.ABC(bytecode.Return, 2, 1, 0),
	}
	p.Debug = make([]bytecode.DebugInfo, len(p.Instructions))
	p.EntryPoint = 0

	var out bytes.Buffer
	machine := New(p, vmconfig.Options{}, &out, nil, nil)
	code, err := machine.Execute()
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if code != 42 {
		t.Fatalf("expected exit code 42, got %d", code)
	}
}

func TestExecuteNativeCall(t *testing.T) {
	p := bytecode.New()
	p.Constants = []value.Value{value.Int(5)}
	p.Instructions = []bytecode.Instruction{
		bytecode.ABx(bytecode.LoadK, 0, 0),
		bytecode.ABC(bytecode.Arg, 0, 0, 0),
		bytecode.CallForm(bytecode.Call, 1, 1, 1, 1),
		bytecode.ABC(bytecode.Return, 1, 1, 0),
		bytecode.ABC(bytecode.AddI, 0, 0, 1),
		bytecode.ABC(bytecode.Return, 0, 1, 0),
	}
	p.Debug = make([]bytecode.DebugInfo, len(p.Instructions))
	p.EntryPoint = 0
	p.Functions["main"] = &bytecode.FunctionEntry{Name: "main", Kind: bytecode.FuncNative, StartPC: 0, EndPC: 3}
	p.Functions["inc"] = &bytecode.FunctionEntry{Name: "inc", Kind: bytecode.FuncNative, StartPC: 4, EndPC: 5}
	p.FunctionNames = []string{"main", "inc"}

	var out bytes.Buffer
	machine := New(p, vmconfig.Options{}, &out, nil, nil)
	code, err := machine.Execute()
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if code != 6 {
		t.Fatalf("expected 5+1=6, got %d", code)
	}
}

func TestExecuteCallDepthExceeded(t *testing.T) {
	p := bytecode.New()
	p.Instructions = []bytecode.Instruction{
		bytecode.CallForm(bytecode.Call, 0, 0, 0, 0),
		bytecode.ABC(bytecode.Return, 0, 0, 0),
	}
	p.Debug = make([]bytecode.DebugInfo, len(p.Instructions))
	p.EntryPoint = 0
	p.Functions["recurse"] = &bytecode.FunctionEntry{Name: "recurse", Kind: bytecode.FuncNative, StartPC: 0, EndPC: 1}
	p.FunctionNames = []string{"recurse"}

	var out bytes.Buffer
	machine := New(p, vmconfig.Options{MaxCallDepth: 8}, &out, nil, nil)
	_, err := machine.Execute()
	if err == nil {
		t.Fatal("expected a call-depth-exceeded error from unbounded recursion")
	}
}
