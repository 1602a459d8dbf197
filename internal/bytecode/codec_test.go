package bytecode

import (
	"bytes"
	"strings"
	"testing"

	"github.com/kr/pretty"

	"github.com/kunitoki/etch/internal/value"
)

func sampleProgram() *Program {
	p := New()
	p.VMType = 7
	p.SourceHash = ComputeSourceHash([]byte("let x = 6 * 7"))
	p.CompilerVersionHash = ComputeCompilerHash("test-1.0")
	p.Flags = Flags{Verbose: true, OptLevel: 2}
	p.SourceFilename = "answer.etch"
	p.EntryPoint = 0

	p.Constants = []value.Value{
		value.Int(42),
		value.String("hello"),
		value.Float(3.5),
		value.Some(value.Int(1)),
	}
	p.Instructions = []Instruction{
		ABC(Move, 0, 1, 0),
		ABx(LoadK, 1, 0),
		AsBx(Jmp, 0, -1),
		CallForm(Call, 0, 0, 1, 1),
	}
	p.Debug = []DebugInfo{
		{Line: 1, Column: 1, File: "answer.etch", Function: "main"},
		{Line: 1, Column: 5, File: "answer.etch", Function: "main"},
		{Line: 2, Column: 1, File: "answer.etch", Function: "main"},
		{Line: 3, Column: 1, File: "answer.etch", Function: "main"},
	}
	p.Functions["main"] = &FunctionEntry{
		Name: "main", BaseName: "main", Kind: FuncNative,
		StartPC: 0, EndPC: 3, MaxRegister: 2,
	}
	p.Functions["host_log"] = &FunctionEntry{
		Name: "host_log", BaseName: "host_log", Kind: FuncHost,
	}
	p.FunctionNames = []string{"main", "host_log"}
	p.Lifetimes["main"] = []VarRange{
		{
			VarName: "x", Register: 0, StartPC: 0, EndPC: 3, DefPC: 0, LastUsePC: 2, ScopeLevel: 0,
			PCToVariables: map[uint32][]string{0: {"x"}},
			DestructorPCs: map[uint32]bool{2: true},
		},
	}
	p.VariableMaps["main"] = VariableMap{Name: "main", Variables: map[string]uint8{"x": 0}}
	return p
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	p := sampleProgram()

	var buf bytes.Buffer
	if err := Encode(&buf, p); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := Decode(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if decoded.VMType != p.VMType || decoded.Version != p.Version {
		t.Fatalf("header mismatch: got %+v", decoded)
	}
	if decoded.SourceHash != p.SourceHash || decoded.CompilerVersionHash != p.CompilerVersionHash {
		t.Fatal("hash fields did not round-trip")
	}
	if decoded.SourceFilename != p.SourceFilename || decoded.EntryPoint != p.EntryPoint {
		t.Fatal("filename/entry point did not round-trip")
	}
	if len(decoded.Constants) != len(p.Constants) {
		t.Fatalf("constant count mismatch: got %d want %d", len(decoded.Constants), len(p.Constants))
	}
	for i, c := range p.Constants {
		if !value.Equal(unwrapSum(decoded.Constants[i]), unwrapSum(c)) {
			t.Errorf("constant %d mismatch: got %v want %v", i, decoded.Constants[i], c)
		}
	}
	if len(decoded.Instructions) != len(p.Instructions) {
		t.Fatalf("instruction count mismatch")
	}
	for i, ins := range p.Instructions {
		if decoded.Instructions[i] != ins {
			t.Errorf("instruction %d mismatch:\n%s", i, strings.Join(pretty.Diff(ins, decoded.Instructions[i]), "\n"))
		}
	}
	if fn, ok := decoded.FunctionByIndex(0); !ok || fn.Name != "main" || fn.MaxRegister != 2 {
		t.Fatalf("function table did not round-trip: %+v", fn)
	}
	if len(decoded.Lifetimes["main"]) != 1 || decoded.Lifetimes["main"][0].VarName != "x" {
		t.Fatalf("lifetimes did not round-trip: %+v", decoded.Lifetimes)
	}
	if diff := pretty.Diff(p.Lifetimes["main"][0], decoded.Lifetimes["main"][0]); len(diff) > 0 {
		t.Errorf("lifetime entry mismatch:\n%s", strings.Join(diff, "\n"))
	}
}

func unwrapSum(v value.Value) value.Value {
	switch v.Kind() {
	case value.KindSome, value.KindOk, value.KindErr:
		return v.Unbox()
	default:
		return v
	}
}

func TestEncodeIsByteIdenticalAcrossRuns(t *testing.T) {
	p := sampleProgram()

	var a, b bytes.Buffer
	if err := Encode(&a, p); err != nil {
		t.Fatalf("Encode a: %v", err)
	}
	if err := Encode(&b, p); err != nil {
		t.Fatalf("Encode b: %v", err)
	}
	if !bytes.Equal(a.Bytes(), b.Bytes()) {
		t.Fatal("two encodes of the same program must be byte-identical (map iteration must be deterministic)")
	}
}

func TestReadHeaderMatchesFullDecode(t *testing.T) {
	p := sampleProgram()
	var buf bytes.Buffer
	if err := Encode(&buf, p); err != nil {
		t.Fatalf("Encode: %v", err)
	}

	h, err := ReadHeader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if h.VMType != p.VMType || h.Version != p.Version || h.SourceHash != p.SourceHash {
		t.Fatalf("header mismatch: %+v", h)
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	_, err := Decode(bytes.NewReader([]byte("XXXX")))
	if err == nil {
		t.Fatal("expected an error for a bad magic prefix")
	}
}

func TestDecodeRejectsVersionMismatch(t *testing.T) {
	p := sampleProgram()
	var buf bytes.Buffer
	if err := Encode(&buf, p); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	raw := buf.Bytes()
	// Version is the 4 bytes immediately after magic(4) + vmtype(1).
	raw[5] = 0xFF
	_, err := Decode(bytes.NewReader(raw))
	if err == nil {
		t.Fatal("expected a version mismatch error")
	}
}

func TestEncodeRejectsArrayConstant(t *testing.T) {
	p := New()
	p.Constants = []value.Value{value.Array(1)}
	p.Instructions = []Instruction{ABC(NoOp, 0, 0, 0)}
	p.Debug = []DebugInfo{{}}

	var buf bytes.Buffer
	if err := Encode(&buf, p); err == nil {
		t.Fatal("expected an error encoding an Array constant")
	}
}
