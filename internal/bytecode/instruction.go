// Package bytecode implements the instruction set, encoding, constant
// pool, function table and program image described in spec §3.3/§3.4/§4.C
// /§4.D, plus the binary codec of §6.1.
package bytecode

// OpCode identifies one dispatch-loop operation. The grouping below
// mirrors §4.D exactly; within a group, opcodes are declared in the order
// the spec lists representative members.
type OpCode uint8

const (
	// Moves and loads.
	Move OpCode = iota
	LoadK
	LoadBool
	LoadNil

	// Globals.
	GetGlobal
	SetGlobal
	InitGlobal

	// Arithmetic: generic, integer, float, immediate.
	Add
	Sub
	Mul
	Div
	Mod
	AddInt
	SubInt
	MulInt
	DivInt
	ModInt
	AddFloat
	SubFloat
	MulFloat
	DivFloat
	ModFloat
	AddI
	SubI
	Neg

	// Fused ternary arithmetic.
	MulAdd // R(A) = R(B)*R(C) + R(D), D packed via Ax
	AddAdd // R(A) = R(B) + R(C) + R(D)

	// Comparison: skipping.
	Eq
	Lt
	Le

	// Comparison: storing.
	EqStore
	LtStore
	LeStore

	// Comparison: immediate / type-specialized.
	EqI
	LtI
	LeI
	EqIntStore
	LtIntStore
	LeIntStore

	// Fused compare-and-jump.
	LtJmp
	CmpJmp

	// Logical.
	Not
	And
	Or
	AndI
	OrI
	In
	NotIn

	// Option/Result.
	WrapSome
	LoadNone
	WrapOk
	WrapErr
	TestTag
	UnwrapOption
	UnwrapResult

	// Arrays/tables/fields.
	NewArray
	GetIndex
	SetIndex
	GetIndexInt
	SetIndexInt
	GetIndexI
	SetIndexI
	Len
	Slice
	ConcatArray
	NewTable
	GetField
	SetField
	SetRef

	// Reference counting.
	NewRef
	IncRef
	DecRef
	NewWeak
	WeakToStrong
	CheckCycles

	// Control flow.
	Jmp
	Test
	TestSet
	Return
	NoOp
	ForPrep
	ForLoop
	ForIntPrep
	ForIntLoop
	IncTest

	// Calls.
	Arg
	ArgImm
	Call
	CallBuiltin
	CallHost
	CallFFI
	TailCall

	// Defers.
	PushDefer
	ExecDefers
	DeferEnd

	// Coroutines/channels.
	Yield
	Spawn
	Resume
	ChannelNew
	ChannelSend
	ChannelRecv
	ChannelClose

	// Type conversion.
	Cast

	opCodeCount
)

var opNames = [...]string{
	Move: "Move", LoadK: "LoadK", LoadBool: "LoadBool", LoadNil: "LoadNil",
	GetGlobal: "GetGlobal", SetGlobal: "SetGlobal", InitGlobal: "InitGlobal",
	Add: "Add", Sub: "Sub", Mul: "Mul", Div: "Div", Mod: "Mod",
	AddInt: "AddInt", SubInt: "SubInt", MulInt: "MulInt", DivInt: "DivInt", ModInt: "ModInt",
	AddFloat: "AddFloat", SubFloat: "SubFloat", MulFloat: "MulFloat", DivFloat: "DivFloat", ModFloat: "ModFloat",
	AddI: "AddI", SubI: "SubI", Neg: "Neg",
	MulAdd: "MulAdd", AddAdd: "AddAdd",
	Eq: "Eq", Lt: "Lt", Le: "Le",
	EqStore: "EqStore", LtStore: "LtStore", LeStore: "LeStore",
	EqI: "EqI", LtI: "LtI", LeI: "LeI",
	EqIntStore: "EqIntStore", LtIntStore: "LtIntStore", LeIntStore: "LeIntStore",
	LtJmp: "LtJmp", CmpJmp: "CmpJmp",
	Not: "Not", And: "And", Or: "Or", AndI: "AndI", OrI: "OrI", In: "In", NotIn: "NotIn",
	WrapSome: "WrapSome", LoadNone: "LoadNone", WrapOk: "WrapOk", WrapErr: "WrapErr",
	TestTag: "TestTag", UnwrapOption: "UnwrapOption", UnwrapResult: "UnwrapResult",
	NewArray: "NewArray", GetIndex: "GetIndex", SetIndex: "SetIndex",
	GetIndexInt: "GetIndexInt", SetIndexInt: "SetIndexInt", GetIndexI: "GetIndexI", SetIndexI: "SetIndexI",
	Len: "Len", Slice: "Slice", ConcatArray: "ConcatArray",
	NewTable: "NewTable", GetField: "GetField", SetField: "SetField", SetRef: "SetRef",
	NewRef: "NewRef", IncRef: "IncRef", DecRef: "DecRef", NewWeak: "NewWeak",
	WeakToStrong: "WeakToStrong", CheckCycles: "CheckCycles",
	Jmp: "Jmp", Test: "Test", TestSet: "TestSet", Return: "Return", NoOp: "NoOp",
	ForPrep: "ForPrep", ForLoop: "ForLoop", ForIntPrep: "ForIntPrep", ForIntLoop: "ForIntLoop", IncTest: "IncTest",
	Arg: "Arg", ArgImm: "ArgImm", Call: "Call", CallBuiltin: "CallBuiltin", CallHost: "CallHost", CallFFI: "CallFFI", TailCall: "TailCall",
	PushDefer: "PushDefer", ExecDefers: "ExecDefers", DeferEnd: "DeferEnd",
	Yield: "Yield", Spawn: "Spawn", Resume: "Resume",
	ChannelNew: "ChannelNew", ChannelSend: "ChannelSend", ChannelRecv: "ChannelRecv", ChannelClose: "ChannelClose",
	Cast: "Cast",
}

func (op OpCode) String() string {
	if int(op) < len(opNames) && opNames[op] != "" {
		return opNames[op]
	}
	return "UNKNOWN"
}

// Format identifies which of the five operand layouts an instruction uses.
type Format uint8

const (
	FormatABC Format = iota
	FormatABx
	FormatAsBx
	FormatAx
	FormatCall
)

func (f Format) String() string {
	switch f {
	case FormatABC:
		return "ABC"
	case FormatABx:
		return "ABx"
	case FormatAsBx:
		return "AsBx"
	case FormatAx:
		return "Ax"
	case FormatCall:
		return "Call"
	default:
		return "?"
	}
}

// formatOf is the opcode -> operand format table. Every opcode has
// exactly one format per §3.4.
var formatOf = map[OpCode]Format{
	Move: FormatABC, LoadBool: FormatABC, LoadNil: FormatABC,
	LoadK: FormatABx, GetGlobal: FormatABx, SetGlobal: FormatABx, InitGlobal: FormatABx,
	Add: FormatABC, Sub: FormatABC, Mul: FormatABC, Div: FormatABC, Mod: FormatABC,
	AddInt: FormatABC, SubInt: FormatABC, MulInt: FormatABC, DivInt: FormatABC, ModInt: FormatABC,
	AddFloat: FormatABC, SubFloat: FormatABC, MulFloat: FormatABC, DivFloat: FormatABC, ModFloat: FormatABC,
	AddI: FormatABC, SubI: FormatABC, Neg: FormatABC,
	MulAdd: FormatAx, AddAdd: FormatAx,
	Eq: FormatABC, Lt: FormatABC, Le: FormatABC,
	EqStore: FormatABC, LtStore: FormatABC, LeStore: FormatABC,
	EqI: FormatABC, LtI: FormatABC, LeI: FormatABC,
	EqIntStore: FormatABC, LtIntStore: FormatABC, LeIntStore: FormatABC,
	LtJmp: FormatAx, CmpJmp: FormatAx,
	Not: FormatABC, And: FormatABC, Or: FormatABC, AndI: FormatABC, OrI: FormatABC, In: FormatABC, NotIn: FormatABC,
	WrapSome: FormatABC, LoadNone: FormatABC, WrapOk: FormatABC, WrapErr: FormatABC,
	TestTag: FormatABC, UnwrapOption: FormatABC, UnwrapResult: FormatABC,
	NewArray: FormatABx, GetIndex: FormatABC, SetIndex: FormatABC,
	GetIndexInt: FormatABC, SetIndexInt: FormatABC, GetIndexI: FormatABC, SetIndexI: FormatABC,
	Len: FormatABC, Slice: FormatABC, ConcatArray: FormatABC,
	NewTable: FormatABx, GetField: FormatAx, SetField: FormatAx, SetRef: FormatABC,
	NewRef: FormatABC, IncRef: FormatABC, DecRef: FormatABC, NewWeak: FormatABC,
	WeakToStrong: FormatABC, CheckCycles: FormatABC,
	Jmp: FormatAsBx, Test: FormatABC, TestSet: FormatABC, Return: FormatABC, NoOp: FormatABC,
	ForPrep: FormatAsBx, ForLoop: FormatAsBx, ForIntPrep: FormatAsBx, ForIntLoop: FormatAsBx, IncTest: FormatABC,
	Arg: FormatABC, ArgImm: FormatABx, Call: FormatCall, CallBuiltin: FormatCall, CallHost: FormatCall, CallFFI: FormatCall, TailCall: FormatCall,
	PushDefer: FormatAsBx, ExecDefers: FormatABC, DeferEnd: FormatABC,
	Yield: FormatABC, Spawn: FormatCall, Resume: FormatABC,
	ChannelNew: FormatABx, ChannelSend: FormatABC, ChannelRecv: FormatABC, ChannelClose: FormatABC,
	Cast: FormatABC,
}

// FormatOf returns the operand format for op.
func FormatOf(op OpCode) Format { return formatOf[op] }

// Instruction is a decoded bytecode instruction. The codec and the in-
// memory program both use this shape; only the format-relevant fields are
// meaningful for a given instruction.
type Instruction struct {
	Op   OpCode
	A    uint8
	B    uint8
	C    uint8
	Bx   uint16
	SBx  int16
	Ax   uint32
	// Call format.
	FuncIdx    uint16
	NumArgs    uint8
	NumResults uint8
}

func ABC(op OpCode, a, b, c uint8) Instruction {
	return Instruction{Op: op, A: a, B: b, C: c}
}

func ABx(op OpCode, a uint8, bx uint16) Instruction {
	return Instruction{Op: op, A: a, Bx: bx}
}

func AsBx(op OpCode, a uint8, sbx int16) Instruction {
	return Instruction{Op: op, A: a, SBx: sbx}
}

func AxForm(op OpCode, ax uint32) Instruction {
	return Instruction{Op: op, Ax: ax}
}

func CallForm(op OpCode, a uint8, funcIdx uint16, numArgs, numResults uint8) Instruction {
	return Instruction{Op: op, A: a, FuncIdx: funcIdx, NumArgs: numArgs, NumResults: numResults}
}
