// Package value implements the tagged-union runtime value model shared by
// the heap, bytecode and dispatch loop.
package value

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Kind tags the variant a Value carries. The zero Kind is Nil so a
// zero-valued Value is always well-formed.
type Kind uint8

const (
	KindNil Kind = iota
	KindNone
	KindBool
	KindChar
	KindInt
	KindFloat
	KindString
	KindArray
	KindTable
	KindSome
	KindOk
	KindErr
	KindRef
	KindWeak
	KindClosure
	KindCoroutine
	KindChannel
	KindTypeDesc
	KindEnum
)

var kindNames = [...]string{
	KindNil:       "nil",
	KindNone:      "none",
	KindBool:      "bool",
	KindChar:      "char",
	KindInt:       "int",
	KindFloat:     "float",
	KindString:    "string",
	KindArray:     "array",
	KindTable:     "table",
	KindSome:      "some",
	KindOk:        "ok",
	KindErr:       "err",
	KindRef:       "ref",
	KindWeak:      "weak",
	KindClosure:   "closure",
	KindCoroutine: "coroutine",
	KindChannel:   "channel",
	KindTypeDesc:  "typedesc",
	KindEnum:      "enum",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) && kindNames[k] != "" {
		return kindNames[k]
	}
	return "unknown"
}

// Enum carries the reflection payload for an Enum value.
type Enum struct {
	TypeID int32
	Int    int64
	Name   string
}

// Value is a tagged union. Scalar variants (Nil, None, Bool, Char, Int,
// Float, String, TypeDesc, Enum) are copied by value. Heap and handle
// variants (Array, Table, Some, Ok, Err, Ref, Weak, Closure, Coroutine,
// Channel) carry only an integer id or, for the boxed sum types, a pointer
// to a single owned Value — cloning shares the underlying object without
// touching refcounts; the surrounding operation owns that bookkeeping.
type Value struct {
	kind Kind
	b    bool
	c    byte
	i    int64
	f    float64
	s    string
	id   int32  // heap id for Ref/Weak/Closure/Array/Table; resource id for Coroutine/Channel
	box  *Value // boxed payload for Some/Ok/Err
	enum Enum
}

// Nil is the zero Value.
var Nil = Value{kind: KindNil}

func None() Value                 { return Value{kind: KindNone} }
func Bool(b bool) Value           { return Value{kind: KindBool, b: b} }
func Char(c byte) Value           { return Value{kind: KindChar, c: c} }
func Int(i int64) Value           { return Value{kind: KindInt, i: i} }
func Float(f float64) Value       { return Value{kind: KindFloat, f: f} }
func String(s string) Value       { return Value{kind: KindString, s: s} }
func Array(heapID int32) Value    { return Value{kind: KindArray, id: heapID} }
func Table(heapID int32) Value    { return Value{kind: KindTable, id: heapID} }
func Ref(heapID int32) Value      { return Value{kind: KindRef, id: heapID} }
func Weak(heapID int32) Value     { return Value{kind: KindWeak, id: heapID} }
func Closure(heapID int32) Value  { return Value{kind: KindClosure, id: heapID} }
func Coroutine(id int32) Value    { return Value{kind: KindCoroutine, id: id} }
func Channel(id int32) Value      { return Value{kind: KindChannel, id: id} }
func TypeDesc(name string) Value  { return Value{kind: KindTypeDesc, s: name} }
func EnumVal(e Enum) Value        { return Value{kind: KindEnum, enum: e} }

// Some, Ok and Err box a single payload value once, avoiding recursive
// size inflation of the Value struct itself (see GLOSSARY: "Sum variants
// Some/None/Ok/Err are boxed once").
func Some(v Value) Value { return Value{kind: KindSome, box: &v} }
func Ok(v Value) Value   { return Value{kind: KindOk, box: &v} }
func Err(v Value) Value  { return Value{kind: KindErr, box: &v} }

func (v Value) Kind() Kind { return v.kind }

func (v Value) AsBool() bool     { return v.b }
func (v Value) AsChar() byte     { return v.c }
func (v Value) AsInt() int64     { return v.i }
func (v Value) AsFloat() float64 { return v.f }
func (v Value) AsString() string { return v.s }
func (v Value) AsTypeDesc() string { return v.s }
func (v Value) AsEnum() Enum     { return v.enum }

// HeapID returns the heap identifier carried by Array/Table/Ref/Weak/
// Closure, or the resource id carried by Coroutine/Channel. 0 means "nil
// reference" for Ref/Weak per §3.1.
func (v Value) HeapID() int32 { return v.id }

// Unbox returns the payload of Some/Ok/Err. Callers must check Kind first.
func (v Value) Unbox() Value { return *v.box }

// IsNil reports whether v is the Nil variant.
func (v Value) IsNil() bool { return v.kind == KindNil }

// IsHeapValue is the §4.A "heap value" predicate: true exactly for Ref and
// Closure. Array/Table also carry heap ids but are addressed directly by
// id elsewhere (the compiler never holds a bare Array/Table Value without
// going through a register/field/element slot that the heap already
// tracks as an edge), and Coroutine is a resource handle with its own
// refcount table per spec.
func (v Value) IsHeapValue() bool {
	return v.kind == KindRef || v.kind == KindClosure
}

// IsContainer reports whether v directly names a heap-tracked container
// (Array/Table) in addition to Ref/Closure — used by the heap's edge
// walker, which must find every outgoing pointer regardless of which of
// these four kinds holds it.
func (v Value) IsContainer() bool {
	switch v.kind {
	case KindArray, KindTable, KindRef, KindClosure:
		return true
	default:
		return false
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindNil:
		return "nil"
	case KindNone:
		return "none"
	case KindBool:
		if v.b {
			return "true"
		}
		return "false"
	case KindChar:
		return string(rune(v.c))
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return formatFloat(v.f)
	case KindString:
		return v.s
	case KindArray:
		return fmt.Sprintf("<array #%d>", v.id)
	case KindTable:
		return fmt.Sprintf("<table #%d>", v.id)
	case KindSome:
		return "Some(" + v.box.String() + ")"
	case KindOk:
		return "Ok(" + v.box.String() + ")"
	case KindErr:
		return "Err(" + v.box.String() + ")"
	case KindRef:
		return fmt.Sprintf("<ref #%d>", v.id)
	case KindWeak:
		return fmt.Sprintf("<weak #%d>", v.id)
	case KindClosure:
		return fmt.Sprintf("<closure #%d>", v.id)
	case KindCoroutine:
		return fmt.Sprintf("<coroutine #%d>", v.id)
	case KindChannel:
		return fmt.Sprintf("<channel #%d>", v.id)
	case KindTypeDesc:
		return "<typedesc " + v.s + ">"
	case KindEnum:
		return v.enum.Name
	default:
		return "<unknown>"
	}
}

// formatFloat follows §4.D's Cast rule for float->string: always show a
// decimal point, "X.0" for whole values.
func formatFloat(f float64) string {
	if math.IsNaN(f) {
		return "nan"
	}
	if math.IsInf(f, 1) {
		return "inf"
	}
	if math.IsInf(f, -1) {
		return "-inf"
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.Contains(s, ".") {
		if i := strings.IndexAny(s, "eE"); i >= 0 {
			s = s[:i] + ".0" + s[i:]
		} else {
			s += ".0"
		}
	}
	return s
}

func isNumeric(v Value) bool { return v.kind == KindInt || v.kind == KindFloat }

// Add implements generic `+`: int+int stays int, any other int/float mix
// promotes to float, two strings concatenate, and every other pairing
// yields Nil. Array concatenation needs heap access and is done by the
// dispatch loop's ConcatArray opcode, not here.
func Add(a, b Value) Value {
	switch {
	case a.kind == KindInt && b.kind == KindInt:
		return Int(a.i + b.i) // wraps on overflow, two's complement (int64)
	case isNumeric(a) && isNumeric(b):
		return Float(numOf(a) + numOf(b))
	case a.kind == KindString && b.kind == KindString:
		return String(a.s + b.s)
	default:
		return Nil
	}
}

func Sub(a, b Value) Value {
	switch {
	case a.kind == KindInt && b.kind == KindInt:
		return Int(a.i - b.i)
	case isNumeric(a) && isNumeric(b):
		return Float(numOf(a) - numOf(b))
	default:
		return Nil
	}
}

func Mul(a, b Value) Value {
	switch {
	case a.kind == KindInt && b.kind == KindInt:
		return Int(a.i * b.i)
	case isNumeric(a) && isNumeric(b):
		return Float(numOf(a) * numOf(b))
	default:
		return Nil
	}
}

// Div implements §4.D: integer division truncates; float division by zero
// follows IEEE754 (inf/-inf/NaN), not a VM-level Nil.
func Div(a, b Value) Value {
	switch {
	case a.kind == KindInt && b.kind == KindInt:
		if b.i == 0 {
			return Nil
		}
		return Int(a.i / b.i)
	case isNumeric(a) && isNumeric(b):
		return Float(numOf(a) / numOf(b))
	default:
		return Nil
	}
}

// Mod implements §4.D: integer modulo follows the sign of the divisor;
// float modulo on a zero divisor yields Nil.
func Mod(a, b Value) Value {
	switch {
	case a.kind == KindInt && b.kind == KindInt:
		if b.i == 0 {
			return Nil
		}
		m := a.i % b.i
		if m != 0 && (m < 0) != (b.i < 0) {
			m += b.i
		}
		return Int(m)
	case isNumeric(a) && isNumeric(b):
		bf := numOf(b)
		if bf == 0 {
			return Nil
		}
		return Float(math.Mod(numOf(a), bf))
	default:
		return Nil
	}
}

func Neg(a Value) Value {
	switch a.kind {
	case KindInt:
		return Int(-a.i)
	case KindFloat:
		return Float(-a.f)
	default:
		return Nil
	}
}

func numOf(v Value) float64 {
	if v.kind == KindInt {
		return float64(v.i)
	}
	return v.f
}

// Equal is a shallow scalar/handle comparison. Array/Table structural
// equality and Weak-target-freed comparisons require heap access and live
// in the heap package; this covers exactly the kinds comparable by value.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		if isNumeric(a) && isNumeric(b) {
			return numOf(a) == numOf(b)
		}
		return false
	}
	switch a.kind {
	case KindNil, KindNone:
		return true
	case KindBool:
		return a.b == b.b
	case KindChar:
		return a.c == b.c
	case KindInt:
		return a.i == b.i
	case KindFloat:
		return a.f == b.f
	case KindString, KindTypeDesc:
		return a.s == b.s
	case KindArray, KindTable, KindRef, KindWeak, KindClosure, KindCoroutine, KindChannel:
		return a.id == b.id
	case KindEnum:
		return a.enum.TypeID == b.enum.TypeID && a.enum.Int == b.enum.Int
	default:
		return false
	}
}

// Less implements numeric and lexicographic ordering; mismatched or
// unorderable kinds return ok=false so the caller can decide the Nil
// fallback appropriate to its opcode.
func Less(a, b Value) (result, ok bool) {
	switch {
	case isNumeric(a) && isNumeric(b):
		return numOf(a) < numOf(b), true
	case a.kind == KindString && b.kind == KindString:
		return a.s < b.s, true
	default:
		return false, false
	}
}

// IsTruthy follows the teacher's convention (nil/false/zero/empty are
// falsy, everything else truthy) generalized to the spec's richer kind
// set; container truthiness (empty array/table) requires heap access and
// is layered on top by the heap/vm packages.
func IsTruthy(v Value) bool {
	switch v.kind {
	case KindNil, KindNone:
		return false
	case KindBool:
		return v.b
	case KindChar:
		return v.c != 0
	case KindInt:
		return v.i != 0
	case KindFloat:
		return v.f != 0
	case KindString:
		return v.s != ""
	default:
		return true
	}
}
