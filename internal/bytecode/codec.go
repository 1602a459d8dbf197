package bytecode

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"slices"
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"

	"github.com/kunitoki/etch/internal/value"
)

// Magic is the four-byte file signature (§6.1 section 1).
var Magic = [4]byte{'E', 'T', 'C', 'H'}

// CurrentVersion is the format version this codec reads and writes.
const CurrentVersion uint32 = 1

// ValueTag identifies a constant's kind in the binary constant pool
// (§6.1 section 9).
type ValueTag byte

const (
	TagNil ValueTag = iota
	TagNone
	TagBool
	TagChar
	TagInt
	TagFloat
	TagString
	TagArray
	TagTable
	TagSome
	TagOk
	TagErr
	TagRef
	TagWeak
	TagClosure
	TagCoroutine
	TagChannel
	TagTypeDesc
	TagEnum
)

// Header is the result of a header-only read (§6.1: "A header-only reader
// exists for cache validation"). It stops after the flags byte.
type Header struct {
	VMType              byte
	Version             uint32
	SourceHash          [32]byte
	CompilerVersionHash [32]byte
	Flags               Flags
}

// ReadHeader reads only sections 1-6 and returns without touching the
// rest of the stream — used by cmd/etchvm to get the cache key hashes
// without paying for a full parse.
func ReadHeader(r io.Reader) (Header, error) {
	var h Header
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return h, errors.Wrap(err, "bytecode: read magic")
	}
	if magic != Magic {
		return h, errors.Errorf("bytecode: bad magic %q", magic)
	}
	var vmType [1]byte
	if _, err := io.ReadFull(r, vmType[:]); err != nil {
		return h, errors.Wrap(err, "bytecode: read vm type")
	}
	h.VMType = vmType[0]

	if err := binary.Read(r, binary.LittleEndian, &h.Version); err != nil {
		return h, errors.Wrap(err, "bytecode: read version")
	}
	if _, err := io.ReadFull(r, h.SourceHash[:]); err != nil {
		return h, errors.Wrap(err, "bytecode: read source hash")
	}
	if _, err := io.ReadFull(r, h.CompilerVersionHash[:]); err != nil {
		return h, errors.Wrap(err, "bytecode: read compiler hash")
	}
	var flagsByte [1]byte
	if _, err := io.ReadFull(r, flagsByte[:]); err != nil {
		return h, errors.Wrap(err, "bytecode: read flags")
	}
	h.Flags = UnpackFlags(flagsByte[0])
	return h, nil
}

// Encode serializes a Program into the §6.1 binary layout.
func Encode(w io.Writer, p *Program) error {
	bw := &byteWriter{w: w}
	bw.write(Magic[:])
	bw.write([]byte{p.VMType})
	bw.writeU32(p.Version)
	bw.write(p.SourceHash[:])
	bw.write(p.CompilerVersionHash[:])
	bw.write([]byte{p.Flags.Pack()})
	bw.writeString(p.SourceFilename)
	bw.writeU32(p.EntryPoint)

	bw.writeU32(uint32(len(p.Constants)))
	for _, c := range p.Constants {
		encodeValue(bw, c)
	}

	bw.writeU32(uint32(len(p.Instructions)))
	for _, ins := range p.Instructions {
		encodeInstruction(bw, ins)
	}

	if len(p.Debug) != len(p.Instructions) {
		return errors.New("bytecode: debug info count must equal instruction count")
	}
	bw.writeU32(uint32(len(p.Debug)))
	for _, d := range p.Debug {
		bw.writeU32(d.Line)
		bw.writeU32(d.Column)
		bw.writeString(d.File)
		bw.writeString(d.Function)
	}

	bw.writeU32(uint32(len(p.Functions)))
	for _, name := range sortedKeys(p.Functions) {
		fn := p.Functions[name]
		bw.writeString(fn.Name)
		bw.writeString(fn.BaseName)
		bw.write([]byte{byte(fn.Kind)})
		bw.writeU32(uint32(len(fn.ParamTypes)))
		for _, t := range fn.ParamTypes {
			bw.writeString(t)
		}
		bw.writeString(fn.ReturnType)
		switch fn.Kind {
		case FuncNative:
			bw.writeU32(fn.StartPC)
			bw.writeU32(fn.EndPC)
			bw.writeU32(fn.MaxRegister)
		case FuncCFFI:
			bw.writeString(fn.Library)
			bw.writeString(fn.LibraryPath)
			bw.writeString(fn.Symbol)
		case FuncHost:
			// no kind-specific tail
		case FuncBuiltin:
			bw.writeU16(fn.BuiltinID)
		}
	}

	bw.writeU32(uint32(len(p.FunctionNames)))
	for _, n := range p.FunctionNames {
		bw.writeString(n)
	}

	bw.writeU32(uint32(len(p.Lifetimes)))
	for _, name := range sortedLifetimeKeys(p.Lifetimes) {
		ranges := p.Lifetimes[name]
		bw.writeString(name)
		bw.writeU32(uint32(len(ranges)))
		for _, r := range ranges {
			bw.writeString(r.VarName)
			bw.write([]byte{r.Register})
			bw.writeU32(r.StartPC)
			bw.writeU32(r.EndPC)
			bw.writeU32(r.DefPC)
			bw.writeU32(r.LastUsePC)
			bw.writeU32(r.ScopeLevel)
			bw.writeU32(uint32(len(r.PCToVariables)))
			for _, pc := range sortedU32Keys(r.PCToVariables) {
				bw.writeU32(pc)
				vars := r.PCToVariables[pc]
				bw.writeU32(uint32(len(vars)))
				for _, v := range vars {
					bw.writeString(v)
				}
			}
			bw.writeU32(uint32(len(r.DestructorPCs)))
			for _, pc := range sortedBoolKeys(r.DestructorPCs) {
				bw.writeU32(pc)
			}
		}
	}

	bw.writeU32(uint32(len(p.VariableMaps)))
	for _, name := range sortedVarMapKeys(p.VariableMaps) {
		vm := p.VariableMaps[name]
		bw.writeString(vm.Name)
		bw.writeU32(uint32(len(vm.Variables)))
		for _, vn := range sortedStrU8Keys(vm.Variables) {
			bw.writeString(vn)
			bw.write([]byte{vm.Variables[vn]})
		}
	}

	return bw.err
}

// Decode deserializes a Program from the §6.1 binary layout, enforcing
// every load-time invariant in §7 (bad magic, version mismatch, corrupt
// tag, debug/instruction count mismatch are fatal load errors).
func Decode(r io.Reader) (*Program, error) {
	br := &byteReader{r: r}

	var magic [4]byte
	br.read(magic[:])
	if br.err == nil && magic != Magic {
		return nil, errors.Errorf("bytecode: bad magic %q", magic)
	}

	p := New()
	p.VMType = br.readByte()
	p.Version = br.readU32()
	if br.err == nil && p.Version != CurrentVersion {
		return nil, errors.Errorf("bytecode: version mismatch: file=%d supported=%d", p.Version, CurrentVersion)
	}
	br.read(p.SourceHash[:])
	br.read(p.CompilerVersionHash[:])
	p.Flags = UnpackFlags(br.readByte())
	p.SourceFilename = br.readString()
	p.EntryPoint = br.readU32()

	nConst := br.readU32()
	p.Constants = make([]value.Value, nConst)
	for i := range p.Constants {
		p.Constants[i] = decodeValue(br)
	}

	nInstr := br.readU32()
	p.Instructions = make([]Instruction, nInstr)
	for i := range p.Instructions {
		p.Instructions[i] = decodeInstruction(br)
	}

	nDebug := br.readU32()
	if br.err == nil && nDebug != nInstr {
		return nil, errors.Errorf("bytecode: debug info count %d does not match instruction count %d", nDebug, nInstr)
	}
	p.Debug = make([]DebugInfo, nDebug)
	for i := range p.Debug {
		p.Debug[i] = DebugInfo{
			Line:     br.readU32(),
			Column:   br.readU32(),
			File:     br.readString(),
			Function: br.readString(),
		}
	}

	nFuncs := br.readU32()
	for i := uint32(0); i < nFuncs; i++ {
		fn := &FunctionEntry{}
		fn.Name = br.readString()
		fn.BaseName = br.readString()
		fn.Kind = FunctionKind(br.readByte())
		nParams := br.readU32()
		fn.ParamTypes = make([]string, nParams)
		for j := range fn.ParamTypes {
			fn.ParamTypes[j] = br.readString()
		}
		fn.ReturnType = br.readString()
		switch fn.Kind {
		case FuncNative:
			fn.StartPC = br.readU32()
			fn.EndPC = br.readU32()
			fn.MaxRegister = br.readU32()
		case FuncCFFI:
			fn.Library = br.readString()
			fn.LibraryPath = br.readString()
			fn.Symbol = br.readString()
		case FuncHost:
		case FuncBuiltin:
			fn.BuiltinID = br.readU16()
		default:
			if br.err == nil {
				return nil, errors.Errorf("bytecode: unknown function kind %d", fn.Kind)
			}
		}
		p.Functions[fn.Name] = fn
	}

	nNames := br.readU32()
	p.FunctionNames = make([]string, nNames)
	for i := range p.FunctionNames {
		p.FunctionNames[i] = br.readString()
	}

	nLifetimes := br.readU32()
	for i := uint32(0); i < nLifetimes; i++ {
		name := br.readString()
		nRanges := br.readU32()
		ranges := make([]VarRange, nRanges)
		for j := range ranges {
			r := VarRange{}
			r.VarName = br.readString()
			r.Register = br.readByte()
			r.StartPC = br.readU32()
			r.EndPC = br.readU32()
			r.DefPC = br.readU32()
			r.LastUsePC = br.readU32()
			r.ScopeLevel = br.readU32()
			nPCs := br.readU32()
			r.PCToVariables = make(map[uint32][]string, nPCs)
			for k := uint32(0); k < nPCs; k++ {
				pc := br.readU32()
				nVars := br.readU32()
				vars := make([]string, nVars)
				for v := range vars {
					vars[v] = br.readString()
				}
				r.PCToVariables[pc] = vars
			}
			nDtor := br.readU32()
			r.DestructorPCs = make(map[uint32]bool, nDtor)
			for k := uint32(0); k < nDtor; k++ {
				r.DestructorPCs[br.readU32()] = true
			}
			ranges[j] = r
		}
		p.Lifetimes[name] = ranges
	}

	nVarMaps := br.readU32()
	for i := uint32(0); i < nVarMaps; i++ {
		name := br.readString()
		count := br.readU32()
		vm := VariableMap{Name: name, Variables: make(map[string]uint8, count)}
		for j := uint32(0); j < count; j++ {
			vn := br.readString()
			vm.Variables[vn] = br.readByte()
		}
		p.VariableMaps[name] = vm
	}

	if br.err != nil {
		return nil, errors.Wrap(br.err, "bytecode: decode")
	}
	return p, nil
}

func encodeInstruction(bw *byteWriter, ins Instruction) {
	bw.write([]byte{byte(ins.Op), ins.A, byte(FormatOf(ins.Op))})
	switch FormatOf(ins.Op) {
	case FormatABC:
		bw.write([]byte{ins.B, ins.C})
	case FormatABx:
		bw.writeU16(ins.Bx)
	case FormatAsBx:
		bw.writeU16(uint16(ins.SBx))
	case FormatAx:
		bw.writeU32(ins.Ax)
	case FormatCall:
		bw.writeU16(ins.FuncIdx)
		bw.write([]byte{ins.NumArgs, ins.NumResults})
	}
}

func decodeInstruction(br *byteReader) Instruction {
	op := OpCode(br.readByte())
	a := br.readByte()
	format := Format(br.readByte())
	ins := Instruction{Op: op, A: a}
	switch format {
	case FormatABC:
		ins.B = br.readByte()
		ins.C = br.readByte()
	case FormatABx:
		ins.Bx = br.readU16()
	case FormatAsBx:
		ins.SBx = int16(br.readU16())
	case FormatAx:
		ins.Ax = br.readU32()
	case FormatCall:
		ins.FuncIdx = br.readU16()
		ins.NumArgs = br.readByte()
		ins.NumResults = br.readByte()
	}
	return ins
}

func encodeValue(bw *byteWriter, v value.Value) {
	switch v.Kind() {
	case value.KindNil:
		bw.write([]byte{byte(TagNil)})
	case value.KindNone:
		bw.write([]byte{byte(TagNone)})
	case value.KindBool:
		b := byte(0)
		if v.AsBool() {
			b = 1
		}
		bw.write([]byte{byte(TagBool), b})
	case value.KindChar:
		bw.write([]byte{byte(TagChar), v.AsChar()})
	case value.KindInt:
		bw.write([]byte{byte(TagInt)})
		bw.writeU64(uint64(v.AsInt()))
	case value.KindFloat:
		bw.write([]byte{byte(TagFloat)})
		bw.writeU64(floatBits(v.AsFloat()))
	case value.KindString:
		bw.write([]byte{byte(TagString)})
		bw.writeString(v.AsString())
	case value.KindRef:
		bw.write([]byte{byte(TagRef)})
		bw.writeU32(uint32(v.HeapID()))
	case value.KindWeak:
		bw.write([]byte{byte(TagWeak)})
		bw.writeU32(uint32(v.HeapID()))
	case value.KindClosure:
		bw.write([]byte{byte(TagClosure)})
		bw.writeU32(uint32(v.HeapID()))
	case value.KindCoroutine:
		bw.write([]byte{byte(TagCoroutine)})
		bw.writeU32(uint32(v.HeapID()))
	case value.KindChannel:
		bw.write([]byte{byte(TagChannel)})
		bw.writeU32(uint32(v.HeapID()))
	case value.KindTypeDesc:
		bw.write([]byte{byte(TagTypeDesc)})
		bw.writeString(v.AsTypeDesc())
	case value.KindEnum:
		e := v.AsEnum()
		bw.write([]byte{byte(TagEnum)})
		bw.writeU32(uint32(e.TypeID))
		bw.writeU64(uint64(e.Int))
		bw.writeString(e.Name)
	case value.KindSome:
		bw.write([]byte{byte(TagSome)})
		encodeValue(bw, v.Unbox())
	case value.KindOk:
		bw.write([]byte{byte(TagOk)})
		encodeValue(bw, v.Unbox())
	case value.KindErr:
		bw.write([]byte{byte(TagErr)})
		encodeValue(bw, v.Unbox())
	default:
		bw.err = fmt.Errorf("bytecode: constant pool cannot hold Array/Table literals directly; kind=%s", v.Kind())
	}
}

func decodeValue(br *byteReader) value.Value {
	tag := ValueTag(br.readByte())
	switch tag {
	case TagNil:
		return value.Nil
	case TagNone:
		return value.None()
	case TagBool:
		return value.Bool(br.readByte() != 0)
	case TagChar:
		return value.Char(br.readByte())
	case TagInt:
		return value.Int(int64(br.readU64()))
	case TagFloat:
		return value.Float(floatFromBits(br.readU64()))
	case TagString:
		return value.String(br.readString())
	case TagRef:
		return value.Ref(int32(br.readU32()))
	case TagWeak:
		return value.Weak(int32(br.readU32()))
	case TagClosure:
		return value.Closure(int32(br.readU32()))
	case TagCoroutine:
		return value.Coroutine(int32(br.readU32()))
	case TagChannel:
		return value.Channel(int32(br.readU32()))
	case TagTypeDesc:
		return value.TypeDesc(br.readString())
	case TagEnum:
		typeID := int32(br.readU32())
		n := int64(br.readU64())
		name := br.readString()
		return value.EnumVal(value.Enum{TypeID: typeID, Int: n, Name: name})
	case TagSome:
		return value.Some(decodeValue(br))
	case TagOk:
		return value.Ok(decodeValue(br))
	case TagErr:
		return value.Err(decodeValue(br))
	default:
		if br.err == nil {
			br.err = errors.Errorf("bytecode: corrupt constant tag %d", tag)
		}
		return value.Nil
	}
}

// ComputeSourceHash and ComputeCompilerHash fill the header's two 32-byte
// identity fields (§6.1 sections 4-5). blake2b-256 gives exactly 32 bytes
// with no truncation/padding step, unlike sha256's equal-size-but-
// different-algorithm output — picked because it is already the pack's
// `golang.org/x/crypto` dependency surface (domain stack #4).
func ComputeSourceHash(source []byte) [32]byte {
	return blake2b.Sum256(source)
}

func ComputeCompilerHash(version string) [32]byte {
	return blake2b.Sum256([]byte(version))
}

func floatBits(f float64) uint64     { return math.Float64bits(f) }
func floatFromBits(b uint64) float64 { return math.Float64frombits(b) }

// --- small encode/decode helpers ---

type byteWriter struct {
	w   io.Writer
	err error
}

func (bw *byteWriter) write(b []byte) {
	if bw.err != nil {
		return
	}
	_, bw.err = bw.w.Write(b)
}

func (bw *byteWriter) writeU16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	bw.write(b[:])
}

func (bw *byteWriter) writeU32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	bw.write(b[:])
}

func (bw *byteWriter) writeU64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	bw.write(b[:])
}

func (bw *byteWriter) writeString(s string) {
	bw.writeU32(uint32(len(s)))
	bw.write([]byte(s))
}

type byteReader struct {
	r   io.Reader
	err error
}

func (br *byteReader) read(b []byte) {
	if br.err != nil {
		return
	}
	_, br.err = io.ReadFull(br.r, b)
}

func (br *byteReader) readByte() byte {
	var b [1]byte
	br.read(b[:])
	return b[0]
}

func (br *byteReader) readU16() uint16 {
	var b [2]byte
	br.read(b[:])
	return binary.LittleEndian.Uint16(b[:])
}

func (br *byteReader) readU32() uint32 {
	var b [4]byte
	br.read(b[:])
	return binary.LittleEndian.Uint32(b[:])
}

func (br *byteReader) readU64() uint64 {
	var b [8]byte
	br.read(b[:])
	return binary.LittleEndian.Uint64(b[:])
}

func (br *byteReader) readString() string {
	n := br.readU32()
	if br.err != nil || n == 0 {
		return ""
	}
	buf := make([]byte, n)
	br.read(buf)
	return string(buf)
}

// sortedKeys/sortedLifetimeKeys/... give the encoder a deterministic
// iteration order over maps so Encode(Decode(p)) round-trips byte-for-
// byte (§8 invariant 5), without requiring Program to carry parallel
// ordered slices purely for serialization.

func sortedKeys(m map[string]*FunctionEntry) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedLifetimeKeys(m map[string][]VarRange) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedVarMapKeys(m map[string]VariableMap) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedStrU8Keys(m map[string]uint8) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedU32Keys(m map[uint32][]string) []uint32 {
	keys := make([]uint32, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func sortedBoolKeys(m map[uint32]bool) []uint32 {
	keys := make([]uint32, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}


