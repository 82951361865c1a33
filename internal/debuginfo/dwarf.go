package debuginfo

import (
	"bytes"
	"debug/dwarf"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tinyrange/sumjit/internal/ir"
	"github.com/tinyrange/sumjit/internal/object"
)

// ErrNoCompileUnit is returned by EmitDWARF for modules without debug
// descriptors.
var ErrNoCompileUnit = errors.New("debuginfo: module has no compile unit")

// Sections holds the encoded DWARF v4 sections of one compiled module.
type Sections struct {
	Abbrev []byte
	Info   []byte
	Line   []byte
	Str    []byte
}

// ELF returns the sections named as they appear in an object file.
func (s Sections) ELF() []object.Section {
	return []object.Section{
		{Name: ".debug_abbrev", Data: s.Abbrev},
		{Name: ".debug_info", Data: s.Info},
		{Name: ".debug_line", Data: s.Line},
		{Name: ".debug_str", Data: s.Str},
	}
}

// Data parses the sections with the standard reader.
func (s Sections) Data() (*dwarf.Data, error) {
	return dwarf.New(s.Abbrev, nil, nil, s.Info, s.Line, nil, nil, s.Str)
}

const (
	dwarfVersion = 4
	addressSize  = 8
	cuHeaderSize = 11

	formAddr        = 0x01
	formData1       = 0x0b
	formData2       = 0x05
	formData4       = 0x06
	formData8       = 0x07
	formFlag        = 0x0c
	formFlagPresent = 0x19
	formStrp        = 0x0e
	formRef4        = 0x13
	formSecOffset   = 0x17
	formExprloc     = 0x18

	opFbreg = 0x91
	opReg6  = 0x56 // rbp

	lnsCopy        = 1
	lnsAdvancePC   = 2
	lnsAdvanceLine = 3
	lnsSetFile     = 4
	lnsSetColumn   = 5
	lneEndSequence = 1
	lneSetAddress  = 2

	lineBase   = -5
	lineRange  = 14
	opcodeBase = 13
)

const (
	abbrevCompileUnit = iota + 1
	abbrevBaseType
	abbrevPointerType
	abbrevSubprogram
	abbrevParameter
	abbrevVariable
)

type attrSpec struct {
	attr dwarf.Attr
	form uint64
}

type abbrev struct {
	code     uint64
	tag      dwarf.Tag
	children bool
	attrs    []attrSpec
}

var abbrevs = []abbrev{
	{abbrevCompileUnit, dwarf.TagCompileUnit, true, []attrSpec{
		{dwarf.AttrProducer, formStrp},
		{dwarf.AttrLanguage, formData2},
		{dwarf.AttrName, formStrp},
		{dwarf.AttrCompDir, formStrp},
		{dwarf.AttrLowpc, formAddr},
		{dwarf.AttrHighpc, formData8},
		{dwarf.AttrStmtList, formSecOffset},
	}},
	{abbrevBaseType, dwarf.TagBaseType, false, []attrSpec{
		{dwarf.AttrName, formStrp},
		{dwarf.AttrEncoding, formData1},
		{dwarf.AttrByteSize, formData1},
	}},
	{abbrevPointerType, dwarf.TagPointerType, false, []attrSpec{
		{dwarf.AttrByteSize, formData1},
		{dwarf.AttrType, formRef4},
	}},
	{abbrevSubprogram, dwarf.TagSubprogram, true, []attrSpec{
		{dwarf.AttrName, formStrp},
		{dwarf.AttrDeclFile, formData1},
		{dwarf.AttrDeclLine, formData4},
		{dwarf.AttrPrototyped, formFlag},
		{dwarf.AttrExternal, formFlag},
		{dwarf.AttrType, formRef4},
		{dwarf.AttrLowpc, formAddr},
		{dwarf.AttrHighpc, formData8},
		{dwarf.AttrFrameBase, formExprloc},
	}},
	{abbrevParameter, dwarf.TagFormalParameter, false, variableAttrs},
	{abbrevVariable, dwarf.TagVariable, false, variableAttrs},
}

var variableAttrs = []attrSpec{
	{dwarf.AttrName, formStrp},
	{dwarf.AttrDeclFile, formData1},
	{dwarf.AttrDeclLine, formData4},
	{dwarf.AttrType, formRef4},
	{dwarf.AttrLocation, formExprloc},
}

func encodeAbbrevs() []byte {
	var buf bytes.Buffer
	for _, a := range abbrevs {
		writeULEB(&buf, a.code)
		writeULEB(&buf, uint64(a.tag))
		if a.children {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		for _, s := range a.attrs {
			writeULEB(&buf, uint64(s.attr))
			writeULEB(&buf, s.form)
		}
		buf.WriteByte(0)
		buf.WriteByte(0)
	}
	buf.WriteByte(0)
	return buf.Bytes()
}

type emitter struct {
	m    *ir.Module
	obj  *ir.Object
	base uint64

	str     bytes.Buffer
	strings map[string]uint32

	// files maps File nodes to their 1-based line table index.
	files     map[ir.MetaID]int
	fileOrder []ir.MetaID
	dirs      []string

	types map[ir.MetaID]uint32
}

// EmitDWARF describes the compiled functions of m. Addresses are base plus
// the code offsets in obj; use zero for an object that has not been placed.
func EmitDWARF(m *ir.Module, obj *ir.Object, base uint64) (Sections, error) {
	cuID := m.CompileUnit()
	if cuID == ir.NoMeta {
		return Sections{}, ErrNoCompileUnit
	}
	if !m.DebugSealed() {
		return Sections{}, errors.New("debuginfo: metadata must be finalized before emission")
	}
	e := &emitter{
		m:       m,
		obj:     obj,
		base:    base,
		strings: make(map[string]uint32),
		files:   make(map[ir.MetaID]int),
		types:   make(map[ir.MetaID]uint32),
	}
	for i := 0; i < m.MetaCount(); i++ {
		if m.Meta(ir.MetaID(i)).Kind == ir.MetaFile {
			e.addFile(ir.MetaID(i))
		}
	}
	line, err := e.lineProgram()
	if err != nil {
		return Sections{}, err
	}
	info, err := e.info(cuID)
	if err != nil {
		return Sections{}, err
	}
	return Sections{
		Abbrev: encodeAbbrevs(),
		Info:   info,
		Line:   line,
		Str:    e.str.Bytes(),
	}, nil
}

func (e *emitter) strp(s string) uint32 {
	if off, ok := e.strings[s]; ok {
		return off
	}
	off := uint32(e.str.Len())
	e.str.WriteString(s)
	e.str.WriteByte(0)
	e.strings[s] = off
	return off
}

func (e *emitter) addFile(id ir.MetaID) {
	e.fileOrder = append(e.fileOrder, id)
	e.files[id] = len(e.fileOrder)
	dir := e.m.Meta(id).Directory
	if dir == "" {
		return
	}
	for _, d := range e.dirs {
		if d == dir {
			return
		}
	}
	e.dirs = append(e.dirs, dir)
}

func (e *emitter) dirIndex(dir string) uint64 {
	for i, d := range e.dirs {
		if d == dir {
			return uint64(i + 1)
		}
	}
	return 0
}

// codeRange covers every symbol that has a subprogram.
func (e *emitter) codeRange() (lo, hi uint64) {
	first := true
	for _, s := range e.obj.Symbols {
		start, end := uint64(s.Offset), uint64(s.Offset+s.Size)
		if first || start < lo {
			lo = start
		}
		if first || end > hi {
			hi = end
		}
		first = false
	}
	return e.base + lo, e.base + hi
}

func (e *emitter) info(cuID ir.MetaID) ([]byte, error) {
	cu := e.m.Meta(cuID)
	file := e.m.Meta(cu.File)
	var body bytes.Buffer
	off := func() uint32 { return uint32(cuHeaderSize + body.Len()) }

	lo, hi := e.codeRange()
	writeULEB(&body, abbrevCompileUnit)
	writeU32(&body, e.strp(cu.Producer))
	writeU16(&body, cu.Language)
	writeU32(&body, e.strp(file.Name))
	writeU32(&body, e.strp(file.Directory))
	writeU64(&body, lo)
	writeU64(&body, hi-lo)
	writeU32(&body, 0) // the only line program

	// Base types first so pointers and subprograms refer backwards.
	for i := 0; i < e.m.MetaCount(); i++ {
		n := e.m.Meta(ir.MetaID(i))
		if n.Kind != ir.MetaBasicType {
			continue
		}
		e.types[ir.MetaID(i)] = off()
		writeULEB(&body, abbrevBaseType)
		writeU32(&body, e.strp(n.Name))
		body.WriteByte(n.Encoding)
		body.WriteByte(byte(n.SizeBits / 8))
	}
	for i := 0; i < e.m.MetaCount(); i++ {
		n := e.m.Meta(ir.MetaID(i))
		if n.Kind != ir.MetaPointerType {
			continue
		}
		e.types[ir.MetaID(i)] = off()
		writeULEB(&body, abbrevPointerType)
		body.WriteByte(byte(n.SizeBits / 8))
		writeU32(&body, e.types[n.Type])
	}

	for _, sym := range e.obj.Symbols {
		spID := e.m.Subprogram(sym.Func)
		if spID == ir.NoMeta {
			continue
		}
		if err := e.subprogram(&body, spID, sym); err != nil {
			return nil, err
		}
	}
	body.WriteByte(0)

	var out bytes.Buffer
	writeU32(&out, uint32(body.Len()+cuHeaderSize-4))
	writeU16(&out, dwarfVersion)
	writeU32(&out, 0)
	out.WriteByte(addressSize)
	out.Write(body.Bytes())
	return out.Bytes(), nil
}

func (e *emitter) typeRef(id ir.MetaID) (uint32, error) {
	off, ok := e.types[id]
	if !ok {
		return 0, fmt.Errorf("debuginfo: !%d is not an emitted type", id)
	}
	return off, nil
}

func (e *emitter) subprogram(body *bytes.Buffer, spID ir.MetaID, sym ir.ObjectSymbol) error {
	sp := e.m.Meta(spID)
	sig := e.m.Meta(sp.Type)
	ret, err := e.typeRef(sig.Types[0])
	if err != nil {
		return err
	}
	writeULEB(body, abbrevSubprogram)
	writeU32(body, e.strp(sp.Name))
	body.WriteByte(byte(e.files[sp.File]))
	writeU32(body, uint32(sp.Line))
	body.WriteByte(boolByte(sp.Flags&FlagPrototyped != 0))
	body.WriteByte(boolByte(sym.Exported))
	writeU32(body, ret)
	writeU64(body, e.base+uint64(sym.Offset))
	writeU64(body, uint64(sym.Size))
	writeULEB(body, 1)
	body.WriteByte(opReg6)

	slots := e.declaredSlots(sym.Func)
	// Parameters come first in argument order, then locals by creation.
	var params, locals []ir.MetaID
	for i := 0; i < e.m.MetaCount(); i++ {
		n := e.m.Meta(ir.MetaID(i))
		if n.Kind != ir.MetaLocalVariable || n.Scope != spID {
			continue
		}
		if n.ArgNo > 0 {
			params = append(params, ir.MetaID(i))
		} else {
			locals = append(locals, ir.MetaID(i))
		}
	}
	sortByArg(e.m, params)
	for _, group := range []struct {
		code uint64
		vars []ir.MetaID
	}{{abbrevParameter, params}, {abbrevVariable, locals}} {
		for _, id := range group.vars {
			v := e.m.Meta(id)
			typ, err := e.typeRef(v.Type)
			if err != nil {
				return err
			}
			writeULEB(body, group.code)
			writeU32(body, e.strp(v.Name))
			body.WriteByte(byte(e.files[v.File]))
			writeU32(body, uint32(v.Line))
			writeU32(body, typ)
			if off, ok := slots[id]; ok {
				var expr bytes.Buffer
				expr.WriteByte(opFbreg)
				writeSLEB(&expr, int64(off))
				writeULEB(body, uint64(expr.Len()))
				body.Write(expr.Bytes())
			} else {
				// Optimized out.
				writeULEB(body, 0)
			}
		}
	}
	body.WriteByte(0)
	return nil
}

// declaredSlots maps variables to the frame offset of the slot a declare
// binds them to.
func (e *emitter) declaredSlots(fn ir.FuncID) map[ir.MetaID]int32 {
	out := make(map[ir.MetaID]int32)
	for _, b := range e.m.Blocks(fn) {
		for _, inst := range e.m.Instructions(b) {
			v := e.m.Value(inst)
			if v.Op != ir.OpDeclare || len(v.Operands) == 0 {
				continue
			}
			if off, ok := e.obj.FrameSlots[v.Operands[0]]; ok {
				out[v.Var] = off
			}
		}
	}
	return out
}

func sortByArg(m *ir.Module, ids []ir.MetaID) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && m.Meta(ids[j]).ArgNo < m.Meta(ids[j-1]).ArgNo; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
}

func (e *emitter) lineProgram() ([]byte, error) {
	var hdr bytes.Buffer
	hdr.WriteByte(1) // minimum_instruction_length
	hdr.WriteByte(1) // maximum_operations_per_instruction
	hdr.WriteByte(1) // default_is_stmt
	hdr.WriteByte(byte(lineBase & 0xff))
	hdr.WriteByte(lineRange)
	hdr.WriteByte(opcodeBase)
	hdr.Write([]byte{0, 1, 1, 1, 1, 0, 0, 0, 1, 0, 0, 1})
	for _, d := range e.dirs {
		hdr.WriteString(d)
		hdr.WriteByte(0)
	}
	hdr.WriteByte(0)
	for _, id := range e.fileOrder {
		f := e.m.Meta(id)
		hdr.WriteString(f.Name)
		hdr.WriteByte(0)
		writeULEB(&hdr, e.dirIndex(f.Directory))
		writeULEB(&hdr, 0)
		writeULEB(&hdr, 0)
	}
	hdr.WriteByte(0)

	var prog bytes.Buffer
	for _, sym := range e.obj.Symbols {
		spID := e.m.Subprogram(sym.Func)
		if spID == ir.NoMeta {
			continue
		}
		if err := e.sequence(&prog, spID, sym); err != nil {
			return nil, err
		}
	}

	var out bytes.Buffer
	writeU32(&out, uint32(2+4+hdr.Len()+prog.Len()))
	writeU16(&out, dwarfVersion)
	writeU32(&out, uint32(hdr.Len()))
	out.Write(hdr.Bytes())
	out.Write(prog.Bytes())
	return out.Bytes(), nil
}

// sequence writes the rows of one function: its declaration line at the
// entry, then one row per located instruction.
func (e *emitter) sequence(prog *bytes.Buffer, spID ir.MetaID, sym ir.ObjectSymbol) error {
	sp := e.m.Meta(spID)
	start := uint64(sym.Offset)
	end := start + uint64(sym.Size)

	prog.WriteByte(0)
	writeULEB(prog, 1+addressSize)
	prog.WriteByte(lneSetAddress)
	writeU64(prog, e.base+start)

	addr, line, file, col := start, 1, 1, 0
	row := func(at uint64, f, l, c int) error {
		if at < addr || at > end {
			return fmt.Errorf("debuginfo: line entry %#x outside %s", at, sym.Name)
		}
		if f != file {
			prog.WriteByte(lnsSetFile)
			writeULEB(prog, uint64(f))
			file = f
		}
		if c != col {
			prog.WriteByte(lnsSetColumn)
			writeULEB(prog, uint64(c))
			col = c
		}
		if l != line {
			prog.WriteByte(lnsAdvanceLine)
			writeSLEB(prog, int64(l-line))
			line = l
		}
		if at != addr {
			prog.WriteByte(lnsAdvancePC)
			writeULEB(prog, at-addr)
			addr = at
		}
		prog.WriteByte(lnsCopy)
		return nil
	}

	first := true
	for _, entry := range e.obj.Lines {
		if entry.Func != sym.Func {
			continue
		}
		at := uint64(entry.Offset)
		if first && at != start {
			if err := row(start, e.files[sp.File], sp.Line, 0); err != nil {
				return err
			}
		}
		first = false
		f := sp.File
		if scope := entry.Loc.Scope; scope != ir.NoMeta && e.m.ValidMeta(scope, ir.MetaSubprogram) {
			f = e.m.Meta(scope).File
		}
		if err := row(at, e.files[f], entry.Loc.Line, entry.Loc.Col); err != nil {
			return err
		}
	}
	if first {
		if err := row(start, e.files[sp.File], sp.Line, 0); err != nil {
			return err
		}
	}
	if end > addr {
		prog.WriteByte(lnsAdvancePC)
		writeULEB(prog, end-addr)
	}
	prog.WriteByte(0)
	writeULEB(prog, 1)
	prog.WriteByte(lneEndSequence)
	return nil
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeULEB(buf *bytes.Buffer, v uint64) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		buf.WriteByte(b)
		if v == 0 {
			return
		}
	}
}

func writeSLEB(buf *bytes.Buffer, v int64) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0)
		if !done {
			b |= 0x80
		}
		buf.WriteByte(b)
		if done {
			return
		}
	}
}
