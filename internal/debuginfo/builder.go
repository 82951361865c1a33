// Package debuginfo attaches source level debug descriptors to an IR module
// and renders them as DWARF for compiled objects.
package debuginfo

import (
	"errors"
	"fmt"

	"github.com/tinyrange/sumjit/internal/ir"
)

// DWARF language and base type encodings used by the descriptors.
const (
	LangC   uint16 = 0x0002
	LangC99 uint16 = 0x000c

	EncodingSigned uint8 = 0x05
)

// FlagPrototyped marks a subprogram declared with a prototype.
const FlagPrototyped uint32 = 1 << 8

// ErrFinalized is returned by every Builder call after Finalize.
var ErrFinalized = ir.ErrDebugFinalized

// Builder creates descriptors in the metadata arena of one module.
type Builder struct {
	m         *ir.Module
	cu        ir.MetaID
	finalized bool
}

func NewBuilder(m *ir.Module) *Builder {
	return &Builder{m: m, cu: ir.NoMeta}
}

func (b *Builder) add(n ir.MetaNode) (ir.MetaID, error) {
	if b.finalized {
		return ir.NoMeta, ErrFinalized
	}
	return b.m.AddMeta(n)
}

func (b *Builder) require(id ir.MetaID, kind ir.MetaKind, what string) error {
	if !b.m.ValidMeta(id, kind) {
		return fmt.Errorf("debuginfo: %s must be a %s, got !%d", what, kind, id)
	}
	return nil
}

func (b *Builder) CreateFile(name, directory string) (ir.MetaID, error) {
	if name == "" {
		return ir.NoMeta, errors.New("debuginfo: file name must be non-empty")
	}
	return b.add(ir.MetaNode{Kind: ir.MetaFile, Name: name, Directory: directory, File: ir.NoMeta, Scope: ir.NoMeta, Type: ir.NoMeta, Function: ir.NoFunc})
}

// CreateCompileUnit creates the module's single compile unit.
func (b *Builder) CreateCompileUnit(lang uint16, file ir.MetaID, producer string, optimized bool) (ir.MetaID, error) {
	if b.cu != ir.NoMeta || b.m.CompileUnit() != ir.NoMeta {
		return ir.NoMeta, errors.New("debuginfo: module already has a compile unit")
	}
	if err := b.require(file, ir.MetaFile, "compile unit file"); err != nil {
		return ir.NoMeta, err
	}
	id, err := b.add(ir.MetaNode{
		Kind:      ir.MetaCompileUnit,
		File:      file,
		Language:  lang,
		Producer:  producer,
		Optimized: optimized,
		Scope:     ir.NoMeta,
		Type:      ir.NoMeta,
		Function:  ir.NoFunc,
	})
	if err != nil {
		return ir.NoMeta, err
	}
	b.cu = id
	return id, nil
}

func (b *Builder) CreateBasicType(name string, sizeBits int, encoding uint8) (ir.MetaID, error) {
	if sizeBits <= 0 || sizeBits%8 != 0 {
		return ir.NoMeta, fmt.Errorf("debuginfo: invalid size %d for %s", sizeBits, name)
	}
	return b.add(ir.MetaNode{Kind: ir.MetaBasicType, Name: name, SizeBits: sizeBits, Encoding: encoding, File: ir.NoMeta, Scope: ir.NoMeta, Type: ir.NoMeta, Function: ir.NoFunc})
}

func (b *Builder) CreatePointerType(pointee ir.MetaID, sizeBits int) (ir.MetaID, error) {
	if err := b.require(pointee, ir.MetaBasicType, "pointee"); err != nil {
		return ir.NoMeta, err
	}
	return b.add(ir.MetaNode{Kind: ir.MetaPointerType, Type: pointee, SizeBits: sizeBits, File: ir.NoMeta, Scope: ir.NoMeta, Function: ir.NoFunc})
}

// CreateSubroutineType describes a signature; types[0] is the return type.
func (b *Builder) CreateSubroutineType(types ...ir.MetaID) (ir.MetaID, error) {
	if len(types) == 0 {
		return ir.NoMeta, errors.New("debuginfo: subroutine type needs a return type")
	}
	for _, t := range types {
		if !b.m.ValidMeta(t, ir.MetaBasicType) && !b.m.ValidMeta(t, ir.MetaPointerType) {
			return ir.NoMeta, fmt.Errorf("debuginfo: !%d is not a type", t)
		}
	}
	return b.add(ir.MetaNode{Kind: ir.MetaSubroutineType, Types: types, File: ir.NoMeta, Scope: ir.NoMeta, Type: ir.NoMeta, Function: ir.NoFunc})
}

// CreateFunction creates a Subprogram for fn and attaches it.
func (b *Builder) CreateFunction(fn ir.FuncID, name string, file ir.MetaID, line int, typ ir.MetaID, flags uint32) (ir.MetaID, error) {
	if b.cu == ir.NoMeta {
		return ir.NoMeta, errors.New("debuginfo: create a compile unit first")
	}
	if err := b.require(file, ir.MetaFile, "subprogram file"); err != nil {
		return ir.NoMeta, err
	}
	if err := b.require(typ, ir.MetaSubroutineType, "subprogram type"); err != nil {
		return ir.NoMeta, err
	}
	sp, err := b.add(ir.MetaNode{
		Kind:     ir.MetaSubprogram,
		Name:     name,
		File:     file,
		Line:     line,
		Type:     typ,
		Flags:    flags,
		Scope:    b.cu,
		Function: ir.NoFunc,
	})
	if err != nil {
		return ir.NoMeta, err
	}
	if err := b.m.SetSubprogram(fn, sp); err != nil {
		return ir.NoMeta, err
	}
	return sp, nil
}

// CreateParameterVariable describes parameter argNo (1-based) of sp.
func (b *Builder) CreateParameterVariable(sp ir.MetaID, name string, argNo int, file ir.MetaID, line int, typ ir.MetaID) (ir.MetaID, error) {
	if argNo < 1 {
		return ir.NoMeta, fmt.Errorf("debuginfo: argument number %d of %s must be positive", argNo, name)
	}
	return b.variable(sp, name, argNo, file, line, typ)
}

// CreateAutoVariable describes a local variable of sp.
func (b *Builder) CreateAutoVariable(sp ir.MetaID, name string, file ir.MetaID, line int, typ ir.MetaID) (ir.MetaID, error) {
	return b.variable(sp, name, 0, file, line, typ)
}

func (b *Builder) variable(sp ir.MetaID, name string, argNo int, file ir.MetaID, line int, typ ir.MetaID) (ir.MetaID, error) {
	if err := b.require(sp, ir.MetaSubprogram, "variable scope"); err != nil {
		return ir.NoMeta, err
	}
	if err := b.require(file, ir.MetaFile, "variable file"); err != nil {
		return ir.NoMeta, err
	}
	if !b.m.ValidMeta(typ, ir.MetaBasicType) && !b.m.ValidMeta(typ, ir.MetaPointerType) {
		return ir.NoMeta, fmt.Errorf("debuginfo: !%d is not a type", typ)
	}
	return b.add(ir.MetaNode{
		Kind:     ir.MetaLocalVariable,
		Name:     name,
		ArgNo:    argNo,
		Scope:    sp,
		File:     file,
		Line:     line,
		Type:     typ,
		Function: ir.NoFunc,
	})
}

// InsertDeclare binds slot to variable at the builder's insertion point.
func (b *Builder) InsertDeclare(ib *ir.Builder, slot ir.ValueID, variable ir.MetaID, loc ir.DebugLoc) (ir.ValueID, error) {
	if b.finalized {
		return ir.NoValue, ErrFinalized
	}
	if err := b.require(variable, ir.MetaLocalVariable, "declared variable"); err != nil {
		return ir.NoValue, err
	}
	saved := ib.Location()
	ib.SetLocation(loc)
	id := ib.Declare(slot, variable)
	ib.SetLocation(saved)
	if err := ib.Err(); err != nil {
		return ir.NoValue, err
	}
	return id, nil
}

// Finalize checks the descriptor graph and seals it. It must be called
// exactly once.
func (b *Builder) Finalize() error {
	if b.finalized {
		return ErrFinalized
	}
	for i := 0; i < b.m.MetaCount(); i++ {
		n := b.m.Meta(ir.MetaID(i))
		if n.Kind == ir.MetaSubprogram && n.Function == ir.NoFunc {
			return fmt.Errorf("debuginfo: subprogram %q is not attached to a function", n.Name)
		}
	}
	if err := b.m.SealDebug(); err != nil {
		return err
	}
	b.finalized = true
	return nil
}
