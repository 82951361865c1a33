package ir

import "fmt"

// MetaKind distinguishes debug metadata nodes.
type MetaKind uint8

const (
	MetaFile MetaKind = iota + 1
	MetaCompileUnit
	MetaBasicType
	MetaPointerType
	MetaSubroutineType
	MetaSubprogram
	MetaLocalVariable
)

var metaKindNames = map[MetaKind]string{
	MetaFile:           "DIFile",
	MetaCompileUnit:    "DICompileUnit",
	MetaBasicType:      "DIBasicType",
	MetaPointerType:    "DIDerivedType",
	MetaSubroutineType: "DISubroutineType",
	MetaSubprogram:     "DISubprogram",
	MetaLocalVariable:  "DILocalVariable",
}

func (k MetaKind) String() string {
	if s, ok := metaKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("meta(%d)", uint8(k))
}

// MetaNode is one debug descriptor. Fields are used according to Kind.
type MetaNode struct {
	Kind MetaKind
	Name string

	// Directory of a File.
	Directory string
	// File the node is declared in.
	File MetaID
	Line int
	// Scope is the enclosing Subprogram of a variable, or the compile unit
	// of a subprogram.
	Scope MetaID
	// Type of a variable or subprogram, pointee of a pointer type.
	Type MetaID
	// Types of a subroutine: return type first, then parameters.
	Types []MetaID

	SizeBits int
	Encoding uint8
	// ArgNo is the 1-based parameter number of a parameter variable.
	ArgNo int

	Producer  string
	Language  uint16
	Optimized bool
	Flags     uint32

	// Function is the IR function a subprogram describes.
	Function FuncID
}

// AddMeta appends a metadata node and returns its handle.
func (m *Module) AddMeta(n MetaNode) (MetaID, error) {
	if m.debugSealed {
		return NoMeta, ErrDebugFinalized
	}
	if n.Kind < MetaFile || n.Kind > MetaLocalVariable {
		return NoMeta, fmt.Errorf("ir: unknown metadata kind %d", n.Kind)
	}
	id := MetaID(len(m.meta))
	n.Types = append([]MetaID(nil), n.Types...)
	m.meta = append(m.meta, n)
	return id, nil
}

// Meta returns a copy of node id.
func (m *Module) Meta(id MetaID) MetaNode {
	n := m.meta[id]
	n.Types = append([]MetaID(nil), n.Types...)
	return n
}

// MetaCount is the number of metadata nodes.
func (m *Module) MetaCount() int { return len(m.meta) }

// ValidMeta reports whether id names a node of the given kind.
func (m *Module) ValidMeta(id MetaID, kind MetaKind) bool {
	return id >= 0 && int(id) < len(m.meta) && m.meta[id].Kind == kind
}

// HasDebugInfo reports whether the module carries a compile unit.
func (m *Module) HasDebugInfo() bool {
	for _, n := range m.meta {
		if n.Kind == MetaCompileUnit {
			return true
		}
	}
	return false
}

// CompileUnit returns the first compile unit, or NoMeta.
func (m *Module) CompileUnit() MetaID {
	for i, n := range m.meta {
		if n.Kind == MetaCompileUnit {
			return MetaID(i)
		}
	}
	return NoMeta
}

// SetSubprogram attaches a Subprogram descriptor to f.
func (m *Module) SetSubprogram(f FuncID, sp MetaID) error {
	if m.debugSealed {
		return ErrDebugFinalized
	}
	if !m.validFunc(f) {
		return fmt.Errorf("ir: invalid function handle %d", f)
	}
	if !m.ValidMeta(sp, MetaSubprogram) {
		return fmt.Errorf("ir: metadata %d is not a subprogram", sp)
	}
	m.funcs[f].subprogram = sp
	m.meta[sp].Function = f
	return nil
}

// SealDebug closes the metadata graph. It may run once.
func (m *Module) SealDebug() error {
	if m.debugSealed {
		return ErrDebugFinalized
	}
	m.debugSealed = true
	return nil
}

func (m *Module) DebugSealed() bool { return m.debugSealed }
