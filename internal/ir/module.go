// Package ir is a small typed SSA intermediate representation. A Module is
// an arena: functions, blocks, values and debug metadata live in slices and
// reference each other through integer handles, never through pointers.
package ir

import (
	"errors"
	"fmt"
)

type (
	FuncID  int32
	BlockID int32
	ValueID int32
	MetaID  int32
)

const (
	NoFunc  FuncID  = -1
	NoBlock BlockID = -1
	NoValue ValueID = -1
	NoMeta  MetaID  = -1
)

var (
	// ErrSealed is returned by construction calls on a module that has been
	// handed over to an engine.
	ErrSealed = errors.New("ir: module is sealed")
	// ErrDebugFinalized is returned when adding metadata after finalization.
	ErrDebugFinalized = errors.New("ir: debug metadata already finalized")
)

// DebugLoc is a source position. The zero value is the explicit "no
// location" used for prologue code.
type DebugLoc struct {
	Line  int
	Col   int
	Scope MetaID
}

// Valid reports whether l carries a location.
func (l DebugLoc) Valid() bool {
	return l.Line > 0
}

// Value is one node of the graph: a parameter, constant or instruction.
// Accessors hand out copies; mutate through Module methods.
type Value struct {
	ID    ValueID
	Op    Opcode
	Type  Type
	Name  string
	Func  FuncID
	Block BlockID

	// Operands are value inputs. For phis they pair with Targets.
	Operands []ValueID
	// Targets are branch destinations, or phi incoming blocks.
	Targets []BlockID

	Pred Predicate
	// Imm is the constant of OpConst and the index of OpParam.
	Imm int64
	// Elem is the element type of alloca, load and getelementptr.
	Elem Type
	NSW  bool
	// Var is the LocalVariable bound by a declare.
	Var MetaID
	Loc DebugLoc

	dead bool
}

// Incoming is one (value, predecessor) pair of a phi.
type Incoming struct {
	Value ValueID
	Block BlockID
}

// Param describes a function parameter.
type Param struct {
	Name string
	Type Type
}

type funcData struct {
	name       string
	ret        Type
	params     []ValueID
	blocks     []BlockID
	subprogram MetaID
	internal   bool
	removed    bool
	names      map[string]int
}

type blockData struct {
	name    string
	fn      FuncID
	insts   []ValueID
	removed bool
}

type constKey struct {
	typ Type
	val int64
}

// Module owns every node of a translation unit.
type Module struct {
	name   string
	triple string

	funcs  []funcData
	blocks []blockData
	values []Value
	consts map[constKey]ValueID

	meta        []MetaNode
	debugSealed bool
	sealed      bool
}

// NewModule creates an empty module.
func NewModule(name string) *Module {
	return &Module{
		name:   name,
		consts: make(map[constKey]ValueID),
	}
}

func (m *Module) Name() string { return m.name }

// TargetTriple returns the triple recorded on the module, if any.
func (m *Module) TargetTriple() string { return m.triple }

func (m *Module) SetTargetTriple(triple string) { m.triple = triple }

// Seal marks the module as handed over. Builders fail with ErrSealed
// afterwards. Sealing twice returns ErrSealed.
func (m *Module) Seal() error {
	if m.sealed {
		return ErrSealed
	}
	m.sealed = true
	return nil
}

func (m *Module) Sealed() bool { return m.sealed }

// NewFunction declares an exported function with the given signature.
func (m *Module) NewFunction(name string, ret Type, params ...Param) (FuncID, error) {
	if m.sealed {
		return NoFunc, ErrSealed
	}
	if name == "" {
		return NoFunc, fmt.Errorf("ir: function name must be non-empty")
	}
	if _, ok := m.FunctionByName(name); ok {
		return NoFunc, fmt.Errorf("ir: function %q already defined in module %q", name, m.name)
	}
	id := FuncID(len(m.funcs))
	m.funcs = append(m.funcs, funcData{
		name:       name,
		ret:        ret,
		subprogram: NoMeta,
		names:      make(map[string]int),
	})
	for i, p := range params {
		if p.Type == Void {
			return NoFunc, fmt.Errorf("ir: parameter %d of %q has void type", i, name)
		}
		v := m.newValue(Value{
			Op:    OpParam,
			Type:  p.Type,
			Func:  id,
			Block: NoBlock,
			Imm:   int64(i),
			Var:   NoMeta,
		})
		m.values[v].Name = m.uniqueName(id, p.Name)
		m.funcs[id].params = append(m.funcs[id].params, v)
	}
	return id, nil
}

// SetInternal marks a function as not exported from the compiled object.
func (m *Module) SetInternal(f FuncID, internal bool) {
	m.funcs[f].internal = internal
}

func (m *Module) Internal(f FuncID) bool { return m.funcs[f].internal }

// AddBlock appends a new basic block to f.
func (m *Module) AddBlock(f FuncID, name string) (BlockID, error) {
	if m.sealed {
		return NoBlock, ErrSealed
	}
	if !m.validFunc(f) {
		return NoBlock, fmt.Errorf("ir: invalid function handle %d", f)
	}
	return m.addBlock(f, name), nil
}

func (m *Module) addBlock(f FuncID, name string) BlockID {
	id := BlockID(len(m.blocks))
	m.blocks = append(m.blocks, blockData{name: m.uniqueName(f, name), fn: f})
	m.funcs[f].blocks = append(m.funcs[f].blocks, id)
	return id
}

func (m *Module) uniqueName(f FuncID, name string) string {
	if name == "" {
		return ""
	}
	names := m.funcs[f].names
	n := names[name]
	names[name] = n + 1
	if n == 0 {
		return name
	}
	return fmt.Sprintf("%s%d", name, n)
}

func (m *Module) newValue(v Value) ValueID {
	v.ID = ValueID(len(m.values))
	m.values = append(m.values, v)
	return v.ID
}

// ConstInt returns the interned integer constant of type t.
func (m *Module) ConstInt(t Type, v int64) ValueID {
	if t == I1 {
		v &= 1
	}
	key := constKey{typ: t, val: v}
	if id, ok := m.consts[key]; ok {
		return id
	}
	id := m.newValue(Value{Op: OpConst, Type: t, Func: NoFunc, Block: NoBlock, Imm: v, Var: NoMeta})
	m.consts[key] = id
	return id
}

func (m *Module) validFunc(f FuncID) bool {
	return f >= 0 && int(f) < len(m.funcs) && !m.funcs[f].removed
}

func (m *Module) validBlock(b BlockID) bool {
	return b >= 0 && int(b) < len(m.blocks) && !m.blocks[b].removed
}

func (m *Module) validValue(v ValueID) bool {
	return v >= 0 && int(v) < len(m.values) && !m.values[v].dead
}

// Functions lists the live functions in definition order.
func (m *Module) Functions() []FuncID {
	out := make([]FuncID, 0, len(m.funcs))
	for i := range m.funcs {
		if !m.funcs[i].removed {
			out = append(out, FuncID(i))
		}
	}
	return out
}

func (m *Module) FunctionByName(name string) (FuncID, bool) {
	for i := range m.funcs {
		if !m.funcs[i].removed && m.funcs[i].name == name {
			return FuncID(i), true
		}
	}
	return NoFunc, false
}

func (m *Module) FuncName(f FuncID) string { return m.funcs[f].name }

func (m *Module) ReturnType(f FuncID) Type { return m.funcs[f].ret }

func (m *Module) Params(f FuncID) []ValueID {
	return append([]ValueID(nil), m.funcs[f].params...)
}

// ParamTypes returns the ordered parameter types of f.
func (m *Module) ParamTypes(f FuncID) []Type {
	out := make([]Type, len(m.funcs[f].params))
	for i, p := range m.funcs[f].params {
		out[i] = m.values[p].Type
	}
	return out
}

// Blocks returns the blocks of f in layout order; the first is the entry.
func (m *Module) Blocks(f FuncID) []BlockID {
	return append([]BlockID(nil), m.funcs[f].blocks...)
}

func (m *Module) Entry(f FuncID) BlockID {
	if len(m.funcs[f].blocks) == 0 {
		return NoBlock
	}
	return m.funcs[f].blocks[0]
}

func (m *Module) Subprogram(f FuncID) MetaID { return m.funcs[f].subprogram }

func (m *Module) BlockName(b BlockID) string { return m.blocks[b].name }

func (m *Module) BlockFunc(b BlockID) FuncID { return m.blocks[b].fn }

// Instructions returns the instructions of b in order.
func (m *Module) Instructions(b BlockID) []ValueID {
	return append([]ValueID(nil), m.blocks[b].insts...)
}

// Terminator returns the last instruction of b if it is a terminator.
func (m *Module) Terminator(b BlockID) ValueID {
	insts := m.blocks[b].insts
	if len(insts) == 0 {
		return NoValue
	}
	last := insts[len(insts)-1]
	if !m.values[last].Op.IsTerminator() {
		return NoValue
	}
	return last
}

// Successors returns the distinct successor blocks of b.
func (m *Module) Successors(b BlockID) []BlockID {
	term := m.Terminator(b)
	if term == NoValue {
		return nil
	}
	var out []BlockID
	for _, t := range m.values[term].Targets {
		if !containsBlock(out, t) {
			out = append(out, t)
		}
	}
	return out
}

// Predecessors returns the distinct blocks whose terminator targets b, in
// layout order.
func (m *Module) Predecessors(b BlockID) []BlockID {
	var out []BlockID
	for _, p := range m.funcs[m.blocks[b].fn].blocks {
		if containsBlock(m.Successors(p), b) {
			out = append(out, p)
		}
	}
	return out
}

func containsBlock(list []BlockID, b BlockID) bool {
	for _, x := range list {
		if x == b {
			return true
		}
	}
	return false
}

// Value returns a copy of the node v.
func (m *Module) Value(v ValueID) Value {
	out := m.values[v]
	out.Operands = append([]ValueID(nil), out.Operands...)
	out.Targets = append([]BlockID(nil), out.Targets...)
	return out
}

func (m *Module) Op(v ValueID) Opcode { return m.values[v].Op }

func (m *Module) TypeOf(v ValueID) Type { return m.values[v].Type }

// ConstValue returns the integer held by a constant.
func (m *Module) ConstValue(v ValueID) (int64, bool) {
	if v < 0 || int(v) >= len(m.values) || m.values[v].Op != OpConst {
		return 0, false
	}
	return m.values[v].Imm, true
}

// Incoming returns the incoming pairs of a phi.
func (m *Module) Incoming(phi ValueID) []Incoming {
	val := m.values[phi]
	out := make([]Incoming, len(val.Operands))
	for i := range val.Operands {
		out[i] = Incoming{Value: val.Operands[i], Block: val.Targets[i]}
	}
	return out
}

// AddIncoming registers one more incoming edge of a phi.
func (m *Module) AddIncoming(phi, value ValueID, from BlockID) error {
	if m.sealed {
		return ErrSealed
	}
	if !m.validValue(phi) || m.values[phi].Op != OpPhi {
		return fmt.Errorf("ir: value %d is not a phi", phi)
	}
	if !m.validValue(value) {
		return fmt.Errorf("ir: invalid incoming value %d", value)
	}
	if !m.validBlock(from) {
		return fmt.Errorf("ir: invalid incoming block %d", from)
	}
	m.addIncoming(phi, value, from)
	return nil
}

func (m *Module) addIncoming(phi, value ValueID, from BlockID) {
	m.values[phi].Operands = append(m.values[phi].Operands, value)
	m.values[phi].Targets = append(m.values[phi].Targets, from)
}
