package ir

import "fmt"

// Builder appends instructions at an insertion point. The first error is
// kept and returned by Err; later calls become no-ops returning NoValue.
type Builder struct {
	m     *Module
	block BlockID
	// before is the instruction new code is inserted ahead of, or NoValue
	// to append.
	before ValueID
	loc    DebugLoc
	err    error

	// rewrite lets passes insert into a sealed module.
	rewrite bool
}

func NewBuilder(m *Module) *Builder {
	return &Builder{m: m, block: NoBlock, before: NoValue}
}

func (b *Builder) Module() *Module { return b.m }

// Err returns the first construction error.
func (b *Builder) Err() error { return b.err }

func (b *Builder) fail(format string, args ...any) ValueID {
	if b.err == nil {
		b.err = fmt.Errorf("ir: "+format, args...)
	}
	return NoValue
}

// SetInsertPoint appends subsequent instructions to the end of blk.
func (b *Builder) SetInsertPoint(blk BlockID) {
	b.block = blk
	b.before = NoValue
}

// SetInsertPointBefore inserts subsequent instructions ahead of inst.
func (b *Builder) SetInsertPointBefore(inst ValueID) {
	b.block = b.m.values[inst].Block
	b.before = inst
}

func (b *Builder) InsertBlock() BlockID { return b.block }

// SetLocation sets the debug location given to new instructions. Pass the
// zero DebugLoc to clear it.
func (b *Builder) SetLocation(loc DebugLoc) { b.loc = loc }

func (b *Builder) Location() DebugLoc { return b.loc }

func (b *Builder) insert(v Value) ValueID {
	if b.err != nil {
		return NoValue
	}
	if b.m.sealed && !b.rewrite {
		b.err = ErrSealed
		return NoValue
	}
	if !b.m.validBlock(b.block) {
		return b.fail("no insertion block for %s", v.Op)
	}
	for i, op := range v.Operands {
		if !b.m.validValue(op) {
			return b.fail("%s operand %d is invalid (%d)", v.Op, i, op)
		}
	}
	blk := &b.m.blocks[b.block]
	if b.before == NoValue && len(blk.insts) > 0 && b.m.values[blk.insts[len(blk.insts)-1]].Op.IsTerminator() {
		return b.fail("block %q already has a terminator", blk.name)
	}
	v.Func = blk.fn
	v.Block = b.block
	v.Loc = b.loc
	if v.Op != OpDeclare {
		v.Var = NoMeta
	}
	v.Name = b.m.uniqueName(blk.fn, v.Name)
	id := b.m.newValue(v)
	b.m.insertAt(b.block, id, b.before)
	return id
}

// insertAt places id in blk ahead of before, or at the end.
func (m *Module) insertAt(blk BlockID, id, before ValueID) {
	insts := m.blocks[blk].insts
	if before == NoValue {
		m.blocks[blk].insts = append(insts, id)
		return
	}
	for i, x := range insts {
		if x == before {
			insts = append(insts, NoValue)
			copy(insts[i+1:], insts[i:])
			insts[i] = id
			m.blocks[blk].insts = insts
			return
		}
	}
	m.blocks[blk].insts = append(insts, id)
}

func (b *Builder) binary(op Opcode, x, y ValueID, name string, nsw bool) ValueID {
	if b.err != nil {
		return NoValue
	}
	if !b.m.validValue(x) || !b.m.validValue(y) {
		return b.fail("%s with invalid operand", op)
	}
	return b.insert(Value{Op: op, Type: b.m.values[x].Type, Name: name, Operands: []ValueID{x, y}, NSW: nsw})
}

func (b *Builder) Add(x, y ValueID, name string) ValueID { return b.binary(OpAdd, x, y, name, false) }

// AddNSW adds with the no-signed-wrap flag set.
func (b *Builder) AddNSW(x, y ValueID, name string) ValueID { return b.binary(OpAdd, x, y, name, true) }

func (b *Builder) Sub(x, y ValueID, name string) ValueID { return b.binary(OpSub, x, y, name, false) }
func (b *Builder) Mul(x, y ValueID, name string) ValueID { return b.binary(OpMul, x, y, name, false) }
func (b *Builder) And(x, y ValueID, name string) ValueID { return b.binary(OpAnd, x, y, name, false) }
func (b *Builder) Or(x, y ValueID, name string) ValueID  { return b.binary(OpOr, x, y, name, false) }
func (b *Builder) Xor(x, y ValueID, name string) ValueID { return b.binary(OpXor, x, y, name, false) }

// Binary creates an arithmetic instruction with an explicit opcode.
func (b *Builder) Binary(op Opcode, x, y ValueID, nsw bool, name string) ValueID {
	if !op.IsBinary() {
		return b.fail("%s is not a binary opcode", op)
	}
	return b.binary(op, x, y, name, nsw)
}

func (b *Builder) ICmp(pred Predicate, x, y ValueID, name string) ValueID {
	return b.insert(Value{Op: OpICmp, Type: I1, Name: name, Pred: pred, Operands: []ValueID{x, y}})
}

// Alloca reserves a stack slot for one value of type elem.
func (b *Builder) Alloca(elem Type, name string) ValueID {
	return b.insert(Value{Op: OpAlloca, Type: Ptr, Elem: elem, Name: name})
}

func (b *Builder) Load(elem Type, ptr ValueID, name string) ValueID {
	return b.insert(Value{Op: OpLoad, Type: elem, Elem: elem, Name: name, Operands: []ValueID{ptr}})
}

func (b *Builder) Store(value, ptr ValueID) ValueID {
	return b.insert(Value{Op: OpStore, Type: Void, Operands: []ValueID{value, ptr}})
}

// GEP computes the address of element index of an array of elem at base.
func (b *Builder) GEP(elem Type, base, index ValueID, name string) ValueID {
	return b.insert(Value{Op: OpGEP, Type: Ptr, Elem: elem, Name: name, Operands: []ValueID{base, index}})
}

// Phi creates an empty phi; incoming edges are added with
// Module.AddIncoming. Phis are always placed ahead of the block's other
// instructions.
func (b *Builder) Phi(t Type, name string) ValueID {
	if b.err != nil {
		return NoValue
	}
	saved := b.before
	if b.m.validBlock(b.block) {
		b.before = NoValue
		for _, x := range b.m.blocks[b.block].insts {
			if b.m.values[x].Op != OpPhi {
				b.before = x
				break
			}
		}
	}
	id := b.insert(Value{Op: OpPhi, Type: t, Name: name})
	b.before = saved
	return id
}

func (b *Builder) Br(dest BlockID) ValueID {
	if !b.m.validBlock(dest) {
		return b.fail("branch to invalid block %d", dest)
	}
	return b.insert(Value{Op: OpBr, Type: Void, Targets: []BlockID{dest}})
}

func (b *Builder) CondBr(cond ValueID, then, els BlockID) ValueID {
	if !b.m.validBlock(then) || !b.m.validBlock(els) {
		return b.fail("conditional branch to invalid block")
	}
	return b.insert(Value{Op: OpCondBr, Type: Void, Operands: []ValueID{cond}, Targets: []BlockID{then, els}})
}

// Ret returns value, or nothing when value is NoValue.
func (b *Builder) Ret(value ValueID) ValueID {
	if value == NoValue {
		return b.insert(Value{Op: OpRet, Type: Void})
	}
	return b.insert(Value{Op: OpRet, Type: Void, Operands: []ValueID{value}})
}

// Declare binds a stack slot to a LocalVariable descriptor.
func (b *Builder) Declare(slot ValueID, variable MetaID) ValueID {
	return b.insert(Value{Op: OpDeclare, Type: Void, Operands: []ValueID{slot}, Var: variable})
}

// Clone copies inst to the insertion point, remapping operands through
// mapping. Phis and terminators keep their targets.
func (b *Builder) Clone(inst ValueID, mapping map[ValueID]ValueID, nameSuffix string) ValueID {
	if b.err != nil {
		return NoValue
	}
	v := b.m.Value(inst)
	for i, op := range v.Operands {
		if repl, ok := mapping[op]; ok {
			v.Operands[i] = repl
		}
	}
	if v.Name != "" {
		v.Name += nameSuffix
	}
	saved := b.loc
	b.loc = v.Loc
	id := b.insert(v)
	b.loc = saved
	return id
}
