package ir

import "fmt"

// The methods in this file rewrite an existing graph in place. They are
// used by optimization passes and ignore sealing: a sealed module belongs
// to the engine, which may still transform it.

// NewRewriter returns a Builder that also works on sealed modules.
func NewRewriter(m *Module) *Builder {
	b := NewBuilder(m)
	b.rewrite = true
	return b
}

// AppendIncoming adds a phi edge without the sealing check of AddIncoming.
func (m *Module) AppendIncoming(phi, value ValueID, from BlockID) {
	m.addIncoming(phi, value, from)
}

// Uses returns the live instructions that take v as an operand.
func (m *Module) Uses(v ValueID) []ValueID {
	var out []ValueID
	for i := range m.values {
		u := &m.values[i]
		if u.dead || u.Block == NoBlock {
			continue
		}
		for _, op := range u.Operands {
			if op == v {
				out = append(out, u.ID)
				break
			}
		}
	}
	return out
}

// ReplaceAllUsesWith rewrites every operand reference to old into repl.
func (m *Module) ReplaceAllUsesWith(old, repl ValueID) {
	for i := range m.values {
		u := &m.values[i]
		if u.dead {
			continue
		}
		for j, op := range u.Operands {
			if op == old {
				u.Operands[j] = repl
			}
		}
	}
}

func (m *Module) SetOperand(inst ValueID, idx int, v ValueID) {
	m.values[inst].Operands[idx] = v
}

// SetName renames a value. Callers keep names unique within the function.
func (m *Module) SetName(v ValueID, name string) {
	m.values[v].Name = name
}

// RemoveInstruction unlinks inst from its block and marks it dead.
func (m *Module) RemoveInstruction(inst ValueID) {
	val := &m.values[inst]
	if val.Block == NoBlock || val.dead {
		return
	}
	blk := &m.blocks[val.Block]
	for i, x := range blk.insts {
		if x == inst {
			blk.insts = append(blk.insts[:i], blk.insts[i+1:]...)
			break
		}
	}
	val.dead = true
}

// RemoveIncoming drops the edge from blk out of a phi.
func (m *Module) RemoveIncoming(phi ValueID, blk BlockID) {
	val := &m.values[phi]
	for i := 0; i < len(val.Targets); i++ {
		if val.Targets[i] == blk {
			val.Targets = append(val.Targets[:i], val.Targets[i+1:]...)
			val.Operands = append(val.Operands[:i], val.Operands[i+1:]...)
			i--
		}
	}
}

// ReplaceIncomingBlock renames the predecessor old to repl in a phi.
func (m *Module) ReplaceIncomingBlock(phi ValueID, old, repl BlockID) {
	for i, t := range m.values[phi].Targets {
		if t == old {
			m.values[phi].Targets[i] = repl
		}
	}
}

// SetIncomingValue changes the value flowing in from blk.
func (m *Module) SetIncomingValue(phi ValueID, blk BlockID, v ValueID) {
	for i, t := range m.values[phi].Targets {
		if t == blk {
			m.values[phi].Operands[i] = v
		}
	}
}

// ReplaceTarget retargets every edge of term that points at old.
func (m *Module) ReplaceTarget(term ValueID, old, repl BlockID) {
	for i, t := range m.values[term].Targets {
		if t == old {
			m.values[term].Targets[i] = repl
		}
	}
}

// Phis returns the phi nodes at the start of b.
func (m *Module) Phis(b BlockID) []ValueID {
	var out []ValueID
	for _, x := range m.blocks[b].insts {
		if m.values[x].Op != OpPhi {
			break
		}
		out = append(out, x)
	}
	return out
}

// RemoveBlock deletes b and every instruction in it. Edges into b must
// already be gone.
func (m *Module) RemoveBlock(b BlockID) {
	blk := &m.blocks[b]
	for _, x := range blk.insts {
		m.values[x].dead = true
	}
	blk.insts = nil
	blk.removed = true
	fn := &m.funcs[blk.fn]
	for i, x := range fn.blocks {
		if x == b {
			fn.blocks = append(fn.blocks[:i], fn.blocks[i+1:]...)
			break
		}
	}
}

// InsertBlockAfter creates a new block placed right after prev in layout.
func (m *Module) InsertBlockAfter(prev BlockID, name string) BlockID {
	f := m.blocks[prev].fn
	id := m.addBlock(f, name)
	blocks := m.funcs[f].blocks
	blocks = blocks[:len(blocks)-1]
	for i, x := range blocks {
		if x == prev {
			blocks = append(blocks[:i+1], append([]BlockID{id}, blocks[i+1:]...)...)
			break
		}
	}
	m.funcs[f].blocks = blocks
	return id
}

// SpliceBlock moves every instruction of from to the end of into. The
// terminator of into must have been removed first.
func (m *Module) SpliceBlock(into, from BlockID) error {
	if m.Terminator(into) != NoValue {
		return fmt.Errorf("ir: block %q still has a terminator", m.blocks[into].name)
	}
	for _, x := range m.blocks[from].insts {
		m.values[x].Block = into
	}
	m.blocks[into].insts = append(m.blocks[into].insts, m.blocks[from].insts...)
	m.blocks[from].insts = nil
	return nil
}

// RemoveFunction deletes f and everything it owns.
func (m *Module) RemoveFunction(f FuncID) {
	for _, b := range m.funcs[f].blocks {
		m.RemoveBlock(b)
	}
	for _, p := range m.funcs[f].params {
		m.values[p].dead = true
	}
	m.funcs[f].removed = true
}
