package opt

import "github.com/tinyrange/sumjit/internal/ir"

// unrollLoops unrolls every single block loop by a factor of two. The
// copy keeps its own exit test, so any trip count stays correct.
func unrollLoops(m *ir.Module, f ir.FuncID) bool {
	changed := false
	for _, blk := range m.Blocks(f) {
		if exit, ok := selfLoopExit(m, blk); ok {
			unroll(m, blk, exit)
			changed = true
		}
	}
	return changed
}

// selfLoopExit reports whether blk is a loop of one block entered from a
// single preheader, with all outside uses of its values in phis of the
// exit block.
func selfLoopExit(m *ir.Module, blk ir.BlockID) (ir.BlockID, bool) {
	term := m.Terminator(blk)
	if term == ir.NoValue || m.Op(term) != ir.OpCondBr {
		return ir.NoBlock, false
	}
	targets := m.Value(term).Targets
	var exit ir.BlockID
	switch {
	case targets[0] == blk && targets[1] != blk:
		exit = targets[1]
	case targets[1] == blk && targets[0] != blk:
		exit = targets[0]
	default:
		return ir.NoBlock, false
	}
	if len(m.Predecessors(blk)) != 2 {
		return ir.NoBlock, false
	}
	insts := m.Instructions(blk)
	if len(insts) > unrollLimit {
		return ir.NoBlock, false
	}
	for _, inst := range insts {
		for _, u := range m.Uses(inst) {
			use := m.Value(u)
			if use.Block == blk {
				continue
			}
			if use.Block != exit || use.Op != ir.OpPhi {
				return ir.NoBlock, false
			}
			for _, in := range m.Incoming(u) {
				if in.Value == inst && in.Block != blk {
					return ir.NoBlock, false
				}
			}
		}
	}
	return exit, true
}

func unroll(m *ir.Module, loop, exit ir.BlockID) {
	phis := m.Phis(loop)
	body := m.Instructions(loop)[len(phis):]

	// In the copy each phi stands for the value carried around the back
	// edge of the original.
	mapping := make(map[ir.ValueID]ir.ValueID)
	latch := make(map[ir.ValueID]ir.ValueID, len(phis))
	for _, phi := range phis {
		for _, in := range m.Incoming(phi) {
			if in.Block == loop {
				latch[phi] = in.Value
				mapping[phi] = in.Value
			}
		}
	}
	remap := func(v ir.ValueID) ir.ValueID {
		if r, ok := mapping[v]; ok {
			return r
		}
		return v
	}

	next := m.InsertBlockAfter(loop, m.BlockName(loop)+".unrolled")
	b := ir.NewRewriter(m)
	b.SetInsertPoint(next)
	for _, inst := range body {
		mapping[inst] = b.Clone(inst, mapping, ".u")
	}
	mustBuild(b, "loop-unroll")

	m.ReplaceTarget(m.Terminator(loop), loop, next)
	for _, phi := range phis {
		carried := remap(latch[phi])
		m.ReplaceIncomingBlock(phi, loop, next)
		m.SetIncomingValue(phi, next, carried)
	}
	for _, phi := range m.Phis(exit) {
		for _, in := range m.Incoming(phi) {
			if in.Block == loop {
				m.AppendIncoming(phi, remap(in.Value), next)
			}
		}
	}
}
