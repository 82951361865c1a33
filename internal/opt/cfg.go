package opt

import "github.com/tinyrange/sumjit/internal/ir"

// simplifyCFG folds constant branches, drops unreachable blocks, merges
// straight line block pairs and bypasses empty forwarding blocks.
func simplifyCFG(m *ir.Module, f ir.FuncID) bool {
	changed := false
	for {
		step := foldBranches(m, f) || removeUnreachable(m, f) || mergeBlocks(m, f) || skipForwarders(m, f)
		if !step {
			return changed
		}
		changed = true
	}
}

// foldBranches turns conditional branches with a constant condition or
// identical targets into unconditional ones.
func foldBranches(m *ir.Module, f ir.FuncID) bool {
	changed := false
	for _, blk := range m.Blocks(f) {
		term := m.Terminator(blk)
		if term == ir.NoValue || m.Op(term) != ir.OpCondBr {
			continue
		}
		v := m.Value(term)
		taken, dropped := v.Targets[0], v.Targets[1]
		if c, ok := m.ConstValue(v.Operands[0]); ok {
			if c&1 == 0 {
				taken, dropped = dropped, taken
			}
		} else if taken != dropped {
			continue
		}
		if dropped != taken {
			for _, phi := range m.Phis(dropped) {
				m.RemoveIncoming(phi, blk)
			}
		}
		m.RemoveInstruction(term)
		b := ir.NewRewriter(m)
		b.SetInsertPoint(blk)
		b.SetLocation(v.Loc)
		b.Br(taken)
		mustBuild(b, "simplifycfg")
		changed = true
	}
	return changed
}

func removeUnreachable(m *ir.Module, f ir.FuncID) bool {
	dom := m.Dominators(f)
	var dead []ir.BlockID
	for _, blk := range m.Blocks(f) {
		if !dom.Reachable(blk) {
			dead = append(dead, blk)
		}
	}
	for _, blk := range dead {
		for _, succ := range m.Successors(blk) {
			for _, phi := range m.Phis(succ) {
				m.RemoveIncoming(phi, blk)
			}
		}
	}
	for _, blk := range dead {
		m.RemoveBlock(blk)
	}
	return len(dead) > 0
}

// mergeBlocks folds a block into its only predecessor when that
// predecessor branches nowhere else.
func mergeBlocks(m *ir.Module, f ir.FuncID) bool {
	entry := m.Entry(f)
	for _, blk := range m.Blocks(f) {
		term := m.Terminator(blk)
		if term == ir.NoValue || m.Op(term) != ir.OpBr {
			continue
		}
		succ := m.Value(term).Targets[0]
		if succ == blk || succ == entry {
			continue
		}
		if preds := m.Predecessors(succ); len(preds) != 1 {
			continue
		}
		for _, phi := range m.Phis(succ) {
			replace(m, phi, m.Incoming(phi)[0].Value)
		}
		m.RemoveInstruction(term)
		if err := m.SpliceBlock(blk, succ); err != nil {
			panic("opt: internal error: simplifycfg: " + err.Error())
		}
		for _, next := range m.Successors(blk) {
			for _, phi := range m.Phis(next) {
				m.ReplaceIncomingBlock(phi, succ, blk)
			}
		}
		m.RemoveBlock(succ)
		return true
	}
	return false
}

// skipForwarders redirects the predecessors of a block holding only a
// branch straight to its destination, when the destination has no phis.
func skipForwarders(m *ir.Module, f ir.FuncID) bool {
	entry := m.Entry(f)
	for _, blk := range m.Blocks(f) {
		insts := m.Instructions(blk)
		if blk == entry || len(insts) != 1 || m.Op(insts[0]) != ir.OpBr {
			continue
		}
		dest := m.Value(insts[0]).Targets[0]
		if dest == blk || len(m.Phis(dest)) > 0 {
			continue
		}
		for _, p := range m.Predecessors(blk) {
			m.ReplaceTarget(m.Terminator(p), blk, dest)
		}
		m.RemoveBlock(blk)
		return true
	}
	return false
}

func mustBuild(b *ir.Builder, pass string) {
	if err := b.Err(); err != nil {
		panic("opt: internal error: " + pass + ": " + err.Error())
	}
}
