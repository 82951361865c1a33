package opt

import "github.com/tinyrange/sumjit/internal/ir"

// promoteAllocas rewrites stack slots that are only loaded and stored into
// SSA values, placing phis on the iterated dominance frontier of the
// stores. Declares of promoted slots are dropped.
func promoteAllocas(m *ir.Module, f ir.FuncID) bool {
	dom := m.Dominators(f)
	slots := promotable(m, f, dom)
	if len(slots) == 0 {
		return false
	}
	frontier := dominanceFrontiers(m, dom)

	// phiSlot maps each inserted phi back to the slot it stands for.
	phiSlot := make(map[ir.ValueID]ir.ValueID)
	b := ir.NewRewriter(m)
	for _, slot := range slots {
		elem := m.Value(slot).Elem
		name := m.Value(slot).Name
		placed := make(map[ir.BlockID]bool)
		var work []ir.BlockID
		for _, u := range m.Uses(slot) {
			if m.Op(u) == ir.OpStore {
				work = append(work, m.Value(u).Block)
			}
		}
		for len(work) > 0 {
			blk := work[len(work)-1]
			work = work[:len(work)-1]
			for _, df := range frontier[blk] {
				if placed[df] {
					continue
				}
				placed[df] = true
				b.SetInsertPoint(df)
				phiSlot[b.Phi(elem, name)] = slot
				work = append(work, df)
			}
		}
	}
	mustBuild(b, "mem2reg")

	promoted := make(map[ir.ValueID]bool, len(slots))
	for _, s := range slots {
		promoted[s] = true
	}
	stacks := make(map[ir.ValueID][]ir.ValueID)
	current := func(slot ir.ValueID) ir.ValueID {
		if st := stacks[slot]; len(st) > 0 {
			return st[len(st)-1]
		}
		return m.ConstInt(m.Value(slot).Elem, 0)
	}

	var rename func(blk ir.BlockID)
	rename = func(blk ir.BlockID) {
		var pushed []ir.ValueID
		for _, inst := range m.Instructions(blk) {
			v := m.Value(inst)
			switch v.Op {
			case ir.OpPhi:
				if slot, ok := phiSlot[inst]; ok {
					stacks[slot] = append(stacks[slot], inst)
					pushed = append(pushed, slot)
				}
			case ir.OpLoad:
				if promoted[v.Operands[0]] {
					m.ReplaceAllUsesWith(inst, current(v.Operands[0]))
					m.RemoveInstruction(inst)
				}
			case ir.OpStore:
				if slot := v.Operands[1]; promoted[slot] {
					stacks[slot] = append(stacks[slot], v.Operands[0])
					pushed = append(pushed, slot)
					m.RemoveInstruction(inst)
				}
			case ir.OpDeclare:
				if promoted[v.Operands[0]] {
					m.RemoveInstruction(inst)
				}
			}
		}
		for _, succ := range m.Successors(blk) {
			for _, phi := range m.Phis(succ) {
				if slot, ok := phiSlot[phi]; ok {
					m.AppendIncoming(phi, current(slot), blk)
				}
			}
		}
		for _, child := range dom.Children(blk) {
			rename(child)
		}
		for _, slot := range pushed {
			stacks[slot] = stacks[slot][:len(stacks[slot])-1]
		}
	}
	rename(m.Entry(f))

	// Edges from unreachable blocks still need an entry in every phi.
	for phi, slot := range phiSlot {
		for _, p := range m.Predecessors(m.Value(phi).Block) {
			if !dom.Reachable(p) {
				m.AppendIncoming(phi, m.ConstInt(m.Value(slot).Elem, 0), p)
			}
		}
	}

	for _, s := range slots {
		m.RemoveInstruction(s)
	}
	return true
}

// promotable returns the allocas of f whose every use is a load from, a
// store to, or a declare of the slot, all in reachable blocks.
func promotable(m *ir.Module, f ir.FuncID, dom *ir.DomTree) []ir.ValueID {
	var out []ir.ValueID
	for _, blk := range m.Blocks(f) {
		if !dom.Reachable(blk) {
			continue
		}
	next:
		for _, inst := range m.Instructions(blk) {
			slot := m.Value(inst)
			if slot.Op != ir.OpAlloca {
				continue
			}
			for _, u := range m.Uses(inst) {
				use := m.Value(u)
				if !dom.Reachable(use.Block) {
					continue next
				}
				switch use.Op {
				case ir.OpLoad:
					if use.Elem != slot.Elem {
						continue next
					}
				case ir.OpStore:
					if use.Operands[1] != inst || use.Operands[0] == inst || m.TypeOf(use.Operands[0]) != slot.Elem {
						continue next
					}
				case ir.OpDeclare:
				default:
					continue next
				}
			}
			out = append(out, inst)
		}
	}
	return out
}

// dominanceFrontiers computes the frontier of every reachable block.
func dominanceFrontiers(m *ir.Module, dom *ir.DomTree) map[ir.BlockID][]ir.BlockID {
	df := make(map[ir.BlockID][]ir.BlockID)
	add := func(b, x ir.BlockID) {
		for _, y := range df[b] {
			if y == x {
				return
			}
		}
		df[b] = append(df[b], x)
	}
	for _, blk := range dom.Order() {
		var preds []ir.BlockID
		for _, p := range m.Predecessors(blk) {
			if dom.Reachable(p) {
				preds = append(preds, p)
			}
		}
		if len(preds) < 2 {
			continue
		}
		for _, p := range preds {
			for runner := p; runner != ir.NoBlock && runner != dom.Idom(blk); runner = dom.Idom(runner) {
				add(runner, blk)
			}
		}
	}
	return df
}
