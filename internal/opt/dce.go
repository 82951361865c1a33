package opt

import "github.com/tinyrange/sumjit/internal/ir"

// eliminateDeadCode removes every instruction that neither has side
// effects nor feeds one. Dead phi cycles go too.
func eliminateDeadCode(m *ir.Module, f ir.FuncID) bool {
	live := make(map[ir.ValueID]bool)
	var work []ir.ValueID
	for _, blk := range m.Blocks(f) {
		for _, inst := range m.Instructions(blk) {
			if m.Op(inst).HasSideEffects() {
				live[inst] = true
				work = append(work, inst)
			}
		}
	}
	for len(work) > 0 {
		inst := work[len(work)-1]
		work = work[:len(work)-1]
		for _, op := range m.Value(inst).Operands {
			if live[op] || m.Value(op).Block == ir.NoBlock {
				continue
			}
			live[op] = true
			work = append(work, op)
		}
	}
	changed := false
	for _, blk := range m.Blocks(f) {
		for _, inst := range m.Instructions(blk) {
			if !live[inst] {
				m.RemoveInstruction(inst)
				changed = true
			}
		}
	}
	return changed
}

// removeDeadFunctions deletes internal functions. Functions cannot
// reference each other, so nothing keeps an internal one alive.
func removeDeadFunctions(m *ir.Module) bool {
	changed := false
	for _, f := range m.Functions() {
		if m.Internal(f) {
			m.RemoveFunction(f)
			changed = true
		}
	}
	return changed
}
