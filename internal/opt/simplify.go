package opt

import "github.com/tinyrange/sumjit/internal/ir"

// replace forwards every use of inst to repl and deletes inst.
func replace(m *ir.Module, inst, repl ir.ValueID) {
	m.ReplaceAllUsesWith(inst, repl)
	m.RemoveInstruction(inst)
}

// foldConstants evaluates arithmetic and comparisons on constants.
func foldConstants(m *ir.Module, f ir.FuncID) bool {
	changed := false
	for _, blk := range m.Blocks(f) {
		for _, inst := range m.Instructions(blk) {
			v := m.Value(inst)
			if !v.Op.IsBinary() && v.Op != ir.OpICmp {
				continue
			}
			a, okA := m.ConstValue(v.Operands[0])
			b, okB := m.ConstValue(v.Operands[1])
			if !okA || !okB {
				continue
			}
			if v.Op == ir.OpICmp {
				if m.TypeOf(v.Operands[0]) == ir.Ptr {
					continue
				}
				r := int64(0)
				if v.Pred.Eval(a, b) {
					r = 1
				}
				replace(m, inst, m.ConstInt(ir.I1, r))
			} else {
				replace(m, inst, m.ConstInt(v.Type, evalBinary(v.Op, a, b)))
			}
			changed = true
		}
	}
	return changed
}

func evalBinary(op ir.Opcode, a, b int64) int64 {
	switch op {
	case ir.OpAdd:
		return a + b
	case ir.OpSub:
		return a - b
	case ir.OpMul:
		return a * b
	case ir.OpAnd:
		return a & b
	case ir.OpOr:
		return a | b
	case ir.OpXor:
		return a ^ b
	}
	panic("opt: internal error: not a binary opcode: " + op.String())
}

// simplifyInstructions applies algebraic identities that need no new
// instructions.
func simplifyInstructions(m *ir.Module, f ir.FuncID) bool {
	changed := false
	for _, blk := range m.Blocks(f) {
		for _, inst := range m.Instructions(blk) {
			if repl, ok := simplify(m, m.Value(inst)); ok {
				replace(m, inst, repl)
				changed = true
			}
		}
	}
	return changed
}

func simplify(m *ir.Module, v ir.Value) (ir.ValueID, bool) {
	isConst := func(x ir.ValueID, want int64) bool {
		c, ok := m.ConstValue(x)
		return ok && c == want
	}
	switch v.Op {
	case ir.OpAdd, ir.OpOr, ir.OpXor, ir.OpSub, ir.OpMul, ir.OpAnd:
		x, y := v.Operands[0], v.Operands[1]
		switch v.Op {
		case ir.OpAdd, ir.OpOr, ir.OpXor:
			if isConst(y, 0) {
				return x, true
			}
			if isConst(x, 0) {
				return y, true
			}
		case ir.OpSub:
			if isConst(y, 0) {
				return x, true
			}
		case ir.OpMul:
			if isConst(y, 1) {
				return x, true
			}
			if isConst(x, 1) {
				return y, true
			}
			if isConst(x, 0) || isConst(y, 0) {
				return m.ConstInt(v.Type, 0), true
			}
		case ir.OpAnd:
			if isConst(x, 0) || isConst(y, 0) {
				return m.ConstInt(v.Type, 0), true
			}
		}
		if x == y {
			switch v.Op {
			case ir.OpAnd, ir.OpOr:
				return x, true
			case ir.OpSub, ir.OpXor:
				return m.ConstInt(v.Type, 0), true
			}
		}
	case ir.OpICmp:
		if v.Operands[0] != v.Operands[1] {
			break
		}
		switch v.Pred {
		case ir.PredEQ, ir.PredSLE, ir.PredSGE, ir.PredULE, ir.PredUGE:
			return m.ConstInt(ir.I1, 1), true
		default:
			return m.ConstInt(ir.I1, 0), true
		}
	case ir.OpGEP:
		if isConst(v.Operands[1], 0) {
			return v.Operands[0], true
		}
	}
	return ir.NoValue, false
}

// simplifyPhis removes phis that merge a single distinct value.
func simplifyPhis(m *ir.Module, f ir.FuncID) bool {
	changed := false
	for again := true; again; {
		again = false
		dom := m.Dominators(f)
		for _, blk := range m.Blocks(f) {
			for _, phi := range m.Phis(blk) {
				same := uniqueIncoming(m, phi)
				if same == ir.NoValue {
					continue
				}
				// An instruction must be defined strictly above the phi.
				if def := m.Value(same).Block; def != ir.NoBlock && (def == blk || !dom.Dominates(def, blk)) {
					continue
				}
				replace(m, phi, same)
				again, changed = true, true
			}
		}
	}
	return changed
}

// uniqueIncoming returns the only value other than phi itself flowing
// into phi, or NoValue.
func uniqueIncoming(m *ir.Module, phi ir.ValueID) ir.ValueID {
	same := ir.NoValue
	for _, in := range m.Incoming(phi) {
		if in.Value == phi || in.Value == same {
			continue
		}
		if same != ir.NoValue {
			return ir.NoValue
		}
		same = in.Value
	}
	return same
}
