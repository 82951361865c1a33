package ir

import (
	"fmt"
	"strings"
)

// VerificationError lists every structural problem found in a function.
type VerificationError struct {
	Function string
	Problems []string
}

func (e *VerificationError) Error() string {
	var sb strings.Builder
	if e.Function == "" {
		sb.WriteString("module failed verification:")
	} else {
		fmt.Fprintf(&sb, "function @%s failed verification:", e.Function)
	}
	for _, p := range e.Problems {
		sb.WriteString("\n  ")
		sb.WriteString(p)
	}
	return sb.String()
}

type verifier struct {
	m        *Module
	f        FuncID
	dom      *DomTree
	position map[ValueID]int
	problems []string
}

func (v *verifier) errorf(format string, args ...any) {
	v.problems = append(v.problems, fmt.Sprintf(format, args...))
}

// Verify checks the structural invariants of f and returns a
// *VerificationError describing every violation, or nil.
func Verify(m *Module, f FuncID) error {
	if !m.validFunc(f) {
		return fmt.Errorf("ir: invalid function handle %d", f)
	}
	v := &verifier{m: m, f: f, position: make(map[ValueID]int)}
	v.run()
	if len(v.problems) == 0 {
		return nil
	}
	return &VerificationError{Function: m.funcs[f].name, Problems: v.problems}
}

// VerifyModule verifies every function and returns the first failure.
// Debug metadata must have been finalized.
func VerifyModule(m *Module) error {
	if m.HasDebugInfo() && !m.DebugSealed() {
		return &VerificationError{Problems: []string{"debug metadata was not finalized"}}
	}
	for _, f := range m.Functions() {
		if err := Verify(m, f); err != nil {
			return err
		}
	}
	return nil
}

func (v *verifier) run() {
	m := v.m
	blocks := m.funcs[v.f].blocks
	if len(blocks) == 0 {
		v.errorf("function has no blocks")
		return
	}
	for _, b := range blocks {
		for i, inst := range m.blocks[b].insts {
			v.position[inst] = i
		}
	}
	v.checkStructure(blocks)
	if len(v.problems) > 0 {
		// Edges are unreliable without terminators.
		return
	}
	v.dom = m.Dominators(v.f)
	if len(m.Predecessors(blocks[0])) > 0 {
		v.errorf("entry block %%%s has predecessors", m.blocks[blocks[0]].name)
	}
	for _, b := range blocks {
		v.checkPhis(b)
		for _, inst := range m.blocks[b].insts {
			v.checkTypes(inst)
			v.checkDominance(b, inst)
			v.checkDebug(inst)
		}
	}
}

func (v *verifier) checkStructure(blocks []BlockID) {
	m := v.m
	for _, b := range blocks {
		name := m.blocks[b].name
		insts := m.blocks[b].insts
		if len(insts) == 0 {
			v.errorf("block %%%s is empty", name)
			continue
		}
		seenNonPhi := false
		for i, inst := range insts {
			val := m.values[inst]
			if val.dead {
				v.errorf("block %%%s references deleted value %d", name, inst)
				continue
			}
			if val.Block != b {
				v.errorf("instruction %s in block %%%s records block %d", v.describe(inst), name, val.Block)
			}
			if val.Op == OpPhi {
				if seenNonPhi {
					v.errorf("phi %s in block %%%s is not grouped at the block start", v.describe(inst), name)
				}
			} else {
				seenNonPhi = true
			}
			last := i == len(insts)-1
			if val.Op.IsTerminator() && !last {
				v.errorf("block %%%s has terminator %s before its end", name, val.Op)
			}
			if last && !val.Op.IsTerminator() {
				v.errorf("block %%%s does not end in a terminator", name)
			}
			for _, t := range val.Targets {
				if !m.validBlock(t) || m.blocks[t].fn != v.f {
					v.errorf("%s in block %%%s references a block outside the function", v.describe(inst), name)
				}
			}
		}
	}
}

func (v *verifier) checkPhis(b BlockID) {
	m := v.m
	preds := m.Predecessors(b)
	for _, phi := range m.Phis(b) {
		seen := make(map[BlockID]bool)
		for _, in := range m.Incoming(phi) {
			if seen[in.Block] {
				v.errorf("phi %s has duplicate entries for %%%s", v.describe(phi), m.blocks[in.Block].name)
			}
			seen[in.Block] = true
			if !containsBlock(preds, in.Block) {
				v.errorf("phi %s has an entry for %%%s which is not a predecessor", v.describe(phi), m.blocks[in.Block].name)
			}
		}
		for _, p := range preds {
			if !seen[p] {
				v.errorf("phi %s is missing an entry for predecessor %%%s", v.describe(phi), m.blocks[p].name)
			}
		}
	}
}

func (v *verifier) operandType(op ValueID) Type {
	if !v.m.validValue(op) {
		return Void
	}
	return v.m.values[op].Type
}

func (v *verifier) checkTypes(inst ValueID) {
	m := v.m
	val := m.values[inst]
	want := func(n int) bool {
		if len(val.Operands) != n {
			v.errorf("%s expects %d operands, has %d", v.describe(inst), n, len(val.Operands))
			return false
		}
		return true
	}
	switch {
	case val.Op.IsBinary():
		if !want(2) {
			return
		}
		a, b := v.operandType(val.Operands[0]), v.operandType(val.Operands[1])
		if !a.IsInteger() || a != b || val.Type != a {
			v.errorf("%s has mismatched operand types %s, %s", v.describe(inst), a, b)
		}
	case val.Op == OpICmp:
		if !want(2) {
			return
		}
		a, b := v.operandType(val.Operands[0]), v.operandType(val.Operands[1])
		if a != b || a == Void {
			v.errorf("%s compares %s with %s", v.describe(inst), a, b)
		}
		if val.Type != I1 {
			v.errorf("%s must produce i1", v.describe(inst))
		}
	case val.Op == OpAlloca:
		if val.Elem == Void || val.Type != Ptr {
			v.errorf("%s allocates an invalid type", v.describe(inst))
		}
	case val.Op == OpLoad:
		if want(1) && v.operandType(val.Operands[0]) != Ptr {
			v.errorf("%s loads through a non-pointer", v.describe(inst))
		}
		if val.Type != val.Elem || val.Type == Void {
			v.errorf("%s has an invalid result type", v.describe(inst))
		}
	case val.Op == OpStore:
		if want(2) {
			if v.operandType(val.Operands[1]) != Ptr {
				v.errorf("%s stores through a non-pointer", v.describe(inst))
			}
			if v.operandType(val.Operands[0]) == Void {
				v.errorf("%s stores a void value", v.describe(inst))
			}
		}
	case val.Op == OpGEP:
		if want(2) {
			if v.operandType(val.Operands[0]) != Ptr || v.operandType(val.Operands[1]) != I64 {
				v.errorf("%s needs (ptr, i64) operands", v.describe(inst))
			}
		}
		if val.Elem.Size() == 0 {
			v.errorf("%s indexes an unsized type", v.describe(inst))
		}
	case val.Op == OpPhi:
		for _, op := range val.Operands {
			if v.operandType(op) != val.Type {
				v.errorf("phi %s merges a %s value", v.describe(inst), v.operandType(op))
			}
		}
	case val.Op == OpBr:
		if len(val.Targets) != 1 || len(val.Operands) != 0 {
			v.errorf("%s is malformed", v.describe(inst))
		}
	case val.Op == OpCondBr:
		if len(val.Targets) != 2 {
			v.errorf("%s needs two targets", v.describe(inst))
		}
		if want(1) && v.operandType(val.Operands[0]) != I1 {
			v.errorf("conditional branch on %s", v.operandType(val.Operands[0]))
		}
	case val.Op == OpRet:
		ret := m.funcs[v.f].ret
		switch {
		case ret == Void && len(val.Operands) != 0:
			v.errorf("ret with a value in a void function")
		case ret != Void && len(val.Operands) != 1:
			v.errorf("ret without a value in a function returning %s", ret)
		case ret != Void && v.operandType(val.Operands[0]) != ret:
			v.errorf("ret of %s in a function returning %s", v.operandType(val.Operands[0]), ret)
		}
	case val.Op == OpDeclare:
		if want(1) && (!m.validValue(val.Operands[0]) || m.values[val.Operands[0]].Op != OpAlloca) {
			v.errorf("declare must reference an alloca")
		}
		if !m.ValidMeta(val.Var, MetaLocalVariable) {
			v.errorf("declare must reference a local variable descriptor")
		}
	default:
		v.errorf("instruction %d has unexpected opcode %s", inst, val.Op)
	}
}

// dominatesUse reports whether def is available at the position pos of
// block b.
func (v *verifier) dominatesUse(def ValueID, b BlockID, pos int) bool {
	d := v.m.values[def]
	switch d.Op {
	case OpConst:
		return true
	case OpParam:
		return d.Func == v.f
	}
	if d.Func != v.f {
		return false
	}
	if d.Block == b {
		return v.position[def] < pos
	}
	return v.dom.Dominates(d.Block, b)
}

func (v *verifier) checkDominance(b BlockID, inst ValueID) {
	m := v.m
	if !v.dom.Reachable(b) {
		return
	}
	val := m.values[inst]
	for i, op := range val.Operands {
		if !m.validValue(op) {
			v.errorf("%s uses deleted or unknown value %d", v.describe(inst), op)
			continue
		}
		if val.Op == OpPhi {
			from := val.Targets[i]
			if v.dom.Reachable(from) && !v.dominatesUse(op, from, len(m.blocks[from].insts)) {
				v.errorf("phi %s: incoming %s does not dominate the end of %%%s", v.describe(inst), v.describe(op), m.blocks[from].name)
			}
			continue
		}
		if !v.dominatesUse(op, b, v.position[inst]) {
			v.errorf("%s: operand %s does not dominate its use", v.describe(inst), v.describe(op))
		}
	}
}

func (v *verifier) checkDebug(inst ValueID) {
	m := v.m
	loc := m.values[inst].Loc
	if !loc.Valid() {
		return
	}
	sp := m.funcs[v.f].subprogram
	if sp == NoMeta {
		v.errorf("%s has a debug location but the function has no subprogram", v.describe(inst))
		return
	}
	if loc.Scope != sp {
		v.errorf("%s has a debug location outside the function's subprogram", v.describe(inst))
	}
}

func (v *verifier) describe(id ValueID) string {
	if id < 0 || int(id) >= len(v.m.values) {
		return fmt.Sprintf("<invalid %d>", id)
	}
	val := v.m.values[id]
	switch {
	case val.Op == OpConst:
		return fmt.Sprintf("%s %d", val.Type, val.Imm)
	case val.Name != "":
		return "%" + val.Name
	default:
		return fmt.Sprintf("<%s #%d>", val.Op, id)
	}
}
