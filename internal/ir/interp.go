package ir

import (
	"errors"
	"fmt"
)

// ErrOutOfBounds is returned by Interpret for a load or store outside any
// live allocation, including through a null pointer.
var ErrOutOfBounds = errors.New("ir: memory access out of bounds")

// DefaultStepLimit bounds the number of instructions Interpret executes.
const DefaultStepLimit = 1 << 28

type pointer struct {
	region int // 0 is null
	offset int64
}

type cell struct {
	i     int64
	p     pointer
	isPtr bool
}

// Interpreter executes IR directly. Pointer arguments are []int64 slices,
// integer arguments are int64; a nil slice is a null pointer.
type Interpreter struct {
	m         *Module
	regions   []*region
	StepLimit int
}

// region is one allocation. Words holding pointers are tracked separately
// so a pointer survives a round trip through memory.
type region struct {
	words []int64
	ptrs  map[int64]pointer
}

func NewInterpreter(m *Module) *Interpreter {
	return &Interpreter{m: m, regions: []*region{nil}, StepLimit: DefaultStepLimit}
}

func (in *Interpreter) allocate(words []int64) pointer {
	in.regions = append(in.regions, &region{words: words, ptrs: make(map[int64]pointer)})
	return pointer{region: len(in.regions) - 1}
}

// Interpret runs f once with a fresh interpreter.
func Interpret(m *Module, f FuncID, args ...any) (int64, error) {
	return NewInterpreter(m).Run(f, args...)
}

func (in *Interpreter) Run(f FuncID, args ...any) (int64, error) {
	m := in.m
	if !m.validFunc(f) {
		return 0, fmt.Errorf("ir: invalid function handle %d", f)
	}
	params := m.funcs[f].params
	if len(args) != len(params) {
		return 0, fmt.Errorf("ir: %s takes %d arguments, got %d", m.funcs[f].name, len(params), len(args))
	}
	env := make(map[ValueID]cell)
	for i, a := range args {
		switch v := a.(type) {
		case []int64:
			if v == nil {
				env[params[i]] = cell{isPtr: true}
				continue
			}
			env[params[i]] = cell{isPtr: true, p: in.allocate(v)}
		case int64:
			env[params[i]] = cell{i: v}
		case int:
			env[params[i]] = cell{i: int64(v)}
		default:
			return 0, fmt.Errorf("ir: unsupported argument type %T", a)
		}
	}

	get := func(v ValueID) cell {
		if c, ok := m.ConstValue(v); ok {
			return cell{i: c}
		}
		return env[v]
	}

	steps := 0
	prev, blk := NoBlock, m.Entry(f)
	for {
		insts := m.blocks[blk].insts
		// Phis read their inputs simultaneously.
		phis := m.Phis(blk)
		updates := make([]cell, len(phis))
		for i, phi := range phis {
			found := false
			for _, inc := range m.Incoming(phi) {
				if inc.Block == prev {
					updates[i] = get(inc.Value)
					found = true
					break
				}
			}
			if !found {
				return 0, fmt.Errorf("ir: phi %%%s has no entry for the executed edge", m.values[phi].Name)
			}
		}
		for i, phi := range phis {
			env[phi] = updates[i]
		}

		cur := blk
		for _, id := range insts[len(phis):] {
			steps++
			if in.StepLimit > 0 && steps > in.StepLimit {
				return 0, fmt.Errorf("ir: step limit %d exceeded", in.StepLimit)
			}
			val := &m.values[id]
			switch {
			case val.Op.IsBinary():
				a, b := get(val.Operands[0]).i, get(val.Operands[1]).i
				r := evalBinary(val.Op, a, b)
				if val.Type == I1 {
					r &= 1
				}
				env[id] = cell{i: r}
			case val.Op == OpICmp:
				a, b := get(val.Operands[0]), get(val.Operands[1])
				var r bool
				if a.isPtr || b.isPtr {
					r = (a.p == b.p) == (val.Pred == PredEQ)
				} else {
					r = val.Pred.Eval(a.i, b.i)
				}
				env[id] = cell{i: boolInt(r)}
			case val.Op == OpAlloca:
				env[id] = cell{isPtr: true, p: in.allocate(make([]int64, 1))}
			case val.Op == OpGEP:
				base := get(val.Operands[0]).p
				base.offset += get(val.Operands[1]).i * int64(val.Elem.Size())
				env[id] = cell{isPtr: true, p: base}
			case val.Op == OpLoad:
				c, err := in.load(get(val.Operands[0]).p)
				if err != nil {
					return 0, err
				}
				env[id] = c
			case val.Op == OpStore:
				if err := in.store(get(val.Operands[1]).p, get(val.Operands[0])); err != nil {
					return 0, err
				}
			case val.Op == OpDeclare:
			case val.Op == OpBr:
				prev, blk = blk, val.Targets[0]
			case val.Op == OpCondBr:
				next := val.Targets[1]
				if get(val.Operands[0]).i&1 != 0 {
					next = val.Targets[0]
				}
				prev, blk = blk, next
			case val.Op == OpRet:
				if len(val.Operands) == 0 {
					return 0, nil
				}
				return get(val.Operands[0]).i, nil
			default:
				return 0, fmt.Errorf("ir: cannot interpret %s", val.Op)
			}
		}
		if prev != cur {
			return 0, fmt.Errorf("ir: block %%%s ended without a terminator", m.blocks[cur].name)
		}
	}
}

func (in *Interpreter) resolve(p pointer) (*region, int64, error) {
	if p.region <= 0 || p.region >= len(in.regions) || p.offset < 0 || p.offset%8 != 0 {
		return nil, 0, ErrOutOfBounds
	}
	r := in.regions[p.region]
	idx := p.offset / 8
	if idx >= int64(len(r.words)) {
		return nil, 0, ErrOutOfBounds
	}
	return r, idx, nil
}

func (in *Interpreter) load(p pointer) (cell, error) {
	r, idx, err := in.resolve(p)
	if err != nil {
		return cell{}, err
	}
	if ptr, ok := r.ptrs[idx]; ok {
		return cell{isPtr: true, p: ptr}, nil
	}
	return cell{i: r.words[idx]}, nil
}

func (in *Interpreter) store(p pointer, c cell) error {
	r, idx, err := in.resolve(p)
	if err != nil {
		return err
	}
	if c.isPtr {
		r.ptrs[idx] = c.p
		return nil
	}
	delete(r.ptrs, idx)
	r.words[idx] = c.i
	return nil
}

func evalBinary(op Opcode, a, b int64) int64 {
	switch op {
	case OpAdd:
		return a + b
	case OpSub:
		return a - b
	case OpMul:
		return a * b
	case OpAnd:
		return a & b
	case OpOr:
		return a | b
	case OpXor:
		return a ^ b
	}
	return 0
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
