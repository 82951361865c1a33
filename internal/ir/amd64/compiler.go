// Package amd64 lowers IR modules to x86-64 machine code.
//
// Every SSA value lives in its own frame slot addressed from rbp; each
// instruction loads its operands into scratch registers, computes, and
// spills the result. The code is simple and easy for a debugger to follow.
package amd64

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tinyrange/sumjit/internal/asm"
	"github.com/tinyrange/sumjit/internal/asm/amd64"
	"github.com/tinyrange/sumjit/internal/ir"
	"github.com/tinyrange/sumjit/internal/target"
)

const stackAlignment = 16

var paramRegisters = []asm.Variable{amd64.RDI, amd64.RSI, amd64.RDX, amd64.RCX, amd64.R8, amd64.R9}

var predicateConditions = map[ir.Predicate]amd64.Condition{
	ir.PredEQ:  amd64.CondEqual,
	ir.PredNE:  amd64.CondNotEqual,
	ir.PredSLT: amd64.CondLess,
	ir.PredSLE: amd64.CondLessEqual,
	ir.PredSGT: amd64.CondGreater,
	ir.PredSGE: amd64.CondGreaterEqual,
	ir.PredULT: amd64.CondBelow,
	ir.PredULE: amd64.CondBelowOrEqual,
	ir.PredUGT: amd64.CondAbove,
	ir.PredUGE: amd64.CondAboveOrEqual,
}

type backend struct{}

func init() {
	ir.RegisterBackend(target.ArchX86_64, backend{})
}

func (backend) Compile(m *ir.Module, triple target.Triple) (*ir.Object, error) {
	return Compile(m, triple)
}

// Compile lowers every function of m into one program.
func Compile(m *ir.Module, triple target.Triple) (*ir.Object, error) {
	if triple.Arch != target.ArchX86_64 {
		return nil, fmt.Errorf("amd64: cannot compile for %s", triple)
	}
	var (
		program   asm.Group
		compilers []*compiler
	)
	constants := &constantPool{ids: make(map[int64]asm.Variable)}
	for _, f := range m.Functions() {
		c, err := newCompiler(m, f, constants)
		if err != nil {
			return nil, err
		}
		if err := c.compileFunction(); err != nil {
			return nil, fmt.Errorf("amd64: @%s: %w", m.FuncName(f), err)
		}
		program = append(program, c.fragments)
		compilers = append(compilers, c)
	}
	prog, err := amd64.EmitProgram(program)
	if err != nil {
		return nil, fmt.Errorf("amd64: %w", err)
	}

	obj := &ir.Object{
		Triple:     triple,
		Program:    prog,
		FrameSlots: make(map[ir.ValueID]int32),
	}
	for _, c := range compilers {
		start, _ := prog.Label(c.label("entry"))
		end, _ := prog.Label(c.label("end"))
		prologueEnd, _ := prog.Label(c.label("prologue"))
		obj.Symbols = append(obj.Symbols, ir.ObjectSymbol{
			Name:        m.FuncName(c.fn),
			Func:        c.fn,
			Offset:      start,
			Size:        end - start,
			Exported:    !m.Internal(c.fn),
			PrologueEnd: prologueEnd,
		})
		for v, off := range c.allocaOffsets {
			obj.FrameSlots[v] = off
		}
	}
	obj.Lines = lineTable(m, prog.Marks())
	return obj, nil
}

// lineTable keeps the marks of located instructions that emit code,
// dropping entries that repeat the previous location.
func lineTable(m *ir.Module, marks []asm.MarkEntry) []ir.LineEntry {
	var out []ir.LineEntry
	for _, mk := range marks {
		v := m.Value(ir.ValueID(mk.ID))
		if !v.Loc.Valid() || v.Op == ir.OpDeclare || v.Op == ir.OpAlloca {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Loc == v.Loc && out[n-1].Func == v.Func {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Offset == mk.Offset {
			out[n-1] = ir.LineEntry{Offset: mk.Offset, Func: v.Func, Loc: v.Loc}
			continue
		}
		out = append(out, ir.LineEntry{Offset: mk.Offset, Func: v.Func, Loc: v.Loc})
	}
	return out
}

// constantPool hands out one pool entry per distinct wide constant.
type constantPool struct {
	ids map[int64]asm.Variable
}

func (p *constantPool) variable(value int64) asm.Variable {
	if v, ok := p.ids[value]; ok {
		return v
	}
	v := amd64.ConstantVariable(len(p.ids))
	p.ids[value] = v
	return v
}

type compiler struct {
	m         *ir.Module
	fn        ir.FuncID
	constants *constantPool
	fragments asm.Group

	// slots maps each value with a result to its rbp relative offset.
	slots map[ir.ValueID]int32
	// phiTemps hold phi inputs while an edge's copies are in flight.
	phiTemps map[ir.ValueID]int32
	// allocaOffsets is the storage each alloca points at.
	allocaOffsets map[ir.ValueID]int32
	frameSize     int32
}

func newCompiler(m *ir.Module, fn ir.FuncID, constants *constantPool) (*compiler, error) {
	c := &compiler{
		m:             m,
		fn:            fn,
		constants:     constants,
		slots:         make(map[ir.ValueID]int32),
		phiTemps:      make(map[ir.ValueID]int32),
		allocaOffsets: make(map[ir.ValueID]int32),
	}
	if len(m.Blocks(fn)) == 0 {
		return nil, fmt.Errorf("amd64: @%s has no body", m.FuncName(fn))
	}
	if n := len(m.Params(fn)); n > len(paramRegisters) {
		return nil, fmt.Errorf("amd64: @%s has %d parameters (max %d)", m.FuncName(fn), n, len(paramRegisters))
	}

	var next int32
	reserve := func() int32 {
		next += 8
		return -next
	}
	for _, p := range m.Params(fn) {
		c.slots[p] = reserve()
	}
	for _, b := range m.Blocks(fn) {
		for _, inst := range m.Instructions(b) {
			v := m.Value(inst)
			switch {
			case v.Op == ir.OpAlloca:
				if v.Elem.Size() == 0 {
					return nil, fmt.Errorf("amd64: alloca of %s", v.Elem)
				}
				c.allocaOffsets[inst] = reserve()
			case v.Op == ir.OpPhi:
				c.slots[inst] = reserve()
				c.phiTemps[inst] = reserve()
			case v.Type != ir.Void:
				c.slots[inst] = reserve()
			}
		}
	}
	c.frameSize = int32(alignTo(int(next), stackAlignment))
	return c, nil
}

func alignTo(value, boundary int) int {
	return (value + boundary - 1) &^ (boundary - 1)
}

func (c *compiler) emit(frags ...asm.Fragment) {
	c.fragments = append(c.fragments, frags...)
}

func (c *compiler) label(name string) asm.Label {
	return asm.Label(fmt.Sprintf("%s:%s", c.m.FuncName(c.fn), name))
}

func (c *compiler) blockLabel(b ir.BlockID) asm.Label {
	return c.label(fmt.Sprintf("b%d", b))
}

func (c *compiler) edgeLabel(from, to ir.BlockID) asm.Label {
	return c.label(fmt.Sprintf("b%d.b%d", from, to))
}

func frame(offset int32) amd64.Memory {
	return amd64.Mem(amd64.Reg64(amd64.RBP)).WithDisp(offset)
}

func (c *compiler) compileFunction() error {
	c.emit(asm.MarkLabel(c.label("entry")))
	c.emit(
		amd64.Push(amd64.Reg64(amd64.RBP)),
		amd64.MovReg(amd64.Reg64(amd64.RBP), amd64.Reg64(amd64.RSP)),
	)
	if c.frameSize > 0 {
		c.emit(amd64.SubRegImm(amd64.Reg64(amd64.RSP), c.frameSize))
	}
	for i, p := range c.m.Params(c.fn) {
		c.emit(amd64.MovToMemory(frame(c.slots[p]), amd64.Reg64(paramRegisters[i])))
	}
	c.emit(asm.MarkLabel(c.label("prologue")))

	blocks := c.m.Blocks(c.fn)
	for i, b := range blocks {
		next := ir.NoBlock
		if i+1 < len(blocks) {
			next = blocks[i+1]
		}
		if err := c.compileBlock(b, next); err != nil {
			return err
		}
	}
	c.emit(asm.MarkLabel(c.label("end")))
	return nil
}

func (c *compiler) compileBlock(b, next ir.BlockID) error {
	c.emit(asm.MarkLabel(c.blockLabel(b)))
	for _, inst := range c.m.Instructions(b) {
		v := c.m.Value(inst)
		if v.Op == ir.OpPhi {
			continue
		}
		c.emit(asm.Mark(int(inst)))
		if err := c.compileInstruction(v, next); err != nil {
			return fmt.Errorf("%s in block %s: %w", v.Op, c.m.BlockName(b), err)
		}
	}
	return nil
}

func (c *compiler) compileInstruction(v ir.Value, next ir.BlockID) error {
	rax, rcx, rdx := amd64.Reg64(amd64.RAX), amd64.Reg64(amd64.RCX), amd64.Reg64(amd64.RDX)
	switch {
	case v.Op.IsBinary():
		c.loadValue(rax, v.Operands[0])
		c.loadValue(rcx, v.Operands[1])
		switch v.Op {
		case ir.OpAdd:
			c.emit(amd64.AddRegReg(rax, rcx))
		case ir.OpSub:
			c.emit(amd64.SubRegReg(rax, rcx))
		case ir.OpMul:
			c.emit(amd64.ImulRegReg(rax, rcx))
		case ir.OpAnd:
			c.emit(amd64.AndRegReg(rax, rcx))
		case ir.OpOr:
			c.emit(amd64.OrRegReg(rax, rcx))
		case ir.OpXor:
			c.emit(amd64.XorRegReg(rax, rcx))
		}
		if v.Type == ir.I1 {
			c.emit(amd64.MovImmediate(rcx, 1), amd64.AndRegReg(rax, rcx))
		}
		c.storeResult(v.ID, rax)
	case v.Op == ir.OpICmp:
		cond, ok := predicateConditions[v.Pred]
		if !ok {
			return fmt.Errorf("unknown predicate %s", v.Pred)
		}
		c.loadValue(rax, v.Operands[0])
		c.loadValue(rcx, v.Operands[1])
		c.emit(
			amd64.XorRegReg(amd64.Reg32(amd64.RDX), amd64.Reg32(amd64.RDX)),
			amd64.CmpRegReg(rax, rcx),
			amd64.SetIf(cond, amd64.Reg8(amd64.RDX)),
		)
		c.storeResult(v.ID, rdx)
	case v.Op == ir.OpAlloca, v.Op == ir.OpDeclare:
		// Allocas are addressed directly from the frame.
	case v.Op == ir.OpLoad:
		if err := checkMemoryType(v.Elem); err != nil {
			return err
		}
		c.loadValue(rax, v.Operands[0])
		c.emit(amd64.MovFromMemory(rax, amd64.Mem(rax)))
		c.storeResult(v.ID, rax)
	case v.Op == ir.OpStore:
		if err := checkMemoryType(c.m.TypeOf(v.Operands[0])); err != nil {
			return err
		}
		c.loadValue(rcx, v.Operands[0])
		c.loadValue(rax, v.Operands[1])
		c.emit(amd64.MovToMemory(amd64.Mem(rax), rcx))
	case v.Op == ir.OpGEP:
		scale := v.Elem.Size()
		switch scale {
		case 1, 2, 4, 8:
		default:
			return fmt.Errorf("cannot index elements of %s", v.Elem)
		}
		c.loadValue(rax, v.Operands[0])
		c.loadValue(rcx, v.Operands[1])
		c.emit(amd64.Lea(rax, amd64.MemIndex(rax, rcx, uint8(scale))))
		c.storeResult(v.ID, rax)
	case v.Op == ir.OpBr:
		c.compileEdge(v.Block, v.Targets[0], next)
	case v.Op == ir.OpCondBr:
		c.compileCondBr(v, next)
	case v.Op == ir.OpRet:
		if len(v.Operands) > 0 {
			c.loadValue(rax, v.Operands[0])
		}
		c.emit(
			amd64.MovReg(amd64.Reg64(amd64.RSP), amd64.Reg64(amd64.RBP)),
			amd64.Pop(amd64.Reg64(amd64.RBP)),
			amd64.Ret(),
		)
	default:
		return fmt.Errorf("unsupported instruction")
	}
	return nil
}

// Memory is accessed in whole 64-bit words.
func checkMemoryType(t ir.Type) error {
	if t == ir.Void {
		return fmt.Errorf("memory access of void")
	}
	return nil
}

func (c *compiler) compileCondBr(v ir.Value, next ir.BlockID) {
	rax := amd64.Reg64(amd64.RAX)
	from, then, els := v.Block, v.Targets[0], v.Targets[1]
	c.loadValue(rax, v.Operands[0])
	c.emit(amd64.TestRegReg(rax, rax))

	if len(c.m.Phis(then)) == 0 {
		c.emit(amd64.JumpIf(amd64.CondNotEqual, c.blockLabel(then)))
		c.compileEdge(from, els, next)
		return
	}
	// The taken edge needs its own phi copies, emitted after the
	// fallthrough edge.
	stub := c.edgeLabel(from, then)
	c.emit(amd64.JumpIf(amd64.CondNotEqual, stub))
	c.compileEdge(from, els, ir.NoBlock)
	c.emit(asm.MarkLabel(stub))
	c.compileEdge(from, then, next)
}

// compileEdge copies phi inputs for the edge from -> to and jumps unless
// to is the next block in layout.
func (c *compiler) compileEdge(from, to, next ir.BlockID) {
	rax := amd64.Reg64(amd64.RAX)
	phis := c.m.Phis(to)
	// Inputs are read before any phi of the edge is written.
	for _, phi := range phis {
		for _, in := range c.m.Incoming(phi) {
			if in.Block == from {
				c.loadValue(rax, in.Value)
				c.emit(amd64.MovToMemory(frame(c.phiTemps[phi]), rax))
			}
		}
	}
	for _, phi := range phis {
		c.emit(
			amd64.MovFromMemory(rax, frame(c.phiTemps[phi])),
			amd64.MovToMemory(frame(c.slots[phi]), rax),
		)
	}
	if to != next {
		c.emit(amd64.Jump(c.blockLabel(to)))
	}
}

func (c *compiler) loadValue(dst amd64.Reg, v ir.ValueID) {
	if imm, ok := c.m.ConstValue(v); ok {
		if imm >= math.MinInt32 && imm <= math.MaxInt32 {
			c.emit(amd64.MovImmediate(dst, imm))
			return
		}
		var data [8]byte
		binary.LittleEndian.PutUint64(data[:], uint64(imm))
		c.emit(
			amd64.LoadConstant(dst, c.constants.variable(imm), data[:]),
			amd64.MovFromMemory(dst, amd64.Mem(dst)),
		)
		return
	}
	if off, ok := c.allocaOffsets[v]; ok {
		c.emit(amd64.Lea(dst, frame(off)))
		return
	}
	c.emit(amd64.MovFromMemory(dst, frame(c.slots[v])))
}

func (c *compiler) storeResult(v ir.ValueID, src amd64.Reg) {
	c.emit(amd64.MovToMemory(frame(c.slots[v]), src))
}
