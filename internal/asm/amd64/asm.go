// Package amd64 encodes x86-64 machine code from asm fragments.
package amd64

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tinyrange/sumjit/internal/asm"
)

const (
	RAX asm.Variable = iota
	RBX
	RCX
	RDX
	RSI
	RDI
	RSP
	RBP
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

// firstConstant is the first Variable usable as a constant pool handle.
const firstConstant asm.Variable = 1 << 16

// ConstantVariable returns the n-th constant pool handle.
func ConstantVariable(n int) asm.Variable {
	return firstConstant + asm.Variable(n)
}

func EmitProgram(fragment asm.Fragment) (asm.Program, error) {
	ctx := newContext()
	if err := fragment.Emit(ctx); err != nil {
		return asm.Program{}, err
	}
	return ctx.finalize()
}

func EmitBytes(fragment asm.Fragment) ([]byte, error) {
	prog, err := EmitProgram(fragment)
	if err != nil {
		return nil, err
	}
	return prog.Bytes(), nil
}

type Context struct {
	text           []byte
	constData      []byte
	constLocations map[asm.Variable]int
	patches        []patch
	labels         map[asm.Label]int
	jumps          []jumpPatch
	marks          []asm.MarkEntry
}

// patch is an 8-byte absolute address in text pointing at a constant.
type patch struct {
	pos    int
	target asm.Variable
}

type jumpPatch struct {
	label asm.Label
	pos   int
}

func newContext() *Context {
	return &Context{
		constLocations: make(map[asm.Variable]int),
		labels:         make(map[asm.Label]int),
	}
}

func (c *Context) GetLabel(label asm.Label) (int, bool) {
	pos, ok := c.labels[label]
	return pos, ok
}

func (c *Context) SetLabel(label asm.Label) {
	c.labels[label] = len(c.text)
}

func (c *Context) Mark(id int) {
	c.marks = append(c.marks, asm.MarkEntry{Offset: len(c.text), ID: id})
}

func (c *Context) AddConstant(target asm.Variable, data []byte) {
	offset := alignTo(len(c.constData), 8)
	c.constData = append(c.constData, make([]byte, offset-len(c.constData))...)
	c.constLocations[target] = offset
	c.constData = append(c.constData, data...)
}

func (c *Context) EmitBytes(code []byte) {
	c.text = append(c.text, code...)
}

func alignTo(value, boundary int) int {
	if boundary <= 0 {
		return value
	}
	mask := boundary - 1
	return (value + mask) &^ mask
}

func (c *Context) finalize() (asm.Program, error) {
	const align = 16
	if rem := len(c.text) % align; rem != 0 {
		// int3 padding
		for i := 0; i < align-rem; i++ {
			c.text = append(c.text, 0xCC)
		}
	}
	textLen := len(c.text)

	relocations := make([]int, 0, len(c.patches))
	for _, p := range c.patches {
		offset, ok := c.constLocations[p.target]
		if !ok {
			return asm.Program{}, fmt.Errorf("undefined constant %d", p.target)
		}
		if p.pos+8 > textLen {
			return asm.Program{}, fmt.Errorf("text patch position out of range")
		}
		binary.LittleEndian.PutUint64(c.text[p.pos:p.pos+8], uint64(textLen+offset))
		relocations = append(relocations, p.pos)
	}

	for _, j := range c.jumps {
		target, ok := c.labels[j.label]
		if !ok {
			return asm.Program{}, fmt.Errorf("undefined label %q", j.label)
		}
		rel := target - (j.pos + 4)
		if rel < math.MinInt32 || rel > math.MaxInt32 {
			return asm.Program{}, fmt.Errorf("jump to label %q out of range", j.label)
		}
		binary.LittleEndian.PutUint32(c.text[j.pos:j.pos+4], uint32(int32(rel)))
	}

	code := append(c.text, c.constData...)
	return asm.NewProgram(code, textLen, relocations, c.labels, c.marks), nil
}

type registerCode struct {
	code     byte
	high     bool
	needsRex bool
}

func regInfo(v asm.Variable) (registerCode, error) {
	if v < RAX || v > R15 {
		return registerCode{}, fmt.Errorf("unsupported register %d", v)
	}
	codes := [...]byte{0, 3, 1, 2, 6, 7, 4, 5}
	if v >= R8 {
		return registerCode{code: byte(v - R8), high: true, needsRex: true}, nil
	}
	info := registerCode{code: codes[v]}
	switch v {
	case RSI, RDI, RSP, RBP:
		info.needsRex = true
	}
	return info, nil
}

// emitJump writes the opcode for an unconditional (cond < 0) or conditional
// rel32 jump and returns the position of the displacement.
func (c *Context) emitJump(cond int) int {
	if cond < 0 {
		c.text = append(c.text, 0xE9)
	} else {
		c.text = append(c.text, 0x0F, 0x80|byte(cond))
	}
	pos := len(c.text)
	c.text = append(c.text, 0, 0, 0, 0)
	return pos
}

type jump struct {
	label asm.Label
	cond  int
}

func (j *jump) Emit(_ctx asm.Context) error {
	ctx, err := requireContext(_ctx)
	if err != nil {
		return err
	}
	pos := ctx.emitJump(j.cond)
	ctx.jumps = append(ctx.jumps, jumpPatch{label: j.label, pos: pos})
	return nil
}

// Jump emits an unconditional jump to label.
func Jump(label asm.Label) asm.Fragment {
	return &jump{label: label, cond: -1}
}

// JumpIf emits a conditional jump taken when cond holds for the last
// comparison.
func JumpIf(cond Condition, label asm.Label) asm.Fragment {
	return &jump{label: label, cond: int(cond)}
}

func JumpIfEqual(label asm.Label) asm.Fragment    { return JumpIf(CondEqual, label) }
func JumpIfNotEqual(label asm.Label) asm.Fragment { return JumpIf(CondNotEqual, label) }
func JumpIfNotZero(label asm.Label) asm.Fragment  { return JumpIf(CondNotEqual, label) }
func JumpIfLess(label asm.Label) asm.Fragment     { return JumpIf(CondLess, label) }
func JumpIfGreater(label asm.Label) asm.Fragment  { return JumpIf(CondGreater, label) }

// LoadConstant loads the address of a constant pool entry into dst. The
// 64-bit immediate is recorded as a relocation.
func LoadConstant(dst Reg, target asm.Variable, data []byte) asm.Fragment {
	return fragmentFunc(func(_ctx asm.Context) error {
		ctx, err := requireContext(_ctx)
		if err != nil {
			return err
		}
		if dst.size != size64 {
			return fmt.Errorf("constant address requires a 64-bit register")
		}
		if target < firstConstant {
			return fmt.Errorf("constant handle %d collides with register ids", target)
		}
		if _, ok := ctx.constLocations[target]; !ok {
			ctx.AddConstant(target, data)
		}
		info, err := regInfo(dst.id)
		if err != nil {
			return err
		}
		rex := rexState{w: true, b: info.high}
		ctx.text = append(ctx.text, rex.prefix(), 0xB8+info.code)
		ctx.patches = append(ctx.patches, patch{pos: len(ctx.text), target: target})
		ctx.text = append(ctx.text, make([]byte, 8)...)
		return nil
	})
}

func requireContext(ctx asm.Context) (*Context, error) {
	c, ok := ctx.(*Context)
	if !ok {
		return nil, fmt.Errorf("amd64: unexpected context %T", ctx)
	}
	return c, nil
}
