package amd64

import (
	"fmt"

	"github.com/tinyrange/sumjit/internal/asm"
)

type operandSize uint8

const (
	size8  operandSize = 1
	size32 operandSize = 4
	size64 operandSize = 8
)

// Reg is a general-purpose register with an explicit operand size.
type Reg struct {
	id   asm.Variable
	size operandSize
}

// Reg64 constructs a 64-bit register operand.
func Reg64(id asm.Variable) Reg { return Reg{id: id, size: size64} }

// Reg32 constructs a 32-bit register operand. Writes zero extend to 64 bits.
func Reg32(id asm.Variable) Reg { return Reg{id: id, size: size32} }

// Reg8 constructs the low byte of a register.
func Reg8(id asm.Variable) Reg { return Reg{id: id, size: size8} }

// Memory describes an effective address [base + index*scale + disp].
type Memory struct {
	base     Reg
	index    Reg
	disp     int32
	scale    uint8
	hasIndex bool
}

// Mem constructs a memory operand referencing [base].
func Mem(base Reg) Memory {
	return Memory{base: base, scale: 1}
}

// MemIndex constructs a memory operand referencing [base + index*scale].
func MemIndex(base Reg, index Reg, scale uint8) Memory {
	if scale == 0 {
		scale = 1
	}
	return Memory{
		base:     base,
		index:    index,
		scale:    scale,
		hasIndex: true,
	}
}

// WithDisp returns a copy of the memory operand with the displacement set.
func (m Memory) WithDisp(disp int32) Memory {
	m.disp = disp
	return m
}

func (m Memory) validate() error {
	if m.base.size != size64 {
		return fmt.Errorf("base register must be 64-bit")
	}
	if m.hasIndex {
		if m.index.size != size64 {
			return fmt.Errorf("index register must be 64-bit")
		}
		switch m.scale {
		case 1, 2, 4, 8:
		default:
			return fmt.Errorf("invalid index scale %d", m.scale)
		}
	}
	return nil
}

// Condition is the low nibble of the Jcc/SETcc opcodes.
type Condition byte

const (
	CondBelow        Condition = 0x2
	CondAboveOrEqual Condition = 0x3
	CondEqual        Condition = 0x4
	CondNotEqual     Condition = 0x5
	CondBelowOrEqual Condition = 0x6
	CondAbove        Condition = 0x7
	CondLess         Condition = 0xC
	CondGreaterEqual Condition = 0xD
	CondLessEqual    Condition = 0xE
	CondGreater      Condition = 0xF
)

// Negate returns the condition that holds exactly when c does not.
func (c Condition) Negate() Condition {
	return c ^ 1
}

type fragmentFunc func(asm.Context) error

func (f fragmentFunc) Emit(ctx asm.Context) error { return f(ctx) }
