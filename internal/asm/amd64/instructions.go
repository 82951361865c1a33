package amd64

import (
	"fmt"

	"github.com/tinyrange/sumjit/internal/asm"
)

func emit(encode func() ([]byte, error)) asm.Fragment {
	return fragmentFunc(func(ctx asm.Context) error {
		code, err := encode()
		if err != nil {
			return err
		}
		ctx.EmitBytes(code)
		return nil
	})
}

// MovImmediate loads a constant into dst using the shortest encoding.
func MovImmediate(dst Reg, value int64) asm.Fragment {
	return emit(func() ([]byte, error) { return encodeMovRegImm(dst, value) })
}

// MovReg copies src into dst.
func MovReg(dst, src Reg) asm.Fragment {
	return emit(func() ([]byte, error) { return encodeRegReg([]byte{0x8B}, dst, src) })
}

// MovToMemory stores src at mem.
func MovToMemory(mem Memory, src Reg) asm.Fragment {
	return emit(func() ([]byte, error) {
		if src.size == size8 {
			return encodeRegMem([]byte{0x88}, src, mem)
		}
		return encodeRegMem([]byte{0x89}, src, mem)
	})
}

// MovFromMemory loads dst from mem.
func MovFromMemory(dst Reg, mem Memory) asm.Fragment {
	return emit(func() ([]byte, error) {
		if dst.size == size8 {
			return nil, fmt.Errorf("byte loads must zero extend; use MovZX8")
		}
		return encodeRegMem([]byte{0x8B}, dst, mem)
	})
}

// MovZX8 zero extends the low byte of src into dst.
func MovZX8(dst, src Reg) asm.Fragment {
	return emit(func() ([]byte, error) {
		if src.size != size8 || dst.size == size8 {
			return nil, fmt.Errorf("movzx requires a byte source and wider destination")
		}
		src.size = dst.size
		return encodeRegReg([]byte{0x0F, 0xB6}, dst, src)
	})
}

// Lea computes the address of mem into dst.
func Lea(dst Reg, mem Memory) asm.Fragment {
	return emit(func() ([]byte, error) {
		if dst.size != size64 {
			return nil, fmt.Errorf("lea requires a 64-bit destination")
		}
		return encodeRegMem([]byte{0x8D}, dst, mem)
	})
}

func AddRegReg(dst, src Reg) asm.Fragment {
	return emit(func() ([]byte, error) { return encodeRegReg([]byte{0x03}, dst, src) })
}

func SubRegReg(dst, src Reg) asm.Fragment {
	return emit(func() ([]byte, error) { return encodeRegReg([]byte{0x2B}, dst, src) })
}

func AndRegReg(dst, src Reg) asm.Fragment {
	return emit(func() ([]byte, error) { return encodeRegReg([]byte{0x23}, dst, src) })
}

func OrRegReg(dst, src Reg) asm.Fragment {
	return emit(func() ([]byte, error) { return encodeRegReg([]byte{0x0B}, dst, src) })
}

func XorRegReg(dst, src Reg) asm.Fragment {
	return emit(func() ([]byte, error) { return encodeRegReg([]byte{0x33}, dst, src) })
}

// ImulRegReg multiplies dst by src, keeping the low 64 bits.
func ImulRegReg(dst, src Reg) asm.Fragment {
	return emit(func() ([]byte, error) { return encodeRegReg([]byte{0x0F, 0xAF}, dst, src) })
}

// CmpRegReg sets flags for a - b.
func CmpRegReg(a, b Reg) asm.Fragment {
	return emit(func() ([]byte, error) { return encodeRegReg([]byte{0x3B}, a, b) })
}

// TestRegReg sets flags for a & b.
func TestRegReg(a, b Reg) asm.Fragment {
	return emit(func() ([]byte, error) { return encodeRegReg([]byte{0x85}, b, a) })
}

func AddRegImm(reg Reg, value int32) asm.Fragment {
	return emit(func() ([]byte, error) { return encodeALURegImm(0, reg, value) })
}

func SubRegImm(reg Reg, value int32) asm.Fragment {
	return emit(func() ([]byte, error) { return encodeALURegImm(5, reg, value) })
}

func CmpRegImm(reg Reg, value int32) asm.Fragment {
	return emit(func() ([]byte, error) { return encodeALURegImm(7, reg, value) })
}

// SetIf writes 1 to the byte register dst when cond holds, 0 otherwise.
func SetIf(cond Condition, dst Reg) asm.Fragment {
	return emit(func() ([]byte, error) { return encodeSetcc(cond, dst) })
}

func Push(reg Reg) asm.Fragment {
	return emit(func() ([]byte, error) { return encodePushPop(0x50, reg) })
}

func Pop(reg Reg) asm.Fragment {
	return emit(func() ([]byte, error) { return encodePushPop(0x58, reg) })
}

func Ret() asm.Fragment {
	return emit(func() ([]byte, error) { return []byte{0xC3}, nil })
}
