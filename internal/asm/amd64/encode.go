package amd64

import (
	"encoding/binary"
	"fmt"
	"math"
)

type rexState struct {
	w     bool
	r     bool
	x     bool
	b     bool
	force bool
}

func (r rexState) prefix() byte {
	if !r.w && !r.r && !r.x && !r.b && !r.force {
		return 0
	}
	p := byte(0x40)
	if r.w {
		p |= 0x08
	}
	if r.r {
		p |= 0x04
	}
	if r.x {
		p |= 0x02
	}
	if r.b {
		p |= 0x01
	}
	return p
}

type memEncoding struct {
	modrm byte
	sib   []byte
	disp  []byte
	rex   rexState
}

func encodeMemoryOperand(mem Memory) (memEncoding, error) {
	if err := mem.validate(); err != nil {
		return memEncoding{}, err
	}
	baseInfo, err := regInfo(mem.base.id)
	if err != nil {
		return memEncoding{}, err
	}
	var indexInfo registerCode
	if mem.hasIndex {
		indexInfo, err = regInfo(mem.index.id)
		if err != nil {
			return memEncoding{}, err
		}
		if mem.index.id == RSP {
			return memEncoding{}, fmt.Errorf("rsp cannot be used as index register")
		}
	}

	enc := memEncoding{
		rex: rexState{
			b: baseInfo.high,
			x: mem.hasIndex && indexInfo.high,
		},
	}

	rm := baseInfo.code
	switch disp := mem.disp; {
	// rbp/r13 have no disp-less form
	case disp == 0 && rm != 5:
		enc.modrm = 0x00
	case disp >= math.MinInt8 && disp <= math.MaxInt8:
		enc.modrm = 0x40
		enc.disp = []byte{byte(int8(disp))}
	default:
		enc.modrm = 0x80
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], uint32(disp))
		enc.disp = buf[:]
	}

	if mem.hasIndex || rm == 4 {
		indexCode := byte(4)
		if mem.hasIndex {
			indexCode = indexInfo.code
		}
		var scaleBits byte
		switch mem.scale {
		case 1:
			scaleBits = 0
		case 2:
			scaleBits = 1
		case 4:
			scaleBits = 2
		case 8:
			scaleBits = 3
		}
		enc.sib = []byte{scaleBits<<6 | indexCode<<3 | rm}
		rm = 4
	}
	enc.modrm |= rm
	return enc, nil
}

// encodeRegMem encodes opcode with a register in ModRM.reg and a memory
// operand in ModRM.rm.
func encodeRegMem(opcode []byte, reg Reg, mem Memory) ([]byte, error) {
	info, err := regInfo(reg.id)
	if err != nil {
		return nil, err
	}
	memEnc, err := encodeMemoryOperand(mem)
	if err != nil {
		return nil, err
	}
	rex := memEnc.rex
	rex.r = info.high
	rex.w = reg.size == size64
	rex.force = reg.size == size8 && info.needsRex

	out := make([]byte, 0, 10)
	if p := rex.prefix(); p != 0 {
		out = append(out, p)
	}
	out = append(out, opcode...)
	out = append(out, memEnc.modrm|info.code<<3)
	out = append(out, memEnc.sib...)
	out = append(out, memEnc.disp...)
	return out, nil
}

// encodeRegReg encodes opcode with reg in ModRM.reg and rm in ModRM.rm.
func encodeRegReg(opcode []byte, reg, rm Reg) ([]byte, error) {
	if reg.size != rm.size {
		return nil, fmt.Errorf("mismatched register widths: %d vs %d", reg.size, rm.size)
	}
	regCode, err := regInfo(reg.id)
	if err != nil {
		return nil, err
	}
	rmCode, err := regInfo(rm.id)
	if err != nil {
		return nil, err
	}
	rex := rexState{
		w:     reg.size == size64,
		r:     regCode.high,
		b:     rmCode.high,
		force: reg.size == size8 && (regCode.needsRex || rmCode.needsRex),
	}
	out := make([]byte, 0, 4)
	if p := rex.prefix(); p != 0 {
		out = append(out, p)
	}
	out = append(out, opcode...)
	out = append(out, 0xC0|regCode.code<<3|rmCode.code)
	return out, nil
}

func encodeMovRegImm(reg Reg, value int64) ([]byte, error) {
	info, err := regInfo(reg.id)
	if err != nil {
		return nil, err
	}
	switch {
	case reg.size == size64 && value >= 0 && value <= math.MaxUint32:
		// mov r32, imm32 zero extends
		reg.size = size32
	case reg.size == size64 && value >= math.MinInt32 && value < 0:
		out := make([]byte, 0, 7)
		out = append(out, rexState{w: true, b: info.high}.prefix(), 0xC7, 0xC0|info.code)
		return binary.LittleEndian.AppendUint32(out, uint32(int32(value))), nil
	case reg.size == size64:
		out := make([]byte, 0, 10)
		out = append(out, rexState{w: true, b: info.high}.prefix(), 0xB8+info.code)
		return binary.LittleEndian.AppendUint64(out, uint64(value)), nil
	}
	if reg.size != size32 {
		return nil, fmt.Errorf("unsupported immediate move width %d", reg.size)
	}
	out := make([]byte, 0, 6)
	if p := (rexState{b: info.high}).prefix(); p != 0 {
		out = append(out, p)
	}
	out = append(out, 0xB8+info.code)
	return binary.LittleEndian.AppendUint32(out, uint32(value)), nil
}

// encodeALURegImm encodes the 0x81/0x83 group; op is the ModRM.reg
// extension (0 add, 1 or, 4 and, 5 sub, 6 xor, 7 cmp).
func encodeALURegImm(op byte, reg Reg, value int32) ([]byte, error) {
	if reg.size == size8 {
		return nil, fmt.Errorf("8-bit immediate arithmetic is not supported")
	}
	info, err := regInfo(reg.id)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 7)
	if p := (rexState{w: reg.size == size64, b: info.high}).prefix(); p != 0 {
		out = append(out, p)
	}
	if value >= math.MinInt8 && value <= math.MaxInt8 {
		return append(out, 0x83, 0xC0|op<<3|info.code, byte(int8(value))), nil
	}
	out = append(out, 0x81, 0xC0|op<<3|info.code)
	return binary.LittleEndian.AppendUint32(out, uint32(value)), nil
}

func encodeSetcc(cond Condition, dst Reg) ([]byte, error) {
	if dst.size != size8 {
		return nil, fmt.Errorf("setcc requires an 8-bit register")
	}
	info, err := regInfo(dst.id)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 4)
	if p := (rexState{b: info.high, force: info.needsRex}).prefix(); p != 0 {
		out = append(out, p)
	}
	return append(out, 0x0F, 0x90|byte(cond), 0xC0|info.code), nil
}

func encodePushPop(opcode byte, reg Reg) ([]byte, error) {
	if reg.size != size64 {
		return nil, fmt.Errorf("push/pop requires a 64-bit register")
	}
	info, err := regInfo(reg.id)
	if err != nil {
		return nil, err
	}
	if info.high {
		return []byte{0x41, opcode + info.code}, nil
	}
	return []byte{opcode + info.code}, nil
}
