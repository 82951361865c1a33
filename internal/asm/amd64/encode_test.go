package amd64

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"testing"

	"github.com/tinyrange/sumjit/internal/asm"
)

func TestInstructionEncoding(t *testing.T) {
	tests := []struct {
		name string
		frag asm.Fragment
		want string
	}{
		{"mov rax, rcx", MovReg(Reg64(RAX), Reg64(RCX)), "488bc1"},
		{"add rax, r8", AddRegReg(Reg64(RAX), Reg64(R8)), "4903c0"},
		{"sub r9, rdx", SubRegReg(Reg64(R9), Reg64(RDX)), "4c2bca"},
		{"imul rax, rcx", ImulRegReg(Reg64(RAX), Reg64(RCX)), "480fafc1"},
		{"mov rax, [rdi+rsi*8]", MovFromMemory(Reg64(RAX), MemIndex(Reg64(RDI), Reg64(RSI), 8)), "488b04f7"},
		{"mov [rbp-8], rax", MovToMemory(Mem(Reg64(RBP)).WithDisp(-8), Reg64(RAX)), "488945f8"},
		{"mov [rbp-0x100], rcx", MovToMemory(Mem(Reg64(RBP)).WithDisp(-0x100), Reg64(RCX)), "48898d00ffffff"},
		{"mov rcx, [rsp+8]", MovFromMemory(Reg64(RCX), Mem(Reg64(RSP)).WithDisp(8)), "488b4c2408"},
		{"mov rax, [rbp]", MovFromMemory(Reg64(RAX), Mem(Reg64(RBP))), "488b4500"},
		{"mov eax, 1", MovImmediate(Reg64(RAX), 1), "b801000000"},
		{"mov rax, -1", MovImmediate(Reg64(RAX), -1), "48c7c0ffffffff"},
		{"movabs r9, 1<<40", MovImmediate(Reg64(R9), 1<<40), "49b90000000000010000"},
		{"sub rsp, 32", SubRegImm(Reg64(RSP), 32), "4883ec20"},
		{"add rsp, 0x200", AddRegImm(Reg64(RSP), 0x200), "4881c400020000"},
		{"cmp rsi, 0", CmpRegImm(Reg64(RSI), 0), "4883fe00"},
		{"cmp rax, rcx", CmpRegReg(Reg64(RAX), Reg64(RCX)), "483bc1"},
		{"test rax, rax", TestRegReg(Reg64(RAX), Reg64(RAX)), "4885c0"},
		{"sete dl", SetIf(CondEqual, Reg8(RDX)), "0f94c2"},
		{"setl sil", SetIf(CondLess, Reg8(RSI)), "400f9cc6"},
		{"movzx rax, dl", MovZX8(Reg64(RAX), Reg8(RDX)), "480fb6c2"},
		{"lea rax, [rax+rcx*8]", Lea(Reg64(RAX), MemIndex(Reg64(RAX), Reg64(RCX), 8)), "488d04c8"},
		{"lea rax, [rbp-16]", Lea(Reg64(RAX), Mem(Reg64(RBP)).WithDisp(-16)), "488d45f0"},
		{"push rbp", Push(Reg64(RBP)), "55"},
		{"push r12", Push(Reg64(R12)), "4154"},
		{"pop rbp", Pop(Reg64(RBP)), "5d"},
		{"ret", Ret(), "c3"},
	}
	for _, tt := range tests {
		ctx := newContext()
		if err := tt.frag.Emit(ctx); err != nil {
			t.Fatalf("%s: emit: %v", tt.name, err)
		}
		if got := hex.EncodeToString(ctx.text); got != tt.want {
			t.Fatalf("%s: got %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestInvalidOperands(t *testing.T) {
	frags := map[string]asm.Fragment{
		"rsp index":       MovFromMemory(Reg64(RAX), MemIndex(Reg64(RAX), Reg64(RSP), 1)),
		"bad scale":       MovFromMemory(Reg64(RAX), MemIndex(Reg64(RAX), Reg64(RCX), 3)),
		"width mismatch":  MovReg(Reg64(RAX), Reg32(RCX)),
		"32-bit base":     MovFromMemory(Reg64(RAX), Mem(Reg32(RCX))),
		"setcc wide":      SetIf(CondEqual, Reg64(RAX)),
		"unknown reg":     MovReg(Reg64(asm.Variable(99)), Reg64(RAX)),
		"byte load":       MovFromMemory(Reg8(RAX), Mem(Reg64(RDI))),
		"constant in reg": LoadConstant(Reg64(RAX), RCX, []byte{1}),
	}
	for name, frag := range frags {
		if err := frag.Emit(newContext()); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestJumpPatching(t *testing.T) {
	prog, err := EmitProgram(asm.Group{
		asm.MarkLabel("top"),
		JumpIf(CondLess, "top"),
		Jump("end"),
		asm.MarkLabel("end"),
		Ret(),
	})
	if err != nil {
		t.Fatalf("EmitProgram: %v", err)
	}
	code := prog.Bytes()
	want, _ := hex.DecodeString("0f8cfaffffff" + "e900000000" + "c3")
	if !bytes.HasPrefix(code, want) {
		t.Fatalf("code=%x, want prefix %x", code, want)
	}
	if prog.TextSize()%16 != 0 {
		t.Fatalf("text size %d not padded", prog.TextSize())
	}
	if off, ok := prog.Label("end"); !ok || off != 11 {
		t.Fatalf("label end=%d,%v", off, ok)
	}
}

func TestUndefinedLabel(t *testing.T) {
	if _, err := EmitProgram(Jump("nowhere")); err == nil {
		t.Fatalf("expected undefined label error")
	}
}

func TestLoadConstantRelocation(t *testing.T) {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, 0x1122334455667788)
	prog, err := EmitProgram(asm.Group{
		asm.Mark(7),
		LoadConstant(Reg64(RAX), ConstantVariable(0), data),
		MovFromMemory(Reg64(RAX), Mem(Reg64(RAX))),
		Ret(),
	})
	if err != nil {
		t.Fatalf("EmitProgram: %v", err)
	}
	relocs := prog.Relocations()
	if len(relocs) != 1 || relocs[0] != 2 {
		t.Fatalf("relocations=%v, want [2]", relocs)
	}
	code := prog.Bytes()
	target := binary.LittleEndian.Uint64(code[2:])
	if int(target) != prog.TextSize() {
		t.Fatalf("constant offset=%d, want text size %d", target, prog.TextSize())
	}
	if got := binary.LittleEndian.Uint64(code[target:]); got != 0x1122334455667788 {
		t.Fatalf("constant=0x%x", got)
	}
	moved := prog.RelocatedCopy(0x1000)
	if got := binary.LittleEndian.Uint64(moved[2:]); got != 0x1000+target {
		t.Fatalf("relocated=0x%x", got)
	}
	if marks := prog.Marks(); len(marks) != 1 || marks[0].Offset != 0 || marks[0].ID != 7 {
		t.Fatalf("marks=%+v", marks)
	}
}
