package asm

import (
	"encoding/binary"
	"testing"
)

type recordingContext struct {
	text   []byte
	labels map[Label]int
	marks  []MarkEntry
}

func (c *recordingContext) AddConstant(Variable, []byte) {}
func (c *recordingContext) EmitBytes(b []byte)          { c.text = append(c.text, b...) }
func (c *recordingContext) GetLabel(l Label) (int, bool) {
	off, ok := c.labels[l]
	return off, ok
}
func (c *recordingContext) SetLabel(l Label) { c.labels[l] = len(c.text) }
func (c *recordingContext) Mark(id int) {
	c.marks = append(c.marks, MarkEntry{Offset: len(c.text), ID: id})
}

type rawBytes []byte

func (r rawBytes) Emit(ctx Context) error {
	ctx.EmitBytes(r)
	return nil
}

func TestGroupLabelsAndMarks(t *testing.T) {
	ctx := &recordingContext{labels: map[Label]int{}}
	err := Group{
		Mark(1),
		rawBytes{0x90, 0x90},
		MarkLabel("loop"),
		Mark(2),
		rawBytes{0xC3},
	}.Emit(ctx)
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if off := ctx.labels["loop"]; off != 2 {
		t.Fatalf("label offset=%d, want 2", off)
	}
	if len(ctx.marks) != 2 || ctx.marks[1].Offset != 2 || ctx.marks[1].ID != 2 {
		t.Fatalf("unexpected marks %+v", ctx.marks)
	}
}

func TestDuplicateLabel(t *testing.T) {
	ctx := &recordingContext{labels: map[Label]int{}}
	if err := (Group{MarkLabel("a"), MarkLabel("a")}).Emit(ctx); err == nil {
		t.Fatalf("duplicate label accepted")
	}
}

func TestRelocatedCopy(t *testing.T) {
	code := make([]byte, 16)
	binary.LittleEndian.PutUint64(code[8:], 0x10)
	p := NewProgram(code, 8, []int{8, 100}, nil, []MarkEntry{{Offset: 4, ID: 2}, {Offset: 0, ID: 1}})
	out := p.RelocatedCopy(0x1000)
	if got := binary.LittleEndian.Uint64(out[8:]); got != 0x1010 {
		t.Fatalf("relocated word=0x%x, want 0x1010", got)
	}
	if binary.LittleEndian.Uint64(p.Bytes()[8:]) != 0x10 {
		t.Fatalf("RelocatedCopy mutated the program")
	}
	if marks := p.Marks(); marks[0].ID != 1 {
		t.Fatalf("marks not sorted: %+v", marks)
	}
}
