// Package asm holds the architecture neutral pieces of the code emitters:
// fragments, labels, source marks and the relocatable Program they produce.
package asm

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Variable names either a machine register (per architecture package) or a
// constant pool entry added through Context.AddConstant.
type Variable int

// Context receives emitted machine code.
type Context interface {
	AddConstant(target Variable, data []byte)
	EmitBytes(data []byte)

	GetLabel(label Label) (int, bool)
	SetLabel(label Label)

	// Mark records that the next emitted byte starts the code for id.
	Mark(id int)
}

type Fragment interface {
	Emit(ctx Context) error
}

type Group []Fragment

var (
	_ Fragment = Group{}
)

func (g Group) Emit(ctx Context) error {
	for _, frag := range g {
		if err := frag.Emit(ctx); err != nil {
			return err
		}
	}
	return nil
}

type Label string

type labelDef struct {
	label Label
}

func MarkLabel(label Label) Fragment {
	return &labelDef{label: label}
}

func (l *labelDef) Emit(ctx Context) error {
	if _, exists := ctx.GetLabel(l.label); exists {
		return fmt.Errorf("label %q already defined", l.label)
	}
	ctx.SetLabel(l.label)
	return nil
}

type markDef int

// Mark emits no code; it tags the current text offset with id. Code
// generators use it to map instructions back to their IR origin.
func Mark(id int) Fragment {
	return markDef(id)
}

func (m markDef) Emit(ctx Context) error {
	ctx.Mark(int(m))
	return nil
}

// MarkEntry associates a text offset with the id passed to Mark.
type MarkEntry struct {
	Offset int
	ID     int
}

// Program is position independent code plus the offsets of 64-bit
// absolute words that must be rebased when the code is placed in memory.
type Program struct {
	code        []byte
	textSize    int
	relocations []int
	labels      map[Label]int
	marks       []MarkEntry
}

func (p Program) Bytes() []byte {
	return append([]byte(nil), p.code...)
}

// TextSize is the length of the instruction stream; the constant pool
// follows it.
func (p Program) TextSize() int {
	return p.textSize
}

func (p Program) Relocations() []int {
	return append([]int(nil), p.relocations...)
}

// Label returns the offset of a label defined while emitting.
func (p Program) Label(l Label) (int, bool) {
	off, ok := p.labels[l]
	return off, ok
}

// Marks returns the recorded marks ordered by offset.
func (p Program) Marks() []MarkEntry {
	return append([]MarkEntry(nil), p.marks...)
}

// RelocatedCopy returns the code with every relocation rebased onto base.
func (p Program) RelocatedCopy(base uintptr) []byte {
	out := append([]byte(nil), p.code...)
	for _, off := range p.relocations {
		if off < 0 || off+8 > len(out) {
			continue
		}
		val := binary.LittleEndian.Uint64(out[off:])
		binary.LittleEndian.PutUint64(out[off:], val+uint64(base))
	}
	return out
}

func (p Program) Clone() Program {
	labels := make(map[Label]int, len(p.labels))
	for k, v := range p.labels {
		labels[k] = v
	}
	return Program{
		code:        append([]byte(nil), p.code...),
		textSize:    p.textSize,
		relocations: append([]int(nil), p.relocations...),
		labels:      labels,
		marks:       append([]MarkEntry(nil), p.marks...),
	}
}

func NewProgram(code []byte, textSize int, relocations []int, labels map[Label]int, marks []MarkEntry) Program {
	p := Program{
		code:        append([]byte(nil), code...),
		textSize:    textSize,
		relocations: append([]int(nil), relocations...),
		labels:      make(map[Label]int, len(labels)),
		marks:       append([]MarkEntry(nil), marks...),
	}
	for k, v := range labels {
		p.labels[k] = v
	}
	sort.SliceStable(p.marks, func(i, j int) bool { return p.marks[i].Offset < p.marks[j].Offset })
	return p
}
