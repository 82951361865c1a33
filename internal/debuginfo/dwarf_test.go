package debuginfo_test

import (
	"bytes"
	"debug/dwarf"
	"debug/elf"
	"errors"
	"io"
	"testing"

	"github.com/tinyrange/sumjit/internal/debuginfo"
	"github.com/tinyrange/sumjit/internal/ir"
	_ "github.com/tinyrange/sumjit/internal/ir/amd64"
	"github.com/tinyrange/sumjit/internal/kernel"
	"github.com/tinyrange/sumjit/internal/object"
	"github.com/tinyrange/sumjit/internal/target"
)

const base = 0x7f0000001000

func compile(t *testing.T, debug bool) (*ir.Module, *ir.Object) {
	t.Helper()
	m := ir.NewModule("dwarf")
	opts := kernel.Options{EmitDebugInfo: debug, SourceFile: "kernel.go", Directory: "/src"}
	if _, err := kernel.Build(m, opts); err != nil {
		t.Fatalf("kernel.Build: %v", err)
	}
	triple := target.Triple{Arch: target.ArchX86_64, OS: "linux"}
	backend, err := ir.LookupBackend(triple.Arch)
	if err != nil {
		t.Fatalf("LookupBackend: %v", err)
	}
	obj, err := backend.Compile(m, triple)
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	return m, obj
}

func emit(t *testing.T) (*ir.Module, *ir.Object, *dwarf.Data) {
	t.Helper()
	m, obj := compile(t, true)
	sections, err := debuginfo.EmitDWARF(m, obj, base)
	if err != nil {
		t.Fatalf("EmitDWARF: %v", err)
	}
	d, err := sections.Data()
	if err != nil {
		t.Fatalf("dwarf.New: %v", err)
	}
	return m, obj, d
}

func TestCompileUnit(t *testing.T) {
	_, obj, d := emit(t)
	cu, err := d.Reader().Next()
	if err != nil || cu == nil || cu.Tag != dwarf.TagCompileUnit {
		t.Fatalf("first entry %+v, %v", cu, err)
	}
	if cu.Val(dwarf.AttrName) != "kernel.go" || cu.Val(dwarf.AttrCompDir) != "/src" {
		t.Fatalf("compile unit names %v %v", cu.Val(dwarf.AttrName), cu.Val(dwarf.AttrCompDir))
	}
	if cu.Val(dwarf.AttrProducer) != kernel.Producer || cu.Val(dwarf.AttrLanguage) != int64(debuginfo.LangC) {
		t.Fatalf("producer %v language %v", cu.Val(dwarf.AttrProducer), cu.Val(dwarf.AttrLanguage))
	}
	sym, _ := obj.Symbol(kernel.DefaultFuncName)
	if cu.Val(dwarf.AttrLowpc) != uint64(base) || cu.Val(dwarf.AttrHighpc) != int64(sym.Size) {
		t.Fatalf("compile unit range %v+%v", cu.Val(dwarf.AttrLowpc), cu.Val(dwarf.AttrHighpc))
	}
}

func TestSubprogramAndVariables(t *testing.T) {
	_, obj, d := emit(t)
	r := d.Reader()
	var sp *dwarf.Entry
	vars := map[string]*dwarf.Entry{}
	var order []string
	for {
		e, err := r.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if e == nil {
			break
		}
		switch e.Tag {
		case dwarf.TagSubprogram:
			sp = e
		case dwarf.TagFormalParameter, dwarf.TagVariable:
			name, _ := e.Val(dwarf.AttrName).(string)
			vars[name] = e
			order = append(order, name)
		}
	}
	if sp == nil || sp.Val(dwarf.AttrName) != kernel.DefaultFuncName {
		t.Fatalf("subprogram %+v", sp)
	}
	sym, _ := obj.Symbol(kernel.DefaultFuncName)
	if sp.Val(dwarf.AttrLowpc) != uint64(base+sym.Offset) || sp.Val(dwarf.AttrHighpc) != int64(sym.Size) {
		t.Fatalf("subprogram range %v+%v", sp.Val(dwarf.AttrLowpc), sp.Val(dwarf.AttrHighpc))
	}
	if fb, _ := sp.Val(dwarf.AttrFrameBase).([]byte); !bytes.Equal(fb, []byte{0x56}) {
		t.Fatalf("frame base % x", fb)
	}
	if sp.Val(dwarf.AttrPrototyped) != true || sp.Val(dwarf.AttrExternal) != true {
		t.Fatalf("subprogram flags %v %v", sp.Val(dwarf.AttrPrototyped), sp.Val(dwarf.AttrExternal))
	}
	want := []string{"arr", "count", "sum", "i"}
	if len(order) != len(want) {
		t.Fatalf("variables %v, want %v", order, want)
	}
	for i, name := range want {
		if order[i] != name {
			t.Fatalf("variables %v, want %v", order, want)
		}
		loc, _ := vars[name].Val(dwarf.AttrLocation).([]byte)
		if len(loc) < 2 || loc[0] != 0x91 || loc[len(loc)-1]&0x40 == 0 {
			// fbreg with a negative offset
			t.Fatalf("%s location % x", name, loc)
		}
	}
	if vars["arr"].Tag != dwarf.TagFormalParameter || vars["sum"].Tag != dwarf.TagVariable {
		t.Fatalf("variable tags %v %v", vars["arr"].Tag, vars["sum"].Tag)
	}

	typ, err := d.Type(vars["arr"].Val(dwarf.AttrType).(dwarf.Offset))
	if err != nil {
		t.Fatalf("Type: %v", err)
	}
	ptr, ok := typ.(*dwarf.PtrType)
	if !ok || ptr.Type.String() != "int64_t" || ptr.Size() != 8 {
		t.Fatalf("arr type %v", typ)
	}
	if _, signed := ptr.Type.(*dwarf.IntType); !signed {
		t.Fatalf("element type %T, want a signed integer", ptr.Type)
	}
}

func TestLineTable(t *testing.T) {
	m, obj, d := emit(t)
	cu, _ := d.Reader().Next()
	lr, err := d.LineReader(cu)
	if err != nil || lr == nil {
		t.Fatalf("LineReader: %v", err)
	}
	sym, _ := obj.Symbol(kernel.DefaultFuncName)
	spLine := m.Meta(m.Subprogram(sym.Func)).Line

	var rows []dwarf.LineEntry
	for {
		var row dwarf.LineEntry
		if err := lr.Next(&row); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			t.Fatalf("line Next: %v", err)
		}
		rows = append(rows, row)
	}
	if len(rows) < 3 {
		t.Fatalf("only %d rows", len(rows))
	}
	if rows[0].Address != base || rows[0].Line != spLine {
		t.Fatalf("first row %+v, want line %d", rows[0], spLine)
	}
	last := rows[len(rows)-1]
	if !last.EndSequence || last.Address != base+uint64(sym.Size) {
		t.Fatalf("last row %+v", last)
	}
	for i, row := range rows[:len(rows)-1] {
		if row.File == nil || row.File.Name != "/src/kernel.go" {
			t.Fatalf("row %d file %+v", i, row.File)
		}
		if i > 0 && row.Address <= rows[i-1].Address {
			t.Fatalf("row %d address %#x not ascending", i, row.Address)
		}
	}
	if rows[1].Address < base+uint64(sym.PrologueEnd) {
		t.Fatalf("located row %#x inside the prologue", rows[1].Address)
	}
}

func TestNoCompileUnit(t *testing.T) {
	m, obj := compile(t, false)
	if _, err := debuginfo.EmitDWARF(m, obj, 0); !errors.Is(err, debuginfo.ErrNoCompileUnit) {
		t.Fatalf("EmitDWARF: %v", err)
	}
}

func TestSectionsInObject(t *testing.T) {
	m, obj := compile(t, true)
	sections, err := debuginfo.EmitDWARF(m, obj, 0)
	if err != nil {
		t.Fatalf("EmitDWARF: %v", err)
	}
	f, err := object.FromObject(obj, 0)
	if err != nil {
		t.Fatalf("FromObject: %v", err)
	}
	f.Sections = sections.ELF()
	raw, err := f.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	ef, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("elf.NewFile: %v", err)
	}
	d, err := ef.DWARF()
	if err != nil {
		t.Fatalf("DWARF: %v", err)
	}
	r := d.Reader()
	for {
		e, err := r.Next()
		if err != nil || e == nil {
			t.Fatalf("no subprogram found (%v)", err)
		}
		if e.Tag == dwarf.TagSubprogram {
			if e.Val(dwarf.AttrName) != kernel.DefaultFuncName {
				t.Fatalf("subprogram %v", e.Val(dwarf.AttrName))
			}
			return
		}
	}
}
