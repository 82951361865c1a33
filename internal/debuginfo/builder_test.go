package debuginfo

import (
	"errors"
	"testing"

	"github.com/tinyrange/sumjit/internal/ir"
)

type fixture struct {
	m      *ir.Module
	dib    *Builder
	fn     ir.FuncID
	file   ir.MetaID
	int64T ir.MetaID
	fnType ir.MetaID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m := ir.NewModule("debug")
	fn, err := m.NewFunction("get", ir.I64, ir.Param{Name: "p", Type: ir.Ptr})
	if err != nil {
		t.Fatal(err)
	}
	fx := &fixture{m: m, dib: NewBuilder(m), fn: fn}
	if fx.file, err = fx.dib.CreateFile("get.c", "/src"); err != nil {
		t.Fatal(err)
	}
	if _, err = fx.dib.CreateCompileUnit(LangC, fx.file, "test", false); err != nil {
		t.Fatal(err)
	}
	if fx.int64T, err = fx.dib.CreateBasicType("int64_t", 64, EncodingSigned); err != nil {
		t.Fatal(err)
	}
	ptrT, err := fx.dib.CreatePointerType(fx.int64T, 64)
	if err != nil {
		t.Fatal(err)
	}
	if fx.fnType, err = fx.dib.CreateSubroutineType(fx.int64T, ptrT); err != nil {
		t.Fatal(err)
	}
	return fx
}

func TestSubprogramAttachesToFunction(t *testing.T) {
	fx := newFixture(t)
	sp, err := fx.dib.CreateFunction(fx.fn, "get", fx.file, 3, fx.fnType, FlagPrototyped)
	if err != nil {
		t.Fatalf("CreateFunction: %v", err)
	}
	if got := fx.m.Subprogram(fx.fn); got != sp {
		t.Fatalf("Subprogram=%d, want %d", got, sp)
	}
	n := fx.m.Meta(sp)
	if n.Function != fx.fn || n.Scope != fx.m.CompileUnit() || n.Line != 3 {
		t.Fatalf("subprogram %+v", n)
	}
	if err := fx.dib.Finalize(); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if !fx.m.DebugSealed() {
		t.Fatalf("module not sealed after Finalize")
	}
}

func TestFinalizeOnce(t *testing.T) {
	fx := newFixture(t)
	if _, err := fx.dib.CreateFunction(fx.fn, "get", fx.file, 3, fx.fnType, 0); err != nil {
		t.Fatal(err)
	}
	if err := fx.dib.Finalize(); err != nil {
		t.Fatal(err)
	}
	if err := fx.dib.Finalize(); !errors.Is(err, ErrFinalized) {
		t.Fatalf("second Finalize=%v, want ErrFinalized", err)
	}
	if _, err := fx.dib.CreateBasicType("int", 32, EncodingSigned); !errors.Is(err, ErrFinalized) {
		t.Fatalf("CreateBasicType after Finalize=%v", err)
	}
	if _, err := fx.m.AddMeta(ir.MetaNode{Kind: ir.MetaFile, Name: "x.c"}); !errors.Is(err, ir.ErrDebugFinalized) {
		t.Fatalf("AddMeta after Finalize=%v", err)
	}
}

func TestSingleCompileUnit(t *testing.T) {
	fx := newFixture(t)
	if _, err := fx.dib.CreateCompileUnit(LangC, fx.file, "again", false); err == nil {
		t.Fatalf("second compile unit accepted")
	}
	if _, err := NewBuilder(fx.m).CreateCompileUnit(LangC99, fx.file, "other", true); err == nil {
		t.Fatalf("second compile unit from a new builder accepted")
	}
}

func TestRejectsWrongKinds(t *testing.T) {
	fx := newFixture(t)
	if _, err := fx.dib.CreateFunction(fx.fn, "get", fx.int64T, 1, fx.fnType, 0); err == nil {
		t.Fatalf("type accepted as file")
	}
	if _, err := fx.dib.CreateFunction(fx.fn, "get", fx.file, 1, fx.int64T, 0); err == nil {
		t.Fatalf("basic type accepted as subroutine type")
	}
	if _, err := fx.dib.CreatePointerType(fx.file, 64); err == nil {
		t.Fatalf("file accepted as pointee")
	}
	if _, err := fx.dib.CreateBasicType("odd", 12, EncodingSigned); err == nil {
		t.Fatalf("size that is not a whole number of bytes accepted")
	}
	if _, err := fx.dib.CreateAutoVariable(fx.file, "x", fx.file, 1, fx.int64T); err == nil {
		t.Fatalf("file accepted as variable scope")
	}
	sp, err := fx.dib.CreateFunction(fx.fn, "get", fx.file, 1, fx.fnType, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fx.dib.CreateParameterVariable(sp, "p", 0, fx.file, 1, fx.int64T); err == nil {
		t.Fatalf("argument number 0 accepted")
	}
}

func TestFunctionBeforeCompileUnit(t *testing.T) {
	m := ir.NewModule("nocu")
	fn, _ := m.NewFunction("f", ir.I64)
	dib := NewBuilder(m)
	file, _ := dib.CreateFile("f.c", "")
	i64, _ := dib.CreateBasicType("long", 64, EncodingSigned)
	ty, _ := dib.CreateSubroutineType(i64)
	if _, err := dib.CreateFunction(fn, "f", file, 1, ty, 0); err == nil {
		t.Fatalf("subprogram without compile unit accepted")
	}
}

func TestInsertDeclareKeepsBuilderLocation(t *testing.T) {
	fx := newFixture(t)
	sp, err := fx.dib.CreateFunction(fx.fn, "get", fx.file, 1, fx.fnType, 0)
	if err != nil {
		t.Fatal(err)
	}
	entry, _ := fx.m.AddBlock(fx.fn, "entry")
	ib := ir.NewBuilder(fx.m)
	ib.SetInsertPoint(entry)
	here := ir.DebugLoc{Line: 7, Scope: sp}
	ib.SetLocation(here)
	slot := ib.Alloca(ir.I64, "x")
	v, err := fx.dib.CreateAutoVariable(sp, "x", fx.file, 2, fx.int64T)
	if err != nil {
		t.Fatal(err)
	}
	decl, err := fx.dib.InsertDeclare(ib, slot, v, ir.DebugLoc{Line: 2, Scope: sp})
	if err != nil {
		t.Fatalf("InsertDeclare: %v", err)
	}
	if got := fx.m.Value(decl); got.Var != v || got.Loc.Line != 2 {
		t.Fatalf("declare %+v", got)
	}
	if ib.Location() != here {
		t.Fatalf("builder location changed to %+v", ib.Location())
	}
	if _, err := fx.dib.InsertDeclare(ib, slot, fx.int64T, here); err == nil {
		t.Fatalf("type accepted as declared variable")
	}
	ret := ib.Load(ir.I64, slot, "")
	ib.Ret(ret)
	if err := fx.dib.Finalize(); err != nil {
		t.Fatal(err)
	}
	if err := ir.VerifyModule(fx.m); err != nil {
		t.Fatalf("VerifyModule: %v", err)
	}
}
