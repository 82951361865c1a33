package ir

import (
	"errors"
	"strings"
	"testing"
)

// buildSum constructs the phi based array sum used throughout these tests.
func buildSum(t *testing.T) (*Module, FuncID, map[string]BlockID) {
	t.Helper()
	m := NewModule("test")
	f, err := m.NewFunction("sumfunc", I64, Param{"arr", Ptr}, Param{"count", I64})
	if err != nil {
		t.Fatalf("NewFunction: %v", err)
	}
	params := m.Params(f)
	arr, count := params[0], params[1]
	blocks := map[string]BlockID{}
	for _, name := range []string{"check", "loop", "exit"} {
		blocks[name], err = m.AddBlock(f, name)
		if err != nil {
			t.Fatalf("AddBlock: %v", err)
		}
	}
	zero := m.ConstInt(I64, 0)
	one := m.ConstInt(I64, 1)

	b := NewBuilder(m)
	b.SetInsertPoint(blocks["check"])
	isZero := b.ICmp(PredEQ, count, zero, "nullcheck")
	b.CondBr(isZero, blocks["exit"], blocks["loop"])

	b.SetInsertPoint(blocks["loop"])
	i := b.Phi(I64, "i")
	sum := b.Phi(I64, "sum")
	addr := b.GEP(I64, arr, i, "addr")
	val := b.Load(I64, addr, "val")
	nsum := b.AddNSW(sum, val, "nsum")
	ni := b.Add(i, one, "ni")
	done := b.ICmp(PredEQ, ni, count, "cond")
	b.CondBr(done, blocks["exit"], blocks["loop"])

	b.SetInsertPoint(blocks["exit"])
	ret := b.Phi(I64, "ret")
	b.Ret(ret)
	if err := b.Err(); err != nil {
		t.Fatalf("build: %v", err)
	}
	for _, in := range []struct {
		phi, val ValueID
		from     BlockID
	}{
		{i, zero, blocks["check"]},
		{i, ni, blocks["loop"]},
		{sum, zero, blocks["check"]},
		{sum, nsum, blocks["loop"]},
		{ret, zero, blocks["check"]},
		{ret, nsum, blocks["loop"]},
	} {
		if err := m.AddIncoming(in.phi, in.val, in.from); err != nil {
			t.Fatalf("AddIncoming: %v", err)
		}
	}
	return m, f, blocks
}

func TestBuildAndPrint(t *testing.T) {
	m, f, _ := buildSum(t)
	if err := Verify(m, f); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	text := m.String()
	for _, want := range []string{
		"define i64 @sumfunc(ptr %arr, i64 %count) {",
		"%nullcheck = icmp eq i64 %count, 0",
		"br i1 %nullcheck, label %exit, label %loop",
		"%i = phi i64 [ 0, %check ], [ %ni, %loop ]",
		"%addr = getelementptr i64, ptr %arr, i64 %i",
		"%nsum = add nsw i64 %sum, %val",
		"ret i64 %ret",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("IR text missing %q:\n%s", want, text)
		}
	}
	if StripHighlight(Highlight(text)) != text {
		t.Fatalf("highlighting altered the text")
	}
}

func TestCFGQueries(t *testing.T) {
	m, f, blocks := buildSum(t)
	preds := m.Predecessors(blocks["exit"])
	if len(preds) != 2 || preds[0] != blocks["check"] || preds[1] != blocks["loop"] {
		t.Fatalf("exit preds=%v", preds)
	}
	if succ := m.Successors(blocks["loop"]); len(succ) != 2 {
		t.Fatalf("loop succs=%v", succ)
	}
	dom := m.Dominators(f)
	if !dom.Dominates(blocks["check"], blocks["exit"]) {
		t.Fatalf("check must dominate exit")
	}
	if dom.Dominates(blocks["loop"], blocks["exit"]) {
		t.Fatalf("loop must not dominate exit")
	}
	if got := dom.Idom(blocks["exit"]); got != blocks["check"] {
		t.Fatalf("idom(exit)=%d", got)
	}
}

func TestDominatorTreeBelowEntry(t *testing.T) {
	m, f, blocks := buildSum(t)
	dom := m.Dominators(f)
	check := blocks["check"]
	if check != 0 {
		t.Fatalf("entry handle %d, want 0", check)
	}
	if got := dom.Idom(check); got != check {
		t.Fatalf("idom(entry)=%d", got)
	}
	for _, name := range []string{"loop", "exit"} {
		if got := dom.Idom(blocks[name]); got != check {
			t.Fatalf("idom(%s)=%d, want %d", name, got, check)
		}
	}
	children := dom.Children(check)
	if len(children) != 2 || children[0] != blocks["loop"] || children[1] != blocks["exit"] {
		t.Fatalf("children(check)=%v", children)
	}
	if len(dom.Children(blocks["loop"])) != 0 {
		t.Fatalf("loop dominates %v", dom.Children(blocks["loop"]))
	}
}

func TestPhiPlacedBeforeBody(t *testing.T) {
	m, _, blocks := buildSum(t)
	b := NewBuilder(m)
	b.SetInsertPoint(blocks["loop"])
	extra := b.Phi(I64, "extra")
	if err := b.Err(); err != nil {
		t.Fatalf("Phi: %v", err)
	}
	phis := m.Phis(blocks["loop"])
	if len(phis) != 3 || phis[2] != extra {
		t.Fatalf("phis=%v, want extra at index 2", phis)
	}
}

func TestUniqueNames(t *testing.T) {
	m := NewModule("names")
	f, _ := m.NewFunction("f", I64, Param{"x", I64})
	blk, _ := m.AddBlock(f, "entry")
	b := NewBuilder(m)
	b.SetInsertPoint(blk)
	x := m.Params(f)[0]
	a := b.Add(x, x, "x")
	c := b.Add(a, x, "x")
	b.Ret(c)
	if got := m.Value(a).Name; got != "x1" {
		t.Fatalf("name=%q, want x1", got)
	}
	if got := m.Value(c).Name; got != "x2" {
		t.Fatalf("name=%q, want x2", got)
	}
}

func TestSealedModuleRejectsConstruction(t *testing.T) {
	m, f, blocks := buildSum(t)
	if err := m.Seal(); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if err := m.Seal(); !errors.Is(err, ErrSealed) {
		t.Fatalf("second Seal=%v", err)
	}
	if _, err := m.AddBlock(f, "more"); !errors.Is(err, ErrSealed) {
		t.Fatalf("AddBlock after seal=%v", err)
	}
	if _, err := m.NewFunction("g", Void); !errors.Is(err, ErrSealed) {
		t.Fatalf("NewFunction after seal=%v", err)
	}
	b := NewBuilder(m)
	b.SetInsertPoint(blocks["exit"])
	b.Alloca(I64, "late")
	if !errors.Is(b.Err(), ErrSealed) {
		t.Fatalf("builder after seal=%v", b.Err())
	}
}

func TestBuilderErrors(t *testing.T) {
	m := NewModule("errs")
	if _, err := m.NewFunction("", I64); err == nil {
		t.Fatalf("empty name accepted")
	}
	f, _ := m.NewFunction("f", I64)
	if _, err := m.NewFunction("f", I64); err == nil {
		t.Fatalf("duplicate function accepted")
	}
	b := NewBuilder(m)
	b.Ret(m.ConstInt(I64, 1))
	if b.Err() == nil {
		t.Fatalf("insert without block accepted")
	}

	blk, _ := m.AddBlock(f, "entry")
	b = NewBuilder(m)
	b.SetInsertPoint(blk)
	b.Ret(m.ConstInt(I64, 1))
	b.Ret(m.ConstInt(I64, 2))
	if b.Err() == nil {
		t.Fatalf("second terminator accepted")
	}
}

func TestConstantsInterned(t *testing.T) {
	m := NewModule("c")
	if m.ConstInt(I64, 7) != m.ConstInt(I64, 7) {
		t.Fatalf("constants not interned")
	}
	if m.ConstInt(I1, 3) != m.ConstInt(I1, 1) {
		t.Fatalf("i1 constants not truncated")
	}
	if v, ok := m.ConstValue(m.ConstInt(I64, -5)); !ok || v != -5 {
		t.Fatalf("ConstValue=%d,%v", v, ok)
	}
}
