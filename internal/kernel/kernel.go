// Package kernel builds the array sum reduction
//
//	sum(arr *i64, count i64) i64
//
// in IR. The plain build uses phi nodes; the debug build keeps every
// variable in a stack slot and describes it to debuggers.
package kernel

import (
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/tinyrange/sumjit/internal/debuginfo"
	"github.com/tinyrange/sumjit/internal/ir"
)

const DefaultFuncName = "sumfunc"

// Producer is recorded in the compile unit of debug builds.
const Producer = "sumjit"

type Options struct {
	// EmitDebugInfo selects the stack slot encoding with debug descriptors.
	EmitDebugInfo bool
	// FuncName is the exported symbol, DefaultFuncName when empty.
	FuncName string
	// SourceFile and Directory name the file debug locations refer to.
	// They default to the Go file of this builder, whose lines are used as
	// the locations.
	SourceFile string
	Directory  string
}

func (o Options) withDefaults() Options {
	if o.FuncName == "" {
		o.FuncName = DefaultFuncName
	}
	if o.SourceFile == "" {
		_, file, _, ok := runtime.Caller(0)
		if !ok {
			file = "kernel.go"
		}
		o.SourceFile = filepath.Base(file)
		if o.Directory == "" {
			o.Directory = filepath.Dir(file)
		}
	}
	return o
}

type builder struct {
	m    *ir.Module
	b    *ir.Builder
	opts Options

	fn          ir.FuncID
	arr, count  ir.ValueID
	check, loop ir.BlockID
	exit        ir.BlockID
	zero, one   ir.ValueID

	// debug builds only
	dib          *debuginfo.Builder
	file, sp     ir.MetaID
	int64T, ptrT ir.MetaID
}

// Build adds the sum function to m and returns its handle.
func Build(m *ir.Module, opts Options) (ir.FuncID, error) {
	opts = opts.withDefaults()
	fn, err := m.NewFunction(opts.FuncName, ir.I64,
		ir.Param{Name: "arr", Type: ir.Ptr},
		ir.Param{Name: "count", Type: ir.I64},
	)
	if err != nil {
		return ir.NoFunc, fmt.Errorf("declare %s: %w", opts.FuncName, err)
	}
	k := &builder{
		m:    m,
		b:    ir.NewBuilder(m),
		opts: opts,
		fn:   fn,
		zero: m.ConstInt(ir.I64, 0),
		one:  m.ConstInt(ir.I64, 1),
		sp:   ir.NoMeta,
	}
	params := m.Params(fn)
	k.arr, k.count = params[0], params[1]
	for _, blk := range []struct {
		dst  *ir.BlockID
		name string
	}{{&k.check, "check"}, {&k.loop, "loop"}, {&k.exit, "exit"}} {
		if *blk.dst, err = m.AddBlock(fn, blk.name); err != nil {
			return ir.NoFunc, err
		}
	}

	if opts.EmitDebugInfo {
		err = k.buildStackSlots()
	} else {
		err = k.buildSSA()
	}
	if err != nil {
		return ir.NoFunc, fmt.Errorf("build %s: %w", opts.FuncName, err)
	}
	return fn, nil
}

func (k *builder) buildSSA() error {
	b := k.b

	b.SetInsertPoint(k.check)
	isEmpty := b.ICmp(ir.PredEQ, k.count, k.zero, "nullcheck")
	b.CondBr(isEmpty, k.exit, k.loop)

	b.SetInsertPoint(k.loop)
	i := b.Phi(ir.I64, "i")
	sum := b.Phi(ir.I64, "sum")
	addr := b.GEP(ir.I64, k.arr, i, "addr")
	val := b.Load(ir.I64, addr, "val")
	nsum := b.AddNSW(sum, val, "nsum")
	ni := b.AddNSW(i, k.one, "ni")
	done := b.ICmp(ir.PredEQ, ni, k.count, "cond")
	b.CondBr(done, k.exit, k.loop)

	b.SetInsertPoint(k.exit)
	ret := b.Phi(ir.I64, "ret")
	b.Ret(ret)
	if err := b.Err(); err != nil {
		return err
	}

	edges := []struct {
		phi, val ir.ValueID
		from     ir.BlockID
	}{
		{i, k.zero, k.check},
		{i, ni, k.loop},
		{sum, k.zero, k.check},
		{sum, nsum, k.loop},
		{ret, k.zero, k.check},
		{ret, nsum, k.loop},
	}
	for _, e := range edges {
		if err := k.m.AddIncoming(e.phi, e.val, e.from); err != nil {
			return err
		}
	}
	return nil
}

// here returns a location for the caller's line in this file.
func (k *builder) here() ir.DebugLoc {
	_, _, line, ok := runtime.Caller(1)
	if !ok {
		line = 1
	}
	return ir.DebugLoc{Line: line, Scope: k.sp}
}

func (k *builder) buildStackSlots() error {
	if err := k.describe(); err != nil {
		return err
	}
	b := k.b
	int64T, ptrT := k.int64T, k.ptrT

	// Prologue: no location so debuggers do not stop on parameter spills.
	b.SetInsertPoint(k.check)
	b.SetLocation(ir.DebugLoc{})
	arrSlot := b.Alloca(ir.Ptr, "arr.addr")
	countSlot := b.Alloca(ir.I64, "count.addr")
	spLine := k.m.Meta(k.sp).Line
	declLoc := ir.DebugLoc{Line: spLine, Scope: k.sp}
	for _, p := range []struct {
		slot ir.ValueID
		name string
		arg  int
		typ  ir.MetaID
	}{{arrSlot, "arr", 1, ptrT}, {countSlot, "count", 2, int64T}} {
		v, err := k.dib.CreateParameterVariable(k.sp, p.name, p.arg, k.file, spLine, p.typ)
		if err != nil {
			return err
		}
		if _, err := k.dib.InsertDeclare(b, p.slot, v, declLoc); err != nil {
			return err
		}
	}
	b.Store(k.arr, arrSlot)
	b.Store(k.count, countSlot)

	sumSlot := b.Alloca(ir.I64, "sum")
	if err := k.local(sumSlot, "sum", k.here(), int64T); err != nil {
		return err
	}
	iSlot := b.Alloca(ir.I64, "i")
	if err := k.local(iSlot, "i", k.here(), int64T); err != nil {
		return err
	}

	b.SetLocation(k.here())
	b.Store(k.zero, sumSlot)
	b.SetLocation(k.here())
	b.Store(k.zero, iSlot)
	b.SetLocation(k.here())
	isEmpty := b.ICmp(ir.PredEQ, k.count, k.zero, "nullcheck")
	b.SetLocation(k.here())
	b.CondBr(isEmpty, k.exit, k.loop)

	b.SetInsertPoint(k.loop)
	b.SetLocation(k.here())
	addr := b.GEP(ir.I64, k.arr, b.Load(ir.I64, iSlot, ""), "addr")
	b.SetLocation(k.here())
	val := b.Load(ir.I64, addr, "val")
	b.SetLocation(k.here())
	b.Store(b.AddNSW(b.Load(ir.I64, sumSlot, ""), val, ""), sumSlot)
	b.SetLocation(k.here())
	b.Store(b.AddNSW(b.Load(ir.I64, iSlot, ""), k.one, ""), iSlot)
	b.SetLocation(k.here())
	done := b.ICmp(ir.PredEQ, b.Load(ir.I64, iSlot, ""), k.count, "cond")
	b.SetLocation(k.here())
	b.CondBr(done, k.exit, k.loop)

	b.SetInsertPoint(k.exit)
	b.SetLocation(k.here())
	ret := b.Load(ir.I64, sumSlot, "")
	b.SetLocation(k.here())
	b.Ret(ret)
	if err := b.Err(); err != nil {
		return err
	}
	return k.dib.Finalize()
}

func (k *builder) local(slot ir.ValueID, name string, loc ir.DebugLoc, typ ir.MetaID) error {
	v, err := k.dib.CreateAutoVariable(k.sp, name, k.file, loc.Line, typ)
	if err != nil {
		return err
	}
	_, err = k.dib.InsertDeclare(k.b, slot, v, loc)
	return err
}

// describe creates the compile unit, types and subprogram.
func (k *builder) describe() error {
	k.dib = debuginfo.NewBuilder(k.m)
	var err error
	if k.file, err = k.dib.CreateFile(k.opts.SourceFile, k.opts.Directory); err != nil {
		return err
	}
	if _, err = k.dib.CreateCompileUnit(debuginfo.LangC, k.file, Producer, false); err != nil {
		return err
	}
	if k.int64T, err = k.dib.CreateBasicType("int64_t", 64, debuginfo.EncodingSigned); err != nil {
		return err
	}
	if k.ptrT, err = k.dib.CreatePointerType(k.int64T, 64); err != nil {
		return err
	}
	fnType, err := k.dib.CreateSubroutineType(k.int64T, k.ptrT, k.int64T)
	if err != nil {
		return err
	}
	k.sp, err = k.dib.CreateFunction(k.fn, k.opts.FuncName, k.file, k.here().Line, fnType, debuginfo.FlagPrototyped)
	return err
}
