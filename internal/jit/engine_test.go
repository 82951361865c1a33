//go:build linux && amd64

package jit

import (
	"bufio"
	"bytes"
	"debug/dwarf"
	"debug/elf"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tinyrange/sumjit/internal/ir"
	"github.com/tinyrange/sumjit/internal/kernel"
)

func kernelModule(t *testing.T, name string, opts kernel.Options) *ir.Module {
	t.Helper()
	m := ir.NewModule(name)
	_, err := kernel.Build(m, opts)
	require.NoError(t, err)
	return m
}

func newEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestIngestAndResolve(t *testing.T) {
	e := newEngine(t, Config{})
	require.NoError(t, e.Ingest(kernelModule(t, "sum", kernel.Options{})))

	addr, err := e.Resolve(kernel.DefaultFuncName)
	require.NoError(t, err)
	require.NotZero(t, addr)

	info, ok := e.Lookup(addr + 3)
	require.True(t, ok)
	require.Equal(t, kernel.DefaultFuncName, info.Name)
	require.Equal(t, addr, info.Address)
	require.Equal(t, "sum", info.Module)

	_, ok = e.Lookup(addr + info.Size)
	require.False(t, ok)
}

func TestIngestSealsModule(t *testing.T) {
	e := newEngine(t, Config{})
	m := kernelModule(t, "sum", kernel.Options{})
	require.NoError(t, e.Ingest(m))
	require.True(t, m.Sealed())
	require.NotEmpty(t, m.TargetTriple())

	_, err := m.NewFunction("late", ir.I64)
	require.ErrorIs(t, err, ir.ErrSealed)
}

func TestUnresolvedSymbol(t *testing.T) {
	e := newEngine(t, Config{})
	_, err := e.Resolve("missing")
	var uerr *UnresolvedSymbolError
	require.ErrorAs(t, err, &uerr)
	require.Equal(t, "missing", uerr.Name)
}

func TestVerificationFailureRefusesModule(t *testing.T) {
	e := newEngine(t, Config{})
	m := kernelModule(t, "broken", kernel.Options{})
	fn, _ := m.FunctionByName(kernel.DefaultFuncName)
	blocks := m.Blocks(fn)
	m.RemoveInstruction(m.Terminator(blocks[len(blocks)-1]))

	err := e.Ingest(m)
	var verr *VerificationFailure
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "broken", verr.Module)
	var diag *ir.VerificationError
	require.ErrorAs(t, err, &diag)

	_, err = e.Resolve(kernel.DefaultFuncName)
	var uerr *UnresolvedSymbolError
	require.ErrorAs(t, err, &uerr)

	// The engine keeps working.
	require.NoError(t, e.Ingest(kernelModule(t, "fixed", kernel.Options{})))
	_, err = e.Resolve(kernel.DefaultFuncName)
	require.NoError(t, err)
}

func TestDuplicateSymbolIsLinkError(t *testing.T) {
	e := newEngine(t, Config{})
	require.NoError(t, e.Ingest(kernelModule(t, "first", kernel.Options{})))
	first, err := e.Resolve(kernel.DefaultFuncName)
	require.NoError(t, err)

	err = e.Ingest(kernelModule(t, "second", kernel.Options{}))
	var lerr *LinkError
	require.ErrorAs(t, err, &lerr)
	require.ErrorIs(t, err, ErrDuplicateSymbol)
	require.Equal(t, kernel.DefaultFuncName, lerr.Symbol)

	again, err := e.Resolve(kernel.DefaultFuncName)
	require.NoError(t, err)
	require.Equal(t, first, again)

	require.NoError(t, e.Ingest(kernelModule(t, "third", kernel.Options{FuncName: "other"})))
	require.Len(t, e.Symbols(), 2)
}

func TestClose(t *testing.T) {
	e, err := New(Config{})
	require.NoError(t, err)
	require.NoError(t, e.Ingest(kernelModule(t, "sum", kernel.Options{})))
	require.True(t, e.Alive())

	require.NoError(t, e.Close())
	require.False(t, e.Alive())
	require.NoError(t, e.Close())

	_, err = e.Resolve(kernel.DefaultFuncName)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, e.Ingest(kernelModule(t, "late", kernel.Options{})), ErrClosed)
	require.Empty(t, e.Symbols())
}

type recordingListener struct {
	loaded, freed []string
	closed        bool
}

func (r *recordingListener) NotifyObjectLoaded(obj *LoadedObject) error {
	r.loaded = append(r.loaded, obj.Module)
	return nil
}

func (r *recordingListener) NotifyFreeingObject(obj *LoadedObject) error {
	r.freed = append(r.freed, obj.Module)
	return nil
}

func (r *recordingListener) Close() error {
	r.closed = true
	return nil
}

func TestListenersSeeLoadAndFree(t *testing.T) {
	rec := &recordingListener{}
	e, err := New(Config{}, WithListener(rec))
	require.NoError(t, err)
	require.NoError(t, e.Ingest(kernelModule(t, "a", kernel.Options{FuncName: "a"})))
	require.NoError(t, e.Ingest(kernelModule(t, "b", kernel.Options{FuncName: "b"})))
	require.NoError(t, e.Close())

	require.Equal(t, []string{"a", "b"}, rec.loaded)
	require.Equal(t, []string{"b", "a"}, rec.freed)
	require.True(t, rec.closed)
}

func TestPerfMap(t *testing.T) {
	dir := t.TempDir()
	e := newEngine(t, Config{EnablePerfListener: true, PerfMapDirectory: dir})
	require.NoError(t, e.Ingest(kernelModule(t, "sum", kernel.Options{})))
	addr, err := e.Resolve(kernel.DefaultFuncName)
	require.NoError(t, err)
	info, _ := e.Lookup(addr)

	f, err := os.Open(PerfMapPath(dir))
	require.NoError(t, err)
	defer f.Close()
	sc := bufio.NewScanner(f)
	require.True(t, sc.Scan())
	fields := strings.Fields(sc.Text())
	require.Len(t, fields, 3)
	start, err := strconv.ParseUint(fields[0], 16, 64)
	require.NoError(t, err)
	size, err := strconv.ParseUint(fields[1], 16, 64)
	require.NoError(t, err)
	require.Equal(t, uint64(addr), start)
	require.Equal(t, uint64(info.Size), size)
	require.Equal(t, kernel.DefaultFuncName, fields[2])
}

func TestPerfMapDirectoryMissing(t *testing.T) {
	_, err := New(Config{EnablePerfListener: true, PerfMapDirectory: filepath.Join(t.TempDir(), "missing")})
	var cerr *ConfigurationError
	require.ErrorAs(t, err, &cerr)
}

func TestObjectDump(t *testing.T) {
	dir := t.TempDir()
	e := newEngine(t, Config{ObjectDumpDirectory: dir})
	require.NoError(t, e.Ingest(kernelModule(t, "sum", kernel.Options{EmitDebugInfo: true})))

	path := filepath.Join(dir, ObjectName("sum", e.ID(), 1))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	ef, err := elf.NewFile(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Equal(t, elf.ET_REL, ef.Type)
	require.NotNil(t, ef.Section(".debug_line"))

	d, err := ef.DWARF()
	require.NoError(t, err)
	r := d.Reader()
	var names []string
	for {
		entry, err := r.Next()
		require.NoError(t, err)
		if entry == nil {
			break
		}
		if entry.Tag == dwarf.TagSubprogram || entry.Tag == dwarf.TagVariable || entry.Tag == dwarf.TagFormalParameter {
			names = append(names, entry.Val(dwarf.AttrName).(string))
		}
	}
	require.Equal(t, []string{kernel.DefaultFuncName, "arr", "count", "sum", "i"}, names)
}

func TestObjectDumpFailureIsNotFatal(t *testing.T) {
	e := newEngine(t, Config{ObjectDumpDirectory: filepath.Join(t.TempDir(), "missing")})
	require.NoError(t, e.Ingest(kernelModule(t, "sum", kernel.Options{})))
	_, err := e.Resolve(kernel.DefaultFuncName)
	require.NoError(t, err)
}

func TestDebugRegistry(t *testing.T) {
	before := registeredEntries()
	e, err := New(Config{EnableDebugListener: true})
	require.NoError(t, err)
	m := kernelModule(t, "sum", kernel.Options{EmitDebugInfo: true, SourceFile: "kernel.go", Directory: "/src"})
	require.NoError(t, e.Ingest(m))
	require.Equal(t, before+1, registeredEntries())

	addr, err := e.Resolve(kernel.DefaultFuncName)
	require.NoError(t, err)
	info, ok := LookupRegisteredCode(addr)
	require.True(t, ok)
	require.Equal(t, kernel.DefaultFuncName, info.Function)
	require.Equal(t, addr, info.Entry)
	require.Equal(t, "/src/kernel.go", info.File)

	fn, _ := m.FunctionByName(kernel.DefaultFuncName)
	require.Equal(t, m.Meta(m.Subprogram(fn)).Line, info.Line)

	require.NoError(t, e.Close())
	require.Equal(t, before, registeredEntries())
	_, ok = LookupRegisteredCode(addr)
	require.False(t, ok)
}

func TestDebugRegistryWithoutDebugInfo(t *testing.T) {
	e := newEngine(t, Config{EnableDebugListener: true})
	require.NoError(t, e.Ingest(kernelModule(t, "plain", kernel.Options{FuncName: "plain"})))
	addr, err := e.Resolve("plain")
	require.NoError(t, err)
	info, ok := LookupRegisteredCode(addr + 1)
	require.True(t, ok)
	require.Equal(t, "plain", info.Function)
	require.Empty(t, info.File)
	require.Zero(t, info.Line)
}

func TestAllLevelsIngest(t *testing.T) {
	for level := 0; level <= 3; level++ {
		for _, debug := range []bool{false, true} {
			e := newEngine(t, Config{OptimizationLevel: level})
			err := e.Ingest(kernelModule(t, "sum", kernel.Options{EmitDebugInfo: debug}))
			require.NoError(t, err, "level %d debug %v", level, debug)
		}
	}
}

func TestIngestErrorsAreTyped(t *testing.T) {
	e := newEngine(t, Config{})
	m := ir.NewModule("empty-fn")
	_, err := m.NewFunction("f", ir.I64)
	require.NoError(t, err)
	err = e.Ingest(m)
	require.True(t, errors.As(err, new(*VerificationFailure)))
}
