// Package jit turns verified IR modules into executable native code inside
// the current process.
package jit

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/google/btree"
	"github.com/google/uuid"

	"github.com/tinyrange/sumjit/internal/debuginfo"
	"github.com/tinyrange/sumjit/internal/ir"
	_ "github.com/tinyrange/sumjit/internal/ir/amd64"
	"github.com/tinyrange/sumjit/internal/object"
	"github.com/tinyrange/sumjit/internal/opt"
	"github.com/tinyrange/sumjit/internal/target"
)

type Option func(*Engine)

// WithLogger replaces slog.Default() as the engine's logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithListener adds a listener next to the ones the configuration enables.
func WithListener(l EventListener) Option {
	return func(e *Engine) {
		e.listeners = append(e.listeners, l)
	}
}

type loadedModule struct {
	region *codeRegion
	object *LoadedObject
}

// Engine owns the executable memory of every module it ingests. Symbols
// stay valid until Close.
type Engine struct {
	cfg     Config
	triple  target.Triple
	backend ir.Backend
	log     *slog.Logger
	id      uuid.UUID

	mu        sync.Mutex
	closed    bool
	seq       uint64
	symbols   map[string]SymbolInfo
	byAddr    *btree.BTreeG[SymbolInfo]
	loaded    []loadedModule
	listeners []EventListener
}

// New creates an engine for cfg. The target must be executable in this
// process and have a registered backend.
func New(cfg Config, opts ...Option) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, &ConfigurationError{Reason: "invalid config", Err: err}
	}
	triple, err := target.Parse(cfg.Target)
	if err != nil {
		return nil, &ConfigurationError{Reason: "resolve target", Err: err}
	}
	if !triple.Executable() {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("target %s cannot run on host %s", triple, target.Host())}
	}
	backend, err := ir.LookupBackend(triple.Arch)
	if err != nil {
		return nil, &ConfigurationError{Reason: "no code generator", Err: err}
	}

	e := &Engine{
		cfg:     cfg,
		triple:  triple,
		backend: backend,
		log:     slog.Default(),
		id:      uuid.New(),
		symbols: make(map[string]SymbolInfo),
		byAddr: btree.NewG[SymbolInfo](8, func(a, b SymbolInfo) bool {
			return a.Address < b.Address
		}),
	}
	for _, o := range opts {
		o(e)
	}
	if cfg.EnableDebugListener {
		e.listeners = append(e.listeners, &debugListener{engine: e.id})
	}
	if cfg.EnablePerfListener {
		perf, err := newPerfListener(cfg.PerfMapDirectory)
		if err != nil {
			return nil, err
		}
		e.listeners = append(e.listeners, perf)
		e.log.Debug("jit: writing perf map", "path", perf.path)
	}
	e.log = e.log.With("engine", e.id.String())
	e.log.Debug("jit: engine created",
		"target", triple.String(),
		"level", cfg.OptimizationLevel,
		"listeners", len(e.listeners),
	)
	return e, nil
}

// ID identifies the engine in logs and object dump names.
func (e *Engine) ID() uuid.UUID { return e.id }

func (e *Engine) Triple() target.Triple { return e.triple }

// Alive reports whether Close has not been called yet.
func (e *Engine) Alive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.closed
}

// Ingest takes ownership of m: it is sealed, verified, optimized and
// compiled, and its exported functions become resolvable. A module that
// fails verification is refused. The engine remains usable after any
// error.
func (e *Engine) Ingest(m *ir.Module) error {
	if !e.Alive() {
		return ErrClosed
	}
	name := m.Name()
	start := time.Now()

	if !m.Sealed() {
		if m.TargetTriple() == "" {
			m.SetTargetTriple(e.triple.String())
		}
		if err := m.Seal(); err != nil {
			return fmt.Errorf("jit: seal %q: %w", name, err)
		}
	}
	if err := ir.VerifyModule(m); err != nil {
		e.log.Warn("jit: module refused", "module", name, "error", err)
		return &VerificationFailure{Module: name, Err: err}
	}
	if err := opt.OptimizeModule(m, e.cfg.OptimizationLevel); err != nil {
		return &CompilationError{Module: name, Err: err}
	}
	obj, err := e.backend.Compile(m, e.triple)
	if err != nil {
		return &CompilationError{Module: name, Err: err}
	}
	codeSize := len(obj.Program.Bytes())
	if codeSize == 0 {
		e.log.Debug("jit: module has no code", "module", name)
		return nil
	}
	e.log.Debug("jit: compiled",
		"module", name,
		"functions", len(obj.Symbols),
		"code", units.HumanSize(float64(codeSize)),
		"elapsed", time.Since(start),
	)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	for _, s := range obj.Symbols {
		if !s.Exported {
			continue
		}
		if _, dup := e.symbols[s.Name]; dup {
			return &LinkError{Module: name, Symbol: s.Name, Err: ErrDuplicateSymbol}
		}
	}

	region, err := mapCode(codeSize, func(base uintptr) []byte {
		return obj.Program.RelocatedCopy(base)
	})
	if err != nil {
		return &LinkError{Module: name, Err: err}
	}
	base := region.base()

	e.seq++
	loaded := &LoadedObject{
		Key:    e.seq,
		Module: name,
		Base:   base,
		Size:   codeSize,
	}
	for _, s := range obj.Symbols {
		loaded.Symbols = append(loaded.Symbols, SymbolInfo{
			Name:     s.Name,
			Address:  base + uintptr(s.Offset),
			Size:     uintptr(s.Size),
			Module:   name,
			Exported: s.Exported,
		})
	}

	if e.cfg.ObjectDumpDirectory != "" || len(e.listeners) > 0 {
		placed, err := symbolFile(m, obj, uint64(base))
		if err != nil {
			e.log.Warn("jit: no symbol file", "module", name, "error", err)
		}
		loaded.SymbolFile = placed
	}
	if e.cfg.ObjectDumpDirectory != "" {
		e.dumpObject(m, obj)
	}

	for _, l := range e.listeners {
		if err := l.NotifyObjectLoaded(loaded); err != nil {
			e.log.Warn("jit: listener failed", "module", name, "error", err)
		}
	}
	for _, s := range loaded.Symbols {
		if s.Exported {
			e.symbols[s.Name] = s
		}
		e.byAddr.ReplaceOrInsert(s)
	}
	e.loaded = append(e.loaded, loadedModule{region: region, object: loaded})

	e.log.Info("jit: module ingested",
		"module", name,
		"base", fmt.Sprintf("%#x", base),
		"mapped", units.BytesSize(float64(region.size())),
		"elapsed", time.Since(start),
	)
	return nil
}

// symbolFile encodes obj as an ELF object whose .text sits at base, with
// DWARF when m carries debug metadata.
func symbolFile(m *ir.Module, obj *ir.Object, base uint64) ([]byte, error) {
	f, err := object.FromObject(obj, base)
	if err != nil {
		return nil, err
	}
	if m.HasDebugInfo() {
		sections, err := debuginfo.EmitDWARF(m, obj, base)
		if err != nil {
			return nil, err
		}
		f.Sections = sections.ELF()
	}
	return f.Bytes()
}

// ObjectName is the file name of the seq'th object dumped by engine id.
func ObjectName(module string, id uuid.UUID, seq uint64) string {
	return fmt.Sprintf("%s-%s-%d.o", module, id, seq)
}

// dumpObject writes the relocatable form of obj. Failures are logged only.
func (e *Engine) dumpObject(m *ir.Module, obj *ir.Object) {
	raw, err := symbolFile(m, obj, 0)
	if err != nil {
		e.log.Warn("jit: encode object", "module", m.Name(), "error", err)
		return
	}
	path := filepath.Join(e.cfg.ObjectDumpDirectory, ObjectName(m.Name(), e.id, e.seq))
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		e.log.Warn("jit: dump object", "path", path, "error", err)
		return
	}
	e.log.Debug("jit: dumped object", "path", path, "size", units.HumanSize(float64(len(raw))))
}

// Resolve returns the address of an exported function.
func (e *Engine) Resolve(name string) (uintptr, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrClosed
	}
	s, ok := e.symbols[name]
	if !ok {
		return 0, &UnresolvedSymbolError{Name: name}
	}
	return s.Address, nil
}

// Lookup finds the function containing addr, exported or not.
func (e *Engine) Lookup(addr uintptr) (SymbolInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	var found SymbolInfo
	ok := false
	e.byAddr.DescendLessOrEqual(SymbolInfo{Address: addr}, func(s SymbolInfo) bool {
		found, ok = s, s.Contains(addr)
		return false
	})
	return found, ok
}

// Symbols lists the functions loaded so far in address order.
func (e *Engine) Symbols() []SymbolInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]SymbolInfo, 0, e.byAddr.Len())
	e.byAddr.Ascend(func(s SymbolInfo) bool {
		out = append(out, s)
		return true
	})
	return out
}

// Close tells listeners every object is going away, then unmaps the code.
// Calling it again returns nil.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	var errs []error
	for i := len(e.loaded) - 1; i >= 0; i-- {
		lm := e.loaded[i]
		for _, l := range e.listeners {
			if err := l.NotifyFreeingObject(lm.object); err != nil {
				errs = append(errs, err)
			}
		}
		if err := lm.region.release(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, l := range e.listeners {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	e.loaded = nil
	e.symbols = make(map[string]SymbolInfo)
	e.byAddr.Clear(false)
	e.log.Debug("jit: engine closed")
	return errors.Join(errs...)
}
