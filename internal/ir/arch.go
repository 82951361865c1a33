package ir

import (
	"fmt"
	"sync"

	"github.com/tinyrange/sumjit/internal/asm"
	"github.com/tinyrange/sumjit/internal/target"
)

// Backend lowers a verified module to relocatable machine code.
type Backend interface {
	Compile(m *Module, triple target.Triple) (*Object, error)
}

// Object is the output of a backend: code for every function of a module
// plus the side tables needed to describe it to loaders and debuggers.
type Object struct {
	Triple  target.Triple
	Program asm.Program
	Symbols []ObjectSymbol
	// Lines maps code offsets to the debug location of the instruction
	// whose code starts there. Offsets are ascending.
	Lines []LineEntry
	// FrameSlots gives the frame-pointer relative offset of every alloca.
	FrameSlots map[ValueID]int32
}

// ObjectSymbol is one function's code range inside Program.
type ObjectSymbol struct {
	Name     string
	Func     FuncID
	Offset   int
	Size     int
	Exported bool
	// PrologueEnd is the offset of the first instruction after the frame
	// setup and parameter spills.
	PrologueEnd int
}

type LineEntry struct {
	Offset int
	Func   FuncID
	Loc    DebugLoc
}

// Symbol returns the symbol named name.
func (o *Object) Symbol(name string) (ObjectSymbol, bool) {
	for _, s := range o.Symbols {
		if s.Name == name {
			return s, true
		}
	}
	return ObjectSymbol{}, false
}

var (
	backendsMu sync.RWMutex
	backends   = make(map[target.Arch]Backend)
)

// RegisterBackend wires an architecture-specific backend. It panics when the
// same architecture is registered twice so mistakes are caught during init.
func RegisterBackend(arch target.Arch, backend Backend) {
	if arch == target.ArchInvalid {
		panic("ir: cannot register backend for invalid architecture")
	}
	if backend == nil {
		panic("ir: backend must be non-nil")
	}

	backendsMu.Lock()
	defer backendsMu.Unlock()

	if _, exists := backends[arch]; exists {
		panic(fmt.Sprintf("ir: backend for %s already registered", arch))
	}
	backends[arch] = backend
}

// LookupBackend returns the backend registered for arch.
func LookupBackend(arch target.Arch) (Backend, error) {
	backendsMu.RLock()
	defer backendsMu.RUnlock()

	if backend, ok := backends[arch]; ok {
		return backend, nil
	}
	if arch == target.ArchInvalid {
		return nil, fmt.Errorf("ir: architecture must be specified")
	}
	return nil, fmt.Errorf("ir: no backend registered for %q", arch)
}
