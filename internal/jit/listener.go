package jit

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// SymbolInfo describes one function placed in memory.
type SymbolInfo struct {
	Name    string
	Address uintptr
	Size    uintptr
	Module  string
	// Exported symbols are resolvable by name; the rest only by address.
	Exported bool
}

// Contains reports whether addr lies inside the function.
func (s SymbolInfo) Contains(addr uintptr) bool {
	return addr >= s.Address && addr < s.Address+s.Size
}

// LoadedObject is handed to listeners once an object's code is executable.
type LoadedObject struct {
	// Key is unique within the engine that loaded the object.
	Key     uint64
	Module  string
	Base    uintptr
	Size    int
	Symbols []SymbolInfo
	// SymbolFile is the object as an ELF file placed at Base, with DWARF
	// sections when the module carried debug metadata.
	SymbolFile []byte
}

// EventListener observes code being loaded and freed by an engine.
type EventListener interface {
	NotifyObjectLoaded(obj *LoadedObject) error
	NotifyFreeingObject(obj *LoadedObject) error
	Close() error
}

// PerfMapPath is where the perf listener of this process writes.
func PerfMapPath(dir string) string {
	return filepath.Join(dir, fmt.Sprintf("perf-%d.map", os.Getpid()))
}

// perfListener appends "START SIZE name" lines for the perf profiler.
type perfListener struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

func newPerfListener(dir string) (*perfListener, error) {
	path := PerfMapPath(dir)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, &ConfigurationError{Reason: "open perf map", Err: err}
	}
	return &perfListener{f: f, path: path}, nil
}

func (p *perfListener) NotifyObjectLoaded(obj *LoadedObject) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.f == nil {
		return os.ErrClosed
	}
	w := bufio.NewWriter(p.f)
	for _, s := range obj.Symbols {
		fmt.Fprintf(w, "%x %x %s\n", s.Address, s.Size, s.Name)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("write perf map: %w", err)
	}
	return nil
}

// NotifyFreeingObject leaves the map alone; perf maps are append only.
func (p *perfListener) NotifyFreeingObject(*LoadedObject) error { return nil }

func (p *perfListener) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.f == nil {
		return nil
	}
	err := p.f.Close()
	p.f = nil
	return err
}
