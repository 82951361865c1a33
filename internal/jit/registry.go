package jit

import (
	"bytes"
	"debug/dwarf"
	"debug/elf"
	"sync"

	"github.com/google/btree"
	"github.com/google/uuid"
)

type jitAction uint32

const (
	jitNoAction jitAction = iota
	jitRegisterFn
	jitUnregisterFn
)

// codeEntry is one registered symbol file. Entries form a doubly linked
// list headed by the descriptor, the layout debuggers walk.
type codeEntry struct {
	next, prev *codeEntry
	symfile    []byte

	owner   registryKey
	module  string
	base    uintptr
	size    uintptr
	symbols []SymbolInfo
	dwarf   *dwarf.Data
}

type registryKey struct {
	engine uuid.UUID
	object uint64
}

type jitDescriptor struct {
	version  uint32
	action   jitAction
	relevant *codeEntry
	first    *codeEntry
}

// The registry is shared by every engine in the process, like the single
// descriptor a debugger inspects. It lives in Go memory and is not exported
// as the __jit_debug_descriptor C symbol, so only in-process lookups see it;
// external debuggers load the dumped object files instead.
var debugRegistry = struct {
	sync.Mutex
	desc   jitDescriptor
	byAddr *btree.BTreeG[*codeEntry]
	byKey  map[registryKey]*codeEntry
}{
	desc: jitDescriptor{version: 1},
	byAddr: btree.NewG[*codeEntry](8, func(a, b *codeEntry) bool {
		return a.base < b.base
	}),
	byKey: make(map[registryKey]*codeEntry),
}

// jitDebugRegisterCode is called after every change to the descriptor.
//
//go:noinline
func jitDebugRegisterCode() {}

// CodeInfo is what the registry knows about an address.
type CodeInfo struct {
	Function string
	Module   string
	Entry    uintptr
	// File and Line come from the line table, or the function's
	// declaration when the address has no row. Empty without debug info.
	File string
	Line int
}

// LookupRegisteredCode resolves addr against every symbol file registered
// in this process.
func LookupRegisteredCode(addr uintptr) (CodeInfo, bool) {
	debugRegistry.Lock()
	defer debugRegistry.Unlock()

	var entry *codeEntry
	debugRegistry.byAddr.DescendLessOrEqual(&codeEntry{base: addr}, func(e *codeEntry) bool {
		entry = e
		return false
	})
	if entry == nil || addr >= entry.base+entry.size {
		return CodeInfo{}, false
	}
	for _, s := range entry.symbols {
		if !s.Contains(addr) {
			continue
		}
		info := CodeInfo{Function: s.Name, Module: entry.module, Entry: s.Address}
		if entry.dwarf != nil {
			info.File, info.Line = sourcePosition(entry.dwarf, uint64(addr))
		}
		return info, true
	}
	return CodeInfo{}, false
}

func sourcePosition(d *dwarf.Data, pc uint64) (string, int) {
	r := d.Reader()
	for {
		e, err := r.Next()
		if err != nil || e == nil {
			return "", 0
		}
		if e.Tag != dwarf.TagCompileUnit {
			r.SkipChildren()
			continue
		}
		ranges, err := d.Ranges(e)
		if err != nil || !inRanges(ranges, pc) {
			r.SkipChildren()
			continue
		}
		if lr, err := d.LineReader(e); err == nil && lr != nil {
			var row dwarf.LineEntry
			if lr.SeekPC(pc, &row) == nil && row.File != nil {
				return row.File.Name, row.Line
			}
		}
		return declaration(d, r, pc)
	}
}

// declaration scans the children of the current compile unit for the
// subprogram covering pc.
func declaration(d *dwarf.Data, r *dwarf.Reader, pc uint64) (string, int) {
	for {
		e, err := r.Next()
		if err != nil || e == nil || e.Tag == 0 {
			return "", 0
		}
		if e.Tag != dwarf.TagSubprogram {
			if e.Children {
				r.SkipChildren()
			}
			continue
		}
		ranges, err := d.Ranges(e)
		if e.Children {
			r.SkipChildren()
		}
		if err != nil || !inRanges(ranges, pc) {
			continue
		}
		line, _ := e.Val(dwarf.AttrDeclLine).(int64)
		return "", int(line)
	}
}

func inRanges(ranges [][2]uint64, pc uint64) bool {
	for _, r := range ranges {
		if pc >= r[0] && pc < r[1] {
			return true
		}
	}
	return false
}

func registerCode(key registryKey, obj *LoadedObject) {
	e := &codeEntry{
		symfile: obj.SymbolFile,
		owner:   key,
		module:  obj.Module,
		base:    obj.Base,
		size:    uintptr(obj.Size),
		symbols: append([]SymbolInfo(nil), obj.Symbols...),
	}
	if ef, err := elf.NewFile(bytes.NewReader(obj.SymbolFile)); err == nil {
		if ef.Section(".debug_info") != nil {
			if d, err := ef.DWARF(); err == nil {
				e.dwarf = d
			}
		}
	}

	debugRegistry.Lock()
	defer debugRegistry.Unlock()
	d := &debugRegistry.desc
	e.next = d.first
	if d.first != nil {
		d.first.prev = e
	}
	d.first = e
	d.relevant = e
	d.action = jitRegisterFn
	debugRegistry.byAddr.ReplaceOrInsert(e)
	debugRegistry.byKey[key] = e
	jitDebugRegisterCode()
}

func unregisterCode(key registryKey) bool {
	debugRegistry.Lock()
	defer debugRegistry.Unlock()
	e, ok := debugRegistry.byKey[key]
	if !ok {
		return false
	}
	d := &debugRegistry.desc
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		d.first = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	}
	d.relevant = e
	d.action = jitUnregisterFn
	delete(debugRegistry.byKey, key)
	debugRegistry.byAddr.Delete(e)
	jitDebugRegisterCode()
	d.relevant = nil
	d.action = jitNoAction
	return true
}

// registeredEntries counts the descriptor's list.
func registeredEntries() int {
	debugRegistry.Lock()
	defer debugRegistry.Unlock()
	n := 0
	for e := debugRegistry.desc.first; e != nil; e = e.next {
		n++
	}
	return n
}

// debugListener registers every object of one engine with the process
// registry.
type debugListener struct {
	engine uuid.UUID
}

func (l *debugListener) NotifyObjectLoaded(obj *LoadedObject) error {
	registerCode(registryKey{engine: l.engine, object: obj.Key}, obj)
	return nil
}

func (l *debugListener) NotifyFreeingObject(obj *LoadedObject) error {
	unregisterCode(registryKey{engine: l.engine, object: obj.Key})
	return nil
}

func (l *debugListener) Close() error { return nil }
