//go:build unix

package jit

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// codeRegion is a page aligned executable mapping holding one object.
type codeRegion struct {
	mem []byte
}

func pageSize() int { return unix.Getpagesize() }

// mapCode maps writable pages, lets place fill them for the final base
// address, then makes them read-only and executable.
func mapCode(size int, place func(base uintptr) []byte) (*codeRegion, error) {
	if size <= 0 {
		return nil, fmt.Errorf("map code: empty object")
	}
	page := pageSize()
	length := (size + page - 1) &^ (page - 1)

	mem, err := unix.Mmap(
		-1,
		0,
		length,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, fmt.Errorf("map code: %w", err)
	}
	base := uintptr(unsafe.Pointer(&mem[0]))
	code := place(base)
	if len(code) > len(mem) {
		unix.Munmap(mem)
		return nil, fmt.Errorf("map code: %d bytes do not fit %d", len(code), len(mem))
	}
	copy(mem, code)

	if err := unix.Mprotect(mem, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("protect code: %w", err)
	}
	return &codeRegion{mem: mem}, nil
}

func (r *codeRegion) base() uintptr { return uintptr(unsafe.Pointer(&r.mem[0])) }

func (r *codeRegion) size() int { return len(r.mem) }

func (r *codeRegion) release() error {
	if r.mem == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	if err != nil {
		return fmt.Errorf("unmap code: %w", err)
	}
	return nil
}
