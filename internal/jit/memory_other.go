//go:build !unix

package jit

import "errors"

var errNoExecutableMemory = errors.New("executable memory is not supported on this platform")

type codeRegion struct{}

func pageSize() int { return 4096 }

func mapCode(size int, place func(base uintptr) []byte) (*codeRegion, error) {
	return nil, errNoExecutableMemory
}

func (r *codeRegion) base() uintptr { return 0 }

func (r *codeRegion) size() int { return 0 }

func (r *codeRegion) release() error { return nil }
