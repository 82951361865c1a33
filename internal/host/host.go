// Package host calls compiled sum kernels from Go.
package host

import (
	"errors"
	"fmt"
	"runtime"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/tinyrange/sumjit/internal/jit"
)

// ErrEngineClosed is returned by Call once the engine that owns the code
// has been closed.
var ErrEngineClosed = errors.New("host: engine closed")

// SumFunction is a compiled function with the signature
//
//	int64 sum(int64 *arr, int64 count)
//
// bound to a Go function value.
type SumFunction struct {
	engine *jit.Engine
	name   string
	addr   uintptr
	fn     func(arr *int64, count int64) int64
}

// Bind resolves name in e and binds it to the sum signature. The caller
// guarantees the function has that signature.
func Bind(e *jit.Engine, name string) (*SumFunction, error) {
	addr, err := e.Resolve(name)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", name, err)
	}
	f := &SumFunction{engine: e, name: name, addr: addr}
	purego.RegisterFunc(&f.fn, addr)
	return f, nil
}

func (f *SumFunction) Name() string { return f.name }

// Address is the entry point of the native code.
func (f *SumFunction) Address() uintptr { return f.addr }

// Call sums arr. An empty slice is passed as a null pointer with count 0.
func (f *SumFunction) Call(arr []int64) (int64, error) {
	if !f.engine.Alive() {
		return 0, ErrEngineClosed
	}
	var p *int64
	if len(arr) > 0 {
		p = unsafe.SliceData(arr)
	}
	ret := f.fn(p, int64(len(arr)))
	runtime.KeepAlive(arr)
	return ret, nil
}

// CallUnchecked calls the native code directly. arr must point at count
// readable elements and the engine must still be open.
func (f *SumFunction) CallUnchecked(arr *int64, count int64) int64 {
	return f.fn(arr, count)
}

// WithEngine runs fn with a new engine and closes it afterwards.
func WithEngine(cfg jit.Config, fn func(*jit.Engine) error, opts ...jit.Option) (err error) {
	e, err := jit.New(cfg, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := e.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close engine: %w", cerr)
		}
	}()
	return fn(e)
}
