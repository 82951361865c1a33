package jit

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by every Engine operation after Close.
var ErrClosed = errors.New("jit: engine is closed")

// ConfigurationError reports a configuration that cannot produce a working
// engine: a foreign target, a missing backend or an unusable listener.
type ConfigurationError struct {
	Reason string
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Err == nil {
		return "jit: " + e.Reason
	}
	return fmt.Sprintf("jit: %s: %v", e.Reason, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// VerificationFailure is returned by Ingest when the module does not
// verify. The module is not compiled.
type VerificationFailure struct {
	Module string
	Err    error
}

func (e *VerificationFailure) Error() string {
	return fmt.Sprintf("jit: module %q refused: %v", e.Module, e.Err)
}

func (e *VerificationFailure) Unwrap() error { return e.Err }

type CompilationError struct {
	Module string
	Err    error
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("jit: compile %q: %v", e.Module, e.Err)
}

func (e *CompilationError) Unwrap() error { return e.Err }

// LinkError covers placing code in memory and publishing its symbols.
type LinkError struct {
	Module string
	Symbol string
	Err    error
}

func (e *LinkError) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("jit: link %q: symbol %s: %v", e.Module, e.Symbol, e.Err)
	}
	return fmt.Sprintf("jit: link %q: %v", e.Module, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }

// ErrDuplicateSymbol is wrapped by the LinkError of a module that defines
// a name the engine already publishes.
var ErrDuplicateSymbol = errors.New("duplicate symbol")

type UnresolvedSymbolError struct {
	Name string
}

func (e *UnresolvedSymbolError) Error() string {
	return fmt.Sprintf("jit: unresolved symbol %q", e.Name)
}
