// Package opt rewrites IR functions with a level driven pass pipeline.
package opt

import (
	"fmt"

	"github.com/tinyrange/sumjit/internal/ir"
)

// MaxLevel is the highest supported optimization level.
const MaxLevel = 3

// fixpointLimit bounds the cleanup loop of levels 2 and 3.
const fixpointLimit = 16

// unrollLimit is the largest loop body, in instructions, that is unrolled.
const unrollLimit = 64

// A pass rewrites one function in place and reports whether it changed
// anything.
type pass struct {
	name string
	run  func(m *ir.Module, f ir.FuncID) bool
}

var (
	mem2regPass      = pass{"mem2reg", promoteAllocas}
	constfoldPass    = pass{"constfold", foldConstants}
	instsimplifyPass = pass{"instsimplify", simplifyInstructions}
	phisimplifyPass  = pass{"phisimplify", simplifyPhis}
	simplifycfgPass  = pass{"simplifycfg", simplifyCFG}
	dcePass          = pass{"dce", eliminateDeadCode}
	unrollPass       = pass{"loop-unroll", unrollLoops}
)

// PassNames lists the function passes run at level, in order.
func PassNames(level int) ([]string, error) {
	if err := checkLevel(level); err != nil {
		return nil, err
	}
	var names []string
	for _, stage := range pipeline(level) {
		for _, p := range stage.passes {
			names = append(names, p.name)
		}
	}
	return names, nil
}

type stage struct {
	passes   []pass
	fixpoint bool
}

func pipeline(level int) []stage {
	cleanup := []pass{constfoldPass, instsimplifyPass, phisimplifyPass, simplifycfgPass, dcePass}
	switch level {
	case 1:
		return []stage{{passes: []pass{mem2regPass, instsimplifyPass, simplifycfgPass, dcePass}}}
	case 2:
		return []stage{
			{passes: []pass{mem2regPass}},
			{passes: cleanup, fixpoint: true},
		}
	case 3:
		return []stage{
			{passes: []pass{mem2regPass}},
			{passes: cleanup, fixpoint: true},
			{passes: []pass{unrollPass}},
			{passes: cleanup, fixpoint: true},
		}
	}
	return nil
}

func checkLevel(level int) error {
	if level < 0 || level > MaxLevel {
		return fmt.Errorf("opt: optimization level %d out of range 0..%d", level, MaxLevel)
	}
	return nil
}

// Optimize runs the function pipeline of level on fn. The result is
// verified; an invalid function is an internal error and panics.
func Optimize(m *ir.Module, fn ir.FuncID, level int) error {
	if err := checkLevel(level); err != nil {
		return err
	}
	if len(m.Blocks(fn)) == 0 {
		return fmt.Errorf("opt: function @%s has no body", m.FuncName(fn))
	}
	verifyEach := level == MaxLevel
	for _, st := range pipeline(level) {
		for round := 0; ; round++ {
			changed := false
			for _, p := range st.passes {
				if p.run(m, fn) {
					changed = true
				}
				if verifyEach {
					mustVerify(m, fn, p.name)
				}
			}
			if !st.fixpoint || !changed || round+1 == fixpointLimit {
				break
			}
		}
	}
	mustVerify(m, fn, "pipeline")
	return nil
}

// OptimizeModule optimizes every function with a body and then runs the
// module passes.
func OptimizeModule(m *ir.Module, level int) error {
	if err := checkLevel(level); err != nil {
		return err
	}
	for _, f := range m.Functions() {
		if len(m.Blocks(f)) == 0 {
			continue
		}
		if err := Optimize(m, f, level); err != nil {
			return err
		}
	}
	if level > 0 {
		removeDeadFunctions(m)
		if level == MaxLevel {
			if err := ir.VerifyModule(m); err != nil {
				panic(fmt.Sprintf("opt: internal error: after globaldce: %v", err))
			}
		}
	}
	return nil
}

func mustVerify(m *ir.Module, fn ir.FuncID, after string) {
	if err := ir.Verify(m, fn); err != nil {
		panic(fmt.Sprintf("opt: internal error: after %s: %v", after, err))
	}
}
