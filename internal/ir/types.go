package ir

import "fmt"

// Type is a first-class IR type. Pointers are opaque: loads and address
// computations name the element type explicitly.
type Type uint8

const (
	Void Type = iota
	I1
	I64
	Ptr
)

func (t Type) String() string {
	switch t {
	case Void:
		return "void"
	case I1:
		return "i1"
	case I64:
		return "i64"
	case Ptr:
		return "ptr"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Size is the storage size in bytes.
func (t Type) Size() int {
	switch t {
	case I1:
		return 1
	case I64, Ptr:
		return 8
	default:
		return 0
	}
}

// IsInteger reports whether t is i1 or i64.
func (t Type) IsInteger() bool {
	return t == I1 || t == I64
}

// Opcode identifies the computation performed by a Value.
type Opcode uint8

const (
	OpInvalid Opcode = iota
	OpParam
	OpConst
	OpAlloca
	OpLoad
	OpStore
	OpGEP
	OpAdd
	OpSub
	OpMul
	OpAnd
	OpOr
	OpXor
	OpICmp
	OpPhi
	OpBr
	OpCondBr
	OpRet
	OpDeclare
)

var opcodeNames = [...]string{
	OpInvalid: "invalid",
	OpParam:   "param",
	OpConst:   "const",
	OpAlloca:  "alloca",
	OpLoad:    "load",
	OpStore:   "store",
	OpGEP:     "getelementptr",
	OpAdd:     "add",
	OpSub:     "sub",
	OpMul:     "mul",
	OpAnd:     "and",
	OpOr:      "or",
	OpXor:     "xor",
	OpICmp:    "icmp",
	OpPhi:     "phi",
	OpBr:      "br",
	OpCondBr:  "br",
	OpRet:     "ret",
	OpDeclare: "call void @llvm.dbg.declare",
}

func (o Opcode) String() string {
	if int(o) < len(opcodeNames) {
		return opcodeNames[o]
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// IsTerminator reports whether o ends a block.
func (o Opcode) IsTerminator() bool {
	return o == OpBr || o == OpCondBr || o == OpRet
}

// IsBinary reports whether o is a two-operand integer arithmetic op.
func (o Opcode) IsBinary() bool {
	return o >= OpAdd && o <= OpXor
}

// HasSideEffects reports whether removing an unused o changes behaviour.
func (o Opcode) HasSideEffects() bool {
	return o == OpStore || o == OpDeclare || o.IsTerminator()
}

// Predicate is the comparison performed by icmp.
type Predicate uint8

const (
	PredEQ Predicate = iota
	PredNE
	PredSLT
	PredSLE
	PredSGT
	PredSGE
	PredULT
	PredULE
	PredUGT
	PredUGE
)

var predicateNames = [...]string{"eq", "ne", "slt", "sle", "sgt", "sge", "ult", "ule", "ugt", "uge"}

func (p Predicate) String() string {
	if int(p) < len(predicateNames) {
		return predicateNames[p]
	}
	return fmt.Sprintf("pred(%d)", uint8(p))
}

// Eval applies the predicate to two 64-bit integers.
func (p Predicate) Eval(a, b int64) bool {
	switch p {
	case PredEQ:
		return a == b
	case PredNE:
		return a != b
	case PredSLT:
		return a < b
	case PredSLE:
		return a <= b
	case PredSGT:
		return a > b
	case PredSGE:
		return a >= b
	case PredULT:
		return uint64(a) < uint64(b)
	case PredULE:
		return uint64(a) <= uint64(b)
	case PredUGT:
		return uint64(a) > uint64(b)
	case PredUGE:
		return uint64(a) >= uint64(b)
	}
	return false
}
