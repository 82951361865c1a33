package ir

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// String renders the module as human readable IR text.
func (m *Module) String() string {
	var sb strings.Builder
	p := &printer{m: m, sb: &sb}
	p.module()
	return sb.String()
}

// WriteFile writes the textual IR to path.
func (m *Module) WriteFile(path string) error {
	if err := os.WriteFile(path, []byte(m.String()), 0o644); err != nil {
		return fmt.Errorf("write IR to %s: %w", path, err)
	}
	return nil
}

type printer struct {
	m     *Module
	sb    *strings.Builder
	names map[ValueID]string
	next  int
}

func (p *printer) printf(format string, args ...any) {
	fmt.Fprintf(p.sb, format, args...)
}

func (p *printer) module() {
	m := p.m
	p.printf("; ModuleID = '%s'\n", m.name)
	p.printf("source_filename = %q\n", m.name)
	if m.triple != "" {
		p.printf("target triple = %q\n", m.triple)
	}
	for _, f := range m.Functions() {
		p.sb.WriteByte('\n')
		p.function(f)
	}
	if len(m.meta) > 0 {
		p.sb.WriteByte('\n')
		if cu := m.CompileUnit(); cu != NoMeta {
			p.printf("!llvm.dbg.cu = !{!%d}\n", cu)
		}
		for i := range m.meta {
			p.printf("!%d = %s\n", i, p.metaNode(m.meta[i]))
		}
	}
}

func (p *printer) function(f FuncID) {
	m := p.m
	fn := m.funcs[f]
	p.names = make(map[ValueID]string)
	p.next = 0

	params := make([]string, len(fn.params))
	for i, v := range fn.params {
		params[i] = fmt.Sprintf("%s %s", m.values[v].Type, p.ref(v))
	}
	linkage := ""
	if fn.internal {
		linkage = "internal "
	}
	p.printf("define %s%s @%s(%s)", linkage, fn.ret, fn.name, strings.Join(params, ", "))
	if fn.subprogram != NoMeta {
		p.printf(" !dbg !%d", fn.subprogram)
	}
	p.printf(" {\n")
	for i, b := range fn.blocks {
		if i > 0 {
			p.sb.WriteByte('\n')
		}
		p.printf("%s:", p.blockName(b))
		if preds := m.Predecessors(b); len(preds) > 0 {
			names := make([]string, len(preds))
			for j, pb := range preds {
				names[j] = "%" + p.blockName(pb)
			}
			p.printf("%*s; preds = %s", 40-len(p.blockName(b))-1, "", strings.Join(names, ", "))
		}
		p.sb.WriteByte('\n')
		for _, inst := range m.blocks[b].insts {
			p.printf("  %s\n", p.instruction(inst))
		}
	}
	p.printf("}\n")
}

func (p *printer) blockName(b BlockID) string {
	if name := p.m.blocks[b].name; name != "" {
		return name
	}
	return fmt.Sprintf("bb%d", b)
}

// ref returns the operand spelling of v.
func (p *printer) ref(v ValueID) string {
	if v < 0 || int(v) >= len(p.m.values) {
		return "<badref>"
	}
	val := p.m.values[v]
	if val.Op == OpConst {
		if val.Type == I1 {
			if val.Imm != 0 {
				return "true"
			}
			return "false"
		}
		return fmt.Sprint(val.Imm)
	}
	if val.Name != "" {
		return "%" + val.Name
	}
	if name, ok := p.names[v]; ok {
		return name
	}
	name := fmt.Sprintf("%%%d", p.next)
	p.next++
	p.names[v] = name
	return name
}

func (p *printer) typed(v ValueID) string {
	return fmt.Sprintf("%s %s", p.m.values[v].Type, p.ref(v))
}

func (p *printer) instruction(inst ValueID) string {
	m := p.m
	val := m.values[inst]
	var body string
	switch {
	case val.Op.IsBinary():
		flags := ""
		if val.NSW {
			flags = " nsw"
		}
		body = fmt.Sprintf("%s%s %s, %s", val.Op, flags, p.typed(val.Operands[0]), p.ref(val.Operands[1]))
	case val.Op == OpICmp:
		body = fmt.Sprintf("icmp %s %s, %s", val.Pred, p.typed(val.Operands[0]), p.ref(val.Operands[1]))
	case val.Op == OpAlloca:
		body = fmt.Sprintf("alloca %s, align 8", val.Elem)
	case val.Op == OpLoad:
		body = fmt.Sprintf("load %s, %s, align 8", val.Elem, p.typed(val.Operands[0]))
	case val.Op == OpStore:
		body = fmt.Sprintf("store %s, %s, align 8", p.typed(val.Operands[0]), p.typed(val.Operands[1]))
	case val.Op == OpGEP:
		body = fmt.Sprintf("getelementptr %s, %s, %s", val.Elem, p.typed(val.Operands[0]), p.typed(val.Operands[1]))
	case val.Op == OpPhi:
		pairs := make([]string, len(val.Operands))
		for i := range val.Operands {
			pairs[i] = fmt.Sprintf("[ %s, %%%s ]", p.ref(val.Operands[i]), p.blockName(val.Targets[i]))
		}
		body = fmt.Sprintf("phi %s %s", val.Type, strings.Join(pairs, ", "))
	case val.Op == OpBr:
		body = fmt.Sprintf("br label %%%s", p.blockName(val.Targets[0]))
	case val.Op == OpCondBr:
		body = fmt.Sprintf("br %s, label %%%s, label %%%s", p.typed(val.Operands[0]), p.blockName(val.Targets[0]), p.blockName(val.Targets[1]))
	case val.Op == OpRet:
		if len(val.Operands) == 0 {
			body = "ret void"
		} else {
			body = "ret " + p.typed(val.Operands[0])
		}
	case val.Op == OpDeclare:
		body = fmt.Sprintf("call void @llvm.dbg.declare(metadata %s, metadata !%d, metadata !DIExpression())", p.typed(val.Operands[0]), val.Var)
	default:
		body = fmt.Sprintf("<%s>", val.Op)
	}
	if val.Type != Void {
		body = p.ref(inst) + " = " + body
	}
	if val.Loc.Valid() {
		body += fmt.Sprintf(", !dbg !DILocation(line: %d, column: %d, scope: !%d)", val.Loc.Line, val.Loc.Col, val.Loc.Scope)
	}
	return body
}

func (p *printer) metaNode(n MetaNode) string {
	ref := func(id MetaID) string {
		if id == NoMeta {
			return "null"
		}
		return fmt.Sprintf("!%d", id)
	}
	switch n.Kind {
	case MetaFile:
		return fmt.Sprintf("!DIFile(filename: %q, directory: %q)", n.Name, n.Directory)
	case MetaCompileUnit:
		return fmt.Sprintf("distinct !DICompileUnit(language: 0x%x, file: %s, producer: %q, isOptimized: %t, emissionKind: FullDebug)", n.Language, ref(n.File), n.Producer, n.Optimized)
	case MetaBasicType:
		return fmt.Sprintf("!DIBasicType(name: %q, size: %d, encoding: 0x%x)", n.Name, n.SizeBits, n.Encoding)
	case MetaPointerType:
		return fmt.Sprintf("!DIDerivedType(tag: DW_TAG_pointer_type, baseType: %s, size: %d)", ref(n.Type), n.SizeBits)
	case MetaSubroutineType:
		types := make([]string, len(n.Types))
		for i, t := range n.Types {
			types[i] = ref(t)
		}
		return fmt.Sprintf("!DISubroutineType(types: !{%s})", strings.Join(types, ", "))
	case MetaSubprogram:
		return fmt.Sprintf("distinct !DISubprogram(name: %q, scope: %s, file: %s, line: %d, type: %s, flags: 0x%x, unit: %s)", n.Name, ref(n.File), ref(n.File), n.Line, ref(n.Type), n.Flags, ref(n.Scope))
	case MetaLocalVariable:
		arg := ""
		if n.ArgNo > 0 {
			arg = fmt.Sprintf(", arg: %d", n.ArgNo)
		}
		return fmt.Sprintf("!DILocalVariable(name: %q%s, scope: %s, file: %s, line: %d, type: %s)", n.Name, arg, ref(n.Scope), ref(n.File), n.Line, ref(n.Type))
	}
	return "!{}"
}

var (
	tokenPattern   = regexp.MustCompile(`%[A-Za-z0-9_.]+|\b(?:define|internal|phi|icmp|br|ret|add|sub|mul|and|or|xor|load|store|alloca|getelementptr|label|call)\b`)
	commentPattern = regexp.MustCompile(`;.*$`)
)

// Highlight colours textual IR for a terminal.
func Highlight(text string) string {
	keyword := ansi.Style{}.Bold().ForegroundColor(ansi.Blue)
	register := ansi.Style{}.ForegroundColor(ansi.Green)
	comment := ansi.Style{}.ForegroundColor(ansi.BrightBlack)

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		code, note := line, ""
		if loc := commentPattern.FindStringIndex(line); loc != nil {
			code, note = line[:loc[0]], comment.Styled(line[loc[0]:])
		}
		code = tokenPattern.ReplaceAllStringFunc(code, func(tok string) string {
			if strings.HasPrefix(tok, "%") {
				return register.Styled(tok)
			}
			return keyword.Styled(tok)
		})
		lines[i] = code + note
	}
	return strings.Join(lines, "\n")
}

// StripHighlight removes terminal styling from text.
func StripHighlight(text string) string {
	return ansi.Strip(text)
}
