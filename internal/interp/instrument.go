package interp

import (
	"sort"
	"strings"

	"github.com/dop251/goja/ast"

	"github.com/jkaninda/crucible/internal/program"
)

// opsHook is the name of the operation-count checkpoint bound into the VM.
// The validator rejects any user reference to "__"-prefixed names, so user
// code can never shadow or tamper with it; the name only ever appears in
// source after instrumentation.
const opsHook = "__ops"

type insertion struct {
	offset int
	text   string
}

// instrument splices an operation-count checkpoint into every loop body
// and function body. The checkpoint raises the resource violation from
// inside the program at the next iteration boundary rather than via
// asynchronous interruption, so no in-progress operation is corrupted.
//
//	while (true) {}      =>  while (true) {__ops();}
//	while (x) y++;       =>  while (x) {__ops();y++;}
func instrument(prog *program.Program) string {
	var inserts []insertion

	add := func(offset int, text string) {
		inserts = append(inserts, insertion{offset: offset, text: text})
	}

	// instrumentLoopBody wraps non-block loop bodies in braces so the
	// checkpoint can be prepended.
	instrumentLoopBody := func(body ast.Node) {
		if body == nil {
			return
		}
		if blk, ok := body.(*ast.BlockStatement); ok {
			if blk != nil {
				add(int(blk.Idx0()), opsHook+"();")
			}
			return
		}
		add(int(body.Idx0())-1, "{"+opsHook+"();")
		add(int(body.Idx1())-1, "}")
	}

	// instrumentFunctionBody only touches block bodies; expression-bodied
	// arrows are left alone (runaway recursion through them is stopped by
	// the interpreter's own stack limit).
	instrumentFunctionBody := func(body ast.Node) {
		if blk, ok := body.(*ast.BlockStatement); ok {
			add(int(blk.Idx0()), opsHook+"();")
		}
	}

	program.Walk(prog.AST, func(n ast.Node) bool {
		switch node := n.(type) {
		case *ast.ForStatement:
			if b, ok := any(node.Body).(ast.Node); ok {
				instrumentLoopBody(b)
			}
		case *ast.WhileStatement:
			if b, ok := any(node.Body).(ast.Node); ok {
				instrumentLoopBody(b)
			}
		case *ast.DoWhileStatement:
			if b, ok := any(node.Body).(ast.Node); ok {
				instrumentLoopBody(b)
			}
		case *ast.ForInStatement:
			if b, ok := any(node.Body).(ast.Node); ok {
				instrumentLoopBody(b)
			}
		case *ast.ForOfStatement:
			if b, ok := any(node.Body).(ast.Node); ok {
				instrumentLoopBody(b)
			}
		case *ast.FunctionLiteral:
			if b, ok := any(node.Body).(ast.Node); ok {
				instrumentFunctionBody(b)
			}
		case *ast.ArrowFunctionLiteral:
			if b, ok := any(node.Body).(ast.Node); ok {
				instrumentFunctionBody(b)
			}
		}
		return true
	})

	if len(inserts) == 0 {
		return prog.Source
	}

	sort.SliceStable(inserts, func(i, j int) bool {
		return inserts[i].offset < inserts[j].offset
	})

	var out strings.Builder
	out.Grow(len(prog.Source) + len(inserts)*16)
	prev := 0
	for _, ins := range inserts {
		off := ins.offset
		if off < prev {
			off = prev
		}
		if off > len(prog.Source) {
			off = len(prog.Source)
		}
		out.WriteString(prog.Source[prev:off])
		out.WriteString(ins.text)
		prev = off
	}
	out.WriteString(prog.Source[prev:])
	return out.String()
}
