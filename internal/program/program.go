// Package program holds the immutable source of one sandboxed execution
// request together with its cached syntax tree. A Program is created once
// per request and never mutated afterwards.
package program

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/parser"
)

// Program is a parsed, immutable sandboxed program.
type Program struct {
	Source string
	AST    *ast.Program

	// lineOffsets[i] is the byte offset of the first character of line i+1.
	lineOffsets []int
}

// Parse parses JavaScript source into a Program. A parse failure means the
// program can never be executed; callers surface it as a validation rejection.
func Parse(source string) (*Program, error) {
	if strings.TrimSpace(source) == "" {
		return nil, fmt.Errorf("empty program")
	}
	tree, err := parser.ParseFile(nil, "program.js", source, 0)
	if err != nil {
		return nil, fmt.Errorf("parsing program: %w", err)
	}
	return &Program{
		Source:      source,
		AST:         tree,
		lineOffsets: buildLineOffsets(source),
	}, nil
}

// Position converts a node index (1-based byte index, as produced by the
// parser) into a line and column, both 1-based.
func (p *Program) Position(idx int) (line, col int) {
	offset := idx - 1
	if offset < 0 {
		offset = 0
	}
	if offset > len(p.Source) {
		offset = len(p.Source)
	}
	line = sort.Search(len(p.lineOffsets), func(i int) bool {
		return p.lineOffsets[i] > offset
	})
	col = offset - p.lineOffsets[line-1] + 1
	return line, col
}

func buildLineOffsets(src string) []int {
	offsets := []int{0}
	for i := 0; i < len(src); i++ {
		if src[i] == '\n' {
			offsets = append(offsets, i+1)
		}
	}
	return offsets
}
