package program

import (
	"reflect"

	"github.com/dop251/goja/ast"
)

const astPkgPath = "github.com/dop251/goja/ast"

// Walk performs a depth-first traversal of the syntax tree rooted at n,
// calling visit for every node. If visit returns false the node's children
// are skipped.
//
// The traversal descends through struct fields reflectively rather than
// through a hand-written per-type switch, so it covers every node kind the
// parser can produce, including ones added in newer parser versions.
func Walk(n ast.Node, visit func(ast.Node) bool) {
	if n == nil || !visit(n) {
		return
	}
	v := reflect.ValueOf(n)
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		v = v.Elem()
	}
	if v.Kind() == reflect.Struct {
		walkStruct(v, visit)
	}
}

// walkStruct visits the AST children held in the exported fields of a
// parser struct. Only types from the parser's ast package are descended
// into; auxiliary types (source file handles, token metadata) are skipped.
func walkStruct(v reflect.Value, visit func(ast.Node) bool) {
	if v.Type().PkgPath() != astPkgPath {
		return
	}
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		if !t.Field(i).IsExported() {
			continue
		}
		walkValue(v.Field(i), visit)
	}
}

func walkValue(f reflect.Value, visit func(ast.Node) bool) {
	switch f.Kind() {
	case reflect.Pointer, reflect.Interface:
		if f.IsNil() {
			return
		}
		if n, ok := f.Interface().(ast.Node); ok {
			Walk(n, visit)
			return
		}
		elem := f.Elem()
		if elem.Kind() == reflect.Pointer || elem.Kind() == reflect.Interface {
			walkValue(elem, visit)
		} else if elem.Kind() == reflect.Struct {
			walkStruct(elem, visit)
		}
	case reflect.Slice:
		for i := 0; i < f.Len(); i++ {
			walkValue(f.Index(i), visit)
		}
	case reflect.Struct:
		// Value-typed nodes (e.g. the identifier of a dot expression)
		// implement ast.Node on their pointer receiver; re-box to traverse.
		boxed := reflect.New(f.Type())
		boxed.Elem().Set(f)
		if n, ok := boxed.Interface().(ast.Node); ok {
			Walk(n, visit)
			return
		}
		walkStruct(f, visit)
	}
}
