// Package validator performs static validation of sandboxed programs before
// any execution. It never runs code — the parsed tree is classified against
// three rule sets, in priority order: a critical blocklist, evasion
// heuristics, and an optional whitelist check.
//
// Blocking all reflective lookup is a deliberate over-approximation:
// legitimate uses are sacrificed for safety, and no "safe" reflective
// pattern is special-cased.
package validator

import (
	"fmt"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/token"

	"github.com/jkaninda/crucible/internal/program"
)

// Kind classifies the severity of a finding.
type Kind string

const (
	// Critical findings make the program unexecutable.
	Critical Kind = "critical"
	// Evasion findings indicate an attempt to reconstruct a blocked
	// primitive indirectly. Treated as critical for acceptance, recorded
	// with a distinct tag for audit.
	Evasion Kind = "evasion"
	// Advisory findings are surfaced to the caller but do not block
	// execution unless the policy enforces the whitelist.
	Advisory Kind = "advisory"
)

// Finding is one static issue discovered in a program.
type Finding struct {
	Kind    Kind   `json:"kind"`
	Rule    string `json:"rule"`
	Line    int    `json:"line"`
	Col     int    `json:"col"`
	Message string `json:"message"`
}

// Mode selects how strictly call sites are checked.
type Mode string

const (
	// ModeStandard applies the blocklist and evasion heuristics only.
	ModeStandard Mode = "standard"
	// ModeStrict additionally checks every bare call against the
	// capability catalog and the engine's builtins.
	ModeStrict Mode = "strict"
)

// Policy configures one validation pass.
type Policy struct {
	Mode Mode
	// Capabilities lists the names callable from inside the sandbox for
	// this execution. Used by the whitelist check in strict mode.
	Capabilities []string
	// EnforceWhitelist escalates advisory whitelist findings to blocking.
	// Default false: advisory findings are logged, not fatal.
	EnforceWhitelist bool
}

// Report is the outcome of one validation pass.
type Report struct {
	Accepted bool      `json:"accepted"`
	Findings []Finding `json:"findings"`
}

// Direct invocations of dynamic-code or host-access primitives.
// None of these exist in the sandbox runtime, but blocking them statically
// keeps a clear audit trail and defends the in-process backend in depth.
var criticalNames = map[string]string{
	"eval":           "dynamic-code",
	"Function":       "dynamic-code",
	"require":        "module-access",
	"module":         "module-access",
	"exports":        "module-access",
	"importScripts":  "module-access",
	"globalThis":     "global-access",
	"global":         "global-access",
	"window":         "global-access",
	"process":        "process-spawn",
	"child_process":  "process-spawn",
	"fetch":          "network-io",
	"XMLHttpRequest": "network-io",
	"WebAssembly":    "dynamic-code",
	"Proxy":          "introspection",
}

// Member names that expose the prototype chain. Reading obj.constructor is
// the canonical interpreter escape (constructor.constructor is Function),
// so all three are blocked in any position, read or write.
var blockedMembers = map[string]bool{
	"constructor": true,
	"__proto__":   true,
	"prototype":   true,
}

// Reflective static methods on Object. Reflect itself is blocked as an
// identifier reference.
var reflectiveObjectMethods = map[string]bool{
	"defineProperty":           true,
	"getOwnPropertyDescriptor": true,
	"getOwnPropertyNames":      true,
	"getPrototypeOf":           true,
	"setPrototypeOf":           true,
}

// Safe bare-identifier callees in strict mode, in addition to the
// capability catalog and the engine builtins.
var safeGlobals = map[string]bool{
	"parseInt": true, "parseFloat": true, "isNaN": true, "isFinite": true,
	"String": true, "Number": true, "Boolean": true, "Array": true,
	"Object": true, "Date": true, "RegExp": true, "Error": true,
	"encodeURIComponent": true, "decodeURIComponent": true,
}

// Builtins bound by the interpreter; always callable.
var engineBuiltins = map[string]bool{
	"emit":         true,
	"finalAnswer":  true,
	"matchPattern": true,
}

type pass struct {
	prog     *program.Program
	policy   Policy
	caps     map[string]bool
	declared map[string]bool
	seen     map[ast.Node]bool
	fnSpans  []span
	findings []Finding
	aborted  bool
}

// span is a half-open source range.
type span struct{ from, to int }

// Validate classifies every call expression and name reference in the
// program. Any critical match aborts the walk immediately — there is no
// point scanning further once the program is known unexecutable.
func Validate(prog *program.Program, policy Policy) Report {
	p := &pass{
		prog:     prog,
		policy:   policy,
		caps:     make(map[string]bool, len(policy.Capabilities)),
		declared: make(map[string]bool),
		seen:     make(map[ast.Node]bool),
	}
	for _, name := range policy.Capabilities {
		p.caps[name] = true
	}

	// Pre-pass: collect named function declarations so strict mode does
	// not flag calls to the program's own helpers, and function body spans
	// so `this` can be distinguished from the program-scope global object.
	program.Walk(prog.AST, func(n ast.Node) bool {
		if fn, ok := n.(*ast.FunctionLiteral); ok {
			if fn.Name != nil {
				p.declared[fn.Name.Name.String()] = true
			}
			p.fnSpans = append(p.fnSpans, span{int(fn.Idx0()), int(fn.Idx1())})
		}
		return true
	})

	program.Walk(prog.AST, p.visit)

	accepted := true
	for _, f := range p.findings {
		if f.Kind == Critical || f.Kind == Evasion {
			accepted = false
		}
		if f.Kind == Advisory && policy.EnforceWhitelist {
			accepted = false
		}
	}
	return Report{Accepted: accepted, Findings: p.findings}
}

func (p *pass) visit(n ast.Node) bool {
	if p.aborted {
		return false
	}
	switch node := n.(type) {
	case *ast.Identifier:
		p.checkIdentifier(node)
	case *ast.DotExpression:
		p.checkDot(node)
	case *ast.BracketExpression:
		p.checkBracket(node, false)
	case *ast.CallExpression:
		p.checkCall(node.Callee, node)
	case *ast.NewExpression:
		p.checkCall(node.Callee, node)
	case *ast.AssignExpression:
		p.checkAssign(node)
	case *ast.ThisExpression:
		p.checkThis(node)
	}
	return !p.aborted
}

// checkThis blocks `this` at program scope, where it is the global object
// and enumerating it reaches everything the blocklist names. Inside a
// function body `this` is the ordinary receiver and stays legal.
func (p *pass) checkThis(t *ast.ThisExpression) {
	at := int(t.Idx0())
	for _, s := range p.fnSpans {
		if at >= s.from && at < s.to {
			return
		}
	}
	p.add(Critical, "global-access", t, "this at program scope is the global object")
}

func (p *pass) checkIdentifier(id *ast.Identifier) {
	name := id.Name.String()
	if rule, blocked := criticalNames[name]; blocked {
		p.add(Critical, rule, id, fmt.Sprintf("reference to blocked name %q", name))
		return
	}
	if name == "Reflect" {
		p.add(Evasion, "reflective-access", id, "reference to Reflect")
		return
	}
	if len(name) >= 2 && name[0] == '_' && name[1] == '_' {
		p.add(Critical, "reserved-name", id, fmt.Sprintf("reference to reserved name %q", name))
	}
}

func (p *pass) checkDot(d *ast.DotExpression) {
	member := d.Identifier.Name.String()
	if blockedMembers[member] {
		p.add(Critical, "prototype-access", d, fmt.Sprintf("access to %q exposes the prototype chain", member))
		return
	}
	if left, ok := d.Left.(*ast.Identifier); ok && left.Name.String() == "Object" && reflectiveObjectMethods[member] {
		p.add(Evasion, "reflective-access", d, fmt.Sprintf("Object.%s performs reflective property access", member))
	}
}

// checkBracket classifies computed member access. Literal members are
// equivalent to dot access. Every other member must be provably numeric
// (plain index arithmetic); anything that could evaluate to an
// attacker-chosen string is an evasion in any position, read or call —
// a variable key reaching "constructor" defeats the blocklist without a
// single string ever being constructed.
func (p *pass) checkBracket(b *ast.BracketExpression, callPosition bool) {
	// Call sites inspect their callee bracket before the walk descends
	// into it; skip the second, positionless visit.
	if p.seen[b] {
		return
	}
	p.seen[b] = true
	if name, literal := literalMember(b.Member); literal {
		if blockedMembers[name] {
			p.add(Critical, "prototype-access", b, fmt.Sprintf("access to %q exposes the prototype chain", name))
		}
		return
	}
	if constructsName(b.Member) {
		// The construction pattern itself is disallowed regardless of
		// what the constructed name would resolve to — static analysis
		// cannot enumerate the runtime values.
		p.add(Evasion, "name-construction", b, "member name constructed from strings at runtime")
		return
	}
	if numericIndex(b.Member) {
		return
	}
	if callPosition {
		p.add(Evasion, "computed-dispatch", b, "call through a computed member name")
		return
	}
	p.add(Evasion, "computed-member", b, "computed member access with a non-literal, non-numeric key")
}

func (p *pass) checkCall(callee ast.Expression, at ast.Node) {
	switch c := callee.(type) {
	case *ast.Identifier:
		name := c.Name.String()
		if rule, blocked := criticalNames[name]; blocked {
			p.add(Critical, rule, at, fmt.Sprintf("call to blocked primitive %q", name))
			return
		}
		if p.policy.Mode == ModeStrict && !p.allowedCallee(name) {
			p.add(Advisory, "unlisted-callee", at, fmt.Sprintf("%q is not a capability, builtin, or declared function", name))
		}
	case *ast.BracketExpression:
		p.checkBracket(c, true)
	}
}

func (p *pass) checkAssign(a *ast.AssignExpression) {
	switch left := a.Left.(type) {
	case *ast.DotExpression:
		if blockedMembers[left.Identifier.Name.String()] {
			p.add(Critical, "prototype-mutation", a, "assignment to a prototype-chain member")
		}
	case *ast.BracketExpression:
		if name, literal := literalMember(left.Member); literal && blockedMembers[name] {
			p.add(Critical, "prototype-mutation", a, "assignment to a prototype-chain member")
		}
	}
}

func (p *pass) allowedCallee(name string) bool {
	return p.caps[name] || engineBuiltins[name] || safeGlobals[name] || p.declared[name]
}

func (p *pass) add(kind Kind, rule string, at ast.Node, msg string) {
	line, col := p.prog.Position(int(at.Idx0()))
	p.findings = append(p.findings, Finding{Kind: kind, Rule: rule, Line: line, Col: col, Message: msg})
	if kind == Critical {
		p.aborted = true
	}
}

// literalMember reports whether a computed member is a compile-time
// constant, and its name when it is a string.
func literalMember(e ast.Expression) (string, bool) {
	switch m := e.(type) {
	case *ast.StringLiteral:
		return m.Value.String(), true
	case *ast.NumberLiteral:
		return "", true
	case *ast.TemplateLiteral:
		if len(m.Expressions) == 0 {
			return "", true
		}
	}
	return "", false
}

// numericIndex reports whether a computed member provably evaluates to a
// number, or at worst to a digit-decorated string that cannot equal an
// attacker-chosen name. Covers a[0], a[-1], and a[i+1]-style index
// arithmetic; a bare variable key is not numeric.
func numericIndex(e ast.Expression) bool {
	switch m := e.(type) {
	case *ast.NumberLiteral:
		return true
	case *ast.UnaryExpression:
		return (m.Operator == token.MINUS || m.Operator == token.PLUS) && numericIndex(m.Operand)
	case *ast.BinaryExpression:
		switch m.Operator {
		case token.MINUS, token.MULTIPLY, token.SLASH, token.REMAINDER:
			// Arithmetic other than + always coerces both operands to
			// numbers; the result indexes as a number or NaN.
			return true
		case token.PLUS:
			// i+1 stays index-like: the numeric-literal operand can only
			// prepend or append digits, never assemble a full name.
			return numericIndex(m.Left) || numericIndex(m.Right)
		}
	}
	return false
}

// constructsName reports whether an expression builds a string at runtime:
// concatenation involving a string literal, or template interpolation.
func constructsName(e ast.Expression) bool {
	switch m := e.(type) {
	case *ast.TemplateLiteral:
		return len(m.Expressions) > 0
	case *ast.BinaryExpression:
		if m.Operator != token.PLUS {
			return false
		}
		return hasStringOperand(m.Left) || hasStringOperand(m.Right)
	}
	return false
}

func hasStringOperand(e ast.Expression) bool {
	switch m := e.(type) {
	case *ast.StringLiteral:
		return true
	case *ast.TemplateLiteral:
		return true
	case *ast.BinaryExpression:
		if m.Operator != token.PLUS {
			return false
		}
		return hasStringOperand(m.Left) || hasStringOperand(m.Right)
	}
	return false
}
