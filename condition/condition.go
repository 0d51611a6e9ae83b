// Package condition evaluates pipeline, stage and unit guards.
//
// A guard is a tree: Joint nodes combine children with and/or, Comparison
// leaves compare two operands. Operands read a field of the triggering record
// (new or old), a run variable, a constant, or a computed expression. A nil
// guard always passes.
//
// Evaluation is pure. Problems such as a missing field or comparing a string
// with a number are returned as *EvaluationError and never read as false.
package condition

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dcshock/topicpipe/expression"
)

// Expr is a guard node: *Joint or *Comparison.
type Expr interface {
	isExpr()
}

// JointKind combines the children of a Joint.
type JointKind string

const (
	And JointKind = "and"
	Or  JointKind = "or"
)

// Joint is a boolean combination of child expressions. An empty and is true,
// an empty or is false.
type Joint struct {
	Kind     JointKind
	Children []Expr
}

// Op is a comparison operator.
type Op string

const (
	OpEq       Op = "eq"
	OpNe       Op = "ne"
	OpLt       Op = "lt"
	OpLe       Op = "le"
	OpGt       Op = "gt"
	OpGe       Op = "ge"
	OpIn       Op = "in"
	OpNotIn    Op = "not-in"
	OpEmpty    Op = "empty"
	OpNotEmpty Op = "not-empty"
)

// Unary reports whether op ignores the right operand.
func (op Op) Unary() bool { return op == OpEmpty || op == OpNotEmpty }

// Valid reports whether op is a known operator.
func (op Op) Valid() bool {
	switch op {
	case OpEq, OpNe, OpLt, OpLe, OpGt, OpGe, OpIn, OpNotIn, OpEmpty, OpNotEmpty:
		return true
	}
	return false
}

// Comparison is a leaf: Left Op Right. Right is ignored for unary operators.
type Comparison struct {
	Left  Operand
	Op    Op
	Right Operand
}

func (*Joint) isExpr()      {}
func (*Comparison) isExpr() {}

// Scope is the data a guard is evaluated against.
type Scope struct {
	New  map[string]any
	Old  map[string]any
	Vars map[string]any
}

// ErrMissingField is wrapped by EvaluationError when an operand path does not resolve.
var ErrMissingField = errors.New("field not found")

// ErrTypeMismatch is wrapped by EvaluationError when operands cannot be compared.
var ErrTypeMismatch = errors.New("type mismatch")

// EvaluationError reports why a guard could not be evaluated.
type EvaluationError struct {
	Node string
	Err  error
}

func (e *EvaluationError) Error() string {
	return fmt.Sprintf("condition %s: %v", e.Node, e.Err)
}

func (e *EvaluationError) Unwrap() error { return e.Err }

// Evaluate returns whether expr holds for scope. A nil expr is true.
func Evaluate(expr Expr, scope Scope) (bool, error) {
	if expr == nil {
		return true, nil
	}
	switch n := expr.(type) {
	case *Joint:
		return evalJoint(n, scope)
	case *Comparison:
		return evalComparison(n, scope)
	default:
		return false, &EvaluationError{Node: fmt.Sprintf("%T", expr), Err: errors.New("unknown node")}
	}
}

func evalJoint(j *Joint, scope Scope) (bool, error) {
	if j == nil {
		return true, nil
	}
	switch j.Kind {
	case And:
		for _, c := range j.Children {
			ok, err := Evaluate(c, scope)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case Or:
		for _, c := range j.Children {
			ok, err := Evaluate(c, scope)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, &EvaluationError{Node: "joint", Err: fmt.Errorf("unknown joint kind %q", j.Kind)}
	}
}

func evalComparison(c *Comparison, scope Scope) (bool, error) {
	if c == nil {
		return true, nil
	}
	node := c.String()
	if c.Left == nil {
		return false, &EvaluationError{Node: node, Err: errors.New("left operand required")}
	}
	left, err := c.Left.Resolve(scope)
	if c.Op.Unary() {
		if err != nil && !errors.Is(err, ErrMissingField) {
			return false, &EvaluationError{Node: node, Err: err}
		}
		empty := err != nil || isEmpty(left)
		if c.Op == OpEmpty {
			return empty, nil
		}
		return !empty, nil
	}
	if err != nil {
		return false, &EvaluationError{Node: node, Err: err}
	}
	if c.Right == nil {
		return false, &EvaluationError{Node: node, Err: errors.New("right operand required")}
	}
	right, err := c.Right.Resolve(scope)
	if err != nil {
		return false, &EvaluationError{Node: node, Err: err}
	}
	ok, err := compare(c.Op, left, right)
	if err != nil {
		return false, &EvaluationError{Node: node, Err: err}
	}
	return ok, nil
}

// String renders the comparison for error messages.
func (c *Comparison) String() string {
	var b strings.Builder
	b.WriteString(operandString(c.Left))
	b.WriteByte(' ')
	b.WriteString(string(c.Op))
	if !c.Op.Unary() {
		b.WriteByte(' ')
		b.WriteString(operandString(c.Right))
	}
	return b.String()
}

func operandString(o Operand) string {
	if o == nil {
		return "<nil>"
	}
	return o.String()
}

// Operand supplies one side of a comparison.
type Operand interface {
	Resolve(scope Scope) (any, error)
	String() string
}

// Source selects which data a Field reads.
type Source string

const (
	SourceNew  Source = "new"
	SourceOld  Source = "old"
	SourceVars Source = "vars"
)

// Field reads a dotted path (e.g. "customer.tier") from the chosen source.
type Field struct {
	Source Source
	Path   string
}

// Resolve implements Operand.
func (f Field) Resolve(scope Scope) (any, error) {
	var root map[string]any
	switch f.Source {
	case SourceNew, "":
		root = scope.New
	case SourceOld:
		root = scope.Old
	case SourceVars:
		root = scope.Vars
	default:
		return nil, fmt.Errorf("unknown source %q", f.Source)
	}
	v, ok := Lookup(root, f.Path)
	if !ok {
		return nil, fmt.Errorf("%s: %w", f.String(), ErrMissingField)
	}
	return v, nil
}

func (f Field) String() string {
	src := f.Source
	if src == "" {
		src = SourceNew
	}
	return string(src) + "." + f.Path
}

// Constant is a literal operand.
type Constant struct {
	Value any
}

// Resolve implements Operand.
func (c Constant) Resolve(Scope) (any, error) { return c.Value, nil }

func (c Constant) String() string { return fmt.Sprintf("%v", c.Value) }

// Computed evaluates an expression against the scope.
type Computed struct {
	Expr *expression.Expression
}

// Resolve implements Operand.
func (c Computed) Resolve(scope Scope) (any, error) {
	return c.Expr.Eval(expression.Env(scope.New, scope.Old, scope.Vars))
}

func (c Computed) String() string { return "{" + c.Expr.String() + "}" }

// Lookup walks a dotted path through nested maps.
func Lookup(root map[string]any, path string) (any, bool) {
	if root == nil || path == "" {
		return nil, false
	}
	var cur any = root
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
