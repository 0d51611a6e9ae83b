// Package expression compiles the small value expressions used by pipeline
// definitions: action field values, match criteria, variable assignments and
// computed guard operands. Expressions use the expr-lang syntax and see three
// roots: new (the triggering record after the write), old (before the write,
// nil on insert) and vars (the run's variables).
//
//	new.amount * 2
//	vars.customer.tier == "gold" ? "priority" : "standard"
//	"shipped"
package expression

import (
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Root names visible to every expression.
const (
	RootNew  = "new"
	RootOld  = "old"
	RootVars = "vars"
)

// Expression is a compiled, immutable expression. Safe for concurrent use.
type Expression struct {
	source  string
	program *vm.Program
}

// Compile parses and compiles src. Unknown identifiers resolve to nil at run time
// so expressions can reference optional fields.
func Compile(src string) (*Expression, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, fmt.Errorf("expression: empty source")
	}
	program, err := expr.Compile(src, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("expression %q: %w", src, err)
	}
	return &Expression{source: src, program: program}, nil
}

// MustCompile is like Compile but panics on error. Use for fixed expressions in code.
func MustCompile(src string) *Expression {
	e, err := Compile(src)
	if err != nil {
		panic(err)
	}
	return e
}

// Eval runs the expression against env (see Env).
func (e *Expression) Eval(env map[string]any) (any, error) {
	if e == nil || e.program == nil {
		return nil, fmt.Errorf("expression: not compiled")
	}
	out, err := expr.Run(e.program, env)
	if err != nil {
		return nil, fmt.Errorf("eval %q: %w", e.source, err)
	}
	return out, nil
}

// String returns the expression source.
func (e *Expression) String() string {
	if e == nil {
		return ""
	}
	return e.source
}

// Env builds the evaluation environment from the triggering record values and
// run variables. Nil maps are replaced with empty ones so member access on a
// missing root yields nil instead of failing.
func Env(newData, oldData, vars map[string]any) map[string]any {
	return map[string]any{
		RootNew:  orEmpty(newData),
		RootOld:  orEmpty(oldData),
		RootVars: orEmpty(vars),
	}
}

// EvalMap evaluates every expression in exprs and returns the results under the same keys.
func EvalMap(exprs map[string]*Expression, env map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(exprs))
	for field, e := range exprs {
		v, err := e.Eval(env)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", field, err)
		}
		out[field] = v
	}
	return out, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
