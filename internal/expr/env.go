// Package expr compiles the CEL expressions and sprig templates that rewrite
// rules evaluate against a request and the current connectivity.
package expr

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

// costLimit caps the work a single rewrite expression may do per request.
const costLimit = 10000

// Environment compiles rewrite expressions. Besides the request and network
// maps it offers lookup, setQuery, pathEscape and ext so URI rewrites can be
// written without templates.
type Environment struct {
	env *cel.Env
}

func NewEnvironment() (*Environment, error) {
	env, err := cel.NewEnv(
		cel.Variable("request", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("network", cel.MapType(cel.StringType, cel.DynType)),
		cel.Function("lookup",
			cel.Overload("lookup_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.DynType,
				cel.BinaryBinding(lookupMapValue),
			),
		),
		cel.Function("setQuery",
			cel.Overload("set_query_string_string_dyn",
				[]*cel.Type{cel.StringType, cel.StringType, cel.DynType},
				cel.StringType,
				cel.FunctionBinding(setQueryValue),
			),
		),
		cel.Function("pathEscape",
			cel.Overload("path_escape_string",
				[]*cel.Type{cel.StringType},
				cel.StringType,
				cel.UnaryBinding(func(v ref.Val) ref.Val {
					return types.String(url.PathEscape(string(v.(types.String))))
				}),
			),
		),
		cel.Function("ext",
			cel.Overload("ext_string",
				[]*cel.Type{cel.StringType},
				cel.StringType,
				cel.UnaryBinding(extValue),
			),
		),
		cel.HomogeneousAggregateLiterals(),
	)
	if err != nil {
		return nil, fmt.Errorf("expr: build environment: %w", err)
	}
	return &Environment{env: env}, nil
}

// Program is a compiled rewrite expression. Predicates are compiled with
// Compile and must type-check as bool; values use CompileValue.
type Program struct {
	source    string
	program   cel.Program
	predicate bool
}

func (e *Environment) Compile(expression string) (Program, error) {
	return e.compile(expression, true)
}

func (e *Environment) CompileValue(expression string) (Program, error) {
	return e.compile(expression, false)
}

// Source returns the expression text for logs and errors.
func (p Program) Source() string { return p.source }

// EvalBool runs a predicate.
func (p Program) EvalBool(vars map[string]any) (bool, error) {
	if !p.predicate {
		return false, fmt.Errorf("expr: %q is not a predicate", p.source)
	}
	val, err := p.eval(vars)
	if err != nil {
		return false, err
	}
	if b, ok := val.(types.Bool); ok {
		return bool(b), nil
	}
	return false, fmt.Errorf("expr: %q yielded %s, want bool", p.source, val.Type().TypeName())
}

// Eval runs the program and converts the result to a Go value.
func (p Program) Eval(vars map[string]any) (any, error) {
	val, err := p.eval(vars)
	if err != nil {
		return nil, err
	}
	return val.Value(), nil
}

func (p Program) eval(vars map[string]any) (ref.Val, error) {
	if p.program == nil {
		return nil, fmt.Errorf("expr: program not initialized")
	}
	val, _, err := p.program.Eval(vars)
	if err != nil {
		return nil, fmt.Errorf("expr: eval %q: %w", p.source, err)
	}
	return val, nil
}

func (e *Environment) compile(expression string, predicate bool) (Program, error) {
	src := strings.TrimSpace(expression)
	if src == "" {
		return Program{}, fmt.Errorf("expr: expression required")
	}
	ast, issues := e.env.Compile(src)
	if issues != nil && issues.Err() != nil {
		return Program{}, fmt.Errorf("expr: compile %q: %w", src, issues.Err())
	}
	if predicate {
		if t := ast.OutputType(); t != cel.BoolType && t != cel.DynType {
			return Program{}, fmt.Errorf("expr: %q must return bool, got %s", src, cel.FormatCELType(t))
		}
	}
	program, err := e.env.Program(ast, cel.CostLimit(costLimit))
	if err != nil {
		return Program{}, fmt.Errorf("expr: program %q: %w", src, err)
	}
	return Program{source: src, program: program, predicate: predicate}, nil
}

func lookupMapValue(mapVal ref.Val, key ref.Val) ref.Val {
	mapper, ok := mapVal.(traits.Mapper)
	if !ok {
		return types.NewErr("expr: lookup only supports string-key maps")
	}
	value, found := mapper.Find(key)
	if !found || value == nil {
		return types.NullValue
	}
	return value
}

func setQueryValue(args ...ref.Val) ref.Val {
	uri, ok := args[0].(types.String)
	if !ok {
		return types.NewErr("expr: setQuery uri must be a string")
	}
	key, ok := args[1].(types.String)
	if !ok {
		return types.NewErr("expr: setQuery key must be a string")
	}
	u, err := url.Parse(string(uri))
	if err != nil {
		return types.NewErr("expr: setQuery: %v", err)
	}
	q := u.Query()
	q.Set(string(key), fmt.Sprint(args[2].Value()))
	u.RawQuery = q.Encode()
	return types.String(u.String())
}

// extValue returns the lowercase extension of a URI path without the dot.
func extValue(v ref.Val) ref.Val {
	s := string(v.(types.String))
	if u, err := url.Parse(s); err == nil {
		s = u.Path
	}
	return types.String(strings.ToLower(strings.TrimPrefix(path.Ext(s), ".")))
}
