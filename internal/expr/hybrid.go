package expr

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/l0p7/imgloader/internal/netstate"
	"github.com/l0p7/imgloader/internal/request"
	"github.com/l0p7/imgloader/internal/templates"
)

// HybridEvaluator evaluates both CEL expressions and sprig templates. A
// source containing {{ is a template; anything else is CEL.
type HybridEvaluator struct {
	celEnv   *Environment
	renderer *templates.Renderer
}

func NewHybridEvaluator(renderer *templates.Renderer) (*HybridEvaluator, error) {
	celEnv, err := NewEnvironment()
	if err != nil {
		return nil, fmt.Errorf("hybrid: create CEL environment: %w", err)
	}
	if renderer == nil {
		renderer = templates.NewRenderer()
	}
	return &HybridEvaluator{celEnv: celEnv, renderer: renderer}, nil
}

// Environment exposes the CEL environment so callers can compile predicates
// against the same variables.
func (h *HybridEvaluator) Environment() *Environment { return h.celEnv }

// Value is a compiled hybrid expression.
type Value struct {
	source  string
	tmpl    *templates.Template
	program Program
}

// Compile parses expression once so it can be evaluated repeatedly. An empty
// expression compiles to a Value that evaluates to "".
func (h *HybridEvaluator) Compile(name, expression string) (Value, error) {
	trimmed := strings.TrimSpace(expression)
	if trimmed == "" {
		return Value{}, nil
	}
	if strings.Contains(trimmed, "{{") {
		tmpl, err := h.renderer.CompileInline(name, trimmed)
		if err != nil {
			return Value{}, fmt.Errorf("hybrid: compile template: %w", err)
		}
		return Value{source: trimmed, tmpl: tmpl}, nil
	}
	prog, err := h.celEnv.CompileValue(trimmed)
	if err != nil {
		return Value{}, fmt.Errorf("hybrid: compile CEL: %w", err)
	}
	return Value{source: trimmed, program: prog}, nil
}

// Evaluate compiles and runs expression in one step.
func (h *HybridEvaluator) Evaluate(expression string, data map[string]any) (any, error) {
	v, err := h.Compile("inline", expression)
	if err != nil {
		return nil, err
	}
	return v.Evaluate(data)
}

func (v Value) Source() string { return v.source }

// IsTemplate reports whether the value renders through the template engine.
func (v Value) IsTemplate() bool { return v.tmpl != nil }

func (v Value) Evaluate(data map[string]any) (any, error) {
	switch {
	case v.source == "":
		return "", nil
	case v.tmpl != nil:
		out, err := v.tmpl.Render(data)
		if err != nil {
			return "", fmt.Errorf("hybrid: render template: %w", err)
		}
		return out, nil
	default:
		out, err := v.program.Eval(data)
		if err != nil {
			return nil, fmt.Errorf("hybrid: evaluate CEL: %w", err)
		}
		return out, nil
	}
}

// RequestContext builds the activation rewrite rules see:
//   - CEL: request.uri, request.host, request.query["w"], network.type
//   - Template: {{ .request.uri }}, {{ index .request.query "w" }}
func RequestContext(req request.Request, info netstate.Info, airplane bool) map[string]any {
	query := make(map[string]string)
	var scheme, host, path string
	if req.URI != "" {
		if u, err := url.Parse(req.URI); err == nil {
			scheme = strings.ToLower(u.Scheme)
			host = u.Host
			path = u.Path
			for key, values := range u.Query() {
				if len(values) > 0 {
					query[key] = values[0]
				}
			}
		}
	}
	netType := info.Type
	if netType == "" {
		netType = netstate.TypeUnknown
	}
	transformations := make([]string, 0, len(req.Transformations))
	for _, t := range req.Transformations {
		transformations = append(transformations, t.Key())
	}

	return map[string]any{
		"request": map[string]any{
			"uri":             req.URI,
			"scheme":          scheme,
			"host":            host,
			"path":            path,
			"query":           query,
			"resourceId":      int64(req.ResourceID),
			"stableKey":       req.StableKey,
			"width":           int64(req.TargetWidth),
			"height":          int64(req.TargetHeight),
			"centerCrop":      req.CenterCrop,
			"centerInside":    req.CenterInside,
			"rotation":        req.Rotation,
			"priority":        req.Priority.String(),
			"transformations": transformations,
		},
		"network": map[string]any{
			"connected": info.Connected,
			"type":      string(netType),
			"airplane":  airplane,
		},
	}
}
