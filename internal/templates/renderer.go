// Package templates renders the sprig-flavoured text templates that rewrite
// rules use to build request URIs.
package templates

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"
	"text/template"

	sprig "github.com/Masterminds/sprig/v3"
)

// Renderer compiles templates with the sprig function map minus every helper
// that reads the process environment or the filesystem, plus a couple of URI
// helpers.
type Renderer struct {
	funcs template.FuncMap
}

// Template is a compiled template. Templates are safe for concurrent use.
type Template struct {
	name string
	tmpl *template.Template
}

func NewRenderer() *Renderer {
	funcs := sprig.TxtFuncMap()
	restricted := []string{
		"env",
		"expandenv",
		"readDir",
		"mustReadDir",
		"readFile",
		"mustReadFile",
		"glob",
	}
	for _, name := range restricted {
		delete(funcs, name)
	}

	r := &Renderer{funcs: make(template.FuncMap, len(funcs)+4)}
	for name, fn := range funcs {
		r.funcs[name] = fn
	}
	// Rules written against the unrestricted sprig map still parse.
	r.funcs["env"] = func(string) string { return "" }
	r.funcs["expandenv"] = func(input string) string {
		return os.Expand(input, func(string) string { return "" })
	}
	r.funcs["setQuery"] = setQuery
	r.funcs["pathEscape"] = url.PathEscape
	r.funcs["ext"] = ext
	return r
}

// CompileInline parses an inline template source. Empty or whitespace-only
// sources return nil without error.
func (r *Renderer) CompileInline(name, source string) (*Template, error) {
	trimmed := strings.TrimSpace(source)
	if trimmed == "" {
		return nil, nil
	}
	if name == "" {
		name = "inline"
	}
	tmpl, err := template.New(name).Funcs(r.funcs).Option("missingkey=zero").Parse(source)
	if err != nil {
		return nil, fmt.Errorf("templates: compile %q: %w", name, err)
	}
	return &Template{name: name, tmpl: tmpl}, nil
}

// Render executes the compiled template with data.
func (t *Template) Render(data any) (string, error) {
	if t == nil {
		return "", errors.New("templates: nil template")
	}
	var buf bytes.Buffer
	if err := t.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("templates: execute %q: %w", t.name, err)
	}
	return buf.String(), nil
}

func (t *Template) Name() string {
	if t == nil {
		return ""
	}
	return t.name
}

// setQuery returns uri with key set to value in its query string. Values are
// stringified with fmt so ints from the request context pass straight through.
func setQuery(key string, value any, uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("templates: setQuery: %w", err)
	}
	q := u.Query()
	q.Set(key, fmt.Sprint(value))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ext returns the lowercase extension of a URI path without the dot.
func ext(uri string) string {
	if u, err := url.Parse(uri); err == nil {
		uri = u.Path
	}
	return strings.ToLower(strings.TrimPrefix(path.Ext(uri), "."))
}
