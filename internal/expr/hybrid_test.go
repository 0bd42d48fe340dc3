package expr

import (
	"testing"

	"github.com/l0p7/imgloader/internal/bitmap"
	"github.com/l0p7/imgloader/internal/netstate"
	"github.com/l0p7/imgloader/internal/request"
	"github.com/l0p7/imgloader/internal/templates"
	"github.com/stretchr/testify/require"
)

type keyed string

func (k keyed) Key() string { return string(k) }
func (k keyed) Transform(b *bitmap.Bitmap) (*bitmap.Bitmap, error) {
	return b, nil
}

func sampleContext() map[string]any {
	req := request.Request{
		URI:             "https://cdn.example.com/photos/a.png?sig=abc&w=100",
		TargetWidth:     320,
		TargetHeight:    240,
		CenterCrop:      true,
		Priority:        request.High,
		Transformations: []request.Transformation{keyed("blur(radius=2)")},
	}
	return RequestContext(req, netstate.Info{Connected: true, Type: netstate.Type3G}, false)
}

func TestHybridEvaluator_CEL(t *testing.T) {
	evaluator, err := NewHybridEvaluator(templates.NewRenderer())
	require.NoError(t, err)

	tests := []struct {
		name       string
		expression string
		want       any
	}{
		{name: "string extraction", expression: "request.host", want: "cdn.example.com"},
		{name: "number extraction", expression: "request.width", want: int64(320)},
		{name: "boolean expression", expression: `network.type == "3g" && request.centerCrop`, want: true},
		{name: "query access", expression: `request.query["sig"]`, want: "abc"},
		{name: "string building", expression: `"https://img.example.com" + request.path`, want: "https://img.example.com/photos/a.png"},
		{name: "list membership", expression: `"blur(radius=2)" in request.transformations`, want: true},
		{name: "priority", expression: "request.priority", want: "high"},
	}

	data := sampleContext()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(tt.expression, data)
			require.NoError(t, err)
			require.Equal(t, tt.want, result)
		})
	}
}

func TestHybridEvaluator_Template(t *testing.T) {
	evaluator, err := NewHybridEvaluator(nil)
	require.NoError(t, err)

	tests := []struct {
		name       string
		expression string
		want       string
	}{
		{name: "simple interpolation", expression: "{{ .request.host }}", want: "cdn.example.com"},
		{name: "concatenation", expression: "https://img.example.com{{ .request.path }}?w={{ .request.width }}", want: "https://img.example.com/photos/a.png?w=320"},
		{name: "query access with index", expression: `{{ index .request.query "sig" }}`, want: "abc"},
		{name: "sprig function", expression: "{{ .network.type | upper }}", want: "3G"},
	}

	data := sampleContext()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(tt.expression, data)
			require.NoError(t, err)
			require.Equal(t, tt.want, result)
		})
	}
}

func TestHybridEvaluator_Compile(t *testing.T) {
	evaluator, err := NewHybridEvaluator(nil)
	require.NoError(t, err)

	cel, err := evaluator.Compile("uri", "request.uri")
	require.NoError(t, err)
	require.False(t, cel.IsTemplate())
	require.Equal(t, "request.uri", cel.Source())

	tmpl, err := evaluator.Compile("uri", "  {{ .request.uri }} ")
	require.NoError(t, err)
	require.True(t, tmpl.IsTemplate())

	data := sampleContext()
	a, err := cel.Evaluate(data)
	require.NoError(t, err)
	b, err := tmpl.Evaluate(data)
	require.NoError(t, err)
	require.Equal(t, a, b)

	_, err = evaluator.Compile("bad", "{{ .request.uri ")
	require.Error(t, err)
	_, err = evaluator.Compile("bad", "request.uri +")
	require.Error(t, err)
}

func TestHybridEvaluator_Empty(t *testing.T) {
	evaluator, err := NewHybridEvaluator(nil)
	require.NoError(t, err)

	result, err := evaluator.Evaluate("", nil)
	require.NoError(t, err)
	require.Empty(t, result)

	result, err = evaluator.Evaluate("   ", nil)
	require.NoError(t, err)
	require.Empty(t, result)
}

func TestRequestContext(t *testing.T) {
	ctx := sampleContext()

	requestData, ok := ctx["request"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "https", requestData["scheme"])
	require.Equal(t, "/photos/a.png", requestData["path"])
	require.Equal(t, int64(240), requestData["height"])
	require.Equal(t, []string{"blur(radius=2)"}, requestData["transformations"])

	query, ok := requestData["query"].(map[string]string)
	require.True(t, ok)
	require.Equal(t, "abc", query["sig"])
	require.Equal(t, "100", query["w"])

	network, ok := ctx["network"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, true, network["connected"])
	require.Equal(t, false, network["airplane"])
}

func TestRequestContext_ResourceRequest(t *testing.T) {
	ctx := RequestContext(request.Request{ResourceID: 7}, netstate.Info{}, true)
	requestData := ctx["request"].(map[string]any)
	require.Equal(t, int64(7), requestData["resourceId"])
	require.Equal(t, "", requestData["host"])
	require.Empty(t, requestData["query"])

	network := ctx["network"].(map[string]any)
	require.Equal(t, "unknown", network["type"])
	require.Equal(t, true, network["airplane"])
}
