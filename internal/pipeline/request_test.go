package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/studioproxy/StudioProxyAPI/internal/config"
)

func TestSplitModelSuffix(t *testing.T) {
	model, level := SplitModelSuffix("gemini-3-pro@high")
	assert.Equal(t, "gemini-3-pro", model)
	assert.Equal(t, "high", level)

	model, level = SplitModelSuffix("gemini-2.5-flash")
	assert.Equal(t, "gemini-2.5-flash", model)
	assert.Empty(t, level)
}

func TestPrepareNativeBodyThinkingLevel(t *testing.T) {
	cfg := &config.Config{}
	out := PrepareNativeBody(cfg, []byte(`{"contents":[]}`), "low")
	assert.Equal(t, "LOW", gjson.GetBytes(out, "generationConfig.thinkingConfig.thinkingLevel").String())
}

func TestPrepareNativeBodyForceInjections(t *testing.T) {
	cfg := &config.Config{ForceThinking: true, ForceWebSearch: true, ForceURLContext: true}
	out := PrepareNativeBody(cfg, []byte(`{"contents":[]}`), "")

	assert.True(t, gjson.GetBytes(out, "generationConfig.thinkingConfig.includeThoughts").Bool())

	tools := gjson.GetBytes(out, "tools").Array()
	require.Len(t, tools, 2)
	assert.True(t, tools[0].Get("googleSearch").Exists())
	assert.True(t, tools[1].Get("urlContext").Exists())
}

func TestPrepareNativeBodyRespectsClientSettings(t *testing.T) {
	cfg := &config.Config{ForceThinking: true, ForceWebSearch: true}
	body := []byte(`{
		"generationConfig": {"thinkingConfig": {"thinkingBudget": 512}},
		"tools": [{"googleSearch": {}}]
	}`)
	out := PrepareNativeBody(cfg, body, "")

	// The client's own thinking config and search tool survive untouched.
	assert.Equal(t, int64(512), gjson.GetBytes(out, "generationConfig.thinkingConfig.thinkingBudget").Int())
	assert.False(t, gjson.GetBytes(out, "generationConfig.thinkingConfig.includeThoughts").Exists())
	assert.Len(t, gjson.GetBytes(out, "tools").Array(), 1)
}

func TestPrepareNativeBodyThoughtSignatureBackfill(t *testing.T) {
	body := []byte(`{"contents":[
		{"role":"model","parts":[
			{"functionCall":{"name":"f","args":{}}},
			{"functionCall":{"name":"g","args":{}},"thoughtSignature":"original"}
		]}
	]}`)
	out := PrepareNativeBody(&config.Config{}, body, "")

	assert.Equal(t, defaultThoughtSignature, gjson.GetBytes(out, "contents.0.parts.0.thoughtSignature").String())
	assert.Equal(t, "original", gjson.GetBytes(out, "contents.0.parts.1.thoughtSignature").String())
}

func TestPrepareNativeBodyNormalizesTools(t *testing.T) {
	body := []byte(`{"tools":[{"function_declarations":[{"name":"f"}]},{"google_search":{}}]}`)
	out := PrepareNativeBody(&config.Config{}, body, "")

	assert.Equal(t, "f", gjson.GetBytes(out, "tools.0.functionDeclarations.0.name").String())
	assert.False(t, gjson.GetBytes(out, "tools.0.function_declarations").Exists())
	assert.True(t, gjson.GetBytes(out, "tools.1.googleSearch").Exists())
}

func TestBuildProxyFrame(t *testing.T) {
	req := &Request{
		ID:            "r1",
		Method:        "POST",
		Path:          NativePath("gemini-2.5-pro", "streamGenerateContent"),
		QueryParams:   map[string]string{"alt": "sse"},
		Body:          []byte(`{"contents":[]}`),
		Generative:    true,
		StreamingMode: "real",
	}
	frame := BuildProxyFrame(req)
	assert.Equal(t, "proxy_request", frame.Type)
	assert.Equal(t, "r1", frame.RequestID)
	assert.Equal(t, "/v1beta/models/gemini-2.5-pro:streamGenerateContent", frame.Path)
	assert.Equal(t, "sse", frame.QueryParams["alt"])
	assert.True(t, frame.IsGenerative)
}
