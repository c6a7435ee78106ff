package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeModels(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "models.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAndShapes(t *testing.T) {
	path := writeModels(t, t.TempDir(), `[
		{"id": "gemini-2.5-pro", "created": 1741824000, "owned_by": "google",
		 "display_name": "Gemini 2.5 Pro", "version": "2.5",
		 "input_token_limit": 1048576, "output_token_limit": 65536},
		{"id": "gemini-2.5-flash", "created": 1741824000, "owned_by": "google",
		 "display_name": "Gemini 2.5 Flash"}
	]`)

	r, err := Load(path)
	require.NoError(t, err)
	require.Len(t, r.Models(), 2)

	openai := r.OpenAIList()
	assert.Equal(t, "list", openai["object"])
	data := openai["data"].([]map[string]any)
	require.Len(t, data, 2)
	assert.Equal(t, "gemini-2.5-pro", data[0]["id"])
	assert.Equal(t, "google", data[0]["owned_by"])

	gemini := r.GeminiList()
	models := gemini["models"].([]map[string]any)
	require.Len(t, models, 2)
	assert.Equal(t, "models/gemini-2.5-pro", models[0]["name"])
	assert.Equal(t, 1048576, models[0]["inputTokenLimit"])
	// Missing method lists fall back to the generate/count trio.
	assert.Len(t, models[1]["supportedGenerationMethods"], 3)
}

func TestLookupAcceptsModelsPrefix(t *testing.T) {
	path := writeModels(t, t.TempDir(), `[{"id": "gemini-2.5-pro"}]`)
	r, err := Load(path)
	require.NoError(t, err)

	m, ok := r.Lookup("models/gemini-2.5-pro")
	require.True(t, ok)
	assert.Equal(t, "gemini-2.5-pro", m.ID)

	_, ok = r.Lookup("nope")
	assert.False(t, ok)
}

func TestLoadMissingFileIsEmpty(t *testing.T) {
	r, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	assert.Empty(t, r.Models())
}
