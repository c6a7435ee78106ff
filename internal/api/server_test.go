package api

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studioproxy/StudioProxyAPI/internal/config"
	"github.com/studioproxy/StudioProxyAPI/internal/registry"
)

func authEngine(keys ...string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.Use(AuthMiddleware(&config.Config{APIKeys: keys}))
	engine.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	return engine
}

func TestAuthMiddlewareAcceptsAllCarriers(t *testing.T) {
	engine := authEngine("sk-test")

	cases := []struct {
		name  string
		setup func(r *http.Request)
	}{
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer sk-test") }},
		{"raw authorization", func(r *http.Request) { r.Header.Set("Authorization", "sk-test") }},
		{"x-api-key", func(r *http.Request) { r.Header.Set("X-Api-Key", "sk-test") }},
		{"x-goog-api-key", func(r *http.Request) { r.Header.Set("X-Goog-Api-Key", "sk-test") }},
		{"query key", func(r *http.Request) { r.URL.RawQuery = "key=sk-test" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ping", nil)
			tc.setup(req)
			rec := httptest.NewRecorder()
			engine.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusOK, rec.Code)
		})
	}
}

func TestAuthMiddlewareRejects(t *testing.T) {
	engine := authEngine("sk-test")

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddlewareOpenWithoutKeys(t *testing.T) {
	engine := authEngine()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func testModels(t *testing.T) *registry.ModelRegistry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "models.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"id": "gemini-2.5-pro", "owned_by": "google", "display_name": "Gemini 2.5 Pro"}
	]`), 0o644))
	models, err := registry.Load(path)
	require.NoError(t, err)
	return models
}

func modelEngine(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	base := &handlerSet{cfg: &config.Config{StreamingMode: "real"}, models: testModels(t)}
	gemini := &GeminiHandler{handlerSet: base}
	openaiH := &OpenAIHandler{handlerSet: base}
	engine := gin.New()
	engine.GET("/v1/models", openaiH.Models)
	engine.GET("/v1beta/models", gemini.Models)
	engine.GET("/v1beta/models/:action", gemini.ModelDetail)
	engine.POST("/v1beta/models/:action", gemini.Generate)
	return engine
}

func TestModelListings(t *testing.T) {
	engine := modelEngine(t)

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"gemini-2.5-pro"`)
	assert.Contains(t, rec.Body.String(), `"object":"list"`)

	rec = httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1beta/models", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"models/gemini-2.5-pro"`)
}

func TestModelDetail(t *testing.T) {
	engine := modelEngine(t)

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1beta/models/gemini-2.5-pro", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"displayName":"Gemini 2.5 Pro"`)

	rec = httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1beta/models/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGenerateRejectsMalformedAction(t *testing.T) {
	engine := modelEngine(t)

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodPost,
		"/v1beta/models/gemini-2.5-pro", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodPost,
		"/v1beta/models/gemini-2.5-pro:teleport", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResolveStreamMode(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := &handlerSet{cfg: &config.Config{StreamingMode: "real"}}

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodPost, "/x?stream_mode=fake", nil)
	assert.Equal(t, "fake", h.resolveStreamMode(c))

	c, _ = gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodPost, "/x?stream_mode=bogus", nil)
	assert.Equal(t, "real", h.resolveStreamMode(c))

	c, _ = gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodPost, "/x", nil)
	assert.Equal(t, "real", h.resolveStreamMode(c))
}
