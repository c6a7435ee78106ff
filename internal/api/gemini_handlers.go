package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/studioproxy/StudioProxyAPI/internal/constant"
	"github.com/studioproxy/StudioProxyAPI/internal/pipeline"
)

// GeminiHandler serves the native Gemini REST dialect as a passthrough.
type GeminiHandler struct {
	*handlerSet
}

// nativeActions are the model actions accepted on the passthrough route.
var nativeActions = map[string]bool{
	"generateContent":       true,
	"streamGenerateContent": true,
	"countTokens":           true,
	"predict":               true,
	"batchEmbedContents":    true,
}

// Models lists the available models in the Gemini shape.
func (h *GeminiHandler) Models(c *gin.Context) {
	c.JSON(http.StatusOK, h.models.GeminiList())
}

// ModelDetail handles GET /v1beta/models/{model}: model metadata.
func (h *GeminiHandler) ModelDetail(c *gin.Context) {
	name := c.Param("action")
	if strings.ContainsRune(name, ':') {
		writeError(c, http.StatusNotFound, "unknown endpoint", "not_found_error")
		return
	}
	model, ok := h.models.Lookup(name)
	if !ok {
		writeError(c, http.StatusNotFound, "model not found: "+name, "not_found_error")
		return
	}
	c.JSON(http.StatusOK, h.models.GeminiModel(model))
}

// Generate handles POST /v1beta/models/{model}:{action}.
func (h *GeminiHandler) Generate(c *gin.Context) {
	model, action, found := strings.Cut(c.Param("action"), ":")
	if !found || model == "" {
		writeError(c, http.StatusBadRequest, "expected models/{model}:{action}", "invalid_request_error")
		return
	}
	if !nativeActions[action] {
		writeError(c, http.StatusNotFound, "unknown action: "+action, "not_found_error")
		return
	}

	body, ok := h.readBody(c)
	if !ok {
		return
	}

	modelName, thinkingLevel := pipeline.SplitModelSuffix(model)
	generative := action == "generateContent" || action == "streamGenerateContent" || action == "predict"
	if action == "generateContent" || action == "streamGenerateContent" {
		body = pipeline.PrepareNativeBody(h.cfg, body, thinkingLevel)
	}

	queryParams := map[string]string{}
	for key, values := range c.Request.URL.Query() {
		if key == "key" || key == "stream_mode" || len(values) == 0 {
			continue
		}
		queryParams[key] = values[0]
	}

	mode := h.resolveStreamMode(c)
	stream := action == "streamGenerateContent"
	streamingMode := constant.StreamModeFake
	if stream && mode == constant.StreamModeReal {
		streamingMode = constant.StreamModeReal
	}
	if stream && mode == constant.StreamModeFake {
		// The upstream call is non-streaming; the pseudo stream replays it.
		action = "generateContent"
		delete(queryParams, "alt")
	}

	req := &pipeline.Request{
		ID:            pipeline.NewRequestID(),
		Method:        http.MethodPost,
		Path:          pipeline.NativePath(modelName, action),
		QueryParams:   queryParams,
		Headers:       map[string]string{"content-type": "application/json"},
		Body:          body,
		Generative:    generative,
		Stream:        stream,
		StreamingMode: streamingMode,
	}

	res, ok := h.execute(c, req)
	if !ok {
		return
	}
	defer h.pipeline.Finalize(req.ID)

	switch {
	case stream && mode == constant.StreamModeReal:
		h.pipeline.ServeRealStream(c, req, res, nil)
	case stream:
		h.pipeline.ServePseudoStream(c, req, res, nil)
	default:
		h.pipeline.ServeNonStream(c, req, res, nil)
	}
}
