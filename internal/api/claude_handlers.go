package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/studioproxy/StudioProxyAPI/internal/constant"
	"github.com/studioproxy/StudioProxyAPI/internal/pipeline"
	"github.com/studioproxy/StudioProxyAPI/internal/translator/claude"
)

// ClaudeHandler serves the Anthropic messages dialect.
type ClaudeHandler struct {
	*handlerSet
}

// Messages handles POST /v1/messages.
func (h *ClaudeHandler) Messages(c *gin.Context) {
	body, ok := h.readBody(c)
	if !ok {
		return
	}
	if !gjson.ValidBytes(body) {
		h.writeClaudeError(c, http.StatusBadRequest, "invalid_request_error", "request body is not valid JSON")
		return
	}

	native, model := claude.ConvertMessagesRequestToNative(body)
	if model == "" {
		h.writeClaudeError(c, http.StatusBadRequest, "invalid_request_error", "missing model")
		return
	}
	modelName, thinkingLevel := pipeline.SplitModelSuffix(model)
	native = pipeline.PrepareNativeBody(h.cfg, native, thinkingLevel)

	stream := gjson.GetBytes(body, "stream").Bool()
	mode := h.resolveStreamMode(c)

	action := "generateContent"
	streamingMode := constant.StreamModeFake
	queryParams := map[string]string{}
	if stream && mode == constant.StreamModeReal {
		action = "streamGenerateContent"
		streamingMode = constant.StreamModeReal
		queryParams["alt"] = "sse"
	}

	req := &pipeline.Request{
		ID:            pipeline.NewRequestID(),
		Method:        http.MethodPost,
		Path:          pipeline.NativePath(modelName, action),
		QueryParams:   queryParams,
		Headers:       map[string]string{"content-type": "application/json"},
		Body:          native,
		Generative:    true,
		Stream:        stream,
		StreamingMode: streamingMode,
	}

	res, ok := h.executeClaude(c, req)
	if !ok {
		return
	}
	defer h.pipeline.Finalize(req.ID)

	if !stream {
		h.pipeline.ServeNonStream(c, req, res, func(body []byte) (string, []byte) {
			return "application/json", claude.ConvertNativeResponseToMessage(body, model)
		})
		return
	}

	enc := newClaudeEncoder(model)
	if mode == constant.StreamModeReal {
		h.pipeline.ServeRealStream(c, req, res, enc)
		return
	}
	h.pipeline.ServePseudoStream(c, req, res, enc)
}

// CountTokens handles POST /v1/messages/count_tokens.
func (h *ClaudeHandler) CountTokens(c *gin.Context) {
	body, ok := h.readBody(c)
	if !ok {
		return
	}
	if !gjson.ValidBytes(body) {
		h.writeClaudeError(c, http.StatusBadRequest, "invalid_request_error", "request body is not valid JSON")
		return
	}

	native, model := claude.ConvertMessagesRequestToNative(body)
	if model == "" {
		h.writeClaudeError(c, http.StatusBadRequest, "invalid_request_error", "missing model")
		return
	}
	modelName, _ := pipeline.SplitModelSuffix(model)

	req := &pipeline.Request{
		ID:            pipeline.NewRequestID(),
		Method:        http.MethodPost,
		Path:          pipeline.NativePath(modelName, "countTokens"),
		Headers:       map[string]string{"content-type": "application/json"},
		Body:          native,
		StreamingMode: constant.StreamModeFake,
	}

	res, ok := h.executeClaude(c, req)
	if !ok {
		return
	}
	defer h.pipeline.Finalize(req.ID)

	h.pipeline.ServeNonStream(c, req, res, func(body []byte) (string, []byte) {
		return "application/json", claude.ConvertNativeCountToTokens(body)
	})
}

// executeClaude runs the pipeline, answering failures with the Anthropic
// error envelope.
func (h *ClaudeHandler) executeClaude(c *gin.Context, req *pipeline.Request) (*pipeline.Result, bool) {
	res, err := h.pipeline.Execute(c.Request.Context(), req)
	if err != nil {
		status, message := statusOf(err)
		h.writeClaudeError(c, status, "api_error", message)
		return nil, false
	}
	return res, true
}

// writeClaudeError emits the Anthropic-shaped error envelope.
func (h *ClaudeHandler) writeClaudeError(c *gin.Context, status int, errType, message string) {
	c.JSON(status, gin.H{
		"type":  "error",
		"error": gin.H{"type": errType, "message": message},
	})
}
