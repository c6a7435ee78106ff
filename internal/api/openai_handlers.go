package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/studioproxy/StudioProxyAPI/internal/constant"
	"github.com/studioproxy/StudioProxyAPI/internal/pipeline"
	"github.com/studioproxy/StudioProxyAPI/internal/translator/openai"
)

// OpenAIHandler serves the OpenAI chat-completions dialect.
type OpenAIHandler struct {
	*handlerSet
}

// Models lists the available models in the OpenAI shape.
func (h *OpenAIHandler) Models(c *gin.Context) {
	c.JSON(http.StatusOK, h.models.OpenAIList())
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *OpenAIHandler) ChatCompletions(c *gin.Context) {
	body, ok := h.readBody(c)
	if !ok {
		return
	}
	if !gjson.ValidBytes(body) {
		writeError(c, http.StatusBadRequest, "request body is not valid JSON", "invalid_request_error")
		return
	}

	native, model := openai.ConvertChatRequestToNative(body)
	if model == "" {
		writeError(c, http.StatusBadRequest, "missing model", "invalid_request_error")
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

	res, ok := h.execute(c, req)
	if !ok {
		return
	}
	defer h.pipeline.Finalize(req.ID)

	if !stream {
		h.pipeline.ServeNonStream(c, req, res, func(body []byte) (string, []byte) {
			return "application/json", openai.ConvertNativeResponseToChat(body, model)
		})
		return
	}

	enc := newOpenAIEncoder(model)
	if mode == constant.StreamModeReal {
		h.pipeline.ServeRealStream(c, req, res, enc)
		return
	}
	h.pipeline.ServePseudoStream(c, req, res, enc)
}
