package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/studioproxy/StudioProxyAPI/internal/config"
	"github.com/studioproxy/StudioProxyAPI/internal/constant"
	"github.com/studioproxy/StudioProxyAPI/internal/pipeline"
	"github.com/studioproxy/StudioProxyAPI/internal/registry"
)

// handlerSet carries the collaborators shared by every dialect handler.
type handlerSet struct {
	cfg      *config.Config
	pipeline *pipeline.Pipeline
	models   *registry.ModelRegistry
}

// readBody drains the request body. A read failure answers the client and
// returns false.
func (h *handlerSet) readBody(c *gin.Context) ([]byte, bool) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, http.StatusBadRequest, "failed to read request body", "invalid_request_error")
		return nil, false
	}
	return body, true
}

// resolveStreamMode picks the streaming mode for this request: an explicit
// ?stream_mode= query wins over the configured default.
func (h *handlerSet) resolveStreamMode(c *gin.Context) string {
	if mode, ok := c.GetQuery("stream_mode"); ok {
		switch mode {
		case constant.StreamModeReal, constant.StreamModeFake:
			return mode
		default:
			log.Warnf("ignoring unknown stream_mode %q", mode)
		}
	}
	return h.cfg.StreamingMode
}

// execute runs the pipeline and answers the client on failure. Callers that
// get ok=true own the result queue until Finalize.
func (h *handlerSet) execute(c *gin.Context, req *pipeline.Request) (*pipeline.Result, bool) {
	res, err := h.pipeline.Execute(c.Request.Context(), req)
	if err != nil {
		status, message := statusOf(err)
		writeError(c, status, message, "upstream_error")
		return nil, false
	}
	return res, true
}

// statusOf maps a pipeline error to the HTTP status reported to the client.
func statusOf(err error) (int, string) {
	var se *pipeline.StatusError
	if errors.As(err, &se) {
		return se.Status, se.Message
	}
	return http.StatusInternalServerError, err.Error()
}

// writeError emits the shared error envelope.
func writeError(c *gin.Context, status int, message, errType string) {
	c.JSON(status, gin.H{
		"error": gin.H{"message": message, "type": errType, "code": status},
	})
}
