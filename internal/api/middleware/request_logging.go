// Package middleware provides HTTP middleware for the API server. This file
// contains the request logging middleware that captures full exchanges when
// request logging is enabled.
package middleware

import (
	"bytes"
	"io"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/studioproxy/StudioProxyAPI/internal/logging"
)

// RequestLogging records request/response pairs through the given logger.
// When the logger is disabled the middleware is a pass-through.
func RequestLogging(logger logging.RequestLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !logger.IsEnabled() {
			c.Next()
			return
		}

		var body []byte
		if c.Request.Body != nil {
			body, _ = io.ReadAll(c.Request.Body)
			c.Request.Body = io.NopCloser(bytes.NewReader(body))
		}

		url := c.Request.URL.Path
		if c.Request.URL.RawQuery != "" {
			url += "?" + c.Request.URL.RawQuery
		}

		wrapper := &loggingWriter{
			ResponseWriter: c.Writer,
			logger:         logger,
			url:            url,
			method:         c.Request.Method,
			headers:        c.Request.Header,
			body:           body,
		}
		c.Writer = wrapper
		c.Next()
		wrapper.finish()
	}
}

// loggingWriter captures the response while passing it through. Streaming
// responses (text/event-stream) go to an async writer so the client is never
// delayed by disk I/O.
type loggingWriter struct {
	gin.ResponseWriter
	logger  logging.RequestLogger
	url     string
	method  string
	headers map[string][]string
	body    []byte

	buffered  bytes.Buffer
	stream    logging.StreamingLogWriter
	streaming bool
	started   bool
}

func (w *loggingWriter) WriteHeader(status int) {
	w.ResponseWriter.WriteHeader(status)
	if w.started {
		return
	}
	w.started = true
	if strings.HasPrefix(w.Header().Get("Content-Type"), "text/event-stream") {
		if stream, err := w.logger.LogStreamingRequest(w.url, w.method, w.headers, w.body); err == nil {
			w.stream = stream
			w.streaming = true
			stream.WriteStatus(status, w.Header())
		}
	}
}

func (w *loggingWriter) Write(data []byte) (int, error) {
	n, err := w.ResponseWriter.Write(data)
	if w.streaming {
		w.stream.WriteChunkAsync(data[:n])
	} else {
		w.buffered.Write(data[:n])
	}
	return n, err
}

func (w *loggingWriter) WriteString(s string) (int, error) {
	return w.Write([]byte(s))
}

func (w *loggingWriter) finish() {
	if w.streaming {
		_ = w.stream.Close()
		return
	}
	_ = w.logger.LogRequest(w.url, w.method, w.headers, w.body,
		w.Status(), w.Header(), w.buffered.Bytes())
}
