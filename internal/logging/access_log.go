package logging

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// AccessLog logs one line per handled request with method, path, status and
// latency. Severity follows the response status.
func AccessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path += "?" + raw
		}
		status := c.Writer.Status()

		entry := log.WithFields(log.Fields{
			"status":  status,
			"latency": time.Since(start).Truncate(time.Millisecond).String(),
			"client":  c.ClientIP(),
		})
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			entry = entry.WithField("errors", errs.String())
		}

		line := c.Request.Method + " " + path
		switch {
		case status >= http.StatusInternalServerError:
			entry.Error(line)
		case status >= http.StatusBadRequest:
			entry.Warn(line)
		default:
			entry.Info(line)
		}
	}
}

// Recovery converts handler panics into 500 responses and logs the stack.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		log.WithFields(log.Fields{
			"panic": recovered,
			"path":  c.Request.URL.Path,
			"stack": string(debug.Stack()),
		}).Error("handler panicked")
		c.AbortWithStatus(http.StatusInternalServerError)
	})
}
