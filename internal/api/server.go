// Package api provides the HTTP surface of the Studio Proxy API server: the
// Gin engine, routing, CORS and API-key middleware, and the per-dialect
// handlers that feed requests into the pipeline.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/studioproxy/StudioProxyAPI/internal/api/middleware"
	"github.com/studioproxy/StudioProxyAPI/internal/config"
	"github.com/studioproxy/StudioProxyAPI/internal/logging"
	"github.com/studioproxy/StudioProxyAPI/internal/pipeline"
	"github.com/studioproxy/StudioProxyAPI/internal/registry"
	"github.com/studioproxy/StudioProxyAPI/internal/switcher"
	"github.com/studioproxy/StudioProxyAPI/internal/usage"
)

// Server is the API server.
type Server struct {
	engine        *gin.Engine
	server        *http.Server
	cfg           *config.Config
	requestLogger *logging.FileRequestLogger
}

// NewServer wires the Gin engine, middleware and routes.
func NewServer(cfg *config.Config, p *pipeline.Pipeline, sw *switcher.Switcher, models *registry.ModelRegistry, stats *usage.Store) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(logging.AccessLog())
	engine.Use(logging.Recovery())

	requestLogger := logging.NewFileRequestLogger(cfg.RequestLog, "logs")
	engine.Use(middleware.RequestLogging(requestLogger))
	engine.Use(corsMiddleware())

	s := &Server{
		engine:        engine,
		cfg:           cfg,
		requestLogger: requestLogger,
	}
	s.setupRoutes(p, sw, models, stats)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: engine,
	}
	return s
}

// setupRoutes binds the dialect endpoints and the informational routes.
func (s *Server) setupRoutes(p *pipeline.Pipeline, sw *switcher.Switcher, models *registry.ModelRegistry, stats *usage.Store) {
	base := &handlerSet{cfg: s.cfg, pipeline: p, models: models}
	openaiHandlers := &OpenAIHandler{handlerSet: base}
	claudeHandlers := &ClaudeHandler{handlerSet: base}
	geminiHandlers := &GeminiHandler{handlerSet: base}

	v1 := s.engine.Group("/v1")
	v1.Use(AuthMiddleware(s.cfg))
	{
		v1.GET("/models", openaiHandlers.Models)
		v1.POST("/chat/completions", openaiHandlers.ChatCompletions)
		v1.POST("/messages", claudeHandlers.Messages)
		v1.POST("/messages/count_tokens", claudeHandlers.CountTokens)
		v1.GET("/info", infoHandler(sw, stats))
	}

	v1beta := s.engine.Group("/v1beta")
	v1beta.Use(AuthMiddleware(s.cfg))
	{
		v1beta.GET("/models", geminiHandlers.Models)
		v1beta.POST("/models/:action", geminiHandlers.Generate)
		v1beta.GET("/models/:action", geminiHandlers.ModelDetail)
	}

	s.engine.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "Studio Proxy API Server",
			"endpoints": []string{
				"POST /v1/chat/completions",
				"POST /v1/messages",
				"POST /v1beta/models/{model}:{action}",
				"GET /v1/models",
				"GET /v1beta/models",
			},
		})
	})
}

// infoHandler reports the rotation counters and the persisted usage totals.
func infoHandler(sw *switcher.Switcher, stats *usage.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		info := gin.H{"switcher": sw.Snapshot()}
		if stats != nil {
			info["usage"] = stats.Snapshot()
		}
		c.JSON(http.StatusOK, info)
	}
}

// Start begins listening. Blocking.
func (s *Server) Start() error {
	log.Infof("API server listening on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start API server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// corsMiddleware answers preflight requests and opens the API to browser
// clients.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, X-Api-Key, X-Goog-Api-Key, Anthropic-Version")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// AuthMiddleware validates the client's API key. Keys may arrive as a Bearer
// token, as x-api-key (Anthropic clients), as x-goog-api-key or a ?key=
// query parameter (Gemini clients). An empty key list disables auth.
func AuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(cfg.APIKeys) == 0 {
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		apiKey := authHeader
		if parts := strings.SplitN(authHeader, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			apiKey = parts[1]
		}
		googleKey := c.GetHeader("X-Goog-Api-Key")
		anthropicKey := c.GetHeader("X-Api-Key")
		queryKey, _ := c.GetQuery("key")

		if apiKey == "" && googleKey == "" && anthropicKey == "" && queryKey == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"message": "missing API key", "type": "authentication_error", "code": http.StatusUnauthorized},
			})
			return
		}

		for _, key := range cfg.APIKeys {
			if key == apiKey || key == googleKey || key == anthropicKey || key == queryKey {
				c.Next()
				return
			}
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": gin.H{"message": "invalid API key", "type": "authentication_error", "code": http.StatusUnauthorized},
		})
	}
}
