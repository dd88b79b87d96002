// Package httpapi is the operator-facing HTTP surface: liveness and
// readiness probes plus a JWT-gated debug surface for inspecting live
// rounds and the per-chat register. It never participates in the
// coordination protocol itself.
package httpapi

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bizmatters/agent-builder/coord-sidecar/internal/auth"
	"github.com/bizmatters/agent-builder/coord-sidecar/internal/models"
)

// Pinger is the readiness dependency: anything that can report whether its
// backing connection is alive.
type Pinger interface {
	Ping(ctx context.Context) error
}

// EngineInspector is the coordination engine's read-only debug surface.
type EngineInspector interface {
	RoundSnapshots() []models.RoundSnapshot
	Register(sourceChatID string) models.RegisterState
}

// New builds the gin router. jwtManager is required to gate the debug
// routes; pass nil to omit the debug group entirely (used in tests that
// don't care about auth).
func New(pool Pinger, engine EngineInspector, jwtManager *auth.JWTManager) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(structuredLoggingMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	router.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := pool.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "error": "database connection failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	if jwtManager == nil {
		return router
	}

	debug := router.Group("/debug")
	debug.Use(auth.RequireAuth(jwtManager))

	debug.GET("/rounds", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rounds": engine.RoundSnapshots()})
	})

	debug.GET("/register/:chat_id", func(c *gin.Context) {
		c.JSON(http.StatusOK, engine.Register(c.Param("chat_id")))
	})

	return router
}

// structuredLoggingMiddleware emits one JSON line per request: method,
// path, status, latency, and the authenticated subject if present.
func structuredLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)

		logEntry := map[string]interface{}{
			"timestamp":  time.Now().UTC().Format(time.RFC3339),
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"latency_ms": latency.Milliseconds(),
			"client_ip":  c.ClientIP(),
		}

		if subject, ok := c.Get("auth_subject"); ok {
			logEntry["auth_subject"] = subject
		}
		if len(c.Errors) > 0 {
			logEntry["errors"] = c.Errors.String()
		}

		logJSON, _ := json.Marshal(logEntry)
		log.Println(string(logJSON))
	}
}
