// Package server provides the HTTP server implementation.
// This file corresponds to the middleware in src/server.js.
package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lbjlaq/antigravity-proxy-core/internal/config"
	"github.com/lbjlaq/antigravity-proxy-core/internal/utils"
)

// CORSMiddleware handles CORS headers
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// APIKeyAuthMiddleware validates the bearer token for /v1/* endpoints.
// Comparison runs through cfg.IsValidAPIKey, which uses a constant-time
// check so key length/prefix never leaks through response timing.
func APIKeyAuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		var providedKey string
		authHeader := c.GetHeader("Authorization")
		xAPIKey := c.GetHeader("X-API-Key")

		if authHeader != "" && strings.HasPrefix(authHeader, "Bearer ") {
			providedKey = strings.TrimPrefix(authHeader, "Bearer ")
		} else if xAPIKey != "" {
			providedKey = xAPIKey
		}

		if !cfg.IsValidAPIKey(providedKey) {
			utils.Warn("[API] Unauthorized request from %s, invalid API key", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"type": "error",
				"error": gin.H{
					"type":    "authentication_error",
					"message": "Invalid or missing API key",
				},
			})
			return
		}

		c.Next()
	}
}

// RequestLoggingMiddleware logs all requests
func RequestLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		duration := time.Since(start)
		status := c.Writer.Status()
		logMsg := "[%s] %s %d (%dms)"

		// Skip logging for certain paths unless debug mode
		if path == "/api/event_logging/batch" ||
			strings.HasPrefix(path, "/v1/messages/count_tokens") ||
			strings.HasPrefix(path, "/.well-known/") {
			if utils.IsDebug() {
				utils.Debug(logMsg, c.Request.Method, c.Request.URL.Path, status, duration.Milliseconds())
			}
			return
		}

		// Colorize status code
		if status >= 500 {
			utils.Error(logMsg, c.Request.Method, c.Request.URL.Path, status, duration.Milliseconds())
		} else if status >= 400 {
			utils.Warn(logMsg, c.Request.Method, c.Request.URL.Path, status, duration.Milliseconds())
		} else {
			utils.Info(logMsg, c.Request.Method, c.Request.URL.Path, status, duration.Milliseconds())
		}
	}
}

// SilentHandlerMiddleware handles Claude Code CLI silent endpoints
func SilentHandlerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Handle Claude Code event logging requests silently
		if c.Request.Method == "POST" && c.Request.URL.Path == "/api/event_logging/batch" {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			c.Abort()
			return
		}
		// Handle Claude Code root POST requests silently
		if c.Request.Method == "POST" && c.Request.URL.Path == "/" {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			c.Abort()
			return
		}

		c.Next()
	}
}
