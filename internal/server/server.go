// Package server provides the main HTTP server implementation.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lbjlaq/antigravity-proxy-core/internal/account"
	"github.com/lbjlaq/antigravity-proxy-core/internal/cloudcode"
	"github.com/lbjlaq/antigravity-proxy-core/internal/config"
	"github.com/lbjlaq/antigravity-proxy-core/internal/format"
	"github.com/lbjlaq/antigravity-proxy-core/internal/server/handlers"
	"github.com/lbjlaq/antigravity-proxy-core/internal/utils"
)

// Server represents the main HTTP server
type Server struct {
	engine          *gin.Engine
	accountManager  *account.Manager
	cloudCodeClient *cloudcode.Client
	cfg             *config.Config
	fallbackEnabled bool
	schedulingMode  string

	initOnce    sync.Once
	initError   error
	initialized bool
}

// Options holds server configuration options
type Options struct {
	FallbackEnabled bool
	// SchedulingModeOverride, when non-empty, overrides Config.Scheduling.Mode
	// for the lifetime of this process (operator flag, not persisted).
	SchedulingModeOverride string
	Debug                  bool
}

// New creates a new Server instance
func New(cfg *config.Config, accountManager *account.Manager, opts Options) *Server {
	if opts.Debug || cfg.DevMode {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.SetTrustedProxies(nil)
	engine.Use(gin.Recovery())

	return &Server{
		engine:          engine,
		accountManager:  accountManager,
		cfg:             cfg,
		fallbackEnabled: opts.FallbackEnabled,
		schedulingMode:  opts.SchedulingModeOverride,
	}
}

// Initialize initializes the server and account manager
func (s *Server) Initialize(ctx context.Context) error {
	s.initOnce.Do(func() {
		if err := s.accountManager.Initialize(ctx, s.schedulingMode); err != nil {
			s.initError = err
			utils.Error("[Server] Failed to initialize account manager: %v", err)
			return
		}

		s.cloudCodeClient = cloudcode.NewClient(s.accountManager, s.cfg)
		cloudcode.StartRateLimitStateCleanup()

		status := s.accountManager.GetStatus()
		utils.Success("[Server] Account pool initialized: %s", status.Summary)

		s.initialized = true
	})

	return s.initError
}

// ensureInitialized ensures the server is initialized
func (s *Server) ensureInitialized(c *gin.Context) bool {
	if s.initialized {
		return true
	}

	if err := s.Initialize(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"type": "error",
			"error": gin.H{
				"type":    "api_error",
				"message": "Server not initialized: " + err.Error(),
			},
		})
		return false
	}

	return true
}

// SetupRoutes sets up all HTTP routes
func (s *Server) SetupRoutes() {
	s.engine.Use(CORSMiddleware())
	s.engine.Use(SilentHandlerMiddleware())
	s.engine.Use(RequestLoggingMiddleware())

	s.engine.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, config.RequestBodyLimit)
		c.Next()
	})

	healthHandler := handlers.NewHealthHandler(s.accountManager)
	modelsHandler := handlers.NewModelsHandler(s.accountManager)
	accountsHandler := handlers.NewAccountsHandler(s.accountManager, s.cfg)
	messagesHandler := handlers.NewMessagesHandler(
		s.accountManager,
		s.cloudCodeClient,
		s.cfg,
		s.fallbackEnabled,
	)
	refreshHandler := handlers.NewRefreshTokenHandler(s.accountManager)

	s.engine.POST("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	s.engine.POST("/test/clear-signature-cache", func(c *gin.Context) {
		format.ClearThinkingSignatureCache()
		utils.Debug("[Test] Cleared thinking signature cache")
		c.JSON(http.StatusOK, gin.H{
			"success": true,
			"message": "Thinking signature cache cleared",
		})
	})

	s.engine.GET("/health", func(c *gin.Context) {
		if !s.ensureInitialized(c) {
			return
		}
		healthHandler.Health(c)
	})

	s.engine.GET("/account-limits", func(c *gin.Context) {
		if !s.ensureInitialized(c) {
			return
		}
		accountsHandler.AccountLimits(c)
	})

	s.engine.POST("/refresh-token", func(c *gin.Context) {
		if !s.ensureInitialized(c) {
			return
		}
		refreshHandler.RefreshToken(c)
	})

	v1 := s.engine.Group("/v1")
	v1.Use(APIKeyAuthMiddleware(s.cfg))
	{
		v1.GET("/models", func(c *gin.Context) {
			if !s.ensureInitialized(c) {
				return
			}
			modelsHandler.ListModels(c)
		})

		v1.POST("/messages/count_tokens", messagesHandler.CountTokens)

		v1.POST("/messages", func(c *gin.Context) {
			if !s.ensureInitialized(c) {
				return
			}
			messagesHandler.Messages(c)
		})
	}

	s.engine.NoRoute(func(c *gin.Context) {
		if utils.IsDebug() {
			utils.Debug("[API] 404 Not Found: %s %s", c.Request.Method, c.Request.URL.Path)
		}
		c.JSON(http.StatusNotFound, gin.H{
			"type": "error",
			"error": gin.H{
				"type":    "not_found_error",
				"message": fmt.Sprintf("Endpoint %s %s not found", c.Request.Method, c.Request.URL.Path),
			},
		})
	})
}

// Run starts the HTTP server
func (s *Server) Run(addr string) error {
	s.SetupRoutes()

	utils.Info("[Server] Starting on %s", addr)

	srv := &http.Server{
		Addr:         addr,
		Handler:      s.engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	return srv.ListenAndServe()
}

// Engine returns the Gin engine for testing or custom configuration
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// GetAccountManager returns the account manager
func (s *Server) GetAccountManager() *account.Manager {
	return s.accountManager
}
