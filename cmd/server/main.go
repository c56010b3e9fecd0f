// Package main provides the proxy server entry point.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/lbjlaq/antigravity-proxy-core/internal/account"
	"github.com/lbjlaq/antigravity-proxy-core/internal/config"
	"github.com/lbjlaq/antigravity-proxy-core/internal/format"
	"github.com/lbjlaq/antigravity-proxy-core/internal/modules"
	"github.com/lbjlaq/antigravity-proxy-core/internal/server"
	"github.com/lbjlaq/antigravity-proxy-core/internal/utils"
	"github.com/lbjlaq/antigravity-proxy-core/pkg/redis"
)

const version = "1.0.0"

func main() {
	var (
		debugMode      bool
		devMode        bool
		fallback       bool
		schedulingMode string
		port           int
		host           string
	)

	flag.BoolVar(&debugMode, "debug", false, "Enable debug mode (legacy alias for dev-mode)")
	flag.BoolVar(&devMode, "dev-mode", false, "Enable developer mode")
	flag.BoolVar(&fallback, "fallback", false, "Enable model fallback on quota exhaust")
	flag.StringVar(&schedulingMode, "scheduling", "", "Account scheduling discipline (cache-first/balance/performance-first/selected/p2c)")
	flag.IntVar(&port, "port", 0, "Server port (default: 8080)")
	flag.StringVar(&host, "host", "", "Bind address (default: 0.0.0.0)")
	flag.Parse()

	if os.Getenv("DEBUG") == "true" || os.Getenv("DEV_MODE") == "true" {
		devMode = true
	}
	if os.Getenv("FALLBACK") == "true" {
		fallback = true
	}
	if debugMode {
		devMode = true
	}

	if port == 0 {
		if envPort := os.Getenv("PORT"); envPort != "" {
			fmt.Sscanf(envPort, "%d", &port)
		}
	}
	if port == 0 {
		port = config.DefaultPort
	}

	if host == "" {
		host = os.Getenv("HOST")
	}
	if host == "" {
		host = "0.0.0.0"
	}

	if schedulingMode != "" {
		validModes := []config.SchedulingMode{
			config.ModeCacheFirst, config.ModeBalance, config.ModePerformanceFirst,
			config.ModeSelected, config.ModeP2C,
		}
		valid := false
		lower := config.SchedulingMode(strings.ToLower(schedulingMode))
		for _, m := range validModes {
			if lower == m {
				valid = true
				schedulingMode = string(m)
				break
			}
		}
		if !valid {
			labels := make([]string, len(validModes))
			for i, m := range validModes {
				labels[i] = string(m)
			}
			utils.Warn("[Startup] Invalid scheduling mode %q. Valid options: %s. Using config default.",
				schedulingMode, strings.Join(labels, ", "))
			schedulingMode = ""
		}
	}

	utils.SetDebug(devMode)

	cfg := config.DefaultConfig()
	if err := cfg.Load(); err != nil {
		utils.Warn("[Startup] Failed to load config: %v", err)
	}
	cfg.DevMode = devMode
	if devMode {
		utils.Debug("Developer mode enabled")
	}
	if fallback {
		utils.Info("Model fallback mode enabled")
	}

	redisClient, err := redis.NewClient(redis.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		utils.Error("[Startup] Failed to connect to Redis: %v", err)
		utils.Warn("[Startup] Starting without Redis - using in-memory storage")
		redisClient = nil
	}

	format.InitGlobalSignatureCache(redisClient)

	accountManager := account.NewManager(redisClient, cfg)

	usageStats := modules.NewUsageStats(redisClient)
	usageStats.Initialize()

	srv := server.New(cfg, accountManager, server.Options{
		FallbackEnabled:        fallback,
		SchedulingModeOverride: schedulingMode,
		Debug:                  devMode,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := srv.Initialize(ctx); err != nil {
		utils.Error("[Startup] Failed to initialize server: %v", err)
		cancel()
		os.Exit(1)
	}
	cancel()

	srv.SetupRoutes()

	engine := srv.Engine()
	engine.Use(usageStats.Middleware())

	apiGroup := engine.Group("/api")
	usageStats.SetupRoutes(apiGroup)

	printBanner(port, host, schedulingMode, devMode, fallback, accountManager, cfg)

	addr := fmt.Sprintf("%s:%d", host, port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      engine,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		utils.Info("[Server] Starting on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			utils.Error("[Server] Failed to start: %v", err)
			os.Exit(1)
		}
	}()

	utils.Success("Server started successfully on port %d", port)
	if devMode {
		utils.Warn("Running in DEVELOPER mode - verbose logs enabled")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	utils.Info("Shutting down server...")

	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	usageStats.Shutdown()

	if err := httpServer.Shutdown(ctx); err != nil {
		utils.Error("Server forced to shutdown: %v", err)
		os.Exit(1)
	}

	if redisClient != nil {
		redisClient.Close()
	}

	utils.Success("Server stopped")
}

// printBanner prints the startup banner
func printBanner(port int, host, schedulingMode string, devMode, fallback bool, am *account.Manager, cfg *config.Config) {
	fmt.Print("\033[H\033[2J")

	status := am.GetStatus()
	mode := schedulingMode
	if mode == "" {
		mode = string(am.GetSchedulingMode())
	}

	homeDir, _ := os.UserHomeDir()
	configDir := filepath.Join(homeDir, ".config", "antigravity-proxy")

	displayHost := host
	if host == "0.0.0.0" {
		displayHost = "localhost"
	}

	statusLines := []string{
		fmt.Sprintf("    - Scheduling: %s", mode),
		fmt.Sprintf("    - Accounts: %s", status.Summary),
	}
	if devMode {
		statusLines = append(statusLines, "    - Developer mode enabled")
	}
	if fallback {
		statusLines = append(statusLines, "    - Model fallback enabled")
	}

	controlLines := []string{
		"    --scheduling=<m>   Set account scheduling discipline",
		"                       (cache-first/balance/performance-first/selected/p2c)",
	}
	if !devMode {
		controlLines = append(controlLines, "    --dev-mode         Enable developer mode")
	}
	if !fallback {
		controlLines = append(controlLines, "    --fallback         Enable model fallback on quota exhaust")
	}
	controlLines = append(controlLines, "    Ctrl+C             Stop server")

	apiKeyHint := "(none configured)"
	if len(cfg.APIKeys) > 0 {
		apiKeyHint = cfg.APIKeys[0]
	}

	fmt.Println(`
╔══════════════════════════════════════════════════════════════╗
║                 Proxy Core Server v` + version + `                      ║
╠══════════════════════════════════════════════════════════════╣
║                                                              ║`)
	fmt.Printf("║  Server running at: http://%s:%-24d ║\n", displayHost, port)
	fmt.Printf("║  Bound to: %s:%-42d ║\n", host, port)
	fmt.Println("║                                                              ║")
	fmt.Println("║  Active Modes:                                               ║")
	for _, line := range statusLines {
		fmt.Printf("║  %-60s ║\n", line)
	}
	fmt.Println("║                                                              ║")
	fmt.Println("║  Control:                                                    ║")
	for _, line := range controlLines {
		fmt.Printf("║  %-60s ║\n", line)
	}
	fmt.Println("║                                                              ║")
	fmt.Println("║  Endpoints:                                                  ║")
	fmt.Println("║    POST /v1/messages         - Anthropic Messages API        ║")
	fmt.Println("║    GET  /v1/models           - List available models         ║")
	fmt.Println("║    GET  /health              - Health check                  ║")
	fmt.Println("║    GET  /account-limits      - Account status & quotas       ║")
	fmt.Println("║    POST /refresh-token       - Force token refresh           ║")
	fmt.Println("║                                                              ║")
	fmt.Println("║  Configuration:                                              ║")
	fmt.Printf("║    Storage: %-50s ║\n", configDir)
	fmt.Println("║                                                              ║")
	fmt.Println("║  Usage with Claude Code:                                     ║")
	fmt.Printf("║    export ANTHROPIC_BASE_URL=http://localhost:%-15d ║\n", port)
	fmt.Printf("║    export ANTHROPIC_API_KEY=%-33s ║\n", apiKeyHint)
	fmt.Println("║    claude                                                    ║")
	fmt.Println("╚══════════════════════════════════════════════════════════════╝")
}
