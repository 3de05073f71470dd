// Package main is the entry point for previewd, the ephemeral preview
// orchestrator: it clones a repository, installs its dependencies, starts
// its dev server, and exposes it through an authenticated reverse proxy.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/previewd/previewd/internal/common/config"
	"github.com/previewd/previewd/internal/common/httpmw"
	"github.com/previewd/previewd/internal/common/logger"
	"github.com/previewd/previewd/internal/db"
	"github.com/previewd/previewd/internal/gitclone"
	"github.com/previewd/previewd/internal/process"
	"github.com/previewd/previewd/internal/proxy"
	"github.com/previewd/previewd/internal/session"
	sessionhandlers "github.com/previewd/previewd/internal/session/handlers"
	"github.com/previewd/previewd/internal/session/store"
	"github.com/previewd/previewd/internal/workspace"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = log.Sync()
	}()
	logger.SetDefault(log)

	instanceID := uuid.NewString()
	log.Info("Starting previewd",
		zap.String("instance", instanceID),
		zap.Bool("subdomain_routing", cfg.Preview.UseSubdomainRouting))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Record store
	pool, err := db.Open(cfg.RecordStore)
	if err != nil {
		log.Fatal("Failed to open record store", zap.Error(err))
	}
	recordStore, err := store.New(pool)
	if err != nil {
		log.Fatal("Failed to initialize record store", zap.Error(err))
	}
	defer func() {
		_ = recordStore.Close()
	}()
	if cfg.RecordStore.URL != "" {
		log.Info("Record store: PostgreSQL (shared)")
	} else {
		log.Info("Record store: SQLite", zap.String("path", cfg.RecordStore.SQLitePath))
	}

	// 4. Subsystems
	workspaces := workspace.NewManager(cfg.Workspace.BaseDir, cfg.Workspace.InstallTimeoutDuration(), log)
	fetcher := gitclone.NewFetcher(cfg.Workspace.CloneTimeoutDuration(), log)
	allocator := process.NewAllocator(cfg.Ports.RangeStart, cfg.Ports.RangeEnd)
	processes := process.NewManager(allocator, process.RoutingEnv{
		UseSubdomain:  cfg.Preview.UseSubdomainRouting,
		PreviewDomain: cfg.Preview.PreviewDomain,
	}, log)

	sessions := session.NewManager(cfg.Session, cfg.Preview, instanceID,
		recordStore, workspaces, fetcher, processes, log)

	// 5. Startup recovery: stale records from dead instances become failed.
	sessions.RecoverOnStartup(ctx)
	sessions.StartSweepers()

	// 6. HTTP surface
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.CORS())
	router.Use(httpmw.RequestLogger(log))

	readiness := &sessionhandlers.Readiness{}
	sessionhandlers.NewSessionHandler(sessions, readiness, log).Register(router, cfg.Auth.SharedAPISecret)
	proxy.NewHandler(sessions, cfg.Preview, log).Register(router)

	var handler http.Handler = router
	if cfg.Preview.UseSubdomainRouting {
		handler = proxy.SubdomainRewrite(cfg.Preview.PreviewDomain, router)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		// Streaming responses (SSE, HMR) must not be cut off by a write
		// deadline; per-request timeouts live in the proxy transport.
		WriteTimeout: 0,
	}

	go func() {
		log.Info("previewd listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()
	readiness.Set(true)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down previewd...")
	readiness.Set(false)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	sessions.Shutdown(shutdownCtx)

	log.Info("previewd stopped")
}
