package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xiaot623/surveychat/internal/adapter/llm"
	"github.com/xiaot623/surveychat/internal/config"
	"github.com/xiaot623/surveychat/internal/logger"
	"github.com/xiaot623/surveychat/internal/repository"
	"github.com/xiaot623/surveychat/internal/service"
	handler "github.com/xiaot623/surveychat/internal/transport/http"
	"github.com/xiaot623/surveychat/policy"
)

func main() {
	// Load configuration
	cfg := config.Load()

	log, err := logger.New(logger.Options{
		Mode:    cfg.LogMode,
		Level:   cfg.LogLevel,
		Redact:  cfg.LogRedaction,
		HashKey: cfg.LogHashSecret,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting surveychat",
		"env", cfg.Env, "http_port", cfg.HTTPPort, "database", cfg.DatabaseURL, "mode", cfg.Mode)

	// Initialize store
	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to initialize store", "error", err)
	}
	defer db.Close()

	// Initialize LLM client
	llmClient := llm.NewLLMClient(cfg.Mode, cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, log)

	// Initialize policy engine
	ctx := context.Background()
	policyEngine, err := policy.NewDefaultEngine(ctx)
	if err != nil {
		log.Fatal("failed to initialize policy engine", "error", err)
	}

	// Initialize service
	svc := service.New(db, llmClient, cfg, policyEngine, log)

	if cfg.ModelsFile != "" {
		models, err := config.LoadModelCatalog(cfg.ModelsFile)
		if err != nil {
			log.Fatal("failed to load model catalog", "path", cfg.ModelsFile, "error", err)
		}
		if err := svc.SeedModels(ctx, models); err != nil {
			log.Fatal("failed to seed models", "error", err)
		}
		log.Info("model catalog loaded", "path", cfg.ModelsFile, "models", len(models))
	}

	server := handler.NewServer(svc, log)

	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start server", "addr", addr, "error", err)
		}
	}()

	log.Info("http server started", "port", cfg.HTTPPort)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down surveychat")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to shutdown server gracefully", "error", err)
	}

	log.Info("surveychat stopped")
}
