// Package main provides the MCP server entry point for the local passage index.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/bull/offline-rag/internal/app"
	"github.com/bull/offline-rag/internal/config"
	mcpserver "github.com/bull/offline-rag/internal/mcp"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// Load .env file if present, ignore if missing
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	// Create context that cancels on SIGTERM/SIGINT
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// stdout carries the MCP protocol; logs go to stderr.
	logger := cfg.NewLogger(os.Stderr)

	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("failed to open index: %v", err)
	}
	defer a.Close()

	server := mcpserver.NewServer(&mcpserver.Config{
		Service: a.Retriever,
		Health:  a.Health,
		Logger:  logger,
	})

	logger.Info("Starting offline RAG MCP server", "data_dir", cfg.DataDir, "index", cfg.Index.Type)
	if err := server.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("Server error", "error", err)
		a.Close()
		os.Exit(1)
	}
}
