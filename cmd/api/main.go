package main

import (
	"fmt"
	"log"
	"os"

	"github.com/devpulse/devpulse/internal/aggregator"
	"github.com/devpulse/devpulse/internal/api"
	"github.com/devpulse/devpulse/internal/config"
	"github.com/devpulse/devpulse/internal/connector"
	"github.com/devpulse/devpulse/internal/digest"
	"github.com/devpulse/devpulse/internal/pipeline"
	"github.com/devpulse/devpulse/internal/storage"
	"github.com/devpulse/devpulse/internal/storage/postgres"
	"github.com/devpulse/devpulse/internal/storage/sqlite"
	"github.com/devpulse/devpulse/pkg/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	zl := logger.New(cfg.IsDev())
	defer zl.Sync()

	// Initialize storage
	var store storage.Storage
	switch cfg.StorageType {
	case "postgres":
		store, err = postgres.NewPostgresStorage(cfg.PostgresURL)
		if err != nil {
			log.Fatalf("Failed to initialize PostgreSQL storage: %v", err)
		}
	default:
		store, err = sqlite.NewSQLiteStorage(cfg.SQLitePath)
		if err != nil {
			log.Fatalf("Failed to initialize SQLite storage: %v", err)
		}
	}
	defer store.Close()

	// Wire the ingestion and digest pipeline
	factory := func(token string) connector.Connector {
		return connector.NewGitHubConnector(token, store, zl)
	}
	agg := aggregator.New(store, zl)
	gen := digest.NewOpenAIGenerator(cfg.OpenAIAPIKey, cfg.OpenAIModel)
	builder := digest.NewBuilder(store, agg, gen, zl)
	p := pipeline.New(store, factory, builder, cfg.DaysBack, zl)

	worker := pipeline.NewWorker(p, cfg.QueueSize, zl)
	worker.Start()
	defer worker.Stop()

	handler := api.NewHandler(store, p, worker, zl)
	router := api.SetupRoutes(handler)

	// Start server
	addr := fmt.Sprintf("%s:%s", cfg.APIHost, cfg.APIPort)
	fmt.Printf("Starting API server on %s\n", addr)
	fmt.Printf("Storage type: %s\n", cfg.StorageType)

	if err := router.Run(addr); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start server: %v\n", err)
		os.Exit(1)
	}
}
