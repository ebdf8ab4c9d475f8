package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/terradev/terradev/internal/api"
	"github.com/terradev/terradev/internal/config"
	"github.com/terradev/terradev/internal/engine"
	"github.com/terradev/terradev/internal/logging"
	"github.com/terradev/terradev/internal/middleware"
	"github.com/terradev/terradev/internal/ratelimit"
	"github.com/terradev/terradev/internal/staging"
	"github.com/terradev/terradev/internal/storage"

	_ "github.com/terradev/terradev/providers/all"
)

var (
	optionsFile string
	debugMode   bool
)

func main() {
	flag.StringVar(&optionsFile, "options", "", "Path to request options YAML")
	flag.BoolVar(&debugMode, "dm", false, "Enable debug mode")
	flag.BoolVar(&debugMode, "debug-mode", false, "Enable debug mode")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	level := logging.Level(cfg.Logging.Level)
	if debugMode {
		level = logging.DEBUG
	}
	logging.Init("terradev", level)

	opts := config.DefaultOptions()
	if optionsFile != "" {
		opts, err = config.LoadOptions(optionsFile)
		if err != nil {
			log.Fatalf("Failed to load options %s: %v", optionsFile, err)
		}
	}

	creds := config.LoadCredentials()
	logging.Info("credentials loaded", map[string]interface{}{
		"configured_providers": len(creds),
	})

	// Staging pipeline: region router over the cloud backends, with the
	// sqlite manifest for idempotent re-staging.
	stagingDir := cfg.Staging.Dir
	router := storage.NewRouter(
		storage.NewGCSBackend(os.Getenv("GCP_PROJECT_ID")),
		storage.NewS3Backend(),
		storage.NewAzureBackend(),
		storage.NewOCIBackend(),
		storage.NewSCPBackend(staging.KnownHostsFile(stagingDir)),
		storage.NewLocalBackend(stagingDir),
	)
	manifest, err := staging.OpenManifest(stagingDir)
	if err != nil {
		log.Fatalf("Failed to open staging manifest: %v", err)
	}
	defer manifest.Close()
	if removed, err := manifest.Prune(opts.Analytics.RetentionDays); err == nil && removed > 0 {
		logging.Info("pruned staging manifest", map[string]interface{}{"removed": removed})
	}
	stager := staging.NewStager(stagingDir, router, staging.WithManifest(manifest))

	eng := engine.New(ratelimit.Default(), stager)
	handler := api.NewHandler(eng, creds, opts)

	var limiter *middleware.RateLimiter
	if cfg.Redis.Host != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			logging.Warn("redis unreachable, edge rate limiting disabled", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			limiter = middleware.NewRateLimiter(client)
			defer client.Close()
		}
	}

	routes := api.NewRouter(handler, limiter, cfg.Server.RateLimitPerMinute)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      routes,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logging.Info("server listening", map[string]interface{}{"addr": addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info("shutting down", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Forced shutdown: %v", err)
	}
}
