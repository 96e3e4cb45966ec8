package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/bcnelson/fight-tag-manager/internal/api"
	"github.com/bcnelson/fight-tag-manager/internal/cache"
	"github.com/bcnelson/fight-tag-manager/internal/config"
	"github.com/bcnelson/fight-tag-manager/internal/hierarchy"
	"github.com/bcnelson/fight-tag-manager/internal/logger"
	"github.com/bcnelson/fight-tag-manager/internal/service"
	"github.com/bcnelson/fight-tag-manager/internal/storage/sql"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fight-tag-manager: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, "fight-tag-manager")
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer log.Sync()

	// Tag types
	var rules *hierarchy.Rules
	if cfg.Engine.TagTypesFile != "" {
		rules, err = hierarchy.Load(cfg.Engine.TagTypesFile, cfg.Engine.DefaultVoteThreshold)
	} else {
		rules, err = hierarchy.Default(cfg.Engine.DefaultVoteThreshold)
	}
	if err != nil {
		return fmt.Errorf("loading tag types: %w", err)
	}

	// Create data directory if needed (for SQLite)
	if cfg.Database.Driver == sql.DriverSQLite && !strings.HasPrefix(cfg.Database.DSN, ":memory:") {
		if dir := filepath.Dir(cfg.Database.DSN); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("creating data directory: %w", err)
			}
		}
	}

	// Initialize storage
	store, err := sql.New(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	defer store.Close()

	// Tree cache
	var treeCache cache.TreeCache = cache.Nop{}
	if cfg.CacheEnabled() {
		redisCache, err := cache.NewRedisCache(cfg.Cache.RedisURL, cfg.Cache.TTL)
		if err != nil {
			return fmt.Errorf("connecting to redis: %w", err)
		}
		treeCache = redisCache
		log.Info("tree cache enabled", zap.Duration("ttl", cfg.Cache.TTL))
	}
	defer treeCache.Close()

	engine := service.NewEngine(store, rules, treeCache, log)

	// Create router
	router := api.NewRouter(store, engine, cfg.Engine.BootstrapAPIKey, log)

	// Create HTTP server
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	log.Info("starting fight tag manager",
		zap.String("addr", cfg.Server.Addr()),
		zap.String("db_driver", cfg.Database.Driver),
		zap.Int("tag_types", len(rules.Types())),
	)

	// Start server in goroutine
	serveErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err, ok := <-serveErr:
		if ok {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-quit:
	}

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}
