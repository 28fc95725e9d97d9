package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/portfolio-narrator/internal/api"
	"github.com/portfolio-narrator/internal/config"
	"github.com/portfolio-narrator/internal/feed"
	"github.com/portfolio-narrator/internal/service"
	"github.com/portfolio-narrator/internal/storage"
	"github.com/portfolio-narrator/internal/storage/cassandra"
	"github.com/portfolio-narrator/internal/storage/redis"
	"github.com/portfolio-narrator/internal/storage/sqlite"
	"github.com/portfolio-narrator/pkg/logger"
)

const archiveQueueSize = 256

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewWithLevel(cfg.LogLevel)
	defer func() { _ = log.Sync() }()

	store, err := openStore(cfg, log)
	if err != nil {
		log.Error("Failed to initialize storage", logger.Err(err), logger.F("backend", cfg.StoreBackend))
		os.Exit(1)
	}
	defer store.Close()

	hub := feed.NewHub(log)
	defer hub.Close()
	syncService := service.NewSyncService(store, log, hub)

	// Event archive is optional
	if cfg.Cassandra.Enabled() {
		client, err := cassandra.NewClient(cfg.Cassandra, log)
		if err != nil {
			log.Error("Failed to connect to Cassandra, archive disabled", logger.Err(err))
		} else {
			archiver := cassandra.NewArchiver(client, log, archiveQueueSize, cfg.Cassandra.Timeout)
			syncService.AddObserver(archiver)
			defer client.Close()
			defer archiver.Close()
		}
	}

	handler := api.NewHandler(syncService, feed.NewHandler(hub, log, originChecker(cfg.AllowedOrigins)), cfg.RequestTimeout, log)

	router := chi.NewRouter()
	router.Use(api.RequestIDMiddleware)
	router.Use(middleware.RealIP)
	router.Use(api.LoggingMiddleware(log))
	router.Use(middleware.Recoverer)
	router.Use(api.CORSMiddleware(cfg.AllowedOrigins))

	router.Mount("/", handler.Routes())

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Info("Server starting", logger.F("addr", cfg.Address()), logger.F("backend", cfg.StoreBackend))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Server failed", logger.Err(err))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", logger.Err(err))
	}

	log.Info("Server exited")
}

func openStore(cfg *config.Config, log *logger.Logger) (storage.Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch cfg.StoreBackend {
	case config.BackendMemory:
		log.Warn("Using in-memory storage, data is lost on restart")
		return storage.NewMemoryStorage(), nil
	case config.BackendRedis:
		return redis.New(ctx, cfg.Redis)
	default:
		return sqlite.Open(ctx, cfg.SQLitePath)
	}
}

// originChecker applies the CORS origin list to websocket upgrades
func originChecker(origins []string) func(r *http.Request) bool {
	if len(origins) == 0 {
		return nil
	}
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			return nil
		}
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || allowed[origin]
	}
}
