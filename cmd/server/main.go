package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/openhouseai/realty-voice-service/internal/config"
	"github.com/openhouseai/realty-voice-service/internal/handler"
	"github.com/openhouseai/realty-voice-service/internal/repository"
	"github.com/openhouseai/realty-voice-service/pkg/logger"
	"go.uber.org/zap"
)

// Server represents the realty voice service
type Server struct {
	config         *config.Config
	router         *mux.Router
	handlerManager *handler.HandlerManager
}

// NewServer creates the voice service server
func NewServer(cfg *config.Config) *Server {
	// Connect to Postgres and run migrations
	dbCfg := repository.LoadDatabaseConfigFromEnv()
	db, err := repository.NewDatabaseConnection(dbCfg)
	if err != nil {
		logger.Base().Error("Failed to connect to database", zap.Error(err))
		return nil
	}
	if err := repository.AutoMigrate(db); err != nil {
		logger.Base().Error("Failed to run migrations", zap.Error(err))
		return nil
	}

	router := mux.NewRouter()

	handlerManager, err := handler.NewHandlerManager(cfg, db)
	if err != nil {
		logger.Base().Error("Failed to initialize handler manager", zap.Error(err))
		return nil
	}

	handlerManager.SetupRoutes(router)

	return &Server{
		config:         cfg,
		router:         router,
		handlerManager: handlerManager,
	}
}

// Start runs the server until SIGINT or SIGTERM, then drains.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%s", s.config.Port)

	server := &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		// Media stream sockets are hijacked, so this only bounds webhooks.
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Base().Info("Starting server", zap.String("addr", addr))
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Base().Info("Shutting down", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	}
}

func main() {
	// Load .env file for local development if it exists.
	// This will not override environment variables set by Helm/Docker.
	if err := godotenv.Load(); err != nil {
		log.Printf("Info: .env file not found or skipped (expected in production): %v", err)
	}

	if _, err := logger.Init(os.Getenv("LOG_ENV")); err != nil {
		log.Printf("Failed to initialize zap logger, falling back to std log: %v", err)
	}
	defer logger.Sync()

	cfg := config.Load()

	server := NewServer(cfg)
	if server == nil {
		log.Fatal("Failed to create server")
	}
	logger.Base().Info("Server initialized",
		zap.String("port", cfg.Port),
		zap.String("pod_id", cfg.PodID))

	if err := server.Start(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed: %v", err)
	}
}
