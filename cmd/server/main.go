package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/KevinKickass/MiniDiffCore/internal/auth"
	"github.com/KevinKickass/MiniDiffCore/internal/config"
	"github.com/KevinKickass/MiniDiffCore/internal/storage"
	"github.com/KevinKickass/MiniDiffCore/internal/system"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}

	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zc.Level = level
	}
	return zc.Build()
}

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the service configuration")
	envFile := flag.String("env", ".env", "Optional dotenv file with secrets")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		log.Printf("Warning: could not load %s: %v", *envFile, err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Config loaded successfully", zap.String("path", *configPath))

	ctx := context.Background()

	// Without a database limits stay in memory and only signed tokens work.
	var (
		limits      system.LimitStore
		credentials auth.CredentialStore
	)
	if cfg.Database.Enabled {
		db, err := storage.NewPostgresClient(ctx, cfg.Database)
		if err != nil {
			logger.Fatal("Failed to connect to database", zap.Error(err))
		}
		defer db.Close()

		if err := db.EnsureSchema(ctx); err != nil {
			logger.Fatal("Failed to prepare database", zap.Error(err))
		}
		limits = db
		credentials = db
		logger.Info("Database connected successfully",
			zap.String("host", cfg.Database.Host),
			zap.String("database", cfg.Database.Database))
	}

	lifecycle := system.NewLifecycleManager(limits, credentials, cfg, logger)

	if err := lifecycle.Start(ctx); err != nil {
		logger.Error("Failed to start system", zap.Error(err))
		shutdown(lifecycle, cfg, logger)
		os.Exit(1)
	}

	logger.Info("MiniDiffCore started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Shutdown signal received", zap.String("signal", sig.String()))
		if !shutdown(lifecycle, cfg, logger) {
			os.Exit(1)
		}
	case <-lifecycle.Done():
		logger.Info("Shutdown requested through the API")
	}

	logger.Info("MiniDiffCore stopped successfully")
}

func shutdown(lifecycle *system.LifecycleManager, cfg *config.Config, logger *zap.Logger) bool {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := lifecycle.Shutdown(ctx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
		return false
	}
	return true
}
