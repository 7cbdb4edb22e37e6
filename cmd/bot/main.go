package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/xaenox/tma-bot/internal/assistant"
	"github.com/xaenox/tma-bot/internal/bot"
	"github.com/xaenox/tma-bot/internal/chat"
	"github.com/xaenox/tma-bot/internal/dispatch"
	"github.com/xaenox/tma-bot/internal/guard"
	"github.com/xaenox/tma-bot/internal/session"
	"github.com/xaenox/tma-bot/internal/storage"
	"github.com/xaenox/tma-bot/pkg/config"
	"go.uber.org/zap"
)

func main() {
	// Load .env if present; real environment variables win
	_ = godotenv.Load()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		// Logger config lives in the file we failed to read
		zap.NewExample().Fatal("Failed to load config", zap.Error(err), zap.String("path", configPath))
	}

	// Initialize logger
	logger, _ := zap.NewProduction()
	if cfg.Log.Development {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	// Initialize storage
	var store storage.Storage
	if cfg.Database.UseInMemory {
		logger.Info("Using in-memory storage")
		store = storage.NewMemoryStorage()
	} else {
		logger.Info("Using PostgreSQL storage",
			zap.String("host", cfg.Database.Host),
			zap.String("dbname", cfg.Database.DBName))
		dbConfig := storage.DatabaseConfig{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
		}
		store, err = storage.NewPostgresStorage(dbConfig, logger)
		if err != nil {
			logger.Fatal("Failed to initialize storage", zap.Error(err))
		}
	}
	defer store.Close()

	backend := assistant.NewGPTBackend(
		cfg.OpenAI.APIKey,
		cfg.OpenAI.BaseURL,
		cfg.OpenAI.Model,
		cfg.OpenAI.MaxTokens,
		cfg.OpenAI.Temperature,
		logger,
	)

	guards := guard.NewRegistry(guard.Config{
		MaxFailures: cfg.Guard.MaxFailures,
		BaseDelay:   cfg.Guard.BaseDelay,
		MaxDelay:    cfg.Guard.MaxDelay,
		OpenWindow:  cfg.Guard.OpenWindow,
	}, logger)
	contexts := session.NewManager(store, logger)
	selector := dispatch.NewSelector(logger)

	chatService := chat.NewService(store, backend, guards, contexts, selector, chat.Config{
		Timeout:      cfg.Chat.Timeout,
		HistoryLimit: cfg.Chat.HistoryLimit,
	}, logger)

	// Initialize bot
	b, err := bot.New(cfg.Telegram.Token, cfg.Telegram.Debug, store, chatService, contexts, logger)
	if err != nil {
		logger.Fatal("Failed to create bot", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start the bot
	if err := b.Start(ctx); err != nil {
		logger.Fatal("Bot error", zap.Error(err))
	}
	logger.Info("Bot stopped")
}
