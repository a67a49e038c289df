//go:build wireinject

package main

import (
	"context"

	"github.com/google/wire"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"mindmitra/services/couples-api/internal/config"
	"mindmitra/services/couples-api/internal/domain/conversation"
	"mindmitra/services/couples-api/internal/domain/llm"
	"mindmitra/services/couples-api/internal/domain/session"
	"mindmitra/services/couples-api/internal/infrastructure/auth"
	"mindmitra/services/couples-api/internal/infrastructure/database"
	"mindmitra/services/couples-api/internal/infrastructure/llmprovider"
	"mindmitra/services/couples-api/internal/infrastructure/logger"
	"mindmitra/services/couples-api/internal/infrastructure/notify"
	conversationrepo "mindmitra/services/couples-api/internal/infrastructure/repository/conversation"
	"mindmitra/services/couples-api/internal/interfaces/httpserver"
	"mindmitra/services/couples-api/internal/worker"
)

var sessionSet = wire.NewSet(
	conversationrepo.NewRepository,
	wire.Bind(new(conversation.Repository), new(*conversationrepo.Repository)),
	conversationrepo.NewMessageRepository,
	wire.Bind(new(conversation.MessageRepository), new(*conversationrepo.MessageRepository)),
	newLLMProvider,
	wire.Bind(new(llm.Provider), new(*llmprovider.Client)),
	newSessionOptions,
	session.NewService,
	newNotifier,
	newSweeper,
)

// BuildApplication assembles the couples service with Wire.
func BuildApplication(ctx context.Context) (*Application, error) {
	wire.Build(
		config.Load,
		logger.New,
		newDatabaseConfig,
		newGormDB,
		newAuthValidator,
		sessionSet,
		httpserver.New,
		NewApplication,
	)
	return nil, nil
}

func newDatabaseConfig(cfg *config.Config) database.Config {
	return database.Config{
		DSN:             cfg.DatabaseURL,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		MaxOpenConns:    cfg.DBMaxOpenConns,
		ConnMaxLifetime: cfg.DBConnLifetime,
		LogLevel:        gormlogger.Warn,
	}
}

func newGormDB(ctx context.Context, cfg database.Config, log zerolog.Logger) (*gorm.DB, error) {
	db, err := database.Connect(cfg)
	if err != nil {
		return nil, err
	}
	if err := database.AutoMigrate(ctx, db, log); err != nil {
		return nil, err
	}
	return db, nil
}

func newAuthValidator(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*auth.Validator, error) {
	return auth.NewValidator(ctx, cfg, log)
}

func newLLMProvider(cfg *config.Config) *llmprovider.Client {
	return llmprovider.NewClient(cfg.LLMAPIURL, cfg.LLMAPIKey)
}

func newSessionOptions(cfg *config.Config) session.Options {
	return session.Options{
		Model:        cfg.LLMModel,
		MaxTokens:    cfg.LLMMaxTokens,
		PollInterval: cfg.PollInterval,
	}
}

func newNotifier(
	cfg *config.Config,
	convRepo conversation.Repository,
	msgRepo conversation.MessageRepository,
	log zerolog.Logger,
) (session.Notifier, error) {
	if cfg.NotifyMode == "listen" {
		return notify.NewListener(cfg.DatabaseURL, convRepo, msgRepo, log)
	}
	return notify.NewPoller(convRepo, msgRepo, cfg.PollInterval, log), nil
}

func newSweeper(cfg *config.Config, store conversation.Repository, log zerolog.Logger) *worker.Sweeper {
	return worker.NewSweeper(store, cfg.SessionTTL, cfg.SweepSchedule, log)
}
