package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	gormlogger "gorm.io/gorm/logger"

	"mindmitra/services/couples-api/internal/config"
	"mindmitra/services/couples-api/internal/domain/session"
	"mindmitra/services/couples-api/internal/infrastructure/auth"
	"mindmitra/services/couples-api/internal/infrastructure/database"
	"mindmitra/services/couples-api/internal/infrastructure/llmprovider"
	"mindmitra/services/couples-api/internal/infrastructure/logger"
	"mindmitra/services/couples-api/internal/infrastructure/notify"
	"mindmitra/services/couples-api/internal/infrastructure/observability"
	conversationrepo "mindmitra/services/couples-api/internal/infrastructure/repository/conversation"
	"mindmitra/services/couples-api/internal/interfaces/httpserver"
	"mindmitra/services/couples-api/internal/worker"
)

// @title Couples API
// @version 1.0
// @description Coordinates two-party mediated chat sessions: room codes, shared transcripts, and streamed mediator turns.
// @contact.name MindMitra Team
// @BasePath /
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
type Application struct {
	httpServer *httpserver.HttpServer
	sweeper    *worker.Sweeper
	log        zerolog.Logger
}

func NewApplication(httpServer *httpserver.HttpServer, sweeper *worker.Sweeper, log zerolog.Logger) *Application {
	return &Application{
		httpServer: httpServer,
		sweeper:    sweeper,
		log:        log,
	}
}

func (a *Application) Start(ctx context.Context) error {
	go func() {
		if err := a.sweeper.Run(ctx); err != nil {
			a.log.Error().Err(err).Msg("sweeper stopped with error")
		}
	}()
	return a.httpServer.Run(ctx)
}

func main() {
	loadEnvFiles()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log := logger.New(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observability.Setup(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("initialize observability")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	db, err := database.Connect(database.Config{
		DSN:             cfg.DatabaseURL,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		MaxOpenConns:    cfg.DBMaxOpenConns,
		ConnMaxLifetime: cfg.DBConnLifetime,
		LogLevel:        gormlogger.Warn,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("connect database")
	}

	if err := database.AutoMigrate(ctx, db, log); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}

	authValidator, err := auth.NewValidator(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("initialize auth validator")
	}

	conversationRepository := conversationrepo.NewRepository(db)
	messageRepository := conversationrepo.NewMessageRepository(db)
	llmClient := llmprovider.NewClient(cfg.LLMAPIURL, cfg.LLMAPIKey)

	var notifier session.Notifier
	switch cfg.NotifyMode {
	case "listen":
		listener, err := notify.NewListener(cfg.DatabaseURL, conversationRepository, messageRepository, log)
		if err != nil {
			log.Fatal().Err(err).Msg("initialize notify listener")
		}
		defer listener.Close()
		notifier = listener
	default:
		notifier = notify.NewPoller(conversationRepository, messageRepository, cfg.PollInterval, log)
	}

	sessionService := session.NewService(
		conversationRepository,
		messageRepository,
		llmClient,
		session.Options{
			Model:        cfg.LLMModel,
			MaxTokens:    cfg.LLMMaxTokens,
			PollInterval: cfg.PollInterval,
		},
		log,
	)

	sweeper := worker.NewSweeper(conversationRepository, cfg.SessionTTL, cfg.SweepSchedule, log)

	httpServer := httpserver.New(cfg, log, sessionService, notifier, authValidator)
	app := NewApplication(httpServer, sweeper, log)

	if err := app.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("application stopped with error")
	}

	log.Info().Msg("application exited cleanly")
}

func loadEnvFiles() {
	paths := []string{".env", "../.env"}
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Overload(path); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to load %s: %v\n", path, err)
			}
		}
	}
}
