package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/perpwatch/perpwatch/api"
	"github.com/perpwatch/perpwatch/internal/alerting"
	"github.com/perpwatch/perpwatch/internal/config"
	"github.com/perpwatch/perpwatch/internal/database"
	"github.com/perpwatch/perpwatch/internal/database/redis"
	"github.com/perpwatch/perpwatch/internal/events"
	"github.com/perpwatch/perpwatch/internal/feed"
	"github.com/perpwatch/perpwatch/internal/notify"
	"github.com/perpwatch/perpwatch/internal/store"
	"github.com/perpwatch/perpwatch/internal/ws"
	"github.com/perpwatch/perpwatch/pkg/logger"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// PostgreSQL
	db, err := database.NewPostgresDB(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err != nil {
		zapLogger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	if err := database.Migrate(db); err != nil {
		zapLogger.Fatal("Failed to run migrations", zap.Error(err))
	}

	// Redis status cache. Advisory: the service degrades to 404 on the
	// status endpoint when redis is unreachable.
	var statusCache *redis.StatusCache
	redisClient, err := redis.NewClient(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB, zapLogger)
	if err != nil {
		zapLogger.Warn("Redis unavailable, status cache disabled", zap.Error(err))
	} else {
		defer redisClient.Close()
		statusCache = redis.NewStatusCache(redisClient, 0, zapLogger)
	}

	// Stores
	subaccounts := store.NewSubaccountStore(db, zapLogger)
	rules := store.NewRuleStore(db, zapLogger)
	alerts := store.NewAlertStore(db, zapLogger)
	channels := store.NewChannelStore(db, rules, zapLogger)

	// Notification transports
	dispatcher := notify.NewDefaultDispatcher(zapLogger, cfg.Alerting.DispatchTimeout, cfg.Notify.TelegramBotToken, notify.SMTPConfig{
		Host:     cfg.Notify.SMTPHost,
		Port:     cfg.Notify.SMTPPort,
		Username: cfg.Notify.SMTPUsername,
		Password: cfg.Notify.SMTPPassword,
		From:     cfg.Notify.SMTPFrom,
	})

	// Kafka alert stream, optional
	var publisher *events.AlertPublisher
	if cfg.Kafka.Enabled {
		publisher = events.NewAlertPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, zapLogger)
		defer publisher.Close()
	}

	// Dashboard websocket hub
	hub := ws.NewHub(zapLogger)
	defer hub.Stop()

	// Alert engine
	engineParams := alerting.EngineParams{
		Logger:          zapLogger,
		Rules:           rules,
		Alerts:          alerts,
		Channels:        channels,
		Dispatcher:      dispatcher,
		Broadcaster:     hub,
		DashboardURL:    cfg.Alerting.DashboardURL,
		QueueSize:       cfg.Alerting.WorkerQueueSize,
		BuiltinCooldown: cfg.Alerting.BuiltinCooldown,

		CriticalDistancePct: cfg.Alerting.CriticalDistancePct,
	}
	if publisher != nil {
		engineParams.Publisher = publisher
	}
	engine := alerting.NewEngine(engineParams)
	defer engine.Stop()

	// Indexer feed
	monitorParams := feed.MonitorParams{
		Logger:      zapLogger,
		Indexer:     cfg.Indexer,
		Subaccounts: subaccounts,
		Engine:      engine,
		Broadcaster: hub,
	}
	if statusCache != nil {
		monitorParams.Status = statusCache
	}
	monitor := feed.NewMonitor(monitorParams)
	if err := monitor.Start(ctx); err != nil {
		zapLogger.Fatal("Failed to start indexer feed", zap.Error(err))
	}

	// Alert retention sweep
	go func() {
		ticker := time.NewTicker(cfg.Alerting.RetentionSweep)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().AddDate(0, 0, -cfg.Alerting.RetentionDays)
				deleted, err := alerts.DeleteOlderThan(ctx, cutoff)
				if err != nil {
					zapLogger.Error("Alert retention sweep failed", zap.Error(err))
				} else if deleted > 0 {
					zapLogger.Info("Alert retention sweep", zap.Int64("deleted", deleted))
				}
			}
		}
	}()

	// HTTP API
	serverParams := api.ServerParams{
		Logger:      zapLogger,
		Config:      cfg.Server,
		Subaccounts: subaccounts,
		Rules:       rules,
		Alerts:      alerts,
		Channels:    channels,
		Monitor:     monitor,
		Tester:      dispatcher,
		Hub:         hub,
	}
	if statusCache != nil {
		serverParams.Status = statusCache
	}
	server := api.NewServer(serverParams)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		zapLogger.Info("Starting HTTP server", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zapLogger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("HTTP server shutdown failed", zap.Error(err))
	}
}
