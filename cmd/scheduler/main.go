// Command scheduler runs the multi-tenant Telegram content redistribution
// scheduler: it loads every tenant database under DB_DIR, drives the slot
// engine's tick loop, and serves a small status/introspection API.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/kandev/tgsched/internal/common/config"
	"github.com/kandev/tgsched/internal/common/logger"
	"github.com/kandev/tgsched/internal/engine"
	"github.com/kandev/tgsched/internal/events"
	"github.com/kandev/tgsched/internal/fetch"
	"github.com/kandev/tgsched/internal/maintenance"
	"github.com/kandev/tgsched/internal/publish"
	"github.com/kandev/tgsched/internal/session"
	"github.com/kandev/tgsched/internal/statusapi"
	"github.com/kandev/tgsched/internal/tenant/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	logger.SetDefault(log)
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var bus events.Bus
	if cfg.NATS.Enabled {
		natsBus, err := events.NewNATSBus(events.NATSConfig{
			URL:            cfg.NATS.URL,
			ConnectTimeout: cfg.NATS.ConnectTimeout,
		}, log)
		if err != nil {
			log.WithError(err).Warn("nats unavailable, falling back to in-memory event bus")
			bus = events.NewMemoryBus()
		} else {
			bus = natsBus
		}
	} else {
		bus = events.NewMemoryBus()
	}
	defer bus.Close()

	if err := os.MkdirAll(cfg.Storage.DBDir, 0o755); err != nil {
		log.WithError(err).Fatal("create db dir")
	}

	tenants := store.NewManager(cfg.Storage.DBDir, log)
	defer tenants.CloseAll()

	ids, err := tenants.Discover()
	if err != nil {
		log.WithError(err).Fatal("discover tenant databases")
	}
	// Individual Get() calls are deferred to first use by the engine's
	// tenant scan so a single corrupt database doesn't block startup.
	log.Info("discovered tenants", zap.Int("count", len(ids)))

	bot, err := tgbotapi.NewBotAPI(cfg.Bot.Token)
	if err != nil {
		log.WithError(err).Fatal("initialize telegram bot client")
	}

	sessionPool := session.NewPool(&unimplementedDialer{}, 30*time.Minute, log)
	go sessionPool.Run(ctx, 5*time.Minute)

	mainCredential, err := loadMainCredential(cfg.Storage.SessionsDir)
	if err != nil {
		log.WithError(err).Warn("main session credential unavailable, public-source donors will fail to resolve")
	}

	fetcher := fetch.NewFetcher(sessionPool, mainCredential)
	telegramPublisher := publish.NewTelegramPublisher(bot)
	gate := publish.NewGate(
		telegramPublisher,
		cfg.Publish.MaxConcurrentPublishes,
		time.Duration(cfg.Publish.MinSecondsBetweenPostsPerChannel)*time.Second,
		cfg.Publish.MaxPostsPerChannelPerDay,
		log,
	)

	slotEngine := engine.New(tenants, fetcher, gate, engine.Intervals{
		PostCheck:       cfg.Intervals.PostCheck(),
		PeriodicCheck:   cfg.Intervals.PeriodicCheck(),
		DonorCheck:      cfg.Intervals.DonorCheck(),
		RandomPostCheck: cfg.Intervals.RandomPostCheck(),
	}, engine.Caps{
		MinSecondsBetweenPosts: cfg.Publish.MinSecondsBetweenPostsPerChannel,
		MaxPostsPerDay:         cfg.Publish.MaxPostsPerChannelPerDay,
	}, bus, log)
	go slotEngine.Run(ctx)

	notifier := newBotNotifier(bot, cfg.Bot.AdminIDs)
	maint := maintenance.New(tenants, notifier, log)
	go maint.Run(ctx)

	hub := statusapi.NewHub(log)
	hubStop := make(chan struct{})
	go hub.Run(hubStop)
	if err := hub.BridgeEvents(bus, []string{
		events.TypeSlotPublished, events.TypeSlotAbsorbed, events.TypeSlotFailed,
	}); err != nil {
		log.WithError(err).Warn("bridge events to websocket hub failed")
	}

	router := statusapi.NewRouter(tenants, hub, log)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info("status api listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("status api server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	cancel()
	close(hubStop)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("status api shutdown error")
	}
}

// loadMainCredential reads the tenant-independent main upstream credential
// from {SESSIONS_DIR}/session_string.txt (spec §6 persisted state), used by
// the Content Fetcher whenever a donor is a public source.
func loadMainCredential(sessionsDir string) (string, error) {
	raw, err := os.ReadFile(filepath.Join(sessionsDir, "session_string.txt"))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}
