package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	log "github.com/sirupsen/logrus"

	"github.com/guildindex/backend/internal/config"
	"github.com/guildindex/backend/internal/coordination"
	"github.com/guildindex/backend/internal/logging"
	"github.com/guildindex/backend/internal/metrics"
	"github.com/guildindex/backend/internal/services"
	"github.com/guildindex/backend/internal/storage/driver"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := logging.Setup(cfg.Environment, cfg.LogLevel); err != nil {
		log.Fatalf("logging: %v", err)
	}
	if cfg.DiscordBotToken == "" {
		log.Fatal("DISCORD_BOT_TOKEN is required for the member worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := driver.Open(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("unable to open store")
	}
	defer store.Close(context.Background())

	session, err := discordgo.New("Bot " + cfg.DiscordBotToken)
	if err != nil {
		log.WithError(err).Fatal("unable to create Discord session")
	}

	m := metrics.New()
	opts := []services.RefresherOption{services.WithRefresherMetrics(m)}
	if cfg.ModWebhookURL != "" {
		webhook, err := services.NewWebhookNotifier(cfg.ModWebhookURL, cfg.SiteURL)
		if err != nil {
			log.WithError(err).Fatal("invalid MODERATION_WEBHOOK_URL")
		}
		opts = append(opts, services.WithRefresherNotifier(webhook))
	}
	if cfg.RedisAddress != "" {
		client, err := coordination.Connect(cfg.RedisAddress, cfg.RedisPassword)
		if err != nil {
			log.WithError(err).Fatal("unable to connect to Redis")
		}
		defer client.Close()
		opts = append(opts, services.WithCoordinator(coordination.NewRedisRunLock(client, "member-refresh", cfg.RefreshInterval)))
	} else {
		log.Warn("REDIS_ADDRESS not set; run only one member worker")
	}

	refresher := services.NewMemberRefresher(store, session, cfg.RefreshInterval, cfg.RefreshBatch, opts...)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: cfg.WorkerAddress, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		log.Printf("member-worker listening on %s", cfg.WorkerAddress)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("worker http server failed")
		}
	}()

	log.WithFields(log.Fields{"interval": cfg.RefreshInterval, "batch": cfg.RefreshBatch}).Info("member refresher started")
	refresher.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info("member refresher stopped")
}
