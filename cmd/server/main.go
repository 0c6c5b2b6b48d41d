package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/guildindex/backend/internal/config"
	"github.com/guildindex/backend/internal/handlers"
	"github.com/guildindex/backend/internal/logging"
	"github.com/guildindex/backend/internal/metrics"
	"github.com/guildindex/backend/internal/middleware"
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := driver.Open(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("unable to open store")
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			log.WithError(err).Warn("closing store")
		}
	}()
	log.WithField("driver", cfg.StoreDriver).Info("store ready")

	m := metrics.New()

	var notifier services.Notifier = services.NopNotifier{}
	if cfg.ModWebhookURL != "" {
		webhook, err := services.NewWebhookNotifier(cfg.ModWebhookURL, cfg.SiteURL)
		if err != nil {
			log.WithError(err).Fatal("invalid MODERATION_WEBHOOK_URL")
		}
		notifier = webhook
	} else {
		log.Warn("MODERATION_WEBHOOK_URL not set; moderators will not be notified")
	}
	if !cfg.OAuthConfigured() {
		log.Warn("Discord OAuth not configured; login is disabled")
	}

	identity := services.NewIdentityService(store)
	serverSvc := services.NewServerService(store, notifier, m)
	bumpSvc := services.NewBumpService(store, m)
	reportSvc := services.NewReportService(store, notifier, services.NewRecaptchaVerifier(cfg.RecaptchaSecret), m)
	adminSvc := services.NewAdminService(store)

	sessions := middleware.NewSessionManager(cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())
	oauth := services.NewDiscordOAuth(cfg.DiscordClientID, cfg.DiscordClientSecret, cfg.DiscordRedirectURL)

	router := handlers.NewRouter(handlers.RouterConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		StaticDir:      cfg.StaticDir,
		Sessions:       sessions,
		Principals:     identity,
		Metrics:        m,
		Health:         store,
		Auth:           handlers.NewAuthHandler(oauth, identity, sessions, m, cfg.SiteURL, cfg.IsProduction()),
		Servers:        handlers.NewServerHandler(serverSvc, bumpSvc, reportSvc),
		Profile:        handlers.NewProfileHandler(serverSvc),
		Admin:          handlers.NewAdminHandler(adminSvc),
	})

	srv := &http.Server{
		Addr:              cfg.ServerAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Printf("Guild Index API listening on %s", cfg.ServerAddress)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
	}
}
