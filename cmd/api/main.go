package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/6ubble/bip-backend/internal/app"
	"github.com/6ubble/bip-backend/internal/appeal"
	"github.com/6ubble/bip-backend/internal/authpw"
	"github.com/6ubble/bip-backend/internal/config"
	"github.com/6ubble/bip-backend/internal/crm"
	"github.com/6ubble/bip-backend/internal/identity"
	"github.com/6ubble/bip-backend/internal/register"
	"github.com/6ubble/bip-backend/internal/session"
	"github.com/6ubble/bip-backend/internal/store"
	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config load failed", zap.Error(err))
	}
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}
	dataStore := store.NewPostgresStore(db)

	sessions, err := session.NewRedisStore(cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis connection failed", zap.Error(err))
	}
	defer sessions.Close()

	crmClient := crm.NewClient(cfg.CRMBaseURL, logger)
	resolver := identity.NewResolver(crmClient, logger)
	attachments := appeal.NewAttachmentResolver(crmClient, logger, cfg.CRMFanoutLimit)
	appeals := appeal.NewProjector(crmClient, attachments, logger, cfg.CRMTimelineEntityID, cfg.CRMFanoutLimit)
	mirror := register.NewCRMMirror(crmClient)
	saga := register.NewSaga(dataStore, resolver, mirror, logger)
	passwords := authpw.NewService(dataStore)

	service := app.New(cfg, dataStore, sessions, saga, appeals, passwords, logger)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("API listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}
