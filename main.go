package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/grandcamel/ttyd-queue/src/api"
	"github.com/grandcamel/ttyd-queue/src/config"
	"github.com/grandcamel/ttyd-queue/src/coordinator"
	"github.com/grandcamel/ttyd-queue/src/invite"
	"github.com/grandcamel/ttyd-queue/src/supervisor"
	"github.com/grandcamel/ttyd-queue/src/telemetry"
	"github.com/grandcamel/ttyd-queue/src/token"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()

	store, err := invite.NewStore(ctx, cfg.RedisURL)
	if err != nil {
		logrus.WithError(err).Fatal("failed to connect to key-value store")
	}
	defer store.Close()

	emitter, err := telemetry.NewEmitter()
	if err != nil {
		logrus.WithError(err).Fatal("failed to initialize telemetry")
	}

	minter := token.NewMinter(cfg.SessionSecret)
	validator := invite.NewValidator(store, cfg.AuditRetention, emitter)

	coord := coordinator.New(coordinator.Deps{
		Config:    cfg,
		Store:     store,
		Validator: validator,
		Minter:    minter,
		Telemetry: emitter,
		Spawn:     supervisor.Spawn,
	})

	router := api.SetupRouter(coord, emitter, false, false)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Port),
		Handler: router,
	}

	go func() {
		logrus.Infof("session coordinator listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	logrus.Info("shutdown signal received, draining queue and active session")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	coord.Shutdown(shutdownCtx)
	emitter.Flush(shutdownCtx)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("graceful HTTP shutdown failed")
	}
}
