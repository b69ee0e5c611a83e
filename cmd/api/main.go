package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/roomchat/chat-app/internal/api"
	"github.com/roomchat/chat-app/internal/config"
	"github.com/roomchat/chat-app/internal/logging"
	"github.com/roomchat/chat-app/internal/messaging"
	"github.com/roomchat/chat-app/internal/store"
)

func main() {
	cfg, err := config.LoadAPI()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatalw("api exited", "error", err)
	}
}

func run(cfg config.APIConfig, log *zap.SugaredLogger) error {
	log.Infow("roomchat storage api starting",
		"listen_addr", cfg.ListenAddr,
		"nats_url", cfg.NATSURL,
		"migrate_on_start", cfg.MigrateOnStart,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- PostgreSQL ---
	db, err := store.Open(ctx, cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	defer db.Close()
	if cfg.MigrateOnStart {
		if err := store.Migrate(db); err != nil {
			return err
		}
		log.Info("migrations applied")
	}

	// --- NATS: roster change feed ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "roomchat-api"
	natsClient, err := messaging.NewNATSClient(natsConfig, log)
	if err != nil {
		return err
	}
	defer natsClient.Close()

	notifier := store.NewNotifier(cfg.DatabaseDSN, natsClient, log)
	notifierDone := make(chan error, 1)
	go func() { notifierDone <- notifier.Run(ctx) }()

	// --- HTTP ---
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	handler := api.NewHandler(store.NewStore(db), log)
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverDone := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverDone <- err
			return
		}
		serverDone <- nil
	}()
	log.Infow("http server listening", "addr", cfg.ListenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Infow("received signal, shutting down", "signal", sig.String())
	case err := <-serverDone:
		return err
	case err := <-notifierDone:
		if err != nil {
			return err
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("http shutdown", "error", err)
	}
	cancel()
	log.Info("storage api stopped")
	return nil
}
