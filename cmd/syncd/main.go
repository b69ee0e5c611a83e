package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/roomchat/chat-app/internal/backend"
	"github.com/roomchat/chat-app/internal/config"
	"github.com/roomchat/chat-app/internal/gateway"
	"github.com/roomchat/chat-app/internal/logging"
	"github.com/roomchat/chat-app/internal/messaging"
	"github.com/roomchat/chat-app/internal/presence"
	"github.com/roomchat/chat-app/internal/ratelimit"
	"github.com/roomchat/chat-app/internal/realtime"
	"github.com/roomchat/chat-app/internal/ws"
)

func main() {
	cfg, err := config.LoadSyncd()
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
		log.Fatalw("syncd exited", "error", err)
	}
}

func run(cfg config.SyncdConfig, log *zap.SugaredLogger) error {
	log.Infow("roomchat sync gateway starting",
		"listen_addr", cfg.ListenAddr,
		"nats_url", cfg.NATSURL,
		"redis_addr", cfg.RedisAddr,
		"backend_url", cfg.BackendURL,
		"poll_interval", cfg.PollInterval,
		"fallback_grace", cfg.FallbackGrace,
	)

	// --- Redis: presence table and rate limits ---
	tracker, err := presence.NewTracker(cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer tracker.Close()
	tracker.SetTTL(cfg.PresenceTTL)
	limiter := ratelimit.NewLimiter(tracker.Client(), log)

	// --- NATS ---
	natsConfig := messaging.DefaultNATSConfig()
	natsConfig.URL = cfg.NATSURL
	natsConfig.Name = "roomchat-syncd"
	natsConfig.SubscribeTimeout = cfg.SubscribeTimeout
	natsConfig.PresenceRefresh = cfg.PresenceRefresh
	natsClient, err := messaging.NewNATSClient(natsConfig, log)
	if err != nil {
		return err
	}
	defer natsClient.Close()
	natsClient.UsePresence(tracker)

	// --- Storage collaborator ---
	api, err := backend.NewClient(cfg.BackendURL, cfg.BackendTimeout)
	if err != nil {
		return err
	}

	// --- Registry ---
	registry := realtime.NewRegistry(realtime.Config{
		PollInterval:     cfg.PollInterval,
		FallbackGrace:    cfg.FallbackGrace,
		FetchTimeout:     cfg.BackendTimeout,
		SubscriberBuffer: cfg.SubscriberBuffer,
	}, api, realtime.NewNATSTransport(natsClient), log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	registryDone := make(chan error, 1)
	go func() { registryDone <- registry.Run(ctx) }()

	// --- WebSocket server ---
	serverConfig := ws.DefaultServerConfig()
	serverConfig.ListenAddr = cfg.ListenAddr
	serverConfig.WorkerPoolSize = cfg.WorkerPoolSize
	serverConfig.MaxConnections = cfg.MaxConnections
	serverConfig.ReadTimeout = cfg.ReadTimeout
	serverConfig.WriteTimeout = cfg.WriteTimeout

	dispatcher := ws.NewMessageDispatcher(log)
	server := ws.NewServer(serverConfig, dispatcher.Dispatch, log)

	gwConfig := gateway.DefaultConfig()
	gwConfig.SendRule.Limit = cfg.SendLimit
	gwConfig.SendRule.Window = cfg.SendWindow
	gwConfig.RequestTimeout = cfg.BackendTimeout
	gw := gateway.New(gwConfig, registry, api, limiter, server, log)
	gw.Bind(dispatcher)

	server.SetOnConnect(func(c *ws.Connection) { gw.Connect(c.ID) })
	server.SetOnDisconnect(func(c *ws.Connection) { gw.Disconnect(c.ID) })
	server.SetAdmission(func(r *http.Request) bool {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		rctx, rcancel := context.WithTimeout(r.Context(), time.Second)
		defer rcancel()
		ok, _ := limiter.Allow(rctx, host, ratelimit.RuleConnect)
		return ok
	})
	server.Handle("/stats", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stats, err := registry.Stats(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(stats)
	}))

	serverDone := make(chan error, 1)
	go func() { serverDone <- server.Start() }()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Infow("received signal, shutting down", "signal", sig.String())
	case err := <-serverDone:
		if err != nil {
			return err
		}
	case err := <-registryDone:
		return errors.Join(errors.New("registry stopped unexpectedly"), err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warnw("server shutdown", "error", err)
	}
	cancel()
	<-registryDone
	log.Info("sync gateway stopped")
	return nil
}
