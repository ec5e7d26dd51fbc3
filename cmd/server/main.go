package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"watchparty/internal/api"
	"watchparty/internal/emby"
	"watchparty/internal/party"
	"watchparty/internal/platform/config"
	"watchparty/internal/platform/logger"
	"watchparty/internal/platform/metrics"
	"watchparty/internal/proxy"
	"watchparty/internal/sync"
	"watchparty/internal/token"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")

	embyURL := config.GetEnv("EMBY_SERVER_URL", "http://localhost:8096")
	embyAPIKey := config.GetEnv("EMBY_API_KEY", "")
	upstreamTimeout := config.GetEnvDuration("UPSTREAM_TIMEOUT", emby.DefaultTimeout)

	enableTokens := config.GetEnvBool("ENABLE_STREAM_TOKENS", true)
	tokenTTL := config.GetEnvDuration("STREAM_TOKEN_TTL", token.DefaultTTL)
	maxUsers := config.GetEnvInt("MAX_USERS_PER_PARTY", 20)
	persistentParty := config.GetEnv("PERSISTENT_PARTY", "")
	codeAttempts := config.GetEnvInt("ROOM_CODE_ATTEMPTS", party.DefaultCodeAttempts)

	log := logger.New(logLevel, logFormat)

	if embyAPIKey == "" {
		log.Warn("EMBY_API_KEY is not set, backend requests will be unauthenticated")
	}

	backend := emby.New(embyURL, embyAPIKey, upstreamTimeout, logger.Component(log, "emby"))
	backend.ResolveUser(context.Background())

	registry := party.NewRegistry(codeAttempts)
	if persistentParty != "" {
		room := registry.EnsurePersistent(persistentParty)
		log.Info("persistent party enabled", "party_id", room.ID())
	}

	var authority *token.Authority
	if enableTokens {
		authority = token.NewAuthority(tokenTTL)
	} else {
		log.Warn("stream token gating is disabled, streams are open to anyone who knows the url")
	}

	met := metrics.New()

	router := sync.NewRouter(registry, authority, backend, met, logger.Component(log, "sync"), sync.Config{
		MaxViewersPerParty: maxUsers,
	})
	ws := sync.NewWSHandler(router, logger.Component(log, "ws"))

	var validator proxy.Validator
	if authority != nil {
		validator = authority
	}
	streamProxy := proxy.NewHandler(backend, validator, registry, logger.Component(log, "proxy"), met)
	rest := api.NewHandler(backend, registry, logger.Component(log, "api"))

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		met.Handler(func() {
			met.SetActiveParties(registry.Count())
			met.SetConnectedViewers(router.SessionCount())
		}).ServeHTTP(w, req)
	})
	r.Handle("/ws", ws)
	streamProxy.Routes(r)
	rest.Routes(r)

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"emby_server", embyURL,
		"stream_tokens", enableTokens,
		"max_users_per_party", maxUsers,
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}
