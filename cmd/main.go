package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/Gaurav153fr/yt-remote/internal/config"
	"github.com/Gaurav153fr/yt-remote/internal/handler"
	"github.com/Gaurav153fr/yt-remote/internal/hub"
	"github.com/Gaurav153fr/yt-remote/internal/lifecycle"
	"github.com/Gaurav153fr/yt-remote/internal/metrics"
	"github.com/Gaurav153fr/yt-remote/internal/registry"
	"github.com/Gaurav153fr/yt-remote/internal/relay"
	"github.com/Gaurav153fr/yt-remote/internal/service"
	pkglog "github.com/Gaurav153fr/yt-remote/pkg/log"
	"github.com/Gaurav153fr/yt-remote/pkg/pubsub"
)

func main() {
	// Local .env is optional
	_ = godotenv.Load()

	// Load configuration; log level follows edits to the config file
	cfg, err := config.LoadWatched(func(next *config.Config) {
		pkglog.SetLevel(next.Log.Level)
		l := pkglog.L()
		l.Info().Str("level", next.Log.Level).Msg("config reloaded")
	})
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load config")
	}

	// Initialize structured logger
	pkglog.Init(pkglog.Config{
		Level:       cfg.Log.Level,
		Pretty:      cfg.Log.Pretty || cfg.Log.Level == "debug",
		ServiceName: "yt-remote",
	})
	logger := pkglog.L()

	// Lifecycle event bus
	ps, err := pubsub.NewPubSub(cfg.PubSub)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.PubSub.Driver).Msg("failed to create pubsub")
	}
	defer ps.Close()

	m := metrics.New(prometheus.DefaultRegisterer)

	// Event loop, registry and relay
	wsHub := hub.NewHub(cfg.WebSocket)
	reg := registry.New(registry.Config{
		CodeLength:   cfg.Room.CodeLength,
		CodeAttempts: cfg.Room.CodeAttempts,
		GracePeriod:  cfg.Room.GracePeriod,
	}, registry.NewRandomGenerator(), wsHub.Do)
	defer reg.Close()
	rl := relay.New(reg, wsHub, relay.NewStateCache(), relay.Config{MessageIncludeSelf: cfg.Relay.MessageIncludeSelf})

	var (
		emitter   lifecycle.Emitter = lifecycle.Nop{}
		publisher *lifecycle.Publisher
	)
	if cfg.Lifecycle.Enabled {
		publisher = lifecycle.NewPublisher(ps, cfg.Lifecycle.Buffer, m.LifecycleDropped)
		emitter = publisher
	}

	relaySvc := service.NewRelayService(wsHub, reg, rl, emitter, m, cfg.Relay)

	// Setup Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(pkglog.GinMiddleware(logger))
	r.SetHTMLTemplate(handler.Templates())

	handler.NewWSHandler(wsHub, relaySvc, cfg.Server.AllowedOrigins).RegisterRoutes(r)
	// Observers follow room lifecycle events over SSE
	feed := lifecycle.NewFeed(ps, cfg.Lifecycle.Buffer)
	handler.NewHTTPHandler(relaySvc, feed, metrics.Handler()).RegisterRoutes(r)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           corsHandler.Handler(r),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Cancel on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return wsHub.Run(gctx)
	})
	if publisher != nil {
		g.Go(func() error {
			return publisher.Run(gctx)
		})
	}
	g.Go(func() error {
		logger.Info().
			Str("addr", addr).
			Str("pubsub", cfg.PubSub.Driver).
			Dur("grace_period", cfg.Room.GracePeriod).
			Msg("yt-remote listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down yt-remote")
		// Open event streams would otherwise hold Shutdown.
		feed.Close()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("server forced to shutdown")
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("yt-remote stopped with error")
	}
	logger.Info().Msg("yt-remote stopped")
}
