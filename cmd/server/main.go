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

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/Pulse/internal/adapters/auth"
	router "github.com/dkeye/Pulse/internal/adapters/http"
	"github.com/dkeye/Pulse/internal/adapters/presence"
	"github.com/dkeye/Pulse/internal/adapters/storage"
	"github.com/dkeye/Pulse/internal/adapters/store"
	"github.com/dkeye/Pulse/internal/app"
	"github.com/dkeye/Pulse/internal/app/orch"
	"github.com/dkeye/Pulse/internal/config"
	"github.com/dkeye/Pulse/internal/core"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogger(cfg)

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
	log.Info().Msg("Server exited gracefully")
}

func setupLogger(cfg *config.Config) {
	if cfg.Mode == "release" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("level", cfg.LogLevel).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func run(ctx context.Context, cfg *config.Config) error {
	db, err := store.Open(cfg.Database)
	if err != nil {
		return err
	}
	messages := store.NewGormStore(db)

	attachments, err := storage.NewLocalStorage(storage.LocalConfig{
		BasePath: cfg.Attachments.BasePath,
		MaxSize:  cfg.Attachments.MaxSize,
	})
	if err != nil {
		return err
	}

	identity, err := auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		return err
	}

	var sink core.PresenceSink
	if cfg.Redis.Enabled {
		rs, err := presence.NewRedisSink(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rs.Close()
		if err := rs.Reset(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to reset online set")
		}
		sink = rs
	}

	metrics := app.NewMetrics(nil)
	out := app.NewFanout(app.PolicyByName(cfg.Hub.Backpressure), metrics)
	reg := app.NewRegistry()
	out.Kicker = reg
	rooms := app.NewRoomIndex(messages)

	o := &orch.Orchestrator{
		Registry:           reg,
		Rooms:              rooms,
		Presence:           app.NewPresence(reg, out, sink, metrics),
		Typing:             app.NewTyping(rooms, out),
		Relay:              app.NewRelay(messages, rooms, out, metrics),
		Video:              app.NewVideoMesh(cfg.Hub.VideoCapacity, out, metrics),
		Out:                out,
		Metrics:            metrics,
		TypingLimiter:      app.NewRateLimiter(cfg.Hub.TypingRate, cfg.Hub.TypingInterval),
		CallLimiter:        app.NewRateLimiter(cfg.Hub.CallRate, cfg.Hub.CallInterval),
		GroupLookupTimeout: cfg.Hub.GroupLookupTimeout,
	}

	r := router.SetupRouter(ctx, cfg, router.Deps{
		Orch:            o,
		Identity:        identity,
		Messages:        messages,
		Groups:          messages,
		Attachments:     attachments,
		GroupAdmin:      messages,
		AttachmentIndex: messages,
		Metrics:         metrics,
	})
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Pulse server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return o.Presence.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		return nil
	})

	err = g.Wait()
	if sqlDB, derr := db.DB(); derr == nil {
		sqlDB.Close()
	}
	return err
}
