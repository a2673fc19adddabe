package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Proctor/internal/adapters/audit"
	"github.com/dkeye/Proctor/internal/adapters/auth"
	"github.com/dkeye/Proctor/internal/adapters/detect"
	router "github.com/dkeye/Proctor/internal/adapters/http"
	"github.com/dkeye/Proctor/internal/adapters/rtc"
	wssignal "github.com/dkeye/Proctor/internal/adapters/signal"
	"github.com/dkeye/Proctor/internal/adapters/store/badgerstore"
	"github.com/dkeye/Proctor/internal/adapters/store/mongostore"
	"github.com/dkeye/Proctor/internal/app"
	"github.com/dkeye/Proctor/internal/app/orch"
	"github.com/dkeye/Proctor/internal/config"
	"github.com/dkeye/Proctor/internal/core"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogger(cfg)

	store, err := openStore(ctx, cfg.Store)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("failed to open store")
	}

	dispatcher := audit.NewDispatcher(store, audit.Options{
		Buffer:         cfg.Audit.Buffer,
		MaxRetries:     cfg.Audit.MaxRetries,
		InitialBackoff: cfg.Audit.InitialBackoff,
		MaxBackoff:     cfg.Audit.MaxBackoff,
	})

	var revocations auth.Revocations
	if cfg.Auth.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Auth.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Auth.RedisAddr).Msg("redis unreachable, tokens will be rejected until it is back")
		}
		revocations = auth.NewRedisRevocations(rdb, cfg.Auth.RevocationPrefix)
	}
	gate := auth.NewJWTGate(auth.Options{
		Secret: cfg.Auth.Secret,
		Issuer: cfg.Auth.Issuer,
		TTL:    cfg.Auth.TokenTTL,
	}, revocations)

	reg := app.NewRegistry(store, dispatcher)
	if n, err := reg.Reconcile(ctx); err != nil {
		log.Error().Err(err).Msg("startup reconcile failed")
	} else if n > 0 {
		log.Info().Int("enrollments", n).Msg("startup reconcile")
	}

	o := orch.New(reg, app.NewRoomManager(), app.SimplePolicy{}, gate, dispatcher)
	go o.RunReconciler(ctx, cfg.ReconcileInterval, cfg.ReconcileGrace)

	var consumer *detect.Consumer
	if cfg.Detect.Enabled {
		consumer, err = detect.NewConsumer(cfg.Detect.Brokers, cfg.Detect.GroupID, cfg.Detect.Topic, o)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to start detection consumer")
		}
		go func() {
			if err := consumer.Run(ctx); err != nil {
				log.Error().Err(err).Msg("detection consumer stopped")
			}
		}()
	}

	rtcCfg, err := rtc.NewWebRTCConfig(cfg.RTC.ICEServers)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid rtc config")
	}

	ws := wssignal.NewSignalWSController(o, wssignal.Options{
		ReadLimit:    cfg.ReadLimit,
		PingPeriod:   cfg.PingPeriod,
		PongWait:     cfg.PongWait,
		WriteWait:    cfg.WriteWait,
		SendBuffer:   cfg.SendBuffer,
		RateLimit:    cfg.RateLimit,
		RateInterval: cfg.RateInterval,
	})

	r := router.SetupRouter(ctx, cfg, o, ws, rtcCfg)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Proctor server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if consumer != nil {
		if err := consumer.Close(); err != nil {
			log.Error().Err(err).Msg("detection consumer close")
		}
	}
	o.EvictAll(shutdownCtx)
	if err := dispatcher.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("audit flush incomplete")
	}
	if err := store.Close(); err != nil {
		log.Error().Err(err).Msg("store close")
	}
	log.Info().Msg("Server exited gracefully")
}

func setupLogger(cfg *config.Config) {
	if cfg.Mode == "debug" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Warn().Str("log_level", cfg.LogLevel).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func openStore(ctx context.Context, cfg config.StoreConfig) (core.SessionStore, error) {
	if cfg.Driver == "mongo" {
		s, err := mongostore.Open(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	s, err := badgerstore.Open(cfg.BadgerPath)
	if err != nil {
		return nil, err
	}
	return s, nil
}
