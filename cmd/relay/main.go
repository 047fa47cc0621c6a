package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/duelgrid/relay-server/internal/cache"
	"github.com/duelgrid/relay-server/internal/config"
	"github.com/duelgrid/relay-server/internal/httpapi"
	"github.com/duelgrid/relay-server/internal/hub"
	"github.com/duelgrid/relay-server/internal/session"
	"github.com/duelgrid/relay-server/internal/settings"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// A missing .env file is the normal production case.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	log, err := buildLogger(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("relay exited", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracker := session.New(cfg.SessionFile, cfg.MaxGames, log.Named("session"))
	store, err := settings.Open(cfg.SettingsDB)
	if err != nil {
		return err
	}
	defer store.Close()

	h := hub.New(ctx, cache.New(cfg.CacheSize), tracker, log.Named("hub"))
	handler := httpapi.SetupRoutes(h, tracker, store, cfg.AllowedOrigins, log.Named("http"))

	server := &http.Server{Addr: cfg.Addr, Handler: handler}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("relay listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("relay shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown", zap.Error(err))
		}
		h.Inbox() <- hub.Shutdown{}
		return nil
	})

	return g.Wait()
}

func buildLogger(cfg config.Config) (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(cfg.LogLevel)
	if err != nil {
		level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	var zcfg zap.Config
	if cfg.AppEnv == "production" {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = level
	zcfg.OutputPaths = []string{"stdout"}
	return zcfg.Build()
}
