package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/Tyrowin/pinchat/internal/identity"
	"github.com/Tyrowin/pinchat/internal/logging"
	"github.com/Tyrowin/pinchat/internal/metrics"
	"github.com/Tyrowin/pinchat/internal/presence"
	"github.com/Tyrowin/pinchat/internal/registry"
	"github.com/Tyrowin/pinchat/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pinchat: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	cfg, err := server.NewConfigFromEnv()
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	observers := []registry.Observer{m}
	stopMirror := func() {}

	if cfg.Redis.Addr != "" {
		rdb, err := presence.Connect(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer func() { _ = rdb.Close() }()

		mirror := presence.New(rdb, cfg.Redis.Prefix, 0, log.Named("presence"))

		// The mirror outlives the hub so rooms closed during shutdown are
		// removed from Redis.
		mirrorCtx, cancelMirror := context.WithCancel(context.Background())
		mirrorDone := make(chan struct{})
		go func() {
			defer close(mirrorDone)
			mirror.Run(mirrorCtx)
		}()
		stopMirror = func() {
			cancelMirror()
			<-mirrorDone
		}
		observers = append(observers, mirror)
		log.Info("presence mirror enabled", zap.String("redis", cfg.Redis.Addr), zap.String("prefix", cfg.Redis.Prefix))
	}

	defer func() { stopMirror() }()

	reg := registry.New(
		registry.WithObserver(registry.Observers(observers...)),
		registry.WithLogger(log.Named("registry")),
	)

	srv := server.New(*cfg,
		server.WithLogger(log),
		server.WithRegistry(reg),
		server.WithMetrics(m),
		server.WithHostLookup(identity.NewHostLookup(cfg.HostLookupTimeout)),
	)
	srv.Start()

	httpServer := server.CreateServer(cfg.Port, srv.Routes())

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.StartServer(httpServer, log)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutdown signal received")
	}

	if err := server.ShutdownServer(httpServer, shutdownTimeout, log); err != nil {
		log.Warn("http shutdown incomplete", zap.Error(err))
	}
	if err := srv.Stop(shutdownTimeout); err != nil {
		log.Warn("hub shutdown incomplete", zap.Error(err))
	}
	return nil
}
