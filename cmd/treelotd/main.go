package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agrimarket/treelot/internal/api"
	"github.com/agrimarket/treelot/internal/auction"
	"github.com/agrimarket/treelot/internal/clock"
	"github.com/agrimarket/treelot/internal/config"
	"github.com/agrimarket/treelot/internal/health"
	"github.com/agrimarket/treelot/internal/leader"
	"github.com/agrimarket/treelot/internal/notify"
	"github.com/agrimarket/treelot/internal/notify/discord"
	"github.com/agrimarket/treelot/internal/notify/natsnotify"
	"github.com/agrimarket/treelot/internal/notify/redisnotify"
	"github.com/agrimarket/treelot/internal/store"
	"github.com/agrimarket/treelot/internal/telemetry"

	// Register store drivers so they are available via store.Open.
	_ "github.com/agrimarket/treelot/internal/store/memory"
	_ "github.com/agrimarket/treelot/internal/store/mysql"
	_ "github.com/agrimarket/treelot/internal/store/postgres"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		slog.Error("fatal error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	tp, err := telemetry.Setup(ctx, cfg.Telemetry, os.Stderr)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without OTEL export", slog.Any("error", err))
		tp = telemetry.NewNopProvider()
	}
	defer func() {
		if shutdownErr := tp.Shutdown(context.Background()); shutdownErr != nil {
			slog.Error("telemetry shutdown error", slog.Any("error", shutdownErr))
		}
	}()

	logger := tp.Logger
	clk := clock.Real{}

	repos, err := store.Open(ctx, cfg.Database, clk)
	if err != nil {
		return fmt.Errorf("opening store (driver=%s): %w", cfg.Database.Driver, err)
	}
	defer repos.Closer.Close()
	logger.InfoContext(ctx, "connected to database", slog.String("driver", cfg.Database.Driver))

	publishers, closers := publishers(ctx, cfg.Notify, logger)
	defer func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				logger.Error("closing notification sink", slog.Any("error", err))
			}
		}
	}()
	dispatcher := notify.NewDispatcher(cfg.Notify.BufferSize, cfg.Notify.MaxRetries, logger, tp.TracerProvider, publishers...)
	dispatchCtx, stopDispatch := context.WithCancel(context.WithoutCancel(ctx))
	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		dispatcher.Run(dispatchCtx)
	}()

	registry := auction.NewRegistry(repos.Lots, repos.Units, cfg.Auction.Admins, logger, tp.TracerProvider, clk)
	ranker := auction.NewRanker(repos.Units, tp.TracerProvider)
	ledger := auction.NewLedger(registry, repos.Bids, repos.Units, ranker, dispatcher,
		cfg.Auction.MinIncrement, logger, tp.TracerProvider, tp.MeterProvider, clk)
	finalizer := auction.NewFinalizer(repos.Units, ranker, dispatcher, logger, tp.TracerProvider, tp.MeterProvider, clk)
	sweeper := auction.NewSweeper(repos.Lots, finalizer, cfg.Auction.FinalizeInterval, logger, clk)

	healthHandler := health.NewHandler(clk, version,
		health.Checker{Name: "database", Check: repos.Ping},
	)
	server := api.NewServer(api.Deps{
		Registry:  registry,
		Ledger:    ledger,
		Finalizer: finalizer,
		Events:    repos.Events,
		Health:    healthHandler,
	}, logger, tp.TracerProvider, clk)

	// The API runs on every replica; only the sweeper needs the lease.
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.InfoContext(ctx, "starting http server", slog.Int("port", cfg.Server.Port))
		if listenErr := httpServer.ListenAndServe(); listenErr != nil && !errors.Is(listenErr, http.ErrServerClosed) {
			logger.ErrorContext(ctx, "http server error", slog.Any("error", listenErr))
			cancel()
		}
	}()

	swept := make(chan error, 1)
	go func() {
		swept <- leader.Run(ctx, cfg.LeaderElection, logger, sweeper.Run)
	}()

	healthHandler.SetReady(true)
	logger.InfoContext(ctx, "treelotd is running", slog.String("version", version))

	<-ctx.Done()
	logger.Info("shutting down...")
	healthHandler.SetReady(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", slog.Any("error", err))
	}
	if err := <-swept; err != nil {
		logger.Error("leader election error", slog.Any("error", err))
	}

	stopDispatch()
	select {
	case <-dispatched:
	case <-shutdownCtx.Done():
		logger.Warn("notification flush timed out")
	}

	logger.Info("shutdown complete")
	return nil
}

// publishers connects every configured notification sink. A sink that
// cannot be reached is logged and skipped.
func publishers(ctx context.Context, cfg config.NotifyConfig, logger *slog.Logger) ([]notify.Publisher, []io.Closer) {
	pubs := []notify.Publisher{notify.NewLogPublisher(logger)}
	var closers []io.Closer

	if cfg.NATS.URL != "" {
		p, err := natsnotify.Connect(ctx, cfg.NATS.URL, cfg.NATS.Stream)
		if err != nil {
			logger.WarnContext(ctx, "nats notifications disabled", slog.Any("error", err))
		} else {
			pubs = append(pubs, p)
			closers = append(closers, p)
		}
	}
	if cfg.Redis.Addr != "" {
		p, err := redisnotify.Connect(ctx, cfg.Redis)
		if err != nil {
			logger.WarnContext(ctx, "redis notifications disabled", slog.Any("error", err))
		} else {
			pubs = append(pubs, p)
			closers = append(closers, p)
		}
	}
	if cfg.Discord.WebhookID != "" {
		p, err := discord.New(cfg.Discord)
		if err != nil {
			logger.WarnContext(ctx, "discord notifications disabled", slog.Any("error", err))
		} else {
			pubs = append(pubs, p)
		}
	}

	names := make([]string, len(pubs))
	for i, p := range pubs {
		names[i] = p.Name()
	}
	logger.InfoContext(ctx, "notification sinks ready", slog.Any("sinks", names))
	return pubs, closers
}
