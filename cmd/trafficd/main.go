package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/netutil"

	"github.com/yegors/co-traffic/internal/api"
	"github.com/yegors/co-traffic/internal/config"
	"github.com/yegors/co-traffic/internal/here"
	"github.com/yegors/co-traffic/internal/roads"
	"github.com/yegors/co-traffic/internal/storage"
	"github.com/yegors/co-traffic/internal/traffic"
	"github.com/yegors/co-traffic/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "path to the TOML config file (defaults are used when empty)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "trafficd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, err := logger.New(logger.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()

	// The service cannot match anything without the road network
	network, err := roads.LoadFile(cfg.Roads.DatasetPath)
	if err != nil {
		log.Error("Failed to load road network", logger.Error(err))
		return err
	}
	log.Info("Loaded road network",
		logger.String("path", cfg.Roads.DatasetPath),
		logger.Int("segments", network.Len()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(ctx, cfg.Storage, log)
	if err != nil {
		log.Error("Failed to open storage", logger.Error(err))
		return err
	}
	defer store.Close()

	if cfg.HERE.APIKey == "" {
		log.Warn("HERE_API_KEY is not set, refreshes will fail until it is configured")
	}
	client := here.NewClient(here.Options{
		BaseURL:    cfg.HERE.BaseURL,
		APIKey:     cfg.HERE.APIKey,
		UserAgent:  cfg.HERE.UserAgent,
		Timeout:    cfg.HERE.Timeout(),
		RetryCount: cfg.HERE.RetryCount,
		RetryWait:  cfg.HERE.RetryWait(),
	}, log)

	matcher := roads.NewMatcher(network,
		roads.WithCandidateCount(cfg.Roads.CandidateCount),
		roads.WithSearchRadius(cfg.Roads.SearchRadiusDeg),
	)
	transformer := traffic.NewTransformer(matcher, roads.NewExtender(network), cfg.Roads.ExtendPoints, log)

	orchestrator := traffic.NewOrchestrator(traffic.NewHereFetcher(client), store, transformer, traffic.Options{
		BBox:           cfg.Region.BBox,
		CacheWindow:    cfg.Refresh.CacheWindow(),
		FallbackWindow: cfg.Refresh.FallbackWindow(),
		CleanupWindow:  cfg.Refresh.CleanupWindow(),
	}, log)

	sweepers := []*traffic.Sweeper{
		traffic.NewFallbackSweeper(orchestrator, cfg.Refresh.Tick(), log),
		traffic.NewCleanupSweeper(orchestrator, cfg.Refresh.Tick(), log),
	}
	for _, s := range sweepers {
		s.Start(ctx)
	}
	defer func() {
		for _, s := range sweepers {
			s.Stop()
		}
	}()

	router := api.NewRouter(orchestrator, store, cfg, log)
	server := &http.Server{
		Handler:      router.Routes(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
	}

	listener, err := net.Listen("tcp", cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Addr(), err)
	}
	if cfg.Server.MaxConnections > 0 {
		listener = netutil.LimitListener(listener, cfg.Server.MaxConnections)
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening",
			logger.String("addr", cfg.Server.Addr()),
			logger.String("region", cfg.Region.Name))
		serveErr <- server.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed", logger.Error(err))
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Forced HTTP server shutdown", logger.Error(err))
		return err
	}

	log.Info("Server exited gracefully")
	return nil
}
