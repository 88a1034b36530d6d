package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/quantfold/impulsebot/internal/bus"
	"github.com/quantfold/impulsebot/internal/config"
	"github.com/quantfold/impulsebot/internal/engine"
	"github.com/quantfold/impulsebot/internal/execution"
	"github.com/quantfold/impulsebot/internal/facade"
	"github.com/quantfold/impulsebot/internal/feed"
	"github.com/quantfold/impulsebot/internal/journal"
	"github.com/quantfold/impulsebot/internal/observ"
	"github.com/quantfold/impulsebot/internal/snapshot"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "path to YAML config")
	flag.Parse()

	// Credentials come from the environment or a local .env, never the config
	// file.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	observ.SetupLogging(cfg.Logging)
	log := observ.Logger("main")
	log.Info().Str("mode", cfg.Mode).Bool("dry_run", cfg.Execution.IsDryRun()).Strs("symbols", cfg.Symbols).Msg("starting")

	b := bus.New()

	if path := cfg.Snapshot.EventJournalPath; path != "" {
		ej, err := journal.OpenEventJournal(path)
		if err != nil {
			log.Fatal().Err(err).Str("path", path).Msg("open event journal")
		}
		defer ej.Close()
		b.SetSink(ej.Write)
	}

	src, err := buildSource(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("build feed source")
	}

	var gw execution.Gateway
	if cfg.Execution.IsDryRun() {
		gw = execution.NewPaperGateway(cfg.Execution.FeeBps, time.Now().UnixNano())
	} else {
		gw = execution.NewLiveGateway(cfg.Execution.LiveBaseURL, cfg.APIKey, cfg.APISecret, cfg.Execution.OrderRatePerSec)
	}

	ctrl := engine.NewController(cfg, src, gw, b)

	if path := cfg.Snapshot.TradeJournalPath; path != "" {
		tj, err := journal.OpenTradeJournal(path)
		if err != nil {
			log.Fatal().Err(err).Str("path", path).Msg("open trade journal")
		}
		defer tj.Close()
		ctrl.SetTradeJournal(tj)
	}

	if path := cfg.Snapshot.Path; path != "" {
		state, ok, err := snapshot.Load(path)
		if err != nil {
			log.Fatal().Err(err).Str("path", path).Msg("read snapshot")
		}
		if ok {
			ctrl.Restore(state)
			log.Info().Int("positions", len(state.Positions)).Msg("state restored from snapshot")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if path := cfg.Snapshot.Path; path != "" {
		mgr := snapshot.NewManager(path, time.Duration(cfg.Snapshot.IntervalSeconds)*time.Second, ctrl.CollectState, b)
		go mgr.Run(ctx)
	}

	srv := facade.NewServer(cfg.Server.Addr, ctrl, b)
	go func() {
		if err := srv.Run(ctx); err != nil {
			log.Error().Err(err).Msg("facade server exited")
		}
	}()

	if err := ctrl.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start engine")
	}

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")
	ctrl.Stop()
	log.Info().Msg("engine stopped")
}

func buildSource(cfg config.Root) (feed.Source, error) {
	switch cfg.Feed.Source {
	case "ws":
		return &feed.WSSource{
			Endpoint:    cfg.Feed.WSEndpoint,
			Symbols:     cfg.Symbols,
			PingSeconds: cfg.Feed.PingSeconds,
		}, nil
	case "sim":
		return &feed.SimSource{Symbols: cfg.Symbols, TicksPerSec: 8, Seed: time.Now().UnixNano()}, nil
	case "replay":
		return &feed.ReplaySource{Path: cfg.Feed.ReplayPath, Speed: 1}, nil
	default:
		return nil, fmt.Errorf("unknown feed source %q", cfg.Feed.Source)
	}
}
