package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/quantfold/impulsebot/internal/bus"
	"github.com/quantfold/impulsebot/internal/config"
	"github.com/quantfold/impulsebot/internal/engine"
	"github.com/quantfold/impulsebot/internal/execution"
	"github.com/quantfold/impulsebot/internal/feed"
	"github.com/quantfold/impulsebot/internal/journal"
	"github.com/quantfold/impulsebot/internal/observ"
)

// Replays a recorded JSONL tick file through the full pipeline against the
// paper gateway and prints the session summary.
func main() {
	var (
		configPath string
		ticksPath  string
		speed      float64
	)
	flag.StringVar(&configPath, "config", "config.yaml", "path to YAML config")
	flag.StringVar(&ticksPath, "ticks", "", "JSONL tick recording to replay")
	flag.Float64Var(&speed, "speed", 0, "playback speed multiplier, 0 replays as fast as possible")
	flag.Parse()

	if ticksPath == "" {
		fmt.Fprintln(os.Stderr, "missing -ticks")
		os.Exit(2)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	// Replays never touch a live venue or on-disk engine state.
	dry := true
	cfg.Execution.DryRun = &dry
	cfg.Snapshot.Path = ""
	observ.SetupLogging(cfg.Logging)
	log := observ.Logger("replay")

	b := bus.New()
	var fills, signals, blocks atomic.Int64
	b.SetSink(func(ev bus.Event) {
		switch ev.Category {
		case bus.CategoryFill:
			fills.Add(1)
		case bus.CategorySignal:
			if ev.Message == "signal emitted" {
				signals.Add(1)
			}
		case bus.CategoryRisk:
			if ev.Message == "signal blocked" {
				blocks.Add(1)
			}
		}
	})

	src := &feed.ReplaySource{Path: ticksPath, Speed: speed}
	ctrl := engine.NewController(cfg, src, execution.NewPaperGateway(cfg.Execution.FeeBps, 1), b)

	if path := cfg.Snapshot.TradeJournalPath; path != "" {
		tj, err := journal.OpenTradeJournal(path)
		if err != nil {
			log.Fatal().Err(err).Msg("open trade journal")
		}
		defer tj.Close()
		ctrl.SetTradeJournal(tj)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := ctrl.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start pipeline")
	}

	<-ctrl.FeedDone()
	// Let in-flight submissions settle before reading the final state.
	time.Sleep(250 * time.Millisecond)
	ctrl.Flatten(ctx, "replay finished")
	status := ctrl.Status()
	cancel()
	ctrl.Stop()

	fmt.Printf("replay complete: %s\n", ticksPath)
	fmt.Printf("  signals emitted : %d\n", signals.Load())
	fmt.Printf("  signals blocked : %d\n", blocks.Load())
	fmt.Printf("  fills           : %d\n", fills.Load())
	fmt.Printf("  daily pnl       : %.2f\n", status.Risk.DailyPnL)
	fmt.Printf("  open positions  : %d\n", len(status.Positions))
}
