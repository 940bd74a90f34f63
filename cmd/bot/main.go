// tipoff plays a trading-simulation game over a WebSocket. Some game messages
// disclose the direction of an upcoming price move before the market prices
// it in; the bot resolves each such disclosure into an order and races it to
// the exchange.
//
// Architecture:
//
//	main.go              entry point: loads config, runs engine + report sink, waits for SIGINT/SIGTERM
//	engine/engine.go     event loop: CONNECTING → STREAMING → RECONNECTING → DRAINING → STOPPED
//	engine/dispatcher.go records each decided order in the ledger, then sends it
//	classify/classify.go turns raw frames into typed events (puzzle, state, ack, fill, end, ...)
//	strategy/            impact and binary strategies, once-per-subject resolver
//	ledger/ledger.go     order lifecycle and realized PnL
//	market/book.go       last game state per instrument (mark, position, position limit)
//	exchange/ws.go       WebSocket transport with the game handshake and a rate-limited send
//	risk/guard.go        open-order cap, per-order quantity cap, loss kill switch
//	report/sink.go       non-blocking event sink and periodic PnL report
//
// How it makes money:
//
//	A puzzle reveals the impact of a coming event on the stock price. The
//	bot buys ahead of a positive impact and sells ahead of a negative one,
//	with the implied fair value (mark + impact) as the limit price. Every
//	fill is booked against that fair value.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"tipoff/internal/config"
	"tipoff/internal/engine"
	"tipoff/internal/exchange"
	"tipoff/internal/ledger"
	"tipoff/internal/report"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("TIPOFF_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	sink := report.NewSink(cfg.Report, logger)
	orders := ledger.New(ledger.WithObserver(sink.ObserveTransition))
	dialer := exchange.NewDialer(cfg, logger)

	eng, err := engine.New(cfg, engine.ExchangeDialer(dialer), orders, sink, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	logger.Info("tipoff started",
		"endpoint", cfg.Game.Endpoint,
		"player_id", cfg.Game.PlayerID,
		"strategy", cfg.Strategy.Name,
		"order_size", cfg.Strategy.OrderSize,
	)

	// Cancelled on SIGINT/SIGTERM; the engine drains before returning.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sinkCtx, stopSink := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(sinkCtx)

	var summary ledger.Summary
	g.Go(func() error {
		defer stopSink()
		var err error
		summary, err = eng.Run(ctx)
		return err
	})
	g.Go(func() error {
		return sink.Run(gctx, orders)
	})

	if err := g.Wait(); err != nil {
		logger.Error("engine stopped with error", "error", err)
		os.Exit(1)
	}

	logger.Info("final summary",
		"summary", summary.String(),
		"report_dropped", sink.Dropped(),
	)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
