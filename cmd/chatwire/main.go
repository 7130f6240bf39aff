// Command chatwire is a terminal chat client for the realtime chat backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HerbHall/chatwire/internal/config"
	"github.com/HerbHall/chatwire/internal/credits"
	"github.com/HerbHall/chatwire/internal/server"
	"github.com/HerbHall/chatwire/internal/transport"
	"github.com/HerbHall/chatwire/internal/version"
	"github.com/HerbHall/chatwire/pkg/chat"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Println(version.Info())
		return
	}

	configPath := flag.String("config", "", "path to configuration file")
	mode := flag.String("mode", "", "delivery mode: http or ws (overrides transport.mode)")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		return
	}

	if err := run(*configPath, *mode); err != nil {
		fmt.Fprintf(os.Stderr, "chatwire: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, mode string) error {
	// Load configuration before the logger so level and format apply.
	v, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if mode != "" {
		v.Set("transport.mode", mode)
	}
	cfg, err := config.Unmarshal(v)
	if err != nil {
		return err
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("chatwire starting",
		zap.String("version", version.Short()),
		zap.String("mode", cfg.Transport.Mode),
	)
	if f := v.ConfigFileUsed(); f != "" {
		logger.Info("configuration loaded", zap.String("source", f))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		biller chat.Biller
		ledger *credits.Ledger
	)
	if cfg.Credits.Database != "" {
		ledger, err = credits.Open(ctx, cfg.Credits.Database, cfg.Credits.Initial, logger.Named("credits"))
		if err != nil {
			return fmt.Errorf("open credit ledger: %w", err)
		}
		defer ledger.Close()
		if err := ledger.CheckVersion(ctx, version.Short()); err != nil {
			return err
		}
		biller = ledger
		logger.Info("credit ledger ready", zap.String("path", cfg.Credits.Database))
	}

	client, err := transport.NewFromConfig(cfg, transport.Deps{
		Tokens: transport.NewTokenSource(cfg, logger.Named("auth")),
		Biller: biller,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Close(closeCtx); err != nil {
			logger.Warn("close client", zap.Error(err))
		}
	}()

	// The REPL ending (quit or EOF) stops everything else.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Listen != "" {
		ops := server.New(server.Options{
			Addr:        cfg.Metrics.Listen,
			Transport:   client,
			Status:      func(ctx context.Context) any { return snapshot(ctx, client, ledger) },
			StatusRate:  cfg.Metrics.StatusRate,
			StatusBurst: cfg.Metrics.StatusBurst,
			Logger:      logger.Named("server"),
		})
		g.Go(ops.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return ops.Shutdown(shutdownCtx)
		})
	}

	var balances balanceReader
	if ledger != nil {
		balances = ledger
	}
	r := newREPL(client, balances, os.Stdout)
	g.Go(func() error {
		defer cancel()
		if err := client.Connect(gctx); err != nil && gctx.Err() == nil {
			r.printf("! could not connect: %v (type /reconnect to retry)\n", err)
		}
		return r.run(gctx, scanLines(os.Stdin))
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("chatwire stopped")
	return nil
}

// status is the JSON body of GET /status.
type status struct {
	Version  string   `json:"version"`
	Strategy string   `json:"strategy"`
	State    string   `json:"state"`
	Failed   bool     `json:"failed"`
	Messages int      `json:"messages"`
	Credits  *float64 `json:"credits,omitempty"`
}

func snapshot(ctx context.Context, client *transport.Client, ledger *credits.Ledger) status {
	st := status{
		Version:  version.Short(),
		Strategy: client.Strategy().Name(),
		State:    string(client.State()),
		Failed:   client.Failed(),
		Messages: len(client.Transcript()),
	}
	if ledger != nil {
		if bal, err := ledger.Balance(ctx); err == nil {
			st.Credits = &bal
		}
	}
	return st
}
