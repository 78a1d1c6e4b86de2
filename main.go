// Command squawk is a low-latency voice conferencing relay. Clients connect
// over WebSocket (or optionally WebTransport), join named channels, and
// receive a per-listener mix of everyone else speaking in their channel.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"squawk/internal/config"
	"squawk/internal/core"
	"squawk/internal/httpapi"
	"squawk/internal/observe"
	"squawk/internal/wt"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

// certValidity bounds the self-signed WebTransport certificate. Browsers
// reject pinned certificates valid for more than two weeks.
const certValidity = 14 * 24 * time.Hour

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if RunCLI(args) {
		return 0
	}

	fs := flag.NewFlagSet("squawk", flag.ContinueOnError)
	addr := fs.String("addr", "", "HTTP listen address (overrides config file and PORT)")
	wtAddr := fs.String("wt-addr", "", "WebTransport UDP listen address (empty disables WebTransport)")
	configPath := fs.String("config", "", "path to a YAML configuration file")
	debug := fs.Bool("debug", false, "enable debug logging (auto-enabled for dev builds)")
	logFile := fs.String("log-file", "", "rotate logs into this file in addition to stderr")
	botName := fs.String("bot", "", "run an in-process test bot under this name")
	botChannel := fs.String("bot-channel", "", "channel the test bot joins (default \"lobby\")")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "squawk: %v\n", err)
			return 1
		}
		cfg = *loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "squawk: %v\n", err)
		return 1
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *wtAddr != "" {
		cfg.Server.WTAddr = *wtAddr
	}
	if *logFile != "" {
		cfg.Log.File = *logFile
	}
	if *botName != "" {
		cfg.Bot.Name = *botName
	}
	if *botChannel != "" {
		cfg.Bot.Channel = *botChannel
	}
	if cfg.Bot.Name != "" && cfg.Bot.Channel == "" {
		cfg.Bot.Channel = "lobby"
	}
	if err := config.Validate(&cfg); err != nil {
		fmt.Fprintf(os.Stderr, "squawk: %v\n", err)
		return 1
	}

	// Auto-enable debug logging for dev builds; override with -debug flag.
	level := cfg.Log.Level.Slog()
	if *debug || strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	var out io.Writer = os.Stderr
	if cfg.Log.File != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    50, // megabytes
			MaxBackups: 3,
			MaxAge:     14, // days
		})
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})))

	slog.Info("starting relay", "version", Version, "addr", cfg.Server.Addr)
	if cfg.Server.AdminToken == config.DefaultAdminToken {
		slog.Warn("admin token is the built-in default; set ADMIN_TOKEN before exposing the relay")
	}

	shutdownMetrics, err := observe.InitProvider(observe.ProviderConfig{ServiceVersion: Version})
	if err != nil {
		slog.Error("initialize metrics provider", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			slog.Error("shut down metrics provider", "err", err)
		}
	}()

	registry := core.NewRegistry(core.Options{})
	api := httpapi.New(registry, httpapi.Config{
		AdminToken: cfg.Server.AdminToken,
		Version:    Version,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return api.Run(ctx, cfg.Server.Addr) })
	g.Go(func() error {
		core.RunWatchdog(ctx, registry)
		return nil
	})
	g.Go(func() error {
		RunMetrics(ctx, registry, time.Minute)
		return nil
	})

	if cfg.Server.WTAddr != "" {
		hostname, _ := os.Hostname()
		tlsConf, fingerprint, err := wt.GenerateTLSConfig(certValidity, hostname)
		if err != nil {
			slog.Error("generate webtransport certificate", "err", err)
			return 1
		}
		slog.Info("webtransport certificate", "sha256", fingerprint)
		wts := wt.New(cfg.Server.WTAddr, tlsConf, registry)
		g.Go(func() error { return wts.Run(ctx) })
	}

	if cfg.Bot.Name != "" {
		g.Go(func() error {
			RunTestBot(ctx, registry, cfg.Bot.Name, cfg.Bot.Channel)
			return nil
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("server error", "err", err)
		return 1
	}
	slog.Info("server stopped")
	return 0
}
