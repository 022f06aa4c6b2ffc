package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"time"

	"parley/server/internal/bus"
	"parley/server/internal/chat"
	"parley/server/internal/config"
	"parley/server/internal/httpapi"
	"parley/server/internal/metrics"
	"parley/server/internal/presence"
	"parley/server/internal/store"
	"parley/server/internal/webhook"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	addr := flag.String("addr", cfg.Addr, "HTTP listen address")
	dbPath := flag.String("db", cfg.DatabasePath, "SQLite database path")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()
	cfg.Addr = *addr
	cfg.DatabasePath = *dbPath

	level := cfg.SlogLevel()
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if RunCLI(flag.Args(), cfg.DatabasePath) {
		return
	}

	slog.Info("starting server", "version", Version, "addr", cfg.Addr, "db", cfg.DatabasePath)

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		slog.Error("open store", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("close store", "err", closeErr)
		}
	}()

	b := bus.New()
	tracker := presence.NewTracker()
	engine := chat.NewEngine(st, b)
	m := metrics.New()
	b.OnPublish(func(eventType string) {
		m.EventsPublished.WithLabelValues(eventType).Inc()
	})
	server := httpapi.NewServer(cfg, st, engine, b, tracker, m)
	dispatcher := webhook.NewDispatcher(st, b, m)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		dispatcher.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		logStats(ctx, st, cfg.StatsInterval)
	}()

	if err := server.Run(ctx); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}

	b.Close()
	wg.Wait()
	slog.Info("server stopped")
}

// logStats periodically reports operational counters.
func logStats(ctx context.Context, st *store.Store, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := st.GetStats(ctx)
			if err != nil {
				slog.Warn("collect stats", "err", err)
				continue
			}
			slog.Info("stats",
				"rooms", stats.Rooms,
				"messages", stats.Messages,
				"active_senders_1h", stats.ActiveSenders,
				"max_seq", stats.MaxSeq)
		}
	}
}
