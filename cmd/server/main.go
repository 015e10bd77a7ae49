package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"spherechat/internal/app"
)

func main() {
	app.LoadEnv()
	cfg := app.ServerConfigFromEnv()

	addr := flag.String("addr", cfg.Addr, "server listen address")
	dbPath := flag.String("db", cfg.DBPath, "sqlite database path")
	flag.Parse()
	cfg.Addr = *addr
	cfg.DBPath = *dbPath

	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handle, err := app.RunServer(ctx, cfg, log)
	if err != nil {
		log.Error("startup failed", "err", err)
		os.Exit(1)
	}
	if err := handle.Wait(); err != nil {
		log.Error("server error", "err", err)
		os.Exit(1)
	}
}
