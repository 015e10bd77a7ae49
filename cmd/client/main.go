package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"spherechat/internal/app"
)

func main() {
	app.LoadEnv()
	cfg := app.ClientConfigFromEnv()

	serverURL := flag.String("server", cfg.ServerURL, "server base URL (e.g. http://localhost:8787)")
	userID := flag.String("user", cfg.UserID, "user id")
	userName := flag.String("name", cfg.UserName, "display name")
	flag.Parse()

	cfg.ServerURL = *serverURL
	cfg.UserID = *userID
	cfg.UserName = *userName
	if len(flag.Args()) >= 1 {
		cfg.SphereID = flag.Args()[0]
	}
	if cfg.UserID == "" {
		cfg.UserID = uuid.NewString()
	}
	if cfg.UserName == "" {
		cfg.UserName = cfg.UserID
	}

	// The TUI owns the terminal; logs would corrupt it.
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	if err := app.RunClient(cfg, log); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
