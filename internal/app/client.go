package app

import (
	"errors"
	"log/slog"

	intrnl "spherechat/internal"
)

// RunClient launches the Bubble Tea TUI with the provided configuration.
func RunClient(cfg ClientConfig, log *slog.Logger) error {
	if cfg.ServerURL == "" {
		return errors.New("server URL is required")
	}
	if cfg.SphereID == "" {
		return errors.New("sphere id is required")
	}
	if cfg.UserID == "" {
		return errors.New("user id is required")
	}
	return intrnl.RunClient(cfg.ServerURL, cfg.SphereID, cfg.UserID, cfg.UserName, log)
}
