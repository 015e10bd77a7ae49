package app

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/joho/godotenv"
)

// ServerConfig defines how the HTTP/WebSocket backend should run.
type ServerConfig struct {
	Addr   string
	DBPath string
}

// ClientConfig defines the parameters the TUI client needs.
type ClientConfig struct {
	ServerURL string
	SphereID  string
	UserID    string
	UserName  string
}

// LoadEnv reads a local .env file when present; real environment variables
// always win over file values.
func LoadEnv() {
	_ = godotenv.Load()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// ServerConfigFromEnv builds a server config from SPHERECHAT_* variables.
func ServerConfigFromEnv() ServerConfig {
	return ServerConfig{
		Addr:   envOr("SPHERECHAT_ADDR", ":8787"),
		DBPath: envOr("SPHERECHAT_DB_PATH", DefaultDBPath()),
	}
}

// ClientConfigFromEnv builds a client config from SPHERECHAT_* variables.
// The sphere and identity usually come from flags; env fills the gaps.
func ClientConfigFromEnv() ClientConfig {
	return ClientConfig{
		ServerURL: envOr("SPHERECHAT_SERVER_URL", "http://localhost:8787"),
		SphereID:  os.Getenv("SPHERECHAT_SPHERE"),
		UserID:    os.Getenv("SPHERECHAT_USER_ID"),
		UserName:  os.Getenv("SPHERECHAT_USER_NAME"),
	}
}

// DefaultDBPath returns a per-user data path for the bundled SQLite file.
func DefaultDBPath() string {
	if env := os.Getenv("SPHERECHAT_DATA_DIR"); env != "" {
		return filepath.Join(env, "spherechat.db")
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "spherechat", "spherechat.db")
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "Spherechat", "spherechat.db")
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, "Library", "Application Support", "Spherechat", "spherechat.db")
		}
		return filepath.Join(home, ".local", "share", "spherechat", "spherechat.db")
	}
	return filepath.Join(".", ".spherechat", "spherechat.db")
}
