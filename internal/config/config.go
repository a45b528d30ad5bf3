// Package config loads environment-based configuration for the bridge.
package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for the bridge.
type Config struct {
	// HTTP server settings.
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":3000"`

	// External URL clients use to reach this server. Required: it is
	// the OAuth issuer identifier and appears in the discovery document.
	ServerURL string `env:"SERVER_URL"`

	// Admin credential. The password is a bcrypt hash produced by the
	// hash-password subcommand.
	AdminUsername     string `env:"ADMIN_USERNAME" envDefault:"admin"`
	AdminPasswordHash string `env:"ADMIN_PASSWORD_HASH"`

	// Default Home Assistant connection, used when a protocol session
	// has no admin binding. Optional: without it, unbound sessions fail.
	HAHost  string `env:"HA_HOST"`
	HAToken string `env:"HA_TOKEN"`

	// Directory for the session snapshot file.
	DataDir string `env:"DATA_DIR" envDefault:"./data"`

	// Compatibility leniencies. Both default to on because some MCP
	// clients neither pre-register nor use spec method names.
	AutoRegisterClients bool `env:"AUTO_REGISTER_CLIENTS" envDefault:"true"`
	LenientDiscovery    bool `env:"LENIENT_DISCOVERY" envDefault:"true"`

	// Subscribe to Home Assistant state_changed events over WebSocket.
	// Requires default HA credentials.
	EnableEvents bool `env:"ENABLE_EVENTS" envDefault:"false"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Resolve DataDir to an absolute path so the snapshot file location
	// does not depend on the working directory at write time.
	absDir, err := filepath.Abs(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("resolving data dir to absolute path: %w", err)
	}

	cfg.DataDir = absDir

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("SERVER_URL is required")
	}

	u, err := url.Parse(c.ServerURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("SERVER_URL must be an absolute URL")
	}

	c.ServerURL = strings.TrimRight(c.ServerURL, "/")

	if c.AdminUsername == "" {
		return fmt.Errorf("ADMIN_USERNAME must not be empty")
	}

	if c.AdminPasswordHash == "" {
		return fmt.Errorf("ADMIN_PASSWORD_HASH is required (generate with the hash-password subcommand)")
	}

	if !strings.HasPrefix(c.AdminPasswordHash, "$2") {
		return fmt.Errorf("ADMIN_PASSWORD_HASH must be a bcrypt hash")
	}

	if c.EnableEvents && (c.HAHost == "" || c.HAToken == "") {
		return fmt.Errorf("ENABLE_EVENTS requires HA_HOST and HA_TOKEN")
	}

	if c.HAHost != "" {
		hu, err := url.Parse(c.HAHost)
		if err != nil || hu.Scheme == "" || hu.Host == "" {
			return fmt.Errorf("HA_HOST must be an absolute URL")
		}

		c.HAHost = strings.TrimRight(c.HAHost, "/")
	}

	return nil
}

// SnapshotPath returns the path of the session snapshot file.
func (c *Config) SnapshotPath() string {
	return filepath.Join(c.DataDir, "sessions.json")
}

// HasDefaultCredentials reports whether a process-wide Home Assistant
// connection is configured for sessions with no admin binding.
func (c *Config) HasDefaultCredentials() bool {
	return c.HAHost != "" && c.HAToken != ""
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
