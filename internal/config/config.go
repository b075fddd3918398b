package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/receipt-sync/internal/network"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Storage backends.
const (
	BackendDir  = "dir"
	BackendS3   = "s3"
	BackendNone = "none"
)

// Config holds all environment-based configuration for receipt-sync.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// DataDir holds the bbolt state and the local receipt library.
	// Defaults to ~/.receipt-sync.
	DataDir string `env:"DATA_DIR"`

	// DeviceID is written into index entries. Defaults to system hostname.
	DeviceID string `env:"DEVICE_ID"`

	Country         string `env:"COUNTRY_CODE" envDefault:"CA"`
	DefaultCurrency string `env:"DEFAULT_CURRENCY" envDefault:"CAD"`
	Timezone        string `env:"TIMEZONE" envDefault:"Local"`

	// Network policy and the connection the monitor reports.
	SyncPolicy       string `env:"SYNC_POLICY" envDefault:"wifi_only"`
	NetworkType      string `env:"NETWORK_TYPE" envDefault:"wifi"`
	NetworkProbeAddr string `env:"NETWORK_PROBE_ADDR"`

	// SyncInterval is the automatic cycle period. Zero disables it.
	SyncInterval  time.Duration `env:"SYNC_INTERVAL" envDefault:"15m"`
	RetryAttempts int           `env:"RETRY_ATTEMPTS" envDefault:"5"`
	RetryBase     time.Duration `env:"RETRY_BASE_DELAY" envDefault:"1s"`

	// Remote storage.
	StorageBackend string `env:"STORAGE_BACKEND" envDefault:"dir"`
	RemoteDir      string `env:"REMOTE_DIR"`
	S3Bucket       string `env:"S3_BUCKET"`
	S3Region       string `env:"S3_REGION"`
	S3Endpoint     string `env:"S3_ENDPOINT"`
	S3AccessKey    string `env:"S3_ACCESS_KEY"`
	S3SecretKey    string `env:"S3_SECRET_KEY"`
	S3Prefix       string `env:"S3_PREFIX"`

	// InboxDir is the capture inbox. Empty disables the watcher.
	InboxDir string `env:"INBOX_DIR"`

	// Control API. EnableMCP mounts MCP tools on the same listener.
	EnableControl     bool   `env:"ENABLE_CONTROL" envDefault:"false"`
	ControlListenAddr string `env:"CONTROL_LISTEN_ADDR" envDefault:":8095"`
	ControlTokenHash  string `env:"CONTROL_TOKEN_HASH"`
	EnableMCP         bool   `env:"ENABLE_MCP" envDefault:"false"`

	location *time.Location
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

	if cfg.DeviceID == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "receipt-sync"
		}

		cfg.DeviceID = hostname
	}

	if cfg.DataDir == "" {
		dir, err := DefaultDataDir()
		if err != nil {
			return nil, err
		}

		cfg.DataDir = dir
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Path checks downstream compare absolute paths.
	for _, p := range []*string{&cfg.DataDir, &cfg.RemoteDir, &cfg.InboxDir} {
		if *p == "" {
			continue
		}

		abs, err := filepath.Abs(*p)
		if err != nil {
			return nil, fmt.Errorf("resolving %s to absolute path: %w", *p, err)
		}

		*p = abs
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if _, err := network.ParsePolicy(c.SyncPolicy); err != nil {
		return fmt.Errorf("SYNC_POLICY: %w", err)
	}

	if _, err := network.ParseConnectionType(c.NetworkType); err != nil {
		return fmt.Errorf("NETWORK_TYPE: %w", err)
	}

	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return fmt.Errorf("TIMEZONE: %w", err)
	}

	c.location = loc

	if strings.TrimSpace(c.Country) == "" {
		return fmt.Errorf("COUNTRY_CODE must not be empty")
	}

	if c.SyncInterval < 0 {
		return fmt.Errorf("SYNC_INTERVAL must not be negative")
	}

	if c.RetryAttempts < 1 {
		return fmt.Errorf("RETRY_ATTEMPTS must be at least 1")
	}

	switch c.StorageBackend {
	case BackendDir:
		if c.RemoteDir == "" {
			return fmt.Errorf("REMOTE_DIR is required when STORAGE_BACKEND is dir")
		}
	case BackendS3:
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when STORAGE_BACKEND is s3")
		}

		if c.S3Region == "" {
			return fmt.Errorf("S3_REGION is required when STORAGE_BACKEND is s3")
		}

		if (c.S3AccessKey == "") != (c.S3SecretKey == "") {
			return fmt.Errorf("S3_ACCESS_KEY and S3_SECRET_KEY must be set together")
		}
	case BackendNone:
	default:
		return fmt.Errorf("STORAGE_BACKEND must be one of dir, s3, none; got %q", c.StorageBackend)
	}

	if c.EnableMCP && !c.EnableControl {
		return fmt.Errorf("ENABLE_MCP requires ENABLE_CONTROL; MCP is served on the control listener")
	}

	if c.EnableControl {
		if c.ControlTokenHash == "" {
			return fmt.Errorf("CONTROL_TOKEN_HASH is required when the control API is enabled")
		}

		if !strings.HasPrefix(c.ControlTokenHash, "$2") {
			return fmt.Errorf("CONTROL_TOKEN_HASH must be a bcrypt hash (see receipt-sync hash-token)")
		}
	}

	return nil
}

// DefaultDataDir returns ~/.receipt-sync.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".receipt-sync"), nil
}

// LibraryDir is the root of the local receipt library.
func (c *Config) LibraryDir() string {
	return filepath.Join(c.DataDir, "library")
}

// Location returns the parsed TIMEZONE. It is only valid after Load.
func (c *Config) Location() *time.Location {
	if c.location == nil {
		return time.Local
	}

	return c.location
}

// Policy returns the parsed SYNC_POLICY.
func (c *Config) Policy() network.Policy {
	p, _ := network.ParsePolicy(c.SyncPolicy)
	return p
}

// Connection returns the parsed NETWORK_TYPE.
func (c *Config) Connection() network.ConnectionType {
	t, _ := network.ParseConnectionType(c.NetworkType)
	return t
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
