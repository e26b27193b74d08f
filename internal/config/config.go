package config

import (
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/docker/go-units"
	"github.com/joho/godotenv"
)

// stateDBName is the bolt file inside StateDir.
const stateDBName = "queue.db"

// Config holds all environment-based configuration for photo-uploader.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// Upload backend root, e.g. https://photos.example.com/api/
	BaseURL string `env:"UPLOAD_BASE_URL"`

	// Directory holding the queue database. Defaults to ~/.photo-uploader.
	StateDir string `env:"STATE_DIR"`

	// Optional directory watched for new photos. Files created or moved
	// into it are admitted to the queue.
	InboxDir string `env:"INBOX_DIR"`

	// Disposal of inbox files after their upload completes: deleted, or
	// moved under ArchiveDir. Files admitted from elsewhere are kept.
	DeleteAfterUpload bool   `env:"DELETE_AFTER_UPLOAD" envDefault:"false"`
	ArchiveDir        string `env:"ARCHIVE_DIR"`

	// Delivery tuning.
	Concurrency        int           `env:"UPLOAD_CONCURRENCY" envDefault:"2"`
	BackoffBase        time.Duration `env:"UPLOAD_BACKOFF_BASE" envDefault:"10s"`
	BackoffMultiplier  float64       `env:"UPLOAD_BACKOFF_MULTIPLIER" envDefault:"2"`
	BackoffMax         time.Duration `env:"UPLOAD_BACKOFF_MAX" envDefault:"5m"`
	MaxAttempts        int           `env:"UPLOAD_MAX_ATTEMPTS" envDefault:"8"`
	PollInterval       time.Duration `env:"STATUS_POLL_INTERVAL" envDefault:"30s"`
	PollMax            time.Duration `env:"STATUS_POLL_MAX" envDefault:"10m"`
	CompletedRetention time.Duration `env:"COMPLETED_RETENTION" envDefault:"24h"`
	HTTPTimeout        time.Duration `env:"HTTP_TIMEOUT" envDefault:"60s"`

	// Human readable sizes ("100MB", "512k"). Parsed into MaxFileSize and
	// BandwidthLimit by Load.
	MaxFileSizeRaw    string `env:"UPLOAD_MAX_FILE_SIZE" envDefault:"100MB"`
	BandwidthLimitRaw string `env:"UPLOAD_BANDWIDTH_LIMIT"`

	// Device credentials used to sign requests. Both or neither.
	DeviceID     string `env:"DEVICE_ID"`
	DeviceSecret string `env:"DEVICE_SECRET"`

	// Local control server.
	EnableControl     bool   `env:"ENABLE_CONTROL" envDefault:"true"`
	ControlListenAddr string `env:"CONTROL_LISTEN_ADDR" envDefault:"127.0.0.1:8091"`
	ControlAPIKey     string `env:"CONTROL_API_KEY"`
	EnableMCP         bool   `env:"ENABLE_MCP" envDefault:"false"`

	MaxFileSize    int64 `env:"-"`
	BandwidthLimit int64 `env:"-"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. DEVICE_SECRET usually lives there.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return
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

	if err := cfg.parseSizes(); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.StateDir == "" {
		dir, err := DefaultStateDir()
		if err != nil {
			return nil, err
		}

		cfg.StateDir = dir
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Admitted source paths are stored as absolute paths so entries stay
	// readable regardless of the daemon's working directory.
	if cfg.InboxDir != "" {
		absDir, err := filepath.Abs(cfg.InboxDir)
		if err != nil {
			return nil, fmt.Errorf("resolving inbox dir to absolute path: %w", err)
		}

		cfg.InboxDir = absDir
	}

	if cfg.ArchiveDir != "" {
		absDir, err := filepath.Abs(cfg.ArchiveDir)
		if err != nil {
			return nil, fmt.Errorf("resolving archive dir to absolute path: %w", err)
		}

		cfg.ArchiveDir = absDir

		if within(cfg.InboxDir, cfg.ArchiveDir) {
			return nil, fmt.Errorf("validating config: ARCHIVE_DIR must not be inside INBOX_DIR")
		}
	}

	return cfg, nil
}

// within reports whether path is dir or lies below it.
func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}

	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func (c *Config) parseSizes() error {
	if c.MaxFileSizeRaw != "" {
		n, err := units.FromHumanSize(c.MaxFileSizeRaw)
		if err != nil {
			return fmt.Errorf("UPLOAD_MAX_FILE_SIZE: %w", err)
		}

		c.MaxFileSize = n
	}

	if c.BandwidthLimitRaw != "" {
		n, err := units.FromHumanSize(c.BandwidthLimitRaw)
		if err != nil {
			return fmt.Errorf("UPLOAD_BANDWIDTH_LIMIT: %w", err)
		}

		c.BandwidthLimit = n
	}

	return nil
}

func (c *Config) validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("UPLOAD_BASE_URL is required")
	}

	u, err := url.Parse(strings.TrimSpace(c.BaseURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("UPLOAD_BASE_URL must be an absolute http(s) URL")
	}

	if c.Concurrency < 1 {
		return fmt.Errorf("UPLOAD_CONCURRENCY must be at least 1")
	}

	if c.BackoffBase <= 0 {
		return fmt.Errorf("UPLOAD_BACKOFF_BASE must be positive")
	}

	if c.BackoffMultiplier < 1 {
		return fmt.Errorf("UPLOAD_BACKOFF_MULTIPLIER must be at least 1")
	}

	if c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("UPLOAD_BACKOFF_MAX must not be shorter than UPLOAD_BACKOFF_BASE")
	}

	if c.MaxAttempts < 1 {
		return fmt.Errorf("UPLOAD_MAX_ATTEMPTS must be at least 1")
	}

	if c.PollInterval <= 0 || c.PollMax < c.PollInterval {
		return fmt.Errorf("STATUS_POLL_INTERVAL must be positive and not exceed STATUS_POLL_MAX")
	}

	if c.MaxFileSize < 0 || c.BandwidthLimit < 0 {
		return fmt.Errorf("sizes must not be negative")
	}

	if (c.DeviceID == "") != (c.DeviceSecret == "") {
		return fmt.Errorf("DEVICE_ID and DEVICE_SECRET must be set together")
	}

	if c.EnableControl && c.ControlAPIKey == "" && !isLoopbackAddr(c.ControlListenAddr) {
		return fmt.Errorf("CONTROL_API_KEY is required when CONTROL_LISTEN_ADDR is not a loopback address")
	}

	if c.DeleteAfterUpload && c.ArchiveDir != "" {
		return fmt.Errorf("DELETE_AFTER_UPLOAD and ARCHIVE_DIR are mutually exclusive")
	}

	if c.CleansInbox() && c.InboxDir == "" {
		return fmt.Errorf("DELETE_AFTER_UPLOAD and ARCHIVE_DIR require INBOX_DIR")
	}

	if c.EnableMCP && !c.EnableControl {
		return fmt.Errorf("ENABLE_MCP requires ENABLE_CONTROL")
	}

	return nil
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}

	if host == "localhost" {
		return true
	}

	ip := net.ParseIP(host)

	return ip != nil && ip.IsLoopback()
}

// DefaultStateDir returns ~/.photo-uploader.
func DefaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".photo-uploader"), nil
}

// DBPath returns the location of the queue database.
func (c *Config) DBPath() string {
	return filepath.Join(c.StateDir, stateDBName)
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// SigningEnabled reports whether device credentials are configured.
func (c *Config) SigningEnabled() bool {
	return c.DeviceID != "" && c.DeviceSecret != ""
}

// CleansInbox reports whether completed inbox files are deleted or
// archived.
func (c *Config) CleansInbox() bool {
	return c.DeleteAfterUpload || c.ArchiveDir != ""
}
