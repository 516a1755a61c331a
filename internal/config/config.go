package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/zalando/go-keyring"

	"github.com/alexjbarnes/vault-mirror/internal/state"
)

// KeyringService is the OS keyring service vault passwords are stored
// under.
const KeyringService = "vault-mirror"

// keyringUser is the account name within KeyringService.
const keyringUser = "vault-password"

// Config holds all environment-based configuration for vault-mirror.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`
	LogFile     string `env:"LOG_FILE"`

	// StateDir holds the bbolt state file. Defaults to ~/.vault-mirror.
	StateDir string `env:"STATE_DIR"`

	// LocalDBPath is the SQLite database being synced. Defaults to
	// <StateDir>/vault.db.
	LocalDBPath string `env:"LOCAL_DB_PATH"`

	// DeviceID overrides the generated, persisted device id.
	DeviceID string `env:"DEVICE_ID"`

	// VaultID is the default remote vault for newly linked backends.
	VaultID string `env:"VAULT_ID"`

	// VaultName is the display name uploaded with new vault keys.
	VaultName string `env:"VAULT_NAME"`

	// VaultPassword wraps the sync key. When empty it is read from the
	// OS keyring.
	VaultPassword string `env:"VAULT_PASSWORD"`

	// ServerPassword wraps the vault name. Defaults to VaultPassword.
	ServerPassword string `env:"SERVER_PASSWORD"`

	SyncMode             string        `env:"SYNC_MODE" envDefault:"continuous"`
	DebounceInterval     time.Duration `env:"DEBOUNCE_INTERVAL" envDefault:"1s"`
	MaxDebounceWait      time.Duration `env:"MAX_DEBOUNCE_WAIT" envDefault:"10s"`
	PeriodicInterval     time.Duration `env:"PERIODIC_INTERVAL" envDefault:"30s"`
	FallbackPullInterval time.Duration `env:"FALLBACK_PULL_INTERVAL" envDefault:"5m"`
	BatchTimeout         time.Duration `env:"BATCH_TIMEOUT" envDefault:"10s"`
	RequestTimeout       time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	PullPageSize         int           `env:"PULL_PAGE_SIZE" envDefault:"500"`
	MaxSkippedCycles     int           `env:"MAX_SKIPPED_CYCLES" envDefault:"3"`
	DisableRealtime      bool          `env:"DISABLE_REALTIME" envDefault:"false"`

	// Table filters: comma-separated glob patterns.
	SyncTables    string `env:"SYNC_TABLES"`
	ExcludeTables string `env:"EXCLUDE_TABLES"`

	// BackendsFile seeds backends from YAML at startup.
	BackendsFile string `env:"BACKENDS_FILE"`

	// WatchDBFile raises change signals for writes made by other
	// processes sharing LocalDBPath.
	WatchDBFile bool `env:"WATCH_DB_FILE" envDefault:"false"`

	// MCP status server.
	EnableMCP     bool   `env:"ENABLE_MCP" envDefault:"false"`
	MCPListenAddr string `env:"MCP_LISTEN_ADDR" envDefault:"127.0.0.1:8090"`
	MCPAPIKey     string `env:"MCP_API_KEY"`
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
	cfg, err := LoadPaths()
	if err != nil {
		return nil, err
	}

	if cfg.VaultPassword == "" {
		pw, err := KeyringPassword()
		if err != nil && !errors.Is(err, keyring.ErrNotFound) {
			log.Printf("WARNING: reading vault password from keyring: %v", err)
		}

		cfg.VaultPassword = pw
	}

	if cfg.ServerPassword == "" {
		cfg.ServerPassword = cfg.VaultPassword
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadPaths parses the environment without requiring a vault password.
// Commands that only manage backend records use it.
func LoadPaths() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// resolvePaths fills in and absolutises the state and database paths.
func (c *Config) resolvePaths() error {
	if c.StateDir == "" {
		dir, err := state.DefaultDir()
		if err != nil {
			return err
		}

		c.StateDir = dir
	}

	if c.LocalDBPath == "" {
		c.LocalDBPath = filepath.Join(c.StateDir, "vault.db")
	}

	var err error

	if c.StateDir, err = filepath.Abs(c.StateDir); err != nil {
		return fmt.Errorf("resolving state dir: %w", err)
	}

	if c.LocalDBPath, err = filepath.Abs(c.LocalDBPath); err != nil {
		return fmt.Errorf("resolving database path: %w", err)
	}

	return nil
}

func (c *Config) validate() error {
	if c.VaultPassword == "" {
		return fmt.Errorf("VAULT_PASSWORD is required (or store one with `vault-mirror password set`)")
	}

	switch c.SyncMode {
	case "continuous", "periodic":
	default:
		return fmt.Errorf("SYNC_MODE must be continuous or periodic, got %q", c.SyncMode)
	}

	for name, d := range map[string]time.Duration{
		"DEBOUNCE_INTERVAL":      c.DebounceInterval,
		"MAX_DEBOUNCE_WAIT":      c.MaxDebounceWait,
		"PERIODIC_INTERVAL":      c.PeriodicInterval,
		"FALLBACK_PULL_INTERVAL": c.FallbackPullInterval,
		"BATCH_TIMEOUT":          c.BatchTimeout,
		"REQUEST_TIMEOUT":        c.RequestTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	if c.MaxDebounceWait < c.DebounceInterval {
		return fmt.Errorf("MAX_DEBOUNCE_WAIT must not be shorter than DEBOUNCE_INTERVAL")
	}

	if c.PullPageSize <= 0 {
		return fmt.Errorf("PULL_PAGE_SIZE must be positive")
	}

	if c.MaxSkippedCycles <= 0 {
		return fmt.Errorf("MAX_SKIPPED_CYCLES must be positive")
	}

	if c.EnableMCP && c.MCPAPIKey == "" {
		return fmt.Errorf("MCP_API_KEY is required when MCP is enabled")
	}

	if c.EnableMCP && len(c.MCPAPIKey) < apiKeyMinLen {
		return fmt.Errorf("MCP_API_KEY must be at least %d characters", apiKeyMinLen)
	}

	return nil
}

// apiKeyMinLen is the minimum length for MCP_API_KEY.
const apiKeyMinLen = 16

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// StatePath is the bbolt state file inside StateDir.
func (c *Config) StatePath() string {
	return filepath.Join(c.StateDir, "state.db")
}

// TableSelection returns the include and exclude patterns with blanks
// trimmed.
func (c *Config) TableSelection() (string, string) {
	return strings.TrimSpace(c.SyncTables), strings.TrimSpace(c.ExcludeTables)
}

// KeyringPassword reads the vault password from the OS keyring.
func KeyringPassword() (string, error) {
	return keyring.Get(KeyringService, keyringUser)
}

// SaveKeyringPassword stores the vault password in the OS keyring.
func SaveKeyringPassword(password string) error {
	if password == "" {
		return errors.New("password must not be empty")
	}

	return keyring.Set(KeyringService, keyringUser, password)
}
