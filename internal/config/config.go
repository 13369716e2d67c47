// Package config loads the tonconnect CLI and backend configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bhandras/tonconnect/pkg/logger"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g.
// TONCONNECT_LOG_LEVEL=debug.
const EnvPrefix = "TONCONNECT"

// Storage backends.
const (
	StorageMemory = "memory"
	StorageFile   = "file"
	StorageSQLite = "sqlite"
	StorageRedis  = "redis"
)

// Config is the root configuration.
type Config struct {
	// ManifestURL points to the dApp tonconnect-manifest.json.
	ManifestURL string `mapstructure:"manifest_url" yaml:"manifest_url"`
	// Home holds local state (storage, keys).
	Home string `mapstructure:"home" yaml:"home"`
	// SessionKey namespaces the persisted connection.
	SessionKey string `mapstructure:"session_key" yaml:"session_key"`

	Storage StorageConfig  `mapstructure:"storage" yaml:"storage"`
	Bridge  BridgeConfig   `mapstructure:"bridge" yaml:"bridge"`
	Wallets WalletsConfig  `mapstructure:"wallets" yaml:"wallets"`
	Proof   ProofConfig    `mapstructure:"proof" yaml:"proof"`
	Server  ServerConfig   `mapstructure:"server" yaml:"server"`
	Log     logger.Config  `mapstructure:"log" yaml:"log"`
	Timeout TimeoutsConfig `mapstructure:"timeouts" yaml:"timeouts"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Kind is memory, file, sqlite or redis.
	Kind string `mapstructure:"kind" yaml:"kind"`
	// Path is a directory for file, a database file for sqlite and a
	// redis:// URL for redis. Relative paths are resolved against Home.
	Path string `mapstructure:"path" yaml:"path"`
	// PendingTTL expires unanswered connect attempts.
	PendingTTL time.Duration `mapstructure:"pending_ttl" yaml:"pending_ttl"`
}

// BridgeConfig tunes the bridge gateways.
type BridgeConfig struct {
	OpenTimeout       time.Duration `mapstructure:"open_timeout" yaml:"open_timeout"`
	ReconnectDelay    time.Duration `mapstructure:"reconnect_delay" yaml:"reconnect_delay"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts" yaml:"reconnect_attempts"`
	SendAttempts      int           `mapstructure:"send_attempts" yaml:"send_attempts"`
	SendDelay         time.Duration `mapstructure:"send_delay" yaml:"send_delay"`
	MessageTTL        time.Duration `mapstructure:"message_ttl" yaml:"message_ttl"`
}

// WalletsConfig points at the wallets registry.
type WalletsConfig struct {
	ListURL  string        `mapstructure:"list_url" yaml:"list_url"`
	CacheTTL time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl"`
}

// ProofConfig controls challenge payloads and proof checks.
type ProofConfig struct {
	// Secret signs challenge payloads.
	Secret     string        `mapstructure:"secret" yaml:"secret"`
	PayloadTTL time.Duration `mapstructure:"payload_ttl" yaml:"payload_ttl"`
	// Domains lists the dApp domains accepted in proofs.
	Domains       []string      `mapstructure:"domains" yaml:"domains"`
	ValidAuthTime time.Duration `mapstructure:"valid_auth_time" yaml:"valid_auth_time"`
}

// ServerConfig configures the proof backend.
type ServerConfig struct {
	Addr           string        `mapstructure:"addr" yaml:"addr"`
	AllowedOrigins []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	JWTSecret      string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	TokenTTL       time.Duration `mapstructure:"token_ttl" yaml:"token_ttl"`
}

// TimeoutsConfig bounds connector waits.
type TimeoutsConfig struct {
	Connect time.Duration `mapstructure:"connect" yaml:"connect"`
	Request time.Duration `mapstructure:"request" yaml:"request"`
}

// DefaultHome returns ~/.tonconnect, or ./.tonconnect when the home
// directory is unknown.
func DefaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tonconnect"
	}
	return filepath.Join(home, ".tonconnect")
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		ManifestURL: "https://ton-connect.github.io/demo-dapp-with-react-ui/tonconnect-manifest.json",
		Home:        DefaultHome(),
		SessionKey:  "default",
		Storage: StorageConfig{
			Kind:       StorageFile,
			Path:       "storage",
			PendingTTL: 15 * time.Minute,
		},
		Bridge: BridgeConfig{
			OpenTimeout:       5 * time.Second,
			ReconnectDelay:    2 * time.Second,
			ReconnectAttempts: 5,
			SendAttempts:      3,
			SendDelay:         time.Second,
			MessageTTL:        300 * time.Second,
		},
		Wallets: WalletsConfig{
			ListURL:  "https://raw.githubusercontent.com/ton-blockchain/wallets-list/main/wallets-v2.json",
			CacheTTL: 10 * time.Minute,
		},
		Proof: ProofConfig{
			PayloadTTL:    15 * time.Minute,
			Domains:       []string{"localhost"},
			ValidAuthTime: 15 * time.Minute,
		},
		Server: ServerConfig{
			Addr:           ":8081",
			AllowedOrigins: []string{"*"},
			TokenTTL:       24 * time.Hour,
		},
		Log: logger.Config{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: logger.RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Timeout: TimeoutsConfig{
			Connect: 900 * time.Second,
			Request: 300 * time.Second,
		},
	}
}

// Load reads configuration from path (if non-empty), otherwise from
// tonconnect.yaml in the working directory or the default home. Missing
// files are not an error. Environment variables override file values.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	seedDefaults(v, cfg)

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tonconnect")
		v.AddConfigPath(".")
		v.AddConfigPath(cfg.Home)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// seedDefaults registers every key so that env-only overrides are seen by
// Unmarshal.
func seedDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("manifest_url", cfg.ManifestURL)
	v.SetDefault("home", cfg.Home)
	v.SetDefault("session_key", cfg.SessionKey)

	v.SetDefault("storage.kind", cfg.Storage.Kind)
	v.SetDefault("storage.path", cfg.Storage.Path)
	v.SetDefault("storage.pending_ttl", cfg.Storage.PendingTTL)

	v.SetDefault("bridge.open_timeout", cfg.Bridge.OpenTimeout)
	v.SetDefault("bridge.reconnect_delay", cfg.Bridge.ReconnectDelay)
	v.SetDefault("bridge.reconnect_attempts", cfg.Bridge.ReconnectAttempts)
	v.SetDefault("bridge.send_attempts", cfg.Bridge.SendAttempts)
	v.SetDefault("bridge.send_delay", cfg.Bridge.SendDelay)
	v.SetDefault("bridge.message_ttl", cfg.Bridge.MessageTTL)

	v.SetDefault("wallets.list_url", cfg.Wallets.ListURL)
	v.SetDefault("wallets.cache_ttl", cfg.Wallets.CacheTTL)

	v.SetDefault("proof.secret", cfg.Proof.Secret)
	v.SetDefault("proof.payload_ttl", cfg.Proof.PayloadTTL)
	v.SetDefault("proof.domains", cfg.Proof.Domains)
	v.SetDefault("proof.valid_auth_time", cfg.Proof.ValidAuthTime)

	v.SetDefault("server.addr", cfg.Server.Addr)
	v.SetDefault("server.allowed_origins", cfg.Server.AllowedOrigins)
	v.SetDefault("server.jwt_secret", cfg.Server.JWTSecret)
	v.SetDefault("server.token_ttl", cfg.Server.TokenTTL)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	v.SetDefault("timeouts.connect", cfg.Timeout.Connect)
	v.SetDefault("timeouts.request", cfg.Timeout.Request)
}

func (c *Config) validate() error {
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log.level: %w", err)
	}

	c.Storage.Kind = strings.ToLower(strings.TrimSpace(c.Storage.Kind))
	switch c.Storage.Kind {
	case StorageMemory, StorageFile, StorageSQLite, StorageRedis:
	default:
		return fmt.Errorf("invalid storage.kind %q (expected memory, file, sqlite or redis)", c.Storage.Kind)
	}

	if strings.TrimSpace(c.SessionKey) == "" {
		return errors.New("session_key must not be empty")
	}
	if c.Bridge.SendAttempts < 1 {
		return fmt.Errorf("bridge.send_attempts must be positive, got %d", c.Bridge.SendAttempts)
	}
	if c.Bridge.ReconnectAttempts < 0 {
		return fmt.Errorf("bridge.reconnect_attempts must not be negative, got %d", c.Bridge.ReconnectAttempts)
	}
	return nil
}

// StoragePath resolves Storage.Path against Home. Redis URLs are returned
// as is.
func (c *Config) StoragePath() string {
	if c.Storage.Kind == StorageRedis || filepath.IsAbs(c.Storage.Path) {
		return c.Storage.Path
	}
	return filepath.Join(c.Home, c.Storage.Path)
}

// Save writes the configuration as YAML, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	raw, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
