package config

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	StorageLevelDB = "leveldb"
	StorageMemory  = "memory"

	minSecretLength = 32
	envPrefix       = "ESCROWD_"
)

type Config struct {
	RPCAddress  string `toml:"RPCAddress" yaml:"rpcAddress" env:"RPC_ADDRESS"`
	Storage     string `toml:"Storage" yaml:"storage" env:"STORAGE"`
	DataDir     string `toml:"DataDir" yaml:"dataDir" env:"DATA_DIR"`
	GenesisFile string `toml:"GenesisFile" yaml:"genesisFile" env:"GENESIS_FILE"`
	JournalPath string `toml:"JournalPath" yaml:"journalPath" env:"JOURNAL_PATH"`
	Environment string `toml:"Environment" yaml:"environment" env:"ENV"`

	ReadTimeoutSeconds  int `toml:"ReadTimeoutSeconds" yaml:"readTimeoutSeconds"`
	WriteTimeoutSeconds int `toml:"WriteTimeoutSeconds" yaml:"writeTimeoutSeconds"`

	Log       LogConfig       `toml:"log" yaml:"log" envPrefix:"LOG_"`
	Auth      AuthConfig      `toml:"auth" yaml:"auth"`
	RateLimit RateLimitConfig `toml:"rate_limit" yaml:"rateLimit"`
	Telemetry TelemetryConfig `toml:"telemetry" yaml:"telemetry" envPrefix:"OTEL_"`
}

type LogConfig struct {
	Level      string `toml:"Level" yaml:"level" env:"LEVEL"`
	File       string `toml:"File" yaml:"file" env:"FILE"`
	MaxSizeMB  int    `toml:"MaxSizeMB" yaml:"maxSizeMB"`
	MaxBackups int    `toml:"MaxBackups" yaml:"maxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays" yaml:"maxAgeDays"`
	Compress   bool   `toml:"Compress" yaml:"compress"`
}

// AuthConfig controls the HS256 bearer tokens that identify callers.
type AuthConfig struct {
	HMACSecret       string `toml:"HMACSecret" yaml:"hmacSecret" env:"JWT_SECRET"`
	Issuer           string `toml:"Issuer" yaml:"issuer" env:"JWT_ISSUER"`
	Audience         string `toml:"Audience" yaml:"audience" env:"JWT_AUDIENCE"`
	ClockSkewSeconds int    `toml:"ClockSkewSeconds" yaml:"clockSkewSeconds"`
}

type RateLimitConfig struct {
	RatePerSecond float64 `toml:"RatePerSecond" yaml:"ratePerSecond" env:"RATE_PER_SECOND"`
	Burst         int     `toml:"Burst" yaml:"burst" env:"RATE_BURST"`
}

type TelemetryConfig struct {
	Endpoint    string  `toml:"Endpoint" yaml:"endpoint" env:"ENDPOINT"`
	Insecure    bool    `toml:"Insecure" yaml:"insecure" env:"INSECURE"`
	Headers     string  `toml:"Headers" yaml:"headers" env:"HEADERS"`
	Traces      bool    `toml:"Traces" yaml:"traces" env:"TRACES"`
	Metrics     bool    `toml:"Metrics" yaml:"metrics" env:"METRICS"`
	SampleRatio float64 `toml:"SampleRatio" yaml:"sampleRatio" env:"SAMPLE_RATIO"`
}

// Load loads the configuration from the given path. A missing file is created
// with defaults and a freshly generated token secret. Files ending in .yaml or
// .yml are decoded as YAML, everything else as TOML. ESCROWD_* environment
// variables override file values.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("config path must be provided")
	}
	var cfg *Config
	if _, err := os.Stat(path); os.IsNotExist(err) {
		created, err := createDefault(path)
		if err != nil {
			return nil, err
		}
		cfg = created
	} else if err != nil {
		return nil, err
	} else {
		decoded, err := decodeFile(path)
		if err != nil {
			return nil, err
		}
		cfg = decoded
	}
	cfg.applyDefaults()
	if err := cfg.applyEnv(nil); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}
	return cfg, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

func decodeFile(path string) (*Config, error) {
	cfg := &Config{}
	if isYAML(path) {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
		return cfg, nil
	}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown field %s", path, undecoded[0].String())
	}
	return cfg, nil
}

// Default returns the configuration used when no file exists yet.
func Default() *Config {
	cfg := &Config{
		RPCAddress:  "127.0.0.1:8545",
		Storage:     StorageLevelDB,
		DataDir:     "./escrow-data",
		JournalPath: "./escrow-data/journal.db",
		Environment: "local",
	}
	cfg.applyDefaults()
	return cfg
}

func (cfg *Config) applyDefaults() {
	if strings.TrimSpace(cfg.Storage) == "" {
		cfg.Storage = StorageLevelDB
	}
	cfg.Storage = strings.ToLower(strings.TrimSpace(cfg.Storage))
	if cfg.ReadTimeoutSeconds <= 0 {
		cfg.ReadTimeoutSeconds = 15
	}
	if cfg.WriteTimeoutSeconds <= 0 {
		cfg.WriteTimeoutSeconds = 15
	}
	if strings.TrimSpace(cfg.Log.Level) == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.MaxSizeMB <= 0 {
		cfg.Log.MaxSizeMB = 100
	}
	if strings.TrimSpace(cfg.Auth.Issuer) == "" {
		cfg.Auth.Issuer = "escrowd"
	}
	if strings.TrimSpace(cfg.Auth.Audience) == "" {
		cfg.Auth.Audience = "escrow-market"
	}
	if cfg.Auth.ClockSkewSeconds <= 0 {
		cfg.Auth.ClockSkewSeconds = 60
	}
	if cfg.RateLimit.RatePerSecond <= 0 {
		cfg.RateLimit.RatePerSecond = 20
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 40
	}
	if cfg.Telemetry.SampleRatio <= 0 {
		cfg.Telemetry.SampleRatio = 1
	}
}

// applyEnv overlays ESCROWD_* variables from environ onto cfg. A nil environ
// reads the process environment.
func (cfg *Config) applyEnv(environ map[string]string) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix, Environment: environ}); err != nil {
		return fmt.Errorf("environment overrides: %w", err)
	}
	cfg.RPCAddress = strings.TrimSpace(cfg.RPCAddress)
	cfg.Storage = strings.ToLower(strings.TrimSpace(cfg.Storage))
	return nil
}

// Validate checks the configuration for values the daemon cannot run with.
func (cfg *Config) Validate() error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		return fmt.Errorf("RPCAddress must be set")
	}
	switch cfg.Storage {
	case StorageLevelDB:
		if strings.TrimSpace(cfg.DataDir) == "" {
			return fmt.Errorf("DataDir must be set for leveldb storage")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("unsupported Storage %q", cfg.Storage)
	}
	if len(cfg.Auth.HMACSecret) < minSecretLength {
		return fmt.Errorf("auth.HMACSecret must be at least %d characters", minSecretLength)
	}
	if cfg.RateLimit.Burst < 1 {
		return fmt.Errorf("rate_limit.Burst must be positive")
	}
	if cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.SampleRatio must not exceed 1")
	}
	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	cfg := Default()
	cfg.Auth.HMACSecret = hex.EncodeToString(secret)
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	if isYAML(path) {
		enc := yaml.NewEncoder(f)
		defer enc.Close()
		return enc.Encode(cfg)
	}
	return toml.NewEncoder(f).Encode(cfg)
}
