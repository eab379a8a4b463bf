package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ommthree/cryptoclaude/internal/provider"
	"github.com/ommthree/cryptoclaude/internal/request"
)

// Environment selects default presets and encryption behavior.
const (
	EnvDev     = "DEV"
	EnvStaging = "STAGING"
	EnvProd    = "PROD"
)

// Config is the full recognized option set. Unknown keys are rejected by
// the strict decoder so typos surface at startup instead of silently
// falling back to defaults.
type Config struct {
	Environment              string                    `yaml:"environment"`
	CacheStrategy            string                    `yaml:"cache_strategy"`
	LoadingStrategy          string                    `yaml:"loading_strategy"`
	EmergencyCriticalSymbols []string                  `yaml:"emergency_critical_symbols"`
	Providers                map[string]ProviderConfig `yaml:"provider"`
	DBPath                   string                    `yaml:"db_path"`
	EncryptSensitive         bool                      `yaml:"encrypt_sensitive"`
}

// ProviderConfig overrides descriptor caps and carries the credential.
// Zero-valued caps mean "keep the descriptor default".
type ProviderConfig struct {
	APIKey        string `yaml:"api_key"`
	DailyCap      int    `yaml:"daily_cap"`
	MonthlyCap    int    `yaml:"monthly_cap"`
	MinIntervalMS int    `yaml:"min_interval_ms"`
}

// LoadingPreset carries the historical loader defaults selected by
// loading_strategy.
type LoadingPreset struct {
	MaxDailyCalls int
	ChunkDelay    time.Duration
}

var loadingPresets = map[string]LoadingPreset{
	"conservative": {MaxDailyCalls: 100, ChunkDelay: 5 * time.Second},
	"balanced":     {MaxDailyCalls: 500, ChunkDelay: 2 * time.Second},
	"aggressive":   {MaxDailyCalls: 2000, ChunkDelay: 500 * time.Millisecond},
	"emergency":    {MaxDailyCalls: 50, ChunkDelay: 30 * time.Second},
}

var cacheStrategies = map[string]bool{
	"conservative":    true,
	"balanced":        true,
	"aggressive":      true,
	"historical_only": true,
}

// Default returns a config usable without a file: balanced presets,
// local DB, DEV environment.
func Default() *Config {
	return &Config{
		Environment:     EnvDev,
		CacheStrategy:   "balanced",
		LoadingStrategy: "balanced",
		DBPath:          "cryptoclaude.db",
	}
}

// Load reads and validates a YAML config file. Missing options fall back
// to Default values; the environment default flips encryption on for PROD.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, request.WrapError(request.KindInvalidConfig, err,
			"failed to read config %s", path)
	}
	return Parse(data)
}

// Parse decodes YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, request.WrapError(request.KindInvalidConfig, err,
			"failed to parse config YAML")
	}
	if cfg.Environment == EnvProd {
		cfg.EncryptSensitive = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every recognized option for consistency.
func (c *Config) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return request.NewError(request.KindInvalidConfig,
			"unknown environment %q", c.Environment)
	}
	if !cacheStrategies[c.CacheStrategy] {
		return request.NewError(request.KindInvalidConfig,
			"unknown cache_strategy %q", c.CacheStrategy)
	}
	if _, ok := loadingPresets[c.LoadingStrategy]; !ok {
		return request.NewError(request.KindInvalidConfig,
			"unknown loading_strategy %q", c.LoadingStrategy)
	}
	if c.DBPath == "" {
		return request.NewError(request.KindInvalidConfig, "db_path is empty")
	}
	for id, pc := range c.Providers {
		if pc.DailyCap < 0 || pc.MonthlyCap < 0 {
			return request.NewError(request.KindInvalidConfig,
				"provider %s: negative cap override", id)
		}
		if pc.MinIntervalMS < 0 {
			return request.NewError(request.KindInvalidConfig,
				"provider %s: negative min_interval_ms", id)
		}
	}
	return nil
}

// LoadingPreset resolves the loader defaults for the configured strategy.
func (c *Config) LoadingPreset() LoadingPreset {
	return loadingPresets[c.LoadingStrategy]
}

// ApplyOverrides returns descriptors with config cap overrides applied.
// The input slice is not modified.
func (c *Config) ApplyOverrides(descs []provider.Descriptor) []provider.Descriptor {
	out := make([]provider.Descriptor, len(descs))
	copy(out, descs)
	for i := range out {
		pc, ok := c.Providers[out[i].ID]
		if !ok {
			continue
		}
		if pc.DailyCap > 0 {
			out[i].DailyCap = pc.DailyCap
		}
		if pc.MonthlyCap > 0 {
			out[i].MonthlyCap = pc.MonthlyCap
		}
		if pc.MinIntervalMS > 0 {
			out[i].MinInterval = time.Duration(pc.MinIntervalMS) * time.Millisecond
		}
	}
	return out
}

// APIKey resolves a provider credential, decrypting it when
// encrypt_sensitive is active and the stored value is a sealed blob.
func (c *Config) APIKey(providerID string, sealKey []byte) (string, error) {
	pc, ok := c.Providers[providerID]
	if !ok || pc.APIKey == "" {
		return "", nil
	}
	if !c.EncryptSensitive || !IsSealed(pc.APIKey) {
		return pc.APIKey, nil
	}
	plain, err := OpenSecret(pc.APIKey, sealKey)
	if err != nil {
		return "", fmt.Errorf("provider %s: %w", providerID, err)
	}
	return plain, nil
}
