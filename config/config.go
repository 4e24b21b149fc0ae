// Package config loads the TOML configuration of the development ledger
// node.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"dealescrow/ledger"
	"dealescrow/native/deal"
)

type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	// DataDir holds the LevelDB world state. Empty keeps state in memory.
	DataDir      string `toml:"DataDir"`
	AuthToken    string `toml:"AuthToken"`
	AuthTokenEnv string `toml:"AuthTokenEnv"`
	// MessageFee is the network cost per message in whole coins, e.g. "0.001".
	MessageFee  string `toml:"MessageFee"`
	FundPolicy  string `toml:"FundPolicy"`
	EnableMint  bool   `toml:"EnableMint"`
	Environment string `toml:"Environment"`
	LogLevel    string `toml:"LogLevel"`
	LogFile     string `toml:"LogFile"`
}

// Load loads the configuration from the given path, writing a default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config file %s has unknown key %s", path, undecoded[0])
	}

	applyDefaults(cfg)
	if err := cfg.resolveAuthToken(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = ":8545"
	}
	if strings.TrimSpace(cfg.MessageFee) == "" {
		cfg.MessageFee = deal.FormatCoins(ledger.DefaultMessageFee)
	}
	if strings.TrimSpace(cfg.FundPolicy) == "" {
		cfg.FundPolicy = deal.FundAnySender.String()
	}
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "dev"
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = "info"
	}
}

func (cfg *Config) resolveAuthToken() error {
	if strings.TrimSpace(cfg.AuthToken) != "" || strings.TrimSpace(cfg.AuthTokenEnv) == "" {
		return nil
	}
	value := strings.TrimSpace(os.Getenv(cfg.AuthTokenEnv))
	if value == "" {
		return fmt.Errorf("AuthTokenEnv %s is empty", cfg.AuthTokenEnv)
	}
	cfg.AuthToken = value
	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		ListenAddress: ":8545",
		DataDir:       "./ledger-data",
		EnableMint:    true,
	}
	applyDefaults(cfg)
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
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
