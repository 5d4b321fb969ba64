// Package config loads the hub configuration file and applies defaults.
package config

import (
	"fmt"
	"os"

	"github.com/homelabcmd/hub/pkg/alerting"
	"github.com/homelabcmd/hub/pkg/notify"
	"gopkg.in/yaml.v3"
)

// EncryptionKeyEnv names the environment variable holding the vault key.
// The key never lives in the config file.
const EncryptionKeyEnv = "HUB_ENCRYPTION_KEY"

// Log is the logging section
type Log struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Config is the full hub configuration
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	HubURL     string `yaml:"hub_url"`
	DataDir    string `yaml:"data_dir"`
	PacksDir   string `yaml:"packs_dir"`

	// LegacyAPIKey accepts pre-token agents when set
	LegacyAPIKey string `yaml:"legacy_api_key,omitempty"`

	Log           Log             `yaml:"log"`
	Alerting      alerting.Config `yaml:"alerting"`
	Notifications notify.Config   `yaml:"notifications"`
}

// Default returns the stock configuration
func Default() Config {
	return Config{
		ListenAddr: ":8420",
		HubURL:     "http://localhost:8420",
		DataDir:    "/var/lib/homelab-hub",
		PacksDir:   "/etc/homelab-hub/packs",
		Log:        Log{Level: "info", JSON: true},
		Alerting:   alerting.DefaultConfig(),
	}
}

// Load reads the config file at path, falling back to defaults for any
// unset field. An empty path returns the defaults untouched.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Alerting.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid alerting config: %w", err)
	}
	return cfg, nil
}

// EncryptionKey reads the vault key from the environment
func EncryptionKey() (string, error) {
	key := os.Getenv(EncryptionKeyEnv)
	if key == "" {
		return "", fmt.Errorf("%s is not set", EncryptionKeyEnv)
	}
	return key, nil
}
