// Package config loads the broker's YAML configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"cardbroker/internal/knownapps"
)

type Config struct {
	// ListenAddress is where the gateway serves HTTP and websockets.
	ListenAddress string `yaml:"listen_address"`

	// Server selects how the backend server channel is reached. Exactly one
	// of URL or Command is set.
	Server ServerConfig `yaml:"server"`

	KnownApps KnownAppsConfig `yaml:"known_apps"`

	TokenSecret string        `yaml:"token_secret"`
	AdminToken  string        `yaml:"admin_token"`
	TokenTTL    time.Duration `yaml:"token_ttl"`
	PollTimeout time.Duration `yaml:"poll_timeout"`

	// MaxRedeliveries bounds redelivery of one external message after a
	// client reload. Negative disables redelivery.
	MaxRedeliveries int `yaml:"max_redeliveries"`

	// TrackReaders opens an internal session that mirrors the reader list.
	TrackReaders bool `yaml:"track_readers"`
}

type ServerConfig struct {
	URL       string   `yaml:"url"`
	Command   []string `yaml:"command"`
	WaitReady bool     `yaml:"wait_ready"`
}

// KnownAppsConfig points at the known client apps dataset, served over HTTP
// from BaseURL or read from Dir.
type KnownAppsConfig struct {
	BaseURL string `yaml:"base_url"`
	Dir     string `yaml:"dir"`
	Path    string `yaml:"path"`
}

func Defaults() Config {
	return Config{
		ListenAddress:   "127.0.0.1:8090",
		KnownApps:       KnownAppsConfig{Path: knownapps.DatasetPath},
		TokenTTL:        time.Hour,
		PollTimeout:     25 * time.Second,
		MaxRedeliveries: 1,
		TrackReaders:    true,
	}
}

// Load reads path over the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Defaults()
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	if cfg.KnownApps.Path == "" {
		cfg.KnownApps.Path = knownapps.DatasetPath
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("listen_address is required")
	}
	switch {
	case c.Server.URL == "" && len(c.Server.Command) == 0:
		return fmt.Errorf("server: url or command is required")
	case c.Server.URL != "" && len(c.Server.Command) > 0:
		return fmt.Errorf("server: url and command are mutually exclusive")
	}
	if c.KnownApps.BaseURL == "" && c.KnownApps.Dir == "" {
		return fmt.Errorf("known_apps: base_url or dir is required")
	}
	if c.TokenSecret == "" {
		return fmt.Errorf("token_secret is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token_ttl must be positive")
	}
	return nil
}
