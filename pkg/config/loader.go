package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v11"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

const (
	defaultControlAddr  = "127.0.0.1:8000"
	defaultMaxTraceSize = "100MB"
	defaultOpenSSLCmd   = "openssl"
	defaultDays         = 375
)

// Load reads a YAML configuration file, applies HARREPLAY_* environment
// overrides, validates the result and fills in defaults. An empty filename
// skips the file.
func Load(filename string) (*Config, error) {
	var cfg Config
	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := parse(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if err := applyDefaults(&cfg); err != nil {
		return nil, fmt.Errorf("applying defaults: %w", err)
	}

	return &cfg, nil
}

// parse decodes YAML strictly; unknown keys are an error.
func parse(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// validate checks that enumerated fields hold known values
func validate(cfg *Config) error {
	switch cfg.Listen.Mode {
	case "", ModeDirect, ModeLoopback:
	default:
		return fmt.Errorf("listen.mode must be %q or %q, got %q", ModeDirect, ModeLoopback, cfg.Listen.Mode)
	}
	switch cfg.Certs.Store {
	case "", StoreDisk, StoreSQLite:
	default:
		return fmt.Errorf("certs.store must be %q or %q, got %q", StoreDisk, StoreSQLite, cfg.Certs.Store)
	}
	switch cfg.Certs.Authority {
	case "", AuthorityLocal:
	case AuthorityOpenSSL:
		if cfg.Certs.OpenSSLConfig == "" {
			return fmt.Errorf("certs.openssl_config is required for the openssl authority")
		}
	default:
		return fmt.Errorf("certs.authority must be %q or %q, got %q", AuthorityLocal, AuthorityOpenSSL, cfg.Certs.Authority)
	}
	if (cfg.Certs.CACert == "") != (cfg.Certs.CAKey == "") {
		return fmt.Errorf("certs.ca_cert and certs.ca_key must be set together")
	}
	if cfg.Certs.Days < 0 {
		return fmt.Errorf("certs.days cannot be negative")
	}
	if cfg.Watch && cfg.TraceFile == "" {
		return fmt.Errorf("watch requires trace_file")
	}
	return nil
}

// applyDefaults sets default values for optional fields
func applyDefaults(cfg *Config) error {
	if cfg.ControlAddr == "" {
		cfg.ControlAddr = defaultControlAddr
	}
	if cfg.MaxTraceSize == "" {
		cfg.MaxTraceSize = defaultMaxTraceSize
	}
	size, err := humanize.ParseBytes(cfg.MaxTraceSize)
	if err != nil {
		return fmt.Errorf("parsing max_trace_size %q: %w", cfg.MaxTraceSize, err)
	}
	cfg.MaxTraceBytes = int64(size)

	if cfg.Listen.Mode == "" {
		cfg.Listen.Mode = ModeDirect
	}
	if cfg.Listen.Mode == ModeLoopback && cfg.Listen.Address == "" {
		cfg.Listen.Address = "127.0.0.1"
	}

	if cfg.Certs.Store == "" {
		cfg.Certs.Store = StoreDisk
	}
	if cfg.Certs.Path == "" {
		switch cfg.Certs.Store {
		case StoreSQLite:
			cfg.Certs.Path = "certs.db"
		default:
			cfg.Certs.Path = "certs"
		}
	}
	if cfg.Certs.Authority == "" {
		cfg.Certs.Authority = AuthorityLocal
	}
	if cfg.Certs.Authority == AuthorityLocal && cfg.Certs.CACert == "" {
		dir := cfg.Certs.Path
		if cfg.Certs.Store == StoreSQLite {
			dir = filepath.Dir(cfg.Certs.Path)
		}
		cfg.Certs.CACert = filepath.Join(dir, "ca.cert")
		cfg.Certs.CAKey = filepath.Join(dir, "ca.key")
	}
	if cfg.Certs.OpenSSLCmd == "" {
		cfg.Certs.OpenSSLCmd = defaultOpenSSLCmd
	}
	if cfg.Certs.Days == 0 {
		cfg.Certs.Days = defaultDays
	}
	return nil
}
