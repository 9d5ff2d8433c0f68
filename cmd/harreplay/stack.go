package main

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/perbu/harreplay/pkg/certs"
	"github.com/perbu/harreplay/pkg/config"
	"github.com/perbu/harreplay/pkg/fabric"
	"github.com/perbu/harreplay/pkg/metrics"
)

// addConfigFlags registers the flags shared by commands that serve replays.
func addConfigFlags(flags *pflag.FlagSet) {
	flags.StringP("config", "c", "", "path to YAML config file")
	flags.Bool("http2", false, "negotiate HTTP/2 on TLS listeners")
	flags.String("listen-mode", "", "where listeners bind: direct (recorded addresses) or loopback")
	flags.String("hosts-file", "", "write hostname to address lines to this file")
}

// loadConfig reads the config file named by --config, then applies flags
// that were set explicitly.
func loadConfig(flags *pflag.FlagSet) (*config.Config, error) {
	path, _ := flags.GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if flags.Changed("http2") {
		cfg.HTTP2, _ = flags.GetBool("http2")
	}
	if flags.Changed("listen-mode") {
		cfg.Listen.Mode, _ = flags.GetString("listen-mode")
	}
	if flags.Changed("hosts-file") {
		cfg.HostsFile, _ = flags.GetString("hosts-file")
	}
	return cfg, nil
}

func newFabric(cfg *config.Config, logger *slog.Logger) (fabric.Fabric, error) {
	switch cfg.Listen.Mode {
	case config.ModeDirect:
		return &fabric.Direct{HostsFile: cfg.HostsFile, Logger: logger}, nil
	case config.ModeLoopback:
		return &fabric.Loopback{Address: cfg.Listen.Address, HostsFile: cfg.HostsFile, Logger: logger}, nil
	default:
		return nil, fmt.Errorf("unknown listen mode %q", cfg.Listen.Mode)
	}
}

// newProvisioner builds the certificate store, authority and provisioner.
// The returned closer releases the store.
func newProvisioner(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*certs.Provisioner, io.Closer, error) {
	var (
		store  certs.Store
		closer io.Closer = nopCloser{}
		dir    = cfg.Certs.Path
	)
	switch cfg.Certs.Store {
	case config.StoreSQLite:
		s, err := certs.OpenSQLiteStore(cfg.Certs.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("opening certificate store: %w", err)
		}
		store, closer = s, s
		dir = filepath.Dir(cfg.Certs.Path)
	default:
		s, err := certs.NewDiskStore(cfg.Certs.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("opening certificate store: %w", err)
		}
		store = s
	}

	var authority certs.Authority
	switch cfg.Certs.Authority {
	case config.AuthorityOpenSSL:
		a, err := certs.NewOpenSSLAuthority(certs.OpenSSLConfig{
			Command:    cfg.Certs.OpenSSLCmd,
			ConfigFile: cfg.Certs.OpenSSLConfig,
			WorkDir:    filepath.Join(dir, "openssl-work"),
			Days:       cfg.Certs.Days,
			Logger:     logger,
		})
		if err != nil {
			closer.Close()
			return nil, nil, err
		}
		authority = a
	default:
		a, err := certs.LoadOrCreateLocalAuthority(cfg.Certs.CACert, cfg.Certs.CAKey)
		if err != nil {
			closer.Close()
			return nil, nil, fmt.Errorf("loading certificate authority: %w", err)
		}
		logger.Debug("Using local certificate authority", "cert", cfg.Certs.CACert, "subject", a.Certificate().Subject.CommonName)
		authority = a
	}

	p, err := certs.NewProvisioner(certs.ProvisionerConfig{
		Authority: authority,
		Store:     store,
		Logger:    logger,
		Metrics:   m,
	})
	if err != nil {
		closer.Close()
		return nil, nil, err
	}
	return p, closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
