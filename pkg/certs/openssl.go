package certs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
)

// OpenSSLConfig describes an OpenSSL managed CA directory.
type OpenSSLConfig struct {
	// Command is the openssl binary. Defaults to "openssl".
	Command string
	// ConfigFile is the CA's openssl.cnf. It must define a san_env request
	// extension reading $ENV::SAN and a server_cert signing extension.
	ConfigFile string
	// WorkDir receives the key, request and certificate while they are issued.
	WorkDir string
	// Days is the certificate lifetime. Defaults to 375.
	Days   int
	Logger *slog.Logger
}

// OpenSSLAuthority issues certificates by running openssl req and openssl ca
// against an existing CA directory.
type OpenSSLAuthority struct {
	cfg OpenSSLConfig
}

func NewOpenSSLAuthority(cfg OpenSSLConfig) (*OpenSSLAuthority, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.ConfigFile == "" {
		return nil, fmt.Errorf("openssl config file cannot be empty")
	}
	if cfg.WorkDir == "" {
		return nil, fmt.Errorf("openssl work directory cannot be empty")
	}
	if cfg.Command == "" {
		cfg.Command = "openssl"
	}
	if cfg.Days <= 0 {
		cfg.Days = 375
	}
	if err := os.MkdirAll(cfg.WorkDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating openssl work directory: %w", err)
	}
	return &OpenSSLAuthority{cfg: cfg}, nil
}

// Issue creates a key and signing request, then has the CA sign it. The SAN
// list is handed to openssl through the SAN environment variable.
func (a *OpenSSLAuthority) Issue(ctx context.Context, commonName string, sans []string) (*KeyPair, error) {
	dir, err := os.MkdirTemp(a.cfg.WorkDir, "issue-")
	if err != nil {
		return nil, fmt.Errorf("creating issue directory: %w", err)
	}
	defer os.RemoveAll(dir)

	keyPath := filepath.Join(dir, "server.key")
	csrPath := filepath.Join(dir, "server.csr")
	certPath := filepath.Join(dir, "server.cert")
	env := append(os.Environ(), "SAN="+formatSAN(sans))

	a.cfg.Logger.Debug("Creating key", "cn", commonName, "san", formatSAN(sans))
	if err := a.run(ctx, env,
		"req", "-extensions", "san_env", "-config", a.cfg.ConfigFile,
		"-nodes", "-newkey", "rsa:2048",
		"-keyout", keyPath, "-out", csrPath,
		"-subj", "/CN="+commonName,
	); err != nil {
		return nil, fmt.Errorf("creating key for %s: %w", commonName, err)
	}

	a.cfg.Logger.Debug("Signing certificate", "cn", commonName)
	if err := a.run(ctx, env,
		"ca", "-batch", "-config", a.cfg.ConfigFile,
		"-extensions", "server_cert", "-days", strconv.Itoa(a.cfg.Days),
		"-notext", "-md", "sha256",
		"-in", csrPath, "-out", certPath,
	); err != nil {
		return nil, fmt.Errorf("signing certificate for %s: %w", commonName, err)
	}

	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading issued key: %w", err)
	}
	cert, err := os.ReadFile(certPath)
	if err != nil {
		return nil, fmt.Errorf("reading issued certificate: %w", err)
	}
	return &KeyPair{Key: key, Cert: cert}, nil
}

func (a *OpenSSLAuthority) run(ctx context.Context, env []string, args ...string) error {
	cmd := exec.CommandContext(ctx, a.cfg.Command, args...)
	cmd.Env = env
	cmd.Dir = a.cfg.WorkDir
	cmd.Stdout = newLogWriter(a.cfg.Logger, "openssl")
	cmd.Stderr = newLogWriter(a.cfg.Logger, "openssl")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("openssl %s: %w", args[0], err)
	}
	return nil
}
