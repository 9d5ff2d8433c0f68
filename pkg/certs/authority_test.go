package certs

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/pem"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func TestLocalAuthority_Issue(t *testing.T) {
	ca := newTestAuthority(t)
	kp, err := ca.Issue(context.Background(), "a.example", []string{"a.example", "b.example", "10.0.0.1"})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, err := kp.TLSCertificate(); err != nil {
		t.Fatalf("TLSCertificate() error = %v", err)
	}

	block, _ := pem.Decode(kp.Cert)
	if block == nil {
		t.Fatal("issued certificate is not PEM")
	}
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("ParseCertificate() error = %v", err)
	}
	if leaf.Subject.CommonName != "a.example" {
		t.Errorf("CommonName = %q", leaf.Subject.CommonName)
	}

	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(ca.CertPEM()) {
		t.Fatal("CA PEM not accepted by cert pool")
	}
	for _, name := range []string{"a.example", "b.example", "10.0.0.1"} {
		if _, err := leaf.Verify(x509.VerifyOptions{DNSName: name, Roots: roots}); err != nil {
			t.Errorf("Verify(%s) error = %v", name, err)
		}
	}
	if _, err := leaf.Verify(x509.VerifyOptions{DNSName: "c.example", Roots: roots}); err == nil {
		t.Error("Verify(c.example) succeeded, want hostname error")
	}
	if len(leaf.IPAddresses) != 1 || !leaf.IPAddresses[0].Equal(net.ParseIP("10.0.0.1")) {
		t.Errorf("IPAddresses = %v", leaf.IPAddresses)
	}
}

func TestLoadOrCreateLocalAuthority(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "ca", "ca.pem")
	keyPath := filepath.Join(dir, "ca", "ca.key")

	created, err := LoadOrCreateLocalAuthority(certPath, keyPath)
	if err != nil {
		t.Fatalf("LoadOrCreateLocalAuthority() create error = %v", err)
	}
	loaded, err := LoadOrCreateLocalAuthority(certPath, keyPath)
	if err != nil {
		t.Fatalf("LoadOrCreateLocalAuthority() load error = %v", err)
	}
	if !bytes.Equal(created.CertPEM(), loaded.CertPEM()) {
		t.Error("loaded CA differs from created CA")
	}
	if _, err := loaded.Issue(context.Background(), "a.example", []string{"a.example"}); err != nil {
		t.Errorf("Issue() with loaded CA error = %v", err)
	}

	if err := os.Remove(keyPath); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadOrCreateLocalAuthority(certPath, keyPath); err == nil {
		t.Error("LoadOrCreateLocalAuthority() with missing key error = nil")
	}
}

func TestLoadLocalAuthority_RejectsLeaf(t *testing.T) {
	ca := newTestAuthority(t)
	kp, err := ca.Issue(context.Background(), "a.example", []string{"a.example"})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, err := LoadLocalAuthority(kp.Cert, kp.Key); err == nil {
		t.Error("LoadLocalAuthority() with a leaf certificate error = nil")
	}
}

// fakeOpenSSL writes a shell script that behaves like the two openssl
// subcommands closely enough to exercise the argument and file handling.
const fakeOpenSSL = `#!/bin/sh
mode=$1
shift
out=""
while [ $# -gt 0 ]; do
	case "$1" in
		-keyout) shift; echo "KEY" > "$1" ;;
		-out) shift; out="$1" ;;
	esac
	shift
done
if [ "$mode" = "ca" ]; then
	echo "CERT $SAN" > "$out"
else
	echo "CSR" > "$out"
fi
echo "$mode $SAN" >> "$FAKE_OPENSSL_LOG"
echo "Signature ok"
`

func TestOpenSSLAuthority_Issue(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "openssl")
	if err := os.WriteFile(script, []byte(fakeOpenSSL), 0o755); err != nil {
		t.Fatal(err)
	}
	logPath := filepath.Join(dir, "calls.log")
	t.Setenv("FAKE_OPENSSL_LOG", logPath)

	auth, err := NewOpenSSLAuthority(OpenSSLConfig{
		Command:    script,
		ConfigFile: filepath.Join(dir, "openssl.cnf"),
		WorkDir:    filepath.Join(dir, "work"),
		Logger:     slog.New(slog.NewTextHandler(os.Stderr, nil)),
	})
	if err != nil {
		t.Fatalf("NewOpenSSLAuthority() error = %v", err)
	}

	kp, err := auth.Issue(context.Background(), "a.example", []string{"a.example", "10.0.0.1"})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if string(kp.Key) != "KEY\n" {
		t.Errorf("Key = %q", kp.Key)
	}
	if string(kp.Cert) != "CERT DNS:a.example,IP:10.0.0.1\n" {
		t.Errorf("Cert = %q", kp.Cert)
	}

	calls, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("reading call log: %v", err)
	}
	want := "req DNS:a.example,IP:10.0.0.1\nca DNS:a.example,IP:10.0.0.1\n"
	if string(calls) != want {
		t.Errorf("calls = %q, want %q", calls, want)
	}

	// Intermediate files are removed.
	entries, err := os.ReadDir(filepath.Join(dir, "work"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("work directory not cleaned up: %d entries", len(entries))
	}
}

func TestOpenSSLAuthority_CommandFailure(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "openssl")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho 'error: no CA' >&2\nexit 1\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	var logs bytes.Buffer
	auth, err := NewOpenSSLAuthority(OpenSSLConfig{
		Command:    script,
		ConfigFile: filepath.Join(dir, "openssl.cnf"),
		WorkDir:    dir,
		Logger:     slog.New(slog.NewTextHandler(&logs, nil)),
	})
	if err != nil {
		t.Fatalf("NewOpenSSLAuthority() error = %v", err)
	}
	if _, err := auth.Issue(context.Background(), "a.example", []string{"a.example"}); err == nil {
		t.Fatal("Issue() error = nil, want error")
	}
	if !strings.Contains(logs.String(), "error: no CA") {
		t.Errorf("openssl stderr not logged: %s", logs.String())
	}
}

func TestNewOpenSSLAuthority_Validation(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	tests := []struct {
		name string
		cfg  OpenSSLConfig
	}{
		{"no logger", OpenSSLConfig{ConfigFile: "x", WorkDir: t.TempDir()}},
		{"no config file", OpenSSLConfig{WorkDir: t.TempDir(), Logger: logger}},
		{"no work dir", OpenSSLConfig{ConfigFile: "x", Logger: logger}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewOpenSSLAuthority(tt.cfg); err == nil {
				t.Error("NewOpenSSLAuthority() error = nil")
			}
		})
	}
}
