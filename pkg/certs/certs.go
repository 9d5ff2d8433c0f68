// Package certs provisions TLS key pairs for replay identities. Pairs are
// looked up in memory, then in a persistent Store, and only issued by the
// Authority when neither has one.
package certs

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"slices"
	"strconv"
	"strings"

	"github.com/perbu/harreplay/pkg/topology"
)

// ErrNotFound is returned by a Store that holds no pair for an identity.
var ErrNotFound = errors.New("certificate not found")

// KeyPair is a PEM encoded private key and certificate. The bytes are opaque
// to everything except TLSCertificate.
type KeyPair struct {
	Key  []byte
	Cert []byte
}

// TLSCertificate parses the pair for use in a tls.Config.
func (kp *KeyPair) TLSCertificate() (tls.Certificate, error) {
	cert, err := tls.X509KeyPair(kp.Cert, kp.Key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("parsing key pair: %w", err)
	}
	return cert, nil
}

// Authority issues a certificate for a common name and a list of subject
// alternative names. Names that parse as IP addresses become IP SANs.
type Authority interface {
	Issue(ctx context.Context, commonName string, sans []string) (*KeyPair, error)
}

// Store persists key pairs by identity.
type Store interface {
	Get(ctx context.Context, id topology.Identity) (*KeyPair, error)
	Put(ctx context.Context, id topology.Identity, kp *KeyPair) error
}

// subjectNames returns the common name and sorted, de-duplicated SAN list
// for an identity answering for hostnames (given in first-seen order).
func subjectNames(id topology.Identity, hostnames []string) (string, []string) {
	seen := make(map[string]struct{}, len(hostnames))
	var sans []string
	for _, h := range hostnames {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" {
			continue
		}
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		sans = append(sans, h)
	}
	if len(sans) == 0 {
		return id.IP, []string{id.IP}
	}
	cn := sans[0]
	slices.Sort(sans)
	return cn, sans
}

// fileStem names an identity's files the way the CA directory lays them
// out: <ip>_<port>.
func fileStem(id topology.Identity) string {
	ip := strings.ReplaceAll(id.IP, ":", "-")
	return ip + "_" + strconv.Itoa(id.Port)
}

// formatSAN renders names as an OpenSSL subjectAltName value.
func formatSAN(sans []string) string {
	parts := make([]string, 0, len(sans))
	for _, s := range sans {
		if net.ParseIP(s) != nil {
			parts = append(parts, "IP:"+s)
		} else {
			parts = append(parts, "DNS:"+s)
		}
	}
	return strings.Join(parts, ",")
}
