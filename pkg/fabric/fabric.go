// Package fabric decides where replay listeners bind and publishes host
// name resolution for clients. Building real network topology (namespaces,
// links, shaping) is left to whatever drives the environment; the
// implementations here bind either the recorded addresses or loopback.
package fabric

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/perbu/harreplay/pkg/freeport"
	"github.com/perbu/harreplay/pkg/topology"
)

// Bindings maps each identity to the address its listener binds.
type Bindings map[topology.Identity]string

// Addr returns the bound address for id, or the recorded address when the
// fabric did not remap it.
func (b Bindings) Addr(id topology.Identity) string {
	if addr, ok := b[id]; ok {
		return addr
	}
	return id.Address()
}

// Fabric prepares the network for a topology.
type Fabric interface {
	Apply(ctx context.Context, top *topology.Topology) (Bindings, error)
	Teardown(ctx context.Context) error
}

// Direct binds every identity at its recorded address. The host must already
// carry those addresses, for example on a dummy interface.
type Direct struct {
	HostsFile string
	Logger    *slog.Logger

	hosts hostsWriter
}

func (d *Direct) Apply(_ context.Context, top *topology.Topology) (Bindings, error) {
	b := make(Bindings)
	for _, id := range top.Identities() {
		b[id] = id.Address()
	}
	var buf bytes.Buffer
	if err := top.WriteHosts(&buf); err != nil {
		return nil, fmt.Errorf("rendering hosts: %w", err)
	}
	if err := d.hosts.write(d.HostsFile, buf.Bytes()); err != nil {
		return nil, err
	}
	if d.Logger != nil {
		d.Logger.Debug("Direct fabric applied", "identities", len(b), "hosts_file", d.HostsFile)
	}
	return b, nil
}

func (d *Direct) Teardown(_ context.Context) error {
	return d.hosts.remove()
}

// Loopback binds every identity on Address (127.0.0.1 by default) at a free
// port, and resolves every hostname to Address.
type Loopback struct {
	Address   string
	HostsFile string
	Logger    *slog.Logger

	hosts hostsWriter
}

func (l *Loopback) address() string {
	if l.Address == "" {
		return "127.0.0.1"
	}
	return l.Address
}

func (l *Loopback) Apply(_ context.Context, top *topology.Topology) (Bindings, error) {
	ids := top.Identities()
	ports, err := freeport.FindFreePorts(l.address(), len(ids))
	if err != nil {
		return nil, fmt.Errorf("allocating loopback ports: %w", err)
	}
	b := make(Bindings, len(ids))
	for i, id := range ids {
		b[id] = net.JoinHostPort(l.address(), strconv.Itoa(ports[i]))
		if l.Logger != nil {
			l.Logger.Debug("Remapped identity", "identity", id, "addr", b[id])
		}
	}

	var buf bytes.Buffer
	seen := make(map[string]bool)
	for _, h := range top.Hosts() {
		if seen[h.Hostname] {
			continue
		}
		seen[h.Hostname] = true
		fmt.Fprintf(&buf, "%s\t%s\n", l.address(), h.Hostname)
	}
	if err := l.hosts.write(l.HostsFile, buf.Bytes()); err != nil {
		return nil, err
	}
	return b, nil
}

func (l *Loopback) Teardown(_ context.Context) error {
	return l.hosts.remove()
}

// hostsWriter remembers the hosts file it wrote so Teardown can remove it.
type hostsWriter struct {
	mu      sync.Mutex
	written string
}

func (h *hostsWriter) write(path string, data []byte) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".hosts.*")
	if err != nil {
		return fmt.Errorf("writing hosts file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing hosts file: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("writing hosts file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing hosts file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("writing hosts file: %w", err)
	}
	h.mu.Lock()
	h.written = path
	h.mu.Unlock()
	return nil
}

func (h *hostsWriter) remove() error {
	h.mu.Lock()
	path := h.written
	h.written = ""
	h.mu.Unlock()
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing hosts file: %w", err)
	}
	return nil
}
