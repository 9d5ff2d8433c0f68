package replay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"golang.org/x/net/http2"

	"github.com/perbu/harreplay/pkg/events"
	"github.com/perbu/harreplay/pkg/topology"
)

type connKey struct{}

// listener serves one identity.
type listener struct {
	identity  topology.Identity
	ln        net.Listener
	server    *http.Server
	boundPort int
}

// Start binds a listener for every identity. An https identity whose
// certificate cannot be provisioned is skipped and reported through Skipped
// and an event. Failing to bind any address is fatal: listeners already
// started are closed and the error is returned.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher is closed")
	}
	d.mu.Unlock()

	for _, id := range d.cfg.Assignment.Identities {
		var tlsConfig *tls.Config
		if id.Scheme == "https" {
			cfg, err := d.tlsConfig(ctx, id)
			if err != nil {
				d.logger.Warn("Skipping listener", "identity", id, "error", err)
				d.mu.Lock()
				d.skipped[id] = err
				d.mu.Unlock()
				events.Publish(d.cfg.Broker, events.EventListenerFailed{
					Cluster:  d.cfg.Cluster,
					Identity: id.String(),
					Error:    err,
				})
				continue
			}
			tlsConfig = cfg
		}

		if err := d.listen(id, tlsConfig); err != nil {
			d.Close()
			return err
		}
	}
	return nil
}

func (d *Dispatcher) tlsConfig(ctx context.Context, id topology.Identity) (*tls.Config, error) {
	if d.cfg.Provisioner == nil {
		return nil, fmt.Errorf("no certificate provisioner configured")
	}
	kp, err := d.cfg.Provisioner.Provision(ctx, id, d.hostnames[id])
	if err != nil {
		return nil, err
	}
	cert, err := kp.TLSCertificate()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func (d *Dispatcher) listen(id topology.Identity, tlsConfig *tls.Config) error {
	addr := d.cfg.Bindings.Addr(id)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s for %s: %w", addr, id, err)
	}

	srv := &http.Server{
		Handler:  d,
		ErrorLog: slog.NewLogLogger(d.logger.Handler(), slog.LevelDebug),
		ConnState: func(c net.Conn, state http.ConnState) {
			switch state {
			case http.StateNew:
				d.trackConn(c, true)
			case http.StateClosed, http.StateHijacked:
				d.trackConn(c, false)
			}
		},
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			return context.WithValue(ctx, connKey{}, c)
		},
	}

	if tlsConfig != nil {
		srv.TLSConfig = tlsConfig
		if d.cfg.HTTP2 {
			if err := http2.ConfigureServer(srv, &http2.Server{}); err != nil {
				ln.Close()
				return fmt.Errorf("configuring http2 for %s: %w", id, err)
			}
		} else {
			srv.TLSNextProto = make(map[string]func(*http.Server, *tls.Conn, http.Handler))
		}
		ln = tls.NewListener(ln, srv.TLSConfig)
	}

	l := &listener{
		identity:  id,
		ln:        ln,
		server:    srv,
		boundPort: ln.Addr().(*net.TCPAddr).Port,
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		ln.Close()
		return fmt.Errorf("dispatcher is closed")
	}
	d.listeners = append(d.listeners, l)
	d.byAddr[ln.Addr().String()] = l
	d.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("Listener stopped", "identity", id, "error", err)
		}
	}()

	d.cfg.Metrics.ListenerUp()
	d.logger.Debug("Started listener", "identity", id, "addr", ln.Addr().String())
	events.Publish(d.cfg.Broker, events.EventListening{
		Cluster:  d.cfg.Cluster,
		Identity: id.String(),
		Addr:     ln.Addr().String(),
	})
	return nil
}

// listenerFor returns the listener that accepted the request, if any.
func (d *Dispatcher) listenerFor(r *http.Request) *listener {
	addr, ok := r.Context().Value(http.LocalAddrContextKey).(net.Addr)
	if !ok {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if l, ok := d.byAddr[addr.String()]; ok {
		return l
	}
	// Wildcard binds accept on addresses other than the one they were bound to.
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return nil
	}
	for _, l := range d.listeners {
		if la := l.ln.Addr().(*net.TCPAddr); la.IP.IsUnspecified() && la.Port == tcp.Port {
			return l
		}
	}
	return nil
}

// Addrs returns the address each started identity is bound to.
func (d *Dispatcher) Addrs() map[topology.Identity]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[topology.Identity]string, len(d.listeners))
	for _, l := range d.listeners {
		out[l.identity] = l.ln.Addr().String()
	}
	return out
}

// Skipped returns the identities that are not served and why.
func (d *Dispatcher) Skipped() map[topology.Identity]error {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[topology.Identity]error, len(d.skipped))
	for id, err := range d.skipped {
		out[id] = err
	}
	return out
}

// Close stops every listener and closes every connection. It is safe to call
// more than once.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	listeners := d.listeners
	d.listeners = nil
	d.byAddr = make(map[string]*listener)
	d.mu.Unlock()

	var errs []error
	for _, l := range listeners {
		if err := l.server.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", l.identity, err))
		}
		// Serve may not have registered the listener with the server yet.
		_ = l.ln.Close()
		d.cfg.Metrics.ListenerDown()
	}
	d.CloseConnections(nil)
	return errors.Join(errs...)
}
