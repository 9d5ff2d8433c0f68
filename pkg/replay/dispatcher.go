// Package replay serves one server instance's recorded responses on every
// identity (scheme, IP, port) the instance answered at.
package replay

import (
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"

	"github.com/borud/broker"

	"github.com/perbu/harreplay/pkg/certs"
	"github.com/perbu/harreplay/pkg/fabric"
	"github.com/perbu/harreplay/pkg/metrics"
	"github.com/perbu/harreplay/pkg/queue"
	"github.com/perbu/harreplay/pkg/topology"
	"github.com/perbu/harreplay/pkg/trace"
)

// ResetPath is the in-band route that resets the replay from any listener.
const ResetPath = "/__replay/reset"

// ResetFunc resets replay state. keep is the connection that asked for the
// reset; it is left open so the response can be delivered.
type ResetFunc func(keep net.Conn)

// Config holds the configuration for a Dispatcher
type Config struct {
	// Cluster identifies the instance in logs and events
	Cluster int
	// Assignment is the instance's identities and entries in capture order
	Assignment topology.Assignment
	// Bindings maps identities to listen addresses. Nil binds the recorded addresses.
	Bindings fabric.Bindings
	// Provisioner supplies TLS key pairs. Required for https identities.
	Provisioner *certs.Provisioner
	// HTTP2 enables h2 negotiation on TLS listeners
	HTTP2 bool
	// OnReset handles the in-band reset route. Nil resets only this dispatcher.
	OnReset ResetFunc

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Broker  *broker.Broker
}

// Dispatcher owns the queues, origin set and listeners of one instance.
type Dispatcher struct {
	cfg       Config
	logger    *slog.Logger
	index     *queue.Index
	origins   map[string]struct{}
	hostnames map[topology.Identity][]string

	mu        sync.Mutex
	listeners []*listener
	byAddr    map[string]*listener
	conns     map[net.Conn]struct{}
	skipped   map[topology.Identity]error
	closed    bool
}

// New builds the queues for the assignment. Nothing is bound until Start.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if len(cfg.Assignment.Identities) == 0 {
		return nil, fmt.Errorf("assignment has no identities")
	}

	index, err := queue.Build(cfg.Assignment.Entries)
	if err != nil {
		return nil, fmt.Errorf("building response queues: %w", err)
	}
	origins := make(map[string]struct{})
	for _, e := range cfg.Assignment.Entries {
		origins[e.Origin.Key()] = struct{}{}
	}

	return &Dispatcher{
		cfg:       cfg,
		logger:    cfg.Logger.With("cluster", cfg.Cluster),
		index:     index,
		origins:   origins,
		hostnames: topology.HostnamesByIdentity(cfg.Assignment.Entries),
		byAddr:    make(map[string]*listener),
		conns:     make(map[net.Conn]struct{}),
		skipped:   make(map[topology.Identity]error),
	}, nil
}

// Dispatch returns the next recorded response for origin and path and
// advances that pair's cursor by one. Failures are *queue.LookupError values
// wrapping queue.ErrUnknownOrigin, queue.ErrUnknownPath or queue.ErrExhausted.
func (d *Dispatcher) Dispatch(origin trace.Origin, path string) (*queue.Response, error) {
	key := origin.Key()
	if _, ok := d.origins[key]; !ok {
		return nil, &queue.LookupError{Kind: queue.ErrUnknownOrigin, Origin: key, Path: path}
	}
	return d.index.Next(key, path)
}

// Origins returns the instance's origin keys, sorted.
func (d *Dispatcher) Origins() []string {
	out := make([]string, 0, len(d.origins))
	for k := range d.origins {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Stats reports queue usage since the last reset.
func (d *Dispatcher) Stats() queue.Stats {
	return d.index.Stats()
}

// ResetQueues rewinds every queue. Dispatches running concurrently complete
// either before or after the rewind, never in between.
func (d *Dispatcher) ResetQueues() {
	d.index.Reset()
}

// CloseConnections force-closes every tracked client connection except keep.
// Close failures are logged and otherwise ignored.
func (d *Dispatcher) CloseConnections(keep net.Conn) (closed, failed int) {
	d.mu.Lock()
	conns := make([]net.Conn, 0, len(d.conns))
	for c := range d.conns {
		if c != keep {
			conns = append(conns, c)
		}
	}
	d.mu.Unlock()

	for _, c := range conns {
		if err := c.Close(); err != nil {
			d.logger.Debug("Failed to close connection", "remote", c.RemoteAddr(), "error", err)
			failed++
			continue
		}
		closed++
	}
	return closed, failed
}

// Reset rewinds every queue and then closes every connection.
func (d *Dispatcher) Reset() (closed, failed int) {
	d.ResetQueues()
	return d.CloseConnections(nil)
}

func (d *Dispatcher) trackConn(c net.Conn, open bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, tracked := d.conns[c]
	switch {
	case open && !tracked:
		d.conns[c] = struct{}{}
		d.cfg.Metrics.ConnOpened()
	case !open && tracked:
		delete(d.conns, c)
		d.cfg.Metrics.ConnClosed()
	}
}

// ConnCount returns the number of open client connections.
func (d *Dispatcher) ConnCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}
