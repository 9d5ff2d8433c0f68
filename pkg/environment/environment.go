// Package environment owns everything a replayed trace needs at runtime:
// the topology, one dispatcher per server instance, and the fabric they are
// bound on. It installs traces, resets them and tears them down.
package environment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/borud/broker"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/perbu/harreplay/pkg/certs"
	"github.com/perbu/harreplay/pkg/events"
	"github.com/perbu/harreplay/pkg/fabric"
	"github.com/perbu/harreplay/pkg/metrics"
	"github.com/perbu/harreplay/pkg/replay"
	"github.com/perbu/harreplay/pkg/topology"
	"github.com/perbu/harreplay/pkg/trace"
)

// ErrNotInstalled is returned when an operation needs an installed trace.
var ErrNotInstalled = errors.New("no trace installed")

// Config holds the collaborators of an Environment
type Config struct {
	// Fabric decides listen addresses. Defaults to binding recorded addresses.
	Fabric fabric.Fabric
	// Provisioner supplies certificates for https identities
	Provisioner *certs.Provisioner
	// HTTP2 enables h2 on TLS listeners
	HTTP2 bool

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Broker  *broker.Broker
}

// Environment replays at most one trace at a time.
type Environment struct {
	cfg    Config
	logger *slog.Logger

	// opMu serializes Install, Reset and Close.
	opMu sync.Mutex

	mu     sync.RWMutex
	active *installation
}

type installation struct {
	epoch       string
	source      string
	trace       *trace.Trace
	top         *topology.Topology
	bindings    fabric.Bindings
	dispatchers []*replay.Dispatcher
}

func New(cfg Config) (*Environment, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.Fabric == nil {
		cfg.Fabric = &fabric.Direct{Logger: cfg.Logger}
	}
	return &Environment{
		cfg:    cfg,
		logger: cfg.Logger,
	}, nil
}

// InstallFile loads a trace file and installs it.
func (e *Environment) InstallFile(ctx context.Context, path string, opts ...trace.Option) error {
	tr, err := trace.LoadFile(path, opts...)
	if err != nil {
		e.cfg.Metrics.ObserveInstall(false)
		events.Publish(e.cfg.Broker, events.EventInstallFailed{Source: path, Error: err})
		return fmt.Errorf("loading trace: %w", err)
	}
	return e.Install(ctx, tr, path)
}

// Install replaces whatever is running with tr. The previous trace is torn
// down first. If any listener cannot be bound the whole install is rolled
// back and nothing is left running.
func (e *Environment) Install(ctx context.Context, tr *trace.Trace, source string) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	if err := e.install(ctx, tr, source); err != nil {
		e.cfg.Metrics.ObserveInstall(false)
		events.Publish(e.cfg.Broker, events.EventInstallFailed{Source: source, Error: err})
		return err
	}
	return nil
}

func (e *Environment) install(ctx context.Context, tr *trace.Trace, source string) error {
	top := topology.Build(tr.Entries)
	e.logger.Debug("Built topology", "source", source, "entries", len(tr.Entries), "clusters", len(top.Clusters()))

	e.teardown(ctx)

	bindings, err := e.cfg.Fabric.Apply(ctx, top)
	if err != nil {
		return fmt.Errorf("applying fabric: %w", err)
	}

	inst := &installation{
		epoch:    uuid.NewString(),
		source:   source,
		trace:    tr,
		top:      top,
		bindings: bindings,
	}
	for _, c := range top.Clusters() {
		d, err := replay.New(replay.Config{
			Cluster:     int(c.ID),
			Assignment:  c.Assignment(),
			Bindings:    bindings,
			Provisioner: e.cfg.Provisioner,
			HTTP2:       e.cfg.HTTP2,
			OnReset:     e.resetFrom,
			Logger:      e.logger,
			Metrics:     e.cfg.Metrics,
			Broker:      e.cfg.Broker,
		})
		if err != nil {
			e.abort(ctx, inst)
			return fmt.Errorf("preparing cluster %d: %w", c.ID, err)
		}
		inst.dispatchers = append(inst.dispatchers, d)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, d := range inst.dispatchers {
		g.Go(func() error {
			return d.Start(gctx)
		})
	}
	if err := g.Wait(); err != nil {
		e.abort(ctx, inst)
		return fmt.Errorf("starting listeners: %w", err)
	}

	e.mu.Lock()
	e.active = inst
	e.mu.Unlock()

	listeners := 0
	for _, d := range inst.dispatchers {
		listeners += len(d.Addrs())
	}
	e.cfg.Metrics.ObserveInstall(true)
	events.Publish(e.cfg.Broker, events.EventTraceInstalled{
		Epoch:     inst.epoch,
		Source:    source,
		Entries:   len(tr.Entries),
		Skipped:   tr.Skipped,
		Clusters:  len(inst.dispatchers),
		Listeners: listeners,
	})
	e.logger.Info("Replaying trace",
		"source", source,
		"entries", len(tr.Entries),
		"clusters", len(inst.dispatchers),
		"listeners", listeners,
		"epoch", inst.epoch)
	return nil
}

// abort releases a half-built installation.
func (e *Environment) abort(ctx context.Context, inst *installation) {
	for _, d := range inst.dispatchers {
		if err := d.Close(); err != nil {
			e.logger.Warn("Failed to close dispatcher", "error", err)
		}
	}
	if err := e.cfg.Fabric.Teardown(ctx); err != nil {
		e.logger.Warn("Failed to tear down fabric", "error", err)
	}
}

// teardown stops the active installation, if any. Failures are logged and
// do not stop the rest of the teardown.
func (e *Environment) teardown(ctx context.Context) {
	e.mu.Lock()
	inst := e.active
	e.active = nil
	e.mu.Unlock()
	if inst == nil {
		return
	}

	e.abort(ctx, inst)
	events.Publish(e.cfg.Broker, events.EventTornDown{Epoch: inst.epoch})
	e.logger.Debug("Tore down trace", "source", inst.source, "epoch", inst.epoch)
}

// ResetResult describes one reset.
type ResetResult struct {
	Epoch  string `json:"epoch"`
	Closed int    `json:"closed"`
	Failed int    `json:"failed"`
}

// Reset rewinds every queue of every instance and then closes every client
// connection, so each client starts the replay from the beginning.
func (e *Environment) Reset() (ResetResult, error) {
	return e.reset(nil)
}

// resetFrom is the in-band reset hook handed to dispatchers.
func (e *Environment) resetFrom(keep net.Conn) {
	if _, err := e.reset(keep); err != nil {
		e.logger.Warn("In-band reset failed", "error", err)
	}
}

func (e *Environment) reset(keep net.Conn) (ResetResult, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	inst := e.active
	if inst == nil {
		return ResetResult{}, ErrNotInstalled
	}

	// Rewind everything before closing anything, so a client reconnecting
	// after its connection drops always sees a rewound replay.
	for _, d := range inst.dispatchers {
		d.ResetQueues()
	}
	var res ResetResult
	for _, d := range inst.dispatchers {
		closed, failed := d.CloseConnections(keep)
		res.Closed += closed
		res.Failed += failed
	}
	inst.epoch = uuid.NewString()
	res.Epoch = inst.epoch

	e.cfg.Metrics.ObserveReset(res.Closed, res.Failed)
	events.Publish(e.cfg.Broker, events.EventReset{Epoch: res.Epoch, Closed: res.Closed, Failed: res.Failed})
	return res, nil
}

// Close tears down the active trace.
func (e *Environment) Close(ctx context.Context) error {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	e.teardown(ctx)
	return nil
}

// Topology returns the active topology, or nil.
func (e *Environment) Topology() *topology.Topology {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.active == nil {
		return nil
	}
	return e.active.top
}

// ClusterStatus describes one running instance.
type ClusterStatus struct {
	topology.ClusterSummary
	Listeners map[string]string `json:"listeners"`
	Skipped   map[string]string `json:"skipped,omitempty"`
	Responses int               `json:"responses"`
	Served    int               `json:"served"`
}

// Status describes the active trace.
type Status struct {
	Installed bool            `json:"installed"`
	Epoch     string          `json:"epoch,omitempty"`
	Source    string          `json:"source,omitempty"`
	Entries   int             `json:"entries"`
	Skipped   int             `json:"skipped"`
	Clusters  []ClusterStatus `json:"clusters"`
}

func (e *Environment) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	inst := e.active
	if inst == nil {
		return Status{Clusters: []ClusterStatus{}}
	}

	st := Status{
		Installed: true,
		Epoch:     inst.epoch,
		Source:    inst.source,
		Entries:   len(inst.trace.Entries),
		Skipped:   inst.trace.Skipped,
	}
	summaries := inst.top.Summary()
	for i, d := range inst.dispatchers {
		cs := ClusterStatus{
			ClusterSummary: summaries[i],
			Listeners:      make(map[string]string),
		}
		for id, addr := range d.Addrs() {
			cs.Listeners[id.String()] = addr
		}
		for id, err := range d.Skipped() {
			if cs.Skipped == nil {
				cs.Skipped = make(map[string]string)
			}
			cs.Skipped[id.String()] = err.Error()
		}
		stats := d.Stats()
		cs.Responses = stats.Responses
		cs.Served = stats.Served
		st.Clusters = append(st.Clusters, cs)
	}
	return st
}

// LogSummary logs the topology of the active trace.
func (e *Environment) LogSummary() {
	st := e.Status()
	if !st.Installed {
		e.logger.Info("No trace installed")
		return
	}
	for _, c := range st.Clusters {
		e.logger.Info("Cluster",
			"id", c.ID,
			"ips", c.IPs,
			"origins", len(c.Origins),
			"listeners", len(c.Listeners),
			"responses", c.Responses)
	}
	e.logger.Info("Trace summary",
		"source", st.Source,
		"entries", humanize.Comma(int64(st.Entries)),
		"skipped", st.Skipped)
}
