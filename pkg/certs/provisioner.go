package certs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/perbu/harreplay/pkg/metrics"
	"github.com/perbu/harreplay/pkg/topology"
)

// ProvisionerConfig holds the collaborators of a Provisioner. Store and
// Metrics are optional.
type ProvisionerConfig struct {
	Authority Authority
	Store     Store
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Provisioner hands out one key pair per identity, issuing it at most once.
type Provisioner struct {
	authority Authority
	store     Store
	logger    *slog.Logger
	metrics   *metrics.Metrics

	mu    sync.RWMutex
	cache map[topology.Identity]*KeyPair
	group singleflight.Group
}

func NewProvisioner(cfg ProvisionerConfig) (*Provisioner, error) {
	if cfg.Authority == nil {
		return nil, fmt.Errorf("authority cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	return &Provisioner{
		authority: cfg.Authority,
		store:     cfg.Store,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		cache:     make(map[topology.Identity]*KeyPair),
	}, nil
}

// Provision returns the key pair for id, covering hostnames. Concurrent
// calls for the same identity share one lookup. An authority failure only
// affects the identity being provisioned and is not cached.
func (p *Provisioner) Provision(ctx context.Context, id topology.Identity, hostnames []string) (*KeyPair, error) {
	if kp := p.cached(id); kp != nil {
		p.metrics.ObserveCertificate("memory")
		return kp, nil
	}

	v, err, _ := p.group.Do(id.String(), func() (any, error) {
		if kp := p.cached(id); kp != nil {
			p.metrics.ObserveCertificate("memory")
			return kp, nil
		}
		return p.load(ctx, id, hostnames)
	})
	if err != nil {
		return nil, err
	}
	return v.(*KeyPair), nil
}

func (p *Provisioner) cached(id topology.Identity) *KeyPair {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cache[id]
}

func (p *Provisioner) remember(id topology.Identity, kp *KeyPair) {
	p.mu.Lock()
	p.cache[id] = kp
	p.mu.Unlock()
}

func (p *Provisioner) load(ctx context.Context, id topology.Identity, hostnames []string) (*KeyPair, error) {
	if p.store != nil {
		kp, err := p.store.Get(ctx, id)
		switch {
		case err == nil:
			p.logger.Debug("Loaded certificate from store", "identity", id)
			p.metrics.ObserveCertificate("store")
			p.remember(id, kp)
			return kp, nil
		case !errors.Is(err, ErrNotFound):
			return nil, fmt.Errorf("loading certificate: %w", err)
		}
	}

	cn, sans := subjectNames(id, hostnames)
	p.logger.Info("Issuing certificate", "identity", id, "cn", cn, "sans", sans)
	kp, err := p.authority.Issue(ctx, cn, sans)
	if err != nil {
		return nil, fmt.Errorf("issuing certificate for %s: %w", id, err)
	}
	p.metrics.ObserveCertificate("authority")

	if p.store != nil {
		if err := p.store.Put(ctx, id, kp); err != nil {
			p.logger.Warn("Failed to persist certificate", "identity", id, "error", err)
		}
	}
	p.remember(id, kp)
	return kp, nil
}
