package topology

import (
	"bufio"
	"fmt"
	"io"
	"sort"

	"github.com/perbu/harreplay/pkg/trace"
)

// Lookup keys live in one table, namespaced so an IP can never collide with
// an origin key.
func ipKey(ip string) string {
	return "ip:" + ip
}

func originKey(o trace.Origin) string {
	return "origin:" + o.Key()
}

// Builder groups entries into clusters. Entries must be added in capture
// order. The builder owns its cluster records until Build is called.
type Builder struct {
	clusters map[ClusterID]*Cluster
	owners   map[string]ClusterID
	nextID   ClusterID

	hostIPs   map[string]*orderedSet
	hostOrder *orderedSet
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{
		clusters:  make(map[ClusterID]*Cluster),
		owners:    make(map[string]ClusterID),
		hostIPs:   make(map[string]*orderedSet),
		hostOrder: newOrderedSet(),
	}
}

// Add assigns an entry to a cluster, creating or merging clusters as needed.
// Entries without a server IP are ignored.
func (b *Builder) Add(e trace.Entry) {
	if e.ServerIP == "" {
		return
	}

	ik, okey := ipKey(e.ServerIP), originKey(e.Origin)
	ipID, hasIP := b.owners[ik]
	originID, hasOrigin := b.owners[okey]

	var survivor *Cluster
	switch {
	case !hasIP && !hasOrigin:
		survivor = newCluster(b.nextID, e.Index)
		b.nextID++
		b.clusters[survivor.ID] = survivor
		survivor.ips.add(e.ServerIP)
		survivor.addOrigin(e.Origin)
		b.owners[ik] = survivor.ID
		b.owners[okey] = survivor.ID
	case hasIP && hasOrigin && ipID == originID:
		survivor = b.clusters[ipID]
	case !hasIP:
		survivor = b.clusters[originID]
		survivor.ips.add(e.ServerIP)
		b.owners[ik] = survivor.ID
	case !hasOrigin:
		survivor = b.clusters[ipID]
		survivor.addOrigin(e.Origin)
		b.owners[okey] = survivor.ID
	default:
		survivor = b.merge(ipID, originID)
	}

	survivor.entries = append(survivor.entries, e)
	survivor.addIdentity(IdentityOf(e), e.Origin.Hostname)

	ips, seen := b.hostIPs[e.Origin.Hostname]
	if !seen {
		ips = newOrderedSet()
		b.hostIPs[e.Origin.Hostname] = ips
		b.hostOrder.add(e.Origin.Hostname)
	}
	ips.add(e.ServerIP)
}

// merge moves every key owned by the absorbed cluster into the survivor and
// discards the absorbed record. No key may reference absorbedID afterwards.
func (b *Builder) merge(survivorID, absorbedID ClusterID) *Cluster {
	survivor := b.clusters[survivorID]
	absorbed := b.clusters[absorbedID]

	survivor.absorb(absorbed)
	for _, ip := range absorbed.ips.items {
		b.owners[ipKey(ip)] = survivorID
	}
	for _, key := range absorbed.origins.items {
		b.owners[originKey(absorbed.originVals[key])] = survivorID
	}
	delete(b.clusters, absorbedID)

	return survivor
}

// validate checks the partition invariant: every lookup key resolves to a
// live cluster that actually contains it, and no key is shared.
func (b *Builder) validate() error {
	for key, id := range b.owners {
		c, ok := b.clusters[id]
		if !ok {
			return fmt.Errorf("key %s resolves to discarded cluster %d", key, id)
		}
		found := false
		for _, ip := range c.ips.items {
			if ipKey(ip) == key {
				found = true
				break
			}
		}
		if !found {
			for _, o := range c.originVals {
				if originKey(o) == key {
					found = true
					break
				}
			}
		}
		if !found {
			return fmt.Errorf("key %s resolves to cluster %d which does not contain it", key, id)
		}
	}
	for id, c := range b.clusters {
		for _, ip := range c.ips.items {
			if owner := b.owners[ipKey(ip)]; owner != id {
				return fmt.Errorf("ip %s in cluster %d but owned by %d", ip, id, owner)
			}
		}
		for _, o := range c.originVals {
			if owner := b.owners[originKey(o)]; owner != id {
				return fmt.Errorf("origin %s in cluster %d but owned by %d", o.Key(), id, owner)
			}
		}
	}
	return nil
}

// Build finalizes the clustering. The builder must not be used afterwards.
func (b *Builder) Build() *Topology {
	t := &Topology{
		byID:   make(map[ClusterID]*Cluster, len(b.clusters)),
		owners: b.owners,
	}
	for id, c := range b.clusters {
		t.byID[id] = c
		t.clusters = append(t.clusters, c)
	}
	sort.Slice(t.clusters, func(i, j int) bool {
		return t.clusters[i].firstSeen < t.clusters[j].firstSeen
	})
	for _, host := range b.hostOrder.items {
		for _, ip := range b.hostIPs[host].items {
			t.hosts = append(t.hosts, HostRecord{IP: ip, Hostname: host})
		}
	}
	return t
}

// Build clusters entries in the order given.
func Build(entries []trace.Entry) *Topology {
	b := NewBuilder()
	for _, e := range entries {
		b.Add(e)
	}
	return b.Build()
}

// Topology is the finalized set of clusters for a trace.
type Topology struct {
	clusters []*Cluster
	byID     map[ClusterID]*Cluster
	owners   map[string]ClusterID
	hosts    []HostRecord
}

// Clusters returns the clusters ordered by the capture position of the
// entry that first created them.
func (t *Topology) Clusters() []*Cluster {
	return append([]*Cluster(nil), t.clusters...)
}

// LookupIP returns the cluster owning ip.
func (t *Topology) LookupIP(ip string) (*Cluster, bool) {
	return t.lookup(ipKey(ip))
}

// LookupOrigin returns the cluster owning o.
func (t *Topology) LookupOrigin(o trace.Origin) (*Cluster, bool) {
	return t.lookup(originKey(o))
}

func (t *Topology) lookup(key string) (*Cluster, bool) {
	id, ok := t.owners[key]
	if !ok {
		return nil, false
	}
	c, ok := t.byID[id]
	return c, ok
}

// Hosts returns every hostname to IP association in first-seen order.
func (t *Topology) Hosts() []HostRecord {
	return append([]HostRecord(nil), t.hosts...)
}

// WriteHosts writes the host associations as "<ip>\t<hostname>" lines.
func (t *Topology) WriteHosts(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, h := range t.hosts {
		if _, err := fmt.Fprintf(bw, "%s\t%s\n", h.IP, h.Hostname); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Identities returns every identity across all clusters.
func (t *Topology) Identities() []Identity {
	var out []Identity
	for _, c := range t.clusters {
		out = append(out, c.identities...)
	}
	return out
}

// Summary returns a serializable view of every cluster.
func (t *Topology) Summary() []ClusterSummary {
	out := make([]ClusterSummary, 0, len(t.clusters))
	for _, c := range t.clusters {
		out = append(out, c.Summary())
	}
	return out
}
