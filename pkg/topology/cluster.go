package topology

import (
	"sort"

	"github.com/perbu/harreplay/pkg/trace"
)

// Cluster is a server instance: the IPs and origins judged to be the same
// logical server, plus every entry they served.
type Cluster struct {
	ID ClusterID

	ips        *orderedSet
	origins    *orderedSet
	originVals map[string]trace.Origin
	identities []Identity
	identSet   map[Identity]struct{}
	hostnames  map[string]*orderedSet
	entries    []trace.Entry

	// firstSeen is the capture index of the entry that created the cluster.
	firstSeen int
}

func newCluster(id ClusterID, firstSeen int) *Cluster {
	return &Cluster{
		ID:         id,
		ips:        newOrderedSet(),
		origins:    newOrderedSet(),
		originVals: make(map[string]trace.Origin),
		identSet:   make(map[Identity]struct{}),
		hostnames:  make(map[string]*orderedSet),
		firstSeen:  firstSeen,
	}
}

func (c *Cluster) addOrigin(o trace.Origin) {
	if c.origins.add(o.Key()) {
		c.originVals[o.Key()] = o
	}
}

func (c *Cluster) addIdentity(id Identity, hostname string) {
	if _, ok := c.identSet[id]; !ok {
		c.identSet[id] = struct{}{}
		c.identities = append(c.identities, id)
	}
	c.addHostname(id.IP, hostname)
}

func (c *Cluster) addHostname(ip, hostname string) {
	set, ok := c.hostnames[ip]
	if !ok {
		set = newOrderedSet()
		c.hostnames[ip] = set
	}
	set.add(hostname)
}

// absorb moves everything other owns into c. The caller repoints lookup keys.
func (c *Cluster) absorb(other *Cluster) {
	for _, ip := range other.ips.items {
		c.ips.add(ip)
	}
	for _, key := range other.origins.items {
		c.addOrigin(other.originVals[key])
	}
	for _, id := range other.identities {
		if _, ok := c.identSet[id]; !ok {
			c.identSet[id] = struct{}{}
			c.identities = append(c.identities, id)
		}
	}
	for _, ip := range other.ips.items {
		if set, ok := other.hostnames[ip]; ok {
			for _, h := range set.items {
				c.addHostname(ip, h)
			}
		}
	}
	c.entries = mergeEntries(c.entries, other.entries)
	if other.firstSeen < c.firstSeen {
		c.firstSeen = other.firstSeen
	}
}

// mergeEntries merges two capture-ordered entry lists.
func mergeEntries(a, b []trace.Entry) []trace.Entry {
	out := make([]trace.Entry, 0, len(a)+len(b))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i].Index <= b[j].Index {
			out = append(out, a[i])
			i++
		} else {
			out = append(out, b[j])
			j++
		}
	}
	out = append(out, a[i:]...)
	return append(out, b[j:]...)
}

// IPs returns the cluster's addresses in first-seen order.
func (c *Cluster) IPs() []string {
	return c.ips.values()
}

// Origins returns the cluster's origins in first-seen order.
func (c *Cluster) Origins() []trace.Origin {
	out := make([]trace.Origin, 0, c.origins.len())
	for _, key := range c.origins.items {
		out = append(out, c.originVals[key])
	}
	return out
}

// HasOrigin reports whether the origin belongs to this cluster.
func (c *Cluster) HasOrigin(o trace.Origin) bool {
	return c.origins.has(o.Key())
}

// HasIP reports whether ip belongs to this cluster.
func (c *Cluster) HasIP(ip string) bool {
	return c.ips.has(ip)
}

// Identities returns the realized instance identities in first-seen order.
func (c *Cluster) Identities() []Identity {
	return append([]Identity(nil), c.identities...)
}

// Hostnames returns every hostname seen at id's IP under any scheme or port,
// in first-seen order. A certificate for id must cover all of them because
// host resolution points each of those names at the IP.
func (c *Cluster) Hostnames(id Identity) []string {
	if set, ok := c.hostnames[id.IP]; ok {
		return set.values()
	}
	return nil
}

// Entries returns the cluster's entries in capture order.
func (c *Cluster) Entries() []trace.Entry {
	return append([]trace.Entry(nil), c.entries...)
}

// Assignment returns the hand-off record for the cluster's dispatcher.
func (c *Cluster) Assignment() Assignment {
	return Assignment{
		Identities: c.Identities(),
		Entries:    c.Entries(),
	}
}

// HostnamesByIdentity rebuilds the hostname set of every identity from a
// list of entries, for dispatchers that only hold an Assignment. Identities
// sharing an IP share one set.
func HostnamesByIdentity(entries []trace.Entry) map[Identity][]string {
	byIP := make(map[string]*orderedSet)
	var ids []Identity
	seen := make(map[Identity]struct{})
	for _, e := range entries {
		id := IdentityOf(e)
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
		set, ok := byIP[id.IP]
		if !ok {
			set = newOrderedSet()
			byIP[id.IP] = set
		}
		set.add(e.Origin.Hostname)
	}
	out := make(map[Identity][]string, len(ids))
	for _, id := range ids {
		out[id] = byIP[id.IP].values()
	}
	return out
}

// ClusterSummary is a serializable view of a cluster.
type ClusterSummary struct {
	ID         ClusterID  `json:"id"`
	IPs        []string   `json:"ips"`
	Origins    []string   `json:"origins"`
	Identities []Identity `json:"identities"`
	Entries    int        `json:"entries"`
}

// Summary returns a serializable view of the cluster.
func (c *Cluster) Summary() ClusterSummary {
	origins := c.origins.values()
	sort.Strings(origins)
	return ClusterSummary{
		ID:         c.ID,
		IPs:        c.IPs(),
		Origins:    origins,
		Identities: c.Identities(),
		Entries:    len(c.entries),
	}
}
