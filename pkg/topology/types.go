package topology

import (
	"net"
	"strconv"

	"github.com/perbu/harreplay/pkg/trace"
)

// ClusterID addresses a cluster record inside a Builder.
type ClusterID int

// Identity is a concrete scheme, IP and port that realizes one or more
// origins. One listener is bound per identity.
type Identity struct {
	Scheme string `json:"scheme"`
	IP     string `json:"ip"`
	Port   int    `json:"port"`
}

func (i Identity) String() string {
	return i.Scheme + "://" + i.Address()
}

// Address returns ip:port.
func (i Identity) Address() string {
	return net.JoinHostPort(i.IP, strconv.Itoa(i.Port))
}

// IdentityOf returns the identity that answered an entry.
func IdentityOf(e trace.Entry) Identity {
	return Identity{Scheme: e.Origin.Scheme, IP: e.ServerIP, Port: e.Origin.Port}
}

// HostRecord associates a hostname with one of the addresses it resolved to.
type HostRecord struct {
	IP       string `json:"ip"`
	Hostname string `json:"hostname"`
}

// Assignment is what a dispatcher needs to serve one cluster: the identities
// to bind and the entries to replay, in capture order.
type Assignment struct {
	Identities []Identity    `json:"identities"`
	Entries    []trace.Entry `json:"entries"`
}

// orderedSet is a string set that remembers insertion order.
type orderedSet struct {
	items []string
	index map[string]struct{}
}

func newOrderedSet() *orderedSet {
	return &orderedSet{index: make(map[string]struct{})}
}

func (s *orderedSet) add(v string) bool {
	if _, ok := s.index[v]; ok {
		return false
	}
	s.index[v] = struct{}{}
	s.items = append(s.items, v)
	return true
}

func (s *orderedSet) has(v string) bool {
	_, ok := s.index[v]
	return ok
}

func (s *orderedSet) values() []string {
	return append([]string(nil), s.items...)
}

func (s *orderedSet) len() int {
	return len(s.items)
}
