// Package identityindexer consumes the chain's PKI-contract log for Mint and
// Note events and maintains the node's namehash->name and name->routing
// tables described in spec.md §4.3. Grounded on the teacher's
// services/indexer syncer/storage split (syncer.go's ticker-driven poll
// loop, storage.go's persisted-state shape), generalized from "Neo N3
// transaction sync" to "chain log subscription with a parent-before-child
// reorder queue".
package identityindexer

import (
	"net"
)

// noteLabels is the fixed set of note labels this indexer understands; any
// other label on an otherwise-valid Note event is ignored.
var noteLabels = map[string]bool{
	"~net-key": true,
	"~ws-port": true,
	"~tcp-port": true,
	"~ip":       true,
	"~routers":  true,
}

// NodeRecord is one node's routing information as assembled from its Note
// events.
type NodeRecord struct {
	Name    string   `json:"name"`
	NetKey  string   `json:"net_key,omitempty"`
	WSPort  uint16   `json:"ws_port,omitempty"`
	TCPPort uint16   `json:"tcp_port,omitempty"`
	IPv4    net.IP   `json:"ipv4,omitempty"`
	IPv6    net.IP   `json:"ipv6,omitempty"`
	Routers []string `json:"routers,omitempty"`
}

// directComplete reports whether the record carries enough information to
// be dialed directly: an IP address and at least one listening port.
func (n *NodeRecord) directComplete() bool {
	return (n.IPv4 != nil || n.IPv6 != nil) && (n.WSPort != 0 || n.TCPPort != 0)
}

// Complete reports whether the record has a public key and is reachable,
// either directly or through a non-empty router list, per spec.md §4.3's
// "non-empty public key AND (direct-complete OR non-empty routers)".
func (n *NodeRecord) Complete() bool {
	if n.NetKey == "" {
		return false
	}
	return n.directComplete() || len(n.Routers) > 0
}

// clone returns a deep copy safe to hand to a caller outside the indexer's
// lock.
func (n *NodeRecord) clone() *NodeRecord {
	out := *n
	if n.IPv4 != nil {
		out.IPv4 = append(net.IP(nil), n.IPv4...)
	}
	if n.IPv6 != nil {
		out.IPv6 = append(net.IP(nil), n.IPv6...)
	}
	if n.Routers != nil {
		out.Routers = append([]string(nil), n.Routers...)
	}
	return &out
}

// TransportNotifier receives an update whenever a node record becomes (or
// remains) complete after a successful Note application.
type TransportNotifier interface {
	NotifyNodeUpdated(record *NodeRecord)
}
