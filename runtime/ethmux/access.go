package ethmux

import (
	"sync"

	"github.com/R3E-Network/noded/infrastructure/errors"
	"github.com/R3E-Network/noded/system/address"
	"github.com/R3E-Network/noded/system/capability"
)

// AccessSettings is the persisted ".eth_access_settings" document from
// spec.md §6: public ∨ (peer ∈ allow ∧ peer ∉ deny).
type AccessSettings struct {
	Public bool     `json:"public"`
	Allow  []string `json:"allow"`
	Deny   []string `json:"deny"`
}

// AccessGate evaluates and mutates AccessSettings, requiring a root
// capability of the caller for any mutation (spec.md §4.5: "Configuration
// actions ... require root capability of the invoker's process; reading
// configuration does not").
type AccessGate struct {
	mu       sync.RWMutex
	settings AccessSettings
	oracle   *capability.Oracle
	selfAddr address.Address
}

// NewAccessGate builds a gate backed by oracle, whose root-capability
// checks are issued by selfAddr (the ETH Multiplexer's own process
// address).
func NewAccessGate(oracle *capability.Oracle, selfAddr address.Address, initial AccessSettings) *AccessGate {
	return &AccessGate{settings: initial, oracle: oracle, selfAddr: selfAddr}
}

// Allowed reports whether peer may submit inbound requests.
func (g *AccessGate) Allowed(peer string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.settings.Public {
		return true
	}
	allowed, denied := false, false
	for _, n := range g.settings.Allow {
		if n == peer {
			allowed = true
		}
	}
	for _, n := range g.settings.Deny {
		if n == peer {
			denied = true
		}
	}
	return allowed && !denied
}

// Settings returns a copy of the current settings; reading requires no
// capability check.
func (g *AccessGate) Settings() AccessSettings {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.settings
}

func (g *AccessGate) requireRoot(invoker address.ProcessId) error {
	if g.oracle.HasRoot(invoker, g.selfAddr) {
		return nil
	}
	return errors.PermissionDenied("eth multiplexer configuration requires a root capability")
}

// SetPublic sets the public flag; invoker must hold a root capability.
func (g *AccessGate) SetPublic(invoker address.ProcessId, public bool) error {
	if err := g.requireRoot(invoker); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.settings.Public = public
	return nil
}

// AllowNode adds name to the allow list; invoker must hold a root capability.
func (g *AccessGate) AllowNode(invoker address.ProcessId, name string) error {
	if err := g.requireRoot(invoker); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.settings.Allow = append(g.settings.Allow, name)
	return nil
}

// DenyNode adds name to the deny list; invoker must hold a root capability.
func (g *AccessGate) DenyNode(invoker address.ProcessId, name string) error {
	if err := g.requireRoot(invoker); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.settings.Deny = append(g.settings.Deny, name)
	return nil
}
