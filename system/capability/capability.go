// Package capability implements the Capability Oracle: the authoritative
// store of which process holds which capability, and the Ed25519 signing
// of self-issued capabilities. Modeled on the teacher's Android-style
// permission store (system/framework/permission.go), generalized from
// named permissions to issuer-addressed, signed capabilities.
package capability

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/R3E-Network/noded/infrastructure/metrics"
	"github.com/R3E-Network/noded/system/address"
)

// Capability is an unforgeable token: issuer + opaque params (typically
// JSON). Two capabilities are equal iff both fields are equal.
type Capability struct {
	Issuer address.Address
	Params string
}

// canonicalBytes returns the byte encoding signatures are computed over.
// Field order is fixed so two equal Capabilities always serialize
// identically regardless of how they were constructed.
func (c Capability) canonicalBytes() []byte {
	type wire struct {
		Issuer string `json:"issuer"`
		Params string `json:"params"`
	}
	b, _ := json.Marshal(wire{Issuer: c.Issuer.String(), Params: c.Params})
	return b
}

// Signed pairs a Capability with the signature attesting it, and the
// public key fingerprint (hex) of the key that produced the signature —
// used to detect when a key rotation has invalidated a self-issued
// signature.
type Signed struct {
	Capability Capability
	Signature  []byte
	SignerKey  string
}

// Verify reports whether sig is a valid Ed25519 signature over cap's
// canonical encoding under pubKey.
func Verify(cap Capability, sig []byte, pubKey ed25519.PublicKey) bool {
	return ed25519.Verify(pubKey, cap.canonicalBytes(), sig)
}

// Sign produces a Signed capability using priv, recording fingerprint as
// the signer key identity.
func Sign(cap Capability, priv ed25519.PrivateKey, fingerprint string) Signed {
	sig := ed25519.Sign(priv, cap.canonicalBytes())
	return Signed{Capability: cap, Signature: sig, SignerKey: fingerprint}
}

// holderKey identifies a process in the Oracle's tables without pulling in
// the kernel's process-entry type.
type holderKey = address.ProcessId

// Oracle is the authoritative, in-process store of which process holds
// which capability. Capability checks never crash the Oracle; they return
// a bool or a permission-denied error to the caller.
type Oracle struct {
	mu sync.RWMutex

	// held maps holder -> list of capabilities it holds.
	held map[holderKey][]Signed

	// issuedBy is the reverse index: issuer -> holder -> that holder's caps
	// issued by issuer, so RevokeAllIssuedBy runs in O(holders).
	issuedBy map[holderKey]map[holderKey][]Capability

	localNode    string
	networkKey   ed25519.PrivateKey
	networkKeyFP string

	metrics *metrics.Metrics
}

// New creates an empty Oracle scoped to localNode, signing self-issued
// capabilities with networkKey.
func New(localNode string, networkKey ed25519.PrivateKey, networkKeyFP string, m *metrics.Metrics) *Oracle {
	return &Oracle{
		held:          make(map[holderKey][]Signed),
		issuedBy:      make(map[holderKey]map[holderKey][]Capability),
		localNode:     localNode,
		networkKey:    networkKey,
		networkKeyFP:  networkKeyFP,
		metrics:       m,
	}
}

// Has reports whether `on` currently holds a capability exactly equal to
// cap (issuer and params both match).
func (o *Oracle) Has(on address.ProcessId, cap Capability) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, s := range o.held[on] {
		if s.Capability == cap {
			return true
		}
	}
	return false
}

// List returns a copy of every capability `on` currently holds.
func (o *Oracle) List(on address.ProcessId) []Signed {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Signed, len(o.held[on]))
	copy(out, o.held[on])
	return out
}

// Add grants caps to `on`, signing any capability whose issuer is the
// local node. Capabilities whose issuer is remote are stored with
// whatever signature the caller supplied (they arrived already signed by
// their issuing node).
func (o *Oracle) Add(on address.ProcessId, caps []Capability, presigned map[Capability]Signed) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, cap := range caps {
		var signed Signed
		if s, ok := presigned[cap]; ok {
			signed = s
		} else if cap.Issuer.Node == o.localNode {
			signed = Sign(cap, o.networkKey, o.networkKeyFP)
		} else {
			// Remote-issued without a supplied signature: store unsigned;
			// the kernel's inbound verification step will strip it later
			// if it never arrives with a valid signature attached.
			signed = Signed{Capability: cap}
		}

		if o.alreadyHeldLocked(on, cap) {
			continue
		}
		o.held[on] = append(o.held[on], signed)

		issuerPid := cap.Issuer.Process
		if o.issuedBy[issuerPid] == nil {
			o.issuedBy[issuerPid] = make(map[holderKey][]Capability)
		}
		o.issuedBy[issuerPid][on] = append(o.issuedBy[issuerPid][on], cap)
	}
	if o.metrics != nil {
		o.metrics.CapabilityGrants.Add(float64(len(caps)))
	}
}

func (o *Oracle) alreadyHeldLocked(on address.ProcessId, cap Capability) bool {
	for _, s := range o.held[on] {
		if s.Capability == cap {
			return true
		}
	}
	return false
}

// Drop removes caps from `on`'s held set and the reverse index.
func (o *Oracle) Drop(on address.ProcessId, caps []Capability) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dropLocked(on, caps)
	if o.metrics != nil {
		o.metrics.CapabilityRevokes.Add(float64(len(caps)))
	}
}

func (o *Oracle) dropLocked(on address.ProcessId, caps []Capability) {
	toRemove := make(map[Capability]bool, len(caps))
	for _, c := range caps {
		toRemove[c] = true
	}

	kept := o.held[on][:0]
	for _, s := range o.held[on] {
		if toRemove[s.Capability] {
			continue
		}
		kept = append(kept, s)
	}
	o.held[on] = kept

	for _, c := range caps {
		issuerPid := c.Issuer.Process
		holders := o.issuedBy[issuerPid]
		if holders == nil {
			continue
		}
		list := holders[on][:0]
		for _, hc := range holders[on] {
			if hc != c {
				list = append(list, hc)
			}
		}
		if len(list) == 0 {
			delete(holders, on)
		} else {
			holders[on] = list
		}
	}
}

// RevokeAllIssuedBy removes, from every holder, every capability issued by
// process. Runs in O(holders) using the reverse index.
func (o *Oracle) RevokeAllIssuedBy(process address.ProcessId) {
	o.mu.Lock()
	defer o.mu.Unlock()

	holders := o.issuedBy[process]
	for holder, caps := range holders {
		o.dropLocked(holder, caps)
	}
	delete(o.issuedBy, process)
}

// ReSignAll re-signs every self-issued capability stored under the Oracle
// with the current networking key, used at bootstrap / on key rotation.
func (o *Oracle) ReSignAll(newKey ed25519.PrivateKey, newFingerprint string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if newFingerprint == o.networkKeyFP {
		return
	}
	o.networkKey = newKey
	o.networkKeyFP = newFingerprint

	for holder, list := range o.held {
		for i, s := range list {
			if s.Capability.Issuer.Node != o.localNode {
				continue
			}
			list[i] = Sign(s.Capability, newKey, newFingerprint)
		}
		o.held[holder] = list
	}
}

// VerifyAttached filters caps down to the ones the router may safely trust
// on an inbound message: anything not issued by the local node passes
// through untouched (this node has no key to check it against), while
// anything claiming local issuance must carry a signature that verifies
// under the Oracle's current network key — unverifiable local-issuer caps
// are dropped, per invariant I-CAP-SIG.
func (o *Oracle) VerifyAttached(caps []Signed) []Signed {
	o.mu.RLock()
	pub := o.networkKey.Public().(ed25519.PublicKey)
	localNode := o.localNode
	o.mu.RUnlock()

	kept := make([]Signed, 0, len(caps))
	for _, s := range caps {
		if s.Capability.Issuer.Node != localNode {
			kept = append(kept, s)
			continue
		}
		if Verify(s.Capability, s.Signature, pub) {
			kept = append(kept, s)
		}
	}
	return kept
}

// IsRoot reports whether params encodes the root capability marker
// {"root": true}. Root capabilities bypass per-action gates on their
// issuer, per the glossary definition.
func IsRoot(params string) bool {
	var parsed struct {
		Root bool `json:"root"`
	}
	if err := json.Unmarshal([]byte(params), &parsed); err != nil {
		return false
	}
	return parsed.Root
}

// HasRoot reports whether `on` holds a root capability issued by issuer.
func (o *Oracle) HasRoot(on address.ProcessId, issuer address.Address) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	for _, s := range o.held[on] {
		if s.Capability.Issuer == issuer && IsRoot(s.Capability.Params) {
			return true
		}
	}
	return false
}

// errNoSigningKey describes an Oracle constructed without a network signing
// key; no function in this package returns it.
var errNoSigningKey = fmt.Errorf("capability: oracle has no network signing key")
