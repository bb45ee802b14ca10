package ethmux

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/R3E-Network/noded/infrastructure/errors"
	"github.com/R3E-Network/noded/system/address"
)

// subKey identifies one active subscription, keyed by the requesting
// process and its chosen sub_id, per spec.md §3's "ETH subscription
// record: keyed by (subscriber_address, sub_id)".
type subKey struct {
	Subscriber address.Address
	SubID      string
}

// LocalSub owns a websocket connection to a URL provider and the
// subscriber this stream is being forwarded to.
type LocalSub struct {
	Provider   string
	Conn       *websocket.Conn
	Subscriber address.Address
	cancel     func()
}

// RemoteSub proxies a subscription through a peer node acting as the
// upstream provider.
type RemoteSub struct {
	ProviderNode address.Address
	Subscriber   address.Address
}

// SubscriptionTable tracks every active local and remote subscription.
// Grounded on the teacher's infrastructure/chain/rpcpool.go health-state
// bookkeeping style (plain map + mutex, no external dependency needed for
// bookkeeping itself — the websocket handling is where gorilla/websocket
// is exercised).
type SubscriptionTable struct {
	mu     sync.Mutex
	local  map[subKey]*LocalSub
	remote map[subKey]*RemoteSub
}

// NewSubscriptionTable returns an empty table.
func NewSubscriptionTable() *SubscriptionTable {
	return &SubscriptionTable{
		local:  make(map[subKey]*LocalSub),
		remote: make(map[subKey]*RemoteSub),
	}
}

// AddLocal registers a local subscription.
func (t *SubscriptionTable) AddLocal(subscriber address.Address, subID string, sub *LocalSub) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.local[subKey{subscriber, subID}] = sub
}

// AddRemote registers a remote (peer-proxied) subscription.
func (t *SubscriptionTable) AddRemote(subscriber address.Address, subID string, sub *RemoteSub) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remote[subKey{subscriber, subID}] = sub
}

// Lookup returns whichever of local/remote holds (subscriber, subID).
func (t *SubscriptionTable) Lookup(subscriber address.Address, subID string) (*LocalSub, *RemoteSub, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := subKey{subscriber, subID}
	if l, ok := t.local[k]; ok {
		return l, nil, true
	}
	if r, ok := t.remote[k]; ok {
		return nil, r, true
	}
	return nil, nil, false
}

// Remove tears down (subscriber, subID), closing its websocket if local.
func (t *SubscriptionTable) Remove(subscriber address.Address, subID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := subKey{subscriber, subID}
	if l, ok := t.local[k]; ok {
		if l.cancel != nil {
			l.cancel()
		}
		if l.Conn != nil {
			_ = l.Conn.Close()
		}
		delete(t.local, k)
	}
	delete(t.remote, k)
}

// RemoveAllFor closes every subscription belonging to subscriber, the
// "network errors to the subscriber target close every one of that
// target's subs" rule from spec.md §4.5 step 4.
func (t *SubscriptionTable) RemoveAllFor(subscriber address.Address) {
	t.mu.Lock()
	var keys []subKey
	for k := range t.local {
		if k.Subscriber == subscriber {
			keys = append(keys, k)
		}
	}
	for k := range t.remote {
		if k.Subscriber == subscriber {
			keys = append(keys, k)
		}
	}
	t.mu.Unlock()
	for _, k := range keys {
		t.Remove(k.Subscriber, k.SubID)
	}
}

// DeliverRemoteResult implements spec.md §4.5 step 3: an EthSubResult from
// a peer is passed through only if the sub exists, its source peer matches
// the recorded provider, and delivery succeeds; otherwise the sub is torn
// down and an unsubscribe is owed upstream.
func (t *SubscriptionTable) DeliverRemoteResult(subscriber address.Address, subID string, sourcePeer address.Address, deliver func() error) error {
	_, remote, ok := t.Lookup(subscriber, subID)
	if !ok || remote == nil || !remote.ProviderNode.Equal(sourcePeer) {
		t.Remove(subscriber, subID)
		return errors.SubscriptionClosed(subID)
	}
	if err := deliver(); err != nil {
		t.Remove(subscriber, subID)
		return errors.SubscriptionClosed(subID)
	}
	return nil
}

// Keepalive implements spec.md §4.5 step 5: if the table has no matching
// sub, reply with an error carrying the same sub_id.
func (t *SubscriptionTable) Keepalive(subscriber address.Address, subID string) error {
	if _, _, ok := t.Lookup(subscriber, subID); !ok {
		return errors.SubscriptionClosed(subID)
	}
	return nil
}
