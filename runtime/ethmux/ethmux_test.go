package ethmux

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/noded/infrastructure/chain"
	"github.com/R3E-Network/noded/infrastructure/errors"
	"github.com/R3E-Network/noded/infrastructure/logging"
	"github.com/R3E-Network/noded/system/address"
	"github.com/R3E-Network/noded/system/capability"
)

func TestPoolPromoteDemote(t *testing.T) {
	p := NewPool()
	c1, err := chain.NewClient(chain.Config{URL: "http://u1"})
	require.NoError(t, err)
	c2, err := chain.NewClient(chain.Config{URL: "http://u2"})
	require.NoError(t, err)
	p.AddURLProvider(1, "http://u1", c1)
	p.AddURLProvider(1, "http://u2", c2)

	p.PromoteURL(1, "http://u2")
	providers := p.URLProviders(1)
	require.Equal(t, "http://u2", providers[0].URL)

	p.DemoteURL(1, "http://u2")
	providers = p.URLProviders(1)
	require.Equal(t, "http://u1", providers[0].URL)
	require.False(t, providers[1].Activated)
}

func TestRequestCacheTTLAndBatchEviction(t *testing.T) {
	c := NewRequestCache(10)
	c.Put("k1", json.RawMessage(`1`))
	got, ok := c.Get("k1")
	require.True(t, ok)
	require.Equal(t, json.RawMessage(`1`), got)

	for i := 0; i < 10; i++ {
		c.Put(string(rune('a'+i)), json.RawMessage(`0`))
	}
	require.LessOrEqual(t, c.Len(), 10)
}

func TestAccessGatePublicBypassesAllowDeny(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	oracle := capability.New("local", priv, "fp", nil)
	self := address.Address{Node: "local", Process: address.ProcessId{Name: "eth", Package: "kernel", Publisher: "sys"}}

	gate := NewAccessGate(oracle, self, AccessSettings{Public: true})
	require.True(t, gate.Allowed("anyone"))
}

func TestAccessGateAllowDenyWithoutPublic(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	oracle := capability.New("local", priv, "fp", nil)
	self := address.Address{Node: "local", Process: address.ProcessId{Name: "eth", Package: "kernel", Publisher: "sys"}}

	gate := NewAccessGate(oracle, self, AccessSettings{Allow: []string{"peer-a"}, Deny: []string{"peer-b"}})
	require.True(t, gate.Allowed("peer-a"))
	require.False(t, gate.Allowed("peer-b"))
	require.False(t, gate.Allowed("peer-c"))
}

func TestAccessGateSetPublicRequiresRoot(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	oracle := capability.New("local", priv, "fp", nil)
	self := address.Address{Node: "local", Process: address.ProcessId{Name: "eth", Package: "kernel", Publisher: "sys"}}
	invoker := address.ProcessId{Name: "cli", Package: "kernel", Publisher: "sys"}

	gate := NewAccessGate(oracle, self, AccessSettings{})
	require.Error(t, gate.SetPublic(invoker, true))

	oracle.Add(invoker, []capability.Capability{{Issuer: self, Params: `{"root":true}`}}, nil)
	require.NoError(t, gate.SetPublic(invoker, true))
	require.True(t, gate.Settings().Public)
}

func TestSubscriptionKeepaliveMissingReturnsError(t *testing.T) {
	table := NewSubscriptionTable()
	sub := address.Address{Node: "local", Process: address.ProcessId{Name: "a", Package: "pkg", Publisher: "sys"}}
	err := table.Keepalive(sub, "sub-1")
	require.Error(t, err)
}

func TestSubscriptionRemoveAllFor(t *testing.T) {
	table := NewSubscriptionTable()
	sub := address.Address{Node: "local", Process: address.ProcessId{Name: "a", Package: "pkg", Publisher: "sys"}}
	table.AddRemote(sub, "s1", &RemoteSub{ProviderNode: sub, Subscriber: sub})
	table.AddRemote(sub, "s2", &RemoteSub{ProviderNode: sub, Subscriber: sub})

	table.RemoveAllFor(sub)
	require.Error(t, table.Keepalive(sub, "s1"))
	require.Error(t, table.Keepalive(sub, "s2"))
}

func TestMultiplexerRequestServesFromSecondProviderOnFailover(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x7"}`))
	}))
	defer good.Close()

	pool := NewPool()
	cBad, err := chain.NewClient(chain.Config{URL: bad.URL})
	require.NoError(t, err)
	cGood, err := chain.NewClient(chain.Config{URL: good.URL})
	require.NoError(t, err)
	pool.AddURLProvider(1, bad.URL, cBad)
	pool.AddURLProvider(1, good.URL, cGood)

	cache := NewRequestCache(10)
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	oracle := capability.New("local", priv, "fp", nil)
	self := address.Address{Node: "local", Process: address.ProcessId{Name: "eth", Package: "kernel", Publisher: "sys"}}
	gate := NewAccessGate(oracle, self, AccessSettings{Public: true})
	log := logging.New("test", "error", "text")

	mx := NewMultiplexer(pool, cache, gate, nil, nil, log, nil)

	resp, err := mx.Request(context.Background(), 1, "eth_blockNumber", nil)
	require.NoError(t, err)
	require.JSONEq(t, `"0x7"`, string(resp))

	providers := pool.URLProviders(1)
	require.Equal(t, good.URL, providers[0].URL)
}

func TestMultiplexerRejectsDisallowedMethod(t *testing.T) {
	pool := NewPool()
	cache := NewRequestCache(10)
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	oracle := capability.New("local", priv, "fp", nil)
	self := address.Address{Node: "local", Process: address.ProcessId{Name: "eth", Package: "kernel", Publisher: "sys"}}
	gate := NewAccessGate(oracle, self, AccessSettings{Public: true})
	log := logging.New("test", "error", "text")
	mx := NewMultiplexer(pool, cache, gate, nil, nil, log, nil)

	_, err = mx.Request(context.Background(), 1, "eth_notAMethod", nil)
	require.Error(t, err)
}

// subscriptionUpgrader accepts one eth_subscribe call, acks it, then
// streams a single log notification before the test closes it.
var subscriptionUpgrader = websocket.Upgrader{}

func newSubscriptionServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := subscriptionUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		var req chain.Request
		require.NoError(t, conn.ReadJSON(&req))
		require.Equal(t, "eth_subscribe", req.Method)
		require.NoError(t, conn.WriteJSON(chain.Response{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`"0xsub1"`)}))

		notice := struct {
			JSONRPC string `json:"jsonrpc"`
			Method  string `json:"method"`
			Params  struct {
				Result json.RawMessage `json:"result"`
			} `json:"params"`
		}{JSONRPC: "2.0", Method: "eth_subscription"}
		notice.Params.Result = json.RawMessage(`{"blockNumber":"0x1"}`)
		require.NoError(t, conn.WriteJSON(notice))

		// Keep the connection open briefly so the maintenance task has a
		// chance to read the notification before the handler returns.
		time.Sleep(100 * time.Millisecond)
	}))
}

func TestSubscribeLogsOpensLocalSubscriptionAndDeliversEvents(t *testing.T) {
	srv := newSubscriptionServer(t)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	pool := NewPool()
	c, err := chain.NewClient(chain.Config{URL: wsURL})
	require.NoError(t, err)
	pool.AddURLProvider(1, wsURL, c)

	cache := NewRequestCache(10)
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	oracle := capability.New("local", priv, "fp", nil)
	self := address.Address{Node: "local", Process: address.ProcessId{Name: "eth", Package: "kernel", Publisher: "sys"}}
	gate := NewAccessGate(oracle, self, AccessSettings{Public: true})
	log := logging.New("test", "error", "text")
	subs := NewSubscriptionTable()
	mx := NewMultiplexer(pool, cache, gate, nil, subs, log, nil)

	subscriber := address.Address{Node: "local", Process: address.ProcessId{Name: "app", Package: "pkg", Publisher: "sys"}}
	delivered := make(chan json.RawMessage, 1)
	err = mx.SubscribeLogs(context.Background(), subscriber, "sub-1", 1, "logs", nil, func(raw json.RawMessage) error {
		delivered <- raw
		return nil
	})
	require.NoError(t, err)

	select {
	case raw := <-delivered:
		require.JSONEq(t, `{"blockNumber":"0x1"}`, string(raw))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for subscription event")
	}

	_, _, ok := subs.Lookup(subscriber, "sub-1")
	require.True(t, ok)
}

type fakePeerTransport struct {
	accepted bool
	err      error
}

func (f *fakePeerTransport) CallPeer(ctx context.Context, peer address.Address, chainID uint64, method string, params []any) (json.RawMessage, error) {
	return nil, errors.NoRPCForChain(chainID)
}

func (f *fakePeerTransport) OpenSubscription(ctx context.Context, peer address.Address, subscriber address.Address, subID string, chainID uint64, kind string, params []any) (bool, error) {
	return f.accepted, f.err
}

func TestSubscribeLogsFallsBackToNodeProviderWhenNoURLProviders(t *testing.T) {
	pool := NewPool()
	peer := address.Address{Node: "other", Process: address.ProcessId{Name: "eth", Package: "kernel", Publisher: "sys"}}
	pool.AddNodeProvider(1, peer)

	cache := NewRequestCache(10)
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	oracle := capability.New("local", priv, "fp", nil)
	self := address.Address{Node: "local", Process: address.ProcessId{Name: "eth", Package: "kernel", Publisher: "sys"}}
	gate := NewAccessGate(oracle, self, AccessSettings{Public: true})
	log := logging.New("test", "error", "text")
	subs := NewSubscriptionTable()
	mx := NewMultiplexer(pool, cache, gate, &fakePeerTransport{accepted: true}, subs, log, nil)

	subscriber := address.Address{Node: "local", Process: address.ProcessId{Name: "app", Package: "pkg", Publisher: "sys"}}
	err = mx.SubscribeLogs(context.Background(), subscriber, "sub-2", 1, "logs", nil, func(json.RawMessage) error { return nil })
	require.NoError(t, err)

	_, remote, ok := subs.Lookup(subscriber, "sub-2")
	require.True(t, ok)
	require.True(t, remote.ProviderNode.Equal(peer))
}
