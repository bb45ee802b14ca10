package kernel

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/noded/infrastructure/logging"
	"github.com/R3E-Network/noded/system/address"
	"github.com/R3E-Network/noded/system/capability"
	"github.com/R3E-Network/noded/system/message"
)

type fakeHost struct{}

func (fakeHost) Initialize(address.ProcessId, string, int) error { return nil }
func (fakeHost) Start(address.ProcessId) error                   { return nil }
func (fakeHost) Stop(address.ProcessId) error                    { return nil }

type fakeTransport struct {
	fail error
}

func (t fakeTransport) Send(ctx context.Context, env message.Envelope) error {
	return t.fail
}

func newTestRouter(t *testing.T, transport Transport) (*Router, *capability.Oracle) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	oracle := capability.New("local", priv, "fp1", nil)
	log := logging.New("test", "error", "text")
	r := New("local", oracle, fakeHost{}, transport, log, nil)
	return r, oracle
}

func pid(name string) address.ProcessId {
	return address.ProcessId{Name: name, Package: "pkg", Publisher: "sys"}
}

func localAddr(id address.ProcessId) address.Address {
	return address.Address{Node: "local", Process: id}
}

func TestPublicProcessBypassesCapabilityGate(t *testing.T) {
	r, _ := newTestRouter(t, fakeTransport{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	a, b := pid("a"), pid("b")
	require.NoError(t, r.InitializeProcess(a, "handle-a", 1, OnExitPolicy{}, nil, false))
	require.NoError(t, r.InitializeProcess(b, "handle-b", 1, OnExitPolicy{}, nil, true))

	inboxB := r.RegisterInbox(b, 10)

	env := message.Envelope{
		ID:     1,
		Source: localAddr(a),
		Target: localAddr(b),
		Message: message.Message{Kind: message.KindRequest, Request: &message.Request{Body: json.RawMessage(`{}`)}},
	}
	r.Send(env)

	select {
	case got := <-inboxB:
		require.Equal(t, uint64(1), got.ID)
	case <-time.After(time.Second):
		t.Fatal("expected message delivered to public process")
	}
}

func TestCapabilityGateDropsWithoutGrant(t *testing.T) {
	r, _ := newTestRouter(t, fakeTransport{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	a, b := pid("a"), pid("b")
	require.NoError(t, r.InitializeProcess(a, "handle-a", 1, OnExitPolicy{}, nil, false))
	require.NoError(t, r.InitializeProcess(b, "handle-b", 1, OnExitPolicy{}, nil, false))

	inboxA := r.RegisterInbox(a, 10)
	r.RegisterInbox(b, 10)

	timeout := uint64(1)
	env := message.Envelope{
		ID:     2,
		Source: localAddr(a),
		Target: localAddr(b),
		Message: message.Message{Kind: message.KindRequest, Request: &message.Request{
			ExpectsResponseSecs: &timeout,
			Body:                json.RawMessage(`{}`),
		}},
	}
	r.Send(env)

	select {
	case resp := <-inboxA:
		require.Equal(t, message.KindResponse, resp.Message.Kind)
		var body map[string]any
		require.NoError(t, json.Unmarshal(resp.Message.Response.Body, &body))
		require.Equal(t, "permission_denied", body["error"])
	case <-time.After(time.Second):
		t.Fatal("expected permission_denied error response")
	}
}

func TestCapabilityGateAllowsGrantedMessaging(t *testing.T) {
	r, oracle := newTestRouter(t, fakeTransport{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	a, b := pid("a"), pid("b")
	require.NoError(t, r.InitializeProcess(a, "handle-a", 1, OnExitPolicy{}, nil, false))
	require.NoError(t, r.InitializeProcess(b, "handle-b", 1, OnExitPolicy{}, nil, false))

	inboxB := r.RegisterInbox(b, 10)

	oracle.Add(a, []capability.Capability{messagingCapability(localAddr(b))}, nil)

	env := message.Envelope{
		ID:     3,
		Source: localAddr(a),
		Target: localAddr(b),
		Message: message.Message{Kind: message.KindRequest, Request: &message.Request{Body: json.RawMessage(`{}`)}},
	}
	r.Send(env)

	select {
	case got := <-inboxB:
		require.Equal(t, uint64(3), got.ID)
	case <-time.After(time.Second):
		t.Fatal("expected message delivered after grant")
	}
}

func TestRequestTimeoutSynthesizesResponse(t *testing.T) {
	r, oracle := newTestRouter(t, fakeTransport{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	a, b := pid("a"), pid("b")
	require.NoError(t, r.InitializeProcess(a, "handle-a", 1, OnExitPolicy{}, nil, false))
	require.NoError(t, r.InitializeProcess(b, "handle-b", 1, OnExitPolicy{}, nil, false))
	inboxA := r.RegisterInbox(a, 10)
	r.RegisterInbox(b, 10) // never drained; b will not answer

	oracle.Add(a, []capability.Capability{messagingCapability(localAddr(b))}, nil)

	timeout := uint64(0) // immediate-ish deadline; time.Duration(0)*Second = 0
	env := message.Envelope{
		ID:     4,
		Source: localAddr(a),
		Target: localAddr(b),
		Message: message.Message{Kind: message.KindRequest, Request: &message.Request{
			ExpectsResponseSecs: &timeout,
			Body:                json.RawMessage(`{}`),
		}},
	}
	r.Send(env)

	select {
	case resp := <-inboxA:
		var body map[string]any
		require.NoError(t, json.Unmarshal(resp.Message.Response.Body, &body))
		require.Equal(t, "timeout", body["error"])
	case <-time.After(2 * time.Second):
		t.Fatal("expected synthesized timeout response")
	}
}

func TestKillProcessRevokesIssuedCapabilities(t *testing.T) {
	r, oracle := newTestRouter(t, fakeTransport{})
	a, b := pid("a"), pid("b")
	require.NoError(t, r.InitializeProcess(a, "handle-a", 1, OnExitPolicy{}, nil, false))
	require.NoError(t, r.InitializeProcess(b, "handle-b", 1, OnExitPolicy{}, nil, false))

	cap := messagingCapability(localAddr(b))
	oracle.Add(a, []capability.Capability{cap}, nil)
	require.True(t, oracle.Has(a, cap))

	require.NoError(t, r.KillProcess(b))
	require.False(t, oracle.Has(a, cap))
}

func TestInitializeProcessRejectsSelfTargetingOnExitRequests(t *testing.T) {
	r, _ := newTestRouter(t, fakeTransport{})
	a := pid("a")
	policy := OnExitPolicy{Kind: OnExitRequests, Requests: []PendingRequest{
		{Target: localAddr(a)},
	}}
	err := r.InitializeProcess(a, "handle-a", 1, policy, nil, false)
	require.Error(t, err)
}

func TestInitializeProcessRejectsInvalidIdentifier(t *testing.T) {
	r, _ := newTestRouter(t, fakeTransport{})
	bad := address.ProcessId{Name: "Bad_Name", Package: "pkg", Publisher: "sys"}
	err := r.InitializeProcess(bad, "handle", 1, OnExitPolicy{}, nil, false)
	require.Error(t, err)
}
