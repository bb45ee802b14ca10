package ethmux

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/R3E-Network/noded/infrastructure/chain"
	"github.com/R3E-Network/noded/infrastructure/errors"
	"github.com/R3E-Network/noded/system/address"
)

// SubscribeLogs implements spec.md §4.5's subscription-handling algorithm:
// walk URL providers, lazily activating a chain pub-sub handle on the
// first one that accepts the subscription, and spawn a maintenance task
// that pumps every raw event to deliver until the upstream errs. Only if
// every URL provider refuses does it fall back to node providers, the
// first of which to accept becomes a remote-sub proxy. Grounded on
// original_source/kinode/src/eth/mod.rs's create_new_subscription /
// build_subscription / maintain_subscription.
func (mx *Multiplexer) SubscribeLogs(ctx context.Context, subscriber address.Address, subID string, chainID uint64, kind string, params []any, deliver func(json.RawMessage) error) error {
	for _, ep := range mx.pool.URLProviders(chainID) {
		conn, err := activateSubscription(ctx, ep.URL, kind, params)
		if err != nil {
			mx.pool.DemoteURL(chainID, ep.URL)
			continue
		}
		ep.Activated = true

		subCtx, cancel := context.WithCancel(context.Background())
		mx.subs.AddLocal(subscriber, subID, &LocalSub{Provider: ep.URL, Conn: conn, Subscriber: subscriber, cancel: cancel})
		go mx.maintainSubscription(subCtx, subscriber, subID, conn, deliver)
		return nil
	}

	if mx.peers == nil {
		return errors.NoRPCForChain(chainID)
	}

	for _, np := range mx.pool.NodeProviders(chainID) {
		if !np.Usable {
			continue
		}
		peerCtx, cancel := context.WithTimeout(ctx, peerRequestDeadline)
		accepted, err := mx.peers.OpenSubscription(peerCtx, np.Peer, subscriber, subID, chainID, kind, params)
		cancel()
		if err != nil {
			// Only a malformed response indicates the peer itself is
			// misbehaving, per spec.md §4.5 step 5; a plain deadline
			// timeout just means this peer was slow this round.
			if ne := asNodeError(err); ne != nil && ne.Kind == errors.KindRPCMalformedResponse {
				mx.pool.MarkNodeUnusable(chainID, np.Peer)
			}
			continue
		}
		if !accepted {
			continue
		}
		mx.subs.AddRemote(subscriber, subID, &RemoteSub{ProviderNode: np.Peer, Subscriber: subscriber})
		return nil
	}

	return errors.NoRPCForChain(chainID)
}

// maintainSubscription pumps every notification the provider sends to
// deliver, tearing the subscription down once the websocket errs or
// delivery itself fails — spec.md §4.5 step 1's maintenance task.
func (mx *Multiplexer) maintainSubscription(ctx context.Context, subscriber address.Address, subID string, conn *websocket.Conn, deliver func(json.RawMessage) error) {
	defer mx.subs.Remove(subscriber, subID)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			if mx.log != nil {
				mx.log.WithError(err).Debug("eth subscription upstream closed")
			}
			return
		}

		var notice struct {
			Params struct {
				Result json.RawMessage `json:"result"`
			} `json:"params"`
		}
		if err := json.Unmarshal(raw, &notice); err != nil {
			continue
		}
		if err := deliver(notice.Params.Result); err != nil {
			return
		}
	}
}

// activateSubscription dials a websocket pub-sub handle against a URL
// provider and issues the eth_subscribe call, returning the live
// connection only once the provider has acknowledged it without error.
func activateSubscription(ctx context.Context, url, kind string, params []any) (*websocket.Conn, error) {
	dialer := *websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, toWebsocketURL(url), nil)
	if err != nil {
		return nil, err
	}

	req := chain.Request{JSONRPC: "2.0", Method: "eth_subscribe", Params: append([]any{kind}, params...), ID: 1}
	if err := conn.WriteJSON(req); err != nil {
		_ = conn.Close()
		return nil, err
	}

	var ack chain.Response
	if err := conn.ReadJSON(&ack); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if ack.Error != nil {
		_ = conn.Close()
		return nil, ack.Error
	}
	return conn, nil
}

// toWebsocketURL maps a provider's http(s) endpoint to its ws(s)
// equivalent; providers configured with a ws(s) URL already are passed
// through unchanged.
func toWebsocketURL(url string) string {
	switch {
	case strings.HasPrefix(url, "https://"):
		return "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		return "ws://" + strings.TrimPrefix(url, "http://")
	default:
		return url
	}
}
