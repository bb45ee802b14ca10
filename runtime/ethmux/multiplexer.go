package ethmux

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/R3E-Network/noded/infrastructure/chain"
	"github.com/R3E-Network/noded/infrastructure/errors"
	"github.com/R3E-Network/noded/infrastructure/logging"
	"github.com/R3E-Network/noded/infrastructure/metrics"
	"github.com/R3E-Network/noded/system/address"
	"github.com/R3E-Network/noded/system/message"
)

// allowedMethods is the RPC method allow-list from spec.md §4.5 step 1.
// Methods outside this set are rejected with MalformedRequest before any
// provider is consulted.
var allowedMethods = map[string]bool{
	"eth_chainId":                     true,
	"eth_blockNumber":                 true,
	"eth_call":                        true,
	"eth_getBalance":                  true,
	"eth_getCode":                     true,
	"eth_getLogs":                     true,
	"eth_getTransactionByHash":        true,
	"eth_getTransactionReceipt":       true,
	"eth_getBlockByNumber":            true,
	"eth_getBlockByHash":              true,
	"eth_sendRawTransaction":          true,
	"eth_estimateGas":                 true,
	"eth_gasPrice":                    true,
	"eth_getTransactionCount":         true,
	"eth_subscribe":                   true,
	"eth_unsubscribe":                 true,
}

// peerRequestDeadline is the 30s deadline awaiting a peer's response to a
// forwarded request, per spec.md §4.5 step 5.
const peerRequestDeadline = 30 * time.Second

// rpcRetryDelay is the single-retry backoff on RpcError, per spec.md §4.5
// step 6.
const rpcRetryDelay = time.Second

// PeerTransport forwards a request to a remote peer's eth-process and
// waits for the response, implemented by the kernel router in production
// (spec.md §4.5 step 5 describes this as a kernel message round-trip).
// OpenSubscription extends the same round-trip to spec.md §4.5's
// subscription handling step 2: it asks peer to accept subscriber's
// subscription and reports whether the peer accepted it.
type PeerTransport interface {
	CallPeer(ctx context.Context, peer address.Address, chainID uint64, method string, params []any) (json.RawMessage, error)
	OpenSubscription(ctx context.Context, peer address.Address, subscriber address.Address, subID string, chainID uint64, kind string, params []any) (bool, error)
}

// Multiplexer is the ETH Provider Multiplexer: per-chain provider pools,
// the request cache, and the access gate. Grounded on
// infrastructure/chain/rpcpool.go's ExecuteWithFailover loop, generalized
// to URL-then-node-provider failover and a single final retry on RpcError.
type Multiplexer struct {
	pool    *Pool
	cache   *RequestCache
	gate    *AccessGate
	peers   PeerTransport
	subs    *SubscriptionTable
	log     *logging.Logger
	metrics *metrics.Metrics
}

// NewMultiplexer builds a Multiplexer.
func NewMultiplexer(pool *Pool, cache *RequestCache, gate *AccessGate, peers PeerTransport, subs *SubscriptionTable, log *logging.Logger, m *metrics.Metrics) *Multiplexer {
	if subs == nil {
		subs = NewSubscriptionTable()
	}
	return &Multiplexer{pool: pool, cache: cache, gate: gate, peers: peers, subs: subs, log: log, metrics: m}
}

// Request implements spec.md §4.5's request-handling algorithm.
func (mx *Multiplexer) Request(ctx context.Context, chainID uint64, method string, params []any) (json.RawMessage, error) {
	if !allowedMethods[method] {
		return nil, errors.MalformedRequest("method not on the RPC allow-list: " + method)
	}

	resp, err := mx.attempt(ctx, chainID, method, params)
	if err != nil {
		if ne := asNodeError(err); ne != nil && ne.Kind == errors.KindRPCError {
			select {
			case <-time.After(rpcRetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return mx.attempt(ctx, chainID, method, params)
		}
		return nil, err
	}
	return resp, nil
}

func asNodeError(err error) *errors.NodeError {
	ne, _ := err.(*errors.NodeError)
	return ne
}

func (mx *Multiplexer) attempt(ctx context.Context, chainID uint64, method string, params []any) (json.RawMessage, error) {
	key := CacheKey(chainID, method, params)
	if cached, ok := mx.cache.Get(key); ok {
		if mx.metrics != nil {
			mx.metrics.CacheHits.Inc()
		}
		return cached, nil
	}
	if mx.metrics != nil {
		mx.metrics.CacheMisses.Inc()
	}

	for _, ep := range mx.pool.URLProviders(chainID) {
		resp, err := ep.Client.Call(ctx, method, params)
		if err == nil {
			mx.pool.PromoteURL(chainID, ep.URL)
			mx.cache.Put(key, resp)
			mx.setProviderHealthy(chainID, ep.URL, true)
			return resp, nil
		}
		if _, isRPCErr := err.(*chain.RPCError); isRPCErr {
			// Structured server error: not a transport failure, do not try
			// other providers.
			return nil, errors.RPCError(err.Error())
		}
		mx.pool.DemoteURL(chainID, ep.URL)
		mx.setProviderHealthy(chainID, ep.URL, false)
	}

	if mx.peers == nil {
		return nil, errors.NoRPCForChain(chainID)
	}

	for _, np := range mx.pool.NodeProviders(chainID) {
		if !np.Usable {
			continue
		}
		peerCtx, cancel := context.WithTimeout(ctx, peerRequestDeadline)
		resp, err := mx.peers.CallPeer(peerCtx, np.Peer, chainID, method, params)
		cancel()
		if err != nil {
			// Only a malformed response indicates the peer itself is
			// misbehaving, per spec.md §4.5 step 5; a plain deadline
			// timeout just means this round was slow, and the peer stays
			// usable for the next request.
			if ne := asNodeError(err); ne != nil && ne.Kind == errors.KindRPCMalformedResponse {
				mx.pool.MarkNodeUnusable(chainID, np.Peer)
			}
			continue
		}
		mx.cache.Put(key, resp)
		return resp, nil
	}

	return nil, errors.NoRPCForChain(chainID)
}

func (mx *Multiplexer) setProviderHealthy(chainID uint64, url string, healthy bool) {
	if mx.metrics == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1.0
	}
	mx.metrics.ProviderHealthy.WithLabelValues(chainIDLabel(chainID), url).Set(v)
}

func chainIDLabel(chainID uint64) string {
	return strconv.FormatUint(chainID, 10)
}

// NewRequestEnvelope builds the kernel envelope a peer-forwarded eth
// request is carried in, exposed so a PeerTransport implementation built
// on the kernel router can reuse the same wire shape other components use.
func NewRequestEnvelope(id uint64, source, target address.Address, chainID uint64, method string, params []any, timeoutSecs uint64) (message.Envelope, error) {
	body := struct {
		ChainID uint64 `json:"chain_id"`
		Method  string `json:"method"`
		Params  []any  `json:"params"`
	}{ChainID: chainID, Method: method, Params: params}
	return message.NewRequestEnvelope(id, source, target, body, &timeoutSecs)
}
