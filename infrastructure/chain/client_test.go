package chain

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClientCallSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","result":"0x7","id":1}`))
	}))
	defer srv.Close()

	c, err := NewClient(Config{URL: srv.URL})
	require.NoError(t, err)

	raw, err := c.Call(context.Background(), "eth_blockNumber", nil)
	require.NoError(t, err)

	var result string
	require.NoError(t, json.Unmarshal(raw, &result))
	require.Equal(t, "0x7", result)
}

func TestClientCallRPCError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","error":{"code":-32601,"message":"method not found"},"id":1}`))
	}))
	defer srv.Close()

	c, err := NewClient(Config{URL: srv.URL})
	require.NoError(t, err)

	_, err = c.Call(context.Background(), "bogus_method", nil)
	require.Error(t, err)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, -32601, rpcErr.Code)
}

func TestKeccak256(t *testing.T) {
	// keccak256("") is a well known constant, distinct from NIST SHA3-256.
	h := Keccak256([]byte(""))
	require.Equal(t, "c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470", hex.EncodeToString(h))
}
