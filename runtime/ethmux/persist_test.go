package ethmux

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/noded/infrastructure/chain"
	"github.com/R3E-Network/noded/system/address"
)

func TestLoadProvidersMissingFileReturnsEmpty(t *testing.T) {
	providers, err := LoadProviders(filepath.Join(t.TempDir(), ".eth_providers"))
	require.NoError(t, err)
	require.Nil(t, providers)
}

func TestSaveAndLoadProvidersRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".eth_providers")
	want := []ProviderConfig{
		{ChainID: 1, Trusted: true, RPCURL: &RPCURLProviderConfig{URL: "https://rpc.example/v1", Auth: "token"}},
		{ChainID: 1, Node: &NodeProviderConfig{HNSUpdate: true, UseAsProvider: true}},
	}

	require.NoError(t, SaveProviders(path, want))

	got, err := LoadProviders(path)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestSaveProvidersIsAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".eth_providers")

	require.NoError(t, SaveProviders(path, []ProviderConfig{{ChainID: 1}}))
	require.NoError(t, SaveProviders(path, []ProviderConfig{{ChainID: 2}, {ChainID: 3}}))

	got, err := LoadProviders(path)
	require.NoError(t, err)
	require.Len(t, got, 2)

	entries, err := filepath.Glob(filepath.Join(dir, "*.tmp-*"))
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestLoadAccessSettingsFileMissingFileReturnsPrivateDefault(t *testing.T) {
	settings, err := LoadAccessSettingsFile(filepath.Join(t.TempDir(), ".eth_access_settings"))
	require.NoError(t, err)
	require.Equal(t, AccessSettings{}, settings)
	require.False(t, settings.Public)
}

func TestSaveAndLoadAccessSettingsFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".eth_access_settings")
	want := AccessSettings{Public: false, Allow: []string{"peer-a", "peer-b"}, Deny: []string{"peer-c"}}

	require.NoError(t, SaveAccessSettingsFile(path, want))

	got, err := LoadAccessSettingsFile(path)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestBuildPoolWiresURLAndNodeProviders(t *testing.T) {
	pool := NewPool()
	providers := []ProviderConfig{
		{ChainID: 1, RPCURL: &RPCURLProviderConfig{URL: "https://rpc.example/v1"}},
		{ChainID: 1, Node: &NodeProviderConfig{UseAsProvider: true}},
		{ChainID: 1, Node: &NodeProviderConfig{UseAsProvider: false}}, // resolver fails, must be skipped
	}

	resolved := address.Address{Node: "peer-node", Process: address.ProcessId{Name: "ethmux", Package: "runtime", Publisher: "system"}}

	BuildPool(pool, providers, func(url string) (*chain.Client, error) {
		return chain.NewClient(chain.Config{URL: url})
	}, func(chainID uint64, cfg NodeProviderConfig) (address.Address, bool) {
		if cfg.UseAsProvider {
			return resolved, true
		}
		return address.Address{}, false
	})

	urlProviders := pool.URLProviders(1)
	require.Len(t, urlProviders, 1)
	require.Equal(t, "https://rpc.example/v1", urlProviders[0].URL)

	nodeProviders := pool.NodeProviders(1)
	require.Len(t, nodeProviders, 1)
}

func TestBuildPoolSkipsNodeProvidersWithNoResolver(t *testing.T) {
	pool := NewPool()
	providers := []ProviderConfig{
		{ChainID: 1, Node: &NodeProviderConfig{UseAsProvider: true}},
	}

	BuildPool(pool, providers, func(url string) (*chain.Client, error) {
		return chain.NewClient(chain.Config{URL: url})
	}, nil)

	require.Empty(t, pool.NodeProviders(1))
}
