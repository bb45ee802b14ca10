package ethmux

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/R3E-Network/noded/infrastructure/chain"
	"github.com/R3E-Network/noded/system/address"
)

// NodeProviderConfig is the "provider: Node{...}" variant of a persisted
// ProviderConfig entry from spec.md §6.
type NodeProviderConfig struct {
	HNSUpdate     bool `json:"hns_update"`
	UseAsProvider bool `json:"use_as_provider"`
}

// RPCURLProviderConfig is the "provider: RpcUrl{...}" variant.
type RPCURLProviderConfig struct {
	URL  string `json:"url"`
	Auth string `json:"auth,omitempty"`
}

// ProviderConfig is one entry of the persisted ".eth_providers" JSON array:
// chain_id, trusted, and the provider variant carried in one of two sibling
// fields, "node" or "rpc_url" (there is no single "provider" key). Exactly
// one of Node/RPCURL is set.
type ProviderConfig struct {
	ChainID uint64                `json:"chain_id"`
	Trusted bool                  `json:"trusted"`
	Node    *NodeProviderConfig   `json:"node,omitempty"`
	RPCURL  *RPCURLProviderConfig `json:"rpc_url,omitempty"`
}

// LoadProviders reads the ".eth_providers" file at path, returning an empty
// slice if it does not yet exist.
func LoadProviders(path string) ([]ProviderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("ethmux: read providers file: %w", err)
	}
	var providers []ProviderConfig
	if err := json.Unmarshal(data, &providers); err != nil {
		return nil, fmt.Errorf("ethmux: decode providers file: %w", err)
	}
	return providers, nil
}

// SaveProviders atomic-renames the providers list to path, the "every
// on-disk write is ... atomic-rename (for config files)" rule from
// spec.md §5.
func SaveProviders(path string, providers []ProviderConfig) error {
	data, err := json.MarshalIndent(providers, "", "  ")
	if err != nil {
		return fmt.Errorf("ethmux: encode providers file: %w", err)
	}
	return atomicWriteFile(path, data)
}

// LoadAccessSettingsFile reads the ".eth_access_settings" file at path,
// returning the zero-value (fully private) AccessSettings if absent.
func LoadAccessSettingsFile(path string) (AccessSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return AccessSettings{}, nil
		}
		return AccessSettings{}, fmt.Errorf("ethmux: read access settings file: %w", err)
	}
	var settings AccessSettings
	if err := json.Unmarshal(data, &settings); err != nil {
		return AccessSettings{}, fmt.Errorf("ethmux: decode access settings file: %w", err)
	}
	return settings, nil
}

// SaveAccessSettingsFile atomic-renames settings to path.
func SaveAccessSettingsFile(path string, settings AccessSettings) error {
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return fmt.Errorf("ethmux: encode access settings file: %w", err)
	}
	return atomicWriteFile(path, data)
}

func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("ethmux: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("ethmux: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("ethmux: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("ethmux: rename temp file: %w", err)
	}
	return nil
}

// BuildPool populates a Pool from a persisted provider list: each RpcUrl
// entry gets a chain.Client built by newURLClient, each Node entry is
// resolved to a peer Address by resolvePeer (backed by the identity
// indexer's name table). Entries that fail to construct or resolve are
// skipped; the caller is expected to have already logged why, since
// BuildPool has no logger of its own.
func BuildPool(pool *Pool, providers []ProviderConfig, newURLClient func(url string) (*chain.Client, error), resolvePeer func(chainID uint64, cfg NodeProviderConfig) (address.Address, bool)) {
	for _, p := range providers {
		switch {
		case p.RPCURL != nil:
			client, err := newURLClient(p.RPCURL.URL)
			if err != nil || client == nil {
				continue
			}
			pool.AddURLProvider(p.ChainID, p.RPCURL.URL, client)
		case p.Node != nil && resolvePeer != nil:
			if peer, ok := resolvePeer(p.ChainID, *p.Node); ok {
				pool.AddNodeProvider(p.ChainID, peer)
			}
		}
	}
}
