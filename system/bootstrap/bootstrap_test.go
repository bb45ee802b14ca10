package bootstrap

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/noded/infrastructure/logging"
	"github.com/R3E-Network/noded/infrastructure/store"
	"github.com/R3E-Network/noded/system/address"
	"github.com/R3E-Network/noded/system/capability"
	"github.com/R3E-Network/noded/system/kernel"
	"github.com/R3E-Network/noded/system/vfs"
)

type fakeHost struct{}

func (fakeHost) Initialize(address.ProcessId, string, int) error { return nil }
func (fakeHost) Start(address.ProcessId) error                   { return nil }
func (fakeHost) Stop(address.ProcessId) error                    { return nil }

func buildTestArchive(t *testing.T) []byte {
	t.Helper()

	var innerBuf bytes.Buffer
	iw := zip.NewWriter(&innerBuf)
	manifest := []vfs.ManifestEntry{
		{ProcessName: "a", ProcessWasmPath: "a.wasm", Public: true},
		{ProcessName: "b", ProcessWasmPath: "b.wasm", GrantCapabilities: []vfs.GrantCapability{
			{Target: "a", Params: `{"class":"messaging"}`},
		}},
	}
	me, err := iw.Create("manifest.json")
	require.NoError(t, err)
	raw, err := json.Marshal(manifest)
	require.NoError(t, err)
	_, err = me.Write(raw)
	require.NoError(t, err)
	for _, name := range []string{"a.wasm", "b.wasm"} {
		f, err := iw.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte("code-" + name))
		require.NoError(t, err)
	}
	require.NoError(t, iw.Close())

	var outerBuf bytes.Buffer
	ow := zip.NewWriter(&outerBuf)
	metaEntry, err := ow.Create("file_to_metadata.json")
	require.NoError(t, err)
	meta := map[string]vfs.PackageMetadata{"chess.zip": {Name: "chess:alice"}}
	metaRaw, err := json.Marshal(meta)
	require.NoError(t, err)
	_, err = metaEntry.Write(metaRaw)
	require.NoError(t, err)
	innerEntry, err := ow.Create("chess.zip")
	require.NoError(t, err)
	_, err = innerEntry.Write(innerBuf.Bytes())
	require.NoError(t, err)
	require.NoError(t, ow.Close())

	return outerBuf.Bytes()
}

func TestBootstrapExtractsArchiveAndGrantsCapabilities(t *testing.T) {
	home := t.TempDir()
	s, err := store.Open(filepath.Join(home, "kernel.db"))
	require.NoError(t, err)
	defer s.Close()

	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	oracle := capability.New("local", priv, "fp1", nil)
	log := logging.New("test", "error", "text")
	router := kernel.New("local", oracle, fakeHost{}, nil, log, nil)
	v := vfs.New(home)

	b := New(Config{
		Home:   home,
		Router: router,
		Oracle: oracle,
		VFS:    v,
		Store:  s,
		Log:    log,
		RuntimeExtensions: []address.ProcessId{
			{Name: "eth", Package: "kernel", Publisher: "sys"},
		},
		ArchiveData: buildTestArchive(t),
	})

	require.NoError(t, b.Run(context.Background(), priv, "fp1"))

	aID := address.ProcessId{Name: "a", Package: "chess", Publisher: "alice"}
	bID := address.ProcessId{Name: "b", Package: "chess", Publisher: "alice"}
	grantCap := capability.Capability{
		Issuer: address.Address{Node: "local", Process: bID},
		Params: `{"class":"messaging"}`,
	}
	require.True(t, oracle.Has(aID, grantCap))

	data, err := v.ReadFile("chess", "alice", "a.wasm")
	require.NoError(t, err)
	require.Equal(t, []byte("code-a.wasm"), data)
}

func TestBootstrapMintsBaselineCapabilities(t *testing.T) {
	home := t.TempDir()
	s, err := store.Open(filepath.Join(home, "kernel.db"))
	require.NoError(t, err)
	defer s.Close()

	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	oracle := capability.New("local", priv, "fp1", nil)
	log := logging.New("test", "error", "text")
	router := kernel.New("local", oracle, fakeHost{}, nil, log, nil)
	v := vfs.New(home)

	eth := address.ProcessId{Name: "eth", Package: "kernel", Publisher: "sys"}
	identity := address.ProcessId{Name: "identity", Package: "kernel", Publisher: "sys"}

	b := New(Config{
		Home:              home,
		Router:            router,
		Oracle:            oracle,
		VFS:               v,
		Store:             s,
		Log:               log,
		RuntimeExtensions: []address.ProcessId{eth, identity},
	})

	require.NoError(t, b.Run(context.Background(), priv, "fp1"))

	messagingFromIdentity := capability.Capability{
		Issuer: address.Address{Node: "local", Process: identity},
		Params: `{"class":"messaging"}`,
	}
	require.True(t, oracle.Has(eth, messagingFromIdentity))

	netCap := capability.Capability{Issuer: router.KernelAddress(), Params: `{"class":"network"}`}
	require.True(t, oracle.Has(eth, netCap))
	require.True(t, oracle.Has(identity, netCap))

	messagingFromEthForKernel := capability.Capability{
		Issuer: address.Address{Node: "local", Process: eth},
		Params: `{"class":"messaging"}`,
	}
	require.True(t, oracle.Has(router.KernelAddress().Process, messagingFromEthForKernel))
}
