package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/noded/infrastructure/logging"
)

func testLogger() *logging.Logger {
	return logging.New("noded-test", "info", "text")
}

func TestVerbosityToLevel(t *testing.T) {
	require.Equal(t, "info", verbosityToLevel(0))
	require.Equal(t, "debug", verbosityToLevel(1))
	require.Equal(t, "trace", verbosityToLevel(2))
	require.Equal(t, "trace", verbosityToLevel(99))
}

func TestLoadOrCreateNetworkKeyPersistsAcrossRestarts(t *testing.T) {
	home := t.TempDir()

	priv1, fp1, err := loadOrCreateNetworkKey(home, "")
	require.NoError(t, err)
	require.NotEmpty(t, fp1)

	priv2, fp2, err := loadOrCreateNetworkKey(home, "")
	require.NoError(t, err)
	require.Equal(t, fp1, fp2)
	require.Equal(t, priv1, priv2)
}

func TestLoadOrCreateNetworkKeySealedUnderPassword(t *testing.T) {
	home := t.TempDir()

	priv1, fp1, err := loadOrCreateNetworkKey(home, "hunter2")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(home, ".keys"))
	require.NoError(t, err)
	require.Contains(t, string(data), `"sealed": true`)

	priv2, fp2, err := loadOrCreateNetworkKey(home, "hunter2")
	require.NoError(t, err)
	require.Equal(t, fp1, fp2)
	require.Equal(t, priv1, priv2)

	_, _, err = loadOrCreateNetworkKey(home, "wrong password")
	require.Error(t, err)
}

func TestRotatingFileRotatesAndCapsGenerations(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "noded.log")

	rf, err := newRotatingFile(path, 16, 2)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := rf.Write([]byte("0123456789\n"))
		require.NoError(t, err)
	}
	require.NoError(t, rf.Close())

	_, err = os.Stat(path)
	require.NoError(t, err)
	_, err = os.Stat(path + ".1")
	require.NoError(t, err)
	_, err = os.Stat(path + ".2")
	require.NoError(t, err)
	_, err = os.Stat(path + ".3")
	require.True(t, os.IsNotExist(err))
}

func TestApplySoftUlimitZeroIsNoop(t *testing.T) {
	log := testLogger()
	applySoftUlimit(0, log)
}

func TestLoadOrCreateNetworkKeyUnsealedHasNoNonce(t *testing.T) {
	home := t.TempDir()

	_, _, err := loadOrCreateNetworkKey(home, "")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(home, ".keys"))
	require.NoError(t, err)
	require.Contains(t, string(data), `"sealed": false`)
	require.NotContains(t, string(data), `"nonce"`)
}
