package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const validConfigJSON = `{
  "environment": "development",
  "near": {
    "networkId": "testnet",
    "nodeUrl": "https://rpc.testnet.near.org",
    "accountId": "relayer.testnet",
    "privateKey": "ed25519:fakeprivatekey",
    "escrowContractId": "escrow.testnet"
  },
  "ethereum": {
    "network": {
      "name": "sepolia",
      "rpcUrl": "https://sepolia.infura.io/v3/fake",
      "chainId": 11155111
    },
    "privateKey": "0x1111111111111111111111111111111111111111111111111111111111111111",
    "escrowContractAddress": "0x1111111111111111111111111111111111111111",
    "bridgeContractAddress": "0x2222222222222222222222222222222222222222"
  },
  "relayer": {
    "storageDir": "/tmp/relayer-store"
  }
}`

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, validConfigJSON)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 5000, cfg.Relayer.PollingInterval)
	require.Equal(t, 3, cfg.Relayer.MaxRetries)
	require.Equal(t, "info", cfg.Relayer.LogLevel)
	require.Equal(t, 4, cfg.Relayer.ConcurrencyLimit)
	require.Equal(t, 12, cfg.Ethereum.Network.BlockConfirmations)
}

func TestLoad_RejectsMissingRequiredField(t *testing.T) {
	path := writeTempConfig(t, `{"near":{},"ethereum":{"network":{}},"relayer":{}}`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_RejectsMalformedJSON(t *testing.T) {
	path := writeTempConfig(t, `not json at all`)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_EnvOverlayWins(t *testing.T) {
	path := writeTempConfig(t, validConfigJSON)
	t.Setenv("NEAR_ACCOUNT_ID", "override.testnet")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "override.testnet", cfg.Near.AccountID)
	require.Equal(t, "debug", cfg.Relayer.LogLevel)
}

func TestIsSafeChange_DetectsUnsafeFieldChanges(t *testing.T) {
	path := writeTempConfig(t, validConfigJSON)
	before, err := Load(path)
	require.NoError(t, err)

	after, err := Load(path)
	require.NoError(t, err)
	after.Relayer.PollingInterval = 9000
	safe, field := isSafeChange(before, after)
	require.True(t, safe)
	require.Empty(t, field)

	after.Ethereum.EscrowContractAddress = "0x3333333333333333333333333333333333333333"
	safe, field = isSafeChange(before, after)
	require.False(t, safe)
	require.Equal(t, "ethereum.escrowContractAddress", field)
}

func TestWatcher_RejectsUnsafeReload(t *testing.T) {
	path := writeTempConfig(t, validConfigJSON)
	initial, err := Load(path)
	require.NoError(t, err)

	var reloaded *Config
	w, err := NewWatcher(path, initial, func(c *Config) { reloaded = c })
	require.NoError(t, err)
	defer w.Stop()

	unsafe := validConfigJSON
	require.NoError(t, os.WriteFile(path, []byte(replaceOnce(unsafe,
		`"accountId": "relayer.testnet"`,
		`"accountId": "different.testnet"`,
	)), 0o600))
	w.reload()

	require.Nil(t, reloaded)
	require.Equal(t, "relayer.testnet", w.Current().Near.AccountID)
}

func replaceOnce(s, old, new string) string {
	idx := indexOf(s, old)
	if idx < 0 {
		return s
	}
	return s[:idx] + new + s[idx+len(old):]
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
