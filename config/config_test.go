package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/require"

	"github.com/VanDung-dev/HieraChain-TxPool/engine"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	def := Default()
	require.Equal(t, def.Pool, cfg.Pool)
	require.Equal(t, def.Storage, cfg.Storage)
	require.Equal(t, def.API, cfg.API)
	require.Equal(t, def.Codec, cfg.Codec)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "node.yaml", `
log:
  level: debug
storage:
  path: /var/lib/txpool
  cache_size: 32MB
pool:
  max_transactions_in_pool: 500
  allowed_senders: [aa, bb]
  park_timeout: 750ms
  max_transaction_size: 128KB
  pool_fee:
    min_fee_rate: 2
    max_fee_rate: 40
  addon_bytes:
    - type_group: 1
      type: 3
      bytes: 100
codec:
  network: 30
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "/var/lib/txpool", cfg.Storage.Path)
	require.Equal(t, 32*datasize.MB, cfg.Storage.CacheSize)
	require.Equal(t, 500, cfg.Pool.MaxTransactionsInPool)
	require.Equal(t, []string{"aa", "bb"}, cfg.Pool.AllowedSenders)
	require.Equal(t, 750*time.Millisecond, cfg.Pool.ParkTimeout)
	require.Equal(t, uint8(30), cfg.Codec.Network)

	// Untouched keys keep their defaults.
	require.Equal(t, Default().Pool.MaxTransactionsPerSender, cfg.Pool.MaxTransactionsPerSender)

	core := cfg.CoreConfig()
	require.Equal(t, 128*1024, core.Processor.MaxTransactionBytes)
	require.Equal(t, engine.FeeTier{MinFeeRate: 2, MaxFeeRate: 40}, core.Fees.Pool)
	require.Equal(t, uint64(100), core.Fees.AddonBytes[engine.Kind{TypeGroup: 1, Type: 3}])
	require.Equal(t, []string{"aa", "bb"}, core.Mempool.AllowedSenders)
	require.Equal(t, uint8(30), core.Codec.Network)

	store := cfg.StoreConfig()
	require.Equal(t, "/var/lib/txpool", store.Path)
	require.Equal(t, 32*datasize.MB, store.CacheSize)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("HIE_POOL_WORKERS", "7")
	t.Setenv("HIE_POOL_VERIFY_TIMEOUT", "9s")
	t.Setenv("HIE_API_MAX_MESSAGE_SIZE", "1MB")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 7, cfg.Pool.Workers)
	require.Equal(t, 9*time.Second, cfg.Pool.VerifyTimeout)
	require.Equal(t, datasize.MB, cfg.API.MaxMessageSize)
}

func TestLoadInvalid(t *testing.T) {
	path := writeFile(t, "bad.json", `{"pool": {"pool_fee": {"min_fee_rate": 10, "max_fee_rate": 5}}}`)
	if _, err := Load(path); err == nil {
		t.Error("Expected validation error for inverted fee tier")
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestValidateStorage(t *testing.T) {
	cfg := Default()
	cfg.Storage.Path = ""
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error without a storage path")
	}
	cfg.Storage.InMemory = true
	if err := cfg.Validate(); err != nil {
		t.Errorf("Expected in-memory storage valid, got %v", err)
	}
}

func TestNetworkServiceConfig(t *testing.T) {
	cfg := Default()
	if _, ok := cfg.NetworkServiceConfig(); ok {
		t.Error("Expected relay disabled without a host")
	}

	cfg.Network.Host = "0.0.0.0"
	cfg.Network.Peers = []string{"n2=tcp://10.0.0.2:5555"}
	nc, ok := cfg.NetworkServiceConfig()
	require.True(t, ok)
	require.Equal(t, "0.0.0.0", nc.Host)
	require.Equal(t, 5555, nc.Port)
	require.Equal(t, cfg.Network.Peers, nc.Peers)
	require.Equal(t, 5*time.Second, nc.SendTimeout)

	cfg.Network.Peers = []string{"broken"}
	if err := cfg.Validate(); err == nil {
		t.Error("Expected error for malformed peer")
	}
}
