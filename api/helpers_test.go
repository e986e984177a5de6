package api

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"go.uber.org/zap/zaptest"

	"github.com/VanDung-dev/HieraChain-TxPool/codec"
	"github.com/VanDung-dev/HieraChain-TxPool/core"
	"github.com/VanDung-dev/HieraChain-TxPool/engine"
	"github.com/VanDung-dev/HieraChain-TxPool/handlers"
	"github.com/VanDung-dev/HieraChain-TxPool/ledger"
)

const testNetwork = 30

var recipient = strings.Repeat("cd", 20)

type testEnv struct {
	pool   *core.Pool
	ledger *ledger.Memory
	key    *secp256k1.PrivateKey
	sender string
}

func newTestEnv(t testing.TB, recorder core.Recorder) *testEnv {
	t.Helper()
	cfg := core.DefaultConfig()
	cfg.Codec = codec.Params{Network: testNetwork}
	cfg.Workers = core.WorkerPoolConfig{Workers: 2, QueueSize: 64, Timeout: 2 * time.Second}
	cfg.Processor.ParkTimeout = 200 * time.Millisecond
	cfg.Expiration.SweepInterval = 0

	l := ledger.NewMemory()
	registry := engine.NewHandlerRegistry()
	if err := handlers.NewTransferHandler(l).Register(registry); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey failed: %v", err)
	}
	sender := codec.KeyAddress(key)
	l.Credit(sender, 1_000_000_000)

	deps := core.Dependencies{
		Ledger:   l,
		Handlers: registry,
		Recorder: recorder,
		Logger:   zaptest.NewLogger(t),
	}
	pool, err := core.NewPool(cfg, deps)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	if _, err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(pool.Stop)
	return &testEnv{pool: pool, ledger: l, key: key, sender: sender}
}

// transfer signs a transfer from the env sender.
func (e *testEnv) transfer(t testing.TB, nonce, fee uint64) []byte {
	t.Helper()
	payload, err := handlers.EncodeTransfer(recipient, 10)
	if err != nil {
		t.Fatalf("EncodeTransfer failed: %v", err)
	}
	raw, err := codec.Sign(codec.Unsigned{
		Network:   testNetwork,
		TypeGroup: handlers.TransferKind.TypeGroup,
		Type:      handlers.TransferKind.Type,
		Nonce:     nonce,
		Fee:       fee,
		Payload:   payload,
	}, e.key)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	return raw
}
