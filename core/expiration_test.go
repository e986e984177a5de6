package core

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/VanDung-dev/HieraChain-TxPool/codec"
	"github.com/VanDung-dev/HieraChain-TxPool/engine"
	"github.com/VanDung-dev/HieraChain-TxPool/storage"
)

func TestExpirationCutoff(t *testing.T) {
	e := &ExpirationService{cfg: ExpirationConfig{MaxTransactionAge: 10}}
	tests := []struct {
		height uint64
		cutoff uint64
	}{
		{0, 0},
		{8, 0},
		{9, 0},
		{10, 1},
		{25, 16},
	}
	for _, tt := range tests {
		if got := e.Cutoff(tt.height); got != tt.cutoff {
			t.Errorf("Cutoff(%d): expected %d, got %d", tt.height, tt.cutoff, got)
		}
	}

	disabled := &ExpirationService{}
	if got := disabled.Cutoff(1000); got != 0 {
		t.Errorf("Expected disabled expiry, got cutoff %d", got)
	}
}

func TestExpirationBoundary(t *testing.T) {
	for _, persistent := range []bool{false, true} {
		name := "memory"
		if persistent {
			name = "storage"
		}
		t.Run(name, func(t *testing.T) {
			var store Store
			var db *storage.Store
			if persistent {
				var err error
				db, err = storage.OpenMemory()
				require.NoError(t, err)
				defer db.Close()
				store = db
			}
			tp := newTestPool(t, func(c *Config) { c.Expiration.MaxTransactionAge = 3 }, store)
			require.NoError(t, tp.OnBlockApplied(10, nil))

			acc := newAccount(t)
			raw := acc.next(t, 1000)
			tp.submit(t, raw)
			id := codec.ID(raw)

			// Admitted at 10 with age 3: present through 12, gone at 13.
			require.NoError(t, tp.OnBlockApplied(12, nil))
			if _, ok := tp.Get(id); !ok {
				t.Fatal("Expected transaction present at height 12")
			}
			require.NoError(t, tp.OnBlockApplied(13, nil))
			if _, ok := tp.Get(id); ok {
				t.Fatal("Expected transaction expired at height 13")
			}
			if n := tp.handler.appliedCount(); n != 0 {
				t.Errorf("Expected expired transaction reverted, %d applied", n)
			}
			if db != nil {
				n, err := db.Count()
				require.NoError(t, err)
				if n != 0 {
					t.Errorf("Expected stored record removed, %d left", n)
				}
			}
		})
	}
}

func TestExpirationLogsExpiredError(t *testing.T) {
	tp := newTestPool(t, func(c *Config) { c.Expiration.MaxTransactionAge = 3 }, nil)
	obs, logs := observer.New(zapcore.InfoLevel)
	tp.expiration.log = zap.New(obs)

	acc := newAccount(t)
	require.NoError(t, tp.OnBlockApplied(10, nil))
	tp.submit(t, acc.next(t, 1000))
	require.NoError(t, tp.OnBlockApplied(13, nil))

	entries := logs.FilterMessage("expired transactions").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	if fields["error"] != engine.ErrExpired.Error() {
		t.Errorf("Expected error %q, got %v", engine.ErrExpired, fields["error"])
	}
	if fields["count"] != int64(1) {
		t.Errorf("Expected count 1, got %v", fields["count"])
	}
}

func TestExpirationCascades(t *testing.T) {
	tp := newTestPool(t, func(c *Config) { c.Expiration.MaxTransactionAge = 3 }, nil)
	acc := newAccount(t)

	require.NoError(t, tp.OnBlockApplied(10, nil))
	n1 := acc.next(t, 1000)
	tp.submit(t, n1)
	require.NoError(t, tp.OnBlockApplied(11, nil))
	n2 := acc.next(t, 1000)
	tp.submit(t, n2)

	require.NoError(t, tp.OnBlockApplied(13, nil))
	if tp.Size() != 0 {
		t.Errorf("Expected later nonce removed with the expired one, size %d", tp.Size())
	}
}

func TestExpirationPruneStale(t *testing.T) {
	tp := newTestPool(t, nil, nil)
	acc := newAccount(t)
	n1, n2 := acc.next(t, 1000), acc.next(t, 1000)
	tp.submit(t, n1, n2)

	// n1 confirmed without the pool being told.
	tp.ledger.set(acc.address, 2)
	require.NoError(t, tp.Sweep())
	require.Equal(t, []string{codec.ID(n2)}, ids(tp.BySender(acc.address)))

	// The ledger moved past everything pooled.
	tp.ledger.set(acc.address, 5)
	require.NoError(t, tp.Sweep())
	if tp.Size() != 0 {
		t.Errorf("Expected stale sender dropped, size %d", tp.Size())
	}
	if n := tp.handler.appliedCount(); n != 0 {
		t.Errorf("Expected stale transactions reverted, %d applied", n)
	}
}
