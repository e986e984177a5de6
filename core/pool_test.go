package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/VanDung-dev/HieraChain-TxPool/codec"
	"github.com/VanDung-dev/HieraChain-TxPool/engine"
	"github.com/VanDung-dev/HieraChain-TxPool/storage"
)

func TestNewPoolRequiresDependencies(t *testing.T) {
	if _, err := NewPool(DefaultConfig(), Dependencies{}); err == nil {
		t.Error("Expected error without a ledger")
	}
	if _, err := NewPool(DefaultConfig(), Dependencies{Ledger: newTestLedger()}); err == nil {
		t.Error("Expected error without handlers")
	}
}

func TestPoolStartTwice(t *testing.T) {
	tp := newTestPool(t, nil, nil)
	if _, err := tp.Start(context.Background()); err == nil {
		t.Error("Expected error starting a running pool")
	}
}

func TestPoolReplay(t *testing.T) {
	store, err := storage.OpenMemory()
	require.NoError(t, err)
	defer store.Close()

	acc := newAccount(t)
	raws := [][]byte{acc.next(t, 1000), acc.next(t, 1000), acc.next(t, 3000)}

	first := newTestPool(t, nil, store)
	require.Len(t, first.submit(t, raws...).Accepted(), 3)
	first.Stop()

	n, err := store.Count()
	require.NoError(t, err)
	if n != 3 {
		t.Fatalf("Expected 3 stored records, got %d", n)
	}

	// A record that no longer verifies is dropped on replay.
	require.NoError(t, store.AddTransaction(&engine.StoredTransaction{
		Height: 0, ID: "corrupt", Sender: acc.address, Serialized: []byte("corrupt"),
	}))

	second := newTestPool(t, nil, store)
	if second.Size() != 3 {
		t.Errorf("Expected 3 restored transactions, got %d", second.Size())
	}
	if n := second.handler.appliedCount(); n != 3 {
		t.Errorf("Expected restored transactions applied, got %d", n)
	}
	if _, err := store.GetTransaction("corrupt"); err == nil {
		t.Error("Expected corrupt record deleted")
	}
	if second.relayed.count() != 0 {
		t.Error("Restored transactions must not be relayed")
	}

	txs := second.BySender(acc.address)
	require.Len(t, txs, 3)
	for i, tx := range txs {
		require.Equal(t, codec.ID(raws[i]), tx.ID)
	}
}

func TestPoolReplayStats(t *testing.T) {
	store, err := storage.OpenMemory()
	require.NoError(t, err)
	defer store.Close()

	acc := newAccount(t)
	for nonce := uint64(1); nonce <= 2; nonce++ {
		raw := acc.sign(t, nonce, 1000, nil)
		require.NoError(t, store.AddTransaction(&engine.StoredTransaction{
			Height: 5, ID: codec.ID(raw), Sender: acc.address, Serialized: raw,
		}))
	}
	// Nonce 4 cannot follow 2 and is dropped.
	gap := acc.sign(t, 4, 1000, nil)
	require.NoError(t, store.AddTransaction(&engine.StoredTransaction{
		Height: 6, ID: codec.ID(gap), Sender: acc.address, Serialized: gap,
	}))

	cfg := DefaultConfig()
	cfg.Codec = codec.Params{Network: testNetwork}
	cfg.Processor.ParkTimeout = 20 * time.Millisecond
	cfg.Expiration.SweepInterval = 0
	handlers := engine.NewHandlerRegistry()
	require.NoError(t, handlers.Register(engine.Kind{TypeGroup: 1}, newAcceptAll()))

	p, err := NewPool(cfg, Dependencies{
		Ledger:   newTestLedger(),
		Handlers: handlers,
		Store:    store,
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	stats, err := p.Start(context.Background())
	require.NoError(t, err)
	defer p.Stop()

	require.Equal(t, &ReplayStats{Restored: 2, Dropped: 1}, stats)
	tx, ok := p.Get(codec.ID(acc.sign(t, 1, 1000, nil)))
	require.True(t, ok)
	if tx.AdmissionHeight() != 5 {
		t.Errorf("Expected admission height 5 kept, got %d", tx.AdmissionHeight())
	}
	n, err := store.Count()
	require.NoError(t, err)
	if n != 2 {
		t.Errorf("Expected 2 stored records, got %d", n)
	}
}

func TestPoolAdmissionHeightTakenAtInsertion(t *testing.T) {
	store, err := storage.OpenMemory()
	require.NoError(t, err)
	defer store.Close()

	acc := newAccount(t)
	n1, n2 := acc.sign(t, 1, 1000, nil), acc.sign(t, 2, 1000, nil)

	first := newTestPool(t, func(c *Config) { c.Processor.ParkTimeout = 2 * time.Second }, store)
	parked := make(chan *BatchResult, 1)
	go func() {
		res, _ := first.Submit(context.Background(), [][]byte{n2})
		parked <- res
	}()
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, first.OnBlockApplied(1, nil))
	first.submit(t, n1)

	res := <-parked
	require.NotNil(t, res)
	if res.Outcomes[0].Status != StatusAccepted {
		t.Fatalf("Expected parked nonce accepted, got %v", res.Outcomes[0].Err)
	}
	for _, raw := range [][]byte{n1, n2} {
		tx, ok := first.Get(codec.ID(raw))
		require.True(t, ok)
		if tx.AdmissionHeight() != 1 {
			t.Errorf("Expected nonce %d admitted at height 1, got %d", tx.Nonce, tx.AdmissionHeight())
		}
	}
	first.Stop()

	second := newTestPool(t, nil, store)
	require.Equal(t, []string{codec.ID(n1), codec.ID(n2)}, ids(second.BySender(acc.address)))
}

func TestPoolReplayKeepsNonceOrderAcrossHeights(t *testing.T) {
	store, err := storage.OpenMemory()
	require.NoError(t, err)
	defer store.Close()

	acc := newAccount(t)
	other := newAccount(t)
	n1, n2 := acc.sign(t, 1, 1000, nil), acc.sign(t, 2, 1000, nil)
	o1 := other.sign(t, 1, 1000, nil)
	// The later nonce carries the lower height.
	for _, rec := range []*engine.StoredTransaction{
		{Height: 4, ID: codec.ID(n1), Sender: acc.address, Serialized: n1},
		{Height: 2, ID: codec.ID(n2), Sender: acc.address, Serialized: n2},
		{Height: 3, ID: codec.ID(o1), Sender: other.address, Serialized: o1},
	} {
		require.NoError(t, store.AddTransaction(rec))
	}

	tp := newTestPool(t, func(c *Config) { c.Processor.ParkTimeout = 20 * time.Millisecond }, store)
	if tp.Size() != 3 {
		t.Fatalf("Expected 3 restored transactions, got %d", tp.Size())
	}
	require.Equal(t, []string{codec.ID(n1), codec.ID(n2)}, ids(tp.BySender(acc.address)))
	n, err := store.Count()
	require.NoError(t, err)
	if n != 3 {
		t.Errorf("Expected 3 stored records, got %d", n)
	}
}

func TestChainOrder(t *testing.T) {
	tx := func(sender string, nonce, key uint64) *engine.Transaction {
		return &engine.Transaction{ID: sender + string(rune('0'+nonce)), Sender: sender, Nonce: nonce, Fee: key}
	}
	a1, a2, b1 := tx("a", 1, 5), tx("a", 2, 1), tx("b", 1, 3)
	txs := []*engine.Transaction{a2, b1, a1}
	chainOrder(txs, func(tx *engine.Transaction) uint64 { return tx.Fee })

	// a2's key is raised to a1's, so b1 comes first.
	require.Equal(t, []*engine.Transaction{b1, a1, a2}, txs)
}

func TestPoolCandidates(t *testing.T) {
	tp := newTestPool(t, nil, nil)
	a := newAccount(t)
	b := newAccount(t)

	a1, a2 := a.next(t, 1000), a.next(t, 1000)
	b1 := b.next(t, 5000)
	tp.submit(t, a1, a2, b1)

	c := tp.Candidates(false, nil)
	require.Equal(t, []string{codec.ID(b1), codec.ID(a1), codec.ID(a2)}, c.IDs())

	c = tp.Candidates(false, []string{codec.ID(b1)})
	require.Equal(t, []string{codec.ID(a1), codec.ID(a2)}, c.IDs())

	tp.handler.mu.Lock()
	tp.handler.refuse[codec.ID(a1)] = true
	tp.handler.mu.Unlock()

	c = tp.Candidates(true, nil)
	require.Equal(t, []string{codec.ID(b1)}, c.IDs())
	require.Len(t, c.Invalid, 1)
	if tp.Size() != 1 {
		t.Errorf("Expected invalid transaction and its successor removed, size %d", tp.Size())
	}
}

func TestPoolOnBlockApplied(t *testing.T) {
	tp := newTestPool(t, nil, nil)
	acc := newAccount(t)
	n1, n2, n3 := acc.next(t, 1000), acc.next(t, 1000), acc.next(t, 1000)
	tp.submit(t, n1, n2, n3)

	tp.ledger.set(acc.address, 3)
	tp.ledger.setHeight(1)
	err := tp.OnBlockApplied(1, []TxRef{{Sender: acc.address, ID: codec.ID(n2)}})
	require.NoError(t, err)

	if tp.Height() != 1 {
		t.Errorf("Expected height 1, got %d", tp.Height())
	}
	require.Equal(t, []string{codec.ID(n3)}, ids(tp.BySender(acc.address)))
	if n := tp.handler.appliedCount(); n != 1 {
		t.Errorf("Expected confirmed transactions reverted, %d applied", n)
	}

	res := tp.submit(t, acc.next(t, 1000))
	if res.Outcomes[0].Status != StatusAccepted {
		t.Errorf("Expected nonce 4 accepted, got %v", res.Outcomes[0].Err)
	}
}

func TestPoolOnBlockReverted(t *testing.T) {
	tp := newTestPool(t, nil, nil)
	a := newAccount(t)
	b := newAccount(t)

	// b's nonce 1 was confirmed in the block being reverted.
	b1 := b.next(t, 1000)
	tp.ledger.set(b.address, 2)
	b2 := b.next(t, 1000)
	a1 := a.next(t, 1000)
	tp.submit(t, a1, b2)

	tp.ledger.set(b.address, 1)
	dropped, err := tp.OnBlockReverted(context.Background(), 0, [][]byte{b1})
	require.NoError(t, err)
	if dropped != 0 {
		t.Errorf("Expected nothing dropped, got %d", dropped)
	}

	require.Equal(t, []string{codec.ID(b1), codec.ID(b2)}, ids(tp.BySender(b.address)))
	require.Equal(t, []string{codec.ID(a1)}, ids(tp.BySender(a.address)))
	if n := tp.handler.appliedCount(); n != 3 {
		t.Errorf("Expected 3 applied, got %d", n)
	}
}

func TestPoolOnBlockRevertedKeepsArrivalOrder(t *testing.T) {
	tp := newTestPool(t, nil, nil)
	x, y := newAccount(t), newAccount(t)
	if x.address < y.address {
		x, y = y, x
	}
	// x sorts after y by address but arrives first.
	xRaw, yRaw := x.next(t, 1000), y.next(t, 1000)
	tp.submit(t, xRaw)
	tp.submit(t, yRaw)

	order := func() []string {
		var out []string
		tp.View(func(q *engine.Query) { out = ids(q.FromHighestPriority().Collect()) })
		return out
	}
	want := []string{codec.ID(xRaw), codec.ID(yRaw)}
	require.Equal(t, want, order())

	dropped, err := tp.OnBlockReverted(context.Background(), 0, nil)
	require.NoError(t, err)
	if dropped != 0 {
		t.Errorf("Expected nothing dropped, got %d", dropped)
	}
	require.Equal(t, want, order(), "equal-fee order after revert")
}

func TestPoolRebroadcast(t *testing.T) {
	tp := newTestPool(t, nil, nil)
	acc := newAccount(t)
	tp.submit(t, acc.next(t, 1000), acc.next(t, 1000))
	require.Eventually(t, func() bool { return tp.relayed.count() == 2 }, time.Second, 10*time.Millisecond)

	n, err := tp.Rebroadcast(context.Background(), 1)
	require.NoError(t, err)
	if n != 1 {
		t.Errorf("Expected 1 rebroadcast, got %d", n)
	}
	if tp.relayed.count() != 3 {
		t.Errorf("Expected 3 relayed payloads, got %d", tp.relayed.count())
	}
}

func TestPoolStats(t *testing.T) {
	tp := newTestPool(t, nil, nil)
	acc := newAccount(t)
	tp.submit(t, acc.next(t, 1000))

	stats := tp.Stats()
	if stats.Mempool.Size != 1 || stats.Mempool.Senders != 1 {
		t.Errorf("Expected 1 transaction from 1 sender, got %+v", stats.Mempool)
	}
	if stats.Workers.Workers != 2 {
		t.Errorf("Expected 2 workers, got %d", stats.Workers.Workers)
	}
	if stats.Halted {
		t.Error("Pool should not be halted")
	}
}

func TestPoolView(t *testing.T) {
	tp := newTestPool(t, nil, nil)
	acc := newAccount(t)
	raw := acc.next(t, 1000)
	tp.submit(t, raw)

	tp.View(func(q *engine.Query) {
		tx, err := q.All().WhereID(codec.ID(raw)).First()
		require.NoError(t, err)
		require.Equal(t, acc.address, tx.Sender)
		_, err = q.All().WhereType(7).First()
		require.ErrorIs(t, err, engine.ErrNotFound)
	})
}

func ids(txs []*engine.Transaction) []string {
	out := make([]string, len(txs))
	for i, tx := range txs {
		out[i] = tx.ID
	}
	return out
}
