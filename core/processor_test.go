package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/VanDung-dev/HieraChain-TxPool/codec"
	"github.com/VanDung-dev/HieraChain-TxPool/engine"
)

type testPool struct {
	*Pool
	ledger  *testLedger
	handler *acceptAll
	relayed *recordingBroadcaster
}

func newTestPool(t *testing.T, mutate func(*Config), store Store) *testPool {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Codec = codec.Params{Network: testNetwork}
	cfg.Workers = WorkerPoolConfig{Workers: 2, QueueSize: 64, Timeout: 2 * time.Second}
	cfg.Processor.ParkTimeout = 200 * time.Millisecond
	cfg.Expiration.SweepInterval = 0
	if mutate != nil {
		mutate(&cfg)
	}

	ledger := newTestLedger()
	handler := newAcceptAll()
	handlers := engine.NewHandlerRegistry()
	if err := handlers.Register(engine.Kind{TypeGroup: 1}, handler); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	relayed := &recordingBroadcaster{}

	deps := Dependencies{
		Ledger:      ledger,
		Handlers:    handlers,
		Broadcaster: relayed,
		NewCodec:    trappedFactory(nil),
		Logger:      zaptest.NewLogger(t),
	}
	if store != nil {
		deps.Store = store
	}
	p, err := NewPool(cfg, deps)
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	if _, err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(p.Stop)
	return &testPool{Pool: p, ledger: ledger, handler: handler, relayed: relayed}
}

func (tp *testPool) submit(t *testing.T, raws ...[]byte) *BatchResult {
	t.Helper()
	res, err := tp.Submit(context.Background(), raws)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	return res
}

type recordingBroadcaster struct {
	mu       sync.Mutex
	payloads [][]byte
}

func (b *recordingBroadcaster) BroadcastTransactions(_ context.Context, payloads [][]byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.payloads = append(b.payloads, payloads...)
	return nil
}

func (b *recordingBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.payloads)
}

// failingStore accepts writes until failAdd is set.
type failingStore struct {
	mu         sync.Mutex
	failAdd    bool
	failRemove bool
	records    map[string]*engine.StoredTransaction
}

func newFailingStore() *failingStore {
	return &failingStore{records: make(map[string]*engine.StoredTransaction)}
}

func (s *failingStore) AddTransaction(rec *engine.StoredTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAdd {
		return errors.New("disk full")
	}
	s.records[rec.ID] = rec
	return nil
}

func (s *failingStore) RemoveTransactions(ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRemove {
		return errors.New("disk gone")
	}
	for _, id := range ids {
		delete(s.records, id)
	}
	return nil
}

func (s *failingStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]*engine.StoredTransaction)
	return nil
}

func (s *failingStore) GetAllTransactions() ([]*engine.StoredTransaction, error) {
	return nil, nil
}

func (s *failingStore) GetTransactionsBelowHeight(uint64) ([]*engine.StoredTransaction, error) {
	return nil, nil
}

func TestStageString(t *testing.T) {
	tests := map[Stage]string{
		StageReceived:      "received",
		StageDeserialising: "deserialising",
		StageFeeCheck:      "fee_check",
		StageInserting:     "inserting",
		StageRejected:      "rejected",
		Stage(99):          "unknown",
	}
	for stage, want := range tests {
		if got := stage.String(); got != want {
			t.Errorf("Expected %q, got %q", want, got)
		}
	}
}

func TestProcessAccepts(t *testing.T) {
	tp := newTestPool(t, nil, nil)
	acc := newAccount(t)

	res := tp.submit(t, acc.next(t, 1000), acc.next(t, 1000), acc.next(t, 1000))
	require.Len(t, res.Accepted(), 3)
	require.Empty(t, res.Rejected())
	for i, o := range res.Outcomes {
		if o.Index != i {
			t.Errorf("Expected index %d, got %d", i, o.Index)
		}
		if o.Stage != StageAdmitted {
			t.Errorf("Expected stage admitted, got %s", o.Stage)
		}
	}

	if tp.Size() != 3 {
		t.Errorf("Expected pool size 3, got %d", tp.Size())
	}
	if n := tp.handler.appliedCount(); n != 3 {
		t.Errorf("Expected 3 applied, got %d", n)
	}
	require.Eventually(t, func() bool { return tp.relayed.count() == 3 }, time.Second, 10*time.Millisecond)
}

func TestProcessDuplicate(t *testing.T) {
	tp := newTestPool(t, nil, nil)
	acc := newAccount(t)
	raw := acc.next(t, 1000)

	tp.submit(t, raw)
	res := tp.submit(t, raw)
	if res.Outcomes[0].Status != StatusDuplicate {
		t.Errorf("Expected duplicate, got %s", res.Outcomes[0].Status)
	}
	if tp.Size() != 1 {
		t.Errorf("Expected pool size 1, got %d", tp.Size())
	}
}

func TestProcessRejections(t *testing.T) {
	tp := newTestPool(t, nil, nil)
	acc := newAccount(t)

	badSig := acc.sign(t, 1, 1000, nil)
	badSig[len(badSig)-1] ^= 0x01

	otherKind, err := codec.Sign(codec.Unsigned{Network: testNetwork, TypeGroup: 2, Nonce: 1, Fee: 1000}, acc.key)
	require.NoError(t, err)

	tests := []struct {
		name  string
		raw   []byte
		stage Stage
		err   error
	}{
		{"junk", []byte("junk"), StageDeserialising, engine.ErrDeserialise},
		{"bad signature", badSig, StageVerifying, engine.ErrVerificationFailed},
		{"low fee", acc.sign(t, 1, 10, nil), StageFeeCheck, engine.ErrFeeTooLow},
		{"unknown kind", otherKind, StageSemanticCheck, engine.ErrSemanticRejection},
		{"stale nonce", acc.sign(t, 0, 1000, nil), StageInserting, engine.ErrNonceConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := tp.submit(t, tt.raw)
			o := res.Outcomes[0]
			if o.Status != StatusRejected {
				t.Fatalf("Expected rejected, got %s", o.Status)
			}
			if o.Stage != tt.stage {
				t.Errorf("Expected stage %s, got %s", tt.stage, o.Stage)
			}
			if !errors.Is(o.Err, tt.err) {
				t.Errorf("Expected %v, got %v", tt.err, o.Err)
			}
		})
	}
	if tp.Size() != 0 {
		t.Errorf("Expected empty pool, got %d", tp.Size())
	}
}

func TestProcessFeeTooLowDetails(t *testing.T) {
	tp := newTestPool(t, nil, nil)
	acc := newAccount(t)

	res := tp.submit(t, acc.sign(t, 1, 10, nil))
	var feeErr *engine.FeeTooLowError
	require.ErrorAs(t, res.Outcomes[0].Err, &feeErr)
	if feeErr.Fee != 10 {
		t.Errorf("Expected fee 10, got %d", feeErr.Fee)
	}
	if feeErr.MinFee <= feeErr.Fee {
		t.Errorf("Expected min fee above 10, got %d", feeErr.MinFee)
	}
	if engine.Code(res.Outcomes[0].Err) != "ERR_LOW_FEE" {
		t.Errorf("Expected ERR_LOW_FEE, got %s", engine.Code(res.Outcomes[0].Err))
	}
}

func TestProcessSemanticRefusal(t *testing.T) {
	tp := newTestPool(t, nil, nil)
	acc := newAccount(t)
	raw := acc.next(t, 1000)
	tp.handler.refuse[codec.ID(raw)] = true

	res := tp.submit(t, raw)
	o := res.Outcomes[0]
	if o.Stage != StageSemanticCheck {
		t.Errorf("Expected semantic_check, got %s", o.Stage)
	}
	var semErr *engine.SemanticError
	require.ErrorAs(t, o.Err, &semErr)
}

func TestProcessRejectionCache(t *testing.T) {
	tp := newTestPool(t, nil, nil)
	acc := newAccount(t)
	bad := acc.next(t, 1000)
	bad[len(bad)-1] ^= 0x01

	tp.submit(t, bad)
	if n := tp.processor.rejections.Len(); n != 1 {
		t.Fatalf("Expected 1 cached rejection, got %d", n)
	}
	before := tp.workers.GetStats().Failed

	res := tp.submit(t, bad)
	if !errors.Is(res.Outcomes[0].Err, engine.ErrVerificationFailed) {
		t.Errorf("Expected cached ErrVerificationFailed, got %v", res.Outcomes[0].Err)
	}
	if after := tp.workers.GetStats().Failed; after != before {
		t.Errorf("Expected cached rejection to skip the workers, failures went %d -> %d", before, after)
	}

	// Fee rejections depend on pool state and are not cached.
	tp.submit(t, acc.sign(t, 1, 10, nil))
	if n := tp.processor.rejections.Len(); n != 1 {
		t.Errorf("Expected 1 cached rejection, got %d", n)
	}
}

func TestProcessRequestCap(t *testing.T) {
	tp := newTestPool(t, func(c *Config) { c.Processor.MaxTransactionsPerRequest = 2 }, nil)
	acc := newAccount(t)

	_, err := tp.Submit(context.Background(), [][]byte{acc.next(t, 1000), acc.next(t, 1000), acc.next(t, 1000)})
	if !errors.Is(err, ErrTooManyTransactions) {
		t.Errorf("Expected ErrTooManyTransactions, got %v", err)
	}
}

func TestProcessTooLarge(t *testing.T) {
	tp := newTestPool(t, func(c *Config) { c.Processor.MaxTransactionBytes = codec.MinSize + 8 }, nil)
	acc := newAccount(t)

	res := tp.submit(t, acc.sign(t, 1, 100000, make([]byte, 64)))
	if !errors.Is(res.Outcomes[0].Err, engine.ErrTooLarge) {
		t.Errorf("Expected ErrTooLarge, got %v", res.Outcomes[0].Err)
	}
}

func TestProcessOutOfOrderNonces(t *testing.T) {
	tp := newTestPool(t, nil, nil)
	acc := newAccount(t)
	n1 := acc.next(t, 1000)
	n2 := acc.next(t, 1000)
	n3 := acc.next(t, 1000)

	res := tp.submit(t, n3, n2, n1)
	require.Len(t, res.Accepted(), 3)

	txs := tp.BySender(acc.address)
	require.Len(t, txs, 3)
	for i, tx := range txs {
		if tx.Nonce != uint64(i+1) {
			t.Errorf("Expected nonce %d at %d, got %d", i+1, i, tx.Nonce)
		}
	}
}

func TestProcessConcurrentSenderOrdering(t *testing.T) {
	tp := newTestPool(t, nil, nil)
	acc := newAccount(t)
	n1 := acc.next(t, 1000)
	n2 := acc.next(t, 1000)

	var wg sync.WaitGroup
	results := make([]*BatchResult, 2)
	for i, raw := range [][]byte{n2, n1} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = tp.Submit(context.Background(), [][]byte{raw})
		}()
	}
	wg.Wait()

	for i, res := range results {
		require.NotNil(t, res)
		if res.Outcomes[0].Status != StatusAccepted {
			t.Errorf("Expected submission %d accepted, got %v", i, res.Outcomes[0].Err)
		}
	}
	if tp.Size() != 2 {
		t.Errorf("Expected pool size 2, got %d", tp.Size())
	}
}

func TestProcessParkTimeout(t *testing.T) {
	tp := newTestPool(t, func(c *Config) { c.Processor.ParkTimeout = 40 * time.Millisecond }, nil)
	acc := newAccount(t)

	start := time.Now()
	res := tp.submit(t, acc.sign(t, 3, 1000, nil))
	o := res.Outcomes[0]

	var nonceErr *engine.NonceConflictError
	require.ErrorAs(t, o.Err, &nonceErr)
	if nonceErr.Expected != 1 || nonceErr.Got != 3 {
		t.Errorf("Expected 1/3, got %d/%d", nonceErr.Expected, nonceErr.Got)
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Error("Expected the transaction to wait for its park timeout")
	}
}

func TestProcessEviction(t *testing.T) {
	tp := newTestPool(t, func(c *Config) {
		c.Mempool.MaxTransactionsInPool = 2
		c.Fees.Pool = engine.FeeTier{MinFeeRate: 1, MaxFeeRate: 1}
	}, nil)
	cheap := newAccount(t)
	rich := newAccount(t)

	tp.submit(t, cheap.next(t, 1000), cheap.next(t, 1000))

	res := tp.submit(t, rich.next(t, 100000))
	if res.Outcomes[0].Status != StatusAccepted {
		t.Fatalf("Expected accepted, got %v", res.Outcomes[0].Err)
	}
	require.Equal(t, []string{codec.ID(cheap.sign(t, 2, 1000, nil))}, res.Evicted)
	if tp.Size() != 2 {
		t.Errorf("Expected pool size 2, got %d", tp.Size())
	}
	if n := tp.handler.appliedCount(); n != 2 {
		t.Errorf("Expected evicted transaction reverted, %d applied", n)
	}

	// A newcomer that would itself be the lowest tail is refused.
	poor := newAccount(t)
	res = tp.submit(t, poor.sign(t, 1, 200, nil))
	if !errors.Is(res.Outcomes[0].Err, engine.ErrPoolFull) {
		t.Errorf("Expected ErrPoolFull, got %v", res.Outcomes[0].Err)
	}
	if tp.Size() != 2 {
		t.Errorf("Expected pool size 2, got %d", tp.Size())
	}
}

func TestProcessApplyFailureKeepsPool(t *testing.T) {
	tp := newTestPool(t, func(c *Config) {
		c.Mempool.MaxTransactionsInPool = 1
		c.Fees.Pool = engine.FeeTier{MinFeeRate: 1, MaxFeeRate: 1}
	}, nil)
	cheap := newAccount(t)
	rich := newAccount(t)

	kept := cheap.next(t, 1000)
	tp.submit(t, kept)

	raw := rich.next(t, 100000)
	tp.handler.mu.Lock()
	tp.handler.failApply[codec.ID(raw)] = true
	tp.handler.mu.Unlock()

	res := tp.submit(t, raw)
	o := res.Outcomes[0]
	if o.Status != StatusRejected || o.Stage != StageSemanticCheck {
		t.Fatalf("Expected semantic rejection, got %s at %s", o.Status, o.Stage)
	}
	if len(res.Evicted) != 0 {
		t.Errorf("Expected nothing evicted, got %v", res.Evicted)
	}
	require.Equal(t, []string{codec.ID(kept)}, ids(tp.BySender(cheap.address)))
	if tp.Size() != 1 {
		t.Errorf("Expected pool size 1, got %d", tp.Size())
	}
	if n := tp.handler.appliedCount(); n != 1 {
		t.Errorf("Expected 1 applied, got %d", n)
	}
	if err := tp.Err(); err != nil {
		t.Errorf("Expected pool running, got %v", err)
	}
}

func TestProcessHaltsOnStorageFailure(t *testing.T) {
	store := newFailingStore()
	tp := newTestPool(t, nil, store)
	acc := newAccount(t)

	tp.submit(t, acc.next(t, 1000))
	store.mu.Lock()
	store.failAdd = true
	store.mu.Unlock()

	res := tp.submit(t, acc.next(t, 1000))
	o := res.Outcomes[0]
	if o.Stage != StageInserting || !errors.Is(o.Err, engine.ErrStorage) {
		t.Errorf("Expected storage failure while inserting, got %s %v", o.Stage, o.Err)
	}
	if tp.Size() != 1 {
		t.Errorf("Expected failed insert rolled back, size %d", tp.Size())
	}

	if _, err := tp.Submit(context.Background(), [][]byte{acc.next(t, 1000)}); !errors.Is(err, ErrHalted) {
		t.Errorf("Expected ErrHalted, got %v", err)
	}
	if !tp.Stats().Halted {
		t.Error("Expected stats to report the halt")
	}
}

func TestProcessHaltsWhenEvictionCannotBeStored(t *testing.T) {
	store := newFailingStore()
	tp := newTestPool(t, func(c *Config) {
		c.Mempool.MaxTransactionsInPool = 1
		c.Fees.Pool = engine.FeeTier{MinFeeRate: 1, MaxFeeRate: 1}
	}, store)
	cheap := newAccount(t)
	rich := newAccount(t)

	tp.submit(t, cheap.next(t, 1000))
	store.mu.Lock()
	store.failRemove = true
	store.mu.Unlock()

	raw := rich.next(t, 100000)
	res := tp.submit(t, raw)
	o := res.Outcomes[0]
	if o.Stage != StageInserting || !errors.Is(o.Err, engine.ErrStorage) {
		t.Errorf("Expected storage failure while inserting, got %s %v", o.Stage, o.Err)
	}
	require.Equal(t, []string{codec.ID(cheap.sign(t, 1, 1000, nil))}, res.Evicted)
	if _, ok := tp.Get(codec.ID(raw)); !ok {
		t.Error("Expected the newcomer kept in the pool")
	}
	if n := tp.handler.appliedCount(); n != 1 {
		t.Errorf("Expected only the newcomer applied, got %d", n)
	}
	if !tp.Stats().Halted {
		t.Error("Expected admission halted")
	}
}

func TestProcessAfterStop(t *testing.T) {
	tp := newTestPool(t, nil, nil)
	acc := newAccount(t)
	tp.Stop()

	res, err := tp.Submit(context.Background(), [][]byte{acc.next(t, 1000)})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if res.Outcomes[0].Status != StatusRejected {
		t.Errorf("Expected rejection after stop, got %s", res.Outcomes[0].Status)
	}
}

func BenchmarkProcess(b *testing.B) {
	cfg := DefaultConfig()
	cfg.Codec = codec.Params{Network: testNetwork}
	cfg.Mempool.MaxTransactionsInPool = 0
	cfg.Mempool.MaxTransactionsPerSender = 0
	cfg.Expiration.SweepInterval = 0
	handlers := engine.NewHandlerRegistry()
	_ = handlers.Register(engine.Kind{TypeGroup: 1}, newAcceptAll())
	p, err := NewPool(cfg, Dependencies{Ledger: newTestLedger(), Handlers: handlers})
	if err != nil {
		b.Fatal(err)
	}
	if _, err := p.Start(context.Background()); err != nil {
		b.Fatal(err)
	}
	defer p.Stop()

	acc := newAccount(b)
	raws := make([][]byte, b.N)
	for i := range raws {
		raws[i] = acc.next(b, 1000)
	}

	b.ResetTimer()
	for _, raw := range raws {
		if _, err := p.Submit(context.Background(), [][]byte{raw}); err != nil {
			b.Fatal(err)
		}
	}
}
