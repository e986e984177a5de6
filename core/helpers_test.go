package core

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/VanDung-dev/HieraChain-TxPool/codec"
	"github.com/VanDung-dev/HieraChain-TxPool/engine"
)

const testNetwork = 30

var (
	panicPayload = []byte("panic!")
	slowPayload  = []byte("slow")
)

// trappedCodec wraps the real codec and misbehaves on marker payloads.
type trappedCodec struct {
	*codec.TransactionCodec
	block chan struct{}
}

func (c *trappedCodec) Decode(raw []byte) (*engine.Transaction, error) {
	if bytes.Contains(raw, panicPayload) {
		panic("decoder exploded")
	}
	if bytes.Contains(raw, slowPayload) && c.block != nil {
		<-c.block
	}
	return c.TransactionCodec.Decode(raw)
}

func trappedFactory(block chan struct{}) func() codec.Codec {
	return func() codec.Codec {
		return &trappedCodec{TransactionCodec: codec.New(), block: block}
	}
}

// account signs transactions with increasing nonces.
type account struct {
	key     *secp256k1.PrivateKey
	address string
	nonce   uint64
}

func newAccount(t testing.TB) *account {
	t.Helper()
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey failed: %v", err)
	}
	return &account{key: key, address: codec.KeyAddress(key), nonce: 1}
}

// sign builds the transaction with the given nonce and fee.
func (a *account) sign(t testing.TB, nonce, fee uint64, payload []byte) []byte {
	t.Helper()
	raw, err := codec.Sign(codec.Unsigned{Network: testNetwork, TypeGroup: 1, Nonce: nonce, Fee: fee, Payload: payload}, a.key)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	return raw
}

// next signs the account's next transaction.
func (a *account) next(t testing.TB, fee uint64) []byte {
	raw := a.sign(t, a.nonce, fee, nil)
	a.nonce++
	return raw
}

// testLedger is a concurrency-safe ledger stub.
type testLedger struct {
	mu     sync.Mutex
	height uint64
	nonces map[string]uint64
}

func newTestLedger() *testLedger {
	return &testLedger{nonces: make(map[string]uint64)}
}

func (l *testLedger) Height() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.height
}

func (l *testLedger) NextNonce(address string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n, ok := l.nonces[address]; ok {
		return n, nil
	}
	return 1, nil
}

func (l *testLedger) set(address string, next uint64) {
	l.mu.Lock()
	l.nonces[address] = next
	l.mu.Unlock()
}

func (l *testLedger) setHeight(h uint64) {
	l.mu.Lock()
	l.height = h
	l.mu.Unlock()
}

// acceptAll is a handler that admits everything and counts pool-local state.
type acceptAll struct {
	mu        sync.Mutex
	applied   map[string]bool
	refuse    map[string]bool
	failApply map[string]bool
}

func newAcceptAll() *acceptAll {
	return &acceptAll{
		applied:   make(map[string]bool),
		refuse:    make(map[string]bool),
		failApply: make(map[string]bool),
	}
}

func (h *acceptAll) CheckPoolEntry(tx *engine.Transaction) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.refuse[tx.ID] {
		return engine.Reject("refused")
	}
	return nil
}

func (h *acceptAll) Verify(tx *engine.Transaction) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.refuse[tx.ID], nil
}

func (h *acceptAll) Apply(tx *engine.Transaction) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failApply[tx.ID] {
		return errors.New("apply failed")
	}
	h.applied[tx.ID] = true
	return nil
}

func (h *acceptAll) Revert(tx *engine.Transaction) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.applied, tx.ID)
	return nil
}

func (h *acceptAll) appliedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.applied)
}
