package engine

import (
	"errors"
	"fmt"
)

// testLedger serves next nonces from a map; unknown accounts start at 1.
type testLedger struct {
	height uint64
	nonces map[string]uint64
}

func newTestLedger() *testLedger {
	return &testLedger{nonces: make(map[string]uint64)}
}

func (l *testLedger) Height() uint64 { return l.height }

func (l *testLedger) NextNonce(address string) (uint64, error) {
	if n, ok := l.nonces[address]; ok {
		return n, nil
	}
	return 1, nil
}

// memStorage records what the mempool persisted.
type memStorage struct {
	records map[string]*StoredTransaction
	failAdd bool
}

func newMemStorage() *memStorage {
	return &memStorage{records: make(map[string]*StoredTransaction)}
}

func (s *memStorage) AddTransaction(rec *StoredTransaction) error {
	if s.failAdd {
		return errors.New("disk full")
	}
	s.records[rec.ID] = rec
	return nil
}

func (s *memStorage) RemoveTransactions(ids ...string) error {
	for _, id := range ids {
		delete(s.records, id)
	}
	return nil
}

func (s *memStorage) Clear() error {
	s.records = make(map[string]*StoredTransaction)
	return nil
}

// newTx builds a transaction whose fee-rate is fee/size.
func newTx(sender string, nonce, fee uint64, size int) *Transaction {
	return &Transaction{
		ID:         fmt.Sprintf("%s-%d", sender, nonce),
		Version:    1,
		TypeGroup:  1,
		Type:       0,
		Sender:     sender,
		Nonce:      nonce,
		Fee:        fee,
		Serialized: make([]byte, size),
	}
}

// staticHandler accepts or refuses everything.
type staticHandler struct {
	refuse  map[string]bool
	applied map[string]bool
}

func newStaticHandler() *staticHandler {
	return &staticHandler{refuse: make(map[string]bool), applied: make(map[string]bool)}
}

func (h *staticHandler) CheckPoolEntry(tx *Transaction) error {
	if h.refuse[tx.ID] {
		return Reject("refused %s", tx.ID)
	}
	return nil
}

func (h *staticHandler) Verify(tx *Transaction) (bool, error) { return !h.refuse[tx.ID], nil }

func (h *staticHandler) Apply(tx *Transaction) error {
	h.applied[tx.ID] = true
	return nil
}

func (h *staticHandler) Revert(tx *Transaction) error {
	delete(h.applied, tx.ID)
	return nil
}
