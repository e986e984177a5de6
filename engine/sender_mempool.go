package engine

import (
	"iter"

	"github.com/google/btree"
)

// SenderMempool holds the pending transactions of one account in nonce order.
// The sequence is gapless and starts at the ledger's next nonce for the account.
// It is not safe for concurrent use.
type SenderMempool struct {
	address string
	ledger  Ledger
	txs     *btree.BTreeG[*Transaction]
	byID    map[string]*Transaction
}

func byNonce(a, b *Transaction) bool { return a.Nonce < b.Nonce }

// NewSenderMempool creates an empty sender mempool for address.
func NewSenderMempool(address string, ledger Ledger) *SenderMempool {
	return &SenderMempool{
		address: address,
		ledger:  ledger,
		txs:     btree.NewG(16, byNonce),
		byID:    make(map[string]*Transaction),
	}
}

// Address returns the account this mempool belongs to.
func (s *SenderMempool) Address() string { return s.address }

// Size returns the number of pending transactions.
func (s *SenderMempool) Size() int { return s.txs.Len() }

// IsDisposable reports whether the sender mempool holds nothing and can be dropped.
func (s *SenderMempool) IsDisposable() bool { return s.txs.Len() == 0 }

// Has reports whether id is pending for this sender.
func (s *SenderMempool) Has(id string) bool {
	_, ok := s.byID[id]
	return ok
}

// Get returns the pending transaction with id.
func (s *SenderMempool) Get(id string) (*Transaction, bool) {
	tx, ok := s.byID[id]
	return tx, ok
}

// Earliest returns the lowest-nonce pending transaction.
func (s *SenderMempool) Earliest() (*Transaction, bool) { return s.txs.Min() }

// Latest returns the highest-nonce pending transaction.
func (s *SenderMempool) Latest() (*Transaction, bool) { return s.txs.Max() }

// NextNonce returns the nonce the next admitted transaction must carry.
func (s *SenderMempool) NextNonce() (uint64, error) {
	if last, ok := s.txs.Max(); ok {
		return last.Nonce + 1, nil
	}
	return s.ledger.NextNonce(s.address)
}

// AddTransaction appends tx to the sequence. The nonce must be exactly the next one.
func (s *SenderMempool) AddTransaction(tx *Transaction) error {
	if s.Has(tx.ID) {
		return ErrDuplicateID
	}
	expected, err := s.NextNonce()
	if err != nil {
		return err
	}
	if tx.Nonce != expected {
		return &NonceConflictError{Sender: s.address, Expected: expected, Got: tx.Nonce}
	}
	s.txs.ReplaceOrInsert(tx)
	s.byID[tx.ID] = tx
	return nil
}

// RemoveTransaction removes id together with every later nonce, since the
// remainder could never be applied. Removed transactions are returned in nonce order.
func (s *SenderMempool) RemoveTransaction(id string) []*Transaction {
	tx, ok := s.byID[id]
	if !ok {
		return nil
	}
	var removed []*Transaction
	s.txs.AscendGreaterOrEqual(tx, func(item *Transaction) bool {
		removed = append(removed, item)
		return true
	})
	s.drop(removed)
	return removed
}

// RemoveConfirmedTransaction removes id once it is in a block. Pending nonces
// below it became unusable and are removed too. Later nonces stay.
func (s *SenderMempool) RemoveConfirmedTransaction(id string) []*Transaction {
	tx, ok := s.byID[id]
	if !ok {
		return nil
	}
	var removed []*Transaction
	s.txs.AscendLessThan(tx, func(item *Transaction) bool {
		removed = append(removed, item)
		return true
	})
	removed = append(removed, tx)
	s.drop(removed)
	return removed
}

// Prune drops transactions below next, then drops everything if the
// remaining sequence does not start at next.
func (s *SenderMempool) Prune(next uint64) []*Transaction {
	var removed []*Transaction
	s.txs.Ascend(func(item *Transaction) bool {
		if item.Nonce >= next {
			return false
		}
		removed = append(removed, item)
		return true
	})
	s.drop(removed)

	if first, ok := s.txs.Min(); ok && first.Nonce != next {
		rest := s.Transactions()
		s.drop(rest)
		removed = append(removed, rest...)
	}
	return removed
}

// Transactions returns a snapshot in nonce order.
func (s *SenderMempool) Transactions() []*Transaction {
	out := make([]*Transaction, 0, s.txs.Len())
	s.txs.Ascend(func(item *Transaction) bool {
		out = append(out, item)
		return true
	})
	return out
}

// FromEarliest yields pending transactions in ascending nonce order.
// Each range works on a fresh snapshot.
func (s *SenderMempool) FromEarliest() iter.Seq[*Transaction] {
	return func(yield func(*Transaction) bool) {
		for _, tx := range s.Transactions() {
			if !yield(tx) {
				return
			}
		}
	}
}

// FromLatest yields pending transactions in descending nonce order.
func (s *SenderMempool) FromLatest() iter.Seq[*Transaction] {
	return func(yield func(*Transaction) bool) {
		txs := s.Transactions()
		for i := len(txs) - 1; i >= 0; i-- {
			if !yield(txs[i]) {
				return
			}
		}
	}
}

func (s *SenderMempool) drop(txs []*Transaction) {
	for _, tx := range txs {
		s.txs.Delete(tx)
		delete(s.byID, tx.ID)
	}
}
