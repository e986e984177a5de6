package engine

import (
	"fmt"
	"sort"
)

// Storage persists admitted transactions so the pool survives a restart.
type Storage interface {
	AddTransaction(rec *StoredTransaction) error
	RemoveTransactions(ids ...string) error
	Clear() error
}

// MempoolConfig bounds the pool.
type MempoolConfig struct {
	MaxTransactionsInPool    int      `json:"max_transactions_in_pool"`
	MaxTransactionsPerSender int      `json:"max_transactions_per_sender"`
	AllowedSenders           []string `json:"allowed_senders,omitempty"`
}

// DefaultMempoolConfig returns the default pool bounds.
func DefaultMempoolConfig() MempoolConfig {
	return MempoolConfig{
		MaxTransactionsInPool:    15000,
		MaxTransactionsPerSender: 150,
	}
}

// Mempool aggregates sender mempools and owns the global capacity policy.
// It is not safe for concurrent use; callers serialise mutations.
type Mempool struct {
	cfg     MempoolConfig
	allowed map[string]struct{}
	ledger  Ledger
	storage Storage

	senders map[string]*SenderMempool
	index   map[string]*Transaction
	size    int
	nextSeq uint64
}

// NewMempool creates an empty mempool. A nil storage keeps the pool memory-only.
func NewMempool(cfg MempoolConfig, ledger Ledger, storage Storage) *Mempool {
	if storage == nil {
		storage = nopStorage{}
	}
	allowed := make(map[string]struct{}, len(cfg.AllowedSenders))
	for _, a := range cfg.AllowedSenders {
		allowed[a] = struct{}{}
	}
	return &Mempool{
		cfg:     cfg,
		allowed: allowed,
		ledger:  ledger,
		storage: storage,
		senders: make(map[string]*SenderMempool),
		index:   make(map[string]*Transaction),
	}
}

// AddTransaction admits tx at height and persists it. When the pool overflows,
// the lowest-priority transaction is evicted and returned; if that would be tx
// itself the call fails with ErrPoolFull and nothing changes.
func (m *Mempool) AddTransaction(tx *Transaction, height uint64) (*Transaction, error) {
	return m.add(tx, height, true)
}

// RestoreTransaction admits a transaction read back from storage without writing it again.
func (m *Mempool) RestoreTransaction(tx *Transaction, height uint64) (*Transaction, error) {
	return m.add(tx, height, false)
}

func (m *Mempool) add(tx *Transaction, height uint64, persist bool) (*Transaction, error) {
	if _, exists := m.index[tx.ID]; exists {
		return nil, ErrDuplicateID
	}

	sender, exists := m.senders[tx.Sender]
	if !exists {
		sender = NewSenderMempool(tx.Sender, m.ledger)
	}
	if limit := m.cfg.MaxTransactionsPerSender; limit > 0 && sender.Size() >= limit {
		if _, ok := m.allowed[tx.Sender]; !ok {
			return nil, ErrSenderPoolFull
		}
	}

	m.nextSeq++
	tx.sequence = m.nextSeq
	tx.height = height
	if err := sender.AddTransaction(tx); err != nil {
		return nil, err
	}
	m.senders[tx.Sender] = sender
	m.index[tx.ID] = tx
	m.size++

	var evicted *Transaction
	if capacity := m.cfg.MaxTransactionsInPool; capacity > 0 && m.size > capacity {
		evicted = m.lowestTail()
		m.detach(evicted.Sender, m.senders[evicted.Sender].RemoveTransaction(evicted.ID))
		if evicted == tx {
			return nil, ErrPoolFull
		}
	}

	if persist {
		rec := &StoredTransaction{Height: height, ID: tx.ID, Sender: tx.Sender, Serialized: tx.Serialized}
		if err := m.storage.AddTransaction(rec); err != nil {
			m.detach(tx.Sender, sender.RemoveTransaction(tx.ID))
			if evicted != nil {
				m.reattach(evicted)
			}
			return nil, fmt.Errorf("%w: %v", ErrStorage, err)
		}
	}
	if evicted != nil {
		if err := m.storage.RemoveTransactions(evicted.ID); err != nil {
			return evicted, fmt.Errorf("%w: %v", ErrStorage, err)
		}
	}
	return evicted, nil
}

// reattach puts back a tail transaction that was evicted by a failed add.
func (m *Mempool) reattach(tx *Transaction) {
	sender, ok := m.senders[tx.Sender]
	if !ok {
		sender = NewSenderMempool(tx.Sender, m.ledger)
	}
	if err := sender.AddTransaction(tx); err != nil {
		return
	}
	m.senders[tx.Sender] = sender
	m.index[tx.ID] = tx
	m.size++
}

// lowestTail returns the eviction candidate: the lowest-priority transaction
// among the latest nonce of every sender.
func (m *Mempool) lowestTail() *Transaction {
	var lowest *Transaction
	for _, s := range m.senders {
		tail, ok := s.Latest()
		if !ok {
			continue
		}
		if lowest == nil || LowerPriority(tail, lowest) {
			lowest = tail
		}
	}
	return lowest
}

// RemoveTransaction removes id and every later nonce of address.
func (m *Mempool) RemoveTransaction(address, id string) ([]*Transaction, error) {
	sender, ok := m.senders[address]
	if !ok {
		return nil, nil
	}
	return m.commitRemoval(address, sender.RemoveTransaction(id))
}

// RemoveConfirmedTransaction removes a transaction included in a block along
// with any earlier nonces of the same sender.
func (m *Mempool) RemoveConfirmedTransaction(address, id string) ([]*Transaction, error) {
	sender, ok := m.senders[address]
	if !ok {
		return nil, nil
	}
	return m.commitRemoval(address, sender.RemoveConfirmedTransaction(id))
}

// PruneSender drops pending transactions of address that no longer continue
// from the ledger's next nonce.
func (m *Mempool) PruneSender(address string) ([]*Transaction, error) {
	sender, ok := m.senders[address]
	if !ok {
		return nil, nil
	}
	next, err := m.ledger.NextNonce(address)
	if err != nil {
		return nil, err
	}
	return m.commitRemoval(address, sender.Prune(next))
}

func (m *Mempool) commitRemoval(address string, removed []*Transaction) ([]*Transaction, error) {
	if len(removed) == 0 {
		return nil, nil
	}
	m.detach(address, removed)

	ids := make([]string, len(removed))
	for i, tx := range removed {
		ids[i] = tx.ID
	}
	if err := m.storage.RemoveTransactions(ids...); err != nil {
		return removed, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return removed, nil
}

// detach updates the index and size after a sender mempool removed txs.
func (m *Mempool) detach(address string, removed []*Transaction) {
	for _, tx := range removed {
		delete(m.index, tx.ID)
		m.size--
	}
	if s, ok := m.senders[address]; ok && s.IsDisposable() {
		delete(m.senders, address)
	}
}

// Get returns the pooled transaction with id.
func (m *Mempool) Get(id string) (*Transaction, bool) {
	tx, ok := m.index[id]
	return tx, ok
}

// Has reports whether id is pooled.
func (m *Mempool) Has(id string) bool {
	_, ok := m.index[id]
	return ok
}

// NextNonce returns the nonce the next transaction from address must carry.
func (m *Mempool) NextNonce(address string) (uint64, error) {
	if s, ok := m.senders[address]; ok {
		return s.NextNonce()
	}
	return m.ledger.NextNonce(address)
}

// SenderMempool returns the sender mempool of address without creating one.
func (m *Mempool) SenderMempool(address string) (*SenderMempool, bool) {
	s, ok := m.senders[address]
	return s, ok
}

// HasSenderMempool reports whether address has pending transactions.
func (m *Mempool) HasSenderMempool(address string) bool {
	_, ok := m.senders[address]
	return ok
}

// Senders returns the addresses with pending transactions, sorted.
func (m *Mempool) Senders() []string {
	out := make([]string, 0, len(m.senders))
	for a := range m.senders {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Size returns the number of pooled transactions.
func (m *Mempool) Size() int { return m.size }

// Capacity returns the configured pool bound; zero means unbounded.
func (m *Mempool) Capacity() int { return m.cfg.MaxTransactionsInPool }

// Flush empties the pool and its storage.
func (m *Mempool) Flush() error {
	m.senders = make(map[string]*SenderMempool)
	m.index = make(map[string]*Transaction)
	m.size = 0
	if err := m.storage.Clear(); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

// MempoolStats contains mempool statistics.
type MempoolStats struct {
	Size        int     `json:"size"`
	Capacity    int     `json:"capacity"`
	Senders     int     `json:"senders"`
	Utilization float64 `json:"utilization"`
}

// Stats returns current mempool statistics.
func (m *Mempool) Stats() MempoolStats {
	stats := MempoolStats{
		Size:     m.size,
		Capacity: m.cfg.MaxTransactionsInPool,
		Senders:  len(m.senders),
	}
	if stats.Capacity > 0 {
		stats.Utilization = float64(m.size) / float64(stats.Capacity)
	}
	return stats
}

type nopStorage struct{}

func (nopStorage) AddTransaction(*StoredTransaction) error { return nil }
func (nopStorage) RemoveTransactions(...string) error      { return nil }
func (nopStorage) Clear() error                            { return nil }
