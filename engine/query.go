package engine

import (
	"container/heap"
	"iter"
)

// Predicate selects transactions in a query.
type Predicate func(tx *Transaction) bool

// Query is a read-only view over a mempool.
type Query struct {
	mempool *Mempool
}

// NewQuery creates a query over m.
func NewQuery(m *Mempool) *Query {
	return &Query{mempool: m}
}

// All yields every pooled transaction, sender by sender in nonce order.
func (q *Query) All() *QueryIterable {
	return newQueryIterable(func(yield func(*Transaction) bool) {
		for _, address := range q.mempool.Senders() {
			s, ok := q.mempool.SenderMempool(address)
			if !ok {
				continue
			}
			for tx := range s.FromEarliest() {
				if !yield(tx) {
					return
				}
			}
		}
	})
}

// BySender yields the transactions of address in nonce order.
func (q *Query) BySender(address string) *QueryIterable {
	return newQueryIterable(func(yield func(*Transaction) bool) {
		s, ok := q.mempool.SenderMempool(address)
		if !ok {
			return
		}
		for tx := range s.FromEarliest() {
			if !yield(tx) {
				return
			}
		}
	})
}

// FromHighestPriority yields transactions by descending fee-rate, earlier
// arrival first on ties. Each sender's transactions keep ascending nonce order.
func (q *Query) FromHighestPriority() *QueryIterable {
	return newQueryIterable(func(yield func(*Transaction) bool) {
		q.merge(false, HigherPriority, yield)
	})
}

// FromLowestPriority yields transactions by ascending fee-rate, later arrival
// first on ties. Each sender's transactions come latest nonce first.
func (q *Query) FromLowestPriority() *QueryIterable {
	return newQueryIterable(func(yield func(*Transaction) bool) {
		q.merge(true, LowerPriority, yield)
	})
}

func (q *Query) merge(reverse bool, before func(a, b *Transaction) bool, yield func(*Transaction) bool) {
	h := &senderHeap{before: before}
	for _, address := range q.mempool.Senders() {
		s, ok := q.mempool.SenderMempool(address)
		if !ok {
			continue
		}
		txs := s.Transactions()
		if len(txs) == 0 {
			continue
		}
		if reverse {
			for i, j := 0, len(txs)-1; i < j; i, j = i+1, j-1 {
				txs[i], txs[j] = txs[j], txs[i]
			}
		}
		h.cursors = append(h.cursors, &cursor{txs: txs})
	}
	heap.Init(h)

	for h.Len() > 0 {
		c := h.cursors[0]
		if !yield(c.txs[c.pos]) {
			return
		}
		c.pos++
		if c.pos == len(c.txs) {
			heap.Pop(h)
		} else {
			heap.Fix(h, 0)
		}
	}
}

// cursor walks one sender's snapshot.
type cursor struct {
	txs []*Transaction
	pos int
}

// senderHeap implements heap.Interface over the head transaction of each sender.
type senderHeap struct {
	cursors []*cursor
	before  func(a, b *Transaction) bool
}

func (h senderHeap) Len() int { return len(h.cursors) }

func (h senderHeap) Less(i, j int) bool {
	a, b := h.cursors[i], h.cursors[j]
	return h.before(a.txs[a.pos], b.txs[b.pos])
}

func (h senderHeap) Swap(i, j int) { h.cursors[i], h.cursors[j] = h.cursors[j], h.cursors[i] }

func (h *senderHeap) Push(x interface{}) { h.cursors = append(h.cursors, x.(*cursor)) }

func (h *senderHeap) Pop() interface{} {
	old := h.cursors
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	h.cursors = old[:n-1]
	return c
}

// QueryIterable describes a traversal plus filters. It holds no iteration
// state: every call to All starts over from the current pool contents.
type QueryIterable struct {
	source     iter.Seq[*Transaction]
	predicates []Predicate
}

func newQueryIterable(source iter.Seq[*Transaction]) *QueryIterable {
	return &QueryIterable{source: source}
}

// Where narrows the iterable with p. The receiver is left unchanged.
func (qi *QueryIterable) Where(p Predicate) *QueryIterable {
	preds := make([]Predicate, len(qi.predicates), len(qi.predicates)+1)
	copy(preds, qi.predicates)
	return &QueryIterable{source: qi.source, predicates: append(preds, p)}
}

// WhereID keeps the transaction with id.
func (qi *QueryIterable) WhereID(id string) *QueryIterable {
	return qi.Where(func(tx *Transaction) bool { return tx.ID == id })
}

// WhereType keeps transactions of type t, in any type group.
func (qi *QueryIterable) WhereType(t uint16) *QueryIterable {
	return qi.Where(func(tx *Transaction) bool { return tx.Type == t })
}

// WhereVersion keeps transactions with version v.
func (qi *QueryIterable) WhereVersion(v uint8) *QueryIterable {
	return qi.Where(func(tx *Transaction) bool { return tx.Version == v })
}

// WhereKind keeps transactions of the given type group and type.
func (qi *QueryIterable) WhereKind(kind Kind) *QueryIterable {
	return qi.Where(func(tx *Transaction) bool { return tx.Kind() == kind })
}

// All yields the matching transactions lazily.
func (qi *QueryIterable) All() iter.Seq[*Transaction] {
	return func(yield func(*Transaction) bool) {
		for tx := range qi.source {
			if qi.match(tx) && !yield(tx) {
				return
			}
		}
	}
}

func (qi *QueryIterable) match(tx *Transaction) bool {
	for _, p := range qi.predicates {
		if !p(tx) {
			return false
		}
	}
	return true
}

// Has reports whether any transaction matches.
func (qi *QueryIterable) Has() bool {
	for range qi.All() {
		return true
	}
	return false
}

// First returns the first matching transaction or ErrNotFound.
func (qi *QueryIterable) First() (*Transaction, error) {
	for tx := range qi.All() {
		return tx, nil
	}
	return nil, ErrNotFound
}

// Collect materialises the matching transactions.
func (qi *QueryIterable) Collect() []*Transaction {
	var out []*Transaction
	for tx := range qi.All() {
		out = append(out, tx)
	}
	return out
}
