package core

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/VanDung-dev/HieraChain-TxPool/engine"
)

// Removal reasons reported to the recorder and the log.
const (
	ReasonConfirmed   = "confirmed"
	ReasonEvicted     = "evicted"
	ReasonExpired     = "expired"
	ReasonInvalidated = "invalidated"
	ReasonStale       = "stale"
	ReasonReverted    = "reverted"
)

// poolState guards the mempool. Every mutation runs under the write lock so
// admissions, sweeps and block hooks are serialised; readers share the read lock.
type poolState struct {
	mu       sync.RWMutex
	mempool  *engine.Mempool
	query    *engine.Query
	handlers *engine.HandlerRegistry
	ledger   engine.Ledger
	recorder Recorder
	log      *zap.Logger
	height   atomic.Uint64
}

func newPoolState(m *engine.Mempool, handlers *engine.HandlerRegistry, ledger engine.Ledger, recorder Recorder, log *zap.Logger) *poolState {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	st := &poolState{
		mempool:  m,
		query:    engine.NewQuery(m),
		handlers: handlers,
		ledger:   ledger,
		recorder: recorder,
		log:      log,
	}
	st.height.Store(ledger.Height())
	return st
}

// nextNonce reads the expected nonce of address under the read lock.
func (st *poolState) nextNonce(address string) (uint64, error) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.mempool.NextNonce(address)
}

// release reverts the handler state of transactions that left the pool.
// Callers hold the write lock.
func (st *poolState) release(txs []*engine.Transaction, reason string) {
	if len(txs) == 0 {
		return
	}
	for _, tx := range txs {
		h, ok := st.handlers.Get(tx.Kind())
		if !ok {
			continue
		}
		if err := h.Revert(tx); err != nil {
			st.log.Warn("handler revert failed",
				zap.String("tx", tx.ID),
				zap.String("reason", reason),
				zap.Error(err))
		}
	}
	switch reason {
	case ReasonEvicted:
		st.recorder.TransactionsEvicted(len(txs))
	case ReasonExpired:
		st.recorder.TransactionsExpired(len(txs))
	}
	st.recorder.TransactionsRemoved(reason, len(txs))
	st.recorder.PoolSize(st.mempool.Size())
	st.log.Debug("transactions left the pool", zap.String("reason", reason), zap.Int("count", len(txs)))
}

// remove drops id and its later nonces under the write lock.
func (st *poolState) remove(address, id, reason string) ([]*engine.Transaction, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	removed, err := st.mempool.RemoveTransaction(address, id)
	st.release(removed, reason)
	return removed, err
}
