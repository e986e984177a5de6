package engine

import (
	"fmt"
	"sync"
)

// Handler implements the validity rules of one transaction kind.
// The pool invokes it but never interprets the rules itself.
type Handler interface {
	// CheckPoolEntry refuses a transaction that cannot enter the pool given
	// the current ledger and pool-local state. Refusals should be *SemanticError.
	CheckPoolEntry(tx *Transaction) error
	// Verify re-validates a pooled transaction before it is offered to a block.
	Verify(tx *Transaction) (bool, error)
	// Apply records a transaction entering the pool.
	Apply(tx *Transaction) error
	// Revert undoes Apply when the transaction leaves the pool.
	Revert(tx *Transaction) error
}

// Ledger is the read side of account state the pool depends on.
type Ledger interface {
	Height() uint64
	// NextNonce is the nonce the next transaction from address must carry.
	NextNonce(address string) (uint64, error)
}

// HandlerRegistry maps transaction kinds to their handler.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[Kind]Handler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[Kind]Handler)}
}

// Register binds h to kind. Registering a kind twice is an error.
func (r *HandlerRegistry) Register(kind Kind, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[kind]; exists {
		return fmt.Errorf("handler for type %d/%d already registered", kind.TypeGroup, kind.Type)
	}
	r.handlers[kind] = h
	return nil
}

// Get returns the handler for kind.
func (r *HandlerRegistry) Get(kind Kind) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// Handler returns the handler for tx or a semantic rejection for unknown kinds.
func (r *HandlerRegistry) Handler(tx *Transaction) (Handler, error) {
	h, ok := r.Get(tx.Kind())
	if !ok {
		return nil, Reject("unsupported transaction type %d/%d", tx.TypeGroup, tx.Type)
	}
	return h, nil
}

// Kinds lists the registered kinds.
func (r *HandlerRegistry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]Kind, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	return kinds
}
