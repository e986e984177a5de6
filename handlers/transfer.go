// Package handlers contains the transaction kind handlers the node registers
// with the pool.
package handlers

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/VanDung-dev/HieraChain-TxPool/engine"
)

// TransferKind is the kind of a plain value transfer.
var TransferKind = engine.Kind{TypeGroup: 1, Type: 0}

const (
	recipientSize = 20
	// TransferPayloadSize is recipient(20) followed by a big-endian amount(8).
	TransferPayloadSize = recipientSize + 8
)

// Balances is the account state a TransferHandler checks against.
type Balances interface {
	Balance(address string) uint64
}

// Transfer is a decoded transfer payload.
type Transfer struct {
	Recipient string
	Amount    uint64
}

// EncodeTransfer builds a transfer payload. recipient is a hex address.
func EncodeTransfer(recipient string, amount uint64) ([]byte, error) {
	to, err := hex.DecodeString(recipient)
	if err != nil || len(to) != recipientSize {
		return nil, fmt.Errorf("invalid recipient %q", recipient)
	}
	buf := make([]byte, TransferPayloadSize)
	copy(buf, to)
	binary.BigEndian.PutUint64(buf[recipientSize:], amount)
	return buf, nil
}

// DecodeTransfer parses a transfer payload.
func DecodeTransfer(payload []byte) (Transfer, error) {
	if len(payload) != TransferPayloadSize {
		return Transfer{}, engine.Reject("transfer payload is %d bytes, want %d", len(payload), TransferPayloadSize)
	}
	t := Transfer{
		Recipient: hex.EncodeToString(payload[:recipientSize]),
		Amount:    binary.BigEndian.Uint64(payload[recipientSize:]),
	}
	if t.Amount == 0 {
		return Transfer{}, engine.Reject("transfer amount is zero")
	}
	return t, nil
}

// TransferHandler admits value transfers the sender can pay for, counting
// what its pooled transfers already spend.
type TransferHandler struct {
	balances Balances

	mu      sync.Mutex
	pending map[string]uint64
}

// NewTransferHandler creates a handler reading balances from b.
func NewTransferHandler(b Balances) *TransferHandler {
	return &TransferHandler{balances: b, pending: make(map[string]uint64)}
}

func spend(tx *engine.Transaction) (uint64, error) {
	t, err := DecodeTransfer(tx.Payload)
	if err != nil {
		return 0, err
	}
	if t.Recipient == tx.Sender {
		return 0, engine.Reject("transfer to self")
	}
	total := t.Amount + tx.Fee
	if total < t.Amount {
		return 0, engine.Reject("transfer amount overflows")
	}
	return total, nil
}

// CheckPoolEntry refuses a transfer the sender cannot cover on top of its
// pending transfers.
func (h *TransferHandler) CheckPoolEntry(tx *engine.Transaction) error {
	cost, err := spend(tx)
	if err != nil {
		return err
	}
	balance := h.balances.Balance(tx.Sender)

	h.mu.Lock()
	defer h.mu.Unlock()
	if need := h.pending[tx.Sender] + cost; need < cost || need > balance {
		return engine.Reject("insufficient balance: have %d, pending %d, need %d", balance, h.pending[tx.Sender], cost)
	}
	return nil
}

// Verify re-checks a pooled transfer against the current balance.
func (h *TransferHandler) Verify(tx *engine.Transaction) (bool, error) {
	cost, err := spend(tx)
	if err != nil {
		return false, nil
	}
	return h.balances.Balance(tx.Sender) >= cost, nil
}

// Apply adds the transfer to its sender's pending spend.
func (h *TransferHandler) Apply(tx *engine.Transaction) error {
	cost, err := spend(tx)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.pending[tx.Sender] += cost
	h.mu.Unlock()
	return nil
}

// Revert releases the transfer's pending spend.
func (h *TransferHandler) Revert(tx *engine.Transaction) error {
	cost, err := spend(tx)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pending[tx.Sender] <= cost {
		delete(h.pending, tx.Sender)
	} else {
		h.pending[tx.Sender] -= cost
	}
	return nil
}

// Pending returns what address's pooled transfers spend.
func (h *TransferHandler) Pending(address string) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pending[address]
}

// Register binds the handler to TransferKind in r.
func (h *TransferHandler) Register(r *engine.HandlerRegistry) error {
	return r.Register(TransferKind, h)
}
