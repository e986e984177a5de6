package engine

import (
	"math/bits"
)

// Kind identifies a transaction type within its type group.
type Kind struct {
	TypeGroup uint32 `json:"type_group"`
	Type      uint16 `json:"type"`
}

// Transaction represents a verified transaction held by the pool.
// Its fields are immutable once verified; the pool only stamps the arrival
// sequence and admission height.
type Transaction struct {
	ID              string `json:"id"`
	Network         uint8  `json:"network"`
	Version         uint8  `json:"version"`
	TypeGroup       uint32 `json:"type_group"`
	Type            uint16 `json:"type"`
	Sender          string `json:"sender"`
	SenderPublicKey []byte `json:"sender_public_key"`
	Nonce           uint64 `json:"nonce"`
	Fee             uint64 `json:"fee"`
	Payload         []byte `json:"payload,omitempty"`
	Signature       []byte `json:"signature,omitempty"`
	Serialized      []byte `json:"-"`

	sequence uint64
	height   uint64
}

// Kind returns the type group and type of the transaction.
func (tx *Transaction) Kind() Kind {
	return Kind{TypeGroup: tx.TypeGroup, Type: tx.Type}
}

// Size is the serialised byte size used for fee-rate computation.
func (tx *Transaction) Size() int {
	return len(tx.Serialized)
}

// Sequence is the arrival order assigned by the mempool.
func (tx *Transaction) Sequence() uint64 { return tx.sequence }

// AdmissionHeight is the chain height at which the transaction was admitted.
func (tx *Transaction) AdmissionHeight() uint64 { return tx.height }

// StoredTransaction is the persisted form of an admitted transaction.
type StoredTransaction struct {
	Height     uint64 `json:"height"`
	ID         string `json:"id"`
	Sender     string `json:"sender"`
	Serialized []byte `json:"serialized"`
}

// CompareFeeRate compares fee/size of a and b exactly.
// It returns -1 if a pays less per byte, 0 if equal, 1 if more.
func CompareFeeRate(a, b *Transaction) int {
	sa, sb := uint64(max(a.Size(), 1)), uint64(max(b.Size(), 1))
	// a.Fee/sa <=> b.Fee/sb  <=>  a.Fee*sb <=> b.Fee*sa
	hiA, loA := bits.Mul64(a.Fee, sb)
	hiB, loB := bits.Mul64(b.Fee, sa)
	switch {
	case hiA < hiB || (hiA == hiB && loA < loB):
		return -1
	case hiA > hiB || (hiA == hiB && loA > loB):
		return 1
	}
	return 0
}

// HigherPriority reports whether a should be offered before b: higher fee-rate
// first, earlier arrival on ties.
func HigherPriority(a, b *Transaction) bool {
	if c := CompareFeeRate(a, b); c != 0 {
		return c > 0
	}
	return a.sequence < b.sequence
}

// LowerPriority reports whether a is a better eviction candidate than b:
// lower fee-rate first, later arrival on ties.
func LowerPriority(a, b *Transaction) bool {
	if c := CompareFeeRate(a, b); c != 0 {
		return c < 0
	}
	return a.sequence > b.sequence
}
