// Package ledger provides an in-memory account ledger: balances, next nonces
// and chain height. The node binary uses it as a stand-in chain state; tests use
// it as the pool's Ledger.
package ledger

import (
	"fmt"
	"sync"
)

// Memory is a concurrency-safe in-memory ledger.
type Memory struct {
	mu       sync.RWMutex
	height   uint64
	nonces   map[string]uint64
	balances map[string]uint64
}

// NewMemory creates an empty ledger at height zero.
func NewMemory() *Memory {
	return &Memory{
		nonces:   make(map[string]uint64),
		balances: make(map[string]uint64),
	}
}

// Height returns the current chain height.
func (m *Memory) Height() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.height
}

// SetHeight moves the ledger to height.
func (m *Memory) SetHeight(height uint64) {
	m.mu.Lock()
	m.height = height
	m.mu.Unlock()
}

// NextNonce returns the nonce the next transaction from address must carry.
// Unknown accounts start at 1.
func (m *Memory) NextNonce(address string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if n, ok := m.nonces[address]; ok {
		return n, nil
	}
	return 1, nil
}

// SetNonce sets the next nonce of address.
func (m *Memory) SetNonce(address string, next uint64) {
	m.mu.Lock()
	m.nonces[address] = next
	m.mu.Unlock()
}

// Balance returns the spendable balance of address.
func (m *Memory) Balance(address string) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.balances[address]
}

// Credit adds amount to the balance of address.
func (m *Memory) Credit(address string, amount uint64) {
	m.mu.Lock()
	m.balances[address] += amount
	m.mu.Unlock()
}

// Transfer debits amount+fee from sender, credits amount to recipient and
// advances the sender's nonce. The nonce must be the expected one.
func (m *Memory) Transfer(sender, recipient string, nonce, amount, fee uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	expected, ok := m.nonces[sender]
	if !ok {
		expected = 1
	}
	if nonce != expected {
		return fmt.Errorf("nonce %d for %s, expected %d", nonce, sender, expected)
	}
	total := amount + fee
	if total < amount || m.balances[sender] < total {
		return fmt.Errorf("insufficient balance for %s: have %d, need %d", sender, m.balances[sender], total)
	}
	m.balances[sender] -= total
	m.balances[recipient] += amount
	m.nonces[sender] = nonce + 1
	return nil
}
