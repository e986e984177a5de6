package ledger

import "testing"

func TestMemoryDefaults(t *testing.T) {
	m := NewMemory()
	n, err := m.NextNonce("nobody")
	if err != nil {
		t.Fatalf("NextNonce failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected nonce 1, got %d", n)
	}
	if m.Height() != 0 {
		t.Errorf("Expected height 0, got %d", m.Height())
	}
}

func TestMemoryTransfer(t *testing.T) {
	m := NewMemory()
	m.Credit("a", 100)

	if err := m.Transfer("a", "b", 2, 10, 1); err == nil {
		t.Error("Expected nonce error")
	}
	if err := m.Transfer("a", "b", 1, 100, 1); err == nil {
		t.Error("Expected balance error")
	}
	if err := m.Transfer("a", "b", 1, 50, 5); err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}

	if got := m.Balance("a"); got != 45 {
		t.Errorf("Expected balance 45, got %d", got)
	}
	if got := m.Balance("b"); got != 50 {
		t.Errorf("Expected balance 50, got %d", got)
	}
	if n, _ := m.NextNonce("a"); n != 2 {
		t.Errorf("Expected next nonce 2, got %d", n)
	}
}
