package engine

// CollatorConfig bounds a block candidate list.
type CollatorConfig struct {
	MaxTransactionsPerBlock int `json:"max_transactions_per_block"`
	MaxBlockPayloadBytes    int `json:"max_block_payload_bytes"`
}

// DefaultCollatorConfig returns the default block budget.
func DefaultCollatorConfig() CollatorConfig {
	return CollatorConfig{
		MaxTransactionsPerBlock: 500,
		MaxBlockPayloadBytes:    2 * 1024 * 1024,
	}
}

// Candidates is the outcome of one collation.
type Candidates struct {
	Transactions []*Transaction
	PayloadBytes int
	// Invalid holds transactions that failed re-validation. Their later nonces
	// were skipped and must leave the pool with them.
	Invalid []*Transaction
}

// IDs returns the candidate ids in block order.
func (c *Candidates) IDs() []string {
	ids := make([]string, len(c.Transactions))
	for i, tx := range c.Transactions {
		ids[i] = tx.ID
	}
	return ids
}

// Collator builds priority-ordered block candidates from the pool.
type Collator struct {
	cfg      CollatorConfig
	query    *Query
	handlers *HandlerRegistry
}

// NewCollator creates a collator over query.
func NewCollator(cfg CollatorConfig, query *Query, handlers *HandlerRegistry) *Collator {
	return &Collator{cfg: cfg, query: query, handlers: handlers}
}

// CandidateTransactions walks the pool from highest priority, skipping
// excludeIDs, optionally re-validating each transaction through its handler,
// and stops when the block budget is spent. Per-sender nonce order is kept.
func (c *Collator) CandidateTransactions(validate bool, excludeIDs []string) *Candidates {
	exclude := make(map[string]struct{}, len(excludeIDs))
	for _, id := range excludeIDs {
		exclude[id] = struct{}{}
	}
	blocked := make(map[string]struct{})
	out := &Candidates{}

	for tx := range c.query.FromHighestPriority().All() {
		if c.cfg.MaxTransactionsPerBlock > 0 && len(out.Transactions) >= c.cfg.MaxTransactionsPerBlock {
			break
		}
		if _, skip := exclude[tx.ID]; skip {
			continue
		}
		if _, skip := blocked[tx.Sender]; skip {
			continue
		}
		if c.cfg.MaxBlockPayloadBytes > 0 && out.PayloadBytes+tx.Size() > c.cfg.MaxBlockPayloadBytes {
			break
		}
		if validate && !c.valid(tx) {
			blocked[tx.Sender] = struct{}{}
			out.Invalid = append(out.Invalid, tx)
			continue
		}
		out.Transactions = append(out.Transactions, tx)
		out.PayloadBytes += tx.Size()
	}
	return out
}

func (c *Collator) valid(tx *Transaction) bool {
	h, err := c.handlers.Handler(tx)
	if err != nil {
		return false
	}
	ok, err := h.Verify(tx)
	return err == nil && ok
}
