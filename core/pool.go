package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/VanDung-dev/HieraChain-TxPool/codec"
	"github.com/VanDung-dev/HieraChain-TxPool/engine"
)

// Config gathers the settings of every pool component.
type Config struct {
	Mempool    engine.MempoolConfig
	Fees       engine.FeeConfig
	Collator   engine.CollatorConfig
	Processor  ProcessorConfig
	Workers    WorkerPoolConfig
	Expiration ExpirationConfig
	Codec      codec.Params
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		Mempool:    engine.DefaultMempoolConfig(),
		Fees:       engine.DefaultFeeConfig(),
		Collator:   engine.DefaultCollatorConfig(),
		Processor:  DefaultProcessorConfig(),
		Workers:    DefaultWorkerPoolConfig(),
		Expiration: DefaultExpirationConfig(),
	}
}

// Dependencies are the collaborators a Pool is wired to.
type Dependencies struct {
	Ledger      engine.Ledger
	Handlers    *engine.HandlerRegistry
	Store       Store
	Broadcaster Broadcaster
	Recorder    Recorder
	NewCodec    func() codec.Codec
	Logger      *zap.Logger
}

// TxRef names a transaction by sender and id.
type TxRef struct {
	Sender string `json:"sender"`
	ID     string `json:"id"`
}

// PoolStats contains pool statistics.
type PoolStats struct {
	Height  uint64              `json:"height"`
	Mempool engine.MempoolStats `json:"mempool"`
	Workers WorkerPoolStats     `json:"workers"`
	Halted  bool                `json:"halted"`
}

// ReplayStats reports a startup replay.
type ReplayStats struct {
	Restored int `json:"restored"`
	Dropped  int `json:"dropped"`
}

// Pool is the transaction pool service: it owns the mempool, the verification
// workers, the admission loop and the expiry sweeper.
type Pool struct {
	cfg         Config
	log         *zap.Logger
	state       *poolState
	store       Store
	workers     *WorkerPool
	processor   *Processor
	collator    *engine.Collator
	expiration  *ExpirationService
	broadcaster Broadcaster

	mu      sync.Mutex
	running bool
}

// NewPool wires a pool from cfg and deps. Nothing runs until Start.
func NewPool(cfg Config, deps Dependencies) (*Pool, error) {
	if deps.Ledger == nil {
		return nil, errors.New("pool requires a ledger")
	}
	if deps.Handlers == nil {
		return nil, errors.New("pool requires a handler registry")
	}
	if deps.NewCodec == nil {
		deps.NewCodec = func() codec.Codec { return codec.New() }
	}
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}

	var storage engine.Storage
	if deps.Store != nil {
		storage = deps.Store
	}
	mempool := engine.NewMempool(cfg.Mempool, deps.Ledger, storage)
	st := newPoolState(mempool, deps.Handlers, deps.Ledger, recorder, log.Named("pool"))

	workers := NewWorkerPool("verify", cfg.Workers, deps.NewCodec, log)
	workers.SetRecorder(recorder)

	fees := engine.NewFeeMatcher(cfg.Fees, mempool)
	processor := newProcessor(cfg.Processor, st, workers, fees, deps.Broadcaster, cfg.Mempool.MaxTransactionsPerSender, log)

	p := &Pool{
		cfg:         cfg,
		log:         log.Named("pool"),
		state:       st,
		store:       deps.Store,
		workers:     workers,
		processor:   processor,
		collator:    engine.NewCollator(cfg.Collator, st.query, deps.Handlers),
		broadcaster: deps.Broadcaster,
	}
	p.expiration = newExpirationService(cfg.Expiration, st, deps.Store, processor.halt, log)
	return p, nil
}

// Start configures the workers, starts the admission loop, replays storage
// and starts the sweeper.
func (p *Pool) Start(ctx context.Context) (*ReplayStats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil, errors.New("pool already running")
	}

	if err := p.workers.SetConfig(p.cfg.Codec); err != nil {
		return nil, err
	}
	if err := p.workers.SetHeight(p.state.height.Load()); err != nil {
		return nil, err
	}
	if err := p.processor.Start(); err != nil {
		return nil, err
	}

	stats, err := p.replay(ctx)
	if err != nil {
		p.processor.Stop()
		return nil, fmt.Errorf("replay pool storage: %w", err)
	}
	if err := p.expiration.Start(); err != nil {
		p.processor.Stop()
		return nil, err
	}
	p.running = true

	p.log.Info("transaction pool started",
		zap.Uint64("height", p.state.height.Load()),
		zap.Int("workers", p.workers.Size()),
		zap.Int("restored", stats.Restored),
		zap.Int("dropped", stats.Dropped))
	return stats, nil
}

// Stop shuts the sweeper, the admission loop and the workers down, in that order.
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	p.running = false

	p.expiration.Stop()
	p.processor.Stop()
	timeout := 2 * p.cfg.Workers.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if err := p.workers.ShutdownWithTimeout(timeout); err != nil {
		p.log.Warn("verification workers still busy at shutdown", zap.Error(err))
	}
	p.log.Info("transaction pool stopped")
}

type replayed struct {
	rec *engine.StoredTransaction
	tx  *engine.Transaction
}

// replay re-verifies every stored record and re-admits it through the
// pipeline without writing it again. Records that fail are deleted.
func (p *Pool) replay(ctx context.Context) (*ReplayStats, error) {
	stats := &ReplayStats{}
	if p.store == nil {
		return stats, nil
	}
	recs, err := p.store.GetAllTransactions()
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return stats, nil
	}

	decoded := make([]replayed, len(recs))
	var g errgroup.Group
	g.SetLimit(max(p.workers.Size()*4, 1))
	for i, rec := range recs {
		g.Go(func() error {
			tx, err := p.processor.verify(ctx, rec.Serialized)
			if err != nil {
				p.log.Debug("dropping stored transaction", zap.String("tx", rec.ID), zap.Error(err))
				tx = nil
			} else if tx.ID != rec.ID || tx.Sender != rec.Sender {
				p.log.Warn("stored record does not match its payload", zap.String("tx", rec.ID))
				tx = nil
			}
			decoded[i] = replayed{rec: rec, tx: tx}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var dropped []string
	valid := decoded[:0]
	for _, d := range decoded {
		if d.tx == nil {
			dropped = append(dropped, d.rec.ID)
			continue
		}
		valid = append(valid, d)
	}
	order := make([]*engine.Transaction, len(valid))
	byTx := make(map[*engine.Transaction]replayed, len(valid))
	for i, d := range valid {
		order[i] = d.tx
		byTx[d.tx] = d
	}
	chainOrder(order, func(tx *engine.Transaction) uint64 { return byTx[tx].rec.Height })
	for i, tx := range order {
		valid[i] = byTx[tx]
	}

	for _, d := range valid {
		if err := p.processor.restore(ctx, d.tx, d.rec.Height); err != nil {
			if errors.Is(err, ErrHalted) || errors.Is(err, ErrProcessorStopped) || ctx.Err() != nil {
				return nil, err
			}
			p.log.Debug("stored transaction no longer admissible", zap.String("tx", d.rec.ID), zap.Error(err))
			dropped = append(dropped, d.rec.ID)
			continue
		}
		stats.Restored++
	}

	if len(dropped) > 0 {
		if err := p.store.RemoveTransactions(dropped...); err != nil {
			return nil, err
		}
	}
	stats.Dropped = len(dropped)
	return stats, nil
}

// Submit runs a batch of raw transactions through the admission pipeline.
func (p *Pool) Submit(ctx context.Context, raws [][]byte) (*BatchResult, error) {
	return p.processor.Process(ctx, raws)
}

// Candidates returns the block candidate list. Transactions that fail
// re-validation leave the pool with their later nonces.
func (p *Pool) Candidates(validate bool, excludeIDs []string) *engine.Candidates {
	p.state.mu.RLock()
	out := p.collator.CandidateTransactions(validate, excludeIDs)
	p.state.mu.RUnlock()

	for _, tx := range out.Invalid {
		if _, err := p.state.remove(tx.Sender, tx.ID, ReasonInvalidated); err != nil {
			p.fatal(err)
		}
	}
	return out
}

// OnBlockApplied removes the confirmed transactions, moves the pool to
// height and expires what outlived the maximum age.
func (p *Pool) OnBlockApplied(height uint64, confirmed []TxRef) error {
	st := p.state
	st.mu.Lock()
	var removed []*engine.Transaction
	var firstErr error
	for _, ref := range confirmed {
		txs, err := st.mempool.RemoveConfirmedTransaction(ref.Sender, ref.ID)
		removed = append(removed, txs...)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	st.release(removed, ReasonConfirmed)
	st.mu.Unlock()
	if firstErr != nil {
		p.fatal(firstErr)
		return firstErr
	}

	if err := p.setHeight(height); err != nil {
		return err
	}
	_, err := p.expiration.ExpireAt(height)
	return err
}

// OnBlockReverted moves the pool back to height and re-admits the reverted
// block's transactions ahead of the previous pool content. It returns how
// many previously pooled transactions could not be re-admitted.
func (p *Pool) OnBlockReverted(ctx context.Context, height uint64, reverted [][]byte) (int, error) {
	st := p.state
	st.mu.Lock()
	previous := st.query.All().Collect()
	chainOrder(previous, (*engine.Transaction).Sequence)
	err := st.mempool.Flush()
	st.release(previous, ReasonReverted)
	st.mu.Unlock()
	if err != nil {
		p.fatal(err)
		return 0, err
	}

	if err := p.setHeight(height); err != nil {
		return 0, err
	}

	if len(reverted) > 0 {
		if _, err := p.processor.process(ctx, reverted, false); err != nil {
			return 0, err
		}
	}

	dropped := 0
	broken := make(map[string]struct{})
	for _, tx := range previous {
		if _, ok := broken[tx.Sender]; ok {
			dropped++
			continue
		}
		res, err := p.processor.enqueue(ctx, &admission{tx: tx, height: min(tx.AdmissionHeight(), height), pinned: true})
		if err != nil {
			return dropped, err
		}
		if res.err != nil && !errors.Is(res.err, engine.ErrDuplicateID) {
			broken[tx.Sender] = struct{}{}
			dropped++
		}
	}
	p.log.Info("pool re-admitted after revert",
		zap.Uint64("height", height),
		zap.Int("reverted", len(reverted)),
		zap.Int("previous", len(previous)),
		zap.Int("dropped", dropped))
	return dropped, nil
}

// chainOrder sorts txs by key, then sender, then nonce, except that no
// transaction sorts ahead of a lower nonce of its own sender: a key smaller
// than an earlier nonce's key is raised to it.
func chainOrder(txs []*engine.Transaction, key func(*engine.Transaction) uint64) {
	sort.SliceStable(txs, func(i, j int) bool {
		if txs[i].Sender != txs[j].Sender {
			return txs[i].Sender < txs[j].Sender
		}
		return txs[i].Nonce < txs[j].Nonce
	})
	eff := make(map[*engine.Transaction]uint64, len(txs))
	for i, tx := range txs {
		k := key(tx)
		if i > 0 && txs[i-1].Sender == tx.Sender {
			k = max(k, eff[txs[i-1]])
		}
		eff[tx] = k
	}
	sort.SliceStable(txs, func(i, j int) bool {
		a, b := txs[i], txs[j]
		if eff[a] != eff[b] {
			return eff[a] < eff[b]
		}
		if a.Sender != b.Sender {
			return a.Sender < b.Sender
		}
		return a.Nonce < b.Nonce
	})
}

func (p *Pool) setHeight(height uint64) error {
	p.state.height.Store(height)
	return p.workers.SetHeight(height)
}

func (p *Pool) fatal(err error) {
	if errors.Is(err, engine.ErrStorage) {
		p.processor.halt(err)
	}
}

// Rebroadcast relays up to limit pooled transactions, highest priority first,
// that clear the broadcast fee threshold.
func (p *Pool) Rebroadcast(ctx context.Context, limit int) (int, error) {
	if p.broadcaster == nil {
		return 0, nil
	}
	var payloads [][]byte
	p.state.mu.RLock()
	for tx := range p.state.query.FromHighestPriority().All() {
		if limit > 0 && len(payloads) >= limit {
			break
		}
		if p.processor.fees.CheckBroadcast(tx) == nil {
			payloads = append(payloads, tx.Serialized)
		}
	}
	p.state.mu.RUnlock()

	if len(payloads) == 0 {
		return 0, nil
	}
	return len(payloads), p.broadcaster.BroadcastTransactions(ctx, payloads)
}

// Sweep runs expiry and the stale-nonce sweep immediately.
func (p *Pool) Sweep() error {
	return p.expiration.Sweep()
}

// Get returns the pooled transaction with id.
func (p *Pool) Get(id string) (*engine.Transaction, bool) {
	p.state.mu.RLock()
	defer p.state.mu.RUnlock()
	return p.state.mempool.Get(id)
}

// BySender returns the pending transactions of address in nonce order.
func (p *Pool) BySender(address string) []*engine.Transaction {
	p.state.mu.RLock()
	defer p.state.mu.RUnlock()
	return p.state.query.BySender(address).Collect()
}

// View runs fn with read access to the pool query. fn must not retain the
// iterables beyond the call.
func (p *Pool) View(fn func(q *engine.Query)) {
	p.state.mu.RLock()
	defer p.state.mu.RUnlock()
	fn(p.state.query)
}

// Size returns the number of pooled transactions.
func (p *Pool) Size() int {
	p.state.mu.RLock()
	defer p.state.mu.RUnlock()
	return p.state.mempool.Size()
}

// Height returns the chain height the pool is at.
func (p *Pool) Height() uint64 { return p.state.height.Load() }

// Err reports whether admission is halted.
func (p *Pool) Err() error { return p.processor.Err() }

// Stats returns current pool statistics.
func (p *Pool) Stats() PoolStats {
	p.state.mu.RLock()
	mempool := p.state.mempool.Stats()
	p.state.mu.RUnlock()
	return PoolStats{
		Height:  p.state.height.Load(),
		Mempool: mempool,
		Workers: p.workers.GetStats(),
		Halted:  p.processor.Err() != nil,
	}
}
