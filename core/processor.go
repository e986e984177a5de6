package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/VanDung-dev/HieraChain-TxPool/cache"
	"github.com/VanDung-dev/HieraChain-TxPool/engine"
)

// Processor errors
var (
	ErrHalted              = errors.New("admission halted")
	ErrProcessorStopped    = errors.New("processor is stopped")
	ErrTooManyTransactions = errors.New("too many transactions in request")
)

func init() {
	engine.RegisterErrorCode(ErrHalted, "ERR_HALTED")
	engine.RegisterErrorCode(ErrProcessorStopped, "ERR_SHUTDOWN")
	engine.RegisterErrorCode(ErrTooManyTransactions, "ERR_TOO_MANY")
}

// Stage is a step of the admission state machine.
type Stage int

const (
	StageReceived Stage = iota
	StageDeserialising
	StageVerifying
	StageSemanticCheck
	StageFeeCheck
	StageInserting
	StageAdmitted
	StageRejected
)

func (s Stage) String() string {
	switch s {
	case StageReceived:
		return "received"
	case StageDeserialising:
		return "deserialising"
	case StageVerifying:
		return "verifying"
	case StageSemanticCheck:
		return "semantic_check"
	case StageFeeCheck:
		return "fee_check"
	case StageInserting:
		return "inserting"
	case StageAdmitted:
		return "admitted"
	case StageRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Status is the final verdict on one submitted transaction.
type Status int

const (
	StatusAccepted Status = iota
	StatusDuplicate
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusAccepted:
		return "accepted"
	case StatusDuplicate:
		return "duplicate"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Outcome reports what happened to one payload of a batch.
type Outcome struct {
	Index  int    `json:"index"`
	ID     string `json:"id,omitempty"`
	Status Status `json:"status"`
	// Stage is the step a rejected transaction failed in.
	Stage     Stage `json:"stage"`
	Err       error `json:"-"`
	Broadcast bool  `json:"broadcast"`
}

// BatchResult collects the outcomes of one Process call.
type BatchResult struct {
	Outcomes []Outcome
	// Evicted lists transactions pushed out of the pool by this batch.
	Evicted []string
}

// Accepted returns the ids admitted by this batch, duplicates included.
func (r *BatchResult) Accepted() []string {
	var ids []string
	for _, o := range r.Outcomes {
		if o.Status != StatusRejected {
			ids = append(ids, o.ID)
		}
	}
	return ids
}

// Rejected returns the failed outcomes.
func (r *BatchResult) Rejected() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Status == StatusRejected {
			out = append(out, o)
		}
	}
	return out
}

// Verifier deserialises and verifies a raw transaction.
type Verifier interface {
	GetTransaction(ctx context.Context, raw []byte) (*engine.Transaction, error)
}

// Broadcaster relays admitted transactions to peers.
type Broadcaster interface {
	BroadcastTransactions(ctx context.Context, payloads [][]byte) error
}

// ProcessorConfig configures the admission pipeline.
type ProcessorConfig struct {
	MaxTransactionBytes       int           `mapstructure:"max_transaction_bytes"`
	MaxTransactionsPerRequest int           `mapstructure:"max_transactions_per_request"`
	QueueSize                 int           `mapstructure:"queue_size"`
	ParkTimeout               time.Duration `mapstructure:"park_timeout"`
	MaxParked                 int           `mapstructure:"max_parked"`
	WorkerRetryTimeout        time.Duration `mapstructure:"worker_retry_timeout"`
	BroadcastTimeout          time.Duration `mapstructure:"broadcast_timeout"`
	RejectionCacheSize        int           `mapstructure:"rejection_cache_size"`
	RejectionCacheTTL         time.Duration `mapstructure:"rejection_cache_ttl"`
}

// DefaultProcessorConfig returns default pipeline settings.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		MaxTransactionBytes:       64 * 1024,
		MaxTransactionsPerRequest: 40,
		QueueSize:                 1024,
		ParkTimeout:               2 * time.Second,
		MaxParked:                 4096,
		WorkerRetryTimeout:        time.Second,
		BroadcastTimeout:          10 * time.Second,
		RejectionCacheSize:        10000,
		RejectionCacheTTL:         10 * time.Minute,
	}
}

// admission is one verified transaction waiting for the sequential loop.
// Unless pinned, it takes the pool height at the moment it is inserted.
type admission struct {
	tx       *engine.Transaction
	height   uint64
	pinned   bool
	restore  bool
	deadline time.Time
	done     chan admissionResult
}

type admissionResult struct {
	err       error
	stage     Stage
	evicted   *engine.Transaction
	broadcast bool
}

// Processor is the admission pipeline. Verification runs in parallel on the
// worker pool; insertion runs on a single loop goroutine in arrival order.
// A transaction whose nonce is ahead of its sender's expected nonce is parked
// until the missing nonce lands or the park timeout passes.
type Processor struct {
	cfg         ProcessorConfig
	log         *zap.Logger
	state       *poolState
	verifier    Verifier
	fees        *engine.FeeMatcher
	broadcaster Broadcaster
	rejections  *cache.Rejections
	maxAhead    uint64

	queue  chan *admission
	parked map[string][]*admission
	nPark  int

	haltMu  sync.RWMutex
	haltErr error

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

func newProcessor(cfg ProcessorConfig, st *poolState, verifier Verifier, fees *engine.FeeMatcher, broadcaster Broadcaster, maxAhead int, log *zap.Logger) *Processor {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.ParkTimeout <= 0 {
		cfg.ParkTimeout = 2 * time.Second
	}
	if maxAhead <= 0 {
		maxAhead = 64
	}
	return &Processor{
		cfg:         cfg,
		log:         log.Named("processor"),
		state:       st,
		verifier:    verifier,
		fees:        fees,
		broadcaster: broadcaster,
		rejections:  cache.NewRejections(cfg.RejectionCacheSize, cfg.RejectionCacheTTL),
		maxAhead:    uint64(maxAhead),
		queue:       make(chan *admission, cfg.QueueSize),
		parked:      make(map[string][]*admission),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the admission loop.
func (p *Processor) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("processor already running")
	}
	p.running = true
	p.wg.Add(1)
	go p.run()
	return nil
}

// Stop ends the admission loop. Queued and parked admissions fail with
// ErrProcessorStopped.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()
}

// Err returns a non-nil error once a storage failure halted admission.
func (p *Processor) Err() error {
	p.haltMu.RLock()
	defer p.haltMu.RUnlock()
	if p.haltErr == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrHalted, p.haltErr)
}

func (p *Processor) halt(err error) {
	p.haltMu.Lock()
	defer p.haltMu.Unlock()
	if p.haltErr == nil {
		p.haltErr = err
		p.log.Error("storage failure, admission halted", zap.Error(err))
	}
}

// Process runs raws through the pipeline. Each payload gets its own outcome;
// one failure never aborts the rest. Accepted transactions that clear the
// broadcast threshold are handed to the broadcaster.
func (p *Processor) Process(ctx context.Context, raws [][]byte) (*BatchResult, error) {
	if limit := p.cfg.MaxTransactionsPerRequest; limit > 0 && len(raws) > limit {
		return nil, fmt.Errorf("%w: %d, limit %d", ErrTooManyTransactions, len(raws), limit)
	}
	return p.process(ctx, raws, true)
}

// process admits raws without the request cap. With relay unset nothing is
// handed to the broadcaster.
func (p *Processor) process(ctx context.Context, raws [][]byte, relay bool) (*BatchResult, error) {
	if err := p.Err(); err != nil {
		return nil, err
	}

	result := &BatchResult{Outcomes: make([]Outcome, len(raws))}
	evicted := make([]*engine.Transaction, len(raws))

	var g errgroup.Group
	for i, raw := range raws {
		g.Go(func() error {
			result.Outcomes[i], evicted[i] = p.admit(ctx, i, raw)
			return nil
		})
	}
	_ = g.Wait()

	var payloads [][]byte
	for i, o := range result.Outcomes {
		if evicted[i] != nil {
			result.Evicted = append(result.Evicted, evicted[i].ID)
		}
		if relay && o.Broadcast {
			payloads = append(payloads, raws[i])
		}
	}
	if len(payloads) > 0 {
		p.relay(payloads)
	}
	return result, nil
}

// admit carries one payload from Received to Admitted or Rejected.
func (p *Processor) admit(ctx context.Context, index int, raw []byte) (Outcome, *engine.Transaction) {
	out := Outcome{Index: index, Stage: StageReceived}
	reject := func(stage Stage, err error) (Outcome, *engine.Transaction) {
		out.Stage, out.Status, out.Err = stage, StatusRejected, err
		p.state.recorder.TransactionRejected(engine.Code(err))
		return out, nil
	}

	if limit := p.cfg.MaxTransactionBytes; limit > 0 && len(raw) > limit {
		return reject(StageDeserialising, fmt.Errorf("%w: %d bytes, limit %d", engine.ErrTooLarge, len(raw), limit))
	}
	if err, ok := p.rejections.Lookup(raw); ok {
		return reject(stageOf(err), err)
	}

	tx, err := p.verify(ctx, raw)
	if err != nil {
		if engine.IsPermanent(err) {
			p.rejections.Remember(raw, err)
		}
		return reject(stageOf(err), err)
	}
	out.ID = tx.ID

	res, err := p.enqueue(ctx, &admission{tx: tx})
	if err != nil {
		return reject(StageVerifying, err)
	}
	switch {
	case errors.Is(res.err, engine.ErrDuplicateID):
		out.Status, out.Stage = StatusDuplicate, StageAdmitted
	case res.err != nil:
		// The eviction stands even when the newcomer fails to persist.
		out, _ = reject(res.stage, res.err)
		return out, res.evicted
	default:
		out.Status, out.Stage, out.Broadcast = StatusAccepted, StageAdmitted, res.broadcast
		p.state.recorder.TransactionAdmitted()
	}
	return out, res.evicted
}

func stageOf(err error) Stage {
	if errors.Is(err, engine.ErrDeserialise) || errors.Is(err, engine.ErrTooLarge) {
		return StageDeserialising
	}
	return StageVerifying
}

// verify asks the worker pool, retrying while every worker is busy.
func (p *Processor) verify(ctx context.Context, raw []byte) (*engine.Transaction, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	b.MaxElapsedTime = p.cfg.WorkerRetryTimeout

	var tx *engine.Transaction
	err := backoff.Retry(func() error {
		var err error
		tx, err = p.verifier.GetTransaction(ctx, raw)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, engine.ErrWorkerUnavailable):
			return err
		default:
			return backoff.Permanent(err)
		}
	}, backoff.WithContext(b, ctx))
	return tx, err
}

// enqueue hands a to the loop and waits for its verdict.
func (p *Processor) enqueue(ctx context.Context, a *admission) (admissionResult, error) {
	a.done = make(chan admissionResult, 1)
	select {
	case p.queue <- a:
	case <-p.stopCh:
		return admissionResult{}, ErrProcessorStopped
	case <-ctx.Done():
		return admissionResult{}, ctx.Err()
	}

	select {
	case res := <-a.done:
		return res, nil
	case <-p.stopCh:
		select {
		case res := <-a.done:
			return res, nil
		case <-time.After(p.cfg.ParkTimeout):
			return admissionResult{}, ErrProcessorStopped
		}
	case <-ctx.Done():
		return admissionResult{}, ctx.Err()
	}
}

// restore re-admits a transaction read back from storage without writing it again.
func (p *Processor) restore(ctx context.Context, tx *engine.Transaction, height uint64) error {
	res, err := p.enqueue(ctx, &admission{tx: tx, height: height, pinned: true, restore: true})
	if err != nil {
		return err
	}
	return res.err
}

func (p *Processor) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(max(p.cfg.ParkTimeout/4, 10*time.Millisecond))
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			p.drain()
			return
		case a := <-p.queue:
			p.handle(a)
		case now := <-ticker.C:
			p.sweepParked(now)
		}
	}
}

func (p *Processor) handle(a *admission) {
	if p.park(a) {
		return
	}
	res := p.apply(a)
	a.done <- res
	if res.err == nil {
		p.releaseParked(a.tx.Sender)
	}
}

// park holds a transaction whose nonce is ahead of the expected one.
func (p *Processor) park(a *admission) bool {
	if p.cfg.MaxParked > 0 && p.nPark >= p.cfg.MaxParked {
		return false
	}
	expected, err := p.state.nextNonce(a.tx.Sender)
	if err != nil || a.tx.Nonce <= expected || a.tx.Nonce-expected > p.maxAhead {
		return false
	}
	a.deadline = time.Now().Add(p.cfg.ParkTimeout)
	p.parked[a.tx.Sender] = append(p.parked[a.tx.Sender], a)
	p.nPark++
	return true
}

// releaseParked applies parked transactions of sender that are now in sequence.
func (p *Processor) releaseParked(sender string) {
	for {
		waiting := p.parked[sender]
		if len(waiting) == 0 {
			delete(p.parked, sender)
			return
		}
		expected, err := p.state.nextNonce(sender)
		if err != nil {
			return
		}

		next := -1
		for i, a := range waiting {
			if a.tx.Nonce <= expected {
				next = i
				break
			}
		}
		if next < 0 {
			return
		}
		a := waiting[next]
		p.parked[sender] = append(waiting[:next], waiting[next+1:]...)
		p.nPark--

		res := p.apply(a)
		a.done <- res
	}
}

// sweepParked retries every parked sender and fails the ones past their deadline.
func (p *Processor) sweepParked(now time.Time) {
	for sender := range p.parked {
		p.releaseParked(sender)
	}
	for sender, waiting := range p.parked {
		kept := waiting[:0]
		for _, a := range waiting {
			if now.Before(a.deadline) {
				kept = append(kept, a)
				continue
			}
			expected, _ := p.state.nextNonce(sender)
			a.done <- admissionResult{
				err:   &engine.NonceConflictError{Sender: sender, Expected: expected, Got: a.tx.Nonce},
				stage: StageInserting,
			}
			p.nPark--
		}
		if len(kept) == 0 {
			delete(p.parked, sender)
		} else {
			p.parked[sender] = kept
		}
	}
}

func (p *Processor) drain() {
	for sender, waiting := range p.parked {
		for _, a := range waiting {
			a.done <- admissionResult{err: ErrProcessorStopped, stage: StageReceived}
		}
		delete(p.parked, sender)
	}
	p.nPark = 0
	for {
		select {
		case a := <-p.queue:
			a.done <- admissionResult{err: ErrProcessorStopped, stage: StageReceived}
		default:
			return
		}
	}
}

// apply runs the semantic check, the fee check and the insertion under the
// pool write lock.
func (p *Processor) apply(a *admission) admissionResult {
	st := p.state
	st.mu.Lock()
	defer st.mu.Unlock()

	if err := p.Err(); err != nil {
		return admissionResult{err: err, stage: StageReceived}
	}

	tx := a.tx
	if st.mempool.Has(tx.ID) {
		return admissionResult{err: engine.ErrDuplicateID, stage: StageAdmitted}
	}

	h, err := st.handlers.Handler(tx)
	if err != nil {
		return admissionResult{err: err, stage: StageSemanticCheck}
	}
	if err := h.CheckPoolEntry(tx); err != nil {
		if !errors.Is(err, engine.ErrSemanticRejection) {
			err = &engine.SemanticError{Reason: err.Error()}
		}
		return admissionResult{err: err, stage: StageSemanticCheck}
	}

	if err := p.fees.CheckEnterPool(tx); err != nil {
		return admissionResult{err: err, stage: StageFeeCheck}
	}

	// A failed Apply must leave the pool unchanged.
	if err := h.Apply(tx); err != nil {
		st.log.Warn("handler apply failed", zap.String("tx", tx.ID), zap.Error(err))
		return admissionResult{err: &engine.SemanticError{Reason: err.Error()}, stage: StageSemanticCheck}
	}

	height := st.height.Load()
	if a.pinned {
		height = a.height
	}
	var evicted *engine.Transaction
	if a.restore {
		evicted, err = st.mempool.RestoreTransaction(tx, height)
	} else {
		evicted, err = st.mempool.AddTransaction(tx, height)
	}
	if evicted != nil {
		st.release([]*engine.Transaction{evicted}, ReasonEvicted)
		st.log.Debug("transaction evicted",
			zap.String("tx", evicted.ID),
			zap.String("by", tx.ID),
			zap.Error(engine.ErrEvicted))
	}
	if err != nil {
		if !st.mempool.Has(tx.ID) {
			if rerr := h.Revert(tx); rerr != nil {
				st.log.Warn("handler revert failed", zap.String("tx", tx.ID), zap.Error(rerr))
			}
		}
		if errors.Is(err, engine.ErrStorage) {
			p.halt(err)
		}
		return admissionResult{err: err, stage: StageInserting, evicted: evicted}
	}

	st.recorder.PoolSize(st.mempool.Size())
	return admissionResult{
		stage:     StageAdmitted,
		evicted:   evicted,
		broadcast: !a.restore && p.fees.CheckBroadcast(tx) == nil,
	}
}

// CheckBroadcast runs only the broadcast fee threshold, for re-broadcasting
// transactions already in the pool.
func (p *Processor) CheckBroadcast(tx *engine.Transaction) error {
	p.state.mu.RLock()
	defer p.state.mu.RUnlock()
	return p.fees.CheckBroadcast(tx)
}

// relay broadcasts payloads in the background.
func (p *Processor) relay(payloads [][]byte) {
	if p.broadcaster == nil {
		return
	}
	timeout := p.cfg.BroadcastTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := p.broadcaster.BroadcastTransactions(ctx, payloads); err != nil {
			p.log.Warn("broadcast failed", zap.Int("count", len(payloads)), zap.Error(err))
		}
	}()
}
