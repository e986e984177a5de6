package core

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/VanDung-dev/HieraChain-TxPool/engine"
)

// Store is the durable log behind the mempool.
type Store interface {
	engine.Storage
	GetAllTransactions() ([]*engine.StoredTransaction, error)
	GetTransactionsBelowHeight(height uint64) ([]*engine.StoredTransaction, error)
}

// ExpirationConfig configures age-based expiry.
type ExpirationConfig struct {
	// MaxTransactionAge is measured in blocks; zero disables expiry.
	MaxTransactionAge uint64        `mapstructure:"max_transaction_age"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
}

// DefaultExpirationConfig returns default expiry settings.
func DefaultExpirationConfig() ExpirationConfig {
	return ExpirationConfig{
		MaxTransactionAge: 2700,
		SweepInterval:     30 * time.Second,
	}
}

// ExpirationService removes transactions that outlived MaxTransactionAge and
// senders whose pending nonces fell out of line with the ledger.
type ExpirationService struct {
	cfg     ExpirationConfig
	state   *poolState
	store   Store
	log     *zap.Logger
	onFatal func(error)

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

func newExpirationService(cfg ExpirationConfig, st *poolState, store Store, onFatal func(error), log *zap.Logger) *ExpirationService {
	return &ExpirationService{
		cfg:     cfg,
		state:   st,
		store:   store,
		log:     log.Named("expiration"),
		onFatal: onFatal,
		stopCh:  make(chan struct{}),
	}
}

// Cutoff returns the lowest admission height still alive at height.
// A transaction admitted at H is gone once height reaches H+MaxTransactionAge.
func (e *ExpirationService) Cutoff(height uint64) uint64 {
	age := e.cfg.MaxTransactionAge
	if age == 0 || height < age {
		return 0
	}
	return height - age + 1
}

// ExpireAt removes every transaction admitted below the cutoff for height,
// together with the later nonces of its sender.
func (e *ExpirationService) ExpireAt(height uint64) ([]*engine.Transaction, error) {
	cutoff := e.Cutoff(height)
	if cutoff == 0 {
		return nil, nil
	}

	var ids []string
	if e.store != nil {
		recs, err := e.store.GetTransactionsBelowHeight(cutoff)
		if err != nil {
			e.fatal(err)
			return nil, err
		}
		for _, rec := range recs {
			ids = append(ids, rec.ID)
		}
	}

	st := e.state
	st.mu.Lock()
	defer st.mu.Unlock()

	if e.store == nil {
		for tx := range st.query.All().Where(func(tx *engine.Transaction) bool {
			return tx.AdmissionHeight() < cutoff
		}).All() {
			ids = append(ids, tx.ID)
		}
	}

	var expired []*engine.Transaction
	var orphans []string
	for _, id := range ids {
		tx, ok := st.mempool.Get(id)
		if !ok {
			orphans = append(orphans, id)
			continue
		}
		removed, err := st.mempool.RemoveTransaction(tx.Sender, tx.ID)
		expired = append(expired, removed...)
		if err != nil {
			st.release(expired, ReasonExpired)
			e.fatal(err)
			return expired, err
		}
	}
	st.release(expired, ReasonExpired)

	if len(orphans) > 0 && e.store != nil {
		if err := e.store.RemoveTransactions(orphans...); err != nil {
			e.fatal(err)
			return expired, err
		}
	}
	if len(expired) > 0 {
		e.log.Info("expired transactions",
			zap.Uint64("height", height),
			zap.Uint64("cutoff", cutoff),
			zap.Int("count", len(expired)),
			zap.Error(engine.ErrExpired))
	}
	return expired, nil
}

// PruneStale drops pending nonces that no longer continue from the ledger.
func (e *ExpirationService) PruneStale() ([]*engine.Transaction, error) {
	st := e.state
	st.mu.Lock()
	defer st.mu.Unlock()

	var stale []*engine.Transaction
	for _, address := range st.mempool.Senders() {
		removed, err := st.mempool.PruneSender(address)
		stale = append(stale, removed...)
		if err != nil {
			st.release(stale, ReasonStale)
			if errors.Is(err, engine.ErrStorage) {
				e.fatal(err)
			}
			return stale, err
		}
	}
	st.release(stale, ReasonStale)
	return stale, nil
}

// Sweep runs expiry at the current height and prunes stale senders.
func (e *ExpirationService) Sweep() error {
	if _, err := e.ExpireAt(e.state.height.Load()); err != nil {
		return err
	}
	_, err := e.PruneStale()
	return err
}

func (e *ExpirationService) fatal(err error) {
	if e.onFatal != nil {
		e.onFatal(err)
	}
}

// Start runs Sweep every SweepInterval.
func (e *ExpirationService) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return errors.New("expiration service already running")
	}
	if e.cfg.SweepInterval <= 0 {
		return nil
	}
	e.running = true
	e.wg.Add(1)
	go e.loop()
	return nil
}

func (e *ExpirationService) loop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			if err := e.Sweep(); err != nil {
				e.log.Warn("sweep failed", zap.Error(err))
			}
		}
	}
}

// Stop halts the sweep loop.
func (e *ExpirationService) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.mu.Unlock()

	close(e.stopCh)
	e.wg.Wait()
}
