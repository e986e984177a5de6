package core

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/VanDung-dev/HieraChain-TxPool/codec"
	"github.com/VanDung-dev/HieraChain-TxPool/engine"
)

// Worker pool errors
var (
	ErrVerificationTimeout = errors.New("verification timed out")
	ErrWorkerPoolStopped   = errors.New("worker pool is shut down")
)

func init() {
	engine.RegisterErrorCode(ErrVerificationTimeout, "ERR_VERIFICATION_TIMEOUT")
	engine.RegisterErrorCode(ErrWorkerPoolStopped, "ERR_SHUTDOWN")
}

// WorkerPoolConfig configures the verification worker pool.
type WorkerPoolConfig struct {
	Workers   int           `mapstructure:"workers"`
	QueueSize int           `mapstructure:"queue_size"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// DefaultWorkerCount is half the CPUs, clamped to 1..3.
func DefaultWorkerCount() int {
	return min(max(runtime.NumCPU()/2, 1), 3)
}

// DefaultWorkerPoolConfig returns the default verification pool settings.
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:   DefaultWorkerCount(),
		QueueSize: 256,
		Timeout:   5 * time.Second,
	}
}

// request is one verification in a worker's inbox.
type request struct {
	id  uint64
	raw []byte
}

// response answers a request.
type response struct {
	id       uint64
	workerID int
	tx       *engine.Transaction
	err      error
	duration time.Duration
}

// codecState is the codec configuration every worker syncs to before each
// verification. It is replaced, never mutated.
type codecState struct {
	params     codec.Params
	configured bool
	height     uint64
}

type worker struct {
	id       int
	inbox    chan *request
	inflight atomic.Int64
	restarts atomic.Int64
}

// WorkerPoolStats contains worker pool statistics.
type WorkerPoolStats struct {
	Name      string `json:"name"`
	Workers   int    `json:"workers"`
	InFlight  int64  `json:"in_flight"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Restarts  int64  `json:"restarts"`
	TimedOut  int64  `json:"timed_out"`
}

// WorkerPool verifies raw transactions on isolated goroutines, each owning
// its own codec. Requests carry a correlation id so replies can complete in
// any order.
type WorkerPool struct {
	name     string
	cfg      WorkerPoolConfig
	newCodec func() codec.Codec
	log      *zap.Logger
	recorder Recorder

	workers []*worker
	stateMu sync.Mutex
	state   atomic.Pointer[codecState]
	nextID  atomic.Uint64
	rr      atomic.Uint64

	pendingMu sync.Mutex
	pending   map[uint64]chan *response

	completed atomic.Int64
	failed    atomic.Int64
	restarts  atomic.Int64
	timedOut  atomic.Int64

	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
}

// NewWorkerPool starts cfg.Workers workers, each built with newCodec.
func NewWorkerPool(name string, cfg WorkerPoolConfig, newCodec func() codec.Codec, log *zap.Logger) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkerCount()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}

	p := &WorkerPool{
		name:     name,
		cfg:      cfg,
		newCodec: newCodec,
		log:      log.Named("workers"),
		recorder: nopRecorder{},
		pending:  make(map[uint64]chan *response),
		running:  true,
	}
	p.state.Store(&codecState{})

	for i := 0; i < cfg.Workers; i++ {
		w := &worker{id: i, inbox: make(chan *request, cfg.QueueSize)}
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go p.runWorker(w)
	}
	return p
}

// SetRecorder attaches a metrics recorder.
func (p *WorkerPool) SetRecorder(r Recorder) {
	if r != nil {
		p.recorder = r
	}
}

// SetConfig publishes params to every worker. Verifications submitted
// afterwards are processed with the new params. It never waits on a worker.
func (p *WorkerPool) SetConfig(params codec.Params) error {
	if !p.IsRunning() {
		return ErrWorkerPoolStopped
	}
	p.updateState(func(st *codecState) {
		st.params, st.configured = params, true
	})
	return nil
}

// SetHeight publishes the chain height to every worker.
func (p *WorkerPool) SetHeight(height uint64) error {
	if !p.IsRunning() {
		return ErrWorkerPoolStopped
	}
	p.updateState(func(st *codecState) {
		st.height = height
	})
	return nil
}

func (p *WorkerPool) updateState(fn func(st *codecState)) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	st := *p.state.Load()
	fn(&st)
	p.state.Store(&st)
}

// GetTransaction deserialises and verifies raw on a worker. It fails with
// ErrVerificationTimeout if no reply arrives within the configured timeout;
// a late reply is dropped.
func (p *WorkerPool) GetTransaction(ctx context.Context, raw []byte) (*engine.Transaction, error) {
	id := p.nextID.Add(1)
	reply := make(chan *response, 1)

	p.pendingMu.Lock()
	p.pending[id] = reply
	p.pendingMu.Unlock()

	if err := p.dispatch(&request{id: id, raw: raw}); err != nil {
		p.forget(id)
		return nil, err
	}

	timer := time.NewTimer(p.cfg.Timeout)
	defer timer.Stop()

	select {
	case resp := <-reply:
		p.recorder.VerificationDuration(resp.duration)
		return resp.tx, resp.err
	case <-timer.C:
		p.forget(id)
		p.timedOut.Add(1)
		return nil, ErrVerificationTimeout
	case <-ctx.Done():
		p.forget(id)
		return nil, ctx.Err()
	}
}

// dispatch hands req to the least loaded worker that can take it.
func (p *WorkerPool) dispatch(req *request) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return ErrWorkerPoolStopped
	}

	start := int(p.rr.Add(1) % uint64(len(p.workers)))
	order := make([]*worker, len(p.workers))
	for i := range order {
		order[i] = p.workers[(start+i)%len(p.workers)]
	}
	sort.SliceStable(order, func(i, j int) bool {
		return order[i].inflight.Load() < order[j].inflight.Load()
	})

	for _, w := range order {
		w.inflight.Add(1)
		select {
		case w.inbox <- req:
			p.recorder.WorkersInFlight(int(p.inFlight()))
			return nil
		default:
			w.inflight.Add(-1)
		}
	}
	return engine.ErrWorkerUnavailable
}

func (p *WorkerPool) forget(id uint64) {
	p.pendingMu.Lock()
	delete(p.pending, id)
	p.pendingMu.Unlock()
}

// deliver routes resp to its waiter, if it is still waiting.
func (p *WorkerPool) deliver(resp *response) {
	p.pendingMu.Lock()
	reply, ok := p.pending[resp.id]
	delete(p.pending, resp.id)
	p.pendingMu.Unlock()
	if ok {
		reply <- resp
	}
}

// runWorker keeps a worker alive, respawning it after a crash.
func (p *WorkerPool) runWorker(w *worker) {
	defer p.wg.Done()
	for !p.serve(w) {
		w.restarts.Add(1)
		p.restarts.Add(1)
		p.log.Warn("verification worker crashed, respawning", zap.Int("worker", w.id))
	}
}

// serve processes the inbox with a fresh codec. It returns true once the
// inbox is closed and false if the worker crashed.
func (p *WorkerPool) serve(w *worker) (closed bool) {
	c := p.newCodec()
	var synced *codecState

	var current *request
	defer func() {
		if r := recover(); r != nil {
			closed = false
			if current != nil {
				w.inflight.Add(-1)
				p.failed.Add(1)
				p.deliver(&response{
					id:       current.id,
					workerID: w.id,
					err:      fmt.Errorf("%w: worker crashed: %s", engine.ErrVerificationFailed, panicToString(r)),
				})
			}
		}
	}()

	for req := range w.inbox {
		current = req
		if st := p.state.Load(); st != synced {
			if st.configured {
				c.SetConfig(st.params)
			}
			c.SetHeight(st.height)
			synced = st
		}
		p.verify(w, c, req)
		current = nil
	}
	return true
}

func (p *WorkerPool) verify(w *worker, c codec.Codec, req *request) {
	start := time.Now()
	tx, err := c.Decode(req.raw)
	if err == nil {
		var ok bool
		ok, err = c.Verify(tx)
		if err == nil && !ok {
			err = fmt.Errorf("%w: bad signature on %s", engine.ErrVerificationFailed, tx.ID)
		}
	}
	if err != nil {
		tx = nil
		p.failed.Add(1)
	} else {
		p.completed.Add(1)
	}
	w.inflight.Add(-1)
	p.deliver(&response{id: req.id, workerID: w.id, tx: tx, err: err, duration: time.Since(start)})
}

// panicToString converts a recovered panic value to a string.
func panicToString(r interface{}) string {
	switch v := r.(type) {
	case string:
		return v
	case error:
		return v.Error()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func (p *WorkerPool) inFlight() int64 {
	var n int64
	for _, w := range p.workers {
		n += w.inflight.Load()
	}
	return n
}

// Size returns the number of workers.
func (p *WorkerPool) Size() int { return len(p.workers) }

// GetStats returns current worker pool statistics.
func (p *WorkerPool) GetStats() WorkerPoolStats {
	return WorkerPoolStats{
		Name:      p.name,
		Workers:   len(p.workers),
		InFlight:  p.inFlight(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Restarts:  p.restarts.Load(),
		TimedOut:  p.timedOut.Load(),
	}
}

// Shutdown stops accepting requests, lets workers finish what is queued and
// fails anything still waiting.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	for _, w := range p.workers {
		close(w.inbox)
	}
	p.mu.Unlock()

	p.wg.Wait()

	p.pendingMu.Lock()
	for id, reply := range p.pending {
		reply <- &response{id: id, err: ErrWorkerPoolStopped}
		delete(p.pending, id)
	}
	p.pendingMu.Unlock()
}

// ShutdownWithTimeout shuts down with a timeout.
func (p *WorkerPool) ShutdownWithTimeout(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		p.Shutdown()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("shutdown timeout")
	}
}

// IsRunning returns true if the pool is still accepting requests.
func (p *WorkerPool) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}
