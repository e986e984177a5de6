package network

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/VanDung-dev/HieraChain-TxPool/cache"
	"github.com/VanDung-dev/HieraChain-TxPool/codec"
)

// Propagator gossips transactions to peers. Every transaction is relayed at
// most once per seen-cache window, whether it came from a local admission or
// from a peer.
type Propagator struct {
	node    *ZmqNode
	log     *zap.Logger
	seen    *cache.Seen
	maxHops int
	retry   time.Duration

	sent    atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

// NewPropagator creates a propagator over node.
func NewPropagator(node *ZmqNode, cacheSize int, cacheExpiry time.Duration, log *zap.Logger) *Propagator {
	return &Propagator{
		node:    node,
		log:     log.Named("propagator"),
		seen:    cache.NewSeen(cacheSize, cacheExpiry),
		maxHops: 5,
		retry:   2 * time.Second,
	}
}

// fresh marks payloads seen and returns those that were not.
func (p *Propagator) fresh(payloads [][]byte) [][]byte {
	var out [][]byte
	for _, raw := range payloads {
		if p.seen.Mark(codec.ID(raw)) {
			out = append(out, raw)
		} else {
			p.dropped.Add(1)
		}
	}
	return out
}

// PropagateTransactions sends the not yet relayed payloads to every peer.
func (p *Propagator) PropagateTransactions(ctx context.Context, payloads [][]byte) error {
	payloads = p.fresh(payloads)
	if len(payloads) == 0 {
		return nil
	}
	return p.broadcast(ctx, Message{Type: MsgTransactions, Transactions: payloads}, "")
}

// HandleIncoming marks the transactions of msg seen, forwards the new ones to
// the other peers while the hop budget lasts and returns them for admission.
func (p *Propagator) HandleIncoming(ctx context.Context, msg *Message) [][]byte {
	payloads := p.fresh(msg.Transactions)
	if len(payloads) == 0 {
		return nil
	}
	if msg.Hops+1 < p.maxHops {
		fwd := Message{Type: msg.Type, Transactions: payloads, Hops: msg.Hops + 1}
		if err := p.broadcast(ctx, fwd, msg.From); err != nil {
			p.log.Debug("forwarding failed", zap.String("from", msg.From), zap.Error(err))
		}
	}
	return payloads
}

// broadcast sends msg to every peer except skip, retrying each send with
// exponential backoff until ctx ends or the retry budget is spent.
func (p *Propagator) broadcast(ctx context.Context, msg Message, skip string) error {
	var errs []error
	for _, peerID := range p.node.Peers() {
		if peerID == skip {
			continue
		}
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 50 * time.Millisecond
		b.MaxElapsedTime = p.retry

		err := backoff.Retry(func() error {
			err := p.node.SendDirect(peerID, msg)
			switch {
			case err == nil:
				return nil
			case errors.Is(err, ErrNodeNotRunning), errors.Is(err, ErrPeerNotFound):
				return backoff.Permanent(err)
			default:
				p.node.dropDealer(peerID)
				return err
			}
		}, backoff.WithContext(b, ctx))
		if err != nil {
			p.failed.Add(1)
			errs = append(errs, err)
			continue
		}
		p.sent.Add(int64(len(msg.Transactions)))
	}
	return errors.Join(errs...)
}

// SetMaxHops sets the maximum number of hops for message propagation.
func (p *Propagator) SetMaxHops(hops int) { p.maxHops = hops }

// PropagatorStats contains propagator statistics.
type PropagatorStats struct {
	MaxHops   int   `json:"max_hops"`
	CacheSize int   `json:"cache_size"`
	Sent      int64 `json:"sent"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
}

// GetStats returns propagator statistics.
func (p *Propagator) GetStats() PropagatorStats {
	return PropagatorStats{
		MaxHops:   p.maxHops,
		CacheSize: p.seen.Len(),
		Sent:      p.sent.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
	}
}
