package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/VanDung-dev/HieraChain-TxPool/cache"
)

// MaxNetworkMessageSize bounds one received frame.
const MaxNetworkMessageSize = 4 << 20

// Common errors for network operations
var (
	ErrNodeNotRunning = errors.New("node is not running")
	ErrPeerNotFound   = errors.New("peer not found")
	ErrSendFailed     = errors.New("failed to send message")
)

// Message types
const (
	MsgTransactions = "transactions"
)

// PeerInfo contains information about a network peer.
type PeerInfo struct {
	ID       string    `json:"id"`
	Address  string    `json:"address"`
	LastSeen time.Time `json:"last_seen"`
}

// Message is one frame exchanged between nodes.
type Message struct {
	Type         string    `json:"type"`
	From         string    `json:"from"`
	To           string    `json:"to,omitempty"`
	Transactions [][]byte  `json:"transactions,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Nonce        string    `json:"nonce,omitempty"`
	Hops         int       `json:"hops,omitempty"`
}

// MessageHandler is a callback for processing received messages.
type MessageHandler func(msg *Message) error

// ZmqNode is a ZeroMQ node: a ROUTER socket receives, one DEALER per peer sends.
type ZmqNode struct {
	nodeID  string
	address string
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	router  zmq4.Socket
	dealers map[string]zmq4.Socket

	peers map[string]*PeerInfo
	mu    sync.RWMutex

	handler MessageHandler
	msgChan chan *Message

	replays         *cache.Seen
	replayTolerance time.Duration

	running bool
	wg      sync.WaitGroup
}

// NewZmqNode creates a node listening on tcp://host:port once started.
func NewZmqNode(nodeID string, host string, port int, log *zap.Logger) *ZmqNode {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	tolerance := 60 * time.Second

	return &ZmqNode{
		nodeID:          nodeID,
		address:         fmt.Sprintf("tcp://%s:%d", host, port),
		log:             log.Named("zmq"),
		ctx:             ctx,
		cancel:          cancel,
		dealers:         make(map[string]zmq4.Socket),
		peers:           make(map[string]*PeerInfo),
		msgChan:         make(chan *Message, 1000),
		replays:         cache.NewSeen(100000, tolerance),
		replayTolerance: tolerance,
	}
}

// Address returns the listen address.
func (n *ZmqNode) Address() string { return n.address }

// Start binds the ROUTER socket and starts receiving.
func (n *ZmqNode) Start() error {
	n.mu.Lock()
	if n.running {
		n.mu.Unlock()
		return errors.New("node already running")
	}

	n.router = zmq4.NewRouter(n.ctx, zmq4.WithID(zmq4.SocketIdentity(n.nodeID)))
	if err := n.router.Listen(n.address); err != nil {
		n.mu.Unlock()
		return fmt.Errorf("failed to bind router: %w", err)
	}

	n.running = true
	n.mu.Unlock()

	n.wg.Add(2)
	go n.receiverLoop()
	go n.messageProcessor()
	return nil
}

// Stop closes every socket and waits for the loops to exit.
func (n *ZmqNode) Stop() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.running = false
	n.cancel()

	if n.router != nil {
		if err := n.router.Close(); err != nil {
			n.log.Debug("closing router", zap.Error(err))
		}
	}
	for id, dealer := range n.dealers {
		if err := dealer.Close(); err != nil {
			n.log.Debug("closing dealer", zap.String("peer", id), zap.Error(err))
		}
		delete(n.dealers, id)
	}
	n.mu.Unlock()

	n.wg.Wait()
}

// RegisterPeer adds a peer to the known peers list.
func (n *ZmqNode) RegisterPeer(peerID, address string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.peers[peerID] = &PeerInfo{
		ID:       peerID,
		Address:  address,
		LastSeen: time.Now(),
	}
}

// UnregisterPeer removes a peer and closes its socket.
func (n *ZmqNode) UnregisterPeer(peerID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.peers, peerID)
	if dealer, ok := n.dealers[peerID]; ok {
		if err := dealer.Close(); err != nil {
			n.log.Debug("closing dealer", zap.String("peer", peerID), zap.Error(err))
		}
		delete(n.dealers, peerID)
	}
}

// SetHandler sets the message handler callback.
func (n *ZmqNode) SetHandler(handler MessageHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handler = handler
}

// SendDirect sends msg to one peer, stamping sender, time and nonce.
func (n *ZmqNode) SendDirect(peerID string, msg Message) error {
	n.mu.RLock()
	if !n.running {
		n.mu.RUnlock()
		return ErrNodeNotRunning
	}
	peer, ok := n.peers[peerID]
	n.mu.RUnlock()
	if !ok {
		return ErrPeerNotFound
	}

	dealer, err := n.getOrCreateDealer(peerID, peer.Address)
	if err != nil {
		return err
	}

	now := time.Now()
	msg.From = n.nodeID
	msg.To = peerID
	msg.Timestamp = now
	msg.Nonce = fmt.Sprintf("%d-%s-%s", now.UnixNano(), n.nodeID, peerID)

	data, err := json.Marshal(&msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := dealer.Send(zmq4.NewMsg(data)); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

// Peers returns the ids of all registered peers.
func (n *ZmqNode) Peers() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	ids := make([]string, 0, len(n.peers))
	for id := range n.peers {
		ids = append(ids, id)
	}
	return ids
}

// GetPeers returns a copy of all registered peers.
func (n *ZmqNode) GetPeers() map[string]*PeerInfo {
	n.mu.RLock()
	defer n.mu.RUnlock()

	peers := make(map[string]*PeerInfo, len(n.peers))
	for id, peer := range n.peers {
		p := *peer
		peers[id] = &p
	}
	return peers
}

func (n *ZmqNode) getOrCreateDealer(peerID, address string) (zmq4.Socket, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if dealer, ok := n.dealers[peerID]; ok {
		return dealer, nil
	}
	dealer := zmq4.NewDealer(n.ctx, zmq4.WithID(zmq4.SocketIdentity(n.nodeID)))
	if err := dealer.Dial(address); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	n.dealers[peerID] = dealer
	return dealer, nil
}

// dropDealer forgets a peer socket after a failed send so the next attempt redials.
func (n *ZmqNode) dropDealer(peerID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if dealer, ok := n.dealers[peerID]; ok {
		_ = dealer.Close()
		delete(n.dealers, peerID)
	}
}

func (n *ZmqNode) receiverLoop() {
	defer n.wg.Done()

	for {
		msg, err := n.router.Recv()
		if err != nil {
			select {
			case <-n.ctx.Done():
				return
			default:
				continue
			}
		}

		// ROUTER prepends the sender identity frame.
		frame := msg.Frames[len(msg.Frames)-1]
		netMsg, err := decodeMessage(frame)
		if err != nil {
			n.log.Debug("dropping malformed message", zap.Error(err))
			continue
		}
		if !n.isValidReplay(netMsg) {
			continue
		}

		n.mu.Lock()
		if peer, ok := n.peers[netMsg.From]; ok {
			peer.LastSeen = time.Now()
		}
		n.mu.Unlock()

		select {
		case n.msgChan <- netMsg:
		default:
			n.log.Warn("inbound queue full, dropping message", zap.String("from", netMsg.From))
		}
	}
}

// decodeMessage parses one frame, rejecting oversized input.
func decodeMessage(frame []byte) (*Message, error) {
	if len(frame) > MaxNetworkMessageSize {
		return nil, fmt.Errorf("message of %d bytes exceeds %d", len(frame), MaxNetworkMessageSize)
	}
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, err
	}
	if msg.Type == "" || msg.From == "" {
		return nil, errors.New("message without type or sender")
	}
	return &msg, nil
}

func (n *ZmqNode) messageProcessor() {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			return
		case msg := <-n.msgChan:
			n.mu.RLock()
			handler := n.handler
			n.mu.RUnlock()

			if handler != nil {
				if err := handler(msg); err != nil {
					n.log.Debug("message handler failed", zap.String("from", msg.From), zap.Error(err))
				}
			}
		}
	}
}

// isValidReplay rejects replayed nonces and stale timestamps.
func (n *ZmqNode) isValidReplay(msg *Message) bool {
	if msg.Nonce == "" {
		return true
	}
	if time.Since(msg.Timestamp) > n.replayTolerance {
		return false
	}
	return n.replays.Mark(msg.Nonce)
}

// NodeStats contains node statistics.
type NodeStats struct {
	NodeID    string `json:"node_id"`
	Address   string `json:"address"`
	PeerCount int    `json:"peer_count"`
	IsRunning bool   `json:"is_running"`
	QueueSize int    `json:"queue_size"`
}

// GetStats returns current node statistics.
func (n *ZmqNode) GetStats() NodeStats {
	n.mu.RLock()
	defer n.mu.RUnlock()

	return NodeStats{
		NodeID:    n.nodeID,
		Address:   n.address,
		PeerCount: len(n.peers),
		IsRunning: n.running,
		QueueSize: len(n.msgChan),
	}
}
