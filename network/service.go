package network

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// NetworkConfig defines configuration for the network service.
type NetworkConfig struct {
	NodeID string `json:"node_id"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
	// Peers lists static peers as "id=tcp://host:port".
	Peers        []string      `json:"peers"`
	SendTimeout  time.Duration `json:"send_timeout"`
	SeenSize     int           `json:"seen_size"`
	SeenTTL      time.Duration `json:"seen_ttl"`
	StaleTimeout time.Duration `json:"stale_timeout"`
}

// DefaultNetworkConfig returns a configuration with sensible defaults.
func DefaultNetworkConfig() NetworkConfig {
	return NetworkConfig{
		NodeID:       "node-1",
		Host:         "127.0.0.1",
		Port:         5555,
		SendTimeout:  5 * time.Second,
		SeenSize:     100000,
		SeenTTL:      10 * time.Minute,
		StaleTimeout: 5 * time.Minute,
	}
}

// ParsePeer splits "id=tcp://host:port" into id and address.
func ParsePeer(s string) (id, address string, err error) {
	id, address, ok := strings.Cut(s, "=")
	if !ok || id == "" || !strings.HasPrefix(address, "tcp://") {
		return "", "", fmt.Errorf("invalid peer %q, want id=tcp://host:port", s)
	}
	return id, address, nil
}

// TransactionHandler receives transactions relayed by peers.
type TransactionHandler func(ctx context.Context, payloads [][]byte)

// NetworkStatus represents the current status of the network service.
type NetworkStatus struct {
	NodeID       string          `json:"node_id"`
	Address      string          `json:"address"`
	IsRunning    bool            `json:"is_running"`
	PeerCount    int             `json:"peer_count"`
	HealthyPeers int             `json:"healthy_peers"`
	NodeStats    NodeStats       `json:"node_stats"`
	Propagation  PropagatorStats `json:"propagation"`
}

// NetworkService relays pool transactions between nodes over ZeroMQ.
type NetworkService struct {
	config     NetworkConfig
	log        *zap.Logger
	node       *ZmqNode
	propagator *Propagator

	mu      sync.RWMutex
	running bool
	onTxs   TransactionHandler
}

// NewNetworkService creates a network service with the given configuration.
func NewNetworkService(config NetworkConfig, log *zap.Logger) (*NetworkService, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("network")
	node := NewZmqNode(config.NodeID, config.Host, config.Port, log)
	for _, p := range config.Peers {
		id, address, err := ParsePeer(p)
		if err != nil {
			return nil, err
		}
		node.RegisterPeer(id, address)
	}

	ns := &NetworkService{
		config:     config,
		log:        log,
		node:       node,
		propagator: NewPropagator(node, config.SeenSize, config.SeenTTL, log),
	}
	node.SetHandler(ns.handleMessage)
	return ns, nil
}

// Start binds the transport.
func (ns *NetworkService) Start() error {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	if ns.running {
		return nil
	}
	if err := ns.node.Start(); err != nil {
		return fmt.Errorf("failed to start ZMQ node: %w", err)
	}
	ns.running = true
	ns.log.Info("network service started",
		zap.String("node", ns.config.NodeID),
		zap.String("address", ns.node.Address()),
		zap.Int("peers", len(ns.node.Peers())))
	return nil
}

// Stop shuts the transport down.
func (ns *NetworkService) Stop() {
	ns.mu.Lock()
	if !ns.running {
		ns.mu.Unlock()
		return
	}
	ns.running = false
	ns.mu.Unlock()

	ns.node.Stop()
	ns.log.Info("network service stopped", zap.String("node", ns.config.NodeID))
}

// SetTransactionHandler sets where transactions received from peers go.
func (ns *NetworkService) SetTransactionHandler(h TransactionHandler) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.onTxs = h
}

// BroadcastTransactions relays payloads to every peer.
func (ns *NetworkService) BroadcastTransactions(ctx context.Context, payloads [][]byte) error {
	if !ns.IsRunning() {
		return ErrNodeNotRunning
	}
	if ns.config.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ns.config.SendTimeout)
		defer cancel()
	}
	return ns.propagator.PropagateTransactions(ctx, payloads)
}

func (ns *NetworkService) handleMessage(msg *Message) error {
	if msg.Type != MsgTransactions {
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
	ctx := context.Background()
	if ns.config.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ns.config.SendTimeout)
		defer cancel()
	}

	payloads := ns.propagator.HandleIncoming(ctx, msg)
	if len(payloads) == 0 {
		return nil
	}
	ns.mu.RLock()
	h := ns.onTxs
	ns.mu.RUnlock()
	if h != nil {
		h(ctx, payloads)
	}
	return nil
}

// RegisterPeer adds a peer to the network.
func (ns *NetworkService) RegisterPeer(peerID, address string) {
	ns.node.RegisterPeer(peerID, address)
}

// UnregisterPeer removes a peer from the network.
func (ns *NetworkService) UnregisterPeer(peerID string) {
	ns.node.UnregisterPeer(peerID)
}

// GetPeers returns all known peers.
func (ns *NetworkService) GetPeers() map[string]*PeerInfo {
	return ns.node.GetPeers()
}

// GetHealthyPeers returns peers heard from within the stale timeout.
func (ns *NetworkService) GetHealthyPeers() []*PeerInfo {
	cutoff := time.Now().Add(-ns.config.StaleTimeout)
	var healthy []*PeerInfo
	for _, peer := range ns.node.GetPeers() {
		if ns.config.StaleTimeout <= 0 || peer.LastSeen.After(cutoff) {
			healthy = append(healthy, peer)
		}
	}
	return healthy
}

// GetStatus returns the current status of the network service.
func (ns *NetworkService) GetStatus() NetworkStatus {
	nodeStats := ns.node.GetStats()
	return NetworkStatus{
		NodeID:       ns.config.NodeID,
		Address:      ns.node.Address(),
		IsRunning:    ns.IsRunning(),
		PeerCount:    nodeStats.PeerCount,
		HealthyPeers: len(ns.GetHealthyPeers()),
		NodeStats:    nodeStats,
		Propagation:  ns.propagator.GetStats(),
	}
}

// IsRunning returns whether the service is currently running.
func (ns *NetworkService) IsRunning() bool {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return ns.running
}
